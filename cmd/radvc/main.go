/*
Copyright 2025 The goARRG Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"unicode"

	"github.com/gogpu/gputypes"

	"goarrg.com/debug"
	"goarrg.com/rhi/radv"
	"goarrg.com/rhi/radv/nir"
	"goarrg.com/rhi/radv/wgsl"

	"golang.org/x/tools/go/packages"
)

var flags flag.FlagSet

type entries []string

func (e *entries) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		return debug.Errorf("Empty entry point name")
	}
	*e = append(*e, string(data))
	return nil
}

func (e entries) MarshalText() (text []byte, err error) {
	return []byte(strings.Join(e, ",")), nil
}

type generator uint32

const (
	generatorJSON generator = iota
	generatorGO
)

func (g *generator) UnmarshalText(data []byte) error {
	switch string(data) {
	case "json":
		*g = generatorJSON
	case "go":
		*g = generatorGO
	default:
		return debug.Errorf("Invalid value: %q", data)
	}
	return nil
}

func (g generator) MarshalText() (text []byte, err error) {
	switch g {
	case generatorJSON:
		return ([]byte)("json"), nil
	case generatorGO:
		return ([]byte)("go"), nil
	default:
		return nil, debug.Errorf("Invalid value: %d", g)
	}
}

func main() {
	debug.SetLevel(debug.LogLevelWarn)
	radv.SetLogLevel(debug.LogLevelWarn)

	flags.Usage = help
	flags.Init("", flag.ExitOnError)

	v := flags.Bool("v", false, "Verbose - Print high level tasks")
	vv := flags.Bool("vv", false, "Very Verbose - Print everything")

	dir := flags.String("dir", ".", "Sets the directory for the purposes of <file> resolution.")
	outDir := flags.String("out-dir", ".", "Sets the output directory.")

	gfx := radv.GFX10_3
	flags.TextVar(&gfx, "gfx", radv.GFX10_3, "Sets the target GFX level.")
	noNGG := flags.Bool("no-ngg", false, "Disables NGG on GFX levels that support it.")
	wave := flags.Uint("wave", 0, "Forces the wave size of every stage, 32 or 64.")
	o0 := flags.Bool("O0", false, "Disables optimizations, this also disables the cache.")
	capture := flags.Bool("capture", false, "Keeps the lowered IR and disassembly of every shader.")
	cacheFile := flags.String("cache", "", "Loads the cache from this file if it exists and saves it back after compiling.")

	selected := entries{}
	flags.TextVar(&selected, "E", entries{}, "Selects an entry point, may be repeated.\n"+
		"Without -E every entry point is compiled.")

	g := generator(0)
	flags.TextVar(&g, "generator", generatorJSON, "Sets the generator to use when outputting pipelines.\n"+
		"Valid values are \"json\" and \"go\".")

	err := flags.Parse(os.Args[1:])
	if err != nil {
		panic(err)
	}

	if *v {
		debug.SetLevel(debug.LogLevelInfo)
		radv.SetLogLevel(debug.LogLevelInfo)
	} else if *vv {
		debug.SetLevel(debug.LogLevelVerbose)
		radv.SetLogLevel(debug.LogLevelVerbose)
	}

	args := flags.Args()
	if len(args) == 0 {
		debug.EPrintf("No input file provided.")
		help()
		os.Exit(2)
	} else if len(args) > 1 {
		debug.EPrintf("radvc can only compile one file at a time.")
		help()
		os.Exit(2)
	}

	name := args[0]
	source, err := fs.ReadFile(os.DirFS(*dir), name)
	if err != nil {
		panic(debug.ErrorWrapf(err, "Failed to read %q", name))
	}
	debug.IPrintf("Compiling %q", name)
	module, err := wgsl.Compile(name, string(source))
	if err != nil {
		panic(err)
	}

	props := radv.DefaultProperties(gfx)
	if *noNGG {
		props.UseNGG = false
	}
	device := radv.InitDevice(radv.Config{
		DisableOptimizations: *o0,
		CaptureShaders:       *capture,
		ForceWaveSize:        uint32(*wave),
	}, props)
	defer device.Destroy()

	if *cacheFile != "" {
		loadCache(device.Cache(), *cacheFile)
	}

	pipelines := compile(device, module, selected)
	defer func() {
		for _, p := range pipelines {
			p.Release()
		}
	}()

	outName := filepath.Base(name)
	err = os.MkdirAll(*outDir, 0o755)
	if err != nil {
		panic(err)
	}
	switch g {
	case generatorJSON:
		genJson(*outDir, outName, device, pipelines)
	case generatorGO:
		genGo(*outDir, outName, device)
	}

	if *cacheFile != "" {
		saveCache(device.Cache(), *cacheFile)
	}
}

func help() {
	fmt.Fprintf(os.Stderr, "radvc compiles the entry points of a WGSL file into pipelines offline.\n"+
		"\nCompute entry points each become a compute pipeline, the remaining entry points form a single graphics pipeline.\n"+
		"The pipeline layout is derived from the resources the entry points access.\n"+
		"\n")
	args := ""
	flags.VisitAll(func(f *flag.Flag) {
		n, u := flag.UnquoteUsage(f)
		if f.DefValue != "" {
			u += "\n\nDefaults to \"" + f.DefValue + "\"."
		}
		args += "\t-" + f.Name + " " + n + "\n\t\t" + strings.ReplaceAll(strings.TrimSpace(u), "\n", "\n\t\t") + "\n"
	})
	fmt.Fprintf(os.Stderr, "Usage:\n\t%s [arguments] <file>\n\nArguments:\n%s", filepath.Base(os.Args[0]), args)
}

func loadCache(cache *radv.ShaderCache, file string) {
	data, err := os.ReadFile(file)
	if errors.Is(err, fs.ErrNotExist) {
		debug.IPrintf("Cache file %q does not exist yet", file)
		return
	}
	if err != nil {
		panic(err)
	}
	n, err := cache.Import(data)
	if err != nil {
		debug.WPrintf("Ignoring cache file %q: %s", file, err)
		return
	}
	debug.IPrintf("Imported %d cache entries from %q", n, file)
}

func saveCache(cache *radv.ShaderCache, file string) {
	debug.IPrintf("Writing %d cache entries to: %q", cache.Len(), file)
	err := os.WriteFile(file, cache.Export(), 0o655)
	if err != nil {
		panic(err)
	}
}

type stage struct {
	entry  string
	shader *nir.Shader
	info   radv.ShaderStageCreateInfo
}

func compile(device *radv.Device, module *wgsl.Module, selected entries) []*radv.Pipeline {
	var compute, graphics []stage
	for _, ep := range module.EntryPoints() {
		if len(selected) > 0 && !slices.Contains(selected, ep.Name) {
			continue
		}
		s, err := module.Shader(ep.Name)
		if err != nil {
			panic(err)
		}
		st := stage{entry: ep.Name, shader: s, info: radv.ShaderStageCreateInfo{Module: s, Hash: module.Hash(ep.Name)}}
		if ep.Stage == nir.StageCompute {
			compute = append(compute, st)
		} else {
			graphics = append(graphics, st)
		}
	}
	if len(compute)+len(graphics) == 0 {
		panic(debug.Errorf("No entry points selected from %q", module.Name()))
	}

	ctx := context.Background()
	var pipelines []*radv.Pipeline
	for _, s := range compute {
		p, err := device.CreateComputePipeline(ctx, radv.ComputePipelineCreateInfo{
			Layout: layout(module, s),
			Stage:  s.info,
		})
		if err != nil {
			panic(debug.ErrorWrapf(err, "Failed to create compute pipeline %q", s.entry))
		}
		debug.IPrintf("Compute pipeline %q: %x", s.entry, p.Digest())
		pipelines = append(pipelines, p)
	}
	if len(graphics) > 0 {
		p, err := device.CreateGraphicsPipeline(ctx, graphicsCreateInfo(module, graphics))
		if err != nil {
			panic(debug.ErrorWrapf(err, "Failed to create graphics pipeline"))
		}
		debug.IPrintf("Graphics pipeline: %x", p.Digest())
		pipelines = append(pipelines, p)
	}
	return pipelines
}

func descriptorType(k wgsl.BindingKind) radv.DescriptorType {
	switch k {
	case wgsl.BindingUniformBuffer:
		return radv.DescriptorTypeUniformBuffer
	case wgsl.BindingStorageBuffer:
		return radv.DescriptorTypeStorageBuffer
	case wgsl.BindingSampledImage:
		return radv.DescriptorTypeSampledImage
	case wgsl.BindingStorageImage:
		return radv.DescriptorTypeStorageImage
	case wgsl.BindingSampler:
		return radv.DescriptorTypeSampler
	default:
		panic(debug.Errorf("Unknown binding kind: %d", k))
	}
}

// layout builds the pipeline layout covering the resources of every stage.
func layout(module *wgsl.Module, stages ...stage) *radv.PipelineLayout {
	sets := map[uint32][]radv.DescriptorSetLayoutBinding{}
	pushConstants := radv.PushConstantRange{}
	for _, s := range stages {
		bit := radv.ShaderStage(1) << s.shader.Stage
		bindings, err := module.Bindings(s.entry)
		if err != nil {
			panic(err)
		}
		for _, b := range bindings {
			i := slices.IndexFunc(sets[b.Group], func(l radv.DescriptorSetLayoutBinding) bool { return l.Binding == b.Binding })
			if i >= 0 {
				if sets[b.Group][i].Type != descriptorType(b.Kind) {
					panic(debug.Errorf("Binding (%d,%d) is used as both %s and %s", b.Group, b.Binding, sets[b.Group][i].Type, b.Kind))
				}
				sets[b.Group][i].Stages |= bit
				continue
			}
			sets[b.Group] = append(sets[b.Group], radv.DescriptorSetLayoutBinding{
				Binding: b.Binding, Type: descriptorType(b.Kind), Count: b.Count, Stages: bit,
			})
		}
		size, err := module.PushConstantSize(s.entry)
		if err != nil {
			panic(err)
		}
		if size > 0 {
			pushConstants.Stages |= bit
			pushConstants.Size = max(pushConstants.Size, (size+3)&^3)
		}
	}

	count := uint32(0)
	for group := range sets {
		count = max(count, group+1)
	}
	layouts := make([]*radv.DescriptorSetLayout, count)
	for group, bindings := range sets {
		layouts[group] = radv.NewDescriptorSetLayout(bindings...)
	}
	return radv.NewPipelineLayout(pushConstants, layouts...)
}

func vertexFormat(components uint8) gputypes.VertexFormat {
	switch components {
	case 1:
		return gputypes.VertexFormatFloat32
	case 2:
		return gputypes.VertexFormatFloat32x2
	case 3:
		return gputypes.VertexFormatFloat32x3
	default:
		return gputypes.VertexFormatFloat32x4
	}
}

// graphicsCreateInfo describes a triangle list pipeline with one vertex
// buffer per attribute and an RGBA8 target per fragment output.
func graphicsCreateInfo(module *wgsl.Module, stages []stage) radv.GraphicsPipelineCreateInfo {
	info := radv.GraphicsPipelineCreateInfo{
		Layout:      layout(module, stages...),
		Primitive:   gputypes.PrimitiveState{Topology: gputypes.PrimitiveTopologyTriangleList},
		Multisample: gputypes.MultisampleState{Count: 1, Mask: 0xFFFFFFFF},
	}
	for _, s := range stages {
		info.Stages = append(info.Stages, s.info)
		switch s.shader.Stage {
		case nir.StageVertex:
			for _, in := range s.shader.Inputs {
				if in.Slot < nir.SlotVar0 {
					continue
				}
				info.VertexBuffers = append(info.VertexBuffers, gputypes.VertexBufferLayout{
					ArrayStride: uint64(in.Components) * 4,
					StepMode:    gputypes.VertexStepModeVertex,
					Attributes: []gputypes.VertexAttribute{{
						Format:         vertexFormat(in.Components),
						ShaderLocation: uint32(in.Slot - nir.SlotVar0),
					}},
				})
			}
		case nir.StageFragment:
			for _, out := range s.shader.Outputs {
				if out.Slot < nir.FragResultData0 {
					continue
				}
				for len(info.Targets) <= int(out.Slot-nir.FragResultData0) {
					info.Targets = append(info.Targets, gputypes.ColorTargetState{})
				}
				info.Targets[out.Slot-nir.FragResultData0] = gputypes.ColorTargetState{
					Format:    gputypes.TextureFormatRGBA8Unorm,
					WriteMask: gputypes.ColorWriteMaskAll,
				}
			}
		}
	}
	return info
}

func genJson(dir, name string, device *radv.Device, pipelines []*radv.Pipeline) {
	props := device.Properties()
	m := map[string]any{
		"Properties": &props,
		"Pipelines":  pipelines,
		"Cache":      device.Cache(),
	}
	j, err := json.Marshal(m)
	if err != nil {
		panic(err)
	}

	jsonFile := filepath.Join(dir, name+".json")
	debug.IPrintf("Writing pipelines to: %q", jsonFile)
	err = os.WriteFile(jsonFile, j, 0o655)
	if err != nil {
		panic(err)
	}
}

// genGo writes a Go file returning the exported cache so that the pipelines
// can be imported at startup without compiling.
func genGo(dir, name string, device *radv.Device) {
	filename := filepath.Join(dir, "zradvc_"+name+".go")
	debug.IPrintf("Writing cache to: %q", filename)
	fOut, err := os.Create(filename)
	if err != nil {
		panic(err)
	}
	defer fOut.Close()

	{
		args := ""
		for _, arg := range os.Args[1:] {
			args += arg + " "
		}
		fmt.Fprintf(fOut, "// go run goarrg.com/rhi/radv/cmd/radvc %s\n", args)
		fmt.Fprintf(fOut, "// Code generated by the command above; DO NOT EDIT.\n\n")
	}

	{
		p, err := packages.Load(&packages.Config{Mode: packages.NeedName}, dir)
		if err != nil {
			panic(debug.ErrorWrapf(err, "Failed to load package at %q", dir))
		}
		if len(p) == 0 {
			fmt.Fprintf(fOut, "package %s\n\n", filepath.Base(dir))
		} else if p[0].Name != "" {
			fmt.Fprintf(fOut, "package %s\n\n", filepath.Base(p[0].Name))
		} else {
			fmt.Fprintf(fOut, "package %s\n\n", filepath.Base(p[0].PkgPath))
		}
	}

	{
		sb := strings.Builder{}
		sb.Grow(len(name))
		for _, r := range filepath.ToSlash(name) {
			if unicode.IsDigit(r) || unicode.IsLetter(r) {
				sb.WriteRune(r)
			}
			if r == '/' || r == '.' {
				sb.WriteRune('_')
			}
		}
		props := device.Properties()
		fmt.Fprintf(fOut, "// radvcCache_%s is a cache export for %s with build id %x.\n", sb.String(), props.GfxLevel, props.BuildID)
		fmt.Fprintf(fOut, "func radvcCache_%s() []byte {\n", sb.String())
		fmt.Fprintf(fOut, "\treturn %#v\n", device.Cache().Export())
		fmt.Fprintf(fOut, "}\n")
	}
}
