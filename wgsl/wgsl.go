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

// Package wgsl compiles WGSL sources with naga and translates their entry
// points into nir shaders ready for pipeline creation.
package wgsl

import (
	"crypto/sha1"
	"slices"

	"github.com/gogpu/naga"
	"github.com/gogpu/naga/ir"
	"github.com/gogpu/naga/spirv"

	"goarrg.com/debug"
	"goarrg.com/rhi/radv/nir"
)

var logger = debug.NewLogger("radv", "wgsl")

type BindingKind uint8

const (
	BindingUniformBuffer BindingKind = iota
	BindingStorageBuffer
	BindingSampledImage
	BindingStorageImage
	BindingSampler
)

func (k BindingKind) String() string {
	switch k {
	case BindingUniformBuffer:
		return "UniformBuffer"
	case BindingStorageBuffer:
		return "StorageBuffer"
	case BindingSampledImage:
		return "SampledImage"
	case BindingStorageImage:
		return "StorageImage"
	case BindingSampler:
		return "Sampler"
	default:
		return "Unknown"
	}
}

// Binding is a resource an entry point accesses.
type Binding struct {
	Name    string
	Group   uint32
	Binding uint32
	Kind    BindingKind
	// Count is the array size of binding arrays, 1 otherwise.
	Count uint32
}

type EntryPoint struct {
	Name  string
	Stage nir.Stage
}

// Module is a parsed and validated WGSL source.
type Module struct {
	name   string
	module *ir.Module
	spirv  []byte
}

// Compile parses, lowers and validates source, then generates its SPIR-V
// which is what identifies the module for caching.
func Compile(name, source string) (*Module, error) {
	ast, err := naga.Parse(source)
	if err != nil {
		return nil, debug.ErrorWrapf(err, "Failed to parse %q", name)
	}
	module, err := naga.LowerWithSource(ast, source)
	if err != nil {
		return nil, debug.ErrorWrapf(err, "Failed to lower %q", name)
	}
	errs, err := naga.Validate(module)
	if err != nil {
		return nil, debug.ErrorWrapf(err, "Failed to validate %q", name)
	}
	if len(errs) > 0 {
		for _, e := range errs[1:] {
			logger.VPrintf("%s: %s", name, e.Error())
		}
		return nil, debug.ErrorWrapf(errs[0], "%q has %d validation errors", name, len(errs))
	}

	code, err := naga.GenerateSPIRV(module, spirv.Options{Version: spirv.Version1_3})
	if err != nil {
		return nil, debug.ErrorWrapf(err, "Failed to generate SPIR-V for %q", name)
	}
	// translation works on a single function per entry point
	if err := ir.InlineUserFunctions(module, nil); err != nil {
		return nil, debug.ErrorWrapf(err, "Failed to inline functions of %q", name)
	}

	logger.VPrintf("Compiled %q: %d entry points, %d bytes of SPIR-V", name, len(module.EntryPoints), len(code))
	return &Module{name: name, module: module, spirv: code}, nil
}

func (m *Module) Name() string {
	return m.name
}

func (m *Module) SPIRV() []byte {
	return m.spirv
}

func stageOf(s ir.ShaderStage) (nir.Stage, bool) {
	switch s {
	case ir.StageVertex:
		return nir.StageVertex, true
	case ir.StageTask:
		return nir.StageTask, true
	case ir.StageMesh:
		return nir.StageMesh, true
	case ir.StageFragment:
		return nir.StageFragment, true
	case ir.StageCompute:
		return nir.StageCompute, true
	default:
		return nir.StageNone, false
	}
}

func (m *Module) EntryPoints() []EntryPoint {
	var eps []EntryPoint
	for _, ep := range m.module.EntryPoints {
		if s, ok := stageOf(ep.Stage); ok {
			eps = append(eps, EntryPoint{Name: ep.Name, Stage: s})
		}
	}
	return eps
}

func (m *Module) entryPoint(name string) (*ir.EntryPoint, error) {
	i := slices.IndexFunc(m.module.EntryPoints, func(ep ir.EntryPoint) bool { return ep.Name == name })
	if i < 0 {
		return nil, debug.Errorf("%q has no entry point %q", m.name, name)
	}
	return &m.module.EntryPoints[i], nil
}

// Hash is the content hash of an entry point: the SPIR-V of the module and
// the entry point name.
func (m *Module) Hash(entry string) [20]byte {
	h := sha1.New()
	h.Write(m.spirv)
	h.Write([]byte(entry))
	var sum [20]byte
	copy(sum[:], h.Sum(nil))
	return sum
}

// usedGlobals returns the globals referenced by an entry point in handle order.
func usedGlobals(fn *ir.Function) []ir.GlobalVariableHandle {
	var used []ir.GlobalVariableHandle
	for _, e := range fn.Expressions {
		if g, ok := e.Kind.(ir.ExprGlobalVariable); ok && !slices.Contains(used, g.Variable) {
			used = append(used, g.Variable)
		}
	}
	slices.Sort(used)
	return used
}

func (m *Module) bindingKind(g *ir.GlobalVariable) (BindingKind, uint32, bool) {
	switch g.Space {
	case ir.SpaceUniform:
		return BindingUniformBuffer, 1, true
	case ir.SpaceStorage:
		return BindingStorageBuffer, 1, true
	case ir.SpaceHandle:
	default:
		return 0, 0, false
	}

	count := uint32(1)
	ty := m.module.Types[g.Type].Inner
	if arr, ok := ty.(ir.BindingArrayType); ok {
		if arr.Size != nil {
			count = *arr.Size
		}
		ty = m.module.Types[arr.Base].Inner
	}
	switch ty := ty.(type) {
	case ir.SamplerType:
		return BindingSampler, count, true
	case ir.ImageType:
		if ty.Class == ir.ImageClassStorage {
			return BindingStorageImage, count, true
		}
		return BindingSampledImage, count, true
	}
	return 0, 0, false
}

// Bindings lists the resources accessed by an entry point.
func (m *Module) Bindings(entry string) ([]Binding, error) {
	ep, err := m.entryPoint(entry)
	if err != nil {
		return nil, err
	}
	var bindings []Binding
	for _, h := range usedGlobals(&ep.Function) {
		g := &m.module.GlobalVariables[h]
		if g.Binding == nil {
			continue
		}
		kind, count, ok := m.bindingKind(g)
		if !ok {
			return nil, debug.Errorf("%q: global %q in address space %d cannot be bound", entry, g.Name, g.Space)
		}
		bindings = append(bindings, Binding{
			Name: g.Name, Group: g.Binding.Group, Binding: g.Binding.Binding, Kind: kind, Count: count,
		})
	}
	return bindings, nil
}

// PushConstantSize is the size in bytes of the push constant block an entry
// point accesses.
func (m *Module) PushConstantSize(entry string) (uint32, error) {
	ep, err := m.entryPoint(entry)
	if err != nil {
		return 0, err
	}
	size := uint32(0)
	for _, h := range usedGlobals(&ep.Function) {
		g := &m.module.GlobalVariables[h]
		if g.Space == ir.SpacePushConstant || g.Space == ir.SpaceImmediate {
			size = max(size, ir.TypeSize(m.module, g.Type))
		}
	}
	return size, nil
}

// Shader translates an entry point into a validated nir shader.
func (m *Module) Shader(entry string) (*nir.Shader, error) {
	ep, err := m.entryPoint(entry)
	if err != nil {
		return nil, err
	}
	stage, ok := stageOf(ep.Stage)
	if !ok {
		return nil, debug.Errorf("%q: unsupported stage %d", entry, ep.Stage)
	}
	t := newTranslator(m.module, ep, stage)
	if err := t.translate(); err != nil {
		return nil, debug.ErrorWrapf(err, "Failed to translate %q of %q", entry, m.name)
	}
	s := t.b.Shader()
	if err := s.Validate(); err != nil {
		return nil, debug.ErrorWrapf(err, "Translation of %q produced invalid IR\n%s", entry, nir.Print(s))
	}
	logger.VPrintf("Translated %q %s: %d instructions", entry, stage, len(s.Instrs))
	return s, nil
}
