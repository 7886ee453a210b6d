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

package radv

import (
	"bytes"
	"context"
	"fmt"
	"slices"

	"github.com/gogpu/gputypes"
	"github.com/zeebo/blake3"

	"goarrg.com/rhi/radv/internal/util"
	"goarrg.com/rhi/radv/nir"
)

type PipelineCreateFlags uint32

const (
	// PipelineCreateFailOnCompileRequired makes creation return
	// ErrorCompileRequired instead of compiling on a cache miss.
	PipelineCreateFailOnCompileRequired PipelineCreateFlags = 1 << iota
	// PipelineCreateCaptureInternal keeps the IR and disassembly, it bypasses the cache.
	PipelineCreateCaptureInternal
	PipelineCreateCaptureStatistics
	// PipelineCreateLibrary creates a partial graphics pipeline to be linked later.
	PipelineCreateLibrary
	// PipelineCreateLinkTimeOptimization recompiles the stages of linked
	// libraries together instead of reusing their code.
	PipelineCreateLinkTimeOptimization
	// PipelineCreateRetainLinkTimeOptimizationInfo keeps the IR of a library
	// so that it can be linked with PipelineCreateLinkTimeOptimization.
	PipelineCreateRetainLinkTimeOptimizationInfo
	PipelineCreateDisableOptimization
)

func (f PipelineCreateFlags) String() string {
	names := [...]string{
		"FailOnCompileRequired", "CaptureInternal", "CaptureStatistics", "Library",
		"LinkTimeOptimization", "RetainLinkTimeOptimizationInfo", "DisableOptimization",
	}
	str := ""
	for i, n := range names {
		if hasBits(f, PipelineCreateFlags(1)<<i) {
			str += n + "|"
		}
	}
	if len(str) > 0 {
		str = str[:len(str)-1]
	}
	return str
}

type DepthStencilState struct {
	Format            gputypes.TextureFormat
	DepthWriteEnabled bool
	DepthCompare      gputypes.CompareFunction
}

type GraphicsPipelineCreateInfo struct {
	Flags  PipelineCreateFlags
	Layout *PipelineLayout
	// Stages with a nil Module are absent and ignored.
	Stages []ShaderStageCreateInfo
	// Libraries are linked into the pipeline. Without
	// PipelineCreateLinkTimeOptimization their compiled code is reused as is.
	Libraries []*Pipeline

	DynamicStates DynamicState
	ViewMask      uint32
	Robustness    PipelineRobustness

	VertexBuffers          []gputypes.VertexBufferLayout
	Primitive              gputypes.PrimitiveState
	PrimitiveAdjacency     bool
	TessPatchControlPoints uint32

	Targets       []gputypes.ColorTargetState
	Multisample   gputypes.MultisampleState
	SampleShading bool
	DepthStencil  *DepthStencilState
}

func validateGraphicsStages(present ShaderStage, library bool) {
	if present&ShaderStageCompute != 0 {
		abort("Graphics pipeline contains a compute stage")
	}
	if present == 0 {
		abort("Graphics pipeline has no stages")
	}
	if hasBits(present, ShaderStageTessCtrl) != hasBits(present, ShaderStageTessEval) {
		abort("Tessellation requires both tess-ctrl and tess-eval stages: %s", present)
	}
	if present&ShaderStageMesh != 0 && present&(ShaderStageVertex|ShaderStageTessCtrl|ShaderStageTessEval|ShaderStageGeometry) != 0 {
		abort("Mesh pipelines cannot contain vertex processing stages: %s", present)
	}
	if hasBits(present, ShaderStageTask) && !hasBits(present, ShaderStageMesh) {
		abort("Task stage requires a mesh stage: %s", present)
	}
	if present&(ShaderStageTessCtrl|ShaderStageGeometry) != 0 && !hasBits(present, ShaderStageVertex) {
		abort("Pipeline without a vertex stage: %s", present)
	}
	if !library && present&(ShaderStageVertex|ShaderStageMesh) == 0 {
		abort("Complete pipeline without a vertex or mesh stage: %s", present)
	}
}

// CreateGraphicsPipeline compiles, or fetches from the cache, every stage of
// the pipeline. The returned pipeline must be released.
func (d *Device) CreateGraphicsPipeline(ctx context.Context, info GraphicsPipelineCreateInfo) (*Pipeline, error) {
	d.noCopy.Check()
	if info.Layout == nil {
		abort("GraphicsPipelineCreateInfo.Layout is nil")
	}

	stages := make([]ShaderStageCreateInfo, 0, len(info.Stages))
	for _, s := range info.Stages {
		if s.Module != nil {
			stages = append(stages, s)
		}
	}
	if len(info.Libraries) > 0 {
		for _, lib := range info.Libraries {
			lib.noCopy.Check()
			if !hasBits(lib.flags, PipelineCreateLibrary) {
				abort("Pipeline %x is not a library", lib.digest)
			}
			if lib.layout.Digest() != info.Layout.Digest() {
				abort("Library %x was created with a different layout", lib.digest)
			}
		}
		if !hasBits(info.Flags, PipelineCreateLinkTimeOptimization) {
			if len(stages) > 0 {
				abort("Stages can only be added to libraries with PipelineCreateLinkTimeOptimization")
			}
			return d.linkLibraries(info)
		}
		for _, lib := range info.Libraries {
			stages = append(stages, lib.libraryStages()...)
		}
	}

	present := ShaderStage(0)
	for _, s := range stages {
		bit := shaderStageBit(s.stage())
		if hasBits(present, bit) {
			abort("Duplicate %s stage", s.stage())
		}
		present |= bit
	}
	validateGraphicsStages(present, hasBits(info.Flags, PipelineCreateLibrary))

	b := newPipelineBuild(d, info.Layout, info.Flags, stages)
	b.key = d.graphicsPipelineKey(&info, b.inputs)
	return b.run(ctx)
}

// linkLibraries builds a pipeline out of the compiled code of its libraries.
func (d *Device) linkLibraries(info GraphicsPipelineCreateInfo) (*Pipeline, error) {
	p := &Pipeline{
		device: d,
		layout: info.Layout,
		flags:  info.Flags,
		key:    d.baseKey(info.Flags),
	}
	p.stats.States = []PipelineState{PipelineStateKeyDerived, PipelineStateHashed, PipelineStateDone}

	h := blake3.New()
	h.Write(d.properties.BuildID[:])
	var copyShader *CompiledShader
	for _, lib := range info.Libraries {
		if p.stages&lib.stages != 0 {
			abort("Libraries share stages: %s", p.stages&lib.stages)
		}
		h.Write(lib.digest[:])
		p.stages |= lib.stages
		p.key.Flags |= lib.key.Flags &^ (KeyLibrary | KeyUnknownConsumer | KeyUnknownProducer)
		forEachBit(uint64(lib.stages), func(s uint32) {
			p.key.Stages[s] = lib.key.Stages[s]
			p.infos[s] = lib.infos[s].clone()
			p.hashes[s] = lib.hashes[s]
		})
		for i, s := range lib.shaders {
			if lib.hasCopyShader && i == len(lib.shaders)-1 {
				copyShader = s.Ref()
				continue
			}
			p.shaders = append(p.shaders, s.Ref())
		}
	}
	if copyShader != nil {
		p.shaders = append(p.shaders, copyShader)
		p.hasCopyShader = true
	}
	validateGraphicsStages(p.stages, hasBits(info.Flags, PipelineCreateLibrary))
	copy(p.digest[:], h.Sum(nil))
	p.init()
	instance.logger.VPrintf("Linked pipeline %x from %d libraries", p.digest, len(info.Libraries))
	return p, nil
}

type PipelineState uint8

const (
	PipelineStateKeyDerived PipelineState = iota
	PipelineStateHashed
	PipelineStateCacheChecked
	PipelineStateGathering
	PipelineStateLinking
	PipelineStateLowering
	PipelineStateBackendCompiled
	PipelineStateCacheInserted
	PipelineStateDone
)

func (s PipelineState) String() string {
	switch s {
	case PipelineStateKeyDerived:
		return "KeyDerived"
	case PipelineStateHashed:
		return "Hashed"
	case PipelineStateCacheChecked:
		return "CacheChecked"
	case PipelineStateGathering:
		return "Gathering"
	case PipelineStateLinking:
		return "Linking"
	case PipelineStateLowering:
		return "Lowering"
	case PipelineStateBackendCompiled:
		return "BackendCompiled"
	case PipelineStateCacheInserted:
		return "CacheInserted"
	case PipelineStateDone:
		return "Done"

	default:
		abort("Unknown PipelineState: %d", s)
		return ""
	}
}

// PipelineStats records how a pipeline was created.
type PipelineStats struct {
	States   []PipelineState
	CacheHit bool
	// CacheIncomplete is set when a cached entry was found but could not be
	// used and the pipeline was compiled instead.
	CacheIncomplete bool

	Gathered        uint32
	Linked          uint32
	NGGSized        uint32
	Lowered         uint32
	BackendCompiles uint32
}

type Pipeline struct {
	noCopy util.NoCopy
	device *Device
	layout *PipelineLayout
	flags  PipelineCreateFlags
	key    PipelineKey
	digest [32]byte

	stages ShaderStage
	// shaders are the hardware stages in pipeline order, the GS copy shader
	// is always last.
	shaders       []*CompiledShader
	hasCopyShader bool

	infos    [nir.StageCount]ShaderInfo
	hashes   [nir.StageCount][20]byte
	retained [nir.StageCount][]byte

	stats PipelineStats
}

func (p *Pipeline) init() {
	p.noCopy.Init()
	p.device.pipelines.Add(1)
}

func (p *Pipeline) Release() {
	p.noCopy.Check()
	for _, s := range p.shaders {
		s.Release()
	}
	p.shaders = nil
	p.device.pipelines.Add(-1)
	p.noCopy.Close()
}

func (p *Pipeline) Digest() [32]byte {
	p.noCopy.Check()
	return p.digest
}

func (p *Pipeline) Key() PipelineKey {
	p.noCopy.Check()
	return p.key
}

func (p *Pipeline) Layout() *PipelineLayout {
	p.noCopy.Check()
	return p.layout
}

func (p *Pipeline) Stages() ShaderStage {
	p.noCopy.Check()
	return p.stages
}

// Shaders returns the compiled hardware stages, the references stay owned by
// the pipeline.
func (p *Pipeline) Shaders() []*CompiledShader {
	p.noCopy.Check()
	return slices.Clone(p.shaders)
}

func (p *Pipeline) HasGSCopyShader() bool {
	p.noCopy.Check()
	return p.hasCopyShader
}

// ShaderInfo returns the info of a logical stage after linking.
func (p *Pipeline) ShaderInfo(stage nir.Stage) (ShaderInfo, bool) {
	p.noCopy.Check()
	if !hasBits(p.stages, shaderStageBit(stage)) {
		return ShaderInfo{}, false
	}
	return p.infos[stage].clone(), true
}

func (p *Pipeline) Stats() PipelineStats {
	p.noCopy.Check()
	s := p.stats
	s.States = slices.Clone(p.stats.States)
	return s
}

// libraryStages recreates the stages of a library from its retained IR.
func (p *Pipeline) libraryStages() []ShaderStageCreateInfo {
	var stages []ShaderStageCreateInfo
	forEachBit(uint64(p.stages), func(s uint32) {
		if p.retained[s] == nil {
			abort("Library %x was created without PipelineCreateRetainLinkTimeOptimizationInfo", p.digest)
		}
		m, err := nir.Decode(p.retained[s])
		if err != nil {
			abort("Library %x has invalid retained IR for %s: %s", p.digest, nir.Stage(s), err)
		}
		stages = append(stages, ShaderStageCreateInfo{
			Module:               m,
			Hash:                 p.hashes[s],
			RequiredSubgroupSize: uint32(p.key.Stages[s].SubgroupSize),
			RequireFullSubgroups: p.key.Stages[s].RequireFullSubgroups,
		})
	})
	return stages
}

func (p *Pipeline) MarshalJSON() ([]byte, error) {
	buff := bytes.Buffer{}
	buff.WriteString("{")

	buff.WriteString(fmt.Sprintf("\"Digest\": %q,", toHex(p.digest)))
	buff.WriteString(fmt.Sprintf("\"Flags\": %q,", p.flags.String()))
	buff.WriteString(fmt.Sprintf("\"Stages\": %q,", p.stages.String()))
	buff.WriteString(fmt.Sprintf("\"Key\": %s,", jsonString(&p.key)))

	buff.WriteString("\"ShaderInfo\": {")
	forEachBit(uint64(p.stages), func(s uint32) {
		buff.WriteString(fmt.Sprintf("%q: %s,", nir.Stage(s).String(), jsonString(&p.infos[s])))
	})
	if bytes.HasSuffix(buff.Bytes(), []byte(",")) {
		buff.Truncate(buff.Len() - 1)
	}
	buff.WriteString("},")

	buff.WriteString("\"Shaders\": [")
	for i, s := range p.shaders {
		if i > 0 {
			buff.WriteString(",")
		}
		buff.WriteString(jsonString(s))
	}
	buff.WriteString("],")
	buff.WriteString(fmt.Sprintf("\"HasGSCopyShader\": %t,", p.hasCopyShader))

	buff.WriteString("\"States\": [")
	for i, s := range p.stats.States {
		if i > 0 {
			buff.WriteString(",")
		}
		buff.WriteString(fmt.Sprintf("%q", s.String()))
	}
	buff.WriteString("],")
	buff.WriteString(fmt.Sprintf("\"CacheHit\": %t", p.stats.CacheHit))

	buff.WriteString("}")
	return buff.Bytes(), nil
}
