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
	"fmt"

	"github.com/gogpu/gputypes"

	"goarrg.com/rhi/radv/internal/util"
	"goarrg.com/rhi/radv/nir"
)

type Robustness uint8

const (
	RobustnessDisabled Robustness = iota
	RobustnessBufferAccess
	// RobustnessBufferAccess2 discards out of bounds accesses per component, so
	// accesses are never combined.
	RobustnessBufferAccess2
)

func (r Robustness) String() string {
	switch r {
	case RobustnessDisabled:
		return "Disabled"
	case RobustnessBufferAccess:
		return "BufferAccess"
	case RobustnessBufferAccess2:
		return "BufferAccess2"

	default:
		abort("Unknown Robustness: %d", r)
		return ""
	}
}

type PipelineRobustness struct {
	StorageBuffers Robustness
	UniformBuffers Robustness
	VertexInputs   Robustness
}

type DynamicState uint32

const (
	DynamicStateVertexInput DynamicState = 1 << iota
	DynamicStateVertexInputBindingStride
	DynamicStatePrimitiveTopology
	DynamicStatePatchControlPoints
	DynamicStateColorBlendEnable
	DynamicStateColorBlendEquation
	DynamicStateColorWriteMask
	DynamicStateRasterizationSamples
	DynamicStateAlphaToCoverageEnable
)

func (d DynamicState) String() string {
	names := [...]string{
		"VertexInput", "VertexInputBindingStride", "PrimitiveTopology", "PatchControlPoints",
		"ColorBlendEnable", "ColorBlendEquation", "ColorWriteMask", "RasterizationSamples", "AlphaToCoverageEnable",
	}
	str := ""
	for i, n := range names {
		if hasBits(d, DynamicState(1)<<i) {
			str += n + "|"
		}
	}
	if len(str) > 0 {
		str = str[:len(str)-1]
	}
	return str
}

type StageKeyFlags uint8

const (
	StageKeyKeepStatistics StageKeyFlags = 1 << iota
	StageKeyKeepExecutableInfo
	StageKeyOptimisationsDisabled
)

// StageKey is the part of the key specific to a single logical stage.
type StageKey struct {
	// SubgroupSize is the required wave size, 0 lets the compiler choose.
	SubgroupSize         uint8
	RequireFullSubgroups bool
	StorageRobustness    Robustness
	UniformRobustness    Robustness
	VertexRobustness     Robustness
	Flags                StageKeyFlags
}

type VertexInputKey struct {
	AttributeMask uint32
	// InstanceRateMask has one bit per vertex buffer binding.
	InstanceRateMask uint32
	Formats          [32]gputypes.VertexFormat
	Bindings         [32]uint8
	Offsets          [32]uint32
	// Strides is per binding, 0 when the stride is dynamic.
	Strides [32]uint32
}

// EpilogKey describes the fragment outputs the color export code depends on.
type EpilogKey struct {
	ColorFormats    [8]gputypes.TextureFormat
	WriteMasks      [8]gputypes.ColorWriteMask
	Blend           [8]gputypes.BlendState
	BlendEnableMask uint8
	SampleCount     uint8
	AlphaToCoverage bool
	SampleShading   bool
	DepthFormat     gputypes.TextureFormat
}

type KeyFlags uint16

const (
	KeyOptimisationsDisabled KeyFlags = 1 << iota
	KeyUseNGG
	KeyLibrary
	KeyLinkTimeOptimization
	// KeyUnknownConsumer means the last pre-rasterization stage is compiled
	// without knowing the fragment stage.
	KeyUnknownConsumer
	// KeyUnknownProducer means the fragment stage is compiled without knowing
	// the pre-rasterization stages.
	KeyUnknownProducer
	KeyMeshShading
	KeyPrimitiveAdjacency
	// KeyHasTask means a task stage launches the mesh stage.
	KeyHasTask
	// KeyForceVRS means the last pre-rasterization stage may export the
	// device's forced shading rate.
	KeyForceVRS
)

func (f KeyFlags) String() string {
	names := [...]string{
		"OptimisationsDisabled", "UseNGG", "Library", "LinkTimeOptimization",
		"UnknownConsumer", "UnknownProducer", "MeshShading", "PrimitiveAdjacency",
		"HasTask", "ForceVRS",
	}
	str := ""
	for i, n := range names {
		if hasBits(f, KeyFlags(1)<<i) {
			str += n + "|"
		}
	}
	if len(str) > 0 {
		str = str[:len(str)-1]
	}
	return str
}

// PipelineKey captures every input that changes the generated code for a
// fixed set of stages. It is a fixed size comparable value, its bytes are
// hashed into the cache digest.
type PipelineKey struct {
	GfxLevel      GfxLevel
	ForceWaveSize uint8
	Flags         KeyFlags
	DynamicStates DynamicState

	Stages      [nir.StageCount]StageKey
	VertexInput VertexInputKey
	Topology    nir.Primitive
	// TessPatchControlPoints is 0 when tessellation is absent or the count is dynamic.
	TessPatchControlPoints uint32
	Epilog                 EpilogKey
	ViewMask               uint32
}

func (k *PipelineKey) Bytes() []byte {
	w := util.Writer{}
	util.Write(&w, *k)
	return w.Bytes()
}

func (k *PipelineKey) hasFlags(f KeyFlags) bool {
	return hasBits(k.Flags, f)
}

func (k *PipelineKey) stage(s nir.Stage) *StageKey {
	if s >= nir.StageCount {
		abort("Invalid stage: %d", s)
	}
	return &k.Stages[s]
}

func (k *PipelineKey) MarshalJSON() ([]byte, error) {
	buff := bytes.Buffer{}
	buff.WriteString("{")

	buff.WriteString(fmt.Sprintf("\"GfxLevel\": %q,", k.GfxLevel.String()))
	buff.WriteString(fmt.Sprintf("\"ForceWaveSize\": %d,", k.ForceWaveSize))
	buff.WriteString(fmt.Sprintf("\"Flags\": %q,", k.Flags.String()))
	buff.WriteString(fmt.Sprintf("\"DynamicStates\": %q,", k.DynamicStates.String()))

	buff.WriteString("\"Stages\": {")
	for s := nir.StageVertex; s < nir.StageCount; s++ {
		if k.Stages[s] == (StageKey{}) {
			continue
		}
		buff.WriteString(fmt.Sprintf("%q: {\"SubgroupSize\": %d, \"RequireFullSubgroups\": %t, \"Storage\": %q, \"Uniform\": %q, \"Vertex\": %q, \"Flags\": %d},",
			s.String(), k.Stages[s].SubgroupSize, k.Stages[s].RequireFullSubgroups, k.Stages[s].StorageRobustness.String(),
			k.Stages[s].UniformRobustness.String(), k.Stages[s].VertexRobustness.String(), k.Stages[s].Flags))
	}
	if bytes.HasSuffix(buff.Bytes(), []byte(",")) {
		buff.Truncate(buff.Len() - 1)
	}
	buff.WriteString("},")

	buff.WriteString("\"VertexInput\": [")
	if k.VertexInput.AttributeMask != 0 {
		forEachBit(uint64(k.VertexInput.AttributeMask), func(i uint32) {
			b := k.VertexInput.Bindings[i]
			buff.WriteString(fmt.Sprintf("{\"Location\": %d, \"Format\": \"%v\", \"Binding\": %d, \"Offset\": %d, \"Stride\": %d, \"Instanced\": %t},",
				i, k.VertexInput.Formats[i], b, k.VertexInput.Offsets[i], k.VertexInput.Strides[b],
				hasBits(k.VertexInput.InstanceRateMask, uint32(1)<<b)))
		})
		buff.Truncate(buff.Len() - 1)
	}
	buff.WriteString("],")

	buff.WriteString(fmt.Sprintf("\"Topology\": %d,", k.Topology))
	buff.WriteString(fmt.Sprintf("\"TessPatchControlPoints\": %d,", k.TessPatchControlPoints))

	buff.WriteString("\"Epilog\": {")
	buff.WriteString("\"ColorFormats\": [")
	for i, f := range k.Epilog.ColorFormats {
		if i > 0 {
			buff.WriteString(",")
		}
		buff.WriteString(fmt.Sprintf("\"%v\"", f))
	}
	buff.WriteString("],")
	buff.WriteString(fmt.Sprintf("\"BlendEnableMask\": %q,", toHex(k.Epilog.BlendEnableMask)))
	buff.WriteString(fmt.Sprintf("\"SampleCount\": %d,", k.Epilog.SampleCount))
	buff.WriteString(fmt.Sprintf("\"AlphaToCoverage\": %t,", k.Epilog.AlphaToCoverage))
	buff.WriteString(fmt.Sprintf("\"SampleShading\": %t,", k.Epilog.SampleShading))
	buff.WriteString(fmt.Sprintf("\"DepthFormat\": \"%v\"", k.Epilog.DepthFormat))
	buff.WriteString("},")

	buff.WriteString(fmt.Sprintf("\"ViewMask\": %q", toHex(k.ViewMask)))

	buff.WriteString("}")
	return buff.Bytes(), nil
}

func primitiveFromTopology(t gputypes.PrimitiveTopology, adjacency bool) nir.Primitive {
	switch t {
	case gputypes.PrimitiveTopologyPointList:
		return nir.PrimitivePoints
	case gputypes.PrimitiveTopologyLineList:
		if adjacency {
			return nir.PrimitiveLinesAdjacency
		}
		return nir.PrimitiveLines
	case gputypes.PrimitiveTopologyLineStrip:
		if adjacency {
			return nir.PrimitiveLinesAdjacency
		}
		return nir.PrimitiveLineStrip
	case gputypes.PrimitiveTopologyTriangleList:
		if adjacency {
			return nir.PrimitiveTrianglesAdjacency
		}
		return nir.PrimitiveTriangles
	case gputypes.PrimitiveTopologyTriangleStrip:
		if adjacency {
			return nir.PrimitiveTrianglesAdjacency
		}
		return nir.PrimitiveTriangleStrip

	default:
		abort("Unknown PrimitiveTopology: %d", t)
		return 0
	}
}

func (d *Device) stageKey(info ShaderStageCreateInfo, robustness PipelineRobustness, flags PipelineCreateFlags) StageKey {
	if info.RequiredSubgroupSize != 0 && info.RequiredSubgroupSize != 32 && info.RequiredSubgroupSize != 64 {
		abort("RequiredSubgroupSize must be 0, 32 or 64, got %d", info.RequiredSubgroupSize)
	}
	key := StageKey{
		SubgroupSize:         uint8(info.RequiredSubgroupSize),
		RequireFullSubgroups: info.RequireFullSubgroups,
		StorageRobustness:    robustness.StorageBuffers,
		UniformRobustness:    robustness.UniformBuffers,
	}
	if info.stage() == nir.StageVertex {
		key.VertexRobustness = robustness.VertexInputs
	}
	if hasBits(flags, PipelineCreateCaptureStatistics) {
		key.Flags |= StageKeyKeepStatistics
	}
	if hasBits(flags, PipelineCreateCaptureInternal) {
		key.Flags |= StageKeyKeepExecutableInfo
	}
	if hasBits(flags, PipelineCreateDisableOptimization) || d.config.disableOptimizations {
		key.Flags |= StageKeyOptimisationsDisabled
	}
	return key
}

func (d *Device) baseKey(flags PipelineCreateFlags) PipelineKey {
	key := PipelineKey{
		GfxLevel:      d.properties.GfxLevel,
		ForceWaveSize: uint8(d.config.forceWaveSize),
	}
	if hasBits(flags, PipelineCreateDisableOptimization) || d.config.disableOptimizations {
		key.Flags |= KeyOptimisationsDisabled
	}
	return key
}

// graphicsPipelineKey derives the key from the create info, state declared
// dynamic is left out so that it cannot cause recompiles.
func (d *Device) graphicsPipelineKey(info *GraphicsPipelineCreateInfo, stages []ShaderStageCreateInfo) PipelineKey {
	key := d.baseKey(info.Flags)
	key.DynamicStates = info.DynamicStates
	key.ViewMask = info.ViewMask

	present := ShaderStage(0)
	for _, s := range stages {
		key.Stages[s.stage()] = d.stageKey(s, info.Robustness, info.Flags)
		present |= shaderStageBit(s.stage())
	}
	if hasBits(info.Flags, PipelineCreateLibrary) {
		key.Flags |= KeyLibrary
	}
	if hasBits(info.Flags, PipelineCreateLinkTimeOptimization) {
		key.Flags |= KeyLinkTimeOptimization
	}
	if present&(ShaderStageTask|ShaderStageMesh) != 0 {
		key.Flags |= KeyMeshShading
	}
	if present&ShaderStageTask != 0 {
		key.Flags |= KeyHasTask
	}
	if d.config.forceVRS != VRSRate1x1 && present&(ShaderStageVertex|ShaderStageTessEval|ShaderStageGeometry) != 0 {
		key.Flags |= KeyForceVRS
	}
	if d.properties.UseNGG {
		key.Flags |= KeyUseNGG
		// Transform feedback only runs on the legacy path before GFX11.
		if d.properties.GfxLevel < GFX11 && present&ShaderStageMesh == 0 {
			for _, s := range stages {
				if s.Module.Modes.XfbStride != [4]uint32{} {
					key.Flags &^= KeyUseNGG
				}
			}
		}
	}
	if present&ShaderStageFragment == 0 && present&(ShaderStageGraphics&^ShaderStageFragment) != 0 {
		key.Flags |= KeyUnknownConsumer
	}
	if present&ShaderStageFragment != 0 && present&(ShaderStageVertex|ShaderStageMesh) == 0 {
		key.Flags |= KeyUnknownProducer
	}

	if present&ShaderStageVertex != 0 && !hasBits(info.DynamicStates, DynamicStateVertexInput) {
		if len(info.VertexBuffers) > 32 {
			abort("Too many vertex buffers: %d", len(info.VertexBuffers))
		}
		for b, buffer := range info.VertexBuffers {
			if buffer.StepMode == gputypes.VertexStepModeInstance {
				key.VertexInput.InstanceRateMask |= 1 << b
			}
			if !hasBits(info.DynamicStates, DynamicStateVertexInputBindingStride) {
				key.VertexInput.Strides[b] = uint32(buffer.ArrayStride)
			}
			for _, attr := range buffer.Attributes {
				if attr.ShaderLocation >= 32 {
					abort("Vertex attribute location %d out of range", attr.ShaderLocation)
				}
				key.VertexInput.AttributeMask |= 1 << attr.ShaderLocation
				key.VertexInput.Formats[attr.ShaderLocation] = attr.Format
				key.VertexInput.Bindings[attr.ShaderLocation] = uint8(b)
				key.VertexInput.Offsets[attr.ShaderLocation] = uint32(attr.Offset)
			}
		}
	}

	if !hasBits(info.DynamicStates, DynamicStatePrimitiveTopology) {
		key.Topology = primitiveFromTopology(info.Primitive.Topology, info.PrimitiveAdjacency)
		if info.PrimitiveAdjacency {
			key.Flags |= KeyPrimitiveAdjacency
		}
	}
	if present&ShaderStageTessCtrl != 0 && !hasBits(info.DynamicStates, DynamicStatePatchControlPoints) {
		if info.TessPatchControlPoints == 0 || info.TessPatchControlPoints > 32 {
			abort("TessPatchControlPoints must be within [1, 32], got %d", info.TessPatchControlPoints)
		}
		key.TessPatchControlPoints = info.TessPatchControlPoints
	}

	if present&ShaderStageFragment != 0 {
		if len(info.Targets) > 8 {
			abort("Too many color targets: %d", len(info.Targets))
		}
		for i, target := range info.Targets {
			key.Epilog.ColorFormats[i] = target.Format
			if !hasBits(info.DynamicStates, DynamicStateColorWriteMask) {
				key.Epilog.WriteMasks[i] = target.WriteMask
			}
			if target.Blend != nil && !hasBits(info.DynamicStates, DynamicStateColorBlendEnable) {
				key.Epilog.BlendEnableMask |= 1 << i
			}
			if target.Blend != nil && !hasBits(info.DynamicStates, DynamicStateColorBlendEquation) {
				key.Epilog.Blend[i] = *target.Blend
			}
		}
		if !hasBits(info.DynamicStates, DynamicStateRasterizationSamples) {
			key.Epilog.SampleCount = uint8(max(info.Multisample.Count, 1))
		}
		if !hasBits(info.DynamicStates, DynamicStateAlphaToCoverageEnable) {
			key.Epilog.AlphaToCoverage = info.Multisample.AlphaToCoverageEnabled
		}
		key.Epilog.SampleShading = info.SampleShading
		if info.DepthStencil != nil {
			key.Epilog.DepthFormat = info.DepthStencil.Format
		}
	}
	return key
}

func (d *Device) computePipelineKey(info *ComputePipelineCreateInfo) PipelineKey {
	key := d.baseKey(info.Flags)
	key.Stages[nir.StageCompute] = d.stageKey(info.Stage, info.Robustness, info.Flags)
	return key
}
