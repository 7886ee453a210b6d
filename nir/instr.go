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

package nir

import (
	"slices"
	"strings"
)

type Value int32

const NoValue Value = -1

type Op uint16

const (
	OpNop Op = iota

	// alu
	OpConst
	OpUndef
	OpMov
	OpIAdd
	OpISub
	OpIMul
	OpIAnd
	OpIOr
	OpIShl
	OpUShr
	OpIEq
	OpFAdd
	OpFSub
	OpFMul
	OpConvert
	OpVec
	OpExtract
	OpReadFirstLane

	// structured control flow
	OpIf
	OpElse
	OpEndIf
	OpLoop
	OpBreak
	OpEndLoop

	// varyings
	OpLoadInput
	OpLoadPerVertexInput
	OpLoadOutput
	OpStoreOutput
	OpStorePerVertexOutput
	OpStorePerPrimitiveOutput

	// system values
	OpLoadVertexID
	OpLoadInstanceID
	OpLoadBaseVertex
	OpLoadPrimitiveID
	OpLoadInvocationID
	OpLoadTessCoord
	OpLoadViewIndex
	OpLoadLayerID
	OpLoadFragCoord
	OpLoadFrontFace
	OpLoadSampleID
	OpLoadSamplePos
	OpLoadSampleMaskIn
	OpLoadHelperInvocation
	OpLoadBarycentric
	OpLoadShadingRate
	OpLoadLocalInvocationID
	OpLoadWorkgroupID
	OpLoadNumWorkgroups

	// resources
	OpResourceIndex
	OpLoadUBO
	OpLoadSSBO
	OpStoreSSBO
	OpSSBOAtomic
	OpImageLoad
	OpImageStore
	OpImageAtomic
	OpImageSample
	OpLoadPushConstant
	OpLoadShared
	OpStoreShared

	// fragment and geometry control
	OpDiscard
	OpDiscardIf
	OpDemote
	OpIsHelperInvocation
	OpEmitVertex
	OpEndPrimitive
	OpSetMeshOutputs
	OpBarrier

	// produced by lowering
	OpLoadArg
	OpLoadDescSetPtr
	OpLoadDynamicOffset
	OpLoadInlinePushConst
	OpLoadConstAddr
	OpLoadSMEM
	OpBufferDesc
	OpSamplerConst
	OpExport
	OpLoadRing
	OpStoreRing
	OpWaterfallBegin
	OpWaterfallEnd

	opCount
)

var opNames = [...]string{
	OpNop:                     "nop",
	OpConst:                   "const",
	OpUndef:                   "undef",
	OpMov:                     "mov",
	OpIAdd:                    "iadd",
	OpISub:                    "isub",
	OpIMul:                    "imul",
	OpIAnd:                    "iand",
	OpIOr:                     "ior",
	OpIShl:                    "ishl",
	OpUShr:                    "ushr",
	OpIEq:                     "ieq",
	OpFAdd:                    "fadd",
	OpFSub:                    "fsub",
	OpFMul:                    "fmul",
	OpConvert:                 "convert",
	OpVec:                     "vec",
	OpExtract:                 "extract",
	OpReadFirstLane:           "read_first_lane",
	OpIf:                      "if",
	OpElse:                    "else",
	OpEndIf:                   "end_if",
	OpLoop:                    "loop",
	OpBreak:                   "break",
	OpEndLoop:                 "end_loop",
	OpLoadInput:               "load_input",
	OpLoadPerVertexInput:      "load_per_vertex_input",
	OpLoadOutput:              "load_output",
	OpStoreOutput:             "store_output",
	OpStorePerVertexOutput:    "store_per_vertex_output",
	OpStorePerPrimitiveOutput: "store_per_primitive_output",
	OpLoadVertexID:            "load_vertex_id",
	OpLoadInstanceID:          "load_instance_id",
	OpLoadBaseVertex:          "load_base_vertex",
	OpLoadPrimitiveID:         "load_primitive_id",
	OpLoadInvocationID:        "load_invocation_id",
	OpLoadTessCoord:           "load_tess_coord",
	OpLoadViewIndex:           "load_view_index",
	OpLoadLayerID:             "load_layer_id",
	OpLoadFragCoord:           "load_frag_coord",
	OpLoadFrontFace:           "load_front_face",
	OpLoadSampleID:            "load_sample_id",
	OpLoadSamplePos:           "load_sample_pos",
	OpLoadSampleMaskIn:        "load_sample_mask_in",
	OpLoadHelperInvocation:    "load_helper_invocation",
	OpLoadBarycentric:         "load_barycentric",
	OpLoadShadingRate:         "load_shading_rate",
	OpLoadLocalInvocationID:   "load_local_invocation_id",
	OpLoadWorkgroupID:         "load_workgroup_id",
	OpLoadNumWorkgroups:       "load_num_workgroups",
	OpResourceIndex:           "resource_index",
	OpLoadUBO:                 "load_ubo",
	OpLoadSSBO:                "load_ssbo",
	OpStoreSSBO:               "store_ssbo",
	OpSSBOAtomic:              "ssbo_atomic",
	OpImageLoad:               "image_load",
	OpImageStore:              "image_store",
	OpImageAtomic:             "image_atomic",
	OpImageSample:             "image_sample",
	OpLoadPushConstant:        "load_push_constant",
	OpLoadShared:              "load_shared",
	OpStoreShared:             "store_shared",
	OpDiscard:                 "discard",
	OpDiscardIf:               "discard_if",
	OpDemote:                  "demote",
	OpIsHelperInvocation:      "is_helper_invocation",
	OpEmitVertex:              "emit_vertex",
	OpEndPrimitive:            "end_primitive",
	OpSetMeshOutputs:          "set_mesh_outputs",
	OpBarrier:                 "barrier",
	OpLoadArg:                 "load_arg",
	OpLoadDescSetPtr:          "load_desc_set_ptr",
	OpLoadDynamicOffset:       "load_dynamic_offset",
	OpLoadInlinePushConst:     "load_inline_push_const",
	OpLoadConstAddr:           "load_const_addr",
	OpLoadSMEM:                "load_smem",
	OpBufferDesc:              "buffer_desc",
	OpSamplerConst:            "sampler_const",
	OpExport:                  "export",
	OpLoadRing:                "load_ring",
	OpStoreRing:               "store_ring",
	OpWaterfallBegin:          "waterfall_begin",
	OpWaterfallEnd:            "waterfall_end",
}

func (op Op) String() string {
	if op >= opCount {
		abort("Unknown Op: %d", op)
	}
	return opNames[op]
}

func (op Op) UsesVariable() bool {
	switch op {
	case OpLoadInput, OpLoadPerVertexInput, OpLoadOutput,
		OpStoreOutput, OpStorePerVertexOutput, OpStorePerPrimitiveOutput:
		return true
	}
	return false
}

func (op Op) IsOutput() bool {
	switch op {
	case OpLoadOutput, OpStoreOutput, OpStorePerVertexOutput, OpStorePerPrimitiveOutput:
		return true
	}
	return false
}

// HasDest reports whether the instruction produces a value.
func (op Op) HasDest() bool {
	switch op {
	case OpNop, OpIf, OpElse, OpEndIf, OpLoop, OpBreak, OpEndLoop,
		OpStoreOutput, OpStorePerVertexOutput, OpStorePerPrimitiveOutput,
		OpStoreSSBO, OpImageStore, OpStoreShared, OpStoreRing,
		OpDiscard, OpDiscardIf, OpDemote, OpEmitVertex, OpEndPrimitive, OpSetMeshOutputs,
		OpBarrier, OpExport, OpWaterfallBegin, OpWaterfallEnd:
		return false
	}
	return true
}

// HasSideEffects reports whether the instruction must be kept even when unused.
func (op Op) HasSideEffects() bool {
	return !op.HasDest() || op == OpSSBOAtomic || op == OpImageAtomic
}

func (op Op) IsALU() bool {
	switch op {
	case OpIAdd, OpISub, OpIMul, OpIAnd, OpIOr, OpIShl, OpUShr, OpIEq, OpFAdd, OpFSub, OpFMul:
		return true
	}
	return false
}

func (op Op) IsMemoryAccess() bool {
	switch op {
	case OpLoadUBO, OpLoadSSBO, OpStoreSSBO, OpSSBOAtomic,
		OpImageLoad, OpImageStore, OpImageAtomic, OpImageSample:
		return true
	}
	return false
}

type Flags uint32

const (
	FlagNonUniform Flags = 1 << iota
	FlagNoUnsignedWrap
	FlagNoSignedWrap
	FlagCoherent
	FlagVolatile
	FlagDivergent
	FlagReorderable
	FlagAccessCanSpeculate
	FlagIndirect
)

func (f Flags) Has(want Flags) bool {
	return (f & want) == want
}

func (f Flags) String() string {
	names := []struct {
		f Flags
		s string
	}{
		{FlagNonUniform, "non_uniform"},
		{FlagNoUnsignedWrap, "nuw"},
		{FlagNoSignedWrap, "nsw"},
		{FlagCoherent, "coherent"},
		{FlagVolatile, "volatile"},
		{FlagDivergent, "divergent"},
		{FlagReorderable, "reorderable"},
		{FlagAccessCanSpeculate, "speculate"},
		{FlagIndirect, "indirect"},
	}
	str := ""
	for _, n := range names {
		if f.Has(n.f) {
			str += n.s + "|"
		}
	}
	return strings.TrimSuffix(str, "|")
}

// Barycentric interpolation modes for OpLoadBarycentric.
const (
	BaryPerspCenter uint32 = iota
	BaryPerspCentroid
	BaryPerspSample
	BaryPerspPullModel
	BaryLinearCenter
	BaryLinearCentroid
	BaryLinearSample
	BaryCoord
)

// Export targets for OpExport.
const (
	ExportMRT0   uint32 = 0
	ExportMRTZ   uint32 = 8
	ExportPos0   uint32 = 12
	ExportPrim   uint32 = 20
	ExportParam0 uint32 = 32
)

// Atomic operations, stored in Binding of OpSSBOAtomic and OpImageAtomic.
const (
	AtomicAdd uint32 = iota
	AtomicSub
	AtomicAnd
	AtomicXor
	AtomicOr
	AtomicMin
	AtomicMax
	AtomicExchange
)

// Rings for OpLoadRing and OpStoreRing.
const (
	RingESGS uint32 = iota
	RingGSVS
	RingHSOffchip
	RingHSTessFactor
	RingTaskPayload
)

type Instr struct {
	Op    Op
	Srcs  []Value
	Flags Flags

	BitSize uint8
	Comps   uint8

	// Var is the variable index for varying intrinsics.
	Var int32
	// Base is the constant byte offset, component, argument index or export target.
	Base  uint32
	Range uint32
	Set   uint32
	// Binding is the descriptor binding, or the barycentric/atomic mode.
	Binding uint32
	Imm     uint64
	// Data holds embedded constant words such as immutable sampler descriptors.
	Data []uint32
}

func (in Instr) clone() Instr {
	in.Srcs = slices.Clone(in.Srcs)
	in.Data = slices.Clone(in.Data)
	return in
}

// Remove turns the instruction into a nop. Callers must make sure the value is unused.
func (in *Instr) Remove() {
	*in = Instr{Op: OpNop, Var: -1}
}
