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

	"goarrg.com/rhi/radv/nir"
)

type ArgFile uint8

const (
	ArgSGPR ArgFile = iota
	ArgVGPR
)

type ArgKind uint8

const (
	ArgRingOffsets ArgKind = iota
	ArgDescSet
	ArgIndirectDescSets
	ArgPushConstants
	ArgInlinePushConst
	ArgStreamoutBuffers
	ArgPrologInputs
	ArgVertexBuffers
	ArgBaseVertex
	ArgStartInstance
	ArgDrawID
	ArgViewIndex
	ArgForceVRSRates
	ArgNGGState
	ArgTaskRingEntry
	ArgNumWorkgroups
	ArgEpilogPC

	// system sgprs
	ArgWorkgroupID
	ArgTGSize
	ArgMergedWaveInfo
	ArgTessOffchipOffset
	ArgTessFactorOffset
	ArgGSToRingOffset
	ArgGSWaveID
	ArgPrimMask
	ArgScratchOffset

	// vgprs
	ArgVertexID
	ArgRelAutoID
	ArgInstanceID
	ArgVSPrimID
	ArgPatchID
	ArgRelPatchIDs
	ArgTessCoord
	ArgGSVtxOffset
	ArgGSPrimID
	ArgGSInvocationID
	ArgBarycentric
	ArgFragPos
	ArgFrontFace
	ArgAncillary
	ArgSampleCoverage
	ArgLocalInvocationID

	argKindCount
)

var argKindNames = [...]string{
	ArgRingOffsets:       "ring_offsets",
	ArgDescSet:           "desc_set",
	ArgIndirectDescSets:  "indirect_desc_sets",
	ArgPushConstants:     "push_constants",
	ArgInlinePushConst:   "inline_push_const",
	ArgStreamoutBuffers:  "streamout_buffers",
	ArgPrologInputs:      "prolog_inputs",
	ArgVertexBuffers:     "vertex_buffers",
	ArgBaseVertex:        "base_vertex",
	ArgStartInstance:     "start_instance",
	ArgDrawID:            "draw_id",
	ArgViewIndex:         "view_index",
	ArgForceVRSRates:     "force_vrs_rates",
	ArgNGGState:          "ngg_state",
	ArgTaskRingEntry:     "task_ring_entry",
	ArgNumWorkgroups:     "num_workgroups",
	ArgEpilogPC:          "epilog_pc",
	ArgWorkgroupID:       "workgroup_id",
	ArgTGSize:            "tg_size",
	ArgMergedWaveInfo:    "merged_wave_info",
	ArgTessOffchipOffset: "tess_offchip_offset",
	ArgTessFactorOffset:  "tess_factor_offset",
	ArgGSToRingOffset:    "gs2vs_offset",
	ArgGSWaveID:          "gs_wave_id",
	ArgPrimMask:          "prim_mask",
	ArgScratchOffset:     "scratch_offset",
	ArgVertexID:          "vertex_id",
	ArgRelAutoID:         "rel_auto_id",
	ArgInstanceID:        "instance_id",
	ArgVSPrimID:          "vs_prim_id",
	ArgPatchID:           "patch_id",
	ArgRelPatchIDs:       "rel_patch_ids",
	ArgTessCoord:         "tess_coord",
	ArgGSVtxOffset:       "gs_vtx_offset",
	ArgGSPrimID:          "gs_prim_id",
	ArgGSInvocationID:    "gs_invocation_id",
	ArgBarycentric:       "barycentric",
	ArgFragPos:           "frag_pos",
	ArgFrontFace:         "front_face",
	ArgAncillary:         "ancillary",
	ArgSampleCoverage:    "sample_coverage",
	ArgLocalInvocationID: "local_invocation_id",
}

func (k ArgKind) String() string {
	if k >= argKindCount {
		abort("Unknown ArgKind: %d", k)
	}
	return argKindNames[k]
}

type Arg struct {
	Kind ArgKind
	File ArgFile
	Reg  uint8
	Size uint8
	// Index is the descriptor set, push constant dword, or barycentric mode.
	Index uint8
	User  bool
}

// ShaderArgs is the register calling convention of one hardware stage.
type ShaderArgs struct {
	Args         []Arg
	NumSGPRs     uint32
	NumVGPRs     uint32
	NumUserSGPRs uint32

	InlinePushConstantMask uint64
	InlinedAllPushConsts   bool
	IndirectDescSets       bool
	RemainingUserSGPRs     uint32

	// Preserved lists, in order, the registers a separately compiled prolog
	// must leave untouched before jumping to the main shader.
	Preserved []Arg
}

// Find returns the index into Args of the argument, or -1.
func (a *ShaderArgs) Find(kind ArgKind, index uint8) int {
	for i, arg := range a.Args {
		if arg.Kind == kind && arg.Index == index {
			return i
		}
	}
	return -1
}

func (a *ShaderArgs) has(kind ArgKind) bool {
	return a.Find(kind, 0) >= 0
}

func (a *ShaderArgs) MarshalJSON() ([]byte, error) {
	buff := bytes.Buffer{}
	buff.WriteString("{")

	buff.WriteString(fmt.Sprintf("\"NumSGPRs\": %d,", a.NumSGPRs))
	buff.WriteString(fmt.Sprintf("\"NumVGPRs\": %d,", a.NumVGPRs))
	buff.WriteString(fmt.Sprintf("\"NumUserSGPRs\": %d,", a.NumUserSGPRs))
	buff.WriteString(fmt.Sprintf("\"InlinePushConstantMask\": %q,", toHex(a.InlinePushConstantMask)))
	buff.WriteString(fmt.Sprintf("\"InlinedAllPushConsts\": %t,", a.InlinedAllPushConsts))
	buff.WriteString(fmt.Sprintf("\"IndirectDescSets\": %t,", a.IndirectDescSets))

	buff.WriteString("\"Args\": [")
	for _, arg := range a.Args {
		file := "s"
		if arg.File == ArgVGPR {
			file = "v"
		}
		buff.WriteString(fmt.Sprintf("\"%s%d:%d %s[%d]\",", file, arg.Reg, arg.Size, arg.Kind.String(), arg.Index))
	}
	if len(a.Args) > 0 {
		buff.Truncate(buff.Len() - 1)
	}
	buff.WriteString("]")

	buff.WriteString("}")
	return buff.Bytes(), nil
}

type userSGPRInfo struct {
	remaining              uint32
	indirectAllDescSets    bool
	inlinedAllPushConsts   bool
	inlinePushConstantMask uint64
}

// allocateInlinePushConsts inlines every push constant when that frees the
// push constant pointer, otherwise it keeps the lowest dwords that fit.
func allocateInlinePushConsts(info *ShaderInfo, u *userSGPRInfo) {
	remaining := u.remaining
	mask := info.InlinePushConstantMask
	if mask == 0 {
		return
	}
	count := bitCount(mask)

	if count <= min(remaining+1, maxInlineAllPushConstDWs) && info.CanInlineAllPushConstants && !info.LoadsDynamicOffsets {
		u.inlinedAllPushConsts = true
		remaining++
	} else {
		for count > min(remaining, maxInlinePushConstSGPRs) {
			count--
			mask &^= uint64(1) << (lastBit(mask) - 1)
		}
	}
	u.remaining = remaining - bitCount(mask)
	u.inlinePushConstantMask = mask
}

func countVSUserSGPRs(vs *VertexInfo) uint32 {
	count := uint32(0)
	if vs.DynamicInputs {
		count += 2
	} else if vs.InputAttribMask != 0 {
		count++
	}
	if vs.NeedsDrawID {
		return count + 3
	}
	return count + 2
}

// fsHasEpilog reports whether color exports are compiled separately because
// the blend state is dynamic.
func fsHasEpilog(key *PipelineKey, info *ShaderInfo) bool {
	return info.FS().ColorsWritten != 0 && key.DynamicStates&(DynamicStateColorBlendEquation|DynamicStateColorWriteMask) != 0
}

func maxUserSGPRs(props *Properties, stage nir.Stage) uint32 {
	if props.GfxLevel >= GFX9 && stage != nir.StageCompute && stage != nir.StageTask {
		return props.MaxUserSGPRs.Graphics
	}
	return min(props.MaxUserSGPRs.Compute, props.MaxUserSGPRs.Graphics)
}

// vertexPayload returns the vertex payload of a vertex stage or of the merged
// stage whose first half is a vertex stage.
func vertexPayload(info *ShaderInfo, stage, previous nir.Stage) *VertexInfo {
	if stage == nir.StageVertex {
		return info.VS()
	}
	if previous == nir.StageVertex {
		return info.MergedVS()
	}
	return nil
}

func allocateUserSGPRs(props *Properties, key *PipelineKey, info *ShaderInfo, stage, previous nir.Stage, isCopyShader bool) userSGPRInfo {
	count := uint32(2)

	switch stage {
	case nir.StageCompute, nir.StageTask:
		if stage == nir.StageTask {
			count += 2
		}
		if (stage == nir.StageCompute && info.CS().UsesGridSize) || (stage == nir.StageTask && info.Task().UsesGridSize) {
			count += 3
		}
		if stage == nir.StageTask && info.Task().UsesDrawID {
			count++
		}
	case nir.StageFragment:
		if fsHasEpilog(key, info) {
			count++
		}
	case nir.StageMesh:
		if info.Mesh().HasTask {
			count++
		}
		count++
	case nir.StageVertex:
		if !isCopyShader {
			count += countVSUserSGPRs(info.VS())
		}
	case nir.StageTessCtrl:
		if vs := vertexPayload(info, stage, previous); vs != nil {
			count += countVSUserSGPRs(vs)
		}
	case nir.StageTessEval:
	case nir.StageGeometry:
		if info.IsNGG {
			count++
		}
		if vs := vertexPayload(info, stage, previous); vs != nil {
			count += countVSUserSGPRs(vs)
		}

	default:
		abort("Unknown Stage: %d", stage)
	}

	if info.UsesViewIndex {
		count++
	}
	if info.ForceVRSPerVertex {
		count++
	}
	if info.LoadsPushConstants || info.LoadsDynamicOffsets {
		count++
	}

	available := maxUserSGPRs(props, stage)
	if count > available {
		abort("Stage %s needs %d user SGPRs before descriptors, only %d available", stage, count, available)
	}
	remaining := available - count
	numDescSets := bitCount(info.DescSetUsedMask)

	u := userSGPRInfo{}
	if remaining < numDescSets {
		if remaining == 0 {
			abort("Stage %s has no user SGPR left for the indirect descriptor set pointer", stage)
		}
		u.indirectAllDescSets = true
		u.remaining = remaining - 1
	} else {
		u.remaining = remaining - numDescSets
	}
	allocateInlinePushConsts(info, &u)
	return u
}

type argAllocator struct {
	args     *ShaderArgs
	nextSGPR uint8
	nextVGPR uint8
}

func (a *argAllocator) add(file ArgFile, size uint8, kind ArgKind, index uint8) {
	arg := Arg{Kind: kind, File: file, Size: size, Index: index}
	if file == ArgSGPR {
		arg.Reg = a.nextSGPR
		a.nextSGPR += size
	} else {
		arg.Reg = a.nextVGPR
		a.nextVGPR += size
	}
	a.args.Args = append(a.args.Args, arg)
}

func (a *argAllocator) user(size uint8, kind ArgKind, index uint8) {
	a.add(ArgSGPR, size, kind, index)
	a.args.Args[len(a.args.Args)-1].User = true
	a.args.NumUserSGPRs += uint32(size)
}

func (a *argAllocator) declareVSUserSGPRs(vs *VertexInfo) {
	if vs.DynamicInputs {
		a.user(2, ArgPrologInputs, 0)
	} else if vs.InputAttribMask != 0 {
		a.user(1, ArgVertexBuffers, 0)
	}
	a.user(1, ArgBaseVertex, 0)
	a.user(1, ArgStartInstance, 0)
	if vs.NeedsDrawID {
		a.user(1, ArgDrawID, 0)
	}
}

func (a *argAllocator) declareVSVGPRs() {
	a.add(ArgVGPR, 1, ArgVertexID, 0)
	a.add(ArgVGPR, 1, ArgRelAutoID, 0)
	a.add(ArgVGPR, 1, ArgVSPrimID, 0)
	a.add(ArgVGPR, 1, ArgInstanceID, 0)
}

func (a *argAllocator) declareTESVGPRs() {
	a.add(ArgVGPR, 2, ArgTessCoord, 0)
	a.add(ArgVGPR, 1, ArgRelPatchIDs, 0)
	a.add(ArgVGPR, 1, ArgPatchID, 0)
}

// DeclareArgs assigns the argument registers of a hardware stage. previous
// is the first half of a merged stage or StageNone. The result only depends
// on its inputs so that separately compiled prologs agree with the main shader.
func DeclareArgs(props *Properties, key *PipelineKey, info *ShaderInfo, stage, previous nir.Stage) ShaderArgs {
	return declareArgs(props, key, info, stage, previous, false)
}

func declareArgs(props *Properties, key *PipelineKey, info *ShaderInfo, stage, previous nir.Stage, isCopyShader bool) ShaderArgs {
	merged := previous != nir.StageNone
	if merged && !props.HasMergedShaders() {
		abort("Stage %s cannot be merged with %s on %s", stage, previous, props.GfxLevel)
	}

	u := allocateUserSGPRs(props, key, info, stage, previous, isCopyShader)
	args := ShaderArgs{
		InlinePushConstantMask: u.inlinePushConstantMask,
		InlinedAllPushConsts:   u.inlinedAllPushConsts,
		IndirectDescSets:       u.indirectAllDescSets,
		RemainingUserSGPRs:     u.remaining,
	}
	a := argAllocator{args: &args}

	// ring and descriptor pointers
	a.user(2, ArgRingOffsets, 0)
	if stage == nir.StageTask {
		a.user(2, ArgTaskRingEntry, 0)
	}
	if u.indirectAllDescSets {
		a.user(1, ArgIndirectDescSets, 0)
	} else {
		forEachBit(uint64(info.DescSetUsedMask), func(set uint32) {
			a.user(1, ArgDescSet, uint8(set))
		})
	}
	if (info.LoadsPushConstants || info.LoadsDynamicOffsets) && !u.inlinedAllPushConsts {
		a.user(1, ArgPushConstants, 0)
	}
	forEachBit(u.inlinePushConstantMask, func(dw uint32) {
		a.user(1, ArgInlinePushConst, uint8(dw))
	})

	// stage specific values
	switch stage {
	case nir.StageVertex:
		if !isCopyShader {
			a.declareVSUserSGPRs(info.VS())
		}
	case nir.StageTessCtrl, nir.StageGeometry:
		if vs := vertexPayload(info, stage, previous); vs != nil {
			a.declareVSUserSGPRs(vs)
		}
		if stage == nir.StageGeometry && info.IsNGG {
			a.user(1, ArgNGGState, 0)
		}
	case nir.StageFragment:
		if fsHasEpilog(key, info) {
			a.user(1, ArgEpilogPC, 0)
		}
	case nir.StageMesh:
		if info.Mesh().HasTask {
			a.user(1, ArgTaskRingEntry, 0)
		}
		a.user(1, ArgNGGState, 0)
	case nir.StageCompute:
		if info.CS().UsesGridSize {
			a.user(3, ArgNumWorkgroups, 0)
		}
	case nir.StageTask:
		if info.Task().UsesGridSize {
			a.user(3, ArgNumWorkgroups, 0)
		}
		if info.Task().UsesDrawID {
			a.user(1, ArgDrawID, 0)
		}
	}
	if info.UsesViewIndex {
		a.user(1, ArgViewIndex, 0)
	}
	if info.ForceVRSPerVertex {
		a.user(1, ArgForceVRSRates, 0)
	}

	if args.NumUserSGPRs > maxUserSGPRs(props, stage) {
		abort("Stage %s allocated %d user SGPRs, only %d available", stage, args.NumUserSGPRs, maxUserSGPRs(props, stage))
	}

	// system values and vgprs
	switch stage {
	case nir.StageCompute, nir.StageTask:
		a.add(ArgSGPR, 3, ArgWorkgroupID, 0)
		a.add(ArgSGPR, 1, ArgTGSize, 0)
		a.add(ArgSGPR, 1, ArgScratchOffset, 0)
		if props.GfxLevel >= GFX11 {
			a.add(ArgVGPR, 1, ArgLocalInvocationID, 0)
		} else {
			a.add(ArgVGPR, 3, ArgLocalInvocationID, 0)
		}

	case nir.StageVertex:
		if !info.IsNGG {
			a.add(ArgSGPR, 1, ArgStreamoutBuffers, 0)
		}
		a.add(ArgSGPR, 1, ArgScratchOffset, 0)
		a.declareVSVGPRs()

	case nir.StageTessCtrl:
		if merged {
			a.add(ArgSGPR, 1, ArgTessOffchipOffset, 0)
			a.add(ArgSGPR, 1, ArgMergedWaveInfo, 0)
			a.add(ArgSGPR, 1, ArgTessFactorOffset, 0)
			a.add(ArgSGPR, 1, ArgScratchOffset, 0)
			a.add(ArgVGPR, 1, ArgPatchID, 0)
			a.add(ArgVGPR, 1, ArgRelPatchIDs, 0)
			a.declareVSVGPRs()
		} else {
			a.add(ArgSGPR, 1, ArgTessOffchipOffset, 0)
			a.add(ArgSGPR, 1, ArgTessFactorOffset, 0)
			a.add(ArgSGPR, 1, ArgScratchOffset, 0)
			a.add(ArgVGPR, 1, ArgPatchID, 0)
			a.add(ArgVGPR, 1, ArgRelPatchIDs, 0)
		}

	case nir.StageTessEval:
		a.add(ArgSGPR, 1, ArgTessOffchipOffset, 0)
		a.add(ArgSGPR, 1, ArgScratchOffset, 0)
		a.declareTESVGPRs()

	case nir.StageGeometry, nir.StageMesh:
		if merged || info.IsNGG {
			a.add(ArgSGPR, 1, ArgGSToRingOffset, 0)
			a.add(ArgSGPR, 1, ArgMergedWaveInfo, 0)
			a.add(ArgSGPR, 1, ArgTessOffchipOffset, 0)
		} else {
			a.add(ArgSGPR, 1, ArgGSToRingOffset, 0)
			a.add(ArgSGPR, 1, ArgGSWaveID, 0)
		}
		a.add(ArgSGPR, 1, ArgScratchOffset, 0)
		a.add(ArgVGPR, 2, ArgGSVtxOffset, 0)
		a.add(ArgVGPR, 1, ArgGSPrimID, 0)
		a.add(ArgVGPR, 1, ArgGSInvocationID, 0)
		a.add(ArgVGPR, 1, ArgGSVtxOffset, 1)
		switch previous {
		case nir.StageVertex:
			a.declareVSVGPRs()
		case nir.StageTessEval:
			a.declareTESVGPRs()
		}

	case nir.StageFragment:
		a.add(ArgSGPR, 1, ArgPrimMask, 0)
		a.add(ArgSGPR, 1, ArgScratchOffset, 0)
		bary := info.FS().BaryMask | 1<<nir.BaryPerspCenter
		forEachBit(uint64(bary), func(mode uint32) {
			size := uint8(2)
			if mode == nir.BaryPerspPullModel {
				size = 3
			}
			a.add(ArgVGPR, size, ArgBarycentric, uint8(mode))
		})
		a.add(ArgVGPR, 4, ArgFragPos, 0)
		a.add(ArgVGPR, 1, ArgFrontFace, 0)
		a.add(ArgVGPR, 1, ArgAncillary, 0)
		a.add(ArgVGPR, 1, ArgSampleCoverage, 0)

	default:
		abort("Unknown Stage: %d", stage)
	}

	args.NumSGPRs = uint32(a.nextSGPR)
	args.NumVGPRs = uint32(a.nextVGPR)
	if vertexPayload(info, stage, previous) != nil && vertexPayload(info, stage, previous).DynamicInputs {
		for _, arg := range args.Args {
			if arg.Kind != ArgPrologInputs {
				args.Preserved = append(args.Preserved, arg)
			}
		}
	}
	return args
}
