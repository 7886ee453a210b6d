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
	"goarrg.com/rhi/radv/nir"
)

const (
	maxPushConstantsSize     = 256
	maxInlinePushConstWords  = maxPushConstantsSize / 4
	maxInlinePushConstSGPRs  = 8
	maxInlineAllPushConstDWs = 32
)

// isLastVertexStage reports whether stage feeds the rasterizer, next being
// StageNone when the consumer is not known yet.
func isLastVertexStage(stage, next nir.Stage) bool {
	switch stage {
	case nir.StageVertex, nir.StageTessEval:
		return next == nir.StageFragment || next == nir.StageNone
	case nir.StageGeometry, nir.StageMesh:
		return true
	}
	return false
}

func waveSizeFor(props *Properties, key *PipelineKey, stage nir.Stage, isNGG bool) uint32 {
	if props.GfxLevel < GFX10 {
		return 64
	}
	if key.ForceWaveSize != 0 {
		return uint32(key.ForceWaveSize)
	}
	if sk := key.Stages[stage]; sk.SubgroupSize != 0 {
		return uint32(sk.SubgroupSize)
	}
	switch stage {
	case nir.StageGeometry:
		if !isNGG {
			return 64
		}
		return props.WaveSize.Graphics
	case nir.StageCompute, nir.StageTask:
		return props.WaveSize.Compute
	}
	return props.WaveSize.Graphics
}

// usesNGG reports whether stage runs on the next generation geometry path
// given the pipeline key.
func usesNGG(key *PipelineKey, stage, next nir.Stage) bool {
	if !key.hasFlags(KeyUseNGG) {
		return false
	}
	switch stage {
	case nir.StageMesh, nir.StageGeometry:
		return true
	case nir.StageVertex, nir.StageTessEval:
		return next != nir.StageTessCtrl
	}
	return false
}

func gatherPushConstant(info *ShaderInfo, s *nir.Shader, in *nir.Instr) {
	info.LoadsPushConstants = true
	if off := s.Instr(in.Srcs[0]); off.Op == nir.OpConst && in.BitSize >= 32 {
		start := (in.Base + uint32(off.Imm)) / 4
		size := uint32(in.Comps) * uint32(in.BitSize/32)
		if start+size <= maxInlinePushConstWords {
			info.InlinePushConstantMask |= bitRange(start, size)
			return
		}
	}
	info.CanInlineAllPushConstants = false
}

func gatherResource(info *ShaderInfo, in *nir.Instr, layout *PipelineLayout) {
	info.DescSetUsedMask |= 1 << in.Set
	if hasBits(in.Flags, nir.FlagNonUniform) {
		info.HasNonUniformAccess = true
	}
	if layout != nil && layout.binding(in.Set, in.Binding).typ.isDynamic() {
		info.LoadsDynamicOffsets = true
	}
}

func gatherVarying(info *ShaderInfo, s *nir.Shader, in *nir.Instr) {
	var v nir.Variable
	if in.Op.IsOutput() {
		v = s.Outputs[in.Var]
	} else {
		v = s.Inputs[in.Var]
	}
	bit := v.Slot.Bit()

	switch {
	case in.Op == nir.OpLoadOutput:
		if s.Stage == nir.StageTessCtrl && (v.Slot == nir.SlotTessLevelOuter || v.Slot == nir.SlotTessLevelInner) {
			info.TCS().TessLevelsRead = true
		}
	case in.Op.IsOutput():
		if v.PerPatch {
			info.PatchOutputMask |= bit
		} else {
			info.OutputMask |= bit
		}
		if v.BitSize == 16 {
			info.OutputUsage16Bit |= bit
		}
	default:
		if v.PerPatch {
			info.PatchInputMask |= bit
		} else {
			info.InputMask |= bit
		}
		if v.BitSize == 16 {
			info.InputUsage16Bit |= bit
		}
		if s.Stage == nir.StageVertex && v.Slot >= nir.SlotVar0 {
			info.VS().InputAttribMask |= 1 << (v.Slot - nir.SlotVar0)
		}
	}
}

func gatherFragmentOutput(fs *FragmentInfo, v nir.Variable) {
	switch {
	case v.Slot == nir.FragResultDepth:
		fs.WritesZ = true
	case v.Slot == nir.FragResultStencil:
		fs.WritesStencil = true
	case v.Slot == nir.FragResultSampleMask:
		fs.WritesSampleMask = true
	case v.Slot >= nir.FragResultData0 && v.Slot < nir.FragResultMax:
		fs.ColorsWritten |= 0xF << (4 * uint32(v.Slot-nir.FragResultData0))
	}
}

func gatherIntrinsic(info *ShaderInfo, s *nir.Shader, in *nir.Instr, layout *PipelineLayout) {
	switch in.Op {
	case nir.OpResourceIndex:
		gatherResource(info, in, layout)
	case nir.OpLoadPushConstant:
		gatherPushConstant(info, s, in)

	case nir.OpStoreSSBO, nir.OpSSBOAtomic, nir.OpImageStore, nir.OpImageAtomic:
		info.WritesMemory = true
	case nir.OpBarrier:
		info.HasBarrier = true

	case nir.OpLoadInput, nir.OpLoadPerVertexInput, nir.OpLoadOutput,
		nir.OpStoreOutput, nir.OpStorePerVertexOutput, nir.OpStorePerPrimitiveOutput:
		gatherVarying(info, s, in)

	case nir.OpLoadViewIndex:
		info.UsesViewIndex = true
	case nir.OpLoadPrimitiveID:
		info.UsesPrimID = true
	case nir.OpLoadInvocationID:
		info.UsesInvocationID = true

	case nir.OpLoadInstanceID:
		if s.Stage == nir.StageVertex {
			info.VS().NeedsInstanceID = true
		}
	case nir.OpLoadBaseVertex:
		if s.Stage == nir.StageVertex {
			info.VS().NeedsBaseVertex = true
		}
	case nir.OpLoadTessCoord:
		if s.Stage == nir.StageTessEval {
			info.TES().ReadsTessCoord = true
		}
	case nir.OpEmitVertex:
		if s.Stage == nir.StageGeometry {
			info.GS().StreamMask |= 1 << in.Base
		}
	case nir.OpLoadNumWorkgroups:
		switch s.Stage {
		case nir.StageCompute:
			info.CS().UsesGridSize = true
		case nir.StageTask:
			info.Task().UsesGridSize = true
		}
	case nir.OpLoadLocalInvocationID:
		if s.Stage == nir.StageCompute {
			info.CS().UsesLocalInvocationID = true
		}
	case nir.OpLoadWorkgroupID:
		if s.Stage == nir.StageCompute {
			info.CS().UsesWorkgroupID = true
		}
	case nir.OpLoadShared, nir.OpStoreShared:
		if s.Stage == nir.StageCompute {
			info.CS().UsesSharedMemory = true
		}
	}

	if s.Stage != nir.StageFragment {
		return
	}
	fs := info.FS()
	switch in.Op {
	case nir.OpDiscard, nir.OpDiscardIf:
		fs.CanDiscard = true
	case nir.OpDemote:
		fs.CanDiscard = true
		fs.UsesDemote = true
	case nir.OpLoadSampleMaskIn:
		fs.ReadsSampleMaskIn = true
	case nir.OpLoadSampleID:
		fs.ReadsSampleID = true
	case nir.OpLoadSamplePos:
		fs.ReadsSamplePos = true
	case nir.OpLoadFragCoord:
		fs.ReadsFragCoordMask = 0xF
	case nir.OpLoadFrontFace:
		fs.ReadsFrontFace = true
	case nir.OpLoadHelperInvocation, nir.OpIsHelperInvocation:
		fs.ReadsHelper = true
	case nir.OpLoadShadingRate:
		fs.ReadsShadingRate = true
	case nir.OpLoadLayerID:
		fs.ReadsLayer = true
	case nir.OpLoadBarycentric:
		fs.BaryMask |= 1 << in.Binding
	case nir.OpStoreOutput:
		gatherFragmentOutput(fs, s.Outputs[in.Var])
	}
}

func distMask(s *nir.Shader, slot0, slot1 nir.Slot) uint8 {
	mask := uint8(0)
	for _, v := range s.Outputs {
		if v.PerPrimitive || v.Dead {
			continue
		}
		switch v.Slot {
		case slot0:
			mask |= uint8(bitRange(0, uint32(min(v.Components, 4))))
		case slot1:
			mask |= uint8(bitRange(4, uint32(min(v.Components, 4))))
		}
	}
	return mask
}

// assignOutputParams assigns parameter export indices in ascending slot
// order, per vertex outputs first. It is rerun by linking once the consumer
// decided which outputs it needs.
func assignOutputParams(info *ShaderInfo, s *nir.Shader, gfx GfxLevel) {
	exportPrimID, exportClipDists := info.Out.ExportPrimID, info.Out.ExportClipDists
	out := &info.Out
	out.reset()
	out.ExportPrimID, out.ExportClipDists = exportPrimID, exportClipDists

	perVertex, perPrim := uint64(0), uint64(0)
	for _, v := range s.Outputs {
		if v.Dead || v.PerPatch {
			continue
		}
		if v.PerPrimitive {
			perPrim |= v.Slot.Bit()
		} else {
			perVertex |= v.Slot.Bit()
		}
	}
	perVertex &^= nir.SpecialSlotsMask
	perPrim &^= nir.SpecialSlotsMask

	out.WritesPointSize = hasBits(perVertex, nir.SlotPointSize.Bit())
	out.WritesLayer = hasBits(perVertex, nir.SlotLayer.Bit())
	out.WritesViewport = hasBits(perVertex, nir.SlotViewport.Bit())
	out.WritesPrimitiveShadingRate = hasBits(perVertex, nir.SlotPrimitiveShadingRate.Bit()) || info.ForceVRSPerVertex
	out.WritesLayerPerPrimitive = hasBits(perPrim, nir.SlotLayer.Bit())
	out.WritesViewportPerPrimitive = hasBits(perPrim, nir.SlotViewport.Bit())
	out.WritesShadingRatePerPrimitive = hasBits(perPrim, nir.SlotPrimitiveShadingRate.Bit())
	out.ClipDistMask = distMask(s, nir.SlotClipDist0, nir.SlotClipDist1)
	out.CullDistMask = distMask(s, nir.SlotCullDist0, nir.SlotCullDist1)

	out.PosExports = 1
	if out.WritesPointSize || out.WritesLayer || out.WritesViewport || out.WritesPrimitiveShadingRate {
		out.PosExports++
	}
	if dists := bitCount(out.ClipDistMask | out.CullDistMask); dists > 0 {
		out.PosExports++
		if dists > 4 {
			out.PosExports++
		}
	}

	if out.ExportPrimID {
		perVertex |= nir.SlotPrimitiveID.Bit()
	}
	if out.ExportClipDists {
		if (out.ClipDistMask|out.CullDistMask)&0x0F != 0 {
			perVertex |= nir.SlotClipDist0.Bit()
		}
		if (out.ClipDistMask|out.CullDistMask)&0xF0 != 0 {
			perVertex |= nir.SlotClipDist1.Bit()
		}
	}

	assign := func(mask uint64, offsets *[nir.SlotMax]uint8, total *uint32, extra uint32) {
		forEachBit(mask, func(i uint32) {
			slot := nir.Slot(i)
			if slot >= nir.SlotVar0 || slot == nir.SlotLayer || slot == nir.SlotPrimitiveID || slot == nir.SlotViewport ||
				(out.ExportClipDists && (slot == nir.SlotClipDist0 || slot == nir.SlotClipDist1)) {
				if offsets[slot] == paramUndefined {
					offsets[slot] = uint8(extra + *total)
					*total++
				}
			}
		})
	}
	assign(perVertex, &out.ParamOffset, &out.ParamExports, 0)

	// The hardware always allocates at least one per vertex parameter.
	extra := uint32(0)
	if out.ParamExports == 0 && gfx >= GFX11 {
		extra = 1
	}
	assign(perPrim, &out.PrimParamOffset, &out.PrimParamExports, out.ParamExports+extra)
}

func gatherFragmentInputs(fs *FragmentInfo, s *nir.Shader) {
	bySlot := map[nir.Slot]nir.Variable{}
	for _, v := range s.Inputs {
		if v.Dead {
			continue
		}
		if v.PerPrimitive {
			fs.PerPrimInputMask |= v.Slot.Bit()
			fs.NumPrimInterp++
			continue
		}
		if v.Slot >= nir.SlotVar0 || v.Slot == nir.SlotPrimitiveID || v.Slot == nir.SlotLayer ||
			v.Slot == nir.SlotViewport || v.Slot == nir.SlotClipDist0 || v.Slot == nir.SlotClipDist1 {
			fs.InputSlotMask |= v.Slot.Bit()
			bySlot[v.Slot] = v
		}
	}
	forEachBit(fs.InputSlotMask, func(i uint32) {
		v := bySlot[nir.Slot(i)]
		switch v.Interp {
		case nir.InterpFlat:
			fs.FlatShadedMask |= 1 << fs.NumInterp
		case nir.InterpExplicit:
			fs.ExplicitShadedMask |= 1 << fs.NumInterp
		}
		if v.Sampling == nir.SamplingSample {
			fs.UsesSampleShading = true
		}
		fs.NumInterp++
	})
}

func workgroupSize(wg [3]uint32) [3]uint32 {
	for i := range wg {
		wg[i] = max(wg[i], 1)
	}
	return wg
}

// gatherShaderInfo walks the IR of one stage once. It never fails, IR that
// does not match the stage aborts.
func gatherShaderInfo(props *Properties, s *nir.Shader, key *PipelineKey, layout *PipelineLayout, next nir.Stage, considerForceVRS bool) ShaderInfo {
	info := newShaderInfo(s.Stage, next)
	info.IsNGG = usesNGG(key, s.Stage, next)
	info.UsesFullSubgroups = key.Stages[s.Stage].RequireFullSubgroups

	s.Walk(func(_ nir.Value, in *nir.Instr) {
		gatherIntrinsic(&info, s, in, layout)
		if in.Op.IsMemoryAccess() && hasBits(in.Flags, nir.FlagNonUniform) {
			info.HasNonUniformAccess = true
		}
	})
	if !info.LoadsPushConstants {
		info.CanInlineAllPushConstants = true
		info.InlinePushConstantMask = 0
	}

	modes := &s.Modes
	info.HasStreamout = modes.XfbStride != [4]uint32{}
	switch s.Stage {
	case nir.StageVertex:
		vs := info.VS()
		vs.AsLS = next == nir.StageTessCtrl
		vs.AsES = next == nir.StageGeometry
		vs.DynamicInputs = hasBits(key.DynamicStates, DynamicStateVertexInput)

	case nir.StageTessCtrl:
		tcs := info.TCS()
		tcs.TCSVerticesOut = modes.TessVerticesOut
		tcs.TessInputVertices = key.TessPatchControlPoints
		tcs.OutputsWritten = info.OutputMask
		tcs.PatchOutputsWritten = info.PatchOutputMask
		tcs.TessLevelsWritten = hasBits(info.PatchOutputMask, nir.SlotTessLevelOuter.Bit()) ||
			hasBits(info.PatchOutputMask, nir.SlotTessLevelInner.Bit()) ||
			info.OutputMask&(nir.SlotTessLevelOuter.Bit()|nir.SlotTessLevelInner.Bit()) != 0
		tcs.Primitive, tcs.Spacing, tcs.Winding, tcs.PointMode = modes.TessPrimitive, modes.TessSpacing, modes.TessWinding, modes.TessPointMode

	case nir.StageTessEval:
		tes := info.TES()
		tes.Primitive, tes.Spacing, tes.Winding, tes.PointMode = modes.TessPrimitive, modes.TessSpacing, modes.TessWinding, modes.TessPointMode
		tes.TCSVerticesOut = modes.TessVerticesOut
		tes.AsES = next == nir.StageGeometry

	case nir.StageGeometry:
		gs := info.GS()
		gs.VerticesIn = modes.GSInput.VerticesPerPrimitive()
		gs.VerticesOut = modes.GSVerticesOut
		gs.Invocations = max(modes.GSInvocations, 1)
		gs.InputPrim = modes.GSInput
		gs.OutputPrim = modes.GSOutput
		gs.MaxStreams = uint8(lastBit(gs.StreamMask))
		gs.GSVSVertexSize = bitCount(info.OutputMask) * 16
		gs.MaxGSVSEmitSize = gs.GSVSVertexSize * gs.VerticesOut

	case nir.StageTask:
		task := info.Task()
		task.Workgroup = workgroupSize(modes.Workgroup)

	case nir.StageMesh:
		mesh := info.Mesh()
		mesh.Workgroup = workgroupSize(modes.Workgroup)
		mesh.MaxVertices = modes.MeshMaxVertices
		mesh.MaxPrimitives = modes.MeshMaxPrimitives
		mesh.OutputPrim = modes.MeshOutput
		mesh.HasTask = key.hasFlags(KeyHasTask)

	case nir.StageFragment:
		fs := info.FS()
		fs.EarlyFragmentTests = modes.EarlyFragmentTests
		fs.PostDepthCoverage = modes.PostDepthCoverage
		fs.DepthLayout = modes.DepthLayout
		gatherFragmentInputs(fs, s)
		fs.UsesSampleShading = fs.UsesSampleShading || key.Epilog.SampleShading || fs.ReadsSampleID || fs.ReadsSamplePos ||
			hasBits(fs.BaryMask, 1<<nir.BaryPerspSample) || hasBits(fs.BaryMask, 1<<nir.BaryLinearSample)

	case nir.StageCompute:
		info.CS().Workgroup = workgroupSize(modes.Workgroup)

	default:
		abort("Unknown Stage: %d", s.Stage)
	}

	info.WaveSize = waveSizeFor(props, key, s.Stage, info.IsNGG)
	switch s.Stage {
	case nir.StageCompute, nir.StageTask, nir.StageMesh:
		wg := info.workgroup()
		info.WorkgroupSize = wg[0] * wg[1] * wg[2]
	default:
		info.WorkgroupSize = info.WaveSize
	}

	if isLastVertexStage(s.Stage, next) {
		if considerForceVRS && !hasBits(info.OutputMask, nir.SlotPrimitiveShadingRate.Bit()) {
			info.ForceVRSPerVertex = true
		}
		assignOutputParams(&info, s, props.GfxLevel)
	}

	instance.logger.VPrintf("Gathered %s info: sets=%s pc=%t inline=%s", s.Stage, toHex(info.DescSetUsedMask),
		info.LoadsPushConstants, toHex(info.InlinePushConstantMask))
	return info
}
