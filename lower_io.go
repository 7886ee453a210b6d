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

type ioRole uint8

const (
	ioRoleNone ioRole = iota
	// ioRoleExport feeds the rasterizer through position and parameter exports.
	ioRoleExport
	// ioRoleLS writes outputs to LDS for the tess-ctrl stage.
	ioRoleLS
	// ioRoleES writes outputs to the ES-GS ring.
	ioRoleES
	ioRoleTCS
	ioRoleLegacyGS
	ioRoleFragment
)

const tessLevelMask = uint64(1)<<nir.SlotTessLevelOuter | uint64(1)<<nir.SlotTessLevelInner

func outputRole(info *ShaderInfo) ioRole {
	switch info.Stage {
	case nir.StageVertex, nir.StageTessEval:
		switch info.NextStage {
		case nir.StageTessCtrl:
			return ioRoleLS
		case nir.StageGeometry:
			return ioRoleES
		}
		return ioRoleExport
	case nir.StageTessCtrl:
		return ioRoleTCS
	case nir.StageGeometry:
		if info.IsNGG {
			return ioRoleExport
		}
		return ioRoleLegacyGS
	case nir.StageMesh:
		return ioRoleExport
	case nir.StageFragment:
		return ioRoleFragment
	}
	return ioRoleNone
}

// slotRank is the position of slot among the slots of mask.
func slotRank(mask uint64, slot nir.Slot) uint32 {
	return bitCount(mask & (slot.Bit() - 1))
}

// posExport returns the position export and component a builtin output
// is written to.
func posExport(slot nir.Slot) (uint32, uint32, bool) {
	switch slot {
	case nir.SlotPos:
		return nir.ExportPos0, 0, true
	case nir.SlotPointSize:
		return nir.ExportPos0 + 1, 0, true
	case nir.SlotPrimitiveShadingRate:
		return nir.ExportPos0 + 1, 1, true
	case nir.SlotLayer:
		return nir.ExportPos0 + 1, 2, true
	case nir.SlotViewport:
		return nir.ExportPos0 + 1, 3, true
	case nir.SlotClipDist0, nir.SlotCullDist0:
		return nir.ExportPos0 + 2, 0, true
	case nir.SlotClipDist1, nir.SlotCullDist1:
		return nir.ExportPos0 + 3, 0, true
	}
	return 0, 0, false
}

type ioLowering struct {
	*lowerState
	r *nir.Rewriter
}

func (io *ioLowering) info() *ShaderInfo {
	return &io.stage.info
}

// producerMask is the output mask of the previous stage, which both sides use
// to address ring and LDS slots.
func (io *ioLowering) producerMask(patch bool) uint64 {
	if p := io.prev; p != nil {
		if patch {
			return p.info.PatchOutputMask
		}
		return p.info.OutputMask
	}
	if patch {
		return io.info().PatchInputMask
	}
	return io.info().InputMask
}

func (io *ioLowering) export(target, comp uint32, in *nir.Instr, srcs ...nir.Value) nir.Value {
	return io.r.Emit(nir.Instr{Op: nir.OpExport, Base: target, Range: comp, Srcs: srcs, BitSize: in.BitSize, Comps: in.Comps, Var: -1})
}

func (io *ioLowering) ring(op nir.Op, ring uint32, in *nir.Instr, srcs ...nir.Value) nir.Value {
	return io.r.Emit(nir.Instr{Op: op, Set: ring, Srcs: srcs, BitSize: in.BitSize, Comps: in.Comps, Var: -1})
}

// offset returns base + index*stride + constant.
func (io *ioLowering) offset(base, index nir.Value, stride, constant uint32) nir.Value {
	r := io.r
	v := r.Const32(constant)
	if index != nir.NoValue {
		v = r.ALU(nir.OpIAdd, 32, nowrap, r.ALU(nir.OpIMul, 32, nowrap, index, r.Const32(stride)), v)
	}
	if base != nir.NoValue {
		v = r.ALU(nir.OpIAdd, 32, nowrap, base, v)
	}
	return v
}

func (io *ioLowering) storeExport(v nir.Variable, in *nir.Instr) {
	out := &io.info().Out
	value := io.r.Map(in.Srcs[0])
	var extra []nir.Value
	if in.Op != nir.OpStoreOutput {
		extra = append(extra, io.r.Map(in.Srcs[1]))
	}

	if v.PerPrimitive {
		switch {
		case v.Slot == nir.SlotPrimitiveIndices || v.Slot == nir.SlotPrimitiveCount || v.Slot == nir.SlotCullPrimitive:
			io.export(nir.ExportPrim, uint32(v.Slot), in, append([]nir.Value{value}, extra...)...)
		case out.PrimParamOffset[v.Slot] != paramUndefined:
			io.export(nir.ExportParam0+uint32(out.PrimParamOffset[v.Slot]), 0, in, append([]nir.Value{value}, extra...)...)
		}
		return
	}
	if target, comp, ok := posExport(v.Slot); ok {
		io.export(target, comp, in, append([]nir.Value{value}, extra...)...)
	}
	if out.ParamOffset[v.Slot] != paramUndefined {
		io.export(nir.ExportParam0+uint32(out.ParamOffset[v.Slot]), 0, in, append([]nir.Value{value}, extra...)...)
	}
}

func (io *ioLowering) tcsOutput(v nir.Variable, in *nir.Instr) nir.Value {
	r, info := io.r, io.info()
	tcs := info.TCS()
	outStride := bitCount(info.OutputMask) * 16
	patchStride := tcs.TCSVerticesOut*outStride + bitCount(info.PatchOutputMask&^tessLevelMask)*16
	relPatch := loadArg(r, &io.stage.args, ArgRelPatchIDs, 0)

	op, store := nir.OpLoadRing, in.Op != nir.OpLoadOutput
	if store {
		op = nir.OpStoreRing
	}
	var srcs []nir.Value
	if store {
		srcs = append(srcs, r.Map(in.Srcs[0]))
	}

	switch {
	case tessLevelMask&v.Slot.Bit() != 0:
		inner := uint32(0)
		if v.Slot == nir.SlotTessLevelInner {
			inner = 16
		}
		srcs = append(srcs, io.offset(nir.NoValue, relPatch, 32, inner))
		return io.ring(op, nir.RingHSTessFactor, in, srcs...)
	case v.PerPatch:
		base := r.ALU(nir.OpIMul, 32, nowrap, relPatch, r.Const32(patchStride))
		srcs = append(srcs, io.offset(base, nir.NoValue, 0,
			tcs.TCSVerticesOut*outStride+slotRank(info.PatchOutputMask&^tessLevelMask, v.Slot)*16))
	default:
		vertex := nir.NoValue
		if n := len(in.Srcs); in.Op == nir.OpLoadOutput || in.Op == nir.OpStorePerVertexOutput {
			vertex = r.Map(in.Srcs[n-1])
		}
		base := r.ALU(nir.OpIMul, 32, nowrap, relPatch, r.Const32(patchStride))
		srcs = append(srcs, io.offset(base, vertex, outStride, slotRank(info.OutputMask, v.Slot)*16))
	}
	return io.ring(op, nir.RingHSOffchip, in, srcs...)
}

func (io *ioLowering) input(v nir.Variable, in *nir.Instr) (nir.Value, bool) {
	r, info := io.r, io.info()
	switch info.Stage {
	case nir.StageTessCtrl:
		if in.Op != nir.OpLoadPerVertexInput {
			return nir.NoValue, false
		}
		mask := io.producerMask(false)
		stride := bitCount(mask) * 16
		relPatch := loadArg(r, &io.stage.args, ArgRelPatchIDs, 0)
		base := r.ALU(nir.OpIMul, 32, nowrap, relPatch, r.Const32(info.TCS().TessInputVertices*stride))
		addr := io.offset(base, r.Map(in.Srcs[0]), stride, slotRank(mask, v.Slot)*16)
		return r.Emit(nir.Instr{Op: nir.OpLoadShared, Srcs: []nir.Value{addr}, BitSize: in.BitSize, Comps: in.Comps, Var: -1}), true

	case nir.StageTessEval:
		tes := info.TES()
		patchID := loadArg(r, &io.stage.args, ArgPatchID, 0)
		if tessLevelMask&v.Slot.Bit() != 0 {
			inner := uint32(0)
			if v.Slot == nir.SlotTessLevelInner {
				inner = 16
			}
			return io.ring(nir.OpLoadRing, nir.RingHSTessFactor, in, io.offset(nir.NoValue, patchID, 32, inner)), true
		}
		mask, patchMask := io.producerMask(false), io.producerMask(true)&^tessLevelMask
		outStride := bitCount(mask) * 16
		patchStride := tes.TCSVerticesOut*outStride + bitCount(patchMask)*16
		base := r.ALU(nir.OpIMul, 32, nowrap, patchID, r.Const32(patchStride))
		if v.PerPatch {
			off := io.offset(base, nir.NoValue, 0, tes.TCSVerticesOut*outStride+slotRank(patchMask, v.Slot)*16)
			return io.ring(nir.OpLoadRing, nir.RingHSOffchip, in, off), true
		}
		if in.Op != nir.OpLoadPerVertexInput {
			return nir.NoValue, false
		}
		off := io.offset(base, r.Map(in.Srcs[0]), outStride, slotRank(mask, v.Slot)*16)
		return io.ring(nir.OpLoadRing, nir.RingHSOffchip, in, off), true

	case nir.StageGeometry:
		if in.Op != nir.OpLoadPerVertexInput {
			return nir.NoValue, false
		}
		mask := io.producerMask(false)
		off := io.offset(nir.NoValue, r.Map(in.Srcs[0]), bitCount(mask)*16, slotRank(mask, v.Slot)*16)
		return io.ring(nir.OpLoadRing, nir.RingESGS, in, off), true

	case nir.StageFragment:
		fs := info.FS()
		c := copyInstr(r, in)
		if v.PerPrimitive {
			c.Base = fs.NumInterp + slotRank(fs.PerPrimInputMask, v.Slot)
		} else {
			c.Base = slotRank(fs.InputSlotMask, v.Slot)
		}
		if !v.PerPrimitive && v.Interp != nir.InterpFlat && v.Interp != nir.InterpExplicit {
			mode := nir.BaryPerspCenter
			switch {
			case v.Interp == nir.InterpNoPerspective && v.Sampling == nir.SamplingSample:
				mode = nir.BaryLinearSample
			case v.Interp == nir.InterpNoPerspective && v.Sampling == nir.SamplingCentroid:
				mode = nir.BaryLinearCentroid
			case v.Interp == nir.InterpNoPerspective:
				mode = nir.BaryLinearCenter
			case v.Sampling == nir.SamplingSample:
				mode = nir.BaryPerspSample
			case v.Sampling == nir.SamplingCentroid:
				mode = nir.BaryPerspCentroid
			}
			if io.stage.args.Find(ArgBarycentric, uint8(mode)) < 0 {
				mode = nir.BaryPerspCenter
			}
			c.Srcs = append(c.Srcs, loadArg(r, &io.stage.args, ArgBarycentric, uint8(mode)))
		}
		return r.Emit(c), true
	}
	return nir.NoValue, false
}

func (io *ioLowering) output(v nir.Variable, in *nir.Instr) (nir.Value, bool) {
	r, info := io.r, io.info()
	role := outputRole(info)
	// Only tess-ctrl outputs live in memory that can be read back.
	if in.Op == nir.OpLoadOutput && role != ioRoleTCS {
		return r.Undef(in.BitSize, in.Comps), true
	}
	switch role {
	case ioRoleExport:
		io.storeExport(v, in)
		return nir.NoValue, true

	case ioRoleLS:
		stride := bitCount(info.OutputMask) * 16
		addr := io.offset(nir.NoValue, loadArg(r, &io.stage.args, ArgRelAutoID, 0), stride, slotRank(info.OutputMask, v.Slot)*16)
		r.Emit(nir.Instr{Op: nir.OpStoreShared, Srcs: []nir.Value{addr, r.Map(in.Srcs[0])}, BitSize: in.BitSize, Comps: in.Comps, Var: -1})
		return nir.NoValue, true

	case ioRoleES:
		io.ring(nir.OpStoreRing, nir.RingESGS, in, r.Map(in.Srcs[0]), r.Const32(slotRank(info.OutputMask, v.Slot)*16))
		return nir.NoValue, true

	case ioRoleTCS:
		return io.tcsOutput(v, in), true

	case ioRoleLegacyGS:
		off := slotRank(info.OutputMask, v.Slot) * 16 * max(info.GS().VerticesOut, 1)
		io.ring(nir.OpStoreRing, nir.RingGSVS, in, r.Map(in.Srcs[0]), r.Const32(off))
		return nir.NoValue, true

	case ioRoleFragment:
		switch {
		case v.Slot >= nir.FragResultData0 && v.Slot < nir.FragResultMax:
			io.export(nir.ExportMRT0+uint32(v.Slot-nir.FragResultData0), 0, in, r.Map(in.Srcs[0]))
		case v.Slot == nir.FragResultDepth || v.Slot == nir.FragResultStencil || v.Slot == nir.FragResultSampleMask:
			io.export(nir.ExportMRTZ, uint32(v.Slot), in, r.Map(in.Srcs[0]))
		}
		return nir.NoValue, true
	}
	return nir.NoValue, false
}

// exportForcedRate writes the forced shading rate argument to the position
// export the primitive shading rate output uses.
func (io *ioLowering) exportForcedRate(b emitter) {
	target, comp, _ := posExport(nir.SlotPrimitiveShadingRate)
	rate := loadArg(b, &io.stage.args, ArgForceVRSRates, 0)
	b.Emit(nir.Instr{Op: nir.OpExport, Base: target, Range: comp, Srcs: []nir.Value{rate}, BitSize: 32, Comps: 1, Var: -1})
}

// lowerIO turns varying loads and stores into exports, ring accesses and
// LDS accesses according to the hardware stage the logical stage runs as.
func lowerIO(l *lowerState) bool {
	s := l.stage.nir
	info := &l.stage.info
	io := ioLowering{lowerState: l}
	forceRate := outputRole(info) == ioRoleExport && info.ForceVRSPerVertex && info.Stage != nir.StageMesh
	count := 0
	nir.Rewrite(s, func(r *nir.Rewriter, orig nir.Value, in *nir.Instr) (nir.Value, bool) {
		// geometry exports every emitted vertex
		if forceRate && in.Op == nir.OpEmitVertex {
			io.exportForcedRate(r)
			count++
			return r.Copy(orig), true
		}
		if !in.Op.UsesVariable() {
			return nir.NoValue, false
		}
		io.r = r
		var v nir.Value
		var ok bool
		if in.Op.IsOutput() {
			v, ok = io.output(s.Outputs[in.Var], in)
		} else {
			v, ok = io.input(s.Inputs[in.Var], in)
		}
		if ok {
			count++
		}
		return v, ok
	})

	if outputRole(info) == ioRoleExport && info.Out.ExportPrimID && info.Out.ParamOffset[nir.SlotPrimitiveID] != paramUndefined {
		b := nir.Append(s)
		kind := ArgVSPrimID
		if info.Stage == nir.StageTessEval {
			kind = ArgPatchID
		}
		id := loadArg(b, &l.stage.args, kind, 0)
		b.Emit(nir.Instr{Op: nir.OpExport, Base: nir.ExportParam0 + uint32(info.Out.ParamOffset[nir.SlotPrimitiveID]),
			Srcs: []nir.Value{id}, BitSize: 32, Comps: 1, Var: -1})
		count++
	}
	if forceRate && info.Stage != nir.StageGeometry {
		io.exportForcedRate(nir.Append(s))
		count++
	}
	if count == 0 {
		return false
	}
	nir.RemoveDeadCode(s)
	return true
}
