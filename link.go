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
	"slices"

	"goarrg.com/rhi/radv/internal/container"
	"goarrg.com/rhi/radv/nir"
)

type varyingClass struct {
	perPatch     bool
	perPrimitive bool
}

func classOf(v nir.Variable) varyingClass {
	return varyingClass{perPatch: v.PerPatch, perPrimitive: v.PerPrimitive}
}

func findInput(s *nir.Shader, slot nir.Slot, class varyingClass) int {
	return slices.IndexFunc(s.Inputs, func(v nir.Variable) bool {
		return v.Slot == slot && classOf(v) == class
	})
}

// removeStores deletes every store to the output variables in dead and then
// every instruction that only fed those stores.
func removeStores(s *nir.Shader, dead map[int32]bool) {
	uses := s.Uses()
	work := container.Stack[nir.Value]{}

	s.Walk(func(v nir.Value, in *nir.Instr) {
		if !in.Op.IsOutput() || in.Op == nir.OpLoadOutput || !dead[in.Var] {
			return
		}
		for _, src := range in.Srcs {
			if src >= 0 {
				uses[src]--
				work.Push(src)
			}
		}
		in.Remove()
	})
	for !work.Empty() {
		v := work.Pop()
		in := s.Instr(v)
		if in.Op == nir.OpNop || in.Op.HasSideEffects() || uses[v] > 0 {
			continue
		}
		for _, src := range in.Srcs {
			if src >= 0 {
				uses[src]--
				work.Push(src)
			}
		}
		in.Remove()
	}
	nir.Compact(s)
}

// removeDeadOutputs marks generic producer outputs the consumer never reads
// as dead. Transform feedback outputs, tess levels and outputs the producer
// reads back itself stay live.
func removeDeadOutputs(producer, consumer *nir.Shader) int {
	readBack := map[int32]bool{}
	producer.Walk(func(_ nir.Value, in *nir.Instr) {
		if in.Op == nir.OpLoadOutput {
			readBack[in.Var] = true
		}
	})

	dead := map[int32]bool{}
	for i := range producer.Outputs {
		v := &producer.Outputs[i]
		if v.Dead || v.AlwaysLive || v.Slot < nir.SlotVar0 || readBack[int32(i)] {
			continue
		}
		if findInput(consumer, v.Slot, classOf(*v)) < 0 {
			v.Dead = true
			dead[int32(i)] = true
		}
	}
	if len(dead) > 0 {
		removeStores(producer, dead)
	}
	return len(dead)
}

// undefUnwrittenInputs marks generic consumer inputs the producer never
// writes as dead and replaces their loads by undefined values.
func undefUnwrittenInputs(producer, consumer *nir.Shader) int {
	written := map[int32]bool{}
	for i, v := range consumer.Inputs {
		if v.Slot < nir.SlotVar0 || slices.ContainsFunc(producer.Outputs, func(o nir.Variable) bool {
			return !o.Dead && o.Slot == v.Slot && classOf(o) == classOf(v)
		}) {
			written[int32(i)] = true
		}
	}

	for i := range consumer.Inputs {
		if !written[int32(i)] {
			consumer.Inputs[i].Dead = true
		}
	}

	n := 0
	consumer.Walk(func(_ nir.Value, in *nir.Instr) {
		if in.Op.UsesVariable() && !in.Op.IsOutput() && !written[in.Var] {
			*in = nir.Instr{Op: nir.OpUndef, BitSize: in.BitSize, Comps: in.Comps, Var: -1}
			n++
		}
	})
	if n > 0 {
		nir.RemoveDeadCode(consumer)
	}
	return n
}

// compactVaryings renumbers the live generic varyings of each class to
// consecutive slots starting at SlotVar0, identically on both sides.
func compactVaryings(producer, consumer *nir.Shader) {
	slotsByClass := map[varyingClass][]nir.Slot{}
	for _, v := range producer.Outputs {
		if !v.Dead && v.Slot >= nir.SlotVar0 {
			c := classOf(v)
			if !slices.Contains(slotsByClass[c], v.Slot) {
				slotsByClass[c] = append(slotsByClass[c], v.Slot)
			}
		}
	}
	for c, slots := range slotsByClass {
		slices.Sort(slots)
		slotsByClass[c] = slots
	}

	remap := func(vars []nir.Variable) {
		for i := range vars {
			v := &vars[i]
			if v.Slot < nir.SlotVar0 {
				continue
			}
			if idx := slices.Index(slotsByClass[classOf(*v)], v.Slot); idx >= 0 {
				v.Slot = nir.SlotVar0 + nir.Slot(idx)
			}
		}
	}
	remap(producer.Outputs)
	remap(consumer.Inputs)
}

// refreshVaryingInfo recomputes the varying masks of info after linking
// rewrote the IR.
func refreshVaryingInfo(info *ShaderInfo, s *nir.Shader) {
	info.InputMask, info.OutputMask, info.PatchInputMask, info.PatchOutputMask = 0, 0, 0, 0
	info.InputUsage16Bit, info.OutputUsage16Bit = 0, 0
	s.Walk(func(_ nir.Value, in *nir.Instr) {
		if in.Op.UsesVariable() {
			gatherVarying(info, s, in)
		}
	})

	switch s.Stage {
	case nir.StageTessCtrl:
		info.TCS().OutputsWritten = info.OutputMask
		info.TCS().PatchOutputsWritten = info.PatchOutputMask
	case nir.StageGeometry:
		gs := info.GS()
		gs.GSVSVertexSize = bitCount(info.OutputMask) * 16
		gs.MaxGSVSEmitSize = gs.GSVSVertexSize * gs.VerticesOut
	case nir.StageFragment:
		fs := info.FS()
		fs.PerPrimInputMask, fs.NumPrimInterp, fs.InputSlotMask = 0, 0, 0
		fs.FlatShadedMask, fs.ExplicitShadedMask, fs.NumInterp = 0, 0, 0
		gatherFragmentInputs(fs, s)
	}
}

// mergeTessMode makes a mode declared by either tessellation stage visible to
// both, a mode declared differently by the two aborts.
func mergeTessMode[T ~uint8 | ~uint32](name string, tcs, tes *T) {
	switch {
	case *tcs != 0 && *tes != 0 && *tcs != *tes:
		abort("Tessellation %s declared differently by the tess-ctrl (%d) and tess-eval (%d) stages", name, *tcs, *tes)
	case *tcs == 0:
		*tcs = *tes
	default:
		*tes = *tcs
	}
}

func mergeTessModes(tcs *TessCtrlInfo, tes *TessEvalInfo) {
	mergeTessMode("primitive", &tcs.Primitive, &tes.Primitive)
	mergeTessMode("spacing", &tcs.Spacing, &tes.Spacing)
	mergeTessMode("winding", &tcs.Winding, &tes.Winding)
	mergeTessMode("output vertices", &tcs.TCSVerticesOut, &tes.TCSVerticesOut)
	tcs.PointMode = tcs.PointMode || tes.PointMode
	tes.PointMode = tcs.PointMode

	if tes.Primitive == nir.TessPrimitiveUnspecified {
		abort("Tessellation primitive mode is not declared by either stage")
	}
}

// linkStages links two adjacent stages, either of which may be nil when the
// other side is not known. Outputs the consumer does not read are removed,
// the remaining varyings are compacted and the info of both sides refreshed.
func linkStages(props *Properties, producer, consumer *shaderStage) {
	switch {
	case producer == nil && consumer == nil:
		return
	case producer == nil:
		consumer.info.NumLinkedInputs = bitCount(consumer.info.InputMask)
		consumer.info.NumLinkedPatchInputs = bitCount(consumer.info.PatchInputMask)
		return
	case consumer == nil:
		producer.info.NumLinkedOutputs = bitCount(producer.info.OutputMask)
		producer.info.NumLinkedPatchOutputs = bitCount(producer.info.PatchOutputMask)
		// The fragment stage is linked later, export what it might read.
		if isLastVertexStage(producer.stage, producer.info.NextStage) {
			out := &producer.info.Out
			out.ExportPrimID = (producer.stage == nir.StageVertex || producer.stage == nir.StageTessEval) &&
				!hasBits(producer.info.OutputMask, nir.SlotPrimitiveID.Bit())
			out.ExportClipDists = true
			producer.info.UsesPrimID = producer.info.UsesPrimID || out.ExportPrimID
			assignOutputParams(&producer.info, producer.nir, props.GfxLevel)
		}
		return
	}

	p, c := producer.nir, consumer.nir
	dead := removeDeadOutputs(p, c)
	undef := undefUnwrittenInputs(p, c)
	if !producer.info.HasStreamout {
		compactVaryings(p, c)
	}
	refreshVaryingInfo(&producer.info, p)
	refreshVaryingInfo(&consumer.info, c)

	if producer.stage == nir.StageTessCtrl && consumer.stage == nir.StageTessEval {
		mergeTessModes(producer.info.TCS(), consumer.info.TES())
	}

	if consumer.stage == nir.StageFragment {
		out := &producer.info.Out
		in := consumer.info.InputMask
		out.ExportPrimID = hasBits(in, nir.SlotPrimitiveID.Bit()) && !hasBits(producer.info.OutputMask, nir.SlotPrimitiveID.Bit()) &&
			(producer.stage == nir.StageVertex || producer.stage == nir.StageTessEval)
		out.ExportClipDists = in&(nir.SlotClipDist0.Bit()|nir.SlotClipDist1.Bit()) != 0
		if producer.info.Stage == nir.StageVertex || producer.info.Stage == nir.StageTessEval {
			producer.info.UsesPrimID = producer.info.UsesPrimID || out.ExportPrimID
		}
		assignOutputParams(&producer.info, p, props.GfxLevel)
	}

	linked := producer.info.OutputMask & consumer.info.InputMask
	producer.info.NumLinkedOutputs = bitCount(linked)
	consumer.info.NumLinkedInputs = bitCount(linked)
	linkedPatch := producer.info.PatchOutputMask & consumer.info.PatchInputMask
	producer.info.NumLinkedPatchOutputs = bitCount(linkedPatch)
	consumer.info.NumLinkedPatchInputs = bitCount(linkedPatch)

	instance.logger.VPrintf("Linked %s -> %s: removed %d outputs, %d undefined inputs, %d linked", producer.stage,
		consumer.stage, dead, undef, producer.info.NumLinkedOutputs)
}

// mergeShaderInfo combines the info of the two halves of a merged hardware
// stage into the second half, which becomes the info of the compiled shader.
func mergeShaderInfo(first, second *ShaderInfo) {
	second.LoadsPushConstants = second.LoadsPushConstants || first.LoadsPushConstants
	second.LoadsDynamicOffsets = second.LoadsDynamicOffsets || first.LoadsDynamicOffsets
	second.DescSetUsedMask |= first.DescSetUsedMask
	second.InlinePushConstantMask |= first.InlinePushConstantMask
	second.CanInlineAllPushConstants = second.CanInlineAllPushConstants && first.CanInlineAllPushConstants
	second.UsesViewIndex = second.UsesViewIndex || first.UsesViewIndex
	second.UsesPrimID = second.UsesPrimID || first.UsesPrimID
	second.HasNonUniformAccess = second.HasNonUniformAccess || first.HasNonUniformAccess
	second.WritesMemory = second.WritesMemory || first.WritesMemory
	second.HasBarrier = second.HasBarrier || first.HasBarrier
	second.UsesSubgroupSize = second.UsesSubgroupSize || first.UsesSubgroupSize
	second.HasStreamout = second.HasStreamout || first.HasStreamout

	second.ESType = first.Stage
	second.merged = clonePayload(first.payload)
	first.WorkgroupSize = second.WorkgroupSize
	first.WaveSize = second.WaveSize
}
