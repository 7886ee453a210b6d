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
	"testing"

	"goarrg.com/rhi/radv/nir"
)

func testStage(props *Properties, s *nir.Shader, key *PipelineKey, next nir.Stage) *shaderStage {
	st := newShaderStage(ShaderStageCreateInfo{Module: s})
	st.info = gatherShaderInfo(props, st.nir, key, nil, next, false)
	return st
}

func storesTo(s *nir.Shader, v int32) int {
	n := 0
	s.Walk(func(_ nir.Value, in *nir.Instr) {
		if in.Op.IsOutput() && in.Op != nir.OpLoadOutput && in.Var == v {
			n++
		}
	})
	return n
}

func loadsFrom(s *nir.Shader, v int32) int {
	n := 0
	s.Walk(func(_ nir.Value, in *nir.Instr) {
		if in.Op.UsesVariable() && !in.Op.IsOutput() && in.Var == v {
			n++
		}
	})
	return n
}

func TestLinkCompactsVaryings(t *testing.T) {
	props := testProps(GFX10_3)
	key := PipelineKey{GfxLevel: GFX10_3, Flags: KeyUseNGG}
	vs := testStage(props, testVertexShader(3, 5, 7), &key, nir.StageFragment)
	fs := testStage(props, testFragmentShader(3, 7), &key, nir.StageNone)

	linkStages(props, vs, fs)

	if err := vs.nir.Validate(); err != nil {
		t.Fatal(err)
	}
	if err := fs.nir.Validate(); err != nil {
		t.Fatal(err)
	}

	live := map[nir.Slot]int32{}
	for i, v := range vs.nir.Outputs {
		switch {
		case v.Dead:
			if storesTo(vs.nir, int32(i)) != 0 {
				t.Errorf("Dead output %d is still stored", i)
			}
		case v.Slot >= nir.SlotVar0:
			live[v.Slot] = int32(i)
		}
	}
	if len(live) != 2 {
		t.Fatalf("Got %d live generic outputs, want 2: %s", len(live), nir.Print(vs.nir))
	}
	for _, slot := range []nir.Slot{nir.SlotVar0, nir.SlotVar0 + 1} {
		if _, ok := live[slot]; !ok {
			t.Errorf("Missing compacted output at %d", slot)
		}
		if fs.nir.InputIndex(slot, false) < 0 {
			t.Errorf("Missing compacted input at %d", slot)
		}
	}

	want := nir.SlotPos.Bit() | nir.SlotVar0.Bit() | (nir.SlotVar0 + 1).Bit()
	if vs.info.OutputMask != want {
		t.Errorf("OutputMask = %s, want %s", toHex(vs.info.OutputMask), toHex(want))
	}
	if vs.info.NumLinkedOutputs != 2 || fs.info.NumLinkedInputs != 2 {
		t.Errorf("NumLinkedOutputs = %d, NumLinkedInputs = %d, want 2", vs.info.NumLinkedOutputs, fs.info.NumLinkedInputs)
	}
	if vs.info.Out.ParamExports != 2 {
		t.Errorf("ParamExports = %d, want 2", vs.info.Out.ParamExports)
	}
	for i, slot := range []nir.Slot{nir.SlotVar0, nir.SlotVar0 + 1} {
		if got := vs.info.Out.ParamOffset[slot]; got != uint8(i) {
			t.Errorf("ParamOffset[%d] = %d, want %d", slot, got, i)
		}
	}
	if fs.info.FS().NumInterp != 2 {
		t.Errorf("NumInterp = %d, want 2", fs.info.FS().NumInterp)
	}
}

func TestLinkUndefinesUnwrittenInputs(t *testing.T) {
	props := testProps(GFX10_3)
	key := PipelineKey{GfxLevel: GFX10_3, Flags: KeyUseNGG}
	vs := testStage(props, testVertexShader(1), &key, nir.StageFragment)
	fs := testStage(props, testFragmentShader(1, 9), &key, nir.StageNone)

	linkStages(props, vs, fs)

	i := fs.nir.InputIndex(nir.SlotVar(9), false)
	if i < 0 {
		t.Fatalf("Input variable at location 9 was removed")
	}
	if !fs.nir.Inputs[i].Dead {
		t.Errorf("Unwritten input is not marked dead")
	}
	if n := loadsFrom(fs.nir, int32(i)); n != 0 {
		t.Errorf("Unwritten input is still loaded %d times", n)
	}
	if hasBits(fs.info.InputMask, nir.SlotVar(9).Bit()) {
		t.Errorf("InputMask still contains the unwritten input")
	}
	if fs.info.FS().NumInterp != 1 {
		t.Errorf("NumInterp = %d, want 1", fs.info.FS().NumInterp)
	}
	if fs.nir.InputIndex(nir.SlotVar0, false) < 0 || vs.nir.OutputIndex(nir.SlotVar0, false) < 0 {
		t.Errorf("Location 1 was not compacted to location 0 on both sides")
	}
}

func TestLinkKeepsStreamoutOutputs(t *testing.T) {
	props := testProps(GFX10_3)
	key := PipelineKey{GfxLevel: GFX10_3}

	b := nir.NewBuilder(nir.StageVertex, "vs")
	b.Modes().XfbStride[0] = 16
	v := b.LoadInput(b.Input(nir.SlotVar(0), 4))
	b.StoreOutput(b.Output(nir.SlotPos, 4), v)
	b.StoreOutput(b.DeclareOutput(nir.Variable{Slot: nir.SlotVar(4), Components: 4, BitSize: 32, AlwaysLive: true}), v)
	b.StoreOutput(b.Output(nir.SlotVar(6), 4), v)

	vs := testStage(props, b.Shader(), &key, nir.StageFragment)
	fs := testStage(props, testFragmentShader(6), &key, nir.StageNone)
	linkStages(props, vs, fs)

	xfb := vs.nir.OutputIndex(nir.SlotVar(4), false)
	if xfb < 0 || vs.nir.Outputs[xfb].Dead || storesTo(vs.nir, int32(xfb)) != 1 {
		t.Errorf("Transform feedback output was removed: %s", nir.Print(vs.nir))
	}
	if vs.nir.OutputIndex(nir.SlotVar(6), false) < 0 || fs.nir.InputIndex(nir.SlotVar(6), false) < 0 {
		t.Errorf("Varyings were compacted although transform feedback is active")
	}
}

func TestLinkUnknownConsumer(t *testing.T) {
	props := testProps(GFX10_3)
	key := PipelineKey{GfxLevel: GFX10_3, Flags: KeyUseNGG | KeyUnknownConsumer}
	vs := testStage(props, testVertexShader(2, 4), &key, nir.StageNone)

	linkStages(props, vs, nil)

	if !vs.info.Out.ExportPrimID {
		t.Errorf("Expected the primitive id to be exported for an unknown fragment stage")
	}
	if vs.info.NumLinkedOutputs != bitCount(vs.info.OutputMask) {
		t.Errorf("NumLinkedOutputs = %d, want %d", vs.info.NumLinkedOutputs, bitCount(vs.info.OutputMask))
	}
	if vs.nir.OutputIndex(nir.SlotVar(4), false) < 0 {
		t.Errorf("Outputs must keep their locations without a consumer")
	}
	if vs.info.Out.ParamOffset[nir.SlotPrimitiveID] == paramUndefined {
		t.Errorf("Primitive id has no parameter offset")
	}
}

func TestLinkUnknownProducer(t *testing.T) {
	props := testProps(GFX10_3)
	key := PipelineKey{GfxLevel: GFX10_3, Flags: KeyUnknownProducer}
	fs := testStage(props, testFragmentShader(0, 3), &key, nir.StageNone)

	linkStages(props, nil, fs)
	if fs.info.NumLinkedInputs != 2 {
		t.Errorf("NumLinkedInputs = %d, want 2", fs.info.NumLinkedInputs)
	}
	if fs.nir.InputIndex(nir.SlotVar(3), false) < 0 {
		t.Errorf("Inputs must keep their locations without a producer")
	}
}

func TestMergeTessModes(t *testing.T) {
	tcs := TessCtrlInfo{TCSVerticesOut: 3, Spacing: nir.TessSpacingEqual}
	tes := TessEvalInfo{Primitive: nir.TessPrimitiveTriangles, Winding: nir.WindingCCW, PointMode: true}
	mergeTessModes(&tcs, &tes)

	if tcs.Primitive != nir.TessPrimitiveTriangles || tes.Spacing != nir.TessSpacingEqual {
		t.Errorf("Primitive = %d, Spacing = %d", tcs.Primitive, tes.Spacing)
	}
	if tcs.Winding != nir.WindingCCW || !tcs.PointMode {
		t.Errorf("Winding = %d, PointMode = %t", tcs.Winding, tcs.PointMode)
	}
	if tes.TCSVerticesOut != 3 {
		t.Errorf("TCSVerticesOut = %d, want 3", tes.TCSVerticesOut)
	}

	expectAbort(t, func() {
		mergeTessModes(&TessCtrlInfo{Primitive: nir.TessPrimitiveQuads}, &TessEvalInfo{Primitive: nir.TessPrimitiveTriangles})
	})
	expectAbort(t, func() {
		mergeTessModes(&TessCtrlInfo{}, &TessEvalInfo{})
	})
	expectAbort(t, func() {
		mergeTessModes(&TessCtrlInfo{Primitive: nir.TessPrimitiveTriangles, TCSVerticesOut: 3},
			&TessEvalInfo{TCSVerticesOut: 4})
	})
}

func TestMergeShaderInfo(t *testing.T) {
	vs := newShaderInfo(nir.StageVertex, nir.StageGeometry)
	vs.DescSetUsedMask = 0x1
	vs.LoadsPushConstants = true
	vs.InlinePushConstantMask = 0x3
	vs.VS().InputAttribMask = 0x5

	gs := newShaderInfo(nir.StageGeometry, nir.StageFragment)
	gs.DescSetUsedMask = 0x4
	gs.WaveSize = 64
	gs.WorkgroupSize = 128

	mergeShaderInfo(&vs, &gs)
	if gs.DescSetUsedMask != 0x5 || !gs.LoadsPushConstants || gs.InlinePushConstantMask != 0x3 {
		t.Errorf("Merged info = sets %s, pc %t, inline %s", toHex(gs.DescSetUsedMask), gs.LoadsPushConstants, toHex(gs.InlinePushConstantMask))
	}
	if gs.ESType != nir.StageVertex {
		t.Errorf("ESType = %s, want Vertex", gs.ESType)
	}
	if gs.MergedVS().InputAttribMask != 0x5 {
		t.Errorf("MergedVS().InputAttribMask = %s", toHex(gs.MergedVS().InputAttribMask))
	}
	if vs.WaveSize != 64 || vs.WorkgroupSize != 128 {
		t.Errorf("First half runs with wave %d and workgroup %d", vs.WaveSize, vs.WorkgroupSize)
	}
	expectAbort(t, func() {
		gs.MergedTES()
	})
}
