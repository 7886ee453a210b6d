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
	"fmt"
	"testing"

	"goarrg.com/rhi/radv/nir"
)

func nggFootprint(info NGGInfo) uint32 {
	return info.ESGSRingSize/4 + info.NGGEmitSize
}

func checkNGG(t *testing.T, in nggInput) {
	t.Helper()
	info, wg := computeNGGInfo(in)
	again, wgAgain := computeNGGInfo(in)
	if info != again || wg != wgAgain {
		t.Fatalf("computeNGGInfo is not deterministic for %+v", in)
	}
	if fp := nggFootprint(info); fp > nggMaxLDSDwords {
		t.Errorf("%+v: LDS footprint %d dwords exceeds %d", in, fp, nggMaxLDSDwords)
	}
	if info.ESVertsPerSubgroup < in.vertsPerPrim {
		t.Errorf("%+v: %d vertices cannot hold one primitive", in, info.ESVertsPerSubgroup)
	}
	if info.GSPrimsPerSubgroup < 1 {
		t.Errorf("%+v: no primitives per subgroup", in)
	}
	if wg == 0 || wg > 256 {
		t.Errorf("%+v: workgroup size %d out of range", in, wg)
	}
	if in.hasGS && info.PrimAmpFactor != in.gsVerticesOut {
		t.Errorf("%+v: PrimAmpFactor = %d", in, info.PrimAmpFactor)
	}
}

func TestNGGSizing(t *testing.T) {
	gfxs := []struct {
		gfx   GfxLevel
		quirk bool
	}{{GFX10, true}, {GFX10_3, false}, {GFX11, false}}

	for _, g := range gfxs {
		for _, wave := range []uint32{32, 64} {
			t.Run(fmt.Sprintf("%s-w%d", g.gfx, wave), func(t *testing.T) {
				for _, vpp := range []uint32{1, 2, 3} {
					for _, esDwords := range []uint32{0, 1, 17} {
						checkNGG(t, nggInput{
							gfx: g.gfx, vertexQuirk: g.quirk, waveSize: wave,
							vertsPerPrim: vpp, esVertexDwords: esDwords,
						})
					}
					for _, out := range []uint32{1, 4, 16} {
						for _, invocations := range []uint32{1, 2} {
							for _, gsDwords := range []uint32{4, 16} {
								for _, esDwords := range []uint32{4, 32, 64} {
									checkNGG(t, nggInput{
										gfx: g.gfx, vertexQuirk: g.quirk, waveSize: wave,
										vertsPerPrim: vpp, hasGS: true,
										gsVerticesOut: out, gsInvocations: invocations,
										esVertexDwords: esDwords, gsVertexDwords: gsDwords,
									})
								}
							}
						}
					}
				}
			})
		}
	}
}

func TestNGGSizingValues(t *testing.T) {
	info, wg := computeNGGInfo(nggInput{gfx: GFX10_3, waveSize: 32, vertsPerPrim: 3})
	if info.ESVertsPerSubgroup != 128 || info.GSPrimsPerSubgroup != 128 || wg != 128 {
		t.Errorf("Passthrough sizing = %d verts, %d prims, wg %d, want 128, 128, 128",
			info.ESVertsPerSubgroup, info.GSPrimsPerSubgroup, wg)
	}
	if info.HWMaxESVerts != 128 || info.PrimAmpFactor != 1 || info.MaxOutVerts != 128 {
		t.Errorf("HWMaxESVerts = %d, PrimAmpFactor = %d, MaxOutVerts = %d", info.HWMaxESVerts, info.PrimAmpFactor, info.MaxOutVerts)
	}

	quirk, _ := computeNGGInfo(nggInput{gfx: GFX10, vertexQuirk: true, waveSize: 32, vertsPerPrim: 3})
	if quirk.HWMaxESVerts != quirk.ESVertsPerSubgroup-2 {
		t.Errorf("HWMaxESVerts = %d, want %d", quirk.HWMaxESVerts, quirk.ESVertsPerSubgroup-2)
	}

	huge, wg := computeNGGInfo(nggInput{
		gfx: GFX10_3, waveSize: 64, vertsPerPrim: 3, hasGS: true,
		gsVerticesOut: 256, gsInvocations: 2, esVertexDwords: 4, gsVertexDwords: 4,
	})
	if !huge.MaxVertOutPerGSInst || huge.GSPrimsPerSubgroup != 1 || huge.MaxOutVerts != 256 {
		t.Errorf("Expected one GS instance per subgroup: %+v", huge)
	}
	if wg != 256 {
		t.Errorf("Workgroup size = %d, want 256", wg)
	}
}

func TestSizeNGGSharesInfo(t *testing.T) {
	props := testProps(GFX10_3)
	key := PipelineKey{GfxLevel: GFX10_3, Flags: KeyUseNGG, Topology: nir.PrimitiveTriangles}

	es := newShaderInfo(nir.StageVertex, nir.StageGeometry)
	es.WaveSize = 32
	es.NumLinkedOutputs = 2
	gs := newShaderInfo(nir.StageGeometry, nir.StageFragment)
	gs.WaveSize = 32
	gs.GS().VerticesIn = 3
	gs.GS().InputPrim = nir.PrimitiveTriangles
	gs.GS().VerticesOut = 4
	gs.GS().Invocations = 1
	gs.GS().GSVSVertexSize = 32

	sizeNGG(props, &key, &es, &gs)
	if es.NGG != gs.NGG || es.WorkgroupSize != gs.WorkgroupSize {
		t.Fatalf("ES and GS disagree: %+v wg %d, %+v wg %d", es.NGG, es.WorkgroupSize, gs.NGG, gs.WorkgroupSize)
	}
	want, wg := computeNGGInfo(nggInput{
		gfx: GFX10_3, waveSize: 32, vertsPerPrim: 3, hasGS: true,
		gsVerticesOut: 4, gsInvocations: 1, esVertexDwords: 8, gsVertexDwords: 8,
	})
	if gs.NGG != want || gs.WorkgroupSize != wg {
		t.Errorf("sizeNGG = %+v wg %d, want %+v wg %d", gs.NGG, gs.WorkgroupSize, want, wg)
	}
}

func TestSizeNGGPrimitiveID(t *testing.T) {
	props := testProps(GFX11)
	key := PipelineKey{GfxLevel: GFX11, Flags: KeyUseNGG, Topology: nir.PrimitiveTriangles}
	vs := newShaderInfo(nir.StageVertex, nir.StageFragment)
	vs.WaveSize = 32
	vs.Out.ExportPrimID = true

	sizeNGG(props, &key, &vs, nil)
	if vs.NGG.ESGSRingSize == 0 {
		t.Errorf("Primitive id export needs an LDS slot per vertex")
	}
}

func TestSizeMeshNGG(t *testing.T) {
	mesh := newShaderInfo(nir.StageMesh, nir.StageFragment)
	mesh.Mesh().Workgroup = [3]uint32{32, 1, 1}
	mesh.Mesh().MaxVertices = 64
	mesh.Mesh().MaxPrimitives = 126

	sizeMeshNGG(&mesh)
	if mesh.NGG.ESVertsPerSubgroup != 64 || mesh.NGG.GSPrimsPerSubgroup != 126 {
		t.Errorf("Mesh NGG = %+v", mesh.NGG)
	}
	if mesh.WorkgroupSize != 126 {
		t.Errorf("WorkgroupSize = %d, want 126", mesh.WorkgroupSize)
	}
}

func TestSizeLegacyGS(t *testing.T) {
	props := testProps(GFX9)
	es := newShaderInfo(nir.StageVertex, nir.StageGeometry)
	es.NumLinkedOutputs = 2
	gs := newShaderInfo(nir.StageGeometry, nir.StageFragment)
	gs.WaveSize = 64
	gs.GS().VerticesIn = 3
	gs.GS().InputPrim = nir.PrimitiveTriangles
	gs.GS().VerticesOut = 4
	gs.GS().Invocations = 1

	sizeLegacyGS(props, &es, &gs)
	want := LegacyGSInfo{
		ESVertsPerSubgroup:    190,
		GSPrimsPerSubgroup:    64,
		GSInstPrimsInSubgroup: 64,
		ESGSItemSize:          8,
		ESGSRingSize:          6144,
	}
	if gs.LegacyGS != want {
		t.Errorf("LegacyGS = %+v, want %+v", gs.LegacyGS, want)
	}
	if es.LegacyGS != gs.LegacyGS {
		t.Errorf("ES and GS disagree")
	}
	if gs.WorkgroupSize != 190 || es.WorkgroupSize != 190 {
		t.Errorf("WorkgroupSize = %d/%d, want 190", es.WorkgroupSize, gs.WorkgroupSize)
	}
}

func TestTessNumPatches(t *testing.T) {
	tests := []struct {
		gfx                           GfxLevel
		inVerts, outVerts             uint32
		inputs, outputs, patchOutputs uint32
		want                          uint32
	}{
		{GFX10_3, 3, 3, 2, 2, 1, 40},
		{GFX6, 3, 3, 2, 2, 1, 21},
		{GFX10_3, 32, 3, 2, 2, 1, 8},
		{GFX10_3, 4, 4, 0, 0, 0, 40},
		{GFX9, 32, 32, 16, 16, 4, 3},
	}
	for _, test := range tests {
		got := tessNumPatches(testProps(test.gfx), test.inVerts, test.outVerts, test.inputs, test.outputs, test.patchOutputs)
		if got != test.want {
			t.Errorf("%s in %d out %d: got %d patches, want %d", test.gfx, test.inVerts, test.outVerts, got, test.want)
		}
	}
	expectAbort(t, func() {
		tessNumPatches(testProps(GFX10_3), 0, 3, 1, 1, 0)
	})
}

func TestSizeTessDynamicControlPoints(t *testing.T) {
	props := testProps(GFX10_3)
	key := PipelineKey{GfxLevel: GFX10_3}

	vs := newShaderInfo(nir.StageVertex, nir.StageTessCtrl)
	tcs := newShaderInfo(nir.StageTessCtrl, nir.StageTessEval)
	tcs.TCS().TCSVerticesOut = 3
	tcs.NumLinkedInputs = 2
	tcs.NumLinkedOutputs = 2
	tcs.NumLinkedPatchOutputs = 1
	tes := newShaderInfo(nir.StageTessEval, nir.StageFragment)

	sizeTess(props, &key, &vs, &tcs, &tes)
	if tcs.TCS().TessInputVertices != 32 {
		t.Errorf("TessInputVertices = %d, want 32", tcs.TCS().TessInputVertices)
	}
	if tcs.TCS().NumPatches != 8 || tes.TES().NumPatches != 8 {
		t.Errorf("NumPatches = %d/%d, want 8", tcs.TCS().NumPatches, tes.TES().NumPatches)
	}
	if tcs.TCS().LDSSize != 9088 {
		t.Errorf("LDSSize = %d, want 9088", tcs.TCS().LDSSize)
	}
	if tcs.WorkgroupSize != 256 || vs.WorkgroupSize != 256 {
		t.Errorf("WorkgroupSize = %d/%d, want 256", vs.WorkgroupSize, tcs.WorkgroupSize)
	}
}
