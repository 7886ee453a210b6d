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
	"goarrg.com/gmath"
	"goarrg.com/rhi/radv/internal/util"
	"goarrg.com/rhi/radv/nir"
)

const (
	// nggMaxLDSDwords leaves room for other stages competing for LDS.
	nggMaxLDSDwords    = 8*1024 - 768
	nggMaxRefineLoops  = 32
	legacyGSMaxLDS     = 8 * 1024
	legacyGSMaxOutPrim = 32 * 1024
	legacyGSMaxESVerts = 255
	legacyGSIdealPrims = 64
	tessMaxPatches     = 40
)

// nggInput is everything the subgroup sizing depends on.
type nggInput struct {
	gfx         GfxLevel
	vertexQuirk bool
	waveSize    uint32

	vertsPerPrim uint32
	adjacency    bool

	hasGS         bool
	gsVerticesOut uint32
	gsInvocations uint32

	// esVertexDwords is the LDS cost of one ES vertex, gsVertexDwords of one
	// emitted GS vertex without the primitive flags dword.
	esVertexDwords uint32
	gsVertexDwords uint32
}

func clampGSPrimsToESVerts(gsprims, esverts, minVertsPerPrim uint32, adjacency bool) uint32 {
	maxReuse := esverts - minVertsPerPrim
	if adjacency {
		maxReuse /= 2
	}
	return min(gsprims, 1+maxReuse)
}

func nggWorkgroupSize(esverts, gsInstPrims, maxVtxOut, primAmpFactor uint32) uint32 {
	maxVtxIn := esverts
	if esverts >= 256 {
		maxVtxIn = 3 * gsInstPrims
	}
	maxPrimOut := gsInstPrims * primAmpFactor
	return min(max(maxVtxIn, maxVtxOut, maxPrimOut, gsInstPrims, 1), 256)
}

// computeNGGInfo sizes an NGG subgroup, trading LDS use against the number
// of vertices and primitives per subgroup. The refinement loop runs until
// rounding to the wave size no longer changes anything.
func computeNGGInfo(in nggInput) (NGGInfo, uint32) {
	vpp := in.vertsPerPrim
	minVertsPerPrim := uint32(1)
	invocations := max(in.gsInvocations, 1)
	if in.hasGS {
		minVertsPerPrim = vpp
	}

	minESVerts := uint32(24)
	switch {
	case in.gfx >= GFX11:
		minESVerts = 3
	case in.gfx >= GFX10_3:
		minESVerts = 29
	}
	floorESVerts := func(esverts uint32) uint32 {
		if in.vertexQuirk {
			return max(esverts, minESVerts-1+vpp)
		}
		return max(esverts, minESVerts)
	}

	maxVertOutPerGSInst := false
	maxESVertsBase := min(uint32(128), 251+vpp-1)
	maxGSPrimsBase := uint32(128)
	esvertLDS, gsprimLDS := in.esVertexDwords, uint32(0)

	if in.hasGS {
		maxOutVertsPerGSPrim := in.gsVerticesOut * invocations
		if maxOutVertsPerGSPrim <= 256 {
			if maxOutVertsPerGSPrim > 0 {
				maxGSPrimsBase = min(maxGSPrimsBase, 256/maxOutVertsPerGSPrim)
			}
		} else {
			// every GS instance gets its own subgroup
			maxVertOutPerGSInst = true
			maxGSPrimsBase = 1
			maxOutVertsPerGSPrim = in.gsVerticesOut
		}
		gsprimLDS = (in.gsVertexDwords + 1) * maxOutVertsPerGSPrim
	}

	gsprims, esverts := maxGSPrimsBase, maxESVertsBase
	if esvertLDS > 0 {
		esverts = min(esverts, nggMaxLDSDwords/esvertLDS)
	}
	if gsprimLDS > 0 {
		gsprims = min(gsprims, nggMaxLDSDwords/gsprimLDS)
	}
	esverts = min(esverts, gsprims*vpp)
	gsprims = clampGSPrimsToESVerts(gsprims, esverts, minVertsPerPrim, in.adjacency)

	if esvertLDS > 0 || gsprimLDS > 0 {
		if total := esverts*esvertLDS + gsprims*gsprimLDS; total > nggMaxLDSDwords {
			esverts = esverts * nggMaxLDSDwords / total
			gsprims = gsprims * nggMaxLDSDwords / total
			esverts = min(esverts, gsprims*vpp)
			gsprims = clampGSPrimsToESVerts(gsprims, esverts, minVertsPerPrim, in.adjacency)
		}
	}
	if esverts < vpp || gsprims < 1 {
		abort("NGG sizing failed: esverts %d gsprims %d for %+v", esverts, gsprims, in)
	}

	if !maxVertOutPerGSInst {
		for i := 0; ; i++ {
			if i == nggMaxRefineLoops {
				abort("NGG sizing did not converge for %+v", in)
			}
			prevESVerts, prevGSPrims := esverts, gsprims

			esverts = min(util.AlignUp(esverts, in.waveSize), maxESVertsBase)
			if esvertLDS > 0 {
				esverts = min(esverts, (nggMaxLDSDwords-gsprims*gsprimLDS)/esvertLDS)
			}
			esverts = floorESVerts(min(esverts, gsprims*vpp))

			gsprims = min(util.AlignUp(gsprims, in.waveSize), maxGSPrimsBase)
			if gsprimLDS > 0 {
				usable := min(esverts, gsprims*vpp)
				gsprims = min(gsprims, (nggMaxLDSDwords-usable*esvertLDS)/gsprimLDS)
			}
			gsprims = clampGSPrimsToESVerts(gsprims, esverts, minVertsPerPrim, in.adjacency)

			if prevESVerts == esverts && prevGSPrims == gsprims {
				break
			}
		}
	} else {
		esverts = floorESVerts(esverts)
	}

	maxOutVerts := esverts
	switch {
	case maxVertOutPerGSInst:
		maxOutVerts = in.gsVerticesOut
	case in.hasGS:
		maxOutVerts = gsprims * invocations * in.gsVerticesOut
	}

	primAmpFactor := uint32(1)
	if in.hasGS {
		primAmpFactor = in.gsVerticesOut
	}

	info := NGGInfo{
		ESVertsPerSubgroup:    esverts,
		GSPrimsPerSubgroup:    gsprims,
		HWMaxESVerts:          esverts,
		MaxGSPrimsPerSubgroup: gsprims,
		MaxOutVerts:           maxOutVerts,
		PrimAmpFactor:         primAmpFactor,
		MaxVertOutPerGSInst:   maxVertOutPerGSInst,
		ESGSRingSize:          min(esverts, gsprims*vpp) * esvertLDS * 4,
		NGGEmitSize:           gsprims * gsprimLDS,
	}
	// The geometry engine checks the vertex budget only after allocating a
	// full primitive.
	if in.vertexQuirk {
		info.HWMaxESVerts = esverts - vpp + 1
	}
	return info, nggWorkgroupSize(esverts, gsprims*invocations, maxOutVerts, primAmpFactor)
}

// numInputVertices is the worst case number of vertices per input primitive.
func numInputVertices(es, gs *ShaderInfo) uint32 {
	if gs != nil {
		return gs.GS().VerticesIn
	}
	if es.Stage == nir.StageTessEval {
		tes := es.TES()
		switch {
		case tes.PointMode:
			return 1
		case tes.Primitive == nir.TessPrimitiveIsolines:
			return 2
		}
		return 3
	}
	return 3
}

func inputUsesAdjacency(key *PipelineKey, es, gs *ShaderInfo) bool {
	prim := key.Topology
	if gs != nil {
		prim = gs.GS().InputPrim
	} else if es.Stage != nir.StageVertex || hasBits(key.DynamicStates, DynamicStatePrimitiveTopology) {
		return false
	}
	return prim == nir.PrimitiveLinesAdjacency || prim == nir.PrimitiveTrianglesAdjacency
}

// sizeNGG computes the NGG info of an ES/GS pair, gs is nil without a
// geometry stage. Both halves receive the same info and workgroup size.
func sizeNGG(props *Properties, key *PipelineKey, es, gs *ShaderInfo) {
	in := nggInput{
		gfx:          props.GfxLevel,
		vertexQuirk:  props.HasNGGVertexQuirk,
		waveSize:     es.WaveSize,
		vertsPerPrim: numInputVertices(es, gs),
		adjacency:    inputUsesAdjacency(key, es, gs),
	}
	if gs != nil {
		in.waveSize = gs.WaveSize
		in.hasGS = true
		in.gsVerticesOut = gs.GS().VerticesOut
		in.gsInvocations = gs.GS().Invocations
		in.esVertexDwords = es.NumLinkedOutputs * 4
		in.gsVertexDwords = gs.GS().GSVSVertexSize / 4
	} else {
		if es.HasStreamout {
			in.esVertexDwords = 4*es.NumLinkedOutputs + 1
		}
		// The provoking vertex thread receives the primitive ID through LDS.
		if es.Stage == nir.StageVertex && es.Out.ExportPrimID {
			in.esVertexDwords = max(in.esVertexDwords, 1)
		}
	}

	info, wg := computeNGGInfo(in)
	es.NGG, es.WorkgroupSize = info, wg
	if gs != nil {
		gs.NGG, gs.WorkgroupSize = info, wg
	}
	instance.logger.VPrintf("NGG: esverts=%d gsprims=%d outverts=%d amp=%d wg=%d", info.ESVertsPerSubgroup,
		info.GSPrimsPerSubgroup, info.MaxOutVerts, info.PrimAmpFactor, wg)
}

// sizeMeshNGG sizes a mesh shader subgroup from its declared limits.
func sizeMeshNGG(mesh *ShaderInfo) {
	m := mesh.Mesh()
	wg := m.Workgroup[0] * m.Workgroup[1] * m.Workgroup[2]
	mesh.NGG = NGGInfo{
		ESVertsPerSubgroup:    m.MaxVertices,
		HWMaxESVerts:          m.MaxVertices,
		GSPrimsPerSubgroup:    m.MaxPrimitives,
		MaxGSPrimsPerSubgroup: m.MaxPrimitives,
		MaxOutVerts:           m.MaxVertices,
		PrimAmpFactor:         1,
	}
	mesh.WorkgroupSize = min(max(wg, m.MaxVertices, m.MaxPrimitives, 1), 256)
}

// sizeLegacyGS computes the on-chip ES/GS ring partition of a geometry
// stage without NGG.
func sizeLegacyGS(props *Properties, es, gs *ShaderInfo) {
	g := gs.GS()
	invocations := max(g.Invocations, 1)
	adjacency := g.InputPrim == nir.PrimitiveLinesAdjacency || g.InputPrim == nir.PrimitiveTrianglesAdjacency
	itemDwords := es.NumLinkedOutputs * 4

	maxGSPrims := uint32(255)
	if adjacency || invocations > 1 {
		maxGSPrims = 127 / invocations
	}
	if g.VerticesOut > 0 {
		maxGSPrims = min(maxGSPrims, legacyGSMaxOutPrim/(g.VerticesOut*invocations))
	}
	if maxGSPrims == 0 {
		abort("Geometry stage with %d invocations cannot fit a primitive", invocations)
	}

	// Vertices of adjacency primitives are only partially reused.
	minESVerts := g.VerticesIn
	if adjacency {
		minESVerts /= 2
	}
	gsPrims := min(uint32(legacyGSIdealPrims), maxGSPrims)
	worstCaseESVerts := min(minESVerts*gsPrims, legacyGSMaxESVerts)
	ldsSize := itemDwords * worstCaseESVerts
	if ldsSize > legacyGSMaxLDS {
		gsPrims = min(legacyGSMaxLDS/(itemDwords*minESVerts), maxGSPrims)
		worstCaseESVerts = min(minESVerts*gsPrims, legacyGSMaxESVerts)
		ldsSize = itemDwords * worstCaseESVerts
	}

	esVerts := uint32(legacyGSMaxESVerts)
	if ldsSize > 0 {
		esVerts = min(ldsSize/itemDwords, legacyGSMaxESVerts)
	}
	// Make room for a full primitive past the limit.
	esVerts -= g.VerticesIn - 1

	gs.LegacyGS = LegacyGSInfo{
		ESVertsPerSubgroup:    esVerts,
		GSPrimsPerSubgroup:    gsPrims,
		GSInstPrimsInSubgroup: gsPrims * invocations,
		ESGSItemSize:          itemDwords,
		ESGSRingSize:          util.AlignUp(ldsSize*4, 512),
	}
	es.LegacyGS = gs.LegacyGS

	wg := gs.WaveSize
	if props.GfxLevel >= GFX9 {
		wg = min(max(esVerts, gsPrims*invocations, 1), 256)
	}
	es.WorkgroupSize, gs.WorkgroupSize = wg, wg
}

// tessNumPatches is the number of patches per LS-HS workgroup.
func tessNumPatches(props *Properties, inVerts, outVerts, numInputs, numOutputs, numPatchOutputs uint32) uint32 {
	if inVerts == 0 || outVerts == 0 {
		abort("Invalid tessellation vertex counts: in %d out %d", inVerts, outVerts)
	}
	inputPatchSize := inVerts * numInputs * 16
	outputPatchSize := outVerts*numOutputs*16 + numPatchOutputs*16

	numPatches := 64 / max(inVerts, outVerts) * 4
	if inputPatchSize+outputPatchSize > 0 {
		numPatches = min(numPatches, props.maxLDSSize()/(inputPatchSize+outputPatchSize))
	}
	if outputPatchSize > 0 {
		numPatches = min(numPatches, props.TessOffchipBlockSize*4/outputPatchSize)
	}
	numPatches = min(numPatches, tessMaxPatches)
	if props.GfxLevel == GFX6 {
		// one wave per LS-HS workgroup
		numPatches = min(numPatches, 64/max(inVerts, outVerts))
	}
	if !gmath.InRange(numPatches, 1, tessMaxPatches) {
		abort("Tessellation patch count %d out of range for in %d out %d", numPatches, inVerts, outVerts)
	}
	return numPatches
}

// sizeTess computes the patch count and LS-HS workgroup of a tessellation
// pipeline. vs may be nil when the vertex stage is not known.
func sizeTess(props *Properties, key *PipelineKey, vs, tcs, tes *ShaderInfo) {
	t := tcs.TCS()
	inVerts := key.TessPatchControlPoints
	if inVerts == 0 {
		// dynamic patch control points, assume the worst case
		inVerts = 32
	}
	t.TessInputVertices = inVerts
	t.NumPatches = tessNumPatches(props, inVerts, t.TCSVerticesOut, tcs.NumLinkedInputs, tcs.NumLinkedOutputs, tcs.NumLinkedPatchOutputs)
	t.LDSSize = t.NumPatches * (inVerts*tcs.NumLinkedInputs*16 + t.TCSVerticesOut*tcs.NumLinkedOutputs*16 + tcs.NumLinkedPatchOutputs*16)
	if tes != nil {
		tes.TES().NumPatches = t.NumPatches
		tes.TES().TCSVerticesOut = t.TCSVerticesOut
	}

	ls, hs := t.NumPatches*inVerts, t.NumPatches*t.TCSVerticesOut
	switch {
	case props.HasMergedShaders():
		tcs.WorkgroupSize = max(ls, hs)
		if vs != nil {
			vs.WorkgroupSize = tcs.WorkgroupSize
		}
	default:
		tcs.WorkgroupSize = hs
		if vs != nil {
			vs.WorkgroupSize = ls
		}
	}
}
