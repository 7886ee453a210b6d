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

// newGSCopyShader builds the vertex stage that runs after a legacy geometry
// stage, it reads every stream 0 vertex back from the GS-VS ring and exports
// it the way the geometry stage would have on the NGG path.
func newGSCopyShader(props *Properties, key *PipelineKey, layout *PipelineLayout, gs *shaderStage) *shaderStage {
	if gs.stage != nir.StageGeometry || gs.info.IsNGG {
		abort("GS copy shader requested for %s (ngg: %t)", gs.stage, gs.info.IsNGG)
	}

	g := gs.info.GS()
	verticesOut := max(g.VerticesOut, 1)
	b := nir.NewBuilder(nir.StageVertex, "gs_copy")
	vertex := b.SysVal(nir.OpLoadVertexID)
	vertexOffset := b.ALU(nir.OpIMul, 32, nowrap, vertex, b.Const32(16))

	forEachBit(gs.info.OutputMask, func(slot uint32) {
		i := gs.nir.OutputIndex(nir.Slot(slot), false)
		if i < 0 {
			return
		}
		v := gs.nir.Outputs[i]
		out := b.DeclareOutput(nir.Variable{
			Name:       v.Name,
			Slot:       v.Slot,
			Components: v.Components,
			BitSize:    v.BitSize,
			Interp:     v.Interp,
			Sampling:   v.Sampling,
		})
		rank := slotRank(gs.info.OutputMask, nir.Slot(slot))
		offset := b.ALU(nir.OpIAdd, 32, nowrap, vertexOffset, b.Const32(rank*16*verticesOut))
		value := b.Emit(nir.Instr{Op: nir.OpLoadRing, Set: nir.RingGSVS, Srcs: []nir.Value{offset},
			BitSize: v.BitSize, Comps: v.Components, Var: -1})
		b.StoreOutput(out, value)
	})

	s := &shaderStage{
		stage: nir.StageVertex,
		entry: b.Shader().Name,
		hash:  gs.hash,
		nir:   b.Shader(),
	}
	s.info = gatherShaderInfo(props, s.nir, key, layout, gs.info.NextStage, gs.info.ForceVRSPerVertex)
	// The parameter layout must match what the consumer was linked against.
	s.info.Out = gs.info.Out
	s.info.IsNGG = false
	s.info.WaveSize = 64
	s.args = declareArgs(props, key, &s.info, nir.StageVertex, nir.StageNone, true)

	l := lowerState{props: props, key: key, layout: layout, stage: s}
	lowerIO(&l)
	if err := s.nir.Validate(); err != nil {
		abort("GS copy shader is invalid: %s\n%s", err, nir.Print(s.nir))
	}
	g.HasCopyShader = true
	instance.logger.VPrintf("Built GS copy shader with %d outputs", len(s.nir.Outputs))
	return s
}
