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

	"goarrg.com/rhi/radv/nir"
)

const maxVectorizedComps = 4

type vecGroup struct {
	head  nir.Value
	op    nir.Op
	start uint32
	end   uint32
	comps uint8
}

type vecMember struct {
	group *vecGroup
	comp  uint32
}

// loadRange returns the constant byte range a load reads.
func loadRange(s *nir.Shader, in *nir.Instr) (uint32, uint32, bool) {
	if in.BitSize != 32 {
		return 0, 0, false
	}
	offsetSrc := in.Srcs[len(in.Srcs)-1]
	imm, ok := constValue(s, offsetSrc)
	if !ok {
		return 0, 0, false
	}
	start := uint32(imm)
	if in.Op == nir.OpLoadPushConstant {
		start += in.Base
	}
	if start%4 != 0 {
		return 0, 0, false
	}
	return start, start + uint32(in.Comps)*4, true
}

// canVectorize reports whether loads covering [start, end) may be combined
// under the robustness mode of the accessed buffer. Robust accesses are
// bounds checked per 16 byte chunk, and the strict mode checks every
// access on its own.
func canVectorize(r Robustness, start, end uint32) bool {
	switch r {
	case RobustnessDisabled:
		return true
	case RobustnessBufferAccess:
		return start/16 == (end-1)/16
	case RobustnessBufferAccess2:
		return false

	default:
		abort("Unknown Robustness: %d", r)
		return false
	}
}

func (l *lowerState) robustnessFor(op nir.Op) Robustness {
	sk := l.key.Stages[l.stage.stage]
	switch op {
	case nir.OpLoadUBO:
		return sk.UniformRobustness
	case nir.OpLoadSSBO:
		return sk.StorageRobustness
	}
	return RobustnessDisabled
}

// vectorizeLoads combines loads of adjacent constant offsets from the same
// buffer within straight line code into a single wider load.
func vectorizeLoads(l *lowerState) bool {
	s := l.stage.nir
	open := map[string]*vecGroup{}
	members := map[nir.Value]vecMember{}
	merged := 0

	s.Walk(func(v nir.Value, in *nir.Instr) {
		switch in.Op {
		case nir.OpIf, nir.OpElse, nir.OpEndIf, nir.OpLoop, nir.OpBreak, nir.OpEndLoop, nir.OpBarrier,
			nir.OpWaterfallBegin, nir.OpWaterfallEnd:
			clear(open)
			return
		case nir.OpStoreSSBO, nir.OpSSBOAtomic:
			for k, g := range open {
				if g.op == nir.OpLoadSSBO {
					delete(open, k)
				}
			}
			return
		case nir.OpLoadUBO, nir.OpLoadSSBO, nir.OpLoadPushConstant:
		default:
			return
		}

		start, end, ok := loadRange(s, in)
		if !ok || hasBits(in.Flags, nir.FlagVolatile) {
			return
		}
		key := fmt.Sprintf("%d", in.Op)
		if in.Op != nir.OpLoadPushConstant {
			key = fmt.Sprintf("%d/%d", in.Op, in.Srcs[0])
		}

		g := open[key]
		if g != nil && g.end == start && g.comps+in.Comps <= maxVectorizedComps &&
			canVectorize(l.robustnessFor(in.Op), g.start, end) {
			members[v] = vecMember{group: g, comp: uint32(g.comps)}
			g.end = end
			g.comps += in.Comps
			merged++
			return
		}
		g = &vecGroup{head: v, op: in.Op, start: start, end: end, comps: in.Comps}
		open[key] = g
		members[v] = vecMember{group: g}
	})
	if merged == 0 {
		return false
	}

	wide := map[*vecGroup]nir.Value{}
	extract := func(r *nir.Rewriter, src nir.Value, comp uint32, comps uint8) nir.Value {
		if comps == 1 {
			return r.Extract(src, comp)
		}
		values := make([]nir.Value, comps)
		for i := range values {
			values[i] = r.Extract(src, comp+uint32(i))
		}
		return r.Vec(32, values...)
	}
	nir.Rewrite(s, func(r *nir.Rewriter, v nir.Value, in *nir.Instr) (nir.Value, bool) {
		m, ok := members[v]
		if !ok || m.group.comps == in.Comps {
			return nir.NoValue, false
		}
		if m.group.head == v {
			c := copyInstr(r, in)
			c.Comps = m.group.comps
			if c.Op == nir.OpLoadPushConstant {
				c.Range = max(c.Range, m.group.end-m.group.start)
			}
			wide[m.group] = r.Emit(c)
		}
		return extract(r, wide[m.group], m.comp, in.Comps), true
	})
	instance.logger.VPrintf("Vectorized %d loads in %s", merged, l.stage.stage)
	return true
}
