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

	"goarrg.com/rhi/radv/nir"
)

const (
	// samplePositionsOffset is where the sample position table lives in the ring buffer.
	samplePositionsOffset = 0x100
	nowrap                = nir.FlagNoUnsignedWrap | nir.FlagNoSignedWrap
)

// lowerState is one logical stage being lowered along with its neighbours,
// either of which may be nil.
type lowerState struct {
	props  *Properties
	key    *PipelineKey
	layout *PipelineLayout
	stage  *shaderStage
	prev   *shaderStage
	next   *shaderStage
}

type lowerPass struct {
	name string
	run  func(l *lowerState) bool
}

// lowerPasses run in this order, later passes depend on the output of the
// earlier ones.
var lowerPasses = []lowerPass{
	{"fragment_intrinsics", lowerFragmentIntrinsics},
	{"non_uniform_access", lowerNonUniformAccess},
	{"memory_model", lowerMemoryModel},
	{"vectorize_loads", vectorizeLoads},
	{"descriptors", lowerDescriptors},
	{"io_to_memory", lowerIO},
	{"bit_size", legalizeBitSizes},
}

// lower runs every pass and returns the names of those that changed the IR.
func (l *lowerState) lower() []string {
	var progress []string
	for _, p := range lowerPasses {
		if p.run(l) {
			progress = append(progress, p.name)
		}
	}
	if err := l.stage.nir.Validate(); err != nil {
		abort("Lowering %s produced invalid IR: %s\n%s", l.stage.stage, err, nir.Print(l.stage.nir))
	}
	instance.logger.VPrintf("Lowered %s: %v", l.stage.stage, progress)
	return progress
}

// emitter is implemented by both nir.Builder and nir.Rewriter.
type emitter interface {
	Emit(nir.Instr) nir.Value
}

func loadArg(b emitter, args *ShaderArgs, kind ArgKind, index uint8) nir.Value {
	i := args.Find(kind, index)
	if i < 0 {
		abort("Argument %s[%d] was not declared", kind, index)
	}
	arg := args.Args[i]
	in := nir.Instr{Op: nir.OpLoadArg, Base: uint32(i), BitSize: 32, Comps: arg.Size, Var: -1}
	if arg.File == ArgVGPR {
		in.Flags |= nir.FlagDivergent
	}
	return b.Emit(in)
}

func loadSMEM(b emitter, addr, offset nir.Value, comps uint8) nir.Value {
	return b.Emit(nir.Instr{Op: nir.OpLoadSMEM, Srcs: []nir.Value{addr, offset}, BitSize: 32, Comps: comps, Var: -1,
		Flags: nir.FlagReorderable | nir.FlagAccessCanSpeculate})
}

// copyInstr copies in with its sources remapped.
func copyInstr(r *nir.Rewriter, in *nir.Instr) nir.Instr {
	c := *in
	c.Srcs = make([]nir.Value, len(in.Srcs))
	for i, src := range in.Srcs {
		c.Srcs[i] = r.Map(src)
	}
	c.Data = slices.Clone(in.Data)
	return c
}

// constValue returns the immediate of v if it is a constant.
func constValue(s *nir.Shader, v nir.Value) (uint64, bool) {
	if v < 0 {
		return 0, false
	}
	if in := s.Instr(v); in.Op == nir.OpConst {
		return in.Imm, true
	}
	return 0, false
}

func sampleID(r *nir.Rewriter, args *ShaderArgs, info *ShaderInfo) nir.Value {
	if !info.FS().UsesSampleShading {
		return r.Const32(0)
	}
	ancillary := loadArg(r, args, ArgAncillary, 0)
	id := r.ALU(nir.OpUShr, 32, 0, ancillary, r.Const32(8))
	return r.ALU(nir.OpIAnd, 32, 0, id, r.Const32(0xF))
}

// lowerFragmentIntrinsics turns fragment system values into loads of the
// registers they are delivered in.
func lowerFragmentIntrinsics(l *lowerState) bool {
	s := l.stage
	if s.stage != nir.StageFragment {
		return false
	}
	args := &s.args
	progress := false
	nir.Rewrite(s.nir, func(r *nir.Rewriter, _ nir.Value, in *nir.Instr) (nir.Value, bool) {
		var v nir.Value
		switch in.Op {
		case nir.OpLoadFragCoord:
			v = loadArg(r, args, ArgFragPos, 0)
		case nir.OpLoadFrontFace:
			v = loadArg(r, args, ArgFrontFace, 0)
		case nir.OpLoadSampleMaskIn:
			v = loadArg(r, args, ArgSampleCoverage, 0)
		case nir.OpLoadSampleID:
			v = sampleID(r, args, &s.info)
		case nir.OpLoadSamplePos:
			offset := r.ALU(nir.OpIMul, 32, nowrap, sampleID(r, args, &s.info), r.Const32(8))
			offset = r.ALU(nir.OpIAdd, 32, nowrap, offset, r.Const32(samplePositionsOffset))
			v = loadSMEM(r, loadArg(r, args, ArgRingOffsets, 0), offset, 2)
		case nir.OpLoadBarycentric:
			v = loadArg(r, args, ArgBarycentric, uint8(in.Binding))
		default:
			return nir.NoValue, false
		}
		progress = true
		return v, true
	})
	return progress
}

func resourceSources(in *nir.Instr) int {
	switch in.Op {
	case nir.OpImageSample:
		return 2
	}
	return 1
}

func isNonUniformResource(s *nir.Shader, in *nir.Instr) bool {
	if hasBits(in.Flags, nir.FlagNonUniform) {
		return true
	}
	for _, src := range in.Srcs[:resourceSources(in)] {
		if src >= 0 && hasBits(s.Instr(src).Flags, nir.FlagNonUniform) {
			return true
		}
	}
	return false
}

// lowerNonUniformAccess wraps memory accesses through divergent descriptors
// in a loop that handles one unique descriptor per iteration. It is skipped
// when gathering found no such access.
func lowerNonUniformAccess(l *lowerState) bool {
	s := l.stage
	if !s.info.HasNonUniformAccess {
		return false
	}
	count := 0
	nir.Rewrite(s.nir, func(r *nir.Rewriter, _ nir.Value, in *nir.Instr) (nir.Value, bool) {
		if !in.Op.IsMemoryAccess() || !isNonUniformResource(s.nir, in) {
			return nir.NoValue, false
		}
		c := copyInstr(r, in)
		r.Emit(nir.Instr{Op: nir.OpWaterfallBegin, Srcs: slices.Clone(c.Srcs[:resourceSources(in)]), Var: -1})
		for i := range resourceSources(in) {
			res := r.Shader().Instr(c.Srcs[i])
			c.Srcs[i] = r.Emit(nir.Instr{Op: nir.OpReadFirstLane, Srcs: []nir.Value{c.Srcs[i]}, BitSize: res.BitSize, Comps: res.Comps, Var: -1})
		}
		c.Flags &^= nir.FlagNonUniform
		v := r.Emit(c)
		r.Emit(nir.Instr{Op: nir.OpWaterfallEnd, Var: -1})
		count++
		return v, true
	})
	if count == 0 {
		return false
	}
	nir.CSE(s.nir)
	return true
}

// lowerMemoryModel marks which memory accesses must stay coherent and which
// may be reordered or speculated.
func lowerMemoryModel(l *lowerState) bool {
	s := l.stage
	progress := false
	s.nir.Walk(func(_ nir.Value, in *nir.Instr) {
		old := in.Flags
		switch in.Op {
		case nir.OpLoadUBO:
			in.Flags |= nir.FlagReorderable | nir.FlagAccessCanSpeculate
		case nir.OpLoadSSBO, nir.OpImageLoad, nir.OpImageSample:
			if !s.info.WritesMemory {
				in.Flags |= nir.FlagReorderable
			} else if s.info.HasBarrier {
				in.Flags |= nir.FlagCoherent
			}
		case nir.OpStoreSSBO, nir.OpSSBOAtomic, nir.OpImageStore, nir.OpImageAtomic:
			if s.info.HasBarrier {
				in.Flags |= nir.FlagCoherent
			}
		}
		progress = progress || old != in.Flags
	})
	return progress
}

// legalizeBitSizes widens sub 32-bit ALU operations the hardware cannot
// execute. On hardware with divergent-only 16-bit ALU only uniform values
// are widened, which needs divergence information computed right before.
func legalizeBitSizes(l *lowerState) bool {
	props := l.props
	if props.Has16BitALU && !props.Has16BitALUDivergentOnly {
		return false
	}
	s := l.stage.nir
	if props.Has16BitALUDivergentOnly {
		nir.AnalyzeDivergence(s)
	}

	count := 0
	nir.Rewrite(s, func(r *nir.Rewriter, _ nir.Value, in *nir.Instr) (nir.Value, bool) {
		if !in.Op.IsALU() || in.BitSize >= 32 {
			return nir.NoValue, false
		}
		if props.Has16BitALU && hasBits(in.Flags, nir.FlagDivergent) {
			return nir.NoValue, false
		}
		c := copyInstr(r, in)
		for i, src := range c.Srcs {
			c.Srcs[i] = r.Emit(nir.Instr{Op: nir.OpConvert, Srcs: []nir.Value{src}, BitSize: 32, Comps: r.Shader().Instr(src).Comps, Var: -1})
		}
		c.BitSize = 32
		wide := r.Emit(c)
		count++
		return r.Emit(nir.Instr{Op: nir.OpConvert, Srcs: []nir.Value{wide}, BitSize: in.BitSize, Comps: in.Comps, Var: -1}), true
	})
	return count > 0
}
