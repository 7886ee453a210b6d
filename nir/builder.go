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

package nir

type Builder struct {
	s *Shader
}

func NewBuilder(stage Stage, name string) *Builder {
	if stage >= StageCount {
		abort("Invalid stage: %d", stage)
	}
	return &Builder{s: &Shader{Stage: stage, Name: name}}
}

// Append returns a builder emitting at the end of an existing shader.
func Append(s *Shader) *Builder {
	return &Builder{s: s}
}

func (b *Builder) Shader() *Shader {
	return b.s
}

func (b *Builder) Modes() *ExecModes {
	return &b.s.Modes
}

func (b *Builder) Emit(in Instr) Value {
	b.s.Instrs = append(b.s.Instrs, in)
	return Value(len(b.s.Instrs) - 1)
}

func (b *Builder) emit(op Op, bits, comps uint8, srcs ...Value) Value {
	return b.Emit(Instr{Op: op, BitSize: bits, Comps: comps, Srcs: srcs, Var: -1})
}

func (b *Builder) DeclareInput(v Variable) int32 {
	v.Mode = ModeInput
	if v.Components == 0 {
		v.Components = 4
	}
	if v.BitSize == 0 {
		v.BitSize = 32
	}
	b.s.Inputs = append(b.s.Inputs, v)
	return int32(len(b.s.Inputs) - 1)
}

func (b *Builder) DeclareOutput(v Variable) int32 {
	v.Mode = ModeOutput
	if v.Components == 0 {
		v.Components = 4
	}
	if v.BitSize == 0 {
		v.BitSize = 32
	}
	b.s.Outputs = append(b.s.Outputs, v)
	return int32(len(b.s.Outputs) - 1)
}

func (b *Builder) Input(slot Slot, comps uint8) int32 {
	return b.DeclareInput(Variable{Slot: slot, Components: comps})
}

func (b *Builder) Output(slot Slot, comps uint8) int32 {
	return b.DeclareOutput(Variable{Slot: slot, Components: comps})
}

func (b *Builder) Const(bits uint8, v uint64) Value {
	return b.Emit(Instr{Op: OpConst, BitSize: bits, Comps: 1, Imm: v, Var: -1})
}

func (b *Builder) Const32(v uint32) Value {
	return b.Const(32, uint64(v))
}

func (b *Builder) Undef(bits, comps uint8) Value {
	return b.emit(OpUndef, bits, comps)
}

func (b *Builder) ALU(op Op, bits uint8, flags Flags, srcs ...Value) Value {
	v := b.emit(op, bits, 1, srcs...)
	b.s.Instrs[v].Flags = flags
	return v
}

func (b *Builder) IAdd(x, y Value) Value { return b.ALU(OpIAdd, 32, 0, x, y) }
func (b *Builder) IMul(x, y Value) Value { return b.ALU(OpIMul, 32, 0, x, y) }
func (b *Builder) FAdd(x, y Value) Value { return b.ALU(OpFAdd, 32, 0, x, y) }
func (b *Builder) FMul(x, y Value) Value { return b.ALU(OpFMul, 32, 0, x, y) }

func (b *Builder) Vec(bits uint8, comps ...Value) Value {
	return b.emit(OpVec, bits, uint8(len(comps)), comps...)
}

func (b *Builder) Extract(v Value, comp uint32) Value {
	in := b.s.Instr(v)
	e := b.emit(OpExtract, in.BitSize, 1, v)
	b.s.Instrs[e].Base = comp
	return e
}

func (b *Builder) LoadInput(v int32) Value {
	variable := b.s.Inputs[v]
	return b.Emit(Instr{Op: OpLoadInput, Var: v, BitSize: variable.BitSize, Comps: variable.Components})
}

func (b *Builder) LoadInputIndirect(v int32, offset Value) Value {
	variable := b.s.Inputs[v]
	return b.Emit(Instr{Op: OpLoadInput, Var: v, BitSize: variable.BitSize, Comps: variable.Components, Srcs: []Value{offset}, Flags: FlagIndirect})
}

func (b *Builder) LoadPerVertexInput(v int32, vertex Value) Value {
	variable := b.s.Inputs[v]
	return b.Emit(Instr{Op: OpLoadPerVertexInput, Var: v, BitSize: variable.BitSize, Comps: variable.Components, Srcs: []Value{vertex}})
}

func (b *Builder) LoadOutput(v int32, vertex Value) Value {
	variable := b.s.Outputs[v]
	return b.Emit(Instr{Op: OpLoadOutput, Var: v, BitSize: variable.BitSize, Comps: variable.Components, Srcs: []Value{vertex}})
}

func (b *Builder) StoreOutput(v int32, value Value) {
	b.Emit(Instr{Op: OpStoreOutput, Var: v, Srcs: []Value{value}, BitSize: b.s.Outputs[v].BitSize, Comps: b.s.Outputs[v].Components})
}

func (b *Builder) StoreOutputIndirect(v int32, value, offset Value) {
	b.Emit(Instr{Op: OpStoreOutput, Var: v, Srcs: []Value{value, offset}, Flags: FlagIndirect, BitSize: b.s.Outputs[v].BitSize, Comps: b.s.Outputs[v].Components})
}

func (b *Builder) StorePerVertexOutput(v int32, vertex, value Value) {
	b.Emit(Instr{Op: OpStorePerVertexOutput, Var: v, Srcs: []Value{value, vertex}, BitSize: b.s.Outputs[v].BitSize, Comps: b.s.Outputs[v].Components})
}

func (b *Builder) StorePerPrimitiveOutput(v int32, primitive, value Value) {
	b.Emit(Instr{Op: OpStorePerPrimitiveOutput, Var: v, Srcs: []Value{value, primitive}, BitSize: b.s.Outputs[v].BitSize, Comps: b.s.Outputs[v].Components})
}

// SysVal loads a system value. op must be one of the OpLoad* system value ops.
func (b *Builder) SysVal(op Op) Value {
	comps := uint8(1)
	switch op {
	case OpLoadFragCoord:
		comps = 4
	case OpLoadTessCoord, OpLoadLocalInvocationID, OpLoadWorkgroupID, OpLoadNumWorkgroups:
		comps = 3
	case OpLoadSamplePos:
		comps = 2
	case OpLoadVertexID, OpLoadInstanceID, OpLoadBaseVertex, OpLoadPrimitiveID, OpLoadInvocationID,
		OpLoadViewIndex, OpLoadLayerID, OpLoadFrontFace, OpLoadSampleID, OpLoadSampleMaskIn,
		OpLoadHelperInvocation, OpLoadShadingRate:
	default:
		abort("%s is not a system value", op)
	}
	return b.emit(op, 32, comps)
}

func (b *Builder) Barycentric(mode uint32) Value {
	v := b.emit(OpLoadBarycentric, 32, 2)
	b.s.Instrs[v].Binding = mode
	return v
}

func (b *Builder) ResourceIndex(set, binding uint32, index Value, nonUniform bool) Value {
	in := Instr{Op: OpResourceIndex, Set: set, Binding: binding, Srcs: []Value{index}, BitSize: 32, Comps: 2, Var: -1}
	if nonUniform {
		in.Flags |= FlagNonUniform
	}
	return b.Emit(in)
}

func (b *Builder) LoadUBO(res, offset Value, comps uint8) Value {
	return b.emit(OpLoadUBO, 32, comps, res, offset)
}

func (b *Builder) LoadSSBO(res, offset Value, comps uint8) Value {
	return b.emit(OpLoadSSBO, 32, comps, res, offset)
}

func (b *Builder) StoreSSBO(res, offset, value Value) {
	b.emit(OpStoreSSBO, 32, b.s.Instr(value).Comps, res, offset, value)
}

func (b *Builder) SSBOAtomic(res, offset, value Value) Value {
	return b.emit(OpSSBOAtomic, 32, 1, res, offset, value)
}

func (b *Builder) ImageLoad(res, coord Value) Value {
	return b.emit(OpImageLoad, 32, 4, res, coord)
}

func (b *Builder) ImageStore(res, coord, value Value) {
	b.emit(OpImageStore, 32, 4, res, coord, value)
}

func (b *Builder) ImageAtomic(res, coord, value Value) Value {
	return b.emit(OpImageAtomic, 32, 1, res, coord, value)
}

func (b *Builder) ImageSample(image, sampler, coord Value) Value {
	return b.emit(OpImageSample, 32, 4, image, sampler, coord)
}

// LoadPushConstant loads comps dwords at base+offset. rng is the declared
// size of the accessed member, offset may be a constant.
func (b *Builder) LoadPushConstant(base, rng uint32, offset Value, comps uint8) Value {
	return b.Emit(Instr{Op: OpLoadPushConstant, Base: base, Range: rng, Srcs: []Value{offset}, BitSize: 32, Comps: comps, Var: -1})
}

func (b *Builder) LoadShared(addr Value, comps uint8) Value {
	return b.emit(OpLoadShared, 32, comps, addr)
}

func (b *Builder) StoreShared(addr, value Value) {
	b.emit(OpStoreShared, 32, b.s.Instr(value).Comps, addr, value)
}

func (b *Builder) Discard()             { b.emit(OpDiscard, 0, 0) }
func (b *Builder) DiscardIf(cond Value) { b.emit(OpDiscardIf, 0, 0, cond) }
func (b *Builder) Demote()              { b.emit(OpDemote, 0, 0) }

func (b *Builder) EmitVertex(stream uint32) {
	v := b.emit(OpEmitVertex, 0, 0)
	b.s.Instrs[v].Base = stream
}

func (b *Builder) EndPrimitive(stream uint32) {
	v := b.emit(OpEndPrimitive, 0, 0)
	b.s.Instrs[v].Base = stream
}

func (b *Builder) SetMeshOutputs(vertices, primitives Value) {
	b.emit(OpSetMeshOutputs, 0, 0, vertices, primitives)
}

func (b *Builder) Barrier() { b.emit(OpBarrier, 0, 0) }

func (b *Builder) If(cond Value) { b.emit(OpIf, 0, 0, cond) }
func (b *Builder) Else()         { b.emit(OpElse, 0, 0) }
func (b *Builder) EndIf()        { b.emit(OpEndIf, 0, 0) }
func (b *Builder) Loop()         { b.emit(OpLoop, 0, 0) }
func (b *Builder) Break()        { b.emit(OpBreak, 0, 0) }
func (b *Builder) EndLoop()      { b.emit(OpEndLoop, 0, 0) }

// Rewriter rebuilds a shader's instruction list, remapping values so that
// passes can replace one instruction by a sequence.
type Rewriter struct {
	*Builder
	src   *Shader
	remap []Value
}

func NewRewriter(s *Shader) *Rewriter {
	dst := *s
	dst.Instrs = make([]Instr, 0, len(s.Instrs))
	remap := make([]Value, len(s.Instrs))
	for i := range remap {
		remap[i] = NoValue
	}
	return &Rewriter{Builder: &Builder{s: &dst}, src: s, remap: remap}
}

// Map returns the rewritten value for an original value.
func (r *Rewriter) Map(v Value) Value {
	if v < 0 {
		return v
	}
	m := r.remap[v]
	if m == NoValue {
		abort("Value %d used before being rewritten", v)
	}
	return m
}

// Copy copies the original instruction with remapped sources.
func (r *Rewriter) Copy(v Value) Value {
	in := r.src.Instrs[v].clone()
	for i, src := range in.Srcs {
		in.Srcs[i] = r.Map(src)
	}
	n := r.Emit(in)
	r.remap[v] = n
	return n
}

// Rewrite walks the original shader in order. f returns the replacement
// value and true when it emitted its own code, otherwise the instruction is
// copied. Removed instructions are skipped.
func Rewrite(s *Shader, f func(r *Rewriter, v Value, in *Instr) (Value, bool)) {
	r := NewRewriter(s)
	for i := range s.Instrs {
		in := &s.Instrs[i]
		if in.Op == OpNop {
			continue
		}
		if f != nil {
			if n, ok := f(r, Value(i), in); ok {
				r.remap[i] = n
				continue
			}
		}
		r.Copy(Value(i))
	}
	s.Instrs = r.s.Instrs
	s.Inputs = r.s.Inputs
	s.Outputs = r.s.Outputs
}

// Compact drops removed instructions and renumbers values.
func Compact(s *Shader) {
	Rewrite(s, nil)
}

// RemoveDeadCode removes instructions without side effects whose values are
// never used, iterating until no more can be removed.
func RemoveDeadCode(s *Shader) bool {
	progress := false
	uses := s.Uses()
	for i := len(s.Instrs) - 1; i >= 0; i-- {
		in := &s.Instrs[i]
		if in.Op == OpNop || in.Op.HasSideEffects() || uses[i] > 0 {
			continue
		}
		for _, src := range in.Srcs {
			if src >= 0 {
				uses[src]--
			}
		}
		in.Remove()
		progress = true
	}
	if progress {
		Compact(s)
	}
	return progress
}
