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

package wgsl

import (
	"math"

	"github.com/gogpu/naga/ir"

	"goarrg.com/debug"
	"goarrg.com/rhi/radv/nir"
)

// taskPayloadOffset is where the payload starts in a task ring entry, the
// mesh grid size comes first.
const taskPayloadOffset = 16

type operandKind uint8

const (
	operandValue operandKind = iota
	operandComposite
	operandPointer
)

// operand is a translated expression: an SSA value, the members of a struct
// or array value, or a pointer.
type operand struct {
	kind    operandKind
	value   nir.Value
	members []operand
	ptr     *pointer
}

func valueOperand(v nir.Value) operand {
	return operand{kind: operandValue, value: v}
}

type pointerKind uint8

const (
	// pointerRegister is a function local or private global kept in SSA values.
	pointerRegister pointerKind = iota
	pointerMemory
	pointerMeshOutput
)

type register struct {
	global bool
	index  uint32
}

type meshLevel uint8

const (
	meshRoot meshLevel = iota
	meshVertices
	meshPrimitives
	meshVertex
	meshPrimitive
	meshVertexCount
	meshPrimitiveCount
	meshAttribute
)

type pointer struct {
	kind  pointerKind
	space ir.AddressSpace
	ty    ir.TypeInner

	reg register

	// res is the buffer resource of uniform and storage pointers.
	res    nir.Value
	base   uint32
	offset nir.Value

	mesh    meshLevel
	element nir.Value
	output  int32
	perPrim bool
}

type translator struct {
	m     *ir.Module
	ep    *ir.EntryPoint
	fn    *ir.Function
	stage nir.Stage
	b     *nir.Builder

	exprs []operand
	done  []bool

	args      []operand
	registers map[register]nir.Value
	resources map[ir.GlobalVariableHandle]nir.Value
	shared    map[ir.GlobalVariableHandle]uint32
	outputs   map[[2]int]int32

	meshCounts [2]nir.Value
	depth      int
	returned   bool
}

func newTranslator(m *ir.Module, ep *ir.EntryPoint, stage nir.Stage) *translator {
	fn := &ep.Function
	return &translator{
		m:          m,
		ep:         ep,
		fn:         fn,
		stage:      stage,
		b:          nir.NewBuilder(stage, ep.Name),
		exprs:      make([]operand, len(fn.Expressions)),
		done:       make([]bool, len(fn.Expressions)),
		registers:  map[register]nir.Value{},
		resources:  map[ir.GlobalVariableHandle]nir.Value{},
		shared:     map[ir.GlobalVariableHandle]uint32{},
		outputs:    map[[2]int]int32{},
		meshCounts: [2]nir.Value{nir.NoValue, nir.NoValue},
	}
}

func unsupported(format string, args ...any) error {
	return debug.Errorf("unsupported: "+format, args...)
}

func (t *translator) typeOf(h ir.ExpressionHandle) ir.TypeInner {
	if int(h) < len(t.fn.ExpressionTypes) {
		return ir.TypeResInner(t.m, t.fn.ExpressionTypes[h])
	}
	res, err := ir.ResolveExpressionType(t.m, t.fn, h)
	if err != nil {
		return nil
	}
	return ir.TypeResInner(t.m, res)
}

func (t *translator) inner(h ir.TypeHandle) ir.TypeInner {
	return t.m.Types[h].Inner
}

func scalarOf(ty ir.TypeInner) (ir.ScalarType, uint8, bool) {
	switch ty := ty.(type) {
	case ir.ScalarType:
		return ty, 1, true
	case ir.VectorType:
		return ty.Scalar, uint8(ty.Size), true
	case ir.AtomicType:
		return ty.Scalar, 1, true
	}
	return ir.ScalarType{}, 0, false
}

func bitSize(s ir.ScalarType) uint8 {
	switch s.Kind {
	case ir.ScalarBool:
		return 1
	case ir.ScalarAbstractInt, ir.ScalarAbstractFloat:
		return 32
	}
	return s.Width * 8
}

func isFloat(s ir.ScalarType) bool {
	return s.Kind == ir.ScalarFloat || s.Kind == ir.ScalarAbstractFloat
}

func (t *translator) alu(op nir.Op, bits, comps uint8, srcs ...nir.Value) nir.Value {
	return t.b.Emit(nir.Instr{Op: op, BitSize: bits, Comps: comps, Srcs: srcs, Var: -1})
}

func (t *translator) splat(v nir.Value, bits, comps uint8) nir.Value {
	if comps == 1 {
		return v
	}
	srcs := make([]nir.Value, comps)
	for i := range srcs {
		srcs[i] = v
	}
	return t.b.Vec(bits, srcs...)
}

// components flattens a scalar or vector value into scalars.
func (t *translator) components(v nir.Value) []nir.Value {
	in := t.b.Shader().Instr(v)
	if in.Comps <= 1 {
		return []nir.Value{v}
	}
	if in.Op == nir.OpVec {
		return append([]nir.Value(nil), in.Srcs...)
	}
	comps := make([]nir.Value, in.Comps)
	for i := range comps {
		comps[i] = t.b.Extract(v, uint32(i))
	}
	return comps
}

func (t *translator) translate() error {
	modes := t.b.Modes()
	switch t.stage {
	case nir.StageCompute, nir.StageTask:
		modes.Workgroup = t.ep.Workgroup
	case nir.StageMesh:
		modes.Workgroup = t.ep.Workgroup
		if info := t.ep.MeshInfo; info != nil {
			modes.MeshMaxVertices = info.MaxVertices
			modes.MeshMaxPrimitives = info.MaxPrimitives
			switch info.Topology {
			case ir.MeshTopologyPoints:
				modes.MeshOutput = nir.PrimitivePoints
			case ir.MeshTopologyLines:
				modes.MeshOutput = nir.PrimitiveLines
			default:
				modes.MeshOutput = nir.PrimitiveTriangles
			}
		}
	case nir.StageFragment:
		if edt := t.ep.EarlyDepthTest; edt != nil {
			modes.EarlyFragmentTests = true
			switch edt.Conservative {
			case ir.ConservativeDepthGreaterEqual:
				modes.DepthLayout = nir.DepthLayoutGreater
			case ir.ConservativeDepthLessEqual:
				modes.DepthLayout = nir.DepthLayoutLess
			default:
				modes.DepthLayout = nir.DepthLayoutUnchanged
			}
		}
	}

	if err := t.declareGlobals(); err != nil {
		return err
	}
	for i, arg := range t.fn.Arguments {
		op, err := t.input(arg.Type, arg.Binding)
		if err != nil {
			return debug.ErrorWrapf(err, "argument %d %q", i, arg.Name)
		}
		t.args = append(t.args, op)
	}
	if err := t.block(t.fn.Body); err != nil {
		return err
	}
	if !t.returned && t.fn.Result != nil {
		return debug.Errorf("%q does not return a value", t.ep.Name)
	}
	return nil
}

// declareGlobals emits the resource indices of every non-arrayed binding and
// assigns shared memory.
func (t *translator) declareGlobals() error {
	var zero nir.Value = nir.NoValue
	sharedSize := uint32(0)
	for _, h := range usedGlobals(t.fn) {
		g := &t.m.GlobalVariables[h]
		switch g.Space {
		case ir.SpaceUniform, ir.SpaceStorage, ir.SpaceHandle:
			if g.Binding == nil {
				return debug.Errorf("global %q has no binding", g.Name)
			}
			if _, ok := t.inner(g.Type).(ir.BindingArrayType); ok {
				continue
			}
			if zero == nir.NoValue {
				zero = t.b.Const32(0)
			}
			t.resources[h] = t.b.ResourceIndex(g.Binding.Group, g.Binding.Binding, zero, false)
		case ir.SpaceWorkGroup:
			if t.ep.MeshInfo != nil && t.ep.MeshInfo.OutputVariable == h {
				continue
			}
			t.shared[h] = sharedSize
			sharedSize += (ir.TypeSize(t.m, g.Type) + 15) &^ 15
		case ir.SpacePushConstant, ir.SpaceImmediate:
			t.b.Modes().PushConstantSize = max(t.b.Modes().PushConstantSize, ir.TypeSize(t.m, g.Type))
		}
	}
	return nil
}

func interpolation(b *ir.LocationBinding, s ir.ScalarType) (nir.Interp, nir.Sampling) {
	if b.Interpolation == nil {
		if isFloat(s) {
			return nir.InterpSmooth, nir.SamplingCenter
		}
		return nir.InterpFlat, nir.SamplingCenter
	}
	interp := nir.InterpSmooth
	switch b.Interpolation.Kind {
	case ir.InterpolationFlat:
		interp = nir.InterpFlat
	case ir.InterpolationLinear:
		interp = nir.InterpNoPerspective
	}
	sampling := nir.SamplingCenter
	switch b.Interpolation.Sampling {
	case ir.SamplingCentroid:
		sampling = nir.SamplingCentroid
	case ir.SamplingSample:
		sampling = nir.SamplingSample
	}
	return interp, sampling
}

// input loads an entry point argument, struct arguments load every member.
func (t *translator) input(ty ir.TypeHandle, binding *ir.Binding) (operand, error) {
	if binding == nil {
		st, ok := t.inner(ty).(ir.StructType)
		if !ok {
			return operand{}, debug.Errorf("argument without binding")
		}
		op := operand{kind: operandComposite}
		for _, m := range st.Members {
			member, err := t.input(m.Type, m.Binding)
			if err != nil {
				return operand{}, debug.ErrorWrapf(err, "member %q", m.Name)
			}
			op.members = append(op.members, member)
		}
		return op, nil
	}

	switch b := (*binding).(type) {
	case ir.LocationBinding:
		s, comps, ok := scalarOf(t.inner(ty))
		if !ok {
			return operand{}, unsupported("input type %T", t.inner(ty))
		}
		v := nir.Variable{Slot: nir.SlotVar(b.Location), Components: comps, BitSize: bitSize(s)}
		if t.stage == nir.StageFragment {
			v.Interp, v.Sampling = interpolation(&b, s)
		}
		return valueOperand(t.b.LoadInput(t.b.DeclareInput(v))), nil
	case ir.BuiltinBinding:
		v, err := t.builtinInput(b.Builtin)
		return valueOperand(v), err
	}
	return operand{}, unsupported("binding %T", *binding)
}

func (t *translator) builtinInput(builtin ir.BuiltinValue) (nir.Value, error) {
	b := t.b
	switch builtin {
	case ir.BuiltinVertexIndex:
		return b.SysVal(nir.OpLoadVertexID), nil
	case ir.BuiltinInstanceIndex:
		return b.SysVal(nir.OpLoadInstanceID), nil
	case ir.BuiltinPosition:
		return b.SysVal(nir.OpLoadFragCoord), nil
	case ir.BuiltinFrontFacing:
		return b.SysVal(nir.OpLoadFrontFace), nil
	case ir.BuiltinSampleIndex:
		return b.SysVal(nir.OpLoadSampleID), nil
	case ir.BuiltinSampleMask:
		return b.SysVal(nir.OpLoadSampleMaskIn), nil
	case ir.BuiltinPrimitiveIndex:
		return b.SysVal(nir.OpLoadPrimitiveID), nil
	case ir.BuiltinViewIndex:
		return b.SysVal(nir.OpLoadViewIndex), nil
	case ir.BuiltinLocalInvocationID:
		return b.SysVal(nir.OpLoadLocalInvocationID), nil
	case ir.BuiltinWorkGroupID:
		return b.SysVal(nir.OpLoadWorkgroupID), nil
	case ir.BuiltinNumWorkGroups:
		return b.SysVal(nir.OpLoadNumWorkgroups), nil

	case ir.BuiltinGlobalInvocationID:
		wg := t.components(b.SysVal(nir.OpLoadWorkgroupID))
		lid := t.components(b.SysVal(nir.OpLoadLocalInvocationID))
		var id [3]nir.Value
		for i := range id {
			id[i] = b.IAdd(b.IMul(wg[i], b.Const32(t.ep.Workgroup[i])), lid[i])
		}
		return b.Vec(32, id[:]...), nil

	case ir.BuiltinLocalInvocationIndex:
		lid := t.components(b.SysVal(nir.OpLoadLocalInvocationID))
		size := t.ep.Workgroup
		index := b.IAdd(lid[0], b.IMul(lid[1], b.Const32(size[0])))
		return b.IAdd(index, b.IMul(lid[2], b.Const32(size[0]*size[1]))), nil

	case ir.BuiltinBarycentric:
		ij := t.components(b.Barycentric(nir.BaryPerspCenter))
		one := b.Const32(math.Float32bits(1))
		k := b.ALU(nir.OpFSub, 32, 0, b.ALU(nir.OpFSub, 32, 0, one, ij[0]), ij[1])
		return b.Vec(32, ij[0], ij[1], k), nil
	}
	return nir.NoValue, unsupported("builtin input %d in %s", builtin, t.stage)
}

// outputSlot maps a result binding to the output slot of the stage.
func (t *translator) outputSlot(binding ir.Binding) (nir.Slot, bool, error) {
	switch b := binding.(type) {
	case ir.LocationBinding:
		if t.stage == nir.StageFragment {
			if b.Location >= uint32(nir.FragResultMax-nir.FragResultData0) {
				return 0, false, debug.Errorf("fragment output location %d out of range", b.Location)
			}
			return nir.FragResultData0 + nir.Slot(b.Location), false, nil
		}
		return nir.SlotVar(b.Location), false, nil
	case ir.BuiltinBinding:
		switch b.Builtin {
		case ir.BuiltinPosition:
			return nir.SlotPos, false, nil
		case ir.BuiltinPointSize:
			return nir.SlotPointSize, false, nil
		case ir.BuiltinFragDepth:
			return nir.FragResultDepth, false, nil
		case ir.BuiltinSampleMask:
			return nir.FragResultSampleMask, false, nil
		case ir.BuiltinPrimitiveIndex:
			return nir.SlotPrimitiveID, true, nil
		case ir.BuiltinCullPrimitive:
			return nir.SlotCullPrimitive, true, nil
		case ir.BuiltinPointIndex, ir.BuiltinLineIndices, ir.BuiltinTriangleIndices:
			return nir.SlotPrimitiveIndices, true, nil
		}
		return 0, false, unsupported("builtin output %d in %s", b.Builtin, t.stage)
	}
	return 0, false, unsupported("binding %T", binding)
}

func (t *translator) output(slot nir.Slot, perPrim bool, ty ir.TypeInner, binding ir.Binding) (int32, error) {
	key := [2]int{int(slot), 0}
	if perPrim {
		key[1] = 1
	}
	if v, ok := t.outputs[key]; ok {
		return v, nil
	}
	s, comps, ok := scalarOf(ty)
	if !ok {
		return -1, unsupported("output type %T", ty)
	}
	v := nir.Variable{Slot: slot, Components: comps, BitSize: bitSize(s), PerPrimitive: perPrim}
	if lb, ok := binding.(ir.LocationBinding); ok && t.stage != nir.StageFragment {
		v.Interp, v.Sampling = interpolation(&lb, s)
	}
	if v.BitSize == 1 {
		v.BitSize = 32
	}
	out := t.b.DeclareOutput(v)
	t.outputs[key] = out
	return out, nil
}

// result stores the returned value to the outputs of the stage.
func (t *translator) result(value operand, ty ir.TypeHandle, binding *ir.Binding) error {
	if binding == nil {
		st, ok := t.inner(ty).(ir.StructType)
		if !ok || value.kind != operandComposite {
			return unsupported("result of type %T", t.inner(ty))
		}
		for i, m := range st.Members {
			if err := t.result(value.members[i], m.Type, m.Binding); err != nil {
				return debug.ErrorWrapf(err, "member %q", m.Name)
			}
		}
		return nil
	}
	if value.kind != operandValue {
		return unsupported("composite result with binding")
	}

	if bb, ok := (*binding).(ir.BuiltinBinding); ok && bb.Builtin == ir.BuiltinMeshTaskSize {
		t.b.Emit(nir.Instr{Op: nir.OpStoreRing, Set: nir.RingTaskPayload, BitSize: 32, Comps: 3,
			Srcs: []nir.Value{value.value, t.b.Const32(0)}, Var: -1})
		return nil
	}
	slot, perPrim, err := t.outputSlot(*binding)
	if err != nil {
		return err
	}
	out, err := t.output(slot, perPrim, t.inner(ty), *binding)
	if err != nil {
		return err
	}
	t.b.StoreOutput(out, value.value)
	return nil
}

func (t *translator) block(block ir.Block) error {
	for i, stmt := range block {
		if t.returned {
			logger.VPrintf("%q: skipping %d statements after return", t.ep.Name, len(block)-i)
			return nil
		}
		if err := t.statement(stmt.Kind); err != nil {
			return err
		}
	}
	return nil
}

func (t *translator) nested(f func() error) error {
	t.depth++
	err := f()
	t.depth--
	return err
}

func (t *translator) statement(stmt ir.StatementKind) error {
	b := t.b
	switch s := stmt.(type) {
	case ir.StmtEmit:
		for h := s.Range.Start; h < s.Range.End; h++ {
			if _, err := t.expr(h); err != nil {
				return err
			}
		}
	case ir.StmtBlock:
		return t.block(s.Block)

	case ir.StmtIf:
		cond, err := t.value(s.Condition)
		if err != nil {
			return err
		}
		b.If(cond)
		err = t.nested(func() error {
			if err := t.block(s.Accept); err != nil {
				return err
			}
			if len(s.Reject) > 0 {
				b.Else()
				return t.block(s.Reject)
			}
			return nil
		})
		b.EndIf()
		return err

	case ir.StmtLoop:
		b.Loop()
		err := t.nested(func() error {
			if err := t.block(s.Body); err != nil {
				return err
			}
			if err := t.block(s.Continuing); err != nil {
				return err
			}
			if s.BreakIf != nil {
				cond, err := t.value(*s.BreakIf)
				if err != nil {
					return err
				}
				b.If(cond)
				b.Break()
				b.EndIf()
			}
			return nil
		})
		b.EndLoop()
		return err
	case ir.StmtBreak:
		b.Break()
	case ir.StmtContinue:
		return unsupported("continue")

	case ir.StmtReturn:
		if t.depth > 0 {
			return unsupported("return inside control flow")
		}
		t.returned = true
		if s.Value == nil || t.fn.Result == nil {
			return nil
		}
		value, err := t.expr(*s.Value)
		if err != nil {
			return err
		}
		return t.result(value, t.fn.Result.Type, t.fn.Result.Binding)

	case ir.StmtKill:
		b.Demote()
	case ir.StmtBarrier:
		b.Barrier()

	case ir.StmtStore:
		ptr, err := t.pointer(s.Pointer)
		if err != nil {
			return err
		}
		value, err := t.value(s.Value)
		if err != nil {
			return err
		}
		return t.store(ptr, value)

	case ir.StmtImageStore:
		if s.ArrayIndex != nil {
			return unsupported("arrayed image store")
		}
		img, err := t.value(s.Image)
		if err != nil {
			return err
		}
		coord, err := t.value(s.Coordinate)
		if err != nil {
			return err
		}
		value, err := t.value(s.Value)
		if err != nil {
			return err
		}
		b.ImageStore(img, coord, value)

	case ir.StmtAtomic:
		return t.atomic(s)
	case ir.StmtCall:
		return unsupported("call of function %d that could not be inlined", s.Function)

	default:
		return unsupported("statement %T", stmt)
	}
	return nil
}

func (t *translator) atomic(s ir.StmtAtomic) error {
	ptr, err := t.pointer(s.Pointer)
	if err != nil {
		return err
	}
	if ptr.kind != pointerMemory || ptr.space != ir.SpaceStorage {
		return unsupported("atomic in address space %d", ptr.space)
	}
	value, err := t.value(s.Value)
	if err != nil {
		return err
	}
	offset := t.offset(ptr)

	var mode uint32
	switch s.Fun.(type) {
	case ir.AtomicLoad:
		t.setResult(s.Result, t.b.LoadSSBO(ptr.res, offset, 1))
		return nil
	case ir.AtomicStore:
		t.b.StoreSSBO(ptr.res, offset, value)
		return nil
	case ir.AtomicAdd:
		mode = nir.AtomicAdd
	case ir.AtomicSubtract:
		mode = nir.AtomicSub
	case ir.AtomicAnd:
		mode = nir.AtomicAnd
	case ir.AtomicExclusiveOr:
		mode = nir.AtomicXor
	case ir.AtomicInclusiveOr:
		mode = nir.AtomicOr
	case ir.AtomicMin:
		mode = nir.AtomicMin
	case ir.AtomicMax:
		mode = nir.AtomicMax
	case ir.AtomicExchange:
		if s.Fun.(ir.AtomicExchange).Compare != nil {
			return unsupported("atomic compare exchange")
		}
		mode = nir.AtomicExchange
	default:
		return unsupported("atomic %T", s.Fun)
	}
	v := t.b.Emit(nir.Instr{Op: nir.OpSSBOAtomic, BitSize: 32, Comps: 1, Binding: mode,
		Srcs: []nir.Value{ptr.res, offset, value}, Var: -1})
	t.setResult(s.Result, v)
	return nil
}

func (t *translator) setResult(h *ir.ExpressionHandle, v nir.Value) {
	if h == nil {
		return
	}
	t.exprs[*h] = valueOperand(v)
	t.done[*h] = true
}

func (t *translator) offset(p *pointer) nir.Value {
	if p.offset == nir.NoValue {
		return t.b.Const32(p.base)
	}
	if p.base == 0 {
		return p.offset
	}
	return t.b.IAdd(p.offset, t.b.Const32(p.base))
}

func (t *translator) load(p *pointer) (operand, error) {
	b := t.b
	switch p.kind {
	case pointerRegister:
		if v, ok := t.registers[p.reg]; ok {
			return valueOperand(v), nil
		}
		return t.initialValue(p)
	case pointerMeshOutput:
		return operand{}, unsupported("reading mesh outputs")
	}

	s, comps, ok := scalarOf(p.ty)
	if !ok {
		return operand{}, unsupported("load of %T through a pointer", p.ty)
	}
	if bitSize(s) != 32 {
		return operand{}, unsupported("%d bit memory load", bitSize(s))
	}
	switch p.space {
	case ir.SpaceUniform:
		return valueOperand(b.LoadUBO(p.res, t.offset(p), comps)), nil
	case ir.SpaceStorage:
		return valueOperand(b.LoadSSBO(p.res, t.offset(p), comps)), nil
	case ir.SpaceWorkGroup:
		return valueOperand(b.LoadShared(t.offset(p), comps)), nil
	case ir.SpacePushConstant, ir.SpaceImmediate:
		offset := p.offset
		if offset == nir.NoValue {
			offset = b.Const32(0)
		}
		return valueOperand(b.LoadPushConstant(p.base, uint32(comps)*4, offset, comps)), nil
	case ir.SpaceTaskPayload:
		p.base += taskPayloadOffset
		return valueOperand(b.Emit(nir.Instr{Op: nir.OpLoadRing, Set: nir.RingTaskPayload, BitSize: 32, Comps: comps,
			Srcs: []nir.Value{t.offset(p)}, Var: -1})), nil
	}
	return operand{}, unsupported("load from address space %d", p.space)
}

func (t *translator) initialValue(p *pointer) (operand, error) {
	if p.reg.global {
		g := &t.m.GlobalVariables[p.reg.index]
		if g.Init != nil {
			return t.constant(*g.Init)
		}
		return t.zero(g.Type)
	}
	local := &t.fn.LocalVars[p.reg.index]
	if local.Init != nil {
		return t.expr(*local.Init)
	}
	return t.zero(local.Type)
}

func (t *translator) store(p *pointer, value nir.Value) error {
	b := t.b
	switch p.kind {
	case pointerRegister:
		if t.depth > 0 {
			return unsupported("store to a function variable inside control flow")
		}
		t.registers[p.reg] = value
		return nil
	case pointerMeshOutput:
		return t.storeMesh(p, value)
	}

	switch p.space {
	case ir.SpaceStorage:
		b.StoreSSBO(p.res, t.offset(p), value)
	case ir.SpaceWorkGroup:
		b.StoreShared(t.offset(p), value)
	case ir.SpaceTaskPayload:
		p.base += taskPayloadOffset
		b.Emit(nir.Instr{Op: nir.OpStoreRing, Set: nir.RingTaskPayload, BitSize: 32,
			Comps: b.Shader().Instr(value).Comps, Srcs: []nir.Value{value, t.offset(p)}, Var: -1})
	default:
		return unsupported("store to address space %d", p.space)
	}
	return nil
}

func (t *translator) storeMesh(p *pointer, value nir.Value) error {
	b := t.b
	switch p.mesh {
	case meshVertexCount, meshPrimitiveCount:
		t.meshCounts[p.mesh-meshVertexCount] = value
		if t.meshCounts[0] != nir.NoValue && t.meshCounts[1] != nir.NoValue {
			b.SetMeshOutputs(t.meshCounts[0], t.meshCounts[1])
			t.meshCounts = [2]nir.Value{nir.NoValue, nir.NoValue}
		}
	case meshAttribute:
		if p.perPrim {
			b.StorePerPrimitiveOutput(p.output, p.element, value)
		} else {
			b.StorePerVertexOutput(p.output, p.element, value)
		}
	default:
		return unsupported("store of a whole mesh output")
	}
	return nil
}

func (t *translator) value(h ir.ExpressionHandle) (nir.Value, error) {
	op, err := t.expr(h)
	if err != nil {
		return nir.NoValue, err
	}
	if op.kind != operandValue {
		return nir.NoValue, unsupported("expression %d of kind %T used as a value", h, t.fn.Expressions[h].Kind)
	}
	return op.value, nil
}

func (t *translator) pointer(h ir.ExpressionHandle) (*pointer, error) {
	op, err := t.expr(h)
	if err != nil {
		return nil, err
	}
	if op.kind != operandPointer {
		return nil, debug.Errorf("expression %d is not a pointer", h)
	}
	p := *op.ptr
	return &p, nil
}

func (t *translator) expr(h ir.ExpressionHandle) (operand, error) {
	if int(h) >= len(t.fn.Expressions) {
		return operand{}, debug.Errorf("expression %d out of range", h)
	}
	if t.done[h] {
		return t.exprs[h], nil
	}
	kind := t.fn.Expressions[h].Kind
	op, err := t.translateExpr(h, kind)
	if err != nil {
		return operand{}, debug.ErrorWrapf(err, "expression %d (%T)", h, kind)
	}
	switch kind.(type) {
	case ir.Literal, ir.ExprConstant, ir.ExprZeroValue:
		// constants are emitted at each use so they dominate it
	default:
		t.exprs[h] = op
		t.done[h] = true
	}
	return op, nil
}

func (t *translator) translateExpr(h ir.ExpressionHandle, kind ir.ExpressionKind) (operand, error) {
	b := t.b
	switch e := kind.(type) {
	case ir.Literal:
		return t.literal(e.Value)
	case ir.ExprConstant:
		return t.constant(e.Constant)
	case ir.ExprZeroValue:
		return t.zero(e.Type)
	case ir.ExprFunctionArgument:
		if int(e.Index) >= len(t.args) {
			return operand{}, debug.Errorf("argument %d out of range", e.Index)
		}
		return t.args[e.Index], nil

	case ir.ExprGlobalVariable:
		return t.global(e.Variable)
	case ir.ExprLocalVariable:
		return operand{kind: operandPointer, ptr: &pointer{
			kind: pointerRegister, space: ir.SpaceFunction, reg: register{index: e.Variable},
			ty: t.inner(t.fn.LocalVars[e.Variable].Type),
		}}, nil
	case ir.ExprLoad:
		p, err := t.pointer(e.Pointer)
		if err != nil {
			return operand{}, err
		}
		return t.load(p)

	case ir.ExprAccessIndex:
		base, err := t.expr(e.Base)
		if err != nil {
			return operand{}, err
		}
		return t.accessIndex(e.Base, base, e.Index)
	case ir.ExprAccess:
		base, err := t.expr(e.Base)
		if err != nil {
			return operand{}, err
		}
		index, err := t.value(e.Index)
		if err != nil {
			return operand{}, err
		}
		return t.access(e.Base, base, index)

	case ir.ExprCompose:
		return t.compose(e)
	case ir.ExprSplat:
		v, err := t.value(e.Value)
		if err != nil {
			return operand{}, err
		}
		s, _, _ := scalarOf(t.typeOf(e.Value))
		return valueOperand(t.splat(v, bitSize(s), uint8(e.Size))), nil
	case ir.ExprSwizzle:
		v, err := t.value(e.Vector)
		if err != nil {
			return operand{}, err
		}
		comps := t.components(v)
		srcs := make([]nir.Value, e.Size)
		for i := range srcs {
			srcs[i] = comps[e.Pattern[i]]
		}
		return valueOperand(b.Vec(b.Shader().Instr(v).BitSize, srcs...)), nil

	case ir.ExprUnary:
		return t.unary(e)
	case ir.ExprBinary:
		return t.binary(e)
	case ir.ExprAs:
		v, err := t.value(e.Expr)
		if err != nil {
			return operand{}, err
		}
		src := b.Shader().Instr(v)
		if e.Convert == nil {
			return valueOperand(t.alu(nir.OpMov, src.BitSize, src.Comps, v)), nil
		}
		c := b.Emit(nir.Instr{Op: nir.OpConvert, BitSize: *e.Convert * 8, Comps: src.Comps, Imm: uint64(e.Kind), Srcs: []nir.Value{v}, Var: -1})
		return valueOperand(c), nil

	case ir.ExprImageSample:
		return t.imageSample(h, e)
	case ir.ExprImageLoad:
		if e.ArrayIndex != nil || e.Sample != nil {
			return operand{}, unsupported("arrayed or multisampled image load")
		}
		img, err := t.value(e.Image)
		if err != nil {
			return operand{}, err
		}
		coord, err := t.value(e.Coordinate)
		if err != nil {
			return operand{}, err
		}
		return valueOperand(b.ImageLoad(img, coord)), nil

	case ir.ExprAtomicResult:
		return operand{}, debug.Errorf("atomic result used before its atomic")
	}
	return operand{}, unsupported("expression %T", kind)
}

func (t *translator) literal(v ir.LiteralValue) (operand, error) {
	b := t.b
	switch v := v.(type) {
	case ir.LiteralF32:
		return valueOperand(b.Const32(math.Float32bits(float32(v)))), nil
	case ir.LiteralAbstractFloat:
		return valueOperand(b.Const32(math.Float32bits(float32(v)))), nil
	case ir.LiteralF64:
		return valueOperand(b.Const(64, math.Float64bits(float64(v)))), nil
	case ir.LiteralU32:
		return valueOperand(b.Const32(uint32(v))), nil
	case ir.LiteralI32:
		return valueOperand(b.Const32(uint32(v))), nil
	case ir.LiteralAbstractInt:
		return valueOperand(b.Const32(uint32(v))), nil
	case ir.LiteralU64:
		return valueOperand(b.Const(64, uint64(v))), nil
	case ir.LiteralI64:
		return valueOperand(b.Const(64, uint64(v))), nil
	case ir.LiteralBool:
		if v {
			return valueOperand(b.Const(1, 1)), nil
		}
		return valueOperand(b.Const(1, 0)), nil
	}
	return operand{}, unsupported("literal %T", v)
}

func (t *translator) constant(h ir.ConstantHandle) (operand, error) {
	if int(h) >= len(t.m.Constants) {
		return operand{}, debug.Errorf("constant %d out of range", h)
	}
	c := &t.m.Constants[h]
	switch v := c.Value.(type) {
	case ir.ScalarValue:
		s, _, ok := scalarOf(t.inner(c.Type))
		if !ok {
			return operand{}, debug.Errorf("scalar constant %q of type %T", c.Name, t.inner(c.Type))
		}
		bits := bitSize(s)
		imm := v.Bits
		if s.Kind == ir.ScalarAbstractFloat {
			imm = uint64(math.Float32bits(float32(math.Float64frombits(v.Bits))))
		}
		return valueOperand(t.b.Const(bits, imm)), nil
	case ir.CompositeValue:
		members := make([]operand, len(v.Components))
		for i, c := range v.Components {
			m, err := t.constant(c)
			if err != nil {
				return operand{}, err
			}
			members[i] = m
		}
		return t.composite(t.inner(c.Type), members)
	case ir.ZeroConstantValue:
		return t.zero(c.Type)
	}
	return operand{}, unsupported("constant value %T", c.Value)
}

// composite builds a vector from scalar operands or keeps the members of
// structs and arrays.
func (t *translator) composite(ty ir.TypeInner, members []operand) (operand, error) {
	vec, ok := ty.(ir.VectorType)
	if !ok {
		return operand{kind: operandComposite, members: members}, nil
	}
	var srcs []nir.Value
	for _, m := range members {
		if m.kind != operandValue {
			return operand{}, debug.Errorf("vector component is not a value")
		}
		srcs = append(srcs, t.components(m.value)...)
	}
	if len(srcs) != int(vec.Size) {
		return operand{}, debug.Errorf("vector of %d components built from %d", vec.Size, len(srcs))
	}
	return valueOperand(t.b.Vec(bitSize(vec.Scalar), srcs...)), nil
}

func (t *translator) zero(ty ir.TypeHandle) (operand, error) {
	switch inner := t.inner(ty).(type) {
	case ir.ScalarType:
		return valueOperand(t.b.Const(bitSize(inner), 0)), nil
	case ir.VectorType:
		bits := bitSize(inner.Scalar)
		return valueOperand(t.splat(t.b.Const(bits, 0), bits, uint8(inner.Size))), nil
	case ir.StructType:
		op := operand{kind: operandComposite}
		for _, m := range inner.Members {
			member, err := t.zero(m.Type)
			if err != nil {
				return operand{}, err
			}
			op.members = append(op.members, member)
		}
		return op, nil
	case ir.ArrayType:
		if inner.Size.Constant == nil {
			return operand{}, unsupported("zero value of a runtime sized array")
		}
		op := operand{kind: operandComposite}
		for range *inner.Size.Constant {
			member, err := t.zero(inner.Base)
			if err != nil {
				return operand{}, err
			}
			op.members = append(op.members, member)
		}
		return op, nil
	}
	return operand{}, unsupported("zero value of %T", t.inner(ty))
}

func (t *translator) compose(e ir.ExprCompose) (operand, error) {
	members := make([]operand, len(e.Components))
	for i, c := range e.Components {
		m, err := t.expr(c)
		if err != nil {
			return operand{}, err
		}
		members[i] = m
	}
	return t.composite(t.inner(e.Type), members)
}

func (t *translator) global(h ir.GlobalVariableHandle) (operand, error) {
	g := &t.m.GlobalVariables[h]
	ty := t.inner(g.Type)
	ptr := &pointer{kind: pointerMemory, space: g.Space, ty: ty, res: nir.NoValue, offset: nir.NoValue, element: nir.NoValue}

	if info := t.ep.MeshInfo; info != nil && info.OutputVariable == h {
		ptr.kind = pointerMeshOutput
		ptr.mesh = meshRoot
		return operand{kind: operandPointer, ptr: ptr}, nil
	}
	switch g.Space {
	case ir.SpaceHandle:
		if res, ok := t.resources[h]; ok {
			return valueOperand(res), nil
		}
		// binding arrays are indexed by an access expression
		return operand{kind: operandPointer, ptr: ptr}, nil
	case ir.SpaceUniform, ir.SpaceStorage:
		ptr.res = t.resources[h]
	case ir.SpaceWorkGroup:
		ptr.base = t.shared[h]
	case ir.SpacePrivate:
		ptr.kind = pointerRegister
		ptr.reg = register{global: true, index: uint32(h)}
	case ir.SpacePushConstant, ir.SpaceImmediate, ir.SpaceTaskPayload:
	default:
		return operand{}, unsupported("global %q in address space %d", g.Name, g.Space)
	}
	return operand{kind: operandPointer, ptr: ptr}, nil
}

// member steps a memory pointer into element or member i of its pointee.
func (t *translator) member(p *pointer, i uint32, dynamic nir.Value) error {
	var stride uint32
	switch ty := p.ty.(type) {
	case ir.StructType:
		if int(i) >= len(ty.Members) {
			return debug.Errorf("member %d out of range", i)
		}
		p.base += ty.Members[i].Offset
		p.ty = t.inner(ty.Members[i].Type)
		return nil
	case ir.ArrayType:
		stride = ty.Stride
		p.ty = t.inner(ty.Base)
	case ir.VectorType:
		stride = uint32(ty.Scalar.Width)
		p.ty = ty.Scalar
	case ir.MatrixType:
		rows := uint32(ty.Rows)
		if rows == 3 {
			rows = 4
		}
		stride = rows * uint32(ty.Scalar.Width)
		p.ty = ir.VectorType{Size: ty.Rows, Scalar: ty.Scalar}
	default:
		return unsupported("access into %T", p.ty)
	}
	if dynamic == nir.NoValue {
		p.base += i * stride
		return nil
	}
	scaled := t.b.IMul(dynamic, t.b.Const32(stride))
	if p.offset == nir.NoValue {
		p.offset = scaled
	} else {
		p.offset = t.b.IAdd(p.offset, scaled)
	}
	return nil
}

// meshMember steps through the mesh output struct: the arrays of vertices
// and primitives, their elements and then the attributes.
func (t *translator) meshMember(p *pointer, i uint32, dynamic nir.Value) error {
	switch p.mesh {
	case meshRoot:
		st, ok := p.ty.(ir.StructType)
		if !ok || int(i) >= len(st.Members) || st.Members[i].Binding == nil {
			return debug.Errorf("invalid mesh output member %d", i)
		}
		bb, ok := (*st.Members[i].Binding).(ir.BuiltinBinding)
		if !ok {
			return debug.Errorf("mesh output member %d is not a builtin", i)
		}
		switch bb.Builtin {
		case ir.BuiltinVertices:
			p.mesh = meshVertices
		case ir.BuiltinPrimitives:
			p.mesh = meshPrimitives
		case ir.BuiltinVertexCount:
			p.mesh = meshVertexCount
		case ir.BuiltinPrimitiveCount:
			p.mesh = meshPrimitiveCount
		default:
			return unsupported("mesh output builtin %d", bb.Builtin)
		}
		p.ty = t.inner(st.Members[i].Type)
	case meshVertices, meshPrimitives:
		arr, ok := p.ty.(ir.ArrayType)
		if !ok {
			return debug.Errorf("mesh %v is not an array", p.mesh)
		}
		if dynamic == nir.NoValue {
			dynamic = t.b.Const32(i)
		}
		p.element = dynamic
		p.ty = t.inner(arr.Base)
		p.mesh = meshVertex + (p.mesh - meshVertices)
	case meshVertex, meshPrimitive:
		st, ok := p.ty.(ir.StructType)
		if !ok || int(i) >= len(st.Members) || st.Members[i].Binding == nil {
			return debug.Errorf("invalid mesh attribute %d", i)
		}
		slot, perPrim, err := t.outputSlot(*st.Members[i].Binding)
		if err != nil {
			return err
		}
		if _, isLocation := (*st.Members[i].Binding).(ir.LocationBinding); isLocation {
			perPrim = p.mesh == meshPrimitive
		}
		ty := t.inner(st.Members[i].Type)
		if slot == nir.SlotPrimitiveIndices {
			// indices are stored as one vector per primitive
			if s, _, ok := scalarOf(ty); ok {
				ty = ir.VectorType{Size: ir.VectorSize(t.b.Modes().MeshOutput.VerticesPerPrimitive()), Scalar: s}
				if t.b.Modes().MeshOutput == nir.PrimitivePoints {
					ty = s
				}
			}
		}
		out, err := t.output(slot, perPrim, ty, *st.Members[i].Binding)
		if err != nil {
			return err
		}
		p.output, p.perPrim, p.ty = out, perPrim, ty
		p.mesh = meshAttribute
	default:
		return unsupported("access into mesh %v", p.mesh)
	}
	return nil
}

func (t *translator) accessIndex(h ir.ExpressionHandle, base operand, i uint32) (operand, error) {
	switch base.kind {
	case operandComposite:
		if int(i) >= len(base.members) {
			return operand{}, debug.Errorf("member %d out of range", i)
		}
		return base.members[i], nil
	case operandValue:
		in := t.b.Shader().Instr(base.value)
		if i >= uint32(in.Comps) {
			return operand{}, debug.Errorf("component %d out of range", i)
		}
		if in.Op == nir.OpResourceIndex {
			return operand{}, unsupported("constant access into a bound resource")
		}
		return valueOperand(t.b.Extract(base.value, i)), nil
	}
	return t.access(h, base, t.b.Const32(i))
}

func (t *translator) access(h ir.ExpressionHandle, base operand, index nir.Value) (operand, error) {
	if base.kind != operandPointer {
		if c, ok := constValue(t.b.Shader(), index); ok {
			return t.accessIndex(h, base, uint32(c))
		}
		return operand{}, unsupported("dynamic index into a value")
	}
	p := *base.ptr
	switch p.kind {
	case pointerMeshOutput:
		i, dynamic := t.splitIndex(index)
		if err := t.meshMember(&p, i, dynamic); err != nil {
			return operand{}, err
		}
	case pointerRegister:
		return operand{}, unsupported("access into function variables")
	default:
		if _, ok := p.ty.(ir.BindingArrayType); ok {
			gv, ok := t.fn.Expressions[h].Kind.(ir.ExprGlobalVariable)
			if !ok {
				return operand{}, unsupported("binding array behind %T", t.fn.Expressions[h].Kind)
			}
			g := &t.m.GlobalVariables[gv.Variable]
			return valueOperand(t.b.ResourceIndex(g.Binding.Group, g.Binding.Binding, index, false)), nil
		}
		i, dynamic := t.splitIndex(index)
		if err := t.member(&p, i, dynamic); err != nil {
			return operand{}, err
		}
	}
	return operand{kind: operandPointer, ptr: &p}, nil
}

// splitIndex returns a constant index, or the value when it is dynamic.
func (t *translator) splitIndex(index nir.Value) (uint32, nir.Value) {
	if c, ok := constValue(t.b.Shader(), index); ok {
		return uint32(c), nir.NoValue
	}
	return 0, index
}

func constValue(s *nir.Shader, v nir.Value) (uint64, bool) {
	in := s.Instr(v)
	if in.Op != nir.OpConst {
		return 0, false
	}
	return in.Imm, true
}

func (t *translator) unary(e ir.ExprUnary) (operand, error) {
	v, err := t.value(e.Expr)
	if err != nil {
		return operand{}, err
	}
	s, comps, ok := scalarOf(t.typeOf(e.Expr))
	if !ok {
		return operand{}, unsupported("unary operand of type %T", t.typeOf(e.Expr))
	}
	bits := bitSize(s)
	switch e.Op {
	case ir.UnaryNegate:
		op := nir.OpISub
		if isFloat(s) {
			op = nir.OpFSub
		}
		zero := t.splat(t.b.Const(bits, 0), bits, comps)
		return valueOperand(t.alu(op, bits, comps, zero, v)), nil
	case ir.UnaryLogicalNot:
		return valueOperand(t.alu(nir.OpIEq, 1, comps, v, t.splat(t.b.Const(1, 0), 1, comps))), nil
	}
	return operand{}, unsupported("unary operator %d", e.Op)
}

func pick(float bool, f, i nir.Op) nir.Op {
	if float {
		return f
	}
	return i
}

func (t *translator) binary(e ir.ExprBinary) (operand, error) {
	left, err := t.value(e.Left)
	if err != nil {
		return operand{}, err
	}
	right, err := t.value(e.Right)
	if err != nil {
		return operand{}, err
	}
	ls, lcomps, lok := scalarOf(t.typeOf(e.Left))
	_, rcomps, rok := scalarOf(t.typeOf(e.Right))
	if !lok || !rok {
		return operand{}, unsupported("binary operands of type %T and %T", t.typeOf(e.Left), t.typeOf(e.Right))
	}
	bits := bitSize(ls)
	comps := max(lcomps, rcomps)
	if lcomps < comps {
		left = t.splat(left, bits, comps)
	}
	if rcomps < comps {
		right = t.splat(right, t.b.Shader().Instr(right).BitSize, comps)
	}

	float := isFloat(ls)
	var op nir.Op
	switch e.Op {
	case ir.BinaryAdd:
		op = pick(float, nir.OpFAdd, nir.OpIAdd)
	case ir.BinarySubtract:
		op = pick(float, nir.OpFSub, nir.OpISub)
	case ir.BinaryMultiply:
		if _, isMatrix := t.typeOf(e.Left).(ir.MatrixType); isMatrix {
			return operand{}, unsupported("matrix multiplication")
		}
		op = pick(float, nir.OpFMul, nir.OpIMul)
	case ir.BinaryAnd, ir.BinaryLogicalAnd:
		op = nir.OpIAnd
	case ir.BinaryInclusiveOr, ir.BinaryLogicalOr:
		op = nir.OpIOr
	case ir.BinaryShiftLeft:
		op = nir.OpIShl
	case ir.BinaryShiftRight:
		if ls.Kind == ir.ScalarSint {
			return operand{}, unsupported("arithmetic shift")
		}
		op = nir.OpUShr
	case ir.BinaryEqual:
		if float {
			return operand{}, unsupported("float comparison")
		}
		return valueOperand(t.alu(nir.OpIEq, 1, comps, left, right)), nil
	default:
		return operand{}, unsupported("binary operator %d", e.Op)
	}
	if float && (op == nir.OpIAnd || op == nir.OpIOr || op == nir.OpIShl || op == nir.OpUShr) {
		return operand{}, unsupported("bitwise operator %d on floats", e.Op)
	}
	return valueOperand(t.alu(op, bits, comps, left, right)), nil
}

func (t *translator) imageSample(h ir.ExpressionHandle, e ir.ExprImageSample) (operand, error) {
	if e.Gather != nil || e.DepthRef != nil || e.Offset != nil || e.ArrayIndex != nil {
		return operand{}, unsupported("image gather, compare, offset or array sampling")
	}
	switch e.Level.(type) {
	case nil, ir.SampleLevelAuto, ir.SampleLevelZero:
	default:
		return operand{}, unsupported("sample level %T", e.Level)
	}
	img, err := t.value(e.Image)
	if err != nil {
		return operand{}, err
	}
	smp, err := t.value(e.Sampler)
	if err != nil {
		return operand{}, err
	}
	coord, err := t.value(e.Coordinate)
	if err != nil {
		return operand{}, err
	}
	v := t.b.ImageSample(img, smp, coord)
	if _, _, ok := scalarOf(t.typeOf(h)); ok {
		if _, isVec := t.typeOf(h).(ir.VectorType); !isVec {
			v = t.b.Extract(v, 0)
		}
	}
	return valueOperand(v), nil
}
