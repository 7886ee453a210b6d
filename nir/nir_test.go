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

import (
	"bytes"
	"slices"
	"testing"
)

type testPlatform struct{}

func (testPlatform) Abort()                           { panic("abort") }
func (testPlatform) AbortPopup(f string, args ...any) { panic("abort") }

func expectAbort(t *testing.T, f func()) {
	t.Helper()
	Init(testPlatform{})
	defer func() {
		t.Helper()
		if recover() == nil {
			t.Fatalf("Expected abort")
		}
	}()
	f()
}

func buildPassthroughVS() *Shader {
	b := NewBuilder(StageVertex, "main")
	in := b.Input(SlotVar(0), 4)
	pos := b.Output(SlotPos, 4)
	color := b.Output(SlotVar(1), 4)
	v := b.LoadInput(in)
	b.StoreOutput(pos, v)
	b.StoreOutput(color, b.Const32(0x3F800000))
	return b.Shader()
}

func TestBuilderValues(t *testing.T) {
	s := buildPassthroughVS()
	if err := s.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if len(s.Instrs) != 4 {
		t.Fatalf("Expected 4 instructions, got %d", len(s.Instrs))
	}
	if s.Instrs[1].Srcs[0] != 0 {
		t.Errorf("Store should reference the load, got %v", s.Instrs[1].Srcs)
	}
	if got := s.OutputIndex(SlotVar(1), false); got != 1 {
		t.Errorf("OutputIndex = %d, want 1", got)
	}
	if got := s.OutputIndex(SlotVar(1), true); got != -1 {
		t.Errorf("OutputIndex(perPrimitive) = %d, want -1", got)
	}
}

func TestRemoveDeadCode(t *testing.T) {
	b := NewBuilder(StageCompute, "main")
	a := b.Const32(1)
	c := b.Const32(2)
	sum := b.IAdd(a, c)
	_ = b.IMul(sum, sum)
	res := b.ResourceIndex(0, 0, b.Const32(0), false)
	b.StoreSSBO(res, b.Const32(0), a)
	s := b.Shader()

	if !RemoveDeadCode(s) {
		t.Fatalf("Expected progress")
	}
	for _, in := range s.Instrs {
		if in.Op == OpIAdd || in.Op == OpIMul {
			t.Errorf("Dead %s survived", in.Op)
		}
	}
	if err := s.Validate(); err != nil {
		t.Fatalf("Validate after DCE: %v", err)
	}
	if RemoveDeadCode(s) {
		t.Errorf("Second run should make no progress")
	}
}

func TestRewriteReplacesInstruction(t *testing.T) {
	s := buildPassthroughVS()
	Rewrite(s, func(r *Rewriter, v Value, in *Instr) (Value, bool) {
		if in.Op != OpLoadInput {
			return NoValue, false
		}
		x := r.Const32(7)
		return r.Vec(32, x, x, x, x), true
	})
	if err := s.Validate(); err != nil {
		t.Fatalf("Validate after rewrite: %v", err)
	}
	if slices.ContainsFunc(s.Instrs, func(in Instr) bool { return in.Op == OpLoadInput }) {
		t.Errorf("Load was not replaced")
	}
	store := s.Instrs[2]
	if store.Op != OpStoreOutput || s.Instrs[store.Srcs[0]].Op != OpVec {
		t.Errorf("Store should read the vec, got %s of %s", store.Op, s.Instrs[store.Srcs[0]].Op)
	}
}

func TestEncodeDecode(t *testing.T) {
	s := buildPassthroughVS()
	s.Modes.PushConstantSize = 64
	s.Outputs[1].AlwaysLive = true
	s.Instrs = append(s.Instrs, Instr{Op: OpSamplerConst, Data: []uint32{1, 2, 3, 4}, BitSize: 32, Comps: 4, Var: -1})

	data := Encode(s)
	if !bytes.Equal(data, Encode(s.Clone())) {
		t.Fatalf("Encoding is not canonical")
	}
	d, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(data, Encode(d)) {
		t.Errorf("Round trip changed encoding")
	}
	if d.Modes != s.Modes || !slices.Equal(d.Outputs, s.Outputs) {
		t.Errorf("Round trip changed declarations")
	}

	for _, n := range []int{0, 3, len(data) / 2, len(data) - 1} {
		if _, err := Decode(data[:n]); err == nil {
			t.Errorf("Decode of %d/%d bytes should fail", n, len(data))
		}
	}
}

func TestValidateRejects(t *testing.T) {
	s := buildPassthroughVS()
	s.Instrs[1].Srcs[0] = 3
	if s.Validate() == nil {
		t.Errorf("Forward reference should be invalid")
	}

	s = buildPassthroughVS()
	s.Instrs[0].Var = 5
	if s.Validate() == nil {
		t.Errorf("Invalid variable should be invalid")
	}
}

func TestAborts(t *testing.T) {
	expectAbort(t, func() { _ = Stage(42).String() })
	expectAbort(t, func() { SlotVar(40) })
	expectAbort(t, func() { NewBuilder(StageCount, "") })
	expectAbort(t, func() { buildPassthroughVS().Instr(100) })
}

func TestPrint(t *testing.T) {
	out := Print(buildPassthroughVS())
	for _, want := range []string{"shader: Vertex", "load_input", "store_output", "decl_output 1 slot=33"} {
		if !bytes.Contains([]byte(out), []byte(want)) {
			t.Errorf("Print output missing %q:\n%s", want, out)
		}
	}
}
