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
	"goarrg.com/debug"
	"goarrg.com/rhi/radv/internal/util"
)

const encodingMagic uint32 = 0x3152494E // "NIR1"

type encodedVariable struct {
	Mode         VarMode
	Slot         Slot
	Components   uint8
	BitSize      uint8
	Interp       Interp
	Sampling     Sampling
	PerPrimitive bool
	PerPatch     bool
	Arrayed      bool
	AlwaysLive   bool
	Dead         bool
}

type encodedInstr struct {
	Op      Op
	Flags   Flags
	BitSize uint8
	Comps   uint8
	Var     int32
	Base    uint32
	Range   uint32
	Set     uint32
	Binding uint32
	Imm     uint64
}

func encodeVariables(w *util.Writer, vars []Variable) {
	w.U32(uint32(len(vars)))
	for _, v := range vars {
		w.Str(v.Name)
		util.Write(w, encodedVariable{
			Mode: v.Mode, Slot: v.Slot, Components: v.Components, BitSize: v.BitSize,
			Interp: v.Interp, Sampling: v.Sampling, PerPrimitive: v.PerPrimitive, PerPatch: v.PerPatch,
			Arrayed: v.Arrayed, AlwaysLive: v.AlwaysLive, Dead: v.Dead,
		})
	}
}

// Encode serializes the shader into a canonical byte form. Identical shaders
// always encode to identical bytes.
func Encode(s *Shader) []byte {
	w := util.Writer{}
	w.U32(encodingMagic)
	w.U32(uint32(s.Stage))
	w.Str(s.Name)
	util.Write(&w, s.Modes)
	encodeVariables(&w, s.Inputs)
	encodeVariables(&w, s.Outputs)

	w.U32(uint32(len(s.Instrs)))
	for _, in := range s.Instrs {
		util.Write(&w, encodedInstr{
			Op: in.Op, Flags: in.Flags, BitSize: in.BitSize, Comps: in.Comps, Var: in.Var,
			Base: in.Base, Range: in.Range, Set: in.Set, Binding: in.Binding, Imm: in.Imm,
		})
		w.U32(uint32(len(in.Srcs)))
		for _, src := range in.Srcs {
			w.U32(uint32(src))
		}
		w.U32(uint32(len(in.Data)))
		for _, d := range in.Data {
			w.U32(d)
		}
	}
	return w.Bytes()
}

func decodeVariables(r *util.Reader) ([]Variable, error) {
	n := r.U32()
	if int(n) > r.Remaining() {
		return nil, debug.Errorf("Invalid variable count: %d", n)
	}
	vars := make([]Variable, 0, n)
	for i := uint32(0); i < n && r.Err() == nil; i++ {
		name := r.Str()
		var e encodedVariable
		util.Read(r, &e)
		vars = append(vars, Variable{
			Name: name, Mode: e.Mode, Slot: e.Slot, Components: e.Components, BitSize: e.BitSize,
			Interp: e.Interp, Sampling: e.Sampling, PerPrimitive: e.PerPrimitive, PerPatch: e.PerPatch,
			Arrayed: e.Arrayed, AlwaysLive: e.AlwaysLive, Dead: e.Dead,
		})
	}
	return vars, nil
}

func Decode(data []byte) (*Shader, error) {
	r := util.NewReader(data)
	if magic := r.U32(); magic != encodingMagic {
		if r.Err() != nil {
			return nil, r.Err()
		}
		return nil, debug.Errorf("Invalid encoding magic: 0x%08X", magic)
	}

	s := &Shader{Stage: Stage(r.U32()), Name: r.Str()}
	util.Read(r, &s.Modes)
	var err error
	if s.Inputs, err = decodeVariables(r); err != nil {
		return nil, err
	}
	if s.Outputs, err = decodeVariables(r); err != nil {
		return nil, err
	}

	n := r.U32()
	if int(n) > r.Remaining() {
		return nil, debug.Errorf("Invalid instruction count: %d", n)
	}
	s.Instrs = make([]Instr, 0, n)
	for i := uint32(0); i < n && r.Err() == nil; i++ {
		var e encodedInstr
		util.Read(r, &e)
		in := Instr{
			Op: e.Op, Flags: e.Flags, BitSize: e.BitSize, Comps: e.Comps, Var: e.Var,
			Base: e.Base, Range: e.Range, Set: e.Set, Binding: e.Binding, Imm: e.Imm,
		}
		if numSrcs := r.U32(); int(numSrcs)*4 > r.Remaining() {
			return nil, debug.Errorf("Invalid source count %d for instruction %d", numSrcs, i)
		} else if numSrcs > 0 {
			in.Srcs = make([]Value, numSrcs)
			for j := range in.Srcs {
				in.Srcs[j] = Value(int32(r.U32()))
			}
		}
		if numData := r.U32(); int(numData)*4 > r.Remaining() {
			return nil, debug.Errorf("Invalid data count %d for instruction %d", numData, i)
		} else if numData > 0 {
			in.Data = make([]uint32, numData)
			for j := range in.Data {
				in.Data[j] = r.U32()
			}
		}
		s.Instrs = append(s.Instrs, in)
	}
	if r.Err() != nil {
		return nil, debug.ErrorWrapf(r.Err(), "Failed to decode shader")
	}
	if err := s.Validate(); err != nil {
		return nil, debug.ErrorWrapf(err, "Decoded shader is invalid")
	}
	return s, nil
}
