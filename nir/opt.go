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
	"fmt"
	"strings"
)

// canCSE reports whether two instructions with equal fields compute the same
// value wherever both are reachable.
func (op Op) canCSE() bool {
	switch op {
	case OpConst, OpMov, OpIAdd, OpISub, OpIMul, OpIAnd, OpIOr, OpIShl, OpUShr, OpIEq,
		OpFAdd, OpFSub, OpFMul, OpConvert, OpVec, OpExtract, OpReadFirstLane,
		OpResourceIndex, OpLoadArg, OpLoadDescSetPtr, OpLoadDynamicOffset, OpLoadInlinePushConst,
		OpLoadConstAddr, OpBufferDesc, OpSamplerConst, OpLoadSMEM,
		OpLoadVertexID, OpLoadInstanceID, OpLoadBaseVertex, OpLoadPrimitiveID, OpLoadInvocationID,
		OpLoadViewIndex, OpLoadLocalInvocationID, OpLoadWorkgroupID, OpLoadNumWorkgroups:
		return true
	}
	return false
}

func cseKey(in *Instr) string {
	sb := strings.Builder{}
	fmt.Fprintf(&sb, "%d/%d/%d/%d/%d/%d/%d/%d/%d/%d:", in.Op, in.Flags&^FlagDivergent, in.BitSize, in.Comps,
		in.Var, in.Base, in.Range, in.Set, in.Binding, in.Imm)
	for _, s := range in.Srcs {
		fmt.Fprintf(&sb, "%d,", s)
	}
	sb.WriteString(":")
	for _, d := range in.Data {
		fmt.Fprintf(&sb, "%d,", d)
	}
	return sb.String()
}

// CSE replaces instructions that recompute an available value. A value
// defined inside a block is only reused within that block.
func CSE(s *Shader) bool {
	scopes := []map[string]Value{{}}
	lookup := func(key string) (Value, bool) {
		for i := len(scopes) - 1; i >= 0; i-- {
			if v, ok := scopes[i][key]; ok {
				return v, true
			}
		}
		return NoValue, false
	}

	progress := false
	replace := make([]Value, len(s.Instrs))
	for i := range replace {
		replace[i] = Value(i)
	}
	for i := range s.Instrs {
		in := &s.Instrs[i]
		for j, src := range in.Srcs {
			if src >= 0 {
				in.Srcs[j] = replace[src]
			}
		}
		switch in.Op {
		case OpIf, OpLoop:
			scopes = append(scopes, map[string]Value{})
			continue
		case OpElse:
			scopes[len(scopes)-1] = map[string]Value{}
			continue
		case OpEndIf, OpEndLoop:
			if len(scopes) == 1 {
				abort("Unbalanced control flow at instruction %d", i)
			}
			scopes = scopes[:len(scopes)-1]
			continue
		}
		if !in.Op.canCSE() {
			continue
		}
		key := cseKey(in)
		if v, ok := lookup(key); ok {
			replace[i] = v
			in.Remove()
			progress = true
			continue
		}
		scopes[len(scopes)-1][key] = Value(i)
	}
	if progress {
		Compact(s)
	}
	return progress
}

func (op Op) isDivergenceSource() bool {
	switch op {
	case OpLoadVertexID, OpLoadInstanceID, OpLoadPrimitiveID, OpLoadInvocationID, OpLoadTessCoord,
		OpLoadFragCoord, OpLoadFrontFace, OpLoadSampleID, OpLoadSamplePos, OpLoadSampleMaskIn,
		OpLoadHelperInvocation, OpIsHelperInvocation, OpLoadBarycentric, OpLoadLocalInvocationID,
		OpLoadInput, OpLoadPerVertexInput, OpLoadOutput, OpLoadSSBO, OpSSBOAtomic,
		OpImageLoad, OpImageAtomic, OpImageSample, OpLoadShared, OpLoadRing:
		return true
	}
	return false
}

// AnalyzeDivergence sets FlagDivergent on every value that may differ
// between invocations of a wave. Arguments loaded from vector registers must
// already carry the flag.
func AnalyzeDivergence(s *Shader) int {
	n := 0
	for i := range s.Instrs {
		in := &s.Instrs[i]
		if in.Op == OpNop || !in.Op.HasDest() {
			continue
		}
		divergent := in.Op.isDivergenceSource() || (in.Op == OpLoadArg && in.Flags.Has(FlagDivergent))
		if in.Op != OpReadFirstLane {
			for _, src := range in.Srcs {
				if src >= 0 && s.Instrs[src].Flags.Has(FlagDivergent) {
					divergent = true
				}
			}
		}
		if divergent {
			in.Flags |= FlagDivergent
			n++
		} else {
			in.Flags &^= FlagDivergent
		}
	}
	return n
}
