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

func printVariable(sb *strings.Builder, kind string, i int, v Variable) {
	fmt.Fprintf(sb, "decl_%s %d slot=%d comps=%d bits=%d", kind, i, v.Slot, v.Components, v.BitSize)
	if v.PerPrimitive {
		sb.WriteString(" per_primitive")
	}
	if v.PerPatch {
		sb.WriteString(" per_patch")
	}
	if v.Arrayed {
		sb.WriteString(" arrayed")
	}
	if v.AlwaysLive {
		sb.WriteString(" always_live")
	}
	if v.Dead {
		sb.WriteString(" dead")
	}
	if v.Name != "" {
		fmt.Fprintf(sb, " %q", v.Name)
	}
	sb.WriteString("\n")
}

// Print returns a human readable listing used for shader capture.
func Print(s *Shader) string {
	sb := strings.Builder{}
	fmt.Fprintf(&sb, "shader: %s %q\n", s.Stage, s.Name)
	for i, v := range s.Inputs {
		printVariable(&sb, "input", i, v)
	}
	for i, v := range s.Outputs {
		printVariable(&sb, "output", i, v)
	}

	indent := 0
	s.Walk(func(v Value, in *Instr) {
		switch in.Op {
		case OpElse, OpEndIf, OpEndLoop:
			indent--
		}
		sb.WriteString(strings.Repeat("\t", indent+1))
		if in.Op.HasDest() {
			fmt.Fprintf(&sb, "%%%d = ", v)
		}
		sb.WriteString(in.Op.String())
		if in.BitSize != 0 {
			fmt.Fprintf(&sb, ".%dx%d", in.BitSize, in.Comps)
		}
		for _, src := range in.Srcs {
			fmt.Fprintf(&sb, " %%%d", src)
		}
		switch {
		case in.Op == OpConst:
			fmt.Fprintf(&sb, " 0x%X", in.Imm)
		case in.Op.UsesVariable():
			fmt.Fprintf(&sb, " var=%d", in.Var)
		case in.Op == OpResourceIndex, in.Op == OpLoadDescSetPtr:
			fmt.Fprintf(&sb, " set=%d binding=%d", in.Set, in.Binding)
		case in.Base != 0 || in.Range != 0:
			fmt.Fprintf(&sb, " base=%d range=%d", in.Base, in.Range)
		}
		if len(in.Data) > 0 {
			fmt.Fprintf(&sb, " data=%08X", in.Data)
		}
		if in.Flags != 0 {
			fmt.Fprintf(&sb, " (%s)", in.Flags.String())
		}
		sb.WriteString("\n")
		switch in.Op {
		case OpIf, OpElse, OpLoop:
			indent++
		}
	})
	return sb.String()
}
