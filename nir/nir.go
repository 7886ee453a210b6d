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

// Package nir is the per-stage intermediate representation consumed by the
// pipeline compiler. A Shader is a flat, structured instruction list in SSA
// form: every Value names the instruction that produced it and sources always
// refer to earlier instructions.
package nir

import (
	"slices"

	"goarrg.com"
	"goarrg.com/debug"
)

type platform struct{}

func (platform) Abort()                           { panic("Fatal Error") }
func (platform) AbortPopup(f string, args ...any) { panic("Fatal Error") }

var instance = struct {
	platform goarrg.PlatformInterface
	logger   *debug.Logger
}{
	platform: platform{},
	logger:   debug.NewLogger("radv", "nir"),
}

func abort(fmt string, args ...any) {
	instance.logger.EPrintf(fmt, args...)
	instance.platform.Abort()
}

func Init(platform goarrg.PlatformInterface) {
	instance.platform = platform
}

type Stage uint32

const (
	StageVertex Stage = iota
	StageTessCtrl
	StageTessEval
	StageGeometry
	StageTask
	StageMesh
	StageFragment
	StageCompute
	StageCount
)

const StageNone Stage = 0xFF

func (s Stage) String() string {
	switch s {
	case StageVertex:
		return "Vertex"
	case StageTessCtrl:
		return "TessCtrl"
	case StageTessEval:
		return "TessEval"
	case StageGeometry:
		return "Geometry"
	case StageTask:
		return "Task"
	case StageMesh:
		return "Mesh"
	case StageFragment:
		return "Fragment"
	case StageCompute:
		return "Compute"
	case StageNone:
		return "None"

	default:
		abort("Unknown Stage: %d", s)
		return ""
	}
}

// Slot is a varying location. Builtin varyings live below SlotVar0 and
// generic locations map to SlotVar0+location. Fragment outputs reuse the
// numbering with the FragResult constants.
type Slot uint8

const (
	SlotPos Slot = iota
	SlotPointSize
	SlotClipDist0
	SlotClipDist1
	SlotCullDist0
	SlotCullDist1
	SlotPrimitiveID
	SlotLayer
	SlotViewport
	SlotPrimitiveShadingRate
	SlotPrimitiveCount
	SlotPrimitiveIndices
	SlotCullPrimitive
	SlotTessLevelOuter
	SlotTessLevelInner
	SlotBoundingBox
	SlotVar0 Slot = 32
	SlotMax  Slot = 64
)

const (
	FragResultDepth Slot = iota
	FragResultStencil
	FragResultSampleMask
	FragResultData0 Slot = 4
	FragResultMax   Slot = FragResultData0 + 8
)

func SlotVar(location uint32) Slot {
	if location >= uint32(SlotMax-SlotVar0) {
		abort("Varying location out of range: %d", location)
	}
	return SlotVar0 + Slot(location)
}

func (s Slot) Bit() uint64 {
	return uint64(1) << s
}

// SpecialSlots are never counted as parameter exports.
const SpecialSlotsMask = (uint64(1) << SlotPrimitiveCount) | (uint64(1) << SlotPrimitiveIndices) | (uint64(1) << SlotCullPrimitive)

type VarMode uint8

const (
	ModeInput VarMode = iota
	ModeOutput
)

type Interp uint8

const (
	InterpSmooth Interp = iota
	InterpFlat
	InterpNoPerspective
	InterpExplicit
)

type Sampling uint8

const (
	SamplingCenter Sampling = iota
	SamplingCentroid
	SamplingSample
)

type Variable struct {
	Name       string
	Mode       VarMode
	Slot       Slot
	Components uint8
	BitSize    uint8
	Interp     Interp
	Sampling   Sampling

	PerPrimitive bool
	PerPatch     bool
	// Arrayed marks per-vertex arrays (tess and geometry inputs, tess-ctrl outputs).
	Arrayed bool
	// AlwaysLive marks outputs captured by transform feedback.
	AlwaysLive bool
	// Dead is set by linking on outputs the consumer no longer reads and on
	// inputs the producer never writes.
	Dead bool
}

type TessPrimitive uint8

const (
	TessPrimitiveUnspecified TessPrimitive = iota
	TessPrimitiveTriangles
	TessPrimitiveQuads
	TessPrimitiveIsolines
)

type TessSpacing uint8

const (
	TessSpacingUnspecified TessSpacing = iota
	TessSpacingEqual
	TessSpacingFractionalOdd
	TessSpacingFractionalEven
)

type Winding uint8

const (
	WindingUnspecified Winding = iota
	WindingCW
	WindingCCW
)

type Primitive uint8

const (
	PrimitivePoints Primitive = iota
	PrimitiveLines
	PrimitiveLinesAdjacency
	PrimitiveTriangles
	PrimitiveTrianglesAdjacency
	PrimitiveLineStrip
	PrimitiveTriangleStrip
)

func (p Primitive) VerticesPerPrimitive() uint32 {
	switch p {
	case PrimitivePoints:
		return 1
	case PrimitiveLines, PrimitiveLineStrip:
		return 2
	case PrimitiveTriangles, PrimitiveTriangleStrip:
		return 3
	case PrimitiveLinesAdjacency:
		return 4
	case PrimitiveTrianglesAdjacency:
		return 6

	default:
		abort("Unknown Primitive: %d", p)
		return 0
	}
}

type DepthLayout uint8

const (
	DepthLayoutNone DepthLayout = iota
	DepthLayoutAny
	DepthLayoutGreater
	DepthLayoutLess
	DepthLayoutUnchanged
)

// ExecModes holds the entry point execution modes. A zero field means the
// mode was not declared by the stage.
type ExecModes struct {
	Workgroup [3]uint32

	TessPrimitive   TessPrimitive
	TessSpacing     TessSpacing
	TessWinding     Winding
	TessPointMode   bool
	TessVerticesOut uint32

	GSVerticesOut uint32
	GSInvocations uint32
	GSInput       Primitive
	GSOutput      Primitive
	GSStreams     uint8

	MeshMaxVertices   uint32
	MeshMaxPrimitives uint32
	MeshOutput        Primitive

	EarlyFragmentTests bool
	PostDepthCoverage  bool
	DepthLayout        DepthLayout

	// PushConstantSize is the declared push constant block size in bytes.
	PushConstantSize uint32
	// XfbStride is non zero when transform feedback captures outputs.
	XfbStride [4]uint32
}

type Shader struct {
	Stage Stage
	// Name is the entry point name.
	Name    string
	Modes   ExecModes
	Inputs  []Variable
	Outputs []Variable
	Instrs  []Instr
}

func (s *Shader) Clone() *Shader {
	c := *s
	c.Inputs = slices.Clone(s.Inputs)
	c.Outputs = slices.Clone(s.Outputs)
	c.Instrs = make([]Instr, len(s.Instrs))
	for i, in := range s.Instrs {
		c.Instrs[i] = in.clone()
	}
	return &c
}

func (s *Shader) Instr(v Value) *Instr {
	if v < 0 || int(v) >= len(s.Instrs) {
		abort("Value %d out of range [0,%d)", v, len(s.Instrs))
	}
	return &s.Instrs[v]
}

// Walk calls f for every live instruction in program order.
func (s *Shader) Walk(f func(Value, *Instr)) {
	for i := range s.Instrs {
		if s.Instrs[i].Op == OpNop {
			continue
		}
		f(Value(i), &s.Instrs[i])
	}
}

// Uses counts the number of live references to each value.
func (s *Shader) Uses() []int {
	uses := make([]int, len(s.Instrs))
	s.Walk(func(_ Value, in *Instr) {
		for _, src := range in.Srcs {
			if src >= 0 {
				uses[src]++
			}
		}
	})
	return uses
}

// OutputIndex returns the index of the output variable at slot, or -1.
func (s *Shader) OutputIndex(slot Slot, perPrimitive bool) int {
	return slices.IndexFunc(s.Outputs, func(v Variable) bool {
		return v.Slot == slot && v.PerPrimitive == perPrimitive
	})
}

// InputIndex returns the index of the input variable at slot, or -1.
func (s *Shader) InputIndex(slot Slot, perPrimitive bool) int {
	return slices.IndexFunc(s.Inputs, func(v Variable) bool {
		return v.Slot == slot && v.PerPrimitive == perPrimitive
	})
}

func (s *Shader) Validate() error {
	if s.Stage >= StageCount {
		return debug.Errorf("Invalid stage: %d", s.Stage)
	}
	for i, in := range s.Instrs {
		if in.Op >= opCount {
			return debug.Errorf("Instruction %d has invalid op %d", i, in.Op)
		}
		for _, src := range in.Srcs {
			if src >= Value(i) {
				return debug.Errorf("Instruction %d (%s) references non dominating value %d", i, in.Op, src)
			}
			if src >= 0 && s.Instrs[src].Op == OpNop {
				return debug.Errorf("Instruction %d (%s) references removed value %d", i, in.Op, src)
			}
		}
		if in.Op.UsesVariable() {
			vars := s.Inputs
			if in.Op.IsOutput() {
				vars = s.Outputs
			}
			if in.Var < 0 || int(in.Var) >= len(vars) {
				return debug.Errorf("Instruction %d (%s) references invalid variable %d", i, in.Op, in.Var)
			}
		}
	}
	return nil
}
