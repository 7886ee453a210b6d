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
	"bytes"
	"context"
	"fmt"
	"strings"

	"goarrg.com/debug"
	"goarrg.com/rhi/radv/internal/util"
	"goarrg.com/rhi/radv/nir"
)

// ShaderConfig is the register and memory usage of a compiled hardware stage.
type ShaderConfig struct {
	NumSGPRs    uint32
	NumVGPRs    uint32
	LDSSize     uint32
	ScratchSize uint32
	WaveSize    uint32
}

func (c *ShaderConfig) MarshalJSON() ([]byte, error) {
	buff := bytes.Buffer{}
	buff.WriteString("{")

	buff.WriteString(fmt.Sprintf("\"NumSGPRs\": %d,", c.NumSGPRs))
	buff.WriteString(fmt.Sprintf("\"NumVGPRs\": %d,", c.NumVGPRs))
	buff.WriteString(fmt.Sprintf("\"LDSSize\": %d,", c.LDSSize))
	buff.WriteString(fmt.Sprintf("\"ScratchSize\": %d,", c.ScratchSize))
	buff.WriteString(fmt.Sprintf("\"WaveSize\": %d", c.WaveSize))

	buff.WriteString("}")
	return buff.Bytes(), nil
}

// BackendStage is one logical stage of a hardware stage, merged hardware
// stages have two.
type BackendStage struct {
	Shader *nir.Shader
	Info   *ShaderInfo
}

type BackendRequest struct {
	Properties *Properties
	Key        *PipelineKey
	Stages     []BackendStage
	Args       *ShaderArgs
	// Capture requests the textual IR and disassembly.
	Capture      bool
	IsCopyShader bool
}

type BackendResult struct {
	Code        []byte
	Config      ShaderConfig
	IR          string
	Disassembly string
}

// Backend turns lowered IR into machine code. Compile must be safe to call
// from multiple goroutines.
type Backend interface {
	Name() string
	Compile(ctx context.Context, req *BackendRequest) (BackendResult, error)
}

const referenceCodeMagic uint32 = 0x42444152 // "RADB"

type referenceBackend struct{}

// NewReferenceBackend returns a backend that emits a deterministic encoding
// of the lowered IR instead of machine code, used for testing the core.
func NewReferenceBackend() Backend {
	return referenceBackend{}
}

func (referenceBackend) Name() string {
	return "reference"
}

// isUnlowered reports ops that lowering must have removed before code generation.
func isUnlowered(op nir.Op) bool {
	switch op {
	case nir.OpResourceIndex, nir.OpLoadPushConstant, nir.OpLoadOutput,
		nir.OpStoreOutput, nir.OpStorePerVertexOutput, nir.OpStorePerPrimitiveOutput:
		return true
	}
	return false
}

func (referenceBackend) Compile(ctx context.Context, req *BackendRequest) (BackendResult, error) {
	if len(req.Stages) == 0 || len(req.Stages) > 2 {
		return BackendResult{}, debug.ErrorWrapf(ErrorBackendCompile{}, "Invalid stage count: %d", len(req.Stages))
	}

	w := util.Writer{}
	w.U32(referenceCodeMagic)
	w.U32(uint32(req.Properties.GfxLevel))
	w.U32(uint32(len(req.Stages)))

	result := BackendResult{}
	result.Config.NumSGPRs = req.Args.NumSGPRs
	result.Config.NumVGPRs = req.Args.NumVGPRs
	ir := strings.Builder{}
	for _, stage := range req.Stages {
		if err := ctx.Err(); err != nil {
			return BackendResult{}, err
		}
		if err := stage.Shader.Validate(); err != nil {
			return BackendResult{}, debug.ErrorWrapf(ErrorBackendCompile{}, "%s: %v", stage.Shader.Stage, err)
		}
		var unlowered []string
		divergent := uint32(0)
		stage.Shader.Walk(func(v nir.Value, in *nir.Instr) {
			if isUnlowered(in.Op) {
				unlowered = append(unlowered, fmt.Sprintf("%%%d = %s", v, in.Op))
			}
			if in.Flags.Has(nir.FlagDivergent) && in.Op.HasDest() {
				// 16-bit components are packed in pairs
				divergent += max(util.DivRoundUp(uint32(max(in.Comps, 1))*uint32(in.BitSize), 32), 1)
			}
		})
		if len(unlowered) > 0 {
			return BackendResult{}, debug.ErrorWrapf(ErrorBackendCompile{}, "%s has unlowered instructions: %s",
				stage.Shader.Stage, strings.Join(unlowered, ", "))
		}

		w.U32(uint32(stage.Shader.Stage))
		w.Bytes32(nir.Encode(stage.Shader))
		result.Config.NumVGPRs = min(max(result.Config.NumVGPRs, req.Args.NumVGPRs+divergent), 256)
		result.Config.LDSSize = max(result.Config.LDSSize, stageLDSSize(stage.Info))
		result.Config.WaveSize = stage.Info.WaveSize
		if req.Capture {
			ir.WriteString(nir.Print(stage.Shader))
		}
	}
	result.Code = w.Bytes()
	if req.Capture {
		result.IR = ir.String()
		result.Disassembly = fmt.Sprintf("; %s backend, %d bytes, sgpr %d, vgpr %d, lds %d\n%s",
			"reference", len(result.Code), result.Config.NumSGPRs, result.Config.NumVGPRs, result.Config.LDSSize, result.IR)
	}
	return result, nil
}

// stageLDSSize is the LDS in bytes the hardware stage needs for its rings.
func stageLDSSize(info *ShaderInfo) uint32 {
	switch {
	case info.IsNGG:
		return info.NGG.ESGSRingSize + info.NGG.NGGEmitSize*4
	case info.Stage == nir.StageGeometry:
		return info.LegacyGS.ESGSRingSize
	case info.Stage == nir.StageTessCtrl:
		return info.TCS().LDSSize
	}
	return 0
}
