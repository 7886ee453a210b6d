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
	"crypto/sha1"
	"strings"

	"goarrg.com/rhi/radv/nir"
)

// ShaderStage is a set of stages, used for descriptor and push constant visibility.
type ShaderStage uint32

const (
	ShaderStageVertex   ShaderStage = 1 << nir.StageVertex
	ShaderStageTessCtrl ShaderStage = 1 << nir.StageTessCtrl
	ShaderStageTessEval ShaderStage = 1 << nir.StageTessEval
	ShaderStageGeometry ShaderStage = 1 << nir.StageGeometry
	ShaderStageTask     ShaderStage = 1 << nir.StageTask
	ShaderStageMesh     ShaderStage = 1 << nir.StageMesh
	ShaderStageFragment ShaderStage = 1 << nir.StageFragment
	ShaderStageCompute  ShaderStage = 1 << nir.StageCompute
	ShaderStageGraphics ShaderStage = ShaderStageVertex | ShaderStageTessCtrl | ShaderStageTessEval |
		ShaderStageGeometry | ShaderStageTask | ShaderStageMesh | ShaderStageFragment
	ShaderStageAll ShaderStage = ShaderStageGraphics | ShaderStageCompute
)

func shaderStageBit(s nir.Stage) ShaderStage {
	if s >= nir.StageCount {
		abort("Invalid stage: %d", s)
	}
	return 1 << s
}

func (s ShaderStage) String() string {
	str := ""
	for stage := nir.StageVertex; stage < nir.StageCount; stage++ {
		if hasBits(s, shaderStageBit(stage)) {
			str += stage.String() + "|"
		}
	}
	return strings.TrimSuffix(str, "|")
}

type ShaderStageCreateInfo struct {
	// Module is the validated IR of the entry point, it is cloned and never modified.
	Module *nir.Shader
	// Hash is the content hash of the source module, typically SHA-1 over the SPIR-V.
	// A zero hash is replaced by a hash of the canonical IR encoding.
	Hash [20]byte

	RequiredSubgroupSize uint32
	RequireFullSubgroups bool
}

func (info *ShaderStageCreateInfo) stage() nir.Stage {
	if info.Module == nil {
		abort("ShaderStageCreateInfo.Module is nil")
	}
	return info.Module.Stage
}

// shaderStage is the compile time state of one logical stage. The IR is owned
// and rewritten in place by every lowering pass.
type shaderStage struct {
	stage nir.Stage
	entry string
	hash  [20]byte
	nir   *nir.Shader

	info ShaderInfo
	args ShaderArgs

	// retained is the encoded IR before linking, kept for link time optimization.
	retained []byte
}

func (info *ShaderStageCreateInfo) contentHash() [20]byte {
	if info.Hash != ([20]byte{}) {
		return info.Hash
	}
	return sha1.Sum(nir.Encode(info.Module))
}

func newShaderStage(info ShaderStageCreateInfo) *shaderStage {
	return &shaderStage{
		stage: info.stage(),
		entry: info.Module.Name,
		hash:  info.contentHash(),
		nir:   info.Module.Clone(),
	}
}
