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
	"context"
	"fmt"

	"goarrg.com/gmath"
	"goarrg.com/rhi/radv/nir"
)

const maxComputeWorkgroupSize = 1024

type ComputePipelineCreateInfo struct {
	Flags      PipelineCreateFlags
	Layout     *PipelineLayout
	Stage      ShaderStageCreateInfo
	Robustness PipelineRobustness
}

func (info *ComputePipelineCreateInfo) validate() {
	if info.Layout == nil {
		abort("ComputePipelineCreateInfo.Layout is nil")
	}
	if info.Stage.stage() != nir.StageCompute {
		abort("ComputePipelineCreateInfo.Stage is a %s shader", info.Stage.stage())
	}
	if hasBits(info.Flags, PipelineCreateLibrary) || hasBits(info.Flags, PipelineCreateLinkTimeOptimization) {
		abort("Compute pipelines cannot be libraries: %s", info.Flags)
	}

	wg := info.Stage.Module.Modes.Workgroup
	localSize := gmath.Extent3u32{X: wg[0], Y: wg[1], Z: wg[2]}
	limit := gmath.Extent3[uint32]{X: maxComputeWorkgroupSize, Y: maxComputeWorkgroupSize, Z: 64}
	if !localSize.InRange(gmath.Extent3[uint32]{}, limit) {
		abort("Shader's local sizes [%d,%d,%d] is greater than [%d,%d,%d]",
			localSize.X, localSize.Y, localSize.Z, limit.X, limit.Y, limit.Z)
	}
	if localSize.Volume() > maxComputeWorkgroupSize {
		abort("Shader's local sizes [%d*%d*%d] is greater than %d",
			localSize.X, localSize.Y, localSize.Z, maxComputeWorkgroupSize)
	}
	if info.Stage.RequireFullSubgroups && info.Stage.RequiredSubgroupSize != 0 && localSize.X%info.Stage.RequiredSubgroupSize != 0 {
		abort("Shader's local size X [%d] is not a multiple of RequiredSubgroupSize [%d] with RequireFullSubgroups",
			localSize.X, info.Stage.RequiredSubgroupSize)
	}
}

func (info *ComputePipelineCreateInfo) String() string {
	return fmt.Sprintf("%s %q %v", info.Stage.stage(), info.Stage.Module.Name, info.Stage.Module.Modes.Workgroup)
}

// CreateComputePipeline compiles or adopts from the cache the pipeline for a
// single compute stage. Invalid usage aborts, only recoverable failures are
// returned.
func (d *Device) CreateComputePipeline(ctx context.Context, info ComputePipelineCreateInfo) (*Pipeline, error) {
	d.noCopy.Check()
	info.validate()
	instance.logger.VPrintf("Creating compute pipeline: %s", &info)

	b := newPipelineBuild(d, info.Layout, info.Flags, []ShaderStageCreateInfo{info.Stage})
	b.key = d.computePipelineKey(&info)
	return b.run(ctx)
}
