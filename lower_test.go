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
	"slices"
	"testing"

	"github.com/gogpu/gputypes"

	"goarrg.com/rhi/radv/nir"
)

func countOps(s *nir.Shader, op nir.Op) int {
	n := 0
	s.Walk(func(_ nir.Value, in *nir.Instr) {
		if in.Op == op {
			n++
		}
	})
	return n
}

func computeLowerState(gfx GfxLevel, s *nir.Shader, layout *PipelineLayout, robustness Robustness) *lowerState {
	props := testProps(gfx)
	key := &PipelineKey{GfxLevel: gfx}
	key.Stages[nir.StageCompute] = StageKey{StorageRobustness: robustness, UniformRobustness: robustness}
	st := newShaderStage(ShaderStageCreateInfo{Module: s})
	st.info = gatherShaderInfo(props, st.nir, key, layout, nir.StageNone, false)
	st.args = declareArgs(props, key, &st.info, nir.StageCompute, nir.StageNone, false)
	return &lowerState{props: props, key: key, layout: layout, stage: st}
}

func TestLowerCompute(t *testing.T) {
	for _, gfx := range []GfxLevel{GFX8, GFX10_3, GFX11} {
		t.Run(gfx.String(), func(t *testing.T) {
			Init(testPlatform{})
			l := computeLowerState(gfx, testComputeShader("main"), testLayout(), RobustnessDisabled)
			progress := l.lower()
			if !slices.Contains(progress, "descriptors") {
				t.Errorf("Descriptors were not lowered: %v", progress)
			}

			s := l.stage.nir
			s.Walk(func(v nir.Value, in *nir.Instr) {
				if isUnlowered(in.Op) {
					t.Errorf("%%%d = %s survived lowering", v, in.Op)
				}
			})

			args := &l.stage.args
			inlined := 0
			s.Walk(func(_ nir.Value, in *nir.Instr) {
				if in.Op == nir.OpLoadArg && args.Args[in.Base].Kind == ArgInlinePushConst {
					inlined++
				}
			})
			if hasBits(args.InlinePushConstantMask, 1) != (inlined == 1) {
				t.Errorf("Inline mask 0x%X with %d inline loads", args.InlinePushConstantMask, inlined)
			}
			if countOps(s, nir.OpLoadDescSetPtr) == 0 {
				t.Errorf("No descriptor set pointer was loaded:\n%s", nir.Print(s))
			}
		})
	}
}

func TestLowerDescriptors(t *testing.T) {
	Init(testPlatform{})
	sampler := SamplerDescriptor{
		AddressModeU: gputypes.AddressModeClampToEdge,
		AddressModeV: gputypes.AddressModeClampToEdge,
		AddressModeW: gputypes.AddressModeClampToEdge,
		MagFilter:    gputypes.FilterModeLinear,
		MinFilter:    gputypes.FilterModeLinear,
		LodMaxClamp:  4,
	}
	// set 0: inline block at 0x0, sampler at 0x40, 3 plane image at 0x50
	// with a 0x40 stride, storage buffer at 0x90
	set := NewDescriptorSetLayout(
		DescriptorSetLayoutBinding{Binding: 0, Type: DescriptorTypeUniformBufferDynamic, Count: 2, Stages: ShaderStageAll},
		DescriptorSetLayoutBinding{Binding: 1, Type: DescriptorTypeInlineUniformBlock, Count: 64, Stages: ShaderStageAll},
		DescriptorSetLayoutBinding{Binding: 2, Type: DescriptorTypeSampler, Count: 1, Stages: ShaderStageAll,
			ImmutableSamplers: []SamplerDescriptor{sampler}},
		DescriptorSetLayoutBinding{Binding: 3, Type: DescriptorTypeCombinedImageSampler, Count: 1, Stages: ShaderStageAll,
			ImmutableSamplers: []SamplerDescriptor{sampler}, YCbCrPlanes: 3},
		DescriptorSetLayoutBinding{Binding: 4, Type: DescriptorTypeStorageBuffer, Count: 1, Stages: ShaderStageAll},
	)
	layout := NewPipelineLayout(PushConstantRange{Stages: ShaderStageAll, Size: 16}, set)

	b := nir.NewBuilder(nir.StageCompute, "descriptors")
	b.Modes().Workgroup = [3]uint32{32, 1, 1}
	zero := b.Const32(0)
	plane := func(p uint32) nir.Value {
		v := b.ResourceIndex(0, 3, zero, false)
		b.Shader().Instr(v).Range = p
		return v
	}
	ssbo := b.ResourceIndex(0, 4, zero, false)
	b.StoreSSBO(ssbo, b.Const32(0), b.LoadUBO(b.ResourceIndex(0, 0, b.Const32(1), false), zero, 1))
	b.StoreSSBO(ssbo, b.Const32(4), b.LoadUBO(b.ResourceIndex(0, 1, zero, false), b.Const32(8), 1))
	b.StoreSSBO(ssbo, b.Const32(16), b.ImageLoad(plane(1), zero))
	b.StoreSSBO(ssbo, b.Const32(32), b.ImageSample(plane(2), b.ResourceIndex(0, 2, zero, false), zero))

	l := computeLowerState(GFX10_3, b.Shader(), layout, RobustnessDisabled)
	if !lowerDescriptors(l) {
		t.Fatalf("lowerDescriptors made no progress")
	}
	s := l.stage.nir
	args := &l.stage.args
	if countOps(s, nir.OpResourceIndex) != 0 {
		t.Fatalf("Resource indices survived lowering:\n%s", nir.Print(s))
	}

	var dynamicOffsets, setOffsets []uint64
	s.Walk(func(_ nir.Value, in *nir.Instr) {
		if in.Op != nir.OpLoadSMEM {
			return
		}
		offset, ok := constValue(s, in.Srcs[1])
		if !ok {
			t.Errorf("Descriptor load with a dynamic offset:\n%s", nir.Print(s))
			return
		}
		switch base := s.Instr(in.Srcs[0]); {
		case base.Op == nir.OpLoadArg && args.Args[base.Base].Kind == ArgPushConstants:
			dynamicOffsets = append(dynamicOffsets, offset)
		case base.Op == nir.OpLoadDescSetPtr:
			setOffsets = append(setOffsets, offset)
		default:
			t.Errorf("Descriptor load from %s", base.Op)
		}
	})
	// dynamic descriptors follow the 16 bytes of push constants
	if !slices.Equal(dynamicOffsets, []uint64{0x20}) {
		t.Errorf("Dynamic descriptor loads at %#x, want [0x20]", dynamicOffsets)
	}
	// planes 1 and 2 load their own 16 bytes and share the tail of plane 0 at 0x60
	slices.Sort(setOffsets)
	setOffsets = slices.Compact(setOffsets)
	if want := []uint64{0x60, 0x70, 0x80, 0x90}; !slices.Equal(setOffsets, want) {
		t.Errorf("Descriptor set loads at %#x, want %#x:\n%s", setOffsets, want, nir.Print(s))
	}

	descs, samplers := 0, 0
	packed := packSampler(sampler)
	s.Walk(func(_ nir.Value, in *nir.Instr) {
		switch in.Op {
		case nir.OpBufferDesc:
			descs++
			addr := s.Instr(in.Srcs[0])
			if offset, ok := constValue(s, addr.Srcs[1]); addr.Op != nir.OpIAdd || !ok || offset != 0 || in.Range != 64 {
				t.Errorf("Inline block descriptor %s at %d with range %d", addr.Op, offset, in.Range)
			}
		case nir.OpSamplerConst:
			samplers++
			if !slices.Equal(in.Data, packed[:]) {
				t.Errorf("Immutable sampler words %#x, want %#x", in.Data, packed)
			}
		}
	})
	if descs != 1 || samplers != 1 {
		t.Errorf("%d buffer descriptors and %d sampler constants, want 1 each:\n%s", descs, samplers, nir.Print(s))
	}
}

// uboLoads loads single words at the given offsets of one uniform buffer
// and stores their sum.
func uboLoads(offsets ...uint32) *nir.Shader {
	b := nir.NewBuilder(nir.StageCompute, "loads")
	b.Modes().Workgroup = [3]uint32{32, 1, 1}
	zero := b.Const32(0)
	ubo := b.ResourceIndex(0, 0, zero, false)
	sum := zero
	for _, off := range offsets {
		sum = b.IAdd(sum, b.LoadUBO(ubo, b.Const32(off), 1))
	}
	b.StoreSSBO(b.ResourceIndex(0, 1, zero, false), zero, sum)
	return b.Shader()
}

func TestVectorizeLoads(t *testing.T) {
	tests := []struct {
		name       string
		shader     func() *nir.Shader
		op         nir.Op
		robustness Robustness
		loads      int
	}{
		{"disabled", func() *nir.Shader { return uboLoads(8, 12, 16, 20) }, nir.OpLoadUBO, RobustnessDisabled, 1},
		{"buffer-access", func() *nir.Shader { return uboLoads(8, 12, 16, 20) }, nir.OpLoadUBO, RobustnessBufferAccess, 2},
		{"buffer-access-2", func() *nir.Shader { return uboLoads(8, 12, 16, 20) }, nir.OpLoadUBO, RobustnessBufferAccess2, 4},
		{"max-width", func() *nir.Shader { return uboLoads(0, 4, 8, 12, 16, 20) }, nir.OpLoadUBO, RobustnessDisabled, 2},
		{"gap", func() *nir.Shader { return uboLoads(0, 8) }, nir.OpLoadUBO, RobustnessDisabled, 2},
		{"unaligned", func() *nir.Shader { return uboLoads(2, 6) }, nir.OpLoadUBO, RobustnessDisabled, 2},
		{"ssbo-store", func() *nir.Shader {
			b := nir.NewBuilder(nir.StageCompute, "ssbo")
			b.Modes().Workgroup = [3]uint32{32, 1, 1}
			zero := b.Const32(0)
			ssbo := b.ResourceIndex(0, 1, zero, false)
			first := b.LoadSSBO(ssbo, b.Const32(0), 1)
			b.StoreSSBO(ssbo, b.Const32(16), first)
			second := b.LoadSSBO(ssbo, b.Const32(4), 1)
			b.StoreSSBO(ssbo, b.Const32(20), second)
			return b.Shader()
		}, nir.OpLoadSSBO, RobustnessDisabled, 2},
		{"push-constants", func() *nir.Shader {
			b := nir.NewBuilder(nir.StageCompute, "pc")
			b.Modes().Workgroup = [3]uint32{32, 1, 1}
			zero := b.Const32(0)
			x := b.LoadPushConstant(0, 4, zero, 1)
			y := b.LoadPushConstant(4, 4, zero, 1)
			b.StoreSSBO(b.ResourceIndex(0, 1, zero, false), zero, b.IAdd(x, y))
			return b.Shader()
		}, nir.OpLoadPushConstant, RobustnessBufferAccess2, 1},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			Init(testPlatform{})
			l := computeLowerState(GFX10_3, test.shader(), testLayout(), test.robustness)
			vectorizeLoads(l)
			s := l.stage.nir
			if err := s.Validate(); err != nil {
				t.Fatalf("%s\n%s", err, nir.Print(s))
			}
			if got := countOps(s, test.op); got != test.loads {
				t.Errorf("%d %s left, want %d:\n%s", got, test.op, test.loads, nir.Print(s))
			}
			s.Walk(func(_ nir.Value, in *nir.Instr) {
				if in.Op == test.op && in.Comps > maxVectorizedComps {
					t.Errorf("Load of %d components", in.Comps)
				}
			})
		})
	}
}

func TestLegalizeBitSizes(t *testing.T) {
	tests := []struct {
		gfx       GfxLevel
		remaining int
	}{
		{GFX7, 0},
		{GFX9, 2},
		{GFX10_3, 1},
	}
	for _, test := range tests {
		t.Run(test.gfx.String(), func(t *testing.T) {
			Init(testPlatform{})
			b := nir.NewBuilder(nir.StageCompute, "16bit")
			b.Modes().Workgroup = [3]uint32{32, 1, 1}
			uniform := b.ALU(nir.OpIAdd, 16, 0, b.Const(16, 1), b.Const(16, 2))
			id := b.Extract(b.SysVal(nir.OpLoadLocalInvocationID), 0)
			id16 := b.Emit(nir.Instr{Op: nir.OpConvert, Srcs: []nir.Value{id}, BitSize: 16, Comps: 1, Var: -1})
			divergent := b.ALU(nir.OpIAdd, 16, 0, id16, uniform)
			wide := b.Emit(nir.Instr{Op: nir.OpConvert, Srcs: []nir.Value{divergent}, BitSize: 32, Comps: 1, Var: -1})
			zero := b.Const32(0)
			b.StoreSSBO(b.ResourceIndex(0, 1, zero, false), zero, wide)

			l := computeLowerState(test.gfx, b.Shader(), testLayout(), RobustnessDisabled)
			changed := legalizeBitSizes(l)
			s := l.stage.nir
			if err := s.Validate(); err != nil {
				t.Fatalf("%s\n%s", err, nir.Print(s))
			}
			remaining := 0
			s.Walk(func(_ nir.Value, in *nir.Instr) {
				if in.Op == nir.OpIAdd && in.BitSize == 16 {
					remaining++
				}
			})
			if remaining != test.remaining {
				t.Errorf("%d 16-bit adds left, want %d:\n%s", remaining, test.remaining, nir.Print(s))
			}
			if changed != (test.remaining != 2) {
				t.Errorf("legalizeBitSizes returned %t", changed)
			}
		})
	}
}
