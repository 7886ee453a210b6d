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
	"testing"

	"github.com/gogpu/gputypes"

	"goarrg.com/rhi/radv/nir"
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

func newTestDevice(t *testing.T, gfx GfxLevel, config Config) *Device {
	t.Helper()
	Init(testPlatform{})
	d := InitDevice(config, DefaultProperties(gfx))
	t.Cleanup(d.Destroy)
	return d
}

func testProps(gfx GfxLevel) *Properties {
	p := DefaultProperties(gfx)
	return &p
}

// testLayout has one uniform buffer and one storage buffer in set 0 and 64
// bytes of push constants.
func testLayout() *PipelineLayout {
	set := NewDescriptorSetLayout(
		DescriptorSetLayoutBinding{Binding: 0, Type: DescriptorTypeUniformBuffer, Count: 1, Stages: ShaderStageAll},
		DescriptorSetLayoutBinding{Binding: 1, Type: DescriptorTypeStorageBuffer, Count: 1, Stages: ShaderStageAll},
	)
	return NewPipelineLayout(PushConstantRange{Stages: ShaderStageAll, Size: 64}, set)
}

// testComputeShader loads one push constant word and a uniform, then writes
// their sum to a storage buffer.
func testComputeShader(name string) *nir.Shader {
	b := nir.NewBuilder(nir.StageCompute, name)
	b.Modes().Workgroup = [3]uint32{64, 1, 1}
	zero := b.Const32(0)
	pc := b.LoadPushConstant(0, 4, zero, 1)
	ubo := b.LoadUBO(b.ResourceIndex(0, 0, zero, false), zero, 1)
	ssbo := b.ResourceIndex(0, 1, zero, false)
	id := b.Extract(b.SysVal(nir.OpLoadLocalInvocationID), 0)
	b.StoreSSBO(ssbo, b.IMul(id, b.Const32(4)), b.IAdd(pc, ubo))
	return b.Shader()
}

// testVertexShader passes attribute 0 through as the position and writes
// generic outputs at the given locations.
func testVertexShader(locations ...uint32) *nir.Shader {
	b := nir.NewBuilder(nir.StageVertex, "vs")
	in := b.Input(nir.SlotVar(0), 4)
	pos := b.Output(nir.SlotPos, 4)
	v := b.LoadInput(in)
	b.StoreOutput(pos, v)
	for _, l := range locations {
		b.StoreOutput(b.Output(nir.SlotVar(l), 4), v)
	}
	return b.Shader()
}

// testFragmentShader reads the given input locations and writes color 0.
func testFragmentShader(locations ...uint32) *nir.Shader {
	b := nir.NewBuilder(nir.StageFragment, "fs")
	color := b.Output(nir.FragResultData0, 4)
	v := b.Const32(0)
	for _, l := range locations {
		v = b.FAdd(v, b.Extract(b.LoadInput(b.Input(nir.SlotVar(l), 4)), 0))
	}
	b.StoreOutput(color, b.Vec(32, v, v, v, v))
	return b.Shader()
}

func testGraphicsInfo(layout *PipelineLayout, shaders ...*nir.Shader) GraphicsPipelineCreateInfo {
	info := GraphicsPipelineCreateInfo{
		Layout: layout,
		VertexBuffers: []gputypes.VertexBufferLayout{{
			ArrayStride: 16,
			StepMode:    gputypes.VertexStepModeVertex,
			Attributes:  []gputypes.VertexAttribute{{Format: gputypes.VertexFormatFloat32x4, ShaderLocation: 0}},
		}},
		Primitive:   gputypes.PrimitiveState{Topology: gputypes.PrimitiveTopologyTriangleList},
		Targets:     []gputypes.ColorTargetState{{Format: gputypes.TextureFormatRGBA8Unorm, WriteMask: gputypes.ColorWriteMaskAll}},
		Multisample: gputypes.MultisampleState{Count: 1, Mask: 0xFFFFFFFF},
	}
	for _, s := range shaders {
		info.Stages = append(info.Stages, ShaderStageCreateInfo{Module: s})
	}
	return info
}

func TestDefaultProperties(t *testing.T) {
	tests := []struct {
		gfx      GfxLevel
		ngg      bool
		merged   bool
		sgprs    uint32
		waveSize uint32
	}{
		{GFX6, false, false, 16, 64},
		{GFX8, false, false, 16, 64},
		{GFX9, false, true, 32, 64},
		{GFX10, true, true, 32, 32},
		{GFX10_3, true, true, 32, 32},
		{GFX11, true, true, 32, 32},
	}
	for _, test := range tests {
		t.Run(test.gfx.String(), func(t *testing.T) {
			p := DefaultProperties(test.gfx)
			p.validate()
			if p.UseNGG != test.ngg {
				t.Errorf("UseNGG = %t, want %t", p.UseNGG, test.ngg)
			}
			if p.HasMergedShaders() != test.merged {
				t.Errorf("HasMergedShaders = %t, want %t", p.HasMergedShaders(), test.merged)
			}
			if p.MaxUserSGPRs.Graphics != test.sgprs {
				t.Errorf("MaxUserSGPRs.Graphics = %d, want %d", p.MaxUserSGPRs.Graphics, test.sgprs)
			}
			if p.WaveSize.Compute != test.waveSize {
				t.Errorf("WaveSize.Compute = %d, want %d", p.WaveSize.Compute, test.waveSize)
			}
		})
	}
}

func TestGfxLevelText(t *testing.T) {
	for l := GFX6; l <= GFX11; l++ {
		text, err := l.MarshalText()
		if err != nil {
			t.Fatal(err)
		}
		var got GfxLevel
		if err := got.UnmarshalText(text); err != nil {
			t.Fatal(err)
		}
		if got != l {
			t.Errorf("UnmarshalText(%q) = %s", text, got)
		}
	}
	var g GfxLevel
	if err := g.UnmarshalText([]byte("GFX12")); err == nil {
		t.Errorf("Expected error for GFX12")
	}
}

func TestVRSRateText(t *testing.T) {
	for r := VRSRate1x1; r <= VRSRate1x2; r++ {
		var got VRSRate
		if err := got.UnmarshalText([]byte(r.String())); err != nil {
			t.Fatal(err)
		}
		if got != r {
			t.Errorf("UnmarshalText(%q) = %s", r.String(), got)
		}
	}
	var r VRSRate
	if err := r.UnmarshalText([]byte("4x4")); err == nil {
		t.Errorf("Expected error for 4x4")
	}
}

func TestForceVRSRates(t *testing.T) {
	tests := []struct {
		gfx  GfxLevel
		rate VRSRate
		want uint32
	}{
		{GFX9, VRSRate2x2, 0},
		{GFX10_3, VRSRate1x1, 0},
		{GFX10_3, VRSRate2x2, 1<<2 | 1<<4},
		{GFX10_3, VRSRate2x1, 1 << 2},
		{GFX10_3, VRSRate1x2, 1 << 4},
		{GFX11, VRSRate2x2, 5},
		{GFX11, VRSRate2x1, 4},
		{GFX11, VRSRate1x2, 1},
	}
	for _, test := range tests {
		t.Run(test.gfx.String()+"/"+test.rate.String(), func(t *testing.T) {
			d := newTestDevice(t, test.gfx, Config{ForceVRS: test.rate})
			if got := d.ForceVRSRates(); got != test.want {
				t.Errorf("ForceVRSRates() = %#x, want %#x", got, test.want)
			}
		})
	}
}

func TestInvalidConfig(t *testing.T) {
	expectAbort(t, func() {
		InitDevice(Config{ForceWaveSize: 48}, DefaultProperties(GFX10_3))
	})
	expectAbort(t, func() {
		InitDevice(Config{ForceVRS: 9}, DefaultProperties(GFX10_3))
	})
	expectAbort(t, func() {
		InitDevice(Config{UploadArenaSize: 16}, DefaultProperties(GFX10_3))
	})
	expectAbort(t, func() {
		p := DefaultProperties(GFX9)
		p.UseNGG = true
		InitDevice(Config{}, p)
	})
}
