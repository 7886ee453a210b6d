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
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/gogpu/gputypes"

	"goarrg.com/rhi/radv/internal/util"
)

type DescriptorType uint32

const (
	DescriptorTypeSampler DescriptorType = iota
	DescriptorTypeCombinedImageSampler
	DescriptorTypeSampledImage
	DescriptorTypeStorageImage
	DescriptorTypeUniformTexelBuffer
	DescriptorTypeStorageTexelBuffer
	DescriptorTypeUniformBuffer
	DescriptorTypeStorageBuffer
	DescriptorTypeUniformBufferDynamic
	DescriptorTypeStorageBufferDynamic
	DescriptorTypeInlineUniformBlock
)

func (t DescriptorType) String() string {
	switch t {
	case DescriptorTypeSampler:
		return "Sampler"
	case DescriptorTypeCombinedImageSampler:
		return "CombinedImageSampler"
	case DescriptorTypeSampledImage:
		return "SampledImage"
	case DescriptorTypeStorageImage:
		return "StorageImage"

	case DescriptorTypeUniformTexelBuffer:
		return "UniformTexelBuffer"
	case DescriptorTypeStorageTexelBuffer:
		return "StorageTexelBuffer"

	case DescriptorTypeUniformBuffer:
		return "UniformBuffer"
	case DescriptorTypeStorageBuffer:
		return "StorageBuffer"
	case DescriptorTypeUniformBufferDynamic:
		return "UniformBufferDynamic"
	case DescriptorTypeStorageBufferDynamic:
		return "StorageBufferDynamic"

	case DescriptorTypeInlineUniformBlock:
		return "InlineUniformBlock"

	default:
		abort("Unknown DescriptorType: %d", t)
	}

	return ""
}

func (t DescriptorType) isDynamic() bool {
	return t == DescriptorTypeUniformBufferDynamic || t == DescriptorTypeStorageBufferDynamic
}

// Descriptor sizes in bytes as laid out in descriptor set memory.
const (
	bufferDescriptorSize     = 16
	samplerDescriptorSize    = 16
	imageDescriptorSize      = 32
	sampledImageDescSize     = 64
	combinedImageSamplerSize = sampledImageDescSize + 32
	dynamicDescriptorSize    = 16
	ycbcrPlane0Size          = 32
	ycbcrPlaneSize           = 16
	descriptorAlignment      = 16
)

func (t DescriptorType) descriptorSize() uint32 {
	switch t {
	case DescriptorTypeSampler:
		return samplerDescriptorSize
	case DescriptorTypeCombinedImageSampler:
		return combinedImageSamplerSize
	case DescriptorTypeSampledImage:
		return sampledImageDescSize
	case DescriptorTypeStorageImage:
		return imageDescriptorSize
	case DescriptorTypeUniformTexelBuffer, DescriptorTypeStorageTexelBuffer,
		DescriptorTypeUniformBuffer, DescriptorTypeStorageBuffer:
		return bufferDescriptorSize
	case DescriptorTypeUniformBufferDynamic, DescriptorTypeStorageBufferDynamic:
		return 0
	case DescriptorTypeInlineUniformBlock:
		return 1

	default:
		abort("Unknown DescriptorType: %d", t)
		return 0
	}
}

// SamplerDescriptor is the sampler state baked into code for immutable samplers.
type SamplerDescriptor struct {
	AddressModeU  gputypes.AddressMode
	AddressModeV  gputypes.AddressMode
	AddressModeW  gputypes.AddressMode
	MagFilter     gputypes.FilterMode
	MinFilter     gputypes.FilterMode
	MipmapFilter  gputypes.FilterMode
	LodMinClamp   float32
	LodMaxClamp   float32
	Compare       gputypes.CompareFunction
	MaxAnisotropy uint16
}

type DescriptorSetLayoutBinding struct {
	Binding uint32
	Type    DescriptorType
	// Count is the array size, or the block size in bytes for inline uniform blocks.
	Count  uint32
	Stages ShaderStage
	// ImmutableSamplers are baked into the shader code, there must be either 0 or Count of them.
	ImmutableSamplers []SamplerDescriptor
	// YCbCrPlanes is the plane count of the sampled format for combined image
	// samplers with immutable samplers, 0 or 1 means single plane.
	YCbCrPlanes uint32
}

type descriptorSetBinding struct {
	binding     uint32
	typ         DescriptorType
	count       uint32
	stages      ShaderStage
	offset      uint32
	stride      uint32
	ycbcrPlanes uint32
	// dynamicOffsetIndex is the first dynamic offset of the binding within its set.
	dynamicOffsetIndex uint32
	immutableSamplers  [][4]uint32
}

func (b *descriptorSetBinding) MarshalJSON() ([]byte, error) {
	buff := bytes.Buffer{}
	buff.WriteString("{")

	buff.WriteString(fmt.Sprintf("\"binding\": %d,", b.binding))
	buff.WriteString(fmt.Sprintf("\"type\": %q,", b.typ.String()))
	buff.WriteString(fmt.Sprintf("\"count\": %d,", b.count))
	buff.WriteString(fmt.Sprintf("\"stages\": %q,", b.stages.String()))
	buff.WriteString(fmt.Sprintf("\"offset\": %d,", b.offset))
	buff.WriteString(fmt.Sprintf("\"stride\": %d,", b.stride))
	if b.typ.isDynamic() {
		buff.WriteString(fmt.Sprintf("\"dynamicOffsetIndex\": %d,", b.dynamicOffsetIndex))
	}
	if b.ycbcrPlanes > 1 {
		buff.WriteString(fmt.Sprintf("\"ycbcrPlanes\": %d,", b.ycbcrPlanes))
	}
	buff.WriteString(fmt.Sprintf("\"immutableSamplers\": %d", len(b.immutableSamplers)))

	buff.WriteString("}")
	return buff.Bytes(), nil
}

type DescriptorSetLayout struct {
	id       string
	name     string
	bindings []descriptorSetBinding
	size     uint32

	dynamicOffsetCount uint32
}

func NewDescriptorSetLayout(bindings ...DescriptorSetLayoutBinding) *DescriptorSetLayout {
	layout := DescriptorSetLayout{}
	sorted := slices.Clone(bindings)
	slices.SortFunc(sorted, func(a, b DescriptorSetLayoutBinding) int {
		return int(a.Binding) - int(b.Binding)
	})

	for i, info := range sorted {
		if i > 0 && sorted[i-1].Binding == info.Binding {
			abort("Failed to create DescriptorSetLayout: binding %d declared twice", info.Binding)
		}
		if info.Count == 0 {
			continue
		}
		if len(info.ImmutableSamplers) != 0 {
			if info.Type != DescriptorTypeSampler && info.Type != DescriptorTypeCombinedImageSampler {
				abort("Failed to create DescriptorSetLayout: binding %d of type %s cannot have immutable samplers", info.Binding, info.Type)
			}
			if len(info.ImmutableSamplers) != int(info.Count) {
				abort("Failed to create DescriptorSetLayout: binding %d has %d immutable samplers, expecting %d",
					info.Binding, len(info.ImmutableSamplers), info.Count)
			}
		}
		if info.YCbCrPlanes > 1 && (info.Type != DescriptorTypeCombinedImageSampler || len(info.ImmutableSamplers) == 0 || info.YCbCrPlanes > 3) {
			abort("Failed to create DescriptorSetLayout: binding %d has invalid multi-plane setup: %s with %d planes",
				info.Binding, info.Type, info.YCbCrPlanes)
		}

		binding := descriptorSetBinding{
			binding:     info.Binding,
			typ:         info.Type,
			count:       info.Count,
			stages:      info.Stages,
			stride:      info.Type.descriptorSize(),
			ycbcrPlanes: max(info.YCbCrPlanes, 1),
		}
		switch {
		case info.Type.isDynamic():
			binding.dynamicOffsetIndex = layout.dynamicOffsetCount
			layout.dynamicOffsetCount += info.Count

		case info.Type == DescriptorTypeInlineUniformBlock:
			binding.offset = util.AlignUp(layout.size, descriptorAlignment)
			layout.size = binding.offset + info.Count

		default:
			if binding.ycbcrPlanes > 1 {
				binding.stride = ycbcrPlane0Size + ycbcrPlaneSize*(binding.ycbcrPlanes-1)
			}
			binding.offset = util.AlignUp(layout.size, descriptorAlignment)
			layout.size = binding.offset + binding.stride*info.Count
		}
		for _, s := range info.ImmutableSamplers {
			binding.immutableSamplers = append(binding.immutableSamplers, packSampler(s))
		}

		layout.id += fmt.Sprintf("%d:%s:%s:%d:%d:%d,", binding.binding, toHex(uint32(binding.stages)), toHex(uint32(binding.typ)),
			binding.count, binding.ycbcrPlanes, len(binding.immutableSamplers))
		for _, s := range binding.immutableSamplers {
			layout.id += fmt.Sprintf("%08X%08X%08X%08X,", s[0], s[1], s[2], s[3])
		}
		layout.name += fmt.Sprintf("%d:%s:%s:%d,", binding.binding, binding.stages.String(), binding.typ.String(), binding.count)
		layout.bindings = append(layout.bindings, binding)
	}

	layout.id = fmt.Sprintf("[%s]", strings.TrimSuffix(layout.id, ","))
	layout.name = fmt.Sprintf("[%s]", strings.TrimSuffix(layout.name, ","))
	layout.size = util.AlignUp(layout.size, descriptorAlignment)
	return &layout
}

// binding returns the binding or nil if it is not part of the layout.
func (l *DescriptorSetLayout) binding(binding uint32) *descriptorSetBinding {
	i, ok := slices.BinarySearchFunc(l.bindings, binding, func(b descriptorSetBinding, t uint32) int {
		return int(b.binding) - int(t)
	})
	if !ok {
		return nil
	}
	return &l.bindings[i]
}

func (l *DescriptorSetLayout) Size() uint32 {
	return l.size
}

func (l *DescriptorSetLayout) MarshalJSON() ([]byte, error) {
	buff := bytes.Buffer{}
	buff.WriteString("{")

	buff.WriteString(fmt.Sprintf("\"name\": %q,", l.name))
	buff.WriteString(fmt.Sprintf("\"size\": %d,", l.size))
	buff.WriteString(fmt.Sprintf("\"dynamicOffsetCount\": %d,", l.dynamicOffsetCount))

	buff.WriteString("\"bindings\": [")
	if len(l.bindings) > 0 {
		for i := range l.bindings {
			buff.WriteString(fmt.Sprintf("%s,", jsonString(&l.bindings[i])))
		}
		buff.Truncate(buff.Len() - 1)
	}
	buff.WriteString("]")

	buff.WriteString("}")
	return buff.Bytes(), nil
}

// packSampler encodes a sampler into the 4 dword hardware sampler descriptor.
func packSampler(s SamplerDescriptor) [4]uint32 {
	lod := func(v float32) uint32 {
		// unsigned 4.8 fixed point
		return uint32(math.Round(float64(min(max(v, 0), 15.99609375))*256)) & 0xFFF
	}
	aniso := uint32(0)
	if s.MaxAnisotropy > 1 {
		aniso = min(lastBit(uint32(s.MaxAnisotropy))-1, 4)
	}
	return [4]uint32{
		uint32(s.AddressModeU)&0x7 | (uint32(s.AddressModeV)&0x7)<<3 | (uint32(s.AddressModeW)&0x7)<<6 |
			aniso<<9 | (uint32(s.Compare)&0xF)<<12,
		lod(s.LodMinClamp) | lod(s.LodMaxClamp)<<12,
		uint32(s.MagFilter)&0x3 | (uint32(s.MinFilter)&0x3)<<2 | (uint32(s.MipmapFilter)&0x3)<<4,
		0,
	}
}
