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
	"crypto/sha1"
	"fmt"

	"goarrg.com/rhi/radv/internal/util"
)

type PushConstantRange struct {
	Stages ShaderStage
	Offset uint32
	Size   uint32
}

// PipelineLayout is the set of descriptor set layouts and push constants the
// stages of a pipeline are compiled against. Dynamic buffer offsets are
// passed as 16 byte descriptors right after the push constants.
type PipelineLayout struct {
	id     string
	name   string
	digest [20]byte

	pushConstantRange    PushConstantRange
	descriptorSetLayouts []*DescriptorSetLayout

	dynamicOffsetCount uint32
	dynamicOffsetStart []uint32
}

// NewPipelineLayout creates a layout, a nil set is an unused set slot which
// happens with independently compiled pipeline libraries.
func NewPipelineLayout(pushConstants PushConstantRange, sets ...*DescriptorSetLayout) *PipelineLayout {
	if pushConstants.Offset+pushConstants.Size > maxPushConstantsSize {
		abort("Failed creating PipelineLayout: push constant range [%d, %d) exceeds %d bytes",
			pushConstants.Offset, pushConstants.Offset+pushConstants.Size, maxPushConstantsSize)
	}
	if (pushConstants.Offset|pushConstants.Size)%4 != 0 {
		abort("Failed creating PipelineLayout: push constant range must be 4 byte aligned: %+v", pushConstants)
	}
	if pushConstants.Size == 0 {
		pushConstants = PushConstantRange{}
	}

	layout := PipelineLayout{
		pushConstantRange:    pushConstants,
		descriptorSetLayouts: sets,
		dynamicOffsetStart:   make([]uint32, len(sets)),
	}
	layout.id = fmt.Sprintf("[%s,%d,%d]", toHex(uint32(pushConstants.Stages)), pushConstants.Offset, pushConstants.Size)
	layout.name = fmt.Sprintf("[%s,%d,%d]", pushConstants.Stages.String(), pushConstants.Offset, pushConstants.Size)

	for i, set := range sets {
		layout.dynamicOffsetStart[i] = layout.dynamicOffsetCount
		if set == nil {
			layout.id += "[null]"
			layout.name += "[null]"
			continue
		}
		layout.dynamicOffsetCount += set.dynamicOffsetCount
		layout.id += set.id
		layout.name += set.name
	}
	layout.digest = sha1.Sum([]byte(layout.id))
	return &layout
}

func (l *PipelineLayout) Digest() [20]byte {
	return l.digest
}

func (l *PipelineLayout) SetCount() uint32 {
	return uint32(len(l.descriptorSetLayouts))
}

func (l *PipelineLayout) PushConstantSize() uint32 {
	return l.pushConstantRange.Offset + l.pushConstantRange.Size
}

// binding returns the layout binding of (set, binding), aborting if the
// shader accesses a resource the layout does not declare.
func (l *PipelineLayout) binding(set, binding uint32) *descriptorSetBinding {
	if set >= uint32(len(l.descriptorSetLayouts)) || l.descriptorSetLayouts[set] == nil {
		abort("Descriptor set %d is not part of the pipeline layout %s", set, l.name)
	}
	b := l.descriptorSetLayouts[set].binding(binding)
	if b == nil {
		abort("Binding %d of set %d is not part of the pipeline layout %s", binding, set, l.name)
	}
	return b
}

// dynamicOffsetBase returns the byte offset within the push constant area of
// the dynamic buffer descriptor for (set, binding).
func (l *PipelineLayout) dynamicOffsetBase(set uint32, b *descriptorSetBinding) uint32 {
	return util.AlignUp(l.PushConstantSize(), 16) + (l.dynamicOffsetStart[set]+b.dynamicOffsetIndex)*dynamicDescriptorSize
}

func (l *PipelineLayout) MarshalJSON() ([]byte, error) {
	buff := bytes.Buffer{}
	buff.WriteString("{")

	buff.WriteString(fmt.Sprintf("\"name\": %q,", l.name))
	buff.WriteString(fmt.Sprintf("\"digest\": %q,", toHex(l.digest)))

	buff.WriteString("\"pushConstantRange\": {")
	buff.WriteString(fmt.Sprintf("\"stage\": %q,", l.pushConstantRange.Stages.String()))
	buff.WriteString(fmt.Sprintf("\"offset\": %d,", l.pushConstantRange.Offset))
	buff.WriteString(fmt.Sprintf("\"size\": %d", l.pushConstantRange.Size))
	buff.WriteString("},")

	buff.WriteString(fmt.Sprintf("\"dynamicOffsetCount\": %d,", l.dynamicOffsetCount))

	buff.WriteString("\"descriptorSetLayout\": [")
	if len(l.descriptorSetLayouts) > 0 {
		for _, layout := range l.descriptorSetLayouts {
			if layout == nil {
				buff.WriteString("null,")
			} else {
				buff.WriteString(fmt.Sprintf("%s,", jsonString(layout)))
			}
		}
		buff.Truncate(buff.Len() - 1)
	}
	buff.WriteString("]")

	buff.WriteString("}")
	return buff.Bytes(), nil
}
