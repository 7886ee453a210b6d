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
	"goarrg.com/rhi/radv/nir"
)

// samplerOffset is the offset of the sampler words within a descriptor.
func samplerOffset(t DescriptorType) uint32 {
	if t == DescriptorTypeCombinedImageSampler {
		return sampledImageDescSize
	}
	return 0
}

type descriptorLowering struct {
	*lowerState
	r *nir.Rewriter
	// samplers maps resource values used as samplers to their lowered sampler descriptor.
	samplers map[nir.Value]nir.Value
	// samplerUse holds the resource values consumed as the sampler of an image sample.
	samplerUse map[nir.Value]bool
}

// indexed returns base + index*stride with arithmetic that cannot wrap, so
// that later passes may combine equal address computations.
func (d *descriptorLowering) indexed(index nir.Value, base, stride uint32) nir.Value {
	if imm, ok := constValue(d.stage.nir, index); ok {
		return d.r.Const32(base + uint32(imm)*stride)
	}
	offset := d.r.ALU(nir.OpIMul, 32, nowrap, d.r.Map(index), d.r.Const32(stride))
	return d.r.ALU(nir.OpIAdd, 32, nowrap, offset, d.r.Const32(base))
}

func (d *descriptorLowering) setPointer(set uint32) nir.Value {
	args := &d.stage.args
	var ptr nir.Value
	if args.IndirectDescSets {
		ptr = loadSMEM(d.r, loadArg(d.r, args, ArgIndirectDescSets, 0), d.r.Const32(set*4), 1)
	} else {
		ptr = loadArg(d.r, args, ArgDescSet, uint8(set))
	}
	return d.r.Emit(nir.Instr{Op: nir.OpLoadDescSetPtr, Set: set, Srcs: []nir.Value{ptr},
		Imm: uint64(d.props.InlineBlockAddressHigh), BitSize: 32, Comps: 2, Var: -1})
}

// multiPlane loads the descriptor of a plane past the first. Only the first
// 16 bytes of every extra plane are stored, the tail is shared with the
// first plane.
func (d *descriptorLowering) multiPlane(setPtr nir.Value, b *descriptorSetBinding, index nir.Value, plane uint32) nir.Value {
	head := loadSMEM(d.r, setPtr, d.indexed(index, b.offset+ycbcrPlane0Size+ycbcrPlaneSize*(plane-1), b.stride), 4)
	tail := loadSMEM(d.r, setPtr, d.indexed(index, b.offset+ycbcrPlaneSize, b.stride), 4)
	words := make([]nir.Value, 0, 8)
	for _, v := range []nir.Value{head, tail} {
		for c := range uint32(4) {
			words = append(words, d.r.Extract(v, c))
		}
	}
	return d.r.Vec(32, words...)
}

func (d *descriptorLowering) sampler(setPtr nir.Value, b *descriptorSetBinding, index nir.Value) nir.Value {
	if len(b.immutableSamplers) > 0 {
		if imm, ok := constValue(d.stage.nir, index); ok {
			if imm >= uint64(len(b.immutableSamplers)) {
				abort("Immutable sampler index %d out of range for binding %d", imm, b.binding)
			}
			words := b.immutableSamplers[imm]
			return d.r.Emit(nir.Instr{Op: nir.OpSamplerConst, Data: words[:], BitSize: 32, Comps: 4, Var: -1})
		}
	}
	return loadSMEM(d.r, setPtr, d.indexed(index, b.offset+samplerOffset(b.typ), b.stride), 4)
}

func (d *descriptorLowering) resource(v nir.Value, in *nir.Instr) nir.Value {
	b := d.layout.binding(in.Set, in.Binding)
	index := in.Srcs[0]
	args := &d.stage.args

	switch {
	case b.typ.isDynamic():
		offset := d.indexed(index, d.layout.dynamicOffsetBase(in.Set, b), dynamicDescriptorSize)
		return loadSMEM(d.r, loadArg(d.r, args, ArgPushConstants, 0), offset, 4)
	case b.typ == DescriptorTypeInlineUniformBlock:
		addr := d.r.ALU(nir.OpIAdd, 32, nowrap, d.setPointer(in.Set), d.r.Const32(b.offset))
		return d.r.Emit(nir.Instr{Op: nir.OpBufferDesc, Srcs: []nir.Value{addr}, Imm: uint64(d.props.InlineBlockAddressHigh),
			Range: b.count, BitSize: 32, Comps: 4, Var: -1})
	}

	setPtr := d.setPointer(in.Set)
	if d.samplerUse[v] && (b.typ == DescriptorTypeSampler || b.typ == DescriptorTypeCombinedImageSampler) {
		d.samplers[v] = d.sampler(setPtr, b, index)
	}
	switch b.typ {
	case DescriptorTypeSampler:
		if s, ok := d.samplers[v]; ok {
			return s
		}
		return d.sampler(setPtr, b, index)
	case DescriptorTypeCombinedImageSampler, DescriptorTypeSampledImage, DescriptorTypeStorageImage:
		if plane := in.Range; plane > 0 {
			if plane >= b.ycbcrPlanes {
				abort("Plane %d out of range for binding %d with %d planes", plane, b.binding, b.ycbcrPlanes)
			}
			return d.multiPlane(setPtr, b, index, plane)
		}
		return loadSMEM(d.r, setPtr, d.indexed(index, b.offset, b.stride), 8)
	case DescriptorTypeUniformTexelBuffer, DescriptorTypeStorageTexelBuffer, DescriptorTypeUniformBuffer, DescriptorTypeStorageBuffer:
		return loadSMEM(d.r, setPtr, d.indexed(index, b.offset, b.stride), 4)

	default:
		abort("Unknown DescriptorType: %d", b.typ)
		return nir.NoValue
	}
}

func (d *descriptorLowering) pushConstant(in *nir.Instr) nir.Value {
	args := &d.stage.args
	if start, end, ok := loadRange(d.stage.nir, in); ok && end <= maxInlinePushConstWords*4 &&
		hasBits(args.InlinePushConstantMask, bitRange(start/4, uint32(in.Comps))) {
		words := make([]nir.Value, in.Comps)
		for i := range words {
			words[i] = loadArg(d.r, args, ArgInlinePushConst, uint8(start/4+uint32(i)))
		}
		if len(words) == 1 {
			return words[0]
		}
		return d.r.Vec(32, words...)
	}

	var offset nir.Value
	if imm, ok := constValue(d.stage.nir, in.Srcs[0]); ok {
		offset = d.r.Const32(in.Base + uint32(imm))
	} else {
		offset = d.r.ALU(nir.OpIAdd, 32, nowrap, d.r.Map(in.Srcs[0]), d.r.Const32(in.Base))
	}
	return loadSMEM(d.r, loadArg(d.r, args, ArgPushConstants, 0), offset, in.Comps)
}

// lowerDescriptors turns resource indices into descriptor loads using the
// pipeline layout and push constant loads into argument or memory loads.
func lowerDescriptors(l *lowerState) bool {
	s := l.stage.nir
	d := descriptorLowering{lowerState: l, samplers: map[nir.Value]nir.Value{}, samplerUse: map[nir.Value]bool{}}
	s.Walk(func(_ nir.Value, in *nir.Instr) {
		if in.Op != nir.OpImageSample {
			return
		}
		src := in.Srcs[1]
		for src >= 0 && s.Instr(src).Op == nir.OpReadFirstLane {
			d.samplerUse[src] = true
			src = s.Instr(src).Srcs[0]
		}
		d.samplerUse[src] = true
	})

	count := 0
	nir.Rewrite(s, func(r *nir.Rewriter, v nir.Value, in *nir.Instr) (nir.Value, bool) {
		d.r = r
		switch in.Op {
		case nir.OpResourceIndex:
			count++
			return d.resource(v, in), true
		case nir.OpLoadPushConstant:
			count++
			return d.pushConstant(in), true
		case nir.OpReadFirstLane:
			sampler, ok := d.samplers[in.Srcs[0]]
			if !ok {
				return nir.NoValue, false
			}
			c := copyInstr(r, in)
			main := r.Emit(c)
			c.Srcs = []nir.Value{sampler}
			c.Comps = r.Shader().Instr(sampler).Comps
			d.samplers[v] = r.Emit(c)
			return main, true
		case nir.OpImageSample:
			sampler, ok := d.samplers[in.Srcs[1]]
			if !ok {
				return nir.NoValue, false
			}
			c := copyInstr(r, in)
			c.Srcs[1] = sampler
			return r.Emit(c), true
		}
		return nir.NoValue, false
	})
	if count == 0 {
		return false
	}
	nir.RemoveDeadCode(s)
	nir.CSE(s)
	return true
}
