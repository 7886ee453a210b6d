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
	"encoding/hex"
	"errors"
	"slices"

	"github.com/zeebo/blake3"
	"golang.org/x/sync/errgroup"

	"goarrg.com/debug"
	"goarrg.com/rhi/radv/internal/util"
	"goarrg.com/rhi/radv/nir"
)

// pipelineAux is stored next to the shaders of a cached pipeline set, it
// holds what the pipeline needs besides the compiled code.
type pipelineAux struct {
	stages        ShaderStage
	hasCopyShader bool
	infos         [nir.StageCount]ShaderInfo
	hashes        [nir.StageCount][20]byte
	retained      [nir.StageCount][]byte
}

func (a *pipelineAux) encode() []byte {
	w := util.Writer{}
	w.U32(uint32(a.stages))
	if a.hasCopyShader {
		w.U8(1)
	} else {
		w.U8(0)
	}
	forEachBit(uint64(a.stages), func(s uint32) {
		w.Raw(a.hashes[s][:])
		a.infos[s].encode(&w)
		w.Bytes32(a.retained[s])
	})
	return w.Bytes()
}

func decodePipelineAux(data []byte) (pipelineAux, error) {
	a := pipelineAux{}
	r := util.NewReader(data)
	a.stages = ShaderStage(r.U32())
	a.hasCopyShader = r.U8() != 0
	if r.Err() != nil {
		return a, invalidCacheData(r.Err(), "Truncated pipeline aux data")
	}
	if a.stages&^ShaderStageAll != 0 {
		return a, invalidCacheData(nil, "Invalid pipeline aux stages 0x%X", uint32(a.stages))
	}
	var err error
	forEachBit(uint64(a.stages), func(s uint32) {
		if err != nil {
			return
		}
		copy(a.hashes[s][:], r.Raw(20))
		if a.infos[s], err = decodeShaderInfo(r); err != nil {
			return
		}
		if a.infos[s].Stage != nir.Stage(s) {
			err = debug.Errorf("ShaderInfo of %s is tagged %s", nir.Stage(s), a.infos[s].Stage)
			return
		}
		if ir := r.Bytes32(); len(ir) > 0 {
			a.retained[s] = ir
		}
	})
	if err == nil {
		err = r.Err()
	}
	if err != nil {
		return a, invalidCacheData(err, "Invalid pipeline aux data")
	}
	if r.Remaining() != 0 {
		return a, invalidCacheData(nil, "%d trailing bytes after pipeline aux data", r.Remaining())
	}
	return a, nil
}

func (a *pipelineAux) hasRetainedIR() bool {
	ok := true
	forEachBit(uint64(a.stages), func(s uint32) {
		ok = ok && a.retained[s] != nil
	})
	return ok
}

// hardwareStage is what the backend compiles into one binary, first is the
// merged-in first half or nil.
type hardwareStage struct {
	first  *shaderStage
	second *shaderStage
}

type compileResult struct {
	shaders []*CompiledShader
	aux     pipelineAux
}

func (r *compileResult) release() {
	for _, s := range r.shaders {
		s.Release()
	}
	r.shaders = nil
}

// pipelineBuild is the state of one pipeline creation, it is owned by the
// calling goroutine.
type pipelineBuild struct {
	device  *Device
	layout  *PipelineLayout
	flags   PipelineCreateFlags
	inputs  []ShaderStageCreateInfo
	key     PipelineKey
	digest  [32]byte
	capture bool
	stats   PipelineStats
}

func newPipelineBuild(d *Device, layout *PipelineLayout, flags PipelineCreateFlags, inputs []ShaderStageCreateInfo) *pipelineBuild {
	inputs = slices.Clone(inputs)
	slices.SortFunc(inputs, func(a, b ShaderStageCreateInfo) int {
		return int(a.stage()) - int(b.stage())
	})
	for i := 1; i < len(inputs); i++ {
		if inputs[i].stage() == inputs[i-1].stage() {
			abort("Duplicate %s stage", inputs[i].stage())
		}
	}
	return &pipelineBuild{
		device:  d,
		layout:  layout,
		flags:   flags,
		inputs:  inputs,
		capture: hasBits(flags, PipelineCreateCaptureInternal) || d.config.captureShaders,
	}
}

func (b *pipelineBuild) enter(s PipelineState) {
	b.stats.States = append(b.stats.States, s)
	instance.logger.VPrintf("Pipeline %x: %s", b.digest[:8], s)
}

func (b *pipelineBuild) retainIR() bool {
	return hasBits(b.flags, PipelineCreateLibrary) && hasBits(b.flags, PipelineCreateRetainLinkTimeOptimizationInfo)
}

// hash derives the cache digest from everything that affects the generated code.
func (b *pipelineBuild) hash() {
	h := blake3.New()
	h.Write(b.device.properties.BuildID[:])
	h.Write(b.key.Bytes())
	layout := b.layout.Digest()
	h.Write(layout[:])
	for _, in := range b.inputs {
		hash := in.contentHash()
		h.Write([]byte{byte(in.stage())})
		h.Write(hash[:])
	}
	copy(b.digest[:], h.Sum(nil))
}

func (b *pipelineBuild) run(ctx context.Context) (*Pipeline, error) {
	d := b.device
	b.enter(PipelineStateKeyDerived)
	b.hash()
	b.enter(PipelineStateHashed)

	if !b.capture {
		b.enter(PipelineStateCacheChecked)
		if p, ok := b.lookup(); ok {
			b.enter(PipelineStateDone)
			return p, nil
		}
	}
	if hasBits(b.flags, PipelineCreateFailOnCompileRequired) {
		return nil, debug.ErrorWrapf(ErrorCompileRequired{}, "Pipeline %x is not cached", b.digest)
	}

	if b.capture || d.cache.Disabled() || b.stats.CacheIncomplete {
		r, err := b.compile(ctx)
		if err != nil {
			return nil, err
		}
		return b.finish(r), nil
	}

	// Only the goroutine running the flight compiles, the others adopt the
	// result from the cache once it lands. A flight stopped by the leader's
	// context is retried by every caller whose own context is still live.
	for {
		own, leader, err := b.flight(ctx)
		if own != nil {
			return b.finish(own), nil
		}
		if err == nil {
			break
		}
		if leader || !isContextError(err) || ctx.Err() != nil {
			return nil, err
		}
		instance.logger.VPrintf("Pipeline %x: joined compile was canceled, retrying", b.digest)
		if p, ok := b.lookup(); ok {
			b.enter(PipelineStateDone)
			return p, nil
		}
	}
	if p, ok := b.lookup(); ok {
		b.enter(PipelineStateDone)
		return p, nil
	}
	instance.logger.WPrintf("Pipeline %x was evicted before it could be adopted, compiling", b.digest)
	r, err := b.compile(ctx)
	if err != nil {
		return nil, err
	}
	return b.finish(r), nil
}

// flight compiles and inserts the pipeline or waits for the goroutine already
// doing so. own is only set for the goroutine that compiled.
func (b *pipelineBuild) flight(ctx context.Context) (own *compileResult, leader bool, err error) {
	_, err, _ = b.device.flight.Do(hex.EncodeToString(b.digest[:]), func() (any, error) {
		leader = true
		r, err := b.compile(ctx)
		if err != nil {
			return nil, err
		}
		b.insert(r)
		own = r
		return nil, nil
	})
	return own, leader, err
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// lookup adopts the cached pipeline set for the digest. An entry that cannot
// be used is reported as a miss.
func (b *pipelineBuild) lookup() (*Pipeline, bool) {
	obj, ok := b.device.cache.Lookup(b.digest[:])
	if !ok {
		return nil, false
	}
	defer obj.Release()

	set, ok := obj.(*CompiledPipelineSet)
	if !ok {
		instance.logger.WPrintf("Cache entry %x is not a pipeline set", b.digest)
		b.stats.CacheIncomplete = true
		return nil, false
	}
	aux, err := decodePipelineAux(set.Aux())
	if err == nil && b.retainIR() && !aux.hasRetainedIR() {
		err = debug.ErrorWrapf(ErrorCacheIncomplete{}, "Library %x has no retained IR", b.digest)
	}
	if err == nil && aux.stages != b.presentStages() {
		err = debug.ErrorWrapf(ErrorCacheIncomplete{}, "Cached stages %s do not match %s", aux.stages, b.presentStages())
	}
	if err != nil {
		instance.logger.WPrintf("Cached pipeline %x is incomplete, compiling: %s", b.digest, err)
		b.stats.CacheIncomplete = true
		return nil, false
	}

	shaders := make([]*CompiledShader, len(set.Shaders()))
	for i, s := range set.Shaders() {
		shaders[i] = s.Ref()
	}
	b.stats.CacheHit = true
	return b.newPipeline(shaders, &aux), true
}

func (b *pipelineBuild) presentStages() ShaderStage {
	present := ShaderStage(0)
	for _, in := range b.inputs {
		present |= shaderStageBit(in.stage())
	}
	return present
}

// insert stores every shader under its own digest and the set under the
// pipeline digest. The references of r stay owned by r.
func (b *pipelineBuild) insert(r *compileResult) {
	b.enter(PipelineStateCacheInserted)
	c := b.device.cache
	shaders := make([]*CompiledShader, len(r.shaders))
	for i, s := range r.shaders {
		// an identical shader may already be cached, the set then shares it
		shaders[i] = c.Insert(s.digest[:], s.Ref()).(*CompiledShader)
	}
	set := newCompiledPipelineSet(shaders, r.aux.encode())
	c.Insert(b.digest[:], set).Release()
}

func (b *pipelineBuild) finish(r *compileResult) *Pipeline {
	p := b.newPipeline(r.shaders, &r.aux)
	r.shaders = nil
	b.enter(PipelineStateDone)
	instance.logger.VPrintf("Created pipeline %x: %+v", b.digest, p.stats)
	return p
}

// newPipeline takes ownership of the shader references.
func (b *pipelineBuild) newPipeline(shaders []*CompiledShader, aux *pipelineAux) *Pipeline {
	p := &Pipeline{
		device:        b.device,
		layout:        b.layout,
		flags:         b.flags,
		key:           b.key,
		digest:        b.digest,
		stages:        aux.stages,
		shaders:       shaders,
		hasCopyShader: aux.hasCopyShader,
		hashes:        aux.hashes,
		retained:      aux.retained,
	}
	forEachBit(uint64(aux.stages), func(s uint32) {
		p.infos[s] = aux.infos[s].clone()
	})
	p.stats = b.stats
	p.init()
	return p
}

func (b *pipelineBuild) compile(ctx context.Context) (*compileResult, error) {
	props := &b.device.properties
	stages := make([]*shaderStage, len(b.inputs))
	byStage := [nir.StageCount]*shaderStage{}
	for i, in := range b.inputs {
		stages[i] = newShaderStage(in)
		if b.retainIR() {
			stages[i].retained = nir.Encode(stages[i].nir)
		}
		byStage[stages[i].stage] = stages[i]
	}
	next := func(i int) nir.Stage {
		if i+1 < len(stages) {
			return stages[i+1].stage
		}
		return nir.StageNone
	}

	forceVRS := b.forceVRS(byStage)
	b.enter(PipelineStateGathering)
	g, gctx := errgroup.WithContext(ctx)
	for i, s := range stages {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			s.info = gatherShaderInfo(props, s.nir, &b.key, b.layout, next(i), forceVRS)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, debug.ErrorWrapf(err, "Gathering of pipeline %x stopped", b.digest)
	}
	b.stats.Gathered += uint32(len(stages))

	b.enter(PipelineStateLinking)
	b.link(stages)
	b.size(byStage)
	groups := b.hardwareStages(byStage)
	for _, hw := range groups {
		previous := nir.StageNone
		if hw.first != nil {
			previous = hw.first.stage
		}
		hw.second.args = declareArgs(props, &b.key, &hw.second.info, hw.second.stage, previous, false)
		if hw.first != nil {
			hw.first.args = hw.second.args
		}
	}

	b.enter(PipelineStateLowering)
	for i, s := range stages {
		l := lowerState{props: props, key: &b.key, layout: b.layout, stage: s}
		if i > 0 {
			l.prev = stages[i-1]
		}
		if i+1 < len(stages) {
			l.next = stages[i+1]
		}
		l.lower()
		b.stats.Lowered++
	}

	var copyShader *shaderStage
	if gs := byStage[nir.StageGeometry]; gs != nil && !gs.info.IsNGG {
		copyShader = newGSCopyShader(props, &b.key, b.layout, gs)
	}

	b.enter(PipelineStateBackendCompiled)
	r := &compileResult{}
	for _, hw := range groups {
		s, err := b.compileHardwareStage(ctx, hw, false)
		if err != nil {
			r.release()
			return nil, err
		}
		r.shaders = append(r.shaders, s)
	}
	if copyShader != nil {
		s, err := b.compileHardwareStage(ctx, hardwareStage{second: copyShader}, true)
		if err != nil {
			r.release()
			return nil, err
		}
		r.shaders = append(r.shaders, s)
		r.aux.hasCopyShader = true
	}

	for _, s := range stages {
		bit := shaderStageBit(s.stage)
		r.aux.stages |= bit
		r.aux.infos[s.stage] = s.info.clone()
		r.aux.hashes[s.stage] = s.hash
		r.aux.retained[s.stage] = s.retained
	}
	return r, nil
}

// forceVRS reports whether the last pre-rasterization stage exports the
// device's forced shading rate. Fragment shaders reading their coordinate are
// left alone as coarse shading changes it.
func (b *pipelineBuild) forceVRS(byStage [nir.StageCount]*shaderStage) bool {
	fs := byStage[nir.StageFragment]
	if !b.key.hasFlags(KeyForceVRS) || fs == nil || byStage[nir.StageMesh] != nil {
		return false
	}
	readsFragCoord := false
	fs.nir.Walk(func(_ nir.Value, in *nir.Instr) {
		readsFragCoord = readsFragCoord || in.Op == nir.OpLoadFragCoord
	})
	return !readsFragCoord
}

// link walks the stage pairs from the fragment end towards the vertex end.
// Boundaries to stages compiled separately are linked against nil.
func (b *pipelineBuild) link(stages []*shaderStage) {
	props := &b.device.properties
	last := stages[len(stages)-1]
	if b.key.hasFlags(KeyUnknownConsumer) && last.stage != nir.StageFragment {
		linkStages(props, last, nil)
		b.stats.Linked++
	}
	for i := len(stages) - 1; i > 0; i-- {
		linkStages(props, stages[i-1], stages[i])
		b.stats.Linked++
	}
	if b.key.hasFlags(KeyUnknownProducer) && stages[0].stage == nir.StageFragment {
		linkStages(props, nil, stages[0])
		b.stats.Linked++
	}
}

// size computes the tessellation and geometry subgroup sizes, then merges
// the info of stages sharing a hardware stage.
func (b *pipelineBuild) size(byStage [nir.StageCount]*shaderStage) {
	props := &b.device.properties
	info := func(s nir.Stage) *ShaderInfo {
		if byStage[s] == nil {
			return nil
		}
		return &byStage[s].info
	}

	vs, tcs, tes, gs, mesh := info(nir.StageVertex), info(nir.StageTessCtrl), info(nir.StageTessEval), info(nir.StageGeometry), info(nir.StageMesh)
	if tcs != nil {
		sizeTess(props, &b.key, vs, tcs, tes)
		b.stats.NGGSized++
	}
	es := vs
	if tes != nil {
		es = tes
	}
	switch {
	case mesh != nil:
		sizeMeshNGG(mesh)
		b.stats.NGGSized++
	case gs != nil && gs.IsNGG:
		sizeNGG(props, &b.key, es, gs)
		b.stats.NGGSized++
	case gs != nil:
		sizeLegacyGS(props, es, gs)
		b.stats.NGGSized++
	case es != nil && es.IsNGG:
		sizeNGG(props, &b.key, es, nil)
		b.stats.NGGSized++
	}

	if !props.HasMergedShaders() {
		return
	}
	if vs != nil && tcs != nil {
		mergeShaderInfo(vs, tcs)
	}
	if es != nil && gs != nil {
		mergeShaderInfo(es, gs)
	}
}

// hardwareStages groups the logical stages into what runs as one hardware
// stage, in pipeline order.
func (b *pipelineBuild) hardwareStages(byStage [nir.StageCount]*shaderStage) []hardwareStage {
	merged := b.device.properties.HasMergedShaders()
	vs, tcs, tes, gs := byStage[nir.StageVertex], byStage[nir.StageTessCtrl], byStage[nir.StageTessEval], byStage[nir.StageGeometry]
	es := vs
	if tes != nil {
		es = tes
	}

	var groups []hardwareStage
	for _, s := range byStage {
		if s == nil {
			continue
		}
		if merged {
			switch {
			case s == vs && tcs != nil:
				continue
			case s == es && gs != nil:
				continue
			case s == tcs:
				groups = append(groups, hardwareStage{first: vs, second: tcs})
				continue
			case s == gs:
				groups = append(groups, hardwareStage{first: es, second: gs})
				continue
			}
		}
		groups = append(groups, hardwareStage{second: s})
	}
	return groups
}

func (b *pipelineBuild) compileHardwareStage(ctx context.Context, hw hardwareStage, isCopyShader bool) (*CompiledShader, error) {
	d := b.device
	req := BackendRequest{
		Properties:   &d.properties,
		Key:          &b.key,
		Args:         &hw.second.args,
		Capture:      b.capture,
		IsCopyShader: isCopyShader,
	}
	if hw.first != nil {
		req.Stages = append(req.Stages, BackendStage{Shader: hw.first.nir, Info: &hw.first.info})
	}
	req.Stages = append(req.Stages, BackendStage{Shader: hw.second.nir, Info: &hw.second.info})

	result, err := d.config.backend.Compile(ctx, &req)
	b.stats.BackendCompiles++
	if err != nil && isContextError(err) {
		return nil, debug.ErrorWrapf(err, "Compile of %s stopped", hw.second.stage)
	}
	if err != nil {
		return nil, debug.ErrorWrapf(ErrorBackendCompile{}, "%s backend failed to compile %s: %v", d.config.backend.Name(), hw.second.stage, err)
	}
	if result.Config.WaveSize == 0 {
		result.Config.WaveSize = hw.second.info.WaveSize
	}
	s, err := newCompiledShader(d.queue, result.Code, result.Config, hw.second.info.clone(), result.IR, result.Disassembly)
	if err != nil {
		return nil, debug.ErrorWrapf(err, "Failed to upload %s", hw.second.stage)
	}
	instance.logger.VPrintf("Compiled %s: %d bytes sgpr=%d vgpr=%d lds=%d", hw.second.stage, len(result.Code),
		result.Config.NumSGPRs, result.Config.NumVGPRs, result.Config.LDSSize)
	return s, nil
}
