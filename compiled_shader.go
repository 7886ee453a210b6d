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

// CacheObject is either a *CompiledShader or a *CompiledPipelineSet.
type CacheObject interface {
	acquire() bool
	Release()
	RefCount() int32
}

var (
	_ CacheObject = (*CompiledShader)(nil)
	_ CacheObject = (*CompiledPipelineSet)(nil)
)

// CompiledShader is the immutable result of compiling one hardware stage.
// It is shared by every pipeline using it and by the cache.
type CompiledShader struct {
	refs   util.RefCount
	digest [20]byte

	code   []byte
	config ShaderConfig
	info   ShaderInfo

	ir          string
	disassembly string

	queue       *uploadQueue
	arenaOffset uint32
	uploadSeq   uint64
}

func shaderDigest(code []byte, config *ShaderConfig, info *ShaderInfo) [20]byte {
	w := util.Writer{}
	w.Bytes32(code)
	util.Write(&w, *config)
	info.encode(&w)
	return sha1.Sum(w.Bytes())
}

// newCompiledShader schedules the upload of code and returns the shader
// holding a single reference.
func newCompiledShader(queue *uploadQueue, code []byte, config ShaderConfig, info ShaderInfo, ir, disassembly string) (*CompiledShader, error) {
	offset, seq, err := queue.upload(code)
	if err != nil {
		return nil, err
	}
	s := &CompiledShader{
		code:        code,
		config:      config,
		info:        info,
		ir:          ir,
		disassembly: disassembly,
		queue:       queue,
		arenaOffset: offset,
		uploadSeq:   seq,
	}
	s.digest = shaderDigest(code, &s.config, &s.info)
	s.refs.Init()
	return s, nil
}

func (s *CompiledShader) acquire() bool {
	return s.refs.Acquire()
}

// Ref adds a reference for a new owner.
func (s *CompiledShader) Ref() *CompiledShader {
	if !s.refs.Acquire() {
		abort("Ref on destroyed shader %x", s.digest)
	}
	return s
}

// Release drops a reference, the last one waits for the upload to land and
// frees the arena block.
func (s *CompiledShader) Release() {
	if !s.refs.Release() {
		return
	}
	s.queue.free(s.arenaOffset, uint32(len(s.code)), s.uploadSeq)
	instance.logger.VPrintf("Destroyed shader %x", s.digest)
}

func (s *CompiledShader) RefCount() int32 {
	return s.refs.Load()
}

func (s *CompiledShader) Digest() [20]byte {
	return s.digest
}

func (s *CompiledShader) Code() []byte {
	return s.code
}

func (s *CompiledShader) Config() ShaderConfig {
	return s.config
}

// Info returns a copy of the final ShaderInfo of the hardware stage.
func (s *CompiledShader) Info() ShaderInfo {
	return s.info.clone()
}

// UploadSequence is the upload timeline value at which Code is resident.
func (s *CompiledShader) UploadSequence() uint64 {
	return s.uploadSeq
}

// Resident reports whether the upload of the code has landed.
func (s *CompiledShader) Resident() bool {
	return s.queue.completed(s.uploadSeq)
}

// DeviceCode waits for the upload and returns the code as stored in the arena.
func (s *CompiledShader) DeviceCode() []byte {
	return s.queue.read(s.arenaOffset, uint32(len(s.code)), s.uploadSeq)
}

func (s *CompiledShader) IR() string {
	return s.ir
}

func (s *CompiledShader) Disassembly() string {
	return s.disassembly
}

func (s *CompiledShader) MarshalJSON() ([]byte, error) {
	buff := bytes.Buffer{}
	buff.WriteString("{")

	buff.WriteString(fmt.Sprintf("\"Digest\": \"%x\",", s.digest))
	buff.WriteString(fmt.Sprintf("\"CodeSize\": %d,", len(s.code)))
	buff.WriteString(fmt.Sprintf("\"UploadSequence\": %d,", s.uploadSeq))
	buff.WriteString(fmt.Sprintf("\"Config\": %s,", jsonString(&s.config)))
	buff.WriteString(fmt.Sprintf("\"Info\": %s", jsonString(&s.info)))

	buff.WriteString("}")
	return buff.Bytes(), nil
}

// CompiledPipelineSet is the ordered list of shaders of a pipeline. The
// order is significant, a GS copy shader is always last.
type CompiledPipelineSet struct {
	refs    util.RefCount
	shaders []*CompiledShader
	aux     []byte
}

// newCompiledPipelineSet takes ownership of one reference of every shader.
func newCompiledPipelineSet(shaders []*CompiledShader, aux []byte) *CompiledPipelineSet {
	p := &CompiledPipelineSet{shaders: shaders, aux: aux}
	p.refs.Init()
	return p
}

func (p *CompiledPipelineSet) acquire() bool {
	return p.refs.Acquire()
}

func (p *CompiledPipelineSet) Release() {
	if !p.refs.Release() {
		return
	}
	for _, s := range p.shaders {
		s.Release()
	}
}

func (p *CompiledPipelineSet) RefCount() int32 {
	return p.refs.Load()
}

// Shaders returns the shaders without adding references.
func (p *CompiledPipelineSet) Shaders() []*CompiledShader {
	return append([]*CompiledShader(nil), p.shaders...)
}

func (p *CompiledPipelineSet) Aux() []byte {
	return p.aux
}
