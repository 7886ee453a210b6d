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
	"errors"
	"reflect"
	"sync"
	"testing"

	"goarrg.com/rhi/radv/nir"
)

func newTestShader(t *testing.T, d *Device, code string) *CompiledShader {
	t.Helper()
	info := newShaderInfo(nir.StageCompute, nir.StageNone)
	info.CS().Workgroup = [3]uint32{64, 1, 1}
	info.WaveSize = 32
	info.WorkgroupSize = 64
	info.DescSetUsedMask = 0x1
	s, err := newCompiledShader(d.queue, []byte(code), ShaderConfig{NumSGPRs: 16, NumVGPRs: 8, WaveSize: 32}, info, "ir", "disasm")
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestCacheSerializeShader(t *testing.T) {
	d := newTestDevice(t, GFX10_3, Config{})
	c := d.Cache()
	s := newTestShader(t, d, "RADB serialized shader code")
	defer s.Release()

	key := s.Digest()
	obj, err := c.Deserialize(key[:], c.Serialize(s))
	if err != nil {
		t.Fatal(err)
	}
	defer obj.Release()

	got, ok := obj.(*CompiledShader)
	if !ok {
		t.Fatalf("Deserialize returned %T", obj)
	}
	if got.Digest() != s.Digest() {
		t.Errorf("Digest = %x, want %x", got.Digest(), s.Digest())
	}
	if !bytes.Equal(got.Code(), s.Code()) || got.Config() != s.Config() {
		t.Errorf("Code or config differ")
	}
	gotInfo, wantInfo := got.Info(), s.Info()
	if jsonString(&gotInfo) != jsonString(&wantInfo) {
		t.Errorf("Info differs:\n%s\n%s", jsonString(&gotInfo), jsonString(&wantInfo))
	}
	if got.IR() != "ir" || got.Disassembly() != "disasm" {
		t.Errorf("IR = %q, Disassembly = %q", got.IR(), got.Disassembly())
	}
	if !bytes.Equal(got.DeviceCode(), s.Code()) || !got.Resident() {
		t.Errorf("Uploaded code differs from the compiled code")
	}
}

func TestCacheSerializePipelineSet(t *testing.T) {
	d := newTestDevice(t, GFX10_3, Config{})
	c := d.Cache()
	a := newTestShader(t, d, "shader a")
	b := newTestShader(t, d, "shader b")
	for _, s := range []*CompiledShader{a, b} {
		key := s.Digest()
		c.Insert(key[:], s.Ref()).Release()
	}

	set := newCompiledPipelineSet([]*CompiledShader{b, a}, []byte("aux data"))
	data := c.Serialize(set)
	defer set.Release()

	obj, err := c.Deserialize([]byte("pipeline"), data)
	if err != nil {
		t.Fatal(err)
	}
	got := obj.(*CompiledPipelineSet)
	if len(got.Shaders()) != 2 || got.Shaders()[0] != b || got.Shaders()[1] != a {
		t.Errorf("Shader order was not preserved")
	}
	if string(got.Aux()) != "aux data" {
		t.Errorf("Aux = %q", got.Aux())
	}
	if a.RefCount() != 3 {
		t.Errorf("RefCount = %d, want 3 (cache, set, deserialized set)", a.RefCount())
	}
	got.Release()
	if a.RefCount() != 2 {
		t.Errorf("RefCount = %d after release, want 2", a.RefCount())
	}

	other := newTestDevice(t, GFX10_3, Config{})
	_, err = other.Cache().Deserialize([]byte("pipeline"), data)
	if !errors.Is(err, ErrorCacheIncomplete{}) {
		t.Errorf("Expected ErrorCacheIncomplete, got %v", err)
	}
}

func TestCacheDeserializeInvalid(t *testing.T) {
	d := newTestDevice(t, GFX10_3, Config{})
	c := d.Cache()
	s := newTestShader(t, d, "shader")
	defer s.Release()
	key := s.Digest()
	data := c.Serialize(s)

	tests := []struct {
		name string
		key  []byte
		data []byte
	}{
		{"empty", key[:], nil},
		{"magic", key[:], append([]byte{0, 0, 0, 0}, data[4:]...)},
		{"truncated", key[:], data[:len(data)-3]},
		{"trailing", key[:], append(append([]byte(nil), data...), 0)},
		{"digest", bytes.Repeat([]byte{0xAB}, 20), data},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			obj, err := c.Deserialize(test.key, test.data)
			if err == nil {
				obj.Release()
				t.Fatalf("Expected an error")
			}
			if !errors.Is(err, ErrorInvalidCacheData{}) {
				t.Errorf("Expected ErrorInvalidCacheData, got %v", err)
			}
		})
	}

	other := newTestDevice(t, GFX11, Config{})
	if _, err := other.Cache().Deserialize(key[:], data); !errors.Is(err, ErrorInvalidCacheData{}) {
		t.Errorf("Entries of another build must be rejected, got %v", err)
	}
}

func TestCacheInsertRace(t *testing.T) {
	const n = 16
	d := newTestDevice(t, GFX10_3, Config{})
	c := d.Cache()
	key := []byte("contended key")

	created := make([]*CompiledShader, n)
	returned := make([]CacheObject, n)
	start := make(chan struct{})
	wg := sync.WaitGroup{}
	for i := range n {
		created[i] = newTestShader(t, d, "same code")
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			returned[i] = c.Insert(key, created[i])
		}()
	}
	close(start)
	wg.Wait()

	winner := returned[0]
	for i, obj := range returned {
		if obj != winner {
			t.Fatalf("Insert %d returned a different object than Insert 0", i)
		}
	}
	winners := 0
	for _, s := range created {
		switch {
		case CacheObject(s) == winner:
			winners++
		case s.RefCount() != 0:
			t.Errorf("Losing object still has %d references", s.RefCount())
		}
	}
	if winners != 1 {
		t.Fatalf("Got %d winners, want 1", winners)
	}
	if winner.RefCount() != n+1 {
		t.Errorf("Winner RefCount = %d, want %d", winner.RefCount(), n+1)
	}
	for _, obj := range returned {
		obj.Release()
	}
	if winner.RefCount() != 1 {
		t.Errorf("Winner RefCount = %d, want 1 held by the cache", winner.RefCount())
	}

	stats := c.Stats()
	if stats.Inserts != 1 || stats.Races != n-1 {
		t.Errorf("Stats = %+v, want 1 insert and %d races", stats, n-1)
	}
	if c.Len() != 1 {
		t.Errorf("Len = %d, want 1", c.Len())
	}

	obj, ok := c.Lookup(key)
	if !ok || obj != winner {
		t.Fatalf("Lookup did not return the winner")
	}
	obj.Release()
}

func TestCacheEviction(t *testing.T) {
	d := newTestDevice(t, GFX10_3, Config{CacheMaxEntries: 2})
	c := d.Cache()

	var shaders []*CompiledShader
	for _, code := range []string{"first", "second", "third"} {
		s := newTestShader(t, d, code)
		shaders = append(shaders, s.Ref())
		key := s.Digest()
		c.Insert(key[:], s).Release()
	}
	defer func() {
		for _, s := range shaders {
			s.Release()
		}
	}()

	if c.Len() != 2 {
		t.Errorf("Len = %d, want 2", c.Len())
	}
	if c.Stats().Evictions != 1 {
		t.Errorf("Evictions = %d, want 1", c.Stats().Evictions)
	}
	if shaders[0].RefCount() != 1 {
		t.Errorf("Evicted shader RefCount = %d, want 1", shaders[0].RefCount())
	}
	key := shaders[0].Digest()
	if _, ok := c.Lookup(key[:]); ok {
		t.Errorf("Evicted shader is still cached")
	}
	key = shaders[2].Digest()
	if obj, ok := c.Lookup(key[:]); !ok {
		t.Errorf("Newest shader is not cached")
	} else {
		obj.Release()
	}
}

func TestCacheDisabled(t *testing.T) {
	for _, config := range []Config{{DisableCache: true}, {DisableOptimizations: true}} {
		d := newTestDevice(t, GFX10_3, config)
		c := d.Cache()
		if !c.Disabled() {
			t.Fatalf("%+v: cache is not disabled", config)
		}
		s := newTestShader(t, d, "code")
		key := s.Digest()
		if got := c.Insert(key[:], s); got != CacheObject(s) {
			t.Errorf("Insert into a disabled cache must return the object")
		}
		if _, ok := c.Lookup(key[:]); ok {
			t.Errorf("Lookup hit in a disabled cache")
		}
		if c.Len() != 0 {
			t.Errorf("Len = %d, want 0", c.Len())
		}
		s.Release()
		if s.RefCount() != 0 {
			t.Errorf("RefCount = %d, want 0", s.RefCount())
		}
	}
}

func TestCacheExportImport(t *testing.T) {
	src := newTestDevice(t, GFX10_3, Config{})
	a := newTestShader(t, src, "shader a")
	b := newTestShader(t, src, "shader b")
	for _, s := range []*CompiledShader{a, b} {
		key := s.Digest()
		src.Cache().Insert(key[:], s.Ref()).Release()
	}
	src.Cache().Insert([]byte("pipeline"), newCompiledPipelineSet([]*CompiledShader{a.Ref(), b.Ref()}, []byte{1, 2, 3})).Release()
	data := src.Cache().Export()

	dst := newTestDevice(t, GFX10_3, Config{})
	n, err := dst.Cache().Import(data)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 || dst.Cache().Len() != 3 {
		t.Fatalf("Imported %d entries, cache has %d, want 3", n, dst.Cache().Len())
	}
	obj, ok := dst.Cache().Lookup([]byte("pipeline"))
	if !ok {
		t.Fatalf("Pipeline set was not imported")
	}
	set := obj.(*CompiledPipelineSet)
	if len(set.Shaders()) != 2 || set.Shaders()[0].Digest() != a.Digest() || set.Shaders()[1].Digest() != b.Digest() {
		t.Errorf("Imported pipeline set references the wrong shaders")
	}
	if !bytes.Equal(set.Aux(), []byte{1, 2, 3}) {
		t.Errorf("Aux = %v", set.Aux())
	}
	set.Release()

	if !reflect.DeepEqual(src.Cache().sortedKeys(), dst.Cache().sortedKeys()) {
		t.Errorf("Imported keys differ from the exported keys")
	}

	other := newTestDevice(t, GFX9, Config{})
	if n, err := other.Cache().Import(data); err != nil || n != 0 {
		t.Errorf("Import into another build = %d, %v, want 0 entries and no error", n, err)
	}
	if _, err := other.Cache().Import([]byte("garbage")); !errors.Is(err, ErrorInvalidCacheData{}) {
		t.Errorf("Expected ErrorInvalidCacheData, got %v", err)
	}

	a.Release()
	b.Release()
}
