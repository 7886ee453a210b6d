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
	"encoding/hex"
	"fmt"
	"slices"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"goarrg.com/debug"
	"goarrg.com/rhi/radv/internal/util"
)

const (
	cacheEntryMagic  uint32 = 0x43564452 // "RDVC"
	cacheExportMagic uint32 = 0x58564452 // "RDVX"

	binaryFormatReference uint32 = 1
)

type CacheStats struct {
	Hits      uint64
	Misses    uint64
	Inserts   uint64
	Races     uint64
	Evictions uint64
}

// ShaderCache is a content addressed store of compiled shaders and pipeline
// sets. At most one object is live per key, lookups and inserts are safe
// from any goroutine and the lock is only held across table updates.
type ShaderCache struct {
	noCopy  util.NoCopy
	mtx     sync.Mutex
	config  cacheConfig
	buildID [20]byte
	queue   *uploadQueue
	table   *lru.Cache[string, CacheObject]
	stats   CacheStats
	// evicted collects objects dropped by the table while mtx is held, they
	// are released once it is unlocked.
	evicted []CacheObject
}

func newShaderCache(config cacheConfig, buildID [20]byte, queue *uploadQueue) *ShaderCache {
	c := &ShaderCache{config: config, buildID: buildID, queue: queue}
	c.noCopy.Init()
	var err error
	c.table, err = lru.NewWithEvict[string, CacheObject](max(config.maxEntries, 1), c.onEvict)
	if err != nil {
		abort("Failed to create cache table: %s", err)
	}
	if config.disabled {
		instance.logger.WPrintf("Shader cache is disabled")
	}
	return c
}

func (c *ShaderCache) onEvict(_ string, obj CacheObject) {
	c.evicted = append(c.evicted, obj)
	c.stats.Evictions++
}

// unlock releases mtx and then the references of evicted objects, which may
// block on pending uploads.
func (c *ShaderCache) unlock() {
	evicted := c.evicted
	c.evicted = nil
	c.mtx.Unlock()
	for _, obj := range evicted {
		obj.Release()
	}
}

func (c *ShaderCache) Disabled() bool {
	return c.config.disabled
}

// Lookup returns the object stored under key with a reference added for the
// caller.
func (c *ShaderCache) Lookup(key []byte) (CacheObject, bool) {
	c.noCopy.Check()
	if c.config.disabled {
		return nil, false
	}
	c.mtx.Lock()
	defer c.unlock()
	if obj, ok := c.table.Get(string(key)); ok && obj.acquire() {
		c.stats.Hits++
		return obj, true
	}
	c.stats.Misses++
	return nil, false
}

// Insert stores obj under key and consumes the caller's reference to it. If
// another object won the race for key, obj is released and the winner is
// returned instead. Either way the returned object carries a reference owned
// by the caller.
func (c *ShaderCache) Insert(key []byte, obj CacheObject) CacheObject {
	c.noCopy.Check()
	if c.config.disabled {
		return obj
	}

	c.mtx.Lock()
	if existing, ok := c.table.Get(string(key)); ok && existing.acquire() {
		c.stats.Races++
		c.unlock()
		obj.Release()
		return existing
	}
	if !obj.acquire() {
		c.unlock()
		abort("Inserting a destroyed object into the cache")
	}
	c.table.Add(string(key), obj)
	c.stats.Inserts++
	c.unlock()
	return obj
}

func (c *ShaderCache) Len() int {
	c.noCopy.Check()
	return c.table.Len()
}

func (c *ShaderCache) Stats() CacheStats {
	c.noCopy.Check()
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.stats
}

// Destroy drops every entry and waits for the uploads of destroyed shaders.
func (c *ShaderCache) Destroy() {
	c.noCopy.Check()
	c.mtx.Lock()
	c.table.Purge()
	c.unlock()
	c.noCopy.Close()
}

func encodeCompiledShader(w *util.Writer, s *CompiledShader) {
	w.U32(binaryFormatReference)
	util.Write(w, s.config)
	s.info.encode(w)
	size := w.Reserve32()
	start := w.Len()
	w.Bytes32(s.code)
	w.Str(s.ir)
	w.Str(s.disassembly)
	w.Patch32(size, uint32(w.Len()-start))
}

// Serialize encodes obj. A pipeline set only records the digests of its
// shaders, they must be serialized separately.
func (c *ShaderCache) Serialize(obj CacheObject) []byte {
	w := util.Writer{}
	w.U32(cacheEntryMagic)
	w.Raw(c.buildID[:])
	switch o := obj.(type) {
	case *CompiledShader:
		w.U32(0)
		w.U32(0)
		encodeCompiledShader(&w, o)
	case *CompiledPipelineSet:
		w.U32(uint32(len(o.shaders)))
		w.U32(uint32(len(o.aux)))
		for _, s := range o.shaders {
			w.Raw(s.digest[:])
		}
		w.Raw(o.aux)

	default:
		abort("Unknown CacheObject: %T", obj)
	}
	return w.Bytes()
}

func invalidCacheData(err error, format string, args ...any) error {
	if err != nil {
		return debug.ErrorWrapf(ErrorInvalidCacheData{}, format+": %v", append(args, err)...)
	}
	return debug.ErrorWrapf(ErrorInvalidCacheData{}, format, args...)
}

// Deserialize decodes data produced by Serialize. The returned object holds
// one reference owned by the caller and is not inserted. A pipeline set whose
// shaders are not all present in the cache fails with ErrorCacheIncomplete.
func (c *ShaderCache) Deserialize(key, data []byte) (CacheObject, error) {
	c.noCopy.Check()
	r := util.NewReader(data)
	if magic := r.U32(); magic != cacheEntryMagic {
		return nil, invalidCacheData(r.Err(), "Invalid cache entry magic 0x%08X for key %x", magic, key)
	}
	if id := r.Raw(len(c.buildID)); !bytes.Equal(id, c.buildID[:]) {
		return nil, invalidCacheData(r.Err(), "Cache entry %x was created by another build", key)
	}
	numShaders := r.U32()
	auxSize := r.U32()
	if r.Err() != nil {
		return nil, invalidCacheData(r.Err(), "Truncated cache entry %x", key)
	}

	if numShaders == 0 {
		if auxSize != 0 {
			return nil, invalidCacheData(nil, "Shader entry %x has %d aux bytes", key, auxSize)
		}
		return c.decodeCompiledShader(key, r)
	}

	if int(numShaders)*20+int(auxSize) != r.Remaining() {
		return nil, invalidCacheData(nil, "Pipeline entry %x size mismatch: %d shaders and %d aux bytes in %d bytes",
			key, numShaders, auxSize, r.Remaining())
	}
	shaders := make([]*CompiledShader, 0, numShaders)
	for i := uint32(0); i < numShaders; i++ {
		digest := r.Raw(20)
		obj, ok := c.Lookup(digest)
		if !ok {
			for _, s := range shaders {
				s.Release()
			}
			return nil, debug.ErrorWrapf(ErrorCacheIncomplete{}, "Pipeline entry %x is missing shader %x", key, digest)
		}
		s, ok := obj.(*CompiledShader)
		if !ok {
			obj.Release()
			for _, s := range shaders {
				s.Release()
			}
			return nil, invalidCacheData(nil, "Pipeline entry %x references non shader %x", key, digest)
		}
		shaders = append(shaders, s)
	}
	return newCompiledPipelineSet(shaders, r.Raw(int(auxSize))), nil
}

func (c *ShaderCache) decodeCompiledShader(key []byte, r *util.Reader) (*CompiledShader, error) {
	if format := r.U32(); format != binaryFormatReference {
		return nil, invalidCacheData(r.Err(), "Shader entry %x has unknown binary format %d", key, format)
	}
	var config ShaderConfig
	util.Read(r, &config)
	info, err := decodeShaderInfo(r)
	if err != nil {
		return nil, invalidCacheData(err, "Shader entry %x has invalid ShaderInfo", key)
	}
	size := r.U32()
	if r.Err() != nil || int(size) != r.Remaining() {
		return nil, invalidCacheData(r.Err(), "Shader entry %x size mismatch: header says %d, %d remaining", key, size, r.Remaining())
	}
	code := r.Bytes32()
	ir := r.Str()
	disassembly := r.Str()
	if r.Err() != nil {
		return nil, invalidCacheData(r.Err(), "Truncated shader entry %x", key)
	}
	s, err := newCompiledShader(c.queue, code, config, info, ir, disassembly)
	if err != nil {
		return nil, err
	}
	if len(key) == len(s.digest) && !bytes.Equal(key, s.digest[:]) {
		s.Release()
		return nil, invalidCacheData(nil, "Shader entry %x decoded to digest %x", key, s.digest)
	}
	return s, nil
}

// Export serializes every entry, shaders before the pipeline sets that
// reference them.
func (c *ShaderCache) Export() []byte {
	c.noCopy.Check()
	c.mtx.Lock()
	var keys []string
	var objs []CacheObject
	for _, k := range c.table.Keys() {
		if obj, ok := c.table.Peek(k); ok && obj.acquire() {
			keys = append(keys, k)
			objs = append(objs, obj)
		}
	}
	c.unlock()

	w := util.Writer{}
	w.U32(cacheExportMagic)
	w.U32(uint32(len(objs)))
	for _, pass := range []bool{true, false} {
		for i, obj := range objs {
			if _, isShader := obj.(*CompiledShader); isShader != pass {
				continue
			}
			w.Bytes32([]byte(keys[i]))
			w.Bytes32(c.Serialize(obj))
		}
	}
	for _, obj := range objs {
		obj.Release()
	}
	return w.Bytes()
}

// Import inserts every entry of data produced by Export and returns the
// number of entries inserted. Entries that fail to decode are skipped.
func (c *ShaderCache) Import(data []byte) (int, error) {
	c.noCopy.Check()
	r := util.NewReader(data)
	if magic := r.U32(); magic != cacheExportMagic {
		return 0, invalidCacheData(r.Err(), "Invalid cache export magic 0x%08X", magic)
	}
	n := r.U32()
	imported := 0
	for i := uint32(0); i < n; i++ {
		key := r.Bytes32()
		entry := r.Bytes32()
		if r.Err() != nil {
			return imported, invalidCacheData(r.Err(), "Truncated cache export at entry %d", i)
		}
		obj, err := c.Deserialize(key, entry)
		if err != nil {
			instance.logger.WPrintf("Skipping cache entry %x: %s", key, err)
			continue
		}
		c.Insert(key, obj).Release()
		imported++
	}
	return imported, nil
}

func (c *ShaderCache) MarshalJSON() ([]byte, error) {
	c.mtx.Lock()
	entries := map[string]string{}
	for _, k := range c.table.Keys() {
		obj, _ := c.table.Peek(k)
		switch o := obj.(type) {
		case *CompiledShader:
			entries[hex.EncodeToString([]byte(k))] = fmt.Sprintf("shader refs=%d size=%d", o.RefCount(), len(o.code))
		case *CompiledPipelineSet:
			entries[hex.EncodeToString([]byte(k))] = fmt.Sprintf("pipeline refs=%d shaders=%d", o.RefCount(), len(o.shaders))
		}
	}
	stats := c.stats
	c.mtx.Unlock()

	buff := bytes.Buffer{}
	buff.WriteString("{")

	buff.WriteString(fmt.Sprintf("\"Disabled\": %t,", c.config.disabled))
	buff.WriteString(fmt.Sprintf("\"MaxEntries\": %d,", c.config.maxEntries))
	buff.WriteString(fmt.Sprintf("\"Stats\": {\"Hits\": %d, \"Misses\": %d, \"Inserts\": %d, \"Races\": %d, \"Evictions\": %d},",
		stats.Hits, stats.Misses, stats.Inserts, stats.Races, stats.Evictions))
	buff.WriteString("\"Entries\": {")
	{
		err := mapRunFuncSorted(entries, func(k, v string) error {
			buff.WriteString(fmt.Sprintf("%q: %q,", k, v))
			return nil
		})
		if err == nil && len(entries) > 0 {
			buff.Truncate(buff.Len() - 1)
		}
	}
	buff.WriteString("}")

	buff.WriteString("}")
	return buff.Bytes(), nil
}

// sortedKeys returns the keys of the cache in a stable order.
func (c *ShaderCache) sortedKeys() []string {
	keys := c.table.Keys()
	slices.Sort(keys)
	return keys
}
