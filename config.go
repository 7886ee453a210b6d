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

	"goarrg.com/debug"
	"goarrg.com/gmath"
)

const (
	defaultCacheMaxEntries = 4096
	defaultUploadArenaSize = 16 << 20
)

// VRSRate is a coarse shading rate forced onto every draw that does not
// select one itself.
type VRSRate uint8

const (
	VRSRate1x1 VRSRate = iota
	VRSRate2x2
	VRSRate2x1
	VRSRate1x2
)

func (r VRSRate) String() string {
	switch r {
	case VRSRate1x1:
		return "1x1"
	case VRSRate2x2:
		return "2x2"
	case VRSRate2x1:
		return "2x1"
	case VRSRate1x2:
		return "1x2"
	default:
		return fmt.Sprintf("VRSRate(%d)", uint8(r))
	}
}

func (r *VRSRate) UnmarshalText(data []byte) error {
	for v := VRSRate1x1; v <= VRSRate1x2; v++ {
		if string(data) == v.String() {
			*r = v
			return nil
		}
	}
	return debug.Errorf("Unknown VRS rate %q", string(data))
}

type Config struct {
	// DisableCache turns every cache lookup into a miss and every insert into a no-op.
	DisableCache bool
	// DisableOptimizations is hashed into every pipeline key and also disables the cache
	// since the generated code is only meant for debugging.
	DisableOptimizations bool
	// CaptureShaders keeps the lowered IR and disassembly of every compiled
	// shader. Captured pipelines always bypass the cache.
	CaptureShaders bool

	// CacheMaxEntries is the number of objects the cache holds before evicting, 0 selects the default.
	CacheMaxEntries int32
	// UploadArenaSize is the size in bytes of the device memory holding shader code, 0 selects the default.
	UploadArenaSize uint32
	// ForceWaveSize overrides the wave size of every stage, 0 keeps the device default.
	ForceWaveSize uint32
	// ForceVRS makes the last pre-rasterization stage export this shading
	// rate when it writes none. Ignored before GFX10_3.
	ForceVRS VRSRate

	// Backend compiles lowered IR to machine code, nil selects the reference backend.
	Backend Backend
}

func (c *Config) MarshalJSON() ([]byte, error) {
	buff := bytes.Buffer{}
	buff.WriteString("{")

	buff.WriteString(fmt.Sprintf("\"DisableCache\": %t,", c.DisableCache))
	buff.WriteString(fmt.Sprintf("\"DisableOptimizations\": %t,", c.DisableOptimizations))
	buff.WriteString(fmt.Sprintf("\"CaptureShaders\": %t,", c.CaptureShaders))
	buff.WriteString(fmt.Sprintf("\"CacheMaxEntries\": %d,", c.CacheMaxEntries))
	buff.WriteString(fmt.Sprintf("\"UploadArenaSize\": %d,", c.UploadArenaSize))
	buff.WriteString(fmt.Sprintf("\"ForceWaveSize\": %d,", c.ForceWaveSize))
	buff.WriteString(fmt.Sprintf("\"ForceVRS\": %q,", c.ForceVRS.String()))
	if c.Backend != nil {
		buff.WriteString(fmt.Sprintf("\"Backend\": %q,", c.Backend.Name()))
	} else {
		buff.WriteString("\"Backend\": null,")
	}

	buff.Truncate(buff.Len() - 1)
	buff.WriteString("}")
	return buff.Bytes(), nil
}

func (c *Config) validate() {
	if c.CacheMaxEntries == 0 {
		c.CacheMaxEntries = defaultCacheMaxEntries
	} else if !gmath.InRange(c.CacheMaxEntries, 1, 1<<20) {
		abort("Config.CacheMaxEntries must be within [1, %d]", 1<<20)
	}
	if c.UploadArenaSize == 0 {
		c.UploadArenaSize = defaultUploadArenaSize
	} else if !gmath.InRange(c.UploadArenaSize, 4096, 1<<30) {
		abort("Config.UploadArenaSize must be within [4096, %d]", 1<<30)
	}
	if c.ForceWaveSize != 0 && c.ForceWaveSize != 32 && c.ForceWaveSize != 64 {
		abort("Config.ForceWaveSize must be 0, 32 or 64")
	}
	if !gmath.InRange(c.ForceVRS, VRSRate1x1, VRSRate1x2) {
		abort("Config.ForceVRS is invalid: %s", c.ForceVRS)
	}
	if c.Backend == nil {
		c.Backend = NewReferenceBackend()
	}
}

type cacheConfig struct {
	disabled   bool
	maxEntries int
}

type config struct {
	disableOptimizations bool
	captureShaders       bool
	forceWaveSize        uint32
	forceVRS             VRSRate
	uploadArenaSize      uint32
	backend              Backend
	cache                cacheConfig
}

func (c *config) use(user Config) {
	c.disableOptimizations = user.DisableOptimizations
	c.captureShaders = user.CaptureShaders
	c.forceWaveSize = user.ForceWaveSize
	c.forceVRS = user.ForceVRS
	c.uploadArenaSize = user.UploadArenaSize
	c.backend = user.Backend
	c.cache = cacheConfig{
		disabled:   user.DisableCache || user.DisableOptimizations,
		maxEntries: int(user.CacheMaxEntries),
	}
}
