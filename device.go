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
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"goarrg.com/rhi/radv/internal/util"
)

type ErrorCompileRequired struct{}

func (ErrorCompileRequired) Is(target error) bool {
	_, ok := target.(ErrorCompileRequired)
	return ok
}

func (ErrorCompileRequired) Error() string {
	return "Pipeline Compile Required"
}

type ErrorOutOfHostMemory struct{}

func (ErrorOutOfHostMemory) Is(target error) bool {
	_, ok := target.(ErrorOutOfHostMemory)
	return ok
}

func (ErrorOutOfHostMemory) Error() string {
	return "Out Of Host Memory"
}

type ErrorBackendCompile struct{}

func (ErrorBackendCompile) Is(target error) bool {
	_, ok := target.(ErrorBackendCompile)
	return ok
}

func (ErrorBackendCompile) Error() string {
	return "Backend Compile Failed"
}

// ErrorCacheIncomplete is returned when a cached pipeline set references a
// shader that is no longer in the cache. Pipeline creation recovers from it by
// compiling.
type ErrorCacheIncomplete struct{}

func (ErrorCacheIncomplete) Is(target error) bool {
	_, ok := target.(ErrorCacheIncomplete)
	return ok
}

func (ErrorCacheIncomplete) Error() string {
	return "Cache Entry Incomplete"
}

type ErrorInvalidCacheData struct{}

func (ErrorInvalidCacheData) Is(target error) bool {
	_, ok := target.(ErrorInvalidCacheData)
	return ok
}

func (ErrorInvalidCacheData) Error() string {
	return "Invalid Cache Data"
}

// Device is a compiler instance specialized for one set of Properties. All
// methods are safe to call from multiple goroutines.
type Device struct {
	noCopy     util.NoCopy
	properties Properties
	config     config

	queue *uploadQueue
	cache *ShaderCache
	// flight coalesces concurrent compiles of the same pipeline digest.
	flight singleflight.Group

	pipelines atomic.Int64
}

func InitDevice(userConfig Config, properties Properties) *Device {
	userConfig.validate()
	instance.logger.IPrintf("User requested config: %s", prettyString(&userConfig))
	properties.validate()
	instance.logger.IPrintf("%s", prettyString(&properties))

	d := &Device{properties: properties}
	d.noCopy.Init()

	instance.logger.IPrintf("Initializing Configuration")
	d.config.use(userConfig)
	if d.config.forceVRS != VRSRate1x1 && properties.GfxLevel < GFX10_3 {
		instance.logger.WPrintf("%s does not support variable rate shading, ignoring ForceVRS %s", properties.GfxLevel, d.config.forceVRS)
		d.config.forceVRS = VRSRate1x1
	}
	d.queue = newUploadQueue(d.config.uploadArenaSize)
	d.cache = newShaderCache(d.config.cache, properties.BuildID, d.queue)
	instance.logger.IPrintf("Initialization Completed")
	return d
}

func (d *Device) Properties() Properties {
	d.noCopy.Check()
	return d.properties
}

// ForceVRSRates returns the value of the force_vrs_rates argument of
// pipelines created with a forced shading rate, 0 when none is forced.
func (d *Device) ForceVRSRates() uint32 {
	d.noCopy.Check()
	// GFX11 takes the rate enum, GFX10_3 the log2 of the x and y rates at bits 2 and 4.
	gfx11 := d.properties.GfxLevel >= GFX11
	switch d.config.forceVRS {
	case VRSRate2x2:
		if gfx11 {
			return 5
		}
		return 1<<2 | 1<<4
	case VRSRate2x1:
		if gfx11 {
			return 4
		}
		return 1 << 2
	case VRSRate1x2:
		if gfx11 {
			return 1
		}
		return 1 << 4
	default:
		return 0
	}
}

// Cache returns the device's shader cache, it is destroyed with the device.
func (d *Device) Cache() *ShaderCache {
	d.noCopy.Check()
	return d.cache
}

// Destroy drops the cache's references and waits for every pending upload.
// Every pipeline must have been released.
func (d *Device) Destroy() {
	d.noCopy.Check()
	if n := d.pipelines.Load(); n > 0 {
		abort("Destroying device with %d live pipelines", n)
	}
	instance.logger.VPrintf("cache: %s", prettyString(d.cache))
	d.cache.Destroy()
	d.queue.destroy()
	d.noCopy.Close()
}
