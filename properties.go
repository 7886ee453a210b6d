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

	"goarrg.com/debug"
)

type UUID [16]byte

func (uuid *UUID) String() string {
	return fmt.Sprintf("%08X-%04X-%04X-%04X-%012X", uuid[:4], uuid[4:6], uuid[6:8], uuid[8:10], uuid[10:])
}

func (uuid *UUID) UnmarshalText(data []byte) error {
	if len(data) != 36 || data[8] != '-' || data[13] != '-' || data[18] != '-' || data[23] != '-' {
		return debug.Errorf("Invalid UUID format")
	}
	var filteredData []byte
	for i, b := range data {
		switch i {
		case 8, 13, 18, 23:
			continue
		}
		filteredData = append(filteredData, b)
	}
	_, err := hex.Decode(uuid[:], filteredData)
	return err
}

type VendorID uint32

const (
	VendorAMD VendorID = 0x1002
)

func (id VendorID) String() string {
	switch id {
	case VendorAMD:
		return "AMD"
	default:
		return fmt.Sprintf("Unknown: 0x%04X", uint32(id))
	}
}

type GfxLevel uint32

const (
	GFX6 GfxLevel = iota + 6
	GFX7
	GFX8
	GFX9
	GFX10
	GFX10_3
	GFX11
)

func (g GfxLevel) String() string {
	switch g {
	case GFX6:
		return "GFX6"
	case GFX7:
		return "GFX7"
	case GFX8:
		return "GFX8"
	case GFX9:
		return "GFX9"
	case GFX10:
		return "GFX10"
	case GFX10_3:
		return "GFX10_3"
	case GFX11:
		return "GFX11"

	default:
		abort("Unknown GfxLevel: %d", g)
		return ""
	}
}

func (g *GfxLevel) UnmarshalText(data []byte) error {
	for l := GFX6; l <= GFX11; l++ {
		if l.String() == string(data) {
			*g = l
			return nil
		}
	}
	return debug.Errorf("Unknown GfxLevel: %q", data)
}

func (g GfxLevel) MarshalText() ([]byte, error) {
	return []byte(g.String()), nil
}

// Properties is the read only device capability table the compiler is
// specialized for.
type Properties struct {
	UUID     UUID
	VendorID VendorID
	DeviceID uint32
	GfxLevel GfxLevel
	// BuildID identifies the driver build, it is hashed into every cache key so
	// that binaries never survive a compiler change.
	BuildID [20]byte

	WaveSize struct {
		Graphics uint32
		Compute  uint32
	}
	// MaxUserSGPRs is the number of scalar argument registers the hardware
	// preloads per stage class.
	MaxUserSGPRs struct {
		Graphics uint32
		Compute  uint32
	}
	// LDSSize is the local memory available to one workgroup in bytes.
	LDSSize uint32
	// TessOffchipBlockSize is the off-chip tessellation buffer block size in dwords.
	TessOffchipBlockSize uint32
	// HasLDSQuirk limits a single workgroup to 32KiB of LDS.
	HasLDSQuirk bool
	// HasNGGVertexQuirk means the geometry engine checks the vertex budget only
	// after allocating a full primitive.
	HasNGGVertexQuirk bool
	UseNGG            bool
	// Has16BitALU is native support for sub 32-bit integer ALU.
	Has16BitALU bool
	// Has16BitALUDivergentOnly means sub 32-bit ALU only exists for divergent
	// values, uniform ones must be widened.
	Has16BitALUDivergentOnly bool
	// InlineBlockAddressHigh is the upper 32 bits of every descriptor set address.
	InlineBlockAddressHigh uint32
	MaxPushConstantsSize   uint32
}

func DefaultProperties(gfx GfxLevel) Properties {
	p := Properties{
		VendorID:             VendorAMD,
		GfxLevel:             gfx,
		LDSSize:              65536,
		TessOffchipBlockSize: 8192,
		MaxPushConstantsSize: maxPushConstantsSize,
	}
	p.WaveSize.Graphics = 64
	p.WaveSize.Compute = 64
	p.MaxUserSGPRs.Graphics = 16
	p.MaxUserSGPRs.Compute = 16
	p.InlineBlockAddressHigh = 0xFFFF8000

	switch gfx {
	case GFX6:
		p.LDSSize = 32768
	case GFX7:
	case GFX8:
		p.Has16BitALU = true
	case GFX9:
		p.MaxUserSGPRs.Graphics = 32
		p.Has16BitALU = true
	case GFX10:
		p.MaxUserSGPRs.Graphics = 32
		p.UseNGG = true
		p.HasNGGVertexQuirk = true
		p.Has16BitALU = true
		p.Has16BitALUDivergentOnly = true
		p.WaveSize.Graphics = 32
		p.WaveSize.Compute = 32
	case GFX10_3, GFX11:
		p.MaxUserSGPRs.Graphics = 32
		p.UseNGG = true
		p.Has16BitALU = true
		p.Has16BitALUDivergentOnly = true
		p.WaveSize.Graphics = 32
		p.WaveSize.Compute = 32

	default:
		abort("Unknown GfxLevel: %d", gfx)
	}

	copy(p.BuildID[:], fmt.Sprintf("radv-%s", gfx.String()))
	return p
}

// HasMergedShaders reports whether vertex+tess-ctrl and es+geometry run as a
// single hardware stage.
func (p *Properties) HasMergedShaders() bool {
	return p.GfxLevel >= GFX9
}

func (p *Properties) maxLDSSize() uint32 {
	if p.HasLDSQuirk {
		return min(p.LDSSize, 32768)
	}
	return p.LDSSize
}

func (p *Properties) validate() {
	if p.GfxLevel < GFX6 || p.GfxLevel > GFX11 {
		abort("Properties.GfxLevel %d is not supported", p.GfxLevel)
	}
	for _, w := range []uint32{p.WaveSize.Graphics, p.WaveSize.Compute} {
		if w != 32 && w != 64 {
			abort("Properties.WaveSize must be 32 or 64, got %d", w)
		}
	}
	if p.MaxUserSGPRs.Graphics == 0 || p.MaxUserSGPRs.Compute == 0 || p.MaxUserSGPRs.Graphics > 32 || p.MaxUserSGPRs.Compute > 32 {
		abort("Properties.MaxUserSGPRs must be within [1, 32]: %+v", p.MaxUserSGPRs)
	}
	if p.UseNGG && p.GfxLevel < GFX10 {
		abort("Properties.UseNGG requires GFX10 or newer")
	}
	if p.MaxPushConstantsSize == 0 || p.MaxPushConstantsSize > maxPushConstantsSize {
		abort("Properties.MaxPushConstantsSize must be within [4, %d]", maxPushConstantsSize)
	}
}

func (p *Properties) MarshalJSON() ([]byte, error) {
	buff := bytes.Buffer{}
	buff.WriteString("{")

	buff.WriteString(fmt.Sprintf("\"UUID\": %q,", p.UUID.String()))
	buff.WriteString(fmt.Sprintf("\"VendorID\": %q,", p.VendorID.String()))
	buff.WriteString(fmt.Sprintf("\"DeviceID\": %d,", p.DeviceID))
	buff.WriteString(fmt.Sprintf("\"GfxLevel\": %q,", p.GfxLevel.String()))
	buff.WriteString(fmt.Sprintf("\"BuildID\": %q,", toHex(p.BuildID)))
	buff.WriteString(fmt.Sprintf("\"WaveSize\": %s,", jsonString(p.WaveSize)))
	buff.WriteString(fmt.Sprintf("\"MaxUserSGPRs\": %s,", jsonString(p.MaxUserSGPRs)))
	buff.WriteString(fmt.Sprintf("\"LDSSize\": %d,", p.LDSSize))
	buff.WriteString(fmt.Sprintf("\"TessOffchipBlockSize\": %d,", p.TessOffchipBlockSize))
	buff.WriteString(fmt.Sprintf("\"HasLDSQuirk\": %t,", p.HasLDSQuirk))
	buff.WriteString(fmt.Sprintf("\"HasNGGVertexQuirk\": %t,", p.HasNGGVertexQuirk))
	buff.WriteString(fmt.Sprintf("\"UseNGG\": %t,", p.UseNGG))
	buff.WriteString(fmt.Sprintf("\"Has16BitALU\": %t,", p.Has16BitALU))
	buff.WriteString(fmt.Sprintf("\"Has16BitALUDivergentOnly\": %t,", p.Has16BitALUDivergentOnly))
	buff.WriteString(fmt.Sprintf("\"InlineBlockAddressHigh\": %q,", toHex(p.InlineBlockAddressHigh)))
	buff.WriteString(fmt.Sprintf("\"MaxPushConstantsSize\": %d", p.MaxPushConstantsSize))

	buff.WriteString("}")
	return buff.Bytes(), nil
}
