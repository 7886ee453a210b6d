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
	"cmp"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/bits"
	"slices"
	"strings"

	"goarrg.com/debug"
	"golang.org/x/exp/constraints"
	"golang.org/x/exp/maps"
)

func toHex(v any) string {
	switch t := v.(type) {
	case uint8, uint16, uint32:
		return fmt.Sprintf("0x%02X", t)
	case uint64, uintptr:
		return fmt.Sprintf("0x%016X", t)
	case []byte:
		return strings.ToUpper(hex.EncodeToString(t))
	case [20]byte:
		return strings.ToUpper(hex.EncodeToString(t[:]))
	case [32]byte:
		return strings.ToUpper(hex.EncodeToString(t[:]))
	}
	abort("Unknown/Unhandled type: %T", v)
	return ""
}

func jsonString(target any) string {
	bytes, err := json.Marshal(target)
	if err != nil {
		abort("%s", err)
	}
	return strings.TrimSpace(string(bytes))
}

func prettyString(target json.Marshaler) string {
	bytes, err := json.MarshalIndent(target, "", "    ")
	if err != nil {
		abort("%s", err)
	}
	return strings.TrimSpace(string(bytes))
}

func hasBits[N constraints.Unsigned](t, want N) bool {
	return (t & want) == want
}

func bitCount[N constraints.Unsigned](v N) uint32 {
	return uint32(bits.OnesCount64(uint64(v)))
}

// lastBit returns the index of the highest set bit plus one, 0 if v is 0.
func lastBit[N constraints.Unsigned](v N) uint32 {
	return uint32(64 - bits.LeadingZeros64(uint64(v)))
}

// bitRange returns count consecutive set bits starting at start.
func bitRange(start, count uint32) uint64 {
	if count == 0 {
		return 0
	}
	if count >= 64 {
		return ^uint64(0) << start
	}
	return ((uint64(1) << count) - 1) << start
}

// forEachBit calls f for every set bit in ascending order.
func forEachBit(mask uint64, f func(uint32)) {
	for mask != 0 {
		i := uint32(bits.TrailingZeros64(mask))
		f(i)
		mask &= mask - 1
	}
}

func mapRunFuncSorted[M ~map[K]V, K cmp.Ordered, V any](m M, f func(K, V) error) error {
	keys := maps.Keys(m)
	if len(keys) == 0 {
		return debug.Errorf("Empty map")
	}
	slices.Sort(keys)
	for _, k := range keys {
		err := f(k, m[k])
		if err != nil {
			return err
		}
	}
	return nil
}

func growSlice[S ~[]E, E any](s S, n int) S {
	if n -= cap(s); n > 0 {
		s = append(s[:cap(s)], make([]E, n)...)
	}
	return s
}
