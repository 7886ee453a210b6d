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

package util

import (
	"sync/atomic"

	"goarrg.com/debug"
)

type NoCopy struct {
	addr *NoCopy
}

func (n *NoCopy) Init() {
	if n.addr != nil {
		abort("Init called on non zero value")
	}
	n.addr = n
}

func (n *NoCopy) Check() {
	if n.addr != n {
		abort("Illegal copy by value or use of zero/dead value: \n%s", debug.StackTrace(0))
	}
}

func (n *NoCopy) Close() {
	n.addr = nil
}

func (*NoCopy) Lock()   {}
func (*NoCopy) Unlock() {}

// RefCount is a shared ownership counter. The owner that drops the count to
// zero is responsible for destroying the object.
type RefCount struct {
	n atomic.Int32
}

// Init sets the count to one, owned by the creator.
func (r *RefCount) Init() {
	if !r.n.CompareAndSwap(0, 1) {
		abort("RefCount initialized twice")
	}
}

// Acquire adds a reference. It fails if the object is already dead so that
// lookups never resurrect an object that is being destroyed.
func (r *RefCount) Acquire() bool {
	for {
		n := r.n.Load()
		if n <= 0 {
			return false
		}
		if r.n.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Release drops a reference and reports whether it was the last one.
func (r *RefCount) Release() bool {
	n := r.n.Add(-1)
	if n < 0 {
		abort("RefCount released more times than acquired")
	}
	return n == 0
}

func (r *RefCount) Load() int32 {
	return r.n.Load()
}
