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
	"sync"

	"goarrg.com/rhi/radv/internal/util"
)

// TimelineSemaphore is a monotonically increasing counter. Promises are
// handed out in order and always signal in order, waiters block until the
// counter reaches their value.
type TimelineSemaphore struct {
	noCopy        util.NoCopy
	mtx           sync.Mutex
	cond          sync.Cond
	pendingSignal uint64
	value         uint64
}

func NewTimelineSemaphore() *TimelineSemaphore {
	s := &TimelineSemaphore{}
	s.noCopy.Init()
	s.cond.L = &s.mtx
	return s
}

func (s *TimelineSemaphore) Destroy() {
	s.noCopy.Check()
	s.Wait()
	s.noCopy.Close()
}

func (s *TimelineSemaphore) Value() uint64 {
	s.noCopy.Check()
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.value
}

// Pending returns the value the semaphore reaches once every promise is signaled.
func (s *TimelineSemaphore) Pending() uint64 {
	s.noCopy.Check()
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.pendingSignal
}

func (s *TimelineSemaphore) sendSignal(signal uint64) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.value >= signal {
		abort("Semaphore signaled backwards: %d -> %d", s.value, signal)
	}
	s.value = signal
	s.cond.Broadcast()
}

type TimelineSemaphorePromise struct {
	noCopy    util.NoCopy
	semaphore *TimelineSemaphore
	value     uint64
}

func (s *TimelineSemaphore) Promise() *TimelineSemaphorePromise {
	s.noCopy.Check()
	s.mtx.Lock()
	s.pendingSignal += 1
	p := &TimelineSemaphorePromise{semaphore: s, value: s.pendingSignal}
	s.mtx.Unlock()
	p.noCopy.Init()
	return p
}

func (p *TimelineSemaphorePromise) Signal() {
	p.noCopy.Check()
	// this ensures we signal in order
	p.semaphore.waitForSignal(p.value - 1)
	p.semaphore.sendSignal(p.value)
	p.noCopy.Close()
}

func (p *TimelineSemaphorePromise) Value() uint64 {
	p.noCopy.Check()
	return p.value
}

func (s *TimelineSemaphore) waitForSignal(signal uint64) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	for s.value < signal {
		s.cond.Wait()
	}
}

func (s *TimelineSemaphore) Wait() {
	s.waitForSignal(s.Pending())
}

type TimelineSemaphoreWaiter struct {
	noCopy    util.NoCopy
	semaphore *TimelineSemaphore
	value     uint64
}

func (s *TimelineSemaphore) WaiterForValue(v uint64) *TimelineSemaphoreWaiter {
	s.noCopy.Check()
	w := &TimelineSemaphoreWaiter{semaphore: s, value: v}
	w.noCopy.Init()
	return w
}

func (s *TimelineSemaphore) WaiterForPendingValue() *TimelineSemaphoreWaiter {
	return s.WaiterForValue(s.Pending())
}

func (w *TimelineSemaphoreWaiter) Poll() bool {
	w.noCopy.Check()
	return w.semaphore.Value() >= w.value
}

func (w *TimelineSemaphoreWaiter) Wait() {
	w.noCopy.Check()
	w.semaphore.waitForSignal(w.value)
}

func (w *TimelineSemaphoreWaiter) Value() uint64 {
	w.noCopy.Check()
	return w.value
}
