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
	"math/bits"
	"sync"

	"goarrg.com/debug"
	"goarrg.com/rhi/radv/internal/container"
	"goarrg.com/rhi/radv/internal/util"
)

const (
	uploadMinBlock    = 256
	uploadQueueLength = 64
)

// uploadArena is the device visible memory holding shader code. Blocks are
// power of two sized and recycled through per size free lists.
type uploadArena struct {
	memory []byte
	top    uint32
	free   [32]container.Stack[uint32]
}

var _ util.HostWriter = (*uploadArena)(nil)

func blockClass(size uint32) (uint32, uint32) {
	size = max(size, uploadMinBlock)
	class := uint32(bits.Len32(size - 1))
	return class, 1 << class
}

func (a *uploadArena) alloc(size uint32) (uint32, bool) {
	class, blockSize := blockClass(size)
	if !a.free[class].Empty() {
		return a.free[class].Pop(), true
	}
	if uint64(a.top)+uint64(blockSize) > uint64(len(a.memory)) {
		return 0, false
	}
	offset := a.top
	a.top += blockSize
	return offset, true
}

func (a *uploadArena) release(offset, size uint32) {
	class, _ := blockClass(size)
	if a.free[class].Index(func(o uint32) bool { return o == offset }) >= 0 {
		abort("Block at %d of class %d freed twice", offset, class)
	}
	a.free[class].Push(offset)
}

func (a *uploadArena) HostWrite(offset uintptr, data []byte) {
	if int(offset)+len(data) > len(a.memory) {
		abort("Upload of %d bytes at offset %d overflows the arena", len(data), offset)
	}
	copy(a.memory[offset:], data)
}

type uploadJob struct {
	offset  uint32
	code    []byte
	promise *TimelineSemaphorePromise
}

// uploadQueue copies shader code into the arena asynchronously. Every upload
// gets a sequence number from a timeline that is signaled once the code has
// landed, in submission order.
type uploadQueue struct {
	noCopy   util.NoCopy
	mtx      sync.Mutex
	arena    uploadArena
	timeline *TimelineSemaphore
	jobs     chan uploadJob
	done     sync.WaitGroup
}

func newUploadQueue(size uint32) *uploadQueue {
	q := &uploadQueue{
		arena:    uploadArena{memory: make([]byte, size)},
		timeline: NewTimelineSemaphore(),
		jobs:     make(chan uploadJob, uploadQueueLength),
	}
	q.noCopy.Init()
	q.done.Add(1)
	go q.run()
	return q
}

func (q *uploadQueue) run() {
	defer q.done.Done()
	for job := range q.jobs {
		util.HostWriteSlice(&q.arena, uintptr(job.offset), job.code)
		job.promise.Signal()
	}
}

// upload schedules code to be copied and returns its arena offset and the
// sequence number to wait on before the memory may be reused.
func (q *uploadQueue) upload(code []byte) (uint32, uint64, error) {
	q.noCopy.Check()
	if len(code) == 0 {
		return 0, 0, nil
	}

	q.mtx.Lock()
	defer q.mtx.Unlock()
	offset, ok := q.arena.alloc(uint32(len(code)))
	if !ok {
		return 0, 0, debug.ErrorWrapf(ErrorOutOfHostMemory{}, "Upload arena exhausted: %d bytes requested, %d of %d in use",
			len(code), q.arena.top, len(q.arena.memory))
	}
	promise := q.timeline.Promise()
	seq := promise.Value()
	// the send stays under the lock so jobs reach the worker in promise order
	q.jobs <- uploadJob{offset: offset, code: code, promise: promise}
	return offset, seq, nil
}

func (q *uploadQueue) wait(seq uint64) {
	q.noCopy.Check()
	if seq == 0 {
		return
	}
	q.timeline.WaiterForValue(seq).Wait()
}

func (q *uploadQueue) completed(seq uint64) bool {
	q.noCopy.Check()
	return q.timeline.WaiterForValue(seq).Poll()
}

// free returns the block to the arena after the upload using it has landed.
func (q *uploadQueue) free(offset, size uint32, seq uint64) {
	if size == 0 {
		return
	}
	q.wait(seq)
	q.mtx.Lock()
	defer q.mtx.Unlock()
	q.arena.release(offset, size)
}

// read returns a copy of size bytes of landed code at offset.
func (q *uploadQueue) read(offset, size uint32, seq uint64) []byte {
	q.wait(seq)
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return append([]byte(nil), q.arena.memory[offset:offset+size]...)
}

func (q *uploadQueue) destroy() {
	q.noCopy.Check()
	q.mtx.Lock()
	pending := q.timeline.WaiterForPendingValue()
	close(q.jobs)
	q.mtx.Unlock()
	pending.Wait()
	q.done.Wait()
	q.timeline.Destroy()
	q.noCopy.Close()
}
