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
	"fmt"
	"sync"
	"testing"
)

func TestTimelineSemaphoreOrder(t *testing.T) {
	Init(testPlatform{})
	s := NewTimelineSemaphore()
	p1, p2, p3 := s.Promise(), s.Promise(), s.Promise()
	if s.Pending() != 3 || s.Value() != 0 {
		t.Fatalf("Pending = %d, Value = %d", s.Pending(), s.Value())
	}

	w := s.WaiterForPendingValue()
	if w.Poll() {
		t.Fatalf("Waiter completed before any signal")
	}

	wg := sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		p3.Signal()
	}()
	p1.Signal()
	if s.Value() < 1 {
		t.Errorf("Value = %d after the first signal", s.Value())
	}
	p2.Signal()
	w.Wait()
	wg.Wait()

	if s.Value() != 3 || w.Value() != 3 || !w.Poll() {
		t.Errorf("Value = %d, want 3", s.Value())
	}
	s.Destroy()
}

func TestBlockClass(t *testing.T) {
	tests := []struct {
		size  uint32
		class uint32
		block uint32
	}{
		{1, 8, 256},
		{256, 8, 256},
		{257, 9, 512},
		{1000, 10, 1024},
		{4096, 12, 4096},
	}
	for _, test := range tests {
		t.Run(fmt.Sprint(test.size), func(t *testing.T) {
			class, block := blockClass(test.size)
			if class != test.class || block != test.block {
				t.Errorf("blockClass(%d) = %d, %d want %d, %d", test.size, class, block, test.class, test.block)
			}
		})
	}
}

func TestUploadQueue(t *testing.T) {
	Init(testPlatform{})
	q := newUploadQueue(4096)
	defer q.destroy()

	if offset, seq, err := q.upload(nil); offset != 0 || seq != 0 || err != nil {
		t.Errorf("Empty upload = %d, %d, %v", offset, seq, err)
	}

	type block struct {
		offset uint32
		seq    uint64
		code   []byte
	}
	var blocks []block
	for i := range 16 {
		code := bytes.Repeat([]byte{byte(i + 1)}, 100)
		offset, seq, err := q.upload(code)
		if err != nil {
			t.Fatalf("Upload %d: %v", i, err)
		}
		if offset != uint32(i)*uploadMinBlock || seq != uint64(i+1) {
			t.Errorf("Upload %d = offset %d seq %d", i, offset, seq)
		}
		blocks = append(blocks, block{offset, seq, code})
	}

	if _, _, err := q.upload(make([]byte, 10)); !errors.Is(err, ErrorOutOfHostMemory{}) {
		t.Fatalf("Expected ErrorOutOfHostMemory, got %v", err)
	}

	for _, b := range blocks {
		if got := q.read(b.offset, uint32(len(b.code)), b.seq); !bytes.Equal(got, b.code) {
			t.Errorf("Block at %d holds %v", b.offset, got[:4])
		}
		if !q.completed(b.seq) {
			t.Errorf("Upload %d is not complete after read", b.seq)
		}
	}

	freed := blocks[5]
	q.free(freed.offset, uint32(len(freed.code)), freed.seq)
	offset, seq, err := q.upload([]byte("reused"))
	if err != nil {
		t.Fatal(err)
	}
	if offset != freed.offset {
		t.Errorf("Offset = %d, want the freed block at %d", offset, freed.offset)
	}
	if got := q.read(offset, 6, seq); string(got) != "reused" {
		t.Errorf("Read %q", got)
	}

	if _, _, err := q.upload(make([]byte, 300)); !errors.Is(err, ErrorOutOfHostMemory{}) {
		t.Errorf("A 512 byte block must not fit in a 256 byte hole, got %v", err)
	}
}

func TestUploadArenaOverflow(t *testing.T) {
	Init(testPlatform{})
	q := newUploadQueue(4096)
	defer q.destroy()
	if _, _, err := q.upload(make([]byte, 5000)); !errors.Is(err, ErrorOutOfHostMemory{}) {
		t.Errorf("Expected ErrorOutOfHostMemory, got %v", err)
	}
	expectAbort(t, func() {
		q.arena.HostWrite(4000, make([]byte, 100))
	})
	expectAbort(t, func() {
		a := uploadArena{memory: make([]byte, 1024)}
		offset, _ := a.alloc(10)
		a.release(offset, 10)
		a.release(offset, 10)
	})
}
