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
	"encoding/binary"

	"goarrg.com/debug"
)

// Writer appends little endian fixed layout data.
type Writer struct {
	buf []byte
}

func (w *Writer) Bytes() []byte {
	return w.buf
}

func (w *Writer) Len() int {
	return len(w.buf)
}

func (w *Writer) HostWrite(offset uintptr, data []byte) {
	if end := int(offset) + len(data); end > len(w.buf) {
		w.buf = append(w.buf, make([]byte, end-len(w.buf))...)
	}
	copy(w.buf[offset:], data)
}

// Write appends the fixed size value v. T must only contain fixed size
// exported fields.
func Write[T any](w *Writer, v T) {
	var err error
	w.buf, err = binary.Append(w.buf, binary.LittleEndian, v)
	if err != nil {
		abort("Failed to write %T: %v", v, err)
	}
}

func (w *Writer) U8(v uint8) {
	w.buf = append(w.buf, v)
}

func (w *Writer) U32(v uint32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

func (w *Writer) U64(v uint64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
}

func (w *Writer) Raw(b []byte) {
	w.buf = append(w.buf, b...)
}

func (w *Writer) Bytes32(b []byte) {
	w.U32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *Writer) Str(s string) {
	w.U32(uint32(len(s)))
	w.buf = append(w.buf, s...)
}

// Reserve32 reserves a uint32 to be filled in later with Patch32.
func (w *Writer) Reserve32() int {
	at := len(w.buf)
	w.U32(0)
	return at
}

func (w *Writer) Patch32(at int, v uint32) {
	binary.LittleEndian.PutUint32(w.buf[at:], v)
}

// Reader consumes data written by Writer. The first error is sticky and all
// later reads return zero values.
type Reader struct {
	data []byte
	off  int
	err  error
}

func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

func (r *Reader) Err() error {
	return r.err
}

func (r *Reader) Remaining() int {
	return len(r.data) - r.off
}

func (r *Reader) Offset() int {
	return r.off
}

func (r *Reader) fail(format string, args ...any) {
	if r.err == nil {
		r.err = debug.Errorf(format, args...)
	}
}

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.data) {
		r.fail("Unexpected end of data: want %d bytes at offset %d, have %d", n, r.off, len(r.data)-r.off)
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func Read[T any](r *Reader, v *T) {
	if r.err != nil {
		return
	}
	n, err := binary.Decode(r.data[r.off:], binary.LittleEndian, v)
	if err != nil {
		r.err = debug.ErrorWrapf(err, "Failed to read %T at offset %d", *v, r.off)
		return
	}
	r.off += n
}

func (r *Reader) U8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *Reader) U32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *Reader) U64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

// Raw returns a copy of the next n bytes.
func (r *Reader) Raw(n int) []byte {
	b := r.take(n)
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

func (r *Reader) Bytes32() []byte {
	return r.Raw(int(r.U32()))
}

func (r *Reader) Str() string {
	return string(r.take(int(r.U32())))
}
