// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package mmap gives random access to memory-mapped regions, such as the
// gateware register bank and sample memory mapped from /dev/mem.
package mmap // import "github.com/go-lpc/zappy/internal/mmap"

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

var (
	errClosed = errors.New("mmap: closed")
)

// Handle is a memory-mapped region.
type Handle struct {
	data []byte
}

// HandleFrom wraps an already mapped region.
func HandleFrom(data []byte) *Handle {
	h := &Handle{data: data}
	runtime.SetFinalizer(h, (*Handle).Close)
	return h
}

// Map maps span bytes of f, starting at the physical address base.
// base must be a multiple of the page size.
func Map(f *os.File, base, span int64) (*Handle, error) {
	if span <= 0 {
		return nil, fmt.Errorf("mmap: invalid span %d", span)
	}
	data, err := unix.Mmap(
		int(f.Fd()),
		base, int(span),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED,
	)
	if err != nil {
		return nil, fmt.Errorf("mmap: could not mmap 0x%x: %w", base, err)
	}
	if data == nil || int64(len(data)) != span {
		return nil, fmt.Errorf("mmap: invalid mmap'd data: %d", len(data))
	}
	return HandleFrom(data), nil
}

// Close closes the mmap handle.
func (h *Handle) Close() error {
	if h == nil {
		return os.ErrInvalid
	}

	if h.data == nil {
		return nil
	}
	data := h.data
	h.data = nil
	runtime.SetFinalizer(h, nil)

	return unix.Munmap(data)
}

// Len returns the length of the underlying memory-mapped file.
func (h *Handle) Len() int {
	return len(h.data)
}

// ReadAt implements the io.ReaderAt interface.
// Word aligned reads are performed one 32b word at a time.
func (h *Handle) ReadAt(p []byte, off int64) (int, error) {
	if h == nil {
		return 0, os.ErrInvalid
	}

	if h.data == nil {
		return 0, errClosed
	}
	if off < 0 || int64(len(h.data)) < off {
		return 0, fmt.Errorf("mmap: invalid ReadAt offset %d", off)
	}
	n := len(h.data[off:])
	if n > len(p) {
		n = len(p)
	}
	switch {
	case h.aligned(off, n):
		for i := 0; i < n; i += 4 {
			v := atomic.LoadUint32(h.word(off + int64(i)))
			copy(p[i:i+4], (*[4]byte)(unsafe.Pointer(&v))[:])
		}
	default:
		copy(p[:n], h.data[off:])
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements the io.WriterAt interface.
// Word aligned writes are performed one 32b word at a time.
func (h *Handle) WriteAt(p []byte, off int64) (int, error) {
	if h == nil {
		return 0, os.ErrInvalid
	}

	if h.data == nil {
		return 0, errClosed
	}
	if off < 0 || int64(len(h.data)) < off {
		return 0, fmt.Errorf("mmap: invalid WriteAt offset %d", off)
	}
	n := len(h.data[off:])
	if n > len(p) {
		n = len(p)
	}
	switch {
	case h.aligned(off, n):
		for i := 0; i < n; i += 4 {
			var v uint32
			copy((*[4]byte)(unsafe.Pointer(&v))[:], p[i:i+4])
			atomic.StoreUint32(h.word(off+int64(i)), v)
		}
	default:
		copy(h.data[off:], p[:n])
	}
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

func (h *Handle) aligned(off int64, n int) bool {
	if n == 0 || n%4 != 0 {
		return false
	}
	return uintptr(unsafe.Pointer(&h.data[off]))%4 == 0
}

func (h *Handle) word(off int64) *uint32 {
	return (*uint32)(unsafe.Pointer(&h.data[off]))
}

var (
	_ io.ReaderAt = (*Handle)(nil)
	_ io.WriterAt = (*Handle)(nil)
	_ io.Closer   = (*Handle)(nil)
)
