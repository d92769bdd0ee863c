// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package monitor

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
)

var errReadOnly = errors.New("monitor: read-only sample memory")

// Ring is the sample memory of the acquisition engine.
//
// Each 32b word packs one sample pair: main in bits 0-11, feedback in
// bits 16-27. The engine is the only writer, software only reads it.
type Ring struct {
	words []atomic.Uint32
}

// NewRing creates a sample memory of n words.
func NewRing(n int) *Ring {
	if n <= 0 {
		panic(fmt.Errorf("monitor: invalid sample memory depth %d", n))
	}
	return &Ring{words: make([]atomic.Uint32, n)}
}

// Cap returns the capacity of the sample memory, in words.
func (r *Ring) Cap() int { return len(r.words) }

// Word returns the i-th word of the sample memory.
func (r *Ring) Word(i int) uint32 { return r.words[i].Load() }

func (r *Ring) put(i uint32, v uint32) {
	r.words[int(i)%len(r.words)].Store(v)
}

// ReadAt implements the io.ReaderAt interface.
func (r *Ring) ReadAt(p []byte, off int64) (int, error) {
	size := int64(4 * len(r.words))
	if off < 0 || off > size {
		return 0, fmt.Errorf("monitor: invalid ReadAt offset %d", off)
	}
	n := 0
	for n < len(p) && off < size {
		var (
			i    = off / 4
			o    = off % 4
			word [4]byte
		)
		binary.LittleEndian.PutUint32(word[:], r.words[i].Load())
		c := copy(p[n:], word[o:])
		n += c
		off += int64(c)
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements the io.WriterAt interface.
// The sample memory is read-only for software: WriteAt always fails.
func (r *Ring) WriteAt(p []byte, off int64) (int, error) {
	return 0, errReadOnly
}

// Pack packs a sample pair into a sample memory word.
func Pack(main, feedback uint16) uint32 {
	return uint32(main&0xfff) | uint32(feedback&0xfff)<<16
}

// Unpack unpacks a sample memory word into a sample pair.
func Unpack(w uint32) (main, feedback uint16) {
	return uint16(w & 0xfff), uint16(w >> 16 & 0xfff)
}

var (
	_ io.ReaderAt = (*Ring)(nil)
	_ io.WriterAt = (*Ring)(nil)
)
