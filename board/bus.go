// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package board

import (
	"fmt"
	"io"

	"github.com/go-lpc/zappy/csr"
	"github.com/go-lpc/zappy/internal/regs"
)

// RW is a random access memory region.
type RW interface {
	io.ReaderAt
	io.WriterAt
}

// Bus decodes physical addresses into the register bank and the sample
// memory of a board.
type Bus struct {
	brd *Board
}

// Bus returns the physical address space of the board.
func (brd *Board) Bus() *Bus { return &Bus{brd: brd} }

func (bus *Bus) decode(off int64, n int) (RW, int64, error) {
	var (
		csrEnd  = int64(regs.CSR_BASE + regs.CSR_SPAN)
		ringEnd = int64(regs.RING_BASE) + 4*int64(bus.brd.ring.Cap())
		end     = off + int64(n)
	)
	switch {
	case off >= regs.CSR_BASE && end <= csrEnd:
		return bus.brd.bank, off - regs.CSR_BASE, nil
	case off >= regs.RING_BASE && end <= ringEnd:
		return bus.brd.ring, off - regs.RING_BASE, nil
	}
	return nil, 0, fmt.Errorf("board: no device at 0x%08x: %w", off, csr.ErrAddr)
}

// ReadAt implements the io.ReaderAt interface.
func (bus *Bus) ReadAt(p []byte, off int64) (int, error) {
	rw, addr, err := bus.decode(off, len(p))
	if err != nil {
		return 0, err
	}
	return rw.ReadAt(p, addr)
}

// WriteAt implements the io.WriterAt interface.
func (bus *Bus) WriteAt(p []byte, off int64) (int, error) {
	rw, addr, err := bus.decode(off, len(p))
	if err != nil {
		return 0, err
	}
	return rw.WriteAt(p, addr)
}

type stepped struct {
	brd *Board
	rw  RW
	n   int
}

// Stepped returns a view of rw that advances the board by n ticks of its
// sys domain after each access.
// Stepped views are meant for driving a deterministically stepped board
// from the firmware client.
func (brd *Board) Stepped(rw RW, n int) RW {
	return &stepped{brd: brd, rw: rw, n: n}
}

func (s *stepped) ReadAt(p []byte, off int64) (int, error) {
	n, err := s.rw.ReadAt(p, off)
	s.brd.Step(s.n)
	return n, err
}

func (s *stepped) WriteAt(p []byte, off int64) (int, error) {
	n, err := s.rw.WriteAt(p, off)
	s.brd.Step(s.n)
	return n, err
}

var (
	_ RW = (*Bus)(nil)
	_ RW = (*stepped)(nil)
)
