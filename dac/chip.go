// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dac

import (
	"sync/atomic"
)

// Chip is a behavioural model of a DAC8560 converter.
//
// Bits are shifted in while syncN is low. The 24th bit of a frame
// updates the output code when the frame's control bits select a
// normal operation (all zero).
type Chip struct {
	syncN func() bool
	din   func() bool

	n  int
	sr uint32

	nn  int
	nsr uint32

	code   atomic.Uint32
	frames atomic.Uint64
	errs   atomic.Uint64
}

// NewChip creates a new converter clocked by the driver lines syncN and din.
func NewChip(syncN, din func() bool) *Chip {
	return &Chip{syncN: syncN, din: din}
}

// Connect creates a new converter listening on the driver's lines.
func Connect(d *Driver) *Chip {
	return NewChip(d.SyncN, d.Din)
}

func (c *Chip) Eval() {
	if c.syncN() {
		c.nn = 0
		c.nsr = 0
		return
	}
	c.nsr = c.sr<<1 | uint32(b2u(c.din()))
	c.nn = c.n + 1
}

func (c *Chip) Commit() {
	c.n, c.sr = c.nn, c.nsr
	if c.n != frameBits {
		return
	}
	if ctl := c.sr >> Bits & (1<<ctlBits - 1); ctl != 0 {
		c.errs.Add(1)
		return
	}
	c.code.Store(c.sr & (1<<Bits - 1))
	c.frames.Add(1)
}

// Code returns the code currently applied on the converter's output.
func (c *Chip) Code() uint16 { return uint16(c.code.Load()) }

// Frames returns the number of frames that updated the output.
func (c *Chip) Frames() uint64 { return c.frames.Load() }

// Errs returns the number of frames rejected for their control bits.
func (c *Chip) Errs() uint64 { return c.errs.Load() }

func b2u(v bool) uint8 {
	if v {
		return 1
	}
	return 0
}
