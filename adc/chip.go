// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package adc

import (
	"github.com/go-lpc/zappy/internal/cdc"
	"github.com/go-lpc/zappy/internal/sim"
)

// leading zeros on dout, as seen by the sampler one register later.
const chipLead = 2

// Chip is a behavioural model of an ADC121S101 converter.
//
// The analog input is tracked while chip-select is high and held on
// its falling edge. The converter then shifts out leading zeros, the
// 12b code MSB first and trailing zeros, one bit per clock.
type Chip struct {
	csN func() bool
	src func() uint16

	k    int
	v    uint16
	dout bool

	nk    int
	nv    uint16
	ndout bool
}

// NewChip creates a new converter selected by csN and converting src.
func NewChip(csN func() bool, src func() uint16) *Chip {
	return &Chip{csN: csN, src: src}
}

func (c *Chip) Eval() {
	c.nk, c.nv, c.ndout = c.k, c.v, false
	if c.csN() {
		c.nk = 0
		c.nv = c.src() & Mask
		return
	}
	if i := c.k - chipLead; i >= 0 && i < Bits {
		c.ndout = (c.v>>(Bits-1-i))&1 == 1
	}
	c.nk = c.k + 1
}

func (c *Chip) Commit() {
	c.k, c.v, c.dout = c.nk, c.nv, c.ndout
}

// Dout returns the serial data output of the converter.
func (c *Chip) Dout() bool { return c.dout }

// Channel is a sampler wired to its converter.
type Channel struct {
	Acquire cdc.Wire // driven by the consumer's domain
	Ready   cdc.Wire // driven by the consumer's domain

	Sampler *Sampler
	Chip    *Chip
}

// NewChannel creates a sampler and its converter, converting the analog
// value returned by src.
// src is called from the converter's domain.
func NewChannel(src func() uint16) *Channel {
	ch := &Channel{}
	ch.Sampler = NewSampler(&ch.Acquire, &ch.Ready, func() bool { return ch.Chip.Dout() })
	ch.Chip = NewChip(ch.Sampler.CSN, src)
	return ch
}

// Modules returns the modules to clock in the converter's domain.
func (ch *Channel) Modules() []sim.Module {
	return []sim.Module{ch.Chip, ch.Sampler}
}
