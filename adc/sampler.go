// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package adc drives ADC121S101 12b serial analog-to-digital converters.
package adc // import "github.com/go-lpc/zappy/adc"

import (
	"github.com/go-lpc/zappy/internal/cdc"
	"github.com/go-lpc/zappy/internal/sim"
)

const (
	// Bits is the resolution of a conversion.
	Bits = 12
	// Mask selects the bits of a conversion.
	Mask = 1<<Bits - 1

	firstBit = 4  // first step shifting in a data bit
	lastStep = 15 // step shifting in the last data bit
)

// State is the state of a Sampler.
type State uint8

const (
	Idle State = iota
	Acquire
	Valid
)

func (st State) String() string {
	switch st {
	case Idle:
		return "IDLE"
	case Acquire:
		return "ACQUIRE"
	case Valid:
		return "VALID"
	}
	return "INVALID"
}

type sampler struct {
	state State
	count uint8
	sr    uint16 // shift register
	data  uint16
	valid bool
	csN   bool
}

// Sampler runs conversions on one ADC121S101.
//
// A conversion starts on a rising edge of acquire, which may be driven
// from any clock domain. The result is held, with valid set, until ready
// is seen high. A new acquire edge while a result is held restarts a
// conversion.
//
// data and valid are published together to the consumer's clock domain:
// the consumer never sees a data word from a different conversion than
// its valid flag.
type Sampler struct {
	acquire *cdc.Pulse
	ready   *cdc.MultiReg
	dout    func() bool
	out     *cdc.Latch
	src     cdc.Stage

	cur, next sampler
}

// NewSampler creates a new sampler driven by the acquire and ready wires,
// reading the converter's serial output from dout.
func NewSampler(acquire, ready *cdc.Wire, dout func() bool) *Sampler {
	s := &Sampler{
		acquire: cdc.NewPulse(acquire),
		ready:   cdc.NewMultiReg(ready, 2),
		dout:    dout,
		cur:     sampler{csN: true},
	}
	s.out = cdc.NewLatch(Bits+1, s.word)
	s.src = s.out.Source()
	return s
}

func (s *Sampler) word() uint32 {
	w := uint32(s.cur.data & Mask)
	if s.cur.valid {
		w |= 1 << Bits
	}
	return w
}

func (s *Sampler) Eval() {
	s.acquire.Eval()
	s.ready.Eval()
	s.src.Eval()

	var (
		cur  = &s.cur
		next = &s.next
		goes = s.acquire.Go()
	)
	*next = *cur

	switch cur.state {
	case Idle:
		next.csN = true
		next.count = 0
		next.data = 0
		next.valid = false
		if goes {
			next.state = Acquire
		}

	case Acquire:
		next.csN = false
		next.count = cur.count + 1
		switch {
		case cur.count >= firstBit && cur.count < lastStep:
			next.sr = cur.sr<<1 | b2u16(s.dout())
		case cur.count >= lastStep:
			next.sr = cur.sr<<1 | b2u16(s.dout())
			next.data = next.sr & Mask
			next.valid = true
			next.state = Valid
		}

	case Valid:
		next.csN = true
		switch {
		case s.ready.Bool():
			next.state = Idle
			next.valid = false
		case goes:
			next.state = Acquire
			next.valid = false
			next.count = 0
		default:
			next.valid = true
		}
	}
}

func (s *Sampler) Commit() {
	s.acquire.Commit()
	s.ready.Commit()
	s.src.Commit()
	s.cur = s.next
}

// State returns the current state of the sampler.
func (s *Sampler) State() State { return s.cur.state }

// CSN returns the chip-select line, active low.
func (s *Sampler) CSN() bool { return s.cur.csN }

// Port returns the half of the sampler output clocked by the consumer's domain.
func (s *Sampler) Port() sim.Module { return s.out.Dest() }

// Output returns the last data word and valid flag delivered to the
// consumer's domain.
// Output must only be used from the consumer's domain.
func (s *Sampler) Output() (data uint16, valid bool) {
	w := s.out.Out()
	return uint16(w & Mask), w>>Bits&1 == 1
}

func b2u16(v bool) uint16 {
	if v {
		return 1
	}
	return 0
}
