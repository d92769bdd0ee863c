// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package cdc holds the clock-domain crossing primitives used to move
// signals and multi-bit words between independently clocked domains.
//
// All values crossing a domain boundary are carried by a Wire.
// The destination domain never consumes a Wire directly: it goes
// through a MultiReg, a Pulse or a Latch, which are clocked by the
// destination domain.
package cdc // import "github.com/go-lpc/zappy/internal/cdc"

import (
	"sync/atomic"
)

// Wire is a single-word signal driven by one domain and observed by others.
type Wire struct {
	v atomic.Uint32
}

// Load returns the current value driven on the wire.
func (w *Wire) Load() uint32 { return w.v.Load() }

// Store drives v on the wire.
func (w *Wire) Store(v uint32) { w.v.Store(v) }

// Bool returns whether bit 0 of the wire is set.
func (w *Wire) Bool() bool { return w.v.Load()&1 == 1 }

// Set drives the wire high or low.
func (w *Wire) Set(v bool) { w.v.Store(b2u(v)) }

// MultiReg resynchronizes a Wire into the destination domain through
// a chain of at least two registers.
type MultiReg struct {
	in   *Wire
	regs []uint32
	next []uint32
}

// NewMultiReg returns a n-stage synchronizer for in.
// Values of n lower than 2 are bumped to 2.
func NewMultiReg(in *Wire, n int) *MultiReg {
	if n < 2 {
		n = 2
	}
	return &MultiReg{
		in:   in,
		regs: make([]uint32, n),
		next: make([]uint32, n),
	}
}

func (m *MultiReg) Eval() {
	m.next[0] = m.in.Load()
	copy(m.next[1:], m.regs[:len(m.regs)-1])
}

func (m *MultiReg) Commit() {
	copy(m.regs, m.next)
}

// Out returns the synchronized value.
func (m *MultiReg) Out() uint32 { return m.regs[len(m.regs)-1] }

// Bool returns whether bit 0 of the synchronized value is set.
func (m *MultiReg) Bool() bool { return m.Out()&1 == 1 }

// Edge extracts rising edges of a registered signal of its own domain.
type Edge struct {
	in   func() bool
	r    bool
	next bool
}

// NewEdge returns a rising-edge detector for in.
// in must only return registered state of the detector's domain.
func NewEdge(in func() bool) *Edge {
	return &Edge{in: in}
}

func (e *Edge) Eval()   { e.next = e.in() }
func (e *Edge) Commit() { e.r = e.next }

// Rise reports whether the input went from low to high on the last tick.
func (e *Edge) Rise() bool { return e.in() && !e.r }

// Pulse turns a level crossing from a foreign domain into a single-tick
// pulse of the destination domain: a 2-register synchronizer followed by
// a registered rising-edge extractor.
type Pulse struct {
	sync *MultiReg
	edge *Edge
}

// NewPulse returns a pulse synchronizer for in.
func NewPulse(in *Wire) *Pulse {
	sync := NewMultiReg(in, 2)
	return &Pulse{
		sync: sync,
		edge: NewEdge(sync.Bool),
	}
}

func (p *Pulse) Eval() {
	p.sync.Eval()
	p.edge.Eval()
}

func (p *Pulse) Commit() {
	p.sync.Commit()
	p.edge.Commit()
}

// Level returns the synchronized level of the input.
func (p *Pulse) Level() bool { return p.sync.Bool() }

// Go reports whether a rising edge of the input was seen on the last tick.
// Go is high for exactly one tick per edge.
func (p *Pulse) Go() bool { return p.edge.Rise() }

func b2u(v bool) uint32 {
	if v {
		return 1
	}
	return 0
}
