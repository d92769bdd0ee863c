// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package dac drives DAC8560 16b serial digital-to-analog converters.
package dac // import "github.com/go-lpc/zappy/dac"

import (
	"github.com/go-lpc/zappy/internal/cdc"
	"github.com/go-lpc/zappy/internal/sim"
)

const (
	// Bits is the resolution of the converter.
	Bits = 16

	ctlBits   = 8             // leading control bits of a frame
	frameBits = ctlBits + Bits // bits shifted out per frame
)

// State is the state of a Driver.
type State uint8

const (
	Idle State = iota
	TX
)

func (st State) String() string {
	switch st {
	case Idle:
		return "IDLE"
	case TX:
		return "TX"
	}
	return "INVALID"
}

type driver struct {
	state  State
	count  uint8
	shift  uint16
	startR bool
	syncN  bool
	din    bool
	ready  bool
}

// Driver shifts 24b frames into a DAC8560: 8 control bits, all zero, then
// the 16b code MSB first.
//
// A frame starts on a rising edge of valid, seen while the driver is
// ready. data and valid cross into the converter's domain together, so
// a frame always carries the code presented along with its valid edge.
type Driver struct {
	Ready cdc.Wire // driven by the converter's domain

	in  *cdc.Latch
	src cdc.Stage
	dst cdc.Stage

	cur, next driver
}

// NewDriver creates a new driver, sending the code returned by in on each
// rising edge of its valid flag.
// in is called from the producer's domain.
func NewDriver(in func() (data uint16, valid bool)) *Driver {
	d := &Driver{
		cur: driver{syncN: true},
	}
	d.in = cdc.NewLatch(Bits+1, func() uint32 {
		data, valid := in()
		w := uint32(data)
		if valid {
			w |= 1 << Bits
		}
		return w
	})
	d.src = d.in.Source()
	d.dst = d.in.Dest()
	return d
}

// Port returns the half of the driver input clocked by the producer's domain.
func (d *Driver) Port() sim.Module { return d.src }

// Modules returns the modules to clock in the converter's domain.
func (d *Driver) Modules() []sim.Module {
	return []sim.Module{d.dst, d}
}

func (d *Driver) Eval() {
	d.dst.Eval()

	var (
		cur   = &d.cur
		next  = &d.next
		w     = d.in.Out()
		start = w>>Bits&1 == 1
		goes  = start && !cur.startR
	)
	*next = *cur
	next.startR = start

	switch cur.state {
	case Idle:
		next.syncN = true
		next.count = 0
		next.din = false
		next.shift = uint16(w)
		next.ready = !goes
		if goes {
			next.state = TX
		}

	case TX:
		next.count = cur.count + 1
		switch {
		case cur.count >= ctlBits && cur.count < frameBits:
			next.din = cur.shift>>(Bits-1)&1 == 1
			next.shift = cur.shift << 1
			next.syncN = false
			next.ready = false
		case cur.count >= frameBits:
			next.state = Idle
			next.din = false
			next.syncN = true
			next.ready = true
		default:
			next.din = false
			next.syncN = false
			next.ready = false
		}
	}
}

func (d *Driver) Commit() {
	d.dst.Commit()
	d.cur = d.next
	d.Ready.Set(d.cur.ready)
}

// State returns the current state of the driver.
func (d *Driver) State() State { return d.cur.state }

// SyncN returns the frame synchronization line, active low.
func (d *Driver) SyncN() bool { return d.cur.syncN }

// Din returns the serial data line.
func (d *Driver) Din() bool { return d.cur.din }
