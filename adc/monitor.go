// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package adc

import (
	"github.com/go-lpc/zappy/csr"
	"github.com/go-lpc/zappy/internal/sim"
)

type monState uint8

const (
	monIdle monState = iota
	monTrigger
	monWait
	monAck
)

// trigLen is the number of ticks acquire is held high, long enough for
// a converter clocked 5 to 15 times slower to see it.
const trigLen = 15

type monitor struct {
	state monState
	count uint8
	ready bool
	data  uint16
	valid bool
}

// Monitor exposes a single converter through the acquire, data and valid
// registers.
//
// Software waits for valid, writes acquire, waits for valid again and
// reads data. valid reads as set at power-on, and only once the converter
// handshake completed so that a new acquire is never dropped.
type Monitor struct {
	ch *Channel

	acquire *csr.Reg
	data    *csr.Reg
	valid   *csr.Reg

	cur, next monitor
}

// NewMonitor creates a register wrapper around ch.
func NewMonitor(ch *Channel, acquire, data, valid *csr.Reg) *Monitor {
	m := &Monitor{
		ch:      ch,
		acquire: acquire,
		data:    data,
		valid:   valid,
		cur:     monitor{valid: true},
	}
	m.valid.SetBool(true)
	return m
}

// Modules returns the modules to clock in the register bank's domain.
func (m *Monitor) Modules() []sim.Module {
	return []sim.Module{m.ch.Sampler.Port(), m}
}

func (m *Monitor) Eval() {
	var (
		cur  = &m.cur
		next = &m.next
	)
	*next = *cur
	data, valid := m.ch.Sampler.Output()

	switch cur.state {
	case monIdle:
		next.count = 0
		next.valid = true
		if m.acquire.RE() {
			next.state = monTrigger
			next.valid = false
		}

	case monTrigger:
		next.count = cur.count + 1
		if cur.count >= trigLen {
			next.state = monWait
			next.ready = true
		}

	case monWait:
		if valid {
			next.data = data
			next.state = monAck
		}

	case monAck:
		if !valid {
			next.ready = false
			next.valid = true
			next.state = monIdle
		}
	}
}

func (m *Monitor) Commit() {
	m.cur = m.next
	m.ch.Acquire.Set(m.cur.state == monTrigger)
	m.ch.Ready.Set(m.cur.ready)
	m.data.Set(uint32(m.cur.data))
	m.valid.SetBool(m.cur.valid)
}
