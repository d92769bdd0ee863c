// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dac

import (
	"testing"

	"github.com/go-lpc/zappy/internal/sim"
)

type testbench struct {
	data  uint16
	valid bool

	drv  *Driver
	chip *Chip
	sys  *sim.Domain
	hv   *sim.Domain
	s    *sim.Scheduler
}

func newTestbench() *testbench {
	tb := &testbench{
		sys: sim.NewDomain("sys", 100e6),
		hv:  sim.NewDomain("hv", 10e6),
	}
	tb.drv = NewDriver(func() (uint16, bool) { return tb.data, tb.valid })
	tb.chip = Connect(tb.drv)
	tb.sys.Add(tb.drv.Port())
	tb.hv.Add(tb.drv.Modules()...)
	tb.hv.Add(tb.chip)
	tb.s = sim.NewScheduler(tb.sys, tb.hv)
	return tb
}

// update presents data with a valid pulse of n sys ticks.
func (tb *testbench) update(data uint16, n int) {
	tb.data = data
	tb.valid = true
	tb.s.StepN(tb.sys, n)
	tb.valid = false
}

func (tb *testbench) wait(t *testing.T) {
	t.Helper()
	err := tb.s.RunUntil(func() bool {
		return tb.drv.State() == Idle && tb.drv.Ready.Bool()
	}, 10000)
	if err != nil {
		t.Fatalf("driver did not go back to idle: %+v", err)
	}
}

func TestDriverFrame(t *testing.T) {
	tb := newTestbench()
	tb.s.StepN(tb.hv, 4)
	if !tb.drv.Ready.Bool() {
		t.Fatalf("driver not ready at idle")
	}

	tb.update(0xbeef, 16)

	var (
		low   = 0
		bits  []bool
		ready = true
	)
	for i := 0; i < 100; i++ {
		tb.s.StepN(tb.hv, 1)
		if !tb.drv.SyncN() {
			low++
			bits = append(bits, tb.drv.Din())
		}
		if tb.drv.State() == TX && tb.drv.Ready.Bool() {
			ready = false
		}
	}
	if !ready {
		t.Fatalf("driver ready while sending a frame")
	}
	if got, want := low, frameBits; got != want {
		t.Fatalf("invalid frame length: got=%d, want=%d", got, want)
	}
	var code uint32
	for i, b := range bits {
		if i < ctlBits && b {
			t.Fatalf("control bit %d set", i)
		}
		code <<= 1
		if b {
			code |= 1
		}
	}
	if got, want := code, uint32(0xbeef); got != want {
		t.Fatalf("invalid frame: got=0x%x, want=0x%x", got, want)
	}
	if got, want := tb.chip.Code(), uint16(0xbeef); got != want {
		t.Fatalf("invalid code: got=0x%x, want=0x%x", got, want)
	}
	if got, want := tb.chip.Frames(), uint64(1); got != want {
		t.Fatalf("invalid number of frames: got=%d, want=%d", got, want)
	}
	if got := tb.chip.Errs(); got != 0 {
		t.Fatalf("invalid number of rejected frames: %d", got)
	}
}

func TestDriverUpdates(t *testing.T) {
	tb := newTestbench()
	tb.s.StepN(tb.hv, 4)

	for i, code := range []uint16{0x0001, 0x8000, 0x1234, 0x1234, 0xffff, 0} {
		tb.update(code, 16)
		tb.s.StepN(tb.sys, 100)
		tb.wait(t)
		if got := tb.chip.Code(); got != code {
			t.Fatalf("update %d: invalid code: got=0x%x, want=0x%x", i, got, code)
		}
		if got, want := tb.chip.Frames(), uint64(i+1); got != want {
			t.Fatalf("update %d: invalid number of frames: got=%d, want=%d", i, got, want)
		}
	}
}

func TestDriverLevel(t *testing.T) {
	tb := newTestbench()
	tb.s.StepN(tb.hv, 4)

	// a valid level held high only starts one frame.
	tb.data = 0x4242
	tb.valid = true
	tb.s.StepN(tb.hv, 200)
	tb.wait(t)
	if got, want := tb.chip.Frames(), uint64(1); got != want {
		t.Fatalf("invalid number of frames: got=%d, want=%d", got, want)
	}
	if got, want := tb.chip.Code(), uint16(0x4242); got != want {
		t.Fatalf("invalid code: got=0x%x, want=0x%x", got, want)
	}
}

func TestChipRejectsControl(t *testing.T) {
	var (
		syncN = true
		bits  uint32
		k     = 0
		chip  = NewChip(
			func() bool { return syncN },
			func() bool { return bits>>(frameBits-1-k)&1 == 1 },
		)
	)
	send := func(frame uint32) {
		bits = frame
		syncN = false
		for k = 0; k < frameBits; k++ {
			chip.Eval()
			chip.Commit()
		}
		k = 0
		syncN = true
		chip.Eval()
		chip.Commit()
	}

	send(0x00_1234)
	if got, want := chip.Code(), uint16(0x1234); got != want {
		t.Fatalf("invalid code: got=0x%x, want=0x%x", got, want)
	}
	send(0x03_5678) // power-down mode
	if got, want := chip.Code(), uint16(0x1234); got != want {
		t.Fatalf("invalid code: got=0x%x, want=0x%x", got, want)
	}
	if got, want := chip.Errs(), uint64(1); got != want {
		t.Fatalf("invalid number of rejected frames: got=%d, want=%d", got, want)
	}
}

func TestStateString(t *testing.T) {
	for _, tc := range []struct {
		st   State
		want string
	}{
		{Idle, "IDLE"},
		{TX, "TX"},
		{State(42), "INVALID"},
	} {
		if got := tc.st.String(); got != tc.want {
			t.Fatalf("invalid state string: got=%q, want=%q", got, tc.want)
		}
	}
}
