// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zappio

import (
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/go-lpc/zappy/csr"
	"github.com/go-lpc/zappy/dac"
	"github.com/go-lpc/zappy/internal/regs"
	"github.com/go-lpc/zappy/internal/sim"
)

type fakeEngine struct {
	trig   bool
	delta  uint16
	cutoff bool
	abort  bool
}

func (eng *fakeEngine) ExtTrigger() bool   { return eng.trig }
func (eng *fakeEngine) Delta() uint16      { return eng.delta }
func (eng *fakeEngine) EnergyCutoff() bool { return eng.cutoff }
func (eng *fakeEngine) Aborted() bool      { return eng.abort }

type testbench struct {
	t    *testing.T
	bank *csr.Bank
	pins Pins
	eng  fakeEngine
	z    *Zappio
	chip *dac.Chip
	sys  *sim.Domain
	s    *sim.Scheduler
}

func newTestbench(t *testing.T) *testbench {
	tb := &testbench{
		t:    t,
		bank: csr.NewBank(regs.Map),
		sys:  sim.NewDomain("sys", 100e6),
	}
	tb.z = New(tb.bank, &tb.pins, &tb.eng)
	tb.chip = dac.Connect(tb.z.DAC)
	tb.sys.Add(tb.bank)
	tb.sys.Add(tb.z.Modules()...)

	hv := sim.NewDomain("hv", 10e6)
	hv.Add(tb.z.DAC.Modules()...)
	hv.Add(tb.chip)

	tb.s = sim.NewScheduler(tb.sys, hv)
	return tb
}

func (tb *testbench) step(n int) { tb.s.StepN(tb.sys, n) }

func (tb *testbench) write(addr int64, v uint32) {
	tb.t.Helper()
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, err := tb.bank.WriteAt(buf[:], addr)
	if err != nil {
		tb.t.Fatalf("could not write 0x%x: %+v", addr, err)
	}
	tb.step(1)
}

func (tb *testbench) read(addr int64) uint32 {
	tb.t.Helper()
	var buf [4]byte
	_, err := tb.bank.ReadAt(buf[:], addr)
	if err != nil {
		tb.t.Fatalf("could not read 0x%x: %+v", addr, err)
	}
	return binary.LittleEndian.Uint32(buf[:])
}

// pulse raises the engine's external trigger for one tick.
func (tb *testbench) pulse() {
	tb.eng.trig = true
	tb.step(1)
	tb.eng.trig = false
}

type outputs struct {
	engage    bool
	cap       bool
	discharge bool
	row       uint8
	col       uint16
	hv        uint16
}

func (tb *testbench) outputs() outputs {
	return outputs{
		engage:    tb.z.HVEngage(),
		cap:       tb.z.Cap(),
		discharge: tb.z.Discharge(),
		row:       tb.z.Row(),
		col:       tb.z.Col(),
		hv:        tb.z.HVSetting(),
	}
}

func TestScramFormula(t *testing.T) {
	for i := 0; i < 16; i++ {
		var (
			manual   = i&1 != 0
			absent   = i&2 != 0
			excess   = i&4 != 0
			override = i&8 != 0
			want     = (manual || absent || excess) && !override
		)
		if got := Scram(manual, absent, excess, override); got != want {
			t.Fatalf("invalid scram(manual=%v, absent=%v, excess=%v, override=%v): got=%v, want=%v",
				manual, absent, excess, override, got, want)
		}
	}
}

func TestEffectiveTrigger(t *testing.T) {
	for _, tc := range []struct {
		latch, soft, mode bool
		want              bool
	}{
		{false, false, false, false},
		{true, false, false, true},
		{false, true, false, false},
		{true, true, false, true},
		{false, false, true, false},
		{true, false, true, false},
		{false, true, true, true},
		{true, true, true, true},
	} {
		if got := EffectiveTrigger(tc.latch, tc.soft, tc.mode); got != tc.want {
			t.Fatalf("invalid trigger(latch=%v, soft=%v, mode=%v): got=%v, want=%v",
				tc.latch, tc.soft, tc.mode, got, tc.want)
		}
	}
}

func TestLatchOps(t *testing.T) {
	for _, tc := range []struct {
		clear, trig bool
		want        Op
	}{
		{false, false, Hold},
		{false, true, Set},
		{true, false, Clear},
		{true, true, Clear},
	} {
		if got := TriggerOp(tc.clear, tc.trig); got != tc.want {
			t.Fatalf("invalid trigger op(clear=%v, trig=%v): got=%v, want=%v", tc.clear, tc.trig, got, tc.want)
		}
	}

	for _, tc := range []struct {
		reset, active bool
		delta, max    uint16
		ena           bool
		want          Op
	}{
		{false, true, 100, 100, true, Set},
		{false, true, 101, 100, true, Set},
		{false, true, 99, 100, true, Hold},
		{false, false, 200, 100, true, Hold},
		{false, true, 200, 100, false, Hold},
		{true, true, 200, 100, true, Clear},
		{true, false, 0, 100, false, Clear},
		{false, true, 0, 0, true, Set},
	} {
		name := fmt.Sprintf("reset=%v,active=%v,delta=%d,max=%d,ena=%v", tc.reset, tc.active, tc.delta, tc.max, tc.ena)
		if got := DeltaOp(tc.reset, tc.active, tc.delta, tc.max, tc.ena); got != tc.want {
			t.Fatalf("invalid delta op(%s): got=%v, want=%v", name, got, tc.want)
		}
	}

	for _, tc := range []struct {
		op   Op
		v    bool
		want bool
		str  string
	}{
		{Hold, false, false, "HOLD"},
		{Hold, true, true, "HOLD"},
		{Set, false, true, "SET"},
		{Set, true, true, "SET"},
		{Clear, false, false, "CLEAR"},
		{Clear, true, false, "CLEAR"},
		{Op(42), true, true, "INVALID"},
	} {
		if got := tc.op.Apply(tc.v); got != tc.want {
			t.Fatalf("invalid %v.Apply(%v): got=%v, want=%v", tc.op, tc.v, got, tc.want)
		}
		if got := tc.op.String(); got != tc.str {
			t.Fatalf("invalid op string: got=%q, want=%q", got, tc.str)
		}
	}
}

func TestPlateAbsent(t *testing.T) {
	tb := newTestbench(t)
	tb.write(regs.ZAPPIO_ROW, 3)
	tb.write(regs.ZAPPIO_COL, 0x5a5)
	tb.write(regs.ZAPPIO_TRIGGERMODE, 1)
	tb.write(regs.ZAPPIO_TRIGGERSOFT, 1)
	tb.write(regs.ZAPPIO_HV_SETTING, 500)
	tb.write(regs.ZAPPIO_CAP, 1)
	tb.write(regs.ZAPPIO_HV_ENGAGE, 1)
	tb.write(regs.ZAPPIO_DISCHARGE, 1)
	tb.step(4)

	if tb.z.Scram() {
		t.Fatalf("unexpected scram")
	}
	if got, want := tb.outputs(), (outputs{
		engage: true, cap: true, row: 3, col: 0x5a5, hv: 500,
	}); got != want {
		t.Fatalf("invalid outputs:\ngot= %+v\nwant=%+v", got, want)
	}

	for _, noplate := range []uint32{1, 2, 4, 8, 0xf} {
		t.Run(fmt.Sprintf("noplate=0x%x", noplate), func(t *testing.T) {
			tb.pins.NoPlate.Store(noplate)
			tb.step(3)
			if !tb.z.Scram() {
				t.Fatalf("missing scram")
			}
			if got, want := tb.outputs(), (outputs{}); got != want {
				t.Fatalf("invalid outputs:\ngot= %+v\nwant=%+v", got, want)
			}
			tb.step(1)
			if got, want := tb.read(regs.ZAPPIO_NOPLATE), noplate; got != want {
				t.Fatalf("invalid noplate status: got=0x%x, want=0x%x", got, want)
			}
			if got, want := tb.read(regs.ZAPPIO_SCRAM_STATUS), uint32(1); got != want {
				t.Fatalf("invalid scram status: got=%d, want=%d", got, want)
			}

			tb.write(regs.ZAPPIO_OVERRIDE_SAFETY, 1)
			if tb.z.Scram() {
				t.Fatalf("scram not overridden")
			}
			if got, want := tb.outputs(), (outputs{
				engage: true, cap: true, row: 3, col: 0x5a5, hv: 500,
			}); got != want {
				t.Fatalf("invalid outputs:\ngot= %+v\nwant=%+v", got, want)
			}
			tb.write(regs.ZAPPIO_OVERRIDE_SAFETY, 0)
			if !tb.z.Scram() {
				t.Fatalf("missing scram")
			}

			tb.pins.NoPlate.Store(0)
			tb.step(3)
			if tb.z.Scram() {
				t.Fatalf("unexpected scram")
			}
		})
	}
}

func TestDischarge(t *testing.T) {
	tb := newTestbench(t)
	for _, tc := range []struct {
		discharge, engage uint32
		want              bool
	}{
		{0, 0, false},
		{1, 0, true},
		{1, 1, false},
		{0, 1, false},
	} {
		tb.write(regs.ZAPPIO_DISCHARGE, tc.discharge)
		tb.write(regs.ZAPPIO_HV_ENGAGE, tc.engage)
		if got := tb.z.Discharge(); got != tc.want {
			t.Fatalf("invalid discharge(discharge=%d, engage=%d): got=%v, want=%v",
				tc.discharge, tc.engage, got, tc.want)
		}
		if tb.z.Discharge() && tb.z.HVEngage() {
			t.Fatalf("discharge and engage both asserted")
		}
	}

	// engage requested under scram: discharge stays off.
	tb.pins.Scram.Set(true)
	tb.write(regs.ZAPPIO_DISCHARGE, 1)
	tb.step(3)
	if tb.z.HVEngage() {
		t.Fatalf("engage asserted under scram")
	}
	if tb.z.Discharge() {
		t.Fatalf("discharge asserted while engage requested")
	}
}

func TestTriggerLatch(t *testing.T) {
	for _, tc := range []struct {
		name  string
		clear func(tb *testbench)
	}{
		{"row", func(tb *testbench) { tb.write(regs.ZAPPIO_ROW, 2) }},
		{"col", func(tb *testbench) { tb.write(regs.ZAPPIO_COL, 7) }},
		{"triggerclear", func(tb *testbench) { tb.write(regs.ZAPPIO_TRIGGERCLEAR, 1) }},
		{"abort", func(tb *testbench) { tb.eng.abort = true }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			tb := newTestbench(t)
			tb.write(regs.ZAPPIO_ROW, 1)
			tb.write(regs.ZAPPIO_COL, 1)
			tb.step(1)
			if tb.z.TriggerLatch() {
				t.Fatalf("unexpected trigger")
			}

			tb.pulse()
			tb.step(10)
			if !tb.z.TriggerLatch() {
				t.Fatalf("trigger latch not set")
			}
			if !tb.z.Trigger() {
				t.Fatalf("trigger not active")
			}
			if got, want := tb.z.Row(), uint8(1); got != want {
				t.Fatalf("invalid row: got=%d, want=%d", got, want)
			}
			if got, want := tb.read(regs.ZAPPIO_TRIGGERSTATUS), uint32(1); got != want {
				t.Fatalf("invalid trigger status: got=%d, want=%d", got, want)
			}

			// the external trigger is still asserted: clear wins.
			tb.eng.trig = true
			tc.clear(tb)
			tb.step(1)
			tb.eng.trig = false
			tb.eng.abort = false
			if tb.z.TriggerLatch() {
				t.Fatalf("trigger latch not cleared")
			}
			if tb.z.Trigger() {
				t.Fatalf("trigger still active")
			}
			if got := tb.z.Row(); got != 0 {
				t.Fatalf("row driven without trigger: %d", got)
			}
			if got := tb.z.Col(); got != 0 {
				t.Fatalf("col driven without trigger: %d", got)
			}
		})
	}
}

func TestRowColClearNextTick(t *testing.T) {
	tb := newTestbench(t)
	tb.pulse()
	tb.step(1)
	if !tb.z.TriggerLatch() {
		t.Fatalf("trigger latch not set")
	}

	_, err := tb.bank.WriteAt([]byte{5, 0, 0, 0}, regs.ZAPPIO_ROW)
	if err != nil {
		t.Fatalf("could not write row: %+v", err)
	}
	tb.step(1) // write applied
	if !tb.z.TriggerLatch() {
		t.Fatalf("trigger latch cleared too early")
	}
	tb.step(1)
	if tb.z.TriggerLatch() {
		t.Fatalf("trigger latch not cleared on the next tick")
	}
}

func TestSoftTrigger(t *testing.T) {
	tb := newTestbench(t)
	tb.write(regs.ZAPPIO_ROW, 2)
	tb.write(regs.ZAPPIO_COL, 0x800)
	tb.write(regs.ZAPPIO_TRIGGERMODE, 1)

	// hardware trigger latch is ignored in software mode.
	tb.pulse()
	tb.step(1)
	if !tb.z.TriggerLatch() {
		t.Fatalf("trigger latch not set")
	}
	if tb.z.Trigger() {
		t.Fatalf("hardware trigger active in software mode")
	}
	if got := tb.z.Row(); got != 0 {
		t.Fatalf("row driven without trigger: %d", got)
	}

	tb.write(regs.ZAPPIO_TRIGGERSOFT, 1)
	if got, want := tb.z.Row(), uint8(2); got != want {
		t.Fatalf("invalid row: got=%d, want=%d", got, want)
	}
	if got, want := tb.z.Col(), uint16(0x800); got != want {
		t.Fatalf("invalid col: got=0x%x, want=0x%x", got, want)
	}

	tb.write(regs.ZAPPIO_TRIGGERSOFT, 0)
	if got := tb.z.Row(); got != 0 {
		t.Fatalf("row driven without trigger: %d", got)
	}

	// back to hardware mode: the latch is still set.
	tb.write(regs.ZAPPIO_TRIGGERMODE, 0)
	if got, want := tb.z.Row(), uint8(2); got != want {
		t.Fatalf("invalid row: got=%d, want=%d", got, want)
	}
}

func TestDeltaExcess(t *testing.T) {
	tb := newTestbench(t)
	tb.write(regs.ZAPPIO_MAXDELTA, 100)
	tb.write(regs.ZAPPIO_TRIGGERMODE, 1)
	tb.write(regs.ZAPPIO_TRIGGERSOFT, 1)
	tb.write(regs.ZAPPIO_HV_ENGAGE, 1)

	// disabled.
	tb.eng.delta = 150
	tb.step(2)
	if tb.z.DeltaExcess() {
		t.Fatalf("delta excess latch set while disabled")
	}

	tb.write(regs.ZAPPIO_MAXDELTA_ENA, 1)
	tb.step(1)
	if !tb.z.DeltaExcess() {
		t.Fatalf("delta excess latch not set")
	}
	if !tb.z.Scram() {
		t.Fatalf("missing scram")
	}
	if tb.z.HVEngage() {
		t.Fatalf("engage asserted under scram")
	}

	// sticky.
	tb.eng.delta = 0
	tb.step(10)
	if !tb.z.DeltaExcess() {
		t.Fatalf("delta excess latch not sticky")
	}
	if got, want := tb.read(regs.ZAPPIO_MAXDELTA_SCRAM), uint32(1); got != want {
		t.Fatalf("invalid maxdelta scram status: got=%d, want=%d", got, want)
	}

	tb.write(regs.ZAPPIO_MAXDELTA_RESET, 1)
	tb.step(1)
	if tb.z.DeltaExcess() {
		t.Fatalf("delta excess latch not reset")
	}
	if tb.z.Scram() {
		t.Fatalf("unexpected scram")
	}

	// delta == maxdelta sets the latch, triggerclear resets it.
	tb.eng.delta = 100
	tb.step(2)
	if !tb.z.DeltaExcess() {
		t.Fatalf("delta excess latch not set")
	}
	tb.eng.delta = 0
	tb.write(regs.ZAPPIO_TRIGGERCLEAR, 1)
	tb.step(1)
	if tb.z.DeltaExcess() {
		t.Fatalf("delta excess latch not cleared by triggerclear")
	}

	// only during an active trigger.
	tb.write(regs.ZAPPIO_TRIGGERSOFT, 0)
	tb.eng.delta = 4000
	tb.step(10)
	if tb.z.DeltaExcess() {
		t.Fatalf("delta excess latch set without trigger")
	}
}

func TestManualScram(t *testing.T) {
	tb := newTestbench(t)
	tb.write(regs.ZAPPIO_HV_ENGAGE, 1)
	tb.write(regs.ZAPPIO_CAP, 1)
	tb.step(2)
	if !tb.z.HVEngage() || !tb.z.Cap() {
		t.Fatalf("outputs not engaged")
	}

	tb.eng.cutoff = true
	if !tb.z.Scram() || tb.z.HVEngage() || tb.z.Cap() {
		t.Fatalf("energy cutoff did not scram")
	}
	tb.eng.cutoff = false
	if tb.z.Scram() {
		t.Fatalf("unexpected scram")
	}

	tb.pins.Scram.Set(true)
	tb.step(1)
	if tb.z.Scram() {
		t.Fatalf("scram pin not synchronized")
	}
	tb.step(1)
	if !tb.z.Scram() || tb.z.HVEngage() || tb.z.Cap() {
		t.Fatalf("scram pin did not scram")
	}
	tb.pins.Scram.Set(false)
	tb.step(2)
	if tb.z.Scram() {
		t.Fatalf("unexpected scram")
	}
}

func TestInterlockMask(t *testing.T) {
	for _, tc := range []struct {
		name    string
		mask    uint32
		mb, mk  bool
		l25Open bool
		want    bool
	}{
		{"none", 0, false, false, true, false},
		{"mb-unmasked", 0, true, false, true, false},
		{"mb-masked", regs.INTERLOCK_MB_UNPLUGGED, true, false, true, true},
		{"mk-unmasked", regs.INTERLOCK_MB_UNPLUGGED, false, true, true, false},
		{"mk-masked", regs.INTERLOCK_MK_UNPLUGGED, false, true, true, true},
		{"l25-closed-unmasked", 0, false, false, false, false},
		{"l25-closed-masked", regs.INTERLOCK_L25_CLOSED, false, false, false, true},
		{"l25-open-masked", regs.INTERLOCK_L25_CLOSED, false, false, true, false},
		{"all-masked-ok", 7, false, false, true, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			tb := newTestbench(t)
			tb.pins.MBUnplugged.Set(tc.mb)
			tb.pins.MKUnplugged.Set(tc.mk)
			tb.pins.L25Open.Set(tc.l25Open)
			tb.write(regs.ZAPPIO_INTERLOCK_MASK, tc.mask)
			tb.step(3)
			if got := tb.z.Scram(); got != tc.want {
				t.Fatalf("invalid scram: got=%v, want=%v", got, tc.want)
			}
			for _, reg := range []struct {
				addr int64
				want bool
			}{
				{regs.ZAPPIO_MB_UNPLUGGED, tc.mb},
				{regs.ZAPPIO_MK_UNPLUGGED, tc.mk},
				{regs.ZAPPIO_L25_OPEN, tc.l25Open},
			} {
				if got := tb.read(reg.addr) == 1; got != reg.want {
					t.Fatalf("invalid sensor status 0x%x: got=%v, want=%v", reg.addr, got, reg.want)
				}
			}
		})
	}
}

func TestHVDAC(t *testing.T) {
	tb := newTestbench(t)
	tb.step(100)
	if got, want := tb.read(regs.ZAPPIO_HV_READY), uint32(1); got != want {
		t.Fatalf("invalid hv ready: got=%d, want=%d", got, want)
	}

	tb.write(regs.ZAPPIO_HV_SETTING, 0x1234)
	tb.write(regs.ZAPPIO_HV_UPDATE, 1)
	tb.step(1)
	for i := 0; i < 20; i++ {
		if got := tb.read(regs.ZAPPIO_HV_READY); got != 0 {
			t.Fatalf("hv ready while the update is in flight (tick=%d)", i)
		}
		tb.step(1)
	}
	err := tb.s.RunUntil(func() bool { return tb.chip.Code() == 0x1234 }, 100000)
	if err != nil {
		t.Fatalf("DAC not updated: %+v", err)
	}
	err = tb.s.RunUntil(func() bool { return tb.read(regs.ZAPPIO_HV_READY) == 1 }, 100000)
	if err != nil {
		t.Fatalf("hv ready not restored: %+v", err)
	}
	if got, want := tb.chip.Frames(), uint64(1); got != want {
		t.Fatalf("invalid number of frames: got=%d, want=%d", got, want)
	}

	tb.pins.Scram.Set(true)
	err = tb.s.RunUntil(func() bool { return tb.chip.Code() == 0 }, 100000)
	if err != nil {
		t.Fatalf("DAC not forced to zero under scram: %+v", err)
	}
	if got := tb.z.HVSetting(); got != 0 {
		t.Fatalf("invalid HV setting under scram: %d", got)
	}

	tb.pins.Scram.Set(false)
	tb.step(1000)
	if got := tb.chip.Code(); got != 0 {
		t.Fatalf("DAC updated without request: 0x%x", got)
	}
	tb.write(regs.ZAPPIO_HV_UPDATE, 1)
	err = tb.s.RunUntil(func() bool { return tb.chip.Code() == 0x1234 }, 100000)
	if err != nil {
		t.Fatalf("DAC not updated after scram: %+v", err)
	}
}

func TestHVDACPending(t *testing.T) {
	tb := newTestbench(t)
	tb.step(100)

	tb.write(regs.ZAPPIO_HV_SETTING, 0x0100)
	tb.write(regs.ZAPPIO_HV_UPDATE, 1)
	tb.write(regs.ZAPPIO_HV_SETTING, 0x0200)
	tb.write(regs.ZAPPIO_HV_UPDATE, 1)

	err := tb.s.RunUntil(func() bool { return tb.read(regs.ZAPPIO_HV_READY) == 1 }, 1000000)
	if err != nil {
		t.Fatalf("hv ready not restored: %+v", err)
	}
	if got, want := tb.chip.Code(), uint16(0x0200); got != want {
		t.Fatalf("invalid DAC code: got=0x%x, want=0x%x", got, want)
	}
	if got, want := tb.chip.Frames(), uint64(2); got != want {
		t.Fatalf("invalid number of frames: got=%d, want=%d", got, want)
	}
}
