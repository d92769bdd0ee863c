// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package csr

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/go-lpc/zappy/internal/regs"
)

func tick(bank *Bank) {
	bank.Eval()
	bank.Commit()
}

func wr(t *testing.T, bank *Bank, addr int64, v uint32) {
	t.Helper()
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, err := bank.WriteAt(buf[:], addr)
	if err != nil {
		t.Fatalf("could not write 0x%x: %+v", addr, err)
	}
}

func rd(t *testing.T, bank *Bank, addr int64) uint32 {
	t.Helper()
	var buf [4]byte
	_, err := bank.ReadAt(buf[:], addr)
	if err != nil {
		t.Fatalf("could not read 0x%x: %+v", addr, err)
	}
	return binary.LittleEndian.Uint32(buf[:])
}

func TestStorage(t *testing.T) {
	bank := NewBank(regs.Map)
	depth := bank.Reg(regs.MONITOR_DEPTH)

	wr(t, bank, regs.MONITOR_DEPTH, 0x12345)
	if got, want := depth.Value(), uint32(0); got != want {
		t.Fatalf("write applied before tick: got=0x%x", got)
	}
	if got, want := bank.Pending(), 1; got != want {
		t.Fatalf("invalid pending writes: got=%d, want=%d", got, want)
	}

	tick(bank)
	if got, want := depth.Value(), uint32(0x2345); got != want {
		t.Fatalf("invalid masked value: got=0x%x, want=0x%x", got, want)
	}
	if !depth.RE() {
		t.Fatalf("missing write strobe")
	}
	if got, want := rd(t, bank, regs.MONITOR_DEPTH), uint32(0x2345); got != want {
		t.Fatalf("invalid read-back: got=0x%x, want=0x%x", got, want)
	}

	tick(bank)
	if depth.RE() {
		t.Fatalf("write strobe lasted more than one tick")
	}
	if got, want := depth.Value(), uint32(0x2345); got != want {
		t.Fatalf("storage value lost: got=0x%x, want=0x%x", got, want)
	}
}

func TestStrobeSerialization(t *testing.T) {
	bank := NewBank(regs.Map)
	acq := bank.Reg(regs.MONITOR_ACQUIRE)
	row := bank.Reg(regs.ZAPPIO_ROW)

	wr(t, bank, regs.MONITOR_ACQUIRE, 1)
	wr(t, bank, regs.ZAPPIO_ROW, 2)
	wr(t, bank, regs.MONITOR_ACQUIRE, 1)

	tick(bank)
	if !acq.RE() || !row.RE() {
		t.Fatalf("missing strobes: acquire=%v, row=%v", acq.RE(), row.RE())
	}

	tick(bank)
	if !acq.RE() {
		t.Fatalf("second acquire strobe was merged")
	}
	if row.RE() {
		t.Fatalf("spurious row strobe")
	}

	tick(bank)
	if acq.RE() {
		t.Fatalf("spurious acquire strobe")
	}
	if got, want := rd(t, bank, regs.MONITOR_ACQUIRE), uint32(0); got != want {
		t.Fatalf("strobe register reads back: got=%d", got)
	}
}

func TestPulseField(t *testing.T) {
	bank := NewBank(regs.Map)
	ctl := bank.Reg(regs.MONITOR_ENERGY_CONTROL)

	wr(t, bank, regs.MONITOR_ENERGY_CONTROL, regs.ENERGY_CONTROL_ENABLE|regs.ENERGY_CONTROL_RESET)
	tick(bank)
	if !ctl.Bit(regs.ENERGY_CONTROL_RESET) || !ctl.Bit(regs.ENERGY_CONTROL_ENABLE) {
		t.Fatalf("invalid energy control: 0x%x", ctl.Value())
	}

	tick(bank)
	if ctl.Bit(regs.ENERGY_CONTROL_RESET) {
		t.Fatalf("reset pulse lasted more than one tick")
	}
	if !ctl.Bit(regs.ENERGY_CONTROL_ENABLE) {
		t.Fatalf("enable bit was cleared")
	}
}

func TestStatus(t *testing.T) {
	bank := NewBank(regs.Map)
	done := bank.Reg(regs.MONITOR_DONE)

	done.SetBool(true)
	if got, want := rd(t, bank, regs.MONITOR_DONE), uint32(1); got != want {
		t.Fatalf("invalid status: got=%d, want=%d", got, want)
	}

	var buf [4]byte
	_, err := bank.WriteAt(buf[:], regs.MONITOR_DONE)
	if !errors.Is(err, ErrReadOnly) {
		t.Fatalf("invalid error: %+v", err)
	}
}

func TestEventRegister(t *testing.T) {
	bank := NewBank(regs.Map)
	pend := bank.Reg(regs.MONITOR_EV_PENDING)

	pend.Set(1)
	wr(t, bank, regs.MONITOR_EV_PENDING, 1)
	tick(bank)
	if !pend.RE() || pend.Written() != 1 {
		t.Fatalf("invalid event strobe: re=%v, arg=%d", pend.RE(), pend.Written())
	}
	if got, want := rd(t, bank, regs.MONITOR_EV_PENDING), uint32(1); got != want {
		t.Fatalf("software write modified status: got=%d, want=%d", got, want)
	}
}

func TestWideStorage(t *testing.T) {
	bank := NewBank(regs.Map)
	thr := bank.Wide(regs.MONITOR_ENERGY_THRESHOLD)

	wr(t, bank, regs.MONITOR_ENERGY_THRESHOLD+4, 0x1ab)
	tick(bank)
	if got := thr.Value(); got != 0 {
		t.Fatalf("high word committed alone: 0x%x", got)
	}

	wr(t, bank, regs.MONITOR_ENERGY_THRESHOLD, 0xdeadbeef)
	tick(bank)
	if got, want := thr.Value(), uint64(0xab_dead_beef); got != want {
		t.Fatalf("invalid threshold: got=0x%x, want=0x%x", got, want)
	}
	if !thr.RE() {
		t.Fatalf("missing commit strobe")
	}

	var buf [8]byte
	_, err := bank.ReadAt(buf[:], regs.MONITOR_ENERGY_THRESHOLD)
	if err != nil {
		t.Fatalf("could not read threshold: %+v", err)
	}
	if got, want := binary.LittleEndian.Uint64(buf[:]), uint64(0xab_dead_beef); got != want {
		t.Fatalf("invalid threshold read-back: got=0x%x, want=0x%x", got, want)
	}
}

func TestWideStatusLatch(t *testing.T) {
	bank := NewBank(regs.Map)
	acc := bank.Wide(regs.MONITOR_ENERGY_ACCUMULATOR)

	acc.Set(0x12_ffff_ffff)
	lo := rd(t, bank, regs.MONITOR_ENERGY_ACCUMULATOR)

	// accumulator moves between the two word reads.
	acc.Set(0x13_0000_0005)
	hi := rd(t, bank, regs.MONITOR_ENERGY_ACCUMULATOR+4)

	if got, want := uint64(hi)<<32|uint64(lo), uint64(0x12_ffff_ffff); got != want {
		t.Fatalf("torn 40b read: got=0x%x, want=0x%x", got, want)
	}

	acc.Set(0xff_ffff_ffff_ffff)
	if got, want := acc.Value(), uint64(0xff_ffff_ffff); got != want {
		t.Fatalf("invalid masked value: got=0x%x, want=0x%x", got, want)
	}
}

func TestBusErrors(t *testing.T) {
	bank := NewBank(regs.Map)

	var buf [4]byte
	_, err := bank.ReadAt(buf[:], 2)
	if !errors.Is(err, ErrAlign) {
		t.Fatalf("invalid error: %+v", err)
	}
	_, err = bank.WriteAt(buf[:3], 0)
	if !errors.Is(err, ErrAlign) {
		t.Fatalf("invalid error: %+v", err)
	}
	_, err = bank.ReadAt(buf[:], 0xffc)
	if !errors.Is(err, ErrAddr) {
		t.Fatalf("invalid error: %+v", err)
	}
	_, err = bank.WriteAt(buf[:], 0xffc)
	if !errors.Is(err, ErrAddr) {
		t.Fatalf("invalid error: %+v", err)
	}
}

func TestLookup(t *testing.T) {
	bank := NewBank(regs.Map)
	addr, ok := bank.Lookup("zappio_hv_setting")
	if !ok {
		t.Fatalf("could not find zappio_hv_setting")
	}
	if got, want := addr, int64(regs.ZAPPIO_HV_SETTING); got != want {
		t.Fatalf("invalid address: got=0x%x, want=0x%x", got, want)
	}

	names := bank.Names()
	if got, want := len(names), len(regs.Map); got != want {
		t.Fatalf("invalid number of registers: got=%d, want=%d", got, want)
	}
	if got, want := names[0], "monitor_acquire"; got != want {
		t.Fatalf("invalid first register: got=%q, want=%q", got, want)
	}
	if bank.Span() <= regs.VMON_VALID {
		t.Fatalf("invalid span: 0x%x", bank.Span())
	}

	defer func() {
		if e := recover(); e == nil {
			t.Fatalf("expected a panic")
		}
	}()
	_ = bank.Reg(regs.MONITOR_ENERGY_THRESHOLD)
}
