// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zap

import (
	"context"
	"errors"
	"io"
	"math"
	"testing"
	"time"

	"github.com/go-daq/tdaq/log"
	"github.com/go-lpc/zappy/board"
	"github.com/go-lpc/zappy/csr"
	"github.com/go-lpc/zappy/internal/regs"
	"github.com/go-lpc/zappy/monitor"
)

func newTestDevice(t *testing.T, opts ...Option) (*board.Board, *Device) {
	t.Helper()
	brd, err := board.New(
		board.WithMsgStream(log.NewMsgStream("board", log.LvlError, io.Discard)),
	)
	if err != nil {
		t.Fatalf("could not create board: %+v", err)
	}
	opts = append([]Option{
		WithMsgStream(log.NewMsgStream("zap", log.LvlError, io.Discard)),
		WithPoll(0),
		WithDischarge(0),
		WithMemDepth(brd.Ring().Cap()),
	}, opts...)
	dev := New(
		brd.Stepped(brd.CSR(), 1),
		brd.Stepped(brd.Ring(), 1),
		opts...,
	)
	return brd, dev
}

func TestCalibration(t *testing.T) {
	cal := DefaultCalibration
	for _, tc := range []struct {
		volts uint32
		want  uint16
	}{
		{0, 0},
		{1, 267},
		{100, 6758},
		{500, 32983},
		{1000, math.MaxUint16},
	} {
		if got, want := cal.HVCode(tc.volts), tc.want; got != want {
			t.Errorf("invalid HV code for %dV: got=%d, want=%d", tc.volts, got, want)
		}
	}

	for _, j := range []float64{0.5, 1, 2.5, 100} {
		got := cal.Joules(cal.Threshold(j))
		if math.Abs(got-j) > 1e-6 {
			t.Errorf("invalid round-trip for %gJ: got=%g", j, got)
		}
	}

	if got, want := cal.Threshold(-1), uint64(0); got != want {
		t.Errorf("invalid negative threshold: got=%d, want=%d", got, want)
	}
	if got, want := cal.Threshold(1e9), uint64(1<<39-1); got != want {
		t.Errorf("invalid saturated threshold: got=%d, want=%d", got, want)
	}
	if got, want := (Calibration{}).Joules(42), 0.0; got != want {
		t.Errorf("invalid uncalibrated energy: got=%g, want=%g", got, want)
	}
}

func TestZap(t *testing.T) {
	brd, dev := newTestDevice(t)
	brd.SetMain(2000)
	brd.SetFeedback(1000)

	res, err := dev.Zap(context.Background(), ZapConfig{
		Row:       1,
		Col:       3,
		Voltage:   100,
		Depth:     10,
		Presample: 3,
		Period:    1000,
	})
	if err != nil {
		t.Fatalf("could not zap: %+v", err)
	}

	if got, want := len(res.Samples), 10; got != want {
		t.Fatalf("invalid number of samples: got=%d, want=%d", got, want)
	}
	for i, smp := range res.Samples {
		want := SamplePair{Seq: uint32(i), Main: 2000, Feedback: 1000}
		if smp != want {
			t.Fatalf("invalid sample %d: got=%+v, want=%+v", i, smp, want)
		}
	}
	if got, want := res.Energy, uint64(7_000_000); got != want {
		t.Fatalf("invalid energy: got=%d, want=%d", got, want)
	}
	if got, want := res.Joules, DefaultCalibration.Joules(7_000_000); got != want {
		t.Fatalf("invalid joules: got=%g, want=%g", got, want)
	}
	if res.DeltaScram || res.Cutoff || res.Overrun != 0 {
		t.Fatalf("unexpected faults: %+v", res)
	}

	err = brd.RunUntil(func() bool { return brd.Outputs().HVCode == 0 }, 100000)
	if err != nil {
		t.Fatalf("HV supply not zeroed: %+v", err)
	}
	if got, want := brd.Outputs(), (board.Outputs{}); got != want {
		t.Fatalf("board not in safe state:\ngot= %+v\nwant=%+v", got, want)
	}

	st, err := dev.Status()
	if err != nil {
		t.Fatalf("could not read status: %+v", err)
	}
	if !st.Done || st.Pending || st.Scram {
		t.Fatalf("invalid status after zap: %+v", st)
	}
	if got, want := st.Delta, uint16(1000); got != want {
		t.Fatalf("invalid delta: got=%d, want=%d", got, want)
	}
}

func TestZapRange(t *testing.T) {
	_, dev := newTestDevice(t)
	for _, tc := range []struct {
		name string
		cfg  ZapConfig
	}{
		{"voltage", ZapConfig{Voltage: MaxVoltage + 1}},
		{"row", ZapConfig{Row: NumRows}},
		{"col", ZapConfig{Col: NumCols}},
		{"depth", ZapConfig{Depth: math.MaxUint16}},
		{"presample", ZapConfig{Depth: 4, Presample: 5}},
		{"energy", ZapConfig{Energy: -1}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := dev.Zap(context.Background(), tc.cfg)
			if !errors.Is(err, ErrRange) {
				t.Fatalf("invalid error: got=%+v, want=%+v", err, ErrRange)
			}
		})
	}
}

func TestZapScram(t *testing.T) {
	brd, dev := newTestDevice(t)
	brd.Pins().Scram.Set(true)
	brd.Step(100)

	cfg := ZapConfig{Row: 0, Col: 0, Voltage: 10, Depth: 4, Period: 1000}
	_, err := dev.Zap(context.Background(), cfg)
	if !errors.Is(err, ErrScram) {
		t.Fatalf("invalid error: got=%+v, want=%+v", err, ErrScram)
	}
	if brd.Outputs().HVEngage || brd.Outputs().Cap {
		t.Fatalf("board actuated under SCRAM: %+v", brd.Outputs())
	}
	for _, addr := range []int64{regs.ZAPPIO_ROW, regs.ZAPPIO_COL} {
		v, err := dev.ReadReg(addr)
		if err != nil {
			t.Fatalf("could not read register 0x%x: %+v", addr, err)
		}
		if v != 0 {
			t.Fatalf("plate cell left selected under SCRAM: reg[0x%x]=0x%x", addr, v)
		}
	}

	cfg.Override = true
	_, err = dev.Zap(context.Background(), cfg)
	if err != nil {
		t.Fatalf("could not zap with overridden safeties: %+v", err)
	}
}

func TestZapDeltaScram(t *testing.T) {
	brd, dev := newTestDevice(t)
	brd.SetMain(3000)
	brd.SetFeedback(1000)

	res, err := dev.Zap(context.Background(), ZapConfig{
		Voltage:   100,
		Depth:     8,
		Presample: 2,
		Period:    1000,
		MaxDelta:  500,
	})
	if err != nil {
		t.Fatalf("could not zap: %+v", err)
	}
	if !res.DeltaScram {
		t.Fatalf("max delta latch did not trip")
	}
	if !brd.Outputs().Scram {
		t.Fatalf("max delta latch did not scram")
	}

	// the next zap re-arms the latch, with the check disabled.
	res, err = dev.Zap(context.Background(), ZapConfig{
		Voltage: 100,
		Depth:   8,
		Period:  1000,
	})
	if err != nil {
		t.Fatalf("could not re-arm: %+v", err)
	}
	if res.DeltaScram {
		t.Fatalf("max delta latch tripped while disabled")
	}
}

func TestZapEnergyCutoff(t *testing.T) {
	brd, dev := newTestDevice(t)
	brd.SetMain(2000)
	brd.SetFeedback(1000)

	res, err := dev.Zap(context.Background(), ZapConfig{
		Voltage: 100,
		Depth:   10,
		Period:  1000,
		Energy:  2e6 / DefaultCalibration.OneJoule,
	})
	if err != nil {
		t.Fatalf("could not zap: %+v", err)
	}
	if !res.Cutoff {
		t.Fatalf("energy budget not exhausted: %+v", res)
	}
	if !brd.Outputs().Scram {
		t.Fatalf("energy cutoff did not scram")
	}

	// the energy budget is per zap.
	res, err = dev.Zap(context.Background(), ZapConfig{
		Voltage: 100,
		Depth:   1,
		Period:  1000,
		Energy:  1,
	})
	if err != nil {
		t.Fatalf("could not zap after cutoff: %+v", err)
	}
	if res.Cutoff {
		t.Fatalf("energy budget carried over: %+v", res)
	}
}

func TestWaitTimeout(t *testing.T) {
	brd, dev := newTestDevice(t)

	err := dev.Acquire(AcqConfig{Depth: 4, Period: math.MaxUint32})
	if err != nil {
		t.Fatalf("could not start acquisition: %+v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err = dev.Wait(ctx)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("invalid error: got=%+v, want=%+v", err, ErrTimeout)
	}

	brd.Step(10)
	if got, want := brd.Engine().State(), monitor.Idle; got != want {
		t.Fatalf("acquisition not aborted: got=%v, want=%v", got, want)
	}
}

func TestAcquireRange(t *testing.T) {
	_, dev := newTestDevice(t, WithMemDepth(16))
	err := dev.Acquire(AcqConfig{Depth: 17})
	if !errors.Is(err, ErrRange) {
		t.Fatalf("invalid error: got=%+v, want=%+v", err, ErrRange)
	}
	_, err = dev.Samples(17)
	if !errors.Is(err, ErrRange) {
		t.Fatalf("invalid error: got=%+v, want=%+v", err, ErrRange)
	}
}

func TestSetHV(t *testing.T) {
	brd, dev := newTestDevice(t)
	ctx := context.Background()

	// back-to-back updates are never lost.
	for _, code := range []uint16{0x1234, 0x0042, 0xbeef} {
		err := dev.SetHV(ctx, code)
		if err != nil {
			t.Fatalf("could not set HV 0x%x: %+v", code, err)
		}
	}
	err := brd.RunUntil(func() bool { return brd.Outputs().HVCode == 0xbeef }, 100000)
	if err != nil {
		t.Fatalf("HV DAC not updated: %+v", err)
	}
}

func TestSetHVTimeout(t *testing.T) {
	_, dev := newTestDevice(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// hv_ready is synchronized from the DAC: not yet set at power-on.
	err := dev.SetHV(ctx, 1)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("invalid error: got=%+v, want=%+v", err, ErrTimeout)
	}
}

func TestVMon(t *testing.T) {
	brd, dev := newTestDevice(t)
	for _, v := range []uint16{0x2bc, 0x123, 0xfff} {
		brd.SetVMon(v)
		got, err := dev.VMon(context.Background())
		if err != nil {
			t.Fatalf("could not read vmon: %+v", err)
		}
		if got != v {
			t.Fatalf("invalid vmon: got=0x%x, want=0x%x", got, v)
		}
	}
}

type failRW struct{}

func (failRW) ReadAt(p []byte, off int64) (int, error)  { return 0, io.ErrUnexpectedEOF }
func (failRW) WriteAt(p []byte, off int64) (int, error) { return 0, io.ErrUnexpectedEOF }

func TestStickyError(t *testing.T) {
	dev := New(failRW{}, failRW{},
		WithMsgStream(log.NewMsgStream("zap", log.LvlError, io.Discard)),
	)
	_, err := dev.Status()
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("invalid error: got=%+v, want=%+v", err, io.ErrUnexpectedEOF)
	}
	err = dev.Abort()
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("invalid error: got=%+v, want=%+v", err, io.ErrUnexpectedEOF)
	}
	_, err = dev.Samples(1)
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("invalid error: got=%+v, want=%+v", err, io.ErrUnexpectedEOF)
	}
}

func TestRawRegisters(t *testing.T) {
	_, dev := newTestDevice(t)
	err := dev.WriteReg(regs.ZAPPIO_MAXDELTA, 0x1_2345)
	if err != nil {
		t.Fatalf("could not write register: %+v", err)
	}
	got, err := dev.ReadReg(regs.ZAPPIO_MAXDELTA)
	if err != nil {
		t.Fatalf("could not read register: %+v", err)
	}
	if want := uint32(0x2345); got != want {
		t.Fatalf("invalid register value: got=0x%x, want=0x%x", got, want)
	}

	err = dev.WriteReg(regs.ZAPPIO_HV_READY, 1)
	if !errors.Is(err, csr.ErrReadOnly) {
		t.Fatalf("invalid error: got=%+v, want=%+v", err, csr.ErrReadOnly)
	}
	_, err = dev.ReadReg(0xffc)
	if !errors.Is(err, csr.ErrAddr) {
		t.Fatalf("invalid error: got=%+v, want=%+v", err, csr.ErrAddr)
	}
}
