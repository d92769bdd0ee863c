// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zap

import (
	"context"
	"fmt"
	"time"

	"github.com/go-lpc/zappy/internal/regs"
	"github.com/go-lpc/zappy/monitor"
)

// ZapConfig describes one zap.
type ZapConfig struct {
	Row     uint8  // plate row, in [0, NumRows)
	Col     uint8  // plate column, in [0, NumCols)
	Voltage uint32 // HV supply setting, in volts

	Depth     uint16 // number of sample pairs to acquire
	Presample uint16 // number of sample pairs before the trigger
	Period    uint32 // sampling period, in gateware ticks (default: DefaultPeriod)

	MaxDelta uint16  // main-feedback difference triggering a SCRAM (0: disabled)
	Energy   float64 // energy budget, in joules (0: unlimited)
	Override bool    // bypass the safety interlocks

	Timeout time.Duration // acquisition watchdog (0: none)
}

func (cfg ZapConfig) validate(memdepth int) error {
	switch {
	case cfg.Voltage > MaxVoltage:
		return fmt.Errorf("zap: voltage out of range [0,%d]: %d: %w", MaxVoltage, cfg.Voltage, ErrRange)
	case cfg.Row >= NumRows:
		return fmt.Errorf("zap: row out of range [0,%d): %d: %w", NumRows, cfg.Row, ErrRange)
	case cfg.Col >= NumCols:
		return fmt.Errorf("zap: col out of range [0,%d): %d: %w", NumCols, cfg.Col, ErrRange)
	case int(cfg.Depth) > memdepth:
		return fmt.Errorf("zap: depth out of range [0,%d]: %d: %w", memdepth, cfg.Depth, ErrRange)
	case cfg.Presample > cfg.Depth:
		return fmt.Errorf("zap: presample %d exceeds depth %d: %w", cfg.Presample, cfg.Depth, ErrRange)
	case cfg.Energy < 0:
		return fmt.Errorf("zap: invalid energy budget %g: %w", cfg.Energy, ErrRange)
	}
	return nil
}

// Result is the outcome of a zap.
type Result struct {
	Samples    []SamplePair
	Energy     uint64  // raw energy accumulator
	Joules     float64 // calibrated energy
	Overrun    uint32  // sampling period overrun, in gateware ticks
	DeltaScram bool    // the max delta latch tripped
	Cutoff     bool    // the energy budget was exhausted
	Duration   time.Duration
}

// Zap delivers one pulse to the selected plate cell and acquires the main
// and feedback currents.
// The board is always brought back to its safe state, even when ctx is
// done during the acquisition.
func (dev *Device) Zap(ctx context.Context, cfg ZapConfig) (res Result, err error) {
	err = cfg.validate(dev.cfg.memdepth)
	if err != nil {
		return res, err
	}
	if cfg.Period == 0 {
		cfg.Period = DefaultPeriod
	}

	var (
		zio = &dev.regs.zappio
		mon = &dev.regs.monitor
		cal = dev.cfg.cal
	)

	// arm: per-zap energy budget, delta latch cleared.
	ctl := uint32(regs.ENERGY_CONTROL_RESET)
	if cfg.Energy > 0 {
		mon.threshold.w(cal.Threshold(cfg.Energy))
		ctl |= regs.ENERGY_CONTROL_ENABLE
	}
	mon.control.w(ctl)
	zio.maxDelta.w(uint32(cfg.MaxDelta))
	zio.maxDeltaEna.w(b2u(cfg.MaxDelta > 0))
	zio.maxDeltaRst.w(1)

	zio.triggerMode.w(0)
	zio.override.w(b2u(cfg.Override))

	// row/col writes clear the trigger latch.
	zio.col.w(1 << cfg.Col)
	zio.row.w(1 << cfg.Row)
	if err = dev.flush(); err != nil {
		return res, fmt.Errorf("zap: could not configure zap: %w", err)
	}
	if err = dev.settle(ctx); err != nil {
		return res, fmt.Errorf("zap: could not configure zap: %w", err)
	}

	st, err := dev.Status()
	if err != nil {
		return res, err
	}
	if st.Scram {
		dev.msg.Errorf("zappio is indicating a SCRAM condition, aborting")
		zio.col.w(0)
		zio.row.w(0)
		if e := dev.flush(); e != nil {
			dev.msg.Warnf("could not deselect plate cell: %+v", e)
		}
		return res, ErrScram
	}
	if cfg.Override {
		dev.msg.Warnf("zappio safeties are overridden")
	}
	if st.MBUnplugged {
		dev.msg.Warnf("motherboard seems to be unplugged")
	}
	if st.MKUnplugged {
		dev.msg.Warnf("HV supply seems to be unplugged")
	}

	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		e := dev.SafeShutdown(sctx)
		if e != nil && err == nil {
			err = e
		}
	}()

	// disengage the discharge resistor before connecting the capacitor.
	zio.discharge.w(0)
	zio.cap.w(1)
	if err = dev.flush(); err != nil {
		return res, fmt.Errorf("zap: could not connect capacitor: %w", err)
	}

	// engage the supply at zero, then ramp it to the setting.
	if err = dev.SetHV(ctx, 0); err != nil {
		return res, err
	}
	zio.hvEngage.w(1)
	if err = dev.SetHV(ctx, cal.HVCode(cfg.Voltage)); err != nil {
		return res, err
	}
	dev.msg.Infof(
		"zap: row=%d, col=%d, voltage=%dV (code=0x%04x)",
		cfg.Row, cfg.Col, cfg.Voltage, cal.HVCode(cfg.Voltage),
	)

	start := time.Now()
	err = dev.Acquire(AcqConfig{
		Depth:     cfg.Depth,
		Presample: cfg.Presample,
		Period:    cfg.Period,
	})
	if err != nil {
		return res, err
	}

	wctx := ctx
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}
	if err = dev.Wait(wctx); err != nil {
		return res, err
	}
	res.Duration = time.Since(start)

	st, err = dev.Status()
	if err != nil {
		return res, err
	}
	res.Energy = st.Energy
	res.Joules = cal.Joules(st.Energy)
	res.Overrun = st.Overrun
	res.DeltaScram = st.DeltaScram
	res.Cutoff = monitor.Cutoff(cfg.Energy > 0, st.Energy, cal.Threshold(cfg.Energy))

	res.Samples, err = dev.Samples(int(cfg.Depth))
	if err != nil {
		return res, err
	}

	dev.msg.Infof(
		"acquisition finished in %v, energy=%.3fJ, overrun=%d",
		res.Duration, res.Joules, res.Overrun,
	)
	if res.DeltaScram {
		dev.msg.Warnf("max delta exceeded during zap")
	}
	if res.Cutoff {
		dev.msg.Warnf("energy budget exhausted during zap")
	}
	return res, nil
}

func b2u(v bool) uint32 {
	if v {
		return 1
	}
	return 0
}
