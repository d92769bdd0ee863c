// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package zappio implements the safety interlock and trigger gating of
// the actuation outputs: HV engage, capacitor bank, discharge, row and
// column drives, and the HV supply setpoint.
//
// The SCRAM condition is
//
//	scram = (manual || plate_absent || delta_excess) && !override
//
// and forces all actuation outputs to zero for as long as it holds.
package zappio // import "github.com/go-lpc/zappy/zappio"

import (
	"github.com/go-lpc/zappy/csr"
	"github.com/go-lpc/zappy/dac"
	"github.com/go-lpc/zappy/internal/cdc"
	"github.com/go-lpc/zappy/internal/regs"
	"github.com/go-lpc/zappy/internal/sim"
)

const (
	// hvPulseLen is the number of ticks an HV DAC update is held valid,
	// long enough for the slower DAC domain to see it.
	hvPulseLen = 15

	// hvBusyLen bounds the number of ticks hv_ready is held low after an
	// update, waiting for the DAC to take it.
	hvBusyLen = 1023
)

// Engine is the acquisition engine, as seen by the interlock.
type Engine interface {
	ExtTrigger() bool   // single tick trigger event
	Delta() uint16      // live main-feedback difference
	EnergyCutoff() bool // delivered energy over threshold
	Aborted() bool      // acquisition aborted by software
}

// Pins are the sensor and emergency inputs of the interlock.
// Pins may be driven from any goroutine.
type Pins struct {
	NoPlate     cdc.Wire // 4b, all zero when a plate is in place
	MBUnplugged cdc.Wire // HV motherboard unplugged
	MKUnplugged cdc.Wire // HV power supply unplugged
	L25Pos      cdc.Wire
	L25Open     cdc.Wire
	Scram       cdc.Wire // emergency stop
}

type zappio struct {
	trig  bool // trigger latch
	delta bool // delta excess latch

	hvTrig  bool // HV DAC update in progress
	hvCount uint8
	hvValid bool
	hvData  uint16 // code sent by the update in progress
	hvPend  bool   // update requested, not yet sent
	hvBusy  bool   // update sent, not yet taken by the DAC
	hvWait  uint16

	scram  bool
	active bool
}

// Zappio is the safety interlock and trigger arbiter.
type Zappio struct {
	eng Engine

	// DAC drives the HV supply setpoint.
	DAC *dac.Driver

	in struct {
		noplate *cdc.MultiReg
		mb      *cdc.MultiReg
		mk      *cdc.MultiReg
		l25Pos  *cdc.MultiReg
		l25Open *cdc.MultiReg
		scram   *cdc.MultiReg
		hvReady *cdc.MultiReg
	}
	syncs []*cdc.MultiReg

	regs struct {
		noplate      *csr.Reg
		row          *csr.Reg
		col          *csr.Reg
		override     *csr.Reg
		scramStatus  *csr.Reg
		hvEngage     *csr.Reg
		cap          *csr.Reg
		discharge    *csr.Reg
		triggerMode  *csr.Reg
		triggerSoft  *csr.Reg
		triggerClear *csr.Reg
		triggerState *csr.Reg
		maxDelta     *csr.Reg
		maxDeltaEna  *csr.Reg
		maxDeltaRst  *csr.Reg
		maxDeltaStat *csr.Reg
		mbUnplugged  *csr.Reg
		mkUnplugged  *csr.Reg
		l25Pos       *csr.Reg
		l25Open      *csr.Reg
		hvSetting    *csr.Reg
		hvUpdate     *csr.Reg
		hvReady      *csr.Reg
		mask         *csr.Reg
	}

	cur, next zappio
}

// New creates a new interlock controlled through bank, reading its
// sensors from pins and its trigger and delta from eng.
func New(bank *csr.Bank, pins *Pins, eng Engine) *Zappio {
	z := &Zappio{eng: eng}
	z.DAC = dac.NewDriver(z.dacWord)

	z.in.noplate = cdc.NewMultiReg(&pins.NoPlate, 2)
	z.in.mb = cdc.NewMultiReg(&pins.MBUnplugged, 2)
	z.in.mk = cdc.NewMultiReg(&pins.MKUnplugged, 2)
	z.in.l25Pos = cdc.NewMultiReg(&pins.L25Pos, 2)
	z.in.l25Open = cdc.NewMultiReg(&pins.L25Open, 2)
	z.in.scram = cdc.NewMultiReg(&pins.Scram, 2)
	z.in.hvReady = cdc.NewMultiReg(&z.DAC.Ready, 2)
	z.syncs = []*cdc.MultiReg{
		z.in.noplate, z.in.mb, z.in.mk,
		z.in.l25Pos, z.in.l25Open, z.in.scram,
		z.in.hvReady,
	}

	z.regs.noplate = bank.Reg(regs.ZAPPIO_NOPLATE)
	z.regs.row = bank.Reg(regs.ZAPPIO_ROW)
	z.regs.col = bank.Reg(regs.ZAPPIO_COL)
	z.regs.override = bank.Reg(regs.ZAPPIO_OVERRIDE_SAFETY)
	z.regs.scramStatus = bank.Reg(regs.ZAPPIO_SCRAM_STATUS)
	z.regs.hvEngage = bank.Reg(regs.ZAPPIO_HV_ENGAGE)
	z.regs.cap = bank.Reg(regs.ZAPPIO_CAP)
	z.regs.discharge = bank.Reg(regs.ZAPPIO_DISCHARGE)
	z.regs.triggerMode = bank.Reg(regs.ZAPPIO_TRIGGERMODE)
	z.regs.triggerSoft = bank.Reg(regs.ZAPPIO_TRIGGERSOFT)
	z.regs.triggerClear = bank.Reg(regs.ZAPPIO_TRIGGERCLEAR)
	z.regs.triggerState = bank.Reg(regs.ZAPPIO_TRIGGERSTATUS)
	z.regs.maxDelta = bank.Reg(regs.ZAPPIO_MAXDELTA)
	z.regs.maxDeltaEna = bank.Reg(regs.ZAPPIO_MAXDELTA_ENA)
	z.regs.maxDeltaRst = bank.Reg(regs.ZAPPIO_MAXDELTA_RESET)
	z.regs.maxDeltaStat = bank.Reg(regs.ZAPPIO_MAXDELTA_SCRAM)
	z.regs.mbUnplugged = bank.Reg(regs.ZAPPIO_MB_UNPLUGGED)
	z.regs.mkUnplugged = bank.Reg(regs.ZAPPIO_MK_UNPLUGGED)
	z.regs.l25Pos = bank.Reg(regs.ZAPPIO_L25_POS)
	z.regs.l25Open = bank.Reg(regs.ZAPPIO_L25_OPEN)
	z.regs.hvSetting = bank.Reg(regs.ZAPPIO_HV_SETTING)
	z.regs.hvUpdate = bank.Reg(regs.ZAPPIO_HV_UPDATE)
	z.regs.hvReady = bank.Reg(regs.ZAPPIO_HV_READY)
	z.regs.mask = bank.Reg(regs.ZAPPIO_INTERLOCK_MASK)
	return z
}

// Modules returns the modules to clock in the interlock's domain.
// The DAC's own modules belong to the DAC domain, see dac.Driver.Modules.
func (z *Zappio) Modules() []sim.Module {
	return []sim.Module{z, z.DAC.Port()}
}

func (z *Zappio) Eval() {
	for _, m := range z.syncs {
		m.Eval()
	}

	var (
		cur    = &z.cur
		next   = &z.next
		scram  = z.Scram()
		active = z.Trigger()
	)
	*next = *cur
	next.scram = scram
	next.active = active

	clear := z.regs.triggerClear.RE() || z.regs.row.RE() || z.regs.col.RE() || z.eng.Aborted()
	next.trig = TriggerOp(clear, z.eng.ExtTrigger()).Apply(cur.trig)

	reset := z.regs.maxDeltaRst.RE() || z.regs.triggerClear.RE()
	next.delta = DeltaOp(
		reset, active,
		z.eng.Delta(), uint16(z.regs.maxDelta.Value()),
		z.regs.maxDeltaEna.Bool(),
	).Apply(cur.delta)

	// hv_ready drops from the update strobe until the DAC starts the frame.
	// An update requested while the DAC is busy is sent once it is ready.
	update := z.regs.hvUpdate.RE()
	next.hvPend = cur.hvPend || update
	if cur.hvBusy {
		next.hvWait = cur.hvWait + 1
		if !z.in.hvReady.Bool() || cur.hvWait >= hvBusyLen {
			next.hvBusy = false
		}
	}

	// in case of a SCRAM, the DAC is repeatedly forced to zero.
	switch {
	case !cur.hvTrig:
		next.hvCount = 0
		next.hvValid = false
		send := cur.hvPend && !cur.hvBusy && z.in.hvReady.Bool()
		if send || scram {
			next.hvTrig = true
			next.hvValid = true
			next.hvData = z.HVSetting()
			if cur.hvPend {
				next.hvPend = update
				next.hvBusy = true
				next.hvWait = 0
			}
		}
	default:
		next.hvCount = cur.hvCount + 1
		next.hvValid = true
		if cur.hvCount >= hvPulseLen {
			next.hvTrig = false
			next.hvValid = false
		}
	}
}

func (z *Zappio) Commit() {
	for _, m := range z.syncs {
		m.Commit()
	}
	z.cur = z.next

	cur := &z.cur
	z.regs.noplate.Set(z.in.noplate.Out())
	z.regs.mbUnplugged.SetBool(z.in.mb.Bool())
	z.regs.mkUnplugged.SetBool(z.in.mk.Bool())
	z.regs.l25Pos.SetBool(z.in.l25Pos.Bool())
	z.regs.l25Open.SetBool(z.in.l25Open.Bool())
	z.regs.hvReady.SetBool(z.in.hvReady.Bool() && !cur.hvBusy && !cur.hvPend)
	z.regs.scramStatus.SetBool(cur.scram)
	z.regs.triggerState.SetBool(cur.active)
	z.regs.maxDeltaStat.SetBool(cur.delta)
}

func (z *Zappio) dacWord() (uint16, bool) {
	if z.Scram() {
		return 0, z.cur.hvValid
	}
	return z.cur.hvData, z.cur.hvValid
}

// PlateAbsent reports whether a plate sensor, or an unplugged condition
// selected by the interlock mask, calls for a SCRAM.
func (z *Zappio) PlateAbsent() bool {
	var (
		mask   = z.regs.mask.Value()
		absent = z.in.noplate.Out() != 0
	)
	if mask&regs.INTERLOCK_MB_UNPLUGGED != 0 && z.in.mb.Bool() {
		absent = true
	}
	if mask&regs.INTERLOCK_MK_UNPLUGGED != 0 && z.in.mk.Bool() {
		absent = true
	}
	if mask&regs.INTERLOCK_L25_CLOSED != 0 && !z.in.l25Open.Bool() {
		absent = true
	}
	return absent
}

// Scram reports whether the actuation outputs are forced to zero.
func (z *Zappio) Scram() bool {
	manual := z.in.scram.Bool() || z.eng.EnergyCutoff()
	return Scram(manual, z.PlateAbsent(), z.cur.delta, z.regs.override.Bool())
}

// Trigger reports whether the row and column drives are armed.
func (z *Zappio) Trigger() bool {
	return EffectiveTrigger(z.cur.trig, z.regs.triggerSoft.Bool(), z.regs.triggerMode.Bool())
}

// TriggerLatch returns the state of the hardware trigger latch.
func (z *Zappio) TriggerLatch() bool { return z.cur.trig }

// DeltaExcess returns the state of the delta excess latch.
func (z *Zappio) DeltaExcess() bool { return z.cur.delta }

// Row returns the row drive.
func (z *Zappio) Row() uint8 {
	if z.Scram() || !z.Trigger() {
		return 0
	}
	return uint8(z.regs.row.Value())
}

// Col returns the column drive.
func (z *Zappio) Col() uint16 {
	if z.Scram() || !z.Trigger() {
		return 0
	}
	return uint16(z.regs.col.Value())
}

// HVEngage returns the HV engage drive.
func (z *Zappio) HVEngage() bool {
	return z.regs.hvEngage.Bool() && !z.Scram()
}

// Cap returns the capacitor bank drive.
func (z *Zappio) Cap() bool {
	return z.regs.cap.Bool() && !z.Scram()
}

// Discharge returns the discharge drive.
// The capacitor bank is only discharged while HV engage is not requested.
func (z *Zappio) Discharge() bool {
	return z.regs.discharge.Bool() && !z.regs.hvEngage.Bool()
}

// HVSetting returns the HV supply setpoint, sent to the DAC on updates.
func (z *Zappio) HVSetting() uint16 {
	if z.Scram() {
		return 0
	}
	return uint16(z.regs.hvSetting.Value())
}
