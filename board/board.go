// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package board wires the Zappy gateware into a simulated board: clock
// domains, converters, acquisition engine, safety interlock, HV DAC and
// the register bank and sample memory seen by the firmware.
package board // import "github.com/go-lpc/zappy/board"

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/go-daq/tdaq/log"
	"github.com/go-lpc/zappy/adc"
	"github.com/go-lpc/zappy/csr"
	"github.com/go-lpc/zappy/dac"
	"github.com/go-lpc/zappy/internal/regs"
	"github.com/go-lpc/zappy/internal/sim"
	"github.com/go-lpc/zappy/monitor"
	"github.com/go-lpc/zappy/zappio"
)

// Board is a simulated Zappy board.
//
// A board is either stepped deterministically (Step, RunFor, Run) or
// free-running (RunFree), never both at once.
// The register bank, sample memory, pins and analog inputs may be
// accessed from any goroutine.
type Board struct {
	cfg Config
	msg log.MsgStream

	bank *csr.Bank
	ring *monitor.Ring
	pins zappio.Pins

	analog struct {
		main atomic.Uint32
		fb   atomic.Uint32
		vmon atomic.Uint32
	}

	main  *adc.Channel
	fb    *adc.Channel
	hv    *adc.Channel
	vmon  *adc.Monitor
	eng   *monitor.Engine
	zio   *zappio.Zappio
	hvdac *dac.Chip
	irq   *irqLine

	doms  []*sim.Domain
	sys   *sim.Domain
	sched *sim.Scheduler
}

// New creates a new simulated board.
func New(opts ...Option) (*Board, error) {
	o := options{
		cfg: DefaultConfig(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.msg == nil {
		o.msg = log.NewMsgStream("board", log.LvlInfo, os.Stdout)
	}
	err := o.cfg.validate()
	if err != nil {
		return nil, err
	}

	brd := &Board{
		cfg:  o.cfg,
		msg:  o.msg,
		bank: csr.NewBank(regs.Map),
		ring: monitor.NewRing(o.cfg.MemDepth),
	}
	brd.SetMain(o.cfg.Analog.Main)
	brd.SetFeedback(o.cfg.Analog.Feedback)
	brd.SetVMon(o.cfg.Analog.VMon)

	brd.main = adc.NewChannel(analog(&brd.analog.main))
	brd.fb = adc.NewChannel(analog(&brd.analog.fb))
	brd.hv = adc.NewChannel(analog(&brd.analog.vmon))
	brd.vmon = adc.NewMonitor(
		brd.hv,
		brd.bank.Reg(regs.VMON_ACQUIRE),
		brd.bank.Reg(regs.VMON_DATA),
		brd.bank.Reg(regs.VMON_VALID),
	)
	brd.eng = monitor.New(brd.bank, brd.main, brd.fb, brd.ring)
	brd.zio = zappio.New(brd.bank, &brd.pins, brd.eng)
	brd.hvdac = dac.Connect(brd.zio.DAC)
	brd.irq = newIRQLine(brd.eng.IRQ)

	var (
		sys     = sim.NewDomain("sys", o.cfg.Clocks.Sys)
		adcMain = sim.NewDomain("adc_main", o.cfg.Clocks.Main)
		adcFb   = sim.NewDomain("adc_fb", o.cfg.Clocks.Feedback)
		hv      = sim.NewDomain("hv", o.cfg.Clocks.HV)
	)
	sys.Add(brd.bank)
	sys.Add(brd.eng.Modules()...)
	sys.Add(brd.zio.Modules()...)
	sys.Add(brd.vmon.Modules()...)
	sys.Add(brd.irq)

	adcMain.Add(brd.main.Modules()...)
	adcFb.Add(brd.fb.Modules()...)

	hv.Add(brd.hv.Modules()...)
	hv.Add(brd.zio.DAC.Modules()...)
	hv.Add(brd.hvdac)

	brd.sys = sys
	brd.doms = []*sim.Domain{sys, adcMain, adcFb, hv}
	brd.sched = sim.NewScheduler(brd.doms...)

	brd.msg.Debugf(
		"clocks: sys=%dHz adc-main=%dHz adc-fb=%dHz hv=%dHz, memdepth=%d",
		o.cfg.Clocks.Sys, o.cfg.Clocks.Main, o.cfg.Clocks.Feedback, o.cfg.Clocks.HV,
		o.cfg.MemDepth,
	)
	return brd, nil
}

func analog(v *atomic.Uint32) func() uint16 {
	return func() uint16 { return uint16(v.Load()) & adc.Mask }
}

// Config returns the board configuration.
func (brd *Board) Config() Config { return brd.cfg }

// CSR returns the register bank, as seen from the firmware.
func (brd *Board) CSR() *csr.Bank { return brd.bank }

// Ring returns the sample memory, as seen from the firmware.
func (brd *Board) Ring() *monitor.Ring { return brd.ring }

// Window returns the part of the sample memory written by the last
// acquisition.
func (brd *Board) Window() *io.SectionReader { return brd.eng.Window() }

// Pins returns the sensor and emergency inputs of the board.
func (brd *Board) Pins() *zappio.Pins { return &brd.pins }

// SetMain sets the analog input of the main current converter.
func (brd *Board) SetMain(v uint16) { brd.analog.main.Store(uint32(v)) }

// SetFeedback sets the analog input of the feedback current converter.
func (brd *Board) SetFeedback(v uint16) { brd.analog.fb.Store(uint32(v)) }

// SetVMon sets the analog input of the HV supply monitor.
func (brd *Board) SetVMon(v uint16) { brd.analog.vmon.Store(uint32(v)) }

// IRQ returns the interrupt line of the acquisition engine.
// One notification is sent per rising edge, and dropped when the
// previous one is still pending.
func (brd *Board) IRQ() <-chan struct{} { return brd.irq.c }

// Outputs is a snapshot of the actuation outputs.
type Outputs struct {
	Scram     bool
	HVEngage  bool
	Cap       bool
	Discharge bool
	Row       uint8
	Col       uint16
	HVCode    uint16 // code applied by the HV DAC
	Trigger   bool
}

// Outputs returns the current actuation outputs.
// Outputs must not be used while the board is free-running.
func (brd *Board) Outputs() Outputs {
	return Outputs{
		Scram:     brd.zio.Scram(),
		HVEngage:  brd.zio.HVEngage(),
		Cap:       brd.zio.Cap(),
		Discharge: brd.zio.Discharge(),
		Row:       brd.zio.Row(),
		Col:       brd.zio.Col(),
		HVCode:    brd.hvdac.Code(),
		Trigger:   brd.zio.Trigger(),
	}
}

// Engine returns the acquisition engine.
func (brd *Board) Engine() *monitor.Engine { return brd.eng }

// Now returns the virtual time of a deterministically stepped board.
func (brd *Board) Now() time.Duration { return brd.sched.Now() }

// Step advances the board by n ticks of the sys domain.
func (brd *Board) Step(n int) { brd.sched.StepN(brd.sys, n) }

// RunFor advances the board by d of virtual time.
func (brd *Board) RunFor(d time.Duration) { brd.sched.RunFor(d) }

// RunUntil advances the board until cond returns true, or fails after
// max scheduler steps.
func (brd *Board) RunUntil(cond func() bool, max int) error {
	err := brd.sched.RunUntil(cond, max)
	if err != nil {
		return fmt.Errorf("board: %w", err)
	}
	return nil
}

// Run advances the board in virtual time as fast as possible, until ctx
// is done.
func (brd *Board) Run(ctx context.Context) error {
	return brd.sched.Run(ctx)
}

// RunFree runs each clock domain of the board in its own goroutine,
// until ctx is done.
func (brd *Board) RunFree(ctx context.Context) error {
	brd.msg.Infof("free-running %d clock domains (slow=%g)", len(brd.doms), brd.cfg.Slow)
	err := sim.RunFree(ctx, brd.cfg.Slow, brd.doms...)
	if err != nil {
		return fmt.Errorf("board: could not run clock domains: %w", err)
	}
	return nil
}
