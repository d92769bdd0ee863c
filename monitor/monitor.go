// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package monitor implements the dual channel acquisition engine: it
// samples the main and feedback converters in lock-step, stores sample
// pairs into the sample memory and integrates the delivered energy.
package monitor // import "github.com/go-lpc/zappy/monitor"

import (
	"io"
	"sync/atomic"

	"github.com/go-lpc/zappy/adc"
	"github.com/go-lpc/zappy/csr"
	"github.com/go-lpc/zappy/internal/regs"
	"github.com/go-lpc/zappy/internal/sim"
)

// State is the state of the acquisition engine.
type State uint8

const (
	Idle State = iota
	Acquire
	WaitValid
	SamplingWait
	Increment
)

func (st State) String() string {
	switch st {
	case Idle:
		return "IDLE"
	case Acquire:
		return "ACQUIRE"
	case WaitValid:
		return "WAIT_VALID"
	case SamplingWait:
		return "SAMPLING_WAIT"
	case Increment:
		return "INCREMENT"
	}
	return "INVALID"
}

// pulseLen is the number of ticks the converters' acquire lines are held
// high, long enough for the slower converter domains to see them.
const pulseLen = 15

// Config is the configuration of one acquisition, snapshot at start.
type Config struct {
	Depth     uint16 // number of sample pairs to acquire
	Presample uint16 // number of leading pairs without trigger nor energy
	Period    uint32 // sampling period, in engine ticks
}

// Triggers reports whether the pair acquired while count pairs remain
// after it falls past the presample window.
func (cfg Config) Triggers(count uint16) bool {
	return int(count) < int(cfg.Depth)-int(cfg.Presample)
}

type channel struct {
	got  bool // sticky capture for this cycle
	data uint16
	prev bool // registered delivered valid
}

type engine struct {
	state  State
	cfg    Config
	count  uint16
	adr    uint32
	timer  uint32
	pulse  uint8
	ready  bool
	finish bool // zero-depth acquisition

	main channel
	fb   channel

	data    uint32 // pair being committed to memory
	mainReg uint16 // pair copy for the energy accumulator
	fbReg   uint16
	curMain uint16
	curFb   uint16
	delta   uint16
	overrun uint32
	done    bool

	energy uint64
	cutoff bool

	donePrev bool // registered done, for the event edge
	evStatus bool
	pending  bool
}

// Engine is the dual channel acquisition engine.
type Engine struct {
	main *adc.Channel
	fb   *adc.Channel
	ring *Ring

	regs struct {
		acquire   *csr.Reg
		depth     *csr.Reg
		done      *csr.Reg
		intEna    *csr.Reg
		period    *csr.Reg
		overrun   *csr.Reg
		presample *csr.Reg
		curMain   *csr.Reg
		curFb     *csr.Reg
		delta     *csr.Reg
		energy    *csr.Wide
		threshold *csr.Wide
		control   *csr.Reg
		abort     *csr.Reg
		evStatus  *csr.Reg
		evPending *csr.Reg
		evEnable  *csr.Reg
	}

	window atomic.Uint32 // depth of the last acquisition

	cur, next engine
}

// New creates a new acquisition engine driving the main and feedback
// channels, storing sample pairs into ring and controlled through bank.
func New(bank *csr.Bank, main, fb *adc.Channel, ring *Ring) *Engine {
	e := &Engine{
		main: main,
		fb:   fb,
		ring: ring,
	}
	e.regs.acquire = bank.Reg(regs.MONITOR_ACQUIRE)
	e.regs.depth = bank.Reg(regs.MONITOR_DEPTH)
	e.regs.done = bank.Reg(regs.MONITOR_DONE)
	e.regs.intEna = bank.Reg(regs.MONITOR_INT_ENA)
	e.regs.period = bank.Reg(regs.MONITOR_PERIOD)
	e.regs.overrun = bank.Reg(regs.MONITOR_OVERRUN)
	e.regs.presample = bank.Reg(regs.MONITOR_PRESAMPLE)
	e.regs.curMain = bank.Reg(regs.MONITOR_CUR_MAIN)
	e.regs.curFb = bank.Reg(regs.MONITOR_CUR_FEEDBACK)
	e.regs.delta = bank.Reg(regs.MONITOR_DELTA)
	e.regs.energy = bank.Wide(regs.MONITOR_ENERGY_ACCUMULATOR)
	e.regs.threshold = bank.Wide(regs.MONITOR_ENERGY_THRESHOLD)
	e.regs.control = bank.Reg(regs.MONITOR_ENERGY_CONTROL)
	e.regs.abort = bank.Reg(regs.MONITOR_ABORT)
	e.regs.evStatus = bank.Reg(regs.MONITOR_EV_STATUS)
	e.regs.evPending = bank.Reg(regs.MONITOR_EV_PENDING)
	e.regs.evEnable = bank.Reg(regs.MONITOR_EV_ENABLE)
	return e
}

// Modules returns the modules to clock in the engine's domain.
func (e *Engine) Modules() []sim.Module {
	return []sim.Module{
		e.main.Sampler.Port(),
		e.fb.Sampler.Port(),
		e,
	}
}

func (e *Engine) config() Config {
	return Config{
		Depth:     uint16(e.regs.depth.Value()),
		Presample: uint16(e.regs.presample.Value()),
		Period:    e.regs.period.Value(),
	}
}

func capture(ch *channel, out *adc.Sampler) {
	data, valid := out.Output()
	if valid && !ch.prev && !ch.got {
		ch.got = true
		ch.data = data
	}
	ch.prev = valid
}

func (e *Engine) Eval() {
	var (
		cur   = &e.cur
		next  = &e.next
		start = e.regs.acquire.RE()
		reset = false // sample timer reset
	)
	*next = *cur

	// converter results may arrive in any order, in any cycle stage
	// where they are expected.
	switch cur.state {
	case Acquire, WaitValid:
		capture(&next.main, e.main.Sampler)
		capture(&next.fb, e.fb.Sampler)
	default:
		_, next.main.prev = e.main.Sampler.Output()
		_, next.fb.prev = e.fb.Sampler.Output()
	}

	switch cur.state {
	case Idle:
		next.pulse = 0
		if cur.finish {
			next.finish = false
			next.done = true
		}
		if start {
			cfg := e.config()
			next.cfg = cfg
			next.count = cfg.Depth - 1
			next.adr = 0
			next.done = false
			next.main.got = false
			next.fb.got = false
			reset = true
			switch cfg.Depth {
			case 0:
				next.finish = true
			default:
				next.state = Acquire
			}
		}

	case Acquire:
		next.pulse = cur.pulse + 1
		if cur.pulse >= pulseLen {
			next.state = WaitValid
			next.ready = true
		}

	case WaitValid:
		next.pulse = 0
		if next.main.got && next.fb.got {
			var (
				main = next.main.data
				fb   = next.fb.data
			)
			next.data = Pack(main, fb)
			next.mainReg = main
			next.fbReg = fb
			next.curMain = main
			next.curFb = fb
			next.delta = Delta(main, fb)
			next.ready = false
			next.main.got = false
			next.fb.got = false
			next.state = SamplingWait
		}

	case SamplingWait:
		if periodDone(cur.timer, cur.cfg.Period) {
			next.state = Increment
		}
		next.overrun = Overrun(cur.timer, cur.cfg.Period)

	case Increment:
		next.count = cur.count - 1
		next.adr = (cur.adr + 1) % uint32(e.ring.Cap())
		switch cur.count {
		case 0:
			next.state = Idle
			next.done = true
		default:
			next.state = Acquire
			reset = true
		}
	}

	if e.regs.abort.RE() {
		next.state = Idle
		next.ready = false
		next.pulse = 0
		next.finish = false
		next.main.got = false
		next.fb.got = false
		reset = false
	}

	switch {
	case reset:
		next.timer = 0
	default:
		next.timer = cur.timer + 1
	}

	ctl := e.regs.control
	switch {
	case ctl.Bit(regs.ENERGY_CONTROL_RESET):
		next.energy = 0
	case e.accumulate():
		next.energy = Accumulate(cur.energy, cur.mainReg, cur.fbReg)
	}
	next.cutoff = Cutoff(
		ctl.Bit(regs.ENERGY_CONTROL_ENABLE),
		cur.energy, e.regs.threshold.Value(),
	)

	// the event fires on the rising edge of done only: enabling the
	// interrupt while done is already high does not raise it.
	intEna := e.regs.intEna.Bool()
	next.donePrev = cur.done
	next.evStatus = cur.done && intEna
	switch {
	case cur.done && !cur.donePrev && intEna:
		next.pending = true
	case e.regs.evPending.RE() && e.regs.evPending.Written()&1 == 1:
		next.pending = false
	}
}

func (e *Engine) Commit() {
	if e.cur.state == SamplingWait {
		e.ring.put(e.cur.adr, e.cur.data)
	}
	if e.cur.state == Idle && e.next.state != Idle || e.next.finish {
		depth := int(e.next.cfg.Depth)
		if depth > e.ring.Cap() {
			depth = e.ring.Cap()
		}
		e.window.Store(uint32(depth))
	}
	e.cur = e.next

	cur := &e.cur
	e.main.Acquire.Set(cur.state == Acquire)
	e.fb.Acquire.Set(cur.state == Acquire)
	e.main.Ready.Set(cur.ready)
	e.fb.Ready.Set(cur.ready)

	e.regs.done.SetBool(cur.done)
	e.regs.overrun.Set(cur.overrun)
	e.regs.curMain.Set(uint32(cur.curMain))
	e.regs.curFb.Set(uint32(cur.curFb))
	e.regs.delta.Set(uint32(cur.delta))
	e.regs.energy.Set(cur.energy)
	e.regs.evStatus.SetBool(cur.evStatus)
	e.regs.evPending.SetBool(cur.pending)
}

func (e *Engine) accumulate() bool {
	return e.cur.state == Increment && e.cur.cfg.Triggers(e.cur.count)
}

// State returns the current state of the engine.
func (e *Engine) State() State { return e.cur.state }

// ExtTrigger reports whether the engine is pulsing its external trigger
// output on this tick: once per sampling cycle past the presample window.
func (e *Engine) ExtTrigger() bool { return e.accumulate() }

// Delta returns the live main-feedback difference of the last sample pair.
func (e *Engine) Delta() uint16 { return e.cur.delta }

// EnergyCutoff reports whether the accumulated energy exceeded the
// configured threshold.
func (e *Engine) EnergyCutoff() bool { return e.cur.cutoff }

// Aborted reports whether software requested an abort on the previous tick.
func (e *Engine) Aborted() bool { return e.regs.abort.RE() }

// Done reports whether the last acquisition completed.
func (e *Engine) Done() bool { return e.regs.done.Bool() }

// IRQ reports whether the engine raises its interrupt line.
func (e *Engine) IRQ() bool {
	return e.regs.evPending.Bool() && e.regs.evEnable.Bool()
}

// Window returns a read-only view of the sample memory, sized after the
// depth of the last started acquisition.
func (e *Engine) Window() *io.SectionReader {
	return io.NewSectionReader(e.ring, 0, 4*int64(e.window.Load()))
}
