// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zap

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/go-lpc/zappy/internal/regs"
)

type rwer interface {
	io.ReaderAt
	io.WriterAt
}

type reg32 struct {
	r func() uint32
	w func(v uint32)
}

func newReg32(dev *Device, rw rwer, offset int64) reg32 {
	return reg32{
		r: func() uint32 {
			return dev.readU32(rw, offset)
		},
		w: func(v uint32) {
			dev.writeU32(rw, offset, v)
		},
	}
}

// reg40 is a 40b register, spanning two words, low word first.
type reg40 struct {
	lo reg32
	hi reg32
}

func newReg40(dev *Device, rw rwer, offset int64) reg40 {
	return reg40{
		lo: newReg32(dev, rw, offset),
		hi: newReg32(dev, rw, offset+4),
	}
}

// r reads the low word first: it latches the high word.
func (reg reg40) r() uint64 {
	lo := reg.lo.r()
	hi := reg.hi.r()
	return uint64(hi&0xff)<<32 | uint64(lo)
}

// w writes the high word first: writing the low word commits both.
func (reg reg40) w(v uint64) {
	reg.hi.w(uint32(v>>32) & 0xff)
	reg.lo.w(uint32(v))
}

type pins struct {
	monitor struct {
		acquire   reg32
		depth     reg32
		done      reg32
		intEna    reg32
		period    reg32
		overrun   reg32
		presample reg32
		curMain   reg32
		curFb     reg32
		delta     reg32
		energy    reg40
		threshold reg40
		control   reg32
		abort     reg32
		evStatus  reg32
		evPending reg32
		evEnable  reg32
	}

	zappio struct {
		noplate      reg32
		row          reg32
		col          reg32
		override     reg32
		scram        reg32
		hvEngage     reg32
		cap          reg32
		discharge    reg32
		triggerMode  reg32
		triggerSoft  reg32
		triggerClear reg32
		triggerState reg32
		maxDelta     reg32
		maxDeltaEna  reg32
		maxDeltaRst  reg32
		maxDeltaStat reg32
		mbUnplugged  reg32
		mkUnplugged  reg32
		l25Pos       reg32
		l25Open      reg32
		hvSetting    reg32
		hvUpdate     reg32
		hvReady      reg32
		mask         reg32
	}

	vmon struct {
		acquire reg32
		data    reg32
		valid   reg32
	}
}

func (dev *Device) bindCSR(rw rwer) {
	mon := &dev.regs.monitor
	mon.acquire = newReg32(dev, rw, regs.MONITOR_ACQUIRE)
	mon.depth = newReg32(dev, rw, regs.MONITOR_DEPTH)
	mon.done = newReg32(dev, rw, regs.MONITOR_DONE)
	mon.intEna = newReg32(dev, rw, regs.MONITOR_INT_ENA)
	mon.period = newReg32(dev, rw, regs.MONITOR_PERIOD)
	mon.overrun = newReg32(dev, rw, regs.MONITOR_OVERRUN)
	mon.presample = newReg32(dev, rw, regs.MONITOR_PRESAMPLE)
	mon.curMain = newReg32(dev, rw, regs.MONITOR_CUR_MAIN)
	mon.curFb = newReg32(dev, rw, regs.MONITOR_CUR_FEEDBACK)
	mon.delta = newReg32(dev, rw, regs.MONITOR_DELTA)
	mon.energy = newReg40(dev, rw, regs.MONITOR_ENERGY_ACCUMULATOR)
	mon.threshold = newReg40(dev, rw, regs.MONITOR_ENERGY_THRESHOLD)
	mon.control = newReg32(dev, rw, regs.MONITOR_ENERGY_CONTROL)
	mon.abort = newReg32(dev, rw, regs.MONITOR_ABORT)
	mon.evStatus = newReg32(dev, rw, regs.MONITOR_EV_STATUS)
	mon.evPending = newReg32(dev, rw, regs.MONITOR_EV_PENDING)
	mon.evEnable = newReg32(dev, rw, regs.MONITOR_EV_ENABLE)

	zio := &dev.regs.zappio
	zio.noplate = newReg32(dev, rw, regs.ZAPPIO_NOPLATE)
	zio.row = newReg32(dev, rw, regs.ZAPPIO_ROW)
	zio.col = newReg32(dev, rw, regs.ZAPPIO_COL)
	zio.override = newReg32(dev, rw, regs.ZAPPIO_OVERRIDE_SAFETY)
	zio.scram = newReg32(dev, rw, regs.ZAPPIO_SCRAM_STATUS)
	zio.hvEngage = newReg32(dev, rw, regs.ZAPPIO_HV_ENGAGE)
	zio.cap = newReg32(dev, rw, regs.ZAPPIO_CAP)
	zio.discharge = newReg32(dev, rw, regs.ZAPPIO_DISCHARGE)
	zio.triggerMode = newReg32(dev, rw, regs.ZAPPIO_TRIGGERMODE)
	zio.triggerSoft = newReg32(dev, rw, regs.ZAPPIO_TRIGGERSOFT)
	zio.triggerClear = newReg32(dev, rw, regs.ZAPPIO_TRIGGERCLEAR)
	zio.triggerState = newReg32(dev, rw, regs.ZAPPIO_TRIGGERSTATUS)
	zio.maxDelta = newReg32(dev, rw, regs.ZAPPIO_MAXDELTA)
	zio.maxDeltaEna = newReg32(dev, rw, regs.ZAPPIO_MAXDELTA_ENA)
	zio.maxDeltaRst = newReg32(dev, rw, regs.ZAPPIO_MAXDELTA_RESET)
	zio.maxDeltaStat = newReg32(dev, rw, regs.ZAPPIO_MAXDELTA_SCRAM)
	zio.mbUnplugged = newReg32(dev, rw, regs.ZAPPIO_MB_UNPLUGGED)
	zio.mkUnplugged = newReg32(dev, rw, regs.ZAPPIO_MK_UNPLUGGED)
	zio.l25Pos = newReg32(dev, rw, regs.ZAPPIO_L25_POS)
	zio.l25Open = newReg32(dev, rw, regs.ZAPPIO_L25_OPEN)
	zio.hvSetting = newReg32(dev, rw, regs.ZAPPIO_HV_SETTING)
	zio.hvUpdate = newReg32(dev, rw, regs.ZAPPIO_HV_UPDATE)
	zio.hvReady = newReg32(dev, rw, regs.ZAPPIO_HV_READY)
	zio.mask = newReg32(dev, rw, regs.ZAPPIO_INTERLOCK_MASK)

	vmon := &dev.regs.vmon
	vmon.acquire = newReg32(dev, rw, regs.VMON_ACQUIRE)
	vmon.data = newReg32(dev, rw, regs.VMON_DATA)
	vmon.valid = newReg32(dev, rw, regs.VMON_VALID)
}

func (dev *Device) readU32(r io.ReaderAt, off int64) uint32 {
	if dev.err != nil {
		return 0
	}
	_, dev.err = r.ReadAt(dev.xbuf[:4], off)
	if dev.err != nil {
		dev.err = fmt.Errorf("zap: could not read register 0x%x: %w", off, dev.err)
		return 0
	}
	return binary.LittleEndian.Uint32(dev.xbuf[:4])
}

func (dev *Device) writeU32(w io.WriterAt, off int64, v uint32) {
	if dev.err != nil {
		return
	}
	binary.LittleEndian.PutUint32(dev.xbuf[:4], v)
	_, dev.err = w.WriteAt(dev.xbuf[:4], off)
	if dev.err != nil {
		dev.err = fmt.Errorf("zap: could not write register 0x%x: %w", off, dev.err)
		return
	}
}
