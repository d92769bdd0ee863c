// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package zap is the firmware client of the zappy gateware: it drives the
// register bank and reads back the sample memory, either through a
// simulated bus or through /dev/mem.
package zap // import "github.com/go-lpc/zappy/zap"

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-daq/tdaq/log"
	"github.com/go-lpc/zappy/internal/mmap"
	"github.com/go-lpc/zappy/internal/regs"
	"github.com/go-lpc/zappy/monitor"
)

var (
	// ErrScram is returned when a zap is requested under a SCRAM condition.
	ErrScram = errors.New("zap: SCRAM condition")
	// ErrTimeout is returned when the gateware did not answer in time.
	ErrTimeout = errors.New("zap: timeout")
	// ErrRange is returned for out of range parameters.
	ErrRange = errors.New("zap: parameter out of range")
)

const (
	NumRows    = 4
	NumCols    = 12
	MaxVoltage = 1000

	// DefaultPeriod is a 1us sampling period at 100MHz.
	DefaultPeriod = 100

	shutdownTimeout = 5 * time.Second
)

// Device is a zappy board, seen from its firmware.
type Device struct {
	msg log.MsgStream
	cfg config

	csr  rwer
	ring io.ReaderAt

	mem struct {
		fd   *os.File
		csr  *mmap.Handle
		ring *mmap.Handle
	}

	err  error
	xbuf [4]byte
	regs pins
}

// New creates a device driving the register bank csr and reading sample
// pairs from ring.
func New(csr rwer, ring io.ReaderAt, opts ...Option) *Device {
	dev := &Device{
		cfg:  newConfig(),
		csr:  csr,
		ring: ring,
	}
	for _, opt := range opts {
		opt(&dev.cfg)
	}
	dev.msg = dev.cfg.msg
	if dev.msg == nil {
		dev.msg = log.NewMsgStream("zap", log.LvlInfo, os.Stdout)
	}
	dev.bindCSR(csr)
	return dev
}

// Open maps the register bank and the sample memory from devmem.
func Open(devmem string, opts ...Option) (*Device, error) {
	f, err := os.OpenFile(devmem, os.O_RDWR|os.O_SYNC, 0666)
	if err != nil {
		return nil, fmt.Errorf("zap: could not open %q: %w", devmem, err)
	}
	defer func() {
		if err != nil {
			_ = f.Close()
		}
	}()

	cfg := newConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	csr, err := mmap.Map(f, regs.CSR_BASE, regs.CSR_SPAN)
	if err != nil {
		return nil, fmt.Errorf("zap: could not map register bank: %w", err)
	}
	defer func() {
		if err != nil {
			_ = csr.Close()
		}
	}()

	ring, err := mmap.Map(f, regs.RING_BASE, 4*int64(cfg.memdepth))
	if err != nil {
		return nil, fmt.Errorf("zap: could not map sample memory: %w", err)
	}

	dev := New(csr, ring, opts...)
	dev.mem.fd = f
	dev.mem.csr = csr
	dev.mem.ring = ring
	return dev, nil
}

// Close releases the memory mappings of a device opened with Open.
func (dev *Device) Close() error {
	if dev.mem.fd == nil {
		return nil
	}
	defer func() {
		dev.mem.fd = nil
	}()

	err := dev.mem.ring.Close()
	if err != nil {
		return fmt.Errorf("zap: could not unmap sample memory: %w", err)
	}
	err = dev.mem.csr.Close()
	if err != nil {
		return fmt.Errorf("zap: could not unmap register bank: %w", err)
	}
	err = dev.mem.fd.Close()
	if err != nil {
		return fmt.Errorf("zap: could not close /dev/mem: %w", err)
	}
	return nil
}

// flush returns and resets the sticky register access error.
func (dev *Device) flush() error {
	err := dev.err
	dev.err = nil
	return err
}

// poll waits for cond to hold.
func (dev *Device) poll(ctx context.Context, cond func() bool) error {
	for {
		ok := cond()
		if dev.err != nil {
			return dev.flush()
		}
		if ok {
			return nil
		}
		if dev.cfg.poll <= 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			continue
		}
		timer := time.NewTimer(dev.cfg.poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// sleep waits for d or for ctx to be done. The board keeps being polled
// so that simulated boards advance.
func (dev *Device) sleep(ctx context.Context, d time.Duration) error {
	deadline := time.Now().Add(d)
	return dev.poll(ctx, func() bool {
		_ = dev.regs.zappio.scram.r()
		return !time.Now().Before(deadline)
	})
}

// settle waits for the gateware to act on the last register writes.
func (dev *Device) settle(ctx context.Context) error {
	return dev.sleep(ctx, dev.cfg.poll)
}

// Status is a snapshot of the status registers.
type Status struct {
	Scram       bool
	DeltaScram  bool
	Trigger     bool
	NoPlate     uint8
	MBUnplugged bool
	MKUnplugged bool
	L25Pos      bool
	L25Open     bool
	HVReady     bool

	Done    bool
	Pending bool
	Overrun uint32
	Main    uint16
	Feed    uint16
	Delta   uint16
	Energy  uint64
}

// Status reads back the status registers.
func (dev *Device) Status() (Status, error) {
	var (
		zio = &dev.regs.zappio
		mon = &dev.regs.monitor
	)
	st := Status{
		Scram:       zio.scram.r() == 1,
		DeltaScram:  zio.maxDeltaStat.r() == 1,
		Trigger:     zio.triggerState.r() == 1,
		NoPlate:     uint8(zio.noplate.r()),
		MBUnplugged: zio.mbUnplugged.r() == 1,
		MKUnplugged: zio.mkUnplugged.r() == 1,
		L25Pos:      zio.l25Pos.r() == 1,
		L25Open:     zio.l25Open.r() == 1,
		HVReady:     zio.hvReady.r() == 1,

		Done:    mon.done.r() == 1,
		Pending: mon.evPending.r()&1 == 1,
		Overrun: mon.overrun.r(),
		Main:    uint16(mon.curMain.r()),
		Feed:    uint16(mon.curFb.r()),
		Delta:   uint16(mon.delta.r()),
		Energy:  mon.energy.r(),
	}
	if err := dev.flush(); err != nil {
		return st, fmt.Errorf("zap: could not read status: %w", err)
	}
	return st, nil
}

// AcqConfig configures one acquisition.
type AcqConfig struct {
	Depth     uint16 // number of sample pairs
	Presample uint16 // number of pairs acquired before the trigger
	Period    uint32 // sampling period, in gateware ticks
}

// Acquire starts an acquisition. Completion is signaled through the event
// pending flag, see Wait.
func (dev *Device) Acquire(cfg AcqConfig) error {
	if int(cfg.Depth) > dev.cfg.memdepth {
		return fmt.Errorf(
			"zap: depth %d exceeds sample memory (%d): %w",
			cfg.Depth, dev.cfg.memdepth, ErrRange,
		)
	}
	mon := &dev.regs.monitor
	mon.depth.w(uint32(cfg.Depth))
	mon.presample.w(uint32(cfg.Presample))
	mon.period.w(cfg.Period)
	mon.intEna.w(1)
	mon.evPending.w(1)
	mon.acquire.w(1)
	if err := dev.flush(); err != nil {
		return fmt.Errorf("zap: could not start acquisition: %w", err)
	}
	dev.msg.Debugf("acquire: depth=%d, presample=%d, period=%d", cfg.Depth, cfg.Presample, cfg.Period)
	return nil
}

// Wait waits for the running acquisition to complete.
// When ctx is done first, the acquisition is aborted and ErrTimeout is
// returned.
func (dev *Device) Wait(ctx context.Context) error {
	mon := &dev.regs.monitor
	err := dev.poll(ctx, func() bool {
		return mon.evPending.r()&1 == 1
	})
	switch {
	case err == nil:
		mon.evPending.w(1)
		return dev.flush()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		dev.msg.Warnf("acquisition did not complete, aborting")
		if aerr := dev.Abort(); aerr != nil {
			return aerr
		}
		return fmt.Errorf("zap: acquisition did not complete: %w", ErrTimeout)
	default:
		return fmt.Errorf("zap: could not wait for acquisition: %w", err)
	}
}

// Abort stops the running acquisition, if any.
func (dev *Device) Abort() error {
	dev.regs.monitor.abort.w(1)
	if err := dev.flush(); err != nil {
		return fmt.Errorf("zap: could not abort acquisition: %w", err)
	}
	return nil
}

// ReadReg reads the register word at offset addr of the register bank.
func (dev *Device) ReadReg(addr int64) (uint32, error) {
	v := dev.readU32(dev.csr, addr)
	if err := dev.flush(); err != nil {
		return v, err
	}
	return v, nil
}

// WriteReg writes v to the register word at offset addr of the register bank.
func (dev *Device) WriteReg(addr int64, v uint32) error {
	dev.writeU32(dev.csr, addr, v)
	return dev.flush()
}

// SetHV sends code to the HV supply DAC.
func (dev *Device) SetHV(ctx context.Context, code uint16) error {
	zio := &dev.regs.zappio
	err := dev.poll(ctx, func() bool { return zio.hvReady.r() == 1 })
	if err != nil {
		if ctx.Err() != nil {
			err = ErrTimeout
		}
		return fmt.Errorf("zap: HV DAC not ready: %w", err)
	}
	zio.hvSetting.w(uint32(code))
	zio.hvUpdate.w(1)
	if err := dev.flush(); err != nil {
		return fmt.Errorf("zap: could not update HV DAC: %w", err)
	}
	return nil
}

// VMon reads the HV supply voltage monitor.
func (dev *Device) VMon(ctx context.Context) (uint16, error) {
	vmon := &dev.regs.vmon
	valid := func() bool { return vmon.valid.r() == 1 }

	if err := dev.poll(ctx, valid); err != nil {
		return 0, fmt.Errorf("zap: voltage monitor not ready: %w", err)
	}
	vmon.acquire.w(1)
	if err := dev.settle(ctx); err != nil {
		return 0, fmt.Errorf("zap: could not start voltage monitor: %w", err)
	}
	if err := dev.poll(ctx, valid); err != nil {
		return 0, fmt.Errorf("zap: could not read voltage monitor: %w", err)
	}
	v := uint16(vmon.data.r())
	if err := dev.flush(); err != nil {
		return 0, fmt.Errorf("zap: could not read voltage monitor: %w", err)
	}
	return v, nil
}

// SamplePair is one pair of main and feedback samples.
type SamplePair struct {
	Seq      uint32
	Main     uint16
	Feedback uint16
}

// Samples reads back the first n sample pairs of the sample memory.
func (dev *Device) Samples(n int) ([]SamplePair, error) {
	if n < 0 || n > dev.cfg.memdepth {
		return nil, fmt.Errorf("zap: invalid number of samples %d: %w", n, ErrRange)
	}
	buf := make([]byte, 4*n)
	nr, err := dev.ring.ReadAt(buf, 0)
	if err != nil && !(errors.Is(err, io.EOF) && nr == len(buf)) {
		return nil, fmt.Errorf("zap: could not read sample memory: %w", err)
	}
	out := make([]SamplePair, n)
	for i := range out {
		main, fb := monitor.Unpack(binary.LittleEndian.Uint32(buf[4*i:]))
		out[i] = SamplePair{Seq: uint32(i), Main: main, Feedback: fb}
	}
	return out, nil
}

// SafeShutdown brings the board back to its safe state: no row nor column
// selected, HV supply at zero and disengaged, capacitor discharged and
// disconnected.
func (dev *Device) SafeShutdown(ctx context.Context) error {
	zio := &dev.regs.zappio
	zio.col.w(0)
	zio.row.w(0)
	if err := dev.flush(); err != nil {
		return fmt.Errorf("zap: could not deselect plate: %w", err)
	}

	var errs []error
	if err := dev.SetHV(ctx, 0); err != nil {
		dev.msg.Warnf("could not zero HV supply: %+v", err)
		errs = append(errs, err)
	}

	zio.hvEngage.w(0)
	zio.discharge.w(1)
	if err := dev.flush(); err != nil {
		return fmt.Errorf("zap: could not discharge capacitor: %w", err)
	}

	// TODO: wait on the cap voltage readback once it is wired to vmon.
	if err := dev.sleep(ctx, dev.cfg.dischg); err != nil {
		dev.msg.Warnf("capacitor discharge interrupted: %+v", err)
		errs = append(errs, err)
	}

	zio.discharge.w(0)
	zio.cap.w(0)
	if err := dev.flush(); err != nil {
		return fmt.Errorf("zap: could not disconnect capacitor: %w", err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("zap: unsafe shutdown: %w", errs[0])
	}
	return nil
}
