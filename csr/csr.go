// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package csr implements the control and status register bank through
// which software drives the gateware.
//
// Software accesses the bank as a memory region of 32b little-endian
// words (io.ReaderAt and io.WriterAt). Gateware modules living in the
// bank's clock domain read storage registers and write status registers.
// A software write is applied on the next tick of the bank's domain,
// and raises the register's write strobe for exactly one tick.
package csr // import "github.com/go-lpc/zappy/csr"

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/go-lpc/zappy/internal/regs"
)

var (
	ErrReadOnly = errors.New("csr: read-only register")
	ErrAlign    = errors.New("csr: unaligned access")
	ErrAddr     = errors.New("csr: invalid register address")
)

// Reg is a register of the bank.
// Registers wider than 32b are represented by two Regs, see Wide.
type Reg struct {
	desc regs.Desc
	mask uint32
	val  atomic.Uint32
	re   bool   // bank domain only
	arg  uint32 // last written word, bank domain only
	wide *Wide
	hi   bool
}

// Name returns the name of the register.
func (r *Reg) Name() string { return r.desc.Name }

// Value returns the current value of the register.
func (r *Reg) Value() uint32 { return r.val.Load() }

// Bool returns whether bit 0 of the register is set.
func (r *Reg) Bool() bool { return r.val.Load()&1 == 1 }

// Bit returns whether the bits of mask are all set.
func (r *Reg) Bit(mask uint32) bool { return r.val.Load()&mask == mask }

// RE reports whether software wrote the register on the previous tick.
func (r *Reg) RE() bool { return r.re }

// Written returns the word software wrote on the previous tick.
func (r *Reg) Written() uint32 { return r.arg }

// Set updates the status value of the register.
// Set is meant to be called by gateware modules from their Commit phase.
func (r *Reg) Set(v uint32) { r.val.Store(v & r.mask) }

// SetBool updates bit 0 of the status value of the register.
func (r *Reg) SetBool(v bool) {
	if v {
		r.Set(1)
		return
	}
	r.Set(0)
}

// Wide is a register spanning two bus words.
//
// Software writes the high word first: it is staged until the low word
// is written, which commits both halves at once.
// Software reads the low word first: it latches the high word that a
// subsequent read of the high word returns.
type Wide struct {
	desc  regs.Desc
	mask  uint64
	lo    *Reg
	hi    *Reg
	val   atomic.Uint64
	stage atomic.Uint32
	re    bool
}

// Name returns the name of the register.
func (w *Wide) Name() string { return w.desc.Name }

// Value returns the current value of the register.
func (w *Wide) Value() uint64 { return w.val.Load() }

// RE reports whether software committed the register on the previous tick.
func (w *Wide) RE() bool { return w.re }

// Set updates the status value of the register.
func (w *Wide) Set(v uint64) { w.val.Store(v & w.mask) }

type write struct {
	reg *Reg
	v   uint32
}

// Bank is a bank of control and status registers.
type Bank struct {
	mu    sync.Mutex
	regs  map[int64]*Reg
	names map[string]int64
	span  int64

	queue []write // bus writes, not yet seen by the bank domain
	apply []write // writes applied on this tick
	hot   []*Reg  // registers strobed on the previous tick
	whot  []*Wide
}

// NewBank creates a new register bank from the provided register map.
func NewBank(descs []regs.Desc) *Bank {
	bank := &Bank{
		regs:  make(map[int64]*Reg, len(descs)),
		names: make(map[string]int64, len(descs)),
	}
	for _, d := range descs {
		bank.names[d.Name] = d.Addr
		switch d.Words() {
		case 1:
			bank.regs[d.Addr] = &Reg{desc: d, mask: mask32(d.Bits)}
		default:
			w := &Wide{desc: d, mask: mask64(d.Bits)}
			w.lo = &Reg{desc: d, mask: ^uint32(0), wide: w}
			w.hi = &Reg{desc: d, mask: mask32(d.Bits - 32), wide: w, hi: true}
			bank.regs[d.Addr] = w.lo
			bank.regs[d.Addr+4] = w.hi
		}
		if end := d.Addr + int64(4*d.Words()); end > bank.span {
			bank.span = end
		}
	}
	return bank
}

// Span returns the size in bytes of the bank's address space.
func (bank *Bank) Span() int64 { return bank.span }

// Reg returns the register at addr.
func (bank *Bank) Reg(addr int64) *Reg {
	r, ok := bank.regs[addr]
	if !ok || r.wide != nil {
		panic(fmt.Errorf("csr: no 32b register at 0x%x", addr))
	}
	return r
}

// Wide returns the wide register at addr.
func (bank *Bank) Wide(addr int64) *Wide {
	r, ok := bank.regs[addr]
	if !ok || r.wide == nil || r.hi {
		panic(fmt.Errorf("csr: no wide register at 0x%x", addr))
	}
	return r.wide
}

// Lookup returns the address of the named register.
func (bank *Bank) Lookup(name string) (int64, bool) {
	addr, ok := bank.names[name]
	return addr, ok
}

// Names returns the names of all registers, sorted by address.
func (bank *Bank) Names() []string {
	names := make([]string, 0, len(bank.names))
	for k := range bank.names {
		names = append(names, k)
	}
	sort.Slice(names, func(i, j int) bool {
		return bank.names[names[i]] < bank.names[names[j]]
	})
	return names
}

// Eval picks up the software writes to apply on this tick.
// Only one write per register is applied per tick: subsequent writes to
// the same register are deferred to the following ticks.
func (bank *Bank) Eval() {
	bank.mu.Lock()
	defer bank.mu.Unlock()

	bank.apply = bank.apply[:0]
	if len(bank.queue) == 0 {
		return
	}

	var (
		rest = bank.queue[:0]
		seen = make(map[*Reg]bool, len(bank.queue))
	)
	for _, w := range bank.queue {
		if seen[w.reg] {
			rest = append(rest, w)
			continue
		}
		seen[w.reg] = true
		bank.apply = append(bank.apply, w)
	}
	bank.queue = rest
}

// Commit drops the strobes of the previous tick and applies this tick's writes.
func (bank *Bank) Commit() {
	for _, r := range bank.hot {
		r.re = false
		if p := r.desc.Pulse; p != 0 {
			r.val.Store(r.val.Load() &^ p)
		}
	}
	bank.hot = bank.hot[:0]
	for _, w := range bank.whot {
		w.re = false
	}
	bank.whot = bank.whot[:0]

	for _, w := range bank.apply {
		r := w.reg
		switch {
		case r.wide != nil && r.hi:
			r.wide.stage.Store(w.v & r.mask)
		case r.wide != nil:
			wide := r.wide
			wide.val.Store((uint64(wide.stage.Load())<<32 | uint64(w.v)) & wide.mask)
			wide.re = true
			bank.whot = append(bank.whot, wide)
		default:
			switch r.desc.Mode {
			case regs.RW:
				r.val.Store(w.v & r.mask)
			case regs.WO:
				r.val.Store(w.v & r.mask)
			}
			r.arg = w.v & r.mask
			r.re = true
			bank.hot = append(bank.hot, r)
		}
	}
}

func (bank *Bank) read(addr int64) (uint32, error) {
	r, ok := bank.regs[addr]
	if !ok {
		return 0, fmt.Errorf("csr: could not read 0x%x: %w", addr, ErrAddr)
	}
	if r.desc.Mode == regs.WO {
		return 0, nil
	}
	if r.wide == nil {
		return r.val.Load() & r.mask, nil
	}

	w := r.wide
	switch {
	case r.hi && w.desc.Mode == regs.RO:
		return w.stage.Load(), nil
	case r.hi:
		return uint32(w.val.Load() >> 32), nil
	default:
		v := w.val.Load()
		if w.desc.Mode == regs.RO {
			w.stage.Store(uint32(v >> 32))
		}
		return uint32(v), nil
	}
}

func (bank *Bank) write(addr int64, v uint32) error {
	r, ok := bank.regs[addr]
	if !ok {
		return fmt.Errorf("csr: could not write 0x%x: %w", addr, ErrAddr)
	}
	if r.desc.Mode == regs.RO {
		return fmt.Errorf("csr: could not write %q: %w", r.desc.Name, ErrReadOnly)
	}
	bank.queue = append(bank.queue, write{reg: r, v: v})
	return nil
}

// ReadAt implements the io.ReaderAt interface.
func (bank *Bank) ReadAt(p []byte, off int64) (int, error) {
	if off%4 != 0 || len(p)%4 != 0 {
		return 0, fmt.Errorf("csr: could not read %d bytes at 0x%x: %w", len(p), off, ErrAlign)
	}
	bank.mu.Lock()
	defer bank.mu.Unlock()

	for i := 0; i < len(p); i += 4 {
		v, err := bank.read(off + int64(i))
		if err != nil {
			return i, err
		}
		binary.LittleEndian.PutUint32(p[i:], v)
	}
	return len(p), nil
}

// WriteAt implements the io.WriterAt interface.
func (bank *Bank) WriteAt(p []byte, off int64) (int, error) {
	if off%4 != 0 || len(p)%4 != 0 {
		return 0, fmt.Errorf("csr: could not write %d bytes at 0x%x: %w", len(p), off, ErrAlign)
	}
	bank.mu.Lock()
	defer bank.mu.Unlock()

	for i := 0; i < len(p); i += 4 {
		err := bank.write(off+int64(i), binary.LittleEndian.Uint32(p[i:]))
		if err != nil {
			return i, err
		}
	}
	return len(p), nil
}

// Pending returns the number of software writes not yet applied.
func (bank *Bank) Pending() int {
	bank.mu.Lock()
	defer bank.mu.Unlock()
	return len(bank.queue)
}

func mask32(n int) uint32 {
	if n >= 32 {
		return ^uint32(0)
	}
	return uint32(1)<<n - 1
}

func mask64(n int) uint64 {
	if n >= 64 {
		return ^uint64(0)
	}
	return uint64(1)<<n - 1
}

var (
	_ io.ReaderAt = (*Bank)(nil)
	_ io.WriterAt = (*Bank)(nil)
)
