// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cdc

// Stage is one clocked half of a two-domain synchronizer.
type Stage struct {
	eval   func()
	commit func()
}

func (s Stage) Eval()   { s.eval() }
func (s Stage) Commit() { s.commit() }

// Latch carries a multi-bit word from a source domain to a destination
// domain with a toggle request/acknowledge handshake.
//
// The source captures its input into a holding register and flips req.
// The destination resynchronizes req, copies the holding register and
// flips ack. The source only captures a new word once it has seen ack
// catch up with req, so the holding register never moves while the
// destination may be copying it: a destination only ever observes
// complete words.
type Latch struct {
	mask uint32
	in   func() uint32

	buf Wire
	req Wire
	ack Wire

	src struct {
		ack  *MultiReg
		req  uint32
		last uint32
		buf  uint32

		nreq  uint32
		nlast uint32
		nbuf  uint32
		load  bool
	}

	dst struct {
		req *MultiReg
		ack uint32
		out uint32

		nack uint32
		nout uint32
	}
}

// NewLatch returns a synchronizer carrying the low width bits of in.
// in is called from the source domain only.
func NewLatch(width uint, in func() uint32) *Latch {
	mask := uint32(1<<width - 1)
	if width >= 32 {
		mask = ^uint32(0)
	}
	l := &Latch{
		mask: mask,
		in:   in,
	}
	l.src.ack = NewMultiReg(&l.ack, 2)
	l.dst.req = NewMultiReg(&l.req, 2)
	return l
}

// Source returns the stage to clock in the source domain.
func (l *Latch) Source() Stage {
	return Stage{eval: l.evalSrc, commit: l.commitSrc}
}

// Dest returns the stage to clock in the destination domain.
func (l *Latch) Dest() Stage {
	return Stage{eval: l.evalDst, commit: l.commitDst}
}

// Out returns the last word delivered to the destination domain.
// Out must only be used from the destination domain.
func (l *Latch) Out() uint32 { return l.dst.out }

// Busy reports whether a transfer is in flight.
// Busy must only be used from the source domain.
func (l *Latch) Busy() bool { return l.src.req != l.src.ack.Out() }

func (l *Latch) evalSrc() {
	l.src.ack.Eval()
	l.src.nreq = l.src.req
	l.src.nlast = l.src.last
	l.src.nbuf = l.src.buf
	l.src.load = false

	if l.Busy() {
		return
	}
	v := l.in() & l.mask
	if v == l.src.last {
		return
	}
	l.src.nbuf = v
	l.src.nlast = v
	l.src.nreq = l.src.req ^ 1
	l.src.load = true
}

func (l *Latch) commitSrc() {
	l.src.ack.Commit()
	l.src.req = l.src.nreq
	l.src.last = l.src.nlast
	l.src.buf = l.src.nbuf
	if l.src.load {
		// holding register first: a destination seeing the new req
		// must find the new word.
		l.buf.Store(l.src.buf)
		l.req.Store(l.src.req)
	}
}

func (l *Latch) evalDst() {
	l.dst.req.Eval()
	l.dst.nack = l.dst.ack
	l.dst.nout = l.dst.out
	if l.dst.req.Out() != l.dst.ack {
		l.dst.nout = l.buf.Load()
		l.dst.nack = l.dst.ack ^ 1
	}
}

func (l *Latch) commitDst() {
	l.dst.req.Commit()
	l.dst.ack = l.dst.nack
	l.dst.out = l.dst.nout
	l.ack.Store(l.dst.ack)
}
