// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package board

// irqLine turns a level interrupt line into notifications, one per
// rising edge.
type irqLine struct {
	in   func() bool
	c    chan struct{}
	prev bool
	next bool
}

func newIRQLine(in func() bool) *irqLine {
	return &irqLine{
		in: in,
		c:  make(chan struct{}, 1),
	}
}

func (irq *irqLine) Eval() { irq.next = irq.in() }

func (irq *irqLine) Commit() {
	rise := irq.next && !irq.prev
	irq.prev = irq.next
	if !rise {
		return
	}
	select {
	case irq.c <- struct{}{}:
	default:
	}
}
