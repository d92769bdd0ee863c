// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zappio

// Op is a transition of a sticky latch.
type Op uint8

const (
	Hold  Op = iota // keep the current value
	Set             // set the latch
	Clear           // clear the latch
)

func (op Op) String() string {
	switch op {
	case Hold:
		return "HOLD"
	case Set:
		return "SET"
	case Clear:
		return "CLEAR"
	}
	return "INVALID"
}

// Apply returns the value of a latch holding v after op.
func (op Op) Apply(v bool) bool {
	switch op {
	case Set:
		return true
	case Clear:
		return false
	}
	return v
}

// TriggerOp returns the transition of the trigger latch.
//
//	clear | trigger | op
//	------+---------+------
//	  1   |    x    | Clear
//	  0   |    1    | Set
//	  0   |    0    | Hold
//
// clear is any of: a triggerclear strobe, a row or col write, an
// acquisition abort.
func TriggerOp(clear, trigger bool) Op {
	switch {
	case clear:
		return Clear
	case trigger:
		return Set
	}
	return Hold
}

// DeltaOp returns the transition of the delta excess latch.
//
//	reset | active | delta >= max | enabled | op
//	------+--------+--------------+---------+------
//	  1   |   x    |      x       |    x    | Clear
//	  0   |   1    |      1       |    1    | Set
//	  0   |        otherwise                | Hold
//
// reset is any of: a maxdelta_reset strobe, a triggerclear strobe.
// active is the effective trigger.
func DeltaOp(reset, active bool, delta, max uint16, enabled bool) Op {
	switch {
	case reset:
		return Clear
	case active && delta >= max && enabled:
		return Set
	}
	return Hold
}

// Scram returns whether the actuation outputs must be forced to their
// safe value.
func Scram(manual, plateAbsent, deltaExcess, override bool) bool {
	return (manual || plateAbsent || deltaExcess) && !override
}

// EffectiveTrigger returns whether the row and column drives are armed:
// from the trigger latch in hardware mode, from the software trigger in
// software mode.
func EffectiveTrigger(latch, soft, softMode bool) bool {
	return (latch && !softMode) || (soft && softMode)
}
