// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package monitor

const (
	// EnergyBits is the width of the energy accumulator.
	EnergyBits = 40
	// EnergyMask selects the bits of the energy accumulator.
	EnergyMask = 1<<EnergyBits - 1

	energySign = 1 << (EnergyBits - 1)
)

// Delta returns main-feedback, clamped to zero when feedback is not
// lower than main.
func Delta(main, feedback uint16) uint16 {
	if feedback < main {
		return main - feedback
	}
	return 0
}

// Contribution returns the energy added by one sample pair:
// (main-feedback)*feedback when main exceeds feedback, zero otherwise.
//
// A feedback sample above main comes from static offsets of the
// converters: it never subtracts energy.
func Contribution(main, feedback uint16) uint64 {
	if main <= feedback {
		return 0
	}
	return uint64(main-feedback) * uint64(feedback)
}

// Accumulate adds the contribution of a sample pair to acc, modulo 2^40.
func Accumulate(acc uint64, main, feedback uint16) uint64 {
	return (acc + Contribution(main, feedback)) & EnergyMask
}

// Cutoff reports whether the accumulated energy calls for the end of a
// delivery: the cutoff is enabled, acc exceeds the threshold and acc does
// not have its top bit set.
//
// An accumulator with its top bit set is treated as negative, it never
// cuts a delivery off.
func Cutoff(enable bool, acc, threshold uint64) bool {
	acc &= EnergyMask
	return enable && acc&energySign == 0 && acc > threshold&EnergyMask
}

// Overrun returns by how many ticks the sample timer exceeded the period,
// or zero.
func Overrun(timer, period uint32) uint32 {
	if timer <= period {
		return 0
	}
	return timer - period
}

// periodDone reports whether the sample timer reached the end of the
// sampling period, accounting for the 2 ticks of the commit pipeline.
func periodDone(timer, period uint32) bool {
	return int64(timer) >= int64(period)-2
}
