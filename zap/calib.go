// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zap

import (
	"math"
)

// Calibration holds the per-device calibration constants.
type Calibration struct {
	Hostname string

	// HV DAC transfer function: code = HVDACM*vctl + HVDACB, with vctl
	// the supply control voltage (1V per 100V of output).
	HVDACM float64
	HVDACB float64

	// OneJoule is the number of energy accumulator LSBs in one joule.
	OneJoule float64
}

// DefaultCalibration is the calibration of the serial #1 device.
var DefaultCalibration = Calibration{
	Hostname: "zappy-01",
	HVDACM:   6556.4623,
	HVDACB:   201.1304,
	OneJoule: 591241583.67,
}

// HVCode returns the HV DAC code for the requested output voltage.
// A zero voltage always gives a zero code.
func (cal Calibration) HVCode(volts uint32) uint16 {
	if volts == 0 {
		return 0
	}
	code := math.Round(cal.HVDACM*float64(volts)/100 + cal.HVDACB)
	switch {
	case code <= 0:
		return 0
	case code >= math.MaxUint16:
		return math.MaxUint16
	}
	return uint16(code)
}

// Joules converts an energy accumulator value into joules.
func (cal Calibration) Joules(acc uint64) float64 {
	if cal.OneJoule <= 0 {
		return 0
	}
	return float64(acc) / cal.OneJoule
}

// Threshold converts an energy in joules into an accumulator threshold.
// Thresholds saturate below the accumulator's top bit.
func (cal Calibration) Threshold(joules float64) uint64 {
	const max = 1<<39 - 1
	v := math.Round(joules * cal.OneJoule)
	switch {
	case v <= 0:
		return 0
	case v >= max:
		return max
	}
	return uint64(v)
}

// Calibration returns the calibration used by the device.
func (dev *Device) Calibration() Calibration { return dev.cfg.cal }
