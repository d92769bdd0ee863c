// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zap

import (
	"time"

	"github.com/go-daq/tdaq/log"
	"github.com/go-lpc/zappy/internal/regs"
)

type config struct {
	msg      log.MsgStream
	poll     time.Duration // status polling period
	dischg   time.Duration // capacitor discharge time
	memdepth int
	cal      Calibration
}

func newConfig() config {
	return config{
		poll:     time.Millisecond,
		dischg:   10 * time.Millisecond,
		memdepth: regs.MEM_DEPTH,
		cal:      DefaultCalibration,
	}
}

// Option configures a device.
type Option func(*config)

// WithMsgStream sets the stream the device logs to.
func WithMsgStream(msg log.MsgStream) Option {
	return func(cfg *config) {
		cfg.msg = msg
	}
}

// WithPoll sets the period at which the device polls status registers.
// A zero period polls continuously.
func WithPoll(d time.Duration) Option {
	return func(cfg *config) {
		cfg.poll = d
	}
}

// WithDischarge sets how long the capacitor bank is discharged after a zap.
func WithDischarge(d time.Duration) Option {
	return func(cfg *config) {
		cfg.dischg = d
	}
}

// WithMemDepth sets the depth of the sample memory, in words.
func WithMemDepth(n int) Option {
	return func(cfg *config) {
		cfg.memdepth = n
	}
}

// WithCalibration sets the calibration of the device.
func WithCalibration(cal Calibration) Option {
	return func(cfg *config) {
		cfg.cal = cal
	}
}
