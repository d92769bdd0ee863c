// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package board

import (
	"github.com/go-daq/tdaq/log"
)

type options struct {
	cfg Config
	msg log.MsgStream
}

// Option configures a board.
type Option func(*options)

// WithConfig sets the board configuration.
func WithConfig(cfg Config) Option {
	return func(opts *options) {
		opts.cfg = cfg
	}
}

// WithMsgStream sets the stream the board logs to.
func WithMsgStream(msg log.MsgStream) Option {
	return func(opts *options) {
		opts.msg = msg
	}
}
