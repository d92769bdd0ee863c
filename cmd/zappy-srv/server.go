// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-daq/tdaq"
	"github.com/go-lpc/zappy/board"
	"github.com/go-lpc/zappy/evtstore"
	"github.com/go-lpc/zappy/zap"
	"github.com/go-lpc/zappy/zapdb"
)

type config struct {
	name   string
	devmem string // empty for a simulated board
	board  string // YAML configuration of the simulated board
	db     string
	store  string
	every  time.Duration
}

type server struct {
	cfg config

	mu    sync.Mutex
	brd   *board.Board
	stop  context.CancelFunc // stops the simulated board
	dev   *zap.Device
	db    *zapdb.DB
	store *evtstore.Store

	zcfg    zap.ZapConfig
	running bool
	n       int
	data    chan []byte

	alerts int
}

func newServer(cfg config) *server {
	return &server{
		cfg:  cfg,
		zcfg: defaultZapConfig(),
		data: make(chan []byte, 64),
	}
}

func defaultZapConfig() zap.ZapConfig {
	return zap.ZapConfig{
		Voltage:   10,
		Depth:     1000,
		Presample: 200,
		Period:    zap.DefaultPeriod,
		Timeout:   5 * time.Second,
	}
}

// decodeZapConfig decodes a zap configuration from a /config request.
// An empty request selects the default configuration.
func decodeZapConfig(req tdaq.Frame) (zap.ZapConfig, error) {
	cfg := defaultZapConfig()
	if len(req.Body) == 0 {
		return cfg, nil
	}

	dec := tdaq.NewDecoder(bytes.NewReader(req.Body))
	cfg.Row = dec.ReadU8()
	cfg.Col = dec.ReadU8()
	cfg.Voltage = dec.ReadU32()
	cfg.Depth = dec.ReadU16()
	cfg.Presample = dec.ReadU16()
	cfg.Period = dec.ReadU32()
	cfg.MaxDelta = dec.ReadU16()
	cfg.Energy = dec.ReadF64()
	cfg.Override = dec.ReadU8() == 1
	if err := dec.Err(); err != nil {
		return cfg, fmt.Errorf("could not decode zap configuration: %w", err)
	}
	return cfg, nil
}

func (srv *server) OnConfig(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /config command...")
	cfg, err := decodeZapConfig(req)
	if err != nil {
		ctx.Msg.Errorf("could not configure: %+v", err)
		return err
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()
	srv.zcfg = cfg
	ctx.Msg.Infof(
		"zap config: row=%d, col=%d, voltage=%dV, depth=%d, presample=%d",
		cfg.Row, cfg.Col, cfg.Voltage, cfg.Depth, cfg.Presample,
	)
	return nil
}

func (srv *server) OnInit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /init command...")
	srv.mu.Lock()
	defer srv.mu.Unlock()

	if srv.dev != nil {
		ctx.Msg.Warnf("board already initialized")
		return nil
	}

	err := srv.open(ctx)
	if err != nil {
		ctx.Msg.Errorf("could not initialize: %+v", err)
		srv.close()
		return err
	}
	return nil
}

func (srv *server) open(ctx tdaq.Context) error {
	opts := []zap.Option{zap.WithMsgStream(ctx.Msg)}

	if srv.cfg.db != "" {
		db, err := zapdb.Open(srv.cfg.db)
		if err != nil {
			return fmt.Errorf("could not open zap db: %w", err)
		}
		srv.db = db

		cal, err := db.Calibration(ctx.Ctx, srv.cfg.name)
		switch err {
		case nil:
			ctx.Msg.Infof("calibration for %q: %+v", srv.cfg.name, cal)
			opts = append(opts, zap.WithCalibration(cal))
		default:
			ctx.Msg.Warnf("could not load calibration, using defaults: %+v", err)
		}
	}

	if srv.cfg.store != "" {
		store, err := evtstore.Open(srv.cfg.store)
		if err != nil {
			return fmt.Errorf("could not open event store: %w", err)
		}
		srv.store = store
	}

	switch srv.cfg.devmem {
	case "":
		bopts := []board.Option{board.WithMsgStream(ctx.Msg)}
		if srv.cfg.board != "" {
			bcfg, err := board.ParseConfigFile(srv.cfg.board)
			if err != nil {
				return fmt.Errorf("could not load board configuration: %w", err)
			}
			bopts = append(bopts, board.WithConfig(*bcfg))
		}
		brd, err := board.New(bopts...)
		if err != nil {
			return fmt.Errorf("could not create simulated board: %w", err)
		}
		bctx, cancel := context.WithCancel(context.Background())
		go func() {
			err := brd.RunFree(bctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				ctx.Msg.Errorf("simulated board stopped: %+v", err)
			}
		}()
		srv.brd = brd
		srv.stop = cancel
		opts = append(opts, zap.WithMemDepth(brd.Ring().Cap()))
		srv.dev = zap.New(brd.CSR(), brd.Ring(), opts...)

	default:
		dev, err := zap.Open(srv.cfg.devmem, opts...)
		if err != nil {
			return fmt.Errorf("could not open board: %w", err)
		}
		srv.dev = dev
	}

	return nil
}

func (srv *server) close() {
	if srv.dev != nil {
		_ = srv.dev.Close()
		srv.dev = nil
	}
	if srv.stop != nil {
		srv.stop()
		srv.stop = nil
		srv.brd = nil
	}
	if srv.store != nil {
		_ = srv.store.Close()
		srv.store = nil
	}
	if srv.db != nil {
		_ = srv.db.Close()
		srv.db = nil
	}
}

func (srv *server) OnReset(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /reset command...")
	srv.mu.Lock()
	defer srv.mu.Unlock()

	srv.running = false
	srv.n = 0
	srv.zcfg = defaultZapConfig()
	if srv.dev == nil {
		return nil
	}

	err := srv.dev.Abort()
	if err != nil {
		return fmt.Errorf("could not abort acquisition: %w", err)
	}
	err = srv.dev.SafeShutdown(ctx.Ctx)
	if err != nil {
		return fmt.Errorf("could not shutdown board: %w", err)
	}
	return nil
}

func (srv *server) OnStart(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /start command...")
	srv.mu.Lock()
	defer srv.mu.Unlock()

	if srv.dev == nil {
		return fmt.Errorf("board not initialized")
	}
	srv.running = true
	return nil
}

func (srv *server) OnStop(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	ctx.Msg.Debugf("received /stop command... -> n=%d", srv.n)
	srv.running = false
	return nil
}

func (srv *server) OnQuit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /quit command...")
	srv.mu.Lock()
	defer srv.mu.Unlock()

	srv.running = false
	srv.close()
	return nil
}

func (srv *server) samples(ctx tdaq.Context, dst *tdaq.Frame) error {
	select {
	case <-ctx.Ctx.Done():
		dst.Body = nil
		return nil
	case data := <-srv.data:
		dst.Body = data
	}
	return nil
}

func (srv *server) run(ctx tdaq.Context) error {
	tick := time.NewTicker(srv.cfg.every)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Ctx.Done():
			return nil
		case <-tick.C:
			err := srv.zap(ctx)
			if err != nil {
				ctx.Msg.Errorf("could not zap: %+v", err)
			}
		}
	}
}

// zap delivers one zap if the run is started.
func (srv *server) zap(ctx tdaq.Context) error {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	if !srv.running || srv.dev == nil {
		return nil
	}

	cfg := srv.zcfg
	res, err := srv.dev.Zap(ctx.Ctx, cfg)
	if err != nil {
		if errors.Is(err, zap.ErrScram) {
			srv.running = false
			srv.alert(ctx, "SCRAM condition, run stopped", cfg, res)
		}
		return err
	}
	srv.n++

	evt := evtstore.Event{
		Time:   time.Now().UTC(),
		Config: cfg,
		Result: res,
	}

	if res.DeltaScram || res.Cutoff {
		srv.alert(ctx, "zap tripped a safety latch", cfg, res)
	}

	if srv.store != nil {
		id, err := srv.store.Put(&evt)
		if err != nil {
			return fmt.Errorf("could not archive zap: %w", err)
		}
		ctx.Msg.Debugf("archived zap #%d", id)
	}

	if srv.db != nil {
		_, err := srv.db.Insert(ctx.Ctx, zapdb.NewRecord(srv.cfg.name, cfg, res))
		if err != nil {
			return fmt.Errorf("could not log zap: %w", err)
		}
	}

	buf := new(bytes.Buffer)
	err = evtstore.NewEncoder(buf).Encode(&evt)
	if err != nil {
		return fmt.Errorf("could not encode zap: %w", err)
	}
	select {
	case srv.data <- buf.Bytes():
	default:
		ctx.Msg.Warnf("output queue full, dropping zap #%d", srv.n)
	}
	return nil
}
