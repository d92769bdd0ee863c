// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command zappy-srv starts a TDAQ server driving a zappy board.
//
// Each zap delivered while the run is started is published on the
// /samples output, archived in the event store and logged to the zap
// database.
package main // import "github.com/go-lpc/zappy/cmd/zappy-srv"

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/go-daq/tdaq"
	"github.com/go-daq/tdaq/flags"
	"github.com/go-lpc/zappy"
	"github.com/sbinet/pmon"
)

func main() {
	var (
		devmem = flag.String("devmem", "", "path to /dev/mem (default: simulated board)")
		bcfg   = flag.String("board", "", "path to the YAML configuration of the simulated board")
		dbname = flag.String("db", "", "name of the zap database (default: no database)")
		store  = flag.String("store", "", "path to the event store (default: no store)")
		every  = flag.Duration("every", 1*time.Second, "interval between zaps while running")
		doMon  = flag.Bool("pmon", false, "enable pmon monitoring")
		doFreq = flag.Duration("freq", 1*time.Second, "pmon frequency")
		odir   = flag.String("dir", ".", "directory for pmon logs")
	)

	cmd := flags.New()

	log.SetPrefix("zappy-srv: ")
	log.SetFlags(0)

	if vers, _ := zappy.Version(); vers != "" {
		log.Printf("version: %s", vers)
	}

	if *doMon {
		stop, err := monitor(*odir, *doFreq)
		if err != nil {
			log.Fatalf("could not start pmon: %+v", err)
		}
		defer stop()
	}

	name := "zappy-srv"
	if len(cmd.Args) > 0 {
		name = cmd.Args[0]
	}

	dev := newServer(config{
		name:   name,
		devmem: *devmem,
		board:  *bcfg,
		db:     *dbname,
		store:  *store,
		every:  *every,
	})

	srv := tdaq.New(cmd, os.Stdout)
	srv.CmdHandle("/config", dev.OnConfig)
	srv.CmdHandle("/init", dev.OnInit)
	srv.CmdHandle("/reset", dev.OnReset)
	srv.CmdHandle("/start", dev.OnStart)
	srv.CmdHandle("/stop", dev.OnStop)
	srv.CmdHandle("/quit", dev.OnQuit)

	srv.OutputHandle("/samples", dev.samples)

	srv.RunHandle(dev.run)

	err := srv.Run(context.Background())
	if err != nil {
		log.Panicf("error: %+v", err)
	}
}

func monitor(dir string, freq time.Duration) (func(), error) {
	pid := os.Getpid()
	p, err := pmon.Monitor(pid)
	if err != nil {
		return nil, fmt.Errorf("could not start monitoring pid=%d: %w", pid, err)
	}
	f, err := os.Create(filepath.Join(dir, "zappy-srv-pmon.log"))
	if err != nil {
		return nil, fmt.Errorf("could not create pmon log file: %w", err)
	}
	p.W = f
	p.Freq = freq

	go func() {
		log.Printf("run pmon...")
		err := p.Run()
		if err != nil {
			log.Printf("could not start monitoring: %+v", err)
		}
	}()

	return func() {
		err := p.Kill()
		if err != nil {
			log.Printf("could not stop monitoring: %+v", err)
		}
		_ = f.Close()
	}, nil
}
