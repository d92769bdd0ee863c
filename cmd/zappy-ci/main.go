// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command zappy-ci is an interactive console for a zappy board.
//
// Usage:
//
//	$> zappy-ci [OPTIONS]
//	zappy> help
//	zappy> mr zappio_scram_status
//	zappy> zap 1 3 20
//	zappy> upload zap.csv
package main // import "github.com/go-lpc/zappy/cmd/zappy-ci"

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	tdaqlog "github.com/go-daq/tdaq/log"
	"github.com/go-lpc/zappy"
	"github.com/go-lpc/zappy/board"
	"github.com/go-lpc/zappy/zap"
	"github.com/peterh/liner"
)

func main() {
	var (
		devmem = flag.String("devmem", "", "path to /dev/mem (default: simulated board)")
		bcfg   = flag.String("board", "", "path to the YAML configuration of the simulated board")
		hist   = flag.String("hist", ".zappy-ci-history", "path to the console history file")
		lvl    = flag.String("lvl", "info", "message level (debug, info, warning, error)")
	)

	flag.Parse()

	log.SetPrefix("zappy-ci: ")
	log.SetFlags(0)

	err := run(*devmem, *bcfg, *hist, *lvl)
	if err != nil {
		log.Fatalf("%+v", err)
	}
}

func run(devmem, bcfg, hist, lvl string) error {
	msg := tdaqlog.NewMsgStream("zappy-ci", msgLevel(lvl), os.Stdout)

	var con *console
	switch devmem {
	case "":
		opts := []board.Option{board.WithMsgStream(msg)}
		if bcfg != "" {
			cfg, err := board.ParseConfigFile(bcfg)
			if err != nil {
				return fmt.Errorf("could not load board configuration: %w", err)
			}
			opts = append(opts, board.WithConfig(*cfg))
		}
		brd, err := board.New(opts...)
		if err != nil {
			return fmt.Errorf("could not create simulated board: %w", err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			err := brd.RunFree(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("simulated board stopped: %+v", err)
			}
		}()

		dev := zap.New(
			brd.CSR(), brd.Ring(),
			zap.WithMsgStream(msg),
			zap.WithMemDepth(brd.Ring().Cap()),
		)
		con = newConsole(dev, brd.Bus())
		con.brd = brd

	default:
		dev, err := zap.Open(devmem, zap.WithMsgStream(msg))
		if err != nil {
			return fmt.Errorf("could not open board: %w", err)
		}
		defer dev.Close()
		con = newConsole(dev, nil)
	}

	vers, _ := zappy.Version()
	if vers == "" {
		vers = "(devel)"
	}
	fmt.Printf("zappy-ci %s, type 'help' for the list of commands.\n", vers)

	return repl(con, hist)
}

func repl(con *console, hist string) error {
	term := liner.NewLiner()
	defer term.Close()

	term.SetCtrlCAborts(true)
	term.SetCompleter(con.complete)

	if f, err := os.Open(hist); err == nil {
		_, _ = term.ReadHistory(f)
		_ = f.Close()
	}
	defer func() {
		f, err := os.Create(hist)
		if err != nil {
			log.Printf("could not save history: %+v", err)
			return
		}
		defer f.Close()
		_, err = term.WriteHistory(f)
		if err != nil {
			log.Printf("could not save history: %+v", err)
		}
	}()

	for {
		line, err := term.Prompt("zappy> ")
		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, liner.ErrPromptAborted):
			fmt.Fprintln(os.Stdout)
			return nil
		default:
			return fmt.Errorf("could not read command: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		term.AppendHistory(line)

		err = con.exec(context.Background(), os.Stdout, line)
		switch {
		case errors.Is(err, errQuit):
			return nil
		case err != nil:
			fmt.Fprintf(os.Stdout, "error: %+v\n", err)
		}
	}
}

func msgLevel(lvl string) tdaqlog.Level {
	switch strings.ToLower(lvl) {
	case "debug":
		return tdaqlog.LvlDebug
	case "warning", "warn":
		return tdaqlog.LvlWarning
	case "error":
		return tdaqlog.LvlError
	default:
		return tdaqlog.LvlInfo
	}
}
