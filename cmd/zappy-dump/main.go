// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// zappy-dump decodes and displays zap events.
//
// Usage: zappy-dump [OPTIONS] FILE1 [FILE2 [FILE3 ...]]
//
// Example:
//
//	$> zappy-dump -samples ./events.db
//	=== zap #1 ===
//	Time:        2021-06-01T10:00:00Z
//	Electrode:   row=1 col=3
//	Voltage:     20 V
//	Depth:       10 (presample=2, period=100)
//	Energy:      7000000 (0.0118396 J)
//	Overrun:     0
//	Delta scram: false
//	Cutoff:      false
//	Duration:    1.2ms
//	Samples:     10
//	  seq=     0 main= 2000 feedback= 1000
//	[...]
package main // import "github.com/go-lpc/zappy/cmd/zappy-dump"

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/go-lpc/zappy/evtstore"
)

func main() {
	log.SetPrefix("zappy-dump: ")
	log.SetFlags(0)

	xmain(os.Stdout, os.Args[1:])
}

type options struct {
	raw     bool // input files are event streams
	samples bool // display sample pairs
}

func xmain(w io.Writer, args []string) {
	var (
		fset = flag.NewFlagSet("zappy-dump", flag.ExitOnError)
		raw  = fset.Bool("raw", false, "read event streams instead of event stores")
		smp  = fset.Bool("samples", false, "display sample pairs")
	)

	fset.Usage = func() {
		fmt.Printf(`zappy-dump decodes and displays zap events.

Usage: zappy-dump [OPTIONS] FILE1 [FILE2 [FILE3 ...]]

Example:

 $> zappy-dump -samples ./events.db
 === zap #1 ===
 Time:        2021-06-01T10:00:00Z
 Electrode:   row=1 col=3
 [...]

Options:
`)
		fset.PrintDefaults()
	}

	err := fset.Parse(args)
	if err != nil {
		log.Fatalf("could not parse arguments: %+v", err)
	}

	if fset.NArg() == 0 {
		fset.Usage()
		log.Fatalf("missing path to input file")
	}

	opts := options{raw: *raw, samples: *smp}
	for _, fname := range fset.Args() {
		err := process(w, fname, opts)
		if err != nil {
			log.Fatalf("could not dump file %q: %+v", fname, err)
		}
	}
}

func process(w io.Writer, fname string, opts options) error {
	wbuf := bufio.NewWriter(w)
	defer wbuf.Flush()

	if opts.raw {
		return processStream(wbuf, fname, opts)
	}

	store, err := evtstore.Open(fname)
	if err != nil {
		return fmt.Errorf("could not open event store %q: %w", fname, err)
	}
	defer store.Close()

	err = store.Walk(func(evt evtstore.Event) error {
		display(wbuf, evt, opts)
		return nil
	})
	if err != nil {
		return fmt.Errorf("could not walk event store: %w", err)
	}

	return store.Close()
}

func processStream(w io.Writer, fname string, opts options) error {
	f, err := os.Open(fname)
	if err != nil {
		return fmt.Errorf("could not open %q: %w", fname, err)
	}
	defer f.Close()

	dec := evtstore.NewDecoder(bufio.NewReader(f))
	for i := uint64(1); ; i++ {
		var evt evtstore.Event
		err := dec.Decode(&evt)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("could not decode event: %w", err)
		}
		evt.ID = i
		display(w, evt, opts)
	}
}

func display(w io.Writer, evt evtstore.Event, opts options) {
	var (
		cfg = evt.Config
		res = evt.Result
	)
	fmt.Fprintf(w, "=== zap #%d ===\n", evt.ID)
	fmt.Fprintf(w, "Time:        %s\n", evt.Time.UTC().Format(time.RFC3339Nano))
	fmt.Fprintf(w, "Electrode:   row=%d col=%d\n", cfg.Row, cfg.Col)
	fmt.Fprintf(w, "Voltage:     %d V\n", cfg.Voltage)
	fmt.Fprintf(w, "Depth:       %d (presample=%d, period=%d)\n", cfg.Depth, cfg.Presample, cfg.Period)
	if cfg.MaxDelta != 0 {
		fmt.Fprintf(w, "Max delta:   %d\n", cfg.MaxDelta)
	}
	if cfg.Energy != 0 {
		fmt.Fprintf(w, "Budget:      %g J\n", cfg.Energy)
	}
	if cfg.Override {
		fmt.Fprintf(w, "Override:    true\n")
	}
	fmt.Fprintf(w, "Energy:      %d (%g J)\n", res.Energy, res.Joules)
	fmt.Fprintf(w, "Overrun:     %d\n", res.Overrun)
	fmt.Fprintf(w, "Delta scram: %v\n", res.DeltaScram)
	fmt.Fprintf(w, "Cutoff:      %v\n", res.Cutoff)
	fmt.Fprintf(w, "Duration:    %v\n", res.Duration)
	fmt.Fprintf(w, "Samples:     %d\n", len(res.Samples))

	if !opts.samples {
		return
	}
	for _, smp := range res.Samples {
		fmt.Fprintf(w, "  seq=% 6d main=% 5d feedback=% 5d\n", smp.Seq, smp.Main, smp.Feedback)
	}
}
