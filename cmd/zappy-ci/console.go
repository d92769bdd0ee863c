// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-lpc/zappy/board"
	"github.com/go-lpc/zappy/internal/regs"
	"github.com/go-lpc/zappy/zap"
)

var errQuit = errors.New("quit")

type command struct {
	name string
	args string
	help string
	run  func(con *console, ctx context.Context, w io.Writer, args []string) error
}

var commands []command

func init() {
	commands = []command{
		{"help", "", "this command", (*console).help},
		{"regs", "", "list registers", (*console).regs},
		{"mr", "<reg|addr> [n]", "read address space", (*console).mr},
		{"mw", "<reg|addr> <value> [n]", "write address space", (*console).mw},
		{"status", "", "print the status registers", (*console).status},
		{"hv", "<volts>", "set the HV supply", (*console).hv},
		{"vmon", "", "read the HV voltage monitor", (*console).vmon},
		{"zap", "<row> <col> <volts> [depth [presample]]", "deliver one zap", (*console).zap},
		{"upload", "[file]", "write the samples of the last zap as CSV", (*console).upload},
		{"abort", "", "abort the running acquisition", (*console).abort},
		{"shutdown", "", "run the safe shutdown sequence", (*console).shutdown},
		{"analog", "<main|feedback|vmon> <code>", "set a simulated analog input", (*console).analog},
		{"quit", "", "leave the console", (*console).quit},
	}
}

type console struct {
	dev *zap.Device
	bus board.RW     // physical address space, nil on hardware
	brd *board.Board // simulated board, if any

	timeout time.Duration
	last    *zap.Result
}

func newConsole(dev *zap.Device, bus board.RW) *console {
	return &console{
		dev:     dev,
		bus:     bus,
		timeout: 10 * time.Second,
	}
}

func (con *console) exec(ctx context.Context, w io.Writer, line string) error {
	toks := strings.Fields(line)
	if len(toks) == 0 {
		return nil
	}
	name := toks[0]
	if name == "exit" {
		name = "quit"
	}
	for _, cmd := range commands {
		if cmd.name != name {
			continue
		}
		return cmd.run(con, ctx, w, toks[1:])
	}
	return fmt.Errorf("unknown command %q (try 'help')", toks[0])
}

func (con *console) complete(line string) []string {
	toks := strings.Fields(line)
	var cands []string
	switch {
	case len(toks) == 0, len(toks) == 1 && !strings.HasSuffix(line, " "):
		for _, cmd := range commands {
			if strings.HasPrefix(cmd.name, line) {
				cands = append(cands, cmd.name)
			}
		}
	case toks[0] == "mr" || toks[0] == "mw":
		pre := ""
		if !strings.HasSuffix(line, " ") {
			pre = toks[len(toks)-1]
		}
		if len(toks) > 2 || len(toks) == 2 && pre == "" {
			return nil
		}
		for _, d := range regs.Map {
			if strings.HasPrefix(d.Name, pre) {
				cands = append(cands, toks[0]+" "+d.Name)
			}
		}
	}
	return cands
}

func (con *console) help(ctx context.Context, w io.Writer, args []string) error {
	fmt.Fprintf(w, "Available commands:\n")
	for _, cmd := range commands {
		usage := strings.TrimSpace(cmd.name + " " + cmd.args)
		fmt.Fprintf(w, "%-46s - %s\n", usage, cmd.help)
	}
	return nil
}

func (con *console) regs(ctx context.Context, w io.Writer, args []string) error {
	for _, d := range regs.Map {
		fmt.Fprintf(w, "0x%08x %-28s %2db %s\n", regs.CSR_BASE+d.Addr, d.Name, d.Bits, d.Mode)
	}
	return nil
}

// address resolves a register name or a physical address.
func address(s string) (int64, error) {
	if d, ok := regs.Lookup(s); ok {
		return regs.CSR_BASE + d.Addr, nil
	}
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %w", s, err)
	}
	if v%4 != 0 {
		return 0, fmt.Errorf("unaligned address 0x%x", v)
	}
	return int64(v), nil
}

func (con *console) read(addr int64) (uint32, error) {
	if con.bus != nil {
		var buf [4]byte
		_, err := con.bus.ReadAt(buf[:], addr)
		if err != nil {
			return 0, err
		}
		return binary.LittleEndian.Uint32(buf[:]), nil
	}
	if addr < regs.CSR_BASE || addr >= regs.CSR_BASE+regs.CSR_SPAN {
		return 0, fmt.Errorf("address 0x%08x outside of the register bank", addr)
	}
	return con.dev.ReadReg(addr - regs.CSR_BASE)
}

func (con *console) write(addr int64, v uint32) error {
	if con.bus != nil {
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], v)
		_, err := con.bus.WriteAt(buf[:], addr)
		return err
	}
	if addr < regs.CSR_BASE || addr >= regs.CSR_BASE+regs.CSR_SPAN {
		return fmt.Errorf("address 0x%08x outside of the register bank", addr)
	}
	return con.dev.WriteReg(addr-regs.CSR_BASE, v)
}

func count(args []string, i int) (int, error) {
	if len(args) <= i {
		return 1, nil
	}
	n, err := strconv.Atoi(args[i])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid count %q", args[i])
	}
	return n, nil
}

func (con *console) mr(ctx context.Context, w io.Writer, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("mr: missing address")
	}
	addr, err := address(args[0])
	if err != nil {
		return fmt.Errorf("mr: %w", err)
	}
	n, err := count(args, 1)
	if err != nil {
		return fmt.Errorf("mr: %w", err)
	}

	for i := 0; i < n; i++ {
		if i%4 == 0 {
			if i > 0 {
				fmt.Fprintf(w, "\n")
			}
			fmt.Fprintf(w, "0x%08x ", addr)
		}
		v, err := con.read(addr)
		if err != nil {
			fmt.Fprintf(w, "\n")
			return fmt.Errorf("mr: %w", err)
		}
		fmt.Fprintf(w, " %08x", v)
		addr += 4
	}
	fmt.Fprintf(w, "\n")
	return nil
}

func (con *console) mw(ctx context.Context, w io.Writer, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("mw: missing address or value")
	}
	addr, err := address(args[0])
	if err != nil {
		return fmt.Errorf("mw: %w", err)
	}
	v, err := strconv.ParseUint(args[1], 0, 32)
	if err != nil {
		return fmt.Errorf("mw: invalid value %q: %w", args[1], err)
	}
	n, err := count(args, 2)
	if err != nil {
		return fmt.Errorf("mw: %w", err)
	}

	for i := 0; i < n; i++ {
		err = con.write(addr, uint32(v))
		if err != nil {
			return fmt.Errorf("mw: %w", err)
		}
		addr += 4
	}
	return nil
}

func (con *console) status(ctx context.Context, w io.Writer, args []string) error {
	st, err := con.dev.Status()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "scram:        %v\n", st.Scram)
	fmt.Fprintf(w, "delta scram:  %v\n", st.DeltaScram)
	fmt.Fprintf(w, "trigger:      %v\n", st.Trigger)
	fmt.Fprintf(w, "no plate:     0b%04b\n", st.NoPlate)
	fmt.Fprintf(w, "MB unplugged: %v\n", st.MBUnplugged)
	fmt.Fprintf(w, "MK unplugged: %v\n", st.MKUnplugged)
	fmt.Fprintf(w, "L25 pos/open: %v/%v\n", st.L25Pos, st.L25Open)
	fmt.Fprintf(w, "hv ready:     %v\n", st.HVReady)
	fmt.Fprintf(w, "done:         %v (pending=%v)\n", st.Done, st.Pending)
	fmt.Fprintf(w, "overrun:      %d\n", st.Overrun)
	fmt.Fprintf(w, "main/feed:    %d/%d (delta=%d)\n", st.Main, st.Feed, st.Delta)
	fmt.Fprintf(w, "energy:       %d\n", st.Energy)
	return nil
}

func parseU32(name, s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, s, err)
	}
	return uint32(v), nil
}

func (con *console) hv(ctx context.Context, w io.Writer, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("hv: missing voltage")
	}
	volts, err := parseU32("voltage", args[0])
	if err != nil {
		return fmt.Errorf("hv: %w", err)
	}
	if volts > zap.MaxVoltage {
		return fmt.Errorf("hv: voltage %dV out of range: %w", volts, zap.ErrRange)
	}

	ctx, cancel := context.WithTimeout(ctx, con.timeout)
	defer cancel()

	code := con.dev.Calibration().HVCode(volts)
	err = con.dev.SetHV(ctx, code)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "HV DAC: %dV -> 0x%04x\n", volts, code)
	return nil
}

func (con *console) vmon(ctx context.Context, w io.Writer, args []string) error {
	ctx, cancel := context.WithTimeout(ctx, con.timeout)
	defer cancel()

	v, err := con.dev.VMon(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "vmon: %d (0x%03x)\n", v, v)
	return nil
}

func (con *console) zap(ctx context.Context, w io.Writer, args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("zap: missing row, col or voltage")
	}
	var (
		vs  = make([]uint32, len(args))
		err error
	)
	names := []string{"row", "col", "voltage", "depth", "presample"}
	if len(args) > len(names) {
		return fmt.Errorf("zap: too many arguments")
	}
	for i, arg := range args {
		vs[i], err = parseU32(names[i], arg)
		if err != nil {
			return fmt.Errorf("zap: %w", err)
		}
	}

	cfg := zap.ZapConfig{
		Row:       uint8(vs[0]),
		Col:       uint8(vs[1]),
		Voltage:   vs[2],
		Depth:     100,
		Presample: 10,
		Period:    zap.DefaultPeriod,
		Timeout:   con.timeout,
	}
	if vs[0] > 0xff || vs[1] > 0xff {
		return fmt.Errorf("zap: electrode (%d,%d) out of range: %w", vs[0], vs[1], zap.ErrRange)
	}
	if len(vs) > 3 {
		cfg.Depth = uint16(vs[3])
		cfg.Presample = 0
	}
	if len(vs) > 4 {
		cfg.Presample = uint16(vs[4])
	}

	res, err := con.dev.Zap(ctx, cfg)
	if err != nil {
		return err
	}
	con.last = &res

	fmt.Fprintf(w, "zap (%d,%d) at %dV: %d samples, energy=%d (%gJ), overrun=%d, duration=%v\n",
		cfg.Row, cfg.Col, cfg.Voltage, len(res.Samples),
		res.Energy, res.Joules, res.Overrun, res.Duration,
	)
	if res.DeltaScram {
		fmt.Fprintf(w, "max delta latch tripped\n")
	}
	if res.Cutoff {
		fmt.Fprintf(w, "energy cutoff reached\n")
	}
	fmt.Fprintf(w, "Run 'upload' to get a copy of the data\n")
	return nil
}

func (con *console) upload(ctx context.Context, w io.Writer, args []string) error {
	if con.last == nil {
		return fmt.Errorf("upload: no zap delivered yet")
	}

	if len(args) == 0 {
		return writeCSV(w, con.last.Samples)
	}

	f, err := os.Create(args[0])
	if err != nil {
		return fmt.Errorf("upload: could not create output file: %w", err)
	}
	defer f.Close()

	err = writeCSV(f, con.last.Samples)
	if err != nil {
		return fmt.Errorf("upload: %w", err)
	}

	err = f.Close()
	if err != nil {
		return fmt.Errorf("upload: could not close output file: %w", err)
	}
	fmt.Fprintf(w, "wrote %d samples to %q\n", len(con.last.Samples), args[0])
	return nil
}

func writeCSV(w io.Writer, smps []zap.SamplePair) error {
	_, err := fmt.Fprintf(w, "seq,main,feedback\n")
	if err != nil {
		return fmt.Errorf("could not write CSV header: %w", err)
	}
	for _, smp := range smps {
		_, err = fmt.Fprintf(w, "%d,%d,%d\n", smp.Seq, smp.Main, smp.Feedback)
		if err != nil {
			return fmt.Errorf("could not write CSV sample: %w", err)
		}
	}
	return nil
}

func (con *console) abort(ctx context.Context, w io.Writer, args []string) error {
	return con.dev.Abort()
}

func (con *console) shutdown(ctx context.Context, w io.Writer, args []string) error {
	ctx, cancel := context.WithTimeout(ctx, con.timeout)
	defer cancel()
	return con.dev.SafeShutdown(ctx)
}

func (con *console) analog(ctx context.Context, w io.Writer, args []string) error {
	if con.brd == nil {
		return fmt.Errorf("analog: no simulated board")
	}
	if len(args) != 2 {
		return fmt.Errorf("analog: missing input or code")
	}
	v, err := parseU32("code", args[1])
	if err != nil {
		return fmt.Errorf("analog: %w", err)
	}
	if v > 0xfff {
		return fmt.Errorf("analog: code 0x%x out of range: %w", v, zap.ErrRange)
	}
	switch args[0] {
	case "main":
		con.brd.SetMain(uint16(v))
	case "feedback", "fb":
		con.brd.SetFeedback(uint16(v))
	case "vmon":
		con.brd.SetVMon(uint16(v))
	default:
		return fmt.Errorf("analog: unknown input %q", args[0])
	}
	return nil
}

func (con *console) quit(ctx context.Context, w io.Writer, args []string) error {
	return errQuit
}
