// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package board

import (
	"fmt"
	"os"

	"github.com/go-lpc/zappy/internal/regs"
	yaml "gopkg.in/yaml.v2"
)

// Config describes a simulated board.
type Config struct {
	Clocks struct {
		Sys      int64 `yaml:"sys"`      // control and safety logic, in Hz
		Main     int64 `yaml:"adc-main"` // main current converter, in Hz
		Feedback int64 `yaml:"adc-fb"`   // feedback current converter, in Hz
		HV       int64 `yaml:"hv"`       // HV supply monitor and DAC, in Hz
	} `yaml:"clocks"`

	MemDepth int `yaml:"memdepth"` // sample memory depth, in words

	// Analog holds the initial value of the analog inputs, as 12b codes.
	Analog struct {
		Main     uint16 `yaml:"main"`
		Feedback uint16 `yaml:"feedback"`
		VMon     uint16 `yaml:"vmon"`
	} `yaml:"analog"`

	// Slow scales the wall-clock period of free-running domains.
	// Zero runs the domains flat out.
	Slow float64 `yaml:"slow"`
}

var defaultConfig = func() Config {
	var cfg Config
	cfg.Clocks.Sys = 100e6
	cfg.Clocks.Main = 20e6
	cfg.Clocks.Feedback = 20e6
	cfg.Clocks.HV = 10e6
	cfg.MemDepth = regs.MEM_DEPTH
	return cfg
}()

// DefaultConfig returns the configuration of the Zappy board.
func DefaultConfig() Config {
	return defaultConfig
}

// ParseConfigFile parses the YAML board configuration file.
func ParseConfigFile(fname string) (*Config, error) {
	buf, err := os.ReadFile(fname)
	if err != nil {
		return nil, fmt.Errorf("board: could not read config file %q: %w", fname, err)
	}
	return ParseConfig(buf)
}

// ParseConfig parses a YAML board configuration.
// Missing fields take their default value.
func ParseConfig(buf []byte) (*Config, error) {
	cfg := defaultConfig
	err := yaml.Unmarshal(buf, &cfg)
	if err != nil {
		return nil, fmt.Errorf("board: could not decode config: %w", err)
	}
	err = cfg.validate()
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg Config) validate() error {
	for _, clk := range []struct {
		name string
		freq int64
	}{
		{"sys", cfg.Clocks.Sys},
		{"adc-main", cfg.Clocks.Main},
		{"adc-fb", cfg.Clocks.Feedback},
		{"hv", cfg.Clocks.HV},
	} {
		if clk.freq <= 0 {
			return fmt.Errorf("board: invalid %s clock frequency %d", clk.name, clk.freq)
		}
	}
	if cfg.MemDepth <= 0 {
		return fmt.Errorf("board: invalid memdepth %d", cfg.MemDepth)
	}
	if cfg.Slow < 0 {
		return fmt.Errorf("board: invalid slow-down factor %g", cfg.Slow)
	}
	return nil
}
