// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package sim runs clocked modules grouped in independent clock domains,
// either in deterministic virtual time or with one goroutine per domain.
package sim // import "github.com/go-lpc/zappy/internal/sim"

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// Module is a clocked piece of logic.
//
// On every tick of its domain, Eval computes the next state from the
// current registered state and Commit makes it current. Eval must not
// modify state observable by other modules.
type Module interface {
	Eval()
	Commit()
}

// Domain is a set of modules sharing the same clock.
type Domain struct {
	name   string
	period int64 // in picoseconds
	mods   []Module
	ticks  atomic.Uint64
	edge   int64 // time of the next rising edge, in picoseconds
}

// NewDomain creates a new clock domain running at freq Hz.
func NewDomain(name string, freq int64) *Domain {
	if freq <= 0 {
		panic(fmt.Errorf("sim: invalid frequency %d for domain %q", freq, name))
	}
	period := int64(1e12) / freq
	return &Domain{
		name:   name,
		period: period,
		edge:   period,
	}
}

// Name returns the name of the clock domain.
func (dom *Domain) Name() string { return dom.name }

// Period returns the clock period of the domain.
func (dom *Domain) Period() time.Duration {
	return time.Duration(dom.period/1000) * time.Nanosecond
}

// Ticks returns the number of elapsed clock cycles.
func (dom *Domain) Ticks() uint64 { return dom.ticks.Load() }

// Add attaches modules to the domain.
func (dom *Domain) Add(mods ...Module) {
	dom.mods = append(dom.mods, mods...)
}

func (dom *Domain) eval() {
	for _, m := range dom.mods {
		m.Eval()
	}
}

func (dom *Domain) commit() {
	for _, m := range dom.mods {
		m.Commit()
	}
	dom.ticks.Add(1)
}

// Tick runs one clock cycle of the domain.
func (dom *Domain) Tick() {
	dom.eval()
	dom.commit()
}

// ErrTimeout is returned when a condition was not met within the
// allotted number of steps.
var ErrTimeout = errors.New("sim: timeout")

// Scheduler steps a set of domains in virtual time.
//
// Edges falling on the same instant are processed as a single step:
// every module of every due domain is evaluated before any is committed.
type Scheduler struct {
	doms []*Domain
	now  int64 // in picoseconds
	due  []*Domain
}

// NewScheduler creates a new scheduler for the provided domains.
func NewScheduler(doms ...*Domain) *Scheduler {
	return &Scheduler{doms: doms}
}

// Now returns the current virtual time.
func (s *Scheduler) Now() time.Duration {
	return time.Duration(s.now/1000) * time.Nanosecond
}

// Step advances the virtual time to the next clock edge and ticks all
// the domains with an edge at that time.
func (s *Scheduler) Step() {
	if len(s.doms) == 0 {
		return
	}
	next := s.doms[0].edge
	for _, dom := range s.doms[1:] {
		if dom.edge < next {
			next = dom.edge
		}
	}

	s.due = s.due[:0]
	for _, dom := range s.doms {
		if dom.edge == next {
			s.due = append(s.due, dom)
		}
	}
	for _, dom := range s.due {
		dom.eval()
	}
	for _, dom := range s.due {
		dom.commit()
		dom.edge += dom.period
	}
	s.now = next
}

// StepN ticks dom n times, stepping the other domains along.
func (s *Scheduler) StepN(dom *Domain, n int) {
	end := dom.Ticks() + uint64(n)
	for dom.Ticks() < end {
		s.Step()
	}
}

// RunFor advances the virtual time by d.
func (s *Scheduler) RunFor(d time.Duration) {
	end := s.now + d.Nanoseconds()*1000
	for s.now < end {
		s.Step()
	}
}

// RunUntil steps the scheduler until cond returns true, or fails after
// max steps.
func (s *Scheduler) RunUntil(cond func() bool, max int) error {
	for i := 0; i < max; i++ {
		if cond() {
			return nil
		}
		s.Step()
	}
	if cond() {
		return nil
	}
	return fmt.Errorf("sim: condition not met after %d steps: %w", max, ErrTimeout)
}

// Run steps the scheduler as fast as possible until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		for i := 0; i < 1024; i++ {
			s.Step()
		}
		select {
		case <-ctx.Done():
			return nil
		default:
		}
	}
}

// RunFree runs each domain in its own goroutine until ctx is done.
// Domains are only synchronized through the clock-domain crossing
// primitives of their modules.
//
// Each domain ticks once per period scaled by slow.
// A zero slow runs domains flat out.
func RunFree(ctx context.Context, slow float64, doms ...*Domain) error {
	grp, ctx := errgroup.WithContext(ctx)
	for i := range doms {
		dom := doms[i]
		grp.Go(func() error {
			return dom.run(ctx, slow)
		})
	}
	return grp.Wait()
}

func (dom *Domain) run(ctx context.Context, slow float64) error {
	if slow <= 0 {
		for {
			select {
			case <-ctx.Done():
				return nil
			default:
				dom.Tick()
			}
		}
	}

	period := time.Duration(float64(dom.period) * slow / 1000)
	if period <= 0 {
		return fmt.Errorf("sim: invalid scaled period for domain %q", dom.name)
	}
	tck := time.NewTicker(period)
	defer tck.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tck.C:
			dom.Tick()
		}
	}
}
