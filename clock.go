// FILE: clock.go
// Package main – jitter-aware polling scheduler.
//
// Hot-reloadable cadence parameters, symmetric jitter with a hard
// minimum, and drift-free sleeps that absorb time spent inside the tick
// body.
package main

import (
	"math/rand"
	"time"
)

// Scheduler holds the three cadence parameters (seconds) and produces
// sleep intervals around them.
type Scheduler struct {
	base   float64
	jitter float64
	min    float64
}

// NewScheduler builds a Scheduler with min clamped to the global floor.
func NewScheduler(base, jitter, min float64) *Scheduler {
	s := &Scheduler{}
	s.set(base, jitter, min)
	return s
}

func (s *Scheduler) set(base, jitter, min float64) {
	if min < MinPollSeconds {
		min = MinPollSeconds
	}
	if jitter < 0 {
		jitter = 0
	}
	s.base = base
	s.jitter = jitter
	s.min = min
}

// startupStagger sleeps a uniform-random value in [0, base). Called once
// at boot so many bots started together don't all poll in lockstep.
func (s *Scheduler) startupStagger() {
	if s.base <= 0 {
		return
	}
	d := time.Duration(rand.Float64() * s.base * float64(time.Second))
	time.Sleep(d)
}

// nextInterval updates any held parameter that is explicitly provided
// (use hasX booleans to distinguish "not provided" from "provided as
// zero") and returns max(min, base + U[-jitter, +jitter]).
func (s *Scheduler) nextInterval(base, jitter, min *float64) float64 {
	if base != nil {
		s.base = *base
	}
	if jitter != nil {
		s.jitter = *jitter
	}
	if min != nil {
		s.min = *min
	}
	if s.jitter < 0 {
		s.jitter = 0
	}
	if s.min < MinPollSeconds {
		s.min = MinPollSeconds
	}

	interval := s.base
	if s.jitter > 0 {
		interval += (rand.Float64()*2 - 1) * s.jitter
	}
	if interval < s.min {
		interval = s.min
	}
	return interval
}

// sleepFor sleeps until startedAt+interval, absorbing whatever time the
// tick body already spent so cadence stays drift-free. If the tick
// overran, the sleep is zero — the scheduler never tries to catch up.
func (s *Scheduler) sleepFor(interval float64, startedAt time.Time) {
	deadline := startedAt.Add(time.Duration(interval * float64(time.Second)))
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return
	}
	time.Sleep(remaining)
}
