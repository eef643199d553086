package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/fnorun/internal/metrics"
)

// Limits defines the broker call ceilings across the three rolling windows.
type Limits struct {
	PerSecond int `yaml:"per_second"`
	PerMinute int `yaml:"per_minute"`
	PerDay    int `yaml:"per_day"`
}

// DefaultLimits returns the free-tier ceilings, held slightly under the
// broker's published 10/200/100000 limits for headroom.
func DefaultLimits() Limits {
	return Limits{
		PerSecond: 8,
		PerMinute: 180,
		PerDay:    90000,
	}
}

// Governor enforces the per-second, per-minute and per-day call ceilings.
// Every outbound broker call must take a slot via RequestSlot before it is
// issued. Admission is blocking poll-and-backoff with no fairness ordering
// across waiters; every waiter is eventually admitted once capacity frees.
type Governor struct {
	mu     sync.Mutex
	limits Limits

	second []time.Time
	minute []time.Time
	day    []time.Time

	lastDailyReset time.Time

	pollInterval time.Duration
	now          func() time.Time
}

// WindowUsage is a point-in-time view of one rolling window.
type WindowUsage struct {
	Used        int     `json:"used"`
	Limit       int     `json:"limit"`
	Remaining   int     `json:"remaining"`
	PercentUsed float64 `json:"percent_used"`
}

// Usage is a non-blocking snapshot of all three windows.
type Usage struct {
	Second     WindowUsage `json:"second"`
	Minute     WindowUsage `json:"minute"`
	Day        WindowUsage `json:"day"`
	LastReset  time.Time   `json:"last_reset"`
	TotalToday int         `json:"total_today"`
}

// NewGovernor creates a governor with the given ceilings.
func NewGovernor(limits Limits) *Governor {
	now := time.Now()
	return &Governor{
		limits:         limits,
		second:         make([]time.Time, 0, limits.PerSecond),
		minute:         make([]time.Time, 0, limits.PerMinute),
		day:            make([]time.Time, 0, 1024),
		lastDailyReset: now,
		pollInterval:   100 * time.Millisecond,
		now:            time.Now,
	}
}

// RequestSlot blocks until the call would not push any window over its
// ceiling, then records the call in all three windows. Returns early only
// if the context is cancelled.
func (g *Governor) RequestSlot(ctx context.Context) error {
	for {
		if g.tryAdmit() {
			return nil
		}

		metrics.Default().GovernorWaits.Inc()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(g.pollInterval):
		}
	}
}

// tryAdmit checks all three windows and records the call if every window
// has capacity. The check and the record happen under one lock so the
// ceiling invariant holds at the instant of admission.
func (g *Governor) tryAdmit() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.evict(now)
	g.resetDaily(now)

	if len(g.second) >= g.limits.PerSecond {
		return false
	}
	if len(g.minute) >= g.limits.PerMinute {
		return false
	}
	if len(g.day) >= g.limits.PerDay {
		return false
	}

	g.second = append(g.second, now)
	g.minute = append(g.minute, now)
	g.day = append(g.day, now)

	metrics.Default().GovernedCalls.Inc()
	return true
}

// Usage returns the current window usage without blocking admission.
func (g *Governor) Usage() Usage {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.evict(now)
	g.resetDaily(now)

	return Usage{
		Second:     windowUsage(len(g.second), g.limits.PerSecond),
		Minute:     windowUsage(len(g.minute), g.limits.PerMinute),
		Day:        windowUsage(len(g.day), g.limits.PerDay),
		LastReset:  g.lastDailyReset,
		TotalToday: len(g.day),
	}
}

// evict drops timestamps that have aged out of their window. Caller must
// hold the lock.
func (g *Governor) evict(now time.Time) {
	g.second = trimBefore(g.second, now.Add(-time.Second))
	g.minute = trimBefore(g.minute, now.Add(-time.Minute))
	g.day = trimBefore(g.day, now.Add(-24*time.Hour))
}

// resetDaily clears the daily window at local calendar-date rollover, even
// if the window is under its ceiling. Caller must hold the lock.
func (g *Governor) resetDaily(now time.Time) {
	ry, rm, rd := g.lastDailyReset.Date()
	ny, nm, nd := now.Date()
	if ny == ry && nm == rm && nd == rd {
		return
	}

	log.Info().
		Int("calls_dropped", len(g.day)).
		Msg("Daily rate window reset at date rollover")

	g.day = g.day[:0]
	g.lastDailyReset = now
}

func trimBefore(window []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(window) && window[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return window
	}
	return append(window[:0], window[i:]...)
}

func windowUsage(used, limit int) WindowUsage {
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	percent := 0.0
	if limit > 0 {
		percent = float64(used) / float64(limit) * 100
	}
	return WindowUsage{
		Used:        used,
		Limit:       limit,
		Remaining:   remaining,
		PercentUsed: percent,
	}
}
