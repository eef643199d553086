package ledger

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/fnorun/internal/broker"
	"github.com/sawpanic/fnorun/internal/metrics"
)

// QuoteSource delivers batched quotes; the session's coalescer satisfies it.
type QuoteSource interface {
	Quotes(ctx context.Context, symbols []string) (map[string]broker.Quote, error)
}

// Monitor drives the periodic price refresh for RUNNING positions.
type Monitor struct {
	ledger   *Ledger
	source   QuoteSource
	interval time.Duration
	cooldown time.Duration
}

// NewMonitor creates a monitor polling at the given interval.
func NewMonitor(l *Ledger, source QuoteSource, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Monitor{
		ledger:   l,
		source:   source,
		interval: interval,
		cooldown: 5 * time.Second,
	}
}

// Run polls until the context is cancelled. A panicking tick is logged and
// the loop resumes after a cooldown.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !m.safeTick(ctx) {
				select {
				case <-ctx.Done():
					return
				case <-time.After(m.cooldown):
				}
			}
		}
	}
}

func (m *Monitor) safeTick(ctx context.Context) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Position monitor tick panicked")
			ok = false
		}
	}()
	m.Tick(ctx)
	return true
}

// Tick runs one refresh pass: fetch quotes for all running option symbols,
// apply them with the stale fallback, and publish the PnL gauge.
func (m *Monitor) Tick(ctx context.Context) {
	symbols := m.ledger.OptionSymbols()
	if len(symbols) == 0 {
		return
	}

	quotes, err := m.source.Quotes(ctx, symbols)
	if err != nil {
		log.Warn().Err(err).Msg("Position monitor quote pass failed")
		quotes = nil
	}

	prices := make(map[string]float64, len(quotes))
	for symbol, q := range quotes {
		prices[symbol] = q.LastPrice
	}
	m.ledger.ApplyQuotes(prices)

	totals := Aggregate(m.ledger.Running())
	metrics.Default().TotalPnL.Set(totals.PnL)
}
