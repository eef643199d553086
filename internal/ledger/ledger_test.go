package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runningPosition(underlying string, side Side, entry float64, lot int) Position {
	return Position{
		Underlying:   underlying,
		OptionSymbol: "NSE:" + underlying + "25SEP2150" + string(side),
		Side:         side,
		Strike:       2150,
		LotSize:      lot,
		EntryPrice:   entry,
		EntryTime:    time.Date(2025, 9, 1, 9, 18, 30, 0, time.Local),
		Mode:         ModeSimulated,
	}
}

func TestLedger_InsertUniquePerUnderlying(t *testing.T) {
	l := New()

	require.NoError(t, l.Insert(runningPosition("SBIN", SideCE, 100, 750)))
	err := l.Insert(runningPosition("SBIN", SidePE, 50, 750))
	require.Error(t, err, "second position for the same underlying must be rejected")

	assert.Len(t, l.Running(), 1)
}

func TestLedger_MarkExited(t *testing.T) {
	l := New()
	require.NoError(t, l.Insert(runningPosition("SBIN", SideCE, 100, 750)))
	exitTime := time.Date(2025, 9, 1, 11, 0, 0, 0, time.Local)

	t.Run("unknown underlying leaves ledger unchanged", func(t *testing.T) {
		err := l.MarkExited("RELIANCE", 90, exitTime)
		require.Error(t, err)
		assert.Len(t, l.Running(), 1)
	})

	t.Run("running position exits once", func(t *testing.T) {
		require.NoError(t, l.MarkExited("SBIN", 110, exitTime))

		p, ok := l.Get("SBIN")
		require.True(t, ok)
		assert.Equal(t, StatusExited, p.Status)
		assert.Equal(t, 110.0, p.ExitPrice)
		assert.Equal(t, exitTime, p.ExitTime)
		assert.Empty(t, l.Running())
		assert.Len(t, l.All(), 1, "exited rows are retained")
	})

	t.Run("double exit fails", func(t *testing.T) {
		assert.Error(t, l.MarkExited("SBIN", 120, exitTime))
	})
}

func TestLedger_ApplyQuotesStaleFallback(t *testing.T) {
	l := New()
	p := runningPosition("SBIN", SideCE, 100, 750)
	p.LastPrice = 0 // Insert backfills from entry
	require.NoError(t, l.Insert(p))

	t.Run("fresh price clears stale", func(t *testing.T) {
		l.ApplyQuotes(map[string]float64{p.OptionSymbol: 104})
		got, _ := l.Get("SBIN")
		assert.Equal(t, 104.0, got.LastPrice)
		assert.False(t, got.Stale)
	})

	t.Run("missing price keeps last known and flags stale", func(t *testing.T) {
		l.ApplyQuotes(map[string]float64{})
		got, _ := l.Get("SBIN")
		assert.Equal(t, 104.0, got.LastPrice, "price must never regress")
		assert.True(t, got.Stale)
	})

	t.Run("zero price treated as missing", func(t *testing.T) {
		l.ApplyQuotes(map[string]float64{p.OptionSymbol: 0})
		got, _ := l.Get("SBIN")
		assert.Equal(t, 104.0, got.LastPrice)
		assert.True(t, got.Stale)
	})

	t.Run("never observed falls back to entry price", func(t *testing.T) {
		l2 := New()
		require.NoError(t, l2.Insert(runningPosition("TCS", SidePE, 80, 175)))
		l2.ApplyQuotes(map[string]float64{})
		got, _ := l2.Get("TCS")
		assert.Equal(t, 80.0, got.LastPrice)
		assert.True(t, got.Stale)
	})
}

func TestPnL(t *testing.T) {
	p := runningPosition("SBIN", SideCE, 100, 50)
	p.Status = StatusRunning
	p.LastPrice = 110

	assert.Equal(t, 10.0, PerSharePnL(p))
	assert.Equal(t, 500.0, TotalPnL(p))
	assert.InDelta(t, 10.0, PnLPercent(p), 1e-9)

	t.Run("zero entry guards percent", func(t *testing.T) {
		z := p
		z.EntryPrice = 0
		assert.Equal(t, 0.0, PnLPercent(z))
	})
}

func TestAggregate(t *testing.T) {
	ce := runningPosition("SBIN", SideCE, 100, 50)
	ce.Status = StatusRunning
	ce.LastPrice = 110

	pe := runningPosition("TCS", SidePE, 80, 100)
	pe.Status = StatusRunning
	pe.LastPrice = 75

	exited := runningPosition("INFY", SideCE, 60, 100)
	exited.Status = StatusExited
	exited.LastPrice = 90

	totals := Aggregate([]Position{ce, pe, exited})

	assert.Equal(t, 1, totals.CE.Count)
	assert.Equal(t, 5000.0, totals.CE.Invested)
	assert.Equal(t, 500.0, totals.CE.PnL)

	assert.Equal(t, 1, totals.PE.Count)
	assert.Equal(t, -500.0, totals.PE.PnL)

	assert.Equal(t, 0.0, totals.PnL, "exited rows excluded from aggregation")
	assert.InDelta(t, 0.0, totals.PnLPercent, 1e-9)

	t.Run("zero invested guards overall percent", func(t *testing.T) {
		empty := Aggregate(nil)
		assert.Equal(t, 0.0, empty.PnLPercent)
	})
}
