package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/fnorun/internal/broker"
	"github.com/sawpanic/fnorun/internal/config"
	"github.com/sawpanic/fnorun/internal/executor"
	"github.com/sawpanic/fnorun/internal/ledger"
	"github.com/sawpanic/fnorun/internal/ratelimit"
	"github.com/sawpanic/fnorun/internal/scan"
)

// sessionGateway is a full fake provider for end-to-end session tests.
type sessionGateway struct {
	daily  map[string]broker.Candle
	first  map[string]broker.Candle
	quotes map[string]broker.Quote
}

func (g *sessionGateway) History(ctx context.Context, symbol, resolution string, from, to time.Time) ([]broker.Candle, error) {
	source := g.first
	if resolution == "D" {
		source = g.daily
	}
	if c, ok := source[symbol]; ok {
		return []broker.Candle{c}, nil
	}
	return nil, nil
}

func (g *sessionGateway) Quotes(ctx context.Context, symbols []string) (map[string]broker.Quote, error) {
	out := make(map[string]broker.Quote)
	for _, s := range symbols {
		if q, ok := g.quotes[s]; ok {
			out[s] = q
		}
	}
	return out, nil
}

func (g *sessionGateway) Orderbook(ctx context.Context) ([]broker.Order, error) {
	return []broker.Order{{OrderID: "X1", Symbol: "NSE:SBIN25SEP100CE"}}, nil
}

func (g *sessionGateway) Funds(ctx context.Context) ([]broker.FundBucket, error) {
	return []broker.FundBucket{{Title: broker.TotalBalanceTitle, EquityAmount: 100000}}, nil
}

func (g *sessionGateway) PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderResult, error) {
	return broker.OrderResult{OK: true, OrderID: "LIVE-1"}, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	lotsPath := filepath.Join(dir, "NSE_FO.csv")
	csv := "1,NSE:SBIN25SEPFUT,SBIN,750,1,0.05,20250930,x,NSE,SBIN\n"
	require.NoError(t, os.WriteFile(lotsPath, []byte(csv), 0o644))

	c := config.Default()
	c.Broker.ClientID = "TEST-100"
	c.Broker.AccessToken = "token"
	c.Universe = []string{"SBIN"}
	// Midnight trigger is always in the past, so the scan fires immediately.
	c.Scan.TriggerTime = "00:00:00"
	c.Lots.Path = lotsPath
	c.Lots.URL = ""
	return &c
}

func newTestSession(t *testing.T) (*Session, *sessionGateway) {
	t.Helper()

	now := time.Now()
	open := time.Date(now.Year(), now.Month(), now.Day(), 9, 15, 0, 0, now.Location())
	optionSymbol := scan.OptionSymbol("SBIN", now, 100, ledger.SideCE)

	gw := &sessionGateway{
		daily: map[string]broker.Candle{
			"NSE:SBIN-EQ": {High: 104, Low: 90},
		},
		first: map[string]broker.Candle{
			"NSE:SBIN-EQ": {Timestamp: open, Open: 100, High: 105, Low: 100, Close: 106},
		},
		quotes: map[string]broker.Quote{
			optionSymbol: {Symbol: optionSymbol, LastPrice: 4.5, LotSizeHint: 500},
		},
	}

	s, err := New(testConfig(t), gw, ratelimit.NewGovernor(ratelimit.DefaultLimits()))
	require.NoError(t, err)
	return s, gw
}

func TestSession_New_RejectsBadConfig(t *testing.T) {
	c := testConfig(t)
	c.Universe = nil
	_, err := New(c, &sessionGateway{}, ratelimit.NewGovernor(ratelimit.DefaultLimits()))
	assert.Error(t, err)
}

func TestSession_StartScansAndSnapshots(t *testing.T) {
	s, _ := newTestSession(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Start(ctx))

	snap := s.Snapshot()
	assert.Equal(t, scan.StateDone, snap.ScanState)
	assert.Equal(t, 1, snap.ScanSummary.QualifiedCE)
	assert.False(t, snap.Live)

	require.Len(t, snap.Rows, 1)
	row := snap.Rows[0]
	assert.Equal(t, "SBIN", row.Underlying)
	assert.Equal(t, 4.5, row.EntryPrice)
	assert.Equal(t, 750, row.LotSize, "lot table entry wins over the quote hint")
	assert.Equal(t, ledger.StatusRunning, row.Status)

	assert.Equal(t, 8, snap.RateUsage.Second.Limit, "snapshot carries the governor usage view")

	t.Run("second start refused", func(t *testing.T) {
		assert.ErrorIs(t, s.Start(ctx), ErrAlreadyStarted)
	})

	t.Run("presentation refresh runs its own quote pass", func(t *testing.T) {
		refreshed := s.Refresh(ctx)
		require.Len(t, refreshed.Rows, 1)
		assert.Equal(t, 4.5, refreshed.Rows[0].LastPrice)
		assert.False(t, refreshed.Rows[0].Stale, "a served quote pass never leaves the row stale")
	})
}

func TestSession_ExitFlow(t *testing.T) {
	s, _ := newTestSession(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Start(ctx))

	t.Run("exit unknown underlying leaves ledger unchanged", func(t *testing.T) {
		err := s.ExitPosition(ctx, "TCS")
		assert.ErrorIs(t, err, executor.ErrNoPosition)
		assert.Len(t, s.Snapshot().Rows, 1)
	})

	t.Run("exit all closes running positions", func(t *testing.T) {
		results := s.ExitAll(ctx)
		require.Len(t, results, 1)
		assert.NoError(t, results[0].Err)

		snap := s.Snapshot()
		require.Len(t, snap.Rows, 1, "exited rows are retained")
		assert.Equal(t, ledger.StatusExited, snap.Rows[0].Status)
		assert.Equal(t, 0, snap.Totals.CE.Count, "exited rows leave the aggregates")
	})
}

func TestSession_SetLive(t *testing.T) {
	s, _ := newTestSession(t)

	assert.False(t, s.Snapshot().Live)
	s.SetLive(true)
	assert.True(t, s.Snapshot().Live)
	s.SetLive(false)
	assert.False(t, s.Snapshot().Live)
}
