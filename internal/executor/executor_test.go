package executor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/fnorun/internal/broker"
	"github.com/sawpanic/fnorun/internal/ledger"
)

type orderGateway struct {
	orders []broker.OrderRequest
	result broker.OrderResult
	err    error

	quotes   map[string]broker.Quote
	quoteErr error
}

func (g *orderGateway) PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderResult, error) {
	g.orders = append(g.orders, req)
	return g.result, g.err
}

func (g *orderGateway) Quotes(ctx context.Context, symbols []string) (map[string]broker.Quote, error) {
	if g.quoteErr != nil {
		return nil, g.quoteErr
	}
	out := make(map[string]broker.Quote)
	for _, s := range symbols {
		if q, ok := g.quotes[s]; ok {
			out[s] = q
		}
	}
	return out, nil
}

func (g *orderGateway) History(ctx context.Context, symbol, resolution string, from, to time.Time) ([]broker.Candle, error) {
	return nil, errors.New("not implemented")
}
func (g *orderGateway) Orderbook(ctx context.Context) ([]broker.Order, error)  { return nil, nil }
func (g *orderGateway) Funds(ctx context.Context) ([]broker.FundBucket, error) { return nil, nil }

func position(underlying string) ledger.Position {
	return ledger.Position{
		Underlying:   underlying,
		OptionSymbol: "NSE:" + underlying + "25SEP2150CE",
		Side:         ledger.SideCE,
		Strike:       2150,
		LotSize:      750,
		EntryPrice:   40,
		LastPrice:    40,
	}
}

func withQuote(gw *orderGateway, symbol string, price float64) {
	if gw.quotes == nil {
		gw.quotes = make(map[string]broker.Quote)
	}
	gw.quotes[symbol] = broker.Quote{Symbol: symbol, LastPrice: price}
}

func TestPlaceEntry_Simulated(t *testing.T) {
	gw := &orderGateway{}
	l := ledger.New()
	e := New(gw, l, gw, false)

	require.NoError(t, e.PlaceEntry(context.Background(), position("SBIN")))

	assert.Empty(t, gw.orders, "simulated entry never reaches the broker")

	p, ok := l.Get("SBIN")
	require.True(t, ok)
	assert.Equal(t, ledger.StatusRunning, p.Status)
	assert.Equal(t, ledger.ModeSimulated, p.Mode)
	assert.True(t, strings.HasPrefix(p.OrderID, "SIM-"))
}

func TestPlaceEntry_Live(t *testing.T) {
	t.Run("accepted order records broker id", func(t *testing.T) {
		gw := &orderGateway{result: broker.OrderResult{OK: true, OrderID: "24080012345"}}
		l := ledger.New()
		e := New(gw, l, gw, true)

		require.NoError(t, e.PlaceEntry(context.Background(), position("SBIN")))

		require.Len(t, gw.orders, 1)
		order := gw.orders[0]
		assert.Equal(t, broker.SideBuy, order.Side)
		assert.Equal(t, 750, order.Qty)
		assert.Equal(t, 40.0, order.LimitPrice)
		assert.Equal(t, "INTRADAY", order.ProductType)

		p, _ := l.Get("SBIN")
		assert.Equal(t, "24080012345", p.OrderID)
		assert.Equal(t, ledger.ModeLive, p.Mode)
	})

	t.Run("rejected order keeps position", func(t *testing.T) {
		gw := &orderGateway{result: broker.OrderResult{OK: false, Message: "margin shortfall"}}
		l := ledger.New()
		e := New(gw, l, gw, true)

		require.NoError(t, e.PlaceEntry(context.Background(), position("SBIN")))

		_, ok := l.Get("SBIN")
		assert.True(t, ok, "position is not rolled back on rejection")
	})

	t.Run("transport error keeps position", func(t *testing.T) {
		gw := &orderGateway{err: errors.New("gateway timeout")}
		l := ledger.New()
		e := New(gw, l, gw, true)

		require.NoError(t, e.PlaceEntry(context.Background(), position("SBIN")))

		p, ok := l.Get("SBIN")
		require.True(t, ok, "the order may have reached the broker; position must be tracked")
		assert.Equal(t, ledger.StatusRunning, p.Status)
		assert.Empty(t, p.OrderID, "no ack, so no broker order id")
	})
}

func TestExitPosition(t *testing.T) {
	t.Run("unknown underlying", func(t *testing.T) {
		gw := &orderGateway{}
		e := New(gw, ledger.New(), gw, false)
		err := e.ExitPosition(context.Background(), "SBIN")
		assert.ErrorIs(t, err, ErrNoPosition)
	})

	t.Run("exit is priced at the freshly fetched LTP", func(t *testing.T) {
		gw := &orderGateway{}
		l := ledger.New()
		e := New(gw, l, gw, false)
		require.NoError(t, e.PlaceEntry(context.Background(), position("SBIN")))
		// The monitor last saw 40; the live quote has moved to 55.
		withQuote(gw, "NSE:SBIN25SEP2150CE", 55)

		require.NoError(t, e.ExitPosition(context.Background(), "SBIN"))

		assert.Empty(t, gw.orders)
		p, _ := l.Get("SBIN")
		assert.Equal(t, ledger.StatusExited, p.Status)
		assert.Equal(t, 55.0, p.ExitPrice)
	})

	t.Run("unfetchable price fails without exiting", func(t *testing.T) {
		gw := &orderGateway{quoteErr: errors.New("upstream down")}
		l := ledger.New()
		e := New(gw, l, gw, false)
		require.NoError(t, e.PlaceEntry(context.Background(), position("SBIN")))

		err := e.ExitPosition(context.Background(), "SBIN")
		require.ErrorIs(t, err, ErrPriceUnavailable)

		p, _ := l.Get("SBIN")
		assert.Equal(t, ledger.StatusRunning, p.Status)
	})

	t.Run("missing quote fails with price unavailable", func(t *testing.T) {
		gw := &orderGateway{}
		l := ledger.New()
		e := New(gw, l, gw, false)
		require.NoError(t, e.PlaceEntry(context.Background(), position("SBIN")))

		err := e.ExitPosition(context.Background(), "SBIN")
		assert.ErrorIs(t, err, ErrPriceUnavailable)
	})

	t.Run("live exit places opposite-side order at LTP", func(t *testing.T) {
		gw := &orderGateway{result: broker.OrderResult{OK: true, OrderID: "X1"}}
		l := ledger.New()
		e := New(gw, l, gw, true)
		require.NoError(t, e.PlaceEntry(context.Background(), position("SBIN")))
		withQuote(gw, "NSE:SBIN25SEP2150CE", 55)

		require.NoError(t, e.ExitPosition(context.Background(), "SBIN"))

		require.Len(t, gw.orders, 2)
		exit := gw.orders[1]
		assert.Equal(t, broker.SideSell, exit.Side)
		assert.Equal(t, 55.0, exit.LimitPrice)
		assert.Equal(t, 750, exit.Qty)

		p, _ := l.Get("SBIN")
		assert.Equal(t, ledger.StatusExited, p.Status)
	})

	t.Run("live rejection keeps position RUNNING", func(t *testing.T) {
		gw := &orderGateway{result: broker.OrderResult{OK: false, Message: "rejected"}}
		l := ledger.New()
		e := New(gw, l, gw, true)
		require.NoError(t, e.PlaceEntry(context.Background(), position("SBIN")))
		withQuote(gw, "NSE:SBIN25SEP2150CE", 55)

		err := e.ExitPosition(context.Background(), "SBIN")
		require.ErrorIs(t, err, ErrOrderRejected)

		p, _ := l.Get("SBIN")
		assert.Equal(t, ledger.StatusRunning, p.Status, "retryable: exit can be attempted again")
	})

	t.Run("double exit fails", func(t *testing.T) {
		gw := &orderGateway{}
		l := ledger.New()
		e := New(gw, l, gw, false)
		require.NoError(t, e.PlaceEntry(context.Background(), position("SBIN")))
		withQuote(gw, "NSE:SBIN25SEP2150CE", 55)
		require.NoError(t, e.ExitPosition(context.Background(), "SBIN"))

		err := e.ExitPosition(context.Background(), "SBIN")
		assert.ErrorIs(t, err, ErrNoPosition)
	})
}

func TestExitAll(t *testing.T) {
	gw := &orderGateway{}
	l := ledger.New()
	e := New(gw, l, gw, false)

	require.NoError(t, e.PlaceEntry(context.Background(), position("SBIN")))
	require.NoError(t, e.PlaceEntry(context.Background(), position("TCS")))
	require.NoError(t, e.PlaceEntry(context.Background(), position("RELIANCE")))

	// RELIANCE has no live quote, so its exit cannot be priced.
	withQuote(gw, "NSE:SBIN25SEP2150CE", 55)
	withQuote(gw, "NSE:TCS25SEP2150CE", 48)

	results := e.ExitAll(context.Background())
	require.Len(t, results, 3)

	failures := 0
	for _, r := range results {
		if r.Err != nil {
			failures++
			assert.Equal(t, "RELIANCE", r.Underlying)
			assert.ErrorIs(t, r.Err, ErrPriceUnavailable)
		}
	}
	assert.Equal(t, 1, failures, "one failed exit does not stop the sweep")

	running := l.Running()
	require.Len(t, running, 1, "priced positions all exited")
	assert.Equal(t, "RELIANCE", running[0].Underlying)
}
