package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/fnorun/internal/broker"
	"github.com/sawpanic/fnorun/internal/ledger"
)

// Sentinel errors for exit handling.
var (
	ErrNoPosition       = errors.New("no position for underlying")
	ErrPriceUnavailable = errors.New("no usable price for exit order")
	ErrOrderRejected    = errors.New("broker rejected order")
)

const productIntraday = "INTRADAY"

// nowFunc is swapped in tests for deterministic exit timestamps.
var nowFunc = time.Now

// QuoteSource delivers the fresh option price an exit is struck at; the
// session's coalescer satisfies it.
type QuoteSource interface {
	Quotes(ctx context.Context, symbols []string) (map[string]broker.Quote, error)
}

// Executor places entry and exit orders against the gateway and drives
// position status transitions. In simulated mode orders fill instantly
// with synthetic ids; in live mode the broker's ack decides.
type Executor struct {
	gateway broker.Gateway
	ledger  *ledger.Ledger
	source  QuoteSource

	mu   sync.RWMutex
	live bool
}

// New creates an executor in simulated mode unless live is set.
func New(gateway broker.Gateway, l *ledger.Ledger, source QuoteSource, live bool) *Executor {
	return &Executor{gateway: gateway, ledger: l, source: source, live: live}
}

// SetLive switches the trading mode. Applies to subsequent orders only;
// open positions keep the mode they were entered with.
func (e *Executor) SetLive(live bool) {
	e.mu.Lock()
	e.live = live
	e.mu.Unlock()
	log.Info().Bool("live", live).Msg("Trading mode changed")
}

// Live reports the current trading mode.
func (e *Executor) Live() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.live
}

// PlaceEntry records the position and places its buy order. The position
// is inserted before the live order goes out and is never rolled back on a
// rejection or a transport error: the order may have reached the broker
// even when the call failed, so the position must stay tracked.
func (e *Executor) PlaceEntry(ctx context.Context, p ledger.Position) error {
	live := e.Live()
	if live {
		p.Mode = ledger.ModeLive
	} else {
		p.Mode = ledger.ModeSimulated
	}

	if !live {
		p.OrderID = "SIM-" + uuid.NewString()
		if err := e.ledger.Insert(p); err != nil {
			return err
		}
		log.Info().
			Str("option", p.OptionSymbol).
			Str("order_id", p.OrderID).
			Float64("price", p.EntryPrice).
			Msg("Simulated entry filled")
		return nil
	}

	if err := e.ledger.Insert(p); err != nil {
		return err
	}

	result, err := e.gateway.PlaceOrder(ctx, broker.OrderRequest{
		Symbol:      p.OptionSymbol,
		Qty:         p.LotSize,
		Side:        broker.SideBuy,
		LimitPrice:  p.EntryPrice,
		ProductType: productIntraday,
		OrderTag:    "fnorun-entry",
	})
	if err != nil {
		log.Error().
			Err(err).
			Str("option", p.OptionSymbol).
			Msg("Live entry order failed, position kept for manual review")
		return nil
	}
	if !result.OK {
		log.Error().
			Str("option", p.OptionSymbol).
			Str("message", result.Message).
			Msg("Live entry rejected, position kept for manual review")
		return nil
	}

	e.ledger.SetOrderID(p.Underlying, result.OrderID)
	return nil
}

// ExitPosition closes the position for an underlying with an opposite-side
// limit order at a freshly fetched option price. In live mode the position
// stays RUNNING if the broker does not ack, and the error is retryable.
func (e *Executor) ExitPosition(ctx context.Context, underlying string) error {
	p, ok := e.ledger.Get(underlying)
	if !ok || p.Status != ledger.StatusRunning {
		return fmt.Errorf("%w: %s", ErrNoPosition, underlying)
	}

	price, err := e.currentPrice(ctx, p.OptionSymbol)
	if err != nil {
		return err
	}

	if !e.Live() {
		if err := e.ledger.MarkExited(underlying, price, nowFunc()); err != nil {
			return err
		}
		log.Info().
			Str("option", p.OptionSymbol).
			Float64("price", price).
			Msg("Simulated exit filled")
		return nil
	}

	result, err := e.gateway.PlaceOrder(ctx, broker.OrderRequest{
		Symbol:      p.OptionSymbol,
		Qty:         p.LotSize,
		Side:        broker.SideSell,
		LimitPrice:  price,
		ProductType: productIntraday,
		OrderTag:    "fnorun-exit",
	})
	if err != nil {
		return fmt.Errorf("exit order %s: %w", p.OptionSymbol, err)
	}
	if !result.OK {
		return fmt.Errorf("%w: %s: %s", ErrOrderRejected, p.OptionSymbol, result.Message)
	}

	return e.ledger.MarkExited(underlying, price, nowFunc())
}

// currentPrice fetches the option's LTP through the cached quote path.
func (e *Executor) currentPrice(ctx context.Context, symbol string) (float64, error) {
	quotes, err := e.source.Quotes(ctx, []string{symbol})
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrPriceUnavailable, symbol, err)
	}
	quote, ok := quotes[symbol]
	if !ok || quote.LastPrice <= 0 {
		return 0, fmt.Errorf("%w: %s", ErrPriceUnavailable, symbol)
	}
	return quote.LastPrice, nil
}

// ExitResult is the outcome of one underlying in an ExitAll sweep.
type ExitResult struct {
	Underlying string
	Err        error
}

// ExitAll closes every RUNNING position sequentially, best effort. One
// failed exit does not stop the sweep.
func (e *Executor) ExitAll(ctx context.Context) []ExitResult {
	running := e.ledger.Running()
	results := make([]ExitResult, 0, len(running))

	for _, p := range running {
		err := e.ExitPosition(ctx, p.Underlying)
		if err != nil {
			log.Warn().Err(err).Str("underlying", p.Underlying).Msg("Exit failed in sweep")
		}
		results = append(results, ExitResult{Underlying: p.Underlying, Err: err})
	}
	return results
}
