package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/fnorun/internal/broker"
	"github.com/sawpanic/fnorun/internal/config"
	"github.com/sawpanic/fnorun/internal/executor"
	"github.com/sawpanic/fnorun/internal/ledger"
	"github.com/sawpanic/fnorun/internal/lots"
	"github.com/sawpanic/fnorun/internal/quotes"
	"github.com/sawpanic/fnorun/internal/ratelimit"
	"github.com/sawpanic/fnorun/internal/scan"
)

// ErrAlreadyStarted reports a second Start on the same session.
var ErrAlreadyStarted = errors.New("session already started")

// Row is one position with its derived PnL, ready for presentation.
type Row struct {
	ledger.Position
	PerSharePnL float64 `json:"per_share_pnl"`
	TotalPnL    float64 `json:"total_pnl"`
	PnLPercent  float64 `json:"pnl_percent"`
}

// Snapshot is the full point-in-time session view.
type Snapshot struct {
	Rows        []Row               `json:"rows"`
	Totals      ledger.Totals       `json:"totals"`
	RateUsage   ratelimit.Usage     `json:"rate_usage"`
	ScanState   scan.State          `json:"scan_state"`
	ScanSummary scan.Summary        `json:"scan_summary"`
	Funds       []broker.FundBucket `json:"funds"`
	Orderbook   []broker.Order      `json:"orderbook"`
	Live        bool                `json:"live"`
	Timestamp   time.Time           `json:"timestamp"`
}

// Session wires the governor, gateway, coalescer, scanner, ledger and
// executor into one trading day. One session per process.
type Session struct {
	cfg      *config.Config
	gateway  broker.Gateway
	governor *ratelimit.Governor
	batcher  *quotes.Batcher
	ledger   *ledger.Ledger
	monitor  *ledger.Monitor
	exec     *executor.Executor
	scanner  *scan.Scanner
	lotTable *lots.Table

	mu        sync.RWMutex
	started   bool
	funds     []broker.FundBucket
	orderbook []broker.Order
}

// New builds a session over the given gateway. The gateway is injected so
// tests can run the whole session against a fake provider.
func New(cfg *config.Config, gateway broker.Gateway, governor *ratelimit.Governor) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("session config: %w", err)
	}
	trigger, err := cfg.TriggerClock()
	if err != nil {
		return nil, err
	}

	l := ledger.New()
	batcher := quotes.NewBatcher(gateway, quotes.NewCache(quotes.DefaultTTL))
	exec := executor.New(gateway, l, batcher, !cfg.Simulated)
	lotTable := lots.NewTable(cfg.Lots.Path, cfg.Lots.URL, time.Duration(cfg.Lots.MaxAgeHrs)*time.Hour)

	scanner := scan.NewScanner(gateway, batcher, lotTable, exec, scan.Config{
		Universe:        cfg.Universe,
		Trigger:         trigger,
		Resolution:      cfg.Scan.Resolution,
		PrefetchWorkers: cfg.Scan.PrefetchWorkers,
		CandleWorkers:   cfg.Scan.CandleWorkers,
		StrikeStep:      cfg.Scan.StrikeStep,
	})

	return &Session{
		cfg:      cfg,
		gateway:  gateway,
		governor: governor,
		batcher:  batcher,
		ledger:   l,
		monitor:  ledger.NewMonitor(l, batcher, time.Duration(cfg.Monitor.PnLIntervalSec)*time.Second),
		exec:     exec,
		scanner:  scanner,
		lotTable: lotTable,
	}, nil
}

// Start runs the session: lot table refresh, the one-shot scan, then the
// background monitor and account loops. It returns once the scan is done
// and the loops are running; the loops stop when ctx is cancelled.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()

	log.Info().
		Int("universe", len(s.cfg.Universe)).
		Bool("simulated", s.cfg.Simulated).
		Msg("Session starting")

	if err := s.lotTable.Refresh(ctx); err != nil {
		log.Warn().Err(err).Msg("Lot table unavailable, falling back to quote hints")
	}

	// Pre-fetch the previous-day levels now, so the post-trigger window is
	// spent on first candles only.
	s.scanner.Prefetch(ctx)

	if _, err := s.scanner.Run(ctx); err != nil {
		return fmt.Errorf("entry scan: %w", err)
	}

	go s.monitor.Run(ctx)
	go s.accountLoop(ctx)
	return nil
}

// accountLoop refreshes the orderbook and funds tiers on their own
// cadences. A panicking refresh is logged and the loop continues.
func (s *Session) accountLoop(ctx context.Context) {
	orderbookTicker := time.NewTicker(time.Duration(s.cfg.Monitor.OrderbookIntervalSec) * time.Second)
	fundsTicker := time.NewTicker(time.Duration(s.cfg.Monitor.FundsIntervalSec) * time.Second)
	defer orderbookTicker.Stop()
	defer fundsTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-orderbookTicker.C:
			s.safeRefresh(ctx, "orderbook", s.refreshOrderbook)
		case <-fundsTicker.C:
			s.safeRefresh(ctx, "funds", s.refreshFunds)
		}
	}
}

func (s *Session) safeRefresh(ctx context.Context, name string, refresh func(context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("tier", name).Msg("Account refresh panicked")
		}
	}()
	if err := refresh(ctx); err != nil {
		log.Warn().Err(err).Str("tier", name).Msg("Account refresh failed")
	}
}

func (s *Session) refreshOrderbook(ctx context.Context) error {
	orders, err := s.gateway.Orderbook(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.orderbook = orders
	s.mu.Unlock()
	return nil
}

func (s *Session) refreshFunds(ctx context.Context) error {
	funds, err := s.gateway.Funds(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.funds = funds
	s.mu.Unlock()
	return nil
}

// Snapshot assembles the current session view from the ledger, governor,
// scanner, and the cached account tiers.
func (s *Session) Snapshot() Snapshot {
	positions := s.ledger.All()
	rows := make([]Row, 0, len(positions))
	for _, p := range positions {
		rows = append(rows, Row{
			Position:    p,
			PerSharePnL: ledger.PerSharePnL(p),
			TotalPnL:    ledger.TotalPnL(p),
			PnLPercent:  ledger.PnLPercent(p),
		})
	}

	s.mu.RLock()
	funds := s.funds
	orderbook := s.orderbook
	s.mu.RUnlock()

	return Snapshot{
		Rows:        rows,
		Totals:      ledger.Aggregate(positions),
		RateUsage:   s.governor.Usage(),
		ScanState:   s.scanner.State(),
		ScanSummary: s.scanner.Summary(),
		Funds:       funds,
		Orderbook:   orderbook,
		Live:        s.exec.Live(),
		Timestamp:   time.Now(),
	}
}

// Refresh runs one quote pass for the running positions and returns the
// resulting snapshot. The pass goes through the 5s response cache, so the
// 1s presentation cadence stays cheap between real price moves.
func (s *Session) Refresh(ctx context.Context) Snapshot {
	s.monitor.Tick(ctx)
	return s.Snapshot()
}

// ExitPosition closes one position by underlying.
func (s *Session) ExitPosition(ctx context.Context, underlying string) error {
	return s.exec.ExitPosition(ctx, underlying)
}

// ExitAll closes every running position, best effort.
func (s *Session) ExitAll(ctx context.Context) []executor.ExitResult {
	return s.exec.ExitAll(ctx)
}

// SetLive toggles live trading for subsequent orders.
func (s *Session) SetLive(live bool) {
	s.exec.SetLive(live)
}
