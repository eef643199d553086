package scan

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/fnorun/internal/broker"
	"github.com/sawpanic/fnorun/internal/ledger"
	"github.com/sawpanic/fnorun/internal/lots"
	"github.com/sawpanic/fnorun/internal/metrics"
)

// State of the scan lifecycle. The scan runs exactly once per session.
type State string

const (
	StateIdle       State = "IDLE"
	StateWaiting    State = "WAITING"
	StateFetching   State = "FETCHING"
	StateEvaluating State = "EVALUATING"
	StateDone       State = "DONE"
)

// ErrAlreadyRan reports a second Run invocation on the same scanner.
var ErrAlreadyRan = errors.New("scan already ran this session")

// Market open and the window in which the first candle must start.
const (
	marketOpenHour    = 9
	marketOpenMinute  = 15
	firstCandleWindow = 15 * time.Minute
)

// QuoteSource delivers batched option quotes for the qualified set.
type QuoteSource interface {
	Quotes(ctx context.Context, symbols []string) (map[string]broker.Quote, error)
}

// EntryPlacer opens a position for a qualified underlying.
type EntryPlacer interface {
	PlaceEntry(ctx context.Context, p ledger.Position) error
}

// Summary counts the outcome of one scan pass.
type Summary struct {
	Total            int       `json:"total"`
	QualifiedCE      int       `json:"qualified_ce"`
	QualifiedPE      int       `json:"qualified_pe"`
	NoPrevDay        int       `json:"no_prev_day"`
	NoFirstCandle    int       `json:"no_first_candle"`
	FailedConditions int       `json:"failed_conditions"`
	DroppedNoPrice   int       `json:"dropped_no_price"`
	EntryFailed      int       `json:"entry_failed"`
	StartedAt        time.Time `json:"started_at"`
	FinishedAt       time.Time `json:"finished_at"`
}

// Config holds the scan parameters.
type Config struct {
	Universe        []string
	Trigger         time.Time // wall-clock time of day
	Resolution      string
	PrefetchWorkers int
	CandleWorkers   int
	StrikeStep      int
}

// Scanner runs the one-shot entry scan: wait for the trigger, fetch
// previous-day levels and first candles for the universe, qualify each
// underlying, and open positions for the qualified set.
type Scanner struct {
	gateway broker.Gateway
	source  QuoteSource
	lots    lots.Provider
	entries EntryPlacer
	cfg     Config

	mu      sync.Mutex
	state   State
	ran     bool
	prevDay map[string]DayLevels
	summary Summary

	now func() time.Time
}

// NewScanner wires a scanner over the gateway and entry path.
func NewScanner(gateway broker.Gateway, source QuoteSource, lotProvider lots.Provider, entries EntryPlacer, cfg Config) *Scanner {
	if cfg.PrefetchWorkers <= 0 {
		cfg.PrefetchWorkers = 10
	}
	if cfg.CandleWorkers <= 0 {
		cfg.CandleWorkers = 15
	}
	if cfg.StrikeStep <= 0 {
		cfg.StrikeStep = 50
	}
	if cfg.Resolution == "" {
		cfg.Resolution = "3"
	}
	return &Scanner{
		gateway: gateway,
		source:  source,
		lots:    lotProvider,
		entries: entries,
		cfg:     cfg,
		state:   StateIdle,
		prevDay: make(map[string]DayLevels),
		now:     time.Now,
	}
}

// State returns the current lifecycle state.
func (s *Scanner) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Summary returns the scan outcome. Zero until the scan reaches DONE.
func (s *Scanner) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.summary
}

func (s *Scanner) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	log.Info().Str("state", string(state)).Msg("Scan state")
}

// Run executes the full scan once. A second invocation fails with
// ErrAlreadyRan regardless of the first run's outcome.
func (s *Scanner) Run(ctx context.Context) (Summary, error) {
	s.mu.Lock()
	if s.ran {
		s.mu.Unlock()
		return Summary{}, ErrAlreadyRan
	}
	s.ran = true
	s.mu.Unlock()

	s.setState(StateWaiting)
	if err := s.waitForTrigger(ctx); err != nil {
		return Summary{}, err
	}

	started := s.now()

	s.setState(StateFetching)
	candles := s.fetchFirstCandles(ctx)

	s.setState(StateEvaluating)
	summary := s.evaluate(ctx, candles)
	summary.StartedAt = started
	summary.FinishedAt = s.now()

	s.mu.Lock()
	s.summary = summary
	s.mu.Unlock()
	s.setState(StateDone)

	log.Info().
		Int("total", summary.Total).
		Int("ce", summary.QualifiedCE).
		Int("pe", summary.QualifiedPE).
		Int("no_prev_day", summary.NoPrevDay).
		Int("no_first_candle", summary.NoFirstCandle).
		Int("dropped_no_price", summary.DroppedNoPrice).
		Msg("Scan complete")
	return summary, nil
}

// waitForTrigger blocks until today's trigger time. Past triggers fire
// immediately.
func (s *Scanner) waitForTrigger(ctx context.Context) error {
	now := s.now()
	trigger := time.Date(now.Year(), now.Month(), now.Day(),
		s.cfg.Trigger.Hour(), s.cfg.Trigger.Minute(), s.cfg.Trigger.Second(), 0, now.Location())

	wait := trigger.Sub(now)
	if wait <= 0 {
		log.Info().Time("trigger", trigger).Msg("Trigger time already past, scanning immediately")
		return nil
	}

	log.Info().Time("trigger", trigger).Dur("wait", wait).Msg("Waiting for scan trigger")
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}

// Prefetch fills the previous-day cache for the whole universe with a
// bounded worker pool. It runs at session start, before the trigger wait,
// so the post-trigger window is not spent on history calls. Failures are
// tolerated; evaluation retries misses on demand.
func (s *Scanner) Prefetch(ctx context.Context) {
	sem := make(chan struct{}, s.cfg.PrefetchWorkers)
	var wg sync.WaitGroup

	for _, underlying := range s.cfg.Universe {
		wg.Add(1)
		sem <- struct{}{}
		go func(u string) {
			defer wg.Done()
			defer func() { <-sem }()
			if _, err := s.prevDayLevels(ctx, u); err != nil {
				log.Debug().Err(err).Str("underlying", u).Msg("Prev-day prefetch miss")
			}
		}(underlying)
	}
	wg.Wait()
}

// prevDayLevels returns the previous trading day's high/low, memoized per
// underlying for the session.
func (s *Scanner) prevDayLevels(ctx context.Context, underlying string) (DayLevels, error) {
	s.mu.Lock()
	if levels, ok := s.prevDay[underlying]; ok {
		s.mu.Unlock()
		return levels, nil
	}
	s.mu.Unlock()

	now := s.now()
	candles, err := s.gateway.History(ctx, EquitySymbol(underlying), "D",
		now.AddDate(0, 0, -7), now.AddDate(0, 0, -1))
	if err != nil {
		return DayLevels{}, err
	}
	if len(candles) == 0 {
		return DayLevels{}, errors.New("no daily candles in lookback")
	}

	last := candles[len(candles)-1]
	levels := DayLevels{High: last.High, Low: last.Low}

	s.mu.Lock()
	s.prevDay[underlying] = levels
	s.mu.Unlock()
	return levels, nil
}

// fetchFirstCandles pulls today's first intraday candle for every
// underlying with a bounded worker pool.
func (s *Scanner) fetchFirstCandles(ctx context.Context) map[string]broker.Candle {
	sem := make(chan struct{}, s.cfg.CandleWorkers)
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	candles := make(map[string]broker.Candle, len(s.cfg.Universe))

	for _, underlying := range s.cfg.Universe {
		wg.Add(1)
		sem <- struct{}{}
		go func(u string) {
			defer wg.Done()
			defer func() { <-sem }()
			candle, err := s.firstCandle(ctx, u)
			if err != nil {
				log.Debug().Err(err).Str("underlying", u).Msg("First candle unavailable")
				return
			}
			mu.Lock()
			candles[u] = candle
			mu.Unlock()
		}(underlying)
	}
	wg.Wait()
	return candles
}

// firstCandle fetches today's history and returns the first candle, but
// only if it starts within the opening window.
func (s *Scanner) firstCandle(ctx context.Context, underlying string) (broker.Candle, error) {
	now := s.now()
	open := time.Date(now.Year(), now.Month(), now.Day(),
		marketOpenHour, marketOpenMinute, 0, 0, now.Location())

	candles, err := s.gateway.History(ctx, EquitySymbol(underlying), s.cfg.Resolution, now, now)
	if err != nil {
		return broker.Candle{}, err
	}
	if len(candles) == 0 {
		return broker.Candle{}, errors.New("no intraday candles")
	}

	first := candles[0]
	if first.Timestamp.Before(open) || first.Timestamp.Sub(open) >= firstCandleWindow {
		return broker.Candle{}, errors.New("first candle outside opening window")
	}
	return first, nil
}

// evaluate qualifies each underlying, derives option symbols for the
// qualified set, prices them in one combined batch, and opens positions.
func (s *Scanner) evaluate(ctx context.Context, candles map[string]broker.Candle) Summary {
	summary := Summary{Total: len(s.cfg.Universe)}

	type match struct {
		underlying string
		side       ledger.Side
		candle     broker.Candle
		strike     int
		symbol     string
	}
	var matches []match

	now := s.now()
	for _, underlying := range s.cfg.Universe {
		candle, ok := candles[underlying]
		if !ok {
			summary.NoFirstCandle++
			continue
		}
		prev, err := s.prevDayLevels(ctx, underlying)
		if err != nil {
			summary.NoPrevDay++
			continue
		}
		side, ok := Qualify(candle, prev)
		if !ok {
			summary.FailedConditions++
			continue
		}

		strike := ATMStrike(candle.Close, s.cfg.StrikeStep)
		symbol := OptionSymbol(underlying, now, strike, side)
		matches = append(matches, match{underlying, side, candle, strike, symbol})

		metrics.Default().ScanQualified.WithLabelValues(string(side)).Inc()
		log.Info().
			Str("underlying", underlying).
			Str("side", string(side)).
			Str("option", symbol).
			Float64("spot", candle.Close).
			Msg("Underlying qualified")
	}

	if len(matches) == 0 {
		return summary
	}

	symbols := make([]string, 0, len(matches))
	for _, m := range matches {
		symbols = append(symbols, m.symbol)
	}

	// One combined quote batch prices every derived option.
	optionQuotes, err := s.source.Quotes(ctx, symbols)
	if err != nil {
		log.Error().Err(err).Msg("Option quote batch failed, dropping all matches")
		optionQuotes = nil
	}

	for _, m := range matches {
		quote, ok := optionQuotes[m.symbol]
		if !ok || quote.LastPrice <= 0 {
			summary.DroppedNoPrice++
			log.Warn().Str("option", m.symbol).Msg("Option price unavailable, match dropped")
			continue
		}

		position := ledger.Position{
			Underlying:   m.underlying,
			OptionSymbol: m.symbol,
			Side:         m.side,
			Strike:       m.strike,
			LotSize:      lots.Lookup(s.lots, m.underlying, quote.LotSizeHint),
			EntryPrice:   quote.LastPrice,
			EntryTime:    s.now(),
			SpotAtEntry:  m.candle.Close,
			LastPrice:    quote.LastPrice,
		}
		if err := s.entries.PlaceEntry(ctx, position); err != nil {
			summary.EntryFailed++
			log.Error().Err(err).Str("option", m.symbol).Msg("Entry failed")
			continue
		}

		if m.side == ledger.SideCE {
			summary.QualifiedCE++
		} else {
			summary.QualifiedPE++
		}
	}
	return summary
}
