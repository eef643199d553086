package ledger

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/fnorun/internal/metrics"
)

// Side is the option side derived from the entry signal.
type Side string

const (
	SideCE Side = "CE"
	SidePE Side = "PE"
)

// Status of a position. The only transition is RUNNING to EXITED.
type Status string

const (
	StatusRunning Status = "RUNNING"
	StatusExited  Status = "EXITED"
)

// Trading modes, recorded on each position at entry.
const (
	ModeSimulated = "simulated"
	ModeLive      = "live"
)

// Position is one tracked option position, keyed by underlying.
type Position struct {
	Underlying   string
	OptionSymbol string
	Side         Side
	Strike       int
	LotSize      int
	EntryPrice   float64
	EntryTime    time.Time
	SpotAtEntry  float64
	Mode         string
	OrderID      string

	Status    Status
	ExitPrice float64
	ExitTime  time.Time

	// LastPrice is the latest observed option price. Stale marks rows
	// whose price did not refresh on the most recent pass.
	LastPrice float64
	Stale     bool
}

// Ledger owns the position records for one session. The scanner inserts,
// the monitor updates prices, the executor drives status transitions.
type Ledger struct {
	mu        sync.RWMutex
	positions map[string]*Position // keyed by underlying
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{positions: make(map[string]*Position)}
}

// Insert records a new RUNNING position. At most one position per
// underlying per session.
func (l *Ledger) Insert(p Position) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.positions[p.Underlying]; exists {
		return fmt.Errorf("position already exists for %s", p.Underlying)
	}

	p.Status = StatusRunning
	if p.LastPrice == 0 {
		p.LastPrice = p.EntryPrice
	}
	l.positions[p.Underlying] = &p

	metrics.Default().OpenPositions.Inc()
	log.Info().
		Str("underlying", p.Underlying).
		Str("option", p.OptionSymbol).
		Str("side", string(p.Side)).
		Float64("entry", p.EntryPrice).
		Int("lot", p.LotSize).
		Msg("Position opened")
	return nil
}

// Get returns the position for an underlying.
func (l *Ledger) Get(underlying string) (Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.positions[underlying]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

// Running returns copies of all RUNNING positions, sorted by underlying.
func (l *Ledger) Running() []Position {
	return l.snapshot(func(p *Position) bool { return p.Status == StatusRunning })
}

// All returns copies of every position, exited rows included.
func (l *Ledger) All() []Position {
	return l.snapshot(func(p *Position) bool { return true })
}

func (l *Ledger) snapshot(keep func(*Position) bool) []Position {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Position, 0, len(l.positions))
	for _, p := range l.positions {
		if keep(p) {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Underlying < out[j].Underlying })
	return out
}

// SetOrderID backfills the broker's order id once the entry order is
// acknowledged. Unknown underlyings are ignored.
func (l *Ledger) SetOrderID(underlying, orderID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if p, ok := l.positions[underlying]; ok {
		p.OrderID = orderID
	}
}

// MarkExited transitions a RUNNING position to EXITED. Exiting an unknown
// or already-exited position fails and leaves the ledger unchanged.
func (l *Ledger) MarkExited(underlying string, exitPrice float64, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.positions[underlying]
	if !ok {
		return fmt.Errorf("no position for %s", underlying)
	}
	if p.Status != StatusRunning {
		return fmt.Errorf("position for %s already exited", underlying)
	}

	p.Status = StatusExited
	p.ExitPrice = exitPrice
	p.ExitTime = at
	p.LastPrice = exitPrice
	p.Stale = false

	metrics.Default().OpenPositions.Dec()
	log.Info().
		Str("underlying", underlying).
		Str("option", p.OptionSymbol).
		Float64("exit", exitPrice).
		Float64("pnl", TotalPnL(*p)).
		Msg("Position exited")
	return nil
}

// ApplyQuotes refreshes last prices on RUNNING positions from a quote
// pass. A position whose symbol is missing from prices keeps its last
// known price and is flagged Stale; a price never regresses to zero.
func (l *Ledger) ApplyQuotes(prices map[string]float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, p := range l.positions {
		if p.Status != StatusRunning {
			continue
		}
		if price, ok := prices[p.OptionSymbol]; ok && price > 0 {
			p.LastPrice = price
			p.Stale = false
			continue
		}
		if p.LastPrice == 0 {
			p.LastPrice = p.EntryPrice
		}
		p.Stale = true
	}
}

// OptionSymbols returns the option symbols of all RUNNING positions.
func (l *Ledger) OptionSymbols() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]string, 0, len(l.positions))
	for _, p := range l.positions {
		if p.Status == StatusRunning {
			out = append(out, p.OptionSymbol)
		}
	}
	sort.Strings(out)
	return out
}
