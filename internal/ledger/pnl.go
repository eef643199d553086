package ledger

// PerSharePnL is the current price move against entry for one unit.
func PerSharePnL(p Position) float64 {
	return p.LastPrice - p.EntryPrice
}

// TotalPnL is the position PnL across its full lot.
func TotalPnL(p Position) float64 {
	return PerSharePnL(p) * float64(p.LotSize)
}

// PnLPercent is the price move relative to entry. Zero entry yields zero.
func PnLPercent(p Position) float64 {
	if p.EntryPrice == 0 {
		return 0
	}
	return PerSharePnL(p) / p.EntryPrice * 100
}

// SideTotals aggregates the RUNNING positions of one side.
type SideTotals struct {
	Count        int     `json:"count"`
	Invested     float64 `json:"invested"`
	CurrentValue float64 `json:"current_value"`
	PnL          float64 `json:"pnl"`
}

// Totals is the aggregate view across all RUNNING positions.
type Totals struct {
	CE         SideTotals `json:"ce"`
	PE         SideTotals `json:"pe"`
	PnL        float64    `json:"pnl"`
	PnLPercent float64    `json:"pnl_percent"`
}

// Aggregate computes per-side and overall totals over RUNNING positions.
// Overall PnL percent is guarded to zero when nothing is invested.
func Aggregate(positions []Position) Totals {
	var t Totals
	for _, p := range positions {
		if p.Status != StatusRunning {
			continue
		}
		invested := p.EntryPrice * float64(p.LotSize)
		current := p.LastPrice * float64(p.LotSize)

		side := &t.CE
		if p.Side == SidePE {
			side = &t.PE
		}
		side.Count++
		side.Invested += invested
		side.CurrentValue += current
		side.PnL += current - invested
	}

	t.PnL = t.CE.PnL + t.PE.PnL
	invested := t.CE.Invested + t.PE.Invested
	if invested > 0 {
		t.PnLPercent = t.PnL / invested * 100
	}
	return t
}
