package scan

import (
	"math"

	"github.com/sawpanic/fnorun/internal/broker"
	"github.com/sawpanic/fnorun/internal/ledger"
)

// epsilon bounds the open-vs-extreme equality test on the first candle.
const epsilon = 0.01

// DayLevels is the previous trading day's high/low for one underlying.
type DayLevels struct {
	High float64
	Low  float64
}

// Qualify tests the first intraday candle against the previous day's
// levels. CE: opened at the low, gapped under the prior high, closed above
// it. PE: opened at the high, gapped over the prior low, closed below it.
// CE is checked first; a candle never qualifies for both.
func Qualify(c broker.Candle, prev DayLevels) (ledger.Side, bool) {
	if math.Abs(c.Open-c.Low) < epsilon && c.Open < prev.High && c.Close > prev.High {
		return ledger.SideCE, true
	}
	if math.Abs(c.Open-c.High) < epsilon && c.Open > prev.Low && c.Close < prev.Low {
		return ledger.SidePE, true
	}
	return "", false
}
