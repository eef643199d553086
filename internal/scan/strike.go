package scan

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/sawpanic/fnorun/internal/ledger"
)

// ATMStrike rounds a spot price to the nearest strike on the step grid.
// Halfway prices round away from zero, so 2125 on a 50 step becomes 2150.
func ATMStrike(spot float64, step int) int {
	if step <= 0 {
		step = 50
	}
	return int(math.Round(spot/float64(step))) * step
}

// OptionSymbol builds the exchange symbol for the current-month contract,
// e.g. NSE:SBIN25SEP2150CE.
func OptionSymbol(underlying string, at time.Time, strike int, side ledger.Side) string {
	yy := at.Year() % 100
	mon := strings.ToUpper(at.Format("Jan"))
	return fmt.Sprintf("NSE:%s%02d%s%d%s", strings.ToUpper(underlying), yy, mon, strike, side)
}

// EquitySymbol builds the cash-segment symbol, e.g. NSE:SBIN-EQ.
func EquitySymbol(underlying string) string {
	return fmt.Sprintf("NSE:%s-EQ", strings.ToUpper(underlying))
}
