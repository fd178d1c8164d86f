package indicator

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Accepted RSI period bounds.
const (
	MinRsiPeriod = 2
	MaxRsiPeriod = 100
)

var (
	ErrBadPeriod        = errors.New("indicator: period out of range")
	ErrInsufficientData = errors.New("indicator: not enough closes")
	ErrBadPrice         = errors.New("indicator: non-positive price")
)

// ValidateRsiInputs checks period bounds, series length and price positivity
// before a full RSI computation.
func ValidateRsiInputs(closes []decimal.Decimal, period int) error {
	if period < MinRsiPeriod || period > MaxRsiPeriod {
		return fmt.Errorf("%w: %d", ErrBadPeriod, period)
	}
	if len(closes) < period+1 {
		return fmt.Errorf("%w: have %d, need %d", ErrInsufficientData, len(closes), period+1)
	}
	for _, c := range closes {
		if !c.IsPositive() {
			return fmt.Errorf("%w: %s", ErrBadPrice, c)
		}
	}
	return nil
}
