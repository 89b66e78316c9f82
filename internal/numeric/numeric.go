// Package numeric centralises the decimal arithmetic used by the breaker.
// Precision and rounding are fixed process-wide so repeated evaluations of
// the same inputs always reach the same verdict.
package numeric

import (
	"errors"

	"github.com/shopspring/decimal"
)

// Scale is the fixed digit count kept after a division. Results are
// truncated (floor towards zero), never rounded half-up.
const Scale int32 = 12

// ErrDivisionByZero is returned when a reference value is zero or negative.
var ErrDivisionByZero = errors.New("numeric: division by zero")

var (
	hundred     = decimal.NewFromInt(100)
	msPerHour   = decimal.NewFromInt(3_600_000)
	msPerSecond = decimal.NewFromInt(1_000)
)

// FluctuationPercent computes |price - reference| / reference * 100 with
// fixed truncation. The reference must be strictly positive.
func FluctuationPercent(price, reference decimal.Decimal) (decimal.Decimal, error) {
	if !reference.IsPositive() {
		return decimal.Decimal{}, ErrDivisionByZero
	}
	diff := price.Sub(reference).Abs()
	// Two guard digits before truncation keep the cut deterministic.
	q := diff.Mul(hundred).DivRound(reference, Scale+2)
	return q.Truncate(Scale), nil
}

// HoursToMillis converts a decimal hour count to whole milliseconds,
// truncating any sub-millisecond remainder.
func HoursToMillis(hours decimal.Decimal) int64 {
	return hours.Mul(msPerHour).Truncate(0).IntPart()
}

// SecondsToMillis converts whole seconds to milliseconds.
func SecondsToMillis(seconds int) int64 {
	return decimal.NewFromInt(int64(seconds)).Mul(msPerSecond).IntPart()
}
