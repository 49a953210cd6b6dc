// Package fixed implements exact 8-decimal fixed-point arithmetic for
// prices, quantities and notional amounts. One Amount unit is 10^-8 of the
// asset; all internal arithmetic is integer arithmetic with explicit
// overflow checks. Parsing and addition never round; the multiplying
// helpers (MulPrice, MulBps, MulDiv) truncate toward zero any digits past
// the eighth decimal place.
package fixed

import (
	"errors"
	"math"
	"math/bits"

	"github.com/shopspring/decimal"
)

// Scale is the number of fixed-point units per whole asset unit.
const Scale = 100_000_000

var (
	ErrOverflow   = errors.New("fixed: amount overflow")
	ErrNegative   = errors.New("fixed: negative amount")
	ErrMalformed  = errors.New("fixed: malformed decimal string")
	ErrTooPrecise = errors.New("fixed: more than 8 fractional digits")
)

// Amount is a signed fixed-point quantity with 8 fractional digits.
// Multiplications run through 128-bit intermediates, so they do not
// overflow before scaling back; the scaled result is truncated toward zero.
type Amount int64

// MaxAmount is the largest representable amount.
const MaxAmount = Amount(math.MaxInt64)

// Add returns a+b, failing on signed overflow.
func Add(a, b Amount) (Amount, error) {
	sum := a + b
	if (a > 0 && b > 0 && sum < 0) || (a < 0 && b < 0 && sum >= 0) {
		return 0, ErrOverflow
	}
	return sum, nil
}

// Sub returns a-b, failing on signed overflow.
func Sub(a, b Amount) (Amount, error) {
	if b == math.MinInt64 {
		return 0, ErrOverflow
	}
	return Add(a, -b)
}

// MulPrice returns price*qty scaled back to fixed point, i.e. the notional
// of qty units traded at price. Both operands must be non-negative. The
// 128-bit intermediate product is divided by Scale with truncation toward
// zero, so a notional with more than 8 fractional digits loses the excess
// (price 100.01 times qty 0.00000001 gives 0.000001).
func MulPrice(price, qty Amount) (Amount, error) {
	if price < 0 || qty < 0 {
		return 0, ErrNegative
	}
	hi, lo := bits.Mul64(uint64(price), uint64(qty))
	if hi >= Scale {
		return 0, ErrOverflow
	}
	quo, _ := bits.Div64(hi, lo, Scale)
	if quo > math.MaxInt64 {
		return 0, ErrOverflow
	}
	return Amount(quo), nil
}

// MulBps returns a scaled by the given basis points (1 bps = 1/10000),
// truncating toward zero. Used for protection-band price bounds.
func MulBps(a Amount, bps int64) (Amount, error) {
	if a < 0 || bps < 0 {
		return 0, ErrNegative
	}
	hi, lo := bits.Mul64(uint64(a), uint64(bps))
	if hi >= 10_000 {
		return 0, ErrOverflow
	}
	quo, _ := bits.Div64(hi, lo, 10_000)
	if quo > math.MaxInt64 {
		return 0, ErrOverflow
	}
	return Amount(quo), nil
}

// MulDiv returns a*b/d with a 128-bit intermediate product, truncating
// toward zero. All operands must be non-negative and d positive.
func MulDiv(a, b, d Amount) (Amount, error) {
	if a < 0 || b < 0 {
		return 0, ErrNegative
	}
	if d <= 0 {
		return 0, ErrOverflow
	}
	hi, lo := bits.Mul64(uint64(a), uint64(b))
	if hi >= uint64(d) {
		return 0, ErrOverflow
	}
	quo, _ := bits.Div64(hi, lo, uint64(d))
	if quo > math.MaxInt64 {
		return 0, ErrOverflow
	}
	return Amount(quo), nil
}

// AlignedTo reports whether a is an exact multiple of step. A zero step
// accepts everything.
func (a Amount) AlignedTo(step Amount) bool {
	if step <= 0 {
		return true
	}
	return a%step == 0
}

// Parse converts a decimal string with up to 8 fractional digits into an
// Amount. Only used on configuration and text surfaces, never on the
// matching path.
func Parse(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, ErrMalformed
	}
	scaled := d.Shift(8)
	if !scaled.IsInteger() {
		return 0, ErrTooPrecise
	}
	if !scaled.BigInt().IsInt64() {
		return 0, ErrOverflow
	}
	return Amount(scaled.IntPart()), nil
}

// MustParse is Parse for compile-time-constant literals in tests and
// configuration defaults. Panics on error.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic("fixed: " + s + ": " + err.Error())
	}
	return a
}

// String renders the amount as a decimal string with up to 8 fractional
// digits, trailing zeros trimmed.
func (a Amount) String() string {
	return decimal.New(int64(a), -8).String()
}
