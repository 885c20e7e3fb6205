// Package fixedpoint converts decimal strings into scaled int64 values
// without going through binary floating point.
package fixedpoint

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// DefaultPrecision is the number of significant digits kept when scaling.
const DefaultPrecision = 50

var ErrNotPowerOfTen = errors.New("scale must be a positive power of ten")

// ParseError reports a value that could not be converted.
type ParseError struct {
	Input string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("fixedpoint: cannot parse %q: %v", e.Input, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

var errOutOfRange = errors.New("scaled value out of int64 range")

// maxIntDigits is the decimal exponent at which a value no longer fits int64.
const maxIntDigits = 19

// Codec scales decimal strings by a fixed power of ten.
type Codec struct {
	scale     int64
	exponent  int32
	precision int
}

// New returns a Codec for scale (10^n) that rounds the scaled value to
// precision significant digits before rounding to an integer.
func New(scale int64, precision int) (*Codec, error) {
	if scale <= 0 {
		return nil, ErrNotPowerOfTen
	}
	exp := int32(0)
	for v := scale; v != 1; v /= 10 {
		if v%10 != 0 {
			return nil, ErrNotPowerOfTen
		}
		exp++
	}
	if precision <= 0 {
		return nil, fmt.Errorf("fixedpoint: precision must be positive, got %d", precision)
	}
	return &Codec{scale: scale, exponent: exp, precision: precision}, nil
}

// MustNew is New for package-level codecs with constant arguments.
func MustNew(scale int64, precision int) *Codec {
	c, err := New(scale, precision)
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Codec) Scale() int64 { return c.scale }

func (c *Codec) Precision() int { return c.precision }

// Decode returns round-half-even(s × scale).
func (c *Codec) Decode(s string) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, &ParseError{Input: s, Err: err}
	}

	// Bound the magnitude before any rescale: exponents like 1e200000000
	// would otherwise materialize enormous big.Int values.
	if coef := d.Coefficient(); coef.Sign() != 0 {
		digits := int64(len(new(big.Int).Abs(coef).String()))
		top := int64(d.Exponent()) + int64(c.exponent) + digits - 1
		if top >= maxIntDigits {
			return 0, &ParseError{Input: s, Err: errOutOfRange}
		}
		if top < -1 {
			// |scaled| < 0.1 always rounds to zero
			return 0, nil
		}
	}

	scaled := roundSignificant(d.Shift(c.exponent), c.precision).RoundBank(0)

	bi := scaled.BigInt()
	if !bi.IsInt64() {
		return 0, &ParseError{Input: s, Err: errOutOfRange}
	}
	return bi.Int64(), nil
}

// roundSignificant keeps at most digits significant digits of d, rounding
// half to even.
func roundSignificant(d decimal.Decimal, digits int) decimal.Decimal {
	coef := d.Coefficient()
	if coef.Sign() == 0 {
		return d
	}
	n := len(new(big.Int).Abs(coef).String())
	if n <= digits {
		return d
	}
	// the least significant kept digit sits at 10^(exp+n-digits)
	places := -(d.Exponent() + int32(n-digits))
	return d.RoundBank(places)
}

// Decode scales s with DefaultPrecision.
func Decode(s string, scale int64) (int64, error) {
	c, err := New(scale, DefaultPrecision)
	if err != nil {
		return 0, err
	}
	return c.Decode(s)
}
