package numeric

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// Rounding selects how Divide discards digits past the target scale.
type Rounding int

const (
	// RoundHalfUp rounds ties away from zero.
	RoundHalfUp Rounding = iota
	// RoundHalfEven rounds ties to the even neighbour.
	RoundHalfEven
	// RoundDown truncates toward zero.
	RoundDown
)

var twoDec = decimal.NewFromInt(2)

func (r Rounding) String() string {
	switch r {
	case RoundHalfUp:
		return "half_up"
	case RoundHalfEven:
		return "half_even"
	case RoundDown:
		return "down"
	default:
		return fmt.Sprintf("rounding(%d)", int(r))
	}
}

// ParseRounding accepts half_up, half_even and down. The empty string is half_up.
func ParseRounding(s string) (Rounding, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "half_up":
		return RoundHalfUp, nil
	case "half_even", "bankers":
		return RoundHalfEven, nil
	case "down", "truncate":
		return RoundDown, nil
	default:
		return RoundHalfUp, fmt.Errorf("unknown rounding mode %q (want half_up, half_even or down)", s)
	}
}

func (r Rounding) divide(x, y decimal.Decimal, places int32) decimal.Decimal {
	switch r {
	case RoundDown:
		q, _ := x.QuoRem(y, places)
		return q
	case RoundHalfEven:
		// q is truncated toward zero; rem carries the dividend's sign.
		q, rem := x.QuoRem(y, places)
		c := rem.Abs().Mul(twoDec).Shift(places).Cmp(y.Abs())
		if c < 0 || (c == 0 && lastDigitEven(q, places)) {
			return q
		}
		step := decimal.New(1, -places)
		if x.Sign()*y.Sign() < 0 {
			return q.Sub(step)
		}
		return q.Add(step)
	default:
		return x.DivRound(y, places)
	}
}

func lastDigitEven(q decimal.Decimal, places int32) bool {
	unscaled := new(big.Int).Abs(q.Shift(places).BigInt())
	return unscaled.Bit(0) == 0
}
