package numeric

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// Wire is the (precision, scale, sign, digit-sequence) exchange form of a Decimal.
// Digits holds the unscaled coefficient, so 12.50 at NUMERIC(5,2) is "1250".
type Wire struct {
	Precision int32  `json:"precision"`
	Scale     int32  `json:"scale"`
	Negative  bool   `json:"negative"`
	Digits    string `json:"digits"`
}

// Wire returns the exchange form of d.
func (d Decimal) Wire() Wire {
	unscaled := d.value.Shift(d.shape.Scale).BigInt()
	return Wire{
		Precision: d.shape.Precision,
		Scale:     d.shape.Scale,
		Negative:  unscaled.Sign() < 0,
		Digits:    new(big.Int).Abs(unscaled).Text(10),
	}
}

// FromWire rebuilds a Decimal, validating the digits against the declared shape.
func FromWire(w Wire) (Decimal, error) {
	if w.Digits == "" {
		return Decimal{}, fmt.Errorf("numeric wire: empty digit sequence")
	}
	for _, c := range w.Digits {
		if c < '0' || c > '9' {
			return Decimal{}, fmt.Errorf("numeric wire: invalid digit %q", c)
		}
	}
	unscaled, ok := new(big.Int).SetString(w.Digits, 10)
	if !ok {
		return Decimal{}, fmt.Errorf("numeric wire: invalid digit sequence %q", w.Digits)
	}
	if w.Negative {
		unscaled.Neg(unscaled)
	}
	return New(decimal.NewFromBigInt(unscaled, -w.Scale), Shape{Precision: w.Precision, Scale: w.Scale})
}
