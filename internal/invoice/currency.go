package invoice

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

type Currency string

const (
	CurrencyTON  Currency = "TON"
	CurrencyXTR  Currency = "XTR"
	CurrencyUSDT Currency = "USDT"
)

type currencyInfo struct {
	decimals int32
	// crypto currencies settle through ledger transfers carrying the token as memo.
	crypto bool
}

var currencies = map[Currency]currencyInfo{
	CurrencyTON:  {decimals: 9, crypto: true},
	CurrencyXTR:  {decimals: 0, crypto: false},
	CurrencyUSDT: {decimals: 6, crypto: true},
}

func (c Currency) Valid() bool {
	_, ok := currencies[c]
	return ok
}

func (c Currency) Crypto() bool {
	return currencies[c].crypto
}

func (c Currency) Platform() bool {
	return c == CurrencyXTR
}

func (c Currency) Decimals() int32 {
	return currencies[c].decimals
}

var maxUnits = decimal.NewFromInt(math.MaxInt64)

// ParseAmount converts a human amount such as "1.25" into smallest units.
// Amounts with more precision than the currency supports are rejected.
func ParseAmount(c Currency, raw string) (int64, error) {
	info, ok := currencies[c]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownCurrency, c)
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a number", ErrInvalidAmount, raw)
	}
	units := d.Shift(info.decimals)
	if !units.Equal(units.Truncate(0)) {
		return 0, fmt.Errorf("%w: %q exceeds %d decimals of %s", ErrInvalidAmount, raw, info.decimals, c)
	}
	if units.Sign() <= 0 {
		return 0, ErrInvalidAmount
	}
	if units.GreaterThan(maxUnits) {
		return 0, fmt.Errorf("%w: %q overflows %s units", ErrInvalidAmount, raw, c)
	}
	return units.IntPart(), nil
}

// FormatAmount renders smallest units as a fixed-point string.
func FormatAmount(c Currency, units int64) string {
	return decimal.New(units, -currencies[c].decimals).String()
}
