package digits

import (
	"github.com/shopspring/decimal"
)

// AmountFromDigits converts an accepted `amount` buffer to a currency
// value. The buffer is keyed in cents, so "1999" is 19.99.
func AmountFromDigits(buf string) (decimal.Decimal, error) {
	cents, err := decimal.NewFromString(buf)
	if err != nil {
		return decimal.Zero, err
	}
	return cents.Div(decimal.NewFromInt(100)), nil
}
