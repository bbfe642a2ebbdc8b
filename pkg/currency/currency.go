package currency

import (
	"fmt"
	"strings"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

// Formatter renders ledger amounts for display. Ledgers store plain decimals;
// the currency only exists at the edges.
type Formatter struct {
	cur *money.Currency
}

// New resolves an ISO 4217 code such as "USD".
func New(code string) (*Formatter, error) {
	normalized := strings.ToUpper(strings.TrimSpace(code))
	cur := money.GetCurrency(normalized)
	if cur == nil {
		return nil, fmt.Errorf("unknown currency code %q", code)
	}
	return &Formatter{cur: cur}, nil
}

func (f *Formatter) Code() string {
	return f.cur.Code
}

func (f *Formatter) Symbol() string {
	return f.cur.Grapheme
}

// Display formats amount rounded to the currency's minor unit, e.g. "-$75.00".
func (f *Formatter) Display(amount decimal.Decimal) string {
	minor := amount.Shift(int32(f.cur.Fraction)).Round(0).IntPart()
	return f.cur.Formatter().Format(minor)
}
