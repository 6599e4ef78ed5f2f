package oracle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// Currency is a small numeric code identifying an accounting unit. Codes are
// assigned by the deployment; 0 means "no currency declared".
type Currency uint32

const CurrencyNone Currency = 0

// PriceOracle reports how many units of `to` one unit of `from` is worth.
type PriceOracle interface {
	PriceFor(ctx context.Context, from, to Currency) (decimal.Decimal, error)
}

// ErrNoPrice is returned when an oracle has no rate for a currency pair.
var ErrNoPrice = errors.New("no price for currency pair")

type pair struct {
	from Currency
	to   Currency
}

// Fixed is an in-memory oracle with explicitly set rates. Setting a rate also
// sets the inverse. Identical currencies always convert at 1.
type Fixed struct {
	mu    sync.RWMutex
	rates map[pair]decimal.Decimal
}

func NewFixed() *Fixed {
	return &Fixed{rates: make(map[pair]decimal.Decimal)}
}

func (f *Fixed) Set(from, to Currency, rate decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rates[pair{from, to}] = rate
	if !rate.IsZero() {
		f.rates[pair{to, from}] = decimal.NewFromInt(1).Div(rate)
	}
}

func (f *Fixed) PriceFor(_ context.Context, from, to Currency) (decimal.Decimal, error) {
	if from == to {
		return decimal.NewFromInt(1), nil
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	rate, ok := f.rates[pair{from, to}]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %d -> %d", ErrNoPrice, from, to)
	}
	return rate, nil
}
