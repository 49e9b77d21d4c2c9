// Package pricefeed converts raw asset amounts into USD using an external
// price source, and refuses to do so on prices it cannot confirm as fresh.
package pricefeed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/wreckage-engine/internal/model"
)

// Price is a unit price observation.
type Price struct {
	Asset string          `json:"asset"`
	USD   decimal.Decimal `json:"usd"`
	AsOf  time.Time       `json:"as_of"`
}

// Quote is a priced amount.
type Quote struct {
	Asset     string          `json:"asset"`
	Amount    decimal.Decimal `json:"amount"`
	Decimals  int32           `json:"decimals"`
	UnitUSD   decimal.Decimal `json:"unit_usd"`
	AmountUSD decimal.Decimal `json:"amount_usd"`
	AsOf      time.Time       `json:"as_of"`
}

// Feed is a source of unit prices.
type Feed interface {
	Price(ctx context.Context, asset string) (Price, error)
}

// Value converts a raw amount with the given precision to USD at p.
func Value(p Price, amount decimal.Decimal, decimals int32) Quote {
	units := amount.Shift(-decimals)
	return Quote{
		Asset:     p.Asset,
		Amount:    amount,
		Decimals:  decimals,
		UnitUSD:   p.USD,
		AmountUSD: units.Mul(p.USD).Round(8),
		AsOf:      p.AsOf,
	}
}

// StaticFeed serves fixed prices, always stamped with the current time.
type StaticFeed struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
	now    func() time.Time
}

// NewStaticFeed creates a feed from a symbol → USD map.
func NewStaticFeed(prices map[string]decimal.Decimal) *StaticFeed {
	f := &StaticFeed{
		prices: make(map[string]decimal.Decimal, len(prices)),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for k, v := range prices {
		f.prices[k] = v
	}
	return f
}

// Set updates one price.
func (f *StaticFeed) Set(asset string, usd decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[asset] = usd
}

func (f *StaticFeed) Price(_ context.Context, asset string) (Price, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	usd, ok := f.prices[asset]
	if !ok {
		return Price{}, fmt.Errorf("price %s: %w", asset, model.ErrNotFound)
	}
	return Price{Asset: asset, USD: usd, AsOf: f.now()}, nil
}
