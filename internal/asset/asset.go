// Package asset validates asset symbols and holds the registry of assets
// the engine accepts wreckage for.
package asset

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/atmx/wreckage-engine/internal/model"
)

// MaxDecimals bounds the precision an asset may declare.
const MaxDecimals = 36

// symbolRegex matches 2-10 character tickers starting with a letter: BTC, USDC.
var symbolRegex = regexp.MustCompile(`^[A-Z][A-Z0-9]{1,9}$`)

// Asset is a supported asset and the precision its raw amounts use.
type Asset struct {
	Symbol   string `json:"symbol" toml:"symbol"`
	Decimals int32  `json:"decimals" toml:"decimals"`
}

// ParseSymbol normalizes and validates an asset symbol.
func ParseSymbol(s string) (string, error) {
	sym := strings.ToUpper(strings.TrimSpace(s))
	if !symbolRegex.MatchString(sym) {
		return "", fmt.Errorf("%w: asset symbol %q (expected 2-10 upper-case alphanumerics)", model.ErrInvalidInput, s)
	}
	return sym, nil
}

// Registry is the fixed set of known assets. It is built once at startup
// and read-only afterwards.
type Registry struct {
	assets map[string]Asset
}

// NewRegistry validates and indexes the given assets.
func NewRegistry(assets ...Asset) (*Registry, error) {
	r := &Registry{assets: make(map[string]Asset, len(assets))}
	for _, a := range assets {
		sym, err := ParseSymbol(a.Symbol)
		if err != nil {
			return nil, err
		}
		if a.Decimals < 0 || a.Decimals > MaxDecimals {
			return nil, fmt.Errorf("%w: asset %s decimals must be in [0, %d]", model.ErrInvalidInput, sym, MaxDecimals)
		}
		if _, dup := r.assets[sym]; dup {
			return nil, fmt.Errorf("%w: asset %s listed twice", model.ErrInvalidInput, sym)
		}
		a.Symbol = sym
		r.assets[sym] = a
	}
	return r, nil
}

// Lookup returns the asset for a symbol.
func (r *Registry) Lookup(symbol string) (Asset, error) {
	sym, err := ParseSymbol(symbol)
	if err != nil {
		return Asset{}, err
	}
	a, ok := r.assets[sym]
	if !ok {
		return Asset{}, fmt.Errorf("asset %s: %w", sym, model.ErrUnknownAsset)
	}
	return a, nil
}

// Resolve looks up symbol and checks the caller's declared precision.
// A zero decimals value means "use the registry's".
func (r *Registry) Resolve(symbol string, decimals int32) (Asset, error) {
	a, err := r.Lookup(symbol)
	if err != nil {
		return Asset{}, err
	}
	if decimals != 0 && decimals != a.Decimals {
		return Asset{}, fmt.Errorf("%w: asset %s has %d decimals, got %d",
			model.ErrInvalidInput, a.Symbol, a.Decimals, decimals)
	}
	return a, nil
}

// List returns all assets in symbol order.
func (r *Registry) List() []Asset {
	out := make([]Asset, 0, len(r.assets))
	for _, a := range r.assets {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
