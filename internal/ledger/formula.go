// Package ledger mints credits against a global supply cap and keeps the
// append-only mint record log.
//
// All monetary values use shopspring/decimal, never float64.
// The formula is a pure function of (amount, path, efficiency, native); the
// only state the ledger consults is current supply, for the cap check.
package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/wreckage-engine/internal/model"
)

var (
	// Path multipliers applied to the USD input.
	RateBase  = decimal.RequireFromString("0.5")
	RateRails = decimal.RequireFromString("1.2")
	RateP2P   = decimal.RequireFromString("1.4")

	// Bonus components, summed then applied as base * (1 + bonus).
	NativeBonus     = decimal.RequireFromString("0.5")
	EfficiencyBonus = decimal.RequireFromString("0.3") // scaled by efficiency score
	LiquidityBonus  = decimal.RequireFromString("0.6") // any non-base path

	// MintScale is the number of decimal places minted amounts are rounded to.
	MintScale int32 = 8

	one = decimal.NewFromInt(1)
)

// Rate returns the multiplier for a settlement path.
func Rate(k model.PathKind) (decimal.Decimal, error) {
	switch k {
	case model.PathBase:
		return RateBase, nil
	case model.PathRails:
		return RateRails, nil
	case model.PathP2P:
		return RateP2P, nil
	}
	return decimal.Zero, fmt.Errorf("%w: unknown path kind %q", model.ErrInvalidInput, k)
}

// Bonus returns the stacked bonus for a mint.
func Bonus(k model.PathKind, efficiency decimal.Decimal, native bool) decimal.Decimal {
	bonus := EfficiencyBonus.Mul(efficiency)
	if native {
		bonus = bonus.Add(NativeBonus)
	}
	if k != model.PathBase {
		bonus = bonus.Add(LiquidityBonus)
	}
	return bonus
}

// ComputeMint evaluates amount * rate(path) * (1 + bonus).
//
//	base  = amountUSD * rate(path)
//	bonus = native(0.5) + 0.3 * efficiency + liquidity(0.6, non-base only)
func ComputeMint(amountUSD decimal.Decimal, k model.PathKind, efficiency decimal.Decimal, native bool) (decimal.Decimal, error) {
	if !amountUSD.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: amount_usd must be positive, got %s", model.ErrInvalidInput, amountUSD)
	}
	if efficiency.IsNegative() || efficiency.GreaterThan(one) {
		return decimal.Zero, fmt.Errorf("%w: efficiency must be in [0, 1], got %s", model.ErrInvalidInput, efficiency)
	}
	rate, err := Rate(k)
	if err != nil {
		return decimal.Zero, err
	}
	base := amountUSD.Mul(rate)
	return base.Mul(one.Add(Bonus(k, efficiency, native))).Round(MintScale), nil
}
