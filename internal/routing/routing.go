// Package routing selects the lowest-cost path for an amount across the
// venues of one registry snapshot.
//
// Candidates are every active venue with capacity for the whole amount, and
// (when the hop budget allows) every ordered pair of distinct active venues
// that can each absorb half of it. Capacity is read, never reserved:
// concurrent routes may transiently oversubscribe a venue.
package routing

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/atmx/wreckage-engine/internal/model"
	"github.com/atmx/wreckage-engine/internal/venue"
)

// MaxSupportedHops is the largest path length the optimizer builds.
const MaxSupportedHops = 2

var (
	bpsPerUnit = decimal.NewFromInt(10000)
	two        = decimal.NewFromInt(2)
)

// Plan is a selected route.
type Plan struct {
	VenueIDs        []string        `json:"venue_ids"`
	CostBps         decimal.Decimal `json:"cost_bps"`
	Efficiency      decimal.Decimal `json:"efficiency"`
	Native          bool            `json:"native"` // every hop is native-designated
	SnapshotVersion uint64          `json:"snapshot_version"`
}

// Hops returns the number of venues on the path.
func (p *Plan) Hops() int { return len(p.VenueIDs) }

// Ref is the venue attribution stored on mint records.
func (p *Plan) Ref() string { return strings.Join(p.VenueIDs, "+") }

// Efficiency maps a route cost onto [0, 1]: max(0, 1 - cost/10000).
func Efficiency(costBps decimal.Decimal) decimal.Decimal {
	eff := decimal.NewFromInt(1).Sub(costBps.Div(bpsPerUnit))
	if eff.IsNegative() {
		return decimal.Zero
	}
	return eff
}

// FindRoute returns the cheapest feasible plan. Ties prefer fewer hops, then
// venue id order, so the result is a pure function of the snapshot and
// arguments.
func FindRoute(snap *venue.Snapshot, amountUSD decimal.Decimal, maxHops int) (*Plan, error) {
	if !amountUSD.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive, got %s", model.ErrInvalidInput, amountUSD)
	}
	if maxHops < 1 {
		return nil, fmt.Errorf("%w: max_hops must be >= 1, got %d", model.ErrInvalidInput, maxHops)
	}

	active := snap.Active()
	var best *Plan

	consider := func(cost decimal.Decimal, native bool, ids ...string) {
		// Strict comparison: the first candidate at a given cost wins, and
		// single-hop candidates are always considered first.
		if best != nil && !cost.LessThan(best.CostBps) {
			return
		}
		best = &Plan{
			VenueIDs:        ids,
			CostBps:         cost,
			Efficiency:      Efficiency(cost),
			Native:          native,
			SnapshotVersion: snap.Version,
		}
	}

	for _, v := range active {
		if v.CapacityUSD.GreaterThanOrEqual(amountUSD) {
			consider(v.CostBps, v.NativeAsset, v.ID)
		}
	}

	if maxHops > 1 {
		half := amountUSD.Div(two)
		for i, a := range active {
			if a.CapacityUSD.LessThan(half) {
				continue
			}
			for j, b := range active {
				if i == j || b.CapacityUSD.LessThan(half) {
					continue
				}
				cost := a.CostBps.Add(b.CostBps).Div(two)
				consider(cost, a.NativeAsset && b.NativeAsset, a.ID, b.ID)
			}
		}
	}

	if best == nil {
		return nil, fmt.Errorf("routing: %s across %d active venues: %w",
			amountUSD, len(active), model.ErrNoRouteFound)
	}
	return best, nil
}
