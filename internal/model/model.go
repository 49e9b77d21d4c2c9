// Package model defines the core domain types shared across the settlement
// engine. All monetary values use shopspring/decimal, never float64.
package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the side of a reported loss.
type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
)

// ParseDirection validates a direction string.
func ParseDirection(s string) (Direction, error) {
	switch Direction(s) {
	case Long, Short:
		return Direction(s), nil
	}
	return "", fmt.Errorf("%w: direction must be long or short, got %q", ErrInvalidInput, s)
}

// Opposite returns the offsetting direction.
func (d Direction) Opposite() Direction {
	if d == Long {
		return Short
	}
	return Long
}

// PathKind identifies which settlement path produced a mint.
type PathKind string

const (
	PathP2P   PathKind = "p2p"
	PathRails PathKind = "rails"
	PathBase  PathKind = "base"
)

// PathKinds lists every path in policy order (best economics first).
var PathKinds = []PathKind{PathP2P, PathRails, PathBase}

// ParsePathKind validates a path string.
func ParsePathKind(s string) (PathKind, error) {
	for _, k := range PathKinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: unknown path kind %q", ErrInvalidInput, s)
}

// WreckageEvent is a submitted loss. Immutable once created.
type WreckageEvent struct {
	ID        string          `json:"id" db:"id"`
	Submitter string          `json:"submitter" db:"submitter"`
	Direction Direction       `json:"direction" db:"direction"`
	VenueHint string          `json:"venue_hint,omitempty" db:"venue_hint"`
	Asset     string          `json:"asset" db:"asset"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`     // raw asset units
	Decimals  int32           `json:"decimals" db:"decimals"` // asset precision
	AmountUSD decimal.Decimal `json:"amount_usd" db:"amount_usd"`
	PriceAsOf time.Time       `json:"price_as_of" db:"price_as_of"`
	Sequence  uint64          `json:"sequence" db:"sequence"` // submitter's monotonic counter
	Verified  bool            `json:"verified" db:"verified"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// PositionStatus tracks a position through the pool.
type PositionStatus string

const (
	PositionOpen      PositionStatus = "open"
	PositionMatched   PositionStatus = "matched"
	PositionWithdrawn PositionStatus = "withdrawn" // left the pool for routing
)

// Position is a wreckage event awaiting settlement. A residual left over
// from a partial match is a new position whose ParentID points at the
// position it was split from.
type Position struct {
	ID        string          `json:"id" db:"id"`
	EventID   string          `json:"event_id" db:"event_id"`
	ParentID  string          `json:"parent_id,omitempty" db:"parent_id"`
	Submitter string          `json:"submitter" db:"submitter"`
	Direction Direction       `json:"direction" db:"direction"`
	Asset     string          `json:"asset" db:"asset"`
	VenueHint string          `json:"venue_hint,omitempty" db:"venue_hint"`
	AmountUSD decimal.Decimal `json:"amount_usd" db:"amount_usd"`
	Status    PositionStatus  `json:"status" db:"status"`
	Matched   bool            `json:"matched" db:"matched"`
	MatchID   string          `json:"match_id,omitempty" db:"match_id"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// Match is a settled pair. Immutable once created.
type Match struct {
	ID            string          `json:"id" db:"id"`
	PositionAID   string          `json:"position_a_id" db:"position_a_id"`
	PositionBID   string          `json:"position_b_id" db:"position_b_id"`
	Asset         string          `json:"asset" db:"asset"`
	MatchedAmount decimal.Decimal `json:"matched_amount" db:"matched_amount"`
	MintA         decimal.Decimal `json:"mint_a" db:"mint_a"`
	MintB         decimal.Decimal `json:"mint_b" db:"mint_b"`
	Forced        bool            `json:"forced" db:"forced"`
	Timestamp     time.Time       `json:"timestamp" db:"timestamp"`
}

// Venue is an external liquidity source. CapacityUSD is a soft ceiling read
// at route selection time; it is never reserved.
type Venue struct {
	ID          string          `json:"id" db:"id"`
	Name        string          `json:"name" db:"name"`
	NativeAsset bool            `json:"native_asset" db:"native_asset"`
	CapacityUSD decimal.Decimal `json:"capacity_usd" db:"capacity_usd"`
	CostBps     decimal.Decimal `json:"cost_bps" db:"cost_bps"`
	Active      bool            `json:"active" db:"active"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}

// Route is the path chosen for an event that fell through to routing.
type Route struct {
	ID              string          `json:"id" db:"id"`
	EventID         string          `json:"event_id" db:"event_id"`
	PositionID      string          `json:"position_id" db:"position_id"`
	VenueIDs        []string        `json:"venue_ids" db:"venue_ids"`
	TotalCostBps    decimal.Decimal `json:"total_cost_bps" db:"total_cost_bps"`
	AmountUSD       decimal.Decimal `json:"amount_usd" db:"amount_usd"`
	MintAmount      decimal.Decimal `json:"mint_amount" db:"mint_amount"`
	Efficiency      decimal.Decimal `json:"efficiency" db:"efficiency"`
	SnapshotVersion uint64          `json:"snapshot_version" db:"snapshot_version"`
	Timestamp       time.Time       `json:"timestamp" db:"timestamp"`
}

// MintRecord is appended by the ledger on every successful mint.
type MintRecord struct {
	ID             string          `json:"id" db:"id"`
	Recipient      string          `json:"recipient" db:"recipient"`
	AmountUSDInput decimal.Decimal `json:"amount_usd_input" db:"amount_usd_input"`
	AmountMinted   decimal.Decimal `json:"amount_minted" db:"amount_minted"`
	Path           PathKind        `json:"path" db:"path"`
	Ref            string          `json:"ref,omitempty" db:"ref"` // venue ids or match id
	Efficiency     decimal.Decimal `json:"efficiency" db:"efficiency"`
	Native         bool            `json:"native" db:"native"`
	Timestamp      time.Time       `json:"timestamp" db:"timestamp"`
}

// SettlementState is a node of the per-event state machine.
type SettlementState string

const (
	StateReceived    SettlementState = "received"
	StateMatched     SettlementState = "matched"
	StateResting     SettlementState = "resting" // unmatched, waiting in the pool
	StateRouted      SettlementState = "routed"
	StateBaseMinted  SettlementState = "base_minted"
	StateRouteFailed SettlementState = "route_failed"
	StateRejected    SettlementState = "rejected"
)

// Terminal reports whether no further transition can occur.
func (s SettlementState) Terminal() bool {
	switch s {
	case StateMatched, StateRouted, StateBaseMinted, StateRejected:
		return true
	}
	return false
}

// AuditRecord notes which path settled an event. One per terminal state.
type AuditRecord struct {
	ID         string          `json:"id" db:"id"`
	EventID    string          `json:"event_id" db:"event_id"`
	PositionID string          `json:"position_id" db:"position_id"`
	Path       PathKind        `json:"path,omitempty" db:"path"`
	State      SettlementState `json:"state" db:"state"`
	Ref        string          `json:"ref,omitempty" db:"ref"`
	Detail     string          `json:"detail,omitempty" db:"detail"`
	Timestamp  time.Time       `json:"timestamp" db:"timestamp"`
}

// RecipientStats aggregates mint records for one recipient. Reporting only.
type RecipientStats struct {
	Recipient         string                       `json:"recipient"`
	TotalProcessedUSD decimal.Decimal              `json:"total_processed_usd"`
	TotalMinted       decimal.Decimal              `json:"total_minted"`
	MintCount         int                          `json:"mint_count"`
	MintedByPath      map[PathKind]decimal.Decimal `json:"minted_by_path"`
}

// RoleGrant is one actor/role pair.
type RoleGrant struct {
	Actor     string    `json:"actor" db:"actor"`
	Role      string    `json:"role" db:"role"`
	GrantedBy string    `json:"granted_by" db:"granted_by"`
	GrantedAt time.Time `json:"granted_at" db:"granted_at"`
}
