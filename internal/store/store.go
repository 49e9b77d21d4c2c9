// Package store defines the persistence interface for the settlement engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
//
// Events, matches, routes, mint records and audit records are append-only
// logs. Positions change status exactly once; venues and role grants are the
// only tables with in-place update semantics.
package store

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/atmx/wreckage-engine/internal/model"
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Wreckage events ---

	// InsertEvent appends an event. Returns model.ErrDuplicateEvent if an
	// event with the same id already exists.
	InsertEvent(ctx context.Context, e *model.WreckageEvent) error

	// GetEvent retrieves an event by id.
	GetEvent(ctx context.Context, id string) (*model.WreckageEvent, error)

	// --- Positions ---

	// SavePosition inserts or updates a position.
	SavePosition(ctx context.Context, p *model.Position) error

	// GetPosition retrieves a position by id.
	GetPosition(ctx context.Context, id string) (*model.Position, error)

	// ListPositions returns positions with the given status in creation order.
	ListPositions(ctx context.Context, status model.PositionStatus) ([]model.Position, error)

	// --- Immutable settlement logs ---

	InsertMatch(ctx context.Context, m *model.Match) error
	ListMatches(ctx context.Context, limit int) ([]model.Match, error)

	InsertRoute(ctx context.Context, r *model.Route) error
	ListRoutes(ctx context.Context, limit int) ([]model.Route, error)

	InsertMintRecord(ctx context.Context, r *model.MintRecord) error
	ListMintRecords(ctx context.Context, limit int) ([]model.MintRecord, error)

	// SumMinted returns the total ever minted, used to restore supply.
	SumMinted(ctx context.Context) (decimal.Decimal, error)

	// GetRecipientStats aggregates mint records for one recipient.
	GetRecipientStats(ctx context.Context, recipient string) (*model.RecipientStats, error)

	InsertAudit(ctx context.Context, a *model.AuditRecord) error
	ListAudit(ctx context.Context, limit int) ([]model.AuditRecord, error)

	// --- Configuration tables ---

	SaveVenue(ctx context.Context, v *model.Venue) error
	ListVenues(ctx context.Context) ([]model.Venue, error)

	SaveRoleGrant(ctx context.Context, g *model.RoleGrant) error
	DeleteRoleGrant(ctx context.Context, actor, role string) error
	ListRoleGrants(ctx context.Context) ([]model.RoleGrant, error)
}

// newRecipientStats returns an empty aggregate with every path zeroed.
func newRecipientStats(recipient string) *model.RecipientStats {
	stats := &model.RecipientStats{
		Recipient:    recipient,
		MintedByPath: make(map[model.PathKind]decimal.Decimal, len(model.PathKinds)),
	}
	for _, k := range model.PathKinds {
		stats.MintedByPath[k] = decimal.Zero
	}
	return stats
}

// tail returns the last limit items of s, newest first. limit <= 0 means all.
func tail[T any](s []T, limit int) []T {
	n := len(s)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]T, 0, n)
	for i := len(s) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s[i])
	}
	return out
}
