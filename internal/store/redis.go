package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/wreckage-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
//
// Only reporting reads are cached. Anything the settlement path depends on
// for correctness (events, positions, supply) always hits the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) InsertMintRecord(ctx context.Context, r *model.MintRecord) error {
	if err := s.primary.InsertMintRecord(ctx, r); err != nil {
		return err
	}
	// Invalidate stats cache for this recipient.
	s.rdb.Del(ctx, statsKey(r.Recipient))
	return nil
}

func (s *CachedStore) SaveVenue(ctx context.Context, v *model.Venue) error {
	if err := s.primary.SaveVenue(ctx, v); err != nil {
		return err
	}
	s.rdb.Del(ctx, venuesKey)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetRecipientStats(ctx context.Context, recipient string) (*model.RecipientStats, error) {
	data, err := s.rdb.Get(ctx, statsKey(recipient)).Bytes()
	if err == nil {
		var stats model.RecipientStats
		if json.Unmarshal(data, &stats) == nil {
			return &stats, nil
		}
	}

	// Cache miss.
	stats, err := s.primary.GetRecipientStats(ctx, recipient)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(stats); err == nil {
		s.rdb.Set(ctx, statsKey(recipient), data, s.ttl)
	}
	return stats, nil
}

func (s *CachedStore) ListVenues(ctx context.Context) ([]model.Venue, error) {
	data, err := s.rdb.Get(ctx, venuesKey).Bytes()
	if err == nil {
		var venues []model.Venue
		if json.Unmarshal(data, &venues) == nil {
			return venues, nil
		}
	}

	venues, err := s.primary.ListVenues(ctx)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(venues); err == nil {
		s.rdb.Set(ctx, venuesKey, data, s.ttl)
	}
	return venues, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) InsertEvent(ctx context.Context, e *model.WreckageEvent) error {
	return s.primary.InsertEvent(ctx, e)
}

func (s *CachedStore) GetEvent(ctx context.Context, id string) (*model.WreckageEvent, error) {
	return s.primary.GetEvent(ctx, id)
}

func (s *CachedStore) SavePosition(ctx context.Context, p *model.Position) error {
	return s.primary.SavePosition(ctx, p)
}

func (s *CachedStore) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	return s.primary.GetPosition(ctx, id)
}

func (s *CachedStore) ListPositions(ctx context.Context, status model.PositionStatus) ([]model.Position, error) {
	return s.primary.ListPositions(ctx, status)
}

func (s *CachedStore) InsertMatch(ctx context.Context, m *model.Match) error {
	return s.primary.InsertMatch(ctx, m)
}

func (s *CachedStore) ListMatches(ctx context.Context, limit int) ([]model.Match, error) {
	return s.primary.ListMatches(ctx, limit)
}

func (s *CachedStore) InsertRoute(ctx context.Context, r *model.Route) error {
	return s.primary.InsertRoute(ctx, r)
}

func (s *CachedStore) ListRoutes(ctx context.Context, limit int) ([]model.Route, error) {
	return s.primary.ListRoutes(ctx, limit)
}

func (s *CachedStore) ListMintRecords(ctx context.Context, limit int) ([]model.MintRecord, error) {
	return s.primary.ListMintRecords(ctx, limit)
}

func (s *CachedStore) SumMinted(ctx context.Context) (decimal.Decimal, error) {
	return s.primary.SumMinted(ctx)
}

func (s *CachedStore) InsertAudit(ctx context.Context, a *model.AuditRecord) error {
	return s.primary.InsertAudit(ctx, a)
}

func (s *CachedStore) ListAudit(ctx context.Context, limit int) ([]model.AuditRecord, error) {
	return s.primary.ListAudit(ctx, limit)
}

func (s *CachedStore) SaveRoleGrant(ctx context.Context, g *model.RoleGrant) error {
	return s.primary.SaveRoleGrant(ctx, g)
}

func (s *CachedStore) DeleteRoleGrant(ctx context.Context, actor, role string) error {
	return s.primary.DeleteRoleGrant(ctx, actor, role)
}

func (s *CachedStore) ListRoleGrants(ctx context.Context) ([]model.RoleGrant, error) {
	return s.primary.ListRoleGrants(ctx)
}

// --- Cache helpers ---

const venuesKey = "venues:all"

func statsKey(recipient string) string { return fmt.Sprintf("stats:%s", recipient) }
