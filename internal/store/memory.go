package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/wreckage-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	events    map[string]*model.WreckageEvent
	positions map[string]*model.Position
	posOrder  []string
	matches   []model.Match
	routes    []model.Route
	mints     []model.MintRecord
	audit     []model.AuditRecord
	venues    map[string]*model.Venue
	roles     map[string]model.RoleGrant // actor|role -> grant
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:    make(map[string]*model.WreckageEvent),
		positions: make(map[string]*model.Position),
		venues:    make(map[string]*model.Venue),
		roles:     make(map[string]model.RoleGrant),
	}
}

func (s *MemoryStore) InsertEvent(_ context.Context, e *model.WreckageEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.events[e.ID]; ok {
		return fmt.Errorf("event %s: %w", e.ID, model.ErrDuplicateEvent)
	}
	// Store a copy to avoid external mutation.
	copy := *e
	s.events[e.ID] = &copy
	return nil
}

func (s *MemoryStore) GetEvent(_ context.Context, id string) (*model.WreckageEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.events[id]
	if !ok {
		return nil, fmt.Errorf("event %s: %w", id, model.ErrNotFound)
	}
	copy := *e
	return &copy, nil
}

func (s *MemoryStore) SavePosition(_ context.Context, p *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.positions[p.ID]; !ok {
		s.posOrder = append(s.posOrder, p.ID)
	}
	copy := *p
	s.positions[p.ID] = &copy
	return nil
}

func (s *MemoryStore) GetPosition(_ context.Context, id string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[id]
	if !ok {
		return nil, fmt.Errorf("position %s: %w", id, model.ErrNotFound)
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) ListPositions(_ context.Context, status model.PositionStatus) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for _, id := range s.posOrder {
		if p := s.positions[id]; p.Status == status {
			result = append(result, *p)
		}
	}
	return result, nil
}

func (s *MemoryStore) InsertMatch(_ context.Context, m *model.Match) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.matches = append(s.matches, *m)
	return nil
}

func (s *MemoryStore) ListMatches(_ context.Context, limit int) ([]model.Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return tail(s.matches, limit), nil
}

func (s *MemoryStore) InsertRoute(_ context.Context, r *model.Route) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *r
	copy.VenueIDs = append([]string(nil), r.VenueIDs...)
	s.routes = append(s.routes, copy)
	return nil
}

func (s *MemoryStore) ListRoutes(_ context.Context, limit int) ([]model.Route, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return tail(s.routes, limit), nil
}

func (s *MemoryStore) InsertMintRecord(_ context.Context, r *model.MintRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.mints = append(s.mints, *r)
	return nil
}

func (s *MemoryStore) ListMintRecords(_ context.Context, limit int) ([]model.MintRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return tail(s.mints, limit), nil
}

func (s *MemoryStore) SumMinted(_ context.Context) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := decimal.Zero
	for _, r := range s.mints {
		total = total.Add(r.AmountMinted)
	}
	return total, nil
}

// GetRecipientStats aggregates the mint log for one recipient.
func (s *MemoryStore) GetRecipientStats(_ context.Context, recipient string) (*model.RecipientStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := newRecipientStats(recipient)
	for _, r := range s.mints {
		if r.Recipient != recipient {
			continue
		}
		stats.TotalProcessedUSD = stats.TotalProcessedUSD.Add(r.AmountUSDInput)
		stats.TotalMinted = stats.TotalMinted.Add(r.AmountMinted)
		stats.MintedByPath[r.Path] = stats.MintedByPath[r.Path].Add(r.AmountMinted)
		stats.MintCount++
	}
	return stats, nil
}

func (s *MemoryStore) InsertAudit(_ context.Context, a *model.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.audit = append(s.audit, *a)
	return nil
}

func (s *MemoryStore) ListAudit(_ context.Context, limit int) ([]model.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return tail(s.audit, limit), nil
}

func (s *MemoryStore) SaveVenue(_ context.Context, v *model.Venue) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *v
	s.venues[v.ID] = &copy
	return nil
}

func (s *MemoryStore) ListVenues(_ context.Context) ([]model.Venue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	venues := make([]model.Venue, 0, len(s.venues))
	for _, v := range s.venues {
		venues = append(venues, *v)
	}
	sort.Slice(venues, func(i, j int) bool { return venues[i].ID < venues[j].ID })
	return venues, nil
}

func (s *MemoryStore) SaveRoleGrant(_ context.Context, g *model.RoleGrant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.roles[g.Actor+"|"+g.Role] = *g
	return nil
}

func (s *MemoryStore) DeleteRoleGrant(_ context.Context, actor, role string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.roles, actor+"|"+role)
	return nil
}

func (s *MemoryStore) ListRoleGrants(_ context.Context) ([]model.RoleGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	grants := make([]model.RoleGrant, 0, len(s.roles))
	for _, g := range s.roles {
		grants = append(grants, g)
	}
	sort.Slice(grants, func(i, j int) bool {
		if grants[i].Actor != grants[j].Actor {
			return grants[i].Actor < grants[j].Actor
		}
		return grants[i].Role < grants[j].Role
	})
	return grants, nil
}
