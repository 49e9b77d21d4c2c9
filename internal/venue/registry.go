// Package venue holds the registry of liquidity venues used for routing.
//
// The registry is a versioned configuration store: every administrative
// mutation produces a new immutable Snapshot and appends a Change to the
// history. Routing decisions are always made against one snapshot, so a
// given snapshot version yields the same route for the same inputs.
package venue

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/wreckage-engine/internal/model"
	"github.com/atmx/wreckage-engine/internal/store"
)

// RoleAdmin is required for every registry mutation.
const RoleAdmin = "admin"

// MaxCostBps is the highest cost a venue may declare (100%).
var MaxCostBps = decimal.NewFromInt(10000)

// Authorizer checks role grants. Satisfied by access.Control.
type Authorizer interface {
	Require(actor, role string) error
}

// Snapshot is an immutable view of the registry at one version.
// Venues are sorted by id.
type Snapshot struct {
	Version uint64        `json:"version"`
	Venues  []model.Venue `json:"venues"`
	TakenAt time.Time     `json:"taken_at"`
}

// Get returns the venue with the given id.
func (s *Snapshot) Get(id string) (model.Venue, bool) {
	i := sort.Search(len(s.Venues), func(i int) bool { return s.Venues[i].ID >= id })
	if i < len(s.Venues) && s.Venues[i].ID == id {
		return s.Venues[i], true
	}
	return model.Venue{}, false
}

// Active returns the active venues in id order.
func (s *Snapshot) Active() []model.Venue {
	var out []model.Venue
	for _, v := range s.Venues {
		if v.Active {
			out = append(out, v)
		}
	}
	return out
}

// Change is one entry of the registry's audit history.
type Change struct {
	Version uint64       `json:"version"`
	Actor   string       `json:"actor"`
	Action  string       `json:"action"`
	VenueID string       `json:"venue_id"`
	Before  *model.Venue `json:"before,omitempty"`
	After   model.Venue  `json:"after"`
	At      time.Time    `json:"at"`
}

// Registry is the versioned venue store.
type Registry struct {
	mu      sync.RWMutex
	store   store.Store
	auth    Authorizer
	current *Snapshot
	history []Change
	now     func() time.Time
}

// NewRegistry creates an empty registry at version 0.
func NewRegistry(st store.Store, auth Authorizer) *Registry {
	now := func() time.Time { return time.Now().UTC() }
	return &Registry{
		store:   st,
		auth:    auth,
		current: &Snapshot{TakenAt: now()},
		now:     now,
	}
}

// Load replaces the current snapshot with the venues persisted in the store.
func (r *Registry) Load(ctx context.Context) error {
	venues, err := r.store.ListVenues(ctx)
	if err != nil {
		return fmt.Errorf("venue: load: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = &Snapshot{
		Version: r.current.Version + 1,
		Venues:  sortVenues(venues),
		TakenAt: r.now(),
	}
	return nil
}

// Seed adds venues that are not yet registered. Used at startup with the
// venues from configuration; existing entries are left untouched.
func (r *Registry) Seed(ctx context.Context, venues []model.Venue) error {
	for _, v := range venues {
		if _, ok := r.Snapshot().Get(v.ID); ok {
			continue
		}
		if err := r.apply(ctx, "bootstrap", "seed", v); err != nil {
			return err
		}
	}
	return nil
}

// Snapshot returns the current snapshot. Callers must not modify it.
func (r *Registry) Snapshot() *Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// History returns the audit history, oldest first.
func (r *Registry) History() []Change {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Change(nil), r.history...)
}

// Upsert adds or replaces a venue definition.
func (r *Registry) Upsert(ctx context.Context, actor string, v model.Venue) (*Snapshot, error) {
	if err := r.authorize(actor); err != nil {
		return nil, err
	}
	if err := r.apply(ctx, actor, "upsert", v); err != nil {
		return nil, err
	}
	return r.Snapshot(), nil
}

// Deactivate marks a venue inactive. Inactive venues are never routed to.
func (r *Registry) Deactivate(ctx context.Context, actor, id string) (*Snapshot, error) {
	return r.modify(ctx, actor, "deactivate", id, func(v *model.Venue) { v.Active = false })
}

// SetNative adds or removes the venue's qualifying native-asset designation.
func (r *Registry) SetNative(ctx context.Context, actor, id string, native bool) (*Snapshot, error) {
	action := "designate_native"
	if !native {
		action = "remove_native"
	}
	return r.modify(ctx, actor, action, id, func(v *model.Venue) { v.NativeAsset = native })
}

func (r *Registry) modify(ctx context.Context, actor, action, id string, fn func(*model.Venue)) (*Snapshot, error) {
	if err := r.authorize(actor); err != nil {
		return nil, err
	}
	v, ok := r.Snapshot().Get(id)
	if !ok {
		return nil, fmt.Errorf("venue %s: %w", id, model.ErrNotFound)
	}
	fn(&v)
	if err := r.apply(ctx, actor, action, v); err != nil {
		return nil, err
	}
	return r.Snapshot(), nil
}

func (r *Registry) authorize(actor string) error {
	if r.auth == nil {
		return nil
	}
	return r.auth.Require(actor, RoleAdmin)
}

// apply validates, persists, and publishes a new snapshot containing v.
func (r *Registry) apply(ctx context.Context, actor, action string, v model.Venue) error {
	if err := validate(v); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	v.UpdatedAt = r.now()
	if err := r.store.SaveVenue(ctx, &v); err != nil {
		return fmt.Errorf("venue: save %s: %w", v.ID, err)
	}

	venues := make([]model.Venue, 0, len(r.current.Venues)+1)
	var before *model.Venue
	for _, existing := range r.current.Venues {
		if existing.ID == v.ID {
			prev := existing
			before = &prev
			continue
		}
		venues = append(venues, existing)
	}
	venues = append(venues, v)

	next := &Snapshot{
		Version: r.current.Version + 1,
		Venues:  sortVenues(venues),
		TakenAt: v.UpdatedAt,
	}
	r.current = next
	r.history = append(r.history, Change{
		Version: next.Version,
		Actor:   actor,
		Action:  action,
		VenueID: v.ID,
		Before:  before,
		After:   v,
		At:      v.UpdatedAt,
	})

	slog.Info("venue registry updated",
		"version", next.Version,
		"action", action,
		"venue", v.ID,
		"actor", actor,
		"active", v.Active,
		"native", v.NativeAsset,
		"capacity_usd", v.CapacityUSD.String(),
		"cost_bps", v.CostBps.String(),
	)
	return nil
}

func validate(v model.Venue) error {
	if v.ID == "" {
		return fmt.Errorf("%w: venue id is required", model.ErrInvalidInput)
	}
	if v.CapacityUSD.IsNegative() {
		return fmt.Errorf("%w: venue %s capacity must be >= 0", model.ErrInvalidInput, v.ID)
	}
	if v.CostBps.IsNegative() || v.CostBps.GreaterThan(MaxCostBps) {
		return fmt.Errorf("%w: venue %s cost_bps must be in [0, %s]", model.ErrInvalidInput, v.ID, MaxCostBps)
	}
	return nil
}

func sortVenues(venues []model.Venue) []model.Venue {
	out := append([]model.Venue(nil), venues...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
