// Package matching pairs opposing wreckage positions and settles both sides
// through the ledger at the P2P rate.
//
// The unmatched pool is scanned linearly in submission order and the first
// compatible candidate wins; there is no search for a globally optimal
// pairing. Checking the pool, minting both sides, and marking both positions
// matched happen under one mutex (lock order: pool, then ledger).
package matching

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/wreckage-engine/internal/ledger"
	"github.com/atmx/wreckage-engine/internal/metrics"
	"github.com/atmx/wreckage-engine/internal/model"
	"github.com/atmx/wreckage-engine/internal/store"
)

// RoleMatcher is required to force-match.
const RoleMatcher = "matcher"

// MinSizeRatio is the smallest min(amount)/max(amount) two positions may
// have and still match (a 20% size-tolerance band).
var MinSizeRatio = decimal.RequireFromString("0.8333")

// Minter mints both sides of a match atomically. Satisfied by *ledger.Ledger.
type Minter interface {
	MintPair(ctx context.Context, a, b ledger.MintRequest) (*model.MintRecord, *model.MintRecord, error)
}

// Authorizer checks role grants. Satisfied by access.Control.
type Authorizer interface {
	Require(actor, role string) error
}

// Result describes the outcome of a submission or force-match.
// Match is nil when the submission found no counterparty.
type Result struct {
	Position     *model.Position     `json:"position"`
	Match        *model.Match        `json:"match,omitempty"`
	Counterparty *model.Position     `json:"counterparty,omitempty"`
	Residual     *model.Position     `json:"residual,omitempty"`
	Mints        []*model.MintRecord `json:"mints,omitempty"`
}

// Matched reports whether a match was made.
func (r *Result) Matched() bool { return r != nil && r.Match != nil }

// Engine holds the pool of open positions.
type Engine struct {
	mu     sync.Mutex
	store  store.Store
	minter Minter
	auth   Authorizer
	actor  string // principal the engine mints as
	pool   []*model.Position
	now    func() time.Time
}

// NewEngine creates a matching engine. actor is the principal used for
// ledger mints; auth may be nil to skip force-match role checks.
func NewEngine(st store.Store, minter Minter, auth Authorizer, actor string) *Engine {
	return &Engine{
		store:  st,
		minter: minter,
		auth:   auth,
		actor:  actor,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Restore loads open positions from the store into the pool, preserving
// their original submission order.
func (e *Engine) Restore(ctx context.Context) error {
	open, err := e.store.ListPositions(ctx, model.PositionOpen)
	if err != nil {
		return fmt.Errorf("matching: restore pool: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pool = e.pool[:0]
	for i := range open {
		p := open[i]
		e.pool = append(e.pool, &p)
	}
	metrics.OpenPositions.Set(float64(len(e.pool)))
	return nil
}

// Compatible reports whether two positions may be matched: both open,
// opposite directions, the same asset, and sizes within MinSizeRatio.
func Compatible(a, b *model.Position) error {
	switch {
	case a.ID == b.ID:
		return fmt.Errorf("%w: a position cannot match itself", model.ErrIncompatible)
	case a.Status != model.PositionOpen || b.Status != model.PositionOpen:
		return fmt.Errorf("%w: both positions must be open", model.ErrIncompatible)
	case a.Direction != b.Direction.Opposite():
		return fmt.Errorf("%w: directions must be opposite", model.ErrIncompatible)
	case a.Asset != b.Asset:
		return fmt.Errorf("%w: assets differ (%s vs %s)", model.ErrIncompatible, a.Asset, b.Asset)
	}
	small, large := a.AmountUSD, b.AmountUSD
	if small.GreaterThan(large) {
		small, large = large, small
	}
	if !small.IsPositive() || small.Div(large).LessThan(MinSizeRatio) {
		return fmt.Errorf("%w: size ratio %s/%s below %s", model.ErrIncompatible, small, large, MinSizeRatio)
	}
	return nil
}

// Submit matches p against the pool. If no compatible candidate exists, p
// rests in the pool and the result carries no match.
func (e *Engine) Submit(ctx context.Context, p *model.Position) (*Result, error) {
	return e.submit(ctx, p, true)
}

// TryMatch is Submit without resting: an unmatched p is recorded as
// withdrawn so the caller can route it.
func (e *Engine) TryMatch(ctx context.Context, p *model.Position) (*Result, error) {
	return e.submit(ctx, p, false)
}

func (e *Engine) submit(ctx context.Context, p *model.Position, rest bool) (*Result, error) {
	if err := validate(p); err != nil {
		return nil, err
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = e.now()
	}
	p.Status = model.PositionOpen

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, candidate := range e.pool {
		if Compatible(candidate, p) != nil {
			continue
		}
		return e.settle(ctx, candidate, p, false)
	}

	if !rest {
		p.Status = model.PositionWithdrawn
	}
	if err := e.store.SavePosition(ctx, p); err != nil {
		return nil, fmt.Errorf("matching: save position: %w", err)
	}
	if rest {
		e.pool = append(e.pool, p)
		metrics.OpenPositions.Set(float64(len(e.pool)))
	}
	return &Result{Position: p}, nil
}

// ForceMatch settles two specific open positions the automatic scan did
// not pair. The same compatibility rule and invariants apply.
func (e *Engine) ForceMatch(ctx context.Context, actor, aID, bID string) (*Result, error) {
	if e.auth != nil {
		if err := e.auth.Require(actor, RoleMatcher); err != nil {
			return nil, err
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	a, err := e.openPosition(ctx, aID)
	if err != nil {
		return nil, err
	}
	b, err := e.openPosition(ctx, bID)
	if err != nil {
		return nil, err
	}
	if a.CreatedAt.After(b.CreatedAt) {
		a, b = b, a
	}
	if err := Compatible(a, b); err != nil {
		return nil, err
	}

	res, err := e.settle(ctx, a, b, true)
	if err != nil {
		return res, err
	}
	slog.Info("positions force-matched", "match_id", res.Match.ID, "actor", actor, "a", a.ID, "b", b.ID)
	return res, nil
}

// Withdraw removes an open position from the pool so it can be routed.
// A withdrawn position can never match.
func (e *Engine) Withdraw(ctx context.Context, id string) (*model.Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.openPosition(ctx, id)
	if err != nil {
		return nil, err
	}
	e.remove(p.ID)
	p.Status = model.PositionWithdrawn
	if err := e.store.SavePosition(ctx, p); err != nil {
		return nil, fmt.Errorf("matching: save withdrawn position: %w", err)
	}
	out := *p
	return &out, nil
}

// Open returns a copy of the pool in submission order.
func (e *Engine) Open() []model.Position {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]model.Position, 0, len(e.pool))
	for _, p := range e.pool {
		out = append(out, *p)
	}
	return out
}

// Expired returns open positions created before cutoff, oldest first.
func (e *Engine) Expired(cutoff time.Time) []model.Position {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []model.Position
	for _, p := range e.pool {
		if p.CreatedAt.Before(cutoff) {
			out = append(out, *p)
		}
	}
	return out
}

// settle mints both sides and marks them matched. a is the earlier
// position. Must be called with mu held.
func (e *Engine) settle(ctx context.Context, a, b *model.Position, forced bool) (*Result, error) {
	amount := decimal.Min(a.AmountUSD, b.AmountUSD)
	matchID := uuid.New().String()

	mintA, mintB, err := e.minter.MintPair(ctx,
		e.mintRequest(a, amount, matchID),
		e.mintRequest(b, amount, matchID),
	)
	if err != nil {
		return nil, fmt.Errorf("matching: mint match %s: %w", matchID, err)
	}

	now := e.now()
	match := &model.Match{
		ID:            matchID,
		PositionAID:   a.ID,
		PositionBID:   b.ID,
		Asset:         a.Asset,
		MatchedAmount: amount,
		MintA:         mintA.AmountMinted,
		MintB:         mintB.AmountMinted,
		Forced:        forced,
		Timestamp:     now,
	}

	e.remove(a.ID)
	e.remove(b.ID)
	for _, p := range []*model.Position{a, b} {
		p.Status = model.PositionMatched
		p.Matched = true
		p.MatchID = matchID
	}

	var residual *model.Position
	larger := a
	if b.AmountUSD.GreaterThan(a.AmountUSD) {
		larger = b
	}
	if larger.AmountUSD.GreaterThan(amount) {
		residual = &model.Position{
			ID:        uuid.New().String(),
			EventID:   larger.EventID,
			ParentID:  larger.ID,
			Submitter: larger.Submitter,
			Direction: larger.Direction,
			Asset:     larger.Asset,
			VenueHint: larger.VenueHint,
			AmountUSD: larger.AmountUSD.Sub(amount),
			Status:    model.PositionOpen,
			CreatedAt: now,
		}
		e.pool = append(e.pool, residual)
	}
	metrics.OpenPositions.Set(float64(len(e.pool)))

	mode := "auto"
	if forced {
		mode = "forced"
	}
	metrics.MatchesTotal.WithLabelValues(mode).Inc()

	res := &Result{
		Position:     b,
		Counterparty: a,
		Match:        match,
		Residual:     residual,
		Mints:        []*model.MintRecord{mintA, mintB},
	}

	// Minting is irreversible, so the in-memory pool above is already final.
	// A persistence failure is returned with the result it could not save.
	if err := e.persist(ctx, match, a, b, residual); err != nil {
		return res, err
	}

	slog.Info("positions matched",
		"match_id", matchID,
		"asset", a.Asset,
		"position_a", a.ID,
		"position_b", b.ID,
		"amount_usd", amount.String(),
		"mint_a", mintA.AmountMinted.String(),
		"mint_b", mintB.AmountMinted.String(),
		"forced", forced,
	)
	return res, nil
}

func (e *Engine) persist(ctx context.Context, match *model.Match, positions ...*model.Position) error {
	for _, p := range positions {
		if p == nil {
			continue
		}
		if err := e.store.SavePosition(ctx, p); err != nil {
			return fmt.Errorf("matching: match %s minted but position %s not saved: %w", match.ID, p.ID, err)
		}
	}
	if err := e.store.InsertMatch(ctx, match); err != nil {
		return fmt.Errorf("matching: match %s minted but not saved: %w", match.ID, err)
	}
	return nil
}

func (e *Engine) mintRequest(p *model.Position, amount decimal.Decimal, matchID string) ledger.MintRequest {
	return ledger.MintRequest{
		Actor:      e.actor,
		Recipient:  p.Submitter,
		AmountUSD:  amount,
		Path:       model.PathP2P,
		Ref:        matchID,
		Efficiency: decimal.NewFromInt(1),
	}
}

// openPosition finds an open pool entry. Must be called with mu held.
func (e *Engine) openPosition(ctx context.Context, id string) (*model.Position, error) {
	for _, p := range e.pool {
		if p.ID == id {
			return p, nil
		}
	}
	// Not in the pool: distinguish "already settled" from "never existed".
	stored, err := e.store.GetPosition(ctx, id)
	if err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("matching: position %s is %s: %w", id, stored.Status, model.ErrConflict)
}

// remove drops id from the pool. Must be called with mu held.
func (e *Engine) remove(id string) {
	for i, p := range e.pool {
		if p.ID == id {
			e.pool = append(e.pool[:i], e.pool[i+1:]...)
			return
		}
	}
}

func validate(p *model.Position) error {
	switch {
	case p.Submitter == "":
		return fmt.Errorf("%w: submitter is required", model.ErrInvalidInput)
	case p.Asset == "":
		return fmt.Errorf("%w: asset is required", model.ErrInvalidInput)
	case !p.AmountUSD.IsPositive():
		return fmt.Errorf("%w: amount must be positive", model.ErrInvalidInput)
	}
	if _, err := model.ParseDirection(string(p.Direction)); err != nil {
		return err
	}
	return nil
}
