package matching

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/wreckage-engine/internal/ledger"
	"github.com/atmx/wreckage-engine/internal/model"
	"github.com/atmx/wreckage-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type allowList map[string]bool

func (a allowList) Require(actor, role string) error {
	if a[actor] {
		return nil
	}
	return fmt.Errorf("%s lacks %s: %w", actor, role, model.ErrUnauthorized)
}

func newTestEngine(t *testing.T, maxSupply float64) (*Engine, *ledger.Ledger, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	l, err := ledger.New(ms, d(maxSupply), nil)
	if err != nil {
		t.Fatal(err)
	}
	return NewEngine(ms, l, allowList{"ops": true}, "engine"), l, ms
}

func pos(submitter string, dir model.Direction, asset string, amount float64) *model.Position {
	return &model.Position{Submitter: submitter, Direction: dir, Asset: asset, AmountUSD: d(amount)}
}

func TestSubmit_RestsWhenNoCounterparty(t *testing.T) {
	e, _, ms := newTestEngine(t, 1e9)
	ctx := context.Background()

	res, err := e.Submit(ctx, pos("alice", model.Short, "ETH", 50000))
	if err != nil {
		t.Fatal(err)
	}
	if res.Matched() {
		t.Fatal("expected no match")
	}
	if res.Position.ID == "" || res.Position.Status != model.PositionOpen {
		t.Errorf("expected open position with id, got %+v", res.Position)
	}
	if len(e.Open()) != 1 {
		t.Errorf("expected 1 open position, got %d", len(e.Open()))
	}
	stored, _ := ms.ListPositions(ctx, model.PositionOpen)
	if len(stored) != 1 {
		t.Errorf("expected position persisted, got %d", len(stored))
	}
}

func TestSubmit_MatchesWithResidual(t *testing.T) {
	e, l, ms := newTestEngine(t, 1e9)
	ctx := context.Background()

	first, _ := e.Submit(ctx, pos("alice", model.Short, "ETH", 50000))
	res, err := e.Submit(ctx, pos("bob", model.Long, "ETH", 55000))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Matched() {
		t.Fatal("expected match")
	}

	m := res.Match
	if m.PositionAID != first.Position.ID || m.PositionBID != res.Position.ID {
		t.Errorf("match sides wrong: %+v", m)
	}
	if !m.MatchedAmount.Equal(d(50000)) {
		t.Errorf("expected matched 50000, got %s", m.MatchedAmount)
	}
	// 50000 * 1.4 * (1 + 0.3 + 0.6)
	if !m.MintA.Equal(d(133000)) || !m.MintB.Equal(d(133000)) {
		t.Errorf("expected 133000 per side, got %s / %s", m.MintA, m.MintB)
	}
	if !l.Supply().Equal(d(266000)) {
		t.Errorf("expected supply 266000, got %s", l.Supply())
	}

	if res.Residual == nil {
		t.Fatal("expected residual")
	}
	if !res.Residual.AmountUSD.Equal(d(5000)) || res.Residual.ParentID != res.Position.ID {
		t.Errorf("unexpected residual %+v", res.Residual)
	}
	if res.Residual.Submitter != "bob" || res.Residual.Direction != model.Long {
		t.Errorf("residual must inherit owner and direction, got %+v", res.Residual)
	}

	open := e.Open()
	if len(open) != 1 || open[0].ID != res.Residual.ID {
		t.Errorf("expected only residual open, got %+v", open)
	}

	matches, _ := ms.ListMatches(ctx, 0)
	mints, _ := ms.ListMintRecords(ctx, 0)
	if len(matches) != 1 || len(mints) != 2 {
		t.Errorf("expected 1 match and 2 mints, got %d and %d", len(matches), len(mints))
	}
	for _, rec := range mints {
		if rec.Path != model.PathP2P || rec.Ref != m.ID {
			t.Errorf("unexpected mint record %+v", rec)
		}
	}
	a, _ := ms.GetPosition(ctx, first.Position.ID)
	if !a.Matched || a.MatchID != m.ID {
		t.Errorf("stored position not marked matched: %+v", a)
	}
}

func TestSubmit_SizeToleranceBoundary(t *testing.T) {
	tests := []struct {
		name  string
		small float64
		want  bool
	}{
		{"80 of 100", 80, false},
		{"83 of 100", 83, false},
		{"84 of 100", 84, true},
		{"equal", 100, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _, _ := newTestEngine(t, 1e9)
			ctx := context.Background()
			e.Submit(ctx, pos("a", model.Short, "BTC", 100))
			res, err := e.Submit(ctx, pos("b", model.Long, "BTC", tt.small))
			if err != nil {
				t.Fatal(err)
			}
			if res.Matched() != tt.want {
				t.Errorf("matched=%v, want %v", res.Matched(), tt.want)
			}
		})
	}
}

func TestSubmit_RequiresOppositeDirectionAndSameAsset(t *testing.T) {
	e, _, _ := newTestEngine(t, 1e9)
	ctx := context.Background()

	e.Submit(ctx, pos("a", model.Short, "BTC", 100))
	if res, _ := e.Submit(ctx, pos("b", model.Short, "BTC", 100)); res.Matched() {
		t.Error("same direction must not match")
	}
	if res, _ := e.Submit(ctx, pos("c", model.Long, "ETH", 100)); res.Matched() {
		t.Error("different asset must not match")
	}
	if len(e.Open()) != 3 {
		t.Errorf("expected 3 resting positions, got %d", len(e.Open()))
	}
}

func TestSubmit_FirstCompatibleCandidateWins(t *testing.T) {
	e, _, _ := newTestEngine(t, 1e9)
	ctx := context.Background()

	// A better-sized candidate arrives later but the scan takes the first fit.
	early, _ := e.Submit(ctx, pos("a", model.Short, "BTC", 90))
	e.Submit(ctx, pos("b", model.Short, "BTC", 100))

	res, err := e.Submit(ctx, pos("c", model.Long, "BTC", 100))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Matched() || res.Counterparty.ID != early.Position.ID {
		t.Errorf("expected match with earliest compatible position, got %+v", res.Counterparty)
	}
}

func TestTryMatch_DoesNotRest(t *testing.T) {
	e, _, ms := newTestEngine(t, 1e9)
	ctx := context.Background()

	res, err := e.TryMatch(ctx, pos("a", model.Short, "BTC", 100))
	if err != nil {
		t.Fatal(err)
	}
	if res.Matched() || res.Position.Status != model.PositionWithdrawn {
		t.Errorf("expected withdrawn unmatched position, got %+v", res.Position)
	}
	if len(e.Open()) != 0 {
		t.Error("TryMatch must not add to the pool")
	}
	if _, err := ms.GetPosition(ctx, res.Position.ID); err != nil {
		t.Errorf("expected position persisted: %v", err)
	}
}

func TestSubmit_CapExceededLeavesPoolUntouched(t *testing.T) {
	e, l, _ := newTestEngine(t, 1000)
	ctx := context.Background()

	e.Submit(ctx, pos("a", model.Short, "BTC", 1000))
	_, err := e.Submit(ctx, pos("b", model.Long, "BTC", 1000))
	if !errors.Is(err, model.ErrSupplyCapExceeded) {
		t.Fatalf("expected ErrSupplyCapExceeded, got %v", err)
	}
	if !l.Supply().IsZero() {
		t.Errorf("expected no supply change, got %s", l.Supply())
	}
	open := e.Open()
	if len(open) != 1 || open[0].Submitter != "a" || open[0].Matched {
		t.Errorf("resting position must stay open, got %+v", open)
	}
}

func TestSubmit_InvalidInput(t *testing.T) {
	e, _, _ := newTestEngine(t, 1e9)
	bad := []*model.Position{
		pos("", model.Long, "BTC", 1),
		pos("a", model.Long, "", 1),
		pos("a", model.Long, "BTC", 0),
		pos("a", "sideways", "BTC", 1),
	}
	for _, p := range bad {
		if _, err := e.Submit(context.Background(), p); !errors.Is(err, model.ErrInvalidInput) {
			t.Errorf("%+v: expected ErrInvalidInput, got %v", p, err)
		}
	}
}

func TestSubmit_ConcurrentNoDoubleMatch(t *testing.T) {
	e, _, ms := newTestEngine(t, 1e12)
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			e.Submit(ctx, pos(fmt.Sprintf("s%d", i), model.Short, "BTC", 100))
		}(i)
		go func(i int) {
			defer wg.Done()
			e.Submit(ctx, pos(fmt.Sprintf("l%d", i), model.Long, "BTC", 100))
		}(i)
	}
	wg.Wait()

	matches, _ := ms.ListMatches(ctx, 0)
	if len(matches) != n {
		t.Errorf("expected %d matches, got %d", n, len(matches))
	}
	seen := make(map[string]bool)
	for _, m := range matches {
		for _, id := range []string{m.PositionAID, m.PositionBID} {
			if seen[id] {
				t.Fatalf("position %s matched twice", id)
			}
			seen[id] = true
		}
	}
	mints, _ := ms.ListMintRecords(ctx, 0)
	if len(mints) != 2*n {
		t.Errorf("expected %d mints, got %d", 2*n, len(mints))
	}
	if len(e.Open()) != 0 {
		t.Errorf("expected empty pool, got %d", len(e.Open()))
	}
}

func TestForceMatch(t *testing.T) {
	e, _, _ := newTestEngine(t, 1e9)
	ctx := context.Background()

	a, _ := e.Submit(ctx, pos("a", model.Short, "BTC", 100))
	b, _ := e.Submit(ctx, pos("b", model.Short, "BTC", 100))
	c, _ := e.Submit(ctx, pos("c", model.Short, "ETH", 100))

	if _, err := e.ForceMatch(ctx, "guest", a.Position.ID, b.Position.ID); !errors.Is(err, model.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := e.ForceMatch(ctx, "ops", a.Position.ID, b.Position.ID); !errors.Is(err, model.ErrIncompatible) {
		t.Errorf("same direction: expected ErrIncompatible, got %v", err)
	}
	if _, err := e.ForceMatch(ctx, "ops", a.Position.ID, "ghost"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("unknown id: expected ErrNotFound, got %v", err)
	}

	// TryMatch withdraws an unmatched position instead of resting it.
	long, _ := e.TryMatch(ctx, pos("d", model.Long, "SOL", 100))
	if _, err := e.ForceMatch(ctx, "ops", c.Position.ID, long.Position.ID); !errors.Is(err, model.ErrConflict) {
		t.Errorf("withdrawn position: expected ErrConflict, got %v", err)
	}

	other, _ := e.Submit(ctx, pos("e", model.Long, "DOGE", 100))
	e.Submit(ctx, pos("f", model.Short, "DOGE", 50)) // too small, rests
	res, err := e.ForceMatch(ctx, "ops", other.Position.ID, b.Position.ID)
	if !errors.Is(err, model.ErrIncompatible) || res != nil {
		t.Errorf("different asset: expected ErrIncompatible, got %v", err)
	}
}

func TestForceMatch_SettlesRestingPair(t *testing.T) {
	e, _, ms := newTestEngine(t, 1e9)
	ctx := context.Background()

	// Seed through the store so the automatic scan never pairs them.
	now := time.Now().UTC()
	ms.SavePosition(ctx, &model.Position{ID: "p1", Submitter: "a", Direction: model.Short, Asset: "BTC", AmountUSD: d(100), Status: model.PositionOpen, CreatedAt: now})
	ms.SavePosition(ctx, &model.Position{ID: "p2", Submitter: "b", Direction: model.Long, Asset: "BTC", AmountUSD: d(90), Status: model.PositionOpen, CreatedAt: now.Add(time.Second)})
	if err := e.Restore(ctx); err != nil {
		t.Fatal(err)
	}

	res, err := e.ForceMatch(ctx, "ops", "p2", "p1")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Match.Forced || res.Match.PositionAID != "p1" {
		t.Errorf("expected forced match with earlier position as A, got %+v", res.Match)
	}
	if res.Residual == nil || !res.Residual.AmountUSD.Equal(d(10)) || res.Residual.ParentID != "p1" {
		t.Errorf("unexpected residual %+v", res.Residual)
	}
	if _, err := e.ForceMatch(ctx, "ops", "p1", "p2"); !errors.Is(err, model.ErrConflict) {
		t.Errorf("rematch: expected ErrConflict, got %v", err)
	}
}

func TestWithdraw(t *testing.T) {
	e, _, ms := newTestEngine(t, 1e9)
	ctx := context.Background()

	res, _ := e.Submit(ctx, pos("a", model.Short, "BTC", 100))
	w, err := e.Withdraw(ctx, res.Position.ID)
	if err != nil {
		t.Fatal(err)
	}
	if w.Status != model.PositionWithdrawn {
		t.Errorf("expected withdrawn, got %s", w.Status)
	}
	if len(e.Open()) != 0 {
		t.Error("withdrawn position must leave the pool")
	}
	if later, _ := e.Submit(ctx, pos("b", model.Long, "BTC", 100)); later.Matched() {
		t.Error("withdrawn position must never match")
	}
	if _, err := e.Withdraw(ctx, res.Position.ID); !errors.Is(err, model.ErrConflict) {
		t.Errorf("second withdraw: expected ErrConflict, got %v", err)
	}
	stored, _ := ms.GetPosition(ctx, res.Position.ID)
	if stored.Status != model.PositionWithdrawn {
		t.Errorf("expected stored status withdrawn, got %s", stored.Status)
	}
}

func TestExpired(t *testing.T) {
	e, _, _ := newTestEngine(t, 1e9)
	ctx := context.Background()

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := base
	e.now = func() time.Time { return clock }

	e.Submit(ctx, pos("a", model.Short, "BTC", 100))
	clock = base.Add(time.Minute)
	e.Submit(ctx, pos("b", model.Short, "ETH", 100))

	got := e.Expired(base.Add(30 * time.Second))
	if len(got) != 1 || got[0].Submitter != "a" {
		t.Errorf("expected only a expired, got %+v", got)
	}
}

func TestRestore(t *testing.T) {
	e, l, ms := newTestEngine(t, 1e9)
	ctx := context.Background()
	e.Submit(ctx, pos("a", model.Short, "BTC", 100))

	fresh := NewEngine(ms, l, nil, "engine")
	if err := fresh.Restore(ctx); err != nil {
		t.Fatal(err)
	}
	res, err := fresh.Submit(ctx, pos("b", model.Long, "BTC", 100))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Matched() {
		t.Error("restored pool should match the incoming position")
	}
}
