package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/wreckage-engine/internal/access"
	"github.com/atmx/wreckage-engine/internal/api"
	"github.com/atmx/wreckage-engine/internal/asset"
	"github.com/atmx/wreckage-engine/internal/ledger"
	"github.com/atmx/wreckage-engine/internal/matching"
	"github.com/atmx/wreckage-engine/internal/model"
	"github.com/atmx/wreckage-engine/internal/pricefeed"
	"github.com/atmx/wreckage-engine/internal/settlement"
	"github.com/atmx/wreckage-engine/internal/store"
	"github.com/atmx/wreckage-engine/internal/venue"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type testEnv struct {
	router chi.Router
	store  *store.MemoryStore
	feed   *pricefeed.StaticFeed
}

// newTestEnv wires the full engine on an in-memory store. "root" is admin,
// "ops" is matcher.
func newTestEnv(t *testing.T, window time.Duration, maxSupply float64) *testEnv {
	t.Helper()
	ctx := context.Background()
	ms := store.NewMemoryStore()

	acl := access.New(ms)
	acl.Bootstrap(ctx, "engine", access.RoleMinter)
	acl.Bootstrap(ctx, "root", access.RoleAdmin)
	acl.Bootstrap(ctx, "ops", access.RoleMatcher)

	l, err := ledger.New(ms, d(maxSupply), acl)
	if err != nil {
		t.Fatal(err)
	}
	eng := matching.NewEngine(ms, l, acl, "engine")
	reg := venue.NewRegistry(ms, acl)
	assets, _ := asset.NewRegistry(asset.Asset{Symbol: "ETH"})
	feed := pricefeed.NewStaticFeed(map[string]decimal.Decimal{"ETH": d(1)})
	checker := pricefeed.NewChecker(feed, pricefeed.CheckerConfig{
		Timeout: time.Second, MaxAge: time.Minute, MaxRetries: 0,
	})

	orch := settlement.New(settlement.Config{MatchWindow: window, MaxHops: 2, Actor: "engine"}, settlement.Deps{
		Store:    ms,
		Assets:   assets,
		Pricer:   checker,
		Matcher:  eng,
		Minter:   l,
		Registry: reg,
	})
	svc := api.NewService(api.Deps{
		Orchestrator: orch,
		Engine:       eng,
		Ledger:       l,
		Registry:     reg,
		Access:       acl,
		Store:        ms,
	})

	r := chi.NewRouter()
	svc.Routes(r)
	return &testEnv{router: r, store: ms, feed: feed}
}

func (e *testEnv) do(t *testing.T, method, path, actor string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		req.Header.Set("X-Actor", actor)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func submission(submitter, dir string, amount float64, seq uint64) settlement.Submission {
	return settlement.Submission{
		Submitter: submitter,
		Direction: dir,
		Asset:     "ETH",
		Amount:    d(amount),
		Sequence:  seq,
		Verified:  true,
	}
}

func decodeOutcome(t *testing.T, w *httptest.ResponseRecorder) settlement.Outcome {
	t.Helper()
	var out settlement.Outcome
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatalf("decode outcome: %v", err)
	}
	return out
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var resp map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return resp
}

// --- Submission ---

func TestSubmitWreckage_RestThenMatch(t *testing.T) {
	env := newTestEnv(t, time.Hour, 1e9)

	w := env.do(t, "POST", "/api/v1/wreckage", "", submission("alice", "short", 50000, 1))
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	if out := decodeOutcome(t, w); out.State != model.StateResting {
		t.Errorf("expected resting, got %s", out.State)
	}

	w = env.do(t, "POST", "/api/v1/wreckage", "", submission("bob", "long", 55000, 1))
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	out := decodeOutcome(t, w)
	if out.State != model.StateMatched || len(out.Mints) != 2 {
		t.Fatalf("expected matched with 2 mints, got %+v", out)
	}
	if !out.Mints[0].AmountMinted.Equal(d(133000)) {
		t.Errorf("expected 133000 minted, got %s", out.Mints[0].AmountMinted)
	}

	w = env.do(t, "GET", "/api/v1/positions", "", nil)
	var open []model.Position
	json.NewDecoder(w.Body).Decode(&open)
	if len(open) != 1 || !open[0].AmountUSD.Equal(d(5000)) {
		t.Errorf("expected 5000 residual open, got %+v", open)
	}
}

func TestSubmitWreckage_Errors(t *testing.T) {
	env := newTestEnv(t, 0, 1e9)

	req := httptest.NewRequest("POST", "/api/v1/wreckage", bytes.NewReader([]byte("{bad")))
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("malformed body: expected 400, got %d", w.Code)
	}

	unknown := submission("alice", "long", 10, 1)
	unknown.Asset = "DOGE"
	w = env.do(t, "POST", "/api/v1/wreckage", "", unknown)
	if w.Code != http.StatusBadRequest || decodeError(t, w)["kind"] != "unknown_asset" {
		t.Errorf("unknown asset: expected 400/unknown_asset, got %d", w.Code)
	}

	unverified := submission("alice", "long", 10, 1)
	unverified.Verified = false
	w = env.do(t, "POST", "/api/v1/wreckage", "", unverified)
	if w.Code != http.StatusBadRequest || decodeError(t, w)["kind"] != "unverified" {
		t.Errorf("unverified: expected 400/unverified, got %d", w.Code)
	}

	if w := env.do(t, "POST", "/api/v1/wreckage", "", submission("alice", "long", 10, 2)); w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	w = env.do(t, "POST", "/api/v1/wreckage", "", submission("alice", "long", 10, 2))
	if w.Code != http.StatusConflict || decodeError(t, w)["kind"] != "duplicate_event" {
		t.Errorf("duplicate: expected 409/duplicate_event, got %d", w.Code)
	}
}

func TestSubmitWreckage_StalePriceIsRetryable(t *testing.T) {
	env := newTestEnv(t, 0, 1e9)
	env.feed.Set("ETH", decimal.Zero)

	w := env.do(t, "POST", "/api/v1/wreckage", "", submission("alice", "long", 10, 1))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
	if resp := decodeError(t, w); resp["retryable"] != true || resp["kind"] != "stale_price" {
		t.Errorf("unexpected body %v", resp)
	}
}

func TestSubmitWreckage_SupplyCap(t *testing.T) {
	env := newTestEnv(t, 0, 100)

	w := env.do(t, "POST", "/api/v1/wreckage", "", submission("alice", "long", 1000, 1))
	if w.Code != http.StatusUnprocessableEntity || decodeError(t, w)["kind"] != "supply_cap_exceeded" {
		t.Errorf("expected 422/supply_cap_exceeded, got %d", w.Code)
	}
}

func TestSettlePosition(t *testing.T) {
	env := newTestEnv(t, time.Hour, 1e9)

	w := env.do(t, "POST", "/api/v1/wreckage", "", submission("alice", "short", 100, 1))
	rest := decodeOutcome(t, w)

	settle := "/api/v1/positions/" + rest.PositionID + "/settle"

	w = env.do(t, "POST", settle, "alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if out := decodeOutcome(t, w); out.State != model.StateBaseMinted {
		t.Errorf("expected base mint with no venues, got %s", out.State)
	}

	w = env.do(t, "POST", settle, "alice", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("second settle: expected 409, got %d", w.Code)
	}
	w = env.do(t, "POST", "/api/v1/positions/ghost/settle", "alice", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown position: expected 404, got %d", w.Code)
	}
}

func TestSettlePosition_RequiresSubmitterOrAdmin(t *testing.T) {
	env := newTestEnv(t, time.Hour, 1e9)

	w := env.do(t, "POST", "/api/v1/wreckage", "", submission("alice", "short", 100, 1))
	rest := decodeOutcome(t, w)
	settle := "/api/v1/positions/" + rest.PositionID + "/settle"

	for _, actor := range []string{"", "bob", "ops"} {
		w := env.do(t, "POST", settle, actor, nil)
		if w.Code != http.StatusForbidden {
			t.Errorf("actor %q: expected 403, got %d", actor, w.Code)
		}
	}
	var open []model.Position
	json.NewDecoder(env.do(t, "GET", "/api/v1/positions", "", nil).Body).Decode(&open)
	if len(open) != 1 || open[0].ID != rest.PositionID {
		t.Fatalf("position should still rest, got %+v", open)
	}

	w = env.do(t, "POST", settle, "root", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("admin: expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

// --- Venues and routing ---

func TestAdminVenues(t *testing.T) {
	env := newTestEnv(t, 0, 1e9)
	body := api.VenueRequest{CapacityUSD: d(10000), CostBps: d(20)}

	if w := env.do(t, "PUT", "/api/v1/admin/venues/v1", "", body); w.Code != http.StatusForbidden {
		t.Errorf("anonymous: expected 403, got %d", w.Code)
	}
	if w := env.do(t, "PUT", "/api/v1/admin/venues/v1", "ops", body); w.Code != http.StatusForbidden {
		t.Errorf("non-admin: expected 403, got %d", w.Code)
	}

	w := env.do(t, "PUT", "/api/v1/admin/venues/v1", "root", body)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var snap venue.Snapshot
	json.NewDecoder(w.Body).Decode(&snap)
	if snap.Version != 1 || len(snap.Venues) != 1 || !snap.Venues[0].Active {
		t.Errorf("unexpected snapshot %+v", snap)
	}

	w = env.do(t, "PUT", "/api/v1/admin/venues/v1/native", "root", map[string]bool{"native": true})
	if w.Code != http.StatusOK {
		t.Fatalf("set native: expected 200, got %d", w.Code)
	}

	w = env.do(t, "GET", "/api/v1/route/quote?amount=1000", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("quote: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var quote api.RouteQuote
	json.NewDecoder(w.Body).Decode(&quote)
	if quote.Plan.Ref() != "v1" || !quote.Plan.Native {
		t.Errorf("unexpected plan %+v", quote.Plan)
	}
	// 1000 * 1.2 * (1 + 0.5 + 0.3*0.998 + 0.6)
	if !quote.MintPreview.Equal(d(2879.28)) {
		t.Errorf("expected preview 2879.28, got %s", quote.MintPreview)
	}

	if w := env.do(t, "POST", "/api/v1/admin/venues/v1/deactivate", "root", nil); w.Code != http.StatusOK {
		t.Fatalf("deactivate: expected 200, got %d", w.Code)
	}
	w = env.do(t, "GET", "/api/v1/route/quote?amount=1000", "", nil)
	if w.Code != http.StatusUnprocessableEntity || decodeError(t, w)["kind"] != "no_route_found" {
		t.Errorf("expected 422/no_route_found after deactivation, got %d", w.Code)
	}

	w = env.do(t, "GET", "/api/v1/venues/history", "", nil)
	var history []venue.Change
	json.NewDecoder(w.Body).Decode(&history)
	if len(history) != 3 || history[2].Action != "deactivate" || history[2].Actor != "root" {
		t.Errorf("unexpected history %+v", history)
	}
}

func TestQuoteRoute_BadInput(t *testing.T) {
	env := newTestEnv(t, 0, 1e9)
	for _, path := range []string{
		"/api/v1/route/quote",
		"/api/v1/route/quote?amount=abc",
		"/api/v1/route/quote?amount=10&max_hops=x",
	} {
		if w := env.do(t, "GET", path, "", nil); w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", path, w.Code)
		}
	}
}

// --- Roles and force match ---

func TestRoles(t *testing.T) {
	env := newTestEnv(t, 0, 1e9)

	grant := api.RoleRequest{Actor: "carol", Role: "admin"}
	if w := env.do(t, "POST", "/api/v1/admin/roles", "ops", grant); w.Code != http.StatusForbidden {
		t.Errorf("non-admin grant: expected 403, got %d", w.Code)
	}
	if w := env.do(t, "POST", "/api/v1/admin/roles", "root", grant); w.Code != http.StatusCreated {
		t.Fatalf("grant: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if w := env.do(t, "POST", "/api/v1/admin/roles", "root", api.RoleRequest{Actor: "x", Role: "god"}); w.Code != http.StatusBadRequest {
		t.Errorf("unknown role: expected 400, got %d", w.Code)
	}

	// carol can now administer venues
	body := api.VenueRequest{CapacityUSD: d(1), CostBps: d(1)}
	if w := env.do(t, "PUT", "/api/v1/admin/venues/v1", "carol", body); w.Code != http.StatusOK {
		t.Errorf("granted admin: expected 200, got %d", w.Code)
	}

	if w := env.do(t, "DELETE", "/api/v1/admin/roles?actor=carol&role=admin", "root", nil); w.Code != http.StatusNoContent {
		t.Fatalf("revoke: expected 204, got %d", w.Code)
	}
	if w := env.do(t, "PUT", "/api/v1/admin/venues/v1", "carol", body); w.Code != http.StatusForbidden {
		t.Errorf("revoked admin: expected 403, got %d", w.Code)
	}
}

func TestForceMatch(t *testing.T) {
	env := newTestEnv(t, time.Hour, 1e9)

	a := decodeOutcome(t, env.do(t, "POST", "/api/v1/wreckage", "", submission("alice", "short", 100, 1)))
	b := decodeOutcome(t, env.do(t, "POST", "/api/v1/wreckage", "", submission("bob", "short", 100, 1)))

	req := api.ForceMatchRequest{PositionA: a.PositionID, PositionB: b.PositionID}
	if w := env.do(t, "POST", "/api/v1/admin/matches", "root", req); w.Code != http.StatusForbidden {
		t.Errorf("admin without matcher role: expected 403, got %d", w.Code)
	}
	w := env.do(t, "POST", "/api/v1/admin/matches", "ops", req)
	if w.Code != http.StatusUnprocessableEntity || decodeError(t, w)["kind"] != "incompatible" {
		t.Errorf("same direction: expected 422/incompatible, got %d", w.Code)
	}
}

// --- Queries ---

func TestQueries(t *testing.T) {
	env := newTestEnv(t, 0, 1e9)
	for i := uint64(1); i <= 3; i++ {
		env.do(t, "POST", "/api/v1/wreckage", "", submission("alice", "long", 100, i))
	}

	w := env.do(t, "GET", "/api/v1/supply", "", nil)
	var supply map[string]decimal.Decimal
	json.NewDecoder(w.Body).Decode(&supply)
	// three base mints of 100 * 0.5
	if !supply["supply"].Equal(d(150)) || !supply["remaining"].Equal(d(1e9 - 150)) {
		t.Errorf("unexpected supply %v", supply)
	}

	w = env.do(t, "GET", "/api/v1/mints?limit=2", "", nil)
	var mints []model.MintRecord
	json.NewDecoder(w.Body).Decode(&mints)
	if len(mints) != 2 {
		t.Errorf("expected 2 mints with limit, got %d", len(mints))
	}

	w = env.do(t, "GET", "/api/v1/recipients/alice/stats", "", nil)
	var stats model.RecipientStats
	json.NewDecoder(w.Body).Decode(&stats)
	if stats.MintCount != 3 || !stats.TotalMinted.Equal(d(150)) {
		t.Errorf("unexpected stats %+v", stats)
	}

	w = env.do(t, "GET", "/api/v1/audit", "", nil)
	var audit []model.AuditRecord
	json.NewDecoder(w.Body).Decode(&audit)
	// received, route_failed, base_minted per event
	if len(audit) != 9 {
		t.Errorf("expected 9 audit records, got %d", len(audit))
	}

	for _, path := range []string{"/api/v1/matches", "/api/v1/routes", "/api/v1/venues"} {
		if w := env.do(t, "GET", path, "", nil); w.Code != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", path, w.Code)
		}
	}
}
