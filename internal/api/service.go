// Package api exposes the settlement engine over HTTP.
//
// All monetary values use shopspring/decimal and are encoded as JSON strings.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/wreckage-engine/internal/access"
	"github.com/atmx/wreckage-engine/internal/ledger"
	"github.com/atmx/wreckage-engine/internal/matching"
	"github.com/atmx/wreckage-engine/internal/model"
	"github.com/atmx/wreckage-engine/internal/publish"
	"github.com/atmx/wreckage-engine/internal/routing"
	"github.com/atmx/wreckage-engine/internal/settlement"
	"github.com/atmx/wreckage-engine/internal/store"
	"github.com/atmx/wreckage-engine/internal/venue"
)

// DefaultListLimit caps list endpoints when no ?limit= is given.
const DefaultListLimit = 100

// Service holds the HTTP handlers.
type Service struct {
	orch        *settlement.Orchestrator
	engine      *matching.Engine
	ledger      *ledger.Ledger
	registry    *venue.Registry
	acl         *access.Control
	store       store.Store
	pub         publish.Publisher
	hub         *publish.Hub
	actorHeader string
	maxHops     int
}

// Deps groups the components the handlers call into.
type Deps struct {
	Orchestrator *settlement.Orchestrator
	Engine       *matching.Engine
	Ledger       *ledger.Ledger
	Registry     *venue.Registry
	Access       *access.Control
	Store        store.Store
	Publisher    publish.Publisher
	Hub          *publish.Hub // optional; nil disables /ws
	ActorHeader  string
	MaxHops      int
}

// NewService creates the HTTP service over the settlement engine.
func NewService(deps Deps) *Service {
	pub := deps.Publisher
	if pub == nil {
		pub = publish.Discard{}
	}
	header := deps.ActorHeader
	if header == "" {
		header = "X-Actor"
	}
	hops := deps.MaxHops
	if hops < 1 {
		hops = routing.MaxSupportedHops
	}
	return &Service{
		orch:        deps.Orchestrator,
		engine:      deps.Engine,
		ledger:      deps.Ledger,
		registry:    deps.Registry,
		acl:         deps.Access,
		store:       deps.Store,
		pub:         pub,
		hub:         deps.Hub,
		actorHeader: header,
		maxHops:     hops,
	}
}

// Routes mounts the /api/v1 surface on r.
func (s *Service) Routes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		if s.hub != nil {
			r.Get("/ws", s.hub.HandleWS)
		}

		r.Post("/wreckage", s.SubmitWreckage)
		r.Get("/positions", s.ListPositions)
		r.Post("/positions/{positionID}/settle", s.SettlePosition)
		r.Get("/route/quote", s.QuoteRoute)

		r.Get("/supply", s.GetSupply)
		r.Get("/recipients/{recipient}/stats", s.GetRecipientStats)
		r.Get("/venues", s.ListVenues)
		r.Get("/venues/history", s.VenueHistory)
		r.Get("/mints", s.ListMints)
		r.Get("/matches", s.ListMatches)
		r.Get("/routes", s.ListRoutes)
		r.Get("/audit", s.ListAudit)

		r.Route("/admin", func(r chi.Router) {
			r.Put("/venues/{venueID}", s.UpsertVenue)
			r.Post("/venues/{venueID}/deactivate", s.DeactivateVenue)
			r.Put("/venues/{venueID}/native", s.SetVenueNative)
			r.Post("/roles", s.GrantRole)
			r.Delete("/roles", s.RevokeRole)
			r.Post("/matches", s.ForceMatch)
		})
	})
}

// --- Settlement ---

// SubmitWreckage handles POST /api/v1/wreckage
func (s *Service) SubmitWreckage(w http.ResponseWriter, r *http.Request) {
	var req settlement.Submission
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	out, err := s.orch.Process(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	status := http.StatusCreated
	if out.State == model.StateResting {
		status = http.StatusAccepted
	}
	writeJSON(w, status, out)
}

// SettlePosition handles POST /api/v1/positions/{positionID}/settle.
// Only the position's submitter or an admin may settle it early.
func (s *Service) SettlePosition(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "positionID")
	pos, err := s.store.GetPosition(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if actor := s.actor(r); actor != pos.Submitter && !s.acl.Has(actor, access.RoleAdmin) {
		writeServiceError(w, fmt.Errorf("api: %q may not settle position %s: %w", actor, id, model.ErrUnauthorized))
		return
	}

	out, err := s.orch.SettleResting(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// ListPositions handles GET /api/v1/positions
func (s *Service) ListPositions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Open())
}

// RouteQuote previews the route and mint for an amount without settling.
type RouteQuote struct {
	Plan        *routing.Plan   `json:"plan"`
	MintPreview decimal.Decimal `json:"mint_preview"`
}

// QuoteRoute handles GET /api/v1/route/quote?amount=&max_hops=
func (s *Service) QuoteRoute(w http.ResponseWriter, r *http.Request) {
	amount, err := decimal.NewFromString(r.URL.Query().Get("amount"))
	if err != nil {
		writeError(w, "amount must be a decimal", http.StatusBadRequest)
		return
	}
	hops := s.maxHops
	if v := r.URL.Query().Get("max_hops"); v != "" {
		if hops, err = strconv.Atoi(v); err != nil {
			writeError(w, "max_hops must be an integer", http.StatusBadRequest)
			return
		}
	}
	if hops > routing.MaxSupportedHops {
		hops = routing.MaxSupportedHops
	}

	plan, err := routing.FindRoute(s.registry.Snapshot(), amount, hops)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	mint, err := ledger.ComputeMint(amount, model.PathRails, plan.Efficiency, plan.Native)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RouteQuote{Plan: plan, MintPreview: mint})
}

// --- Queries ---

// GetSupply handles GET /api/v1/supply
func (s *Service) GetSupply(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{
		"supply":     s.ledger.Supply(),
		"max_supply": s.ledger.MaxSupply(),
		"remaining":  s.ledger.Remaining(),
	})
}

// GetRecipientStats handles GET /api/v1/recipients/{recipient}/stats
func (s *Service) GetRecipientStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetRecipientStats(r.Context(), chi.URLParam(r, "recipient"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ListVenues handles GET /api/v1/venues
func (s *Service) ListVenues(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.Snapshot())
}

// VenueHistory handles GET /api/v1/venues/history
func (s *Service) VenueHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.History())
}

// ListMints handles GET /api/v1/mints?limit=
func (s *Service) ListMints(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.ListMintRecords(r.Context(), listLimit(r))
	respond(w, recs, err)
}

// ListMatches handles GET /api/v1/matches?limit=
func (s *Service) ListMatches(w http.ResponseWriter, r *http.Request) {
	matches, err := s.store.ListMatches(r.Context(), listLimit(r))
	respond(w, matches, err)
}

// ListRoutes handles GET /api/v1/routes?limit=
func (s *Service) ListRoutes(w http.ResponseWriter, r *http.Request) {
	routes, err := s.store.ListRoutes(r.Context(), listLimit(r))
	respond(w, routes, err)
}

// ListAudit handles GET /api/v1/audit?limit=
func (s *Service) ListAudit(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.ListAudit(r.Context(), listLimit(r))
	respond(w, recs, err)
}

// --- Admin ---

// VenueRequest is the JSON body for PUT /admin/venues/{venueID}.
type VenueRequest struct {
	Name        string          `json:"name"`
	CapacityUSD decimal.Decimal `json:"capacity_usd"`
	CostBps     decimal.Decimal `json:"cost_bps"`
	Native      bool            `json:"native_asset"`
	Active      *bool           `json:"active,omitempty"` // defaults to true
}

// UpsertVenue handles PUT /api/v1/admin/venues/{venueID}
func (s *Service) UpsertVenue(w http.ResponseWriter, r *http.Request) {
	var req VenueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	snap, err := s.registry.Upsert(r.Context(), s.actor(r), model.Venue{
		ID:          chi.URLParam(r, "venueID"),
		Name:        req.Name,
		NativeAsset: req.Native,
		CapacityUSD: req.CapacityUSD,
		CostBps:     req.CostBps,
		Active:      active,
	})
	s.venueChanged(w, r, snap, err)
}

// DeactivateVenue handles POST /api/v1/admin/venues/{venueID}/deactivate
func (s *Service) DeactivateVenue(w http.ResponseWriter, r *http.Request) {
	snap, err := s.registry.Deactivate(r.Context(), s.actor(r), chi.URLParam(r, "venueID"))
	s.venueChanged(w, r, snap, err)
}

// SetVenueNative handles PUT /api/v1/admin/venues/{venueID}/native
func (s *Service) SetVenueNative(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Native bool `json:"native"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	snap, err := s.registry.SetNative(r.Context(), s.actor(r), chi.URLParam(r, "venueID"), req.Native)
	s.venueChanged(w, r, snap, err)
}

func (s *Service) venueChanged(w http.ResponseWriter, r *http.Request, snap *venue.Snapshot, err error) {
	if err != nil {
		writeServiceError(w, err)
		return
	}
	s.pub.Publish(r.Context(), publish.Event{
		Type:      publish.TypeVenue,
		Payload:   snap,
		Timestamp: time.Now().UTC(),
	})
	writeJSON(w, http.StatusOK, snap)
}

// RoleRequest is the JSON body for POST /admin/roles.
type RoleRequest struct {
	Actor string `json:"actor"`
	Role  string `json:"role"`
}

// GrantRole handles POST /api/v1/admin/roles
func (s *Service) GrantRole(w http.ResponseWriter, r *http.Request) {
	var req RoleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.acl.Grant(r.Context(), s.actor(r), req.Actor, req.Role); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

// RevokeRole handles DELETE /api/v1/admin/roles?actor=&role=
func (s *Service) RevokeRole(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if err := s.acl.Revoke(r.Context(), s.actor(r), q.Get("actor"), q.Get("role")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ForceMatchRequest is the JSON body for POST /admin/matches.
type ForceMatchRequest struct {
	PositionA string `json:"position_a"`
	PositionB string `json:"position_b"`
}

// ForceMatch handles POST /api/v1/admin/matches
func (s *Service) ForceMatch(w http.ResponseWriter, r *http.Request) {
	var req ForceMatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	res, err := s.engine.ForceMatch(r.Context(), s.actor(r), req.PositionA, req.PositionB)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// --- helpers ---

func (s *Service) actor(r *http.Request) string {
	return r.Header.Get(s.actorHeader)
}

func listLimit(r *http.Request) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return DefaultListLimit
}

func respond(w http.ResponseWriter, v interface{}, err error) {
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeServiceError maps an engine error onto a status and a stable kind.
func writeServiceError(w http.ResponseWriter, err error) {
	kind := model.ErrorKind(err)
	status := statusFor(err)
	if model.IsRetryable(err) {
		w.Header().Set("Retry-After", "1")
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
		msg = "internal error"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error":     msg,
		"kind":      kind,
		"retryable": model.IsRetryable(err),
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidInput),
		errors.Is(err, model.ErrUnknownAsset),
		errors.Is(err, model.ErrUnverified):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrDuplicateEvent),
		errors.Is(err, model.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, model.ErrSupplyCapExceeded),
		errors.Is(err, model.ErrNoRouteFound),
		errors.Is(err, model.ErrIncompatible):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrStalePrice):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
