// Package settlement drives each wreckage event through its lifecycle:
// validate, price, record, then P2P match, or rest and later route through
// venues, or fall back to a base mint.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/wreckage-engine/internal/asset"
	"github.com/atmx/wreckage-engine/internal/ledger"
	"github.com/atmx/wreckage-engine/internal/matching"
	"github.com/atmx/wreckage-engine/internal/metrics"
	"github.com/atmx/wreckage-engine/internal/model"
	"github.com/atmx/wreckage-engine/internal/pricefeed"
	"github.com/atmx/wreckage-engine/internal/publish"
	"github.com/atmx/wreckage-engine/internal/routing"
	"github.com/atmx/wreckage-engine/internal/store"
	"github.com/atmx/wreckage-engine/internal/venue"
)

// Pricer values raw asset amounts in USD. Satisfied by *pricefeed.Checker.
type Pricer interface {
	USDValue(ctx context.Context, asset string, amount decimal.Decimal, decimals int32) (pricefeed.Quote, error)
}

// Matcher is the matching engine surface the orchestrator drives.
type Matcher interface {
	Submit(ctx context.Context, p *model.Position) (*matching.Result, error)
	TryMatch(ctx context.Context, p *model.Position) (*matching.Result, error)
	Withdraw(ctx context.Context, id string) (*model.Position, error)
	Expired(cutoff time.Time) []model.Position
}

// Minter mints a single settlement. Satisfied by *ledger.Ledger.
type Minter interface {
	Authorize(actor string) error
	Mint(ctx context.Context, req ledger.MintRequest) (*model.MintRecord, error)
}

// Config controls the settlement policy.
type Config struct {
	// MatchWindow is how long an unmatched position waits for a peer before
	// it is routed. Zero routes immediately.
	MatchWindow time.Duration
	MaxHops     int
	// Actor is the principal used for ledger mints; it must hold the
	// minter role.
	Actor string
}

// Submission is a wreckage event as reported by a submitter.
type Submission struct {
	Submitter string          `json:"submitter"`
	Direction string          `json:"direction"`
	VenueHint string          `json:"venue_hint,omitempty"`
	Asset     string          `json:"asset"`
	Amount    decimal.Decimal `json:"amount"`
	Decimals  int32           `json:"decimals"`
	Sequence  uint64          `json:"sequence"`
	Verified  bool            `json:"verified"`
	Timestamp time.Time       `json:"timestamp"`
}

// Outcome is the result of processing one event or settling one resting
// position.
type Outcome struct {
	EventID    string                `json:"event_id"`
	PositionID string                `json:"position_id"`
	State      model.SettlementState `json:"state"`
	Path       model.PathKind        `json:"path,omitempty"`
	AmountUSD  decimal.Decimal       `json:"amount_usd"`
	Match      *model.Match          `json:"match,omitempty"`
	Route      *model.Route          `json:"route,omitempty"`
	Residual   *model.Position       `json:"residual,omitempty"`
	Mints      []*model.MintRecord   `json:"mints,omitempty"`
	Reason     string                `json:"reason,omitempty"`
}

// Orchestrator wires validation, pricing, matching, routing and minting.
type Orchestrator struct {
	cfg      Config
	store    store.Store
	assets   *asset.Registry
	pricer   Pricer
	matcher  Matcher
	minter   Minter
	registry *venue.Registry
	pub      publish.Publisher
	locks    *keyLock
	now      func() time.Time
}

// Deps groups the orchestrator's collaborators.
type Deps struct {
	Store     store.Store
	Assets    *asset.Registry
	Pricer    Pricer
	Matcher   Matcher
	Minter    Minter
	Registry  *venue.Registry
	Publisher publish.Publisher
}

// New creates an orchestrator. A nil Publisher discards outcomes.
func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.MaxHops < 1 {
		cfg.MaxHops = routing.MaxSupportedHops
	}
	pub := deps.Publisher
	if pub == nil {
		pub = publish.Discard{}
	}
	return &Orchestrator{
		cfg:      cfg,
		store:    deps.Store,
		assets:   deps.Assets,
		pricer:   deps.Pricer,
		matcher:  deps.Matcher,
		minter:   deps.Minter,
		registry: deps.Registry,
		pub:      pub,
		locks:    newKeyLock(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// MatchWindow returns the configured resting time.
func (o *Orchestrator) MatchWindow() time.Duration { return o.cfg.MatchWindow }

// Process settles one submission. Validation, authorization, pricing and
// duplicate failures return an error and change nothing. Once the event is
// recorded, every failure ends in a terminal rejected outcome. Events from
// one submitter are processed one at a time.
func (o *Orchestrator) Process(ctx context.Context, sub Submission) (*Outcome, error) {
	start := time.Now()

	evt, err := o.validate(sub)
	if err != nil {
		return nil, o.reject(err)
	}
	if err := o.minter.Authorize(o.cfg.Actor); err != nil {
		return nil, o.reject(err)
	}

	unlock := o.locks.Lock(evt.Submitter)
	defer unlock()

	quote, err := o.pricer.USDValue(ctx, evt.Asset, evt.Amount, evt.Decimals)
	if err != nil {
		return nil, o.reject(err)
	}
	if !quote.AmountUSD.IsPositive() {
		return nil, o.reject(fmt.Errorf("%w: amount prices to %s USD", model.ErrInvalidInput, quote.AmountUSD))
	}
	evt.AmountUSD = quote.AmountUSD
	evt.PriceAsOf = quote.AsOf
	evt.ID = model.DeriveEventID(evt)

	if err := o.store.InsertEvent(ctx, evt); err != nil {
		return nil, o.reject(err)
	}
	o.audit(ctx, evt.ID, "", "", model.StateReceived, "", "")

	pos := &model.Position{
		EventID:   evt.ID,
		Submitter: evt.Submitter,
		Direction: evt.Direction,
		Asset:     evt.Asset,
		VenueHint: evt.VenueHint,
		AmountUSD: evt.AmountUSD,
	}

	var res *matching.Result
	if o.cfg.MatchWindow > 0 {
		res, err = o.matcher.Submit(ctx, pos)
	} else {
		res, err = o.matcher.TryMatch(ctx, pos)
	}
	if err != nil && !res.Matched() {
		out, ferr := o.fail(ctx, evt.ID, pos.ID, model.PathP2P, err)
		o.finish(ctx, start, evt.Submitter, out)
		return out, ferr
	}

	var out *Outcome
	switch {
	case res.Matched():
		// err, if set, is a store failure after both mints succeeded.
		out = o.matched(ctx, res)
	case o.cfg.MatchWindow > 0:
		out = &Outcome{
			EventID:    evt.ID,
			PositionID: res.Position.ID,
			State:      model.StateResting,
			AmountUSD:  res.Position.AmountUSD,
		}
		o.audit(ctx, evt.ID, res.Position.ID, "", model.StateResting, "",
			fmt.Sprintf("waiting up to %s for a counterparty", o.cfg.MatchWindow))
	default:
		out, err = o.route(ctx, res.Position)
	}
	o.finish(ctx, start, evt.Submitter, out)
	return out, err
}

// SettleResting withdraws an open position from the pool and routes it,
// falling back to a base mint. It fails with ErrConflict if the position
// has already been matched or withdrawn.
func (o *Orchestrator) SettleResting(ctx context.Context, positionID string) (*Outcome, error) {
	start := time.Now()

	// Checked before withdrawal so an unauthorized engine leaves the
	// position resting.
	if err := o.minter.Authorize(o.cfg.Actor); err != nil {
		return nil, o.reject(err)
	}
	pos, err := o.matcher.Withdraw(ctx, positionID)
	if err != nil {
		return nil, err
	}

	unlock := o.locks.Lock(pos.Submitter)
	defer unlock()

	out, err := o.route(ctx, pos)
	o.finish(ctx, start, pos.Submitter, out)
	return out, err
}

// route settles a position that left the pool: rails through the cheapest
// venue path, else base. Must hold the submitter's lock.
func (o *Orchestrator) route(ctx context.Context, pos *model.Position) (*Outcome, error) {
	plan, err := routing.FindRoute(o.registry.Snapshot(), pos.AmountUSD, o.cfg.MaxHops)
	switch {
	case err == nil:
		return o.mintRails(ctx, pos, plan)
	case errors.Is(err, model.ErrNoRouteFound):
		o.audit(ctx, pos.EventID, pos.ID, model.PathRails, model.StateRouteFailed, "", err.Error())
		metrics.SettlementsTotal.WithLabelValues(string(model.StateRouteFailed)).Inc()
		return o.mintBase(ctx, pos)
	default:
		return o.fail(ctx, pos.EventID, pos.ID, model.PathRails,
			fmt.Errorf("settlement: route position %s: %w", pos.ID, err))
	}
}

func (o *Orchestrator) mintRails(ctx context.Context, pos *model.Position, plan *routing.Plan) (*Outcome, error) {
	routeID := uuid.New().String()
	rec, err := o.minter.Mint(ctx, ledger.MintRequest{
		Actor:      o.cfg.Actor,
		Recipient:  pos.Submitter,
		AmountUSD:  pos.AmountUSD,
		Path:       model.PathRails,
		Ref:        routeID,
		Efficiency: plan.Efficiency,
		Native:     plan.Native,
	})
	if err != nil {
		return o.fail(ctx, pos.EventID, pos.ID, model.PathRails, err)
	}

	route := &model.Route{
		ID:              routeID,
		EventID:         pos.EventID,
		PositionID:      pos.ID,
		VenueIDs:        plan.VenueIDs,
		TotalCostBps:    plan.CostBps,
		AmountUSD:       pos.AmountUSD,
		MintAmount:      rec.AmountMinted,
		Efficiency:      plan.Efficiency,
		SnapshotVersion: plan.SnapshotVersion,
		Timestamp:       rec.Timestamp,
	}
	// The mint stands even if the route record cannot be saved.
	var saveErr error
	if err := o.store.InsertRoute(ctx, route); err != nil {
		saveErr = fmt.Errorf("settlement: route %s minted but not saved: %w", routeID, err)
	}
	metrics.RouteCostBps.Observe(plan.CostBps.InexactFloat64())

	o.audit(ctx, pos.EventID, pos.ID, model.PathRails, model.StateRouted, routeID, plan.Ref())
	return &Outcome{
		EventID:    pos.EventID,
		PositionID: pos.ID,
		State:      model.StateRouted,
		Path:       model.PathRails,
		AmountUSD:  pos.AmountUSD,
		Route:      route,
		Mints:      []*model.MintRecord{rec},
	}, saveErr
}

func (o *Orchestrator) mintBase(ctx context.Context, pos *model.Position) (*Outcome, error) {
	rec, err := o.minter.Mint(ctx, ledger.MintRequest{
		Actor:      o.cfg.Actor,
		Recipient:  pos.Submitter,
		AmountUSD:  pos.AmountUSD,
		Path:       model.PathBase,
		Ref:        pos.EventID,
		Efficiency: decimal.Zero,
	})
	if err != nil {
		return o.fail(ctx, pos.EventID, pos.ID, model.PathBase, err)
	}
	o.audit(ctx, pos.EventID, pos.ID, model.PathBase, model.StateBaseMinted, rec.ID, "")
	return &Outcome{
		EventID:    pos.EventID,
		PositionID: pos.ID,
		State:      model.StateBaseMinted,
		Path:       model.PathBase,
		AmountUSD:  pos.AmountUSD,
		Mints:      []*model.MintRecord{rec},
	}, nil
}

// matched records the match against both events.
func (o *Orchestrator) matched(ctx context.Context, res *matching.Result) *Outcome {
	m := res.Match
	cp := res.Counterparty
	o.audit(ctx, cp.EventID, cp.ID, model.PathP2P, model.StateMatched, m.ID, "counterparty "+res.Position.ID)
	o.pub.Publish(ctx, publish.Event{
		Type:       publish.TypeMatch,
		EventID:    cp.EventID,
		PositionID: cp.ID,
		Submitter:  cp.Submitter,
		State:      string(model.StateMatched),
		Path:       string(model.PathP2P),
		Payload:    m,
		Timestamp:  m.Timestamp,
	})
	metrics.SettlementsTotal.WithLabelValues(string(model.StateMatched)).Inc()

	o.audit(ctx, res.Position.EventID, res.Position.ID, model.PathP2P, model.StateMatched, m.ID, "counterparty "+cp.ID)
	return &Outcome{
		EventID:    res.Position.EventID,
		PositionID: res.Position.ID,
		State:      model.StateMatched,
		Path:       model.PathP2P,
		AmountUSD:  m.MatchedAmount,
		Match:      m,
		Residual:   res.Residual,
		Mints:      res.Mints,
	}
}

// fail records a terminal rejection for a recorded event whose settlement
// could not complete, and returns it with err. A supply cap refusal is not
// retried on a lower-rate path.
func (o *Orchestrator) fail(ctx context.Context, eventID, positionID string, path model.PathKind, err error) (*Outcome, error) {
	metrics.RejectionsTotal.WithLabelValues(model.ErrorKind(err)).Inc()
	if !errors.Is(err, model.ErrSupplyCapExceeded) {
		slog.Error("settlement failed", "event_id", eventID, "position_id", positionID, "path", path, "error", err)
	}
	o.audit(ctx, eventID, positionID, path, model.StateRejected, "", err.Error())
	return &Outcome{
		EventID:    eventID,
		PositionID: positionID,
		State:      model.StateRejected,
		Path:       path,
		Reason:     model.ErrorKind(err),
	}, err
}

func (o *Orchestrator) finish(ctx context.Context, start time.Time, submitter string, out *Outcome) {
	if out == nil {
		return
	}
	metrics.SettlementsTotal.WithLabelValues(string(out.State)).Inc()
	metrics.SettlementLatency.WithLabelValues(string(out.State)).Observe(time.Since(start).Seconds())

	o.pub.Publish(ctx, publish.Event{
		Type:       publish.TypeSettlement,
		EventID:    out.EventID,
		PositionID: out.PositionID,
		Submitter:  submitter,
		State:      string(out.State),
		Path:       string(out.Path),
		Payload:    out,
		Timestamp:  o.now(),
	})
	slog.Info("settlement",
		"event_id", out.EventID,
		"position_id", out.PositionID,
		"submitter", submitter,
		"state", out.State,
		"path", out.Path,
		"amount_usd", out.AmountUSD.String(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

func (o *Orchestrator) reject(err error) error {
	metrics.RejectionsTotal.WithLabelValues(model.ErrorKind(err)).Inc()
	slog.Warn("submission rejected", "kind", model.ErrorKind(err), "error", err)
	return err
}

// audit appends to the audit log. A failed write is logged, not returned:
// the mint it describes has already happened.
func (o *Orchestrator) audit(ctx context.Context, eventID, positionID string, path model.PathKind, state model.SettlementState, ref, detail string) {
	rec := &model.AuditRecord{
		ID:         uuid.New().String(),
		EventID:    eventID,
		PositionID: positionID,
		Path:       path,
		State:      state,
		Ref:        ref,
		Detail:     detail,
		Timestamp:  o.now(),
	}
	if err := o.store.InsertAudit(ctx, rec); err != nil {
		slog.Error("audit write failed", "event_id", eventID, "state", state, "error", err)
	}
}

func (o *Orchestrator) validate(sub Submission) (*model.WreckageEvent, error) {
	if sub.Submitter == "" {
		return nil, fmt.Errorf("%w: submitter is required", model.ErrInvalidInput)
	}
	dir, err := model.ParseDirection(sub.Direction)
	if err != nil {
		return nil, err
	}
	a, err := o.assets.Resolve(sub.Asset, sub.Decimals)
	if err != nil {
		return nil, err
	}
	if !sub.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive, got %s", model.ErrInvalidInput, sub.Amount)
	}
	if !sub.Verified {
		return nil, fmt.Errorf("event from %s seq %d: %w", sub.Submitter, sub.Sequence, model.ErrUnverified)
	}
	ts := sub.Timestamp
	if ts.IsZero() {
		ts = o.now()
	}
	return &model.WreckageEvent{
		Submitter: sub.Submitter,
		Direction: dir,
		VenueHint: sub.VenueHint,
		Asset:     a.Symbol,
		Amount:    sub.Amount,
		Decimals:  a.Decimals,
		Sequence:  sub.Sequence,
		Verified:  sub.Verified,
		Timestamp: ts.UTC(),
	}, nil
}
