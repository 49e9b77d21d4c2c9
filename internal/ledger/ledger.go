package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/wreckage-engine/internal/metrics"
	"github.com/atmx/wreckage-engine/internal/model"
	"github.com/atmx/wreckage-engine/internal/store"
)

// RoleMinter is the role an actor must hold to mint.
const RoleMinter = "minter"

// Authorizer checks role grants. Satisfied by access.Control.
type Authorizer interface {
	Require(actor, role string) error
}

// MintRequest is one call to mint. Actor is the principal performing the
// mint (checked against RoleMinter when an Authorizer is configured).
type MintRequest struct {
	Actor      string
	Recipient  string
	AmountUSD  decimal.Decimal
	Path       model.PathKind
	Ref        string
	Efficiency decimal.Decimal
	Native     bool
}

// Ledger owns total supply and the mint record log. The cap check, record
// append and supply update form one critical section per call.
type Ledger struct {
	mu        sync.Mutex
	store     store.Store
	auth      Authorizer
	maxSupply decimal.Decimal
	supply    decimal.Decimal
	now       func() time.Time
}

// New creates a ledger with the given hard cap. Pass nil auth to skip role
// checks (tests, single-tenant tools).
func New(st store.Store, maxSupply decimal.Decimal, auth Authorizer) (*Ledger, error) {
	if !maxSupply.IsPositive() {
		return nil, fmt.Errorf("%w: max supply must be positive", model.ErrInvalidInput)
	}
	return &Ledger{
		store:     st,
		auth:      auth,
		maxSupply: maxSupply,
		supply:    decimal.Zero,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// Load restores current supply from the mint log.
func (l *Ledger) Load(ctx context.Context) error {
	total, err := l.store.SumMinted(ctx)
	if err != nil {
		return fmt.Errorf("ledger: restore supply: %w", err)
	}
	l.mu.Lock()
	l.supply = total
	l.mu.Unlock()
	metrics.Supply.Set(total.InexactFloat64())
	return nil
}

// Authorize reports whether actor may mint, without minting.
func (l *Ledger) Authorize(actor string) error {
	if l.auth == nil {
		return nil
	}
	return l.auth.Require(actor, RoleMinter)
}

// Quote computes the amount a request would mint without minting it.
func (l *Ledger) Quote(req MintRequest) (decimal.Decimal, error) {
	if req.Recipient == "" {
		return decimal.Zero, fmt.Errorf("%w: recipient is required", model.ErrInvalidInput)
	}
	return ComputeMint(req.AmountUSD, req.Path, req.Efficiency, req.Native)
}

// Mint computes and records one mint. Returns model.ErrSupplyCapExceeded
// if the mint would take supply past the cap; nothing is recorded then.
func (l *Ledger) Mint(ctx context.Context, req MintRequest) (*model.MintRecord, error) {
	records, err := l.mint(ctx, req)
	if err != nil {
		return nil, err
	}
	return records[0], nil
}

// MintPair mints both sides of a match atomically: either both records are
// appended or neither is.
func (l *Ledger) MintPair(ctx context.Context, a, b MintRequest) (*model.MintRecord, *model.MintRecord, error) {
	records, err := l.mint(ctx, a, b)
	if err != nil {
		return nil, nil, err
	}
	return records[0], records[1], nil
}

func (l *Ledger) mint(ctx context.Context, reqs ...MintRequest) ([]*model.MintRecord, error) {
	amounts := make([]decimal.Decimal, len(reqs))
	total := decimal.Zero
	for i, req := range reqs {
		if l.auth != nil {
			if err := l.auth.Require(req.Actor, RoleMinter); err != nil {
				return nil, err
			}
		}
		amount, err := l.Quote(req)
		if err != nil {
			return nil, err
		}
		amounts[i] = amount
		total = total.Add(amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.supply.Add(total).GreaterThan(l.maxSupply) {
		metrics.SupplyCapRejections.Inc()
		return nil, fmt.Errorf("ledger: minting %s would exceed cap %s (supply %s): %w",
			total, l.maxSupply, l.supply, model.ErrSupplyCapExceeded)
	}

	now := l.now()
	records := make([]*model.MintRecord, 0, len(reqs))
	for i, req := range reqs {
		rec := &model.MintRecord{
			ID:             uuid.New().String(),
			Recipient:      req.Recipient,
			AmountUSDInput: req.AmountUSD,
			AmountMinted:   amounts[i],
			Path:           req.Path,
			Ref:            req.Ref,
			Efficiency:     req.Efficiency,
			Native:         req.Native,
			Timestamp:      now,
		}
		if err := l.store.InsertMintRecord(ctx, rec); err != nil {
			return nil, fmt.Errorf("ledger: record mint: %w", err)
		}
		// Supply tracks the log record by record, so a failed second insert
		// never leaves supply behind what the log holds.
		l.supply = l.supply.Add(rec.AmountMinted)
		records = append(records, rec)

		metrics.MintsTotal.WithLabelValues(string(rec.Path)).Inc()
		metrics.MintedAmount.WithLabelValues(string(rec.Path)).Add(rec.AmountMinted.InexactFloat64())

		slog.Info("minted",
			"mint_id", rec.ID,
			"recipient", rec.Recipient,
			"path", rec.Path,
			"ref", rec.Ref,
			"amount_usd", rec.AmountUSDInput.String(),
			"minted", rec.AmountMinted.String(),
		)
	}
	metrics.Supply.Set(l.supply.InexactFloat64())
	return records, nil
}

// Supply returns the total minted so far.
func (l *Ledger) Supply() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.supply
}

// MaxSupply returns the hard cap.
func (l *Ledger) MaxSupply() decimal.Decimal {
	return l.maxSupply
}

// Remaining returns how much can still be minted.
func (l *Ledger) Remaining() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.maxSupply.Sub(l.supply)
}
