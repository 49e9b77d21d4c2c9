package settlement

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/atmx/wreckage-engine/internal/model"
)

// Sweeper periodically settles positions that rested longer than the match
// window without finding a counterparty.
type Sweeper struct {
	orch     *Orchestrator
	matcher  Matcher
	interval time.Duration
	now      func() time.Time
}

// NewSweeper creates a sweeper that settles expired positions every interval.
func NewSweeper(orch *Orchestrator, matcher Matcher, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Second
	}
	return &Sweeper{
		orch:     orch,
		matcher:  matcher,
		interval: interval,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	slog.Info("sweeper started", "interval", s.interval, "match_window", s.orch.MatchWindow())
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep settles every expired position once and returns how many were
// settled.
func (s *Sweeper) Sweep(ctx context.Context) int {
	cutoff := s.now().Add(-s.orch.MatchWindow())
	settled := 0
	for _, p := range s.matcher.Expired(cutoff) {
		if ctx.Err() != nil {
			return settled
		}
		out, err := s.orch.SettleResting(ctx, p.ID)
		switch {
		case err == nil:
			settled++
		case errors.Is(err, model.ErrConflict):
			// Matched or withdrawn since Expired was read.
		case out != nil:
			// Terminal rejection, already audited.
			settled++
		default:
			slog.Error("sweep settle failed", "position_id", p.ID, "error", err)
		}
	}
	return settled
}
