package pricefeed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/wreckage-engine/internal/metrics"
	"github.com/atmx/wreckage-engine/internal/model"
)

// CheckerConfig bounds how long and how often a price is sought.
type CheckerConfig struct {
	Timeout    time.Duration // per attempt
	MaxAge     time.Duration // oldest acceptable as_of
	MaxRetries int           // attempts after the first
	Backoff    time.Duration // initial delay, doubled per retry
}

// DefaultCheckerConfig returns conservative defaults.
func DefaultCheckerConfig() CheckerConfig {
	return CheckerConfig{
		Timeout:    2 * time.Second,
		MaxAge:     time.Minute,
		MaxRetries: 2,
		Backoff:    100 * time.Millisecond,
	}
}

// Checker prices amounts through a Feed, rejecting answers that are late,
// stale, or non-positive.
type Checker struct {
	feed Feed
	cfg  CheckerConfig
	now  func() time.Time
}

// NewChecker creates a checker over feed.
func NewChecker(feed Feed, cfg CheckerConfig) *Checker {
	return &Checker{
		feed: feed,
		cfg:  cfg,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// USDValue prices amount (in raw units of the given precision). If no fresh
// price is obtained within the retry budget it returns ErrStalePrice. An
// asset the feed has no price for fails at once with ErrNotFound.
func (c *Checker) USDValue(ctx context.Context, asset string, amount decimal.Decimal, decimals int32) (Quote, error) {
	backoff := c.cfg.Backoff
	var lastErr error

	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return Quote{}, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		p, err := c.fetch(ctx, asset)
		if err == nil {
			metrics.PriceFeedAttempts.WithLabelValues("ok").Inc()
			return Value(p, amount, decimals), nil
		}
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return Quote{}, ctx.Err()
		}
		if errors.Is(err, model.ErrNotFound) {
			metrics.PriceFeedAttempts.WithLabelValues("missing").Inc()
			return Quote{}, err
		}
		lastErr = err
		metrics.PriceFeedAttempts.WithLabelValues("retry").Inc()
		slog.Warn("price unconfirmed", "asset", asset, "attempt", attempt+1, "error", err)
	}

	metrics.PriceFeedAttempts.WithLabelValues("exhausted").Inc()
	return Quote{}, fmt.Errorf("%w: %s after %d attempts: %v",
		model.ErrStalePrice, asset, c.cfg.MaxRetries+1, lastErr)
}

func (c *Checker) fetch(ctx context.Context, asset string) (Price, error) {
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}
	p, err := c.feed.Price(ctx, asset)
	if err != nil {
		return Price{}, err
	}
	if !p.USD.IsPositive() {
		return Price{}, fmt.Errorf("non-positive price %s", p.USD)
	}
	if c.cfg.MaxAge > 0 {
		if age := c.now().Sub(p.AsOf); age > c.cfg.MaxAge {
			return Price{}, fmt.Errorf("price is %s old (max %s)", age.Round(time.Millisecond), c.cfg.MaxAge)
		}
	}
	return p, nil
}
