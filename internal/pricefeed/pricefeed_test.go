package pricefeed

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/wreckage-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// scriptedFeed returns its responses in order, repeating the last one.
type scriptedFeed struct {
	responses []Price
	errs      []error
	calls     int
}

func (f *scriptedFeed) Price(_ context.Context, asset string) (Price, error) {
	i := f.calls
	if i >= len(f.responses) {
		i = len(f.responses) - 1
	}
	f.calls++
	return f.responses[i], f.errs[i]
}

func fastConfig() CheckerConfig {
	return CheckerConfig{Timeout: time.Second, MaxAge: time.Minute, MaxRetries: 2, Backoff: time.Millisecond}
}

func TestValue(t *testing.T) {
	p := Price{Asset: "ETH", USD: d(2000)}
	q := Value(p, decimal.RequireFromString("1500000000000000000"), 18)
	if !q.AmountUSD.Equal(d(3000)) {
		t.Errorf("expected 3000, got %s", q.AmountUSD)
	}
	if q := Value(p, d(2), 0); !q.AmountUSD.Equal(d(4000)) {
		t.Errorf("expected 4000, got %s", q.AmountUSD)
	}
}

func TestChecker_FreshPrice(t *testing.T) {
	c := NewChecker(NewStaticFeed(map[string]decimal.Decimal{"BTC": d(50000)}), fastConfig())

	q, err := c.USDValue(context.Background(), "BTC", d(2), 0)
	if err != nil {
		t.Fatal(err)
	}
	if !q.AmountUSD.Equal(d(100000)) || !q.UnitUSD.Equal(d(50000)) {
		t.Errorf("unexpected quote %+v", q)
	}
}

func TestChecker_RetriesUntilFresh(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	stale := Price{Asset: "ETH", USD: d(2000), AsOf: now.Add(-time.Hour)}
	fresh := Price{Asset: "ETH", USD: d(2100), AsOf: now}
	feed := &scriptedFeed{responses: []Price{stale, fresh}, errs: []error{nil, nil}}

	c := NewChecker(feed, fastConfig())
	c.now = func() time.Time { return now }

	q, err := c.USDValue(context.Background(), "ETH", d(1), 0)
	if err != nil {
		t.Fatal(err)
	}
	if !q.UnitUSD.Equal(d(2100)) || feed.calls != 2 {
		t.Errorf("expected fresh price on second call, got %s after %d calls", q.UnitUSD, feed.calls)
	}
}

func TestChecker_ExhaustedIsStale(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	stale := Price{Asset: "ETH", USD: d(2000), AsOf: now.Add(-time.Hour)}
	feed := &scriptedFeed{responses: []Price{stale}, errs: []error{nil}}

	c := NewChecker(feed, fastConfig())
	c.now = func() time.Time { return now }

	_, err := c.USDValue(context.Background(), "ETH", d(1), 0)
	if !errors.Is(err, model.ErrStalePrice) {
		t.Fatalf("expected ErrStalePrice, got %v", err)
	}
	if !model.IsRetryable(err) {
		t.Error("stale price should be retryable")
	}
	if feed.calls != 3 {
		t.Errorf("expected 3 attempts, got %d", feed.calls)
	}
}

func TestChecker_FeedErrorsAndBadPrices(t *testing.T) {
	now := time.Now().UTC()
	tests := []struct {
		name string
		p    Price
		err  error
	}{
		{"zero", Price{Asset: "X", USD: decimal.Zero, AsOf: now}, nil},
		{"negative", Price{Asset: "X", USD: d(-1), AsOf: now}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			feed := &scriptedFeed{responses: []Price{tt.p}, errs: []error{tt.err}}
			c := NewChecker(feed, fastConfig())
			if _, err := c.USDValue(context.Background(), "X", d(1), 0); !errors.Is(err, model.ErrStalePrice) {
				t.Errorf("expected ErrStalePrice, got %v", err)
			}
		})
	}
}

func TestChecker_MissingPriceIsNotRetried(t *testing.T) {
	feed := &scriptedFeed{responses: []Price{{}}, errs: []error{fmt.Errorf("price X: %w", model.ErrNotFound)}}
	c := NewChecker(feed, fastConfig())

	_, err := c.USDValue(context.Background(), "X", d(1), 0)
	if !errors.Is(err, model.ErrNotFound) || errors.Is(err, model.ErrStalePrice) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if model.IsRetryable(err) {
		t.Error("missing price should not be retryable")
	}
	if feed.calls != 1 {
		t.Errorf("expected 1 attempt, got %d", feed.calls)
	}
}

func TestChecker_ContextCancelled(t *testing.T) {
	feed := &scriptedFeed{responses: []Price{{}}, errs: []error{errors.New("connection refused")}}
	cfg := fastConfig()
	cfg.Backoff = time.Hour
	c := NewChecker(feed, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.USDValue(ctx, "X", d(1), 0); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestParsePrice(t *testing.T) {
	p, err := parsePrice("BTC", map[string]string{"usd": "64250.5", "as_of": "1717243200000000000"})
	if err != nil {
		t.Fatal(err)
	}
	if !p.USD.Equal(d(64250.5)) {
		t.Errorf("expected 64250.5, got %s", p.USD)
	}
	if want := time.Unix(0, 1717243200000000000).UTC(); !p.AsOf.Equal(want) {
		t.Errorf("expected %v, got %v", want, p.AsOf)
	}

	if _, err := parsePrice("BTC", map[string]string{}); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("empty hash: expected ErrNotFound, got %v", err)
	}
	if _, err := parsePrice("BTC", map[string]string{"usd": "abc", "as_of": "1"}); err == nil {
		t.Error("expected parse error")
	}
	if _, err := parsePrice("BTC", map[string]string{"usd": "1"}); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("missing as_of: expected ErrNotFound, got %v", err)
	}
}
