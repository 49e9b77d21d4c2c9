package pricefeed

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/wreckage-engine/internal/model"
)

// RedisFeed reads prices maintained by an external oracle process. Each
// asset is a hash at "price:{ASSET}" with fields "usd" (decimal string) and
// "as_of" (Unix nanoseconds).
type RedisFeed struct {
	rdb *redis.Client
}

func NewRedisFeed(rdb *redis.Client) *RedisFeed {
	return &RedisFeed{rdb: rdb}
}

func priceKey(asset string) string {
	return "price:" + asset
}

func (f *RedisFeed) Price(ctx context.Context, asset string) (Price, error) {
	vals, err := f.rdb.HGetAll(ctx, priceKey(asset)).Result()
	if err != nil {
		return Price{}, fmt.Errorf("redis: get price %s: %w", asset, err)
	}
	return parsePrice(asset, vals)
}

func parsePrice(asset string, vals map[string]string) (Price, error) {
	usdStr, ok := vals["usd"]
	if !ok {
		return Price{}, fmt.Errorf("price %s: %w", asset, model.ErrNotFound)
	}
	usd, err := decimal.NewFromString(usdStr)
	if err != nil {
		return Price{}, fmt.Errorf("redis: parse price %s: %w", asset, err)
	}
	tsStr, ok := vals["as_of"]
	if !ok {
		return Price{}, fmt.Errorf("price %s has no as_of: %w", asset, model.ErrNotFound)
	}
	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return Price{}, fmt.Errorf("redis: parse as_of %s: %w", asset, err)
	}
	return Price{Asset: asset, USD: usd, AsOf: time.Unix(0, ts).UTC()}, nil
}
