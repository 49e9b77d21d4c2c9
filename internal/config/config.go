// Package config defines the engine's configuration, its defaults, and
// validation. Values come from a TOML file merged over Defaults, then
// environment overrides (see Load).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/wreckage-engine/internal/asset"
	"github.com/atmx/wreckage-engine/internal/model"
	"github.com/atmx/wreckage-engine/internal/routing"
)

// Config is the top-level configuration.
type Config struct {
	LogLevel  string          `toml:"log_level"`
	Server    ServerConfig    `toml:"server"`
	Database  DatabaseConfig  `toml:"database"`
	Redis     RedisConfig     `toml:"redis"`
	NATS      NATSConfig      `toml:"nats"`
	Ledger    LedgerConfig    `toml:"ledger"`
	Matching  MatchingConfig  `toml:"matching"`
	Routing   RoutingConfig   `toml:"routing"`
	PriceFeed PriceFeedConfig `toml:"price_feed"`
	Access    AccessConfig    `toml:"access"`
	Assets    []asset.Asset   `toml:"assets"`
	Venues    []VenueConfig   `toml:"venues"`
}

// duration decodes TOML strings like "30s" into a time.Duration.
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port           int      `toml:"port"`
	CORSOrigins    []string `toml:"cors_origins"`
	RequestTimeout duration `toml:"request_timeout"`
	ActorHeader    string   `toml:"actor_header"`
}

// DatabaseConfig selects PostgreSQL. An empty URL uses the in-memory store.
type DatabaseConfig struct {
	URL           string `toml:"url"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig enables the read-through cache and the Redis price feed.
type RedisConfig struct {
	URL      string   `toml:"url"`
	CacheTTL duration `toml:"cache_ttl"`
}

// NATSConfig enables outbound JetStream publishing when URL is set.
type NATSConfig struct {
	URL           string   `toml:"url"`
	SubjectPrefix string   `toml:"subject_prefix"`
	StreamMaxAge  duration `toml:"stream_max_age"`
	Buffer        int      `toml:"buffer"`
}

// LedgerConfig holds the supply cap and the minting principal.
type LedgerConfig struct {
	MaxSupply   decimal.Decimal `toml:"max_supply"`
	MinterActor string          `toml:"minter_actor"`
}

// MatchingConfig controls how long positions rest before routing.
type MatchingConfig struct {
	Window        duration `toml:"window"`
	SweepInterval duration `toml:"sweep_interval"`
}

type RoutingConfig struct {
	MaxHops int `toml:"max_hops"`
}

// PriceFeedConfig selects and bounds the price source.
type PriceFeedConfig struct {
	Source     string                     `toml:"source"` // "static" or "redis"
	Timeout    duration                   `toml:"timeout"`
	MaxAge     duration                   `toml:"max_age"`
	MaxRetries int                        `toml:"max_retries"`
	Backoff    duration                   `toml:"backoff"`
	Static     map[string]decimal.Decimal `toml:"static"`
}

// AccessConfig bootstraps role grants at startup.
type AccessConfig struct {
	Admins   []string `toml:"admins"`
	Matchers []string `toml:"matchers"`
}

// VenueConfig seeds the venue registry. Seeds never overwrite venues that
// already exist in the store.
type VenueConfig struct {
	ID          string          `toml:"id"`
	Name        string          `toml:"name"`
	CapacityUSD decimal.Decimal `toml:"capacity_usd"`
	CostBps     decimal.Decimal `toml:"cost_bps"`
	Native      bool            `toml:"native"`
	Disabled    bool            `toml:"disabled"`
}

// Venue converts the seed into a registry entry.
func (v VenueConfig) Venue() model.Venue {
	return model.Venue{
		ID:          v.ID,
		Name:        v.Name,
		NativeAsset: v.Native,
		CapacityUSD: v.CapacityUSD,
		CostBps:     v.CostBps,
		Active:      !v.Disabled,
	}
}

// Defaults returns a configuration suitable for local development.
func Defaults() Config {
	return Config{
		LogLevel: "info",
		Server: ServerConfig{
			Port:           8080,
			CORSOrigins:    []string{"*"},
			RequestTimeout: duration{30 * time.Second},
			ActorHeader:    "X-Actor",
		},
		Database: DatabaseConfig{RunMigrations: true},
		Redis:    RedisConfig{CacheTTL: duration{30 * time.Second}},
		NATS: NATSConfig{
			SubjectPrefix: "wreckage.events",
			StreamMaxAge:  duration{72 * time.Hour},
			Buffer:        1024,
		},
		Ledger: LedgerConfig{
			MaxSupply:   decimal.NewFromInt(1_000_000_000),
			MinterActor: "settlement-engine",
		},
		Matching: MatchingConfig{
			Window:        duration{5 * time.Minute},
			SweepInterval: duration{10 * time.Second},
		},
		Routing: RoutingConfig{MaxHops: routing.MaxSupportedHops},
		PriceFeed: PriceFeedConfig{
			Source:     "static",
			Timeout:    duration{2 * time.Second},
			MaxAge:     duration{time.Minute},
			MaxRetries: 2,
			Backoff:    duration{100 * time.Millisecond},
		},
	}
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Server.ActorHeader == "" {
		errs = append(errs, "server: actor_header must not be empty")
	}

	if !c.Ledger.MaxSupply.IsPositive() {
		errs = append(errs, "ledger: max_supply must be > 0")
	}
	if c.Ledger.MinterActor == "" {
		errs = append(errs, "ledger: minter_actor must not be empty")
	}

	if c.Matching.Window.Duration < 0 {
		errs = append(errs, "matching: window must be >= 0")
	}
	if c.Matching.SweepInterval.Duration <= 0 {
		errs = append(errs, "matching: sweep_interval must be > 0")
	}

	if c.Routing.MaxHops < 1 || c.Routing.MaxHops > routing.MaxSupportedHops {
		errs = append(errs, fmt.Sprintf("routing: max_hops must be 1-%d, got %d", routing.MaxSupportedHops, c.Routing.MaxHops))
	}

	switch c.PriceFeed.Source {
	case "static":
		for sym, p := range c.PriceFeed.Static {
			if !p.IsPositive() {
				errs = append(errs, fmt.Sprintf("price_feed: static price for %s must be > 0", sym))
			}
		}
	case "redis":
		if c.Redis.URL == "" {
			errs = append(errs, "price_feed: source redis requires redis.url")
		}
	default:
		errs = append(errs, fmt.Sprintf("price_feed: unknown source %q (valid: static, redis)", c.PriceFeed.Source))
	}
	if c.PriceFeed.MaxRetries < 0 {
		errs = append(errs, "price_feed: max_retries must be >= 0")
	}
	if c.PriceFeed.MaxAge.Duration <= 0 {
		errs = append(errs, "price_feed: max_age must be > 0")
	}

	if len(c.Assets) == 0 {
		errs = append(errs, "assets: at least one asset must be configured")
	}
	if _, err := asset.NewRegistry(c.Assets...); err != nil {
		errs = append(errs, "assets: "+err.Error())
	}

	seen := make(map[string]bool, len(c.Venues))
	for i, v := range c.Venues {
		switch {
		case v.ID == "":
			errs = append(errs, fmt.Sprintf("venues[%d]: id must not be empty", i))
		case seen[v.ID]:
			errs = append(errs, fmt.Sprintf("venues[%d]: duplicate id %q", i, v.ID))
		}
		seen[v.ID] = true
		if v.CapacityUSD.IsNegative() {
			errs = append(errs, fmt.Sprintf("venues[%d]: capacity_usd must be >= 0", i))
		}
		if v.CostBps.IsNegative() || v.CostBps.GreaterThan(decimal.NewFromInt(10000)) {
			errs = append(errs, fmt.Sprintf("venues[%d]: cost_bps must be 0-10000", i))
		}
	}

	if c.NATS.URL != "" && c.NATS.SubjectPrefix == "" {
		errs = append(errs, "nats: subject_prefix must not be empty")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
