package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Load merges the TOML file at path (skipped when path is empty) over
// Defaults, loads .env if present, and applies environment overrides. The
// result has not been validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Missing .env is fine.
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// applyEnvOverrides overwrites fields whose environment variable is set.
// The unprefixed PORT, DATABASE_URL, REDIS_URL and NATS_URL are honoured for
// platform compatibility; WRECKAGE_* variants take precedence.
func applyEnvOverrides(cfg *Config) {
	setInt(&cfg.Server.Port, "PORT")
	setStr(&cfg.Database.URL, "DATABASE_URL")
	setStr(&cfg.Redis.URL, "REDIS_URL")
	setStr(&cfg.NATS.URL, "NATS_URL")

	setStr(&cfg.LogLevel, "WRECKAGE_LOG_LEVEL")

	setInt(&cfg.Server.Port, "WRECKAGE_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "WRECKAGE_SERVER_CORS_ORIGINS")
	setDuration(&cfg.Server.RequestTimeout, "WRECKAGE_SERVER_REQUEST_TIMEOUT")

	setStr(&cfg.Database.URL, "WRECKAGE_DATABASE_URL")
	setBool(&cfg.Database.RunMigrations, "WRECKAGE_DATABASE_RUN_MIGRATIONS")

	setStr(&cfg.Redis.URL, "WRECKAGE_REDIS_URL")
	setDuration(&cfg.Redis.CacheTTL, "WRECKAGE_REDIS_CACHE_TTL")

	setStr(&cfg.NATS.URL, "WRECKAGE_NATS_URL")
	setStr(&cfg.NATS.SubjectPrefix, "WRECKAGE_NATS_SUBJECT_PREFIX")

	setDecimal(&cfg.Ledger.MaxSupply, "WRECKAGE_LEDGER_MAX_SUPPLY")
	setStr(&cfg.Ledger.MinterActor, "WRECKAGE_LEDGER_MINTER_ACTOR")

	setDuration(&cfg.Matching.Window, "WRECKAGE_MATCHING_WINDOW")
	setDuration(&cfg.Matching.SweepInterval, "WRECKAGE_MATCHING_SWEEP_INTERVAL")

	setInt(&cfg.Routing.MaxHops, "WRECKAGE_ROUTING_MAX_HOPS")

	setStr(&cfg.PriceFeed.Source, "WRECKAGE_PRICE_FEED_SOURCE")
	setDuration(&cfg.PriceFeed.MaxAge, "WRECKAGE_PRICE_FEED_MAX_AGE")
	setInt(&cfg.PriceFeed.MaxRetries, "WRECKAGE_PRICE_FEED_MAX_RETRIES")

	setStringSlice(&cfg.Access.Admins, "WRECKAGE_ACCESS_ADMINS")
	setStringSlice(&cfg.Access.Matchers, "WRECKAGE_ACCESS_MATCHERS")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDecimal(dst *decimal.Decimal, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			*dst = d
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
