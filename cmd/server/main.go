package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/wreckage-engine/internal/access"
	"github.com/atmx/wreckage-engine/internal/api"
	"github.com/atmx/wreckage-engine/internal/asset"
	"github.com/atmx/wreckage-engine/internal/config"
	"github.com/atmx/wreckage-engine/internal/ledger"
	"github.com/atmx/wreckage-engine/internal/matching"
	"github.com/atmx/wreckage-engine/internal/metrics"
	"github.com/atmx/wreckage-engine/internal/model"
	"github.com/atmx/wreckage-engine/internal/pricefeed"
	"github.com/atmx/wreckage-engine/internal/publish"
	"github.com/atmx/wreckage-engine/internal/settlement"
	"github.com/atmx/wreckage-engine/internal/store"
	"github.com/atmx/wreckage-engine/internal/venue"
)

func main() {
	configPath := flag.String("config", os.Getenv("WRECKAGE_CONFIG"), "path to TOML configuration file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "path", *configPath, "err", err)
		os.Exit(1)
	}

	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("wreckage-engine exited with error", "err", err)
		os.Exit(1)
	}
	fmt.Println("wreckage-engine stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Redis (cache and price feed) ---
	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("invalid redis url: %w", err)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
	}

	// --- Store ---
	var st store.Store
	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if cfg.Database.RunMigrations {
			if err := pg.Migrate(ctx); err != nil {
				return err
			}
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		if rdb != nil {
			st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL.Duration)
			slog.Info("Redis cache enabled", "ttl", cfg.Redis.CacheTTL.Duration)
		}
	} else {
		slog.Warn("database url not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Access control ---
	acl := access.New(st)
	if err := acl.Load(ctx); err != nil {
		return err
	}
	if err := acl.Bootstrap(ctx, cfg.Ledger.MinterActor, access.RoleMinter); err != nil {
		return err
	}
	for _, a := range cfg.Access.Admins {
		if err := acl.Bootstrap(ctx, a, access.RoleAdmin); err != nil {
			return err
		}
	}
	for _, a := range cfg.Access.Matchers {
		if err := acl.Bootstrap(ctx, a, access.RoleMatcher); err != nil {
			return err
		}
	}

	// --- Ledger, venues, matching ---
	ldg, err := ledger.New(st, cfg.Ledger.MaxSupply, acl)
	if err != nil {
		return err
	}
	if err := ldg.Load(ctx); err != nil {
		return err
	}

	registry := venue.NewRegistry(st, acl)
	if err := registry.Load(ctx); err != nil {
		return err
	}
	seeds := make([]model.Venue, 0, len(cfg.Venues))
	for _, v := range cfg.Venues {
		seeds = append(seeds, v.Venue())
	}
	if err := registry.Seed(ctx, seeds); err != nil {
		return err
	}

	engine := matching.NewEngine(st, ldg, acl, cfg.Ledger.MinterActor)
	if err := engine.Restore(ctx); err != nil {
		return err
	}

	assets, err := asset.NewRegistry(cfg.Assets...)
	if err != nil {
		return err
	}

	// --- Price feed ---
	var feed pricefeed.Feed
	switch cfg.PriceFeed.Source {
	case "redis":
		feed = pricefeed.NewRedisFeed(rdb)
	default:
		feed = pricefeed.NewStaticFeed(cfg.PriceFeed.Static)
	}
	checker := pricefeed.NewChecker(feed, pricefeed.CheckerConfig{
		Timeout:    cfg.PriceFeed.Timeout.Duration,
		MaxAge:     cfg.PriceFeed.MaxAge.Duration,
		MaxRetries: cfg.PriceFeed.MaxRetries,
		Backoff:    cfg.PriceFeed.Backoff.Duration,
	})
	slog.Info("price feed configured", "source", cfg.PriceFeed.Source)

	g, ctx := errgroup.WithContext(ctx)

	// --- Publishers ---
	hub := publish.NewHub(cfg.Server.CORSOrigins...)
	g.Go(func() error { return hub.Run(ctx) })
	publishers := publish.Fanout{hub}

	if cfg.NATS.URL != "" {
		nc, js, err := publish.Connect(cfg.NATS.URL)
		if err != nil {
			return err
		}
		cleanup = append(cleanup, nc.Close)
		if err := publish.EnsureStream(ctx, js, cfg.NATS.SubjectPrefix, cfg.NATS.StreamMaxAge.Duration); err != nil {
			return err
		}
		np := publish.NewNATSPublisher(js, cfg.NATS.SubjectPrefix, cfg.NATS.Buffer)
		g.Go(func() error { return np.Run(ctx) })
		publishers = append(publishers, np)
		slog.Info("NATS publishing enabled", "prefix", cfg.NATS.SubjectPrefix)
	}

	// --- Settlement ---
	orch := settlement.New(settlement.Config{
		MatchWindow: cfg.Matching.Window.Duration,
		MaxHops:     cfg.Routing.MaxHops,
		Actor:       cfg.Ledger.MinterActor,
	}, settlement.Deps{
		Store:     st,
		Assets:    assets,
		Pricer:    checker,
		Matcher:   engine,
		Minter:    ldg,
		Registry:  registry,
		Publisher: publishers,
	})
	if cfg.Matching.Window.Duration > 0 {
		sweeper := settlement.NewSweeper(orch, engine, cfg.Matching.SweepInterval.Duration)
		g.Go(func() error { return sweeper.Run(ctx) })
	}

	svc := api.NewService(api.Deps{
		Orchestrator: orch,
		Engine:       engine,
		Ledger:       ldg,
		Registry:     registry,
		Access:       acl,
		Store:        st,
		Publisher:    publishers,
		Hub:          hub,
		ActorHeader:  cfg.Server.ActorHeader,
		MaxHops:      cfg.Routing.MaxHops,
	})

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(cfg.Server.RequestTimeout.Duration))
	r.Use(metrics.Middleware)
	r.Use(cors(cfg.Server.CORSOrigins, cfg.Server.ActorHeader))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"wreckage-engine"}`))
	})
	r.Handle("/metrics", metrics.Handler())
	svc.Routes(r)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.Server.RequestTimeout.Duration + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g.Go(func() error {
		slog.Info("wreckage-engine listening",
			"port", cfg.Server.Port,
			"match_window", cfg.Matching.Window.Duration,
			"max_supply", cfg.Ledger.MaxSupply.String(),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// Graceful shutdown.
	g.Go(func() error {
		<-ctx.Done()
		slog.Info("shutting down wreckage-engine...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// cors allows the configured origins; "*" allows any.
func cors(origins []string, actorHeader string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	headers := strings.Join([]string{"Content-Type", "Authorization", actorHeader}, ", ")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			switch {
			case allowed["*"]:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case origin != "" && allowed[origin]:
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", headers)
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
