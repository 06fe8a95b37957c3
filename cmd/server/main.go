package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cartkeep/internal/admin"
	carthandler "cartkeep/internal/cart/handler"
	cartmetrics "cartkeep/internal/cart/metrics"
	"cartkeep/internal/cart/ports"
	"cartkeep/internal/cart/service"
	memorystore "cartkeep/internal/cart/store/memory"
	postgresstore "cartkeep/internal/cart/store/postgres"
	redisstore "cartkeep/internal/cart/store/redis"
	jwttoken "cartkeep/internal/jwt_token"
	"cartkeep/internal/platform/config"
	"cartkeep/internal/platform/httpserver"
	"cartkeep/internal/platform/logger"
	"cartkeep/internal/platform/metrics"
	platformredis "cartkeep/internal/platform/redis"
	"cartkeep/internal/ratelimit"
	ratemetrics "cartkeep/internal/ratelimit/metrics"
	ratemodels "cartkeep/internal/ratelimit/models"
	ratememory "cartkeep/internal/ratelimit/store/memory"
	rateredis "cartkeep/internal/ratelimit/store/redis"
	"cartkeep/pkg/platform/audit"
	"cartkeep/pkg/platform/audit/publisher"
	auditkafka "cartkeep/pkg/platform/audit/store/kafka"
	auditmemory "cartkeep/pkg/platform/audit/store/memory"
	auditpostgres "cartkeep/pkg/platform/audit/store/postgres"
	"cartkeep/pkg/platform/circuit"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "cartkeep:", err)
		os.Exit(1)
	}
}

// infra holds the long-lived resources opened at startup so they can be
// health-checked and closed in reverse order.
type infra struct {
	db      *sql.DB
	redis   *platformredis.Client
	closers []func()
	checks  map[string]func(context.Context) error
}

func (in *infra) close() {
	for i := len(in.closers) - 1; i >= 0; i-- {
		in.closers[i]()
	}
}

func run() error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	log := logger.New(logger.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	cartMetrics := cartmetrics.New(reg)
	httpMetrics := metrics.New(reg)

	in := &infra{checks: map[string]func(context.Context) error{}}
	defer in.close()

	store, err := openCartStore(ctx, cfg, in, log)
	if err != nil {
		return err
	}
	sink, err := openAuditSink(ctx, cfg, in)
	if err != nil {
		return err
	}

	var (
		pub       ports.AuditPublisher
		adminOpts []admin.Option
	)
	if sink != nil {
		pubOpts := []publisher.Option{
			publisher.WithLogger(log),
			publisher.WithMetrics(publisher.NewMetrics(reg)),
			publisher.WithBreaker(circuit.New("audit-sink")),
		}
		if cfg.Audit.Buffer > 0 {
			pubOpts = append(pubOpts, publisher.WithAsyncBuffer(cfg.Audit.Buffer))
		}
		p := publisher.NewPublisher(sink, pubOpts...)
		in.closers = append(in.closers, p.Close)
		pub = p
		if _, ok := sink.(audit.Lister); ok {
			adminOpts = append(adminOpts, admin.WithAuditLister(p))
		}
	}

	svc, err := service.New(store,
		service.WithLogger(log),
		service.WithAuditPublisher(pub),
		service.WithMetrics(cartMetrics),
		service.WithMaxLineQuantity(cfg.Cart.MaxLineQuantity),
		service.WithStoreTimeout(cfg.Store.Timeout),
	)
	if err != nil {
		return err
	}

	handlerOpts := []carthandler.Option{
		carthandler.WithMetrics(httpMetrics),
		carthandler.WithAuditPublisher(pub),
		carthandler.WithTimeout(cfg.Server.RequestTimeout),
	}
	if cfg.Cart.RateLimit > 0 {
		limiter, err := newRateLimiter(cfg, in, reg, log)
		if err != nil {
			return err
		}
		handlerOpts = append(handlerOpts, carthandler.WithRateLimiter(limiter))
		adminOpts = append(adminOpts, admin.WithRateLimitResetter(limiter))
	}

	jwtService := jwttoken.NewJWTService(cfg.Server.JWTSigningKey, cfg.Server.JWTIssuer, cfg.Server.JWTAudience)

	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	r.Get("/healthz", healthHandler(in.checks))
	if cfg.Server.AdminToken != "" {
		admin.New(cfg.Server.AdminToken, log, adminOpts...).Register(r)
	}
	carthandler.New(svc, jwtService, log, handlerOpts...).Register(r)

	log.Info("starting cartkeep",
		"addr", cfg.Server.Addr,
		"store", cfg.Store.Driver,
		"audit_sink", cfg.Audit.Sink,
	)
	return httpserver.Run(ctx, httpserver.New(cfg.Server.Addr, r), cfg.Server.ShutdownTimeout, log)
}

func openCartStore(ctx context.Context, cfg config.Config, in *infra, log *slog.Logger) (service.Store, error) {
	switch cfg.Store.Driver {
	case config.StoreRedis:
		client, err := platformredis.New(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		in.redis = client
		in.closers = append(in.closers, func() { _ = client.Close() })
		in.checks["redis"] = client.Health
		return redisstore.New(client.Client, redisstore.WithGuestTTL(cfg.Store.GuestTTL)), nil
	case config.StorePostgres:
		db, err := openDB(ctx, cfg, in)
		if err != nil {
			return nil, err
		}
		store := postgresstore.New(db)
		if err := store.Migrate(ctx); err != nil {
			return nil, err
		}
		return store, nil
	default:
		log.Warn("using in-memory cart store; carts are lost on restart")
		return memorystore.New(), nil
	}
}

func openAuditSink(ctx context.Context, cfg config.Config, in *infra) (audit.Store, error) {
	switch cfg.Audit.Sink {
	case config.AuditPostgres:
		db, err := openDB(ctx, cfg, in)
		if err != nil {
			return nil, err
		}
		store := auditpostgres.New(db)
		if err := store.Migrate(ctx); err != nil {
			return nil, err
		}
		return store, nil
	case config.AuditKafka:
		sink, err := auditkafka.New(cfg.Audit.KafkaBrokers, cfg.Audit.KafkaTopic)
		if err != nil {
			return nil, err
		}
		in.closers = append(in.closers, func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = sink.Close(closeCtx)
		})
		if err := sink.EnsureTopic(ctx, 1, 1); err != nil {
			return nil, err
		}
		in.checks["kafka"] = sink.Ping
		return sink, nil
	case config.AuditNone:
		return nil, nil
	default:
		return auditmemory.NewInMemoryStore(auditmemory.WithCapacity(cfg.Audit.MemoryCapacity)), nil
	}
}

// newRateLimiter shares budgets through Redis when the cart store already
// runs on it, otherwise keeps them per process.
func newRateLimiter(cfg config.Config, in *infra, reg prometheus.Registerer, log *slog.Logger) (*ratelimit.Limiter, error) {
	var store ratelimit.Store = ratememory.New()
	if in.redis != nil {
		store = rateredis.New(in.redis.Client)
	}
	return ratelimit.New(store,
		ratemodels.Limit{Requests: cfg.Cart.RateLimit, Window: cfg.Cart.RateWindow},
		ratelimit.WithLogger(log),
		ratelimit.WithMetrics(ratemetrics.New(reg)),
	)
}

// openDB opens the shared pool once; the cart store and audit sink may both use it.
func openDB(ctx context.Context, cfg config.Config, in *infra) (*sql.DB, error) {
	if in.db != nil {
		return in.db, nil
	}
	db, err := sql.Open("pgx", cfg.Postgres.URL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if cfg.Postgres.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	in.db = db
	in.closers = append(in.closers, func() { _ = db.Close() })
	in.checks["postgres"] = db.PingContext
	return db, nil
}

func healthHandler(checks map[string]func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		var failed []error
		for name, check := range checks {
			if err := check(ctx); err != nil {
				failed = append(failed, fmt.Errorf("%s: %w", name, err))
			}
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if err := errors.Join(failed...); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = fmt.Fprintln(w, err.Error())
			return
		}
		_, _ = fmt.Fprintln(w, "ok")
	}
}
