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
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"sangha/internal/audit"
	"sangha/internal/events"
	"sangha/internal/jwttoken"
	"sangha/internal/ordergateway"
	gwmetrics "sangha/internal/ordergateway/metrics"
	"sangha/internal/platform/config"
	"sangha/internal/platform/httpserver"
	"sangha/internal/platform/logger"
	"sangha/internal/platform/metrics"
	"sangha/internal/platform/pipeline"
	"sangha/internal/platform/postgres"
	"sangha/internal/platform/redis"
	"sangha/internal/platform/tracing"
	"sangha/internal/ratelimit"
	"sangha/internal/registration/eligibility"
	reghandler "sangha/internal/registration/handler"
	"sangha/internal/registration/lock"
	regmetrics "sangha/internal/registration/metrics"
	regservice "sangha/internal/registration/service"
	regstore "sangha/internal/registration/store"
	retryhandler "sangha/internal/retry/handler"
	retrymetrics "sangha/internal/retry/metrics"
	retrymodels "sangha/internal/retry/models"
	retryservice "sangha/internal/retry/service"
	retrystore "sangha/internal/retry/store"
	id "sangha/pkg/domain"
	"sangha/pkg/platform/circuit"
	"sangha/pkg/platform/clock"
	"sangha/pkg/platform/httputil"
)

const maxBodyBytes = 64 << 10

// infra holds the optional backing services. Nil fields select the
// in-process fallbacks.
type infra struct {
	db    *sql.DB
	redis *redis.Client
	kafka *audit.KafkaSink
}

func (i *infra) close() {
	if i.kafka != nil {
		i.kafka.Close()
	}
	if i.redis != nil {
		_ = i.redis.Close()
	}
	if i.db != nil {
		_ = i.db.Close()
	}
}

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logger.New(cfg.Server.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	tracer, err := tracing.Setup(ctx, cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracer.Shutdown(flushCtx); err != nil {
			log.Warn("trace flush failed", "error", err)
		}
	}()

	deps, err := connect(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer deps.close()

	auditor := audit.NewPublisher(auditSink(deps),
		audit.WithAsyncBuffer(cfg.Kafka.BufferSize),
		audit.WithLogger(log),
	)
	defer auditor.Close()

	registrations, retries := buildServices(cfg, log, deps, auditor)
	defer retries.Close()

	resumed, err := retries.Resume(ctx)
	if err != nil {
		return fmt.Errorf("resume retries: %w", err)
	}
	if resumed > 0 {
		log.Info("resumed pending registration retries", "count", resumed)
	}

	router := newRouter(cfg, log, deps, registrations, retries)
	srv := httpserver.New(cfg.Server, router)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting sangha registration service", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func connect(ctx context.Context, cfg config.Config, log *slog.Logger) (*infra, error) {
	deps := &infra{}

	db, err := postgres.Open(ctx, cfg.Postgres)
	if err != nil {
		return nil, err
	}
	deps.db = db
	if db == nil {
		log.Warn("no postgres DSN configured, using in-memory stores")
	} else if cfg.Postgres.Migrate {
		if err := postgres.Migrate(db); err != nil {
			deps.close()
			return nil, err
		}
	}

	rdb, err := redis.New(ctx, cfg.Redis)
	if err != nil {
		deps.close()
		return nil, err
	}
	deps.redis = rdb
	if rdb == nil {
		log.Warn("no redis URL configured, locks and rate limits are per process")
	}

	if len(cfg.Kafka.Brokers) > 0 {
		sink, err := audit.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		if err != nil {
			deps.close()
			return nil, err
		}
		deps.kafka = sink
		if err := sink.EnsureTopic(ctx, cfg.Kafka.Partitions, cfg.Kafka.ReplicationFactor); err != nil {
			deps.close()
			return nil, err
		}
	}
	return deps, nil
}

func auditSink(deps *infra) audit.Sink {
	if deps.kafka != nil {
		return deps.kafka
	}
	return audit.NewMemorySink()
}

func buildServices(cfg config.Config, log *slog.Logger, deps *infra, auditor *audit.Publisher) (*regservice.Service, *retryservice.Service) {
	catalog := events.NewCached(events.NewInMemory(events.Event{
		ID:          id.EventID(cfg.Event.ID),
		Name:        cfg.Event.Name,
		StartDate:   cfg.Event.StartDate,
		ExternalRef: cfg.Event.ExternalRef,
		ItemID:      cfg.Event.ItemID,
	}), cfg.Event.CacheTTL)

	breaker := circuit.New("order-gateway",
		circuit.WithFailureThreshold(cfg.Gateway.FailureThreshold),
		circuit.WithSuccessThreshold(cfg.Gateway.SuccessThreshold),
		circuit.WithCooldown(cfg.Gateway.Cooldown),
	)
	gateway := ordergateway.NewClient(cfg.Gateway.BaseURL, cfg.Gateway.Token,
		ordergateway.WithTimeout(cfg.Gateway.Timeout),
		ordergateway.WithBreaker(breaker),
		ordergateway.WithLogger(log),
		ordergateway.WithMetrics(gwmetrics.New()),
		ordergateway.WithTracer(otel.Tracer("sangha/ordergateway")),
	)

	var (
		store       regservice.Store
		retryRecord retryservice.Store
		locker      regservice.Locker
	)
	if deps.db != nil {
		store = regstore.NewPostgres(deps.db)
		retryRecord = retrystore.NewPostgres(deps.db)
	} else {
		store = regstore.NewInMemory()
		retryRecord = retrystore.NewInMemory()
	}
	if deps.redis != nil {
		locker = lock.NewRedis(deps.redis, lock.WithTTL(cfg.Redis.LockTTL), lock.WithLogger(log))
	} else {
		locker = lock.NewSharded()
	}

	registrations := regservice.New(store, catalog, gateway,
		regservice.WithLogger(log),
		regservice.WithMetrics(regmetrics.New()),
		regservice.WithAuditPublisher(auditor),
		regservice.WithLocker(locker),
		regservice.WithGatewayTimeout(cfg.Gateway.Timeout),
		regservice.WithPolicy(eligibility.Policy{
			Blackout:               cfg.Policy.Blackout,
			MaxModifications:       cfg.Policy.MaxModifications,
			CancelRespectsBlackout: cfg.Policy.CancelRespectsBlackout,
		}),
	)

	retries := retryservice.New(retryRecord, registrations,
		retryservice.WithLogger(log),
		retryservice.WithMetrics(retrymetrics.New()),
		retryservice.WithAuditPublisher(auditor),
		retryservice.WithLocker(locker),
		retryservice.WithPolicy(retrymodels.Policy{
			BaseDelay:   cfg.Retry.BaseDelay,
			Multiplier:  cfg.Retry.Multiplier,
			MaxDelay:    cfg.Retry.MaxDelay,
			MaxAttempts: cfg.Retry.MaxAttempts,
		}),
	)
	return registrations, retries
}

func newRouter(cfg config.Config, log *slog.Logger, deps *infra, registrations *regservice.Service, retries *retryservice.Service) http.Handler {
	var limiter ratelimit.Limiter
	if deps.redis != nil {
		limiter = ratelimit.NewRedis(deps.redis, cfg.RateLimit.Requests, cfg.RateLimit.Window, clock.System{})
	} else {
		limiter = ratelimit.NewSlidingWindow(cfg.RateLimit.Requests, cfg.RateLimit.Window, clock.System{})
	}
	tokens := jwttoken.NewJWTService(cfg.Server.JWTSigningKey, cfg.Server.JWTIssuer)

	api := pipeline.New(log,
		pipeline.RequestMeta(),
		pipeline.Authentication(tokens, log),
		pipeline.RateLimit(limiter, log),
		pipeline.Validation(maxBodyBytes),
	)

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(metrics.NewHTTP().Middleware)

	r.Get("/healthz", healthz(deps))
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(api.Handler)
		retryhandler.New(retries, log).Register(r)
		reghandler.New(registrations, log).Register(r)
	})
	return r
}

func healthz(deps *infra) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		checks := map[string]string{}
		healthy := true
		check := func(name string, err error) {
			if err != nil {
				checks[name] = err.Error()
				healthy = false
				return
			}
			checks[name] = "ok"
		}
		if deps.db != nil {
			check("postgres", deps.db.PingContext(ctx))
		}
		if deps.redis != nil {
			check("redis", deps.redis.Health(ctx))
		}
		if deps.kafka != nil {
			check("kafka", deps.kafka.Ping(ctx))
		}

		status := http.StatusOK
		if !healthy {
			status = http.StatusServiceUnavailable
		}
		httputil.WriteJSON(w, status, map[string]any{"healthy": healthy, "checks": checks})
	}
}
