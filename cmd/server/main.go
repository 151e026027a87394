// Command server starts the job lifecycle HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	rediscache "github.com/fairyhunter13/cam-job-engine/internal/adapter/cache/redis"
	httpserver "github.com/fairyhunter13/cam-job-engine/internal/adapter/httpserver"
	"github.com/fairyhunter13/cam-job-engine/internal/adapter/objectstore"
	"github.com/fairyhunter13/cam-job-engine/internal/adapter/observability"
	"github.com/fairyhunter13/cam-job-engine/internal/adapter/queue/rabbit"
	"github.com/fairyhunter13/cam-job-engine/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/cam-job-engine/internal/adapter/stream"
	streamrp "github.com/fairyhunter13/cam-job-engine/internal/adapter/stream/redpanda"
	"github.com/fairyhunter13/cam-job-engine/internal/app"
	"github.com/fairyhunter13/cam-job-engine/internal/config"
	"github.com/fairyhunter13/cam-job-engine/internal/domain"
	"github.com/fairyhunter13/cam-job-engine/internal/service/ratelimiter"
	"github.com/fairyhunter13/cam-job-engine/internal/usecase"
)

// presignTTL bounds artefact download URLs handed out by the status API.
const presignTTL = 15 * time.Minute

// redisPinger narrows *redis.Client.Ping to the readiness interface.
type redisPinger struct{ c *redis.Client }

func (p redisPinger) Ping(ctx context.Context) app.RedisPingResult { return p.c.Ping(ctx) }

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Register all Prometheus metrics once per process so /metrics exposes
	// HTTP and job lifecycle instrumentation.
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	pol, err := config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		slog.Error("policy load failed", slog.Any("error", err))
		os.Exit(1)
	}

	// appCtx stops the background loops on shutdown.
	appCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	// Infra: DB pool and schema
	pool, err := postgres.NewPool(appCtx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	if err := postgres.ApplySchema(appCtx, pool); err != nil {
		slog.Error("schema apply failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Repositories
	jobRepo := postgres.NewJobRepo(pool)
	artefactRepo := postgres.NewArtefactRepo(pool)
	auditRepo := postgres.NewAuditRepo(pool)

	// Lifecycle mirror: transitions stream to Kafka for downstream
	// consumers. The stream is best-effort; a dead broker only costs the
	// mirror, never the API.
	var jobs domain.JobRepository = jobRepo
	if len(cfg.KafkaBrokers) > 0 {
		producer, err := streamrp.NewProducer(cfg.KafkaBrokers, cfg.LifecycleTopic)
		if err != nil {
			slog.Warn("lifecycle stream unavailable, transitions will not be mirrored", slog.Any("error", err))
		} else {
			defer func() { _ = producer.Close() }()
			jobs = stream.WithMirror(jobRepo, producer)
		}
	}

	// Redis: cancellation flag cache and rate limit buckets.
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	defer func() { _ = rdb.Close() }()
	cancelCache := rediscache.NewCancelCache(rdb, cfg.CancelCacheTTL)

	limiter := ratelimiter.NewRedisLuaLimiter(rdb, pool)
	if err := limiter.WarmFromPostgres(appCtx); err != nil {
		slog.Warn("rate limit warm start failed", slog.Any("error", err))
	}
	gate := ratelimiter.NewAdmissionLimiter(limiter, cfg.RateLimitPerOwnerRPS, cfg.RateLimitGlobalRPS)

	// Broker: confirming publisher plus the DLQ operator surface.
	broker, err := rabbit.Dial(cfg.AMQPURL)
	if err != nil {
		slog.Error("broker connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = broker.Close() }()
	publisher := rabbit.NewPublisher(broker,
		rabbit.NewTopology(pol, cfg.DLQMessageTTL, cfg.DLQMaxLength),
		cfg.PublishConfirmWait, cfg.PublishMaxAttempts)
	defer func() { _ = publisher.Close() }()
	if err := publisher.EnsureTopology(appCtx); err != nil {
		slog.Error("topology declare failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Retention cleanup; audit events are never deleted.
	cleanup := postgres.NewCleanupService(jobRepo, cfg.JobRetentionDays)
	go cleanup.RunPeriodic(appCtx, cfg.CleanupInterval)

	// Sweeper repairs jobs orphaned between admission and dispatch and
	// times out runs whose worker died.
	if sweeper := app.NewSweeper(jobs, publisher, pol, cfg.PendingStaleAfter, cfg.SweepInterval); sweeper != nil {
		go sweeper.Run(appCtx)
	}

	// Object storage gateway for presigned artefact URLs.
	var store domain.ObjectStore
	if cfg.StorageGatewayURL != "" {
		store = objectstore.NewGateway(cfg.StorageGatewayURL)
	}

	// Usecases
	idemTTL := time.Duration(cfg.IdempotencyRetentionDays) * 24 * time.Hour
	submitSvc := usecase.NewSubmitService(jobs, publisher, gate, idemTTL)
	statusSvc := usecase.NewStatusService(jobs, artefactRepo, store, presignTTL)
	cancelSvc := usecase.NewCancelService(jobs, cancelCache)
	replaySvc := usecase.NewReplayService(rabbit.NewDLQAdmin(broker), jobs, publisher, auditRepo, pol)

	// Readiness checks
	dbCheck, redisCheck, brokerCheck := app.BuildReadinessChecks(pool, redisPinger{c: rdb}, broker)

	// HTTP server
	srv := httpserver.NewServer(cfg, submitSvc, statusSvc, cancelSvc, dbCheck, redisCheck, brokerCheck)
	var admin *httpserver.AdminServer
	if cfg.AdminEnabled() {
		admin = httpserver.NewAdminServer(cfg, replaySvc, auditRepo)
	}
	handler := app.BuildRouter(cfg, srv, admin)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	stopBackground()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
