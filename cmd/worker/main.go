// Command worker consumes task queues and executes job kinds.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	rediscache "github.com/fairyhunter13/cam-job-engine/internal/adapter/cache/redis"
	"github.com/fairyhunter13/cam-job-engine/internal/adapter/executor/cmdexec"
	"github.com/fairyhunter13/cam-job-engine/internal/adapter/executor/stub"
	"github.com/fairyhunter13/cam-job-engine/internal/adapter/objectstore"
	"github.com/fairyhunter13/cam-job-engine/internal/adapter/observability"
	"github.com/fairyhunter13/cam-job-engine/internal/adapter/queue/rabbit"
	"github.com/fairyhunter13/cam-job-engine/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/cam-job-engine/internal/adapter/stream"
	streamrp "github.com/fairyhunter13/cam-job-engine/internal/adapter/stream/redpanda"
	"github.com/fairyhunter13/cam-job-engine/internal/config"
	"github.com/fairyhunter13/cam-job-engine/internal/domain"
	"github.com/fairyhunter13/cam-job-engine/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Expose worker metrics on a dedicated port so Prometheus can scrape
	// queue and execution instrumentation.
	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
		if err := http.ListenAndServe(fmt.Sprintf(":%d", cfg.WorkerMetricsPort), mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

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

	kinds := make([]domain.Kind, 0, len(cfg.WorkerKinds))
	for _, raw := range cfg.WorkerKinds {
		kind := domain.Kind(strings.TrimSpace(raw))
		if !kind.Valid() {
			slog.Error("unknown worker kind", slog.String("kind", raw))
			os.Exit(1)
		}
		kinds = append(kinds, kind)
	}

	slog.Info("starting worker",
		slog.String("env", cfg.AppEnv),
		slog.Any("kinds", cfg.WorkerKinds),
		slog.Int("slots", cfg.WorkerSlots),
		slog.String("executor", cfg.ExecutorMode))

	// Database
	pool, err := postgres.NewPool(context.Background(), cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	jobRepo := postgres.NewJobRepo(pool)
	artefactRepo := postgres.NewArtefactRepo(pool)

	// Worker transitions mirror to the lifecycle stream too, so consumers
	// see running/succeeded/failed, not just admission and queueing.
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

	// Redis cancel cache: checkpoints hit the cache before the job store.
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	defer func() { _ = rdb.Close() }()
	cancelCache := rediscache.NewCancelCache(rdb, cfg.CancelCacheTTL)

	// Artefact integrity: recorded references are verified against the
	// object store's digest before they are persisted.
	var artefacts domain.ArtefactRepository = artefactRepo
	if cfg.StorageGatewayURL != "" {
		artefacts = objectstore.VerifyingArtefacts(artefactRepo, objectstore.NewGateway(cfg.StorageGatewayURL))
	}

	// Broker
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
	if err := publisher.EnsureTopology(context.Background()); err != nil {
		slog.Error("topology declare failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Executor
	var exec domain.TaskExecutor
	switch cfg.ExecutorMode {
	case "cmd":
		exec = cmdexec.New(cfg.ExecutorCmdDir)
	case "stub", "":
		exec = stub.New()
	default:
		slog.Warn("unknown executor mode, using stub", slog.String("mode", cfg.ExecutorMode))
		exec = stub.New()
	}

	progress := usecase.NewProgressReporter(jobs, pol)
	cancelCheck := usecase.NewCancelChecker(jobs, cancelCache)

	consumer := rabbit.NewConsumer(broker, jobs, artefacts, publisher, exec, pol,
		kinds, cfg.WorkerSlots, progress.ForJob, cancelCheck.ForJob)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	consumerDone := make(chan error, 1)
	go func() { consumerDone <- consumer.Start(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("signal received, shutting down", slog.String("signal", sig.String()))
		cancel()
		select {
		case <-consumerDone:
		case <-time.After(cfg.ServerShutdownTimeout):
			slog.Warn("consumer shutdown timed out")
		}
	case err := <-consumerDone:
		if err != nil {
			slog.Error("consumer error", slog.Any("error", err))
		}
	}
	slog.Info("worker stopped")
}
