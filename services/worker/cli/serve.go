package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/ramiqadoumi/go-job-orchestrator/internal/breaker"
	"github.com/ramiqadoumi/go-job-orchestrator/internal/checkpoint"
	"github.com/ramiqadoumi/go-job-orchestrator/internal/connection"
	"github.com/ramiqadoumi/go-job-orchestrator/internal/kafka"
	"github.com/ramiqadoumi/go-job-orchestrator/internal/offline"
	"github.com/ramiqadoumi/go-job-orchestrator/internal/postgres"
	"github.com/ramiqadoumi/go-job-orchestrator/internal/protocol"
	"github.com/ramiqadoumi/go-job-orchestrator/internal/steps"
	"github.com/ramiqadoumi/go-job-orchestrator/internal/version"
	"github.com/ramiqadoumi/go-job-orchestrator/pkg/telemetry"
	"github.com/ramiqadoumi/go-job-orchestrator/services/worker"
	"github.com/ramiqadoumi/go-job-orchestrator/services/worker/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the worker",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("worker-id", "", "unique worker id (default: derived from hostname and offline db path)")
	serveCmd.Flags().String("kafka-brokers", "localhost:9092", "comma-separated Kafka broker addresses")
	serveCmd.Flags().Int("max-concurrent-jobs", 4, "jobs executed at the same time")
	serveCmd.Flags().String("offline-db-path", "worker-offline.db", "SQLite file for offline state")
	serveCmd.Flags().String("metrics-addr", ":9091", "Prometheus metrics server address")
	serveCmd.Flags().String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")

	bindFlag("worker_id", serveCmd.Flags(), "worker-id")
	bindFlag("kafka_brokers", serveCmd.Flags(), "kafka-brokers")
	bindFlag("max_concurrent_jobs", serveCmd.Flags(), "max-concurrent-jobs")
	bindFlag("offline_db_path", serveCmd.Flags(), "offline-db-path")
	bindFlag("metrics_addr", serveCmd.Flags(), "metrics-addr")
	bindFlag("otel_endpoint", serveCmd.Flags(), "otel-endpoint")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func runServe(_ *cobra.Command, _ []string) error {
	if viper.GetString("worker_id") == "" {
		viper.Set("worker_id", defaultWorkerID(viper.GetString("offline_db_path")))
	}
	cfg := config.Load(viper.GetViper())
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := buildLogger(cfg.LogLevel, "worker")

	shutdownTracer, err := telemetry.InitTracer(context.Background(), telemetry.TracerConfig{
		ServiceName: "worker",
		Endpoint:    cfg.OTelEndpoint,
		SampleRatio: cfg.OTelSample,
	})
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	initCtx, initCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer initCancel()

	// ── queue ─────────────────────────────────────────────────────────────────
	// An unreachable database at startup is handled by the connection manager
	// like any later outage.
	pool, err := postgres.NewLazyPool(initCtx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	q, err := postgres.NewQueue(pool, postgres.WithQueueConfig(cfg.Queue()))
	if err != nil {
		return err
	}

	// ── kafka ─────────────────────────────────────────────────────────────────
	brokers := cfg.Brokers()
	producer := kafka.NewProducer(brokers)
	defer func() { _ = producer.Close() }()
	channel := kafka.NewChannel(producer, brokers, kafka.Topics{Prefix: cfg.KafkaTopicPrefix}, logger)
	inbox := channel.Topics().Worker(cfg.WorkerID)
	if err := channel.EnsureTopics(initCtx, cfg.KafkaPartitions, inbox, channel.Topics().Coordinator()); err != nil {
		logger.Warn("ensure topics", slog.String("topic", inbox), slog.String("error", err.Error()))
	}
	consumer := kafka.NewInboxConsumer(brokers, inbox, "worker-"+cfg.WorkerID, logger)
	defer func() { _ = consumer.Close() }()

	// ── offline store + executor ──────────────────────────────────────────────
	local, err := offline.Open(cfg.OfflineDBPath, offline.WithLogger(logger))
	if err != nil {
		return err
	}
	defer func() { _ = local.Close() }()

	registry := steps.NewRegistry(
		steps.DelayExecutor{},
		steps.NewHTTPExecutor(cfg.HTTPStepTimeout, steps.WithHTTPRetry(cfg.HTTPStepAttempts, 200*time.Millisecond)),
		steps.NewEmailExecutor(cfg.SMTP, nil),
	)
	executor := checkpoint.NewExecutor(checkpoint.NewManager(local), registry,
		checkpoint.WithStepTimeout(cfg.StepTimeout),
		checkpoint.WithLogger(logger),
	)

	// ── link to the coordinator side ──────────────────────────────────────────
	breakers, err := breaker.NewGroup(cfg.CircuitBreaker, breaker.WithLogger(logger))
	if err != nil {
		return err
	}
	var agent *worker.Agent
	link, err := connection.New(
		connection.Multi("coordinator", postgres.Endpoint{Pool: pool}, channel),
		cfg.Connection,
		connection.WithLogger(logger),
		connection.WithBreakers(breakers),
		connection.WithOnConnected(func() { agent.OnConnected() }),
		connection.WithOnDisconnected(func(err error) { agent.OnDisconnected(err) }),
	)
	if err != nil {
		return err
	}

	agent, err = worker.New(cfg.WorkerID, cfg.Agent, q, link, local, executor,
		worker.WithLogger(logger),
		worker.WithReporter(channel),
	)
	if err != nil {
		return err
	}
	router := protocol.NewRouter(logger)
	agent.Routes(router)

	// ── signal handling ───────────────────────────────────────────────────────
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		select {
		case <-quit:
			logger.Info("shutting down...")
			cancel()
		case <-ctx.Done():
		}
	}()

	// ── Prometheus metrics ────────────────────────────────────────────────────
	ready := func(context.Context) error {
		if s := link.State(); s != connection.StateConnected {
			return fmt.Errorf("link %s", s)
		}
		return nil
	}
	telemetry.StartMetricsServer(ctx, cfg.MetricsAddr, ready, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return link.Run(gctx) })
	g.Go(func() error { return agent.Run(gctx) })
	g.Go(func() error {
		if err := channel.Listen(gctx, consumer, router); err != nil {
			return fmt.Errorf("inbox: %w", err)
		}
		return nil
	})

	logger.Info("worker starting",
		slog.String("version", version.Version),
		slog.String("worker_id", cfg.WorkerID),
		slog.String("inbox", inbox),
		slog.Int("max_concurrent_jobs", cfg.Agent.MaxConcurrentJobs),
		slog.String("offline_db", cfg.OfflineDBPath),
	)
	err = g.Wait()
	logger.Info("stopped")
	return err
}

// defaultWorkerID is stable for a given host and offline database, so a
// restarted worker still owns the jobs it resumes.
func defaultWorkerID(offlineDB string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	if abs, err := filepath.Abs(offlineDB); err == nil {
		offlineDB = abs
	}
	return host + "-" + uuid.NewSHA1(uuid.NameSpaceURL, []byte(offlineDB)).String()[:8]
}
