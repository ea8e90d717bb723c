package cli

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

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/ramiqadoumi/go-job-orchestrator/internal/breaker"
	"github.com/ramiqadoumi/go-job-orchestrator/internal/kafka"
	"github.com/ramiqadoumi/go-job-orchestrator/internal/postgres"
	"github.com/ramiqadoumi/go-job-orchestrator/internal/protocol"
	"github.com/ramiqadoumi/go-job-orchestrator/internal/queue"
	redisstore "github.com/ramiqadoumi/go-job-orchestrator/internal/redis"
	"github.com/ramiqadoumi/go-job-orchestrator/internal/version"
	"github.com/ramiqadoumi/go-job-orchestrator/pkg/telemetry"
	"github.com/ramiqadoumi/go-job-orchestrator/services/coordinator"
	"github.com/ramiqadoumi/go-job-orchestrator/services/coordinator/config"
	"github.com/ramiqadoumi/go-job-orchestrator/services/scheduler"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the coordinator",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("http-addr", ":8080", "admin REST API address")
	serveCmd.Flags().String("metrics-addr", ":9095", "Prometheus metrics server address")
	serveCmd.Flags().String("kafka-brokers", "localhost:9092", "comma-separated Kafka broker addresses")
	serveCmd.Flags().String("redis-addr", "", "Redis address (host:port); empty disables leader election")
	serveCmd.Flags().String("lb-policy", "round_robin", "round_robin | least_loaded | random | affinity")
	serveCmd.Flags().String("instance-id", "", "unique coordinator id (default: hostname + random suffix)")
	serveCmd.Flags().String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")

	bindFlag("http_addr", serveCmd.Flags(), "http-addr")
	bindFlag("metrics_addr", serveCmd.Flags(), "metrics-addr")
	bindFlag("kafka_brokers", serveCmd.Flags(), "kafka-brokers")
	bindFlag("redis_addr", serveCmd.Flags(), "redis-addr")
	bindFlag("lb_policy", serveCmd.Flags(), "lb-policy")
	bindFlag("instance_id", serveCmd.Flags(), "instance-id")
	bindFlag("otel_endpoint", serveCmd.Flags(), "otel-endpoint")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

// triggerStore is what both the scheduler and the admin API need.
type triggerStore interface {
	scheduler.Store
	coordinator.TriggerStore
}

func runServe(_ *cobra.Command, _ []string) error {
	if viper.GetString("instance_id") == "" {
		viper.Set("instance_id", defaultInstanceID())
	}
	cfg := config.Load(viper.GetViper())
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := buildLogger(cfg.LogLevel, "coordinator").With(slog.String("instance_id", cfg.InstanceID))

	shutdownTracer, err := telemetry.InitTracer(context.Background(), telemetry.TracerConfig{
		ServiceName: "coordinator",
		Endpoint:    cfg.OTelEndpoint,
		SampleRatio: cfg.OTelSample,
	})
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	initCtx, initCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer initCancel()

	// ── queue + triggers ──────────────────────────────────────────────────────
	var (
		q        queue.Queue
		triggers triggerStore
		ready    telemetry.ReadyFunc
	)
	if cfg.PostgresDSN != "" {
		pool, err := postgres.NewPool(initCtx, cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer pool.Close()
		if cfg.AutoMigrate {
			if _, err := postgres.Migrate(initCtx, pool, logger); err != nil {
				return err
			}
		}
		pq, err := postgres.NewQueue(pool, postgres.WithQueueConfig(cfg.Queue()))
		if err != nil {
			return err
		}
		q = pq
		triggers = postgres.NewTriggerStore(pool)
		ready = func(ctx context.Context) error { return pool.Ping(ctx) }
	} else {
		mq, err := queue.NewMemory(queue.WithConfig(cfg.Queue()))
		if err != nil {
			return err
		}
		q = mq
		triggers = scheduler.NewMemoryStore()
		logger.Warn("postgres_dsn not set, jobs and triggers are kept in memory")
	}

	// ── breakers ──────────────────────────────────────────────────────────────
	breakers, err := breaker.NewGroup(cfg.CircuitBreaker, breaker.WithLogger(logger))
	if err != nil {
		return err
	}
	engineOpts := []coordinator.Option{
		coordinator.WithLogger(logger),
		coordinator.WithBreakers(breakers),
	}

	// ── redis: progress, rate limit, leadership ───────────────────────────────
	isLeader := func() bool { return true }
	var elector *redisstore.Elector
	if cfg.RedisAddr != "" {
		rc, err := redisstore.NewClient(initCtx, cfg.RedisAddr)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer func() { _ = rc.Close() }()

		engineOpts = append(engineOpts, coordinator.WithProgressStore(redisstore.NewProgressStore(rc)))
		if cfg.DispatchRateLimit > 0 {
			engineOpts = append(engineOpts,
				coordinator.WithRateLimiter(redisstore.NewRateLimiter(rc, cfg.DispatchRateLimit, time.Second)))
			logger.Info("dispatch rate limit enabled", slog.Int("per_second", cfg.DispatchRateLimit))
		}
		elector = redisstore.NewElector(rc, cfg.KafkaTopicPrefix+":coordinator:leader", cfg.LeaderTTL, logger)
		isLeader = elector.IsLeader
	} else {
		logger.Warn("redis_addr not set, this instance always acts as leader")
	}
	engineOpts = append(engineOpts, coordinator.WithLeader(isLeader))

	// ── kafka ─────────────────────────────────────────────────────────────────
	brokers := cfg.Brokers()
	producer := kafka.NewProducer(brokers)
	defer func() { _ = producer.Close() }()
	channel := kafka.NewChannel(producer, brokers, kafka.Topics{Prefix: cfg.KafkaTopicPrefix}, logger)
	inbox := channel.Topics().Coordinator()
	if err := channel.EnsureTopics(initCtx, cfg.KafkaPartitions, inbox); err != nil {
		logger.Warn("ensure topics", slog.String("topic", inbox), slog.String("error", err.Error()))
	}
	// Every instance reads the whole inbox so each registry sees every heartbeat.
	consumer := kafka.NewInboxConsumer(brokers, inbox, "coordinator-"+cfg.InstanceID, logger)
	defer func() { _ = consumer.Close() }()

	// ── engine, scheduler, API ────────────────────────────────────────────────
	engine, err := coordinator.NewEngine(cfg.Engine, q, channel, engineOpts...)
	if err != nil {
		return err
	}
	router := protocol.NewRouter(logger)
	engine.Routes(router)

	sched, err := scheduler.New(triggers, q, cfg.Scheduler,
		scheduler.WithLeader(isLeader),
		scheduler.WithLogger(logger.With(slog.String("component", "scheduler"))),
	)
	if err != nil {
		return err
	}

	api := coordinator.NewAPI(engine, triggers, logger)
	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

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
	telemetry.StartMetricsServer(ctx, cfg.MetricsAddr, ready, logger)

	g, gctx := errgroup.WithContext(ctx)
	if elector != nil {
		g.Go(func() error { return elector.Run(gctx) })
	}
	g.Go(func() error { return engine.Run(gctx) })
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error {
		if err := channel.Listen(gctx, consumer, router); err != nil {
			return fmt.Errorf("inbox: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("coordinator HTTP starting", slog.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutCancel()
		if err := httpSrv.Shutdown(shutCtx); err != nil {
			logger.Error("HTTP shutdown error", slog.String("error", err.Error()))
		}
		return nil
	})

	logger.Info("coordinator starting",
		slog.String("version", version.Version),
		slog.String("inbox", inbox),
		slog.String("lb_policy", string(cfg.Engine.Policy)),
	)
	err = g.Wait()
	logger.Info("stopped")
	return err
}

func defaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "coordinator"
	}
	return host + "-" + uuid.NewString()[:8]
}
