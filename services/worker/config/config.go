package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/ramiqadoumi/go-job-orchestrator/internal/breaker"
	"github.com/ramiqadoumi/go-job-orchestrator/internal/connection"
	"github.com/ramiqadoumi/go-job-orchestrator/internal/queue"
	"github.com/ramiqadoumi/go-job-orchestrator/internal/steps"
	"github.com/ramiqadoumi/go-job-orchestrator/services/worker"
)

// Config holds typed configuration for the worker service.
type Config struct {
	LogLevel string `validate:"oneof=debug info warn error"`
	WorkerID string `validate:"required"`

	PostgresDSN      string `validate:"required"`
	KafkaBrokers     string `validate:"required"`
	KafkaTopicPrefix string `validate:"required"`
	KafkaPartitions  int    `validate:"gte=1"`
	MetricsAddr      string `validate:"required"`
	OTelEndpoint     string
	OTelSample       float64 `validate:"gte=0,lte=1"`

	// OfflineDBPath is the SQLite file holding cached jobs, checkpoints and unsynced outcomes.
	OfflineDBPath   string        `validate:"required"`
	StepTimeout     time.Duration `validate:"gt=0"`
	HTTPStepTimeout time.Duration `validate:"gt=0"`
	SMTP            steps.EmailConfig

	// HTTPStepAttempts bounds transient retries inside a single http step.
	HTTPStepAttempts int `validate:"gte=1"`

	// The retry policy is applied by the queue when this worker reports a failure.
	MaxRetries     int           `validate:"gte=0"`
	RetryBaseDelay time.Duration `validate:"gt=0"`
	RetryMaxDelay  time.Duration `validate:"gtefield=RetryBaseDelay"`

	Agent          worker.Config
	Connection     connection.Config
	CircuitBreaker breaker.Config
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:         strings.ToLower(v.GetString("log_level")),
		WorkerID:         v.GetString("worker_id"),
		PostgresDSN:      v.GetString("postgres_dsn"),
		KafkaBrokers:     v.GetString("kafka_brokers"),
		KafkaTopicPrefix: v.GetString("kafka_topic_prefix"),
		KafkaPartitions:  v.GetInt("kafka_partitions"),
		MetricsAddr:      v.GetString("metrics_addr"),
		OTelEndpoint:     v.GetString("otel_endpoint"),
		OTelSample:       v.GetFloat64("otel_sample_ratio"),
		OfflineDBPath:    v.GetString("offline_db_path"),
		StepTimeout:      v.GetDuration("step_timeout"),
		HTTPStepTimeout:  v.GetDuration("http_step_timeout"),
		HTTPStepAttempts: v.GetInt("http_step_attempts"),
		SMTP: steps.EmailConfig{
			Host:     v.GetString("smtp.host"),
			Port:     v.GetInt("smtp.port"),
			From:     v.GetString("smtp.from"),
			Username: v.GetString("smtp.username"),
			Password: v.GetString("smtp.password"),
		},
		MaxRetries:     v.GetInt("max_retries"),
		RetryBaseDelay: v.GetDuration("retry_base_delay"),
		RetryMaxDelay:  v.GetDuration("retry_max_delay"),
		Agent: worker.Config{
			MaxConcurrentJobs: v.GetInt("max_concurrent_jobs"),
			BatchSize:         v.GetInt("batch_size"),
			PollInterval:      v.GetDuration("poll_interval"),
			VisibilityTimeout: v.GetDuration("visibility_timeout"),
			HeartbeatInterval: v.GetDuration("heartbeat_interval"),
			SyncedRetention:   v.GetDuration("synced_retention"),
		},
		Connection: connection.Config{
			InitialDelay:      v.GetDuration("connection.initial_delay"),
			MaxDelay:          v.GetDuration("connection.max_delay"),
			BackoffMultiplier: v.GetFloat64("connection.backoff_multiplier"),
			HealthInterval:    v.GetDuration("connection.health_interval"),
			ProbeTimeout:      v.GetDuration("connection.probe_timeout"),
		},
		CircuitBreaker: breaker.Config{
			FailureThreshold: v.GetInt("circuit_breaker.failure_threshold"),
			SuccessThreshold: v.GetInt("circuit_breaker.success_threshold"),
			Timeout:          v.GetDuration("circuit_breaker.timeout"),
			HalfOpenMaxCalls: v.GetInt("circuit_breaker.half_open_max_calls"),
		},
	}
}

// SetDefaults registers the documented defaults on v.
func SetDefaults(v *viper.Viper) {
	ag := worker.DefaultConfig()
	conn := connection.DefaultConfig()
	cb := breaker.DefaultConfig()
	q := queue.DefaultConfig()

	v.SetDefault("log_level", "info")
	v.SetDefault("kafka_brokers", "localhost:9092")
	v.SetDefault("kafka_topic_prefix", "orchestrator")
	v.SetDefault("kafka_partitions", 1)
	v.SetDefault("metrics_addr", ":9091")
	v.SetDefault("otel_sample_ratio", 1.0)
	v.SetDefault("offline_db_path", "worker-offline.db")
	v.SetDefault("step_timeout", 5*time.Minute)
	v.SetDefault("http_step_timeout", 30*time.Second)
	v.SetDefault("http_step_attempts", 3)
	v.SetDefault("smtp.port", 587)

	v.SetDefault("max_retries", q.MaxRetries)
	v.SetDefault("retry_base_delay", q.RetryBaseDelay)
	v.SetDefault("retry_max_delay", q.RetryMaxDelay)

	v.SetDefault("max_concurrent_jobs", ag.MaxConcurrentJobs)
	v.SetDefault("batch_size", ag.BatchSize)
	v.SetDefault("poll_interval", ag.PollInterval)
	v.SetDefault("visibility_timeout", ag.VisibilityTimeout)
	v.SetDefault("heartbeat_interval", ag.HeartbeatInterval)
	v.SetDefault("synced_retention", ag.SyncedRetention)

	v.SetDefault("connection.initial_delay", conn.InitialDelay)
	v.SetDefault("connection.max_delay", conn.MaxDelay)
	v.SetDefault("connection.backoff_multiplier", conn.BackoffMultiplier)
	v.SetDefault("connection.health_interval", conn.HealthInterval)
	v.SetDefault("connection.probe_timeout", conn.ProbeTimeout)

	v.SetDefault("circuit_breaker.failure_threshold", cb.FailureThreshold)
	v.SetDefault("circuit_breaker.success_threshold", cb.SuccessThreshold)
	v.SetDefault("circuit_breaker.timeout", cb.Timeout)
	v.SetDefault("circuit_breaker.half_open_max_calls", cb.HalfOpenMaxCalls)
}

// Validate checks struct tags and the nested component configs.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("worker config: %w", err)
	}
	for _, err := range []error{c.Agent.Validate(), c.Connection.Validate(), c.CircuitBreaker.Validate(), c.Queue().Validate()} {
		if err != nil {
			return err
		}
	}
	return nil
}

// Queue returns the retry policy applied when this worker reports failures.
func (c Config) Queue() queue.Config {
	return queue.Config{MaxRetries: c.MaxRetries, RetryBaseDelay: c.RetryBaseDelay, RetryMaxDelay: c.RetryMaxDelay}
}

// Brokers splits KafkaBrokers on commas.
func (c Config) Brokers() []string {
	var out []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}
