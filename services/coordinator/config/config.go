package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/ramiqadoumi/go-job-orchestrator/internal/breaker"
	"github.com/ramiqadoumi/go-job-orchestrator/internal/queue"
	"github.com/ramiqadoumi/go-job-orchestrator/services/coordinator"
	"github.com/ramiqadoumi/go-job-orchestrator/services/scheduler"
)

// Config holds typed configuration for the coordinator service.
type Config struct {
	LogLevel   string `validate:"oneof=debug info warn error"`
	InstanceID string `validate:"required"`

	// PostgresDSN empty runs the queue and triggers in memory.
	PostgresDSN string
	AutoMigrate bool
	// RedisAddr empty disables progress caching in Redis, rate limiting and leader election.
	RedisAddr        string
	KafkaBrokers     string `validate:"required"`
	KafkaTopicPrefix string `validate:"required"`
	KafkaPartitions  int    `validate:"gte=1"`

	HTTPAddr     string `validate:"required"`
	MetricsAddr  string `validate:"required"`
	OTelEndpoint string
	OTelSample   float64 `validate:"gte=0,lte=1"`

	MaxRetries     int           `validate:"gte=0"`
	RetryBaseDelay time.Duration `validate:"gt=0"`
	RetryMaxDelay  time.Duration `validate:"gtefield=RetryBaseDelay"`

	DispatchRateLimit int           `validate:"gte=0"`
	LeaderTTL         time.Duration `validate:"gt=0"`

	Engine         coordinator.Config
	Scheduler      scheduler.Config
	CircuitBreaker breaker.Config
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:          strings.ToLower(v.GetString("log_level")),
		InstanceID:        v.GetString("instance_id"),
		PostgresDSN:       v.GetString("postgres_dsn"),
		AutoMigrate:       v.GetBool("auto_migrate"),
		RedisAddr:         v.GetString("redis_addr"),
		KafkaBrokers:      v.GetString("kafka_brokers"),
		KafkaTopicPrefix:  v.GetString("kafka_topic_prefix"),
		KafkaPartitions:   v.GetInt("kafka_partitions"),
		HTTPAddr:          v.GetString("http_addr"),
		MetricsAddr:       v.GetString("metrics_addr"),
		OTelEndpoint:      v.GetString("otel_endpoint"),
		OTelSample:        v.GetFloat64("otel_sample_ratio"),
		MaxRetries:        v.GetInt("max_retries"),
		RetryBaseDelay:    v.GetDuration("retry_base_delay"),
		RetryMaxDelay:     v.GetDuration("retry_max_delay"),
		DispatchRateLimit: v.GetInt("dispatch_rate_limit"),
		LeaderTTL:         v.GetDuration("leader_ttl"),
		Engine: coordinator.Config{
			DispatchInterval:     v.GetDuration("dispatch_interval"),
			TimeoutCheckInterval: v.GetDuration("timeout_check_interval"),
			DefaultJobTimeout:    v.GetDuration("default_job_timeout"),
			ReaperInterval:       v.GetDuration("reaper_interval"),
			HeartbeatInterval:    v.GetDuration("heartbeat_interval"),
			MissedHeartbeats:     v.GetInt("missed_heartbeats"),
			VisibilityTimeout:    v.GetDuration("visibility_timeout"),
			BatchSize:            v.GetInt("batch_size"),
			Policy:               coordinator.Policy(v.GetString("lb_policy")),
		},
		Scheduler: scheduler.Config{
			Interval:      v.GetDuration("scheduler_interval"),
			MisfirePolicy: scheduler.MisfirePolicy(v.GetString("misfire_policy")),
			MisfireGrace:  v.GetDuration("misfire_grace"),
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
	eng := coordinator.DefaultConfig()
	sch := scheduler.DefaultConfig()
	cb := breaker.DefaultConfig()
	q := queue.DefaultConfig()

	v.SetDefault("log_level", "info")
	v.SetDefault("kafka_brokers", "localhost:9092")
	v.SetDefault("kafka_topic_prefix", "orchestrator")
	v.SetDefault("kafka_partitions", 1)
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("metrics_addr", ":9095")
	v.SetDefault("otel_sample_ratio", 1.0)
	v.SetDefault("max_retries", q.MaxRetries)
	v.SetDefault("retry_base_delay", q.RetryBaseDelay)
	v.SetDefault("retry_max_delay", q.RetryMaxDelay)
	v.SetDefault("dispatch_rate_limit", 0)
	v.SetDefault("leader_ttl", 10*time.Second)

	v.SetDefault("dispatch_interval", eng.DispatchInterval)
	v.SetDefault("timeout_check_interval", eng.TimeoutCheckInterval)
	v.SetDefault("default_job_timeout", eng.DefaultJobTimeout)
	v.SetDefault("reaper_interval", eng.ReaperInterval)
	v.SetDefault("heartbeat_interval", eng.HeartbeatInterval)
	v.SetDefault("missed_heartbeats", eng.MissedHeartbeats)
	v.SetDefault("visibility_timeout", eng.VisibilityTimeout)
	v.SetDefault("batch_size", eng.BatchSize)
	v.SetDefault("lb_policy", string(eng.Policy))

	v.SetDefault("scheduler_interval", sch.Interval)
	v.SetDefault("misfire_policy", string(sch.MisfirePolicy))
	v.SetDefault("misfire_grace", sch.MisfireGrace)

	v.SetDefault("circuit_breaker.failure_threshold", cb.FailureThreshold)
	v.SetDefault("circuit_breaker.success_threshold", cb.SuccessThreshold)
	v.SetDefault("circuit_breaker.timeout", cb.Timeout)
	v.SetDefault("circuit_breaker.half_open_max_calls", cb.HalfOpenMaxCalls)
}

// Validate checks struct tags and the nested component configs.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("coordinator config: %w", err)
	}
	for _, err := range []error{c.Engine.Validate(), c.Scheduler.Validate(), c.CircuitBreaker.Validate(), c.Queue().Validate()} {
		if err != nil {
			return err
		}
	}
	return nil
}

// Queue returns the retry policy applied by the queue.
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
