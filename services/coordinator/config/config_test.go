package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-job-orchestrator/internal/domain"
	"github.com/ramiqadoumi/go-job-orchestrator/services/coordinator"
)

func TestLoad_DefaultsAreValid(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("instance_id", "c1")

	cfg := Load(v)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, coordinator.RoundRobin, cfg.Engine.Policy)
	assert.Equal(t, 30*time.Second, cfg.Engine.VisibilityTimeout)
	assert.Equal(t, 5, cfg.CircuitBreaker.FailureThreshold)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Brokers())
}

func TestLoad_Overrides(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("instance_id", "c1")
	v.Set("lb_policy", "affinity")
	v.Set("kafka_brokers", "k1:9092, k2:9092,")
	v.Set("circuit_breaker.timeout", "45s")

	cfg := Load(v)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, coordinator.Affinity, cfg.Engine.Policy)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Brokers())
	assert.Equal(t, 45*time.Second, cfg.CircuitBreaker.Timeout)
}

func TestValidate_Rejects(t *testing.T) {
	cases := map[string]func(*viper.Viper){
		"unknown policy":      func(v *viper.Viper) { v.Set("lb_policy", "fastest") },
		"zero threshold":      func(v *viper.Viper) { v.Set("circuit_breaker.failure_threshold", 0) },
		"negative timeout":    func(v *viper.Viper) { v.Set("default_job_timeout", "-1s") },
		"unknown misfire":     func(v *viper.Viper) { v.Set("misfire_policy", "always") },
		"no instance id":      func(v *viper.Viper) { v.Set("instance_id", "") },
		"inverted retry caps": func(v *viper.Viper) { v.Set("retry_max_delay", "1ms") },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			v := viper.New()
			SetDefaults(v)
			v.Set("instance_id", "c1")
			mutate(v)
			assert.Error(t, Load(v).Validate())
		})
	}
}

func TestValidate_ComponentErrorsAreTyped(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("instance_id", "c1")
	cfg := Load(v)
	cfg.Engine.MissedHeartbeats = 0

	var cfgErr *domain.InvalidConfigError
	assert.ErrorAs(t, cfg.Engine.Validate(), &cfgErr)
	assert.Error(t, cfg.Validate())
}
