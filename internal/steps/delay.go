package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ramiqadoumi/go-job-orchestrator/internal/domain"
	"github.com/ramiqadoumi/go-job-orchestrator/pkg/retry"
)

// DelayExecutor waits for a configured duration and passes the previous
// step's output through. It has no side effects.
type DelayExecutor struct{}

type delayConfig struct {
	Duration Duration `json:"duration"`
}

func (DelayExecutor) StepType() string { return "delay" }

func (DelayExecutor) Execute(ctx context.Context, step Step, sc StepContext) StepResult {
	var cfg delayConfig
	if len(step.Config) > 0 {
		if err := json.Unmarshal(step.Config, &cfg); err != nil {
			return Failed(domain.Permanent(fmt.Errorf("invalid delay step config: %w", err)))
		}
	}
	if cfg.Duration < 0 {
		return Failed(domain.Permanent(fmt.Errorf("delay must be >= 0")))
	}
	if err := retry.Sleep(ctx, time.Duration(cfg.Duration)); err != nil {
		return Failed(err)
	}
	return StepResult{Success: true, Output: sc.PreviousOutput}
}
