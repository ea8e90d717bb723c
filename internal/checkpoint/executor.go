package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/go-job-orchestrator/internal/domain"
	"github.com/ramiqadoumi/go-job-orchestrator/internal/steps"
	"github.com/ramiqadoumi/go-job-orchestrator/pkg/telemetry"
)

// Hooks let the caller observe and interrupt execution at step boundaries.
type Hooks struct {
	// BeforeStep runs before each step that still has to execute. A non-nil
	// error aborts the job without running the step (cancellation, lost lease).
	BeforeStep func(ctx context.Context, stepID string) error
	// AfterStep runs once a step is checkpointed or skipped.
	AfterStep func(stepID string, index, total int, skipped bool)
}

// Executor runs a job's plan durably.
type Executor struct {
	manager     *Manager
	registry    *steps.Registry
	stepTimeout time.Duration
	logger      *slog.Logger
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithStepTimeout sets the timeout for steps that do not declare one.
func WithStepTimeout(d time.Duration) ExecutorOption { return func(e *Executor) { e.stepTimeout = d } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ExecutorOption { return func(e *Executor) { e.logger = l } }

// NewExecutor returns an Executor with a 5m default step timeout.
func NewExecutor(manager *Manager, registry *steps.Registry, opts ...ExecutorOption) *Executor {
	e := &Executor{manager: manager, registry: registry, stepTimeout: 5 * time.Minute, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Manager returns the checkpoint manager the executor records progress in.
func (e *Executor) Manager() *Manager { return e.manager }

// Execute runs every step of job not already recorded in its checkpoint and
// returns the last step's output. A step's checkpoint is saved only after it
// reports success, so a crash in between redoes that step on resume.
//
// Execute never deletes the checkpoint; the caller calls Manager.Complete once
// the outcome is durable.
func (e *Executor) Execute(ctx context.Context, job *domain.Job, hooks Hooks) (json.RawMessage, error) {
	plan, err := DecodePlan(job)
	if err != nil {
		return nil, err
	}
	progress, err := e.manager.StartJob(ctx, job.ID)
	if err != nil {
		return nil, err
	}

	logger := e.logger.With(slog.String("job_id", job.ID))
	total := len(plan.Steps)
	var prev json.RawMessage

	for i, st := range plan.Steps {
		if progress.IsStepExecuted(st.ID) {
			prev = progress.Output(st.ID)
			telemetry.WorkerStepsTotal.WithLabelValues("skipped").Inc()
			logger.Debug("step already executed, skipping", slog.String("step_id", st.ID))
			if hooks.AfterStep != nil {
				hooks.AfterStep(st.ID, i, total, true)
			}
			continue
		}

		if hooks.BeforeStep != nil {
			if err := hooks.BeforeStep(ctx, st.ID); err != nil {
				return nil, err
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		out, err := e.runStep(ctx, job, st, progress, prev)
		if err != nil {
			telemetry.WorkerStepsTotal.WithLabelValues("failed").Inc()
			logger.Warn("step failed",
				slog.String("step_id", st.ID),
				slog.String("step_type", st.Type),
				slog.String("error", err.Error()),
			)
			return nil, fmt.Errorf("step %s: %w", st.ID, err)
		}

		// The side effect has happened; persist it even if ctx was cancelled meanwhile.
		if err := progress.SaveCheckpoint(context.WithoutCancel(ctx), st.ID, out); err != nil {
			return nil, err
		}
		prev = out
		telemetry.WorkerStepsTotal.WithLabelValues("executed").Inc()
		if hooks.AfterStep != nil {
			hooks.AfterStep(st.ID, i, total, false)
		}
	}
	return prev, nil
}

func (e *Executor) runStep(ctx context.Context, job *domain.Job, st steps.Step, progress *Progress, prev json.RawMessage) (json.RawMessage, error) {
	executor, err := e.registry.Get(st.Type)
	if err != nil {
		return nil, err
	}

	timeout := time.Duration(st.Timeout)
	if timeout <= 0 {
		timeout = e.stepTimeout
	}
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sctx, span := telemetry.Tracer("executor").Start(sctx, "step.execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("step.id", st.ID),
		attribute.String("step.type", st.Type),
	)

	res := executor.Execute(sctx, st, steps.StepContext{
		JobID:          job.ID,
		WorkflowID:     job.WorkflowID,
		Attempt:        job.AttemptCount + 1,
		Outputs:        progress.Snapshot().StepOutputs,
		PreviousOutput: prev,
		Logger:         e.logger.With(slog.String("job_id", job.ID), slog.String("step_id", st.ID)),
	})
	if !res.Success {
		err := res.Error
		if err == nil {
			err = errors.New("step reported failure without an error")
		}
		if errors.Is(sctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("step timed out after %s: %w", timeout, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "step failed")
		return nil, err
	}
	return res.Output, nil
}
