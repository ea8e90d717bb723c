package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/go-job-orchestrator/internal/checkpoint"
	"github.com/ramiqadoumi/go-job-orchestrator/internal/domain"
	"github.com/ramiqadoumi/go-job-orchestrator/internal/offline"
	"github.com/ramiqadoumi/go-job-orchestrator/internal/queue"
	"github.com/ramiqadoumi/go-job-orchestrator/pkg/telemetry"
)

// execute runs one job to a local outcome and reports it.
func (a *Agent) execute(ctx context.Context, r *run) {
	job := r.job
	logger := a.logger.With(slog.String("job_id", job.ID), slog.String("job_type", job.Type))
	ctx, span := telemetry.Tracer("worker").Start(ctx, "worker.execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.type", job.Type),
		attribute.Bool("job.resumed", r.resumed),
	)

	telemetry.WorkerJobsInFlight.Inc()
	defer telemetry.WorkerJobsInFlight.Dec()
	started := a.clock()
	defer func() { telemetry.WorkerJobDurationSeconds.Observe(a.clock().Sub(started).Seconds()) }()

	if !r.resumed {
		if err := a.local.CacheJob(ctx, job); err != nil {
			logger.Error("cache job locally", slog.String("error", err.Error()))
			a.release(ctx, job.ID)
			return
		}
	}
	if err := a.local.MarkInProgress(ctx, job.ID); err != nil {
		logger.Error("mark job in progress", slog.String("error", err.Error()))
	}

	if job.Status != domain.StatusRunning {
		if err := a.startRemote(ctx, job.ID); err != nil {
			a.abandon(ctx, r, err)
			return
		}
	}

	if r.resumed {
		logger.Info("resuming job")
	} else {
		logger.Info("executing job")
	}
	a.sendStatus(ctx, job.ID, domain.StatusRunning, 0, "")

	result, err := a.executor.Execute(ctx, job, checkpoint.Hooks{
		BeforeStep: a.beforeStep(r),
		AfterStep:  a.afterStep(ctx, r),
	})
	switch {
	case err == nil:
		a.complete(ctx, r, result)
	case errors.Is(err, domain.ErrLeaseLost), errors.Is(err, domain.ErrJobCancelled):
		a.abandon(ctx, r, err)
	case ctx.Err() != nil:
		// Shutdown: keep the local record and checkpoint so the next start resumes it.
		a.executor.Manager().Release(job.ID)
		logger.Info("job interrupted by shutdown")
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, "job failed")
		a.fail(ctx, r, err)
	}
}

// startRemote moves the claim to RUNNING. Offline it proceeds without doing so;
// the outcome report starts the job first. A refused start means the lease is gone.
func (a *Agent) startRemote(ctx context.Context, jobID string) error {
	var ok bool
	err := a.link.Execute(ctx, func(ctx context.Context) error {
		var err error
		ok, err = a.queue.Start(ctx, jobID, a.id)
		return err
	})
	var nc *domain.NotConnectedError
	var co *domain.CircuitOpenError
	switch {
	case errors.As(err, &nc), errors.As(err, &co):
		a.logger.Info("starting job offline", slog.String("job_id", jobID))
		return nil
	case err != nil:
		a.logger.Warn("start job failed, continuing", slog.String("job_id", jobID), slog.String("error", err.Error()))
		return nil
	case !ok:
		return a.confirmRunning(ctx, jobID)
	}
	return nil
}

// confirmRunning accepts a refused start when the job is already RUNNING under
// this worker, as it is for a job resumed from a stale local copy.
func (a *Agent) confirmRunning(ctx context.Context, jobID string) error {
	var remote *domain.Job
	err := a.link.Execute(ctx, func(ctx context.Context) error {
		var err error
		remote, err = a.queue.Get(ctx, jobID)
		return err
	})
	switch {
	case err != nil:
		return nil
	case remote.Owner() == a.id && remote.Status == domain.StatusRunning:
		return nil
	}
	return domain.ErrLeaseLost
}

// beforeStep stops the job between steps once it is cancelled or owned elsewhere.
func (a *Agent) beforeStep(r *run) func(context.Context, string) error {
	return func(ctx context.Context, _ string) error {
		if r.leaseLost.Load() {
			return domain.ErrLeaseLost
		}
		if r.cancelled.Load() {
			return domain.ErrJobCancelled
		}
		if !a.connected() {
			return nil
		}
		var remote *domain.Job
		err := a.link.Execute(ctx, func(ctx context.Context) error {
			var err error
			remote, err = a.queue.Get(ctx, r.job.ID)
			return err
		})
		if err != nil {
			return nil
		}
		switch {
		case remote.Status == domain.StatusCancelled:
			r.cancelled.Store(true)
			return domain.ErrJobCancelled
		case remote.Owner() != a.id || !remote.Status.IsClaimed():
			r.leaseLost.Store(true)
			return domain.ErrLeaseLost
		}
		return nil
	}
}

func (a *Agent) afterStep(ctx context.Context, r *run) func(string, int, int, bool) {
	return func(stepID string, index, total int, skipped bool) {
		msg := "step " + stepID + " done"
		if skipped {
			msg = "step " + stepID + " skipped"
		}
		a.sendStatus(ctx, r.job.ID, domain.StatusRunning, float64(index+1)/float64(total), msg)
	}
}

func (a *Agent) complete(ctx context.Context, r *run, result json.RawMessage) {
	id := r.job.ID
	// The outcome must survive shutdown once the work is done.
	ctx = context.WithoutCancel(ctx)
	err := a.local.MarkCompleted(ctx, id, result)
	if err != nil {
		a.logger.Error("record completion locally", slog.String("job_id", id), slog.String("error", err.Error()))
	}
	a.settle(ctx, id, err == nil)
	telemetry.WorkerJobsProcessed.WithLabelValues("completed").Inc()
	a.sendStatus(ctx, id, domain.StatusCompleted, 1, "")
	a.logger.Info("job completed", slog.String("job_id", id))
	a.reportNow(ctx, outcome{jobID: id, completed: true, result: result})
}

func (a *Agent) fail(ctx context.Context, r *run, cause error) {
	id := r.job.ID
	ctx = context.WithoutCancel(ctx)
	permanent := domain.IsPermanent(cause)
	err := a.local.MarkFailed(ctx, id, cause.Error(), permanent)
	if err != nil {
		a.logger.Error("record failure locally", slog.String("job_id", id), slog.String("error", err.Error()))
	}
	a.settle(ctx, id, err == nil)
	telemetry.WorkerJobsProcessed.WithLabelValues("failed").Inc()
	a.sendStatus(ctx, id, domain.StatusFailed, 0, cause.Error())
	a.logger.Warn("job failed",
		slog.String("job_id", id),
		slog.Bool("permanent", permanent),
		slog.String("error", cause.Error()),
	)
	a.reportNow(ctx, outcome{jobID: id, cause: cause, errMsg: cause.Error(), permanent: permanent})
}

// settle clears the checkpoint of a finished job. When the local outcome could
// not be recorded the checkpoint is kept, so a restart resumes the job without
// repeating its finished steps.
func (a *Agent) settle(ctx context.Context, jobID string, recorded bool) {
	if !recorded {
		a.executor.Manager().Release(jobID)
		return
	}
	if err := a.executor.Manager().Complete(ctx, jobID); err != nil {
		a.logger.Error("clear checkpoint", slog.String("job_id", jobID), slog.String("error", err.Error()))
	}
}

// abandon drops a job this worker no longer owns or that was cancelled.
func (a *Agent) abandon(ctx context.Context, r *run, cause error) {
	id := r.job.ID
	ctx = context.WithoutCancel(ctx)
	if err := a.local.Forget(ctx, id); err != nil {
		a.logger.Error("forget job", slog.String("job_id", id), slog.String("error", err.Error()))
	}
	// Forget already dropped the checkpoint.
	a.executor.Manager().Release(id)

	label := "cancelled"
	if errors.Is(cause, domain.ErrLeaseLost) {
		label = "lease_lost"
		telemetry.WorkerLeaseLostTotal.Inc()
	}
	telemetry.WorkerJobsProcessed.WithLabelValues(label).Inc()
	a.sendStatus(ctx, id, domain.StatusCancelled, 0, cause.Error())
	a.logger.Warn("job abandoned", slog.String("job_id", id), slog.String("reason", cause.Error()))
}

// outcome is a terminal local result waiting to be reported to the queue.
type outcome struct {
	jobID     string
	completed bool
	result    []byte
	cause     error
	errMsg    string
	permanent bool
}

func outcomeFromRecord(rec *offline.Record) outcome {
	return outcome{
		jobID:     rec.Job.ID,
		completed: rec.State == offline.StateCompleted,
		result:    rec.Result,
		errMsg:    rec.Error,
		permanent: rec.Permanent,
	}
}

// recordedError is a failure restored from the offline store.
type recordedError string

func (e recordedError) Error() string { return string(e) }

func (o outcome) err() error {
	if o.cause != nil {
		return o.cause
	}
	var err error = recordedError(o.errMsg)
	if o.permanent {
		err = domain.Permanent(err)
	}
	return err
}

// reportNow reports a fresh outcome. If the queue is unreachable the record
// stays pending and the next sync picks it up.
func (a *Agent) reportNow(ctx context.Context, o outcome) {
	a.syncMu.Lock()
	defer a.syncMu.Unlock()
	if err := a.report(ctx, o); err != nil {
		a.syncNeeded.Store(true)
		a.logger.Info("outcome kept for sync", slog.String("job_id", o.jobID), slog.String("reason", err.Error()))
	}
}

// report delivers o to the queue and marks the local record synced. A job that
// no longer exists or that another worker owns is marked synced too.
func (a *Agent) report(ctx context.Context, o outcome) error {
	accepted := true
	err := a.link.Execute(ctx, func(ctx context.Context) error {
		job, err := a.queue.Get(ctx, o.jobID)
		var nf *domain.JobNotFoundError
		if errors.As(err, &nf) {
			accepted = false
			return nil
		}
		if err != nil {
			return err
		}
		if job.Owner() != a.id || !job.Status.IsClaimed() {
			accepted = false
			return nil
		}
		if job.Status == domain.StatusClaimed {
			if _, err := a.queue.Start(ctx, o.jobID, a.id); err != nil {
				return err
			}
		}
		if o.completed {
			accepted, err = a.queue.Complete(ctx, o.jobID, a.id, o.result)
			return err
		}
		res, err := a.queue.Fail(ctx, o.jobID, a.id, o.err())
		accepted = res != queue.FailLeaseLost
		return err
	})
	if err != nil {
		return err
	}
	if !accepted {
		a.logger.Warn("outcome rejected, job no longer owned", slog.String("job_id", o.jobID))
	}
	if err := a.local.MarkSynced(ctx, o.jobID); err != nil {
		return fmt.Errorf("mark synced: %w", err)
	}
	return nil
}

// SyncOffline reports every outcome recorded while the queue was unreachable,
// oldest first, and stops at the first delivery failure.
func (a *Agent) SyncOffline(ctx context.Context) error {
	a.syncMu.Lock()
	defer a.syncMu.Unlock()

	recs, err := a.local.JobsToSync(ctx)
	if err != nil {
		return fmt.Errorf("list pending outcomes: %w", err)
	}
	for _, rec := range recs {
		if err := a.report(ctx, outcomeFromRecord(rec)); err != nil {
			a.syncNeeded.Store(true)
			return fmt.Errorf("sync %s: %w", rec.Job.ID, err)
		}
	}
	a.syncNeeded.Store(false)
	if len(recs) > 0 {
		a.logger.Info("offline outcomes synced", slog.Int("count", len(recs)))
	}
	if a.cfg.SyncedRetention > 0 {
		if n, err := a.local.PruneSynced(ctx, a.clock().Add(-a.cfg.SyncedRetention)); err != nil {
			a.logger.Warn("prune synced records", slog.String("error", err.Error()))
		} else if n > 0 {
			a.logger.Debug("pruned synced records", slog.Int64("count", n))
		}
	}
	return nil
}

// resume restarts jobs that were running when the worker last stopped. Jobs
// the queue has since given to another worker, or cancelled, are dropped.
func (a *Agent) resume(ctx context.Context) error {
	recs, err := a.local.JobsInProgress(ctx)
	if err != nil {
		return fmt.Errorf("list interrupted jobs: %w", err)
	}
	for _, rec := range recs {
		job, keep := a.reconcile(ctx, rec.Job)
		if !keep {
			if err := a.local.Forget(ctx, rec.Job.ID); err != nil {
				a.logger.Error("forget job", slog.String("job_id", rec.Job.ID), slog.String("error", err.Error()))
			}
			a.logger.Info("dropping interrupted job, no longer owned", slog.String("job_id", rec.Job.ID))
			continue
		}
		if err := a.startBlocking(ctx, job); err != nil {
			return err
		}
	}
	if len(recs) > 0 {
		a.logger.Info("interrupted jobs reconciled", slog.Int("count", len(recs)))
	}
	return nil
}

// reconcile checks a locally interrupted job against the queue. With the queue
// unreachable the local copy wins.
func (a *Agent) reconcile(ctx context.Context, local *domain.Job) (*domain.Job, bool) {
	if !a.connected() {
		return local, true
	}
	var remote *domain.Job
	err := a.link.Execute(ctx, func(ctx context.Context) error {
		var err error
		remote, err = a.queue.Get(ctx, local.ID)
		return err
	})
	var nf *domain.JobNotFoundError
	switch {
	case errors.As(err, &nf):
		return nil, false
	case err != nil:
		return local, true
	case remote.Owner() != a.id || !remote.Status.IsClaimed():
		return nil, false
	}
	job := local.Clone()
	job.Status = remote.Status
	job.ClaimedBy = remote.ClaimedBy
	job.LeaseExpiresAt = remote.LeaseExpiresAt
	job.AttemptCount = remote.AttemptCount
	return job, true
}
