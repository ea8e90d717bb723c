// Package offline is the worker's local durable log of claimed jobs,
// checkpoints and outcomes not yet reported to the queue.
package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/ramiqadoumi/go-job-orchestrator/internal/domain"
	"github.com/ramiqadoumi/go-job-orchestrator/pkg/telemetry"
)

// Record is a job as known locally.
type Record struct {
	Job         *domain.Job
	State       RecordState
	Result      []byte
	Error       string
	Permanent   bool
	PendingSync bool
	UpdatedAt   time.Time
}

// Store persists worker-local state in SQLite through gorm.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.clock = now } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Store) { s.logger = l } }

// Open opens (creating if needed) the SQLite database at path and migrates it.
// ":memory:" gives a throwaway store.
func Open(path string, opts ...Option) (*Store, error) {
	dsn := path
	if path != ":memory:" && !strings.Contains(path, "?") {
		dsn = path + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=FULL"
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open offline store %s: %w", path, err)
	}
	if err := db.Use(otelgorm.NewPlugin(otelgorm.WithDBName("offline"))); err != nil {
		return nil, fmt.Errorf("install otelgorm plugin: %w", err)
	}
	// SQLite allows a single writer; one connection avoids SQLITE_BUSY between goroutines.
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}
	if err := db.AutoMigrate(&jobRecord{}, &checkpointRecord{}); err != nil {
		return nil, fmt.Errorf("migrate offline store: %w", err)
	}

	s := &Store{db: db, clock: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) now() time.Time { return s.clock().UTC() }

// CacheJob records a freshly claimed job, replacing any stale local copy.
func (s *Store) CacheJob(ctx context.Context, job *domain.Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	now := s.now()
	rec := jobRecord{JobID: job.ID, Job: raw, State: StateCached, CachedAt: now, UpdatedAt: now}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "job_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"job": rec.Job, "state": StateCached, "result": nil, "error": "",
			"permanent": false, "pending_sync": false, "cached_at": now, "updated_at": now, "synced_at": nil,
		}),
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("cache job %s: %w", job.ID, err)
	}
	return nil
}

// MarkInProgress flags a cached job as executing locally.
func (s *Store) MarkInProgress(ctx context.Context, jobID string) error {
	return s.update(ctx, jobID, map[string]any{"state": StateInProgress})
}

// MarkCompleted records a local success awaiting report to the queue.
func (s *Store) MarkCompleted(ctx context.Context, jobID string, result []byte) error {
	var res any
	if result != nil {
		res = result
	}
	err := s.update(ctx, jobID, map[string]any{
		"state": StateCompleted, "result": res, "pending_sync": true,
	})
	s.refreshBacklog(ctx)
	return err
}

// MarkFailed records a local failure awaiting report to the queue.
func (s *Store) MarkFailed(ctx context.Context, jobID, errMsg string, permanent bool) error {
	err := s.update(ctx, jobID, map[string]any{
		"state": StateFailed, "error": errMsg, "permanent": permanent, "pending_sync": true,
	})
	s.refreshBacklog(ctx)
	return err
}

// JobsToSync returns outcomes not yet reported, oldest first.
func (s *Store) JobsToSync(ctx context.Context) ([]*Record, error) {
	var rows []jobRecord
	if err := s.db.WithContext(ctx).
		Where("pending_sync = ?", true).
		Order("updated_at ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list jobs to sync: %w", err)
	}
	return toRecords(rows)
}

// MarkSynced clears the pending-sync marker once the queue has the outcome.
func (s *Store) MarkSynced(ctx context.Context, jobID string) error {
	now := s.now()
	err := s.update(ctx, jobID, map[string]any{"pending_sync": false, "synced_at": now})
	s.refreshBacklog(ctx)
	return err
}

// JobsInProgress returns jobs claimed or executing locally that have no outcome yet.
func (s *Store) JobsInProgress(ctx context.Context) ([]*Record, error) {
	var rows []jobRecord
	if err := s.db.WithContext(ctx).
		Where("state IN ?", []RecordState{StateCached, StateInProgress}).
		Order("cached_at ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list jobs in progress: %w", err)
	}
	return toRecords(rows)
}

// Get returns the local record for jobID, or nil when unknown.
func (s *Store) Get(ctx context.Context, jobID string) (*Record, error) {
	var row jobRecord
	err := s.db.WithContext(ctx).Where("job_id = ?", jobID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get offline job %s: %w", jobID, err)
	}
	recs, err := toRecords([]jobRecord{row})
	if err != nil {
		return nil, err
	}
	return recs[0], nil
}

// Forget drops a job and its checkpoint, e.g. after the lease was lost.
func (s *Store) Forget(ctx context.Context, jobID string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("job_id = ?", jobID).Delete(&checkpointRecord{}).Error; err != nil {
			return err
		}
		return tx.Where("job_id = ?", jobID).Delete(&jobRecord{}).Error
	})
	if err != nil {
		return fmt.Errorf("forget job %s: %w", jobID, err)
	}
	s.refreshBacklog(ctx)
	return nil
}

// PruneSynced deletes synced records older than before.
func (s *Store) PruneSynced(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("pending_sync = ? AND synced_at IS NOT NULL AND synced_at < ?", false, before.UTC()).
		Delete(&jobRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("prune synced jobs: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// SaveCheckpoint upserts the checkpoint for cp.JobID.
func (s *Store) SaveCheckpoint(ctx context.Context, cp *domain.Checkpoint) error {
	outputs, err := json.Marshal(cp.StepOutputs)
	if err != nil {
		return fmt.Errorf("encode checkpoint %s: %w", cp.JobID, err)
	}
	rec := checkpointRecord{
		JobID:           cp.JobID,
		ExecutedStepIDs: append([]string(nil), cp.ExecutedStepIDs...),
		StepOutputs:     outputs,
		LastStepOutput:  []byte(cp.LastStepOutput),
		SavedAt:         cp.SavedAt.UTC(),
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "job_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"executed_step_ids", "step_outputs", "last_step_output", "saved_at"}),
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.JobID, err)
	}
	return nil
}

// LoadCheckpoint returns the checkpoint for jobID, or nil when none exists.
func (s *Store) LoadCheckpoint(ctx context.Context, jobID string) (*domain.Checkpoint, error) {
	var rec checkpointRecord
	err := s.db.WithContext(ctx).Where("job_id = ?", jobID).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", jobID, err)
	}
	cp := &domain.Checkpoint{
		JobID:           rec.JobID,
		ExecutedStepIDs: []string(rec.ExecutedStepIDs),
		StepOutputs:     map[string]json.RawMessage{},
		SavedAt:         rec.SavedAt,
	}
	if len(rec.StepOutputs) > 0 {
		if err := json.Unmarshal(rec.StepOutputs, &cp.StepOutputs); err != nil {
			return nil, fmt.Errorf("decode checkpoint %s: %w", jobID, err)
		}
	}
	if len(rec.LastStepOutput) > 0 {
		cp.LastStepOutput = json.RawMessage(rec.LastStepOutput)
	}
	return cp, nil
}

// DeleteCheckpoint removes jobID's checkpoint. Missing checkpoints are not an error.
func (s *Store) DeleteCheckpoint(ctx context.Context, jobID string) error {
	if err := s.db.WithContext(ctx).Where("job_id = ?", jobID).Delete(&checkpointRecord{}).Error; err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", jobID, err)
	}
	return nil
}

func (s *Store) update(ctx context.Context, jobID string, fields map[string]any) error {
	fields["updated_at"] = s.now()
	res := s.db.WithContext(ctx).Model(&jobRecord{}).Where("job_id = ?", jobID).Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("update offline job %s: %w", jobID, res.Error)
	}
	if res.RowsAffected == 0 {
		return &domain.JobNotFoundError{JobID: jobID}
	}
	return nil
}

func (s *Store) refreshBacklog(ctx context.Context) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&jobRecord{}).Where("pending_sync = ?", true).Count(&n).Error; err != nil {
		s.logger.Warn("count offline backlog", slog.String("error", err.Error()))
		return
	}
	telemetry.OfflinePendingSync.Set(float64(n))
}

func toRecords(rows []jobRecord) ([]*Record, error) {
	out := make([]*Record, 0, len(rows))
	for _, r := range rows {
		var job domain.Job
		if err := json.Unmarshal(r.Job, &job); err != nil {
			return nil, fmt.Errorf("decode offline job %s: %w", r.JobID, err)
		}
		out = append(out, &Record{
			Job:         &job,
			State:       r.State,
			Result:      []byte(r.Result),
			Error:       r.Error,
			Permanent:   r.Permanent,
			PendingSync: r.PendingSync,
			UpdatedAt:   r.UpdatedAt,
		})
	}
	return out, nil
}
