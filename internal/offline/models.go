package offline

import (
	"time"

	"gorm.io/datatypes"
)

// RecordState is the local lifecycle of a job on this worker.
type RecordState string

const (
	StateCached     RecordState = "CACHED"
	StateInProgress RecordState = "IN_PROGRESS"
	StateCompleted  RecordState = "COMPLETED"
	StateFailed     RecordState = "FAILED"
)

type jobRecord struct {
	JobID       string `gorm:"primaryKey"`
	Job         datatypes.JSON
	State       RecordState `gorm:"index"`
	Result      datatypes.JSON
	Error       string
	Permanent   bool
	PendingSync bool `gorm:"index"`
	CachedAt    time.Time
	UpdatedAt   time.Time
	SyncedAt    *time.Time
}

func (jobRecord) TableName() string { return "offline_jobs" }

type checkpointRecord struct {
	JobID           string `gorm:"primaryKey"`
	ExecutedStepIDs datatypes.JSONSlice[string]
	StepOutputs     datatypes.JSON
	LastStepOutput  datatypes.JSON
	SavedAt         time.Time
}

func (checkpointRecord) TableName() string { return "offline_checkpoints" }
