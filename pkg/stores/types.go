package stores

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// RunKind identifies the operation a run performed.
type RunKind string

const (
	RunKindLift   RunKind = "lift"
	RunKindCreate RunKind = "create"
)

// RunStatus represents the status of a run
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	// RunStatusStopped means the run ended early on domain errors.
	RunStatusStopped   RunStatus = "stopped"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	return s != RunStatusRunning
}

// Run is one lift or create invocation.
type Run struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Kind        RunKind    `json:"kind"`
	Status      RunStatus  `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       *string    `json:"error,omitempty"`
	Metadata    string     `json:"metadata"` // JSON blob
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// PhaseRecord is a persisted engine.PhaseResult.
type PhaseRecord struct {
	ID         string          `json:"id"`
	RunID      string          `json:"run_id"`
	Seq        int             `json:"seq"`
	TargetID   string          `json:"target_id"`
	TargetName string          `json:"target_name"`
	Phase      string          `json:"phase"`
	Outcome    string          `json:"outcome"`
	Result     *string         `json:"result,omitempty"` // JSON blob
	Errors     *string         `json:"errors,omitempty"` // JSON array of engine errors
	Fault      *string         `json:"fault,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	Actions    []*ActionRecord `json:"actions"`
}

// ActionRecord is a persisted engine.ActionResult.
type ActionRecord struct {
	ID            string    `json:"id"`
	PhaseResultID string    `json:"phase_result_id"`
	Seq           int       `json:"seq"`
	Action        string    `json:"action"`
	Kind          string    `json:"kind"`
	Command       string    `json:"command"`
	Output        string    `json:"output"`
	Stderr        string    `json:"stderr"`
	ExitCode      int       `json:"exit_code"`
	Status        string    `json:"status"`
	Error         *string   `json:"error,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	DurationMS    int64     `json:"duration_ms"`
}

// Store defines the interface for run history persistence
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)
	CommitTx(tx *sql.Tx) error
	RollbackTx(tx *sql.Tx) error

	// Run operations
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRunStatus(ctx context.Context, id string, status RunStatus, err *string) error
	ListRuns(ctx context.Context, limit, offset int) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error

	// Phase result operations
	SavePhaseResults(ctx context.Context, runID string, records []*PhaseRecord) error
	ListPhaseResults(ctx context.Context, runID string) ([]*PhaseRecord, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
