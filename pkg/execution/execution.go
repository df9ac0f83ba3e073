// Package execution implements the asynchronous query execution state
// machine: submission under per-actor concurrency limits, detached workers
// buffering rows under caps, cooperative cancellation, cursor-based result
// pagination and retention sweeps.
package execution

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Status is the lifecycle state of an execution.
type Status string

// Execution states. QUEUED and RUNNING are transient; the rest are terminal.
const (
	StatusQueued    Status = "QUEUED"
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusCanceled  Status = "CANCELED"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// Sentinel errors for the execution manager.
var (
	ErrExecutionNotFound = errors.New("execution not found")
	ErrForbidden         = errors.New("access to execution denied")
	ErrConcurrencyLimit  = errors.New("concurrent execution limit reached")
	ErrTokenExpired      = errors.New("expired or invalid page token")
	ErrNotFinished       = errors.New("execution has not finished")
)

// Request is a query submission.
type Request struct {
	DatasourceID string
	SQL          string
}

// Snapshot is a point-in-time view of an execution.
type Snapshot struct {
	ID                string     `json:"id"`
	Owner             string     `json:"owner"`
	DatasourceID      string     `json:"datasource_id"`
	CredentialProfile string     `json:"credential_profile"`
	SQL               string     `json:"sql"`
	Status            Status     `json:"status"`
	SubmittedAt       time.Time  `json:"submitted_at"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	RowCount          int        `json:"row_count"`
	RowLimitReached   bool       `json:"row_limit_reached"`
	ErrorSummary      string     `json:"error_summary,omitempty"`
}

// ResultPage is one page of buffered results.
type ResultPage struct {
	Columns         []string `json:"columns"`
	Rows            [][]any  `json:"rows"`
	NextPageToken   string   `json:"next_page_token,omitempty"`
	RowLimitReached bool     `json:"row_limit_reached"`
}

// execution is the mutable record behind a Snapshot. State transitions are
// made under mu by the owning worker and by cancellation requests only.
// Buffered rows live behind rowsMu with a committed watermark so paginated
// reads never observe a partially appended row.
type execution struct {
	mu sync.Mutex

	id                string
	owner             string
	datasourceID      string
	credentialProfile string
	sql               string

	status          Status
	submittedAt     time.Time
	startedAt       *time.Time
	completedAt     *time.Time
	rowLimitReached bool
	errorSummary    string

	// cancel aborts the worker's statement context.
	cancel context.CancelFunc

	rowsMu    sync.Mutex
	columns   []string
	rows      [][]any
	committed int
}

// snapshot returns a copy of the visible state.
func (e *execution) snapshot() Snapshot {
	e.mu.Lock()
	status := e.status
	startedAt := e.startedAt
	completedAt := e.completedAt
	limitReached := e.rowLimitReached
	summary := e.errorSummary
	e.mu.Unlock()

	e.rowsMu.Lock()
	rowCount := e.committed
	e.rowsMu.Unlock()

	return Snapshot{
		ID:                e.id,
		Owner:             e.owner,
		DatasourceID:      e.datasourceID,
		CredentialProfile: e.credentialProfile,
		SQL:               e.sql,
		Status:            status,
		SubmittedAt:       e.submittedAt,
		StartedAt:         startedAt,
		CompletedAt:       completedAt,
		RowCount:          rowCount,
		RowLimitReached:   limitReached,
		ErrorSummary:      summary,
	}
}

// transition moves the execution from one state to another. Returns false
// without mutating when the current state differs from `from`.
func (e *execution) transition(from, to Status) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.status != from {
		return false
	}
	e.status = to
	now := time.Now()
	if to == StatusRunning {
		e.startedAt = &now
	}
	if to.Terminal() {
		e.completedAt = &now
	}
	return true
}

// finish forces a terminal state from any non-terminal state, recording the
// error summary for FAILED transitions. Returns the resulting status.
func (e *execution) finish(to Status, summary string) Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.status.Terminal() {
		return e.status
	}
	e.status = to
	now := time.Now()
	e.completedAt = &now
	if summary != "" {
		e.errorSummary = summary
	}
	return e.status
}

// appendRow commits one row to the buffer.
func (e *execution) appendRow(row []any) {
	e.rowsMu.Lock()
	e.rows = append(e.rows, row)
	e.committed = len(e.rows)
	e.rowsMu.Unlock()
}

// committedRows returns the columns and the committed prefix of the buffer.
// Committed rows are immutable, so the returned slice is safe to read.
func (e *execution) committedRows() ([]string, [][]any) {
	e.rowsMu.Lock()
	defer e.rowsMu.Unlock()
	return e.columns, e.rows[:e.committed]
}

func (e *execution) accessibleBy(actor string, isAdmin bool) bool {
	return isAdmin || e.owner == actor
}
