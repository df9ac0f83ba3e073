// Package audit defines the audit sink the gateway emits execution, cancel,
// export and test-connection outcomes to. Persistence and querying of audit
// events live outside the gateway; emission is fire-and-forget and must
// never block the execution path.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Action categorizes an auditable gateway operation.
type Action string

// Audited actions.
const (
	ActionSubmit         Action = "query_submit"
	ActionCancel         Action = "query_cancel"
	ActionExport         Action = "query_export"
	ActionTestConnection Action = "test_connection"
	ActionReencrypt      Action = "credential_reencrypt"
	ActionPoolEvict      Action = "pool_evict"
)

// Event is one auditable outcome.
type Event struct {
	ID                string    `json:"id"`
	Timestamp         time.Time `json:"timestamp"`
	Action            Action    `json:"action"`
	Actor             string    `json:"actor"`
	DatasourceID      string    `json:"datasource_id,omitempty"`
	CredentialProfile string    `json:"credential_profile,omitempty"`
	ExecutionID       string    `json:"execution_id,omitempty"`
	Success           bool      `json:"success"`
	ErrorMessage      string    `json:"error_message,omitempty"`
	DurationMS        int64     `json:"duration_ms,omitempty"`
}

// NewEvent creates an event for an action and actor.
func NewEvent(action Action, actor string) Event {
	return Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Action:    action,
		Actor:     actor,
	}
}

// Logger is the audit sink contract.
type Logger interface {
	// Log records an event. Implementations must return quickly; slow sinks
	// buffer or drop rather than block callers.
	Log(ctx context.Context, event Event)
}

// SlogLogger writes audit events to a structured logger.
type SlogLogger struct {
	logger *slog.Logger
}

// NewSlogLogger creates an audit sink backed by logger, defaulting to
// slog.Default when nil.
func NewSlogLogger(logger *slog.Logger) *SlogLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogLogger{logger: logger}
}

// Log records the event.
func (l *SlogLogger) Log(_ context.Context, e Event) {
	l.logger.Info("audit",
		"audit_id", e.ID,
		"action", string(e.Action),
		"actor", e.Actor,
		"datasource_id", e.DatasourceID,
		"credential_profile", e.CredentialProfile,
		"execution_id", e.ExecutionID,
		"success", e.Success,
		"error", e.ErrorMessage,
		"duration_ms", e.DurationMS,
	)
}

// NopLogger discards all events.
type NopLogger struct{}

// Log discards the event.
func (NopLogger) Log(context.Context, Event) {}

// Verify interface compliance.
var (
	_ Logger = (*SlogLogger)(nil)
	_ Logger = NopLogger{}
)
