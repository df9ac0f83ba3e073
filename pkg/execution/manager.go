package execution

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/txn2/sql-gateway/pkg/access"
	"github.com/txn2/sql-gateway/pkg/export"
)

// Defaults applied by Config.withDefaults.
const (
	defaultPageSize        = 100
	defaultMaxPageSize     = 1000
	defaultMaxBufferedRows = 100000
	defaultSessionTTL      = 10 * time.Minute
	defaultRetention       = time.Hour
	defaultGracePeriod     = 5 * time.Second
	defaultCleanupInterval = 30 * time.Second
	cancelPollInterval     = 25 * time.Millisecond
)

// ConnectionOpener hands out pooled database handles. Implemented by the
// pool manager.
type ConnectionOpener interface {
	Open(ctx context.Context, datasourceID, profile string) (*sql.DB, error)
}

// Config bounds the execution engine.
type Config struct {
	DefaultPageSize    int           `yaml:"default_page_size"`
	MaxPageSize        int           `yaml:"max_page_size"`
	MaxBufferedRows    int           `yaml:"max_buffered_rows"`
	ResultSessionTTL   time.Duration `yaml:"result_session_ttl"`
	ExecutionRetention time.Duration `yaml:"execution_retention"`
	CancelGracePeriod  time.Duration `yaml:"cancel_grace_period"`
	CleanupInterval    time.Duration `yaml:"cleanup_interval"`
}

func (c Config) withDefaults() Config {
	if c.DefaultPageSize <= 0 {
		c.DefaultPageSize = defaultPageSize
	}
	if c.MaxPageSize <= 0 {
		c.MaxPageSize = defaultMaxPageSize
	}
	if c.MaxBufferedRows <= 0 {
		c.MaxBufferedRows = defaultMaxBufferedRows
	}
	if c.ResultSessionTTL <= 0 {
		c.ResultSessionTTL = defaultSessionTTL
	}
	if c.ExecutionRetention <= 0 {
		c.ExecutionRetention = defaultRetention
	}
	if c.CancelGracePeriod <= 0 {
		c.CancelGracePeriod = defaultGracePeriod
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = defaultCleanupInterval
	}
	return c
}

// Manager runs the execution state machine.
type Manager struct {
	cfg         Config
	connections ConnectionOpener
	logger      *slog.Logger

	store   *executionStore
	cursors *cursorStore

	// finished is invoked on every terminal transition made by a worker.
	// Used by the gateway to feed the history store; may be nil.
	finished func(Snapshot)

	cancelSweep context.CancelFunc
	sweepDone   chan struct{}
}

// NewManager creates an execution manager.
func NewManager(cfg Config, connections ConnectionOpener, logger *slog.Logger) *Manager {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:         cfg,
		connections: connections,
		logger:      logger,
		store:       newExecutionStore(),
		cursors:     newCursorStore(cfg.ResultSessionTTL),
	}
}

// OnFinished registers a callback invoked with the terminal snapshot of
// every execution a worker finishes. Must be set before Submit is called.
func (m *Manager) OnFinished(fn func(Snapshot)) {
	m.finished = fn
}

// Submit validates concurrency admission and schedules an asynchronous
// worker. The call returns as soon as the execution is registered; it never
// blocks on SQL execution.
func (m *Manager) Submit(_ context.Context, actor access.Principal, req Request, policy access.Policy) (Snapshot, error) {
	if req.SQL == "" {
		return Snapshot{}, fmt.Errorf("sql text is required")
	}

	workerCtx, cancel := context.WithCancel(context.Background())
	exec := &execution{
		id:                uuid.NewString(),
		owner:             actor.Username,
		datasourceID:      req.DatasourceID,
		credentialProfile: policy.CredentialProfile,
		sql:               req.SQL,
		status:            StatusQueued,
		submittedAt:       time.Now(),
		cancel:            cancel,
	}

	// Check-and-register is atomic: the store counts the actor's
	// non-terminal executions and admits under the same lock.
	if err := m.store.admit(exec, policy.ConcurrencyLimit); err != nil {
		cancel()
		return Snapshot{}, err
	}

	go m.run(workerCtx, exec, policy)

	m.logger.Info("query submitted",
		"execution_id", exec.id,
		"actor", actor.Username,
		"datasource_id", req.DatasourceID)
	return exec.snapshot(), nil
}

// Status returns a point-in-time snapshot. Non-owners without admin rights
// are denied.
func (m *Manager) Status(actor access.Principal, isAdmin bool, executionID string) (Snapshot, error) {
	exec, err := m.lookup(actor, isAdmin, executionID)
	if err != nil {
		return Snapshot{}, err
	}
	return exec.snapshot(), nil
}

// Cancel requests cancellation. QUEUED executions cancel immediately;
// RUNNING ones get a driver-level cancel signal and a bounded poll for up to
// the grace period. The returned status is whatever was observed last;
// callers poll Status for the final outcome. Terminal executions are a
// no-op returning their existing status.
func (m *Manager) Cancel(actor access.Principal, isAdmin bool, executionID string) (Snapshot, error) {
	exec, err := m.lookup(actor, isAdmin, executionID)
	if err != nil {
		return Snapshot{}, err
	}

	// Queued work never started; cancel directly.
	if exec.transition(StatusQueued, StatusCanceled) {
		exec.cancel()
		m.logger.Info("queued execution canceled", "execution_id", executionID)
		return exec.snapshot(), nil
	}

	snap := exec.snapshot()
	if snap.Status.Terminal() {
		return snap, nil
	}

	exec.cancel()

	deadline := time.Now().Add(m.cfg.CancelGracePeriod)
	for time.Now().Before(deadline) {
		snap = exec.snapshot()
		if snap.Status.Terminal() {
			return snap, nil
		}
		time.Sleep(cancelPollInterval)
	}
	return exec.snapshot(), nil
}

// Results returns one page of buffered rows. Page size is clamped to
// [1, MaxPageSize], defaulting to DefaultPageSize. An empty token starts
// from the beginning; sequential calls following NextPageToken partition the
// buffer exactly once.
func (m *Manager) Results(actor access.Principal, isAdmin bool, executionID, pageToken string, pageSize int) (ResultPage, error) {
	exec, err := m.lookup(actor, isAdmin, executionID)
	if err != nil {
		return ResultPage{}, err
	}

	pageSize = m.clampPageSize(pageSize)

	offset, err := m.cursors.resolve(executionID, pageToken)
	if err != nil {
		return ResultPage{}, err
	}

	snap := exec.snapshot()
	columns, rows := exec.committedRows()

	if offset > len(rows) {
		offset = len(rows)
	}
	end := offset + pageSize
	if end > len(rows) {
		end = len(rows)
	}

	// More pages remain while buffered rows are unread, or while a
	// non-terminal worker may still commit rows.
	more := end < len(rows) || !snap.Status.Terminal()
	next := m.cursors.advance(executionID, end, more)

	return ResultPage{
		Columns:         columns,
		Rows:            rows[offset:end],
		NextPageToken:   next,
		RowLimitReached: snap.RowLimitReached,
	}, nil
}

// ExportCSV streams the full buffered result set to w. The execution must
// have finished; export permission is enforced by the gateway.
func (m *Manager) ExportCSV(w io.Writer, actor access.Principal, isAdmin bool, executionID string, includeHeaders bool) error {
	exec, err := m.lookup(actor, isAdmin, executionID)
	if err != nil {
		return err
	}

	snap := exec.snapshot()
	if !snap.Status.Terminal() {
		return ErrNotFinished
	}

	columns, rows := exec.committedRows()
	return export.WriteCSV(w, columns, rows, includeHeaders)
}

// StartRetention launches the periodic retention sweep. Stopped by Close.
func (m *Manager) StartRetention() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancelSweep = cancel
	m.sweepDone = make(chan struct{})

	go func() {
		defer close(m.sweepDone)

		ticker := time.NewTicker(m.cfg.CleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweep(time.Now())
			}
		}
	}()
}

// sweep purges executions older than the retention window. Non-terminal
// executions past the window are force-finalized as FAILED first so their
// workers and resources cannot accumulate without bound.
func (m *Manager) sweep(now time.Time) {
	cutoff := now.Add(-m.cfg.ExecutionRetention)

	for _, exec := range m.store.all() {
		if exec.submittedAt.After(cutoff) {
			continue
		}
		if !exec.snapshot().Status.Terminal() {
			exec.finish(StatusFailed, "execution exceeded retention window")
			exec.cancel()
			m.notifyFinished(exec)
		}
		m.store.remove(exec.id)
		m.cursors.drop(exec.id)
		m.logger.Debug("execution purged", "execution_id", exec.id)
	}

	m.cursors.sweep(now)
}

// Close stops the retention sweep.
func (m *Manager) Close() error {
	if m.cancelSweep != nil {
		m.cancelSweep()
		<-m.sweepDone
	}
	return nil
}

// Reset drops all executions and cursor sessions. Intended for tests.
func (m *Manager) Reset() {
	m.store.reset()
	m.cursors = newCursorStore(m.cfg.ResultSessionTTL)
}

func (m *Manager) lookup(actor access.Principal, isAdmin bool, executionID string) (*execution, error) {
	exec, ok := m.store.get(executionID)
	if !ok {
		return nil, ErrExecutionNotFound
	}
	if !exec.accessibleBy(actor.Username, isAdmin) {
		return nil, ErrForbidden
	}
	return exec, nil
}

func (m *Manager) clampPageSize(size int) int {
	if size <= 0 {
		size = m.cfg.DefaultPageSize
	}
	if size > m.cfg.MaxPageSize {
		size = m.cfg.MaxPageSize
	}
	return size
}
