package execution

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/txn2/sql-gateway/pkg/access"
	"github.com/txn2/sql-gateway/pkg/sanitize"
)

// run executes one submitted query on a detached worker goroutine. The
// caller's request context is never used here; ctx is the worker context
// whose cancel func is the execution's cancellation signal.
func (m *Manager) run(ctx context.Context, exec *execution, policy access.Policy) {
	// A cancel that raced submission wins; the worker never starts.
	if !exec.transition(StatusQueued, StatusRunning) {
		m.notifyFinished(exec)
		return
	}

	// Pre-statement suspension point.
	if ctx.Err() != nil {
		exec.finish(StatusCanceled, "")
		m.notifyFinished(exec)
		return
	}

	db, err := m.connections.Open(ctx, exec.datasourceID, exec.credentialProfile)
	if err != nil {
		m.fail(exec, err)
		return
	}

	stmtCtx := ctx
	if policy.MaxRuntimeSeconds > 0 {
		var cancel context.CancelFunc
		stmtCtx, cancel = context.WithTimeout(ctx, time.Duration(policy.MaxRuntimeSeconds)*time.Second)
		defer cancel()
	}

	rows, err := db.QueryContext(stmtCtx, exec.sql)
	if err != nil {
		m.finishFromError(exec, ctx, stmtCtx, err)
		return
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		m.fail(exec, err)
		return
	}
	exec.rowsMu.Lock()
	exec.columns = columns
	exec.rowsMu.Unlock()

	if err := m.consumeRows(exec, rows, m.rowLimit(policy), columns); err != nil {
		m.finishFromError(exec, ctx, stmtCtx, err)
		return
	}

	if err := rows.Err(); err != nil {
		m.finishFromError(exec, ctx, stmtCtx, err)
		return
	}

	exec.finish(StatusSucceeded, "")
	m.notifyFinished(exec)
	m.logger.Info("query succeeded",
		"execution_id", exec.id,
		"rows", exec.snapshot().RowCount,
		"row_limit_reached", exec.snapshot().RowLimitReached)
}

// rowLimit returns the effective buffer cap for an execution: the smaller of
// the gateway-wide buffer cap and the policy's per-query row cap.
func (m *Manager) rowLimit(policy access.Policy) int {
	limit := m.cfg.MaxBufferedRows
	if policy.MaxRowsPerQuery > 0 && policy.MaxRowsPerQuery < limit {
		limit = policy.MaxRowsPerQuery
	}
	return limit
}

// consumeRows streams result rows into the buffer until the set is drained
// or the cap is reached. Truncation sets rowLimitReached and stops
// consumption; it is not an error.
func (m *Manager) consumeRows(exec *execution, rows *sql.Rows, limit int, columns []string) error {
	count := 0
	for rows.Next() {
		if count >= limit {
			exec.mu.Lock()
			exec.rowLimitReached = true
			exec.mu.Unlock()
			return nil
		}

		row, err := scanRow(rows, len(columns))
		if err != nil {
			return err
		}
		exec.appendRow(row)
		count++
	}
	return nil
}

// scanRow scans the current row into driver-neutral values. Byte slices are
// copied to strings because the driver may reuse the backing array.
func scanRow(rows *sql.Rows, width int) ([]any, error) {
	values := make([]any, width)
	ptrs := make([]any, width)
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	for i, v := range values {
		if b, ok := v.([]byte); ok {
			values[i] = string(b)
		}
	}
	return values, nil
}

// finishFromError maps a worker error to a terminal state: cancellation of
// the worker context becomes CANCELED, a statement timeout or any other
// failure becomes FAILED with a sanitized summary.
func (m *Manager) finishFromError(exec *execution, workerCtx, stmtCtx context.Context, err error) {
	switch {
	case workerCtx.Err() != nil && errors.Is(err, context.Canceled):
		exec.finish(StatusCanceled, "")
	case errors.Is(err, context.DeadlineExceeded) || stmtCtx.Err() == context.DeadlineExceeded:
		exec.finish(StatusFailed, "query exceeded maximum runtime")
	default:
		exec.finish(StatusFailed, sanitize.Error(err))
	}
	m.notifyFinished(exec)
}

func (m *Manager) fail(exec *execution, err error) {
	exec.finish(StatusFailed, sanitize.Error(err))
	m.notifyFinished(exec)
	m.logger.Warn("query failed", "execution_id", exec.id, "error", sanitize.Error(err))
}

func (m *Manager) notifyFinished(exec *execution) {
	if m.finished == nil {
		return
	}
	snap := exec.snapshot()
	// Fire-and-forget; the history sink must not block the worker.
	go m.finished(snap)
}
