package gateway

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/txn2/sql-gateway/pkg/driver"
	"github.com/txn2/sql-gateway/pkg/execution"
	"github.com/txn2/sql-gateway/pkg/netguard"
	"github.com/txn2/sql-gateway/pkg/pool"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind Kind
	}{
		{"datasource not found", pool.ErrDatasourceNotFound, KindNotFound},
		{"profile not found", ErrProfileNotFound, KindNotFound},
		{"execution not found", execution.ErrExecutionNotFound, KindNotFound},
		{"token expired", execution.ErrTokenExpired, KindNotFound},
		{"execution forbidden", execution.ErrForbidden, KindForbidden},
		{"forbidden target", netguard.ErrForbiddenTarget, KindForbidden},
		{"query not permitted", ErrQueryNotPermitted, KindForbidden},
		{"export not permitted", ErrExportNotPermitted, KindForbidden},
		{"admin required", ErrAdminRequired, KindForbidden},
		{"driver not available", driver.ErrDriverNotAvailable, KindBadRequest},
		{"concurrency limit", execution.ErrConcurrencyLimit, KindBadRequest},
		{"not finished", execution.ErrNotFinished, KindBadRequest},
		{"unknown error", errors.New("boom"), KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kind, KindOf(tt.err))
		})
	}
}

func TestKindOfWrapped(t *testing.T) {
	err := fmt.Errorf("submitting: %w", execution.ErrConcurrencyLimit)
	assert.Equal(t, KindBadRequest, KindOf(err))
}
