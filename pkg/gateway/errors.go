package gateway

import (
	"errors"

	"github.com/txn2/sql-gateway/pkg/driver"
	"github.com/txn2/sql-gateway/pkg/execution"
	"github.com/txn2/sql-gateway/pkg/netguard"
	"github.com/txn2/sql-gateway/pkg/pool"
)

// Kind classifies gateway errors for transport mapping.
type Kind int

// Error kinds, in rough HTTP-status order.
const (
	KindBadRequest Kind = iota
	KindForbidden
	KindNotFound
	KindInternal
)

// Sentinel errors raised by the gateway facade itself.
var (
	// ErrQueryNotPermitted is returned when the resolved policy denies
	// querying the datasource.
	ErrQueryNotPermitted = errors.New("query access not permitted")

	// ErrExportNotPermitted is returned when the resolved policy denies
	// result export.
	ErrExportNotPermitted = errors.New("export not permitted")

	// ErrAdminRequired is returned when a non-admin calls an admin
	// operation.
	ErrAdminRequired = errors.New("administrative access required")
)

// KindOf maps an error to its kind. Unknown errors are internal.
func KindOf(err error) Kind {
	switch {
	case errors.Is(err, pool.ErrDatasourceNotFound),
		errors.Is(err, ErrProfileNotFound),
		errors.Is(err, execution.ErrExecutionNotFound),
		errors.Is(err, execution.ErrTokenExpired):
		return KindNotFound
	case errors.Is(err, execution.ErrForbidden),
		errors.Is(err, netguard.ErrForbiddenTarget),
		errors.Is(err, ErrQueryNotPermitted),
		errors.Is(err, ErrExportNotPermitted),
		errors.Is(err, ErrAdminRequired):
		return KindForbidden
	case errors.Is(err, driver.ErrDriverNotAvailable),
		errors.Is(err, execution.ErrConcurrencyLimit),
		errors.Is(err, execution.ErrNotFinished):
		return KindBadRequest
	default:
		return KindInternal
	}
}
