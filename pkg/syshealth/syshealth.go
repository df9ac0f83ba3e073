// Package syshealth runs engine-native cluster diagnostics and normalizes
// them into a uniform node status vocabulary.
package syshealth

import (
	"context"
	"database/sql"
	"strings"

	"github.com/txn2/sql-gateway/pkg/driver"
	"github.com/txn2/sql-gateway/pkg/sanitize"
)

// NodeStatus is the uniform per-node status vocabulary.
type NodeStatus string

// Node statuses.
const (
	NodeUp       NodeStatus = "UP"
	NodeDown     NodeStatus = "DOWN"
	NodeDegraded NodeStatus = "DEGRADED"
	NodeUnknown  NodeStatus = "UNKNOWN"
)

// CheckStatus is the overall outcome of a health check.
type CheckStatus string

// Check outcomes.
const (
	CheckOK                     CheckStatus = "OK"
	CheckInsufficientPrivileges CheckStatus = "INSUFFICIENT_PRIVILEGES"
	CheckUnsupported            CheckStatus = "UNSUPPORTED"
	CheckError                  CheckStatus = "ERROR"
)

// Node is one normalized diagnostic row.
type Node struct {
	Name    string     `json:"name"`
	Role    string     `json:"role,omitempty"`
	Status  NodeStatus `json:"status"`
	Details string     `json:"details,omitempty"`
}

// Result is the outcome of one cluster health check.
type Result struct {
	Status  CheckStatus `json:"status"`
	Message string      `json:"message,omitempty"`
	Nodes   []Node      `json:"nodes,omitempty"`
}

// Provider runs diagnostics for one engine family.
type Provider interface {
	Engine() driver.Engine
	Check(ctx context.Context, db *sql.DB) Result
}

// ForEngine returns the provider for an engine, or an unsupported stub.
func ForEngine(engine driver.Engine) Provider {
	switch engine {
	case driver.EnginePostgres:
		return postgresProvider{}
	case driver.EngineMySQL, driver.EngineMariaDB:
		return mysqlProvider{engine: engine}
	case driver.EngineStarRocks:
		return starrocksProvider{}
	case driver.EngineTrino:
		return trinoProvider{}
	case driver.EngineVertica:
		return verticaProvider{}
	default:
		return unsupportedProvider{engine: engine}
	}
}

// privilegeMarkers identify insufficient-privilege failures across engines.
var privilegeMarkers = []string{
	"permission denied",
	"access denied",
	"insufficient privilege",
	"42501", // postgres insufficient_privilege sqlstate
	"1227",  // mysql ER_SPECIFIC_ACCESS_DENIED
}

// classifyError maps a diagnostic query failure to a Result, distinguishing
// missing monitoring privileges from generic failures.
func classifyError(err error, remediation string) Result {
	msg := strings.ToLower(err.Error())
	for _, marker := range privilegeMarkers {
		if strings.Contains(msg, marker) {
			return Result{
				Status:  CheckInsufficientPrivileges,
				Message: remediation,
			}
		}
	}
	return Result{
		Status:  CheckError,
		Message: sanitize.Error(err),
	}
}

type unsupportedProvider struct {
	engine driver.Engine
}

func (p unsupportedProvider) Engine() driver.Engine { return p.engine }

func (p unsupportedProvider) Check(context.Context, *sql.DB) Result {
	return Result{
		Status:  CheckUnsupported,
		Message: "no cluster diagnostics available for engine " + string(p.engine),
	}
}
