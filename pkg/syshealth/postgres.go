package syshealth

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/txn2/sql-gateway/pkg/driver"
)

const pgRemediation = "grant the pg_monitor role to the gateway's database user to read replication diagnostics"

// postgresProvider reports replication topology: the local node's recovery
// state plus every streaming replica from pg_stat_replication.
type postgresProvider struct{}

func (postgresProvider) Engine() driver.Engine { return driver.EnginePostgres }

func (postgresProvider) Check(ctx context.Context, db *sql.DB) Result {
	var inRecovery bool
	if err := db.QueryRowContext(ctx, "SELECT pg_is_in_recovery()").Scan(&inRecovery); err != nil {
		return classifyError(err, pgRemediation)
	}

	role := "primary"
	if inRecovery {
		role = "replica"
	}
	nodes := []Node{{Name: "local", Role: role, Status: NodeUp}}

	rows, err := db.QueryContext(ctx, `
		SELECT application_name, state,
		       COALESCE(EXTRACT(EPOCH FROM replay_lag), 0)
		FROM pg_stat_replication`)
	if err != nil {
		return classifyError(err, pgRemediation)
	}
	defer rows.Close()

	for rows.Next() {
		var name, state string
		var lagSeconds float64
		if err := rows.Scan(&name, &state, &lagSeconds); err != nil {
			return classifyError(err, pgRemediation)
		}
		nodes = append(nodes, Node{
			Name:    name,
			Role:    "replica",
			Status:  replicationStatus(state, lagSeconds),
			Details: fmt.Sprintf("state=%s replay_lag=%.1fs", state, lagSeconds),
		})
	}
	if err := rows.Err(); err != nil {
		return classifyError(err, pgRemediation)
	}

	return Result{Status: CheckOK, Nodes: nodes}
}

// replicationStatus maps a pg_stat_replication state and replay lag to the
// uniform vocabulary. Lag above 30s degrades an otherwise streaming replica.
func replicationStatus(state string, lagSeconds float64) NodeStatus {
	switch state {
	case "streaming":
		if lagSeconds > 30 {
			return NodeDegraded
		}
		return NodeUp
	case "catchup", "startup", "backup":
		return NodeDegraded
	case "":
		return NodeUnknown
	default:
		return NodeDown
	}
}
