package syshealth

import (
	"context"
	"database/sql"

	"github.com/txn2/sql-gateway/pkg/driver"
)

const verticaRemediation = "grant SELECT on v_monitor.node_states (SYSMONITOR role) to read node states"

// verticaProvider reports node states from v_monitor.node_states.
type verticaProvider struct{}

func (verticaProvider) Engine() driver.Engine { return driver.EngineVertica }

func (verticaProvider) Check(ctx context.Context, db *sql.DB) Result {
	rows, err := db.QueryContext(ctx, `SELECT node_name, node_state FROM v_monitor.node_states`)
	if err != nil {
		return classifyError(err, verticaRemediation)
	}
	defer rows.Close()

	var nodes []Node
	for rows.Next() {
		var name, state string
		if err := rows.Scan(&name, &state); err != nil {
			return classifyError(err, verticaRemediation)
		}
		nodes = append(nodes, Node{
			Name:    name,
			Status:  verticaNodeStatus(state),
			Details: "state=" + state,
		})
	}
	if err := rows.Err(); err != nil {
		return classifyError(err, verticaRemediation)
	}

	return Result{Status: CheckOK, Nodes: nodes}
}

func verticaNodeStatus(state string) NodeStatus {
	switch state {
	case "UP":
		return NodeUp
	case "READY", "INITIALIZING", "RECOVERING", "STANDBY":
		return NodeDegraded
	case "DOWN", "SHUTDOWN":
		return NodeDown
	default:
		return NodeUnknown
	}
}
