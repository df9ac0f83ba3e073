package syshealth

import (
	"context"
	"database/sql"

	"github.com/txn2/sql-gateway/pkg/driver"
)

const trinoRemediation = "allow the gateway's user to read system.runtime.nodes in the Trino access control rules"

// trinoProvider reports coordinator and worker liveness from
// system.runtime.nodes.
type trinoProvider struct{}

func (trinoProvider) Engine() driver.Engine { return driver.EngineTrino }

func (trinoProvider) Check(ctx context.Context, db *sql.DB) Result {
	rows, err := db.QueryContext(ctx, `
		SELECT node_id, coordinator, state FROM system.runtime.nodes`)
	if err != nil {
		return classifyError(err, trinoRemediation)
	}
	defer rows.Close()

	var nodes []Node
	for rows.Next() {
		var nodeID, state string
		var coordinator bool
		if err := rows.Scan(&nodeID, &coordinator, &state); err != nil {
			return classifyError(err, trinoRemediation)
		}

		role := "worker"
		if coordinator {
			role = "coordinator"
		}
		nodes = append(nodes, Node{
			Name:    nodeID,
			Role:    role,
			Status:  trinoNodeStatus(state),
			Details: "state=" + state,
		})
	}
	if err := rows.Err(); err != nil {
		return classifyError(err, trinoRemediation)
	}

	return Result{Status: CheckOK, Nodes: nodes}
}

func trinoNodeStatus(state string) NodeStatus {
	switch state {
	case "active":
		return NodeUp
	case "shutting_down", "draining", "drained":
		return NodeDegraded
	case "inactive":
		return NodeDown
	default:
		return NodeUnknown
	}
}
