package syshealth

import (
	"context"
	"database/sql"
	"strings"

	"github.com/txn2/sql-gateway/pkg/driver"
)

const starrocksRemediation = "grant the OPERATE privilege (or the cluster admin role) to read frontend/backend liveness tables"

// starrocksProvider reports frontend and backend liveness via the
// SHOW FRONTENDS / SHOW BACKENDS administrative statements.
type starrocksProvider struct{}

func (starrocksProvider) Engine() driver.Engine { return driver.EngineStarRocks }

func (starrocksProvider) Check(ctx context.Context, db *sql.DB) Result {
	frontends, res := showLiveness(ctx, db, "SHOW FRONTENDS", "frontend")
	if res != nil {
		return *res
	}
	backends, res := showLiveness(ctx, db, "SHOW BACKENDS", "backend")
	if res != nil {
		return *res
	}
	return Result{Status: CheckOK, Nodes: append(frontends, backends...)}
}

// showLiveness runs one SHOW statement and extracts node name and the Alive
// column. SHOW output is wide and version-dependent, so columns are scanned
// generically and located by header name.
func showLiveness(ctx context.Context, db *sql.DB, statement, role string) ([]Node, *Result) {
	rows, err := db.QueryContext(ctx, statement)
	if err != nil {
		r := classifyError(err, starrocksRemediation)
		return nil, &r
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		r := classifyError(err, starrocksRemediation)
		return nil, &r
	}

	nameIdx, aliveIdx, errMsgIdx := -1, -1, -1
	for i, col := range columns {
		switch strings.ToLower(col) {
		case "name", "ip", "host":
			if nameIdx == -1 {
				nameIdx = i
			}
		case "alive":
			aliveIdx = i
		case "errmsg":
			errMsgIdx = i
		}
	}

	var nodes []Node
	for rows.Next() {
		values := make([]sql.NullString, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			r := classifyError(err, starrocksRemediation)
			return nil, &r
		}

		node := Node{Role: role, Status: NodeUnknown}
		if nameIdx >= 0 {
			node.Name = values[nameIdx].String
		}
		if aliveIdx >= 0 {
			if strings.EqualFold(values[aliveIdx].String, "true") {
				node.Status = NodeUp
			} else {
				node.Status = NodeDown
			}
		}
		if errMsgIdx >= 0 && values[errMsgIdx].String != "" {
			node.Details = values[errMsgIdx].String
			if node.Status == NodeUp {
				node.Status = NodeDegraded
			}
		}
		nodes = append(nodes, node)
	}
	if err := rows.Err(); err != nil {
		r := classifyError(err, starrocksRemediation)
		return nil, &r
	}
	return nodes, nil
}
