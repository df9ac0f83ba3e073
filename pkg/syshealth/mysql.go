package syshealth

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/txn2/sql-gateway/pkg/driver"
)

const mysqlRemediation = "grant REPLICATION CLIENT to the gateway's database user to read replica status"

// mysqlProvider reports replica health via SHOW REPLICA STATUS. Serves both
// MySQL and MariaDB.
type mysqlProvider struct {
	engine driver.Engine
}

func (p mysqlProvider) Engine() driver.Engine { return p.engine }

func (p mysqlProvider) Check(ctx context.Context, db *sql.DB) Result {
	rows, err := db.QueryContext(ctx, "SHOW REPLICA STATUS")
	if err != nil {
		// Pre-8.0 servers only know the legacy statement.
		rows, err = db.QueryContext(ctx, "SHOW SLAVE STATUS") //nolint:misspell // legacy MySQL statement
		if err != nil {
			return classifyError(err, mysqlRemediation)
		}
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return classifyError(err, mysqlRemediation)
	}

	ioIdx, sqlIdx, lagIdx := -1, -1, -1
	for i, col := range columns {
		switch strings.ToLower(col) {
		case "replica_io_running", "slave_io_running":
			ioIdx = i
		case "replica_sql_running", "slave_sql_running":
			sqlIdx = i
		case "seconds_behind_source", "seconds_behind_master":
			lagIdx = i
		}
	}

	nodes := []Node{{Name: "local", Role: "source", Status: NodeUp}}
	replica := 0
	for rows.Next() {
		values := make([]sql.NullString, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return classifyError(err, mysqlRemediation)
		}

		replica++
		node := Node{
			Name:   fmt.Sprintf("replica-%d", replica),
			Role:   "replica",
			Status: NodeUnknown,
		}
		if ioIdx >= 0 && sqlIdx >= 0 {
			ioRunning := strings.EqualFold(values[ioIdx].String, "Yes")
			sqlRunning := strings.EqualFold(values[sqlIdx].String, "Yes")
			switch {
			case ioRunning && sqlRunning:
				node.Status = NodeUp
			case ioRunning || sqlRunning:
				node.Status = NodeDegraded
			default:
				node.Status = NodeDown
			}
		}
		if lagIdx >= 0 && values[lagIdx].Valid {
			node.Details = "seconds_behind=" + values[lagIdx].String
		}
		nodes = append(nodes, node)
	}
	if err := rows.Err(); err != nil {
		return classifyError(err, mysqlRemediation)
	}

	return Result{Status: CheckOK, Nodes: nodes}
}
