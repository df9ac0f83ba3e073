package schemacache

import (
	"context"
	"database/sql"

	"github.com/txn2/sql-gateway/pkg/driver"
)

// queryer is the subset of *sql.DB introspection needs.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// dialect carries the introspection statements for an engine family. All
// supported engines expose an information_schema; only placeholder style and
// system-schema filtering differ.
type dialect struct {
	schemasQuery string
	tablesQuery  string
	columnsQuery string
}

var (
	postgresDialect = dialect{
		schemasQuery: `SELECT schema_name FROM information_schema.schemata
			WHERE schema_name NOT IN ('pg_catalog', 'information_schema')`,
		tablesQuery: `SELECT table_name, table_type FROM information_schema.tables
			WHERE table_schema = $1 ORDER BY table_name`,
		columnsQuery: `SELECT column_name, data_type, is_nullable FROM information_schema.columns
			WHERE table_schema = $1 AND table_name = $2 ORDER BY ordinal_position`,
	}

	mysqlDialect = dialect{
		schemasQuery: `SELECT schema_name FROM information_schema.schemata
			WHERE schema_name NOT IN ('mysql', 'sys', 'performance_schema', 'information_schema')`,
		tablesQuery: `SELECT table_name, table_type FROM information_schema.tables
			WHERE table_schema = ? ORDER BY table_name`,
		columnsQuery: `SELECT column_name, data_type, is_nullable FROM information_schema.columns
			WHERE table_schema = ? AND table_name = ? ORDER BY ordinal_position`,
	}

	trinoDialect = dialect{
		schemasQuery: `SELECT schema_name FROM information_schema.schemata
			WHERE schema_name <> 'information_schema'`,
		tablesQuery: `SELECT table_name, table_type FROM information_schema.tables
			WHERE table_schema = ? ORDER BY table_name`,
		columnsQuery: `SELECT column_name, data_type, is_nullable FROM information_schema.columns
			WHERE table_schema = ? AND table_name = ? ORDER BY ordinal_position`,
	}

	verticaDialect = dialect{
		schemasQuery: `SELECT schema_name FROM v_catalog.schemata WHERE NOT is_system_schema`,
		tablesQuery: `SELECT table_name, 'TABLE' FROM v_catalog.tables
			WHERE table_schema = ? ORDER BY table_name`,
		columnsQuery: `SELECT column_name, data_type, CASE WHEN is_nullable THEN 'YES' ELSE 'NO' END
			FROM v_catalog.columns WHERE table_schema = ? AND table_name = ? ORDER BY ordinal_position`,
	}
)

func dialectFor(engine driver.Engine) dialect {
	switch engine {
	case driver.EnginePostgres:
		return postgresDialect
	case driver.EngineMySQL, driver.EngineMariaDB, driver.EngineStarRocks:
		return mysqlDialect
	case driver.EngineTrino:
		return trinoDialect
	case driver.EngineVertica:
		return verticaDialect
	default:
		return postgresDialect
	}
}
