package driver

import (
	"database/sql"
	"fmt"
	"net/url"

	mysqldrv "github.com/go-sql-driver/mysql"

	// Built-in engine drivers register themselves with database/sql.
	_ "github.com/lib/pq"
	_ "github.com/trinodb/trino-go-client/trino"
	_ "github.com/vertica/vertica-sql-go"
)

const (
	defaultPostgresPort = 5432
	defaultMySQLPort    = 3306
	defaultTrinoPort    = 8080
	defaultVerticaPort  = 5433
)

// builtinConnector implements Connector for engines shipped with the
// gateway. The dsn func renders a spec into the engine's DSN dialect.
type builtinConnector struct {
	engine    Engine
	sqlDriver string
	dsn       func(spec ConnectionSpec) (string, error)
	defaultTo int
}

func (c *builtinConnector) Engine() Engine { return c.engine }

func (c *builtinConnector) URL(spec ConnectionSpec) (string, error) {
	if spec.Port == 0 {
		spec.Port = c.defaultTo
	}
	return c.dsn(spec)
}

func (c *builtinConnector) Open(spec ConnectionSpec) (*sql.DB, error) {
	dsn, err := c.URL(spec)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(c.sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s handle: %w", c.engine, err)
	}
	applyPoolSettings(db, spec.Pool)
	return db, nil
}

func applyPoolSettings(db *sql.DB, s PoolSettings) {
	if s.MaxOpenConns > 0 {
		db.SetMaxOpenConns(s.MaxOpenConns)
	}
	if s.MaxIdleConns > 0 {
		db.SetMaxIdleConns(s.MaxIdleConns)
	}
	if s.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(s.ConnMaxLifetime)
	}
	if s.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(s.ConnMaxIdleTime)
	}
}

func postgresDSN(spec ConnectionSpec) (string, error) {
	u := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(spec.Username, spec.Password),
		Host:   fmt.Sprintf("%s:%d", spec.Host, spec.Port),
		Path:   "/" + spec.Database,
	}
	q := url.Values{}
	sslmode := spec.TLSMode
	if sslmode == "" {
		sslmode = "prefer"
	}
	q.Set("sslmode", sslmode)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func mysqlDSN(spec ConnectionSpec) (string, error) {
	cfg := mysqldrv.NewConfig()
	cfg.User = spec.Username
	cfg.Passwd = spec.Password
	cfg.Net = "tcp"
	cfg.Addr = fmt.Sprintf("%s:%d", spec.Host, spec.Port)
	cfg.DBName = spec.Database
	cfg.ParseTime = true
	if spec.TLSMode != "" {
		cfg.TLSConfig = spec.TLSMode
	}
	return cfg.FormatDSN(), nil
}

func trinoDSN(spec ConnectionSpec) (string, error) {
	scheme := "http"
	if spec.TLSMode == "require" || spec.TLSMode == "verify-full" {
		scheme = "https"
	}
	u := &url.URL{
		Scheme: scheme,
		Host:   fmt.Sprintf("%s:%d", spec.Host, spec.Port),
	}
	if spec.Password != "" {
		u.User = url.UserPassword(spec.Username, spec.Password)
	} else {
		u.User = url.User(spec.Username)
	}
	q := url.Values{}
	q.Set("source", "sql-gateway")
	if spec.Database != "" {
		q.Set("catalog", spec.Database)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func verticaDSN(spec ConnectionSpec) (string, error) {
	u := &url.URL{
		Scheme: "vertica",
		User:   url.UserPassword(spec.Username, spec.Password),
		Host:   fmt.Sprintf("%s:%d", spec.Host, spec.Port),
		Path:   "/" + spec.Database,
	}
	q := url.Values{}
	if spec.TLSMode != "" {
		q.Set("tlsmode", spec.TLSMode)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// builtinConnectors returns the connectors shipped with the gateway, one per
// supported engine. MariaDB and StarRocks speak the MySQL wire protocol and
// share its driver.
func builtinConnectors() map[string]Connector {
	mysqlFamily := func(engine Engine) Connector {
		return &builtinConnector{
			engine:    engine,
			sqlDriver: "mysql",
			dsn:       mysqlDSN,
			defaultTo: defaultMySQLPort,
		}
	}
	return map[string]Connector{
		"postgresql": &builtinConnector{
			engine:    EnginePostgres,
			sqlDriver: "postgres",
			dsn:       postgresDSN,
			defaultTo: defaultPostgresPort,
		},
		"mysql":     mysqlFamily(EngineMySQL),
		"mariadb":   mysqlFamily(EngineMariaDB),
		"starrocks": mysqlFamily(EngineStarRocks),
		"trino": &builtinConnector{
			engine:    EngineTrino,
			sqlDriver: "trino",
			dsn:       trinoDSN,
			defaultTo: defaultTrinoPort,
		},
		"vertica": &builtinConnector{
			engine:    EngineVertica,
			sqlDriver: "vertica",
			dsn:       verticaDSN,
			defaultTo: defaultVerticaPort,
		},
	}
}

// builtinImpls names the underlying driver implementation per built-in id.
var builtinImpls = map[string]string{
	"postgresql": "github.com/lib/pq",
	"mysql":      "github.com/go-sql-driver/mysql",
	"mariadb":    "github.com/go-sql-driver/mysql",
	"starrocks":  "github.com/go-sql-driver/mysql",
	"trino":      "github.com/trinodb/trino-go-client",
	"vertica":    "github.com/vertica/vertica-sql-go",
}
