// Package driver catalogs the SQL engine drivers the gateway can connect
// with. Built-in connectors cover the supported engines directly; external
// connectors are Go plugins loaded on demand from a configured directory.
package driver

import (
	"database/sql"
	"errors"
	"time"
)

// Engine identifies a supported SQL engine family.
type Engine string

// Supported engines.
const (
	EnginePostgres  Engine = "postgresql"
	EngineMySQL     Engine = "mysql"
	EngineMariaDB   Engine = "mariadb"
	EngineTrino     Engine = "trino"
	EngineStarRocks Engine = "starrocks"
	EngineVertica   Engine = "vertica"
)

// Source distinguishes built-in connectors from plugin-loaded ones.
type Source string

// Driver sources.
const (
	SourceBuiltIn  Source = "built-in"
	SourceExternal Source = "external"
)

// ErrDriverNotAvailable is returned when no usable driver exists for a
// resolution or load request.
var ErrDriverNotAvailable = errors.New("driver not available")

// Descriptor describes a cataloged driver. Availability of external drivers
// is recomputed on every registry query; the rest of the descriptor is
// immutable once listed.
type Descriptor struct {
	ID         string `json:"id"`
	Engine     Engine `json:"engine"`
	Impl       string `json:"impl"`
	Source     Source `json:"source"`
	Available  bool   `json:"available"`
	Diagnostic string `json:"diagnostic,omitempty"`
}

// PoolSettings configure the database/sql pool backing a datasource.
type PoolSettings struct {
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// ConnectionSpec carries everything needed for one connection attempt. The
// Password field is the decrypted secret; specs are built on demand and must
// never be cached or persisted with the password populated.
type ConnectionSpec struct {
	DatasourceID      string
	DatasourceName    string
	CredentialProfile string
	Engine            Engine
	DriverID          string
	Host              string
	Port              int
	Database          string
	Username          string
	Password          string
	TLSMode           string
	Pool              PoolSettings
}

// PoolKey returns the identity of the pool serving this spec.
func (s ConnectionSpec) PoolKey() string {
	return s.DatasourceID + "::" + s.CredentialProfile
}

// Connector is the capability a driver must provide: build a DSN for a spec
// and open a database handle from it. Open must not dial; database/sql
// connects lazily, so network validation happens before the first use.
type Connector interface {
	// Engine returns the engine family this connector serves.
	Engine() Engine

	// URL renders the spec as a driver DSN. The password is embedded; the
	// result must never be logged unsanitized.
	URL(spec ConnectionSpec) (string, error)

	// Open creates a database handle for the spec.
	Open(spec ConnectionSpec) (*sql.DB, error)
}
