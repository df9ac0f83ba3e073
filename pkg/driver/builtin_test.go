package driver

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSpec(engine Engine) ConnectionSpec {
	return ConnectionSpec{
		DatasourceID:      "ds-1",
		CredentialProfile: "default",
		Engine:            engine,
		Host:              "db.example.com",
		Database:          "orders",
		Username:          "svc",
		Password:          "p@ss:word",
	}
}

func connectorFor(t *testing.T, id string) Connector {
	t.Helper()
	c, ok := NewRegistry("").Connector(id)
	require.True(t, ok)
	return c
}

func TestPoolKey(t *testing.T) {
	assert.Equal(t, "ds-1::default", testSpec(EnginePostgres).PoolKey())
}

func TestPostgresDSN(t *testing.T) {
	c := connectorFor(t, "postgresql")

	dsn, err := c.URL(testSpec(EnginePostgres))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(dsn, "postgres://svc:"), dsn)
	assert.Contains(t, dsn, "@db.example.com:5432/orders")
	assert.Contains(t, dsn, "sslmode=prefer")
	assert.NotContains(t, dsn, "p@ss:word")

	spec := testSpec(EnginePostgres)
	spec.Port = 6432
	spec.TLSMode = "verify-full"
	dsn, err = c.URL(spec)
	require.NoError(t, err)
	assert.Contains(t, dsn, "db.example.com:6432")
	assert.Contains(t, dsn, "sslmode=verify-full")
}

func TestMySQLDSN(t *testing.T) {
	c := connectorFor(t, "mysql")

	dsn, err := c.URL(testSpec(EngineMySQL))
	require.NoError(t, err)
	assert.Contains(t, dsn, "svc:p@ss:word@tcp(db.example.com:3306)/orders")
	assert.Contains(t, dsn, "parseTime=true")
}

func TestTrinoDSN(t *testing.T) {
	c := connectorFor(t, "trino")

	dsn, err := c.URL(testSpec(EngineTrino))
	require.NoError(t, err)
	assert.Contains(t, dsn, "http://")
	assert.Contains(t, dsn, "db.example.com:8080")
	assert.Contains(t, dsn, "catalog=orders")
	assert.Contains(t, dsn, "source=sql-gateway")

	spec := testSpec(EngineTrino)
	spec.TLSMode = "require"
	dsn, err = c.URL(spec)
	require.NoError(t, err)
	assert.Contains(t, dsn, "https://")
}

func TestVerticaDSN(t *testing.T) {
	c := connectorFor(t, "vertica")

	dsn, err := c.URL(testSpec(EngineVertica))
	require.NoError(t, err)
	assert.Contains(t, dsn, "vertica://")
	assert.Contains(t, dsn, "db.example.com:5433")
}

func TestOpenAppliesPoolSettings(t *testing.T) {
	c := connectorFor(t, "postgresql")

	spec := testSpec(EnginePostgres)
	spec.Pool = PoolSettings{MaxOpenConns: 3, MaxIdleConns: 2}

	db, err := c.Open(spec)
	require.NoError(t, err)
	defer db.Close()

	assert.Equal(t, 3, db.Stats().MaxOpenConnections)
}
