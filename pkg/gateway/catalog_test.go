package gateway

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/sql-gateway/pkg/driver"
	"github.com/txn2/sql-gateway/pkg/pool"
	"github.com/txn2/sql-gateway/pkg/vault"
)

const (
	testKeyID     = "key-1"
	testMasterKey = "catalog-test-master-key"
)

func testVault(t *testing.T, keyID string) *vault.Vault {
	t.Helper()
	v, err := vault.New(keyID, testMasterKey)
	require.NoError(t, err)
	return v
}

func testDatasources(t *testing.T, v *vault.Vault) []DatasourceConfig {
	t.Helper()
	encrypted, err := v.Encrypt("sw0rdf1sh")
	require.NoError(t, err)
	readonly, err := v.Encrypt("r34d0nly")
	require.NoError(t, err)

	return []DatasourceConfig{
		{
			ID:       "ds-1",
			Name:     "Orders",
			Engine:   "postgresql",
			Host:     "db.example.com",
			Port:     5432,
			Database: "orders",
			Profiles: []ProfileConfig{
				{Name: "default", Username: "svc", Password: encrypted},
				{Name: "readonly", Username: "ro", Password: readonly},
			},
		},
		{
			ID:     "ds-2",
			Name:   "Lake",
			Engine: "trino",
			Host:   "trino.example.com",
			Profiles: []ProfileConfig{
				{Name: "default", Username: "svc", Password: encrypted},
			},
		},
	}
}

func TestResolveSpec(t *testing.T) {
	v := testVault(t, testKeyID)
	c := NewCatalog(testDatasources(t, v), v)

	spec, err := c.ResolveSpec(context.Background(), "ds-1", "default")
	require.NoError(t, err)
	assert.Equal(t, driver.EnginePostgres, spec.Engine)
	assert.Equal(t, "db.example.com", spec.Host)
	assert.Equal(t, "svc", spec.Username)
	assert.Equal(t, "sw0rdf1sh", spec.Password)
	assert.Equal(t, "ds-1::default", spec.PoolKey())

	spec, err = c.ResolveSpec(context.Background(), "ds-1", "readonly")
	require.NoError(t, err)
	assert.Equal(t, "r34d0nly", spec.Password)
}

func TestResolveSpecNotFound(t *testing.T) {
	v := testVault(t, testKeyID)
	c := NewCatalog(testDatasources(t, v), v)

	_, err := c.ResolveSpec(context.Background(), "ds-9", "default")
	assert.ErrorIs(t, err, pool.ErrDatasourceNotFound)

	_, err = c.ResolveSpec(context.Background(), "ds-1", "superuser")
	assert.ErrorIs(t, err, ErrProfileNotFound)
}

func TestResolveSpecWrongKey(t *testing.T) {
	v := testVault(t, testKeyID)
	datasources := testDatasources(t, v)

	// Credentials encrypted under a different master secret cannot be
	// decrypted.
	other, err := vault.New(testKeyID, "some other master key")
	require.NoError(t, err)
	c := NewCatalog(datasources, other)

	_, err = c.ResolveSpec(context.Background(), "ds-1", "default")
	assert.ErrorIs(t, err, vault.ErrInvalidPayload)
}

func TestEngineFor(t *testing.T) {
	v := testVault(t, testKeyID)
	c := NewCatalog(testDatasources(t, v), v)

	engine, err := c.EngineFor(context.Background(), "ds-2")
	require.NoError(t, err)
	assert.Equal(t, driver.EngineTrino, engine)

	_, err = c.EngineFor(context.Background(), "ds-9")
	assert.ErrorIs(t, err, pool.ErrDatasourceNotFound)
}

func TestReencryptAll(t *testing.T) {
	v := testVault(t, testKeyID)
	datasources := testDatasources(t, v)

	rotated := testVault(t, "key-2")
	c := NewCatalog(datasources, rotated)

	count, err := c.ReencryptAll()
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	// Credentials still resolve after rotation.
	spec, err := c.ResolveSpec(context.Background(), "ds-1", "default")
	require.NoError(t, err)
	assert.Equal(t, "sw0rdf1sh", spec.Password)
}
