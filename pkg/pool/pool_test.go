package pool

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/sql-gateway/pkg/driver"
	"github.com/txn2/sql-gateway/pkg/netguard"
)

type fakeSpecs struct {
	specs map[string]driver.ConnectionSpec
}

func (f fakeSpecs) ResolveSpec(_ context.Context, datasourceID, profile string) (driver.ConnectionSpec, error) {
	s, ok := f.specs[datasourceID+"::"+profile]
	if !ok {
		return driver.ConnectionSpec{}, ErrDatasourceNotFound
	}
	return s, nil
}

func testSpec(dsID, profile string) driver.ConnectionSpec {
	return driver.ConnectionSpec{
		DatasourceID:      dsID,
		CredentialProfile: profile,
		Engine:            driver.EnginePostgres,
		Host:              "127.0.0.1",
		Port:              5432,
		Database:          "orders",
		Username:          "svc",
		Password:          "sw0rdf1sh",
	}
}

func permissiveGuard(t *testing.T) *netguard.Guard {
	t.Helper()
	g, err := netguard.New(netguard.Config{AllowPrivateNetworks: true})
	require.NoError(t, err)
	return g
}

func newTestManager(t *testing.T, guard *netguard.Guard) *Manager {
	t.Helper()
	specs := fakeSpecs{specs: map[string]driver.ConnectionSpec{
		"ds-1::default":  testSpec("ds-1", "default"),
		"ds-1::readonly": testSpec("ds-1", "readonly"),
		"ds-2::default":  testSpec("ds-2", "default"),
	}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := NewManager(guard, driver.NewRegistry(""), specs, logger)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestGetOrCreateSingleflight(t *testing.T) {
	m := newTestManager(t, permissiveGuard(t))
	spec := testSpec("ds-1", "default")

	const callers = 16
	pools := make([]*Pool, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := m.GetOrCreate(context.Background(), spec)
			assert.NoError(t, err)
			pools[i] = p
		}(i)
	}
	wg.Wait()

	for i := 1; i < callers; i++ {
		assert.Same(t, pools[0], pools[i], "caller %d got a different pool", i)
	}
	assert.Len(t, m.ListMetrics(), 1)
}

func TestGetOrCreateDistinctProfiles(t *testing.T) {
	m := newTestManager(t, permissiveGuard(t))

	a, err := m.GetOrCreate(context.Background(), testSpec("ds-1", "default"))
	require.NoError(t, err)
	b, err := m.GetOrCreate(context.Background(), testSpec("ds-1", "readonly"))
	require.NoError(t, err)

	assert.NotSame(t, a, b)
	assert.Equal(t, "ds-1::default", a.Key)
	assert.Equal(t, "ds-1::readonly", b.Key)
}

func TestGetOrCreateBlockedByGuard(t *testing.T) {
	g, err := netguard.New(netguard.Config{AllowPrivateNetworks: false})
	require.NoError(t, err)
	m := newTestManager(t, g)

	_, err = m.GetOrCreate(context.Background(), testSpec("ds-1", "default"))
	assert.ErrorIs(t, err, netguard.ErrForbiddenTarget)
	assert.Empty(t, m.ListMetrics())
}

func TestGetOrCreateUnknownDriver(t *testing.T) {
	m := newTestManager(t, permissiveGuard(t))

	spec := testSpec("ds-1", "default")
	spec.DriverID = "postgresql-exotic"

	_, err := m.GetOrCreate(context.Background(), spec)
	assert.ErrorIs(t, err, driver.ErrDriverNotAvailable)
}

func TestOpen(t *testing.T) {
	m := newTestManager(t, permissiveGuard(t))

	db, err := m.Open(context.Background(), "ds-1", "default")
	require.NoError(t, err)
	assert.NotNil(t, db)

	_, err = m.Open(context.Background(), "ds-9", "default")
	assert.ErrorIs(t, err, ErrDatasourceNotFound)
}

func TestEvictDatasource(t *testing.T) {
	m := newTestManager(t, permissiveGuard(t))
	ctx := context.Background()

	_, err := m.GetOrCreate(ctx, testSpec("ds-1", "default"))
	require.NoError(t, err)
	_, err = m.GetOrCreate(ctx, testSpec("ds-1", "readonly"))
	require.NoError(t, err)
	_, err = m.GetOrCreate(ctx, testSpec("ds-2", "default"))
	require.NoError(t, err)

	assert.Equal(t, 2, m.EvictDatasource("ds-1"))
	assert.Equal(t, 0, m.EvictDatasource("ds-1"))

	metrics := m.ListMetrics()
	require.Len(t, metrics, 1)
	assert.Equal(t, "ds-2::default", metrics[0].Key)
}

func TestEvictAll(t *testing.T) {
	m := newTestManager(t, permissiveGuard(t))
	ctx := context.Background()

	_, err := m.GetOrCreate(ctx, testSpec("ds-1", "default"))
	require.NoError(t, err)
	_, err = m.GetOrCreate(ctx, testSpec("ds-2", "default"))
	require.NoError(t, err)

	assert.Equal(t, 2, m.EvictAll())
	assert.Empty(t, m.ListMetrics())

	// Eviction is not permanent; the next request rebuilds the pool.
	_, err = m.GetOrCreate(ctx, testSpec("ds-1", "default"))
	require.NoError(t, err)
	assert.Len(t, m.ListMetrics(), 1)
}

func TestListMetricsSorted(t *testing.T) {
	m := newTestManager(t, permissiveGuard(t))
	ctx := context.Background()

	_, err := m.GetOrCreate(ctx, testSpec("ds-2", "default"))
	require.NoError(t, err)
	_, err = m.GetOrCreate(ctx, testSpec("ds-1", "readonly"))
	require.NoError(t, err)
	_, err = m.GetOrCreate(ctx, testSpec("ds-1", "default"))
	require.NoError(t, err)

	metrics := m.ListMetrics()
	require.Len(t, metrics, 3)
	assert.Equal(t, "ds-1::default", metrics[0].Key)
	assert.Equal(t, "ds-1::readonly", metrics[1].Key)
	assert.Equal(t, "ds-2::default", metrics[2].Key)
	assert.Equal(t, "postgresql", metrics[0].Engine)
}

func TestTestConnectionFailureSanitized(t *testing.T) {
	m := newTestManager(t, permissiveGuard(t))
	m.testTimeout = 2 * time.Second

	err := m.TestConnection(context.Background(), "ds-1", "default", "", "SELECT 1")
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "sw0rdf1sh")
}

func TestTestConnectionUnknownDatasource(t *testing.T) {
	m := newTestManager(t, permissiveGuard(t))

	err := m.TestConnection(context.Background(), "ds-9", "default", "", "")
	assert.ErrorIs(t, err, ErrDatasourceNotFound)
}

func TestTestConnectionTLSOverrideUsesThrowawayPool(t *testing.T) {
	m := newTestManager(t, permissiveGuard(t))
	m.testTimeout = 2 * time.Second

	err := m.TestConnection(context.Background(), "ds-1", "default", "disable", "")
	require.Error(t, err)

	// The override pool is never registered.
	assert.Empty(t, m.ListMetrics())
}
