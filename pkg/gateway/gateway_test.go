package gateway

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/sql-gateway/pkg/access"
	"github.com/txn2/sql-gateway/pkg/audit"
	"github.com/txn2/sql-gateway/pkg/execution"
	"github.com/txn2/sql-gateway/pkg/history"
	"github.com/txn2/sql-gateway/pkg/netguard"
	"github.com/txn2/sql-gateway/pkg/vault"
)

var (
	analyst = access.Principal{Username: "alice", Roles: []string{"analyst"}}
	admin   = access.Principal{Username: "root", Roles: []string{access.AdminRole}}
)

type stubPolicies struct {
	policy access.Policy
	err    error
}

func (s stubPolicies) ResolvePolicy(context.Context, access.Principal, string) (access.Policy, error) {
	return s.policy, s.err
}

type captureAudit struct {
	mu     sync.Mutex
	events []audit.Event
}

func (c *captureAudit) Log(_ context.Context, e audit.Event) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
}

func (c *captureAudit) byAction(action audit.Action) []audit.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []audit.Event
	for _, e := range c.events {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

func queryPolicy() access.Policy {
	return access.Policy{
		CredentialProfile: "default",
		MaxRowsPerQuery:   1000,
		MaxRuntimeSeconds: 30,
		ConcurrencyLimit:  5,
		CanQuery:          true,
	}
}

// testGatewayConfig points at a closed local port so connection attempts
// fail fast without any live database.
func testGatewayConfig(t *testing.T) *Config {
	t.Helper()
	v, err := vault.New(testKeyID, testMasterKey)
	require.NoError(t, err)
	encrypted, err := v.Encrypt("sw0rdf1sh")
	require.NoError(t, err)

	return &Config{
		Vault:   VaultConfig{ActiveKeyID: testKeyID, MasterKey: testMasterKey},
		Network: netguard.Config{AllowPrivateNetworks: true},
		Execution: ExecutionConfig{
			CancelGracePeriodMillis: 200,
		},
		Datasources: []DatasourceConfig{{
			ID:       "ds-1",
			Name:     "Orders",
			Engine:   "postgresql",
			Host:     "127.0.0.1",
			Port:     1,
			Database: "orders",
			Profiles: []ProfileConfig{
				{Name: "default", Username: "svc", Password: encrypted},
			},
		}},
	}
}

func newTestGateway(t *testing.T, policy access.Policy, opts ...Option) (*Gateway, *captureAudit) {
	t.Helper()
	sink := &captureAudit{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	opts = append([]Option{WithAuditLogger(sink)}, opts...)
	gw, err := New(testGatewayConfig(t), stubPolicies{policy: policy}, logger, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Close() })
	return gw, sink
}

func waitTerminal(t *testing.T, gw *Gateway, principal access.Principal, id string) execution.Snapshot {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := gw.Status(context.Background(), principal, id)
		require.NoError(t, err)
		if snap.Status.Terminal() {
			return snap
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("execution did not reach a terminal state")
	return execution.Snapshot{}
}

func TestSubmitIsAsynchronous(t *testing.T) {
	gw, sink := newTestGateway(t, queryPolicy())

	snap, err := gw.Submit(context.Background(), analyst, "ds-1", "SELECT 1")
	require.NoError(t, err)
	assert.NotEmpty(t, snap.ID)
	assert.False(t, snap.Status.Terminal())

	// Nothing listens on the datasource port, so the worker fails without
	// leaking connection details.
	final := waitTerminal(t, gw, analyst, snap.ID)
	assert.Equal(t, execution.StatusFailed, final.Status)
	assert.NotContains(t, final.ErrorSummary, "sw0rdf1sh")

	events := sink.byAction(audit.ActionSubmit)
	require.Len(t, events, 1)
	assert.Equal(t, "alice", events[0].Actor)
	assert.Equal(t, "ds-1", events[0].DatasourceID)
	assert.True(t, events[0].Success)
}

func TestSubmitDeniedByPolicy(t *testing.T) {
	policy := queryPolicy()
	policy.CanQuery = false
	gw, _ := newTestGateway(t, policy)

	_, err := gw.Submit(context.Background(), analyst, "ds-1", "SELECT 1")
	assert.ErrorIs(t, err, ErrQueryNotPermitted)
	assert.Equal(t, KindForbidden, KindOf(err))
}

func TestExportDeniedByPolicy(t *testing.T) {
	gw, sink := newTestGateway(t, queryPolicy())

	snap, err := gw.Submit(context.Background(), analyst, "ds-1", "SELECT 1")
	require.NoError(t, err)
	waitTerminal(t, gw, analyst, snap.ID)

	err = gw.ExportCSV(context.Background(), io.Discard, analyst, snap.ID, true)
	assert.ErrorIs(t, err, ErrExportNotPermitted)

	events := sink.byAction(audit.ActionExport)
	require.Len(t, events, 1)
	assert.False(t, events[0].Success)
}

func TestStatusIsolatesOwners(t *testing.T) {
	gw, _ := newTestGateway(t, queryPolicy())

	snap, err := gw.Submit(context.Background(), analyst, "ds-1", "SELECT 1")
	require.NoError(t, err)

	_, err = gw.Status(context.Background(), access.Principal{Username: "mallory"}, snap.ID)
	assert.ErrorIs(t, err, execution.ErrForbidden)

	// Admins can inspect any execution.
	_, err = gw.Status(context.Background(), admin, snap.ID)
	assert.NoError(t, err)
}

func TestAdminOperationsRequireAdmin(t *testing.T) {
	gw, _ := newTestGateway(t, queryPolicy())
	ctx := context.Background()

	_, err := gw.ListPoolMetrics(analyst)
	assert.ErrorIs(t, err, ErrAdminRequired)

	_, err = gw.ListDrivers(analyst, "")
	assert.ErrorIs(t, err, ErrAdminRequired)

	_, err = gw.EvictPoolsForDatasource(ctx, analyst, "ds-1")
	assert.ErrorIs(t, err, ErrAdminRequired)

	_, err = gw.ReencryptAllCredentials(ctx, analyst)
	assert.ErrorIs(t, err, ErrAdminRequired)

	err = gw.TestConnection(ctx, analyst, "ds-1", "default", "")
	assert.ErrorIs(t, err, ErrAdminRequired)
}

func TestListDrivers(t *testing.T) {
	gw, _ := newTestGateway(t, queryPolicy())

	drivers, err := gw.ListDrivers(admin, "")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(drivers), 6)
}

func TestReencryptAllCredentials(t *testing.T) {
	gw, sink := newTestGateway(t, queryPolicy())

	count, err := gw.ReencryptAllCredentials(context.Background(), admin)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// Datasources remain usable after rotation.
	snap, err := gw.Submit(context.Background(), analyst, "ds-1", "SELECT 1")
	require.NoError(t, err)
	waitTerminal(t, gw, analyst, snap.ID)

	events := sink.byAction(audit.ActionReencrypt)
	require.Len(t, events, 1)
	assert.True(t, events[0].Success)
}

func TestEvictPoolsForDatasource(t *testing.T) {
	gw, _ := newTestGateway(t, queryPolicy())

	n, err := gw.EvictPoolsForDatasource(context.Background(), admin, "ds-1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// Submitting creates a pool; evicting again closes it.
	snap, err := gw.Submit(context.Background(), analyst, "ds-1", "SELECT 1")
	require.NoError(t, err)
	waitTerminal(t, gw, analyst, snap.ID)

	metrics, err := gw.ListPoolMetrics(admin)
	require.NoError(t, err)
	require.Len(t, metrics, 1)

	n, err = gw.EvictPoolsForDatasource(context.Background(), admin, "ds-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestQueryHistoryDisabled(t *testing.T) {
	gw, _ := newTestGateway(t, queryPolicy())

	records, err := gw.QueryHistory(context.Background(), analyst, history.Filter{})
	assert.NoError(t, err)
	assert.Nil(t, records)
}

func TestHistoryRecordsTerminalExecutions(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mock.ExpectExec("INSERT INTO query_history").
		WillReturnResult(sqlmock.NewResult(0, 1))

	gw, _ := newTestGateway(t, queryPolicy(), WithHistoryDB(db))

	snap, err := gw.Submit(context.Background(), analyst, "ds-1", "SELECT 1")
	require.NoError(t, err)
	waitTerminal(t, gw, analyst, snap.ID)

	// The history insert runs on a detached goroutine after the terminal
	// transition.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if mock.ExpectationsWereMet() == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("history insert never ran: %v", mock.ExpectationsWereMet())
}

func TestQueryHistoryScopesNonAdmins(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	gw, _ := newTestGateway(t, queryPolicy(), WithHistoryDB(db))

	mock.ExpectQuery(`FROM query_history WHERE owner = \$1`).
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows(nil))

	_, err = gw.QueryHistory(context.Background(), analyst, history.Filter{})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
