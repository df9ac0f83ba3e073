package gateway

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/txn2/sql-gateway/pkg/access"
	"github.com/txn2/sql-gateway/pkg/audit"
	"github.com/txn2/sql-gateway/pkg/driver"
	"github.com/txn2/sql-gateway/pkg/execution"
	"github.com/txn2/sql-gateway/pkg/history"
	"github.com/txn2/sql-gateway/pkg/netguard"
	"github.com/txn2/sql-gateway/pkg/pool"
	"github.com/txn2/sql-gateway/pkg/schemacache"
	"github.com/txn2/sql-gateway/pkg/syshealth"
	"github.com/txn2/sql-gateway/pkg/vault"
)

// Gateway is the transport-agnostic operation surface of the query engine.
type Gateway struct {
	cfg    *Config
	logger *slog.Logger

	catalog  *Catalog
	registry *driver.Registry
	guard    *netguard.Guard
	vault    *vault.Vault
	pools    *pool.Manager
	exec     *execution.Manager
	schemas  *schemacache.Cache

	policies access.PolicyResolver
	auditor  audit.Logger

	histStore *history.Store
	histSched *history.Scheduler
	histDB    *sql.DB
}

// Option customizes gateway construction.
type Option func(*Gateway)

// WithAuditLogger sets the audit sink. Defaults to the slog sink.
func WithAuditLogger(l audit.Logger) Option {
	return func(g *Gateway) { g.auditor = l }
}

// WithHistoryDB sets the database used for day-scale query history. Without
// it, history persistence is disabled.
func WithHistoryDB(db *sql.DB) Option {
	return func(g *Gateway) { g.histDB = db }
}

// New constructs a gateway from configuration.
func New(cfg *Config, policies access.PolicyResolver, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	v, err := vault.New(cfg.Vault.ActiveKeyID, cfg.Vault.MasterKey)
	if err != nil {
		return nil, err
	}

	guard, err := netguard.New(cfg.Network)
	if err != nil {
		return nil, err
	}

	registry := driver.NewRegistry(cfg.Drivers.PluginDir)
	for _, ext := range cfg.Drivers.External {
		registry.RegisterExternal(ext.ID, driver.Engine(ext.Engine))
	}

	g := &Gateway{
		cfg:      cfg,
		logger:   logger,
		catalog:  NewCatalog(cfg.Datasources, v),
		registry: registry,
		guard:    guard,
		vault:    v,
		policies: policies,
		auditor:  audit.NewSlogLogger(logger),
	}
	for _, opt := range opts {
		opt(g)
	}

	g.pools = pool.NewManager(guard, registry, g.catalog, logger)
	g.exec = execution.NewManager(cfg.Execution.engineConfig(), g.pools, logger)
	g.schemas = schemacache.New(cfg.Schema.cacheConfig(), g.pools, g.catalog, logger)

	if g.histDB != nil {
		g.histStore = history.NewStore(g.histDB)
		g.histSched = history.NewScheduler(g.histStore, cfg.Retention.historyConfig(), logger)
		g.exec.OnFinished(g.recordHistory)
	}

	return g, nil
}

// Start launches background routines: the execution retention sweep and,
// when history is enabled, the day-scale retention scheduler.
func (g *Gateway) Start() error {
	g.exec.StartRetention()
	if g.histSched != nil {
		if err := g.histSched.Start(); err != nil {
			return fmt.Errorf("starting history scheduler: %w", err)
		}
	}
	return nil
}

// Close stops background routines and releases all pools.
func (g *Gateway) Close() error {
	if g.histSched != nil {
		g.histSched.Stop()
	}
	_ = g.exec.Close()
	return g.pools.Close()
}

// Submit schedules an ad-hoc query for asynchronous execution.
func (g *Gateway) Submit(ctx context.Context, principal access.Principal, datasourceID, sqlText string) (execution.Snapshot, error) {
	started := time.Now()

	policy, err := g.policies.ResolvePolicy(ctx, principal, datasourceID)
	if err != nil {
		return execution.Snapshot{}, err
	}
	if !policy.CanQuery {
		return execution.Snapshot{}, ErrQueryNotPermitted
	}

	if policy.ConcurrencyLimit == 0 && g.cfg.Execution.MaxConcurrencyPerUser > 0 {
		policy.ConcurrencyLimit = g.cfg.Execution.MaxConcurrencyPerUser
	}

	snap, err := g.exec.Submit(ctx, principal, execution.Request{
		DatasourceID: datasourceID,
		SQL:          sqlText,
	}, policy)

	g.audit(ctx, audit.ActionSubmit, principal, datasourceID, policy.CredentialProfile, snap.ID, err, started)
	return snap, err
}

// Status returns a point-in-time execution snapshot.
func (g *Gateway) Status(_ context.Context, principal access.Principal, executionID string) (execution.Snapshot, error) {
	return g.exec.Status(principal, principal.IsAdmin(), executionID)
}

// Results returns one page of buffered results.
func (g *Gateway) Results(_ context.Context, principal access.Principal, executionID, pageToken string, pageSize int) (execution.ResultPage, error) {
	return g.exec.Results(principal, principal.IsAdmin(), executionID, pageToken, pageSize)
}

// Cancel requests cancellation and returns the observed status.
func (g *Gateway) Cancel(ctx context.Context, principal access.Principal, executionID string) (execution.Snapshot, error) {
	started := time.Now()
	snap, err := g.exec.Cancel(principal, principal.IsAdmin(), executionID)
	g.audit(ctx, audit.ActionCancel, principal, snap.DatasourceID, snap.CredentialProfile, executionID, err, started)
	return snap, err
}

// ExportCSV streams a finished execution's buffered result set as CSV,
// gated by the policy's export permission.
func (g *Gateway) ExportCSV(ctx context.Context, w io.Writer, principal access.Principal, executionID string, includeHeaders bool) error {
	started := time.Now()

	snap, err := g.exec.Status(principal, principal.IsAdmin(), executionID)
	if err != nil {
		return err
	}

	policy, err := g.policies.ResolvePolicy(ctx, principal, snap.DatasourceID)
	if err != nil {
		return err
	}
	if !policy.CanExport {
		g.audit(ctx, audit.ActionExport, principal, snap.DatasourceID, snap.CredentialProfile, executionID, ErrExportNotPermitted, started)
		return ErrExportNotPermitted
	}

	err = g.exec.ExportCSV(w, principal, principal.IsAdmin(), executionID, includeHeaders)
	g.audit(ctx, audit.ActionExport, principal, snap.DatasourceID, snap.CredentialProfile, executionID, err, started)
	return err
}

// FetchSchema returns the TTL-cached schema snapshot for a datasource.
func (g *Gateway) FetchSchema(ctx context.Context, principal access.Principal, datasourceID string, refresh bool) (schemacache.Snapshot, error) {
	policy, err := g.policies.ResolvePolicy(ctx, principal, datasourceID)
	if err != nil {
		return schemacache.Snapshot{}, err
	}
	if !policy.CanQuery {
		return schemacache.Snapshot{}, ErrQueryNotPermitted
	}
	return g.schemas.Fetch(ctx, datasourceID, policy.CredentialProfile, refresh)
}

// SystemHealth runs the engine-native cluster diagnostics for a datasource.
func (g *Gateway) SystemHealth(ctx context.Context, principal access.Principal, datasourceID string) (syshealth.Result, error) {
	policy, err := g.policies.ResolvePolicy(ctx, principal, datasourceID)
	if err != nil {
		return syshealth.Result{}, err
	}
	if !policy.CanQuery {
		return syshealth.Result{}, ErrQueryNotPermitted
	}

	engine, err := g.catalog.EngineFor(ctx, datasourceID)
	if err != nil {
		return syshealth.Result{}, err
	}
	db, err := g.pools.Open(ctx, datasourceID, policy.CredentialProfile)
	if err != nil {
		return syshealth.Result{}, err
	}
	return syshealth.ForEngine(engine).Check(ctx, db), nil
}

// ListPoolMetrics reports per-pool connection counts. Admin only.
func (g *Gateway) ListPoolMetrics(principal access.Principal) ([]pool.Metrics, error) {
	if !principal.IsAdmin() {
		return nil, ErrAdminRequired
	}
	return g.pools.ListMetrics(), nil
}

// EvictPoolsForDatasource removes and closes every pool of a datasource.
// Admin only.
func (g *Gateway) EvictPoolsForDatasource(ctx context.Context, principal access.Principal, datasourceID string) (int, error) {
	if !principal.IsAdmin() {
		return 0, ErrAdminRequired
	}
	started := time.Now()
	n := g.pools.EvictDatasource(datasourceID)
	g.schemas.Invalidate(datasourceID)
	g.audit(ctx, audit.ActionPoolEvict, principal, datasourceID, "", "", nil, started)
	return n, nil
}

// ReencryptAllCredentials re-encrypts every stored credential under the
// active key and evicts all pools so new connections use refreshed secrets.
// Admin only.
func (g *Gateway) ReencryptAllCredentials(ctx context.Context, principal access.Principal) (int, error) {
	if !principal.IsAdmin() {
		return 0, ErrAdminRequired
	}
	started := time.Now()

	count, err := g.catalog.ReencryptAll()
	if err == nil {
		g.pools.EvictAll()
	}
	g.audit(ctx, audit.ActionReencrypt, principal, "", "", "", err, started)
	return count, err
}

// ListDrivers returns cataloged driver descriptors. Admin only.
func (g *Gateway) ListDrivers(principal access.Principal, engine driver.Engine) ([]driver.Descriptor, error) {
	if !principal.IsAdmin() {
		return nil, ErrAdminRequired
	}
	return g.registry.List(engine), nil
}

// TestConnection verifies connectivity for a datasource and profile. Admin
// only. Failure messages are sanitized before being returned.
func (g *Gateway) TestConnection(ctx context.Context, principal access.Principal, datasourceID, profile, tlsOverride string) error {
	if !principal.IsAdmin() {
		return ErrAdminRequired
	}
	started := time.Now()
	err := g.pools.TestConnection(ctx, datasourceID, profile, tlsOverride, "SELECT 1")
	g.audit(ctx, audit.ActionTestConnection, principal, datasourceID, profile, "", err, started)
	return err
}

// QueryHistory returns persisted history records. Non-admin callers only
// see their own.
func (g *Gateway) QueryHistory(ctx context.Context, principal access.Principal, filter history.Filter) ([]history.Record, error) {
	if g.histStore == nil {
		return nil, nil
	}
	if !principal.IsAdmin() {
		filter.Owner = principal.Username
	}
	return g.histStore.Query(ctx, filter)
}

// recordHistory persists the terminal snapshot of an execution. Failures
// are logged, never surfaced to the execution path.
func (g *Gateway) recordHistory(snap execution.Snapshot) {
	rec := history.Record{
		ExecutionID:       snap.ID,
		Owner:             snap.Owner,
		DatasourceID:      snap.DatasourceID,
		CredentialProfile: snap.CredentialProfile,
		SQLText:           snap.SQL,
		Status:            string(snap.Status),
		SubmittedAt:       snap.SubmittedAt,
		CompletedAt:       snap.CompletedAt,
		RowCount:          snap.RowCount,
		RowLimitReached:   snap.RowLimitReached,
		ErrorSummary:      snap.ErrorSummary,
	}
	if err := g.histStore.Insert(context.Background(), rec); err != nil {
		g.logger.Warn("recording query history", "execution_id", snap.ID, "error", err)
	}
}

// audit emits a fire-and-forget audit event.
func (g *Gateway) audit(ctx context.Context, action audit.Action, principal access.Principal, datasourceID, profile, executionID string, err error, started time.Time) {
	event := audit.NewEvent(action, principal.Username)
	event.DatasourceID = datasourceID
	event.CredentialProfile = profile
	event.ExecutionID = executionID
	event.Success = err == nil
	if err != nil {
		event.ErrorMessage = err.Error()
	}
	event.DurationMS = time.Since(started).Milliseconds()
	g.auditor.Log(ctx, event)
}

// Pools exposes the pool manager for observability endpoints.
func (g *Gateway) Pools() *pool.Manager {
	return g.pools
}
