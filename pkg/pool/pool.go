// Package pool owns per-(datasource, credential-profile) connection pools.
// Pool creation is singleflighted so concurrent callers observe exactly one
// pool per key, and every creation path validates the network target before
// any socket could be opened.
package pool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/txn2/sql-gateway/pkg/driver"
	"github.com/txn2/sql-gateway/pkg/netguard"
	"github.com/txn2/sql-gateway/pkg/sanitize"
)

// ErrDatasourceNotFound is returned when no spec can be resolved for a
// datasource and profile.
var ErrDatasourceNotFound = errors.New("datasource not found")

const defaultTestTimeout = 10 * time.Second

// SpecResolver builds a connection spec, including the decrypted password,
// for a datasource and credential profile. Implemented by the gateway's
// datasource catalog.
type SpecResolver interface {
	ResolveSpec(ctx context.Context, datasourceID, profile string) (driver.ConnectionSpec, error)
}

// Pool is one live connection pool.
type Pool struct {
	Key               string
	DatasourceID      string
	CredentialProfile string
	Engine            driver.Engine
	DB                *sql.DB
	CreatedAt         time.Time
}

// Metrics reports pool connection counts for observability.
type Metrics struct {
	Key               string `json:"key"`
	DatasourceID      string `json:"datasource_id"`
	CredentialProfile string `json:"credential_profile"`
	Engine            string `json:"engine"`
	Active            int    `json:"active"`
	Idle              int    `json:"idle"`
	Total             int    `json:"total"`
}

// Manager owns all live pools.
type Manager struct {
	mu    sync.RWMutex
	pools map[string]*Pool

	group    singleflight.Group
	guard    *netguard.Guard
	registry *driver.Registry
	specs    SpecResolver

	testTimeout time.Duration
	logger      *slog.Logger
}

// NewManager creates a pool manager.
func NewManager(guard *netguard.Guard, registry *driver.Registry, specs SpecResolver, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		pools:       make(map[string]*Pool),
		guard:       guard,
		registry:    registry,
		specs:       specs,
		testTimeout: defaultTestTimeout,
		logger:      logger,
	}
}

// GetOrCreate returns the pool for the spec's key, creating it at most once
// across concurrent callers.
func (m *Manager) GetOrCreate(ctx context.Context, spec driver.ConnectionSpec) (*Pool, error) {
	key := spec.PoolKey()

	m.mu.RLock()
	if p, ok := m.pools[key]; ok {
		m.mu.RUnlock()
		return p, nil
	}
	m.mu.RUnlock()

	v, err, _ := m.group.Do(key, func() (any, error) {
		m.mu.RLock()
		p, ok := m.pools[key]
		m.mu.RUnlock()
		if ok {
			return p, nil
		}

		p, err := m.buildPool(ctx, spec)
		if err != nil {
			return nil, err
		}

		m.mu.Lock()
		m.pools[key] = p
		m.mu.Unlock()

		m.logger.Info("pool created",
			"key", key,
			"engine", string(spec.Engine))
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Pool), nil
}

// buildPool validates the target, resolves a ready driver and opens the
// database handle. It never registers the pool; callers do.
func (m *Manager) buildPool(_ context.Context, spec driver.ConnectionSpec) (*Pool, error) {
	if err := m.guard.ValidateHost(spec.Host); err != nil {
		return nil, err
	}

	desc, err := m.registry.Resolve(spec.Engine, spec.DriverID)
	if err != nil {
		return nil, err
	}
	connector, err := m.registry.EnsureReady(desc)
	if err != nil {
		return nil, err
	}

	db, err := connector.Open(spec)
	if err != nil {
		return nil, fmt.Errorf("opening pool for %s: %s", spec.PoolKey(), sanitize.Error(err))
	}

	return &Pool{
		Key:               spec.PoolKey(),
		DatasourceID:      spec.DatasourceID,
		CredentialProfile: spec.CredentialProfile,
		Engine:            spec.Engine,
		DB:                db,
		CreatedAt:         time.Now(),
	}, nil
}

// Open returns a live database handle for a datasource and profile,
// resolving the spec and creating the pool as needed. This is the low-level
// accessor used by query execution and schema browsing.
func (m *Manager) Open(ctx context.Context, datasourceID, profile string) (*sql.DB, error) {
	spec, err := m.specs.ResolveSpec(ctx, datasourceID, profile)
	if err != nil {
		return nil, err
	}
	p, err := m.GetOrCreate(ctx, spec)
	if err != nil {
		return nil, err
	}
	return p.DB, nil
}

// TestConnection verifies connectivity by running validationQuery under a
// bounded timeout. A TLS override builds a throwaway pool that is always
// closed, success or failure; otherwise the standard pool is used.
func (m *Manager) TestConnection(ctx context.Context, datasourceID, profile, tlsOverride, validationQuery string) error {
	spec, err := m.specs.ResolveSpec(ctx, datasourceID, profile)
	if err != nil {
		return err
	}
	if validationQuery == "" {
		validationQuery = "SELECT 1"
	}

	var db *sql.DB
	if tlsOverride != "" {
		spec.TLSMode = tlsOverride
		p, err := m.buildPool(ctx, spec)
		if err != nil {
			return fmt.Errorf("test connection: %s", sanitize.Error(err))
		}
		defer p.DB.Close()
		db = p.DB
	} else {
		p, err := m.GetOrCreate(ctx, spec)
		if err != nil {
			return fmt.Errorf("test connection: %s", sanitize.Error(err))
		}
		db = p.DB
	}

	ctx, cancel := context.WithTimeout(ctx, m.testTimeout)
	defer cancel()

	if _, err := db.ExecContext(ctx, validationQuery); err != nil {
		return fmt.Errorf("test connection: %s", sanitize.Error(err))
	}
	return nil
}

// EvictDatasource removes and closes every profile-scoped pool for the
// datasource. Called on credential or datasource changes.
func (m *Manager) EvictDatasource(datasourceID string) int {
	prefix := datasourceID + "::"

	m.mu.Lock()
	evicted := make([]*Pool, 0, 2)
	for key, p := range m.pools {
		if strings.HasPrefix(key, prefix) {
			evicted = append(evicted, p)
			delete(m.pools, key)
		}
	}
	m.mu.Unlock()

	for _, p := range evicted {
		if err := p.DB.Close(); err != nil {
			m.logger.Warn("closing evicted pool", "key", p.Key, "error", sanitize.Error(err))
		}
	}
	return len(evicted)
}

// EvictAll removes and closes every pool. Called on credential key rotation.
func (m *Manager) EvictAll() int {
	m.mu.Lock()
	evicted := make([]*Pool, 0, len(m.pools))
	for key, p := range m.pools {
		evicted = append(evicted, p)
		delete(m.pools, key)
	}
	m.mu.Unlock()

	for _, p := range evicted {
		if err := p.DB.Close(); err != nil {
			m.logger.Warn("closing evicted pool", "key", p.Key, "error", sanitize.Error(err))
		}
	}
	return len(evicted)
}

// ListMetrics reports connection counts per pool, sorted by key.
func (m *Manager) ListMetrics() []Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]Metrics, 0, len(m.pools))
	for _, p := range m.pools {
		stats := p.DB.Stats()
		result = append(result, Metrics{
			Key:               p.Key,
			DatasourceID:      p.DatasourceID,
			CredentialProfile: p.CredentialProfile,
			Engine:            string(p.Engine),
			Active:            stats.InUse,
			Idle:              stats.Idle,
			Total:             stats.OpenConnections,
		})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key < result[j].Key })
	return result
}

// Close closes all pools.
func (m *Manager) Close() error {
	m.EvictAll()
	return nil
}
