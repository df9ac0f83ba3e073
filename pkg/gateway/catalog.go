package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/txn2/sql-gateway/pkg/driver"
	"github.com/txn2/sql-gateway/pkg/pool"
	"github.com/txn2/sql-gateway/pkg/vault"
)

// ErrProfileNotFound is returned when a datasource has no such credential
// profile.
var ErrProfileNotFound = errors.New("credential profile not found")

// Catalog holds datasource definitions and their encrypted credentials, and
// resolves connection specs on demand. Specs carry the decrypted password
// only for the duration of a connection attempt; the catalog itself stores
// ciphertext exclusively.
type Catalog struct {
	mu          sync.RWMutex
	datasources map[string]DatasourceConfig
	vault       *vault.Vault
}

// NewCatalog builds a catalog from configuration.
func NewCatalog(datasources []DatasourceConfig, v *vault.Vault) *Catalog {
	m := make(map[string]DatasourceConfig, len(datasources))
	for _, ds := range datasources {
		m[ds.ID] = ds
	}
	return &Catalog{datasources: m, vault: v}
}

// ResolveSpec builds the connection spec for a datasource and profile,
// decrypting the profile's password.
func (c *Catalog) ResolveSpec(_ context.Context, datasourceID, profile string) (driver.ConnectionSpec, error) {
	c.mu.RLock()
	ds, ok := c.datasources[datasourceID]
	c.mu.RUnlock()
	if !ok {
		return driver.ConnectionSpec{}, fmt.Errorf("%w: %s", pool.ErrDatasourceNotFound, datasourceID)
	}

	var prof *ProfileConfig
	for i := range ds.Profiles {
		if ds.Profiles[i].Name == profile {
			prof = &ds.Profiles[i]
			break
		}
	}
	if prof == nil {
		return driver.ConnectionSpec{}, fmt.Errorf("%w: %s on datasource %s", ErrProfileNotFound, profile, datasourceID)
	}

	password, err := c.vault.Decrypt(prof.Password)
	if err != nil {
		return driver.ConnectionSpec{}, fmt.Errorf("decrypting credential for %s::%s: %w", datasourceID, profile, err)
	}

	return driver.ConnectionSpec{
		DatasourceID:      ds.ID,
		DatasourceName:    ds.Name,
		CredentialProfile: profile,
		Engine:            driver.Engine(ds.Engine),
		DriverID:          ds.DriverID,
		Host:              ds.Host,
		Port:              ds.Port,
		Database:          ds.Database,
		Username:          prof.Username,
		Password:          password,
		Pool:              ds.Pool,
	}, nil
}

// EngineFor reports the engine of a datasource.
func (c *Catalog) EngineFor(_ context.Context, datasourceID string) (driver.Engine, error) {
	c.mu.RLock()
	ds, ok := c.datasources[datasourceID]
	c.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", pool.ErrDatasourceNotFound, datasourceID)
	}
	return driver.Engine(ds.Engine), nil
}

// ReencryptAll re-encrypts every stored credential under the vault's active
// key. Returns the number of credentials rewritten. Callers must evict all
// live pools afterwards.
func (c *Catalog) ReencryptAll() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := 0
	for id, ds := range c.datasources {
		for i := range ds.Profiles {
			reencrypted, err := c.vault.Reencrypt(ds.Profiles[i].Password)
			if err != nil {
				return count, fmt.Errorf("reencrypting %s::%s: %w", id, ds.Profiles[i].Name, err)
			}
			ds.Profiles[i].Password = reencrypted
			count++
		}
		c.datasources[id] = ds
	}
	return count, nil
}

// Verify collaborator contracts.
var _ pool.SpecResolver = (*Catalog)(nil)
