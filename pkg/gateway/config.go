// Package gateway wires the query execution engine together and exposes its
// transport-agnostic operation surface.
package gateway

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/txn2/sql-gateway/pkg/driver"
	"github.com/txn2/sql-gateway/pkg/execution"
	"github.com/txn2/sql-gateway/pkg/history"
	"github.com/txn2/sql-gateway/pkg/netguard"
	"github.com/txn2/sql-gateway/pkg/schemacache"
	"github.com/txn2/sql-gateway/pkg/vault"
)

// Config holds the complete gateway configuration.
type Config struct {
	Server      ServerConfig       `yaml:"server"`
	Vault       VaultConfig        `yaml:"vault"`
	Network     netguard.Config    `yaml:"network"`
	Drivers     DriversConfig      `yaml:"drivers"`
	Execution   ExecutionConfig    `yaml:"execution"`
	Schema      SchemaConfig       `yaml:"schema"`
	Retention   RetentionConfig    `yaml:"retention"`
	History     HistoryConfig      `yaml:"history"`
	Datasources []DatasourceConfig `yaml:"datasources"`
}

// ServerConfig configures the HTTP observability endpoint.
type ServerConfig struct {
	Address string `yaml:"address"`
}

// VaultConfig configures credential encryption.
type VaultConfig struct {
	ActiveKeyID string `yaml:"active_key_id"`
	MasterKey   string `yaml:"master_key"`
}

// DriversConfig configures driver loading.
type DriversConfig struct {
	// PluginDir is where external driver plugins (.so) are discovered.
	PluginDir string `yaml:"plugin_dir"`

	// External catalogs plugin drivers by id and engine ahead of loading.
	External []ExternalDriverConfig `yaml:"external"`
}

// ExternalDriverConfig names one external driver.
type ExternalDriverConfig struct {
	ID     string `yaml:"id"`
	Engine string `yaml:"engine"`
}

// ExecutionConfig configures the execution engine. Units follow the option
// names; zero values fall back to engine defaults.
type ExecutionConfig struct {
	DefaultPageSize         int `yaml:"default_page_size"`
	MaxPageSize             int `yaml:"max_page_size"`
	MaxBufferedRows         int `yaml:"max_buffered_rows"`
	MaxConcurrencyPerUser   int `yaml:"max_concurrency_per_user"`
	ResultSessionTTLSeconds int `yaml:"result_session_ttl_seconds"`
	ExecutionRetentionSecs  int `yaml:"execution_retention_seconds"`
	CancelGracePeriodMillis int `yaml:"cancel_grace_period_ms"`
	CleanupIntervalMillis   int `yaml:"cleanup_interval_ms"`
}

// engineConfig converts to the execution engine's configuration.
func (c ExecutionConfig) engineConfig() execution.Config {
	return execution.Config{
		DefaultPageSize:    c.DefaultPageSize,
		MaxPageSize:        c.MaxPageSize,
		MaxBufferedRows:    c.MaxBufferedRows,
		ResultSessionTTL:   time.Duration(c.ResultSessionTTLSeconds) * time.Second,
		ExecutionRetention: time.Duration(c.ExecutionRetentionSecs) * time.Second,
		CancelGracePeriod:  time.Duration(c.CancelGracePeriodMillis) * time.Millisecond,
		CleanupInterval:    time.Duration(c.CleanupIntervalMillis) * time.Millisecond,
	}
}

// SchemaConfig configures the schema browser cache.
type SchemaConfig struct {
	CacheTTLSeconds    int `yaml:"cache_ttl_seconds"`
	MaxSchemas         int `yaml:"max_schemas"`
	MaxTablesPerSchema int `yaml:"max_tables_per_schema"`
	MaxColumnsPerTable int `yaml:"max_columns_per_table"`
}

func (c SchemaConfig) cacheConfig() schemacache.Config {
	return schemacache.Config{
		TTL:                time.Duration(c.CacheTTLSeconds) * time.Second,
		MaxSchemas:         c.MaxSchemas,
		MaxTablesPerSchema: c.MaxTablesPerSchema,
		MaxColumnsPerTable: c.MaxColumnsPerTable,
	}
}

// RetentionConfig configures day-scale history and audit retention.
type RetentionConfig struct {
	HistoryRetentionDays   int `yaml:"history_retention_days"`
	AuditRetentionDays     int `yaml:"audit_retention_days"`
	QueryTextRedactionDays int `yaml:"query_text_redaction_days"`
}

func (c RetentionConfig) historyConfig() history.RetentionConfig {
	return history.RetentionConfig{
		HistoryRetentionDays:   c.HistoryRetentionDays,
		QueryTextRedactionDays: c.QueryTextRedactionDays,
	}
}

// HistoryConfig configures the query history database.
type HistoryConfig struct {
	// DSN is the PostgreSQL connection string for history storage. Empty
	// disables history persistence.
	DSN string `yaml:"dsn"`
}

// DatasourceConfig defines one queryable datasource.
type DatasourceConfig struct {
	ID       string              `yaml:"id"`
	Name     string              `yaml:"name"`
	Engine   string              `yaml:"engine"`
	DriverID string              `yaml:"driver_id"`
	Host     string              `yaml:"host"`
	Port     int                 `yaml:"port"`
	Database string              `yaml:"database"`
	Pool     driver.PoolSettings `yaml:"pool"`
	Profiles []ProfileConfig     `yaml:"profiles"`
}

// ProfileConfig defines one credential profile of a datasource.
type ProfileConfig struct {
	Name     string                    `yaml:"name"`
	Username string                    `yaml:"username"`
	Password vault.EncryptedCredential `yaml:"password"`
}

// LoadConfig reads, env-expands and validates a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	data = []byte(expandEnvVars(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// expandEnvVars expands ${VAR} patterns in the string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		name := match[2 : len(match)-1]
		return os.Getenv(name)
	})
}

// Validate checks required fields and cross-references.
func (c *Config) Validate() error {
	if c.Vault.ActiveKeyID == "" {
		return fmt.Errorf("vault.active_key_id is required")
	}
	if c.Vault.MasterKey == "" {
		return fmt.Errorf("vault.master_key is required")
	}

	seen := make(map[string]bool, len(c.Datasources))
	for i, ds := range c.Datasources {
		if ds.ID == "" {
			return fmt.Errorf("datasources[%d]: id is required", i)
		}
		if seen[ds.ID] {
			return fmt.Errorf("datasources[%d]: duplicate id %q", i, ds.ID)
		}
		seen[ds.ID] = true
		if ds.Engine == "" {
			return fmt.Errorf("datasource %s: engine is required", ds.ID)
		}
		if ds.Host == "" {
			return fmt.Errorf("datasource %s: host is required", ds.ID)
		}
		if len(ds.Profiles) == 0 {
			return fmt.Errorf("datasource %s: at least one credential profile is required", ds.ID)
		}
		for _, p := range ds.Profiles {
			if p.Name == "" {
				return fmt.Errorf("datasource %s: profile name is required", ds.ID)
			}
		}
	}
	return nil
}
