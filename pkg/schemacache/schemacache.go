// Package schemacache serves TTL-cached catalog introspection: schemas,
// tables and columns per datasource and credential profile.
package schemacache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/txn2/sql-gateway/pkg/driver"
	"github.com/txn2/sql-gateway/pkg/execution"
	"github.com/txn2/sql-gateway/pkg/sanitize"
)

// ErrUnavailable wraps connection failures so schema browsing problems are
// not conflated with query execution errors.
var ErrUnavailable = errors.New("schema browser unavailable")

// Defaults applied by Config.withDefaults.
const (
	defaultTTL        = 5 * time.Minute
	defaultMaxSchemas = 50
	defaultMaxTables  = 500
	defaultMaxColumns = 500
)

// Column describes one table column.
type Column struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
}

// Table describes one table or view with its columns.
type Table struct {
	Name    string   `json:"name"`
	Type    string   `json:"type"`
	Columns []Column `json:"columns"`
}

// Schema describes one schema with its tables.
type Schema struct {
	Name   string  `json:"name"`
	Tables []Table `json:"tables"`
}

// Snapshot is one cached introspection result.
type Snapshot struct {
	Key       string    `json:"key"`
	FetchedAt time.Time `json:"fetched_at"`
	Schemas   []Schema  `json:"schemas"`
}

// Config bounds introspection and caching.
type Config struct {
	TTL                time.Duration `yaml:"ttl"`
	MaxSchemas         int           `yaml:"max_schemas"`
	MaxTablesPerSchema int           `yaml:"max_tables_per_schema"`
	MaxColumnsPerTable int           `yaml:"max_columns_per_table"`
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = defaultTTL
	}
	if c.MaxSchemas <= 0 {
		c.MaxSchemas = defaultMaxSchemas
	}
	if c.MaxTablesPerSchema <= 0 {
		c.MaxTablesPerSchema = defaultMaxTables
	}
	if c.MaxColumnsPerTable <= 0 {
		c.MaxColumnsPerTable = defaultMaxColumns
	}
	return c
}

// EngineResolver reports the engine for a datasource, used to pick the
// introspection dialect.
type EngineResolver interface {
	EngineFor(ctx context.Context, datasourceID string) (driver.Engine, error)
}

// Cache caches introspection snapshots per datasource::profile key.
type Cache struct {
	cfg         Config
	connections execution.ConnectionOpener
	engines     EngineResolver
	logger      *slog.Logger

	mu      sync.RWMutex
	entries map[string]Snapshot
}

// New creates a schema cache.
func New(cfg Config, connections execution.ConnectionOpener, engines EngineResolver, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		cfg:         cfg.withDefaults(),
		connections: connections,
		engines:     engines,
		logger:      logger,
		entries:     make(map[string]Snapshot),
	}
}

// Fetch returns the schema snapshot for a datasource and profile. A cache
// hit requires refresh to be false and the entry to be younger than the TTL.
func (c *Cache) Fetch(ctx context.Context, datasourceID, profile string, refresh bool) (Snapshot, error) {
	key := datasourceID + "::" + profile

	if !refresh {
		c.mu.RLock()
		snap, ok := c.entries[key]
		c.mu.RUnlock()
		if ok && time.Since(snap.FetchedAt) <= c.cfg.TTL {
			return snap, nil
		}
	}

	snap, err := c.introspect(ctx, datasourceID, profile)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrUnavailable, sanitize.Error(err))
	}
	snap.Key = key

	c.mu.Lock()
	c.entries[key] = snap
	c.mu.Unlock()

	return snap, nil
}

// Invalidate drops cached entries for a datasource.
func (c *Cache) Invalidate(datasourceID string) {
	prefix := datasourceID + "::"
	c.mu.Lock()
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()
}

func (c *Cache) introspect(ctx context.Context, datasourceID, profile string) (Snapshot, error) {
	engine, err := c.engines.EngineFor(ctx, datasourceID)
	if err != nil {
		return Snapshot{}, err
	}
	db, err := c.connections.Open(ctx, datasourceID, profile)
	if err != nil {
		return Snapshot{}, err
	}

	dialect := dialectFor(engine)

	names, err := c.listSchemas(ctx, db, dialect)
	if err != nil {
		return Snapshot{}, err
	}
	if len(names) == 0 {
		names = []string{"default"}
	}
	if len(names) > c.cfg.MaxSchemas {
		names = names[:c.cfg.MaxSchemas]
	}

	snap := Snapshot{FetchedAt: time.Now()}
	for _, name := range names {
		schema := Schema{Name: name}
		tables, err := c.listTables(ctx, db, dialect, name)
		if err != nil {
			return Snapshot{}, err
		}
		for i := range tables {
			cols, err := c.listColumns(ctx, db, dialect, name, tables[i].Name)
			if err != nil {
				return Snapshot{}, err
			}
			tables[i].Columns = cols
		}
		schema.Tables = tables
		snap.Schemas = append(snap.Schemas, schema)
	}
	return snap, nil
}

func (c *Cache) listSchemas(ctx context.Context, db queryer, d dialect) ([]string, error) {
	rows, err := db.QueryContext(ctx, d.schemasQuery)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	seen := make(map[string]bool)
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		lower := strings.ToLower(name)
		if seen[lower] {
			continue
		}
		seen[lower] = true
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sortCaseInsensitive(names)
	return names, nil
}

func (c *Cache) listTables(ctx context.Context, db queryer, d dialect, schema string) ([]Table, error) {
	rows, err := db.QueryContext(ctx, d.tablesQuery, schema)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tables []Table
	for rows.Next() {
		var t Table
		if err := rows.Scan(&t.Name, &t.Type); err != nil {
			return nil, err
		}
		tables = append(tables, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(tables, func(i, j int) bool {
		return strings.ToLower(tables[i].Name) < strings.ToLower(tables[j].Name)
	})
	if len(tables) > c.cfg.MaxTablesPerSchema {
		tables = tables[:c.cfg.MaxTablesPerSchema]
	}
	return tables, nil
}

func (c *Cache) listColumns(ctx context.Context, db queryer, d dialect, schema, table string) ([]Column, error) {
	rows, err := db.QueryContext(ctx, d.columnsQuery, schema, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var columns []Column
	for rows.Next() {
		var col Column
		var nullable string
		if err := rows.Scan(&col.Name, &col.Type, &nullable); err != nil {
			return nil, err
		}
		col.Nullable = strings.EqualFold(nullable, "YES")
		columns = append(columns, col)
		if len(columns) >= c.cfg.MaxColumnsPerTable {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return columns, nil
}

func sortCaseInsensitive(names []string) {
	sort.Slice(names, func(i, j int) bool {
		return strings.ToLower(names[i]) < strings.ToLower(names[j])
	})
}
