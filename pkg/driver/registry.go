package driver

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Registry catalogs built-in and external drivers and resolves connectors
// for connection attempts. Safe for concurrent use.
type Registry struct {
	mu sync.RWMutex

	// connectors holds ready-to-use connectors by driver id.
	connectors map[string]Connector

	// external holds descriptors for plugin drivers discovered in pluginDir,
	// keyed by driver id. Loaded lazily by EnsureReady.
	external map[string]Descriptor

	// loaded tracks plugin handles retained for the process lifetime.
	loaded map[string]*pluginHandle

	pluginDir string
}

// NewRegistry creates a registry with all built-in connectors registered.
// pluginDir may be empty when no external drivers are configured.
func NewRegistry(pluginDir string) *Registry {
	r := &Registry{
		connectors: builtinConnectors(),
		external:   make(map[string]Descriptor),
		loaded:     make(map[string]*pluginHandle),
		pluginDir:  pluginDir,
	}
	r.scanExternal()
	return r
}

// RegisterExternal catalogs an external driver id for an engine without
// loading it. The artifact is expected at <pluginDir>/<id>.so.
func (r *Registry) RegisterExternal(id string, engine Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.external[id] = Descriptor{
		ID:     id,
		Engine: engine,
		Impl:   filepath.Join(r.pluginDir, id+pluginExt),
		Source: SourceExternal,
	}
}

// scanExternal catalogs plugin artifacts already present in pluginDir as
// drivers named <file>.so for an unknown engine until registered explicitly.
func (r *Registry) scanExternal() {
	if r.pluginDir == "" {
		return
	}
	entries, err := os.ReadDir(r.pluginDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, pluginExt) {
			continue
		}
		id := strings.TrimSuffix(name, pluginExt)
		r.external[id] = Descriptor{
			ID:     id,
			Engine: Engine(strings.SplitN(id, "-", 2)[0]),
			Impl:   filepath.Join(r.pluginDir, name),
			Source: SourceExternal,
		}
	}
}

// List returns all cataloged descriptors, optionally filtered by engine,
// sorted by (engine, id). External availability is recomputed per call.
func (r *Registry) List(engine Engine) []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Descriptor, 0, len(r.connectors)+len(r.external))
	for id, c := range r.connectors {
		if _, ext := r.external[id]; ext {
			continue
		}
		d := Descriptor{
			ID:        id,
			Engine:    c.Engine(),
			Impl:      builtinImpls[id],
			Source:    SourceBuiltIn,
			Available: true,
		}
		if engine == "" || d.Engine == engine {
			result = append(result, d)
		}
	}
	for _, d := range r.external {
		d.Available, d.Diagnostic = r.externalAvailability(d)
		if engine == "" || d.Engine == engine {
			result = append(result, d)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].Engine != result[j].Engine {
			return result[i].Engine < result[j].Engine
		}
		return result[i].ID < result[j].ID
	})
	return result
}

// externalAvailability reports whether an external driver is loadable right
// now, with a diagnostic when it is not. Callers hold at least a read lock.
func (r *Registry) externalAvailability(d Descriptor) (bool, string) {
	if _, ok := r.loaded[d.ID]; ok {
		return true, ""
	}
	if r.pluginDir == "" {
		return false, "no driver plugin directory configured"
	}
	if _, err := os.Stat(d.Impl); err != nil {
		return false, fmt.Sprintf("artifact %s not found", d.Impl)
	}
	return true, ""
}

// Resolve picks a driver for an engine. With no requested id the first
// available candidate wins, falling back to the first candidate at all so
// resolution never silently omits an unavailable default. A requested id not
// cataloged for the engine fails with ErrDriverNotAvailable.
func (r *Registry) Resolve(engine Engine, requestedID string) (Descriptor, error) {
	candidates := r.List(engine)
	if requestedID != "" {
		for _, d := range candidates {
			if d.ID == requestedID {
				return d, nil
			}
		}
		return Descriptor{}, fmt.Errorf("%w: driver %q not registered for engine %s", ErrDriverNotAvailable, requestedID, engine)
	}

	if len(candidates) == 0 {
		return Descriptor{}, fmt.Errorf("%w: no driver for engine %s", ErrDriverNotAvailable, engine)
	}
	for _, d := range candidates {
		if d.Available {
			return d, nil
		}
	}
	return candidates[0], nil
}

// EnsureReady returns a connector for the descriptor, loading external
// plugins on first use. Loading is idempotent per driver id; reloading a
// replaced artifact drops the previous handle before the new connector is
// published.
func (r *Registry) EnsureReady(d Descriptor) (Connector, error) {
	r.mu.RLock()
	if c, ok := r.connectors[d.ID]; ok {
		r.mu.RUnlock()
		return c, nil
	}
	r.mu.RUnlock()

	if d.Source != SourceExternal {
		return nil, fmt.Errorf("%w: unknown driver %q", ErrDriverNotAvailable, d.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Another caller may have loaded the plugin while we waited.
	if c, ok := r.connectors[d.ID]; ok {
		return c, nil
	}

	handle, connector, err := loadPlugin(r.pluginDir, d)
	if err != nil {
		return nil, err
	}

	if prev, ok := r.loaded[d.ID]; ok {
		prev.release()
	}
	r.loaded[d.ID] = handle
	r.connectors[d.ID] = connector
	return connector, nil
}

// Connector returns the ready connector for a driver id, or false when the
// driver has not been loaded.
func (r *Registry) Connector(id string) (Connector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[id]
	return c, ok
}
