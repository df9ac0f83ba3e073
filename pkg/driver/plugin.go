package driver

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"plugin"
)

// pluginExt is the artifact extension external drivers are packaged as.
const pluginExt = ".so"

// connectorSymbol is the symbol an external driver plugin must export:
// a func() any returning a value satisfying Connector, or at minimum the
// opener subset below.
const connectorSymbol = "NewConnector"

// opener is the minimal capability an external driver must provide. Plugins
// exposing only this subset are wrapped with a compatibility shim instead of
// being rejected.
type opener interface {
	Engine() Engine
	Open(spec ConnectionSpec) (*sql.DB, error)
}

// pluginHandle retains a loaded plugin for the process lifetime. Go plugins
// cannot be unloaded; release drops the gateway's references so a replaced
// driver is no longer reachable through the registry.
type pluginHandle struct {
	path string
	p    *plugin.Plugin
}

func (h *pluginHandle) release() {
	h.p = nil
}

// loadPlugin opens the plugin artifact for an external driver descriptor and
// extracts its connector. Every failure mode maps to ErrDriverNotAvailable
// with a diagnostic.
func loadPlugin(dir string, d Descriptor) (*pluginHandle, Connector, error) {
	if dir == "" {
		return nil, nil, fmt.Errorf("%w: no driver plugin directory configured", ErrDriverNotAvailable)
	}
	if _, err := os.Stat(dir); err != nil {
		return nil, nil, fmt.Errorf("%w: plugin directory %s: %v", ErrDriverNotAvailable, dir, err)
	}

	path := d.Impl
	if path == "" {
		path = filepath.Join(dir, d.ID+pluginExt)
	}
	if _, err := os.Stat(path); err != nil {
		return nil, nil, fmt.Errorf("%w: artifact %s not found", ErrDriverNotAvailable, path)
	}

	p, err := plugin.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: loading %s: %v", ErrDriverNotAvailable, path, err)
	}

	sym, err := p.Lookup(connectorSymbol)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s does not export %s", ErrDriverNotAvailable, path, connectorSymbol)
	}

	factory, ok := sym.(func() any)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s.%s has unexpected type %T", ErrDriverNotAvailable, path, connectorSymbol, sym)
	}

	connector, err := adaptConnector(factory())
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s: %v", ErrDriverNotAvailable, path, err)
	}

	return &pluginHandle{path: path, p: p}, connector, nil
}

// adaptConnector accepts a full Connector or shims the minimal opener
// subset so drivers built against older capability contracts keep working.
func adaptConnector(v any) (Connector, error) {
	switch impl := v.(type) {
	case Connector:
		return impl, nil
	case opener:
		return &openerShim{impl}, nil
	default:
		return nil, fmt.Errorf("loaded value of type %T does not satisfy the driver contract", v)
	}
}

// openerShim upgrades a minimal opener to the Connector contract. URL is not
// part of the legacy contract and degrades to an opaque placeholder rather
// than failing the connection path.
type openerShim struct {
	opener
}

func (s *openerShim) URL(spec ConnectionSpec) (string, error) {
	return fmt.Sprintf("%s://%s:%d/%s", s.Engine(), spec.Host, spec.Port, spec.Database), nil
}

var _ Connector = (*openerShim)(nil)
