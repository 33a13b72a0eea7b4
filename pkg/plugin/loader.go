package plugin

import (
	"errors"
	goplugin "plugin"
)

// Loader resolves plugin binaries into factories.
type Loader interface {
	Load(path string) (Factory, error)
}

// GoPluginLoader uses the Go standard library plugin mechanism to dynamically load modules.
type GoPluginLoader struct{}

// Load opens the shared object and looks up its exported `Plugin` symbol,
// which may be a Factory, a pointer to a Plugin, or a constructor.
func (GoPluginLoader) Load(path string) (Factory, error) {
	if path == "" {
		return nil, errors.New("plugin path cannot be empty")
	}
	so, err := goplugin.Open(path)
	if err != nil {
		return nil, err
	}
	symbol, err := so.Lookup("Plugin")
	if err != nil {
		return nil, err
	}
	return factoryOf(symbol)
}

func factoryOf(symbol any) (Factory, error) {
	switch p := symbol.(type) {
	case Factory:
		return p, nil
	case *Factory:
		if p == nil || *p == nil {
			return nil, errors.New("plugin factory is nil")
		}
		return *p, nil
	case func(*Context) (Plugin, error):
		return p, nil
	case func() Plugin:
		return func(*Context) (Plugin, error) { return p(), nil }, nil
	case *Plugin:
		if p == nil || *p == nil {
			return nil, errors.New("plugin symbol is nil")
		}
		return Static(*p), nil
	case Plugin:
		return Static(p), nil
	default:
		return nil, errors.New("plugin symbol must be a plugin.Factory or implement plugin.Plugin")
	}
}
