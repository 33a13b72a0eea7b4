// Package plugins lists the plugins compiled into the host.
package plugins

import (
	"wallhost/internal/plugins/lively"
	"wallhost/internal/plugins/mouse"
	"wallhost/internal/plugins/project"
	"wallhost/pkg/plugin"
)

// Builtins returns the compiled-in plugins in registration order. Lively
// comes first so its schema wins over later schemas with the same extension.
func Builtins() []plugin.Builtin {
	return []plugin.Builtin{
		{ID: lively.ID, Factory: lively.New},
		{ID: project.ID, Factory: project.New},
		{ID: mouse.ID, Factory: mouse.New},
	}
}
