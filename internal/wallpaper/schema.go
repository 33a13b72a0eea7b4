package wallpaper

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"wallhost/pkg/logger"
)

// Transform canonicalises the parsed content of a definition file found in
// basePath. Returning nil means the file is not a wallpaper this schema
// understands.
type Transform func(basePath string, raw map[string]any) *Definition

// Schema recognises definition files by their name suffix.
type Schema struct {
	Name      string
	Ext       string
	Transform Transform
}

// Matches reports whether the file at path carries the schema extension.
func (s Schema) Matches(path string) bool {
	if s.Ext == "" {
		return false
	}
	return strings.HasSuffix(strings.ToLower(filepath.Base(path)), strings.ToLower(s.Ext))
}

// Apply runs the transform and validates the result. A panicking transform, a
// nil result and an invalid definition all yield nil. The id stays empty
// unless the transform set one; Resolve derives it from the file path.
func (s Schema) Apply(basePath string, raw map[string]any) (def *Definition) {
	defer func() {
		if r := recover(); r != nil {
			logger.Named("wallpaper").Warn("schema transform panicked",
				slog.String("schema", s.Name), slog.String("base", basePath), slog.Any("panic", r))
			def = nil
		}
	}()
	out := s.Transform(basePath, raw)
	if out == nil {
		return nil
	}
	if err := out.Validate(); err != nil {
		logger.Named("wallpaper").Debug("definition rejected",
			slog.String("schema", s.Name), slog.String("base", basePath), slog.Any("error", err))
		return nil
	}
	if out.BasePath == "" {
		out.BasePath = basePath
	}
	out.Schema = s.Name
	return out
}

// Registry is the host-wide ordered list of schemas. Resolution tries schemas
// in registration order; the first match wins.
type Registry struct {
	mu      sync.RWMutex
	schemas []Schema
}

// NewRegistry creates an empty schema registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends s. A schema with the same name replaces the earlier one in
// place and keeps its position; the override is logged.
func (r *Registry) Register(s Schema) error {
	if strings.TrimSpace(s.Name) == "" {
		return errors.New("schema name cannot be empty")
	}
	if strings.TrimSpace(s.Ext) == "" {
		return fmt.Errorf("schema %s extension cannot be empty", s.Name)
	}
	if s.Transform == nil {
		return fmt.Errorf("schema %s transform cannot be nil", s.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.schemas {
		if existing.Name == s.Name {
			r.schemas[i] = s
			logger.Named("wallpaper").Warn("wallpaper schema replaced",
				slog.String("schema", s.Name), slog.String("ext", s.Ext))
			logger.Audit().Info("schema.replace", slog.String("schema", s.Name), slog.String("ext", s.Ext))
			return nil
		}
	}
	r.schemas = append(r.schemas, s)
	logger.Audit().Info("schema.register", slog.String("schema", s.Name), slog.String("ext", s.Ext))
	return nil
}

// Schemas returns a snapshot in registration order.
func (r *Registry) Schemas() []Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Schema, len(r.schemas))
	copy(out, r.schemas)
	return out
}

// Len returns the number of registered schemas.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.schemas)
}

// Recognises reports whether any schema claims the file at path.
func (r *Registry) Recognises(path string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.schemas {
		if s.Matches(path) {
			return true
		}
	}
	return false
}

// Resolve returns the definition produced by the first schema whose extension
// matches path and whose transform accepts raw. ok is false when no schema
// produced a definition, which is not an error.
func (r *Registry) Resolve(path string, raw map[string]any) (def *Definition, ok bool) {
	basePath := filepath.Dir(path)
	for _, s := range r.Schemas() {
		if !s.Matches(path) {
			continue
		}
		if def := s.Apply(basePath, raw); def != nil {
			def.File = path
			if def.ID == "" {
				def.ID = IDFor(path)
			}
			return def, true
		}
	}
	return nil, false
}
