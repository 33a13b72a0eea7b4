// Package plugin hosts the backend plugins of the wallpaper engine. Each
// plugin receives a Context through which it registers channel services and
// wallpaper schemas into the host-wide registries, and may implement any of
// the optional lifecycle hooks the Host sequences.
package plugin

import (
	"fmt"
	"log/slog"

	"gopkg.in/yaml.v3"

	"wallhost/internal/channel"
	xerrors "wallhost/internal/errors"
	"wallhost/internal/wallpaper"
	"wallhost/pkg/logger"
)

// Plugin is the only mandatory contract: static metadata.
type Plugin interface {
	Info() Info
}

// ReadyHook runs once after configuration has loaded.
type ReadyHook interface {
	OnReady() error
}

// BeforeLoadWallpaperHook runs once before the resource watcher scans.
type BeforeLoadWallpaperHook interface {
	OnBeforeLoadWallpaper() error
}

// AfterLoadWallpaperHook runs once after the first scan settled.
type AfterLoadWallpaperHook interface {
	OnAfterLoadWallpaper() error
}

// DestroyHook runs once during shutdown, in reverse registration order.
type DestroyHook interface {
	OnDestroy() error
}

// Factory builds a plugin bound to its context. It is called exactly once.
type Factory func(ctx *Context) (Plugin, error)

// Static wraps an already constructed plugin as a Factory.
func Static(p Plugin) Factory {
	return func(*Context) (Plugin, error) { return p, nil }
}

// ServiceRegistry is the host-wide channel registry shared by all contexts.
type ServiceRegistry interface {
	Handle(name string, h channel.Handler)
	HandleStream(name string, src channel.Source)
	Has(name string) bool
}

// SchemaRegistry is the host-wide ordered schema list shared by all contexts.
type SchemaRegistry interface {
	Register(s wallpaper.Schema) error
	Schemas() []wallpaper.Schema
}

// Resource keys the host publishes to every context. Discovered and Removed
// hold an *event.Emitter[wallpaper.Definition]; Catalog holds the catalog
// store.
const (
	ResourceDiscovered = "wallpaper:discovered"
	ResourceRemoved    = "wallpaper:removed"
	ResourceCatalog    = "catalog"
)

// Context is handed to exactly one plugin. It refers to the host registries,
// so registrations are visible host-wide immediately.
type Context struct {
	id        string
	config    map[string]any
	policy    IsolationPolicy
	services  ServiceRegistry
	schemas   SchemaRegistry
	resources map[string]any
	log       *slog.Logger
}

// ID returns the plugin id the context was created for.
func (c *Context) ID() string { return c.id }

// Logger returns a logger tagged with the plugin id.
func (c *Context) Logger() *slog.Logger { return c.log }

// Services returns the shared service registry.
func (c *Context) Services() ServiceRegistry { return c.services }

// Schemas returns the shared schema registry.
func (c *Context) Schemas() SchemaRegistry { return c.schemas }

// Config returns a copy of the plugin's configuration block.
func (c *Context) Config() map[string]any {
	return cloneConfig(c.config)
}

// DecodeConfig decodes the configuration block into out using its yaml tags.
func (c *Context) DecodeConfig(out any) error {
	raw, err := yaml.Marshal(c.config)
	if err != nil {
		return fmt.Errorf("encode plugin %s config: %w", c.id, err)
	}
	if err := yaml.Unmarshal(raw, out); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "decode plugin "+c.id+" config")
	}
	return nil
}

// Resource returns a shared resource supplied by the host.
func (c *Context) Resource(key string) (any, bool) {
	v, ok := c.resources[key]
	return v, ok
}

// RegisterService exposes a call on the channel. An existing registration
// under the same name is replaced.
func (c *Context) RegisterService(name string, h channel.Handler) error {
	if err := c.permit(CapabilityServices); err != nil {
		return err
	}
	if name == "" || h == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "service name and handler are required")
	}
	if c.services.Has(name) {
		c.log.Warn("overriding service", slog.String("event", name))
	}
	c.services.Handle(name, h)
	logger.Audit().Info("service.register", slog.String("plugin", c.id), slog.String("event", name))
	return nil
}

// RegisterStream exposes a stream on the channel.
func (c *Context) RegisterStream(name string, src channel.Source) error {
	if err := c.permit(CapabilityStreams); err != nil {
		return err
	}
	if name == "" || src == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "stream name and source are required")
	}
	if c.services.Has(name) {
		c.log.Warn("overriding stream", slog.String("event", name))
	}
	c.services.HandleStream(name, src)
	logger.Audit().Info("stream.register", slog.String("plugin", c.id), slog.String("event", name))
	return nil
}

// RegisterWallpaperSchema appends a schema to the shared list.
func (c *Context) RegisterWallpaperSchema(s wallpaper.Schema) error {
	if err := c.permit(CapabilitySchemas); err != nil {
		return err
	}
	if err := c.schemas.Register(s); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "register schema for plugin "+c.id)
	}
	return nil
}

func (c *Context) permit(capability Capability) error {
	if c.policy.Permits(capability) {
		return nil
	}
	return xerrors.New(xerrors.CodeConflict,
		fmt.Sprintf("plugin %s is not permitted to use %s", c.id, capability),
		xerrors.WithMetadata("plugin", c.id),
		xerrors.WithMetadata("capability", string(capability)))
}
