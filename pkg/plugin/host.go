package plugin

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"

	xerrors "wallhost/internal/errors"
	"wallhost/pkg/logger"
)

// Host keeps track of registered plugins and sequences their lifecycle hooks.
// Hooks run synchronously, in registration order (reverse order for destroy),
// and a failing hook never prevents the remaining plugins from running theirs.
type Host struct {
	mu        sync.Mutex
	phaseMu   sync.Mutex
	phase     Phase
	instances []*instance
	ids       map[string]struct{}

	services  ServiceRegistry
	schemas   SchemaRegistry
	loader    Loader
	isolation IsolationStrategy
	resources map[string]any
	defaults  IsolationPolicy
	log       *slog.Logger
}

type instance struct {
	plugin Plugin
	info   Info
	hooks  Hooks
	ctx    *Context
	source string
}

// Builtin pairs an id with the factory compiled into the host.
type Builtin struct {
	ID      string
	Factory Factory
}

// Option modifies the behaviour of a plugin host.
type Option func(*Host)

// WithLoader overrides the default binary loader implementation.
func WithLoader(loader Loader) Option {
	return func(h *Host) {
		if loader != nil {
			h.loader = loader
		}
	}
}

// WithIsolationStrategy sets a custom isolation policy enforcement strategy.
func WithIsolationStrategy(strategy IsolationStrategy) Option {
	return func(h *Host) {
		if strategy != nil {
			h.isolation = strategy
		}
	}
}

// WithResource registers a shared resource that will be exposed to all plugins.
func WithResource(key string, value any) Option {
	return func(h *Host) {
		if key == "" || value == nil {
			return
		}
		h.resources[key] = value
	}
}

// WithDefaultPolicy sets the policy applied to plugins registered without one.
func WithDefaultPolicy(policy IsolationPolicy) Option {
	return func(h *Host) {
		h.defaults = policy
	}
}

// WithLogger overrides the host logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Host) {
		if l != nil {
			h.log = l
		}
	}
}

// NewHost creates a host whose plugins share services and schemas.
func NewHost(services ServiceRegistry, schemas SchemaRegistry, opts ...Option) *Host {
	h := &Host{
		ids:       make(map[string]struct{}),
		services:  services,
		schemas:   schemas,
		loader:    GoPluginLoader{},
		isolation: NewIsolationStrategy(nil),
		resources: make(map[string]any),
		log:       logger.Named("plugin"),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.isolation = NewIsolationStrategy(h.isolation)
	return h
}

// Register constructs the plugin's context, runs its factory once and
// records it. Plugins can only be registered before the host is ready.
func (h *Host) Register(id string, factory Factory, cfg map[string]any, policy *IsolationPolicy) error {
	return h.register(id, factory, cfg, policy, "builtin")
}

// Load loads a plugin factory from a shared object and registers it.
func (h *Host) Load(id, path string, cfg map[string]any, policy *IsolationPolicy) error {
	if path == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "plugin path cannot be empty")
	}
	factory, err := h.loader.Load(path)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "load plugin from "+path,
			xerrors.WithMetadata("plugin", id))
	}
	return h.register(id, factory, cfg, policy, path)
}

// LoadConfigured registers the built-ins first, in the given order, then
// every enabled external plugin sorted by id. A built-in is skipped only when
// its configuration entry disables it.
func (h *Host) LoadConfigured(cfg ManagerConfig, builtins ...Builtin) error {
	known := make([]string, 0, len(builtins))
	for _, b := range builtins {
		known = append(known, b.ID)
	}
	if err := cfg.Validate(known...); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid plugin configuration")
	}
	h.defaults = cfg.Defaults

	for _, b := range builtins {
		entry, ok := cfg.Plugins[b.ID]
		if ok && (!entry.EnabledOr(true) || entry.Path != "") {
			continue
		}
		if err := h.Register(b.ID, b.Factory, cloneConfig(entry.Config), entry.Policy); err != nil {
			return err
		}
	}

	ids := make([]string, 0, len(cfg.Plugins))
	for id, entry := range cfg.Plugins {
		if entry.Path != "" && entry.EnabledOr(true) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		entry := cfg.Plugins[id]
		path := entry.Path
		if !filepath.IsAbs(path) && cfg.PluginDir != "" {
			path = filepath.Join(cfg.PluginDir, path)
		}
		if err := h.Load(id, path, cloneConfig(entry.Config), entry.Policy); err != nil {
			return err
		}
	}
	return nil
}

func (h *Host) register(id string, factory Factory, cfg map[string]any, policy *IsolationPolicy, source string) error {
	if id == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "plugin id cannot be empty")
	}
	if factory == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "plugin factory cannot be nil")
	}
	if h.Phase() != PhaseLoading {
		return xerrors.New(xerrors.CodeConflict, "plugins must be registered before the host is ready",
			xerrors.WithMetadata("plugin", id))
	}

	h.mu.Lock()
	if _, exists := h.ids[id]; exists {
		h.mu.Unlock()
		return xerrors.New(xerrors.CodeConflict, fmt.Sprintf("plugin %s already registered", id))
	}
	// Reserve the id so a concurrent registration cannot build a second context.
	h.ids[id] = struct{}{}
	h.mu.Unlock()

	inst, err := h.build(id, factory, cfg, MergePolicies(h.defaults, policy), source)
	if err != nil {
		h.mu.Lock()
		delete(h.ids, id)
		h.mu.Unlock()
		return err
	}

	h.mu.Lock()
	h.instances = append(h.instances, inst)
	h.mu.Unlock()

	h.log.Info("plugin registered",
		slog.String("plugin", id),
		slog.String("source", source),
		slog.String("hooks", inst.hooks.String()))
	logger.Audit().Info("plugin.register", slog.String("plugin", id), slog.String("source", source))
	return nil
}

func (h *Host) build(id string, factory Factory, cfg map[string]any, policy IsolationPolicy, source string) (*instance, error) {
	if cfg == nil {
		cfg = map[string]any{}
	}
	ctx := &Context{
		id:        id,
		config:    cfg,
		policy:    policy,
		services:  h.services,
		schemas:   h.schemas,
		resources: h.resources,
		log:       h.log.With(slog.String("plugin", id)),
	}

	p, err := construct(factory, ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "construct plugin "+id,
			xerrors.WithMetadata("plugin", id))
	}
	info := p.Info()
	if info.ID != "" && info.ID != id {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("plugin id mismatch: %s != %s", info.ID, id))
	}
	if info.ID == "" {
		info.ID = id
	}
	if err := EnsurePolicy(info, policy); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConflict, err, "plugin "+id+" rejected")
	}
	if err := h.isolation.Validate(info, policy); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConflict, err, "plugin "+id+" rejected")
	}
	if err := h.isolation.Prepare(info); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "prepare isolation for "+id)
	}
	return &instance{plugin: p, info: info, hooks: HooksOf(p), ctx: ctx, source: source}, nil
}

func construct(factory Factory, ctx *Context) (p Plugin, err error) {
	defer func() {
		if r := recover(); r != nil {
			p, err = nil, fmt.Errorf("factory panicked: %v", r)
		}
	}()
	p, err = factory(ctx)
	if err == nil && p == nil {
		err = errors.New("factory returned no plugin")
	}
	return p, err
}

// Ready runs OnReady on every plugin.
func (h *Host) Ready() error {
	_, err := h.advance(PhaseReady, HookReady, func(p Plugin) error { return p.(ReadyHook).OnReady() })
	return err
}

// BeforeLoadWallpaper runs OnBeforeLoadWallpaper on every plugin.
func (h *Host) BeforeLoadWallpaper() error {
	_, err := h.advance(PhaseBeforeLoadWallpaper, HookBeforeLoadWallpaper, func(p Plugin) error {
		return p.(BeforeLoadWallpaperHook).OnBeforeLoadWallpaper()
	})
	return err
}

// AfterLoadWallpaper runs OnAfterLoadWallpaper on every plugin.
func (h *Host) AfterLoadWallpaper() error {
	_, err := h.advance(PhaseAfterLoadWallpaper, HookAfterLoadWallpaper, func(p Plugin) error {
		return p.(AfterLoadWallpaperHook).OnAfterLoadWallpaper()
	})
	return err
}

// Destroy runs OnDestroy on every plugin in reverse registration order and
// releases their isolation.
func (h *Host) Destroy() error {
	ran, err := h.advance(PhaseDestroyed, HookDestroy, func(p Plugin) error { return p.(DestroyHook).OnDestroy() })
	if !ran {
		return nil
	}
	for _, inst := range h.snapshot() {
		if cerr := h.isolation.Cleanup(inst.info); cerr != nil {
			h.log.Warn("isolation cleanup failed", slog.String("plugin", inst.info.ID), slog.Any("error", cerr))
		}
	}
	return err
}

// advance moves the host to phase and runs hook on every plugin implementing
// it. A phase that was already reached is a no-op and ran is false. The
// joined error of the failed hooks is returned after they have all been logged.
func (h *Host) advance(phase Phase, hook Hooks, run func(Plugin) error) (ran bool, err error) {
	h.phaseMu.Lock()
	defer h.phaseMu.Unlock()
	h.mu.Lock()
	if h.phase >= phase {
		current := h.phase
		h.mu.Unlock()
		h.log.Debug("lifecycle phase already reached", slog.String("phase", phase.String()), slog.String("current", current.String()))
		return false, nil
	}
	h.phase = phase
	instances := append([]*instance(nil), h.instances...)
	h.mu.Unlock()

	if phase == PhaseDestroyed {
		for i, j := 0, len(instances)-1; i < j; i, j = i+1, j-1 {
			instances[i], instances[j] = instances[j], instances[i]
		}
	}

	var errs []error
	for _, inst := range instances {
		if !inst.hooks.Has(hook) {
			continue
		}
		if err := h.invoke(inst, phase, run); err != nil {
			errs = append(errs, err)
		}
	}
	return true, errors.Join(errs...)
}

func (h *Host) invoke(inst *instance, phase Phase, run func(Plugin) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hook panicked: %v", r)
		}
		if err == nil {
			return
		}
		err = xerrors.Wrap(xerrors.CodePluginHook, err, fmt.Sprintf("plugin %s failed in %s", inst.info.ID, phase),
			xerrors.WithMetadata("plugin", inst.info.ID),
			xerrors.WithMetadata("phase", phase.String()))
		h.log.Error("plugin hook failed",
			slog.String("plugin", inst.info.ID),
			slog.String("phase", phase.String()),
			slog.String("code", string(xerrors.CodePluginHook)),
			slog.Any("error", err))
	}()
	return run(inst.plugin)
}

// Phase returns the latest lifecycle phase reached.
func (h *Host) Phase() Phase {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.phase
}

// Descriptors lists the registered plugins in registration order.
func (h *Host) Descriptors() []Descriptor {
	instances := h.snapshot()
	out := make([]Descriptor, 0, len(instances))
	for _, inst := range instances {
		hooks := inst.hooks.Names()
		if hooks == nil {
			hooks = []string{}
		}
		out = append(out, Descriptor{Info: inst.info, Hooks: hooks, Source: inst.source})
	}
	return out
}

// Plugin returns the instance registered under id.
func (h *Host) Plugin(id string) (Plugin, bool) {
	for _, inst := range h.snapshot() {
		if inst.info.ID == id || inst.ctx.id == id {
			return inst.plugin, true
		}
	}
	return nil, false
}

func (h *Host) snapshot() []*instance {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*instance(nil), h.instances...)
}

func cloneConfig(cfg map[string]any) map[string]any {
	if cfg == nil {
		return map[string]any{}
	}
	cp := make(map[string]any, len(cfg))
	for k, v := range cfg {
		cp[k] = v
	}
	return cp
}
