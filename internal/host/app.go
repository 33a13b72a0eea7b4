// Package host assembles the background host: the catalog, the service bus,
// the schema registry, the plugin host, the resource watcher and the worker
// pool. App is the process context; it is built explicitly by New and torn
// down by Close.
package host

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"wallhost/internal/catalog"
	"wallhost/internal/channel"
	"wallhost/internal/config"
	xerrors "wallhost/internal/errors"
	"wallhost/internal/observability/alerting"
	"wallhost/internal/observability/metrics"
	"wallhost/internal/wallpaper"
	"wallhost/internal/watcher"
	"wallhost/internal/worker"
	"wallhost/pkg/event"
	"wallhost/pkg/logger"
	"wallhost/pkg/plugin"
)

// Version is stamped at build time.
var Version = "dev"

const alertQuietPeriod = time.Minute

type options struct {
	builtins  []plugin.Builtin
	loader    plugin.Loader
	store     catalog.Store
	notifiers []alerting.Notifier
}

// Option customises App construction.
type Option func(*options)

// WithBuiltins sets the plugins compiled into the host.
func WithBuiltins(builtins ...plugin.Builtin) Option {
	return func(o *options) { o.builtins = append(o.builtins, builtins...) }
}

// WithLoader overrides the loader used for external plugins.
func WithLoader(l plugin.Loader) Option {
	return func(o *options) { o.loader = l }
}

// WithStore uses s instead of opening the configured catalog. The App still
// closes it.
func WithStore(s catalog.Store) Option {
	return func(o *options) { o.store = s }
}

// WithNotifier adds an alert channel next to the log.
func WithNotifier(n alerting.Notifier) Option {
	return func(o *options) { o.notifiers = append(o.notifiers, n) }
}

// App owns every host component.
type App struct {
	cfg     *config.Config
	log     *slog.Logger
	started time.Time

	store   catalog.Store
	indexer *catalog.Indexer
	server  *channel.Server
	metrics *metrics.Collector
	alerts  *alerting.Alerter
	schemas *wallpaper.Registry
	plugins *plugin.Host
	watcher *watcher.Watcher
	pool    *worker.Pool
	states  *event.Emitter[WorkerState]

	subs   event.Disposables
	booted atomic.Bool
	closed sync.Once
}

// New builds every component and registers the plugins. Nothing runs until
// Boot.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "config is required")
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	store := o.store
	if store == nil {
		var err error
		store, err = catalog.Open(ctx, catalog.Config{
			Driver: cfg.Catalog.Driver,
			DSN:    cfg.Catalog.DSN,
			Path:   cfg.Catalog.Path,
		})
		if err != nil {
			return nil, err
		}
	}

	notifiers := append([]alerting.Notifier{&alerting.LogNotifier{}}, o.notifiers...)
	a := &App{
		cfg:     cfg,
		log:     logger.Named("host"),
		started: time.Now(),
		store:   store,
		indexer: catalog.NewIndexer(store),
		server:  channel.NewServer(),
		metrics: metrics.NewCollector(),
		alerts:  alerting.NewAlerter(alerting.NewFanout(notifiers...), alertQuietPeriod),
		schemas: wallpaper.NewRegistry(),
		states:  event.New[WorkerState]("host.worker_state"),
	}
	a.server.Observe(a.metrics.ObserveCall)
	a.watcher = watcher.New(cfg.Wallpaper.Dir, a.schemas)
	a.pool = worker.NewPool(a.workerOptions()...)

	// Host services go first so a plugin may override any of them.
	a.registerServices()

	hostOpts := []plugin.Option{
		plugin.WithResource(plugin.ResourceDiscovered, a.watcher.OnDiscover()),
		plugin.WithResource(plugin.ResourceRemoved, a.watcher.OnRemove()),
		plugin.WithResource(plugin.ResourceCatalog, store),
	}
	if o.loader != nil {
		hostOpts = append(hostOpts, plugin.WithLoader(o.loader))
	}
	a.plugins = plugin.NewHost(a.server, a.schemas, hostOpts...)
	if err := a.plugins.LoadConfigured(cfg.Plugins, o.builtins...); err != nil {
		a.watcher.Destroy()
		_ = store.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) workerOptions() []worker.Option {
	args := []string{}
	if a.cfg.Channel.Socket != "" {
		args = append(args, "--socket="+a.cfg.Channel.Socket)
	}
	args = append(args, a.cfg.Worker.Args...)
	return []worker.Option{
		worker.WithPlatforms(a.cfg.Worker.Binaries),
		worker.WithPlatform(a.cfg.Worker.Platform),
		worker.WithArgs(args...),
		worker.WithEnv(a.cfg.Worker.Env...),
		worker.WithKillTimeout(a.cfg.Worker.KillTimeout),
	}
}

// Server returns the service bus registry.
func (a *App) Server() *channel.Server { return a.server }

// Plugins returns the plugin host.
func (a *App) Plugins() *plugin.Host { return a.plugins }

// Watcher returns the resource watcher.
func (a *App) Watcher() *watcher.Watcher { return a.watcher }

// Store returns the wallpaper catalog.
func (a *App) Store() catalog.Store { return a.store }

// Boot runs the startup sequence: OnReady, OnBeforeLoadWallpaper, the
// initial scan, then OnAfterLoadWallpaper once the scan settled. Hook
// failures are logged and alerted but do not stop the boot. Boot may only
// run once.
func (a *App) Boot(ctx context.Context) error {
	if !a.booted.CompareAndSwap(false, true) {
		return xerrors.New(xerrors.CodeConflict, "host already booted")
	}
	a.subs.Add(
		a.indexer.Attach(a.watcher.OnDiscover(), a.watcher.OnRemove()),
		a.watcher.OnError().Subscribe(func(err error) {
			a.log.Warn("watcher error", slog.Any("error", err))
			a.alerts.Raise(context.Background(), "watcher", err)
		}),
	)

	a.absorb(ctx, a.plugins.Ready())
	a.absorb(ctx, a.plugins.BeforeLoadWallpaper())

	if err := a.watcher.Start(ctx); err != nil {
		return err
	}
	if err := a.watcher.WhenReady(ctx); err != nil {
		return xerrors.Wrap(xerrors.CodeTimeout, err, "wait for initial wallpaper scan")
	}
	if removed, err := a.indexer.Reconcile(ctx, a.watcher.Definitions); err != nil {
		a.log.Warn("catalog reconcile failed", slog.Any("error", err))
		a.alerts.Raise(ctx, "catalog", err)
	} else if removed > 0 {
		a.log.Info("catalog reconciled with library", slog.Int("removed", removed))
	}
	a.log.Info("wallpaper library scanned",
		slog.String("dir", a.watcher.Root()),
		slog.Int("definitions", len(a.watcher.Definitions())),
		slog.Int("schemas", a.schemas.Len()))

	a.absorb(ctx, a.plugins.AfterLoadWallpaper())

	if a.cfg.Worker.AutoStart {
		a.restore(ctx, a.cfg.Worker.HWND)
	}
	return nil
}

// restore starts the renderer for the wallpaper last set on hwnd.
func (a *App) restore(ctx context.Context, hwnd int64) {
	def, err := a.store.Active(ctx, hwnd)
	if err != nil {
		a.log.Info("no wallpaper to restore", slog.Int64("hwnd", hwnd), slog.Any("error", err))
		return
	}
	if _, err := a.startWorker(ctx, hwnd, false); err != nil {
		a.log.Warn("restore renderer failed", slog.Int64("hwnd", hwnd), slog.String("wallpaper", def.ID), slog.Any("error", err))
		return
	}
	a.log.Info("wallpaper restored", slog.Int64("hwnd", hwnd), slog.String("wallpaper", def.ID))
}

func (a *App) absorb(ctx context.Context, err error) {
	if err == nil {
		return
	}
	a.log.Warn("plugin hooks failed", slog.String("phase", a.plugins.Phase().String()), slog.Any("error", err))
	a.alerts.Raise(ctx, "plugin", err)
}

// Serve answers peers until ctx is cancelled. The unix socket is always
// served so local tools can reach the host; a broker transport is served
// alongside it when configured.
func (a *App) Serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	ln, err := channel.ListenUnix(a.cfg.Channel.Socket)
	if err != nil {
		return err
	}
	a.log.Info("serving channel", slog.String("transport", config.TransportUnix), slog.String("socket", a.cfg.Channel.Socket))
	g.Go(func() error { return a.server.ServeListener(gctx, ln) })

	switch a.cfg.Channel.Transport {
	case config.TransportRedis:
		g.Go(func() error {
			t, err := channel.NewRedisTransport(gctx, a.cfg.Channel.Redis)
			if err != nil {
				return err
			}
			defer t.Close()
			a.log.Info("serving channel", slog.String("transport", config.TransportRedis), slog.String("address", a.cfg.Channel.Redis.Address))
			return a.server.Serve(gctx, t)
		})
	case config.TransportAMQP:
		g.Go(func() error {
			t, err := channel.NewAMQPTransport(a.cfg.Channel.AMQP)
			if err != nil {
				return err
			}
			defer t.Close()
			a.log.Info("serving channel", slog.String("transport", config.TransportAMQP))
			return a.server.Serve(gctx, t)
		})
	}
	return g.Wait()
}

// Run boots the host, serves until ctx is cancelled and then closes it.
func (a *App) Run(ctx context.Context) error {
	defer func() {
		if err := a.Close(); err != nil {
			a.log.Warn("shutdown incomplete", slog.Any("error", err))
		}
	}()
	if err := a.Boot(ctx); err != nil {
		return err
	}
	if err := a.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Close runs OnDestroy in reverse registration order, stops the watcher and
// every renderer and closes the catalog. Later calls are no-ops.
func (a *App) Close() error {
	var errs []error
	a.closed.Do(func() {
		if err := a.plugins.Destroy(); err != nil {
			a.absorb(context.Background(), err)
			errs = append(errs, err)
		}
		a.subs.Dispose()
		a.watcher.Destroy()
		a.pool.DestroyAll()
		a.states.Dispose()
		if err := a.store.Close(); err != nil {
			errs = append(errs, xerrors.Wrap(xerrors.CodeStorageFailure, err, "close catalog"))
		}
		a.log.Info("host stopped")
	})
	return errors.Join(errs...)
}
