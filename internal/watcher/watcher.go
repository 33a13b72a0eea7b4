// Package watcher discovers wallpaper definitions under a directory tree and
// keeps following the tree for additions, changes and removals.
package watcher

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	xerrors "wallhost/internal/errors"
	"wallhost/internal/wallpaper"
	"wallhost/pkg/event"
	"wallhost/pkg/logger"
)

// State is the lifecycle position of a Watcher.
type State int32

const (
	StateInitializing State = iota
	StateReady
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateDisposed:
		return "disposed"
	}
	return "unknown"
}

// Watcher scans root once, signals readiness, then follows filesystem events.
// Discoveries, removals and errors are published through emitters; the
// watcher never stops on a filesystem error.
type Watcher struct {
	root    string
	schemas *wallpaper.Registry
	log     *slog.Logger

	state   atomic.Int32
	started atomic.Bool
	ready   event.Latch

	mu    sync.RWMutex
	known map[string]wallpaper.Definition

	fsw     *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
	destroy sync.Once

	onReady    *event.Emitter[struct{}]
	onDiscover *event.Emitter[wallpaper.Definition]
	onRemove   *event.Emitter[wallpaper.Definition]
	onError    *event.Emitter[error]
}

// Option customises a Watcher.
type Option func(*Watcher)

// WithLogger overrides the component logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// New creates a watcher for root. Schemas are consulted on every file, so
// schemas registered before Start are all in effect for the initial scan.
func New(root string, schemas *wallpaper.Registry, opts ...Option) *Watcher {
	if schemas == nil {
		schemas = wallpaper.NewRegistry()
	}
	w := &Watcher{
		root:       filepath.Clean(root),
		schemas:    schemas,
		log:        logger.Named("watcher"),
		known:      make(map[string]wallpaper.Definition),
		done:       make(chan struct{}),
		onReady:    event.New[struct{}]("watcher.ready"),
		onDiscover: event.New[wallpaper.Definition]("watcher.discover"),
		onRemove:   event.New[wallpaper.Definition]("watcher.remove"),
		onError:    event.New[error]("watcher.error"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// OnReady fires once, after the initial scan.
func (w *Watcher) OnReady() *event.Emitter[struct{}] { return w.onReady }

// OnDiscover fires for every definition found or updated.
func (w *Watcher) OnDiscover() *event.Emitter[wallpaper.Definition] { return w.onDiscover }

// OnRemove fires when a previously discovered definition disappears.
func (w *Watcher) OnRemove() *event.Emitter[wallpaper.Definition] { return w.onRemove }

// OnError fires for filesystem failures. The payload is a WATCH_ERROR.
func (w *Watcher) OnError() *event.Emitter[error] { return w.onError }

// Root returns the watched directory.
func (w *Watcher) Root() string { return w.root }

// State returns the current lifecycle state.
func (w *Watcher) State() State { return State(w.state.Load()) }

// Ready reports whether the initial scan has completed.
func (w *Watcher) Ready() bool { return w.ready.IsOpen() }

// WhenReady blocks until the initial scan completes. It returns at once if
// the watcher is already ready.
func (w *Watcher) WhenReady(ctx context.Context) error {
	return w.ready.Wait(ctx)
}

// Start subscribes to the filesystem and launches the initial scan in the
// background. It may be called once.
func (w *Watcher) Start(ctx context.Context) error {
	if w.State() == StateDisposed {
		return xerrors.New(xerrors.CodeInitializationFailure, "watcher already destroyed")
	}
	if !w.started.CompareAndSwap(false, true) {
		return xerrors.New(xerrors.CodeConflict, "watcher already started")
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeWatch, err, "create filesystem watcher")
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.fsw = fsw
	w.cancel = cancel

	go w.run(runCtx)
	return nil
}

// Definitions returns the currently known definitions ordered by file path.
func (w *Watcher) Definitions() []wallpaper.Definition {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]wallpaper.Definition, 0, len(w.known))
	for _, def := range w.known {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].File < out[j].File })
	return out
}

// Destroy releases the filesystem subscription and disposes every emitter.
// Calling it again is a no-op.
func (w *Watcher) Destroy() {
	w.destroy.Do(func() {
		w.state.Store(int32(StateDisposed))
		if w.cancel != nil {
			w.cancel()
			_ = w.fsw.Close()
			<-w.done
		}
		w.onReady.Dispose()
		w.onDiscover.Dispose()
		w.onRemove.Dispose()
		w.onError.Dispose()
	})
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	w.addTree(w.root)
	if w.state.CompareAndSwap(int32(StateInitializing), int32(StateReady)) && w.ready.Open() {
		w.log.Info("initial scan complete", slog.String("root", w.root), slog.Int("definitions", w.count()))
		w.onReady.Fire(struct{}{})
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.fail(err, "filesystem notification", w.root)
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	path := filepath.Clean(ev.Name)
	switch {
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		w.forget(path)
	case ev.Has(fsnotify.Create):
		info, err := os.Stat(path)
		if err != nil {
			return
		}
		if info.IsDir() {
			w.addTree(path)
			return
		}
		w.inspect(path, info)
	case ev.Has(fsnotify.Write):
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			return
		}
		w.inspect(path, info)
	}
}

// addTree watches every directory under dir and inspects the files in it.
func (w *Watcher) addTree(dir string) {
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			w.fail(err, "walk", path)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if hiddenDir(w.root, path) {
				return fs.SkipDir
			}
			if err := w.fsw.Add(path); err != nil {
				w.fail(err, "watch directory", path)
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			w.fail(err, "stat", path)
			return nil
		}
		w.inspect(path, info)
		return nil
	})
	if err != nil {
		w.fail(err, "walk", dir)
	}
}

func (w *Watcher) inspect(path string, info fs.FileInfo) {
	kind := Classify(path, w.schemas)
	if kind != KindDefinition {
		if kind != KindIgnored {
			w.log.Debug("file classified", slog.String("path", path), slog.String("kind", string(kind)))
		}
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		w.fail(err, "read definition", path)
		return
	}
	if len(bytes.TrimSpace(data)) == 0 {
		// Truncated by a writer that has not written the content yet.
		return
	}
	raw, err := wallpaper.Decode(path, data)
	if err != nil {
		w.log.Debug("definition dropped", slog.String("path", path), slog.Any("error", err))
		w.forget(path)
		return
	}
	def, ok := w.schemas.Resolve(path, raw)
	if !ok {
		w.log.Debug("no schema accepted definition", slog.String("path", path))
		w.forget(path)
		return
	}

	w.mu.Lock()
	prev, seen := w.known[path]
	if def.Created.IsZero() {
		def.Created = info.ModTime().UTC()
		if seen {
			def.Created = prev.Created
		}
	}
	if def.Uploaded.IsZero() {
		def.Uploaded = def.Created
	}
	// A create is usually followed by writes of the same content.
	if seen && prev.Same(*def) {
		w.mu.Unlock()
		return
	}
	w.known[path] = *def
	w.mu.Unlock()
	w.onDiscover.Fire(*def)
}

// forget drops definitions at path or below it and fires removal events.
func (w *Watcher) forget(path string) {
	prefix := path + string(filepath.Separator)
	w.mu.Lock()
	var removed []wallpaper.Definition
	for file, def := range w.known {
		if file == path || strings.HasPrefix(file, prefix) {
			removed = append(removed, def)
			delete(w.known, file)
		}
	}
	w.mu.Unlock()

	sort.Slice(removed, func(i, j int) bool { return removed[i].File < removed[j].File })
	for _, def := range removed {
		w.onRemove.Fire(def)
	}
}

func (w *Watcher) fail(err error, op, path string) {
	if errors.Is(err, fsnotify.ErrClosed) || w.State() == StateDisposed {
		return
	}
	wrapped := xerrors.Wrap(xerrors.CodeWatch, err, op, xerrors.WithMetadata("path", path))
	w.log.Warn("watch error", slog.String("op", op), slog.String("path", path), slog.Any("error", err))
	w.onError.Fire(wrapped)
}

func (w *Watcher) count() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.known)
}
