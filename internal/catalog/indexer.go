package catalog

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"wallhost/internal/wallpaper"
	"wallhost/pkg/event"
	"wallhost/pkg/logger"
)

const writeTimeout = 5 * time.Second

// Indexer mirrors watcher discoveries and removals into a Store.
type Indexer struct {
	store Store
	log   *slog.Logger
	// Written is fired after every successful upsert or delete.
	written *event.Emitter[string]
}

// NewIndexer creates an indexer writing into store.
func NewIndexer(store Store) *Indexer {
	return &Indexer{
		store:   store,
		log:     logger.Named("catalog"),
		written: event.New[string]("catalog.written"),
	}
}

// OnWritten fires with the id of every definition written or deleted.
func (ix *Indexer) OnWritten() *event.Emitter[string] { return ix.written }

// Attach subscribes to the discovery and removal emitters. Disposing the
// result detaches the indexer.
func (ix *Indexer) Attach(discovered, removed *event.Emitter[wallpaper.Definition]) event.Disposable {
	var subs event.Disposables
	subs.Add(
		discovered.Subscribe(ix.upsert),
		removed.Subscribe(ix.remove),
		event.DisposeFunc(ix.written.Dispose),
	)
	return &subs
}

func (ix *Indexer) upsert(def wallpaper.Definition) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := ix.store.Upsert(ctx, def); err != nil {
		ix.log.Error("index wallpaper failed", slog.String("id", def.ID), slog.Any("error", err))
		return
	}
	ix.log.Debug("wallpaper indexed", slog.String("id", def.ID), slog.String("name", def.Name))
	ix.written.Fire(def.ID)
}

func (ix *Indexer) remove(def wallpaper.Definition) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := ix.store.Delete(ctx, def.ID); err != nil {
		ix.log.Error("unindex wallpaper failed", slog.String("id", def.ID), slog.Any("error", err))
		return
	}
	ix.written.Fire(def.ID)
}

// Reconcile deletes stored definitions that are missing from current, the
// result of a fresh scan. Rows left behind by files removed while the host was
// down would otherwise stay listed and selectable. It returns how many rows
// were deleted.
func (ix *Indexer) Reconcile(ctx context.Context, current func() []wallpaper.Definition) (int, error) {
	stored, err := ix.store.List(ctx)
	if err != nil {
		return 0, err
	}
	// Snapshot after listing so definitions indexed in between are kept.
	live := make(map[string]struct{})
	for _, def := range current() {
		live[def.ID] = struct{}{}
	}
	var (
		removed int
		errs    []error
	)
	for _, def := range stored {
		if _, ok := live[def.ID]; ok {
			continue
		}
		if err := ix.store.Delete(ctx, def.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
		ix.log.Info("stale wallpaper dropped", slog.String("id", def.ID), slog.String("file", def.File))
		ix.written.Fire(def.ID)
	}
	return removed, errors.Join(errs...)
}
