// Package catalog persists the wallpapers the resource watcher discovered and
// the wallpaper currently active on each window.
package catalog

import (
	"context"
	"slices"
	"sort"
	"strconv"
	"strings"

	xerrors "wallhost/internal/errors"
	"wallhost/internal/wallpaper"
)

// Store keeps discovered definitions and the active selection per window.
type Store interface {
	Upsert(ctx context.Context, def wallpaper.Definition) error
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (wallpaper.Definition, error)
	List(ctx context.Context, opts ...ListOption) ([]wallpaper.Definition, error)
	SetActive(ctx context.Context, hwnd int64, id string) error
	Active(ctx context.Context, hwnd int64) (wallpaper.Definition, error)
	Close() error
}

// Config selects and configures a Store implementation.
type Config struct {
	Driver string
	DSN    string
	Path   string
}

// Open returns the store named by cfg.Driver.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return OpenSQLite(ctx, cfg.Path)
	case "mysql":
		return OpenMySQL(ctx, cfg.DSN)
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "unsupported catalog driver "+cfg.Driver)
	}
}

// ListOptions controls which definitions List returns.
type ListOptions struct {
	Type  wallpaper.Type
	Tag   string
	Query string
	Limit int
}

// ListOption mutates ListOptions.
type ListOption func(*ListOptions)

// WithType keeps only definitions of type t.
func WithType(t wallpaper.Type) ListOption {
	return func(opts *ListOptions) { opts.Type = t }
}

// WithTag keeps only definitions carrying tag, compared case-insensitively.
func WithTag(tag string) ListOption {
	return func(opts *ListOptions) { opts.Tag = tag }
}

// WithQuery keeps definitions whose name or author contains q.
func WithQuery(q string) ListOption {
	return func(opts *ListOptions) { opts.Query = q }
}

// WithLimit caps the number of results.
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) { opts.Limit = limit }
}

func buildOptions(opts []ListOption) ListOptions {
	var o ListOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	o.Tag = strings.TrimSpace(o.Tag)
	o.Query = strings.ToLower(strings.TrimSpace(o.Query))
	if o.Limit < 0 {
		o.Limit = 0
	}
	return o
}

// match applies the filters that are not pushed down to a database.
func (o ListOptions) match(def wallpaper.Definition) bool {
	if o.Type != "" && def.Type != o.Type {
		return false
	}
	if o.Tag != "" && !slices.ContainsFunc(def.Tags, func(t string) bool { return strings.EqualFold(t, o.Tag) }) {
		return false
	}
	if o.Query != "" &&
		!strings.Contains(strings.ToLower(def.Name), o.Query) &&
		!strings.Contains(strings.ToLower(def.Author), o.Query) {
		return false
	}
	return true
}

// finish sorts by name then id and applies the limit.
func (o ListOptions) finish(defs []wallpaper.Definition) []wallpaper.Definition {
	sort.SliceStable(defs, func(i, j int) bool {
		if defs[i].Name == defs[j].Name {
			return defs[i].ID < defs[j].ID
		}
		return defs[i].Name < defs[j].Name
	})
	if o.Limit > 0 && len(defs) > o.Limit {
		defs = defs[:o.Limit]
	}
	return defs
}

func notFound(id string) error {
	return xerrors.New(xerrors.CodeNotFound, "wallpaper "+id+" not found", xerrors.WithMetadata("id", id))
}

func noActive(hwnd int64) error {
	return xerrors.New(xerrors.CodeNotFound, "no active wallpaper for window",
		xerrors.WithMetadata("hwnd", strconv.FormatInt(hwnd, 10)))
}

func validateID(id string) error {
	if strings.TrimSpace(id) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "wallpaper id cannot be empty")
	}
	return nil
}
