package host

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"wallhost/internal/catalog"
	"wallhost/internal/channel"
	xerrors "wallhost/internal/errors"
	"wallhost/internal/wallpaper"
	"wallhost/pkg/logger"
)

// Events served by the host itself.
const (
	EventPing     = "host:ping"
	EventPlugins  = "host:plugins"
	EventServices = "host:services"
	EventMetrics  = "host:metrics"

	EventWallpaperList   = "wallpaper:list"
	EventWallpaperGet    = "wallpaper:get"
	EventWallpaperSet    = "wallpaper:set"
	EventWallpaperActive = "wallpaper:active"

	EventWorkerStart  = "worker:start"
	EventWorkerStop   = "worker:stop"
	EventWorkerStatus = "worker:status"

	StreamDiscovered  = "wallpaper:discovered"
	StreamRemoved     = "wallpaper:removed"
	StreamWorkerState = "worker:state"
)

// Ping is the reply of host:ping.
type Ping struct {
	Version string  `json:"version"`
	Phase   string  `json:"phase"`
	Uptime  float64 `json:"uptimeSeconds"`
}

// Services lists the registered event names.
type Services struct {
	Calls   []string `json:"calls"`
	Streams []string `json:"streams"`
}

// ListRequest filters wallpaper:list.
type ListRequest struct {
	Type  wallpaper.Type `json:"type,omitempty"`
	Tag   string         `json:"tag,omitempty"`
	Query string         `json:"query,omitempty"`
	Limit int            `json:"limit,omitempty"`
}

// WallpaperRequest names a wallpaper and, for wallpaper:set, the window it
// should be rendered into. A zero HWND means the configured default window.
type WallpaperRequest struct {
	ID   string `json:"id,omitempty"`
	HWND int64  `json:"hwnd,omitempty"`
}

func (a *App) registerServices() {
	s := a.server
	s.Handle(EventPing, func(context.Context, json.RawMessage) (any, error) {
		phase := "loading"
		if a.plugins != nil {
			phase = a.plugins.Phase().String()
		}
		return Ping{Version: Version, Phase: phase, Uptime: time.Since(a.started).Seconds()}, nil
	})
	s.Handle(EventPlugins, func(context.Context, json.RawMessage) (any, error) {
		return a.plugins.Descriptors(), nil
	})
	s.Handle(EventServices, func(context.Context, json.RawMessage) (any, error) {
		calls, streams := a.server.Names()
		return Services{Calls: calls, Streams: streams}, nil
	})
	s.Handle(EventMetrics, func(context.Context, json.RawMessage) (any, error) {
		return a.metrics.Snapshot(), nil
	})

	s.Handle(EventWallpaperList, a.listWallpapers)
	s.Handle(EventWallpaperGet, a.getWallpaper)
	s.Handle(EventWallpaperSet, a.setWallpaper)
	s.Handle(EventWallpaperActive, a.activeWallpaper)

	s.Handle(EventWorkerStart, func(ctx context.Context, arg json.RawMessage) (any, error) {
		req, err := decode[WallpaperRequest](arg)
		if err != nil {
			return nil, err
		}
		return a.startWorker(ctx, a.hwnd(req.HWND), false)
	})
	s.Handle(EventWorkerStop, func(_ context.Context, arg json.RawMessage) (any, error) {
		req, err := decode[WallpaperRequest](arg)
		if err != nil {
			return nil, err
		}
		return a.stopWorker(a.hwnd(req.HWND))
	})
	s.Handle(EventWorkerStatus, func(_ context.Context, arg json.RawMessage) (any, error) {
		req, err := decode[WallpaperRequest](arg)
		if err != nil {
			return nil, err
		}
		return a.workerStatus(req.HWND), nil
	})

	s.HandleStream(StreamDiscovered, channel.FromEmitter(a.watcher.OnDiscover()))
	s.HandleStream(StreamRemoved, channel.FromEmitter(a.watcher.OnRemove()))
	s.HandleStream(StreamWorkerState, channel.FromEmitter(a.states))
}

// decode reads an optional JSON argument. An absent argument yields the zero
// value.
func decode[T any](arg json.RawMessage) (T, error) {
	var out T
	if len(arg) == 0 || string(arg) == "null" {
		return out, nil
	}
	if err := json.Unmarshal(arg, &out); err != nil {
		return out, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "decode request")
	}
	return out, nil
}

func (a *App) hwnd(requested int64) int64 {
	if requested != 0 {
		return requested
	}
	return a.cfg.Worker.HWND
}

func (a *App) listWallpapers(ctx context.Context, arg json.RawMessage) (any, error) {
	req, err := decode[ListRequest](arg)
	if err != nil {
		return nil, err
	}
	var opts []catalog.ListOption
	if req.Type != "" {
		opts = append(opts, catalog.WithType(req.Type))
	}
	if req.Tag != "" {
		opts = append(opts, catalog.WithTag(req.Tag))
	}
	if req.Query != "" {
		opts = append(opts, catalog.WithQuery(req.Query))
	}
	if req.Limit > 0 {
		opts = append(opts, catalog.WithLimit(req.Limit))
	}
	return a.store.List(ctx, opts...)
}

func (a *App) getWallpaper(ctx context.Context, arg json.RawMessage) (any, error) {
	req, err := decode[WallpaperRequest](arg)
	if err != nil {
		return nil, err
	}
	if req.ID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "wallpaper id is required")
	}
	return a.store.Get(ctx, req.ID)
}

func (a *App) activeWallpaper(ctx context.Context, arg json.RawMessage) (any, error) {
	req, err := decode[WallpaperRequest](arg)
	if err != nil {
		return nil, err
	}
	return a.store.Active(ctx, a.hwnd(req.HWND))
}

// setWallpaper records the wallpaper as active for the window and restarts
// its renderer so it loads the new selection.
func (a *App) setWallpaper(ctx context.Context, arg json.RawMessage) (any, error) {
	req, err := decode[WallpaperRequest](arg)
	if err != nil {
		return nil, err
	}
	if req.ID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "wallpaper id is required")
	}
	hwnd := a.hwnd(req.HWND)
	def, err := a.store.Get(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	if err := a.store.SetActive(ctx, hwnd, def.ID); err != nil {
		return nil, err
	}
	logger.Audit().Info("wallpaper.set", slog.Int64("hwnd", hwnd), slog.String("wallpaper", def.ID))
	if _, err := a.startWorker(ctx, hwnd, true); err != nil {
		return nil, err
	}
	return def, nil
}
