// Package lively registers the schema for wallpapers authored with the Lively
// Wallpaper editor (livelyinfo.json).
package lively

import (
	"log/slog"

	"wallhost/internal/wallpaper"
	"wallhost/pkg/plugin"
)

// ID is the plugin id.
const ID = "lively"

type livelyPlugin struct {
	ctx *plugin.Context
}

// New registers the livelyinfo.json schema.
func New(ctx *plugin.Context) (plugin.Plugin, error) {
	if err := ctx.RegisterWallpaperSchema(wallpaper.LivelySchema()); err != nil {
		return nil, err
	}
	return &livelyPlugin{ctx: ctx}, nil
}

func (p *livelyPlugin) Info() plugin.Info {
	return plugin.Info{
		ID:           ID,
		Name:         "Lively wallpaper format",
		Description:  "Recognises livelyinfo.json wallpaper definitions.",
		Author:       "wallhost",
		Version:      "1.0.0",
		Capabilities: []plugin.Capability{plugin.CapabilitySchemas},
	}
}

func (p *livelyPlugin) OnBeforeLoadWallpaper() error {
	p.ctx.Logger().Debug("lively schema active", slog.String("ext", wallpaper.LivelyExt))
	return nil
}
