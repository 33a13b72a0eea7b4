// Package project registers the schema of the native wallpaper.yaml project
// format and a service that validates a project document without writing it.
package project

import (
	"context"
	"encoding/json"
	"path/filepath"

	xerrors "wallhost/internal/errors"
	"wallhost/internal/wallpaper"
	"wallhost/pkg/plugin"
)

// ID is the plugin id.
const ID = "project"

// ValidateEvent checks a project document sent by a front-end.
const ValidateEvent = "project:validate"

type projectPlugin struct{}

type validateRequest struct {
	// Dir is the folder the document would live in.
	Dir      string `json:"dir"`
	Document string `json:"document"`
}

// New registers the wallpaper.yaml schema and the validation service.
func New(ctx *plugin.Context) (plugin.Plugin, error) {
	if err := ctx.RegisterWallpaperSchema(wallpaper.ProjectSchema()); err != nil {
		return nil, err
	}
	if err := ctx.RegisterService(ValidateEvent, validate); err != nil {
		return nil, err
	}
	return projectPlugin{}, nil
}

func (projectPlugin) Info() plugin.Info {
	return plugin.Info{
		ID:           ID,
		Name:         "Project wallpaper format",
		Description:  "Recognises wallpaper.yaml project definitions.",
		Author:       "wallhost",
		Version:      "1.0.0",
		Capabilities: []plugin.Capability{plugin.CapabilitySchemas, plugin.CapabilityServices},
	}
}

func validate(_ context.Context, arg json.RawMessage) (any, error) {
	var req validateRequest
	if err := json.Unmarshal(arg, &req); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "decode validate request")
	}
	if req.Dir == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "dir is required")
	}
	path := filepath.Join(req.Dir, wallpaper.ProjectExt)
	raw, err := wallpaper.Decode(path, []byte(req.Document))
	if err != nil {
		return nil, err
	}
	def := wallpaper.ProjectSchema().Apply(filepath.Dir(path), raw)
	if def == nil {
		return nil, xerrors.New(xerrors.CodeValidation, "document is not a valid wallpaper project")
	}
	def.File = path
	if def.ID == "" {
		def.ID = wallpaper.IDFor(path)
	}
	return def, nil
}
