// Package wallpaper holds the canonical wallpaper definition and the pluggable
// schemas that recognise definition files on disk and turn their raw content
// into definitions.
package wallpaper

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	xerrors "wallhost/internal/errors"
)

// Type is the rendering family of a wallpaper.
type Type string

const (
	TypeVideo   Type = "video"
	TypeHTML    Type = "html"
	TypePicture Type = "picture"
)

// Valid reports whether t is one of the recognised types.
func (t Type) Valid() bool {
	switch t {
	case TypeVideo, TypeHTML, TypePicture:
		return true
	}
	return false
}

// Definition is the canonical description of one wallpaper.
type Definition struct {
	ID          string    `json:"id"`
	Type        Type      `json:"type"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Author      string    `json:"author,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	Preview     string    `json:"preview"`
	Src         string    `json:"src"`
	BasePath    string    `json:"basePath"`
	Schema      string    `json:"schema,omitempty"`
	File        string    `json:"file,omitempty"`
	Created     time.Time `json:"created,omitzero"`
	Uploaded    time.Time `json:"uploaded,omitzero"`
}

// Validate enforces the invariants every produced definition must satisfy.
func (d Definition) Validate() error {
	if strings.TrimSpace(d.Preview) == "" {
		return xerrors.New(xerrors.CodeValidation, "preview path is required")
	}
	if !d.Type.Valid() {
		return xerrors.New(xerrors.CodeValidation, fmt.Sprintf("unrecognised wallpaper type %q", d.Type))
	}
	return nil
}

// SourcePath resolves Src against BasePath unless it is already absolute or a URL.
func (d Definition) SourcePath() string {
	if d.Src == "" || filepath.IsAbs(d.Src) || strings.Contains(d.Src, "://") {
		return d.Src
	}
	return filepath.Join(d.BasePath, d.Src)
}

// IDFor derives a stable identifier from the path of a definition file, so
// two definition files sharing a folder never share an id.
func IDFor(file string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("file://"+filepath.ToSlash(filepath.Clean(file)))).String()
}

// Same reports whether d and o carry identical content.
func (d Definition) Same(o Definition) bool {
	return d.ID == o.ID &&
		d.Type == o.Type &&
		d.Name == o.Name &&
		d.Description == o.Description &&
		d.Author == o.Author &&
		slices.Equal(d.Tags, o.Tags) &&
		d.Preview == o.Preview &&
		d.Src == o.Src &&
		d.BasePath == o.BasePath &&
		d.Schema == o.Schema &&
		d.File == o.File &&
		d.Created.Equal(o.Created) &&
		d.Uploaded.Equal(o.Uploaded)
}

// TypeFromFile guesses the wallpaper type from a media file name.
func TypeFromFile(name string) (Type, bool) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".mp4", ".webm", ".mkv", ".mov", ".avi", ".m4v":
		return TypeVideo, true
	case ".html", ".htm":
		return TypeHTML, true
	case ".png", ".jpg", ".jpeg", ".gif", ".bmp", ".webp", ".heic":
		return TypePicture, true
	}
	return "", false
}

// Decode parses the raw content of a definition file. JSON and YAML files are
// supported, picked by extension.
func Decode(path string, data []byte) (map[string]any, error) {
	raw := map[string]any{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeValidation, err, "parse yaml definition")
		}
	default:
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeValidation, err, "parse json definition")
		}
	}
	return raw, nil
}

func resolve(basePath, p string, absolute bool) string {
	if p == "" || absolute || filepath.IsAbs(p) || strings.Contains(p, "://") {
		return p
	}
	return filepath.Join(basePath, p)
}

// str returns the first non-empty string value among keys.
func str(raw map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := raw[key].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func boolean(raw map[string]any, key string) bool {
	v, _ := raw[key].(bool)
	return v
}

func number(raw map[string]any, key string) (int, bool) {
	switch v := raw[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	}
	return 0, false
}

func list(raw map[string]any, key string) []string {
	switch v := raw[key].(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
		return out
	case string:
		var out []string
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out
	}
	return nil
}

func timestamp(raw map[string]any, key string) time.Time {
	switch v := raw[key].(type) {
	case time.Time:
		return v.UTC()
	case string:
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t.UTC()
		}
		if t, err := time.Parse(time.DateOnly, v); err == nil {
			return t.UTC()
		}
	case float64:
		return time.Unix(int64(v), 0).UTC()
	case int:
		return time.Unix(int64(v), 0).UTC()
	}
	return time.Time{}
}
