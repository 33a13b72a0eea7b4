package watcher

import (
	"path/filepath"
	"strings"

	"wallhost/internal/wallpaper"
)

// Kind is the classification of a file seen under the watched root.
type Kind string

const (
	KindDefinition Kind = "definition"
	KindVideo      Kind = "video"
	KindHTML       Kind = "html"
	KindPicture    Kind = "picture"
	KindIgnored    Kind = "ignored"
	KindOther      Kind = "other"
)

var artifactExts = map[string]struct{}{
	".map": {},
	".pdb": {},
	".log": {},
	".tmp": {},
	".swp": {},
	".bak": {},
}

// Classify reports what the file at path is, relative to the registered schemas.
func Classify(path string, schemas *wallpaper.Registry) Kind {
	if ignored(path) {
		return KindIgnored
	}
	if schemas != nil && schemas.Recognises(path) {
		return KindDefinition
	}
	if typ, ok := wallpaper.TypeFromFile(path); ok {
		return Kind(typ)
	}
	return KindOther
}

// ignored filters hidden files and editor or build artifacts.
func ignored(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || strings.HasSuffix(base, "~") {
		return true
	}
	_, artifact := artifactExts[strings.ToLower(filepath.Ext(base))]
	return artifact
}

// hiddenDir reports whether a directory should be skipped entirely.
func hiddenDir(root, dir string) bool {
	if dir == root {
		return false
	}
	return strings.HasPrefix(filepath.Base(dir), ".")
}
