package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "wallhost/internal/errors"
	"wallhost/internal/wallpaper"
)

type recorder struct {
	mu         sync.Mutex
	ready      int
	discovered []wallpaper.Definition
	removed    []wallpaper.Definition
	errs       []error
}

func (r *recorder) attach(w *Watcher) {
	w.OnReady().Subscribe(func(struct{}) {
		r.mu.Lock()
		r.ready++
		r.mu.Unlock()
	})
	w.OnDiscover().Subscribe(func(d wallpaper.Definition) {
		r.mu.Lock()
		r.discovered = append(r.discovered, d)
		r.mu.Unlock()
	})
	w.OnRemove().Subscribe(func(d wallpaper.Definition) {
		r.mu.Lock()
		r.removed = append(r.removed, d)
		r.mu.Unlock()
	})
	w.OnError().Subscribe(func(err error) {
		r.mu.Lock()
		r.errs = append(r.errs, err)
		r.mu.Unlock()
	})
}

func (r *recorder) snapshot() (int, []wallpaper.Definition, []wallpaper.Definition, []error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ready, append([]wallpaper.Definition(nil), r.discovered...),
		append([]wallpaper.Definition(nil), r.removed...), append([]error(nil), r.errs...)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func livelySchemas(t *testing.T) *wallpaper.Registry {
	t.Helper()
	reg := wallpaper.NewRegistry()
	require.NoError(t, reg.Register(wallpaper.LivelySchema()))
	return reg
}

func startWatcher(t *testing.T, root string, reg *wallpaper.Registry) (*Watcher, *recorder) {
	t.Helper()
	w := New(root, reg)
	rec := &recorder{}
	rec.attach(w)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(w.Destroy)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, w.WhenReady(ctx))
	return w, rec
}

func TestWatcher_InitialScanDiscoversLivelyDefinition(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "foo", "livelyinfo.json"), `{"FileName":"bg.mp4","Preview":"prev.png","Title":"Foo"}`)
	writeFile(t, filepath.Join(root, "foo", "bg.mp4"), "")
	writeFile(t, filepath.Join(root, "foo", ".livelyinfo.json"), `{"FileName":"x.mp4","Preview":"p.png"}`)
	writeFile(t, filepath.Join(root, ".cache", "livelyinfo.json"), `{"FileName":"y.mp4","Preview":"p.png"}`)
	writeFile(t, filepath.Join(root, "bar", "livelyinfo.json"), `{"FileName":"bg.mp4","Title":"No preview"}`)

	w, rec := startWatcher(t, root, livelySchemas(t))

	ready, discovered, _, errs := rec.snapshot()
	assert.Equal(t, 1, ready)
	assert.Empty(t, errs)
	require.Len(t, discovered, 1)

	def := discovered[0]
	assert.Equal(t, wallpaper.TypeVideo, def.Type)
	assert.Equal(t, filepath.Join(root, "foo", "prev.png"), def.Preview)
	assert.Equal(t, "Foo", def.Name)
	assert.Equal(t, "bg.mp4", def.Src)
	assert.False(t, def.Created.IsZero())

	assert.Equal(t, StateReady, w.State())
	assert.Len(t, w.Definitions(), 1)
}

func TestWatcher_WhenReadyAfterReadyResolvesImmediately(t *testing.T) {
	w, rec := startWatcher(t, t.TempDir(), livelySchemas(t))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, w.WhenReady(ctx))
	assert.True(t, w.Ready())

	ready, _, _, _ := rec.snapshot()
	assert.Equal(t, 1, ready, "ready must fire exactly once")
}

func TestWatcher_FollowsAdditionsAndRemovals(t *testing.T) {
	root := t.TempDir()
	w, rec := startWatcher(t, root, livelySchemas(t))

	dir := filepath.Join(root, "later")
	writeFile(t, filepath.Join(dir, "livelyinfo.json"), `{"FileName":"index.html","Preview":"p.png","Title":"Later"}`)

	require.Eventually(t, func() bool { return len(w.Definitions()) == 1 }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, wallpaper.TypeHTML, w.Definitions()[0].Type)

	require.NoError(t, os.RemoveAll(dir))
	require.Eventually(t, func() bool {
		_, _, removed, _ := rec.snapshot()
		return len(removed) >= 1 && len(w.Definitions()) == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestWatcher_LiveAddFiresOneDiscovery(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "foo"), 0o755))
	w, rec := startWatcher(t, root, livelySchemas(t))
	file := filepath.Join(root, "foo", "livelyinfo.json")

	writeFile(t, file, `{"FileName":"bg.mp4","Preview":"prev.png","Title":"Foo"}`)
	require.Eventually(t, func() bool { return len(w.Definitions()) == 1 }, 5*time.Second, 20*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	_, discovered, removed, _ := rec.snapshot()
	assert.Len(t, discovered, 1)
	assert.Empty(t, removed)

	writeFile(t, file, `{"FileName":"bg.mp4","Preview":"prev.png","Title":"Foo"}`)
	time.Sleep(200 * time.Millisecond)
	_, discovered, _, _ = rec.snapshot()
	assert.Len(t, discovered, 1, "rewriting identical content is not a new discovery")

	writeFile(t, file, `{"FileName":"bg.mp4","Preview":"prev.png","Title":"Renamed"}`)
	require.Eventually(t, func() bool {
		_, discovered, _, _ := rec.snapshot()
		return len(discovered) == 2
	}, 5*time.Second, 20*time.Millisecond)
	_, discovered, _, _ = rec.snapshot()
	assert.Equal(t, "Renamed", discovered[1].Name)
	assert.Equal(t, discovered[0].Created, discovered[1].Created)
}

func TestWatcher_TwinDefinitionsInOneFolder(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "twin")
	writeFile(t, filepath.Join(dir, wallpaper.LivelyExt), `{"FileName":"a.mp4","Preview":"p.png","Title":"Lively"}`)
	writeFile(t, filepath.Join(dir, wallpaper.ProjectExt), "src: b.mp4\npreview: p.png\nname: Project\n")
	reg := livelySchemas(t)
	require.NoError(t, reg.Register(wallpaper.ProjectSchema()))

	w, rec := startWatcher(t, root, reg)
	defs := w.Definitions()
	require.Len(t, defs, 2)
	assert.NotEqual(t, defs[0].ID, defs[1].ID)

	require.NoError(t, os.Remove(filepath.Join(dir, wallpaper.LivelyExt)))
	require.Eventually(t, func() bool { return len(w.Definitions()) == 1 }, 5*time.Second, 20*time.Millisecond)
	_, _, removed, _ := rec.snapshot()
	require.Len(t, removed, 1)
	assert.Equal(t, "Lively", removed[0].Name)
	assert.Equal(t, "Project", w.Definitions()[0].Name)
}

func TestWatcher_MissingRootReportsErrorAndStaysUp(t *testing.T) {
	root := filepath.Join(t.TempDir(), "does-not-exist")
	w, rec := startWatcher(t, root, livelySchemas(t))

	ready, _, _, errs := rec.snapshot()
	assert.Equal(t, 1, ready)
	require.NotEmpty(t, errs)
	assert.Equal(t, xerrors.CodeWatch, xerrors.CodeOf(errs[0]))
	assert.Equal(t, StateReady, w.State())
}

func TestWatcher_DestroyIsIdempotent(t *testing.T) {
	w, rec := startWatcher(t, t.TempDir(), livelySchemas(t))

	w.Destroy()
	w.Destroy()
	assert.Equal(t, StateDisposed, w.State())
	assert.True(t, w.OnDiscover().Disposed())

	w.OnDiscover().Fire(wallpaper.Definition{})
	_, discovered, _, _ := rec.snapshot()
	assert.Empty(t, discovered)
	assert.Error(t, w.Start(context.Background()))
}

func TestWatcher_StartTwiceFails(t *testing.T) {
	w, _ := startWatcher(t, t.TempDir(), livelySchemas(t))
	err := w.Start(context.Background())
	assert.Equal(t, xerrors.CodeConflict, xerrors.CodeOf(err))
}

func TestClassify(t *testing.T) {
	reg := livelySchemas(t)
	cases := map[string]Kind{
		"/w/a/livelyinfo.json": KindDefinition,
		"/w/a/bg.webm":         KindVideo,
		"/w/a/index.html":      KindHTML,
		"/w/a/p.png":           KindPicture,
		"/w/a/app.js.map":      KindIgnored,
		"/w/a/.DS_Store":       KindIgnored,
		"/w/a/notes.txt~":      KindIgnored,
		"/w/a/readme.md":       KindOther,
	}
	for path, want := range cases {
		assert.Equal(t, want, Classify(path, reg), path)
	}
}
