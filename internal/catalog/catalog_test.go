package catalog

import (
	"context"
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "wallhost/internal/errors"
	"wallhost/internal/wallpaper"
	"wallhost/pkg/event"
)

func sample(id, name string, typ wallpaper.Type, tags ...string) wallpaper.Definition {
	return wallpaper.Definition{
		ID:       id,
		Type:     typ,
		Name:     name,
		Author:   "rocksdanister",
		Tags:     tags,
		Preview:  "/lib/" + id + "/preview.png",
		Src:      "bg.mp4",
		BasePath: "/lib/" + id,
		Schema:   "lively",
		File:     "/lib/" + id + "/livelyinfo.json",
		Created:  time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func stores(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "nested", "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func TestStore_Contract(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rain := sample("a1", "Rain", wallpaper.TypeVideo, "Nature", "calm")
			city := sample("b2", "City", wallpaper.TypeHTML, "urban")
			aurora := sample("c3", "Aurora", wallpaper.TypeVideo, "nature")

			for _, def := range []wallpaper.Definition{rain, city, aurora} {
				require.NoError(t, store.Upsert(ctx, def))
			}

			got, err := store.Get(ctx, "a1")
			require.NoError(t, err)
			assert.Equal(t, rain.Name, got.Name)
			assert.Equal(t, rain.Tags, got.Tags)
			assert.True(t, rain.Created.Equal(got.Created))

			rain.Name = "Rainfall"
			require.NoError(t, store.Upsert(ctx, rain))
			got, err = store.Get(ctx, "a1")
			require.NoError(t, err)
			assert.Equal(t, "Rainfall", got.Name)

			all, err := store.List(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"Aurora", "City", "Rainfall"}, names(all))

			videos, err := store.List(ctx, WithType(wallpaper.TypeVideo))
			require.NoError(t, err)
			assert.Equal(t, []string{"Aurora", "Rainfall"}, names(videos))

			tagged, err := store.List(ctx, WithTag("NATURE"), WithLimit(1))
			require.NoError(t, err)
			assert.Equal(t, []string{"Aurora"}, names(tagged))

			queried, err := store.List(ctx, WithQuery("cit"))
			require.NoError(t, err)
			assert.Equal(t, []string{"City"}, names(queried))

			_, err = store.Active(ctx, 99)
			assert.Equal(t, xerrors.CodeNotFound, xerrors.CodeOf(err))
			assert.Equal(t, xerrors.CodeNotFound, xerrors.CodeOf(store.SetActive(ctx, 99, "missing")))
			require.NoError(t, store.SetActive(ctx, 99, "b2"))
			require.NoError(t, store.SetActive(ctx, 99, "c3"))
			active, err := store.Active(ctx, 99)
			require.NoError(t, err)
			assert.Equal(t, "c3", active.ID)

			require.NoError(t, store.Delete(ctx, "b2"))
			require.NoError(t, store.Delete(ctx, "b2"))
			_, err = store.Get(ctx, "b2")
			assert.Equal(t, xerrors.CodeNotFound, xerrors.CodeOf(err))

			assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(store.Upsert(ctx, wallpaper.Definition{})))
		})
	}
}

func TestOpenSQLite_ReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "catalog.db")

	first, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	require.NoError(t, first.Upsert(ctx, sample("a1", "Rain", wallpaper.TypeVideo)))
	require.NoError(t, first.SetActive(ctx, 1, "a1"))
	require.NoError(t, first.Close())

	second, err := OpenSQLite(ctx, path)
	require.NoError(t, err, "migrations must be idempotent")
	defer second.Close()
	active, err := second.Active(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "Rain", active.Name)
}

func TestOpen_Drivers(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, Config{Driver: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	_, err = Open(ctx, Config{Driver: "postgres"})
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))

	_, err = Open(ctx, Config{Driver: "mysql"})
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))

	_, err = Open(ctx, Config{Driver: "mysql", DSN: "not a dsn"})
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))

	_, err = Open(ctx, Config{Driver: "sqlite"})
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
}

func TestLoadMigrationFiles(t *testing.T) {
	fsys := fstest.MapFS{
		"0002_second.sql": {Data: []byte("CREATE TABLE b (id INT);\n\nCREATE INDEX ib ON b (id);")},
		"0001_first.sql":  {Data: []byte("CREATE TABLE a (id INT);")},
		"0003_empty.sql":  {Data: []byte("  ;  ")},
		"README.md":       {Data: []byte("ignored")},
	}
	files, err := loadMigrationFiles(fsys)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "0001", files[0].version)
	assert.Equal(t, []string{"CREATE TABLE b (id INT)", "CREATE INDEX ib ON b (id)"}, files[1].statements)

	embedded, err := loadMigrationFiles(embeddedMigrations)
	require.NoError(t, err)
	assert.NotEmpty(t, embedded)
}

func TestIndexer_MirrorsWatcherEvents(t *testing.T) {
	store := NewMemoryStore()
	ix := NewIndexer(store)
	discovered := event.New[wallpaper.Definition]()
	removed := event.New[wallpaper.Definition]()
	var written []string
	ix.OnWritten().Subscribe(func(id string) { written = append(written, id) })

	sub := ix.Attach(discovered, removed)
	discovered.Fire(sample("a1", "Rain", wallpaper.TypeVideo))
	discovered.Fire(wallpaper.Definition{Name: "no id"})
	_, err := store.Get(context.Background(), "a1")
	require.NoError(t, err)

	removed.Fire(sample("a1", "Rain", wallpaper.TypeVideo))
	_, err = store.Get(context.Background(), "a1")
	assert.Equal(t, xerrors.CodeNotFound, xerrors.CodeOf(err))
	assert.Equal(t, []string{"a1", "a1"}, written)

	sub.Dispose()
	discovered.Fire(sample("b2", "City", wallpaper.TypeHTML))
	_, err = store.Get(context.Background(), "b2")
	assert.Error(t, err, "a detached indexer must not write")
	assert.True(t, ix.OnWritten().Disposed())
}

func names(defs []wallpaper.Definition) []string {
	out := make([]string, 0, len(defs))
	for _, d := range defs {
		out = append(out, d.Name)
	}
	return out
}

func TestIndexer_ReconcileDropsStaleRows(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			kept := sample("k1", "Kept", wallpaper.TypeVideo)
			gone := sample("g1", "Gone", wallpaper.TypeVideo)
			require.NoError(t, store.Upsert(ctx, kept))
			require.NoError(t, store.Upsert(ctx, gone))

			ix := NewIndexer(store)
			var written []string
			ix.OnWritten().Subscribe(func(id string) { written = append(written, id) })

			removed, err := ix.Reconcile(ctx, func() []wallpaper.Definition { return []wallpaper.Definition{kept} })
			require.NoError(t, err)
			assert.Equal(t, 1, removed)
			assert.Equal(t, []string{"g1"}, written)

			_, err = store.Get(ctx, "g1")
			assert.Equal(t, xerrors.CodeNotFound, xerrors.CodeOf(err))
			_, err = store.Get(ctx, "k1")
			assert.NoError(t, err)
		})
	}
}
