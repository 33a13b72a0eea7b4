package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"

	xerrors "wallhost/internal/errors"
	"wallhost/internal/wallpaper"
)

type dialect struct {
	name         string
	upsertDef    string
	upsertActive string
}

var (
	sqliteDialect = dialect{
		name: "sqlite",
		upsertDef: `INSERT INTO wallpapers (id, type, name, schema_name, file_path, definition, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET type = excluded.type, name = excluded.name, schema_name = excluded.schema_name,
file_path = excluded.file_path, definition = excluded.definition, updated_at = excluded.updated_at`,
		upsertActive: `INSERT INTO active_wallpapers (hwnd, wallpaper_id, updated_at) VALUES (?, ?, ?)
ON CONFLICT(hwnd) DO UPDATE SET wallpaper_id = excluded.wallpaper_id, updated_at = excluded.updated_at`,
	}
	mysqlDialect = dialect{
		name: "mysql",
		upsertDef: `INSERT INTO wallpapers (id, type, name, schema_name, file_path, definition, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE type = VALUES(type), name = VALUES(name), schema_name = VALUES(schema_name),
file_path = VALUES(file_path), definition = VALUES(definition), updated_at = VALUES(updated_at)`,
		upsertActive: `INSERT INTO active_wallpapers (hwnd, wallpaper_id, updated_at) VALUES (?, ?, ?)
ON DUPLICATE KEY UPDATE wallpaper_id = VALUES(wallpaper_id), updated_at = VALUES(updated_at)`,
	}
)

// SQLStore persists the catalog in sqlite or mysql.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

// OpenSQLite opens (creating if needed) the sqlite database at path and
// applies pending migrations.
func OpenSQLite(ctx context.Context, path string) (*SQLStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "sqlite path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "create catalog directory")
	}
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "open sqlite catalog")
	}
	// One writer at a time keeps sqlite from returning SQLITE_BUSY under load.
	db.SetMaxOpenConns(1)
	return newSQLStore(ctx, db, sqliteDialect)
}

// OpenMySQL connects to mysql using dsn and applies pending migrations.
func OpenMySQL(ctx context.Context, dsn string) (*SQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "mysql DSN cannot be empty")
	}
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "parse mysql DSN")
	}
	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "configure mysql connector")
	}
	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return newSQLStore(ctx, db, mysqlDialect)
}

func newSQLStore(ctx context.Context, db *sql.DB, d dialect) (*SQLStore, error) {
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "connect "+d.name+" catalog")
	}
	s := &SQLStore{db: db, dialect: d}
	if err := s.runMigrations(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Upsert implements Store.
func (s *SQLStore) Upsert(ctx context.Context, def wallpaper.Definition) error {
	if err := validateID(def.ID); err != nil {
		return err
	}
	encoded, err := json.Marshal(def)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode wallpaper definition")
	}
	_, err = s.db.ExecContext(ctx, s.dialect.upsertDef,
		def.ID, string(def.Type), def.Name, def.Schema, def.File, string(encoded), time.Now().Unix())
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "save wallpaper "+def.ID)
	}
	return nil
}

// Delete implements Store. Deleting an unknown id is not an error.
func (s *SQLStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM wallpapers WHERE id = ?`, id); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "delete wallpaper "+id)
	}
	return nil
}

// Get implements Store.
func (s *SQLStore) Get(ctx context.Context, id string) (wallpaper.Definition, error) {
	var encoded string
	err := s.db.QueryRowContext(ctx, `SELECT definition FROM wallpapers WHERE id = ?`, id).Scan(&encoded)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return wallpaper.Definition{}, notFound(id)
	}
	if err != nil {
		return wallpaper.Definition{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "load wallpaper "+id)
	}
	return decodeDefinition(encoded)
}

// List implements Store. The type filter runs in the database.
func (s *SQLStore) List(ctx context.Context, opts ...ListOption) ([]wallpaper.Definition, error) {
	o := buildOptions(opts)
	query := `SELECT definition FROM wallpapers`
	var args []any
	if o.Type != "" {
		query += ` WHERE type = ?`
		args = append(args, string(o.Type))
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "list wallpapers")
	}
	defer rows.Close()

	var out []wallpaper.Definition
	for rows.Next() {
		var encoded string
		if err := rows.Scan(&encoded); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "scan wallpaper row")
		}
		def, err := decodeDefinition(encoded)
		if err != nil {
			return nil, err
		}
		if o.match(def) {
			out = append(out, def)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "iterate wallpapers")
	}
	return o.finish(out), nil
}

// SetActive implements Store.
func (s *SQLStore) SetActive(ctx context.Context, hwnd int64, id string) error {
	if err := validateID(id); err != nil {
		return err
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, s.dialect.upsertActive, hwnd, id, time.Now().Unix()); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "save active wallpaper")
	}
	return nil
}

// Active implements Store.
func (s *SQLStore) Active(ctx context.Context, hwnd int64) (wallpaper.Definition, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT wallpaper_id FROM active_wallpapers WHERE hwnd = ?`, hwnd).Scan(&id)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return wallpaper.Definition{}, noActive(hwnd)
	}
	if err != nil {
		return wallpaper.Definition{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "load active wallpaper")
	}
	return s.Get(ctx, id)
}

// Close implements Store.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func decodeDefinition(encoded string) (wallpaper.Definition, error) {
	var def wallpaper.Definition
	if err := json.Unmarshal([]byte(encoded), &def); err != nil {
		return wallpaper.Definition{}, xerrors.Wrap(xerrors.CodeStorageFailure, fmt.Errorf("decode stored definition: %w", err), "corrupt catalog row")
	}
	return def, nil
}
