// Package tabletstore implements the tablet-metadata object store: an
// immutable, content-addressed-by-(tablet_id, version) record of every
// persisted TabletMetadata snapshot, backed by SQLite for the index and the
// filesystem for the snapshot bytes themselves.
package tabletstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/kk-code-lab/tabletapply/internal/clock"
	"github.com/kk-code-lab/tabletapply/internal/storage/fs"
	"github.com/kk-code-lab/tabletapply/internal/tabletmeta"
)

// ErrVersionConflict is returned by CheckVersion when another writer has
// already moved the tablet's persisted version past the expected base.
var ErrVersionConflict = errors.New("tabletstore: version conflict")

// Store wraps the SQLite metadata index plus the on-disk snapshot layout.
type Store struct {
	db     *sql.DB
	layout fs.Layout
	codec  tabletmeta.Codec
	clock  clock.Clock
}

// Options configures a Store.
type Options struct {
	Layout fs.Layout
	Codec  tabletmeta.Codec
	Clock  clock.Clock
}

// Open opens or creates the metadata database at the given path.
func Open(dbPath string, opts Options) (*Store, error) {
	if dbPath == "" {
		return nil, errors.New("tabletstore: db path required")
	}
	if opts.Layout.Root == "" {
		return nil, errors.New("tabletstore: layout root required")
	}
	if opts.Codec == nil {
		opts.Codec = &tabletmeta.BinaryCodec{}
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	store := &Store{db: db, layout: opts.Layout, codec: opts.Codec, clock: opts.Clock}
	if err := store.applyPragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) applyPragmas(ctx context.Context) error {
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
)`); err != nil {
		return err
	}
	var version int
	if err = tx.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version); err != nil {
		return err
	}
	if version < 1 {
		ddl := []string{
			`CREATE TABLE IF NOT EXISTS tablets (
				tablet_id INTEGER PRIMARY KEY,
				current_version INTEGER NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS tablet_versions (
				tablet_id INTEGER NOT NULL,
				version INTEGER NOT NULL,
				path TEXT NOT NULL,
				max_txn_id INTEGER NOT NULL,
				created_at TEXT NOT NULL,
				PRIMARY KEY(tablet_id, version)
			)`,
		}
		for _, stmt := range ddl {
			if _, err = tx.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		if _, err = tx.ExecContext(ctx, "INSERT INTO schema_migrations(version, applied_at) VALUES(1, ?)", time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// CheckVersion fails with ErrVersionConflict if the tablet's persisted
// current version does not equal baseVersion. A tablet with no recorded
// version is treated as being at version 0.
func (s *Store) CheckVersion(ctx context.Context, tabletID, baseVersion int64) error {
	current, found, err := s.currentVersion(ctx, tabletID)
	if err != nil {
		return err
	}
	if !found {
		current = 0
	}
	if current != baseVersion {
		return fmt.Errorf("%w: tablet=%d expected base=%d actual=%d", ErrVersionConflict, tabletID, baseVersion, current)
	}
	return nil
}

func (s *Store) currentVersion(ctx context.Context, tabletID int64) (int64, bool, error) {
	var current int64
	err := s.db.QueryRowContext(ctx, "SELECT current_version FROM tablets WHERE tablet_id=?", tabletID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return current, true, nil
}

// PutMetadata persists a new immutable metadata version: it writes the
// encoded snapshot to disk, then records the index row, then advances the
// tablet's current_version, all within one SQLite transaction for the index
// bookkeeping (the snapshot file write happens first so a crash mid-write
// never makes a partially written file look committed).
func (s *Store) PutMetadata(ctx context.Context, m *tabletmeta.TabletMetadata, maxTxnID int64) error {
	if m == nil {
		return errors.New("tabletstore: nil metadata")
	}
	path := s.layout.MetaPath(m.ID, m.Version)
	if err := writeSnapshotAtomic(path, s.codec, m); err != nil {
		return err
	}
	now := s.clock.Now().Format(time.RFC3339Nano)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err = tx.ExecContext(ctx, `
INSERT INTO tablet_versions(tablet_id, version, path, max_txn_id, created_at)
VALUES(?, ?, ?, ?, ?)
ON CONFLICT(tablet_id, version) DO UPDATE SET
	path=excluded.path, max_txn_id=excluded.max_txn_id, created_at=excluded.created_at`,
		m.ID, m.Version, path, maxTxnID, now); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `
INSERT INTO tablets(tablet_id, current_version) VALUES(?, ?)
ON CONFLICT(tablet_id) DO UPDATE SET current_version=CASE
	WHEN excluded.current_version > tablets.current_version THEN excluded.current_version
	ELSE tablets.current_version
END`, m.ID, m.Version); err != nil {
		return err
	}
	return tx.Commit()
}

// GetMetadata loads a previously persisted metadata version.
func (s *Store) GetMetadata(ctx context.Context, tabletID, version int64) (*tabletmeta.TabletMetadata, error) {
	var path string
	err := s.db.QueryRowContext(ctx, "SELECT path FROM tablet_versions WHERE tablet_id=? AND version=?", tabletID, version).Scan(&path)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("tabletstore: no metadata for tablet=%d version=%d", tabletID, version)
	}
	if err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = file.Close() }()
	return s.codec.Decode(file)
}

func writeSnapshotAtomic(path string, codec tabletmeta.Codec, m *tabletmeta.TabletMetadata) error {
	if err := os.MkdirAll(dirOf(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp." + uuid.NewString()
	file, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := codec.Encode(file, m); err != nil {
		_ = file.Close()
		return err
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func dirOf(path string) string {
	idx := len(path)
	for idx > 0 && path[idx-1] != '/' {
		idx--
	}
	if idx == 0 {
		return "."
	}
	return path[:idx-1]
}
