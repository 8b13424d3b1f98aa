// Package sqlite snapshots the in-memory row store into a single SQLite
// table so state survives restarts.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // pure go sqlite driver

	"graphmerge/internal/infra/persistence/memory"
	"graphmerge/pkg/domain"
	"graphmerge/pkg/schema"
)

// DefaultPath is used when no database path is configured.
const DefaultPath = "graphmerge.db"

var _ domain.PersistentStore = (*Store)(nil)

// Store persists the in-memory state to a single SQLite table as JSON blobs.
// Every transaction writes its full state before the in-memory commit, so a
// failed write leaves both sides unchanged.
type Store struct {
	*memory.Store
	db     *sql.DB
	mu     sync.Mutex
	path   string
	logger *zap.Logger
}

// NewStore opens (or creates) the database at path and loads the last
// snapshot into a fresh in-memory store for reg.
func NewStore(path string, reg *schema.Registry, engine *domain.RulesEngine, logger *zap.Logger) (*Store, error) {
	if path == "" {
		path = DefaultPath
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS state (
		bucket TEXT PRIMARY KEY,
		payload BLOB NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create state table: %w", err)
	}
	s := &Store{
		Store:  memory.NewStore(reg, engine),
		db:     db,
		path:   path,
		logger: logger.With(zap.String("store", "sqlite"), zap.String("path", path)),
	}
	if err := s.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.SetCommitHook(s.persist)
	return s, nil
}

func (s *Store) load() error {
	rows, err := s.db.Query(`SELECT bucket, payload FROM state`)
	if err != nil {
		return fmt.Errorf("select state: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var buckets []memory.Bucket
	for rows.Next() {
		var b memory.Bucket
		if err := rows.Scan(&b.Name, &b.Payload); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		buckets = append(buckets, b)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate state: %w", err)
	}
	if len(buckets) == 0 {
		s.logger.Debug("no snapshot found")
		return nil
	}
	snapshot, err := memory.DecodeBuckets(buckets)
	if err != nil {
		return err
	}
	s.ImportState(snapshot)
	s.logger.Info("snapshot loaded", zap.Int("buckets", len(buckets)))
	return nil
}

func (s *Store) persist(ctx context.Context, snapshot memory.Snapshot) (retErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer func() {
		if retErr != nil {
			s.logger.Error("persist snapshot", zap.Error(retErr))
		}
	}()
	buckets, err := snapshot.Buckets()
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	for _, b := range buckets {
		if _, err := tx.ExecContext(ctx, `INSERT INTO state(bucket,payload) VALUES(?,?) ON CONFLICT(bucket) DO UPDATE SET payload=excluded.payload`, b.Name, b.Payload); err != nil {
			return fmt.Errorf("upsert %s: %w", b.Name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.logger.Debug("snapshot persisted", zap.Int("buckets", len(buckets)))
	return nil
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }
