package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the persisted workspace database: entity documents, the
// append-only change log, sync metadata, and (for the reference backend)
// the per-workspace remote event ledger.
type SQLiteStore struct {
	db       *sql.DB
	dbPath   string
	validate *validator.Validate
}

// NewSQLiteStore creates a new SQLiteStore instance.
// It initializes the database with WAL mode, applies pragmas, and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure parent directory exists
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable pragmas for performance and safety
	if err := enablePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}

	// Run goose migrations
	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteStore{
		db:       db,
		dbPath:   dbPath,
		validate: validator.New(),
	}, nil
}

// enablePragmas sets SQLite pragmas for optimal performance and safety.
func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// snapshotPath is where GenerateSnapshot writes the backup database.
func (s *SQLiteStore) snapshotPath() string {
	return s.dbPath + ".snapshot"
}

// GenerateSnapshot writes a consistent copy of the database next to the
// live file using VACUUM INTO. The snapshot is an optimization for
// reinstall restore; change-log replay remains the canonical recovery path.
func (s *SQLiteStore) GenerateSnapshot(ctx context.Context) error {
	tmp := s.snapshotPath() + ".tmp"
	if err := os.Remove(tmp); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale snapshot temp file: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, tmp); err != nil {
		return fmt.Errorf("vacuum into snapshot: %w", err)
	}

	if err := os.Rename(tmp, s.snapshotPath()); err != nil {
		return fmt.Errorf("publish snapshot: %w", err)
	}
	return nil
}

// GetSnapshotPath returns the path to the current snapshot file.
// Returns ErrNotFound when no snapshot has been generated yet.
func (s *SQLiteStore) GetSnapshotPath(ctx context.Context) (string, error) {
	path := s.snapshotPath()
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("snapshot: %w", ErrNotFound)
		}
		return "", fmt.Errorf("stat snapshot: %w", err)
	}
	return path, nil
}

// Reset wipes all entities, the change log, and sync checkpoints. This is
// the only sanctioned change-log pruning path. Identity and device id
// survive a reset.
func (s *SQLiteStore) Reset(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmts := []string{
		`DELETE FROM entities`,
		`DELETE FROM line_item_refs`,
		`DELETE FROM change_log`,
		`DELETE FROM sync_meta WHERE key LIKE 'checkpoint:%'`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("reset: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
