package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using a local SQLite database.
type SQLiteStore struct {
	db *sqlx.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) a SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// Processing flows write concurrently; a single connection serialises
	// them and keeps ":memory:" databases shared across calls.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	// Check if schema_version table exists.
	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// IsProcessed reports whether itemID has been recorded.
func (s *SQLiteStore) IsProcessed(ctx context.Context, itemID string) (bool, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		"SELECT COUNT(*) FROM processed_items WHERE item_id = ?", itemID,
	)
	if err != nil {
		return false, fmt.Errorf("checking item %s: %w", itemID, err)
	}
	return count > 0, nil
}

// MarkProcessed records itemID. Recording the same ID twice keeps the
// first timestamp.
func (s *SQLiteStore) MarkProcessed(ctx context.Context, itemID, subject string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO processed_items (item_id, subject, processed_at)
		VALUES (?, ?, ?)
		ON CONFLICT(item_id) DO NOTHING`,
		itemID, subject, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("recording item %s: %w", itemID, err)
	}
	return nil
}

// GetProcessed returns the most recently processed items, newest first.
func (s *SQLiteStore) GetProcessed(ctx context.Context, limit int) ([]ProcessedItem, error) {
	query := "SELECT item_id, subject, processed_at FROM processed_items ORDER BY processed_at DESC, item_id"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	var items []ProcessedItem
	if err := s.db.SelectContext(ctx, &items, query); err != nil {
		return nil, fmt.Errorf("querying processed items: %w", err)
	}
	return items, nil
}

// PruneBefore deletes ledger rows older than cutoff and returns how many
// were removed.
func (s *SQLiteStore) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM processed_items WHERE processed_at < ?", cutoff.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("pruning processed items: %w", err)
	}
	return res.RowsAffected()
}
