// Package sqlitestore keeps checkpoints in a SQLite table.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/lucasnoah/stagehand/internal/checkpoint"
	"github.com/lucasnoah/stagehand/internal/stageid"
)

// Store implements checkpoint.Store using SQLite.
type Store struct {
	db        *sql.DB
	tableName string
	ownsDB    bool
}

var _ checkpoint.Store = (*Store)(nil)

// Options configures a SQLite store.
type Options struct {
	Path      string
	TableName string // Default "checkpoints"
}

// New opens (or creates) the database at opts.Path and ensures the schema.
func New(ctx context.Context, opts Options) (*Store, error) {
	db, err := sql.Open("sqlite3", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db, tableName: tableOrDefault(opts.TableName), ownsDB: true}
	if err := s.InitSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an existing connection. Close leaves db open.
func NewWithDB(ctx context.Context, db *sql.DB, tableName string) (*Store, error) {
	s := &Store{db: db, tableName: tableOrDefault(tableName)}
	if err := s.InitSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func tableOrDefault(name string) string {
	if name == "" {
		return "checkpoints"
	}
	return name
}

// InitSchema creates the checkpoint table if it doesn't exist.
func (s *Store) InitSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			stage_key TEXT PRIMARY KEY,
			major INTEGER NOT NULL,
			minor INTEGER NOT NULL,
			scale INTEGER NOT NULL,
			payload BLOB NOT NULL,
			created_at DATETIME NOT NULL
		)
	`, s.tableName)
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create checkpoint schema: %w", err)
	}
	return nil
}

// Save inserts the payload unless the key is already present.
func (s *Store) Save(ctx context.Context, id stageid.ID, payload []byte) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (stage_key, major, minor, scale, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(stage_key) DO NOTHING
	`, s.tableName)
	res, err := s.db.ExecContext(ctx, query,
		id.Key(), id.Major, id.Minor, id.Scale, payload, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("stage %s: %w", id, checkpoint.ErrExists)
	}
	return nil
}

// Has reports whether a row exists for id.
func (s *Store) Has(ctx context.Context, id stageid.ID) (bool, error) {
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE stage_key = ?", s.tableName)
	var n int
	if err := s.db.QueryRowContext(ctx, query, id.Key()).Scan(&n); err != nil {
		return false, fmt.Errorf("check checkpoint %s: %w", id, err)
	}
	return n > 0, nil
}

// Load returns the stored payload.
func (s *Store) Load(ctx context.Context, id stageid.ID) ([]byte, error) {
	query := fmt.Sprintf("SELECT payload FROM %s WHERE stage_key = ?", s.tableName)
	var payload []byte
	err := s.db.QueryRowContext(ctx, query, id.Key()).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("stage %s: %w", id, checkpoint.ErrNotFound)
		}
		return nil, fmt.Errorf("load checkpoint %s: %w", id, err)
	}
	return payload, nil
}

// IDs lists every stored key in stage order.
func (s *Store) IDs(ctx context.Context) ([]stageid.ID, error) {
	query := fmt.Sprintf("SELECT stage_key FROM %s", s.tableName)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var ids []stageid.ID
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan checkpoint row: %w", err)
		}
		if id, ok := checkpoint.ParseKey(key); ok {
			ids = append(ids, id)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoint rows: %w", err)
	}
	checkpoint.SortIDs(ids)
	return ids, nil
}

// Close closes the database if the store opened it.
func (s *Store) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}
