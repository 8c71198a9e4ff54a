// Package pgstore keeps checkpoints in PostgreSQL so several output
// directories, told apart by namespace, can share one database.
package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lucasnoah/stagehand/internal/checkpoint"
	"github.com/lucasnoah/stagehand/internal/stageid"
)

// DBPool defines the interface for database connection pool
type DBPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store implements checkpoint.Store using PostgreSQL.
type Store struct {
	pool      DBPool
	tableName string
	namespace string
}

var _ checkpoint.Store = (*Store)(nil)

// Options configures a Postgres store.
type Options struct {
	ConnString string
	TableName  string // Default "stage_checkpoints"
	Namespace  string
}

// New connects to Postgres and ensures the schema exists.
func New(ctx context.Context, opts Options) (*Store, error) {
	pool, err := pgxpool.New(ctx, opts.ConnString)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	s := NewWithPool(pool, opts.TableName, opts.Namespace)
	if err := s.InitSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewWithPool creates a store over an existing pool.
// Useful for testing with mocks
func NewWithPool(pool DBPool, tableName, namespace string) *Store {
	if tableName == "" {
		tableName = "stage_checkpoints"
	}
	return &Store{pool: pool, tableName: tableName, namespace: namespace}
}

// InitSchema creates the necessary table if it doesn't exist
func (s *Store) InitSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			namespace TEXT NOT NULL,
			stage_key TEXT NOT NULL,
			major INTEGER NOT NULL,
			minor INTEGER NOT NULL,
			scale INTEGER NOT NULL,
			payload BYTEA NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (namespace, stage_key)
		)
	`, s.tableName)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Save inserts the payload unless (namespace, key) is already present.
func (s *Store) Save(ctx context.Context, id stageid.ID, payload []byte) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (namespace, stage_key, major, minor, scale, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (namespace, stage_key) DO NOTHING
	`, s.tableName)
	tag, err := s.pool.Exec(ctx, query, s.namespace, id.Key(), id.Major, id.Minor, id.Scale, payload)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("stage %s: %w", id, checkpoint.ErrExists)
	}
	return nil
}

// Has reports whether a row exists for id.
func (s *Store) Has(ctx context.Context, id stageid.ID) (bool, error) {
	query := fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE namespace = $1 AND stage_key = $2)", s.tableName)
	var ok bool
	if err := s.pool.QueryRow(ctx, query, s.namespace, id.Key()).Scan(&ok); err != nil {
		return false, fmt.Errorf("failed to check checkpoint %s: %w", id, err)
	}
	return ok, nil
}

// Load returns the stored payload.
func (s *Store) Load(ctx context.Context, id stageid.ID) ([]byte, error) {
	query := fmt.Sprintf("SELECT payload FROM %s WHERE namespace = $1 AND stage_key = $2", s.tableName)
	var payload []byte
	err := s.pool.QueryRow(ctx, query, s.namespace, id.Key()).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("stage %s: %w", id, checkpoint.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load checkpoint %s: %w", id, err)
	}
	return payload, nil
}

// IDs lists the namespace's keys in stage order.
func (s *Store) IDs(ctx context.Context) ([]stageid.ID, error) {
	query := fmt.Sprintf("SELECT stage_key FROM %s WHERE namespace = $1", s.tableName)
	rows, err := s.pool.Query(ctx, query, s.namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var ids []stageid.ID
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint row: %w", err)
		}
		if id, ok := checkpoint.ParseKey(key); ok {
			ids = append(ids, id)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating checkpoint rows: %w", err)
	}
	checkpoint.SortIDs(ids)
	return ids, nil
}

// Close closes the connection pool
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
