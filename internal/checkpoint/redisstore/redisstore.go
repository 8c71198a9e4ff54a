// Package redisstore keeps checkpoints in Redis.
package redisstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/lucasnoah/stagehand/internal/checkpoint"
	"github.com/lucasnoah/stagehand/internal/stageid"
)

// Store implements checkpoint.Store using Redis. Each payload lives under
// its own key and an index set lists the keys of one namespace.
type Store struct {
	client    *redis.Client
	prefix    string
	namespace string
}

var _ checkpoint.Store = (*Store)(nil)

// Options configuration for Redis connection
type Options struct {
	Addr      string
	Password  string
	DB        int
	Prefix    string // Key prefix, default "stagehand:"
	Namespace string
}

// New creates a store with its own client.
func New(opts Options) *Store {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return NewWithClient(client, opts.Prefix, opts.Namespace)
}

// NewWithClient creates a store over an existing client.
func NewWithClient(client *redis.Client, prefix, namespace string) *Store {
	if prefix == "" {
		prefix = "stagehand:"
	}
	return &Store{client: client, prefix: prefix, namespace: namespace}
}

func (s *Store) checkpointKey(id stageid.ID) string {
	return fmt.Sprintf("%s%s:checkpoint:%s", s.prefix, s.namespace, id.Key())
}

func (s *Store) indexKey() string {
	return fmt.Sprintf("%s%s:checkpoints", s.prefix, s.namespace)
}

// Save sets the payload with SETNX and records it in the index in one
// transaction.
func (s *Store) Save(ctx context.Context, id stageid.ID, payload []byte) error {
	var set *redis.BoolCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		set = pipe.SetNX(ctx, s.checkpointKey(id), payload, 0)
		pipe.SAdd(ctx, s.indexKey(), id.Key())
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save checkpoint %s to redis: %w", id, err)
	}
	if !set.Val() {
		return fmt.Errorf("stage %s: %w", id, checkpoint.ErrExists)
	}
	return nil
}

// Has reports whether the payload key exists.
func (s *Store) Has(ctx context.Context, id stageid.ID) (bool, error) {
	n, err := s.client.Exists(ctx, s.checkpointKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check checkpoint %s: %w", id, err)
	}
	return n > 0, nil
}

// Load returns the payload.
func (s *Store) Load(ctx context.Context, id stageid.ID) ([]byte, error) {
	data, err := s.client.Get(ctx, s.checkpointKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("stage %s: %w", id, checkpoint.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load checkpoint %s from redis: %w", id, err)
	}
	return data, nil
}

// IDs returns the namespace's index in stage order.
func (s *Store) IDs(ctx context.Context) ([]stageid.ID, error) {
	keys, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	ids := make([]stageid.ID, 0, len(keys))
	for _, k := range keys {
		if id, ok := checkpoint.ParseKey(k); ok {
			ids = append(ids, id)
		}
	}
	checkpoint.SortIDs(ids)
	return ids, nil
}

// Close closes the client.
func (s *Store) Close() error {
	return s.client.Close()
}
