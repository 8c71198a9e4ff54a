// Package checkpoint persists each stage's typed output once, and works out
// from what has been persisted where an interrupted run should pick up.
package checkpoint

import (
	"context"
	"errors"
	"regexp"
	"sort"

	"github.com/lucasnoah/stagehand/internal/stageid"
)

// Sentinel errors shared by every Store implementation.
var (
	// ErrNotFound indicates a checkpoint doesn't exist.
	ErrNotFound = errors.New("checkpoint not found")

	// ErrExists indicates a checkpoint was already written for the stage.
	ErrExists = errors.New("checkpoint already exists")
)

// Store holds opaque checkpoint payloads keyed by stage identifier.
// Checkpoints are write-once: Save never replaces an existing payload.
type Store interface {
	// Save stores payload for id. Returns ErrExists if id already has one.
	Save(ctx context.Context, id stageid.ID, payload []byte) error

	// Has reports whether id has a checkpoint.
	Has(ctx context.Context, id stageid.ID) (bool, error)

	// Load returns the payload for id, or ErrNotFound.
	Load(ctx context.Context, id stageid.ID) ([]byte, error)

	// IDs returns every checkpointed identifier in ascending order.
	IDs(ctx context.Context) ([]stageid.ID, error)

	// Close releases any resources (connections, files).
	Close() error
}

var keyPattern = regexp.MustCompile(`^\d+(_\d+)?$`)

// ParseKey parses a storage key produced by stageid.ID.Key. Keys that do
// not follow the integer or decimal naming pattern report false.
func ParseKey(key string) (stageid.ID, bool) {
	if !keyPattern.MatchString(key) {
		return stageid.ID{}, false
	}
	id, err := stageid.Parse(key)
	if err != nil {
		return stageid.ID{}, false
	}
	return id, true
}

// SortIDs orders ids ascending in place.
func SortIDs(ids []stageid.ID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
}
