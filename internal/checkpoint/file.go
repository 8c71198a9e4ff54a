package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/lucasnoah/stagehand/internal/pipeline"
	"github.com/lucasnoah/stagehand/internal/stageid"
)

// FileStore keeps one stage_<key>.json file per checkpoint in a directory.
type FileStore struct {
	dir string
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates a FileStore rooted at dir. The directory is created
// on first Save.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

// Dir returns the checkpoint directory.
func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) path(id stageid.ID) string {
	return filepath.Join(s.dir, pipeline.CheckpointFile(id))
}

// Save writes payload via an exclusive link so an existing file is never
// replaced.
func (s *FileStore) Save(ctx context.Context, id stageid.ID, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := pipeline.WriteOnce(s.path(id), payload); err != nil {
		if errors.Is(err, pipeline.ErrExists) {
			return fmt.Errorf("stage %s: %w", id, ErrExists)
		}
		return fmt.Errorf("save checkpoint %s: %w", id, err)
	}
	return nil
}

// Has reports whether the checkpoint file exists.
func (s *FileStore) Has(_ context.Context, id stageid.ID) (bool, error) {
	_, err := os.Stat(s.path(id))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat checkpoint %s: %w", id, err)
}

// Load reads the checkpoint file.
func (s *FileStore) Load(_ context.Context, id stageid.ID) ([]byte, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("stage %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("load checkpoint %s: %w", id, err)
	}
	return data, nil
}

// IDs scans the directory for stage_<n>.json and stage_<n>_<m>.json files.
// Anything else in the directory is ignored.
func (s *FileStore) IDs(_ context.Context) ([]stageid.ID, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir %s: %w", s.dir, err)
	}

	var ids []stageid.ID
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasPrefix(name, "stage_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		key := strings.TrimSuffix(strings.TrimPrefix(name, "stage_"), ".json")
		if id, ok := ParseKey(key); ok {
			ids = append(ids, id)
		}
	}
	SortIDs(ids)
	return ids, nil
}

// Close is a no-op.
func (s *FileStore) Close() error {
	return nil
}
