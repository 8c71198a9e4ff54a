package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/lucasnoah/stagehand/internal/stageid"
)

// Layout resolves paths inside an output directory.
type Layout struct {
	root string
}

// NewLayout creates a Layout rooted at dir.
func NewLayout(dir string) Layout {
	return Layout{root: dir}
}

// Root returns the output directory.
func (l Layout) Root() string {
	return l.root
}

// Ensure creates the output directory and its fixed subdirectories.
func (l Layout) Ensure() error {
	for _, dir := range []string{l.root, l.CheckpointDir(), l.ArtifactsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	return nil
}

// ManifestPath returns <out>/manifest.json.
func (l Layout) ManifestPath() string {
	return filepath.Join(l.root, "manifest.json")
}

// UsagePath returns <out>/usage.json.
func (l Layout) UsagePath() string {
	return filepath.Join(l.root, "usage.json")
}

// JournalPath returns <out>/journal.db.
func (l Layout) JournalPath() string {
	return filepath.Join(l.root, "journal.db")
}

// CheckpointDir returns <out>/checkpoints.
func (l Layout) CheckpointDir() string {
	return filepath.Join(l.root, "checkpoints")
}

// CheckpointPath returns the file for a stage's checkpoint.
func (l Layout) CheckpointPath(id stageid.ID) string {
	return filepath.Join(l.CheckpointDir(), CheckpointFile(id))
}

// CheckpointFile returns the base name "stage_<key>.json".
func CheckpointFile(id stageid.ID) string {
	return "stage_" + id.Key() + ".json"
}

// ArtifactsDir returns <out>/artifacts.
func (l Layout) ArtifactsDir() string {
	return filepath.Join(l.root, "artifacts")
}

// ArtifactPath resolves rel under the artifacts dir, refusing paths that
// would escape it.
func (l Layout) ArtifactPath(rel string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(rel))
	if clean == "." || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("artifact path %q escapes the artifacts directory", rel)
	}
	return filepath.Join(l.ArtifactsDir(), clean), nil
}

// WriteArtifact atomically writes an artifact file.
func (l Layout) WriteArtifact(rel string, data []byte) (string, error) {
	path, err := l.ArtifactPath(rel)
	if err != nil {
		return "", err
	}
	if err := WriteAtomic(path, data); err != nil {
		return "", fmt.Errorf("write artifact %s: %w", rel, err)
	}
	return path, nil
}
