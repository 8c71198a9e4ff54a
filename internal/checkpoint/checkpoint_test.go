package checkpoint

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasnoah/stagehand/internal/pipeline"
	"github.com/lucasnoah/stagehand/internal/stageid"
)

func ints(ns ...int) []stageid.ID {
	out := make([]stageid.ID, len(ns))
	for i, n := range ns {
		out[i] = stageid.Int(n)
	}
	return out
}

func seed(t *testing.T, s Store, keys ...string) {
	t.Helper()
	for _, k := range keys {
		require.NoError(t, s.Save(context.Background(), stageid.MustParse(k), []byte(`{}`)))
	}
}

func TestFileStoreIgnoresForeignFiles(t *testing.T) {
	dir := t.TempDir()
	s := NewFileStore(dir)
	seed(t, s, "1", "2.5")
	for _, name := range []string{"notes.txt", "stage_x.json", "stage_1.json.bak", "stage_-1.json", ".tmp-123"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "stage_7.json"), 0o755))

	ids, err := s.IDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []stageid.ID{stageid.Int(1), stageid.MustParse("2.5")}, ids)
}

func TestFileStoreMissingDir(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "nope"))
	ids, err := s.IDs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestFileStoreFileNames(t *testing.T) {
	dir := t.TempDir()
	s := NewFileStore(dir)
	seed(t, s, "4", "8.05")
	assert.FileExists(t, filepath.Join(dir, "stage_4.json"))
	assert.FileExists(t, filepath.Join(dir, "stage_8_05.json"))
}

func TestLastCompletedStopsAtGap(t *testing.T) {
	s := NewFileStore(t.TempDir())
	seed(t, s, "1", "2", "3", "5")

	r, err := LastCompleted(context.Background(), s, ResumeOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, r.LastCompleted)
	assert.Equal(t, SourceCheckpoint, r.Source)
	assert.Equal(t, ints(1, 2, 3), r.Chain)

	r, err = LastCompleted(context.Background(), s, ResumeOptions{Checkpointed: ints(1, 2, 3, 4, 5)})
	require.NoError(t, err)
	assert.Equal(t, 3, r.LastCompleted)
}

func TestLastCompletedDeclaredOrderSkipsNonCheckpointingStages(t *testing.T) {
	s := NewFileStore(t.TempDir())
	seed(t, s, "4", "5", "7", "4.5")

	r, err := LastCompleted(context.Background(), s, ResumeOptions{
		Checkpointed: []stageid.ID{stageid.Int(4), stageid.MustParse("4.5"), stageid.Int(5), stageid.Int(6), stageid.Int(7)},
	})
	require.NoError(t, err)
	assert.Equal(t, 5, r.LastCompleted)
}

type staticFallback []stageid.ID

func (f staticFallback) CompletedStages(context.Context) ([]stageid.ID, error) {
	return f, nil
}

type failingFallback struct{}

func (failingFallback) CompletedStages(context.Context) ([]stageid.ID, error) {
	return nil, errors.New("corrupt manifest")
}

func TestLastCompletedFallback(t *testing.T) {
	empty := NewFileStore(t.TempDir())
	ctx := context.Background()

	tests := []struct {
		name     string
		opts     ResumeOptions
		want     int
		wantFrom Source
	}{
		{
			name:     "no fallback",
			opts:     ResumeOptions{},
			want:     0,
			wantFrom: SourceNone,
		},
		{
			name:     "manifest up to ceiling",
			opts:     ResumeOptions{Fallback: staticFallback(ints(1, 2, 3, 4))},
			want:     3,
			wantFrom: SourceManifest,
		},
		{
			name:     "manifest gap",
			opts:     ResumeOptions{Fallback: staticFallback(ints(1, 3))},
			want:     1,
			wantFrom: SourceManifest,
		},
		{
			name:     "nothing completed",
			opts:     ResumeOptions{Fallback: staticFallback(nil)},
			want:     0,
			wantFrom: SourceNone,
		},
		{
			name: "declared order and custom ceiling",
			opts: ResumeOptions{
				Declared:        ints(10, 20, 30),
				Fallback:        staticFallback(ints(10, 20, 30)),
				FallbackCeiling: 25,
			},
			want:     20,
			wantFrom: SourceManifest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := LastCompleted(ctx, empty, tt.opts)
			require.NoError(t, err)
			assert.Equal(t, tt.want, r.LastCompleted)
			assert.Equal(t, tt.wantFrom, r.Source)
		})
	}

	_, err := LastCompleted(ctx, empty, ResumeOptions{Fallback: failingFallback{}})
	assert.Error(t, err)
}

func TestLastCompletedCheckpointsWinOverManifest(t *testing.T) {
	s := NewFileStore(t.TempDir())
	seed(t, s, "1")
	r, err := LastCompleted(context.Background(), s, ResumeOptions{Fallback: staticFallback(ints(1, 2, 3))})
	require.NoError(t, err)
	assert.Equal(t, 1, r.LastCompleted)
	assert.Equal(t, SourceCheckpoint, r.Source)
}

func TestManifestFallback(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.json")

	got, err := ManifestFallback{Path: path}.CompletedStages(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)

	m := pipeline.NewManifest(path, "docs", nil)
	m.SkipStage(stageid.Int(1), "a", "", pipeline.SkipResumed)
	h := m.BeginStage(stageid.Int(2), "b", "")
	m.EndStage(h, pipeline.Outcome{})
	h = m.BeginStage(stageid.Int(3), "c", "")
	m.EndStage(h, pipeline.Outcome{Err: errors.New("x")})
	m.SkipStage(stageid.Int(4), "d", "", pipeline.SkipDisabled)

	got, err = ManifestFallback{Path: path}.CompletedStages(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ints(1, 2), got)
}

func TestRegistry(t *testing.T) {
	type files struct {
		Paths []string `json:"paths"`
	}
	r := NewRegistry()
	id := stageid.Int(1)
	require.NoError(t, r.Register(id, JSONCodec[files]()))
	assert.Error(t, r.Register(id, JSONCodec[files]()))
	assert.Error(t, r.Register(stageid.Int(2), nil))

	data, err := r.Encode(id, files{Paths: []string{"a.go"}})
	require.NoError(t, err)

	v, err := r.Decode(id, data)
	require.NoError(t, err)
	assert.Equal(t, files{Paths: []string{"a.go"}}, v)

	_, err = r.Encode(id, "wrong type")
	assert.Error(t, err)

	_, err = r.Encode(stageid.Int(7), files{})
	assert.Error(t, err)
	_, err = r.Decode(stageid.Int(7), data)
	assert.Error(t, err)
}

func TestParseKey(t *testing.T) {
	id, ok := ParseKey("8_5")
	require.True(t, ok)
	assert.Equal(t, "8.5", id.String())

	for _, bad := range []string{"", "x", "8.5", "-1", "1_2_3"} {
		_, ok := ParseKey(bad)
		assert.False(t, ok, bad)
	}
}
