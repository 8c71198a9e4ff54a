package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/lucasnoah/stagehand/internal/pipeline"
	"github.com/lucasnoah/stagehand/internal/stageid"
)

// DefaultFallbackCeiling is the highest stage the manifest fallback may
// report. Only the earliest stages run without checkpoints of their own.
const DefaultFallbackCeiling = 3

// Source says where a resume point came from.
type Source string

const (
	SourceNone       Source = "none"
	SourceCheckpoint Source = "checkpoint"
	SourceManifest   Source = "manifest"
)

// FallbackSource reports stages a previous attempt finished, for use when
// no checkpoint chain exists.
type FallbackSource interface {
	CompletedStages(ctx context.Context) ([]stageid.ID, error)
}

// ManifestFallback reads completions from a previous manifest file, including
// records carried over from earlier attempts.
type ManifestFallback struct {
	Path string
}

// CompletedStages implements FallbackSource. A missing manifest yields no
// stages.
func (f ManifestFallback) CompletedStages(_ context.Context) ([]stageid.ID, error) {
	st, err := pipeline.LoadManifest(f.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return st.FinishedStages(), nil
}

// ResumeOptions describes the pipeline being resumed.
type ResumeOptions struct {
	// Checkpointed lists, in execution order, the integer stages that write
	// checkpoints. When empty, the chain is taken from the store alone.
	Checkpointed []stageid.ID
	// Declared lists every integer stage in execution order, for the
	// manifest fallback.
	Declared []stageid.ID
	// Fallback is consulted only when the checkpoint chain is empty.
	Fallback FallbackSource
	// FallbackCeiling bounds the manifest fallback. Zero means
	// DefaultFallbackCeiling.
	FallbackCeiling int
}

// Resume is the outcome of LastCompleted.
type Resume struct {
	LastCompleted int          `json:"last_completed"`
	Source        Source       `json:"source"`
	Chain         []stageid.ID `json:"chain,omitempty"`
}

// LastCompleted finds the highest integer stage that is durably complete.
//
// Checkpoints are authoritative. They are walked in order and the walk stops
// at the first stage without one, so a later checkpoint is never reached
// across a gap: checkpoints {1,2,3,5} resume after 3. Only when that chain is
// empty is the fallback consulted, and then only up to the ceiling.
func LastCompleted(ctx context.Context, store Store, opts ResumeOptions) (Resume, error) {
	ids, err := store.IDs(ctx)
	if err != nil {
		return Resume{}, fmt.Errorf("list checkpoints: %w", err)
	}
	present := make(map[int]bool, len(ids))
	var ints []int
	for _, id := range ids {
		if id.IsInteger() {
			present[id.Major] = true
			ints = append(ints, id.Major)
		}
	}

	var chain []stageid.ID
	if len(opts.Checkpointed) > 0 {
		for _, id := range opts.Checkpointed {
			if !id.IsInteger() {
				continue
			}
			if !present[id.Major] {
				break
			}
			chain = append(chain, id)
		}
	} else if len(ints) > 0 {
		for n := ints[0]; present[n]; n++ {
			chain = append(chain, stageid.Int(n))
		}
	}
	if len(chain) > 0 {
		return Resume{
			LastCompleted: chain[len(chain)-1].Major,
			Source:        SourceCheckpoint,
			Chain:         chain,
		}, nil
	}

	if opts.Fallback == nil {
		return Resume{Source: SourceNone}, nil
	}
	ceiling := opts.FallbackCeiling
	if ceiling <= 0 {
		ceiling = DefaultFallbackCeiling
	}
	done, err := opts.Fallback.CompletedStages(ctx)
	if err != nil {
		return Resume{}, fmt.Errorf("read fallback: %w", err)
	}
	completed := make(map[int]bool, len(done))
	for _, id := range done {
		if id.IsInteger() {
			completed[id.Major] = true
		}
	}

	declared := opts.Declared
	if len(declared) == 0 {
		for n := 1; n <= ceiling; n++ {
			declared = append(declared, stageid.Int(n))
		}
	}
	last := 0
	for _, id := range declared {
		if !id.IsInteger() {
			continue
		}
		if id.Major > ceiling || !completed[id.Major] {
			break
		}
		last = id.Major
	}
	if last == 0 {
		return Resume{Source: SourceNone}, nil
	}
	return Resume{LastCompleted: last, Source: SourceManifest}, nil
}
