package usage

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/lucasnoah/stagehand/internal/pipeline"
)

// Merge combines the cumulative snapshot from earlier attempts with the
// current attempt's summary.
//
// For a component present in both, the side with more calls wins; on a tie
// the current attempt wins. Components found on one side only pass through.
// Totals are recomputed from the merged components so a component that ran
// partially in an aborted attempt and fully in its resume is counted once.
//
// The heuristic assumes one component name per stage. Two different stages
// reporting under the same component name, or a component whose call count
// drops between attempts (fewer retries), are not deduplicated correctly.
func Merge(previous, current Summary) Summary {
	byName := make(map[string]ComponentStats, len(previous.Components)+len(current.Components))
	for _, c := range previous.Components {
		byName[c.Component] = c.clone()
	}
	for _, c := range current.Components {
		if prev, ok := byName[c.Component]; ok && prev.Calls > c.Calls {
			continue
		}
		byName[c.Component] = c.clone()
	}

	merged := make([]ComponentStats, 0, len(byName))
	for _, c := range byName {
		merged = append(merged, c)
	}
	return summarize(merged)
}

// Snapshot is the persisted cumulative usage for an output directory.
type Snapshot struct {
	UpdatedAt time.Time `json:"updated_at"`
	Attempts  int       `json:"attempts"`
	Summary   Summary   `json:"summary"`
}

// LoadSnapshot reads a snapshot. A missing file yields an empty snapshot.
func LoadSnapshot(path string) (*Snapshot, error) {
	var snap Snapshot
	if err := pipeline.ReadJSON(path, &snap); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &Snapshot{Summary: summarize(nil)}, nil
		}
		return nil, fmt.Errorf("load usage snapshot: %w", err)
	}
	snap.Summary = summarize(snap.Summary.Components)
	return &snap, nil
}

// WriteSnapshot atomically overwrites the snapshot file.
func WriteSnapshot(path string, snap *Snapshot) error {
	if err := pipeline.WriteJSON(path, snap); err != nil {
		return fmt.Errorf("write usage snapshot: %w", err)
	}
	return nil
}
