package workflow

import (
	"time"

	"camstitch/internal/pipeline"
	"camstitch/internal/state"
)

// StageSummary reports what one stage did during an invocation.
type StageSummary struct {
	Stage    string         `json:"stage"`
	Status   state.Status   `json:"status"`
	Skipped  bool           `json:"skipped"`
	Attempts int            `json:"attempts"`
	Units    map[string]int `json:"units,omitempty"`
	Duration time.Duration  `json:"duration_ns"`
	Error    string         `json:"error,omitempty"`
}

// Summary is the user-facing result of a run: completed stages, clusters
// needing review, cameras that could not be aligned and segments that were
// excluded, plus the durable pipeline state.
type Summary struct {
	RunID       string                  `json:"run_id"`
	Generation  int64                   `json:"generation"`
	Status      state.RunStatus         `json:"status"`
	Segments    int                     `json:"segments"`
	Stages      []StageSummary          `json:"stages"`
	Reference   string                  `json:"reference_camera,omitempty"`
	Unaligned   []string                `json:"unaligned_cameras"`
	Excluded    []pipeline.Exclusion    `json:"excluded_segments"`
	Clusters    int                     `json:"clusters"`
	NeedsReview []string                `json:"needs_review"`
	Artifacts   []pipeline.PackagedFile `json:"artifacts"`
	Error       string                  `json:"error,omitempty"`
	State       state.PipelineState     `json:"pipeline_state"`
}

// CompletedStages lists the stages that ended completed, in order.
func (s Summary) CompletedStages() []string {
	var out []string
	for _, st := range s.Stages {
		if st.Status == state.StatusCompleted {
			out = append(out, st.Stage)
		}
	}
	return out
}

// ExecutedUnits counts the units settled by this invocation across stages
// that were not skipped.
func (s Summary) ExecutedUnits() int {
	total := 0
	for _, st := range s.Stages {
		if st.Skipped {
			continue
		}
		for _, n := range st.Units {
			total += n
		}
	}
	return total
}
