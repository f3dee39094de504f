package pipeline

import (
	"context"
	"encoding/json"
	"strings"

	"camstitch/internal/alignment"
	"camstitch/internal/services"
	"camstitch/internal/stage"
	"camstitch/internal/state"
)

// Align correlates every pair of cameras that carry audio, one work unit per
// pair, then solves the timeline in Finalize.
type Align struct {
	deps   Deps
	params alignment.Params
	tracks map[string]alignment.Track
	all    []alignment.Track
}

// NewAlign constructs the align handler.
func NewAlign(deps Deps) *Align {
	return &Align{deps: deps, params: alignment.ParamsFromConfig(deps.Config)}
}

type pairResult struct {
	Edge  alignment.Edge `json:"edge"`
	Found bool           `json:"found"`
}

func (h *Align) Name() stage.Name { return stage.Align }

func (h *Align) ParamsHash() string {
	return h.deps.Config.AlignmentHash()
}

func (h *Align) Prepare(ctx context.Context, env stage.Env) (stage.Plan, error) {
	var extracted ExtractOutput
	if err := env.Output(ctx, stage.Extract, &extracted); err != nil {
		return stage.Plan{}, err
	}
	vectors, err := loadFeatures(ctx, h.deps.Features, extracted)
	if err != nil {
		return stage.Plan{}, err
	}
	h.all = alignment.BuildTracks(extracted.Segments, vectors)
	h.tracks = make(map[string]alignment.Track, len(h.all))
	for _, t := range h.all {
		h.tracks[t.Camera] = t
	}
	var keys []string
	for i := range h.all {
		if !h.all[i].HasAudio() {
			continue
		}
		for j := i + 1; j < len(h.all); j++ {
			if h.all[j].HasAudio() {
				keys = append(keys, alignment.PairKey(h.all[i].Camera, h.all[j].Camera))
			}
		}
	}
	return stage.Plan{Units: keys}, nil
}

func (h *Align) ExecuteUnit(ctx context.Context, key string) ([]byte, error) {
	a, b, ok := strings.Cut(key, "|")
	if !ok {
		return nil, unknownUnit(stage.Align, key)
	}
	ta, okA := h.tracks[a]
	tb, okB := h.tracks[b]
	if !okA || !okB {
		return nil, unknownUnit(stage.Align, key)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	edge, found := alignment.Pair(ta, tb, h.params)
	return encode(stage.Align, pairResult{Edge: edge, Found: found})
}

func (h *Align) Finalize(ctx context.Context, outcomes []stage.UnitOutcome) (any, error) {
	var edges []alignment.Edge
	for _, o := range outcomes {
		if o.Status != state.StatusCompleted {
			continue
		}
		var res pairResult
		if err := json.Unmarshal(o.Result, &res); err != nil {
			return nil, services.Wrap(services.ErrStateCorruption, "align", "decode unit result", o.Key, err)
		}
		if res.Found {
			edges = append(edges, res.Edge)
		}
	}
	result := alignment.Solve(h.all, edges, h.params, stageLogger(ctx, h.deps.Logger, stage.Align))
	if result.Offsets == nil {
		result.Offsets = []alignment.Offset{}
	}
	if result.Edges == nil {
		result.Edges = []alignment.Edge{}
	}
	return result, nil
}

func (h *Align) HealthCheck(context.Context) stage.Health {
	if h.params.Hz <= 0 {
		return stage.Unhealthy(string(stage.Align), "fingerprint_hz must be positive")
	}
	return stage.Healthy(string(stage.Align))
}
