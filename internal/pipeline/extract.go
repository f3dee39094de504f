package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"camstitch/internal/logging"
	"camstitch/internal/media"
	"camstitch/internal/services"
	"camstitch/internal/services/extractor"
	"camstitch/internal/stage"
	"camstitch/internal/state"
)

// Extract obtains a FeatureVector per segment, serving the feature store
// before calling the extractor. It is tolerant: segments whose media is
// unreadable, or whose retries run out, are excluded rather than failing the
// run.
type Extract struct {
	deps     Deps
	params   extractor.Params
	hash     string
	segments map[string]media.Segment
	order    []media.Segment
}

// NewExtract constructs the extract handler.
func NewExtract(deps Deps) *Extract {
	return &Extract{
		deps:   deps,
		params: extractor.ParamsFromConfig(deps.Config.Extraction),
		hash:   deps.Config.ExtractionHash(),
	}
}

type extractResult struct {
	SegmentID string  `json:"segment_id"`
	Cached    bool    `json:"cached"`
	Duration  float64 `json:"duration_seconds"`
}

func (h *Extract) Name() stage.Name { return stage.Extract }

func (h *Extract) ParamsHash() string { return h.hash }

func (h *Extract) Prepare(ctx context.Context, env stage.Env) (stage.Plan, error) {
	var disc DiscoverOutput
	if err := env.Output(ctx, stage.Discover, &disc); err != nil {
		return stage.Plan{}, err
	}
	h.segments = make(map[string]media.Segment, len(disc.Segments))
	h.order = disc.Segments
	keys := make([]string, 0, len(disc.Segments))
	for _, seg := range disc.Segments {
		h.segments[seg.ID] = seg
		keys = append(keys, seg.ID)
	}
	return stage.Plan{Units: keys, Tolerant: true}, nil
}

func (h *Extract) ExecuteUnit(ctx context.Context, key string) ([]byte, error) {
	seg, ok := h.segments[key]
	if !ok {
		return nil, unknownUnit(stage.Extract, key)
	}
	logger := stageLogger(ctx, h.deps.Logger, stage.Extract)

	vec, cached, err := h.deps.Features.Get(ctx, seg.ID, h.hash)
	if err != nil {
		return nil, err
	}
	if !cached {
		if h.deps.Extractor == nil {
			return nil, services.Wrap(services.ErrConfiguration, "extract", "execute", "no extractor configured", nil)
		}
		vec, err = h.deps.Extractor.Extract(ctx, seg, h.params)
		if err != nil {
			return nil, err
		}
		if err := h.deps.Features.Put(ctx, seg.ID, h.hash, vec); err != nil {
			return nil, err
		}
	}
	placed := media.Placed(seg, vec)
	logger.Debug("features ready",
		logging.String(logging.FieldSegmentID, seg.ID),
		logging.String(logging.FieldCamera, seg.Camera),
		logging.Bool("cached", cached),
		logging.Bool("has_audio", vec.HasAudio),
		logging.Bool("has_video", vec.HasVideo),
	)
	return encode(stage.Extract, extractResult{SegmentID: seg.ID, Cached: cached, Duration: placed.Duration})
}

func (h *Extract) Finalize(ctx context.Context, outcomes []stage.UnitOutcome) (any, error) {
	logger := stageLogger(ctx, h.deps.Logger, stage.Extract)
	byKey := make(map[string]stage.UnitOutcome, len(outcomes))
	for _, o := range outcomes {
		byKey[o.Key] = o
	}
	out := ExtractOutput{FeatureHash: h.hash, Segments: []media.Segment{}, Excluded: []Exclusion{}}
	for _, seg := range h.order {
		o := byKey[seg.ID]
		if o.Status == state.StatusCompleted {
			var res extractResult
			if err := json.Unmarshal(o.Result, &res); err != nil {
				return nil, services.Wrap(services.ErrStateCorruption, "extract", "decode unit result", seg.ID, err)
			}
			if seg.Duration <= 0 {
				seg.Duration = res.Duration
			}
			out.Segments = append(out.Segments, seg)
			continue
		}
		out.Excluded = append(out.Excluded, Exclusion{
			SegmentID: seg.ID,
			Camera:    seg.Camera,
			Path:      seg.Path,
			Status:    string(o.Status),
			ErrorKind: o.ErrorKind,
			Error:     o.Error,
		})
		logging.WarnWithContext(logger, "segment excluded from run",
			"segment_excluded",
			logging.String(logging.FieldSegmentID, seg.ID),
			logging.String("path", seg.Path),
			logging.String("status", string(o.Status)),
			logging.String("error_kind", string(o.ErrorKind)),
			logging.String(logging.FieldImpact, "segment omitted from alignment and clustering"),
			logging.String(logging.FieldErrorHint, "inspect the file or the extraction command output"),
		)
	}
	media.SortSegments(out.Segments)
	return out, nil
}

// Reusable checks that the feature store still holds a vector for every
// segment the completed stage reported. The store is a rebuildable cache, so
// a miss sends the stage back to extraction.
func (h *Extract) Reusable(ctx context.Context, env stage.Env) (bool, string, error) {
	var out ExtractOutput
	if err := env.Output(ctx, stage.Extract, &out); err != nil {
		return false, "", err
	}
	ids := make([]string, len(out.Segments))
	for i, seg := range out.Segments {
		ids[i] = seg.ID
	}
	missing, err := h.deps.Features.Missing(ctx, ids, out.FeatureHash)
	if err != nil {
		return false, "", err
	}
	if len(missing) > 0 {
		return false, fmt.Sprintf("feature cache holds %d of %d extracted segments", len(ids)-len(missing), len(ids)), nil
	}
	return true, "", nil
}

func (h *Extract) HealthCheck(context.Context) stage.Health {
	if h.deps.Features == nil {
		return stage.Unhealthy(string(stage.Extract), "feature store unavailable")
	}
	if h.deps.Extractor == nil {
		return stage.Unhealthy(string(stage.Extract), "extractor not configured")
	}
	return stage.Healthy(string(stage.Extract))
}
