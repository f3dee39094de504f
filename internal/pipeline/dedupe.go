package pipeline

import (
	"context"
	"encoding/json"

	"camstitch/internal/clustering"
	"camstitch/internal/logging"
	"camstitch/internal/media"
	"camstitch/internal/selection"
	"camstitch/internal/services"
	"camstitch/internal/stage"
	"camstitch/internal/state"
)

// Dedupe picks the audio and video winners of each cluster, one work unit per
// cluster. Scores and the run-wide camera history are computed up front in
// Prepare so a resumed stage ranks with the same history as a fresh one.
type Dedupe struct {
	deps    Deps
	params  selection.Params
	order   []string
	scores  map[string][]selection.CandidateScore
	history selection.History
}

// NewDedupe constructs the dedupe handler.
func NewDedupe(deps Deps) *Dedupe {
	return &Dedupe{deps: deps, params: selection.ParamsFromConfig(deps.Config)}
}

func (h *Dedupe) Name() stage.Name { return stage.Dedupe }

func (h *Dedupe) ParamsHash() string {
	return h.deps.Config.SelectionHash()
}

func (h *Dedupe) Prepare(ctx context.Context, env stage.Env) (stage.Plan, error) {
	var extracted ExtractOutput
	if err := env.Output(ctx, stage.Extract, &extracted); err != nil {
		return stage.Plan{}, err
	}
	var clustered ClusterOutput
	if err := env.Output(ctx, stage.Cluster, &clustered); err != nil {
		return stage.Plan{}, err
	}
	vectors, err := loadFeatures(ctx, h.deps.Features, extracted)
	if err != nil {
		return stage.Plan{}, err
	}

	h.order = make([]string, 0, len(clustered.Clusters))
	h.scores = make(map[string][]selection.CandidateScore, len(clustered.Clusters))
	all := make([][]selection.CandidateScore, 0, len(clustered.Clusters))
	for _, c := range clustered.Clusters {
		candidates, err := candidatesFor(c, vectors)
		if err != nil {
			return stage.Plan{}, err
		}
		scored := selection.ScoreCluster(candidates, h.params)
		h.order = append(h.order, c.ID)
		h.scores[c.ID] = scored
		all = append(all, scored)
	}
	h.history = selection.BuildHistory(all)
	return stage.Plan{Units: append([]string(nil), h.order...)}, nil
}

func candidatesFor(c clustering.Cluster, vectors map[string]media.FeatureVector) ([]selection.Candidate, error) {
	out := make([]selection.Candidate, 0, len(c.Members))
	for _, m := range c.Members {
		vec, ok := vectors[m.SegmentID]
		if !ok {
			return nil, services.Wrap(services.ErrStateCorruption, "dedupe", "prepare",
				"cluster "+c.ID+" references segment without features: "+m.SegmentID, nil)
		}
		out = append(out, selection.Candidate{
			SegmentID: m.SegmentID,
			Camera:    m.Camera,
			Duration:  m.End.Sub(m.Start).Seconds(),
			Vector:    vec,
		})
	}
	return out, nil
}

func (h *Dedupe) ExecuteUnit(ctx context.Context, key string) ([]byte, error) {
	scores, ok := h.scores[key]
	if !ok {
		return nil, unknownUnit(stage.Dedupe, key)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sel := selection.Select(key, scores, h.history, h.params)
	if sel.NeedsReview() {
		logging.WarnWithContext(stageLogger(ctx, h.deps.Logger, stage.Dedupe), "cluster needs manual review",
			"no_acceptable_candidate",
			logging.String(logging.FieldClusterID, key),
			logging.Any("reasons", sel.Reasons),
			logging.String(logging.FieldImpact, "no automatic choice for at least one role"),
			logging.String(logging.FieldErrorHint, "review the candidates listed in review.json"),
		)
	}
	return encode(stage.Dedupe, sel)
}

func (h *Dedupe) Finalize(ctx context.Context, outcomes []stage.UnitOutcome) (any, error) {
	byKey := make(map[string]stage.UnitOutcome, len(outcomes))
	for _, o := range outcomes {
		byKey[o.Key] = o
	}
	out := DedupeOutput{History: h.history, Selections: make([]selection.Selection, 0, len(h.order))}
	if out.History == nil {
		out.History = selection.History{}
	}
	review := 0
	for _, id := range h.order {
		o, ok := byKey[id]
		if !ok || o.Status != state.StatusCompleted {
			return nil, services.Wrap(services.ErrStateCorruption, "dedupe", "finalize", "missing selection for cluster "+id, nil)
		}
		var sel selection.Selection
		if err := json.Unmarshal(o.Result, &sel); err != nil {
			return nil, services.Wrap(services.ErrStateCorruption, "dedupe", "decode unit result", id, err)
		}
		if sel.NeedsReview() {
			review++
		}
		out.Selections = append(out.Selections, sel)
	}
	stageLogger(ctx, h.deps.Logger, stage.Dedupe).Info("selections complete",
		logging.Int("clusters", len(out.Selections)),
		logging.Int("needs_review", review),
	)
	return out, nil
}

func (h *Dedupe) HealthCheck(context.Context) stage.Health {
	if h.params.SNRCeilingDB <= 0 {
		return stage.Unhealthy(string(stage.Dedupe), "snr_ceiling_db must be positive")
	}
	return stage.Healthy(string(stage.Dedupe))
}
