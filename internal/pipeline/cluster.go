package pipeline

import (
	"context"
	"encoding/json"

	"camstitch/internal/clustering"
	"camstitch/internal/logging"
	"camstitch/internal/services"
	"camstitch/internal/stage"
	"camstitch/internal/state"
)

// Cluster sweeps each lane as its own work unit: one global lane for the
// aligned cameras and one local lane per unaligned camera.
type Cluster struct {
	deps   Deps
	params clustering.Params
	lanes  map[string][]clustering.Item
}

// NewCluster constructs the cluster handler.
func NewCluster(deps Deps) *Cluster {
	return &Cluster{deps: deps, params: clustering.ParamsFromConfig(deps.Config)}
}

func (h *Cluster) Name() stage.Name { return stage.Cluster }

func (h *Cluster) ParamsHash() string {
	return h.deps.Config.ClusteringHash()
}

func (h *Cluster) Prepare(ctx context.Context, env stage.Env) (stage.Plan, error) {
	var extracted ExtractOutput
	if err := env.Output(ctx, stage.Extract, &extracted); err != nil {
		return stage.Plan{}, err
	}
	var aligned AlignOutput
	if err := env.Output(ctx, stage.Align, &aligned); err != nil {
		return stage.Plan{}, err
	}
	vectors, err := loadFeatures(ctx, h.deps.Features, extracted)
	if err != nil {
		return stage.Plan{}, err
	}
	items := clustering.BuildItems(extracted.Segments, vectors, aligned)
	h.lanes = clustering.Lanes(items)
	return stage.Plan{Units: clustering.LaneNames(items)}, nil
}

func (h *Cluster) ExecuteUnit(ctx context.Context, key string) ([]byte, error) {
	items, ok := h.lanes[key]
	if !ok {
		return nil, unknownUnit(stage.Cluster, key)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	clusters := clustering.Sweep(key, items, h.params, stageLogger(ctx, h.deps.Logger, stage.Cluster))
	return encode(stage.Cluster, clusters)
}

func (h *Cluster) Finalize(ctx context.Context, outcomes []stage.UnitOutcome) (any, error) {
	out := ClusterOutput{Clusters: []clustering.Cluster{}}
	for _, o := range outcomes {
		if o.Status != state.StatusCompleted {
			continue
		}
		var clusters []clustering.Cluster
		if err := json.Unmarshal(o.Result, &clusters); err != nil {
			return nil, services.Wrap(services.ErrStateCorruption, "cluster", "decode unit result", o.Key, err)
		}
		out.Clusters = append(out.Clusters, clusters...)
	}
	clustering.SortClusters(out.Clusters)
	singletons := 0
	for _, c := range out.Clusters {
		if len(c.Members) == 1 {
			singletons++
		}
	}
	stageLogger(ctx, h.deps.Logger, stage.Cluster).Info("clusters formed",
		logging.Int("clusters", len(out.Clusters)),
		logging.Int("singletons", singletons),
		logging.Int("lanes", len(outcomes)),
	)
	return out, nil
}

func (h *Cluster) HealthCheck(context.Context) stage.Health {
	return stage.Healthy(string(stage.Cluster))
}
