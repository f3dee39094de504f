package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"

	"camstitch/internal/config"
	"camstitch/internal/featurestore"
	"camstitch/internal/logging"
	"camstitch/internal/media"
	"camstitch/internal/services"
	"camstitch/internal/services/extractor"
	"camstitch/internal/stage"
)

// Deps carries the collaborators shared by the stage handlers.
type Deps struct {
	Config    *config.Config
	Features  *featurestore.Store
	Extractor extractor.Extractor
	Logger    *slog.Logger
}

// Handlers returns the handlers for every stage after discover, in order.
func Handlers(deps Deps) []stage.Handler {
	return []stage.Handler{
		NewExtract(deps),
		NewAlign(deps),
		NewCluster(deps),
		NewDedupe(deps),
		NewAnnotate(deps),
		NewPackage(deps),
	}
}

func stageLogger(ctx context.Context, base *slog.Logger, name stage.Name) *slog.Logger {
	return logging.WithContext(ctx, logging.NewComponentLogger(base, string(name)))
}

func encode(name stage.Name, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, string(name), "encode unit result", "", err)
	}
	return data, nil
}

func unknownUnit(name stage.Name, key string) error {
	return services.Wrap(services.ErrValidation, string(name), "execute", fmt.Sprintf("unknown unit %q", key), nil)
}

// loadFeatures fetches the stored vectors for the extracted segments.
func loadFeatures(ctx context.Context, store *featurestore.Store, out ExtractOutput) (map[string]media.FeatureVector, error) {
	ids := make([]string, len(out.Segments))
	for i, seg := range out.Segments {
		ids[i] = seg.ID
	}
	vectors, err := store.GetMany(ctx, ids, out.FeatureHash)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(ids) {
		return nil, services.Wrap(services.ErrStateCorruption, "features", "load",
			fmt.Sprintf("feature cache holds %d of %d extracted segments", len(vectors), len(ids)), nil)
	}
	return vectors, nil
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
