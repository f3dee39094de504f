package pipeline

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strconv"
	"time"

	"camstitch/internal/clustering"
	"camstitch/internal/logging"
	"camstitch/internal/media"
	"camstitch/internal/selection"
	"camstitch/internal/services"
	"camstitch/internal/stage"
	"camstitch/internal/state"
)

// ClipDir is the output subdirectory the mux commands write into.
const ClipDir = "clips"

// Annotate turns each selection into a mux plan for the downstream muxer.
type Annotate struct {
	deps       Deps
	order      []string
	selections map[string]selection.Selection
	clusters   map[string]clustering.Cluster
	paths      map[string]string
}

// NewAnnotate constructs the annotate handler.
func NewAnnotate(deps Deps) *Annotate {
	return &Annotate{deps: deps}
}

func (h *Annotate) Name() stage.Name { return stage.Annotate }

func (h *Annotate) ParamsHash() string {
	return h.deps.Config.Paths.OutputDir
}

func (h *Annotate) Prepare(ctx context.Context, env stage.Env) (stage.Plan, error) {
	var extracted ExtractOutput
	if err := env.Output(ctx, stage.Extract, &extracted); err != nil {
		return stage.Plan{}, err
	}
	var clustered ClusterOutput
	if err := env.Output(ctx, stage.Cluster, &clustered); err != nil {
		return stage.Plan{}, err
	}
	var deduped DedupeOutput
	if err := env.Output(ctx, stage.Dedupe, &deduped); err != nil {
		return stage.Plan{}, err
	}
	h.paths = make(map[string]string, len(extracted.Segments))
	for _, seg := range extracted.Segments {
		h.paths[seg.ID] = seg.Path
	}
	h.clusters = make(map[string]clustering.Cluster, len(clustered.Clusters))
	for _, c := range clustered.Clusters {
		h.clusters[c.ID] = c
	}
	h.order = make([]string, 0, len(deduped.Selections))
	h.selections = make(map[string]selection.Selection, len(deduped.Selections))
	for _, sel := range deduped.Selections {
		h.order = append(h.order, sel.ClusterID)
		h.selections[sel.ClusterID] = sel
	}
	return stage.Plan{Units: append([]string(nil), h.order...)}, nil
}

func (h *Annotate) ExecuteUnit(ctx context.Context, key string) ([]byte, error) {
	sel, ok := h.selections[key]
	if !ok {
		return nil, unknownUnit(stage.Annotate, key)
	}
	cluster, ok := h.clusters[key]
	if !ok {
		return nil, services.Wrap(services.ErrStateCorruption, "annotate", "execute", "selection without cluster "+key, nil)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ann := Annotation{ClusterID: key}
	switch {
	case sel.NeedsReview():
		ann.Note = "awaiting manual review"
	case sel.Video == nil:
		ann.Note = "no video track in cluster"
	case sel.Audio == nil:
		ann.Note = "no audio track in cluster"
	default:
		plan, ok := PlanMux(cluster, *sel.Video, *sel.Audio, h.paths, h.deps.Config.Paths.OutputDir)
		if ok {
			ann.Plan = &plan
		} else {
			ann.Note = "chosen audio and video do not overlap"
		}
	}
	return encode(stage.Annotate, ann)
}

// PlanMux computes the window shared by the chosen video and audio members on
// the cluster clock and the ffmpeg invocation that muxes it.
func PlanMux(c clustering.Cluster, video, audio selection.Pick, paths map[string]string, outputDir string) (MuxPlan, bool) {
	vm, okV := member(c, video.SegmentID)
	am, okA := member(c, audio.SegmentID)
	if !okV || !okA {
		return MuxPlan{}, false
	}
	start := laterOf(vm.Start, am.Start)
	end := earlierOf(vm.End, am.End)
	if !end.After(start) {
		return MuxPlan{}, false
	}
	plan := MuxPlan{
		VideoSegmentID:     video.SegmentID,
		AudioSegmentID:     audio.SegmentID,
		VideoPath:          paths[video.SegmentID],
		AudioPath:          paths[audio.SegmentID],
		AudioOffsetSeconds: round6(am.Start.Sub(vm.Start).Seconds()),
		WindowStart:        round6(media.Seconds(start)),
		WindowEnd:          round6(media.Seconds(end)),
		VideoTrimSeconds:   round6(start.Sub(vm.Start).Seconds()),
		AudioTrimSeconds:   round6(start.Sub(am.Start).Seconds()),
		DurationSeconds:    round6(end.Sub(start).Seconds()),
	}
	plan.Command = muxCommand(plan, filepath.Join(outputDir, ClipDir, c.ID+".mp4"))
	return plan, true
}

func muxCommand(p MuxPlan, out string) []string {
	cmd := []string{"ffmpeg", "-y", "-ss", seconds(p.VideoTrimSeconds), "-i", p.VideoPath}
	audioInput := "1"
	if p.AudioSegmentID == p.VideoSegmentID {
		audioInput = "0"
	} else {
		cmd = append(cmd, "-ss", seconds(p.AudioTrimSeconds), "-i", p.AudioPath)
	}
	return append(cmd,
		"-t", seconds(p.DurationSeconds),
		"-map", "0:v:0",
		"-map", audioInput+":a:0",
		"-c:v", "copy",
		"-shortest",
		out,
	)
}

func seconds(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}

func member(c clustering.Cluster, id string) (clustering.Member, bool) {
	for _, m := range c.Members {
		if m.SegmentID == id {
			return m, true
		}
	}
	return clustering.Member{}, false
}

func laterOf(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func earlierOf(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}

func (h *Annotate) Finalize(ctx context.Context, outcomes []stage.UnitOutcome) (any, error) {
	byKey := make(map[string]stage.UnitOutcome, len(outcomes))
	for _, o := range outcomes {
		byKey[o.Key] = o
	}
	out := AnnotateOutput{Annotations: make([]Annotation, 0, len(h.order))}
	planned := 0
	for _, id := range h.order {
		o, ok := byKey[id]
		if !ok || o.Status != state.StatusCompleted {
			return nil, services.Wrap(services.ErrStateCorruption, "annotate", "finalize", "missing annotation for cluster "+id, nil)
		}
		var ann Annotation
		if err := json.Unmarshal(o.Result, &ann); err != nil {
			return nil, services.Wrap(services.ErrStateCorruption, "annotate", "decode unit result", id, err)
		}
		if ann.Plan != nil {
			planned++
		}
		out.Annotations = append(out.Annotations, ann)
	}
	stageLogger(ctx, h.deps.Logger, stage.Annotate).Info("mux plans ready",
		logging.Int("planned", planned),
		logging.Int("clusters", len(out.Annotations)),
	)
	return out, nil
}

func (h *Annotate) HealthCheck(context.Context) stage.Health {
	if h.deps.Config.Paths.OutputDir == "" {
		return stage.Unhealthy(string(stage.Annotate), "output_dir not configured")
	}
	return stage.Healthy(string(stage.Annotate))
}
