package pipeline

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"camstitch/internal/alignment"
	"camstitch/internal/fileutil"
	"camstitch/internal/logging"
	"camstitch/internal/selection"
	"camstitch/internal/services"
	"camstitch/internal/stage"
	"camstitch/internal/state"
)

// Artifact file names written into the output directory.
const (
	SelectionsFile = "selections.json"
	ReviewFile     = "review.json"
	AlignmentFile  = "alignment.json"
)

// SelectionDoc is one cluster entry of selections.json, the contract handed
// to the downstream annotation and packaging tools.
type SelectionDoc struct {
	ClusterID      string           `json:"cluster_id"`
	Lane           string           `json:"lane"`
	Aligned        bool             `json:"aligned"`
	Start          time.Time        `json:"start"`
	End            time.Time        `json:"end"`
	Status         selection.Status `json:"status"`
	Segments       []string         `json:"segments"`
	Audio          *selection.Pick  `json:"audio,omitempty"`
	Video          *selection.Pick  `json:"video,omitempty"`
	AudioRunnersUp []string         `json:"audio_runners_up"`
	VideoRunnersUp []string         `json:"video_runners_up"`
	Plan           *MuxPlan         `json:"plan,omitempty"`
}

// SelectionsDoc is the body of selections.json.
type SelectionsDoc struct {
	Clusters []SelectionDoc `json:"clusters"`
}

// ReviewItem is a cluster that needs a manual decision.
type ReviewItem struct {
	ClusterID  string                     `json:"cluster_id"`
	Reasons    []string                   `json:"reasons"`
	Candidates []selection.CandidateScore `json:"candidates"`
}

// ReviewDoc is the body of review.json.
type ReviewDoc struct {
	Clusters []ReviewItem `json:"clusters"`
}

// AlignmentDoc is the body of alignment.json.
type AlignmentDoc struct {
	Reference string             `json:"reference"`
	Offsets   []alignment.Offset `json:"offsets"`
	Unaligned []string           `json:"unaligned"`
	Edges     []alignment.Edge   `json:"edges"`
	Excluded  []Exclusion        `json:"excluded_segments"`
}

// Package writes the run artifacts atomically, one work unit per file. The
// documents carry no wall-clock data so identical runs produce identical
// bytes.
type Package struct {
	deps Deps
	docs map[string]any
}

// NewPackage constructs the package handler.
func NewPackage(deps Deps) *Package {
	return &Package{deps: deps}
}

func (h *Package) Name() stage.Name { return stage.Package }

func (h *Package) ParamsHash() string {
	return h.deps.Config.Paths.OutputDir
}

func (h *Package) Prepare(ctx context.Context, env stage.Env) (stage.Plan, error) {
	var extracted ExtractOutput
	if err := env.Output(ctx, stage.Extract, &extracted); err != nil {
		return stage.Plan{}, err
	}
	var aligned AlignOutput
	if err := env.Output(ctx, stage.Align, &aligned); err != nil {
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
	var annotated AnnotateOutput
	if err := env.Output(ctx, stage.Annotate, &annotated); err != nil {
		return stage.Plan{}, err
	}
	h.docs = map[string]any{
		SelectionsFile: BuildSelections(clustered, deduped, annotated),
		ReviewFile:     BuildReview(deduped),
		AlignmentFile:  BuildAlignment(aligned, extracted),
	}
	return stage.Plan{Units: []string{AlignmentFile, ReviewFile, SelectionsFile}}, nil
}

// BuildSelections joins clusters, selections and mux plans in cluster order.
func BuildSelections(clustered ClusterOutput, deduped DedupeOutput, annotated AnnotateOutput) SelectionsDoc {
	sels := make(map[string]selection.Selection, len(deduped.Selections))
	for _, s := range deduped.Selections {
		sels[s.ClusterID] = s
	}
	plans := make(map[string]*MuxPlan, len(annotated.Annotations))
	for _, a := range annotated.Annotations {
		plans[a.ClusterID] = a.Plan
	}
	doc := SelectionsDoc{Clusters: make([]SelectionDoc, 0, len(clustered.Clusters))}
	for _, c := range clustered.Clusters {
		sel := sels[c.ID]
		doc.Clusters = append(doc.Clusters, SelectionDoc{
			ClusterID:      c.ID,
			Lane:           c.Lane,
			Aligned:        c.Aligned,
			Start:          c.Start,
			End:            c.End,
			Status:         sel.Status,
			Segments:       c.SegmentIDs(),
			Audio:          sel.Audio,
			Video:          sel.Video,
			AudioRunnersUp: nonNil(sel.AudioRunnersUp),
			VideoRunnersUp: nonNil(sel.VideoRunnersUp),
			Plan:           plans[c.ID],
		})
	}
	return doc
}

// BuildReview lists the clusters flagged no_acceptable_candidate.
func BuildReview(deduped DedupeOutput) ReviewDoc {
	doc := ReviewDoc{Clusters: []ReviewItem{}}
	for _, s := range deduped.Selections {
		if !s.NeedsReview() {
			continue
		}
		doc.Clusters = append(doc.Clusters, ReviewItem{
			ClusterID:  s.ClusterID,
			Reasons:    nonNil(s.Reasons),
			Candidates: s.Candidates,
		})
	}
	return doc
}

// BuildAlignment reports the solved offsets and the cameras left unaligned.
func BuildAlignment(aligned AlignOutput, extracted ExtractOutput) AlignmentDoc {
	doc := AlignmentDoc{
		Reference: aligned.Reference,
		Offsets:   aligned.Offsets,
		Unaligned: nonNil(aligned.Unaligned()),
		Edges:     aligned.Edges,
		Excluded:  extracted.Excluded,
	}
	if doc.Offsets == nil {
		doc.Offsets = []alignment.Offset{}
	}
	if doc.Edges == nil {
		doc.Edges = []alignment.Edge{}
	}
	if doc.Excluded == nil {
		doc.Excluded = []Exclusion{}
	}
	return doc
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func (h *Package) ExecuteUnit(ctx context.Context, key string) ([]byte, error) {
	doc, ok := h.docs[key]
	if !ok {
		return nil, unknownUnit(stage.Package, key)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir := h.deps.Config.Paths.OutputDir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "package", "create output dir", dir, err)
	}
	path := filepath.Join(dir, key)
	sum, err := fileutil.WriteJSONAtomic(path, doc)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "package", "write artifact", path, err)
	}
	return encode(stage.Package, PackagedFile{Name: key, Path: path, SHA256: sum})
}

func (h *Package) Finalize(ctx context.Context, outcomes []stage.UnitOutcome) (any, error) {
	out := PackageOutput{Files: make([]PackagedFile, 0, len(outcomes))}
	for _, o := range outcomes {
		if o.Status != state.StatusCompleted {
			return nil, services.Wrap(services.ErrStateCorruption, "package", "finalize", "artifact not written: "+o.Key, nil)
		}
		var f PackagedFile
		if err := json.Unmarshal(o.Result, &f); err != nil {
			return nil, services.Wrap(services.ErrStateCorruption, "package", "decode unit result", o.Key, err)
		}
		out.Files = append(out.Files, f)
	}
	sort.Slice(out.Files, func(i, j int) bool { return out.Files[i].Name < out.Files[j].Name })
	logger := stageLogger(ctx, h.deps.Logger, stage.Package)
	for _, f := range out.Files {
		logger.Info("artifact written",
			logging.String("file", f.Name),
			logging.String("path", f.Path),
			logging.String("sha256", f.SHA256),
		)
	}
	return out, nil
}

func (h *Package) HealthCheck(context.Context) stage.Health {
	if h.deps.Config.Paths.OutputDir == "" {
		return stage.Unhealthy(string(stage.Package), "output_dir not configured")
	}
	return stage.Healthy(string(stage.Package))
}
