package alignment

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"camstitch/internal/config"
	"camstitch/internal/logging"
	"camstitch/internal/media/fingerprint"
)

// Status flags whether a camera shares the global clock.
type Status string

const (
	StatusAligned   Status = "aligned"
	StatusUnaligned Status = "unaligned"
)

// Params tunes the pairwise search and the spanning tree.
type Params struct {
	Hz                   float64
	SearchWindowSeconds  float64
	MinConfidence        float64
	MinOverlapSeconds    float64
	ConsistencyTolerance float64
}

// ParamsFromConfig derives Params from the configuration snapshot.
func ParamsFromConfig(cfg *config.Config) Params {
	return Params{
		Hz:                   cfg.Extraction.FingerprintHz,
		SearchWindowSeconds:  cfg.Alignment.SearchWindowSeconds,
		MinConfidence:        cfg.Alignment.MinConfidence,
		MinOverlapSeconds:    cfg.Alignment.MinOverlapSeconds,
		ConsistencyTolerance: cfg.Alignment.ConsistencyToleranceSeconds,
	}
}

// Edge is a pairwise clock relation: To's local clock reads From's local
// clock plus Delta seconds.
type Edge struct {
	From        string  `json:"from"`
	To          string  `json:"to"`
	Delta       float64 `json:"delta_seconds"`
	Confidence  float64 `json:"confidence"`
	Overlap     float64 `json:"overlap_seconds"`
	Accepted    bool    `json:"accepted"`
	Consistency string  `json:"consistency,omitempty"`
}

// Key identifies the camera pair.
func (e Edge) Key() string {
	return PairKey(e.From, e.To)
}

// PairKey returns the canonical unit key for a camera pair.
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "|" + b
}

// Offset maps one camera's local clock onto the global clock:
// global = local*Scale + OffsetSeconds. Scale is fixed at 1 (no drift model).
type Offset struct {
	Camera        string  `json:"camera"`
	OffsetSeconds float64 `json:"offset_seconds"`
	Scale         float64 `json:"scale"`
	Status        Status  `json:"status"`
	Confidence    float64 `json:"confidence"`
	Parent        string  `json:"parent,omitempty"`
	Reference     bool    `json:"reference,omitempty"`
	HasAudio      bool    `json:"has_audio"`
}

// Aligned reports whether the camera shares the global clock.
func (o Offset) Aligned() bool {
	return o.Status == StatusAligned
}

// Global maps a local timestamp onto the global clock. Unaligned cameras
// keep their local time.
func (o Offset) Global(local time.Time) time.Time {
	if !o.Aligned() {
		return local
	}
	return local.Add(time.Duration(math.Round(o.OffsetSeconds * float64(time.Second))))
}

// Result is the alignment outcome for a run.
type Result struct {
	Reference string   `json:"reference"`
	Offsets   []Offset `json:"offsets"`
	Edges     []Edge   `json:"edges"`
}

// Lookup returns the offset for a camera.
func (r Result) Lookup(camera string) (Offset, bool) {
	i := sort.Search(len(r.Offsets), func(i int) bool { return r.Offsets[i].Camera >= camera })
	if i < len(r.Offsets) && r.Offsets[i].Camera == camera {
		return r.Offsets[i], true
	}
	return Offset{}, false
}

// Unaligned lists cameras flagged unaligned.
func (r Result) Unaligned() []string {
	var out []string
	for _, o := range r.Offsets {
		if !o.Aligned() {
			out = append(out, o.Camera)
		}
	}
	return out
}

// Pair cross-correlates two tracks on their local clocks and returns the
// strongest lag within the search window. ok is false when the tracks cannot
// overlap by MinOverlapSeconds at any lag in the window.
func Pair(a, b Track, p Params) (Edge, bool) {
	edge := Edge{From: a.Camera, To: b.Camera}
	if !a.HasAudio() || !b.HasAudio() || p.Hz <= 0 {
		return edge, false
	}
	window := p.SearchWindowSeconds
	if a.FirstStart-window > b.End || b.FirstStart-window > a.End {
		return edge, false
	}
	origin := math.Min(a.Placements[0].StartSeconds, b.Placements[0].StartSeconds)
	gridA := a.render(origin, p.Hz)
	gridB := b.render(origin, p.Hz)
	maxLag := int(math.Round(window * p.Hz))
	minOverlap := int(math.Ceil(p.MinOverlapSeconds * p.Hz))

	// A sample at index i on a's clock sits at i+lag on b's clock.
	peak, ok := fingerprint.BestLag(gridB.Samples, gridA.Samples, -maxLag, maxLag, minOverlap)
	if !ok {
		return edge, false
	}
	edge.Delta = float64(peak.Lag) / p.Hz
	edge.Confidence = peak.Correlation
	edge.Overlap = float64(peak.Overlap) / p.Hz
	edge.Accepted = peak.Correlation >= p.MinConfidence
	return edge, true
}

// Align computes every pairwise edge and solves the timeline.
func Align(tracks []Track, p Params, logger *slog.Logger) Result {
	var edges []Edge
	for i := range tracks {
		for j := i + 1; j < len(tracks); j++ {
			if edge, ok := Pair(tracks[i], tracks[j], p); ok {
				edges = append(edges, edge)
			}
		}
	}
	return Solve(tracks, edges, p, logger)
}

// Solve picks the reference camera, builds the maximum-confidence spanning
// tree over accepted edges and composes offsets along it. Accepted edges left
// out of the tree are checked against the composed offsets; an edge that
// disagrees by more than the tolerance is logged and marked dropped.
func Solve(tracks []Track, edges []Edge, p Params, logger *slog.Logger) Result {
	logger = logging.NewComponentLogger(logger, "alignment")
	result := Result{}
	if len(tracks) == 0 {
		return result
	}
	ref := pickReference(tracks, p.Hz)
	result.Reference = ref.Camera

	sorted := append([]Edge(nil), edges...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Confidence != sorted[j].Confidence {
			return sorted[i].Confidence > sorted[j].Confidence
		}
		return sorted[i].Key() < sorted[j].Key()
	})

	uf := newUnionFind()
	adjacency := make(map[string][]Edge)
	inTree := make(map[string]bool)
	for _, e := range sorted {
		if !e.Accepted {
			continue
		}
		if uf.union(e.From, e.To) {
			inTree[e.Key()] = true
			adjacency[e.From] = append(adjacency[e.From], e)
			adjacency[e.To] = append(adjacency[e.To], reverse(e))
		}
	}

	offsets := make(map[string]Offset, len(tracks))
	if ref.HasAudio() || len(tracks) == 1 {
		offsets[ref.Camera] = Offset{Camera: ref.Camera, Scale: 1, Status: StatusAligned, Confidence: 1, Reference: true}
		queue := []string{ref.Camera}
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			neighbours := adjacency[cur]
			sort.Slice(neighbours, func(i, j int) bool { return neighbours[i].To < neighbours[j].To })
			for _, e := range neighbours {
				if _, seen := offsets[e.To]; seen {
					continue
				}
				parent := offsets[cur]
				offsets[e.To] = Offset{
					Camera:        e.To,
					OffsetSeconds: parent.OffsetSeconds - e.Delta,
					Scale:         1,
					Status:        StatusAligned,
					Confidence:    math.Min(parent.Confidence, e.Confidence),
					Parent:        cur,
				}
				queue = append(queue, e.To)
			}
		}
	}

	for i, e := range sorted {
		if !e.Accepted || inTree[e.Key()] {
			continue
		}
		from, okFrom := offsets[e.From]
		to, okTo := offsets[e.To]
		if !okFrom || !okTo {
			continue
		}
		predicted := from.OffsetSeconds - to.OffsetSeconds
		if math.Abs(predicted-e.Delta) > p.ConsistencyTolerance {
			sorted[i].Consistency = "dropped"
			logging.WarnWithContext(logger, "inconsistent alignment edge dropped",
				"alignment_inconsistent",
				logging.String("from", e.From),
				logging.String("to", e.To),
				logging.Float64("measured_delta", e.Delta),
				logging.Float64("composed_delta", predicted),
				logging.Float64("confidence", e.Confidence),
				logging.String(logging.FieldImpact, "offset composed through stronger edges"),
				logging.String(logging.FieldErrorHint, "check for repeated audio or clock drift"),
			)
		} else {
			sorted[i].Consistency = "consistent"
		}
	}

	for _, track := range tracks {
		offset, ok := offsets[track.Camera]
		if !ok {
			offset = Offset{Camera: track.Camera, Scale: 1, Status: StatusUnaligned}
			logging.WarnWithContext(logger, "camera could not be aligned",
				"alignment_unaligned",
				logging.String(logging.FieldCamera, track.Camera),
				logging.Bool("has_audio", track.HasAudio()),
				logging.String(logging.FieldImpact, "segments cluster only on the camera's own timeline"),
				logging.String(logging.FieldErrorHint, fmt.Sprintf("no edge to reference %s reached min_confidence %.2f", ref.Camera, p.MinConfidence)),
			)
		}
		offset.HasAudio = track.HasAudio()
		result.Offsets = append(result.Offsets, offset)
	}
	sort.Slice(result.Offsets, func(i, j int) bool { return result.Offsets[i].Camera < result.Offsets[j].Camera })

	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Key() < sorted[j].Key() })
	result.Edges = sorted
	logger.Info("alignment solved",
		logging.String("reference", ref.Camera),
		logging.Int("cameras", len(tracks)),
		logging.Int("unaligned", len(result.Unaligned())),
		logging.Int("edges", len(edges)),
	)
	return result
}

func reverse(e Edge) Edge {
	e.From, e.To = e.To, e.From
	e.Delta = -e.Delta
	return e
}

// pickReference returns the camera with the longest continuous audio
// coverage, breaking ties by earliest first segment then camera id.
func pickReference(tracks []Track, hz float64) Track {
	best := tracks[0]
	bestCoverage := best.ContinuousCoverage(hz)
	for _, t := range tracks[1:] {
		coverage := t.ContinuousCoverage(hz)
		switch {
		case coverage > bestCoverage+1e-9:
		case math.Abs(coverage-bestCoverage) <= 1e-9 && t.FirstStart < best.FirstStart:
		case math.Abs(coverage-bestCoverage) <= 1e-9 && t.FirstStart == best.FirstStart && t.Camera < best.Camera:
		default:
			continue
		}
		best, bestCoverage = t, coverage
	}
	return best
}

type unionFind struct {
	parent map[string]string
}

func newUnionFind() *unionFind {
	return &unionFind{parent: make(map[string]string)}
}

func (u *unionFind) find(x string) string {
	p, ok := u.parent[x]
	if !ok {
		u.parent[x] = x
		return x
	}
	if p == x {
		return x
	}
	root := u.find(p)
	u.parent[x] = root
	return root
}

func (u *unionFind) union(a, b string) bool {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return false
	}
	if rb < ra {
		ra, rb = rb, ra
	}
	u.parent[rb] = ra
	return true
}
