package clustering

import (
	"container/heap"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"camstitch/internal/config"
	"camstitch/internal/logging"
	"camstitch/internal/media/fingerprint"
)

// Params tunes cluster membership.
type Params struct {
	MinOverlapFraction  float64
	SimilarityThreshold float64
	ResidualLagSeconds  float64
}

// ParamsFromConfig derives Params from the configuration snapshot.
func ParamsFromConfig(cfg *config.Config) Params {
	return Params{
		MinOverlapFraction:  cfg.Clustering.MinOverlapFraction,
		SimilarityThreshold: cfg.Clustering.SimilarityThreshold,
		ResidualLagSeconds:  cfg.Clustering.ResidualLagSeconds,
	}
}

// Member is one segment inside a cluster. Similarity is measured against the
// cluster seed and is 1 for the seed itself.
type Member struct {
	SegmentID  string    `json:"segment_id"`
	Camera     string    `json:"camera"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	Overlap    float64   `json:"overlap_fraction"`
	Similarity float64   `json:"similarity"`
}

// Cluster is a set of segments judged to depict the same moment.
type Cluster struct {
	ID      string    `json:"id"`
	Lane    string    `json:"lane"`
	Aligned bool      `json:"aligned"`
	Start   time.Time `json:"start"`
	End     time.Time `json:"end"`
	Members []Member  `json:"members"`
}

// Cameras returns the sorted distinct cameras in the cluster.
func (c Cluster) Cameras() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, m := range c.Members {
		if _, ok := seen[m.Camera]; ok {
			continue
		}
		seen[m.Camera] = struct{}{}
		out = append(out, m.Camera)
	}
	sort.Strings(out)
	return out
}

// SegmentIDs returns member ids in member order.
func (c Cluster) SegmentIDs() []string {
	out := make([]string, len(c.Members))
	for i, m := range c.Members {
		out[i] = m.SegmentID
	}
	return out
}

type open struct {
	seq     int
	seed    Item
	members []Item
	stats   []Member
	cameras map[string]struct{}
	start   float64
	maxEnd  float64
	index   int
}

type openHeap []*open

func (h openHeap) Len() int { return len(h) }
func (h openHeap) Less(i, j int) bool {
	if h[i].maxEnd != h[j].maxEnd {
		return h[i].maxEnd < h[j].maxEnd
	}
	return h[i].seq < h[j].seq
}
func (h openHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *openHeap) Push(x any) {
	c := x.(*open)
	c.index = len(*h)
	*h = append(*h, c)
}
func (h *openHeap) Pop() any {
	old := *h
	n := len(old)
	c := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return c
}

// Sweep partitions one lane's items into clusters with a single pass over
// items ordered by start. Open clusters are indexed by their latest member
// end, so a cluster closes as soon as the sweep passes it. In the global lane
// a camera never appears twice in one cluster.
func Sweep(lane string, items []Item, p Params, logger *slog.Logger) []Cluster {
	logger = logging.NewComponentLogger(logger, "clustering")
	sorted := append([]Item(nil), items...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Start != b.Start {
			return a.Start < b.Start
		}
		if a.Camera != b.Camera {
			return a.Camera < b.Camera
		}
		return a.SegmentID < b.SegmentID
	})

	exclusive := lane == GlobalLane
	var (
		active openHeap
		closed []*open
		seq    int
	)
	for _, item := range sorted {
		for active.Len() > 0 && active[0].maxEnd <= item.Start {
			closed = append(closed, heap.Pop(&active).(*open))
		}

		var best *open
		var bestOverlap, bestSimilarity float64
		if item.HasAudio() && item.Duration() > 0 {
			for _, c := range active {
				if !c.seed.HasAudio() {
					continue
				}
				if _, dup := c.cameras[item.Camera]; exclusive && dup {
					continue
				}
				overlap := overlapFraction(c, item)
				if overlap < p.MinOverlapFraction {
					continue
				}
				similarity := Similarity(c.seed, item, p.ResidualLagSeconds)
				if similarity < p.SimilarityThreshold {
					continue
				}
				if best == nil || overlap > bestOverlap+1e-12 ||
					(math.Abs(overlap-bestOverlap) <= 1e-12 && (similarity > bestSimilarity+1e-12 ||
						(math.Abs(similarity-bestSimilarity) <= 1e-12 && c.seq < best.seq))) {
					best, bestOverlap, bestSimilarity = c, overlap, similarity
				}
			}
		}

		if best != nil {
			best.add(item, bestOverlap, bestSimilarity)
			heap.Fix(&active, best.index)
			continue
		}
		c := &open{seq: seq, seed: item, cameras: make(map[string]struct{}), start: item.Start, maxEnd: item.Start}
		seq++
		c.add(item, 1, 1)
		heap.Push(&active, c)
	}
	for active.Len() > 0 {
		closed = append(closed, heap.Pop(&active).(*open))
	}

	out := make([]Cluster, 0, len(closed))
	for _, c := range closed {
		out = append(out, c.finalize(lane))
	}
	SortClusters(out)
	logger.Debug("lane clustered",
		logging.String("lane", lane),
		logging.Int("segments", len(items)),
		logging.Int("clusters", len(out)),
	)
	return out
}

func (c *open) add(item Item, overlap, similarity float64) {
	c.members = append(c.members, item)
	c.cameras[item.Camera] = struct{}{}
	if item.End > c.maxEnd {
		c.maxEnd = item.End
	}
	c.stats = append(c.stats, Member{
		SegmentID:  item.SegmentID,
		Camera:     item.Camera,
		Start:      toTime(item.Start),
		End:        toTime(item.End),
		Overlap:    round6(overlap),
		Similarity: round6(similarity),
	})
}

func (c *open) finalize(lane string) Cluster {
	members := append([]Member(nil), c.stats...)
	sort.SliceStable(members, func(i, j int) bool {
		a, b := members[i], members[j]
		if !a.Start.Equal(b.Start) {
			return a.Start.Before(b.Start)
		}
		if a.Camera != b.Camera {
			return a.Camera < b.Camera
		}
		return a.SegmentID < b.SegmentID
	})
	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = m.SegmentID
	}
	return Cluster{
		ID:      ClusterID(ids),
		Lane:    lane,
		Aligned: lane == GlobalLane,
		Start:   toTime(c.start),
		End:     toTime(c.maxEnd),
		Members: members,
	}
}

// overlapFraction is the largest overlap between item and any member,
// relative to the shorter of the two.
func overlapFraction(c *open, item Item) float64 {
	best := 0.0
	for _, m := range c.members {
		shorter := math.Min(m.Duration(), item.Duration())
		if shorter <= 0 {
			continue
		}
		overlap := math.Min(m.End, item.End) - math.Max(m.Start, item.Start)
		if overlap <= 0 {
			continue
		}
		if f := overlap / shorter; f > best {
			best = f
		}
	}
	if best > 1 {
		best = 1
	}
	return best
}

// Similarity is the peak fingerprint correlation between two items within
// a small residual lag around their placed positions.
func Similarity(a, b Item, residualLagSeconds float64) float64 {
	if !a.HasAudio() || !b.HasAudio() {
		return 0
	}
	hz := a.Hz
	origin := math.Min(a.Start, b.Start)
	gridA := fingerprint.Render(origin, hz, []fingerprint.Placement{{StartSeconds: a.Start, Values: a.Fingerprint, Hz: a.Hz}})
	gridB := fingerprint.Render(origin, hz, []fingerprint.Placement{{StartSeconds: b.Start, Values: b.Fingerprint, Hz: b.Hz}})
	maxLag := int(math.Round(residualLagSeconds * hz))
	minOverlap := int(math.Max(2, math.Round(hz)))
	peak, ok := fingerprint.BestLag(gridA.Samples, gridB.Samples, -maxLag, maxLag, minOverlap)
	if !ok {
		return 0
	}
	return peak.Correlation
}

// ClusterID derives a stable identifier from the member segment ids.
func ClusterID(segmentIDs []string) string {
	ids := append([]string(nil), segmentIDs...)
	sort.Strings(ids)
	sum := sha256.Sum256([]byte(strings.Join(ids, "\n")))
	return hex.EncodeToString(sum[:])[:16]
}

// SortClusters orders clusters by start, lane, then id.
func SortClusters(clusters []Cluster) {
	sort.SliceStable(clusters, func(i, j int) bool {
		a, b := clusters[i], clusters[j]
		if !a.Start.Equal(b.Start) {
			return a.Start.Before(b.Start)
		}
		if a.Lane != b.Lane {
			return a.Lane < b.Lane
		}
		return a.ID < b.ID
	})
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

// Partition sweeps every lane and returns all clusters in sorted order.
func Partition(items []Item, p Params, logger *slog.Logger) []Cluster {
	lanes := Lanes(items)
	var out []Cluster
	for _, lane := range LaneNames(items) {
		out = append(out, Sweep(lane, lanes[lane], p, logger)...)
	}
	SortClusters(out)
	return out
}
