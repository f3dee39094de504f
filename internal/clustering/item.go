package clustering

import (
	"math"
	"sort"
	"time"

	"camstitch/internal/alignment"
	"camstitch/internal/media"
)

// GlobalLane holds every segment from an aligned camera.
const GlobalLane = "global"

// LaneFor returns the clustering lane of a camera. Unaligned cameras get a
// lane of their own on their local clock.
func LaneFor(offset alignment.Offset) string {
	if offset.Aligned() {
		return GlobalLane
	}
	return "camera:" + offset.Camera
}

// Item is a segment positioned on its lane's clock.
type Item struct {
	SegmentID   string
	Camera      string
	Lane        string
	Start       float64
	End         float64
	Fingerprint []float64
	Hz          float64
}

// Duration returns the item length in seconds.
func (i Item) Duration() float64 {
	if i.End <= i.Start {
		return 0
	}
	return i.End - i.Start
}

// HasAudio reports whether the item can be compared by fingerprint.
func (i Item) HasAudio() bool {
	return len(i.Fingerprint) > 0 && i.Hz > 0
}

// BuildItems places segments on their lanes. Cameras missing from the
// alignment result are treated as unaligned.
func BuildItems(segments []media.Segment, vectors map[string]media.FeatureVector, aligned alignment.Result) []Item {
	items := make([]Item, 0, len(segments))
	for _, seg := range segments {
		vec := vectors[seg.ID]
		placed := media.Placed(seg, vec)
		offset, ok := aligned.Lookup(seg.Camera)
		if !ok {
			offset = alignment.Offset{Camera: seg.Camera, Status: alignment.StatusUnaligned}
		}
		start := media.Seconds(offset.Global(placed.Start))
		item := Item{
			SegmentID: seg.ID,
			Camera:    seg.Camera,
			Lane:      LaneFor(offset),
			Start:     start,
			End:       start + placed.Duration,
		}
		if vec.HasAudio && len(vec.AudioFingerprint) > 0 {
			item.Fingerprint = vec.AudioFingerprint
			item.Hz = vec.FingerprintHz
		}
		items = append(items, item)
	}
	return items
}

// Lanes groups items by lane.
func Lanes(items []Item) map[string][]Item {
	out := make(map[string][]Item)
	for _, item := range items {
		out[item.Lane] = append(out[item.Lane], item)
	}
	return out
}

// LaneNames returns the sorted lane names present in items.
func LaneNames(items []Item) []string {
	seen := make(map[string]struct{})
	var names []string
	for _, item := range items {
		if _, ok := seen[item.Lane]; ok {
			continue
		}
		seen[item.Lane] = struct{}{}
		names = append(names, item.Lane)
	}
	sort.Strings(names)
	return names
}

func toTime(seconds float64) time.Time {
	return time.Unix(0, int64(math.Round(seconds*float64(time.Second)))).UTC()
}
