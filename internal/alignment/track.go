package alignment

import (
	"math"
	"sort"

	"camstitch/internal/media"
	"camstitch/internal/media/fingerprint"
)

// Track is one camera's audio fingerprints placed on its local clock.
type Track struct {
	Camera     string
	Placements []fingerprint.Placement
	FirstStart float64
	End        float64
}

// HasAudio reports whether the track carries any fingerprint samples.
func (t Track) HasAudio() bool {
	return len(t.Placements) > 0
}

// BuildTracks groups fingerprinted segments per camera. Segments without an
// audio fingerprint still set FirstStart so reference tie-breaks see them.
// The result is sorted by camera.
func BuildTracks(segments []media.Segment, vectors map[string]media.FeatureVector) []Track {
	byCamera := make(map[string]*Track)
	var order []string
	for _, seg := range segments {
		track, ok := byCamera[seg.Camera]
		if !ok {
			track = &Track{Camera: seg.Camera, FirstStart: math.Inf(1), End: math.Inf(-1)}
			byCamera[seg.Camera] = track
			order = append(order, seg.Camera)
		}
		start := seg.StartSeconds()
		if start < track.FirstStart {
			track.FirstStart = start
		}
		vec, ok := vectors[seg.ID]
		if !ok || !vec.HasAudio || len(vec.AudioFingerprint) == 0 || vec.FingerprintHz <= 0 {
			continue
		}
		placement := fingerprint.Placement{StartSeconds: start, Values: vec.AudioFingerprint, Hz: vec.FingerprintHz}
		track.Placements = append(track.Placements, placement)
		if end := start + vec.FingerprintDuration(); end > track.End {
			track.End = end
		}
	}
	sort.Strings(order)
	out := make([]Track, 0, len(order))
	for _, camera := range order {
		track := byCamera[camera]
		sort.SliceStable(track.Placements, func(i, j int) bool {
			return track.Placements[i].StartSeconds < track.Placements[j].StartSeconds
		})
		out = append(out, *track)
	}
	return out
}

func (t Track) render(origin, hz float64) fingerprint.Grid {
	return fingerprint.Render(origin, hz, t.Placements)
}

// ContinuousCoverage returns the longest uninterrupted stretch of audio in
// seconds when rendered at hz.
func (t Track) ContinuousCoverage(hz float64) float64 {
	if !t.HasAudio() || hz <= 0 {
		return 0
	}
	grid := t.render(t.Placements[0].StartSeconds, hz)
	longest, run := 0, 0
	for _, v := range grid.Samples {
		if fingerprint.IsGap(v) {
			run = 0
			continue
		}
		run++
		if run > longest {
			longest = run
		}
	}
	return float64(longest) / hz
}
