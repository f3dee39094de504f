package discovery

import (
	"sort"

	"camstitch/internal/media"
)

// Survey summarizes a discovered input set.
type Survey struct {
	Files           int                    `json:"files"`
	TotalBytes      int64                  `json:"total_bytes"`
	Cameras         map[string]int         `json:"cameras"`
	Modalities      map[media.Modality]int `json:"modalities"`
	TotalDuration   float64                `json:"total_duration_seconds"`
	MedianDuration  float64                `json:"median_duration_seconds"`
	UnknownDuration int                    `json:"unknown_duration"`
	InputSetHash    string                 `json:"input_set_hash"`
}

// Summarize builds a Survey. Segments with an unknown duration are counted
// but excluded from the duration statistics.
func Summarize(segments []media.Segment) Survey {
	s := Survey{
		Files:        len(segments),
		Cameras:      make(map[string]int),
		Modalities:   make(map[media.Modality]int),
		InputSetHash: media.InputSetHash(segments),
	}
	var durations []float64
	for _, seg := range segments {
		s.TotalBytes += seg.Size
		s.Cameras[seg.Camera]++
		s.Modalities[seg.Modality]++
		if seg.Duration <= 0 {
			s.UnknownDuration++
			continue
		}
		s.TotalDuration += seg.Duration
		durations = append(durations, seg.Duration)
	}
	s.MedianDuration = median(durations)
	return s
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}
