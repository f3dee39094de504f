package media

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Modality describes which tracks a segment carries.
type Modality string

const (
	ModalityAudioVideo Modality = "audio_video"
	ModalityVideoOnly  Modality = "video_only"
	ModalityAudioOnly  Modality = "audio_only"
)

// HasAudio reports whether the modality carries an audio track.
func (m Modality) HasAudio() bool {
	return m == ModalityAudioVideo || m == ModalityAudioOnly
}

// HasVideo reports whether the modality carries a video track.
func (m Modality) HasVideo() bool {
	return m == ModalityAudioVideo || m == ModalityVideoOnly
}

// Segment is a contiguous span of one camera's recording. Start is expressed
// in the camera's local clock. A zero Duration means the length was not known
// at discovery time; Placed resolves it from extracted features.
type Segment struct {
	ID       string    `json:"id"`
	Camera   string    `json:"camera"`
	Path     string    `json:"path"`
	Start    time.Time `json:"start"`
	Duration float64   `json:"duration_seconds"`
	Modality Modality  `json:"modality"`
	Size     int64     `json:"size"`
	ModTime  time.Time `json:"mod_time"`
}

// End returns the local end time, equal to Start when the duration is unknown.
func (s Segment) End() time.Time {
	return s.Start.Add(time.Duration(s.Duration * float64(time.Second)))
}

// StartSeconds returns Start as fractional seconds since the Unix epoch.
func (s Segment) StartSeconds() float64 {
	return Seconds(s.Start)
}

// Seconds converts a timestamp to fractional Unix seconds.
func Seconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// SegmentID derives the stable identity of a media file from its absolute
// path, size and modification time. Any change to the file yields a new id.
func SegmentID(path string, size int64, modTime time.Time) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%d\x00%d", filepath.Clean(path), size, modTime.UnixNano())
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// SortSegments orders segments by camera, local start, then id.
func SortSegments(segments []Segment) {
	sort.SliceStable(segments, func(i, j int) bool {
		a, b := segments[i], segments[j]
		if a.Camera != b.Camera {
			return a.Camera < b.Camera
		}
		if !a.Start.Equal(b.Start) {
			return a.Start.Before(b.Start)
		}
		return a.ID < b.ID
	})
}

// InputSetHash fingerprints a discovered segment set. The hash is independent
// of slice order and keys the persisted run record.
func InputSetHash(segments []Segment) string {
	lines := make([]string, 0, len(segments))
	for _, seg := range segments {
		lines = append(lines, fmt.Sprintf("%s|%s|%d|%d|%s|%d|%.6f|%s",
			seg.Path, seg.ID, seg.Size, seg.ModTime.UnixNano(), seg.Camera, seg.Start.UnixNano(), seg.Duration, seg.Modality))
	}
	sort.Strings(lines)
	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(sum[:])
}

// Cameras returns the sorted distinct camera identifiers.
func Cameras(segments []Segment) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, seg := range segments {
		if _, ok := seen[seg.Camera]; ok {
			continue
		}
		seen[seg.Camera] = struct{}{}
		out = append(out, seg.Camera)
	}
	sort.Strings(out)
	return out
}
