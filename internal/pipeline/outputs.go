package pipeline

import (
	"camstitch/internal/alignment"
	"camstitch/internal/clustering"
	"camstitch/internal/media"
	"camstitch/internal/selection"
	"camstitch/internal/services"
)

// DiscoverOutput is the stored output of the discover stage.
type DiscoverOutput struct {
	Segments []media.Segment `json:"segments"`
}

// Exclusion records a segment dropped from the run.
type Exclusion struct {
	SegmentID string             `json:"segment_id"`
	Camera    string             `json:"camera"`
	Path      string             `json:"path"`
	Status    string             `json:"status"`
	ErrorKind services.ErrorKind `json:"error_kind"`
	Error     string             `json:"error"`
}

// ExtractOutput lists the segments whose features are available, with their
// durations resolved, and the segments that were excluded. FeatureHash keys
// the vectors in the feature store.
type ExtractOutput struct {
	FeatureHash string          `json:"feature_hash"`
	Segments    []media.Segment `json:"segments"`
	Excluded    []Exclusion     `json:"excluded"`
}

// AlignOutput is the stored output of the align stage.
type AlignOutput = alignment.Result

// ClusterOutput is the stored output of the cluster stage.
type ClusterOutput struct {
	Clusters []clustering.Cluster `json:"clusters"`
}

// DedupeOutput is the stored output of the dedupe stage.
type DedupeOutput struct {
	History    selection.History     `json:"camera_history"`
	Selections []selection.Selection `json:"selections"`
}

// MuxPlan tells the downstream muxer how to combine the chosen audio and
// video. Window bounds are on the global clock; trims are offsets into each
// source file. AudioOffsetSeconds is audio start minus video start, so a
// positive value delays the audio.
type MuxPlan struct {
	VideoSegmentID     string   `json:"video_segment_id"`
	AudioSegmentID     string   `json:"audio_segment_id"`
	VideoPath          string   `json:"video_path"`
	AudioPath          string   `json:"audio_path"`
	AudioOffsetSeconds float64  `json:"audio_offset_seconds"`
	WindowStart        float64  `json:"window_start"`
	WindowEnd          float64  `json:"window_end"`
	VideoTrimSeconds   float64  `json:"video_trim_seconds"`
	AudioTrimSeconds   float64  `json:"audio_trim_seconds"`
	DurationSeconds    float64  `json:"duration_seconds"`
	Command            []string `json:"command"`
}

// Annotation pairs a selection with its mux plan. Plan is nil when the
// cluster lacks an audio or video pick, or the picks never overlap.
type Annotation struct {
	ClusterID string   `json:"cluster_id"`
	Plan      *MuxPlan `json:"plan,omitempty"`
	Note      string   `json:"note,omitempty"`
}

// AnnotateOutput is the stored output of the annotate stage.
type AnnotateOutput struct {
	Annotations []Annotation `json:"annotations"`
}

// PackagedFile describes one written artifact.
type PackagedFile struct {
	Name   string `json:"name"`
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
}

// PackageOutput is the stored output of the package stage.
type PackageOutput struct {
	Files []PackagedFile `json:"files"`
}
