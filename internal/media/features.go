package media

import (
	"errors"
	"fmt"
	"math"
)

// SpeakerTurn is a stretch of speech attributed to one voice. Times are
// seconds relative to the segment start. Framed is true when the speaker is
// visible in frame for the turn.
type SpeakerTurn struct {
	Start     float64   `json:"start"`
	End       float64   `json:"end"`
	Embedding []float64 `json:"embedding"`
	Framed    bool      `json:"framed"`
}

// Length returns the turn duration in seconds.
func (t SpeakerTurn) Length() float64 {
	if t.End <= t.Start {
		return 0
	}
	return t.End - t.Start
}

// FeatureVector is the derived data the extraction collaborator produces for
// one segment. Absence is explicit: HasAudio false means the fingerprint and
// audio metrics are meaningless, HasVideo false means VisualQuality and turn
// framing are.
type FeatureVector struct {
	HasAudio         bool          `json:"has_audio"`
	HasVideo         bool          `json:"has_video"`
	AudioFingerprint []float64     `json:"audio_fingerprint,omitempty"`
	FingerprintHz    float64       `json:"fingerprint_hz"`
	SNRDB            float64       `json:"snr_db"`
	ClippingRatio    float64       `json:"clipping_ratio"`
	DropoutRatio     float64       `json:"dropout_ratio"`
	VisualQuality    float64       `json:"visual_quality"`
	DurationSeconds  float64       `json:"duration_seconds"`
	SpeakerTurns     []SpeakerTurn `json:"speaker_turns,omitempty"`
}

// FingerprintDuration returns the span covered by the audio fingerprint.
func (v FeatureVector) FingerprintDuration() float64 {
	if v.FingerprintHz <= 0 {
		return 0
	}
	return float64(len(v.AudioFingerprint)) / v.FingerprintHz
}

// Validate rejects vectors whose values cannot be scored.
func (v FeatureVector) Validate() error {
	var errs []error
	if v.HasAudio {
		if len(v.AudioFingerprint) > 0 && v.FingerprintHz <= 0 {
			errs = append(errs, errors.New("fingerprint_hz must be positive when a fingerprint is present"))
		}
		for i, x := range v.AudioFingerprint {
			if math.IsNaN(x) || math.IsInf(x, 0) {
				errs = append(errs, fmt.Errorf("audio_fingerprint[%d] is not finite", i))
				break
			}
		}
		if err := ratio("clipping_ratio", v.ClippingRatio); err != nil {
			errs = append(errs, err)
		}
		if err := ratio("dropout_ratio", v.DropoutRatio); err != nil {
			errs = append(errs, err)
		}
		if math.IsNaN(v.SNRDB) || math.IsInf(v.SNRDB, 0) {
			errs = append(errs, errors.New("snr_db is not finite"))
		}
	}
	if v.HasVideo {
		if err := ratio("visual_quality", v.VisualQuality); err != nil {
			errs = append(errs, err)
		}
	}
	if v.DurationSeconds < 0 || math.IsNaN(v.DurationSeconds) {
		errs = append(errs, errors.New("duration_seconds must not be negative"))
	}
	return errors.Join(errs...)
}

func ratio(name string, value float64) error {
	if math.IsNaN(value) || value < 0 || value > 1 {
		return fmt.Errorf("%s must be between 0 and 1", name)
	}
	return nil
}

// Placed resolves the segment duration when discovery could not determine it,
// using the extracted duration or the fingerprint span. The input is not
// modified.
func Placed(seg Segment, vec FeatureVector) Segment {
	if seg.Duration > 0 {
		return seg
	}
	switch {
	case vec.DurationSeconds > 0:
		seg.Duration = vec.DurationSeconds
	case vec.FingerprintDuration() > 0:
		seg.Duration = vec.FingerprintDuration()
	}
	return seg
}
