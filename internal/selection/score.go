package selection

import (
	"math"
	"sort"

	"camstitch/internal/config"
	"camstitch/internal/media"
	"camstitch/internal/media/fingerprint"
)

// Params tunes scoring and the acceptance floors.
type Params struct {
	MinAudioScore         float64
	MinVideoScore         float64
	VideoQualityWeight    float64
	SNRCeilingDB          float64
	SpeakerMatchThreshold float64
}

// ParamsFromConfig derives Params from the configuration snapshot.
func ParamsFromConfig(cfg *config.Config) Params {
	return Params{
		MinAudioScore:         cfg.Selection.MinAudioScore,
		MinVideoScore:         cfg.Selection.MinVideoScore,
		VideoQualityWeight:    cfg.Selection.VideoQualityWeight,
		SNRCeilingDB:          cfg.Selection.SNRCeilingDB,
		SpeakerMatchThreshold: cfg.Selection.SpeakerMatchThreshold,
	}
}

// Candidate is one cluster member offered for selection.
type Candidate struct {
	SegmentID string
	Camera    string
	Duration  float64
	Vector    media.FeatureVector
}

// CandidateScore records how a candidate scored for each role. A role score
// is only meaningful when the matching Has flag is set.
type CandidateScore struct {
	SegmentID     string  `json:"segment_id"`
	Camera        string  `json:"camera"`
	HasAudio      bool    `json:"has_audio"`
	HasVideo      bool    `json:"has_video"`
	AudioScore    float64 `json:"audio_score"`
	VideoScore    float64 `json:"video_score"`
	SNRDB         float64 `json:"snr_db"`
	ClippingRatio float64 `json:"clipping_ratio"`
	DropoutRatio  float64 `json:"dropout_ratio"`
	VisualQuality float64 `json:"visual_quality"`
	Centricity    float64 `json:"speaker_centricity"`
}

// AudioScore rates a vector's audio: normalized SNR scaled down by clipping
// and dropouts. Vectors without audio score zero.
func AudioScore(vec media.FeatureVector, p Params) float64 {
	if !vec.HasAudio || p.SNRCeilingDB <= 0 {
		return 0
	}
	snr := clamp01(vec.SNRDB / p.SNRCeilingDB)
	return snr * (1 - clamp01(vec.ClippingRatio)) * (1 - clamp01(vec.DropoutRatio))
}

// VideoScore blends visual quality with speaker-centricity.
func VideoScore(vec media.FeatureVector, centricity float64, p Params) float64 {
	if !vec.HasVideo {
		return 0
	}
	w := clamp01(p.VideoQualityWeight)
	return w*clamp01(vec.VisualQuality) + (1-w)*clamp01(centricity)
}

// ScoreCluster scores every candidate of one cluster. Centricity is measured
// against the cluster's dominant speaker. The result is sorted by segment id.
func ScoreCluster(candidates []Candidate, p Params) []CandidateScore {
	sorted := append([]Candidate(nil), candidates...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].SegmentID < sorted[j].SegmentID })

	dominant := DominantSpeaker(sorted, p.SpeakerMatchThreshold)
	out := make([]CandidateScore, 0, len(sorted))
	for _, c := range sorted {
		vec := c.Vector
		centricity := dominant.Centricity(c)
		out = append(out, CandidateScore{
			SegmentID:     c.SegmentID,
			Camera:        c.Camera,
			HasAudio:      vec.HasAudio,
			HasVideo:      vec.HasVideo,
			AudioScore:    round6(AudioScore(vec, p)),
			VideoScore:    round6(VideoScore(vec, centricity, p)),
			SNRDB:         round6(vec.SNRDB),
			ClippingRatio: round6(vec.ClippingRatio),
			DropoutRatio:  round6(vec.DropoutRatio),
			VisualQuality: round6(vec.VisualQuality),
			Centricity:    round6(centricity),
		})
	}
	return out
}

// Speaker is a group of turns whose embeddings match.
type Speaker struct {
	centroid []float64
	members  []turnRef
	duration float64
}

type turnRef struct {
	segmentID string
	turn      media.SpeakerTurn
}

// DominantSpeaker groups every speaker turn in the cluster by embedding
// similarity and returns the group with the most turns. Ties go to the longer
// total speaking time, then to the group formed first. The zero Speaker is
// returned when no turn carries an embedding.
func DominantSpeaker(candidates []Candidate, threshold float64) Speaker {
	var groups []*Speaker
	for _, c := range candidates {
		for _, turn := range c.Vector.SpeakerTurns {
			if len(turn.Embedding) == 0 {
				continue
			}
			var match *Speaker
			bestSim := math.Inf(-1)
			for _, g := range groups {
				sim := fingerprint.Cosine(g.centroid, turn.Embedding)
				if sim >= threshold && sim > bestSim {
					match, bestSim = g, sim
				}
			}
			if match == nil {
				match = &Speaker{}
				groups = append(groups, match)
			}
			match.add(c.SegmentID, turn)
		}
	}
	var best *Speaker
	for _, g := range groups {
		if best == nil || len(g.members) > len(best.members) ||
			(len(g.members) == len(best.members) && g.duration > best.duration+1e-9) {
			best = g
		}
	}
	if best == nil {
		return Speaker{}
	}
	return *best
}

func (s *Speaker) add(segmentID string, turn media.SpeakerTurn) {
	n := float64(len(s.members))
	if s.centroid == nil {
		s.centroid = append([]float64(nil), turn.Embedding...)
	} else if len(s.centroid) == len(turn.Embedding) {
		for i := range s.centroid {
			s.centroid[i] = (s.centroid[i]*n + turn.Embedding[i]) / (n + 1)
		}
	}
	s.members = append(s.members, turnRef{segmentID: segmentID, turn: turn})
	s.duration += turn.Length()
}

// Turns returns how many turns the speaker owns.
func (s Speaker) Turns() int {
	return len(s.members)
}

// Centricity is the fraction of the candidate's duration in which the
// speaker talks while framed.
func (s Speaker) Centricity(c Candidate) float64 {
	duration := c.Duration
	if duration <= 0 {
		duration = c.Vector.DurationSeconds
	}
	if duration <= 0 || len(s.members) == 0 {
		return 0
	}
	var framed float64
	for _, ref := range s.members {
		if ref.segmentID == c.SegmentID && ref.turn.Framed {
			framed += ref.turn.Length()
		}
	}
	return clamp01(framed / duration)
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
