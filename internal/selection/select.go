package selection

import (
	"math"
	"sort"
)

// Status reports whether a cluster received an automatic choice.
type Status string

const (
	StatusSelected              Status = "selected"
	StatusNoAcceptableCandidate Status = "no_acceptable_candidate"
)

// Role names a selection slot.
type Role string

const (
	RoleAudio Role = "audio"
	RoleVideo Role = "video"
)

// Pick is the winner of one role.
type Pick struct {
	SegmentID string  `json:"segment_id"`
	Camera    string  `json:"camera"`
	Score     float64 `json:"score"`
}

// Selection is the outcome for one cluster. Runner-up lists keep every other
// candidate for the role in rank order, including those below the floor.
type Selection struct {
	ClusterID      string           `json:"cluster_id"`
	Status         Status           `json:"status"`
	Audio          *Pick            `json:"audio,omitempty"`
	Video          *Pick            `json:"video,omitempty"`
	AudioRunnersUp []string         `json:"audio_runners_up"`
	VideoRunnersUp []string         `json:"video_runners_up"`
	Reasons        []string         `json:"reasons,omitempty"`
	Candidates     []CandidateScore `json:"candidates"`
}

// NeedsReview reports whether the cluster must be resolved by hand.
func (s Selection) NeedsReview() bool {
	return s.Status == StatusNoAcceptableCandidate
}

// CameraHistory is a camera's average role scores across the run.
type CameraHistory struct {
	Audio float64 `json:"audio"`
	Video float64 `json:"video"`
}

// History maps camera to its run-wide averages.
type History map[string]CameraHistory

// BuildHistory averages each camera's role scores over every cluster of the
// run. Only candidates carrying the track count toward a role.
func BuildHistory(clusters [][]CandidateScore) History {
	type acc struct {
		audio, video   float64
		nAudio, nVideo int
	}
	sums := make(map[string]*acc)
	for _, scores := range clusters {
		for _, s := range scores {
			a, ok := sums[s.Camera]
			if !ok {
				a = &acc{}
				sums[s.Camera] = a
			}
			if s.HasAudio {
				a.audio += s.AudioScore
				a.nAudio++
			}
			if s.HasVideo {
				a.video += s.VideoScore
				a.nVideo++
			}
		}
	}
	out := make(History, len(sums))
	for camera, a := range sums {
		var h CameraHistory
		if a.nAudio > 0 {
			h.Audio = round6(a.audio / float64(a.nAudio))
		}
		if a.nVideo > 0 {
			h.Video = round6(a.video / float64(a.nVideo))
		}
		out[camera] = h
	}
	return out
}

// Select picks the best audio and video candidates of a cluster. A role
// applies when any candidate carries its track; when an applicable role has
// no candidate at or above the floor the cluster is flagged for review
// instead of receiving a poor automatic choice for that role.
func Select(clusterID string, scores []CandidateScore, history History, p Params) Selection {
	sel := Selection{
		ClusterID:      clusterID,
		Status:         StatusSelected,
		AudioRunnersUp: []string{},
		VideoRunnersUp: []string{},
		Candidates:     scores,
	}

	audio := rank(scores, RoleAudio, history)
	video := rank(scores, RoleVideo, history)
	if len(audio) == 0 && len(video) == 0 {
		sel.Status = StatusNoAcceptableCandidate
		sel.Reasons = append(sel.Reasons, "no candidate carries audio or video")
		return sel
	}

	if pick, rest, ok := choose(audio, RoleAudio, p.MinAudioScore); len(audio) > 0 {
		sel.AudioRunnersUp = rest
		if ok {
			sel.Audio = &pick
		} else {
			sel.Status = StatusNoAcceptableCandidate
			sel.Reasons = append(sel.Reasons, "no audio candidate reached min_audio_score")
		}
	}
	if pick, rest, ok := choose(video, RoleVideo, p.MinVideoScore); len(video) > 0 {
		sel.VideoRunnersUp = rest
		if ok {
			sel.Video = &pick
		} else {
			sel.Status = StatusNoAcceptableCandidate
			sel.Reasons = append(sel.Reasons, "no video candidate reached min_video_score")
		}
	}
	return sel
}

func choose(ranked []CandidateScore, role Role, floor float64) (Pick, []string, bool) {
	var rest []string
	var pick Pick
	found := false
	for _, c := range ranked {
		score := roleScore(c, role)
		if !found && score >= floor {
			pick = Pick{SegmentID: c.SegmentID, Camera: c.Camera, Score: score}
			found = true
			continue
		}
		rest = append(rest, c.SegmentID)
	}
	if rest == nil {
		rest = []string{}
	}
	return pick, rest, found
}

// rank orders the candidates carrying the role's track: higher score, then
// higher camera history, then lower camera id, then lower segment id.
func rank(scores []CandidateScore, role Role, history History) []CandidateScore {
	var eligible []CandidateScore
	for _, s := range scores {
		if (role == RoleAudio && s.HasAudio) || (role == RoleVideo && s.HasVideo) {
			eligible = append(eligible, s)
		}
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		sa, sb := roleScore(a, role), roleScore(b, role)
		if math.Abs(sa-sb) > 1e-9 {
			return sa > sb
		}
		ha, hb := historyScore(history, a.Camera, role), historyScore(history, b.Camera, role)
		if math.Abs(ha-hb) > 1e-9 {
			return ha > hb
		}
		if a.Camera != b.Camera {
			return a.Camera < b.Camera
		}
		return a.SegmentID < b.SegmentID
	})
	return eligible
}

func roleScore(s CandidateScore, role Role) float64 {
	if role == RoleAudio {
		return s.AudioScore
	}
	return s.VideoScore
}

func historyScore(h History, camera string, role Role) float64 {
	entry, ok := h[camera]
	if !ok {
		return 0
	}
	if role == RoleAudio {
		return entry.Audio
	}
	return entry.Video
}
