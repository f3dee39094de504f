package selection

import (
	"math"
	"testing"

	"camstitch/internal/media"
)

func testParams() Params {
	return Params{
		MinAudioScore:         0.15,
		MinVideoScore:         0.15,
		VideoQualityWeight:    0.5,
		SNRCeilingDB:          30,
		SpeakerMatchThreshold: 0.75,
	}
}

func av(snr, visual float64) media.FeatureVector {
	return media.FeatureVector{HasAudio: true, HasVideo: true, SNRDB: snr, VisualQuality: visual, DurationSeconds: 30}
}

func TestAudioScore(t *testing.T) {
	p := testParams()
	vec := media.FeatureVector{HasAudio: true, SNRDB: 15, ClippingRatio: 0.5, DropoutRatio: 0.2}
	if got := AudioScore(vec, p); math.Abs(got-0.2) > 1e-9 {
		t.Fatalf("expected 0.2, got %v", got)
	}
	if got := AudioScore(media.FeatureVector{HasAudio: true, SNRDB: 90}, p); got != 1 {
		t.Fatalf("expected SNR clamp to 1, got %v", got)
	}
	if got := AudioScore(media.FeatureVector{SNRDB: 30}, p); got != 0 {
		t.Fatalf("expected zero without audio, got %v", got)
	}
}

func TestSelectPicksHigherAudio(t *testing.T) {
	p := testParams()
	scores := ScoreCluster([]Candidate{
		{SegmentID: "a1", Camera: "a", Duration: 30, Vector: av(24, 0.4)},
		{SegmentID: "b1", Camera: "b", Duration: 30, Vector: av(12, 0.8)},
	}, p)
	sel := Select("c1", scores, BuildHistory([][]CandidateScore{scores}), p)
	if sel.Status != StatusSelected || sel.Audio == nil || sel.Video == nil {
		t.Fatalf("unexpected selection %+v", sel)
	}
	if sel.Audio.Camera != "a" || sel.Video.Camera != "b" {
		t.Fatalf("expected audio a / video b, got %+v / %+v", sel.Audio, sel.Video)
	}
	if len(sel.AudioRunnersUp) != 1 || sel.AudioRunnersUp[0] != "b1" {
		t.Fatalf("expected runner-up b1, got %v", sel.AudioRunnersUp)
	}
}

func TestTieBreakLowestCamera(t *testing.T) {
	p := testParams()
	for i := 0; i < 5; i++ {
		scores := ScoreCluster([]Candidate{
			{SegmentID: "z9", Camera: "cam-b", Duration: 30, Vector: av(20, 0.6)},
			{SegmentID: "a1", Camera: "cam-a", Duration: 30, Vector: av(20, 0.6)},
		}, p)
		sel := Select("c", scores, History{}, p)
		if sel.Audio.Camera != "cam-a" || sel.Video.Camera != "cam-a" {
			t.Fatalf("expected cam-a on tie, got %+v / %+v", sel.Audio, sel.Video)
		}
	}
}

func TestTieBreakHistory(t *testing.T) {
	p := testParams()
	scores := ScoreCluster([]Candidate{
		{SegmentID: "a1", Camera: "a", Duration: 30, Vector: av(20, 0.6)},
		{SegmentID: "b1", Camera: "b", Duration: 30, Vector: av(20, 0.6)},
	}, p)
	history := History{"a": {Audio: 0.2, Video: 0.2}, "b": {Audio: 0.9, Video: 0.9}}
	sel := Select("c", scores, history, p)
	if sel.Audio.Camera != "b" || sel.Video.Camera != "b" {
		t.Fatalf("expected history to favour b, got %+v / %+v", sel.Audio, sel.Video)
	}
}

func TestNoAcceptableCandidate(t *testing.T) {
	p := testParams()
	scores := ScoreCluster([]Candidate{
		{SegmentID: "a1", Camera: "a", Duration: 30, Vector: av(1, 0.9)},
		{SegmentID: "b1", Camera: "b", Duration: 30, Vector: av(2, 0.8)},
	}, p)
	sel := Select("c", scores, History{}, p)
	if !sel.NeedsReview() || sel.Audio != nil {
		t.Fatalf("expected review without audio pick, got %+v", sel)
	}
	if sel.Video == nil || sel.Video.Camera != "a" {
		t.Fatalf("expected video still chosen, got %+v", sel.Video)
	}
	if len(sel.AudioRunnersUp) != 2 || len(sel.Reasons) != 1 {
		t.Fatalf("expected every audio candidate retained, got %+v", sel)
	}
}

func TestAudioOnlyClusterSkipsVideoRole(t *testing.T) {
	p := testParams()
	scores := ScoreCluster([]Candidate{
		{SegmentID: "w1", Camera: "rec", Duration: 30, Vector: media.FeatureVector{HasAudio: true, SNRDB: 25}},
	}, p)
	sel := Select("c", scores, History{}, p)
	if sel.Status != StatusSelected || sel.Audio == nil || sel.Video != nil {
		t.Fatalf("unexpected selection %+v", sel)
	}
}

func TestNoTracksNeedsReview(t *testing.T) {
	p := testParams()
	scores := ScoreCluster([]Candidate{{SegmentID: "x", Camera: "a"}}, p)
	if sel := Select("c", scores, History{}, p); !sel.NeedsReview() {
		t.Fatalf("expected review, got %+v", sel)
	}
}

func TestDominantSpeakerCentricity(t *testing.T) {
	host := []float64{1, 0, 0}
	guest := []float64{0, 1, 0}
	candidates := []Candidate{
		{SegmentID: "a1", Camera: "a", Duration: 20, Vector: media.FeatureVector{HasVideo: true, SpeakerTurns: []media.SpeakerTurn{
			{Start: 0, End: 10, Embedding: host, Framed: true},
			{Start: 10, End: 12, Embedding: guest, Framed: true},
		}}},
		{SegmentID: "b1", Camera: "b", Duration: 20, Vector: media.FeatureVector{HasVideo: true, SpeakerTurns: []media.SpeakerTurn{
			{Start: 0, End: 10, Embedding: []float64{0.95, 0.05, 0}, Framed: false},
			{Start: 10, End: 15, Embedding: guest, Framed: true},
		}}},
		{SegmentID: "c1", Camera: "c", Duration: 20, Vector: media.FeatureVector{HasVideo: true, SpeakerTurns: []media.SpeakerTurn{
			{Start: 2, End: 6, Embedding: host, Framed: true},
		}}},
	}
	dominant := DominantSpeaker(candidates, 0.75)
	if dominant.Turns() != 3 {
		t.Fatalf("expected host with 3 turns, got %d", dominant.Turns())
	}
	if got := dominant.Centricity(candidates[0]); math.Abs(got-0.5) > 1e-9 {
		t.Fatalf("expected 0.5 centricity for a1, got %v", got)
	}
	if got := dominant.Centricity(candidates[1]); got != 0 {
		t.Fatalf("expected unframed host to score 0, got %v", got)
	}
	if got := dominant.Centricity(candidates[2]); math.Abs(got-0.2) > 1e-9 {
		t.Fatalf("expected 0.2 centricity for c1, got %v", got)
	}
}

func TestBuildHistory(t *testing.T) {
	h := BuildHistory([][]CandidateScore{
		{{Camera: "a", HasAudio: true, AudioScore: 0.4}, {Camera: "b", HasVideo: true, VideoScore: 0.6}},
		{{Camera: "a", HasAudio: true, AudioScore: 0.8}},
	})
	if math.Abs(h["a"].Audio-0.6) > 1e-9 || h["a"].Video != 0 || h["b"].Video != 0.6 {
		t.Fatalf("unexpected history %+v", h)
	}
}
