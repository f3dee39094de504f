package ffprobe

import (
	"encoding/json"
	"testing"
	"time"
)

func TestResultHelpers(t *testing.T) {
	result := Result{
		Streams: []Stream{
			{CodecType: "video", CodecName: "h264"},
			{CodecType: "audio", CodecName: "aac"},
		},
		Format: Format{Duration: "59.5"},
	}
	if !result.HasVideo() || !result.HasAudio() {
		t.Fatalf("expected audio and video, got %+v", result)
	}
	if result.DurationSeconds() != 59.5 {
		t.Fatalf("unexpected duration: %v", result.DurationSeconds())
	}
}

func TestCoverArtIsNotVideo(t *testing.T) {
	result := Result{Streams: []Stream{{CodecType: "audio"}, {CodecType: "video", CodecName: "mjpeg"}}}
	if result.HasVideo() {
		t.Fatal("cover art should not count as video")
	}
}

func TestDurationFallsBackToStreams(t *testing.T) {
	result := Result{
		Streams: []Stream{{Duration: "10.0"}, {Duration: "12.5"}, {Duration: "bad"}},
		Format:  Format{Duration: "N/A"},
	}
	if got := result.DurationSeconds(); got != 12.5 {
		t.Fatalf("expected stream fallback 12.5, got %v", got)
	}
}

func TestCreationTimeFromJSON(t *testing.T) {
	payload := `{"streams":[{"codec_type":"video","tags":{"creation_time":"2025-02-03T10:11:12.000000Z"}}],"format":{"duration":"30"}}`
	var result Result
	if err := json.Unmarshal([]byte(payload), &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	got, ok := result.CreationTime()
	if !ok {
		t.Fatal("expected creation time from stream tags")
	}
	want := time.Date(2025, 2, 3, 10, 11, 12, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("creation time = %v, want %v", got, want)
	}
}

func TestCreationTimeMissing(t *testing.T) {
	if _, ok := (Result{}).CreationTime(); ok {
		t.Fatal("expected no creation time")
	}
}
