package extractor

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"
	"time"

	"camstitch/internal/media"
	"camstitch/internal/services"
)

type fakeExecutor struct {
	stdout string
	err    error
	args   []string
	wait   bool
}

func (f *fakeExecutor) Run(ctx context.Context, _ string, args []string) ([]byte, error) {
	f.args = args
	if f.wait {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return []byte(f.stdout), f.err
}

func testSegment() media.Segment {
	return media.Segment{
		ID:       "seg1",
		Camera:   "a",
		Path:     "/media/a/clip.mp4",
		Start:    time.Unix(100, 0).UTC(),
		Duration: 12.5,
	}
}

func TestExtractDecodesVector(t *testing.T) {
	runner := &fakeExecutor{stdout: `{"has_audio":true,"has_video":true,"audio_fingerprint":[0.1,0.2],"snr_db":20,"visual_quality":0.7}`}
	client, err := New("extract-features", nil, 0, WithExecutor(runner))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	vec, err := client.Extract(context.Background(), testSegment(), Params{FingerprintHz: 10, Model: "m1"})
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if !vec.HasAudio || len(vec.AudioFingerprint) != 2 || vec.FingerprintHz != 10 || vec.VisualQuality != 0.7 {
		t.Fatalf("unexpected vector %+v", vec)
	}
	joined := strings.Join(runner.args, " ")
	for _, want := range []string{"--input /media/a/clip.mp4", "--start 100.000", "--duration 12.500", "--fingerprint-hz 10", "--model m1"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("expected %q in args %q", want, joined)
		}
	}
}

func TestExtractClassifiesFailures(t *testing.T) {
	cases := []struct {
		name string
		exec *fakeExecutor
		want error
	}{
		{"data error exit", &fakeExecutor{err: &ExitError{Code: ExitDataErr}}, services.ErrFatalMedia},
		{"fatal payload", &fakeExecutor{stdout: `{"fatal":true,"error":"moov atom not found"}`}, services.ErrFatalMedia},
		{"other exit", &fakeExecutor{err: &ExitError{Code: 1}}, services.ErrRecoverableExtraction},
		{"error payload", &fakeExecutor{stdout: `{"error":"gpu busy"}`}, services.ErrRecoverableExtraction},
		{"garbage output", &fakeExecutor{stdout: `not json`}, services.ErrRecoverableExtraction},
		{"invalid vector", &fakeExecutor{stdout: `{"has_audio":true,"clipping_ratio":2}`}, services.ErrRecoverableExtraction},
		{"missing binary", &fakeExecutor{err: exec.ErrNotFound}, services.ErrConfiguration},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client, err := New("extract-features", nil, 0, WithExecutor(tc.exec))
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}
			_, err = client.Extract(context.Background(), testSegment(), Params{FingerprintHz: 10})
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestExtractTimeoutIsRecoverable(t *testing.T) {
	client, err := New("extract-features", nil, 0, WithExecutor(&fakeExecutor{wait: true}))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	client.timeout = 10 * time.Millisecond
	_, err = client.Extract(context.Background(), testSegment(), Params{})
	if !errors.Is(err, services.ErrTimeout) || !services.IsRecoverable(err) {
		t.Fatalf("expected recoverable timeout, got %v", err)
	}
}

func TestExtractParentCancelIsNotTimeout(t *testing.T) {
	client, err := New("extract-features", nil, 0, WithExecutor(&fakeExecutor{wait: true}))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := client.Extract(ctx, testSegment(), Params{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func TestNewRequiresBinary(t *testing.T) {
	if _, err := New("  ", nil, 0); !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestExpandArgsCustomTemplate(t *testing.T) {
	got := ExpandArgs([]string{"{camera}:{segment_id}", "{path}"}, testSegment(), Params{})
	if got[0] != "a:seg1" || got[1] != "/media/a/clip.mp4" {
		t.Fatalf("unexpected args %v", got)
	}
}
