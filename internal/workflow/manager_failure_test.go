package workflow

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/flock"

	"camstitch/internal/config"
	"camstitch/internal/media"
	"camstitch/internal/services"
	"camstitch/internal/services/extractor"
	"camstitch/internal/state"
	"camstitch/internal/testsupport"
)

func TestDecideUnit(t *testing.T) {
	recoverable := services.Wrap(services.ErrRecoverableExtraction, "extract", "run", "", nil)
	fatalMedia := services.Wrap(services.ErrFatalMedia, "extract", "run", "", nil)
	corrupt := services.Wrap(services.ErrStateCorruption, "align", "load", "", nil)

	tests := []struct {
		name     string
		err      error
		attempt  int
		tolerant bool
		want     unitDecision
	}{
		{"recoverable retries", recoverable, 1, true, unitDecision{status: state.StatusFailed, retry: true}},
		{"recoverable exhausted", recoverable, 3, true, unitDecision{status: state.StatusFailedTerminal}},
		{"fatal media excluded when tolerant", fatalMedia, 1, true, unitDecision{status: state.StatusExcluded}},
		{"fatal media terminal when strict", fatalMedia, 1, false, unitDecision{status: state.StatusFailedTerminal}},
		{"state corruption stops run", corrupt, 1, true, unitDecision{status: state.StatusFailedTerminal, fatal: true}},
		{"timeout retries", context.DeadlineExceeded, 2, false, unitDecision{status: state.StatusFailed, retry: true}},
		{"unclassified counts as transient", errors.New("boom"), 1, true, unitDecision{status: state.StatusFailed, retry: true}},
		{"validation is terminal", services.Wrap(services.ErrValidation, "extract", "decode", "", nil), 1, true, unitDecision{status: state.StatusFailedTerminal}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := decideUnit(tt.err, tt.attempt, 3, tt.tolerant); got != tt.want {
				t.Fatalf("decideUnit = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestStageRetryable(t *testing.T) {
	transient := services.Wrap(services.ErrTransient, "package", "write", "", nil)
	if !stageRetryable(transient, 1, 3) {
		t.Fatal("transient failure should be retried")
	}
	if stageRetryable(transient, 3, 3) {
		t.Fatal("attempts exhausted")
	}
	if stageRetryable(errors.Join(ErrUnitsFailed, transient), 1, 3) {
		t.Fatal("failed units are never retried at stage level")
	}
}

func TestBackoffDoublesUpToCeiling(t *testing.T) {
	cfg := config.Default()
	cfg.Workflow.RetryBackoffMS = 100
	cfg.Workflow.RetryBackoffMaxMS = 350
	c := &Coordinator{cfg: &cfg}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 350 * time.Millisecond, 350 * time.Millisecond}
	for i, w := range want {
		if got := c.backoff(i + 1); got != w {
			t.Fatalf("backoff(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestRunExcludesFatalMedia(t *testing.T) {
	f := newFixture(t)
	f.fake.FailWith("c1.mp4", services.Wrap(services.ErrFatalMedia, "extract", "decode", "truncated moov atom", nil))

	summary := f.run(context.Background())
	if len(summary.Excluded) != 1 {
		t.Fatalf("expected one exclusion, got %+v", summary.Excluded)
	}
	excluded := summary.Excluded[0]
	if excluded.Camera != "c" || excluded.Status != string(state.StatusExcluded) {
		t.Fatalf("unexpected exclusion %+v", excluded)
	}
	if excluded.ErrorKind != services.KindFatalMedia {
		t.Fatalf("expected fatal_media kind, got %q", excluded.ErrorKind)
	}
	if f.fake.Calls("c1.mp4") != 1 {
		t.Fatalf("fatal media must not be retried, got %d calls", f.fake.Calls("c1.mp4"))
	}
	if summary.Clusters != 1 {
		t.Fatalf("expected only the a/b cluster, got %d", summary.Clusters)
	}
}

func TestRunRetriesRecoverableExtraction(t *testing.T) {
	f := newFixture(t)
	f.fake.FailWith("a1.mp4", services.Wrap(services.ErrRecoverableExtraction, "extract", "run", "extractor crashed", nil))

	summary := f.run(context.Background())
	if got := f.fake.Calls("a1.mp4"); got != 2 {
		t.Fatalf("expected 2 extraction calls, got %d", got)
	}
	if len(summary.Excluded) != 0 {
		t.Fatalf("recovered segment must not be excluded: %+v", summary.Excluded)
	}
	if summary.Reference != "a" {
		t.Fatalf("expected reference a, got %q", summary.Reference)
	}
}

func TestRunExhaustedRetriesExcludeSegment(t *testing.T) {
	f := newFixture(t, testsupport.WithMaxAttempts(2))
	flaky := services.Wrap(services.ErrRecoverableExtraction, "extract", "run", "extractor crashed", nil)
	f.fake.FailWith("c1.mp4", flaky, flaky)

	summary := f.run(context.Background())
	if got := f.fake.Calls("c1.mp4"); got != 2 {
		t.Fatalf("expected 2 extraction calls, got %d", got)
	}
	if len(summary.Excluded) != 1 || summary.Excluded[0].Status != string(state.StatusFailedTerminal) {
		t.Fatalf("expected one failed_terminal exclusion, got %+v", summary.Excluded)
	}
}

func TestRunStopsOnConfigurationError(t *testing.T) {
	f := newFixture(t)
	f.fake.FailWith("a1.mp4", services.Wrap(services.ErrConfiguration, "extract", "run", "extractor binary missing", nil))

	summary, err := f.coordinator().Run(context.Background())
	if err == nil {
		t.Fatal("expected run error")
	}
	if !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if summary.Status != state.RunFailed {
		t.Fatalf("expected failed run, got %s", summary.Status)
	}
	extract, ok := summary.State.Stage("extract")
	if !ok || extract.Status != state.StatusFailedTerminal {
		t.Fatalf("expected extract failed_terminal, got %+v", extract)
	}
	if st, ok := summary.State.Stage("align"); ok && st.Status != state.StatusPending && st.Status != "" {
		t.Fatalf("align must not run after a fatal extract, got %s", st.Status)
	}
}

// cancelingExtractor cancels the run on its nth call.
type cancelingExtractor struct {
	inner  extractor.Extractor
	cancel context.CancelFunc
	at     int

	mu    sync.Mutex
	calls int
}

func (e *cancelingExtractor) Extract(ctx context.Context, seg media.Segment, p extractor.Params) (media.FeatureVector, error) {
	e.mu.Lock()
	e.calls++
	n := e.calls
	e.mu.Unlock()
	if n == e.at {
		e.cancel()
		<-ctx.Done()
		return media.FeatureVector{}, ctx.Err()
	}
	return e.inner.Extract(ctx, seg, p)
}

func TestRunResumesAfterCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	interrupting := &cancelingExtractor{inner: f.fake, cancel: cancel, at: 2}

	summary, err := f.coordinator(WithExtractor(interrupting)).Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if summary.Status != state.RunCanceled {
		t.Fatalf("expected canceled run, got %s", summary.Status)
	}
	extracted := f.fake.Total()
	if extracted != 1 {
		t.Fatalf("expected one completed extraction before cancel, got %d", extracted)
	}

	resumed := f.run(context.Background())
	if got := f.fake.Total() - extracted; got != 2 {
		t.Fatalf("resume should extract only the 2 unfinished segments, got %d", got)
	}
	if resumed.RunID != summary.RunID {
		t.Fatal("resume must continue the same run")
	}
	if resumed.Generation != summary.Generation+1 {
		t.Fatalf("expected generation %d, got %d", summary.Generation+1, resumed.Generation)
	}

	uninterrupted := f.sibling().run(context.Background())
	assertSameTerminalState(t, resumed.State, uninterrupted.State)
}

func assertSameTerminalState(t *testing.T, got, want state.PipelineState) {
	t.Helper()
	if got.Status != want.Status {
		t.Fatalf("run status %s, want %s", got.Status, want.Status)
	}
	if len(got.Stages) != len(want.Stages) {
		t.Fatalf("got %d stages, want %d", len(got.Stages), len(want.Stages))
	}
	for i, w := range want.Stages {
		g := got.Stages[i]
		if g.Stage != w.Stage || g.Status != w.Status || g.Attempts != w.Attempts {
			t.Fatalf("stage %s: got %s/%d attempts, want %s/%s/%d attempts",
				g.Stage, g.Status, g.Attempts, w.Stage, w.Status, w.Attempts)
		}
		if !reflect.DeepEqual(g.Completed, w.Completed) {
			t.Fatalf("stage %s completed units %v, want %v", w.Stage, g.Completed, w.Completed)
		}
		if len(g.Pending) != 0 || len(g.Failed) != len(w.Failed) {
			t.Fatalf("stage %s: pending %v failed %+v, want failed %+v", w.Stage, g.Pending, g.Failed, w.Failed)
		}
	}
}

// failingExtractor returns err on its nth call and delegates otherwise.
type failingExtractor struct {
	inner extractor.Extractor
	err   error
	at    int

	mu    sync.Mutex
	calls int
}

func (e *failingExtractor) Extract(ctx context.Context, seg media.Segment, p extractor.Params) (media.FeatureVector, error) {
	e.mu.Lock()
	e.calls++
	n := e.calls
	e.mu.Unlock()
	if n == e.at {
		return media.FeatureVector{}, e.err
	}
	return e.inner.Extract(ctx, seg, p)
}

func TestRunRetryKeepsCompletedUnits(t *testing.T) {
	f := newFixture(t)
	broken := &failingExtractor{
		inner: f.fake,
		err:   services.Wrap(services.ErrConfiguration, "extract", "run", "extractor binary missing", nil),
		at:    3,
	}
	failed, err := f.coordinator(WithExtractor(broken)).Run(context.Background())
	if !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	extract, _ := failed.State.Stage("extract")
	if extract.Status != state.StatusFailedTerminal || len(extract.Completed) != 2 {
		t.Fatalf("expected failed_terminal extract with 2 completed units, got %+v", extract)
	}
	kept := make(map[string][]byte)
	units, err := f.store.ListUnits(context.Background(), failed.RunID, "extract")
	if err != nil {
		t.Fatalf("ListUnits: %v", err)
	}
	for _, u := range units {
		if u.Status == state.StatusCompleted {
			kept[u.Key] = u.Result
		}
	}
	calls := f.fake.Total()

	resumed := f.run(context.Background())
	if got := f.fake.Total() - calls; got != 1 {
		t.Fatalf("retry must only extract the failed segment, got %d calls", got)
	}
	units, err = f.store.ListUnits(context.Background(), resumed.RunID, "extract")
	if err != nil {
		t.Fatalf("ListUnits: %v", err)
	}
	for _, u := range units {
		if u.Status != state.StatusCompleted {
			t.Fatalf("unit %s not completed: %s", u.Key, u.Status)
		}
		if prev, ok := kept[u.Key]; ok && string(prev) != string(u.Result) {
			t.Fatalf("completed unit %s lost its result", u.Key)
		}
		if _, ok := kept[u.Key]; ok && u.Attempts != 1 {
			t.Fatalf("completed unit %s was executed again (attempts %d)", u.Key, u.Attempts)
		}
	}
}

func TestRunRejectsConcurrentInvocation(t *testing.T) {
	f := newFixture(t)
	holder := flock.New(filepath.Join(f.cfg.Paths.StateDir, LockFile))
	ok, err := holder.TryLock()
	if err != nil || !ok {
		t.Fatalf("hold lock: ok=%v err=%v", ok, err)
	}
	defer holder.Unlock()

	_, err = f.coordinator().Run(context.Background())
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if f.fake.Total() != 0 {
		t.Fatal("a rejected invocation must not do any work")
	}
}

func TestStatusReportsLatestRun(t *testing.T) {
	f := newFixture(t)
	c := f.coordinator()
	if _, err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	status, err := c.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Running {
		t.Fatal("coordinator should be idle after Run")
	}
	if status.LastSummary == nil || status.LastSummary.Clusters != 2 {
		t.Fatalf("expected stored summary with 2 clusters, got %+v", status.LastSummary)
	}
	if status.State.Status != state.RunCompleted {
		t.Fatalf("expected completed state, got %s", status.State.Status)
	}
	for _, h := range status.StageHealth {
		if !h.Ready {
			t.Errorf("stage %s not ready: %s", h.Name, h.Detail)
		}
	}
}
