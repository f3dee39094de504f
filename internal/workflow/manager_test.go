package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"camstitch/internal/config"
	"camstitch/internal/featurestore"
	"camstitch/internal/logging"
	"camstitch/internal/media"
	"camstitch/internal/pipeline"
	"camstitch/internal/state"
	"camstitch/internal/testsupport"
)

const testHz = 10.0

var baseTime = time.Date(2025, 1, 2, 10, 0, 0, 0, time.UTC)

type fixture struct {
	t        *testing.T
	cfg      *config.Config
	store    *state.Store
	features *featurestore.Store
	fake     *testsupport.FakeExtractor
}

// newBareFixture prepares stores and an extractor with no media.
func newBareFixture(t *testing.T, opts ...testsupport.ConfigOption) *fixture {
	t.Helper()
	opts = append([]testsupport.ConfigOption{
		testsupport.WithConcurrency(1),
		testsupport.WithMutate(func(cfg *config.Config) {
			cfg.Alignment.SearchWindowSeconds = 30
		}),
	}, opts...)
	cfg := testsupport.NewConfig(t, opts...)
	return &fixture{
		t:        t,
		cfg:      cfg,
		store:    testsupport.MustOpenState(t, cfg),
		features: testsupport.MustOpenFeatures(t, cfg),
		fake:     testsupport.NewFakeExtractor(),
	}
}

// newFixture lays out three cameras. Cameras a and b hear the same event,
// with b's clock running 2.3s ahead. Camera c records unrelated noise.
func newFixture(t *testing.T, opts ...testsupport.ConfigOption) *fixture {
	t.Helper()
	f := newBareFixture(t, opts...)

	event := testsupport.Signal(1, 2000)
	f.add("a", "a1.mp4", 1000, media.FeatureVector{
		HasAudio: true, HasVideo: true,
		AudioFingerprint: testsupport.Window(event, testHz, 0, 60), FingerprintHz: testHz,
		SNRDB: 10, VisualQuality: 0.9, DurationSeconds: 60,
	})
	f.add("b", "b1.mp4", 1012.3, media.FeatureVector{
		HasAudio: true, HasVideo: true,
		AudioFingerprint: testsupport.Window(event, testHz, 10, 60), FingerprintHz: testHz,
		SNRDB: 25, VisualQuality: 0.4, DurationSeconds: 60,
	})
	f.add("c", "c1.mp4", 1005, media.FeatureVector{
		HasAudio: true, HasVideo: true,
		AudioFingerprint: testsupport.Signal(99, 600), FingerprintHz: testHz,
		SNRDB: 20, VisualQuality: 0.7, DurationSeconds: 60,
	})
	return f
}

func (f *fixture) add(camera, name string, localStart float64, vec media.FeatureVector) {
	f.t.Helper()
	path := filepath.Join(testsupport.InputDir(f.cfg), camera, name)
	testsupport.WriteMedia(f.t, path, baseTime.Add(time.Duration(localStart*float64(time.Second))))
	f.fake.Set(name, vec)
}

func (f *fixture) coordinator(opts ...Option) *Coordinator {
	opts = append([]Option{WithExtractor(f.fake), WithProgressInterval(0)}, opts...)
	return New(f.cfg, f.store, f.features, logging.NewNop(), opts...)
}

func (f *fixture) run(ctx context.Context, opts ...Option) Summary {
	f.t.Helper()
	summary, err := f.coordinator(opts...).Run(ctx)
	if err != nil {
		f.t.Fatalf("Run: %v", err)
	}
	if summary.Status != state.RunCompleted {
		f.t.Fatalf("expected completed run, got %s (%s)", summary.Status, summary.Error)
	}
	return summary
}

func (f *fixture) readSelections() ([]byte, pipeline.SelectionsDoc) {
	f.t.Helper()
	data, err := os.ReadFile(filepath.Join(f.cfg.Paths.OutputDir, pipeline.SelectionsFile))
	if err != nil {
		f.t.Fatalf("read selections: %v", err)
	}
	var doc pipeline.SelectionsDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		f.t.Fatalf("decode selections: %v", err)
	}
	return data, doc
}

// sibling shares the fixture's inputs and extractor but keeps state, cache
// and output in fresh directories.
func (f *fixture) sibling() *fixture {
	f.t.Helper()
	cfg := f.cfg.Snapshot()
	base := f.t.TempDir()
	cfg.Paths.StateDir = filepath.Join(base, "state")
	cfg.Paths.CacheDir = filepath.Join(base, "cache")
	cfg.Paths.OutputDir = filepath.Join(base, "output")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	if err := cfg.EnsureDirectories(); err != nil {
		f.t.Fatalf("ensure directories: %v", err)
	}
	return &fixture{
		t:        f.t,
		cfg:      &cfg,
		store:    testsupport.MustOpenState(f.t, &cfg),
		features: testsupport.MustOpenFeatures(f.t, &cfg),
		fake:     f.fake,
	}
}

func (f *fixture) extractOutput() pipeline.ExtractOutput {
	f.t.Helper()
	var out pipeline.ExtractOutput
	run, err := f.store.LatestRun(context.Background())
	if err != nil || run == nil {
		f.t.Fatalf("latest run: %v", err)
	}
	env := runEnv{store: f.store, runID: run.ID}
	if err := env.Output(context.Background(), "extract", &out); err != nil {
		f.t.Fatalf("extract output: %v", err)
	}
	return out
}

// segmentIDOf returns the id of the segment discovered from the named file.
func (f *fixture) segmentIDOf(name string) string {
	f.t.Helper()
	for _, seg := range f.extractOutput().Segments {
		if filepath.Base(seg.Path) == name {
			return seg.ID
		}
	}
	f.t.Fatalf("no segment for file %s", name)
	return ""
}

func (f *fixture) segmentID(camera string) string {
	f.t.Helper()
	var out pipeline.ExtractOutput
	run, err := f.store.LatestRun(context.Background())
	if err != nil || run == nil {
		f.t.Fatalf("latest run: %v", err)
	}
	env := runEnv{store: f.store, runID: run.ID}
	if err := env.Output(context.Background(), "extract", &out); err != nil {
		f.t.Fatalf("extract output: %v", err)
	}
	for _, seg := range out.Segments {
		if seg.Camera == camera {
			return seg.ID
		}
	}
	f.t.Fatalf("no segment for camera %s", camera)
	return ""
}

func TestRunEndToEnd(t *testing.T) {
	f := newFixture(t)
	summary := f.run(context.Background())

	wantStages := []string{"discover", "extract", "align", "cluster", "dedupe", "annotate", "package"}
	if got := summary.CompletedStages(); len(got) != len(wantStages) {
		t.Fatalf("completed stages = %v", got)
	}
	if summary.Segments != 3 {
		t.Fatalf("expected 3 segments, got %d", summary.Segments)
	}
	if summary.Reference != "a" {
		t.Fatalf("expected reference camera a, got %q", summary.Reference)
	}
	if len(summary.Unaligned) != 1 || summary.Unaligned[0] != "c" {
		t.Fatalf("expected c unaligned, got %v", summary.Unaligned)
	}
	if len(summary.Excluded) != 0 {
		t.Fatalf("unexpected exclusions %+v", summary.Excluded)
	}
	if summary.Clusters != 2 {
		t.Fatalf("expected 2 clusters, got %d", summary.Clusters)
	}
	if len(summary.Artifacts) != 3 {
		t.Fatalf("expected 3 artifacts, got %+v", summary.Artifacts)
	}

	_, doc := f.readSelections()
	var shared *pipeline.SelectionDoc
	for i := range doc.Clusters {
		if len(doc.Clusters[i].Segments) == 2 {
			shared = &doc.Clusters[i]
		}
	}
	if shared == nil {
		t.Fatalf("expected a two-camera cluster, got %+v", doc.Clusters)
	}
	if !shared.Aligned {
		t.Fatal("expected the a/b cluster on the global lane")
	}
	if shared.Audio == nil || shared.Audio.Camera != "b" {
		t.Fatalf("expected b audio for its higher SNR, got %+v", shared.Audio)
	}
	if shared.Video == nil || shared.Video.Camera != "a" {
		t.Fatalf("expected a video for its visual quality, got %+v", shared.Video)
	}
	if shared.Plan == nil {
		t.Fatal("expected a mux plan for the a/b cluster")
	}
	if shared.Plan.DurationSeconds <= 0 || shared.Plan.VideoSegmentID != f.segmentID("a") {
		t.Fatalf("unexpected plan %+v", shared.Plan)
	}
}

func TestRunPairsEveryMomentAcrossAlignedCameras(t *testing.T) {
	f := newBareFixture(t)
	event := testsupport.Signal(1, 2000)
	clip := func(values []float64, snr, quality float64) media.FeatureVector {
		return media.FeatureVector{
			HasAudio: true, HasVideo: true,
			AudioFingerprint: values, FingerprintHz: testHz,
			SNRDB: snr, VisualQuality: quality, DurationSeconds: 30,
		}
	}
	// Camera b runs 2.3s ahead of a; each camera records two 30s moments.
	f.add("a", "a1.mp4", 1000, clip(testsupport.Window(event, testHz, 0, 30), 10, 0.9))
	f.add("a", "a2.mp4", 1040, clip(testsupport.Window(event, testHz, 40, 30), 30, 0.9))
	f.add("b", "b1.mp4", 1002.3, clip(testsupport.Window(event, testHz, 0, 30), 25, 0.4))
	f.add("b", "b2.mp4", 1042.3, clip(testsupport.Window(event, testHz, 40, 30), 15, 0.4))
	f.add("c", "c1.mp4", 1005, clip(testsupport.Signal(99, 300), 20, 0.7))
	f.add("c", "c2.mp4", 1045, clip(testsupport.Signal(98, 300), 20, 0.7))

	summary := f.run(context.Background())
	if summary.Segments != 6 {
		t.Fatalf("expected 6 segments, got %d", summary.Segments)
	}
	if summary.Reference != "a" {
		t.Fatalf("expected reference camera a, got %q", summary.Reference)
	}
	if len(summary.Unaligned) != 1 || summary.Unaligned[0] != "c" {
		t.Fatalf("expected c unaligned, got %v", summary.Unaligned)
	}
	if summary.Clusters != 4 {
		t.Fatalf("expected 2 pair clusters and 2 singletons, got %d", summary.Clusters)
	}

	wantAudio := map[string]string{
		f.segmentIDOf("a1.mp4"): f.segmentIDOf("b1.mp4"),
		f.segmentIDOf("a2.mp4"): f.segmentIDOf("a2.mp4"),
	}
	partner := map[string]string{
		f.segmentIDOf("a1.mp4"): f.segmentIDOf("b1.mp4"),
		f.segmentIDOf("a2.mp4"): f.segmentIDOf("b2.mp4"),
	}
	cSegments := map[string]bool{f.segmentIDOf("c1.mp4"): true, f.segmentIDOf("c2.mp4"): true}

	_, doc := f.readSelections()
	pairs := 0
	for _, cl := range doc.Clusters {
		switch len(cl.Segments) {
		case 1:
			if !cSegments[cl.Segments[0]] || cl.Aligned {
				t.Fatalf("unexpected singleton %+v", cl)
			}
		case 2:
			pairs++
			var anchor string
			for _, id := range cl.Segments {
				if _, ok := partner[id]; ok {
					anchor = id
				}
			}
			if anchor == "" || !containsString(cl.Segments, partner[anchor]) {
				t.Fatalf("cluster does not pair matching a/b moments: %v", cl.Segments)
			}
			if cl.Audio == nil || cl.Audio.SegmentID != wantAudio[anchor] {
				t.Fatalf("cluster %v: expected audio %s, got %+v", cl.Segments, wantAudio[anchor], cl.Audio)
			}
			if cl.Video == nil || cl.Video.SegmentID != anchor {
				t.Fatalf("cluster %v: expected camera a video, got %+v", cl.Segments, cl.Video)
			}
		default:
			t.Fatalf("unexpected cluster size %d: %v", len(cl.Segments), cl.Segments)
		}
	}
	if pairs != 2 {
		t.Fatalf("expected 2 a/b clusters, got %d", pairs)
	}
}

func containsString(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}

func TestRunReextractsWhenFeatureCacheIsLost(t *testing.T) {
	f := newFixture(t)
	f.run(context.Background())
	calls := f.fake.Total()

	empty, err := featurestore.OpenPath(filepath.Join(t.TempDir(), "features.db"))
	if err != nil {
		t.Fatalf("open empty feature store: %v", err)
	}
	t.Cleanup(func() { _ = empty.Close() })
	f.features = empty
	f.cfg.Selection.MinAudioScore = 0.2

	summary := f.run(context.Background())
	if got := f.fake.Total() - calls; got != 3 {
		t.Fatalf("expected every segment re-extracted, got %d calls", got)
	}
	for _, st := range summary.Stages {
		if st.Stage == "extract" && st.Skipped {
			t.Fatal("extract must rerun when its cached vectors are gone")
		}
	}
	count, err := empty.Count(context.Background())
	if err != nil || count != 3 {
		t.Fatalf("expected the new cache to hold 3 vectors, got %d (%v)", count, err)
	}
	if summary.Clusters != 2 {
		t.Fatalf("expected 2 clusters, got %d", summary.Clusters)
	}
}

func TestRunIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.run(context.Background())
	firstCalls := f.fake.Total()
	firstBytes, _ := f.readSelections()

	summary := f.run(context.Background())
	if got := f.fake.Total(); got != firstCalls {
		t.Fatalf("second run called the extractor %d more times", got-firstCalls)
	}
	for _, st := range summary.Stages {
		if !st.Skipped {
			t.Errorf("stage %s was not skipped", st.Stage)
		}
	}
	if summary.ExecutedUnits() != 0 {
		t.Fatalf("expected no executed units, got %d", summary.ExecutedUnits())
	}
	secondBytes, _ := f.readSelections()
	if !bytes.Equal(firstBytes, secondBytes) {
		t.Fatal("selections.json changed between identical runs")
	}
}

func TestRunSelectionChangeReusesUpstreamStages(t *testing.T) {
	f := newFixture(t)
	f.run(context.Background())
	firstBytes, _ := f.readSelections()

	// A threshold change invalidates dedupe and everything after it.
	f.cfg.Selection.MinAudioScore = 0.2
	calls := f.fake.Total()
	summary := f.run(context.Background())
	if f.fake.Total() != calls {
		t.Fatal("selection change must not re-extract features")
	}
	skipped := map[string]bool{}
	for _, st := range summary.Stages {
		skipped[st.Stage] = st.Skipped
	}
	for _, name := range []string{"discover", "extract", "align", "cluster"} {
		if !skipped[name] {
			t.Errorf("expected %s to be reused", name)
		}
	}
	if skipped["dedupe"] {
		t.Error("expected dedupe to rerun after a selection change")
	}
	secondBytes, _ := f.readSelections()
	if !bytes.Equal(firstBytes, secondBytes) {
		t.Fatal("a threshold change that flips no choice must keep selections.json identical")
	}
}

func TestRunNewFileInvalidatesRun(t *testing.T) {
	f := newFixture(t)
	first := f.run(context.Background())

	f.add("c", "c2.mp4", 2000, media.FeatureVector{
		HasAudio: true, HasVideo: true,
		AudioFingerprint: testsupport.Signal(7, 300), FingerprintHz: testHz,
		SNRDB: 12, VisualQuality: 0.5, DurationSeconds: 30,
	})
	calls := f.fake.Total()
	second := f.run(context.Background())
	if second.RunID == first.RunID {
		t.Fatal("a new input file must change the run id")
	}
	if got := f.fake.Total() - calls; got != 1 {
		t.Fatalf("expected only the new file to be extracted, got %d calls", got)
	}
	if second.Segments != 4 {
		t.Fatalf("expected 4 segments, got %d", second.Segments)
	}
}
