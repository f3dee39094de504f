package testsupport

import (
	"context"
	"path/filepath"
	"sync"

	"camstitch/internal/media"
	"camstitch/internal/services/extractor"
)

// FakeExtractor serves canned feature vectors keyed by file base name.
type FakeExtractor struct {
	mu       sync.Mutex
	vectors  map[string]media.FeatureVector
	failures map[string][]error
	calls    map[string]int
	total    int
}

var _ extractor.Extractor = (*FakeExtractor)(nil)

// NewFakeExtractor constructs an empty fake.
func NewFakeExtractor() *FakeExtractor {
	return &FakeExtractor{
		vectors:  make(map[string]media.FeatureVector),
		failures: make(map[string][]error),
		calls:    make(map[string]int),
	}
}

// Set registers the vector returned for a file name.
func (f *FakeExtractor) Set(name string, vec media.FeatureVector) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vectors[name] = vec
}

// FailWith queues errors returned, in order, before the vector is served.
func (f *FakeExtractor) FailWith(name string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[name] = append(f.failures[name], errs...)
}

// Extract implements extractor.Extractor.
func (f *FakeExtractor) Extract(ctx context.Context, seg media.Segment, _ extractor.Params) (media.FeatureVector, error) {
	if err := ctx.Err(); err != nil {
		return media.FeatureVector{}, err
	}
	name := filepath.Base(seg.Path)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[name]++
	f.total++
	if queued := f.failures[name]; len(queued) > 0 {
		f.failures[name] = queued[1:]
		return media.FeatureVector{}, queued[0]
	}
	return f.vectors[name], nil
}

// Calls returns the number of Extract calls for a file name.
func (f *FakeExtractor) Calls(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

// Total returns the number of Extract calls across all files.
func (f *FakeExtractor) Total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.total
}
