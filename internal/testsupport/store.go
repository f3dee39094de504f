package testsupport

import (
	"testing"

	"camstitch/internal/config"
	"camstitch/internal/featurestore"
	"camstitch/internal/state"
)

// MustOpenState opens the pipeline state store for tests and registers cleanup.
func MustOpenState(t testing.TB, cfg *config.Config) *state.Store {
	t.Helper()
	store, err := state.Open(cfg)
	if err != nil {
		t.Fatalf("state.Open: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

// MustOpenFeatures opens the feature cache for tests and registers cleanup.
func MustOpenFeatures(t testing.TB, cfg *config.Config) *featurestore.Store {
	t.Helper()
	store, err := featurestore.Open(cfg)
	if err != nil {
		t.Fatalf("featurestore.Open: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}
