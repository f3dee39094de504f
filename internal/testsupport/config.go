package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"camstitch/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// Probing is disabled and start times come from mtime so tests do not need
// ffprobe; options override any field.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.StateDir = filepath.Join(base, "state")
	cfgVal.Paths.CacheDir = filepath.Join(base, "cache")
	cfgVal.Paths.OutputDir = filepath.Join(base, "output")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Discovery.Inputs = []string{filepath.Join(base, "inputs")}
	cfgVal.Discovery.Probe = false
	cfgVal.Discovery.TimeSource = config.TimeSourceMtime
	cfgVal.Extraction.Command = "camstitch-extract"
	cfgVal.Workflow.RetryBackoffMS = 1
	cfgVal.Workflow.RetryBackoffMaxMS = 2

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}
	for _, opt := range opts {
		opt(builder)
	}
	if err := builder.cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	return builder.cfg
}

// WithConcurrency overrides the worker count.
func WithConcurrency(n int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Workflow.Concurrency = n
	}
}

// WithMaxAttempts overrides the retry ceiling.
func WithMaxAttempts(n int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Workflow.MaxAttempts = n
	}
}

// WithMutate applies an arbitrary change to the config.
func WithMutate(fn func(cfg *config.Config)) ConfigOption {
	return func(b *configBuilder) {
		fn(b.cfg)
	}
}

// WithStubbedBinaries writes stub executables for the provided names and
// prepends them to PATH. If names is empty, ffprobe and the configured
// extraction command are stubbed.
func WithStubbedBinaries(names ...string) ConfigOption {
	return func(b *configBuilder) {
		if len(names) == 0 {
			names = []string{"ffprobe", b.cfg.Extraction.Command}
		}
		binDir := filepath.Join(b.baseDir, "bin")
		if err := os.MkdirAll(binDir, 0o755); err != nil {
			b.t.Fatalf("mkdir bin dir: %v", err)
		}
		script := []byte("#!/bin/sh\nexit 0\n")
		for _, name := range names {
			target := filepath.Join(binDir, name)
			if err := os.WriteFile(target, script, 0o755); err != nil {
				b.t.Fatalf("write stub %s: %v", name, err)
			}
		}

		oldPath := os.Getenv("PATH")
		if err := os.Setenv("PATH", binDir+string(os.PathListSeparator)+oldPath); err != nil {
			b.t.Fatalf("set PATH: %v", err)
		}
		b.t.Cleanup(func() {
			_ = os.Setenv("PATH", oldPath)
		})
	}
}

// InputDir returns the first input root of the generated config.
func InputDir(cfg *config.Config) string {
	return cfg.Discovery.Inputs[0]
}
