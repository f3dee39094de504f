package preflight

import (
	"context"

	"camstitch/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name     string `json:"name"`
	Passed   bool   `json:"passed"`
	Detail   string `json:"detail"`
	Advisory bool   `json:"advisory,omitempty"`
}

// Blocking reports whether the result should stop a run.
func (r Result) Blocking() bool {
	return !r.Passed && !r.Advisory
}

// RunAll executes every preflight check for the given config.
func RunAll(ctx context.Context, cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}

	var results []Result

	results = append(results, CheckDirectoryAccess("State directory", cfg.Paths.StateDir))
	results = append(results, CheckFreeSpace("State directory space", cfg.Paths.StateDir, MinStateFreeBytes))
	results = append(results, CheckDirectoryAccess("Cache directory", cfg.Paths.CacheDir))
	results = append(results, CheckDirectoryAccess("Output directory", cfg.Paths.OutputDir))
	results = append(results, CheckFreeSpace("Output directory space", cfg.Paths.OutputDir, MinOutputFreeBytes))
	if cfg.Paths.LogDir != "" {
		results = append(results, CheckDirectoryAccess("Log directory", cfg.Paths.LogDir))
	}

	for _, input := range cfg.Discovery.Inputs {
		results = append(results, CheckInput(input))
	}

	for _, status := range CheckSystemDeps(cfg) {
		results = append(results, fromStatus(status))
	}

	results = append(results, CheckHostResources(ctx, cfg.Workflow.Concurrency)...)
	return results
}

// Failures returns the blocking failures among results.
func Failures(results []Result) []Result {
	var out []Result
	for _, r := range results {
		if r.Blocking() {
			out = append(out, r)
		}
	}
	return out
}
