package preflight

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/dustin/go-humanize"
	"golang.org/x/sys/unix"

	"camstitch/internal/config"
	"camstitch/internal/deps"
)

const (
	// MinStateFreeBytes is the free space the state database needs to keep
	// committing unit results.
	MinStateFreeBytes uint64 = 256 << 20
	// MinOutputFreeBytes covers the packaged documents; clips are planned,
	// not rendered.
	MinOutputFreeBytes uint64 = 64 << 20
)

// CheckDirectoryAccess verifies that the directory exists and is readable/writable.
func CheckDirectoryAccess(name, path string) Result {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (read/write ok)", path)}
}

// CheckInput verifies that an input root exists and can be listed. Input
// roots are only read, so write access is not required.
func CheckInput(path string) Result {
	name := "Input " + path
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Result{Name: name, Detail: "does not exist"}
		}
		return Result{Name: name, Detail: fmt.Sprintf("stat: %v", err)}
	}
	mode := uint32(unix.R_OK)
	if info.IsDir() {
		mode |= unix.X_OK
	}
	if err := unix.Access(path, mode); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("not readable: %v", err)}
	}
	if info.IsDir() {
		return Result{Name: name, Passed: true, Detail: "directory readable"}
	}
	return Result{Name: name, Passed: true, Detail: "file readable"}
}

// CheckFreeSpace verifies the filesystem holding path has at least minBytes
// available to unprivileged writers.
func CheckFreeSpace(name, path string, minBytes uint64) Result {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: statfs: %v)", path, err)}
	}
	free := uint64(st.Bavail) * uint64(st.Bsize)
	detail := fmt.Sprintf("%s free", humanize.IBytes(free))
	if free < minBytes {
		return Result{Name: name, Detail: fmt.Sprintf("%s, need %s", detail, humanize.IBytes(minBytes))}
	}
	return Result{Name: name, Passed: true, Detail: detail}
}

// CheckSystemDeps evaluates the external binaries the configuration needs.
// Both the coordinator and the CLI use this list.
func CheckSystemDeps(cfg *config.Config) []deps.Status {
	requirements := []deps.Requirement{
		{
			Name:        "Feature extractor",
			Command:     cfg.Extraction.Command,
			Description: "Required for fingerprint and quality extraction",
		},
	}
	statuses := deps.CheckBinaries(requirements)

	probe := deps.LocateCompanion(cfg.FFprobeBinary(), cfg.Extraction.Command, "Required for media inspection")
	probe.Name = "FFprobe"
	probe.Optional = !needsProbe(cfg)
	if probe.Optional {
		probe.Description = "Used for media inspection when probing is enabled"
	}
	statuses = append(statuses, probe)

	mux := deps.LocateCompanion("ffmpeg", cfg.Extraction.Command, "Runs the planned mux commands")
	mux.Name = "FFmpeg"
	mux.Optional = true
	statuses = append(statuses, mux)
	return statuses
}

func needsProbe(cfg *config.Config) bool {
	return cfg.Discovery.Probe || cfg.Discovery.TimeSource != config.TimeSourceMtime
}

func fromStatus(status deps.Status) Result {
	result := Result{Name: status.Name, Passed: status.Available, Advisory: status.Optional}
	switch {
	case status.Available:
		result.Detail = status.Path
	case status.Detail != "":
		result.Detail = status.Detail
	default:
		result.Detail = fmt.Sprintf("binary %q not found", status.Command)
	}
	if !status.Available && status.Description != "" {
		result.Detail += " (" + status.Description + ")"
	}
	return result
}
