package deps

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

// LocateCompanion reports the binary name resolves to when it ships next to
// anchorCommand, the way extractor bundles carry their own ffmpeg tools. It
// prefers the sidecar copy and falls back to resolving name from PATH.
func LocateCompanion(name, anchorCommand, description string) Status {
	result := Status{
		Name:        name,
		Description: description,
	}

	anchor := strings.TrimSpace(anchorCommand)
	if anchor != "" {
		if resolved, err := exec.LookPath(anchor); err == nil {
			if candidate, ok := sidecarCandidate(resolved, name); ok {
				if info, statErr := os.Stat(candidate); statErr == nil && isExecutable(info) {
					result.Command = candidate
					result.Path = candidate
					result.Available = true
					return result
				}
			}
		}
	}

	if path, err := exec.LookPath(name); err == nil {
		result.Command = path
		result.Path = path
		result.Available = true
		return result
	}

	result.Command = name
	result.Available = false
	result.Detail = fmt.Sprintf("binary %q not found", name)
	return result
}

func sidecarCandidate(anchorPath, name string) (string, bool) {
	if anchorPath == "" || name == "" {
		return "", false
	}
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	return filepath.Join(filepath.Dir(anchorPath), name), true
}

func isExecutable(info os.FileInfo) bool {
	if info == nil {
		return false
	}
	if info.IsDir() {
		return false
	}
	if runtime.GOOS == "windows" {
		return true
	}
	return info.Mode().Perm()&0o111 != 0
}
