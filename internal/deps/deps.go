package deps

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Requirement names an external binary camstitch shells out to.
type Requirement struct {
	Name        string
	Command     string
	Description string
	Optional    bool
}

// Status is the outcome of resolving one requirement. Command echoes the
// configured value; Path is where it resolved to.
type Status struct {
	Name        string
	Command     string
	Path        string
	Description string
	Optional    bool
	Available   bool
	Detail      string
}

// Resolve finds command on PATH, or checks it directly when it contains a
// path separator.
func Resolve(command string) (string, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return "", errors.New("command not configured")
	}
	if strings.ContainsRune(command, os.PathSeparator) {
		info, err := os.Stat(command)
		if err != nil {
			return "", fmt.Errorf("binary %q not found", command)
		}
		if !isExecutable(info) {
			return "", fmt.Errorf("binary %q is not executable", command)
		}
		return command, nil
	}
	path, err := exec.LookPath(command)
	if err != nil {
		return "", fmt.Errorf("binary %q not found", command)
	}
	return path, nil
}

// CheckBinaries resolves every requirement in order.
func CheckBinaries(requirements []Requirement) []Status {
	results := make([]Status, len(requirements))
	for i, req := range requirements {
		status := Status{
			Name:        req.Name,
			Command:     strings.TrimSpace(req.Command),
			Description: strings.TrimSpace(req.Description),
			Optional:    req.Optional,
		}
		path, err := Resolve(status.Command)
		if err != nil {
			status.Detail = err.Error()
		} else {
			status.Path = path
			status.Available = true
		}
		results[i] = status
	}
	return results
}
