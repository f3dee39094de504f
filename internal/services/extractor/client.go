package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"camstitch/internal/config"
	"camstitch/internal/media"
	"camstitch/internal/services"
)

// ExitDataErr is the sysexits code collaborators use for unreadable media.
const ExitDataErr = 65

// DefaultArgs is used when no argument template is configured.
var DefaultArgs = []string{
	"--input", "{path}",
	"--start", "{start}",
	"--duration", "{duration}",
	"--fingerprint-hz", "{fingerprint_hz}",
	"--model", "{model}",
}

// Params are the extraction parameters that influence the produced vector.
type Params struct {
	FingerprintHz float64
	Model         string
}

// ParamsFromConfig derives Params from the extraction section.
func ParamsFromConfig(cfg config.Extraction) Params {
	return Params{FingerprintHz: cfg.FingerprintHz, Model: cfg.Model}
}

// Extractor produces a FeatureVector for one segment.
type Extractor interface {
	Extract(ctx context.Context, seg media.Segment, params Params) (media.FeatureVector, error)
}

// ExitError reports a non-zero collaborator exit.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return fmt.Sprintf("exit status %d: %s", e.Code, e.Stderr)
}

// Executor abstracts command execution for testability. Implementations
// return stdout and an *ExitError for non-zero exits.
type Executor interface {
	Run(ctx context.Context, binary string, args []string) ([]byte, error)
}

// Option configures the client.
type Option func(*Client)

// WithExecutor injects a custom executor (primarily for tests).
func WithExecutor(exec Executor) Option {
	return func(c *Client) {
		if exec != nil {
			c.exec = exec
		}
	}
}

// Client runs the configured extraction command.
type Client struct {
	binary  string
	args    []string
	timeout time.Duration
	exec    Executor
}

// New constructs a command-backed extractor.
func New(binary string, args []string, timeoutSeconds int, opts ...Option) (*Client, error) {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		return nil, services.Wrap(services.ErrConfiguration, "extract", "init", "extraction.command is required", nil)
	}
	if len(args) == 0 {
		args = DefaultArgs
	}
	client := &Client{
		binary:  binary,
		args:    append([]string(nil), args...),
		timeout: time.Duration(timeoutSeconds) * time.Second,
		exec:    commandExecutor{},
	}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

// NewFromConfig constructs a client from the extraction section.
func NewFromConfig(cfg config.Extraction, opts ...Option) (*Client, error) {
	return New(cfg.Command, cfg.Args, cfg.TimeoutSeconds, opts...)
}

// Binary returns the configured executable.
func (c *Client) Binary() string {
	return c.binary
}

type payload struct {
	media.FeatureVector
	Fatal bool   `json:"fatal"`
	Error string `json:"error"`
}

// Extract implements Extractor.
func (c *Client) Extract(ctx context.Context, seg media.Segment, params Params) (media.FeatureVector, error) {
	runCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	stdout, err := c.exec.Run(runCtx, c.binary, ExpandArgs(c.args, seg, params))
	if err != nil {
		return media.FeatureVector{}, classify(ctx, runCtx, seg, err)
	}

	var out payload
	if err := json.NewDecoder(bytes.NewReader(stdout)).Decode(&out); err != nil {
		return media.FeatureVector{}, services.Wrap(services.ErrRecoverableExtraction, "extract", "decode output", seg.Path, err)
	}
	if out.Fatal {
		return media.FeatureVector{}, services.Wrap(services.ErrFatalMedia, "extract", "extract", seg.Path, errors.New(nonEmpty(out.Error, "collaborator reported fatal media")))
	}
	if out.Error != "" {
		return media.FeatureVector{}, services.Wrap(services.ErrRecoverableExtraction, "extract", "extract", seg.Path, errors.New(out.Error))
	}
	vec := out.FeatureVector
	if vec.FingerprintHz == 0 && len(vec.AudioFingerprint) > 0 {
		vec.FingerprintHz = params.FingerprintHz
	}
	if err := vec.Validate(); err != nil {
		return media.FeatureVector{}, services.Wrap(services.ErrRecoverableExtraction, "extract", "validate output", seg.Path, err)
	}
	return vec, nil
}

func classify(parent, runCtx context.Context, seg media.Segment, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if runCtx.Err() != nil {
		return services.Wrap(services.ErrTimeout, "extract", "extract", seg.Path, runCtx.Err())
	}
	if errors.Is(err, exec.ErrNotFound) {
		return services.Wrap(services.ErrConfiguration, "extract", "start", "extraction command not found", err)
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) && exitErr.Code == ExitDataErr {
		return services.Wrap(services.ErrFatalMedia, "extract", "extract", seg.Path, err)
	}
	return services.Wrap(services.ErrRecoverableExtraction, "extract", "extract", seg.Path, err)
}

// ExpandArgs substitutes segment placeholders into the argument template.
func ExpandArgs(template []string, seg media.Segment, params Params) []string {
	replacer := strings.NewReplacer(
		"{path}", seg.Path,
		"{start}", strconv.FormatFloat(seg.StartSeconds(), 'f', 3, 64),
		"{duration}", strconv.FormatFloat(seg.Duration, 'f', 3, 64),
		"{fingerprint_hz}", strconv.FormatFloat(params.FingerprintHz, 'f', -1, 64),
		"{model}", params.Model,
		"{camera}", seg.Camera,
		"{segment_id}", seg.ID,
	)
	out := make([]string, len(template))
	for i, arg := range template {
		out[i] = replacer.Replace(arg)
	}
	return out
}

func nonEmpty(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

type commandExecutor struct{}

func (commandExecutor) Run(ctx context.Context, binary string, args []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, binary, args...) //nolint:gosec
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return stdout.Bytes(), &ExitError{Code: exitErr.ExitCode(), Stderr: strings.TrimSpace(stderr.String())}
		}
		return stdout.Bytes(), err
	}
	return stdout.Bytes(), nil
}
