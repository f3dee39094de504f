package ffprobe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Result represents the parsed output from an ffprobe inspection.
type Result struct {
	Streams []Stream `json:"streams"`
	Format  Format   `json:"format"`
}

// Stream describes a single stream in the media container.
type Stream struct {
	Index     int               `json:"index"`
	CodecName string            `json:"codec_name"`
	CodecType string            `json:"codec_type"`
	Duration  string            `json:"duration"`
	Width     int               `json:"width"`
	Height    int               `json:"height"`
	Tags      map[string]string `json:"tags"`
}

// Format captures container-level metadata extracted by ffprobe.
type Format struct {
	Filename   string            `json:"filename"`
	Duration   string            `json:"duration"`
	Size       string            `json:"size"`
	FormatName string            `json:"format_name"`
	Tags       map[string]string `json:"tags"`
}

// Prober inspects a media file. Discovery depends on this interface so tests
// can substitute canned results.
type Prober interface {
	Probe(ctx context.Context, path string) (Result, error)
}

// CommandProber runs the ffprobe executable.
type CommandProber struct {
	Binary string
}

// Probe implements Prober.
func (p CommandProber) Probe(ctx context.Context, path string) (Result, error) {
	return Inspect(ctx, p.Binary, path)
}

// Inspect executes ffprobe against the provided path and decodes the JSON response.
func Inspect(ctx context.Context, binary string, path string) (Result, error) {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		binary = "ffprobe"
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return Result{}, errors.New("ffprobe inspect: empty path")
	}

	cmd := exec.CommandContext(ctx, binary, "-v", "error", "-hide_banner", "-show_format", "-show_streams", "-of", "json", "--", path)
	output, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return Result{}, fmt.Errorf("ffprobe inspect: %w: %s", err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return Result{}, fmt.Errorf("ffprobe inspect: %w", err)
	}

	var result Result
	if err := json.Unmarshal(output, &result); err != nil {
		return Result{}, fmt.Errorf("ffprobe parse: %w", err)
	}
	return result, nil
}

// HasVideo reports whether any video stream is present. Attached cover art
// (mjpeg/png single frames) does not count.
func (r Result) HasVideo() bool {
	for _, stream := range r.Streams {
		if !strings.EqualFold(stream.CodecType, "video") {
			continue
		}
		switch strings.ToLower(stream.CodecName) {
		case "mjpeg", "png":
			continue
		}
		return true
	}
	return false
}

// HasAudio reports whether any audio stream is present.
func (r Result) HasAudio() bool {
	for _, stream := range r.Streams {
		if strings.EqualFold(stream.CodecType, "audio") {
			return true
		}
	}
	return false
}

// DurationSeconds returns the container duration in seconds, falling back to
// the longest stream. Zero means unknown.
func (r Result) DurationSeconds() float64 {
	if d := parseFloat(r.Format.Duration); d > 0 {
		return d
	}
	longest := 0.0
	for _, stream := range r.Streams {
		if d := parseFloat(stream.Duration); d > longest {
			longest = d
		}
	}
	return longest
}

// CreationTime returns the container creation_time tag, checking stream tags
// when the container carries none.
func (r Result) CreationTime() (time.Time, bool) {
	if t, ok := parseCreationTime(r.Format.Tags); ok {
		return t, true
	}
	for _, stream := range r.Streams {
		if t, ok := parseCreationTime(stream.Tags); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

func parseCreationTime(tags map[string]string) (time.Time, bool) {
	raw := strings.TrimSpace(tags["creation_time"])
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.000000Z", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func parseFloat(value string) float64 {
	cleaned := strings.TrimSpace(value)
	if cleaned == "" {
		return 0
	}
	parsed, err := strconv.ParseFloat(cleaned, 64)
	if err != nil || math.IsNaN(parsed) || math.IsInf(parsed, 0) || parsed < 0 {
		return 0
	}
	return parsed
}
