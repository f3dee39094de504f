package config

import (
	"fmt"
	"sort"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	if err := c.normalizeDiscovery(); err != nil {
		return err
	}
	c.normalizeExtraction()
	c.normalizeWorkflow()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.StateDir) == "" {
		c.Paths.StateDir = defaultStateDir
	}
	if c.Paths.StateDir, err = expandPath(c.Paths.StateDir); err != nil {
		return fmt.Errorf("paths.state_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.CacheDir) == "" {
		c.Paths.CacheDir = defaultCacheDir
	}
	if c.Paths.CacheDir, err = expandPath(c.Paths.CacheDir); err != nil {
		return fmt.Errorf("paths.cache_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.OutputDir) == "" {
		c.Paths.OutputDir = defaultOutputDir
	}
	if c.Paths.OutputDir, err = expandPath(c.Paths.OutputDir); err != nil {
		return fmt.Errorf("paths.output_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeDiscovery() error {
	inputs := make([]string, 0, len(c.Discovery.Inputs))
	seen := make(map[string]struct{}, len(c.Discovery.Inputs))
	for _, input := range c.Discovery.Inputs {
		if strings.TrimSpace(input) == "" {
			continue
		}
		expanded, err := expandPath(strings.TrimSpace(input))
		if err != nil {
			return fmt.Errorf("discovery.inputs: %w", err)
		}
		if _, ok := seen[expanded]; ok {
			continue
		}
		seen[expanded] = struct{}{}
		inputs = append(inputs, expanded)
	}
	sort.Strings(inputs)
	c.Discovery.Inputs = inputs

	c.Discovery.Extensions = NormalizeExtensions(c.Discovery.Extensions)
	if len(c.Discovery.Extensions) == 0 {
		c.Discovery.Extensions = defaultExtensions()
	}
	c.Discovery.AudioExtensions = NormalizeExtensions(c.Discovery.AudioExtensions)
	if len(c.Discovery.AudioExtensions) == 0 {
		c.Discovery.AudioExtensions = defaultAudioExtensions()
	}

	c.Discovery.AudioPreference = strings.ToLower(strings.TrimSpace(c.Discovery.AudioPreference))
	if c.Discovery.AudioPreference == "" {
		c.Discovery.AudioPreference = defaultAudioPreference
	}
	c.Discovery.CameraFrom = strings.ToLower(strings.TrimSpace(c.Discovery.CameraFrom))
	if c.Discovery.CameraFrom == "" {
		c.Discovery.CameraFrom = defaultCameraFrom
	}
	c.Discovery.TimeSource = strings.ToLower(strings.TrimSpace(c.Discovery.TimeSource))
	if c.Discovery.TimeSource == "" {
		c.Discovery.TimeSource = defaultTimeSource
	}
	c.Discovery.FilenameRegex = strings.TrimSpace(c.Discovery.FilenameRegex)
	if strings.TrimSpace(c.Discovery.TimestampLayout) == "" {
		c.Discovery.TimestampLayout = defaultTimestampLayout
	}
	return nil
}

// NormalizeExtensions lower-cases extensions and guarantees a leading dot.
// Accepted forms are "mp4", ".mp4", "MP4" and comma separated lists thereof.
func NormalizeExtensions(values []string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, value := range values {
		for _, raw := range strings.Split(value, ",") {
			ext := strings.ToLower(strings.TrimSpace(raw))
			if ext == "" {
				continue
			}
			if !strings.HasPrefix(ext, ".") {
				ext = "." + ext
			}
			if _, ok := seen[ext]; ok {
				continue
			}
			seen[ext] = struct{}{}
			out = append(out, ext)
		}
	}
	return out
}

func (c *Config) normalizeExtraction() {
	c.Extraction.Command = strings.TrimSpace(c.Extraction.Command)
	c.Extraction.Model = strings.TrimSpace(c.Extraction.Model)
	if c.Extraction.FingerprintHz == 0 {
		c.Extraction.FingerprintHz = defaultFingerprintHz
	}
	if c.Extraction.TimeoutSeconds == 0 {
		c.Extraction.TimeoutSeconds = defaultExtractionTimeout
	}
}

func (c *Config) normalizeWorkflow() {
	if c.Workflow.Concurrency == 0 {
		c.Workflow.Concurrency = defaultConcurrency
	}
	if c.Workflow.MaxAttempts == 0 {
		c.Workflow.MaxAttempts = defaultMaxAttempts
	}
	if c.Workflow.UnitTimeoutSeconds == 0 {
		c.Workflow.UnitTimeoutSeconds = defaultUnitTimeout
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
