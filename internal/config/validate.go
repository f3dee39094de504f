package config

import (
	"errors"
	"fmt"
	"regexp"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateDiscovery(); err != nil {
		return err
	}
	if err := c.validateExtraction(); err != nil {
		return err
	}
	if err := c.validateAlignment(); err != nil {
		return err
	}
	if err := c.validateClustering(); err != nil {
		return err
	}
	if err := c.validateSelection(); err != nil {
		return err
	}
	if err := c.validateWorkflow(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateDiscovery() error {
	switch c.Discovery.AudioPreference {
	case AudioPreferStandalone, AudioPreferEmbedded, AudioKeepAll:
	default:
		return fmt.Errorf("discovery.audio_preference must be one of %s, %s, %s (got %q)",
			AudioPreferStandalone, AudioPreferEmbedded, AudioKeepAll, c.Discovery.AudioPreference)
	}
	switch c.Discovery.CameraFrom {
	case CameraFromParentDir, CameraFromFilename:
	case CameraFromRegex:
		if c.Discovery.FilenameRegex == "" {
			return errors.New("discovery.filename_regex must be set when discovery.camera_from is regex")
		}
	default:
		return fmt.Errorf("discovery.camera_from must be parentdir, regex or filename (got %q)", c.Discovery.CameraFrom)
	}
	switch c.Discovery.TimeSource {
	case TimeSourceFilename, TimeSourceFFprobe, TimeSourceMtime:
	default:
		return fmt.Errorf("discovery.time_source must be filename, ffprobe or mtime (got %q)", c.Discovery.TimeSource)
	}
	if c.Discovery.FilenameRegex != "" {
		if _, err := regexp.Compile(c.Discovery.FilenameRegex); err != nil {
			return fmt.Errorf("discovery.filename_regex: %w", err)
		}
	}
	return nil
}

func (c *Config) validateExtraction() error {
	if c.Extraction.TimeoutSeconds < 0 {
		return errors.New("extraction.timeout_seconds must not be negative")
	}
	if c.Extraction.FingerprintHz <= 0 {
		return errors.New("extraction.fingerprint_hz must be positive")
	}
	return nil
}

func (c *Config) validateAlignment() error {
	a := c.Alignment
	if a.SearchWindowSeconds <= 0 {
		return errors.New("alignment.search_window_seconds must be positive")
	}
	if err := ensureUnit("alignment.min_confidence", a.MinConfidence); err != nil {
		return err
	}
	if a.MinOverlapSeconds < 0 {
		return errors.New("alignment.min_overlap_seconds must not be negative")
	}
	if a.ConsistencyToleranceSeconds < 0 {
		return errors.New("alignment.consistency_tolerance_seconds must not be negative")
	}
	return nil
}

func (c *Config) validateClustering() error {
	k := c.Clustering
	if err := ensureUnit("clustering.min_overlap_fraction", k.MinOverlapFraction); err != nil {
		return err
	}
	if k.SimilarityThreshold < -1 || k.SimilarityThreshold > 1 {
		return errors.New("clustering.similarity_threshold must be between -1 and 1")
	}
	if k.ResidualLagSeconds < 0 {
		return errors.New("clustering.residual_lag_seconds must not be negative")
	}
	return nil
}

func (c *Config) validateSelection() error {
	s := c.Selection
	if err := ensureUnit("selection.min_audio_score", s.MinAudioScore); err != nil {
		return err
	}
	if err := ensureUnit("selection.min_video_score", s.MinVideoScore); err != nil {
		return err
	}
	if err := ensureUnit("selection.video_quality_weight", s.VideoQualityWeight); err != nil {
		return err
	}
	if err := ensureUnit("selection.speaker_match_threshold", s.SpeakerMatchThreshold); err != nil {
		return err
	}
	if s.SNRCeilingDB <= 0 {
		return errors.New("selection.snr_ceiling_db must be positive")
	}
	return nil
}

func (c *Config) validateWorkflow() error {
	if err := ensurePositiveMap(map[string]int{
		"workflow.concurrency":          c.Workflow.Concurrency,
		"workflow.unit_timeout_seconds": c.Workflow.UnitTimeoutSeconds,
		"workflow.max_attempts":         c.Workflow.MaxAttempts,
	}); err != nil {
		return err
	}
	if c.Workflow.RetryBackoffMS < 0 || c.Workflow.RetryBackoffMaxMS < 0 {
		return errors.New("workflow retry backoff values must not be negative")
	}
	if c.Workflow.RetryBackoffMaxMS > 0 && c.Workflow.RetryBackoffMaxMS < c.Workflow.RetryBackoffMS {
		return errors.New("workflow.retry_backoff_max_ms must be at least workflow.retry_backoff_ms")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json (got %q)", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error (got %q)", c.Logging.Level)
	}
	return nil
}

func ensureUnit(name string, value float64) error {
	if value < 0 || value > 1 {
		return fmt.Errorf("%s must be between 0 and 1", name)
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
