package config

import (
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	StateDir  string `toml:"state_dir" yaml:"state_dir"`
	CacheDir  string `toml:"cache_dir" yaml:"cache_dir"`
	OutputDir string `toml:"output_dir" yaml:"output_dir"`
	LogDir    string `toml:"log_dir" yaml:"log_dir"`
}

// Discovery controls how input media is located and turned into segments.
type Discovery struct {
	Inputs          []string `toml:"inputs" yaml:"inputs"`
	Recursive       bool     `toml:"recursive" yaml:"recursive"`
	Extensions      []string `toml:"extensions" yaml:"extensions"`
	AudioExtensions []string `toml:"audio_extensions" yaml:"audio_extensions"`
	// AudioPreference is one of prefer_standalone, prefer_embedded, keep_all.
	// It only applies to non-recursive discovery and is evaluated per input root.
	AudioPreference string `toml:"audio_preference" yaml:"audio_preference"`
	// CameraFrom is one of parentdir, regex, filename.
	CameraFrom      string `toml:"camera_from" yaml:"camera_from"`
	FilenameRegex   string `toml:"filename_regex" yaml:"filename_regex"`
	TimestampLayout string `toml:"timestamp_layout" yaml:"timestamp_layout"`
	// TimeSource is one of filename, ffprobe, mtime. Each falls back to the next.
	TimeSource string `toml:"time_source" yaml:"time_source"`
	Probe      bool   `toml:"probe" yaml:"probe"`
}

// Extraction configures the external feature extraction collaborator.
type Extraction struct {
	Command        string   `toml:"command" yaml:"command"`
	Args           []string `toml:"args" yaml:"args"`
	TimeoutSeconds int      `toml:"timeout_seconds" yaml:"timeout_seconds"`
	FingerprintHz  float64  `toml:"fingerprint_hz" yaml:"fingerprint_hz"`
	Model          string   `toml:"model" yaml:"model"`
}

// Alignment tunes cross-camera clock alignment.
type Alignment struct {
	SearchWindowSeconds         float64 `toml:"search_window_seconds" yaml:"search_window_seconds"`
	MinConfidence               float64 `toml:"min_confidence" yaml:"min_confidence"`
	MinOverlapSeconds           float64 `toml:"min_overlap_seconds" yaml:"min_overlap_seconds"`
	ConsistencyToleranceSeconds float64 `toml:"consistency_tolerance_seconds" yaml:"consistency_tolerance_seconds"`
}

// Clustering tunes moment clustering.
type Clustering struct {
	MinOverlapFraction  float64 `toml:"min_overlap_fraction" yaml:"min_overlap_fraction"`
	SimilarityThreshold float64 `toml:"similarity_threshold" yaml:"similarity_threshold"`
	ResidualLagSeconds  float64 `toml:"residual_lag_seconds" yaml:"residual_lag_seconds"`
}

// Selection tunes candidate scoring and the acceptance floor.
type Selection struct {
	MinAudioScore         float64 `toml:"min_audio_score" yaml:"min_audio_score"`
	MinVideoScore         float64 `toml:"min_video_score" yaml:"min_video_score"`
	VideoQualityWeight    float64 `toml:"video_quality_weight" yaml:"video_quality_weight"`
	SNRCeilingDB          float64 `toml:"snr_ceiling_db" yaml:"snr_ceiling_db"`
	SpeakerMatchThreshold float64 `toml:"speaker_match_threshold" yaml:"speaker_match_threshold"`
}

// Workflow controls coordinator concurrency, timeouts and retries.
type Workflow struct {
	Concurrency        int `toml:"concurrency" yaml:"concurrency"`
	UnitTimeoutSeconds int `toml:"unit_timeout_seconds" yaml:"unit_timeout_seconds"`
	MaxAttempts        int `toml:"max_attempts" yaml:"max_attempts"`
	RetryBackoffMS     int `toml:"retry_backoff_ms" yaml:"retry_backoff_ms"`
	RetryBackoffMaxMS  int `toml:"retry_backoff_max_ms" yaml:"retry_backoff_max_ms"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format" yaml:"format"`
	Level  string `toml:"level" yaml:"level"`
}

// Config encapsulates all configuration values for camstitch.
//
// Configuration sections by subsystem:
//   - Paths: state, cache, output and log directories
//   - Discovery: input roots and segment identity rules
//   - Extraction: external feature extraction command
//   - Alignment, Clustering, Selection: engine thresholds
//   - Workflow: coordinator concurrency, timeouts and retries
//   - Logging: log format and level
type Config struct {
	Paths      Paths      `toml:"paths" yaml:"paths"`
	Discovery  Discovery  `toml:"discovery" yaml:"discovery"`
	Extraction Extraction `toml:"extraction" yaml:"extraction"`
	Alignment  Alignment  `toml:"alignment" yaml:"alignment"`
	Clustering Clustering `toml:"clustering" yaml:"clustering"`
	Selection  Selection  `toml:"selection" yaml:"selection"`
	Workflow   Workflow   `toml:"workflow" yaml:"workflow"`
	Logging    Logging    `toml:"logging" yaml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/camstitch/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		if err := decodeFile(resolvedPath, &cfg); err != nil {
			return nil, "", false, err
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func decodeFile(path string, cfg *Config) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.NewDecoder(file).Decode(cfg); err != nil {
			return fmt.Errorf("parse config: %w", err)
		}
	default:
		if err := toml.NewDecoder(file).Decode(cfg); err != nil {
			return fmt.Errorf("parse config: %w", err)
		}
	}
	return nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("camstitch.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the directories a run writes to.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.StateDir, c.Paths.CacheDir, c.Paths.OutputDir, c.Paths.LogDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// FFprobeBinary returns the ffprobe executable name used for media probing.
func (c *Config) FFprobeBinary() string {
	return "ffprobe"
}

// UnitTimeout returns the per work unit timeout.
func (c *Config) UnitTimeout() int {
	return c.Workflow.UnitTimeoutSeconds
}

// Snapshot returns a deep copy so a run can hold the configuration immutable
// while callers keep mutating their own value.
func (c *Config) Snapshot() Config {
	cp := *c
	cp.Discovery.Inputs = append([]string(nil), c.Discovery.Inputs...)
	cp.Discovery.Extensions = append([]string(nil), c.Discovery.Extensions...)
	cp.Discovery.AudioExtensions = append([]string(nil), c.Discovery.AudioExtensions...)
	cp.Extraction.Args = append([]string(nil), c.Extraction.Args...)
	return cp
}

// DiscoveryHash fingerprints the options that change which segments are discovered.
func (c *Config) DiscoveryHash() string {
	return hashParts(
		"discovery",
		strings.Join(c.Discovery.Inputs, "\x1f"),
		fmt.Sprint(c.Discovery.Recursive),
		strings.Join(c.Discovery.Extensions, ","),
		strings.Join(c.Discovery.AudioExtensions, ","),
		c.Discovery.AudioPreference,
		c.Discovery.CameraFrom,
		c.Discovery.FilenameRegex,
		c.Discovery.TimestampLayout,
		c.Discovery.TimeSource,
		fmt.Sprint(c.Discovery.Probe),
	)
}

// ExtractionHash fingerprints the parameters that change extracted features.
func (c *Config) ExtractionHash() string {
	return hashParts(
		"extraction",
		c.Extraction.Command,
		strings.Join(c.Extraction.Args, "\x1f"),
		fmt.Sprintf("%.6f", c.Extraction.FingerprintHz),
		c.Extraction.Model,
	)
}

// AlignmentHash fingerprints the alignment thresholds.
func (c *Config) AlignmentHash() string {
	a := c.Alignment
	return hashParts("alignment",
		fmt.Sprintf("%.6f", a.SearchWindowSeconds),
		fmt.Sprintf("%.6f", a.MinConfidence),
		fmt.Sprintf("%.6f", a.MinOverlapSeconds),
		fmt.Sprintf("%.6f", a.ConsistencyToleranceSeconds),
	)
}

// ClusteringHash fingerprints the clustering thresholds.
func (c *Config) ClusteringHash() string {
	k := c.Clustering
	return hashParts("clustering",
		fmt.Sprintf("%.6f", k.MinOverlapFraction),
		fmt.Sprintf("%.6f", k.SimilarityThreshold),
		fmt.Sprintf("%.6f", k.ResidualLagSeconds),
	)
}

// SelectionHash fingerprints the scoring parameters.
func (c *Config) SelectionHash() string {
	s := c.Selection
	return hashParts("selection",
		fmt.Sprintf("%.6f", s.MinAudioScore),
		fmt.Sprintf("%.6f", s.MinVideoScore),
		fmt.Sprintf("%.6f", s.VideoQualityWeight),
		fmt.Sprintf("%.6f", s.SNRCeilingDB),
		fmt.Sprintf("%.6f", s.SpeakerMatchThreshold),
	)
}

func hashParts(parts ...string) string {
	h := sha256.New()
	for _, part := range parts {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

// SampleConfig returns the embedded sample configuration text.
func SampleConfig() string {
	return sampleConfig
}
