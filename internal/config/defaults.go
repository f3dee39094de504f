package config

const (
	defaultStateDir  = "~/.local/share/camstitch/state"
	defaultCacheDir  = "~/.cache/camstitch"
	defaultOutputDir = "~/camstitch/output"
	defaultLogDir    = "~/.local/share/camstitch/logs"

	defaultAudioPreference = AudioPreferStandalone
	defaultCameraFrom      = CameraFromParentDir
	defaultTimeSource      = TimeSourceFilename
	defaultTimestampLayout = "2006-01-02T15-04-05"

	defaultExtractionTimeout = 300
	defaultFingerprintHz     = 10.0

	defaultSearchWindowSeconds  = 300.0
	defaultMinConfidence        = 0.6
	defaultMinOverlapSeconds    = 5.0
	defaultConsistencyTolerance = 0.25

	defaultMinOverlapFraction  = 0.5
	defaultSimilarityThreshold = 0.5
	defaultResidualLagSeconds  = 0.5

	defaultMinAudioScore         = 0.15
	defaultMinVideoScore         = 0.15
	defaultVideoQualityWeight    = 0.5
	defaultSNRCeilingDB          = 30.0
	defaultSpeakerMatchThreshold = 0.75

	defaultConcurrency       = 2
	defaultUnitTimeout       = 600
	defaultMaxAttempts       = 3
	defaultRetryBackoffMS    = 500
	defaultRetryBackoffMaxMS = 30000

	defaultLogFormat = "console"
	defaultLogLevel  = "info"
)

// Audio preference policies for non-recursive discovery.
const (
	AudioPreferStandalone = "prefer_standalone"
	AudioPreferEmbedded   = "prefer_embedded"
	AudioKeepAll          = "keep_all"
)

// Camera identifier sources.
const (
	CameraFromParentDir = "parentdir"
	CameraFromRegex     = "regex"
	CameraFromFilename  = "filename"
)

// Segment start time sources.
const (
	TimeSourceFilename = "filename"
	TimeSourceFFprobe  = "ffprobe"
	TimeSourceMtime    = "mtime"
)

func defaultExtensions() []string {
	return []string{".mp4", ".mov", ".mkv", ".avi", ".wav", ".flac", ".m4a", ".mp3"}
}

func defaultAudioExtensions() []string {
	return []string{".wav", ".flac", ".m4a", ".mp3"}
}

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			StateDir:  defaultStateDir,
			CacheDir:  defaultCacheDir,
			OutputDir: defaultOutputDir,
			LogDir:    defaultLogDir,
		},
		Discovery: Discovery{
			Recursive:       true,
			Extensions:      defaultExtensions(),
			AudioExtensions: defaultAudioExtensions(),
			AudioPreference: defaultAudioPreference,
			CameraFrom:      defaultCameraFrom,
			TimestampLayout: defaultTimestampLayout,
			TimeSource:      defaultTimeSource,
			Probe:           true,
		},
		Extraction: Extraction{
			TimeoutSeconds: defaultExtractionTimeout,
			FingerprintHz:  defaultFingerprintHz,
		},
		Alignment: Alignment{
			SearchWindowSeconds:         defaultSearchWindowSeconds,
			MinConfidence:               defaultMinConfidence,
			MinOverlapSeconds:           defaultMinOverlapSeconds,
			ConsistencyToleranceSeconds: defaultConsistencyTolerance,
		},
		Clustering: Clustering{
			MinOverlapFraction:  defaultMinOverlapFraction,
			SimilarityThreshold: defaultSimilarityThreshold,
			ResidualLagSeconds:  defaultResidualLagSeconds,
		},
		Selection: Selection{
			MinAudioScore:         defaultMinAudioScore,
			MinVideoScore:         defaultMinVideoScore,
			VideoQualityWeight:    defaultVideoQualityWeight,
			SNRCeilingDB:          defaultSNRCeilingDB,
			SpeakerMatchThreshold: defaultSpeakerMatchThreshold,
		},
		Workflow: Workflow{
			Concurrency:        defaultConcurrency,
			UnitTimeoutSeconds: defaultUnitTimeout,
			MaxAttempts:        defaultMaxAttempts,
			RetryBackoffMS:     defaultRetryBackoffMS,
			RetryBackoffMaxMS:  defaultRetryBackoffMaxMS,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
