package workflow

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"camstitch/internal/config"
	"camstitch/internal/featurestore"
	"camstitch/internal/logging"
	"camstitch/internal/media/ffprobe"
	"camstitch/internal/pipeline"
	"camstitch/internal/services/extractor"
	"camstitch/internal/stage"
	"camstitch/internal/state"
)

// LockFile is the single-instance lock inside paths.state_dir.
const LockFile = "camstitch.lock"

const defaultProgressInterval = 15 * time.Second

// Coordinator drives the pipeline stages of a run.
type Coordinator struct {
	cfg       *config.Config
	store     *state.Store
	features  *featurestore.Store
	extractor extractor.Extractor
	prober    ffprobe.Prober
	logger    *slog.Logger

	progress  *ProgressMonitor
	handlers  []stage.Handler
	preflight bool
	lockPath  string
	lock      *flock.Flock

	mu      sync.RWMutex
	running bool
	lastErr error
}

// Option configures optional Coordinator behavior.
type Option func(*Coordinator)

// WithExtractor substitutes the extraction collaborator.
func WithExtractor(e extractor.Extractor) Option {
	return func(c *Coordinator) {
		c.extractor = e
	}
}

// WithProber substitutes the media prober used by discovery. A nil prober
// disables probing.
func WithProber(p ffprobe.Prober) Option {
	return func(c *Coordinator) {
		c.prober = p
	}
}

// WithProgressInterval sets how often unit progress is logged while a stage
// runs. Zero disables progress logging.
func WithProgressInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		c.progress.interval = d
	}
}

// WithPreflight runs the environment checks before discovery.
func WithPreflight(enabled bool) Option {
	return func(c *Coordinator) {
		c.preflight = enabled
	}
}

// New constructs a Coordinator. Without WithExtractor the configured
// extraction command is used; without WithProber ffprobe is used when the
// discovery settings need it.
func New(cfg *config.Config, store *state.Store, features *featurestore.Store, logger *slog.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = logging.NewNop()
	}
	lockPath := filepath.Join(cfg.Paths.StateDir, LockFile)
	c := &Coordinator{
		cfg:      cfg,
		store:    store,
		features: features,
		logger:   logging.NewComponentLogger(logger, "workflow"),
		progress: NewProgressMonitor(store, logger, defaultProgressInterval),
		lockPath: lockPath,
		lock:     flock.New(lockPath),
	}
	if cfg.Discovery.Probe || cfg.Discovery.TimeSource != config.TimeSourceMtime {
		c.prober = ffprobe.CommandProber{Binary: cfg.FFprobeBinary()}
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.extractor == nil {
		if client, err := extractor.NewFromConfig(cfg.Extraction); err == nil {
			c.extractor = client
		}
	}
	c.handlers = pipeline.Handlers(pipeline.Deps{
		Config:    cfg,
		Features:  features,
		Extractor: c.extractor,
		Logger:    logger,
	})
	return c
}
