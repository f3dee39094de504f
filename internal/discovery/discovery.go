package discovery

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"camstitch/internal/config"
	"camstitch/internal/logging"
	"camstitch/internal/media"
	"camstitch/internal/media/ffprobe"
	"camstitch/internal/services"
)

const fallbackCamera = "camera"

// Discoverer turns configured input roots into segments.
type Discoverer struct {
	cfg    config.Discovery
	prober ffprobe.Prober
	logger *slog.Logger
	regex  *regexp.Regexp
}

// New builds a Discoverer. A nil prober disables probing regardless of the
// configured toggle.
func New(cfg config.Discovery, prober ffprobe.Prober, logger *slog.Logger) (*Discoverer, error) {
	d := &Discoverer{
		cfg:    cfg,
		prober: prober,
		logger: logging.NewComponentLogger(logger, "discovery"),
	}
	if cfg.FilenameRegex != "" {
		re, err := regexp.Compile(cfg.FilenameRegex)
		if err != nil {
			return nil, services.Wrap(services.ErrConfiguration, "discover", "compile regex", "invalid discovery.filename_regex", err)
		}
		d.regex = re
	}
	return d, nil
}

// Discover lists media files under every input root and describes each as a
// Segment. The result is sorted by camera, start and id.
func (d *Discoverer) Discover(ctx context.Context) ([]media.Segment, error) {
	paths, err := d.Paths()
	if err != nil {
		return nil, err
	}
	segments := make([]media.Segment, 0, len(paths))
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		seg, err := d.describe(ctx, path)
		if err != nil {
			return nil, err
		}
		segments = append(segments, seg)
	}
	media.SortSegments(segments)
	d.logger.Info("discovery complete",
		logging.Int("segments", len(segments)),
		logging.Int("cameras", len(media.Cameras(segments))),
	)
	return segments, nil
}

// Paths returns the absolute, sorted, de-duplicated media paths selected by
// the discovery policy.
func (d *Discoverer) Paths() ([]string, error) {
	if len(d.cfg.Inputs) == 0 {
		return nil, services.Wrap(services.ErrConfiguration, "discover", "inputs", "no discovery.inputs configured", nil)
	}
	seen := make(map[string]struct{})
	var out []string
	for _, root := range d.cfg.Inputs {
		found, err := d.collect(root)
		if err != nil {
			return nil, err
		}
		for _, path := range found {
			if _, ok := seen[path]; ok {
				continue
			}
			seen[path] = struct{}{}
			out = append(out, path)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (d *Discoverer) collect(root string) ([]string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "discover", "resolve input", root, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "discover", "stat input", abs, err)
	}
	if !info.IsDir() {
		if d.isMedia(abs) {
			return []string{abs}, nil
		}
		return nil, nil
	}
	if d.cfg.Recursive {
		return d.walk(abs)
	}
	files, err := d.listDir(abs)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		entries, err := os.ReadDir(abs)
		if err != nil {
			return nil, services.Wrap(services.ErrValidation, "discover", "read input", abs, err)
		}
		for _, entry := range entries {
			if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
				continue
			}
			nested, err := d.listDir(filepath.Join(abs, entry.Name()))
			if err != nil {
				return nil, err
			}
			files = append(files, nested...)
		}
	}
	return d.applyAudioPreference(abs, files), nil
}

func (d *Discoverer) walk(root string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			d.logger.Debug("skipping unreadable path", logging.String("path", path), logging.Error(err))
			if entry != nil && entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if entry.IsDir() {
			return nil
		}
		if entry.Type().IsRegular() && d.isMedia(path) {
			out = append(out, path)
		}
		return nil
	})
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "discover", "walk input", root, err)
	}
	return out, nil
}

func (d *Discoverer) listDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "discover", "read input", dir, err)
	}
	var out []string
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if d.isMedia(path) {
			out = append(out, path)
		}
	}
	return out, nil
}

func (d *Discoverer) applyAudioPreference(root string, files []string) []string {
	var audio, video []string
	for _, path := range files {
		if d.isAudio(path) {
			audio = append(audio, path)
		} else {
			video = append(video, path)
		}
	}
	switch d.cfg.AudioPreference {
	case config.AudioPreferStandalone:
		if len(audio) > 0 {
			if len(video) > 0 {
				d.logger.Info("standalone audio preferred over video",
					logging.String("root", root),
					logging.Int("audio_files", len(audio)),
					logging.Int("dropped_video_files", len(video)),
				)
			}
			return audio
		}
	case config.AudioPreferEmbedded:
		if len(video) > 0 {
			if len(audio) > 0 {
				d.logger.Info("embedded audio preferred over standalone audio",
					logging.String("root", root),
					logging.Int("video_files", len(video)),
					logging.Int("dropped_audio_files", len(audio)),
				)
			}
			return video
		}
	}
	return files
}

func (d *Discoverer) describe(ctx context.Context, path string) (media.Segment, error) {
	info, err := os.Stat(path)
	if err != nil {
		return media.Segment{}, services.Wrap(services.ErrValidation, "discover", "stat media", path, err)
	}
	seg := media.Segment{
		Path:    path,
		Size:    info.Size(),
		ModTime: info.ModTime().UTC(),
		Camera:  d.cameraID(path),
	}
	seg.ID = media.SegmentID(path, seg.Size, info.ModTime())

	var probe *ffprobe.Result
	if d.prober != nil && (d.cfg.Probe || d.cfg.TimeSource != config.TimeSourceMtime) {
		result, err := d.prober.Probe(ctx, path)
		if err != nil {
			if ctx.Err() != nil {
				return media.Segment{}, ctx.Err()
			}
			logging.WarnWithContext(d.logger, "probe failed; using extension and mtime",
				"probe_failed",
				logging.String("path", path),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "verify ffprobe is installed and the file is readable"),
				logging.String(logging.FieldImpact, "modality inferred from extension"),
			)
		} else {
			probe = &result
		}
	}

	seg.Start = d.startTime(path, info.ModTime(), probe)
	seg.Modality = d.modality(path, probe)
	if probe != nil && d.cfg.Probe {
		seg.Duration = probe.DurationSeconds()
	}
	return seg, nil
}

func (d *Discoverer) cameraID(path string) string {
	switch d.cfg.CameraFrom {
	case config.CameraFromRegex:
		if d.regex != nil {
			if value := namedGroup(d.regex, filepath.Base(path), "camera"); value != "" {
				return value
			}
		}
		return fallbackCamera
	case config.CameraFromFilename:
		base := filepath.Base(path)
		stem := strings.TrimSuffix(base, filepath.Ext(base))
		if stem == "" {
			return fallbackCamera
		}
		return stem
	default:
		parent := filepath.Base(filepath.Dir(path))
		if parent == "" || parent == "." || parent == string(filepath.Separator) {
			return fallbackCamera
		}
		return parent
	}
}

// startTime resolves the local-clock start following the configured source
// and its fallbacks. Filename timestamps carry no zone and are read as UTC.
func (d *Discoverer) startTime(path string, modTime time.Time, probe *ffprobe.Result) time.Time {
	source := d.cfg.TimeSource
	if source == config.TimeSourceFilename {
		if t, ok := d.filenameTime(path); ok {
			return t
		}
		source = config.TimeSourceFFprobe
	}
	if source == config.TimeSourceFFprobe && probe != nil {
		if t, ok := probe.CreationTime(); ok {
			return t.UTC()
		}
	}
	return modTime.UTC()
}

func (d *Discoverer) filenameTime(path string) (time.Time, bool) {
	if d.regex == nil || d.cfg.TimestampLayout == "" {
		return time.Time{}, false
	}
	raw := namedGroup(d.regex, filepath.Base(path), "ts")
	if raw == "" {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation(d.cfg.TimestampLayout, raw, time.UTC)
	if err != nil {
		d.logger.Debug("filename timestamp did not parse",
			logging.String("path", path),
			logging.String("value", raw),
			logging.Error(err),
		)
		return time.Time{}, false
	}
	return t, true
}

func (d *Discoverer) modality(path string, probe *ffprobe.Result) media.Modality {
	if probe != nil {
		hasVideo, hasAudio := probe.HasVideo(), probe.HasAudio()
		switch {
		case hasVideo && hasAudio:
			return media.ModalityAudioVideo
		case hasVideo:
			return media.ModalityVideoOnly
		case hasAudio:
			return media.ModalityAudioOnly
		}
	}
	if d.isAudio(path) {
		return media.ModalityAudioOnly
	}
	return media.ModalityAudioVideo
}

func (d *Discoverer) isMedia(path string) bool {
	return hasExtension(path, d.cfg.Extensions)
}

func (d *Discoverer) isAudio(path string) bool {
	return hasExtension(path, d.cfg.AudioExtensions)
}

func hasExtension(path string, exts []string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == "" {
		return false
	}
	for _, candidate := range exts {
		if ext == candidate {
			return true
		}
	}
	return false
}

func namedGroup(re *regexp.Regexp, value, group string) string {
	idx := re.SubexpIndex(group)
	if idx < 0 {
		return ""
	}
	match := re.FindStringSubmatch(value)
	if match == nil || idx >= len(match) {
		return ""
	}
	return match[idx]
}

// ErrNoSegments reports an input set that produced no media.
var ErrNoSegments = errors.New("no media segments discovered")

// Require returns ErrNoSegments wrapped as a validation failure when the set is empty.
func Require(segments []media.Segment, inputs []string) error {
	if len(segments) > 0 {
		return nil
	}
	return services.Wrap(services.ErrValidation, "discover", "inputs",
		fmt.Sprintf("searched %s", strings.Join(inputs, ", ")), ErrNoSegments)
}
