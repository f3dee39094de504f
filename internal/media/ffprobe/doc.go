// Package ffprobe provides a typed wrapper around ffprobe JSON output.
//
// Discovery uses it to learn segment duration, modality (audio-bearing video,
// video-only, audio-only) and the creation_time tag that serves as a start
// time fallback when filenames carry no timestamp.
package ffprobe
