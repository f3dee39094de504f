// Package discovery locates media under the configured input roots and
// describes each file as a segment: camera, local start time, modality and
// (when probed) duration.
//
// Non-recursive discovery reads the top level of each root and falls back to
// its immediate subdirectories when the top level holds no media. The audio
// preference policy then decides, per root, whether standalone audio files
// replace or yield to video files.
package discovery
