// Package services defines shared utilities consumed by the pipeline stage
// handlers and external collaborators.
//
// Key responsibilities:
//   - Context helpers that stamp run ids, stage names, work unit keys and
//     correlation identifiers for logging.
//   - Structured error markers plus the Wrap helper, and the Kind mapping that
//     turns a failure into the error kind persisted alongside the work unit.
//
// The extractor subpackage holds the feature extraction collaborator.
package services
