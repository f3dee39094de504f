// Package stage defines the pipeline stage names, their dependency order and
// the Handler contract the coordinator drives.
package stage
