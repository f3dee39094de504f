// Package workflow coordinates a camstitch run.
//
// The Coordinator discovers the input set, opens (or resumes) the run keyed
// by its input-set hash and drives the stage handlers in dependency order:
// extract, align, cluster, dedupe, annotate, package. Each stage is skipped
// when its input hash matches a completed record; otherwise its work units are
// registered in the state store and executed by a bounded worker pool that
// claims, runs and settles one unit at a time. Recoverable failures retry with
// exponential backoff up to the configured attempt ceiling; fatal media
// failures exclude a segment in tolerant stages; state corruption and
// configuration errors stop the run.
//
// A single-instance file lock in the state directory keeps concurrent
// invocations from sharing the database. Interrupted runs resume from the
// last settled unit: RecoverInterrupted returns work left running to the
// queue before any stage executes.
package workflow
