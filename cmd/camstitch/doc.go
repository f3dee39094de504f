// Package main hosts the camstitch CLI entrypoint and command graph.
//
// The Cobra command tree resolves configuration, opens the state and feature
// stores, and hands work to the workflow coordinator. Results are rendered as
// tables on a terminal or as JSON with --json.
//
// Keep this package lean: behavior belongs in the internal packages, and the
// commands here only wire them together and format their output.
package main
