// Package preflight provides readiness checks for the directories, input
// roots, external binaries and host resources camstitch depends on.
//
// These checks run in two contexts:
//   - The workflow coordinator calls RunAll before discovery when preflight
//     is enabled. Any failed blocking check aborts the run before work starts.
//   - The CLI "camstitch preflight" command prints every result, advisory
//     ones included.
//
// Advisory results describe conditions worth knowing about (low memory, a
// missing optional ffmpeg) that never block a run.
package preflight
