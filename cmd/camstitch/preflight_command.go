package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"camstitch/internal/preflight"
)

func newPreflightCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "preflight",
		Short: "Check directories, inputs, external binaries and host resources",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			results := preflight.RunAll(cmd.Context(), cfg)
			if asJSON {
				if err := writeJSON(cmd, results); err != nil {
					return err
				}
			} else {
				out := cmd.OutOrStdout()
				renderPreflight(out, results, shouldColorize(out))
			}
			if failures := preflight.Failures(results); len(failures) > 0 {
				return fmt.Errorf("%d preflight checks failed", len(failures))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print results as JSON")
	return cmd
}

func renderPreflight(out io.Writer, results []preflight.Result, colorize bool) {
	renderSectionHeader(out, "Preflight", colorize)
	for _, r := range results {
		kind := statusOK
		switch {
		case r.Passed:
		case r.Advisory:
			kind = statusWarn
		default:
			kind = statusError
		}
		fmt.Fprintln(out, renderStatusLine(r.Name, kind, r.Detail, colorize))
	}
}
