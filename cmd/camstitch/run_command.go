package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"camstitch/internal/featurestore"
	"camstitch/internal/stage"
	"camstitch/internal/state"
	"camstitch/internal/workflow"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	var (
		asJSON        bool
		skipPreflight bool
		inputs        []string
		progress      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline over the configured inputs, resuming earlier work",
		Long: `Run discovers the input media, extracts features, aligns camera clocks,
clusters overlapping segments and picks the best audio and video per cluster.

Stages whose inputs are unchanged since a previous invocation are reused, so
running again after an interruption only performs the remaining work.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if err := applyInputs(cfg, inputs); err != nil {
				return err
			}
			logger, err := ctx.logger()
			if err != nil {
				return err
			}

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return ctx.withStores(func(store *state.Store, features *featurestore.Store) error {
				coordinator := workflow.New(cfg, store, features, logger,
					workflow.WithPreflight(!skipPreflight),
					workflow.WithProgressInterval(progress),
				)
				summary, runErr := coordinator.Run(runCtx)
				if summary.RunID == "" {
					return runErr
				}
				if asJSON {
					if err := writeJSON(cmd, summary); err != nil {
						return err
					}
				} else {
					out := cmd.OutOrStdout()
					renderRunSummary(out, summary, shouldColorize(out))
				}
				return runErr
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the run summary as JSON")
	cmd.Flags().BoolVar(&skipPreflight, "skip-preflight", false, "Skip directory, binary and host checks")
	cmd.Flags().StringArrayVarP(&inputs, "input", "i", nil, "Input file or directory (repeatable; replaces discovery.inputs)")
	cmd.Flags().DurationVar(&progress, "progress", 15*time.Second, "Interval between unit progress log lines (0 disables)")
	return cmd
}

func renderRunSummary(out io.Writer, summary workflow.Summary, colorize bool) {
	renderSectionHeader(out, "Run "+shortID(summary.RunID), colorize)
	kind := statusOK
	switch summary.Status {
	case state.RunFailed:
		kind = statusError
	case state.RunCanceled:
		kind = statusWarn
	}
	fmt.Fprintln(out, renderStatusLine("Status", kind, string(summary.Status), colorize))
	fmt.Fprintln(out, renderStatusLine("Generation", statusInfo, strconv.FormatInt(summary.Generation, 10), colorize))
	fmt.Fprintln(out, renderStatusLine("Segments", statusInfo, strconv.Itoa(summary.Segments), colorize))
	if summary.Reference != "" {
		fmt.Fprintln(out, renderStatusLine("Reference camera", statusInfo, summary.Reference, colorize))
	}
	fmt.Fprintln(out, renderStatusLine("Clusters", statusInfo, strconv.Itoa(summary.Clusters), colorize))
	if summary.Error != "" {
		fmt.Fprintln(out, renderStatusLine("Error", statusError, summary.Error, colorize))
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, renderStageTable(summary.Stages))

	if len(summary.Unaligned) > 0 {
		fmt.Fprintln(out, renderStatusLine("Unaligned cameras", statusWarn, strings.Join(summary.Unaligned, ", "), colorize))
	}
	if len(summary.NeedsReview) > 0 {
		fmt.Fprintln(out, renderStatusLine("Needs review", statusWarn, fmt.Sprintf("%d clusters", len(summary.NeedsReview)), colorize))
	}
	if len(summary.Excluded) > 0 {
		rows := make([][]string, 0, len(summary.Excluded))
		for _, ex := range summary.Excluded {
			rows = append(rows, []string{ex.Camera, ex.Path, ex.Status, string(ex.ErrorKind)})
		}
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Excluded segments")
		fmt.Fprintln(out, renderTable([]string{"Camera", "Path", "Status", "Kind"}, rows, nil))
	}
	for _, f := range summary.Artifacts {
		fmt.Fprintln(out, renderStatusLine(f.Name, statusOK, f.Path, colorize))
	}
}

func renderStageTable(stages []workflow.StageSummary) string {
	rows := make([][]string, 0, len(stages))
	for _, st := range stages {
		status := string(st.Status)
		if st.Skipped {
			status += " (reused)"
		}
		rows = append(rows, []string{
			stage.Name(st.Stage).Label(),
			status,
			strconv.Itoa(st.Attempts),
			formatUnits(st.Units),
			st.Duration.Round(time.Millisecond).String(),
		})
	}
	return renderTable(
		[]string{"Stage", "Status", "Attempts", "Units", "Duration"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft, alignRight},
	)
}

func formatUnits(units map[string]int) string {
	if len(units) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(units))
	for k := range units {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, units[k]))
	}
	return strings.Join(parts, " ")
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
