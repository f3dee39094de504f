package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"camstitch/internal/featurestore"
	"camstitch/internal/stage"
	"camstitch/internal/state"
	"camstitch/internal/workflow"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the latest run's pipeline state and stage readiness",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := ctx.logger()
			if err != nil {
				return err
			}
			return ctx.withStores(func(store *state.Store, features *featurestore.Store) error {
				coordinator := workflow.New(cfg, store, features, logger)
				status, err := coordinator.Status(cmd.Context())
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, status)
				}
				out := cmd.OutOrStdout()
				renderStatus(out, status, shouldColorize(out))
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print status as JSON")
	return cmd
}

func renderStatus(out io.Writer, status workflow.StatusSummary, colorize bool) {
	renderSectionHeader(out, "Stages", colorize)
	for _, h := range status.StageHealth {
		kind := statusOK
		detail := "ready"
		if !h.Ready {
			kind = statusError
			detail = h.Detail
		}
		fmt.Fprintln(out, renderStatusLine(stage.Name(h.Name).Label(), kind, detail, colorize))
	}
	fmt.Fprintln(out)

	if status.Run == nil {
		fmt.Fprintln(out, "No runs recorded yet")
		return
	}
	run := status.Run
	renderSectionHeader(out, "Run "+shortID(run.ID), colorize)
	fmt.Fprintln(out, renderStatusLine("Status", runStatusKind(run.Status), string(run.Status), colorize))
	fmt.Fprintln(out, renderStatusLine("Generation", statusInfo, strconv.FormatInt(run.Generation, 10), colorize))
	fmt.Fprintln(out, renderStatusLine("Segments", statusInfo, strconv.Itoa(run.SegmentCount), colorize))
	fmt.Fprintln(out, renderStatusLine("Updated", statusInfo, run.UpdatedAt.Local().Format("2006-01-02 15:04:05"), colorize))
	if run.ErrorMessage != "" {
		fmt.Fprintln(out, renderStatusLine("Error", statusError, run.ErrorMessage, colorize))
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, renderPipelineTable(status.State))

	if last := status.LastSummary; last != nil && len(last.NeedsReview) > 0 {
		fmt.Fprintln(out, renderStatusLine("Needs review", statusWarn, fmt.Sprintf("%d clusters", len(last.NeedsReview)), colorize))
	}
}

func renderPipelineTable(ps state.PipelineState) string {
	rows := make([][]string, 0, len(ps.Stages))
	for _, st := range ps.Stages {
		failed := len(st.Failed)
		detail := st.ErrorKind
		if detail == "" && failed > 0 {
			detail = string(st.Failed[0].ErrorKind)
		}
		rows = append(rows, []string{
			stage.Name(st.Stage).Label(),
			string(st.Status),
			strconv.Itoa(st.Attempts),
			strconv.Itoa(len(st.Completed)),
			strconv.Itoa(len(st.Pending)),
			strconv.Itoa(failed),
			detail,
		})
	}
	return renderTable(
		[]string{"Stage", "Status", "Attempts", "Done", "Pending", "Failed", "Error"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignRight, alignRight, alignLeft},
	)
}

func runStatusKind(status state.RunStatus) statusKind {
	switch status {
	case state.RunCompleted:
		return statusOK
	case state.RunFailed:
		return statusError
	case state.RunCanceled:
		return statusWarn
	default:
		return statusInfo
	}
}
