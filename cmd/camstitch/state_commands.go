package main

import (
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"camstitch/internal/featurestore"
	"camstitch/internal/state"
	"camstitch/internal/workflow"
)

func newStateCommand(ctx *commandContext) *cobra.Command {
	stateCmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect and reset persisted pipeline state",
	}

	stateCmd.AddCommand(newStateRunsCommand(ctx))
	stateCmd.AddCommand(newStateResetCommand(ctx))
	stateCmd.AddCommand(newStatePruneCacheCommand(ctx))

	return stateCmd
}

func newStateRunsCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded runs, most recent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStores(func(store *state.Store, _ *featurestore.Store) error {
				runs, err := store.ListRuns(cmd.Context())
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, runs)
				}
				out := cmd.OutOrStdout()
				if len(runs) == 0 {
					fmt.Fprintln(out, "No runs recorded yet")
					return nil
				}
				rows := make([][]string, 0, len(runs))
				for _, run := range runs {
					rows = append(rows, []string{
						shortID(run.ID),
						string(run.Status),
						strconv.FormatInt(run.Generation, 10),
						strconv.Itoa(run.SegmentCount),
						run.UpdatedAt.Local().Format("2006-01-02 15:04:05"),
					})
				}
				fmt.Fprintln(out, renderTable(
					[]string{"Run", "Status", "Generation", "Segments", "Updated"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignLeft},
				))
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print runs as JSON")
	return cmd
}

func newStateResetCommand(ctx *commandContext) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "reset [run-id]",
		Short: "Discard recorded progress so the next run starts from scratch",
		Long: `Reset deletes the stage records, work units and stored outputs of a run.
Without an argument the most recent run is reset. Cached feature vectors are
kept; use "state prune-cache" to drop stale ones.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			lock := flock.New(filepath.Join(cfg.Paths.StateDir, workflow.LockFile))
			locked, err := lock.TryLock()
			if err != nil {
				return fmt.Errorf("acquire lock: %w", err)
			}
			if !locked {
				return workflow.ErrBusy
			}
			defer lock.Unlock()

			return ctx.withStores(func(store *state.Store, _ *featurestore.Store) error {
				targets, err := resetTargets(cmd, store, args, all)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(targets) == 0 {
					fmt.Fprintln(out, "No runs to reset")
					return nil
				}
				for _, id := range targets {
					if err := store.DeleteRun(cmd.Context(), id); err != nil {
						return err
					}
					fmt.Fprintf(out, "Reset run %s\n", shortID(id))
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Reset every recorded run")
	return cmd
}

func resetTargets(cmd *cobra.Command, store *state.Store, args []string, all bool) ([]string, error) {
	switch {
	case all:
		runs, err := store.ListRuns(cmd.Context())
		if err != nil {
			return nil, err
		}
		ids := make([]string, 0, len(runs))
		for _, run := range runs {
			ids = append(ids, run.ID)
		}
		return ids, nil
	case len(args) == 1:
		runs, err := store.ListRuns(cmd.Context())
		if err != nil {
			return nil, err
		}
		var matches []string
		for _, run := range runs {
			if run.ID == args[0] || shortID(run.ID) == args[0] {
				matches = append(matches, run.ID)
			}
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("no run matches %q", args[0])
		}
		return matches[:1], nil
	default:
		run, err := store.LatestRun(cmd.Context())
		if err != nil || run == nil {
			return nil, err
		}
		return []string{run.ID}, nil
	}
}

func newStatePruneCacheCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "prune-cache",
		Short: "Drop cached feature vectors computed under other extraction settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			return ctx.withStores(func(_ *state.Store, features *featurestore.Store) error {
				removed, err := features.Prune(cmd.Context(), cfg.ExtractionHash())
				if err != nil {
					return err
				}
				remaining, err := features.Count(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d cached vectors; %d remain\n", removed, remaining)
				return nil
			})
		},
	}
}
