package main

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"camstitch/internal/config"
	"camstitch/internal/discovery"
	"camstitch/internal/media"
	"camstitch/internal/media/ffprobe"
)

func newSurveyCommand(ctx *commandContext) *cobra.Command {
	var (
		asJSON bool
		inputs []string
	)

	cmd := &cobra.Command{
		Use:   "survey",
		Short: "Discover the inputs and summarize them without running the pipeline",
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
			d, err := discovery.New(cfg.Discovery, surveyProber(cfg), logger)
			if err != nil {
				return err
			}
			segments, err := d.Discover(cmd.Context())
			if err != nil {
				return err
			}
			survey := discovery.Summarize(segments)
			if asJSON {
				return writeJSON(cmd, survey)
			}
			out := cmd.OutOrStdout()
			renderSurvey(out, survey, shouldColorize(out))
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the survey as JSON")
	cmd.Flags().StringArrayVarP(&inputs, "input", "i", nil, "Input file or directory (repeatable; replaces discovery.inputs)")
	return cmd
}

func surveyProber(cfg *config.Config) ffprobe.Prober {
	if cfg.Discovery.Probe || cfg.Discovery.TimeSource != config.TimeSourceMtime {
		return ffprobe.CommandProber{Binary: cfg.FFprobeBinary()}
	}
	return nil
}

func renderSurvey(out io.Writer, s discovery.Survey, colorize bool) {
	renderSectionHeader(out, "Survey", colorize)
	fmt.Fprintln(out, renderStatusLine("Files", statusInfo, strconv.Itoa(s.Files), colorize))
	fmt.Fprintln(out, renderStatusLine("Total size", statusInfo, humanize.IBytes(uint64(max(s.TotalBytes, 0))), colorize))
	fmt.Fprintln(out, renderStatusLine("Total duration", statusInfo, formatSeconds(s.TotalDuration), colorize))
	fmt.Fprintln(out, renderStatusLine("Median duration", statusInfo, formatSeconds(s.MedianDuration), colorize))
	if s.UnknownDuration > 0 {
		fmt.Fprintln(out, renderStatusLine("Unknown duration", statusWarn, strconv.Itoa(s.UnknownDuration)+" files", colorize))
	}
	fmt.Fprintln(out, renderStatusLine("Input set", statusInfo, shortID(s.InputSetHash), colorize))
	fmt.Fprintln(out)

	cameras := make([]string, 0, len(s.Cameras))
	for camera := range s.Cameras {
		cameras = append(cameras, camera)
	}
	sort.Strings(cameras)
	rows := make([][]string, 0, len(cameras))
	for _, camera := range cameras {
		rows = append(rows, []string{camera, strconv.Itoa(s.Cameras[camera])})
	}
	fmt.Fprintln(out, renderTable([]string{"Camera", "Files"}, rows, []columnAlignment{alignLeft, alignRight}))

	modalities := []media.Modality{media.ModalityAudioVideo, media.ModalityVideoOnly, media.ModalityAudioOnly}
	rows = rows[:0]
	for _, m := range modalities {
		if n := s.Modalities[m]; n > 0 {
			rows = append(rows, []string{string(m), strconv.Itoa(n)})
		}
	}
	fmt.Fprintln(out, renderTable([]string{"Modality", "Files"}, rows, []columnAlignment{alignLeft, alignRight}))
}

func formatSeconds(seconds float64) string {
	if seconds <= 0 {
		return "-"
	}
	return (time.Duration(seconds * float64(time.Second))).Round(time.Second).String()
}
