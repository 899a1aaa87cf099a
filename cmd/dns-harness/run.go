package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/piwi3910/dns-harness/pkg/config"
	"github.com/piwi3910/dns-harness/pkg/harness"
)

var Run = &cobra.Command{
	Use:   "run scenario.yaml...",
	Short: "Runs scenario files",
	Long: "Runs each scenario file in a fresh harness and prints its report. " +
		"Exits 0 when every scenario passed, 1 when a scenario failed its " +
		"convergence or comparison checks and 2 on harness errors.",
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup(cmd)
		if err != nil {
			return &exitCodeError{code: exitError, err: err}
		}

		if dir := Must(cmd.Flags().GetString("work-dir")); dir != "" {
			cfg.Harness.WorkDir = dir
		}
		if cmd.Flag("keep").Changed {
			cfg.Harness.KeepArtifacts = Must(cmd.Flags().GetBool("keep"))
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		opts := runOptions{
			out:      Must(cmd.Flags().GetString("out")),
			progress: Must(cmd.Flags().GetBool("progress")),
		}
		if cmd.Flag("seed").Changed {
			seed := Must(cmd.Flags().GetInt64("seed"))
			opts.seed = &seed
		}

		code := exitPass
		for _, path := range args {
			c := runFile(ctx, cfg, log, path, opts)
			code = max(code, c)
			if ctx.Err() != nil {
				break
			}
		}

		if code != exitPass {
			return &exitCodeError{code: code}
		}

		return nil
	},
}

type runOptions struct {
	out      string
	progress bool
	seed     *int64
}

// runFile runs one scenario and returns its exit code.
func runFile(ctx context.Context, cfg *config.Config, log zerolog.Logger, path string, opts runOptions) int {
	s, err := harness.LoadScenario(path)
	if err != nil {
		log.Error().Err(err).Str("scenario", path).Msg("Failed to load scenario")
		return exitError
	}
	if opts.seed != nil {
		s.Seed = opts.seed
	}

	bar := newProgress(os.Stderr, opts.progress)
	report, err := harness.RunScenario(ctx, harness.Options{
		Config: cfg,
		Logger: log.With().Str("scenario", s.Name).Logger(),
		OnPoll: bar.Observe,
	}, s)
	bar.Finish()

	if report != nil {
		if werr := writeReport(report, opts.out); werr != nil {
			log.Error().Err(werr).Msg("Failed to write report")
		}
		printSummary(report)
	}

	return exitCode(err)
}

// exitCode maps a run error to the process exit code.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitPass
	case harness.IsTestFailure(err):
		return exitTestFailure
	default:
		return exitError
	}
}

// writeReport writes the JSON report to out; "-" is stdout and empty skips.
func writeReport(report *harness.Report, out string) error {
	switch out {
	case "":
		return nil
	case "-":
		return report.WriteJSON(os.Stdout)
	}

	f, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("failed to create report file: %w", err)
	}
	defer f.Close()

	return report.WriteJSON(f)
}

func printSummary(r *harness.Report) {
	fmt.Fprintf(os.Stderr, "%s: %s (seed %d, %d zones, %d servers, %s)\n",
		r.Name, r.Result, r.Seed, len(r.Zones), len(r.Servers), r.Duration().Round(time.Millisecond))
	if r.Error != "" {
		fmt.Fprintf(os.Stderr, "    %s\n", r.Error)
	}
	for _, d := range r.Diffs {
		if !d.Equal() {
			fmt.Fprintf(os.Stderr, "    %s\n", d)
		}
	}
	for _, s := range r.Servers {
		if s.Stderr != "" {
			fmt.Fprintf(os.Stderr, "    %s (%s) exited: %s\n%s\n", s.Name, s.Family, s.Exit, s.Stderr)
		}
	}
}

func init() {
	rootCmd.AddCommand(Run)

	Run.Flags().String("out", "", "Write the JSON report to this file (- for stdout)")
	Run.Flags().Int64("seed", 0, "Override the scenario seed")
	Run.Flags().Bool("progress", true, "Show convergence progress on stderr")
	Run.Flags().String("work-dir", "", "Parent directory of the server work directories")
	Run.Flags().Bool("keep", false, "Keep server work directories after the run")
}
