package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/piwi3910/dns-harness/pkg/api"
	"github.com/piwi3910/dns-harness/pkg/harness"
	"github.com/piwi3910/dns-harness/pkg/metrics"
)

const shutdownTimeout = 30 * time.Second

var Serve = &cobra.Command{
	Use:   "serve [report.json...]",
	Short: "Serves run reports over HTTP",
	Long: "Starts the results API. Scenarios can be submitted with POST /api/runs; " +
		"reports given as arguments are preloaded.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup(cmd)
		if err != nil {
			return &exitCodeError{code: exitError, err: err}
		}
		if addr := Must(cmd.Flags().GetString("listen")); addr != "" {
			cfg.API.ListenAddress = addr
		}

		store := api.NewRunStore(Must(cmd.Flags().GetInt("max-runs")))
		for _, path := range args {
			report, err := loadReport(path)
			if err != nil {
				return &exitCodeError{code: exitError, err: err}
			}
			store.Put(report)
		}

		if cfg.Metrics.Enabled {
			metrics.RegisterMetrics(prometheus.DefaultRegisterer)
		}

		srv := api.NewServer(cfg, store, api.Options{Logger: log})

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		errCh := make(chan error, 1)
		go func() {
			errCh <- srv.Start()
		}()

		select {
		case err := <-errCh:
			if err != nil {
				return &exitCodeError{code: exitError, err: err}
			}
			return nil
		case <-ctx.Done():
		}

		log.Info().Msg("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return &exitCodeError{code: exitError, err: err}
		}

		return nil
	},
}

func loadReport(path string) (*harness.Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return harness.ReadReport(f)
}

func init() {
	rootCmd.AddCommand(Serve)

	Serve.Flags().String("listen", "", "Override the configured listen address")
	Serve.Flags().Int("max-runs", api.DefaultMaxRuns, "Number of reports kept in memory")
}
