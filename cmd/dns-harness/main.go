// Package main provides the dns-harness command line: it runs scenario files
// against real DNS server binaries and serves run reports.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/piwi3910/dns-harness/pkg/config"
	"github.com/piwi3910/dns-harness/pkg/logging"
)

const version = "0.1.0-dev"

// Exit codes.
const (
	exitPass        = 0
	exitTestFailure = 1
	exitError       = 2
)

// exitCodeError carries the process exit code out of a command.
type exitCodeError struct {
	code int
	err  error
}

func (e *exitCodeError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit code %d", e.code)
	}

	return e.err.Error()
}

func (e *exitCodeError) Unwrap() error {
	return e.err
}

var rootCmd = &cobra.Command{
	Use:           "dns-harness",
	Short:         "Test orchestration harness for authoritative DNS servers",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String("config", "dns-harness.yaml", "Configuration file (defaults apply when missing)")
	rootCmd.PersistentFlags().String("log-level", "", "Override the configured log level")
	rootCmd.PersistentFlags().String("log-format", "", "Override the configured log format (text, json)")
}

// setup loads the configuration and builds the logger from the persistent flags.
func setup(cmd *cobra.Command) (*config.Config, zerolog.Logger, error) {
	path := Must(cmd.Flags().GetString("config"))

	cfg, err := config.LoadFromFileOrDefault(path)
	if err != nil {
		return nil, zerolog.Nop(), err
	}

	if level := Must(cmd.Flags().GetString("log-level")); level != "" {
		cfg.Logging.Level = level
	}
	if format := Must(cmd.Flags().GetString("log-format")); format != "" {
		cfg.Logging.Format = format
	}
	if err := cfg.Validate(); err != nil {
		return nil, zerolog.Nop(), err
	}

	log, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, zerolog.Nop(), err
	}

	return cfg, log, nil
}

// Must panics on err; flag lookups only fail for undeclared flags.
func Must[T any](obj T, err error) T {
	if err != nil {
		panic(err)
	}

	return obj
}

func main() {
	err := rootCmd.Execute()
	if err == nil {
		os.Exit(exitPass)
	}

	var ec *exitCodeError
	if errors.As(err, &ec) {
		if ec.err != nil {
			fmt.Fprintln(os.Stderr, "Error:", ec.err)
		}
		os.Exit(ec.code)
	}

	fmt.Fprintln(os.Stderr, "Error:", err)
	os.Exit(exitError)
}
