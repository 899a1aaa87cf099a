package fakedns

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
)

// Exit codes of Main.
const (
	ExitOK        = 0
	ExitConfig    = 2
	ExitFailStart = 3
)

// Main runs a server from a config file until SIGTERM or SIGINT and returns
// the process exit code.
func Main(configPath string) int {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fakedns: %v\n", err)

		return ExitConfig
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stderr).Level(level).With().Timestamp().Int("pid", os.Getpid()).Logger()

	if cfg.FailStart != "" {
		fmt.Fprintf(os.Stderr, "fakedns: %s\n", cfg.FailStart)

		return ExitFailStart
	}

	signals := []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	if cfg.IgnoreTerm {
		signal.Ignore(syscall.SIGTERM)
		signals = signals[:1]
	}
	ctx, stop := signal.NotifyContext(context.Background(), signals...)
	defer stop()

	if cfg.NeverReady {
		logger.Info().Msg("Never becoming ready")
		<-ctx.Done()

		return ExitOK
	}

	srv, err := New(*cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fakedns: %v\n", err)

		return ExitConfig
	}
	if err := srv.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fakedns: %v\n", err)

		return ExitConfig
	}

	<-ctx.Done()
	logger.Info().Msg("Shutting down")
	if err := srv.Shutdown(); err != nil {
		logger.Warn().Err(err).Msg("Shutdown failed")
	}

	return ExitOK
}
