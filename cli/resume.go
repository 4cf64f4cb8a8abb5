package cli

// This file contains the resume command, which picks up an interrupted run
// from its results directory.

import (
	"fmt"
	"path/filepath"

	"github.com/urfave/cli/v2"

	"github.com/dutrun/dutrun/executor"
	"github.com/dutrun/dutrun/model"
)

func (a *App) resume(ctx *cli.Context) error {
	dir, err := resultsArg(ctx)
	if err != nil {
		return err
	}

	state, settings, jobs, err := executor.InitializeExecuteStateFromResume(dir)
	if err != nil {
		return fmt.Errorf("failed to resume %s: %w", dir, err)
	}
	if s := ctx.String("log-level"); s != "" {
		level, err := model.ParseLogLevel(s)
		if err != nil {
			return err
		}
		settings.LogLevel = level
	}
	applyLogLevel(ctx, settings.LogLevel)

	// A dry run was only meant to persist the run description.
	state.Dry = false

	if state.Next >= jobs.Size() {
		a.logger.Info().Str("results", dir).Msg("Nothing left to run")
		return nil
	}
	a.logger.Info().
		Str("results", dir).
		Int("next", state.Next).
		Str("test", jobs.Entries[state.Next].String()).
		Msg("Resuming run")

	return a.execute(ctx.Context, state, settings, jobs)
}

func resultsArg(ctx *cli.Context) (string, error) {
	if ctx.NArg() != 1 {
		return "", fmt.Errorf("expected exactly one results directory, got %d arguments", ctx.NArg())
	}
	return filepath.Abs(ctx.Args().First())
}
