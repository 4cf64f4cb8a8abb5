package cli

// This file contains the run command, which starts a fresh run and hands
// it to the executor.

import (
	"context"
	"errors"
	"os"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/dutrun/dutrun/executor"
	"github.com/dutrun/dutrun/history"
	"github.com/dutrun/dutrun/model"
)

// Exit code of a run that stopped before the last job.
const exitAborted = 2

func (a *App) run(ctx *cli.Context) error {
	settings, err := settingsFromContext(ctx)
	if err != nil {
		return err
	}
	jobs, err := jobListFromContext(ctx, settings)
	if err != nil {
		return err
	}
	applyLogLevel(ctx, settings.LogLevel)

	state, err := executor.InitializeExecuteState(settings, jobs)
	if err != nil {
		return err
	}
	a.logger.Info().
		Str("results", settings.ResultsPath).
		Int("jobs", jobs.Size()).
		Strs("abort_on", settings.AbortMask.Names()).
		Msg("Starting run")

	return a.execute(ctx.Context, state, settings, jobs)
}

// execute drives the executor and turns an early stop into a non zero exit.
func (a *App) execute(ctx context.Context, state *model.ExecuteState, settings *model.Settings, jobs *model.JobList) error {
	// Signals are handled by the executor itself.
	if ctx == nil {
		ctx = context.Background()
	}

	e := executor.New(a.logger, executor.WithEcho(os.Stdout, os.Stderr))
	ok, err := e.Execute(ctx, state, settings, jobs)
	if err != nil {
		if errors.Is(err, executor.ErrRefusesToDie) {
			a.logger.Error().Msg("A test could not be killed, the host needs a reboot")
		}
		return err
	}
	if !ok {
		reason, _ := history.ReadAborted(settings.ResultsPath)
		a.logger.Warn().Str("results", settings.ResultsPath).Msg("Run stopped early")
		return cli.Exit(reason, exitAborted)
	}

	ev := a.logger.Info().Str("results", settings.ResultsPath)
	if state.Dry {
		ev.Msg("Dry run done, resume the run to execute it")
		return nil
	}
	if state.Next < jobs.Size() {
		ev.Int("remaining", jobs.Size()-state.Next).Msg("Out of time, resume the run to continue")
		return nil
	}
	ev.Msg("Run completed")
	return nil
}

func logLevelFor(level model.LogLevel) zerolog.Level {
	switch level {
	case model.LogLevelQuiet:
		return zerolog.WarnLevel
	case model.LogLevelVerbose:
		return zerolog.DebugLevel
	}
	return zerolog.InfoLevel
}
