package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dutrun/dutrun/model"
	"github.com/dutrun/dutrun/results"
	"github.com/dutrun/dutrun/watchdog"
	"golang.org/x/sys/unix"
)

// Execute runs jobs from state.Next on. It returns false when the run was
// stopped early by an abort condition or a signal; the error is set when
// the supervisor itself failed.
func (e *Executor) Execute(ctx context.Context, state *model.ExecuteState, settings *model.Settings, jobs *model.JobList) (bool, error) {
	if state.Dry {
		for i := state.Next; i < jobs.Size(); i++ {
			e.logger.Info().Int("index", i).Str("test", jobs.Entries[i].String()).Msg("Dry run, not executing")
		}
		return true, nil
	}

	if !settings.AllowNonRoot && e.getuid() != 0 {
		return false, ErrNotRoot
	}

	root := settings.ResultsPath
	if err := os.MkdirAll(root, 0o755); err != nil {
		return false, fmt.Errorf("failed to open results directory: %w", err)
	}

	signal.Notify(e.signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGQUIT)
	defer signal.Stop(e.signals)

	if settings.WholeRunCoverage() {
		if err := e.coverage.Start(settings); err != nil {
			return false, err
		}
	}

	if err := results.WriteOnce(root, results.UnameFile, unameString()); err != nil {
		return false, err
	}
	if err := results.WriteOnce(root, results.StartTimeFile, timestamp(e.clock.Now())); err != nil {
		return false, err
	}

	if err := e.watchdogs.Init(settings); err != nil {
		return false, err
	}
	defer func() {
		if err := e.watchdogs.CloseAll(); err != nil {
			e.logger.Warn().Err(err).Msg("Failed to disarm watchdogs")
		}
	}()
	e.watchdogs.SetTimeout(watchdog.TimeoutFor(settings))

	if !state.Resuming {
		if reason := e.oracle.NeedToAbort(ctx, settings); reason != "" {
			return false, e.abortRun(settings, jobs, -1, state.Next, reason)
		}
	}

	for state.Next < jobs.Size() {
		idx := state.Next
		entry := jobs.Entries[idx]

		select {
		case sig := <-e.signals:
			reason := (&abortRequest{sig: sig}).Error()
			return false, e.abortRun(settings, jobs, idx-1, idx, reason)
		default:
		}

		if entry.Done() {
			state.Next++
			continue
		}

		name := entry.String()
		if settings.PerTestCoverage() {
			if err := e.coverage.Start(settings); err != nil {
				return false, e.abortRun(settings, jobs, idx-1, idx, err.Error())
			}
		}

		ev := e.logger.Info().Str("progress", fmt.Sprintf("[%d/%d]", idx+1, jobs.Size())).Str("test", name)
		if state.TimeLeft >= 0 {
			ev = ev.Dur("time_left", state.TimeLeft)
		}
		ev.Msg("Running test")

		start := e.clock.Now()
		outcome, runErr := e.ExecuteNextEntry(ctx, idx, settings, jobs)
		elapsed := e.clock.Since(start)

		var reason string
		if settings.PerTestCoverage() {
			if err := e.coverage.Stop(ctx, settings, name); err != nil {
				reason = err.Error()
			}
		}

		if runErr != nil {
			if errors.Is(runErr, ErrAbortRequested) {
				return false, e.abortRun(settings, jobs, idx, idx+1, runErr.Error())
			}
			if abortErr := e.abortRun(settings, jobs, idx, idx+1, runErr.Error()); abortErr != nil {
				e.logger.Error().Err(abortErr).Msg("Failed to record abort")
			}
			return false, runErr
		}
		if reason == "" {
			reason = e.oracle.NeedToAbort(ctx, settings)
		}
		if reason != "" {
			return false, e.abortRun(settings, jobs, idx, idx+1, reason)
		}

		state.Deduct(elapsed)
		if state.Exhausted() {
			e.logger.Warn().Msg("Out of time, stopping")
			return true, nil
		}

		if outcome == OutcomeKilled {
			done, err := PruneEntry(results.JobDir(root, idx), &jobs.Entries[idx])
			if err != nil {
				return false, fmt.Errorf("failed to rebuild state of killed test: %w", err)
			}
			state.Resuming = true
			if !done {
				e.logger.Info().Str("test", jobs.Entries[idx].String()).Msg("Continuing killed test with the remaining subtests")
				continue
			}
		}
		state.Next = idx + 1
	}

	if err := results.WriteOnce(root, results.EndTimeFile, timestamp(e.clock.Now())); err != nil {
		return false, err
	}
	if settings.WholeRunCoverage() {
		if err := e.coverage.Stop(ctx, settings, wholeRunName(settings)); err != nil {
			return false, e.abortRun(settings, jobs, jobs.Size()-1, jobs.Size(), err.Error())
		}
	}
	return true, nil
}

// abortRun records why the run stopped between jobs prev and next.
func (e *Executor) abortRun(settings *model.Settings, jobs *model.JobList, prev, next int, reason string) error {
	e.logger.Error().Str("reason", strings.TrimSpace(reason)).Msg("Aborting run")
	content := fmt.Sprintf("Aborting.\nPrevious test: %s\nNext test: %s\n\n%s\n",
		jobName(jobs, prev), jobName(jobs, next), strings.TrimRight(reason, "\n"))
	return results.WriteFile(settings.ResultsPath, results.AbortedFile, content, true)
}

func jobName(jobs *model.JobList, i int) string {
	if i < 0 || i >= jobs.Size() || jobs.Entries[i].Binary == "" {
		return "nothing"
	}
	return jobs.Entries[i].String()
}

func wholeRunName(settings *model.Settings) string {
	if settings.Name != "" {
		return settings.Name
	}
	return "dutrun"
}

func timestamp(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixNano())/float64(time.Second), 'f', 6, 64) + "\n"
}

func unameString() string {
	var u unix.Utsname
	if err := unix.Uname(&u); err != nil {
		return "unknown\n"
	}
	return strings.Join([]string{
		unix.ByteSliceToString(u.Sysname[:]),
		unix.ByteSliceToString(u.Nodename[:]),
		unix.ByteSliceToString(u.Release[:]),
		unix.ByteSliceToString(u.Version[:]),
		unix.ByteSliceToString(u.Machine[:]),
	}, " ") + "\n"
}
