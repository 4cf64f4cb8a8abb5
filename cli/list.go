package cli

// This file contains the list command for displaying what a results
// directory recorded for each job.

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"al.essio.dev/pkg/shellescape"
	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"

	"github.com/dutrun/dutrun/executor"
	"github.com/dutrun/dutrun/history"
	"github.com/dutrun/dutrun/results"
)

func (a *App) list(ctx *cli.Context) error {
	dir, err := resultsArg(ctx)
	if err != nil {
		return err
	}
	settings, jobs, err := history.LoadRunDescription(dir)
	if err != nil {
		return fmt.Errorf("failed to load run description: %w", err)
	}
	summaries, err := history.LoadJobSummaries(a.logger, dir)
	if err != nil {
		return fmt.Errorf("failed to load results: %w", err)
	}

	w := ctx.App.Writer
	fmt.Fprintf(w, "\n=== %s (%d jobs, %d started) ===\n\n", settings.Name, jobs.Size(), len(summaries))

	for _, s := range summaries {
		status, detail := describeMarker(s.Marker)
		fmt.Fprintf(w, "%s  [%d] %s  %s\n", status, s.Index, s.Job.String(), detail)
		if s.ExecArgs != "" {
			fmt.Fprintf(w, "   Cmd: %s\n", s.ExecArgs)
		} else if s.Job.Binary != "" {
			fmt.Fprintf(w, "   Cmd: %s\n", shellescape.QuoteCommand(executor.BuildArgs(settings.TestRoot, s.Job)))
		}
		if n := len(s.Subtests); n > 0 {
			fmt.Fprintf(w, "   Subtests started: %d\n", n)
			if ctx.Bool("subtests") {
				for _, name := range s.Subtests {
					fmt.Fprintf(w, "     %s\n", name)
				}
			}
		}
		if size := fileSize(filepath.Join(s.Path, results.OutFile)) + fileSize(filepath.Join(s.Path, results.ErrFile)); size > 0 {
			fmt.Fprintf(w, "   Output: %s\n", humanize.IBytes(size))
		}
		if size := fileSize(filepath.Join(s.Path, results.DmesgFile)); size > 0 {
			fmt.Fprintf(w, "   Kernel log: %s\n", humanize.IBytes(size))
		}
		fmt.Fprintf(w, "   %s\n\n", s.Path)
	}

	if pending := jobs.Size() - len(summaries); pending > 0 {
		fmt.Fprintf(w, "%d jobs not started yet\n", pending)
	}
	if reason, ok := history.ReadAborted(dir); ok {
		fmt.Fprintf(w, "\nRun aborted:\n%s\n", indent(reason, "   "))
	}
	return nil
}

// describeMarker renders the status column and outcome of a job.
func describeMarker(m *results.Marker) (string, string) {
	if m == nil {
		return "?", "incomplete"
	}
	d := m.Duration.Round(time.Millisecond)
	switch m.Kind {
	case results.MarkerExit:
		if m.Code == 0 {
			return "✓", fmt.Sprintf("exit=0 [%s]", d)
		}
		return "✗", fmt.Sprintf("exit=%d [%s]", m.Code, d)
	case results.MarkerTimeout:
		return "⏱", fmt.Sprintf("timeout exit=%d [%s]", m.Code, d)
	}
	return "☠", fmt.Sprintf("killed (%s) [%s]", m.Tag, d)
}

func fileSize(path string) uint64 {
	st, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return uint64(st.Size())
}

func indent(s, prefix string) string {
	return prefix + strings.ReplaceAll(s, "\n", "\n"+prefix)
}
