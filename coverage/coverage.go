// Package coverage resets and collects kernel gcov counters around tests.
package coverage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"al.essio.dev/pkg/shellescape"
	"github.com/dutrun/dutrun/model"
	"github.com/dutrun/dutrun/results"
	"github.com/rs/zerolog"
)

// DefaultResetPath is the kernel gcov reset control.
const DefaultResetPath = "/sys/kernel/debug/gcov/reset"

// EnvTestList tells the coverage script which test list the run used.
const EnvTestList = "DUTRUN_TEST_LIST"

// Hook drives the coverage collection script.
type Hook struct {
	logger    zerolog.Logger
	resetPath string
}

func New(logger zerolog.Logger) *Hook {
	return NewWithResetPath(logger, DefaultResetPath)
}

func NewWithResetPath(logger zerolog.Logger, resetPath string) *Hook {
	return &Hook{
		logger:    logger.With().Str("component", "coverage").Logger(),
		resetPath: resetPath,
	}
}

// Start clears the coverage counters.
func (h *Hook) Start(settings *model.Settings) error {
	f, err := os.OpenFile(h.resetPath, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("failed to reset code coverage: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString("1\n"); err != nil {
		return fmt.Errorf("failed to reset code coverage: %w", err)
	}
	return nil
}

// Stop runs the coverage script to store the counters collected since Start
// under <results>/code_cov/<name>. A script that cannot run or does not
// succeed is reported as an error describing why.
func (h *Hook) Stop(ctx context.Context, settings *model.Settings, name string) error {
	dir := filepath.Join(settings.ResultsPath, results.CoverageDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create coverage directory: %w", err)
	}
	output := filepath.Join(dir, SanitizeName(name))

	cmd := exec.CommandContext(ctx, settings.CodeCoverageScript, output)
	cmd.Env = os.Environ()
	if settings.TestList != "" {
		cmd.Env = append(cmd.Env, EnvTestList+"="+settings.TestList)
	}

	h.logger.Debug().Str("cmd", shellescape.QuoteCommand(cmd.Args)).Msg("Collecting code coverage")
	out, err := cmd.CombinedOutput()
	if len(out) > 0 {
		h.logger.Info().Str("output", strings.TrimSpace(string(out))).Msg("Code coverage script output")
	}
	if err == nil {
		return nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return fmt.Errorf("code coverage script %s died with signal %d (%s)", settings.CodeCoverageScript, int(ws.Signal()), ws.Signal())
		}
		return fmt.Errorf("code coverage script %s exited with code %d", settings.CodeCoverageScript, exitErr.ExitCode())
	}
	return fmt.Errorf("failed to run code coverage script %s: %w", settings.CodeCoverageScript, err)
}

// SanitizeName turns a job name into a file name. The result never starts
// with a dot, so it cannot name the directory itself or its parent.
func SanitizeName(name string) string {
	var b strings.Builder
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.' && i > 0:
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "coverage"
	}
	return b.String()
}
