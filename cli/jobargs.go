package cli

// This file contains argument processing for turning command line jobs,
// environment assignments and limits into model values.

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"

	"github.com/dutrun/dutrun/model"
)

// parseJob parses "binary" or "binary@sub1,sub2". Everything after the
// first '@' is the subtest selection, so "bin@sub@dyn" selects a dynamic
// subtest.
func parseJob(s string) (model.JobListEntry, error) {
	s = strings.TrimSpace(s)
	binary, selection, hasSelection := strings.Cut(s, "@")
	if binary == "" {
		return model.JobListEntry{}, fmt.Errorf("job %q has no binary", s)
	}
	if strings.ContainsAny(binary, " \t") {
		return model.JobListEntry{}, fmt.Errorf("job %q: binary name contains whitespace", s)
	}
	entry := model.JobListEntry{Binary: binary}
	if !hasSelection {
		return entry, nil
	}
	for _, sub := range strings.Split(selection, ",") {
		sub = strings.TrimSpace(sub)
		if sub == "" || sub == "!" {
			return model.JobListEntry{}, fmt.Errorf("job %q has an empty subtest", s)
		}
		entry.Subtests = append(entry.Subtests, sub)
	}
	return entry, nil
}

// parseTestList reads one job per line; blank lines and lines starting
// with '#' are skipped.
func parseTestList(path string) ([]model.JobListEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open test list: %w", err)
	}
	defer f.Close()

	var entries []model.JobListEntry
	s := bufio.NewScanner(f)
	for n := 1; s.Scan(); n++ {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		entry, err := parseJob(line)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, n, err)
		}
		entries = append(entries, entry)
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("failed to read test list: %w", err)
	}
	return entries, nil
}

func parseEnv(s string) (model.EnvVar, error) {
	key, value, ok := strings.Cut(s, "=")
	if !ok || key == "" {
		return model.EnvVar{}, fmt.Errorf("environment variable %q is not KEY=VALUE", s)
	}
	return model.EnvVar{Key: key, Value: value}, nil
}

// parseDiskLimit accepts plain byte counts as well as sizes like "512MiB".
func parseDiskLimit(s string) (uint64, error) {
	if s == "" || s == "0" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid disk usage limit %q: %w", s, err)
	}
	return n, nil
}

// settingsFromContext builds the run settings from the flags of the run
// command.
func settingsFromContext(ctx *cli.Context) (*model.Settings, error) {
	level, err := model.ParseLogLevel(ctx.String("log-level"))
	if err != nil {
		return nil, err
	}
	mask, err := model.ParseAbortMask(splitList(ctx.StringSlice("abort-on")))
	if err != nil {
		return nil, err
	}
	limit, err := parseDiskLimit(ctx.String("disk-usage-limit"))
	if err != nil {
		return nil, err
	}

	testRoot, err := filepath.Abs(ctx.String("test-root"))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve test root: %w", err)
	}
	resultsPath, err := filepath.Abs(ctx.String("results"))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve results path: %w", err)
	}

	settings := &model.Settings{
		TestRoot:           testRoot,
		ResultsPath:        resultsPath,
		PerTestTimeout:     ctx.Duration("per-test-timeout"),
		InactivityTimeout:  ctx.Duration("inactivity-timeout"),
		OverallTimeout:     ctx.Duration("overall-timeout"),
		AbortMask:          mask,
		PingHost:           ctx.String("ping-host"),
		UseWatchdog:        ctx.Bool("watchdog"),
		Sync:               ctx.Bool("sync"),
		DiskUsageLimit:     limit,
		LogLevel:           level,
		AllowNonRoot:       ctx.Bool("allow-non-root"),
		DryRun:             ctx.Bool("dry-run"),
		Overwrite:          ctx.Bool("overwrite"),
		EnableCodeCoverage: ctx.Bool("collect-code-cov"),
		CovResultsPerTest:  ctx.Bool("cov-results-per-test"),
		CodeCoverageScript: ctx.String("code-coverage-script"),
		Name:               ctx.String("name"),
		TestList:           ctx.String("test-list"),
	}
	if settings.Name == "" {
		settings.Name = filepath.Base(resultsPath)
	}
	for _, s := range ctx.StringSlice("env") {
		env, err := parseEnv(s)
		if err != nil {
			return nil, err
		}
		settings.EnvVars = append(settings.EnvVars, env)
	}
	return settings, settings.Validate()
}

// jobListFromContext collects the jobs of the test list followed by the
// ones given as arguments.
func jobListFromContext(ctx *cli.Context, settings *model.Settings) (*model.JobList, error) {
	jobs := &model.JobList{}
	if settings.TestList != "" {
		entries, err := parseTestList(settings.TestList)
		if err != nil {
			return nil, err
		}
		jobs.Entries = append(jobs.Entries, entries...)
	}
	for _, arg := range ctx.Args().Slice() {
		entry, err := parseJob(arg)
		if err != nil {
			return nil, err
		}
		jobs.Entries = append(jobs.Entries, entry)
	}
	if jobs.Size() == 0 {
		return nil, fmt.Errorf("no jobs given")
	}
	return jobs, nil
}

// splitList flattens "a,b" style values given to slice flags.
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}
