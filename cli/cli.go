package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/dutrun/dutrun/model"
)

const AppName = "dutrun"

type App struct {
	logger zerolog.Logger
	cli    *cli.App
}

func New() *App {

	// Set default log level to info
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	logger :=
		log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339Nano,
		})

	app := &App{
		logger: logger,
		cli: &cli.App{
			Name:  AppName,
			Usage: "Run hardware test binaries one at a time and keep the results across crashes",
			Flags: []cli.Flag{
				&cli.BoolFlag{
					Name:  "verbose",
					Usage: "Enable verbose (debug) logging",
				},
			},
			Before: func(ctx *cli.Context) error {
				if ctx.Bool("verbose") {
					zerolog.SetGlobalLevel(zerolog.DebugLevel)
				}
				return nil
			},
		},
	}

	app.cli.Commands = append(app.cli.Commands, &cli.Command{
		Name:      "run",
		Usage:     "Start a new run of the given jobs",
		ArgsUsage: "JOB...",
		Description: "JOB is a test binary relative to --test-root, optionally followed by\n" +
			"a subtest selection: binary@sub1,sub2,!excluded,sub@dynamic",
		Action: app.run,
		Flags:  runFlags(),
	})
	app.cli.Commands = append(app.cli.Commands, &cli.Command{
		Name:      "resume",
		Usage:     "Continue an interrupted run from its results directory",
		ArgsUsage: "RESULTS",
		Action:    app.resume,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Override the log level of the run (quiet, normal, verbose)",
			},
		},
	})
	app.cli.Commands = append(app.cli.Commands, &cli.Command{
		Name:      "list",
		Usage:     "Show what a results directory recorded for every job",
		ArgsUsage: "RESULTS",
		Action:    app.list,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "subtests",
				Usage: "Also list the subtests every job started",
			},
		},
	})

	return app
}

func runFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "test-root",
			Usage:    "Directory holding the test binaries",
			EnvVars:  []string{"DUTRUN_TEST_ROOT"},
			Required: true,
		},
		&cli.StringFlag{
			Name:     "results",
			Aliases:  []string{"r"},
			Usage:    "Directory receiving the results",
			Required: true,
		},
		&cli.StringFlag{
			Name:  "test-list",
			Usage: "File with one JOB per line, used in addition to the arguments",
		},
		&cli.StringFlag{
			Name:  "name",
			Usage: "Name of the run, defaults to the results directory name",
		},
		&cli.DurationFlag{
			Name:  "per-test-timeout",
			Usage: "Kill a test when a subtest runs longer than this, 0 disables",
		},
		&cli.DurationFlag{
			Name:  "inactivity-timeout",
			Usage: "Kill a test when it is silent for longer than this, 0 disables",
		},
		&cli.DurationFlag{
			Name:  "overall-timeout",
			Usage: "Stop starting tests once the run took this long, 0 disables",
		},
		&cli.StringSliceFlag{
			Name:  "abort-on",
			Usage: "Stop the run when the host is unhealthy: taint, lockdep, ping or all",
		},
		&cli.StringFlag{
			Name:  "ping-host",
			Usage: "Host probed by the ping check, defaults to $DUTRUN_PING_HOSTNAME",
		},
		&cli.BoolFlag{
			Name:  "watchdog",
			Usage: "Arm the hardware watchdogs while tests run",
		},
		&cli.BoolFlag{
			Name:  "sync",
			Usage: "Sync result files to disk after every write",
		},
		&cli.StringFlag{
			Name:  "disk-usage-limit",
			Usage: "Kill a test writing more output than this per subtest (e.g. 512MiB), 0 disables",
			Value: "0",
		},
		&cli.StringSliceFlag{
			Name:  "env",
			Usage: "Environment variable KEY=VALUE passed to every test",
		},
		&cli.BoolFlag{
			Name:  "overwrite",
			Usage: "Replace the results of a previous run",
		},
		&cli.BoolFlag{
			Name:  "dry-run",
			Usage: "Only write the run description, do not execute anything",
		},
		&cli.BoolFlag{
			Name:  "allow-non-root",
			Usage: "Run even when not root",
		},
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "quiet, normal or verbose; verbose also echoes test output",
			Value: string(model.LogLevelNormal),
		},
		&cli.BoolFlag{
			Name:  "collect-code-cov",
			Usage: "Collect kernel code coverage",
		},
		&cli.BoolFlag{
			Name:  "cov-results-per-test",
			Usage: "Collect code coverage for every test instead of once per run",
		},
		&cli.StringFlag{
			Name:  "code-coverage-script",
			Usage: "Script archiving the coverage data, called with the output path",
		},
	}
}

func (a *App) Run(args []string) error {
	return a.cli.Run(args)
}

// SetVersion sets the version information for the CLI application
func (a *App) SetVersion(version, commit, date string) {
	a.cli.Version = version
	if commit != "none" && len(commit) >= 8 {
		a.cli.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit[:8], date)
	}
}

// applyLogLevel maps the run's log level onto zerolog unless --verbose
// already asked for debug output.
func applyLogLevel(ctx *cli.Context, level model.LogLevel) {
	if ctx.Bool("verbose") {
		return
	}
	zerolog.SetGlobalLevel(logLevelFor(level))
}
