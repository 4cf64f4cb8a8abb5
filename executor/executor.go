// Package executor runs the job list: it launches one test at a time,
// records its output, enforces timeouts and stops the run when the host
// is no longer fit for testing.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"

	"code.cloudfoundry.org/clock"
	"github.com/dutrun/dutrun/abort"
	"github.com/dutrun/dutrun/coverage"
	"github.com/dutrun/dutrun/kmsg"
	"github.com/dutrun/dutrun/model"
	"github.com/dutrun/dutrun/watchdog"
	"github.com/rs/zerolog"
)

var (
	// ErrAbortRequested is returned when a signal asked the supervisor to stop.
	ErrAbortRequested = errors.New("abort requested")
	// ErrRefusesToDie is returned when a test survived every kill signal.
	ErrRefusesToDie = errors.New("child refuses to die")
	ErrNotRoot      = errors.New("needs to run as root, use --allow-non-root to override")
)

type abortRequest struct {
	sig os.Signal
}

func (a *abortRequest) Error() string {
	return fmt.Sprintf("Abort requested via %v, terminating children", a.sig)
}

func (a *abortRequest) Unwrap() error {
	return ErrAbortRequested
}

// Oracle decides whether the host is still healthy.
type Oracle interface {
	NeedToAbort(ctx context.Context, settings *model.Settings) string
	BadTaints() uint64
}

// Coverage collects code coverage around tests.
type Coverage interface {
	Start(settings *model.Settings) error
	Stop(ctx context.Context, settings *model.Settings, name string) error
}

// Watchdogs keeps the hardware watchdogs fed.
type Watchdogs interface {
	Init(settings *model.Settings) error
	SetTimeout(seconds int) int
	Ping()
	CloseAll() error
}

// KernelLog copies new kernel log records.
type KernelLog interface {
	Drain(w io.Writer) (int, error)
	Close() error
}

// Outcome says how a test ended when the supervisor can carry on.
type Outcome int

const (
	// OutcomeExited means the test ended on its own.
	OutcomeExited Outcome = iota
	// OutcomeKilled means the supervisor had to kill the test; the rest of
	// the job has to be rebuilt from its journal.
	OutcomeKilled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeExited:
		return "exited"
	case OutcomeKilled:
		return "killed"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

type Executor struct {
	logger        zerolog.Logger
	clock         clock.Clock
	watchdogs     Watchdogs
	oracle        Oracle
	coverage      Coverage
	openKernelLog func() (KernelLog, error)
	policy        Policy
	getuid        func() int
	kill          func(logger zerolog.Logger, pgid int, sig syscall.Signal)
	signals       chan os.Signal
	stdout        io.Writer
	stderr        io.Writer
}

type Option func(*Executor)

func WithClock(c clock.Clock) Option {
	return func(e *Executor) { e.clock = c }
}

func WithWatchdogs(w Watchdogs) Option {
	return func(e *Executor) { e.watchdogs = w }
}

func WithOracle(o Oracle) Option {
	return func(e *Executor) { e.oracle = o }
}

func WithCoverage(c Coverage) Option {
	return func(e *Executor) { e.coverage = c }
}

// WithKernelLog replaces how the kernel log is opened for every job. A nil
// opener disables kernel log capture.
func WithKernelLog(open func() (KernelLog, error)) Option {
	return func(e *Executor) { e.openKernelLog = open }
}

func WithPolicy(p Policy) Option {
	return func(e *Executor) { e.policy = p }
}

// WithEcho sets where child output is echoed in verbose mode.
func WithEcho(stdout, stderr io.Writer) Option {
	return func(e *Executor) {
		e.stdout = stdout
		e.stderr = stderr
	}
}

func New(logger zerolog.Logger, opts ...Option) *Executor {
	e := &Executor{
		logger:    logger,
		clock:     clock.NewClock(),
		watchdogs: watchdog.New(logger),
		oracle:    abort.New(logger),
		coverage:  coverage.New(logger),
		openKernelLog: func() (KernelLog, error) {
			r, err := kmsg.Open()
			if err != nil {
				return nil, err
			}
			return r, nil
		},
		policy:  DefaultPolicy(),
		getuid:  os.Getuid,
		kill:    killProcessGroup,
		signals: make(chan os.Signal, 4),
		stdout:  os.Stdout,
		stderr:  os.Stderr,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}
