// Package abort decides whether the host is still fit to run tests.
package abort

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dutrun/dutrun/model"
	"github.com/rs/zerolog"
)

// EnvPingHost names the host to ping when the settings do not.
const EnvPingHost = "DUTRUN_PING_HOSTNAME"

// PingDeadline bounds the ping check.
const PingDeadline = 20 * time.Second

// Pinger checks that a host answers.
type Pinger interface {
	Ping(ctx context.Context, host string) error
}

type taintBit struct {
	bit         uint
	explanation string
}

// Taints that make further results meaningless.
var badTaints = []taintBit{
	{4, "TAINT_MACHINE_CHECK: Processor reported a Machine Check Exception."},
	{5, "TAINT_BAD_PAGE: Bad page reference or an unexpected page flags."},
	{7, "TAINT_DIE: Kernel has died - BUG/OOPS."},
	{9, "TAINT_WARN: WARN_ON has happened."},
}

// BadTaintMask has every bit of badTaints set.
var BadTaintMask = func() uint64 {
	var m uint64
	for _, t := range badTaints {
		m |= 1 << t.bit
	}
	return m
}()

// Oracle runs the health checks.
type Oracle struct {
	logger   zerolog.Logger
	procRoot string
	pinger   Pinger
	getenv   func(string) string
}

type Option func(*Oracle)

// WithProcRoot reads kernel state below root instead of /proc.
func WithProcRoot(root string) Option {
	return func(o *Oracle) { o.procRoot = root }
}

func WithPinger(p Pinger) Option {
	return func(o *Oracle) { o.pinger = p }
}

func WithGetenv(getenv func(string) string) Option {
	return func(o *Oracle) { o.getenv = getenv }
}

func New(logger zerolog.Logger, opts ...Option) *Oracle {
	o := &Oracle{
		logger:   logger.With().Str("component", "abort").Logger(),
		procRoot: "/proc",
		pinger:   &ICMPPinger{},
		getenv:   os.Getenv,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// NeedToAbort returns why the run has to stop, or "" when the host is
// healthy. Only the checks enabled in the settings run, lockdep first, then
// taint, then ping; the first one that fires wins.
func (o *Oracle) NeedToAbort(ctx context.Context, settings *model.Settings) string {
	if settings.AbortMask.Has(model.AbortLockdep) {
		if reason := o.lockdepReason(); reason != "" {
			return reason
		}
	}
	if settings.AbortMask.Has(model.AbortTaint) {
		if reason := o.taintReason(); reason != "" {
			return reason
		}
	}
	if settings.AbortMask.Has(model.AbortPing) {
		if reason := o.pingReason(ctx, settings); reason != "" {
			return reason
		}
	}
	return ""
}

func (o *Oracle) lockdepReason() string {
	path := filepath.Join(o.procRoot, "lockdep_stats")
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			o.logger.Warn().Err(err).Msg("Failed to read lockdep stats")
		}
		return ""
	}

	s := bufio.NewScanner(bytes.NewReader(data))
	for s.Scan() {
		key, value, ok := strings.Cut(s.Text(), ":")
		if !ok || strings.TrimSpace(key) != "debug_locks" {
			continue
		}
		if strings.TrimSpace(value) == "1" {
			return ""
		}
		return fmt.Sprintf("Lockdep not active\n\n%s contents:\n%s", path, data)
	}
	return ""
}

// Taints returns the kernel taint mask.
func (o *Oracle) Taints() (uint64, error) {
	data, err := os.ReadFile(filepath.Join(o.procRoot, "sys", "kernel", "tainted"))
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
}

// BadTaints returns the disqualifying subset of the kernel taint mask.
func (o *Oracle) BadTaints() uint64 {
	taints, err := o.Taints()
	if err != nil {
		o.logger.Debug().Err(err).Msg("Failed to read kernel taints")
		return 0
	}
	return taints & BadTaintMask
}

func (o *Oracle) taintReason() string {
	bad := o.BadTaints()
	if bad == 0 {
		return ""
	}
	return "Kernel badly tainted " + ExplainTaints(bad)
}

// ExplainTaints describes the bad bits set in taints.
func ExplainTaints(taints uint64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "(0x%x) (check dmesg for details):\n", taints)
	for _, t := range badTaints {
		if taints&(1<<t.bit) != 0 {
			fmt.Fprintf(&b, "\t(0x%x) %s\n", uint64(1)<<t.bit, t.explanation)
		}
	}
	return b.String()
}

func (o *Oracle) pingReason(ctx context.Context, settings *model.Settings) string {
	host := settings.PingHost
	if host == "" {
		host = o.getenv(EnvPingHost)
	}
	if host == "" {
		return ""
	}

	ctx, cancel := context.WithTimeout(ctx, PingDeadline)
	defer cancel()
	if err := o.pinger.Ping(ctx, host); err != nil {
		o.logger.Warn().Err(err).Str("host", host).Msg("Ping failed")
		return fmt.Sprintf("Ping host %s did not respond to ping, network down", host)
	}
	return ""
}
