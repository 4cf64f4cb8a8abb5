package executor

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"

	"github.com/dutrun/dutrun/model"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeOracle struct {
	mu sync.Mutex
	// Reasons returned by successive NeedToAbort calls, "" once exhausted
	reasons []string
	calls   int
	taints  uint64
}

func (o *fakeOracle) NeedToAbort(context.Context, *model.Settings) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	if len(o.reasons) == 0 {
		return ""
	}
	r := o.reasons[0]
	o.reasons = o.reasons[1:]
	return r
}

func (o *fakeOracle) BadTaints() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.taints
}

type fakeWatchdogs struct {
	mu      sync.Mutex
	timeout int
	pings   int
	closed  bool
}

func (w *fakeWatchdogs) Init(*model.Settings) error { return nil }

func (w *fakeWatchdogs) SetTimeout(seconds int) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.timeout = seconds
	return seconds
}

func (w *fakeWatchdogs) Ping() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pings++
}

func (w *fakeWatchdogs) CloseAll() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

type fakeCoverage struct {
	starts int
	stops  []string
}

func (c *fakeCoverage) Start(*model.Settings) error {
	c.starts++
	return nil
}

func (c *fakeCoverage) Stop(_ context.Context, _ *model.Settings, name string) error {
	c.stops = append(c.stops, name)
	return nil
}

type fakeKernelLog struct {
	drains int
}

func (k *fakeKernelLog) Drain(w io.Writer) (int, error) {
	k.drains++
	_, err := io.WriteString(w, "kernel record\n")
	return 1, err
}

func (k *fakeKernelLog) Close() error { return nil }

// recordKills replaces how e signals process groups and returns what was sent.
func recordKills(e *Executor) *[]syscall.Signal {
	var sent []syscall.Signal
	e.kill = func(_ zerolog.Logger, _ int, sig syscall.Signal) {
		sent = append(sent, sig)
	}
	return &sent
}

// writeScript creates an executable shell script named name under dir.
func writeScript(t *testing.T, dir, name, body string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
}
