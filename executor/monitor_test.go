package executor

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"
	"github.com/dutrun/dutrun/comms"
	"github.com/dutrun/dutrun/model"
	"github.com/dutrun/dutrun/results"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMonitor(t *testing.T, settings *model.Settings) (*monitor, *fakeclock.FakeClock, string) {
	t.Helper()
	dir := t.TempDir()
	files, err := results.OpenForWrite(dir)
	require.NoError(t, err)
	t.Cleanup(func() { files.Close() })

	fc := fakeclock.NewFakeClock(time.Unix(1000, 0))
	e := New(zerolog.Nop(),
		WithClock(fc),
		WithOracle(&fakeOracle{}),
		WithWatchdogs(&fakeWatchdogs{}),
		WithCoverage(&fakeCoverage{}),
		WithKernelLog(nil),
	)
	m := &monitor{
		e:            e,
		logger:       zerolog.Nop(),
		settings:     settings,
		files:        files,
		argv:         []string{"/tests/bin", "--run-subtest", "a b"},
		out:          files.Out,
		err:          files.Err,
		text:         &textSource{},
		packets:      &packetSource{},
		start:        fc.Now(),
		lastActivity: fc.Now(),
		lastSubtest:  fc.Now(),
	}
	return m, fc, dir
}

func readPackets(t *testing.T, dir string) []comms.Packet {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, results.CommsFile))
	require.NoError(t, err)
	packets, err := comms.DecodeAll(data)
	require.NoError(t, err)
	return packets
}

func readJournal(t *testing.T, dir string) []results.JournalLine {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, results.JournalFile))
	require.NoError(t, err)
	return results.ParseJournal(data)
}

func TestMonitorTextMarkers(t *testing.T) {
	m, fc, dir := newTestMonitor(t, &model.Settings{})

	require.NoError(t, m.handleStdout([]byte("Starting subtest: a\nSubtest a: SUCCESS (0.1s)\n")))
	require.NoError(t, m.handleStdout([]byte("Starting subtest: b\nStarting dynamic subtest: d\n")))
	assert.Equal(t, "b", m.currentSubtest)
	assert.Equal(t, "d", m.currentDynamic)

	fc.Increment(1500 * time.Millisecond)
	m.exited = true
	m.status = 0
	outcome, err := m.finish()
	require.NoError(t, err)
	assert.Equal(t, OutcomeExited, outcome)

	lines := readJournal(t, dir)
	require.Len(t, lines, 4)
	assert.Equal(t, "a", lines[0].Subtest)
	assert.Equal(t, "b", lines[1].Subtest)
	assert.Equal(t, "b/d", lines[2].Subtest)
	require.NotNil(t, lines[3].Marker)
	assert.Equal(t, results.MarkerExit, lines[3].Marker.Kind)
	assert.Equal(t, 1500*time.Millisecond, lines[3].Marker.Duration)

	out, err := os.ReadFile(filepath.Join(dir, results.OutFile))
	require.NoError(t, err)
	assert.Contains(t, string(out), "Starting dynamic subtest: d")
}

func TestMonitorCommsLatches(t *testing.T) {
	m, _, dir := newTestMonitor(t, &model.Settings{})

	raw, err := comms.Encode(comms.NewSubtestStart("a"))
	require.NoError(t, err)
	require.NoError(t, m.handleSocket(raw))
	assert.True(t, m.usesComms)

	// Text markers no longer count once comms is in use.
	require.NoError(t, m.handleStdout([]byte("Starting subtest: x\n")))
	assert.Equal(t, "a", m.currentSubtest)

	m.exited = true
	m.status = -int(syscall.SIGQUIT)
	m.killed = syscall.SIGQUIT
	m.cause = causeTimeout
	outcome, err := m.finish()
	require.NoError(t, err)
	assert.Equal(t, OutcomeKilled, outcome)

	packets := readPackets(t, dir)
	require.Len(t, packets, 4)
	assert.Equal(t, comms.PacketExecArgs, packets[0].Type)
	assert.Equal(t, "/tests/bin --run-subtest 'a b'", packets[0].Text)
	assert.Equal(t, comms.PacketSubtestStart, packets[1].Type)
	assert.Equal(t, comms.NewResultOverride("timeout"), packets[2])
	assert.Equal(t, comms.PacketExit, packets[3].Type)
	assert.Equal(t, int32(-3), packets[3].ExitCode)

	assert.Empty(t, readJournal(t, dir))
}

func TestMonitorCommsDesync(t *testing.T) {
	m, _, dir := newTestMonitor(t, &model.Settings{})

	require.NoError(t, m.handleSocket([]byte{0xde, 0xad, 0xbe, 0xef, 0, 0, 0, 0}))
	assert.True(t, m.desynced)
	assert.False(t, m.usesComms)

	// Further datagrams are drained and dropped.
	raw, err := comms.Encode(comms.NewSubtestStart("a"))
	require.NoError(t, err)
	require.NoError(t, m.handleSocket(raw))
	assert.Empty(t, m.currentSubtest)

	errOut, err := os.ReadFile(filepath.Join(dir, results.ErrFile))
	require.NoError(t, err)
	assert.Contains(t, string(errOut), "comms protocol error")
}

func TestMonitorKilledForDiskLimit(t *testing.T) {
	m, _, dir := newTestMonitor(t, &model.Settings{DiskUsageLimit: 4})

	require.NoError(t, m.handleStdout([]byte("Starting subtest: a\n")))
	require.NoError(t, m.handleStdout([]byte("way too much output\n")))

	st := timeoutState{diskUsage: m.diskUsage}
	cause := m.e.policy.needToTimeout(m.settings, st)
	require.Equal(t, causeDiskLimit, cause)

	m.exited = true
	m.status = -int(syscall.SIGQUIT)
	m.killed = syscall.SIGQUIT
	m.cause = cause
	outcome, err := m.finish()
	require.NoError(t, err)
	assert.Equal(t, OutcomeKilled, outcome)

	lines := readJournal(t, dir)
	require.Len(t, lines, 2)
	require.NotNil(t, lines[1].Marker)
	assert.Equal(t, results.MarkerKilled, lines[1].Marker.Kind)
	assert.Equal(t, results.KilledDiskLimit, lines[1].Marker.Tag)

	out, err := os.ReadFile(filepath.Join(dir, results.OutFile))
	require.NoError(t, err)
	assert.Contains(t, string(out), killedExplanationPrefix+" due to exceeding disk usage limit")
}

func TestMonitorHangupAbort(t *testing.T) {
	m, _, dir := newTestMonitor(t, &model.Settings{})
	m.exited = true
	m.abortSig = syscall.SIGHUP

	_, err := m.finish()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAbortRequested))
	assert.Contains(t, err.Error(), "Abort requested via hangup")

	lines := readJournal(t, dir)
	require.Len(t, lines, 1)
	assert.Equal(t, results.MarkerExit, lines[0].Marker.Kind)
	assert.Equal(t, -1, lines[0].Marker.Code)
}

func TestMonitorEscalatesKills(t *testing.T) {
	for _, tc := range []struct {
		name   string
		taints uint64
		// Silence tolerated before the first kill
		quiet time.Duration
		cause killCause
		// Wait after SIGKILL before giving up
		killGrace time.Duration
	}{
		{name: "inactive test", quiet: 10 * time.Second, cause: causeTimeout, killGrace: 5 * time.Second},
		{name: "tainted kernel", taints: 0x200, quiet: time.Second, cause: causeTaint, killGrace: time.Second},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m, fc, dir := newTestMonitor(t, &model.Settings{InactivityTimeout: 10 * time.Second})
			m.e.policy = Policy{KillGrace: 5 * time.Second, TaintedKillGrace: time.Second, TaintDivisor: 10}
			m.e.oracle.(*fakeOracle).taints = tc.taints
			m.cmd = &exec.Cmd{Path: "/tests/bin", Process: &os.Process{Pid: 4242}}
			sent := recordKills(m.e)
			klog := &fakeKernelLog{}
			m.kmsg = klog

			fc.Increment(tc.quiet)
			require.NoError(t, m.checkTimeout())
			assert.Empty(t, *sent)

			fc.Increment(time.Second)
			require.NoError(t, m.checkTimeout())
			assert.Equal(t, []syscall.Signal{syscall.SIGQUIT}, *sent)
			assert.Equal(t, tc.cause, m.cause)

			// One signal per grace period.
			fc.Increment(4 * time.Second)
			require.NoError(t, m.checkTimeout())
			assert.Len(t, *sent, 1)
			fc.Increment(time.Second)
			require.NoError(t, m.checkTimeout())
			assert.Equal(t, []syscall.Signal{syscall.SIGQUIT, syscall.SIGKILL}, *sent)

			fc.Increment(tc.killGrace - time.Second)
			require.NoError(t, m.checkTimeout())
			assert.Len(t, *sent, 2)

			fc.Increment(time.Second)
			err := m.checkTimeout()
			require.ErrorIs(t, err, ErrRefusesToDie)
			assert.Contains(t, err.Error(), "/tests/bin")
			assert.Len(t, *sent, 2)
			assert.Equal(t, tc.cause, m.cause)
			assert.Equal(t, 1, klog.drains)

			dmesg, err := os.ReadFile(filepath.Join(dir, results.DmesgFile))
			require.NoError(t, err)
			assert.Equal(t, "kernel record\n", string(dmesg))
		})
	}
}

func TestMonitorAbortKillsAfterExit(t *testing.T) {
	m, _, _ := newTestMonitor(t, &model.Settings{})
	m.cmd = &exec.Cmd{Path: "/tests/bin", Process: &os.Process{Pid: 4242}}
	sent := recordKills(m.e)
	m.exited = true

	m.handleSignal(syscall.SIGTERM)
	// A second signal is ignored.
	m.handleSignal(syscall.SIGINT)

	assert.Equal(t, []syscall.Signal{syscall.SIGKILL}, *sent)
	assert.Equal(t, syscall.SIGTERM, m.abortSig)
	assert.Equal(t, causeNone, m.cause)
}
