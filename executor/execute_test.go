package executor

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/dutrun/dutrun/model"
	"github.com/dutrun/dutrun/results"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestExecutor(oracle *fakeOracle, cov *fakeCoverage) (*Executor, *fakeWatchdogs) {
	wd := &fakeWatchdogs{}
	e := New(zerolog.Nop(),
		WithOracle(oracle),
		WithWatchdogs(wd),
		WithCoverage(cov),
		WithKernelLog(nil),
		WithPolicy(Policy{KillGrace: 2 * time.Second, TaintedKillGrace: time.Second, TaintDivisor: 10}),
	)
	return e, wd
}

func newTestRun(t *testing.T, jobs ...model.JobListEntry) (*model.Settings, *model.JobList) {
	t.Helper()
	settings := &model.Settings{
		TestRoot:     t.TempDir(),
		ResultsPath:  t.TempDir(),
		AllowNonRoot: true,
	}
	return settings, &model.JobList{Entries: jobs}
}

func TestExecuteRunsAndRecoversFromTimeout(t *testing.T) {
	if testing.Short() {
		t.Skip("runs real processes for several seconds")
	}
	settings, jobs := newTestRun(t,
		model.JobListEntry{Binary: "hangs"},
		model.JobListEntry{Binary: "fails"},
	)
	settings.InactivityTimeout = time.Second
	// Exclusions mean the killed run is being continued.
	writeScript(t, settings.TestRoot, "hangs", `if [ $# -gt 0 ]; then exit 0; fi
echo "Starting subtest: a"
echo "Subtest a: SUCCESS (0.100s)"
echo "Starting subtest: b"
ulimit -c 0
exec sleep 1000
`)
	writeScript(t, settings.TestRoot, "fails", "echo hello\necho oops >&2\nexit 3\n")

	state, err := InitializeExecuteState(settings, jobs)
	require.NoError(t, err)

	e, wd := newTestExecutor(&fakeOracle{}, &fakeCoverage{})
	ok, err := e.Execute(context.Background(), state, settings, jobs)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, state.Next)
	assert.Equal(t, 1, wd.timeout)
	assert.True(t, wd.closed)

	lines := readJournal(t, results.JobDir(settings.ResultsPath, 0))
	require.Len(t, lines, 4)
	assert.Equal(t, "a", lines[0].Subtest)
	assert.Equal(t, "b", lines[1].Subtest)
	require.NotNil(t, lines[2].Marker)
	assert.Equal(t, results.MarkerTimeout, lines[2].Marker.Kind)
	assert.Equal(t, -int(syscall.SIGQUIT), lines[2].Marker.Code)
	require.NotNil(t, lines[3].Marker)
	assert.Equal(t, results.MarkerExit, lines[3].Marker.Kind)
	// b was running at the timeout, so the continuation got to retry it.
	assert.Equal(t, []string{"!a"}, jobs.Entries[0].Subtests)

	lines = readJournal(t, results.JobDir(settings.ResultsPath, 1))
	require.Len(t, lines, 1)
	assert.Equal(t, 3, lines[0].Marker.Code)

	out, err := os.ReadFile(filepath.Join(results.JobDir(settings.ResultsPath, 1), results.OutFile))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(out))
	errOut, err := os.ReadFile(filepath.Join(results.JobDir(settings.ResultsPath, 1), results.ErrFile))
	require.NoError(t, err)
	assert.Equal(t, "oops\n", string(errOut))

	for _, name := range []string{results.UnameFile, results.StartTimeFile, results.EndTimeFile} {
		assert.FileExists(t, filepath.Join(settings.ResultsPath, name))
	}
	assert.NoFileExists(t, filepath.Join(settings.ResultsPath, results.AbortedFile))
}

func TestExecuteRetriesHungSubtest(t *testing.T) {
	if testing.Short() {
		t.Skip("runs real processes for several seconds")
	}
	settings, jobs := newTestRun(t, model.JobListEntry{Binary: "t1", Subtests: []string{"a", "b"}})
	settings.InactivityTimeout = time.Second
	writeScript(t, settings.TestRoot, "t1", `case "$2" in
"a,b")
	echo "Starting subtest: a"
	echo "Subtest a: SUCCESS (0.100s)"
	echo "Starting subtest: b"
	ulimit -c 0
	exec sleep 1000
	;;
"a,b,!a")
	echo "Starting subtest: b"
	echo "Subtest b: SUCCESS (0.100s)"
	exit 0
	;;
esac
exit 1
`)

	state, err := InitializeExecuteState(settings, jobs)
	require.NoError(t, err)

	e, _ := newTestExecutor(&fakeOracle{}, &fakeCoverage{})
	ok, err := e.Execute(context.Background(), state, settings, jobs)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, state.Next)
	assert.Equal(t, []string{"a", "b", "!a"}, jobs.Entries[0].Subtests)

	lines := readJournal(t, results.JobDir(settings.ResultsPath, 0))
	require.Len(t, lines, 5)
	assert.Equal(t, "a", lines[0].Subtest)
	assert.Equal(t, "b", lines[1].Subtest)
	require.NotNil(t, lines[2].Marker)
	assert.Equal(t, results.MarkerTimeout, lines[2].Marker.Kind)
	assert.Equal(t, "b", lines[3].Subtest)
	require.NotNil(t, lines[4].Marker)
	assert.Equal(t, results.MarkerExit, lines[4].Marker.Kind)
	assert.Equal(t, 0, lines[4].Marker.Code)
}

func TestExecuteAbortKillsBackgroundChildren(t *testing.T) {
	settings, jobs := newTestRun(t, model.JobListEntry{Binary: "forks"})
	started := filepath.Join(settings.TestRoot, "started")
	// The leader exits at once while its child keeps stdout open.
	writeScript(t, settings.TestRoot, "forks", "sleep 30 &\ntouch "+started+"\nexit 0\n")

	state, err := InitializeExecuteState(settings, jobs)
	require.NoError(t, err)

	e, _ := newTestExecutor(&fakeOracle{}, &fakeCoverage{})
	type result struct {
		ok  bool
		err error
	}
	done := make(chan result, 1)
	go func() {
		ok, err := e.Execute(context.Background(), state, settings, jobs)
		done <- result{ok, err}
	}()

	require.Eventually(t, func() bool {
		_, err := os.Stat(started)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
	e.signals <- syscall.SIGTERM

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.False(t, r.ok)
	case <-time.After(10 * time.Second):
		t.Fatal("abort did not stop the run while a background child held stdout")
	}

	aborted, err := os.ReadFile(filepath.Join(settings.ResultsPath, results.AbortedFile))
	require.NoError(t, err)
	assert.Contains(t, string(aborted), "Previous test: forks\nNext test: nothing\n")
	assert.Contains(t, string(aborted), "Abort requested via terminated")
}

func TestExecuteRecordsUnkillableTest(t *testing.T) {
	if testing.Short() {
		t.Skip("runs real processes for several seconds")
	}
	settings, jobs := newTestRun(t,
		model.JobListEntry{Binary: "stuck"},
		model.JobListEntry{Binary: "next"},
	)
	settings.InactivityTimeout = time.Second
	writeScript(t, settings.TestRoot, "stuck", "exec sleep 1000\n")
	writeScript(t, settings.TestRoot, "next", "exit 0\n")

	state, err := InitializeExecuteState(settings, jobs)
	require.NoError(t, err)

	e, _ := newTestExecutor(&fakeOracle{}, &fakeCoverage{})
	e.policy = Policy{KillGrace: time.Second, TaintedKillGrace: time.Second, TaintDivisor: 10}
	// Swallow every kill signal, then clean up for real.
	var pgid int
	var sent []syscall.Signal
	e.kill = func(_ zerolog.Logger, pid int, sig syscall.Signal) {
		pgid = pid
		sent = append(sent, sig)
	}
	ok, err := e.Execute(context.Background(), state, settings, jobs)
	if pgid != 0 {
		killProcessGroup(zerolog.Nop(), pgid, syscall.SIGKILL)
	}
	require.ErrorIs(t, err, ErrRefusesToDie)
	assert.False(t, ok)
	assert.Equal(t, []syscall.Signal{syscall.SIGQUIT, syscall.SIGKILL}, sent)

	aborted, err := os.ReadFile(filepath.Join(settings.ResultsPath, results.AbortedFile))
	require.NoError(t, err)
	assert.Contains(t, string(aborted), "Previous test: stuck\nNext test: next\n")
	assert.Contains(t, string(aborted), ErrRefusesToDie.Error())
	assert.NoDirExists(t, results.JobDir(settings.ResultsPath, 1))
}

func TestExecuteAbortsOnUnhealthyHost(t *testing.T) {
	settings, jobs := newTestRun(t,
		model.JobListEntry{Binary: "first"},
		model.JobListEntry{Binary: "second"},
	)
	writeScript(t, settings.TestRoot, "first", "exit 0\n")
	writeScript(t, settings.TestRoot, "second", "exit 0\n")

	state, err := InitializeExecuteState(settings, jobs)
	require.NoError(t, err)

	oracle := &fakeOracle{reasons: []string{"", "Kernel badly tainted (0x200) (check dmesg for details):\n\t(0x200) kernel warning\n"}}
	e, _ := newTestExecutor(oracle, &fakeCoverage{})
	ok, err := e.Execute(context.Background(), state, settings, jobs)
	require.NoError(t, err)
	assert.False(t, ok)

	aborted, err := os.ReadFile(filepath.Join(settings.ResultsPath, results.AbortedFile))
	require.NoError(t, err)
	assert.Equal(t, "Aborting.\nPrevious test: first\nNext test: second\n\nKernel badly tainted (0x200) (check dmesg for details):\n\t(0x200) kernel warning\n", string(aborted))
	assert.NoDirExists(t, results.JobDir(settings.ResultsPath, 1))
	assert.NoFileExists(t, filepath.Join(settings.ResultsPath, results.EndTimeFile))
}

func TestExecuteAbortsBeforeFirstTest(t *testing.T) {
	settings, jobs := newTestRun(t, model.JobListEntry{Binary: "first"})
	state, err := InitializeExecuteState(settings, jobs)
	require.NoError(t, err)

	e, _ := newTestExecutor(&fakeOracle{reasons: []string{"Lockdep not active\n"}}, &fakeCoverage{})
	ok, err := e.Execute(context.Background(), state, settings, jobs)
	require.NoError(t, err)
	assert.False(t, ok)

	aborted, err := os.ReadFile(filepath.Join(settings.ResultsPath, results.AbortedFile))
	require.NoError(t, err)
	assert.Contains(t, string(aborted), "Previous test: nothing\nNext test: first\n")
	assert.NoDirExists(t, results.JobDir(settings.ResultsPath, 0))
}

func TestExecutePendingSignal(t *testing.T) {
	settings, jobs := newTestRun(t, model.JobListEntry{Binary: "first"})
	state, err := InitializeExecuteState(settings, jobs)
	require.NoError(t, err)

	e, _ := newTestExecutor(&fakeOracle{}, &fakeCoverage{})
	e.signals <- syscall.SIGTERM
	ok, err := e.Execute(context.Background(), state, settings, jobs)
	require.NoError(t, err)
	assert.False(t, ok)

	aborted, err := os.ReadFile(filepath.Join(settings.ResultsPath, results.AbortedFile))
	require.NoError(t, err)
	assert.Contains(t, string(aborted), "Abort requested via terminated")
}

func TestExecuteSkipsDoneJobsAndCollectsCoverage(t *testing.T) {
	settings, jobs := newTestRun(t,
		model.JobListEntry{Binary: ""},
		model.JobListEntry{Binary: "second", Subtests: []string{"x"}},
	)
	settings.EnableCodeCoverage = true
	settings.CovResultsPerTest = true
	settings.CodeCoverageScript = "/bin/true"
	writeScript(t, settings.TestRoot, "second", "exit 0\n")

	cov := &fakeCoverage{}
	e, _ := newTestExecutor(&fakeOracle{}, cov)
	state := &model.ExecuteState{TimeLeft: model.Unbounded, Resuming: true}
	ok, err := e.Execute(context.Background(), state, settings, jobs)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.NoDirExists(t, results.JobDir(settings.ResultsPath, 0))
	assert.DirExists(t, results.JobDir(settings.ResultsPath, 1))
	assert.Equal(t, 1, cov.starts)
	assert.Equal(t, []string{"second@x"}, cov.stops)
}

func TestExecuteOutOfTime(t *testing.T) {
	settings, jobs := newTestRun(t,
		model.JobListEntry{Binary: "slow"},
		model.JobListEntry{Binary: "never"},
	)
	writeScript(t, settings.TestRoot, "slow", "sleep 0.2\n")
	writeScript(t, settings.TestRoot, "never", "exit 0\n")

	e, _ := newTestExecutor(&fakeOracle{}, &fakeCoverage{})
	state := &model.ExecuteState{TimeLeft: 100 * time.Millisecond}
	ok, err := e.Execute(context.Background(), state, settings, jobs)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoDirExists(t, results.JobDir(settings.ResultsPath, 1))
	assert.NoFileExists(t, filepath.Join(settings.ResultsPath, results.EndTimeFile))
}

func TestExecuteDryRun(t *testing.T) {
	settings, jobs := newTestRun(t, model.JobListEntry{Binary: "first"})
	e, _ := newTestExecutor(&fakeOracle{}, &fakeCoverage{})

	ok, err := e.Execute(context.Background(), &model.ExecuteState{Dry: true}, settings, jobs)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoDirExists(t, results.JobDir(settings.ResultsPath, 0))
}

func TestExecuteRequiresRoot(t *testing.T) {
	settings, jobs := newTestRun(t, model.JobListEntry{Binary: "first"})
	settings.AllowNonRoot = false
	e, _ := newTestExecutor(&fakeOracle{}, &fakeCoverage{})
	e.getuid = func() int { return 1000 }

	_, err := e.Execute(context.Background(), &model.ExecuteState{}, settings, jobs)
	assert.ErrorIs(t, err, ErrNotRoot)
}
