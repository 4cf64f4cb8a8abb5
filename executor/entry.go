package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/dutrun/dutrun/comms"
	"github.com/dutrun/dutrun/model"
	"github.com/dutrun/dutrun/results"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

// The socket is the first of cmd.ExtraFiles, which the child sees as fd 3.
const childSocketFD = 3

// BuildArgs returns the command line running entry from testRoot. A single
// "sub@dyn" selector runs one dynamic subtest; anything else is handed over
// as a comma separated --run-subtest list.
func BuildArgs(testRoot string, entry model.JobListEntry) []string {
	argv := []string{filepath.Join(testRoot, entry.Binary)}
	if len(entry.Subtests) == 0 {
		return argv
	}
	if len(entry.Subtests) == 1 {
		sub, dyn, ok := strings.Cut(entry.Subtests[0], "@")
		if ok && !strings.HasPrefix(sub, "!") {
			return append(argv, "--run-subtest", sub, "--dynamic-subtest", dyn)
		}
	}
	return append(argv, "--run-subtest", strings.Join(entry.Subtests, ","))
}

func buildEnv(settings *model.Settings) []string {
	env := os.Environ()
	for _, v := range settings.EnvVars {
		env = append(env, v.String())
	}
	return append(env, comms.EnvSocketFD+"="+strconv.Itoa(childSocketFD))
}

// socketPair returns the supervisor end as a packet conn and the child end
// as a file to inherit.
func socketPair() (net.Conn, *os.File, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create comms socket: %w", err)
	}
	parent := os.NewFile(uintptr(fds[0]), "comms-parent")
	child := os.NewFile(uintptr(fds[1]), "comms-child")
	conn, err := net.FileConn(parent)
	// FileConn dups the descriptor.
	parent.Close()
	if err != nil {
		child.Close()
		return nil, nil, fmt.Errorf("failed to wrap comms socket: %w", err)
	}
	return conn, child, nil
}

// ExecuteNextEntry runs job index in its numbered result directory and
// follows it until it is gone.
func (e *Executor) ExecuteNextEntry(ctx context.Context, index int, settings *model.Settings, jobs *model.JobList) (Outcome, error) {
	entry := jobs.Entries[index]
	dir := results.JobDir(settings.ResultsPath, index)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return OutcomeExited, fmt.Errorf("failed to create result directory: %w", err)
	}

	files, err := results.OpenForWrite(dir)
	if err != nil {
		return OutcomeExited, err
	}
	defer files.Close()

	argv := BuildArgs(settings.TestRoot, entry)
	logger := e.logger.With().Int("job", index).Str("test", entry.String()).Logger()

	conn, childSock, err := socketPair()
	if err != nil {
		return OutcomeExited, err
	}
	defer conn.Close()

	outR, outW, err := os.Pipe()
	if err != nil {
		childSock.Close()
		return OutcomeExited, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	defer outR.Close()
	errR, errW, err := os.Pipe()
	if err != nil {
		childSock.Close()
		outW.Close()
		return OutcomeExited, fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	defer errR.Close()

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = buildEnv(settings)
	cmd.Stdout = outW
	cmd.Stderr = errW
	cmd.ExtraFiles = []*os.File{childSock}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}

	var kernelLog KernelLog
	if e.openKernelLog != nil {
		if kernelLog, err = e.openKernelLog(); err != nil {
			logger.Debug().Err(err).Msg("Kernel log not available")
			kernelLog = nil
		} else {
			defer kernelLog.Close()
		}
	}

	start := e.clock.Now()
	logger.Debug().Strs("argv", argv).Msg("Starting test")
	startErr := cmd.Start()
	// The child has its own copies now.
	closeErr := multierr.Combine(outW.Close(), errW.Close(), childSock.Close())
	if startErr != nil {
		return OutcomeExited, fmt.Errorf("failed to launch %s: %w", argv[0], startErr)
	}
	if closeErr != nil {
		logger.Warn().Err(closeErr).Msg("Failed to close child ends")
	}

	out, errOut := io.Writer(files.Out), io.Writer(files.Err)
	if settings.Verbose() {
		out = io.MultiWriter(files.Out, e.stdout)
		errOut = io.MultiWriter(files.Err, e.stderr)
	}

	m := &monitor{
		e:            e,
		logger:       logger,
		settings:     settings,
		files:        files,
		cmd:          cmd,
		argv:         argv,
		kmsg:         kernelLog,
		out:          out,
		err:          errOut,
		text:         &textSource{},
		packets:      &packetSource{},
		start:        start,
		lastActivity: start,
		lastSubtest:  start,
	}

	done := make(chan struct{})
	defer close(done)
	outc := readStream(outR, 64*1024, done)
	errc := readStream(errR, 64*1024, done)
	sockc := readStream(conn, comms.MaxPacketSize, done)
	exitc := make(chan error, 1)
	go func() {
		exitc <- cmd.Wait()
	}()

	outcome, err := m.run(outc, errc, sockc, exitc)
	if err != nil && !errors.Is(err, ErrAbortRequested) {
		logger.Error().Err(err).Msg("Test monitoring failed")
	}
	return outcome, err
}
