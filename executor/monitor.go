package executor

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/dutrun/dutrun/comms"
	"github.com/dutrun/dutrun/model"
	"github.com/dutrun/dutrun/results"
	"github.com/rs/zerolog"
)

// killedExplanationPrefix starts the line recorded when a test is killed for
// something other than a timeout.
const killedExplanationPrefix = "runner: This test was killed"

// monitor follows one running test until it is gone.
type monitor struct {
	e        *Executor
	logger   zerolog.Logger
	settings *model.Settings
	files    *results.Files
	cmd      *exec.Cmd
	argv     []string
	kmsg     KernelLog
	out      io.Writer
	err      io.Writer

	text    EventSource
	packets EventSource
	// The source driving bookkeeping, nil until the first event
	latched EventSource

	usesComms      bool
	desynced       bool
	execArgsDumped bool

	start        time.Time
	lastActivity time.Time
	lastSubtest  time.Time
	lastKill     time.Time

	killed       syscall.Signal
	cause        killCause
	taintsAtKill uint64
	diskUsage    uint64

	currentSubtest string
	currentDynamic string

	exited   bool
	status   int
	abortSig os.Signal
}

func (m *monitor) now() time.Time {
	return m.e.clock.Now()
}

// run multiplexes the test's channels until the child is reaped and every
// channel is closed. A nil error comes with the outcome; an error means the
// run cannot go on.
func (m *monitor) run(outc, errc, sockc <-chan []byte, exitc <-chan error) (Outcome, error) {
	ticker := m.e.clock.NewTicker(time.Second)
	defer ticker.Stop()

	for !m.exited || outc != nil || errc != nil || sockc != nil {
		select {
		case data, ok := <-outc:
			if !ok {
				outc = nil
				break
			}
			if err := m.handleStdout(data); err != nil {
				return OutcomeExited, err
			}
		case data, ok := <-errc:
			if !ok {
				errc = nil
				break
			}
			if err := m.handleStderr(data); err != nil {
				return OutcomeExited, err
			}
		case data, ok := <-sockc:
			if !ok {
				sockc = nil
				break
			}
			if err := m.handleSocket(data); err != nil {
				return OutcomeExited, err
			}
		case err := <-exitc:
			exitc = nil
			m.handleExit(err)
		case sig := <-m.e.signals:
			m.handleSignal(sig)
		case <-ticker.C():
		}

		m.e.watchdogs.Ping()
		m.drainKernelLog()
		if err := m.checkTimeout(); err != nil {
			return OutcomeExited, err
		}
	}

	m.drainKernelLog()
	return m.finish()
}

func (m *monitor) write(w io.Writer, f *os.File, data []byte) error {
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("writing %s: %w", f.Name(), err)
	}
	if m.settings.Sync {
		return f.Sync()
	}
	return nil
}

func (m *monitor) handleStdout(data []byte) error {
	m.lastActivity = m.now()
	m.diskUsage += uint64(len(data))
	if err := m.write(m.out, m.files.Out, data); err != nil {
		return err
	}
	if m.latched == m.packets {
		return nil
	}

	events, _ := m.text.Feed(data)
	if len(events) > 0 && m.latched == nil {
		m.latched = m.text
	}
	for _, ev := range events {
		if err := m.handleEvent(ev); err != nil {
			return err
		}
	}
	return nil
}

func (m *monitor) handleStderr(data []byte) error {
	m.lastActivity = m.now()
	m.diskUsage += uint64(len(data))
	return m.write(m.err, m.files.Err, data)
}

func (m *monitor) handleSocket(data []byte) error {
	m.lastActivity = m.now()
	m.diskUsage += uint64(len(data))
	// Keep draining so the child never blocks on a full socket.
	if m.desynced || m.latched == m.text {
		return nil
	}

	events, err := m.packets.Feed(data)
	if err != nil {
		m.desynced = true
		m.logger.Warn().Err(err).Msg("Comms protocol error, ignoring the rest of the comms channel")
		msg := fmt.Sprintf("runner: comms protocol error, ignoring the rest of the comms channel: %v", err)
		if m.usesComms {
			m.usesComms = false
			m.latched = nil
			return m.dump(comms.NewLog(comms.StreamStderr, msg))
		}
		return m.write(m.err, m.files.Err, []byte(msg+"\n"))
	}

	if m.latched == nil {
		m.latched = m.packets
		m.usesComms = true
	}
	for _, ev := range events {
		if !m.execArgsDumped {
			m.execArgsDumped = true
			if err := m.dump(comms.NewExecArgs(m.argv)); err != nil {
				return err
			}
		}
		if err := comms.DumpRaw(m.files.Comms, ev.Raw, m.settings.Sync); err != nil {
			return err
		}
		if err := m.handleEvent(ev); err != nil {
			return err
		}
	}
	return nil
}

func (m *monitor) dump(p comms.Packet) error {
	return comms.DumpWithCanary(m.files.Comms, p, m.settings.Sync)
}

func (m *monitor) journal(line string) error {
	return m.files.WriteJournal(line, m.settings.Sync)
}

// handleEvent does the bookkeeping shared by both event sources.
func (m *monitor) handleEvent(ev Event) error {
	now := m.now()
	switch ev.Kind {
	case EventSubtestStart:
		m.currentSubtest, m.currentDynamic = ev.Name, ""
		m.lastSubtest = now
		m.diskUsage = 0
		m.logger.Debug().Str("subtest", ev.Name).Msg("Subtest started")
		if m.latched == m.text {
			return m.journal(ev.Name)
		}
	case EventDynamicSubtestStart:
		m.currentDynamic = ev.Name
		m.lastSubtest = now
		m.diskUsage = 0
		m.logger.Debug().Str("subtest", m.currentSubtest).Str("dynamic", ev.Name).Msg("Dynamic subtest started")
		if m.latched == m.text {
			return m.journal(m.currentSubtest + "/" + ev.Name)
		}
	case EventSubtestResult:
		m.logger.Debug().Str("subtest", ev.Name).Str("result", ev.Result).Msg("Subtest finished")
		m.currentSubtest, m.currentDynamic = "", ""
	case EventDynamicSubtestResult:
		m.currentDynamic = ""
	}
	return nil
}

func (m *monitor) handleExit(err error) {
	m.exited = true
	state := m.cmd.ProcessState
	if state == nil {
		m.logger.Error().Err(err).Msg("Failed to reap test")
		m.status = -1
		return
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		m.status = -int(ws.Signal())
	} else {
		m.status = state.ExitCode()
	}
	m.logger.Debug().Int("status", m.status).Msg("Test exited")
}

// handleSignal turns a signal sent to the supervisor into an abort.
func (m *monitor) handleSignal(sig os.Signal) {
	if m.abortSig != nil {
		return
	}
	m.abortSig = sig
	m.logger.Warn().Str("signal", sig.String()).Msg("Abort requested, terminating children")
	if !m.exited {
		m.cause = causeAbort
		m.killed = syscall.SIGKILL
		m.lastKill = m.now()
	}
	// Descendants can outlive the leader and keep its output open.
	m.e.kill(m.logger, m.cmd.Process.Pid, syscall.SIGKILL)
}

func (m *monitor) drainKernelLog() {
	if m.kmsg == nil {
		return
	}
	if _, err := m.kmsg.Drain(m.files.Dmesg); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to copy kernel log, disabling capture for this test")
		m.kmsg = nil
	}
}

func (m *monitor) checkTimeout() error {
	now := m.now()
	st := timeoutState{
		killed:        m.killed,
		cause:         m.cause,
		taints:        m.e.oracle.BadTaints(),
		sinceActivity: now.Sub(m.lastActivity),
		sinceSubtest:  now.Sub(m.lastSubtest),
		sinceKill:     now.Sub(m.lastKill),
		diskUsage:     m.diskUsage,
	}
	verdict := m.e.policy.needToTimeout(m.settings, st)
	if verdict == causeNone {
		return nil
	}

	sig, ok := nextSignal(m.killed)
	if !ok {
		m.logger.Error().Str("cause", m.cause.String()).Msg("Child refuses to die, giving up on this host")
		m.drainKernelLog()
		return fmt.Errorf("%w: %s", ErrRefusesToDie, m.cmd.Path)
	}

	if m.killed == 0 {
		m.cause = verdict
		m.taintsAtKill = st.taints
		ev := m.logger.Warn().Str("cause", verdict.String()).Str("subtest", m.currentSubtest)
		switch verdict {
		case causeTaint:
			ev = ev.Str("taints", fmt.Sprintf("0x%x", st.taints))
		case causeDiskLimit:
			ev = ev.Str("disk_usage", humanize.IBytes(m.diskUsage))
		default:
			ev = ev.Dur("since_activity", st.sinceActivity).Dur("since_subtest", st.sinceSubtest)
		}
		ev.Msg("Killing test")
	} else {
		m.logger.Warn().Str("signal", sig.String()).Msg("Test did not die, escalating")
	}

	m.killed = sig
	m.lastKill = now
	m.e.kill(m.logger, m.cmd.Process.Pid, sig)
	return nil
}

// finish writes the terminal marker once all output has been recorded.
func (m *monitor) finish() (Outcome, error) {
	elapsed := m.now().Sub(m.start)
	timeUsed := results.FormatSeconds(elapsed)

	if m.abortSig != nil {
		// A hangup is a polite request: the interrupted test counts as not run.
		if m.abortSig == syscall.SIGHUP {
			code := -int(syscall.SIGHUP)
			if m.usesComms {
				if err := m.dump(comms.NewResultOverride("notrun")); err != nil {
					return OutcomeExited, err
				}
				if err := m.dump(comms.NewExit(int32(code), timeUsed)); err != nil {
					return OutcomeExited, err
				}
			} else if err := m.journal(results.ExitMarker(code, elapsed)); err != nil {
				return OutcomeExited, err
			}
		}
		return OutcomeExited, &abortRequest{sig: m.abortSig}
	}

	var tag, explanation string
	switch m.cause {
	case causeTaint:
		tag = results.KilledTaint
		explanation = fmt.Sprintf("%s due to a kernel taint (0x%x).", killedExplanationPrefix, m.taintsAtKill)
	case causeDiskLimit:
		tag = results.KilledDiskLimit
		explanation = fmt.Sprintf("%s due to exceeding disk usage limit (used %s, limit %s).", killedExplanationPrefix,
			humanize.IBytes(m.diskUsage), humanize.IBytes(m.settings.DiskUsageLimit))
	}

	var err error
	switch {
	case tag != "":
		err = m.write(m.out, m.files.Out, []byte(explanation+"\n"))
		if err == nil && m.usesComms {
			err = m.dump(comms.NewLog(comms.StreamStderr, explanation))
		}
		if err == nil {
			err = m.journal(results.KilledMarker(tag, elapsed))
		}
	case m.cause == causeTimeout:
		if m.usesComms {
			err = m.dump(comms.NewResultOverride("timeout"))
			if err == nil {
				err = m.dump(comms.NewExit(int32(m.status), timeUsed))
			}
		} else {
			err = m.journal(results.TimeoutMarker(m.status, elapsed))
		}
	default:
		if m.usesComms {
			err = m.dump(comms.NewExit(int32(m.status), timeUsed))
		} else {
			err = m.journal(results.ExitMarker(m.status, elapsed))
		}
	}
	if err != nil {
		return OutcomeExited, err
	}

	m.logger.Info().Int("status", m.status).Str("cause", m.cause.String()).Dur("duration", elapsed).Msg("Test finished")
	if m.killed != 0 {
		return OutcomeKilled, nil
	}
	return OutcomeExited, nil
}

// readStream forwards everything read from r until it fails or done closes.
func readStream(r io.Reader, size int, done <-chan struct{}) <-chan []byte {
	ch := make(chan []byte)
	go func() {
		defer close(ch)
		buf := make([]byte, size)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				select {
				case ch <- data:
				case <-done:
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()
	return ch
}
