package executor

import (
	"syscall"
	"time"

	"github.com/dutrun/dutrun/model"
)

// Policy holds the escalation constants.
type Policy struct {
	// Wait after a kill signal before escalating
	KillGrace time.Duration
	// Wait after SIGKILL on a tainted kernel before giving up
	TaintedKillGrace time.Duration
	// A tainted kernel divides both test timeouts by this
	TaintDivisor time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		KillGrace:        120 * time.Second,
		TaintedKillGrace: 20 * time.Second,
		TaintDivisor:     10,
	}
}

// killCause records why the supervisor started killing a test.
type killCause int

const (
	causeNone killCause = iota
	causeTimeout
	causeTaint
	causeDiskLimit
	causeAbort
)

func (c killCause) String() string {
	switch c {
	case causeNone:
		return "none"
	case causeTimeout:
		return "timeout"
	case causeTaint:
		return "taint"
	case causeDiskLimit:
		return "disk-limit"
	case causeAbort:
		return "abort"
	}
	return "unknown"
}

type timeoutState struct {
	// Last kill signal sent, 0 when none
	killed syscall.Signal
	// Why the first kill signal was sent
	cause         killCause
	taints        uint64
	sinceActivity time.Duration
	sinceSubtest  time.Duration
	sinceKill     time.Duration
	diskUsage     uint64
}

// needToTimeout returns why the test should get its next kill signal, or
// causeNone. While a kill is in flight the original cause is kept and only
// the grace period decides.
func (p Policy) needToTimeout(settings *model.Settings, st timeoutState) killCause {
	if st.killed != 0 {
		grace := p.KillGrace
		if st.killed == syscall.SIGKILL && st.taints != 0 {
			grace = p.TaintedKillGrace
		}
		if st.sinceKill >= grace {
			return st.cause
		}
		return causeNone
	}

	perTest, inactivity := settings.PerTestTimeout, settings.InactivityTimeout
	verdict := causeTimeout
	if st.taints != 0 {
		if perTest == 0 && inactivity == 0 {
			return causeTaint
		}
		perTest /= p.TaintDivisor
		inactivity /= p.TaintDivisor
		verdict = causeTaint
	}

	if perTest > 0 && st.sinceSubtest > perTest {
		return verdict
	}
	if inactivity > 0 && st.sinceActivity > inactivity {
		return verdict
	}
	if settings.DiskUsageLimit > 0 && st.diskUsage > settings.DiskUsageLimit {
		return causeDiskLimit
	}
	return causeNone
}

// nextSignal returns the signal following the last one sent.
func nextSignal(killed syscall.Signal) (syscall.Signal, bool) {
	switch killed {
	case 0:
		return syscall.SIGQUIT, true
	case syscall.SIGQUIT:
		return syscall.SIGKILL, true
	}
	return 0, false
}
