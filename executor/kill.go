package executor

import (
	"errors"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sys/unix"
)

// killProcessGroup signals the process group led by pgid. SIGKILL also hunts
// down descendants that moved to a process group of their own.
func killProcessGroup(logger zerolog.Logger, pgid int, sig syscall.Signal) {
	if sig == syscall.SIGKILL {
		killDescendants(logger, int32(pgid))
	}
	if err := unix.Kill(-pgid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		logger.Warn().Err(err).Int("pgid", pgid).Str("signal", sig.String()).Msg("Failed to signal process group")
	}
}

func killDescendants(logger zerolog.Logger, pid int32) {
	p, err := process.NewProcess(pid)
	if err != nil {
		return
	}
	children, err := p.Children()
	if err != nil {
		return
	}
	for _, child := range children {
		killDescendants(logger, child.Pid)
		if err := unix.Kill(int(child.Pid), unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
			logger.Warn().Err(err).Int32("pid", child.Pid).Msg("Failed to kill descendant")
		}
	}
}
