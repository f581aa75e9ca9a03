//go:build linux

package procgroup

import (
	"syscall"
)

// Children receive SIGKILL if the orchestrator dies without tearing them down.
func sysProcAttr(pgid int) *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid:   true,
		Pgid:      pgid,
		Pdeathsig: syscall.SIGKILL,
	}
}
