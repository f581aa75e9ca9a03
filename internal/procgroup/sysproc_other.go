//go:build !linux

package procgroup

import (
	"syscall"
)

func sysProcAttr(pgid int) *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid: true,
		Pgid:    pgid,
	}
}
