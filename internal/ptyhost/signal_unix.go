//go:build !windows

package ptyhost

import (
	"errors"
	"os"
	"syscall"
)

// signalGroup signals the child's process group. The child leads its own
// session, so its pgid is its pid.
func signalGroup(proc *os.Process, force bool) {
	pgid, err := syscall.Getpgid(proc.Pid)
	if err != nil {
		_ = proc.Kill()
		return
	}
	if force {
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
		return
	}
	// Interactive shells ignore SIGTERM but not SIGHUP.
	_ = syscall.Kill(-pgid, syscall.SIGHUP)
	_ = syscall.Kill(-pgid, syscall.SIGTERM)
}

func isEIO(err error) bool {
	return errors.Is(err, syscall.EIO)
}
