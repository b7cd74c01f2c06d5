//go:build windows

package ptyhost

import "os"

func signalGroup(proc *os.Process, _ bool) {
	_ = proc.Kill()
}

func isEIO(error) bool { return false }
