//go:build !windows

package process

import "syscall"

// signalGroup delivers sig to every process in the group led by pid.
func signalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return syscall.ESRCH
	}
	return syscall.Kill(-pid, sig)
}

// Alive reports whether a process with the given pid exists.
func Alive(pid int) bool {
	return pid > 0 && syscall.Kill(pid, 0) == nil
}
