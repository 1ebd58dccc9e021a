//go:build !windows

package state

import "syscall"

func lockExclusive(fd uintptr) error {
	return syscall.Flock(int(fd), syscall.LOCK_EX)
}

func unlockExclusive(fd uintptr) error {
	return syscall.Flock(int(fd), syscall.LOCK_UN)
}
