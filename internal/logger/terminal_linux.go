//go:build linux

package logger

import (
	"syscall"
	"unsafe"
)

// TCGETS is the Linux ioctl for reading terminal attributes; the syscall
// package does not export it on every arch.
const TCGETS = 0x5401

// isTerminal reports whether fd refers to a terminal. The termios read
// succeeding is the whole test.
func isTerminal(fd uintptr) bool {
	var termios syscall.Termios
	_, _, err := syscall.Syscall6(
		syscall.SYS_IOCTL,
		fd,
		TCGETS,
		uintptr(unsafe.Pointer(&termios)),
		0, 0, 0,
	)
	return err == 0
}
