//go:build unix

package netprobe

import (
	"syscall"

	"golang.org/x/sys/unix"
)

var exhaustedErrnos = []syscall.Errno{
	unix.EMFILE,
	unix.ENFILE,
	unix.ENOBUFS,
}

var unavailableErrnos = []syscall.Errno{unix.EADDRNOTAVAIL}
