//go:build windows

package netprobe

import (
	"syscall"

	"golang.org/x/sys/windows"
)

var exhaustedErrnos = []syscall.Errno{
	windows.WSAENOBUFS,
	windows.WSAEMFILE,
}

// WSAEADDRNOTAVAIL is also returned for remote addresses such as 0.0.0.0,
// so it is an ordinary dial failure here.
var unavailableErrnos []syscall.Errno
