//go:build !unix && !windows

package netprobe

import "syscall"

var (
	exhaustedErrnos   []syscall.Errno
	unavailableErrnos []syscall.Errno
)
