package control

import "golang.org/x/sys/unix"

// drained reports whether the pipe holds no unread bytes.
func drained(fd int) bool {
	n, err := unix.IoctlGetInt(fd, unix.TIOCINQ)
	return err != nil || n == 0
}
