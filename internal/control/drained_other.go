//go:build !linux

package control

// drained reports whether the pipe holds no unread bytes. Without a portable
// queue length ioctl every read is taken as having drained the pipe.
func drained(int) bool { return true }
