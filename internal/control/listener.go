package control

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
	"vawter.tech/stopper"
)

// pipeBuf is the largest write the kernel delivers atomically.
const pipeBuf = 4096

// pollInterval bounds how long Run waits before checking for a stop.
const pollInterval = 200

// AckDir holds the per request acknowledgement pipes of start clients.
const AckDir = ".ack"

// ackOK is written to a start client's reply pipe once the request was handled.
const ackOK = "ok\n"

// Listener owns a control pipe and delivers the requests written to it.
// The read side stays open for the listener's lifetime, so writers never see
// a pipe without a reader while it runs.
type Listener struct {
	// Name is the channel name passed to ParseRequest.
	Name string
	Path string
	Log  *slog.Logger

	fd int
}

// Listen creates the pipe dir/name with mode 0600, reusing an existing pipe.
func Listen(dir, name string, log *slog.Logger) (*Listener, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, name)
	if err := unix.Mkfifo(path, 0o600); err != nil {
		if !errors.Is(err, unix.EEXIST) {
			return nil, fmt.Errorf("mkfifo %s: %w", path, err)
		}
		st, serr := os.Lstat(path)
		if serr != nil {
			return nil, serr
		}
		if st.Mode()&fs.ModeNamedPipe == 0 {
			return nil, fmt.Errorf("%s exists and is not a pipe", path)
		}
	}
	// O_RDWR keeps the pipe from reporting end of file while no client
	// holds it open.
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &Listener{Name: name, Path: path, Log: log, fd: fd}, nil
}

func (l *Listener) closeFD() {
	if l.fd >= 0 {
		_ = unix.Close(l.fd)
		l.fd = -1
	}
}

// Run reads requests until ctx stops and passes each decoded request to
// handle. Requests are newline terminated; an unterminated payload is taken
// as one request once the pipe is drained. Malformed payloads are logged and
// dropped. A start request naming a reply pipe is acknowledged after handle
// returns.
func (l *Listener) Run(ctx *stopper.Context, handle func(Request)) error {
	defer l.closeFD()
	buf := make([]byte, pipeBuf)
	var pending []byte
	for !ctx.IsStopping() && ctx.Err() == nil {
		fds := []unix.PollFd{{Fd: int32(l.fd), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, pollInterval)
		if err == unix.EINTR || n == 0 {
			continue
		}
		if err != nil {
			return fmt.Errorf("poll %s: %w", l.Path, err)
		}
		r, err := unix.Read(l.fd, buf)
		if err == unix.EAGAIN || err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", l.Path, err)
		}
		pending = append(pending, buf[:r]...)
		for {
			i := bytes.IndexByte(pending, '\n')
			if i < 0 {
				break
			}
			l.deliver(pending[:i], handle)
			pending = pending[i+1:]
		}
		// writes up to pipeBuf are atomic, so a fragment left in a drained
		// pipe is a whole unterminated request
		if len(pending) > 0 && drained(l.fd) {
			l.deliver(pending, handle)
			pending = nil
		}
	}
	return nil
}

func (l *Listener) deliver(line []byte, handle func(Request)) {
	if len(bytes.TrimSpace(line)) == 0 {
		return
	}
	req, err := ParseRequest(l.Name, line)
	if err != nil {
		l.Log.Warn("dropping control request", "channel", l.Name, "error", err)
		return
	}
	handle(req)
	if req.Reply != "" {
		l.ack(req.Reply)
	}
}

// ack tells a waiting start client that its request was handled. A client
// that has already gone away is not an error.
func (l *Listener) ack(name string) {
	path := filepath.Join(filepath.Dir(l.Path), AckDir, name)
	fd, err := unix.Open(path, unix.O_WRONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		l.Log.Debug("acknowledge request", "path", path, "error", err)
		return
	}
	defer func() { _ = unix.Close(fd) }()
	if _, err := unix.Write(fd, []byte(ackOK)); err != nil {
		l.Log.Debug("acknowledge request", "path", path, "error", err)
	}
}

// Remove deletes the pipe from the file system.
func (l *Listener) Remove() error {
	err := os.Remove(l.Path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
