package control

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultAckTimeout bounds how long Start waits for the master.
const DefaultAckTimeout = 30 * time.Second

// Client sends requests through the pipes in Dir.
type Client struct {
	Dir string
	// AckTimeout bounds the wait for a start acknowledgement; 0 waits until
	// the context ends.
	AckTimeout time.Duration
}

// NewClient returns a client for the daemons directory dir.
func NewClient(dir string) *Client { return &Client{Dir: dir, AckTimeout: DefaultAckTimeout} }

// Start asks the master to supervise service. The start options must already
// be in the attribute store. Start returns once the master has handled the
// request and acknowledged it on a reply pipe private to this call.
func (c *Client) Start(ctx context.Context, service string) error {
	a, err := c.openAck(service)
	if err != nil {
		return err
	}
	defer a.close()
	b, err := Request{Kind: KindStart, Service: service, Reply: a.name}.Encode()
	if err != nil {
		return err
	}
	fd, err := c.send(RegistrationName, b)
	if err != nil {
		return err
	}
	_ = unix.Close(fd)
	if c.AckTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.AckTimeout)
		defer cancel()
	}
	return a.wait(ctx)
}

// Stop asks the supervisor of service to stop it.
func (c *Client) Stop(ctx context.Context, service string) error {
	return c.request(ctx, Request{Kind: KindStop, Service: service})
}

// Signal asks the supervisor of service to forward sig to the child.
func (c *Client) Signal(ctx context.Context, service, sig string) error {
	return c.request(ctx, Request{Kind: KindSignal, Service: service, Signal: sig})
}

func (c *Client) request(ctx context.Context, r Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := r.Encode()
	if err != nil {
		return err
	}
	fd, err := c.send(r.Service, b)
	if err != nil {
		return err
	}
	return unix.Close(fd)
}

// send opens the pipe without blocking and writes b in one call. Opening a
// pipe nobody reads fails with ENXIO, which callers see as ErrChannel.
func (c *Client) send(name string, b []byte) (int, error) {
	path := filepath.Join(c.Dir, name)
	fd, err := unix.Open(path, unix.O_WRONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("%w: %s: %v", ErrChannel, path, err)
	}
	if _, err := unix.Write(fd, b); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("%w: write %s: %v", ErrChannel, path, err)
	}
	return fd, nil
}

// ackPipe is the read side of a start client's reply pipe.
type ackPipe struct {
	name string
	path string
	fd   int
}

func (c *Client) openAck(service string) (*ackPipe, error) {
	dir := filepath.Join(c.Dir, AckDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChannel, err)
	}
	name := fmt.Sprintf("%s.%d.%d", service, os.Getpid(), time.Now().UnixNano())
	path := filepath.Join(dir, name)
	if err := unix.Mkfifo(path, 0o600); err != nil {
		return nil, fmt.Errorf("%w: mkfifo %s: %v", ErrChannel, path, err)
	}
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("%w: open %s: %v", ErrChannel, path, err)
	}
	return &ackPipe{name: name, path: path, fd: fd}, nil
}

func (a *ackPipe) close() {
	_ = unix.Close(a.fd)
	_ = os.Remove(a.path)
}

// wait blocks until the master writes its acknowledgement. The master
// closing the pipe without one means the request was not handled.
func (a *ackPipe) wait(ctx context.Context) error {
	fds := []unix.PollFd{{Fd: int32(a.fd), Events: unix.POLLIN}}
	buf := make([]byte, 64)
	var got []byte
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: no acknowledgement: %v", ErrChannel, err)
		}
		n, err := unix.Poll(fds, 50)
		if err == unix.EINTR || n == 0 {
			continue
		}
		if err != nil {
			return fmt.Errorf("%w: poll: %v", ErrChannel, err)
		}
		r, err := unix.Read(a.fd, buf)
		if err == unix.EAGAIN || err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("%w: read %s: %v", ErrChannel, a.path, err)
		}
		if r == 0 {
			return fmt.Errorf("%w: request not acknowledged", ErrChannel)
		}
		got = append(got, buf[:r]...)
		if strings.Contains(string(got), ackOK) {
			return nil
		}
	}
}
