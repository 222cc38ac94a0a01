package supervisor

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"vawter.tech/stopper"

	"github.com/loykin/rcvisor/internal/logger"
	"github.com/loykin/rcvisor/internal/options"
	"github.com/loykin/rcvisor/internal/privileges"
)

// ExecChildCommand is the hidden subcommand that applies a privileges plan
// and execs the target.
const ExecChildCommand = "exec-child"

// Spawner builds child commands. Children without adjustments are started
// directly; all others go through the exec helper of Self.
type Spawner struct {
	// Self is the executable providing the exec helper; empty means os.Executable.
	Self string
	// Rotation configures lumberjack for stdout/stderr files.
	Rotation logger.Config
}

// Command returns the command starting cfg.Argv with env.
func (sp *Spawner) Command(cfg options.Config, cr *privileges.Credentials, env []string) (*exec.Cmd, error) {
	plan := cfg.Plan(cr)
	if plan.Empty() {
		// #nosec G204
		cmd := exec.Command(cfg.Argv[0], cfg.Argv[1:]...)
		cmd.Env = env
		return cmd, nil
	}
	self := sp.Self
	if self == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate exec helper: %w", err)
		}
		self = exe
	}
	kv, err := plan.Encode()
	if err != nil {
		return nil, err
	}
	// #nosec G204
	cmd := exec.Command(self, ExecChildCommand)
	cmd.Env = append(append([]string(nil), env...), kv)
	return cmd, nil
}

// exitInfo describes how a child ended.
type exitInfo struct {
	code   int
	signal syscall.Signal
	err    error
}

func (e exitInfo) String() string {
	switch {
	case e.signal != 0:
		return "killed by " + e.signal.String()
	case e.err != nil:
		return e.err.Error()
	}
	return fmt.Sprintf("exit status %d", e.code)
}

func exitOf(ps *os.ProcessState, err error) exitInfo {
	if ps == nil {
		return exitInfo{code: -1, err: err}
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return exitInfo{code: -1, signal: ws.Signal()}
	}
	return exitInfo{code: ps.ExitCode()}
}

// child is one running instance of the service command.
type child struct {
	cmd     *exec.Cmd
	pid     int
	started time.Time
	exited  chan exitInfo
	ready   chan struct{}

	// closed in the parent once the child has started
	parentFiles []io.Closer
	// closed after the child exits
	afterExit []func()
}

func (c *child) closeParentFiles() {
	for _, f := range c.parentFiles {
		_ = f.Close()
	}
	c.parentFiles = nil
}

func (c *child) cleanup() {
	for _, f := range c.afterExit {
		f()
	}
	c.afterExit = nil
}

// start wires stdio and readiness for cfg and starts the child. Feeder
// goroutines run on sctx.
func (s *Supervisor) start(sctx *stopper.Context, cfg options.Config, cr *privileges.Credentials, envv []string) (*child, error) {
	c := &child{exited: make(chan exitInfo, 1), ready: make(chan struct{})}
	fail := func(err error) (*child, error) {
		c.closeParentFiles()
		c.cleanup()
		return nil, err
	}

	if cfg.Notify.Kind == options.NotifySocket {
		path, err := s.notifySocket(sctx, c)
		if err != nil {
			return fail(fmt.Errorf("notify socket: %w", err))
		}
		envv = append(envv, "NOTIFY_SOCKET="+path)
	}

	cmd, err := s.opts.Spawner.Command(cfg, cr, envv)
	if err != nil {
		return fail(err)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.WaitDelay = time.Second
	c.cmd = cmd

	if err := s.wireStdio(sctx, cfg, c); err != nil {
		return fail(err)
	}

	if cfg.Notify.Kind == options.NotifyFD {
		r, w, err := os.Pipe()
		if err != nil {
			return fail(err)
		}
		cmd.ExtraFiles = make([]*os.File, cfg.Notify.FD-2)
		cmd.ExtraFiles[cfg.Notify.FD-3] = w
		c.parentFiles = append(c.parentFiles, w)
		c.afterExit = append(c.afterExit, func() { _ = r.Close() })
		sctx.Go(func(*stopper.Context) error {
			waitReadyFD(r, c.ready)
			return nil
		})
	}
	if cfg.Notify.Kind == options.NotifyNone {
		close(c.ready)
	}

	if err := cmd.Start(); err != nil {
		return fail(fmt.Errorf("start %s: %w", cfg.Argv[0], err))
	}
	c.pid = cmd.Process.Pid
	c.started = time.Now()
	c.closeParentFiles()

	// The reaper must run even while sctx is stopping.
	go func() {
		err := cmd.Wait()
		c.exited <- exitOf(cmd.ProcessState, err)
	}()
	return c, nil
}

// wireStdio connects the child's standard streams to files, rotating log
// files or logger commands.
func (s *Supervisor) wireStdio(sctx *stopper.Context, cfg options.Config, c *child) error {
	if cfg.Stdin != "" {
		f, err := os.Open(cfg.Stdin)
		if err != nil {
			return fmt.Errorf("stdin: %w", err)
		}
		c.cmd.Stdin = f
		c.parentFiles = append(c.parentFiles, f)
	}

	rot := s.opts.Spawner.Rotation
	rot.StdoutPath, rot.StderrPath = cfg.Stdout, cfg.Stderr
	outW, errW, err := rot.Writers()
	if err != nil {
		return fmt.Errorf("log files: %w", err)
	}
	if outW != nil {
		c.cmd.Stdout = outW
		c.afterExit = append(c.afterExit, func() { _ = outW.Close() })
	}
	if errW != nil {
		c.cmd.Stderr = errW
		c.afterExit = append(c.afterExit, func() { _ = errW.Close() })
	}

	attach := func(command string, set func(*os.File)) error {
		if command == "" {
			return nil
		}
		r, w, err := os.Pipe()
		if err != nil {
			return err
		}
		// #nosec G204
		lg := exec.Command("/bin/sh", "-c", command)
		lg.Stdin = r
		lg.Env = c.cmd.Env
		if err := lg.Start(); err != nil {
			_ = r.Close()
			_ = w.Close()
			return fmt.Errorf("logger %q: %w", command, err)
		}
		_ = r.Close()
		set(w)
		c.parentFiles = append(c.parentFiles, w)
		sctx.Go(func(*stopper.Context) error {
			if err := lg.Wait(); err != nil {
				s.log.Debug("logger exited", "command", command, "error", err)
			}
			return nil
		})
		return nil
	}
	if err := attach(cfg.StdoutLogger, func(w *os.File) { c.cmd.Stdout = w }); err != nil {
		return err
	}
	return attach(cfg.StderrLogger, func(w *os.File) { c.cmd.Stderr = w })
}

// waitReadyFD closes ready when a newline arrives on r.
func waitReadyFD(r *os.File, ready chan struct{}) {
	br := bufio.NewReader(r)
	if _, err := br.ReadString('\n'); err == nil {
		close(ready)
	}
}

// notifySocket binds a datagram socket for sd_notify style readiness and
// closes c.ready on the first "READY=1" message.
func (s *Supervisor) notifySocket(sctx *stopper.Context, c *child) (string, error) {
	dir := filepath.Join(s.opts.DaemonsDir, ".notify")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, s.opts.Service)
	_ = os.Remove(path)
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: path, Net: "unixgram"})
	if err != nil {
		return "", err
	}
	c.afterExit = append(c.afterExit, func() {
		_ = conn.Close()
		_ = os.Remove(path)
	})
	sctx.Go(func(*stopper.Context) error {
		buf := make([]byte, 4096)
		for {
			n, _, err := conn.ReadFromUnix(buf)
			if err != nil {
				if !errors.Is(err, net.ErrClosed) {
					s.log.Debug("notify socket", "error", err)
				}
				return nil
			}
			for _, line := range bytes.Split(buf[:n], []byte("\n")) {
				if strings.TrimSpace(string(line)) == "READY=1" {
					close(c.ready)
					return nil
				}
			}
		}
	})
	return path, nil
}

// logAttrs describes c for log records.
func (c *child) logAttrs() []any {
	return []any{slog.Int("pid", c.pid)}
}
