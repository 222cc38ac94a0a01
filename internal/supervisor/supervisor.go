// Package supervisor runs and monitors one service command per supervisor:
// it spawns the child from the options recorded in the attribute store,
// respawns it within a bounded window, runs health checks and serves stop and
// signal requests from the service's control channel.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"

	"vawter.tech/stopper"

	"github.com/loykin/rcvisor/internal/attr"
	"github.com/loykin/rcvisor/internal/control"
	"github.com/loykin/rcvisor/internal/detector"
	"github.com/loykin/rcvisor/internal/env"
	"github.com/loykin/rcvisor/internal/history"
	"github.com/loykin/rcvisor/internal/metrics"
	"github.com/loykin/rcvisor/internal/options"
	"github.com/loykin/rcvisor/internal/privileges"
)

// ErrStopped is returned by Handle once the supervisor has finished.
var ErrStopped = errors.New("supervisor stopped")

// Options configures a Supervisor.
type Options struct {
	Service    string
	Store      attr.Store
	DaemonsDir string

	// Env is the base environment of every child; nil means empty.
	Env *env.Env
	// HealthCheck is probed when the service configures a health check timer.
	HealthCheck detector.Detector
	History     history.Sink
	Log         *slog.Logger
	Spawner     *Spawner
}

// Supervisor owns one service. Its state changes only on the goroutine
// running Run.
type Supervisor struct {
	opts     Options
	log      *slog.Logger
	requests chan control.Request
	done     chan struct{}

	mu     sync.Mutex
	status Status
}

// New returns a supervisor for opts.Service.
func New(opts Options) *Supervisor {
	if opts.Log == nil {
		opts.Log = slog.New(slog.DiscardHandler)
	}
	if opts.Env == nil {
		opts.Env = env.New()
	}
	if opts.Spawner == nil {
		opts.Spawner = &Spawner{}
	}
	return &Supervisor{
		opts:     opts,
		log:      opts.Log.With("service", opts.Service),
		requests: make(chan control.Request, 8),
		done:     make(chan struct{}),
		status:   Status{Service: opts.Service, State: StateInit},
	}
}

// Status returns the latest snapshot.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Done is closed when Run returns.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

// Handle queues a control request for the event loop.
func (s *Supervisor) Handle(req control.Request) error {
	select {
	case s.requests <- req:
		return nil
	case <-s.done:
		return ErrStopped
	}
}

func (s *Supervisor) update(fn func(*Status)) {
	s.mu.Lock()
	prev := s.status.State
	fn(&s.status)
	s.status.Updated = time.Now().UTC()
	st := s.status
	s.mu.Unlock()

	if prev != st.State {
		metrics.RecordStateTransition(st.Service, prev.String(), st.State.String())
		s.log.Debug("state", "from", prev, "to", st.State)
	}
	if err := WriteStatus(s.opts.DaemonsDir, st); err != nil {
		s.log.Warn("write status", "error", err)
	}
}

func (s *Supervisor) setState(state State) {
	s.update(func(st *Status) { st.State = state })
}

func (s *Supervisor) record(ctx context.Context, typ history.EventType, pid, code int, detail string) {
	if s.opts.History == nil {
		return
	}
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	e := history.Event{
		Type:       typ,
		OccurredAt: time.Now().UTC(),
		Service:    s.opts.Service,
		PID:        pid,
		State:      s.Status().State.String(),
		ExitCode:   code,
		Detail:     detail,
	}
	if err := s.opts.History.Send(hctx, e); err != nil {
		s.log.Debug("history", "event", typ, "error", err)
	}
}

// healthResult is the outcome of one probe of the child with pid.
type healthResult struct {
	pid   int
	alive bool
	err   error
}

// loop holds the event loop's private state.
type loop struct {
	cfg     options.Config
	child   *child
	window  []time.Time
	readyC  <-chan struct{}
	exitC   <-chan exitInfo
	respawn *time.Timer
	health  *time.Timer
	probing bool
	results chan healthResult
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

// Run supervises the service until a stop request arrives, the respawn
// limit is exceeded or ctx begins stopping. The child is terminated on
// return.
func (s *Supervisor) Run(ctx *stopper.Context) error {
	defer close(s.done)

	ln, err := control.Listen(s.opts.DaemonsDir, s.opts.Service, s.log)
	if err != nil {
		s.setState(StateFailed)
		return fmt.Errorf("control channel: %w", err)
	}
	sctx := stopper.WithContext(ctx)
	sctx.Go(func(c *stopper.Context) error {
		return ln.Run(c, func(r control.Request) {
			if err := s.Handle(r); err != nil {
				s.log.Debug("request dropped", "request", r.Kind, "error", err)
			}
		})
	})
	defer func() {
		sctx.Stop(time.Second)
		_ = sctx.Wait()
		if err := ln.Remove(); err != nil {
			s.log.Debug("remove control channel", "error", err)
		}
	}()

	l := &loop{results: make(chan healthResult, 1)}
	defer func() {
		stopTimer(l.respawn)
		stopTimer(l.health)
	}()

	if err := s.spawn(sctx, l); err != nil {
		if terminal := s.onExit(sctx, l, exitInfo{code: -1, err: err}, "spawn"); terminal {
			return err
		}
	}

	for {
		select {
		case info := <-l.exitC:
			s.onExit(sctx, l, info, "exit")

		case <-l.readyC:
			l.readyC = nil
			if l.child != nil {
				d := time.Since(l.child.started)
				metrics.ObserveReady(s.opts.Service, d.Seconds())
				s.update(func(st *Status) { st.Ready = true })
				s.record(sctx, history.EventReady, l.child.pid, -1, d.String())
				s.log.Info("ready", l.child.logAttrs()...)
			}

		case <-timerC(l.health):
			l.health = nil
			s.probe(sctx, l)

		case res := <-l.results:
			l.probing = false
			if l.child == nil || res.pid != l.child.pid {
				continue
			}
			if res.alive {
				if l.cfg.HealthcheckTimer > 0 {
					l.health = time.NewTimer(l.cfg.HealthcheckTimer)
				}
				continue
			}
			metrics.IncHealthFailure(s.opts.Service)
			detail := "unhealthy"
			if res.err != nil {
				detail = res.err.Error()
			}
			s.record(sctx, history.EventHealthFailed, res.pid, -1, detail)
			s.log.Warn("health check failed, restarting", "pid", res.pid, "detail", detail)
			info := s.terminate(l.child, l.cfg.Retry)
			s.onExit(sctx, l, info, "healthcheck")

		case <-timerC(l.respawn):
			l.respawn = nil
			metrics.IncRespawn(s.opts.Service)
			s.record(sctx, history.EventRespawn, 0, -1, "")
			s.update(func(st *Status) { st.Respawns++ })
			if err := s.spawn(sctx, l); err != nil {
				s.onExit(sctx, l, exitInfo{code: -1, err: err}, "spawn")
			}

		case req := <-s.requests:
			switch req.Kind {
			case control.KindStop:
				s.shutdown(sctx, l, "stop requested")
				return nil
			case control.KindSignal:
				s.forward(sctx, l, req.Signal)
			default:
				s.log.Warn("unexpected request", "request", req.Kind)
			}

		case <-ctx.Stopping():
			s.shutdown(sctx, l, "supervisor shutting down")
			return nil
		}
		if s.Status().State == StateFailed {
			return fmt.Errorf("%s: respawned too many times", s.opts.Service)
		}
	}
}

// spawn decodes the current options and starts a new child.
func (s *Supervisor) spawn(sctx *stopper.Context, l *loop) error {
	s.update(func(st *Status) {
		st.State = StateSpawning
		st.PID, st.StartUnix, st.Ready = 0, 0, false
	})

	cfg, err := options.Load(sctx, s.opts.Store, s.opts.Service)
	if err != nil {
		return err
	}
	l.cfg = cfg

	var cr *privileges.Credentials
	if cfg.User != "" {
		c, err := privileges.LookupUser(cfg.User)
		if err != nil {
			return err
		}
		cr = &c
	}
	// global records form their own layer so service records can refer to them
	global, err := attr.Environ(sctx, s.opts.Store, attr.GlobalScope)
	if err != nil {
		return fmt.Errorf("environment records: %w", err)
	}
	recs, err := attr.Environ(sctx, s.opts.Store, s.opts.Service)
	if err != nil {
		return fmt.Errorf("environment records: %w", err)
	}
	own := []string{"RC_SVCNAME=" + s.opts.Service}
	if cr != nil {
		own = append(own, "USER="+cr.User, "LOGNAME="+cr.User, "HOME="+cr.Home)
	}
	envv := s.opts.Env.Merge(global, recs, own)

	c, err := s.start(sctx, cfg, cr, envv)
	if err != nil {
		return err
	}
	l.child, l.exitC, l.readyC = c, c.exited, c.ready

	startUnix := detector.ProcStartUnix(c.pid)
	if cfg.Pidfile != "" {
		if err := detector.WritePIDFile(cfg.Pidfile, c.pid, s.opts.Service); err != nil {
			s.log.Warn("write pidfile", "path", cfg.Pidfile, "error", err)
		}
	}
	metrics.IncSpawn(s.opts.Service)
	s.update(func(st *Status) {
		st.State = StateRunning
		st.PID, st.StartUnix, st.Started = c.pid, startUnix, c.started.UTC()
	})
	s.record(sctx, history.EventSpawn, c.pid, -1, cfg.Argv[0])
	s.log.Info("spawned", append(c.logAttrs(), "command", cfg.Argv[0])...)

	switch {
	case s.opts.HealthCheck == nil:
	case cfg.HealthcheckDelay > 0:
		l.health = time.NewTimer(cfg.HealthcheckDelay)
	case cfg.HealthcheckTimer > 0:
		l.health = time.NewTimer(cfg.HealthcheckTimer)
	}
	return nil
}

// probe runs the health check off the event loop.
func (s *Supervisor) probe(sctx *stopper.Context, l *loop) {
	if l.child == nil || l.probing {
		return
	}
	l.probing = true
	pid := l.child.pid
	timeout := l.cfg.HealthcheckTimer
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	sctx.Go(func(c *stopper.Context) error {
		pctx, cancel := context.WithTimeout(c, timeout)
		defer cancel()
		alive, err := s.opts.HealthCheck.Alive(pctx)
		l.results <- healthResult{pid: pid, alive: alive && err == nil, err: err}
		return nil
	})
}

// onExit accounts for the end of the current child and either schedules a
// respawn or fails the supervisor. It reports whether the supervisor failed.
func (s *Supervisor) onExit(ctx context.Context, l *loop, info exitInfo, reason string) bool {
	pid := 0
	if c := l.child; c != nil {
		pid = c.pid
		c.cleanup()
		l.child, l.exitC, l.readyC = nil, nil, nil
		s.removePidfile(l.cfg)
	}
	stopTimer(l.health)
	l.health = nil

	metrics.IncExit(s.opts.Service, reason)
	s.update(func(st *Status) {
		st.PID, st.StartUnix, st.Ready = 0, 0, false
		st.LastExit = info.String()
	})
	code := info.code
	s.record(ctx, history.EventExit, pid, code, info.String())
	s.log.Warn("child ended", "pid", pid, "reason", reason, "status", info.String())

	now := time.Now()
	if l.cfg.RespawnPeriod > 0 {
		cut := now.Add(-l.cfg.RespawnPeriod)
		kept := l.window[:0]
		for _, t := range l.window {
			if t.After(cut) {
				kept = append(kept, t)
			}
		}
		l.window = kept
	}
	if l.cfg.Argv == nil || (l.cfg.RespawnMax > 0 && len(l.window) >= l.cfg.RespawnMax) {
		s.setState(StateFailed)
		s.record(ctx, history.EventFailed, pid, code, fmt.Sprintf("%d respawns", len(l.window)))
		s.log.Error("giving up", "respawns", len(l.window), "period", l.cfg.RespawnPeriod)
		return true
	}
	l.window = append(l.window, now)
	s.setState(StateSpawning)
	l.respawn = time.NewTimer(l.cfg.RespawnDelay)
	return false
}

// terminate stops c following sched and returns how it ended. When the
// schedule runs out the child is killed.
func (s *Supervisor) terminate(c *child, sched options.Schedule) exitInfo {
	if len(sched) == 0 {
		sched = options.DefaultSchedule()
	}
	for _, step := range sched {
		if err := signalGroup(c.pid, step.Signal); err != nil {
			s.log.Debug("signal", "pid", c.pid, "signal", step.Signal, "error", err)
		}
		if step.Forever {
			return <-c.exited
		}
		t := time.NewTimer(step.Timeout)
		select {
		case info := <-c.exited:
			t.Stop()
			return info
		case <-t.C:
		}
	}
	s.log.Warn("retry schedule exhausted, killing", c.logAttrs()...)
	_ = signalGroup(c.pid, syscall.SIGKILL)
	return <-c.exited
}

// signalGroup signals the child's process group, falling back to the child
// alone when it has left its group.
func signalGroup(pid int, sig syscall.Signal) error {
	if err := syscall.Kill(-pid, sig); err == nil {
		return nil
	}
	return syscall.Kill(pid, sig)
}

func (s *Supervisor) forward(ctx context.Context, l *loop, sig string) {
	if l.child == nil {
		s.log.Warn("no child to signal", "signal", sig)
		return
	}
	n, err := options.ParseSignal(sig)
	if err != nil {
		s.log.Warn("bad signal", "signal", sig, "error", err)
		return
	}
	if err := syscall.Kill(l.child.pid, n); err != nil {
		s.log.Warn("signal", "pid", l.child.pid, "signal", n, "error", err)
		return
	}
	s.record(ctx, history.EventSignal, l.child.pid, -1, n.String())
	s.log.Info("forwarded signal", "pid", l.child.pid, "signal", n)
}

// shutdown terminates the child without respawning and marks the service
// stopped.
func (s *Supervisor) shutdown(ctx context.Context, l *loop, why string) {
	stopTimer(l.respawn)
	l.respawn = nil
	pid, code := 0, -1
	if c := l.child; c != nil {
		pid = c.pid
		info := s.terminate(c, l.cfg.Retry)
		code = info.code
		c.cleanup()
		l.child = nil
		s.update(func(st *Status) { st.LastExit = info.String() })
	}
	s.removePidfile(l.cfg)
	s.update(func(st *Status) {
		st.State = StateStopped
		st.PID, st.StartUnix, st.Ready = 0, 0, false
	})
	s.record(ctx, history.EventStop, pid, code, why)
	s.log.Info("stopped", "pid", pid, "reason", why)
}

func (s *Supervisor) removePidfile(cfg options.Config) {
	if cfg.Pidfile == "" {
		return
	}
	if err := os.Remove(cfg.Pidfile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.log.Debug("remove pidfile", "path", cfg.Pidfile, "error", err)
	}
}
