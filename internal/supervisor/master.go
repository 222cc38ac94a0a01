package supervisor

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"vawter.tech/stopper"

	"github.com/loykin/rcvisor/internal/control"
	"github.com/loykin/rcvisor/internal/metrics"
)

// Master accepts registrations on the supervise-daemon channel and runs one
// Supervisor per registered service.
type Master struct {
	DaemonsDir string
	Log        *slog.Logger
	// Options returns the supervisor options for a newly registered service.
	Options func(service string) Options

	mu   sync.Mutex
	sups map[string]*Supervisor
}

// NewMaster returns a master serving dir.
func NewMaster(dir string, log *slog.Logger, opts func(service string) Options) *Master {
	if log == nil {
		log = slog.Default()
	}
	return &Master{DaemonsDir: dir, Log: log, Options: opts, sups: map[string]*Supervisor{}}
}

// Serve listens for registrations until ctx stops. Supervisors started by
// the master run on ctx and are stopped with it.
func (m *Master) Serve(ctx *stopper.Context) error {
	ln, err := control.Listen(m.DaemonsDir, control.RegistrationName, m.Log)
	if err != nil {
		return err
	}
	defer func() {
		if err := ln.Remove(); err != nil {
			m.Log.Debug("remove registration channel", "error", err)
		}
	}()
	m.Log.Info("accepting registrations", "path", ln.Path)
	return ln.Run(ctx, func(r control.Request) {
		if r.Kind != control.KindStart {
			m.Log.Warn("unexpected registration", "request", r.Kind)
			return
		}
		m.register(ctx, r.Service)
	})
}

// finishWait bounds how long a registration waits for a supervisor that has
// already reached a terminal state to return.
const finishWait = 5 * time.Second

func (m *Master) register(ctx *stopper.Context, service string) {
	if ctx.IsStopping() {
		return
	}
	m.mu.Lock()
	if cur, ok := m.sups[service]; ok {
		select {
		case <-cur.Done():
		default:
			st := cur.Status()
			if !st.State.Terminal() {
				m.mu.Unlock()
				m.Log.Warn("already supervised", "service", service, "pid", st.PID)
				return
			}
			// stopped or failed but still tearing down its channel
			m.mu.Unlock()
			select {
			case <-cur.Done():
			case <-time.After(finishWait):
				m.Log.Warn("previous supervisor did not finish", "service", service)
				return
			case <-ctx.Stopping():
				return
			}
			// registrations are handled one at a time, so nothing else
			// replaced cur meanwhile
			m.mu.Lock()
		}
	}
	o := m.Options(service)
	o.Service = service
	if o.DaemonsDir == "" {
		o.DaemonsDir = m.DaemonsDir
	}
	if o.Log == nil {
		o.Log = m.Log
	}
	sup := New(o)
	m.sups[service] = sup
	n := len(m.sups)
	m.mu.Unlock()
	metrics.SetSupervised(n)

	m.Log.Info("supervising", "service", service)
	ctx.Go(func(c *stopper.Context) error {
		if err := sup.Run(c); err != nil {
			m.Log.Error("supervisor ended", "service", service, "error", err)
		}
		m.mu.Lock()
		if m.sups[service] == sup {
			delete(m.sups, service)
		}
		n := len(m.sups)
		m.mu.Unlock()
		metrics.SetSupervised(n)
		return nil
	})
}

// Supervisors returns the running supervisors sorted by service.
func (m *Master) Supervisors() []*Supervisor {
	m.mu.Lock()
	out := make([]*Supervisor, 0, len(m.sups))
	for _, s := range m.sups {
		out = append(out, s)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].opts.Service < out[j].opts.Service })
	return out
}

// PIDs maps each service with a live child to its pid.
func (m *Master) PIDs() map[string]int32 {
	out := map[string]int32{}
	for _, s := range m.Supervisors() {
		if st := s.Status(); st.State == StateRunning && st.PID > 0 {
			out[st.Service] = int32(st.PID)
		}
	}
	return out
}
