package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"vawter.tech/stopper"

	"github.com/loykin/rcvisor/internal/attr"
	"github.com/loykin/rcvisor/internal/attr/file"
	"github.com/loykin/rcvisor/internal/control"
	"github.com/loykin/rcvisor/internal/detector"
	"github.com/loykin/rcvisor/internal/env"
	"github.com/loykin/rcvisor/internal/options"
	"github.com/loykin/rcvisor/internal/privileges"
)

// TestMain doubles as the exec helper when the plan variable is present.
func TestMain(m *testing.M) {
	if v, ok := os.LookupEnv(privileges.PlanEnv); ok {
		p, err := privileges.DecodePlan(v)
		if err == nil {
			err = privileges.Exec(p, os.Environ())
		}
		_, _ = os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(127)
	}
	os.Exit(m.Run())
}

type harness struct {
	t       *testing.T
	dir     string
	daemons string
	store   *file.Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	st, err := file.New(filepath.Join(dir, "options"))
	require.NoError(t, err)
	return &harness{t: t, dir: dir, daemons: filepath.Join(dir, "daemons"), store: st}
}

// write records start options for svc; opts alternates name and value.
func (h *harness) write(svc string, argv []string, opts ...string) {
	h.t.Helper()
	var o options.StartOptions
	for i := 0; i+1 < len(opts); i += 2 {
		require.NoError(h.t, o.Set(opts[i], opts[i+1]))
	}
	require.NoError(h.t, o.Write(context.Background(), h.store, svc, argv))
}

func (h *harness) options(svc string) Options {
	return Options{
		Service:    svc,
		Store:      h.store,
		DaemonsDir: h.daemons,
		Env:        env.FromList([]string{"PATH=" + os.Getenv("PATH")}),
		Log:        slog.New(slog.DiscardHandler),
		Spawner:    &Spawner{Self: os.Args[0]},
	}
}

// run starts sup and returns a channel receiving Run's result.
func run(t *testing.T, sup *Supervisor) <-chan error {
	t.Helper()
	res := make(chan error, 1)
	sctx := stopper.WithContext(context.Background())
	sctx.Go(func(c *stopper.Context) error {
		res <- sup.Run(c)
		return nil
	})
	t.Cleanup(func() {
		sctx.Stop(5 * time.Second)
		_ = sctx.Wait()
	})
	return res
}

func waitResult(t *testing.T, res <-chan error) error {
	t.Helper()
	select {
	case err := <-res:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("supervisor did not finish")
		return nil
	}
}

func waitRunning(t *testing.T, sup *Supervisor) Status {
	t.Helper()
	require.Eventually(t, func() bool {
		st := sup.Status()
		return st.State == StateRunning && st.PID > 0
	}, 5*time.Second, 10*time.Millisecond)
	return sup.Status()
}

func sh(script string) []string { return []string{"/bin/sh", "-c", script} }

func TestRespawnWindowExhausted(t *testing.T) {
	h := newHarness(t)
	h.write("flappy", sh("exit 3"), options.RespawnDelay, "10ms", options.RespawnMax, "2")
	sup := New(h.options("flappy"))

	err := waitResult(t, run(t, sup))
	require.Error(t, err)
	st := sup.Status()
	assert.Equal(t, StateFailed, st.State)
	assert.Equal(t, 2, st.Respawns)
	assert.Equal(t, "exit status 3", st.LastExit)

	onDisk, err := ReadStatus(h.daemons, "flappy")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, onDisk.State)
}

func TestRespawnPeriodForgetsOldExits(t *testing.T) {
	h := newHarness(t)
	// every child lives longer than the window, so the limit is never reached
	h.write("slow", sh("sleep 0.15; exit 1"),
		options.RespawnMax, "1", options.RespawnPeriod, "100ms")
	sup := New(h.options("slow"))
	res := run(t, sup)

	require.Eventually(t, func() bool { return sup.Status().Respawns >= 3 }, 5*time.Second, 20*time.Millisecond)
	require.NoError(t, sup.Handle(control.Request{Kind: control.KindStop}))
	require.NoError(t, waitResult(t, res))
	assert.Equal(t, StateStopped, sup.Status().State)
}

func TestStopSuppressesRespawn(t *testing.T) {
	h := newHarness(t)
	pidfile := filepath.Join(h.dir, "web.pid")
	h.write("web", sh("sleep 30"), options.Pidfile, pidfile, options.Retry, "SIGTERM/2")
	sup := New(h.options("web"))
	res := run(t, sup)
	st := waitRunning(t, sup)

	pf, err := detector.ReadPIDFile(pidfile)
	require.NoError(t, err)
	assert.Equal(t, st.PID, pf.PID)
	assert.Equal(t, "web", pf.Meta.Service)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, control.NewClient(h.daemons).Stop(ctx, "web"))
	require.NoError(t, waitResult(t, res))

	final := sup.Status()
	assert.Equal(t, StateStopped, final.State)
	assert.Zero(t, final.Respawns)
	assert.Zero(t, final.PID)
	assert.Error(t, syscall.Kill(st.PID, 0), "child must be gone")
	assert.NoFileExists(t, pidfile)
	assert.NoFileExists(t, filepath.Join(h.daemons, "web"))
	assert.ErrorIs(t, sup.Handle(control.Request{Kind: control.KindStop}), ErrStopped)
}

func TestRetryScheduleEscalates(t *testing.T) {
	h := newHarness(t)
	h.write("stubborn", sh("trap '' TERM; while :; do sleep 0.05; done"), options.Retry, "TERM/200ms/KILL/2")
	sup := New(h.options("stubborn"))
	res := run(t, sup)
	waitRunning(t, sup)
	// let the shell install its trap
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	require.NoError(t, sup.Handle(control.Request{Kind: control.KindStop}))
	require.NoError(t, waitResult(t, res))
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	assert.Equal(t, "killed by killed", sup.Status().LastExit)
}

func TestSignalForwarding(t *testing.T) {
	h := newHarness(t)
	out := filepath.Join(h.dir, "signals")
	h.write("hup", sh("trap 'echo got >> "+out+"' HUP; while :; do sleep 0.05; done"))
	sup := New(h.options("hup"))
	res := run(t, sup)
	st := waitRunning(t, sup)
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, sup.Handle(control.Request{Kind: control.KindSignal, Signal: "HUP"}))
	require.Eventually(t, func() bool {
		b, err := os.ReadFile(out)
		return err == nil && strings.Contains(string(b), "got")
	}, 5*time.Second, 20*time.Millisecond)

	// forwarding is not a transition
	assert.Equal(t, StateRunning, sup.Status().State)
	assert.Equal(t, st.PID, sup.Status().PID)

	require.NoError(t, sup.Handle(control.Request{Kind: control.KindStop}))
	require.NoError(t, waitResult(t, res))
}

func TestReadinessFD(t *testing.T) {
	h := newHarness(t)
	h.write("notify", sh("sleep 0.1; echo READY >&4; sleep 30"), options.Notify, "fd:4")
	sup := New(h.options("notify"))
	res := run(t, sup)
	waitRunning(t, sup)

	require.Eventually(t, func() bool { return sup.Status().Ready }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, sup.Handle(control.Request{Kind: control.KindStop}))
	require.NoError(t, waitResult(t, res))
}

type probe struct {
	calls atomic.Int32
	alive bool
}

func (p *probe) Alive(context.Context) (bool, error) {
	p.calls.Add(1)
	if p.alive {
		return true, nil
	}
	return false, errors.New("no answer")
}

func (p *probe) Describe() string { return "probe" }

func TestHealthFailureCountsAsExit(t *testing.T) {
	h := newHarness(t)
	h.write("sick", sh("sleep 30"),
		options.HealthcheckTimer, "50ms", options.RespawnMax, "1", options.Retry, "1")
	p := &probe{}
	o := h.options("sick")
	o.HealthCheck = p
	sup := New(o)

	err := waitResult(t, run(t, sup))
	require.Error(t, err)
	assert.Equal(t, StateFailed, sup.Status().State)
	assert.Equal(t, 1, sup.Status().Respawns)
	assert.EqualValues(t, 2, p.calls.Load())
}

func TestHealthyChildKeepsRunning(t *testing.T) {
	h := newHarness(t)
	h.write("fine", sh("sleep 30"),
		options.HealthcheckDelay, "10ms", options.HealthcheckTimer, "20ms")
	p := &probe{alive: true}
	o := h.options("fine")
	o.HealthCheck = p
	sup := New(o)
	res := run(t, sup)
	st := waitRunning(t, sup)

	require.Eventually(t, func() bool { return p.calls.Load() >= 3 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, st.PID, sup.Status().PID)

	require.NoError(t, sup.Handle(control.Request{Kind: control.KindStop}))
	require.NoError(t, waitResult(t, res))
}

func TestStdoutToFile(t *testing.T) {
	h := newHarness(t)
	logf := filepath.Join(h.dir, "log", "out.log")
	h.write("talk", sh("echo hello $RC_SVCNAME; sleep 30"), options.Stdout, logf)
	sup := New(h.options("talk"))
	res := run(t, sup)
	waitRunning(t, sup)

	require.Eventually(t, func() bool {
		b, err := os.ReadFile(logf)
		return err == nil && string(b) == "hello talk\n"
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, sup.Handle(control.Request{Kind: control.KindStop}))
	require.NoError(t, waitResult(t, res))
}

func TestStdoutLogger(t *testing.T) {
	h := newHarness(t)
	logf := filepath.Join(h.dir, "logger.out")
	h.write("piped", sh("echo via-logger; sleep 30"), options.StdoutLogger, "cat > "+logf)
	sup := New(h.options("piped"))
	res := run(t, sup)
	waitRunning(t, sup)

	require.Eventually(t, func() bool {
		b, err := os.ReadFile(logf)
		return err == nil && string(b) == "via-logger\n"
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, sup.Handle(control.Request{Kind: control.KindStop}))
	require.NoError(t, waitResult(t, res))
}

func TestEnvironmentRecords(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	greeting := "hi"
	_, err := attr.Export(ctx, h.store, "", "GREETING", &greeting, nil)
	require.NoError(t, err)
	who := "${GREETING} there"
	_, err = attr.Export(ctx, h.store, "envy", "WHO", &who, nil)
	require.NoError(t, err)

	out := filepath.Join(h.dir, "env")
	h.write("envy", sh("echo \"$WHO\" > "+out+"; sleep 30"))
	sup := New(h.options("envy"))
	res := run(t, sup)
	waitRunning(t, sup)

	require.Eventually(t, func() bool {
		b, err := os.ReadFile(out)
		return err == nil && string(b) == "hi there\n"
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, sup.Handle(control.Request{Kind: control.KindStop}))
	require.NoError(t, waitResult(t, res))
}

func TestExecHelperAppliesUmask(t *testing.T) {
	h := newHarness(t)
	out := filepath.Join(h.dir, "umask")
	h.write("masked", sh("umask > "+out+"; sleep 30"), options.Umask, "027", options.Chdir, h.dir)
	sup := New(h.options("masked"))
	res := run(t, sup)
	waitRunning(t, sup)

	require.Eventually(t, func() bool {
		b, err := os.ReadFile(out)
		return err == nil && strings.TrimSpace(string(b)) == "0027"
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, sup.Handle(control.Request{Kind: control.KindStop}))
	require.NoError(t, waitResult(t, res))
}

func TestMissingOptionsFails(t *testing.T) {
	h := newHarness(t)
	sup := New(h.options("ghost"))
	err := waitResult(t, run(t, sup))
	require.Error(t, err)
	assert.Equal(t, StateFailed, sup.Status().State)
}

func TestContextStopTerminatesChild(t *testing.T) {
	h := newHarness(t)
	h.write("bg", sh("sleep 30"))
	sup := New(h.options("bg"))

	res := make(chan error, 1)
	sctx := stopper.WithContext(context.Background())
	sctx.Go(func(c *stopper.Context) error {
		res <- sup.Run(c)
		return nil
	})
	st := waitRunning(t, sup)

	sctx.Stop(10 * time.Second)
	require.NoError(t, sctx.Wait())
	require.NoError(t, <-res)
	assert.Equal(t, StateStopped, sup.Status().State)
	assert.Error(t, syscall.Kill(st.PID, 0))
}
