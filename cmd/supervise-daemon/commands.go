package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/loykin/rcvisor/internal/attr/factory"
	"github.com/loykin/rcvisor/internal/config"
	"github.com/loykin/rcvisor/internal/control"
	"github.com/loykin/rcvisor/internal/detector"
	"github.com/loykin/rcvisor/internal/options"
	"github.com/loykin/rcvisor/internal/privileges"
	"github.com/loykin/rcvisor/internal/supervisor"
)

// errNoService is returned when neither RC_SVCNAME nor --svcname is set.
var errNoService = errors.New("no service specified (set RC_SVCNAME or --svcname)")

// command carries one supervise-daemon invocation through its subcommands.
type command struct {
	inv    config.Invocation
	flags  *GlobalFlags
	out    io.Writer
	errOut io.Writer

	log      *slog.Logger
	settings config.Settings
}

func (sd *command) setup() error {
	s, err := config.Load(sd.flags.ConfigPath, sd.inv.UserMode)
	if err != nil {
		return err
	}
	sd.settings = s
	return nil
}

func (sd *command) service() (string, error) {
	if sd.flags.Service == "" {
		return "", errNoService
	}
	return sd.flags.Service, nil
}

func (sd *command) client() *control.Client {
	return control.NewClient(sd.settings.DaemonsDir)
}

// Start validates o and argv, records them for the service and hands the
// service to the master. Nothing is recorded when the master is not
// accepting registrations.
func (sd *command) Start(ctx context.Context, o options.StartOptions, argv []string) error {
	svc, err := sd.service()
	if err != nil {
		return err
	}
	if len(argv) == 0 {
		return fmt.Errorf("%w: no command given", options.ErrInvalid)
	}
	o.ApplyOverrides(sd.inv.NiceLevel, sd.inv.IONiceLevel, sd.inv.OOMScoreAdj)
	if _, err := options.Decode(svc, o, argv); err != nil {
		return err
	}
	reg := filepath.Join(sd.settings.DaemonsDir, control.RegistrationName)
	if fi, err := os.Stat(reg); err != nil || fi.Mode()&fs.ModeNamedPipe == 0 {
		return fmt.Errorf("%w: %s: master is not running", control.ErrChannel, reg)
	}

	st, err := factory.Open(sd.settings.AttrDSN)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()
	if err := o.Write(ctx, st, svc, argv); err != nil {
		return err
	}
	if err := sd.client().Start(ctx, svc); err != nil {
		return err
	}
	sd.logger().Debug("registered", "service", svc, "command", argv[0])
	return nil
}

// Stop asks the supervisor of the service to stop it.
func (sd *command) Stop(ctx context.Context) error {
	svc, err := sd.service()
	if err != nil {
		return err
	}
	return sd.client().Stop(ctx, svc)
}

// Signal asks the supervisor of the service to forward sig.
func (sd *command) Signal(ctx context.Context, sig string) error {
	svc, err := sd.service()
	if err != nil {
		return err
	}
	if sig == "" {
		return control.ErrNoSignal
	}
	return sd.client().Signal(ctx, svc, sig)
}

// Status prints the last recorded status of the service. It fails unless a
// supervisor is running the service with a live child.
func (sd *command) Status() error {
	svc, err := sd.service()
	if err != nil {
		return err
	}
	st, err := supervisor.ReadStatus(sd.settings.DaemonsDir, svc)
	if errors.Is(err, fs.ErrNotExist) {
		_, _ = fmt.Fprintf(sd.out, "%s: not supervised\n", svc)
		return errSilent
	}
	if err != nil {
		return err
	}

	state := st.State.String()
	alive := false
	if st.PID > 0 && !st.State.Terminal() {
		alive, _ = detector.PIDDetector{PID: st.PID}.Alive(context.Background())
		if !alive {
			state = "crashed"
		}
	}
	_, _ = fmt.Fprintf(sd.out, "%s: %s", svc, state)
	if alive {
		_, _ = fmt.Fprintf(sd.out, " pid=%d", st.PID)
		if !st.Started.IsZero() {
			_, _ = fmt.Fprintf(sd.out, " uptime=%s", time.Since(st.Started).Truncate(time.Second))
		}
		_, _ = fmt.Fprintf(sd.out, " ready=%t", st.Ready)
	}
	_, _ = fmt.Fprintf(sd.out, " respawns=%d", st.Respawns)
	if st.LastExit != "" {
		_, _ = fmt.Fprintf(sd.out, " last_exit=%q", st.LastExit)
	}
	_, _ = fmt.Fprintln(sd.out)

	if !alive {
		return errSilent
	}
	return nil
}

// Wait blocks until the service's control channel exists, which happens once
// its supervisor is accepting requests.
func (sd *command) Wait(ctx context.Context, timeout time.Duration) error {
	svc, err := sd.service()
	if err != nil {
		return err
	}
	dir := sd.settings.DaemonsDir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = w.Close() }()
	if err := w.Add(dir); err != nil {
		return err
	}

	path := filepath.Join(dir, svc)
	// the channel may have been created before the watch was added
	if channelExists(path) {
		return nil
	}
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("watcher closed")
			}
			if filepath.Clean(ev.Name) == path && ev.Has(fsnotify.Create) && channelExists(path) {
				return nil
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("watcher closed")
			}
			sd.logger().Debug("watch error", "error", err)
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("timed out waiting for %s", svc)
			}
			return ctx.Err()
		}
	}
}

func channelExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode()&fs.ModeNamedPipe != 0
}

// execChild applies the plan the supervisor left in the environment and
// executes the service command in place of this process.
func execChild() error {
	p, err := privileges.DecodePlan(os.Getenv(privileges.PlanEnv))
	if err != nil {
		return err
	}
	return privileges.Exec(p, os.Environ())
}
