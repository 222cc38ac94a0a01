package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/loykin/rcvisor/internal/attr"
	"github.com/loykin/rcvisor/internal/attr/factory"
	"github.com/loykin/rcvisor/internal/config"
	"github.com/loykin/rcvisor/internal/runlevel"
)

// command carries one rc-update invocation through its subcommands.
type command struct {
	inv    config.Invocation
	flags  *GlobalFlags
	out    io.Writer
	errOut io.Writer

	log      *slog.Logger
	settings config.Settings
	mgr      *runlevel.Manager
}

func (rc *command) setup() error {
	s, err := config.Load(rc.flags.ConfigPath, rc.inv.UserMode)
	if err != nil {
		return err
	}
	rc.settings = s
	fsys := runlevel.FS{InitDir: s.InitDir, RunlevelDir: s.RunlevelDir, SvcDir: s.SvcDir}
	rc.mgr = runlevel.NewManager(fsys, fsys, rc.logger())
	return nil
}

// Update applies op for target on the given runlevels, the current one or
// with --all every runlevel. Runlevel names are validated before any change.
func (rc *command) Update(op runlevel.Op, target string, runlevels []string) error {
	if err := rc.mgr.ValidateRunlevels(runlevels); err != nil {
		return err
	}
	n, err := rc.mgr.Apply(op, target, runlevels, rc.flags.All)
	if err != nil {
		return err
	}
	if n == 0 && (op == runlevel.OpDelete || op == runlevel.OpDelStack) {
		rc.logger().Warn(fmt.Sprintf("service '%s' not found in any of the specified runlevels", target))
	}
	return nil
}

// Show prints the membership table. The first argument is taken as a
// runlevel as is; the rest must name existing runlevels.
func (rc *command) Show(args []string) error {
	if len(args) > 1 {
		if err := rc.mgr.ValidateRunlevels(args[1:]); err != nil {
			return err
		}
	}
	return rc.mgr.Show(rc.out, args, rc.flags.Verbose)
}

// Export stores each VAR[=value] in the global environment scope.
func (rc *command) Export(ctx context.Context, vars []string) error {
	st, err := factory.Open(rc.settings.AttrDSN)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	for _, v := range vars {
		key, value, hasValue := strings.Cut(v, "=")
		var val *string
		if hasValue {
			val = &value
		}
		ok, err := attr.Export(ctx, st, "", key, val, rc.inv.Getenv)
		if err != nil {
			return fmt.Errorf("export %s: %w", key, err)
		}
		if !ok {
			rc.logger().Warn(fmt.Sprintf("environment variable %s not set, skipping.", key))
			continue
		}
		rc.logger().Debug("exported", "variable", key)
	}
	return nil
}

// UpdateDeptree runs the configured dependency tree updater.
func (rc *command) UpdateDeptree(ctx context.Context) error {
	line := strings.TrimSpace(rc.settings.DeptreeCommand)
	if line == "" {
		rc.logger().Debug("no dependency tree updater configured")
		return nil
	}
	// #nosec G204
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", line)
	cmd.Stdout, cmd.Stderr = rc.out, rc.errOut
	cmd.Env = os.Environ()
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("dependency tree update: %w", err)
	}
	return nil
}
