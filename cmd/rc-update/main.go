package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/loykin/rcvisor/internal/config"
	"github.com/loykin/rcvisor/internal/logger"
	"github.com/loykin/rcvisor/internal/runlevel"
)

func main() {
	os.Exit(run(config.FromEnv("rc-update", nil), os.Args[1:], os.Stdout, os.Stderr))
}

// run executes one invocation and returns the exit status.
func run(inv config.Invocation, args []string, stdout, stderr io.Writer) int {
	root, rc := buildRoot(inv, stdout, stderr)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.Execute()
	var f finished
	if errors.As(err, &f) {
		err = f.err
	}
	if err != nil {
		rc.report(err)
		return 1
	}
	return 0
}

// finished ends an invocation early from a pre-run hook; err is its result.
type finished struct{ err error }

func (f finished) Error() string {
	if f.err == nil {
		return "finished"
	}
	return f.err.Error()
}

// GlobalFlags holds the persistent flags shared by every subcommand.
type GlobalFlags struct {
	ConfigPath string
	All        bool
	Stack      bool
	Update     bool
	Verbose    bool
	Quiet      bool
	NoColor    bool
}

// buildRoot creates the root command. Without a subcommand it behaves like
// show.
func buildRoot(inv config.Invocation, stdout, stderr io.Writer) (*cobra.Command, *command) {
	flags := &GlobalFlags{Verbose: inv.Verbose, Quiet: inv.Quiet, NoColor: !inv.Color}
	rc := &command{inv: inv, flags: flags, out: stdout, errOut: stderr}

	root := &cobra.Command{
		Use:   "rc-update [flags] [add|del|show|export] ...",
		Short: "Manage runlevel membership and stacking",
		Long: `rc-update adds services to and removes them from runlevels, stacks
runlevels onto each other and shows the resulting layout.

Examples:
  rc-update add sshd default
  rc-update -s add extra default
  rc-update del cron -a
  rc-update show -v
  rc-update export LANG=C.UTF-8`,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := rc.setup(); err != nil {
				return err
			}
			if flags.Update {
				return finished{rc.UpdateDeptree(cmd.Context())}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return rc.Show(args)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	pf.BoolVarP(&flags.All, "all", "a", false, "process all runlevels")
	pf.BoolVarP(&flags.Stack, "stack", "s", false, "stack a runlevel instead of a service")
	pf.BoolVarP(&flags.Update, "update", "u", false, "force an update of the dependency tree")
	pf.BoolVarP(&flags.Verbose, "verbose", "v", flags.Verbose, "run verbosely")
	pf.BoolVarP(&flags.Quiet, "quiet", "q", flags.Quiet, "run quietly")
	pf.BoolVarP(&flags.NoColor, "nocolor", "C", flags.NoColor, "disable color output")

	root.AddCommand(
		createAddCommand(rc),
		createDeleteCommand(rc),
		createShowCommand(rc),
		createExportCommand(rc),
	)
	return root, rc
}

func createAddCommand(rc *command) *cobra.Command {
	return &cobra.Command{
		Use:   "add <service> [runlevel...]",
		Short: "Add a service (or with -s a runlevel) to runlevels",
		Long: `Add a service to the given runlevels, or to the current runlevel when
none is given. With --stack the first argument names a runlevel that is
stacked onto each given runlevel.`,
		Args: noTarget("service"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rc.Update(opFor(false, rc.flags.Stack), args[0], args[1:])
		},
	}
}

func createDeleteCommand(rc *command) *cobra.Command {
	return &cobra.Command{
		Use:     "delete <service> [runlevel...]",
		Aliases: []string{"del"},
		Short:   "Remove a service (or with -s a runlevel) from runlevels",
		Args:    noTarget("service"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rc.Update(opFor(true, rc.flags.Stack), args[0], args[1:])
		},
	}
}

func createShowCommand(rc *command) *cobra.Command {
	return &cobra.Command{
		Use:   "show [runlevel...]",
		Short: "Show services and the runlevels they belong to",
		RunE: func(cmd *cobra.Command, args []string) error {
			return rc.Show(args)
		},
	}
}

func createExportCommand(rc *command) *cobra.Command {
	return &cobra.Command{
		Use:   "export <VAR[=value]>...",
		Short: "Export variables to the environment of every service",
		Long: `Store variables in the global service environment. A variable given
without a value takes its value from the current environment; unset
variables are skipped with a warning.`,
		Args: noTarget("variable"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rc.Export(cmd.Context(), args)
		},
	}
}

// noTarget requires at least one argument, naming what is missing.
func noTarget(what string) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			return fmt.Errorf("no %s specified", what)
		}
		return nil
	}
}

func opFor(del, stack bool) runlevel.Op {
	switch {
	case del && stack:
		return runlevel.OpDelStack
	case del:
		return runlevel.OpDelete
	case stack:
		return runlevel.OpAddStack
	}
	return runlevel.OpAdd
}

// report logs err unless the runlevel manager already did.
func (rc *command) report(err error) {
	var rerr *runlevel.Error
	if !errors.As(err, &rerr) {
		rc.logger().Error(err.Error())
	}
}

func (rc *command) logger() *slog.Logger {
	if rc.log == nil {
		rc.log = logger.NewConsole(logger.ConsoleOptions{
			Applet:  rc.inv.Applet,
			Verbose: rc.flags.Verbose,
			Quiet:   rc.flags.Quiet,
			Color:   !rc.flags.NoColor,
			Writer:  rc.errOut,
		})
	}
	return rc.log
}
