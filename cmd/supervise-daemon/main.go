package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/rcvisor/internal/config"
	"github.com/loykin/rcvisor/internal/logger"
	"github.com/loykin/rcvisor/internal/options"
	"github.com/loykin/rcvisor/internal/supervisor"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, config.FromEnv("supervise-daemon", nil), os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// errSilent ends an invocation with status 1 after the command has already
// reported why.
var errSilent = errors.New("failed")

// run executes one invocation and returns the exit status.
func run(ctx context.Context, inv config.Invocation, args []string, stdout, stderr io.Writer) int {
	root, sd := buildRoot(inv, stdout, stderr)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, errSilent) {
			sd.logger().Error(err.Error())
		}
		return 1
	}
	return 0
}

// GlobalFlags holds the persistent flags shared by every subcommand.
type GlobalFlags struct {
	ConfigPath string
	Service    string
	Verbose    bool
	Quiet      bool
	NoColor    bool
}

// ServeFlags holds flags for the serve command.
type ServeFlags struct {
	Daemonize bool
	PidFile   string
	LogFile   string
}

// WaitFlags holds flags for the wait command.
type WaitFlags struct {
	Timeout time.Duration
}

// buildRoot creates the root command and its subcommands.
func buildRoot(inv config.Invocation, stdout, stderr io.Writer) (*cobra.Command, *command) {
	flags := &GlobalFlags{Service: inv.Service, Verbose: inv.Verbose, Quiet: inv.Quiet, NoColor: !inv.Color}
	sd := &command{inv: inv, flags: flags, out: stdout, errOut: stderr}

	root := &cobra.Command{
		Use:   "supervise-daemon",
		Short: "Start, stop and supervise service daemons",
		Long: `supervise-daemon hands a service command to the supervision master,
which keeps it running, restarts it within the configured limits and stops
it on request. The service is named by RC_SVCNAME or --svcname.

Examples:
  supervise-daemon serve
  RC_SVCNAME=sshd supervise-daemon start -p /run/sshd.pid /usr/sbin/sshd -D
  RC_SVCNAME=sshd supervise-daemon signal HUP
  RC_SVCNAME=sshd supervise-daemon stop`,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return sd.setup()
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	pf.StringVar(&flags.Service, "svcname", flags.Service, "service name (default $RC_SVCNAME)")
	pf.BoolVarP(&flags.Verbose, "verbose", "v", flags.Verbose, "run verbosely")
	pf.BoolVarP(&flags.Quiet, "quiet", "q", flags.Quiet, "run quietly")
	pf.BoolVarP(&flags.NoColor, "nocolor", "C", flags.NoColor, "disable color output")

	root.AddCommand(
		createStartCommand(sd),
		createStopCommand(sd),
		createSignalCommand(sd),
		createServeCommand(sd),
		createStatusCommand(sd),
		createWaitCommand(sd),
		createExecChildCommand(),
	)
	return root, sd
}

// startShorthands maps long start options to their single letter forms.
var startShorthands = map[string]string{
	options.Pidfile:          "p",
	options.Retry:            "R",
	options.Stdin:            "0",
	options.Stdout:           "1",
	options.Stderr:           "2",
	options.HealthcheckTimer: "a",
	options.HealthcheckDelay: "A",
	options.RespawnDelay:     "D",
	options.RespawnMax:       "m",
	options.RespawnPeriod:    "P",
	options.User:             "u",
	options.Chdir:            "d",
	options.Chroot:           "r",
	options.Umask:            "k",
	options.NiceLevel:        "N",
	options.IONice:           "I",
}

var startUsage = map[string]string{
	options.Pidfile:           "write the child pid to this file",
	options.Retry:             "stop schedule, e.g. SIGTERM/5/SIGKILL/5 or a timeout",
	options.Stdin:             "file to read standard input from",
	options.Stdout:            "file to append standard output to",
	options.Stderr:            "file to append standard error to",
	options.StdoutLogger:      "command receiving standard output",
	options.StderrLogger:      "command receiving standard error",
	options.HealthcheckTimer:  "interval between health checks",
	options.HealthcheckDelay:  "delay before the first health check",
	options.RespawnDelay:      "delay before respawning",
	options.RespawnMax:        "respawns allowed within the period (0 means unlimited)",
	options.RespawnPeriod:     "length of the respawn window",
	options.Notify:            "readiness notification: fd:N or socket:ready",
	options.User:              "run as user[:group]",
	options.Chdir:             "working directory",
	options.Chroot:            "root directory",
	options.Umask:             "file mode creation mask (octal)",
	options.NiceLevel:         "scheduling niceness",
	options.IONice:            "I/O scheduling class[:level]",
	options.Capabilities:      "capability list, e.g. cap_net_bind_service,^cap_chown",
	options.Secbits:           "securebits value",
	options.OOMScoreAdj:       "oom_score_adj value",
	options.Scheduler:         "scheduling policy (other, fifo, rr, batch, idle)",
	options.SchedulerPriority: "static priority for fifo and rr",
}

func createStartCommand(sd *command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start [options] <command> [args...]",
		Short: "Register the service command with the supervision master",
		RunE: func(cmd *cobra.Command, args []string) error {
			var o options.StartOptions
			fl := cmd.Flags()
			for _, name := range options.Names() {
				if !fl.Changed(name) {
					continue
				}
				v := "true"
				if name != options.NoNewPrivs {
					v, _ = fl.GetString(name)
				}
				if err := o.Set(name, v); err != nil {
					return err
				}
			}
			return sd.Start(cmd.Context(), o, args)
		},
	}
	fl := cmd.Flags()
	fl.SetInterspersed(false)
	for _, name := range options.Names() {
		if name == options.NoNewPrivs {
			fl.Bool(name, false, "set no_new_privs before exec")
			continue
		}
		fl.StringP(name, startShorthands[name], "", startUsage[name])
	}
	return cmd
}

func createStopCommand(sd *command) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Ask the service's supervisor to stop it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return sd.Stop(cmd.Context())
		},
	}
}

func createSignalCommand(sd *command) *cobra.Command {
	return &cobra.Command{
		Use:   "signal <signal>",
		Short: "Forward a signal to the supervised child",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sig := ""
			if len(args) > 0 {
				sig = args[0]
			}
			return sd.Signal(cmd.Context(), sig)
		},
	}
}

func createServeCommand(sd *command) *cobra.Command {
	f := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the supervision master",
		Long: `Run the supervision master. It accepts registrations from start and
runs one supervisor per service until it is interrupted.

Examples:
  supervise-daemon serve
  supervise-daemon serve --daemonize --pidfile /run/supervise-daemon.pid --logfile /var/log/supervise-daemon.log`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.Daemonize {
				return daemonize(f.PidFile, f.LogFile)
			}
			return sd.Serve(cmd.Context(), f)
		},
	}
	cmd.Flags().BoolVar(&f.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&f.PidFile, "pidfile", "", "write the daemon pid to this file")
	cmd.Flags().StringVar(&f.LogFile, "logfile", "", "redirect daemon logs to file")
	return cmd
}

func createStatusCommand(sd *command) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report the supervision state of the service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return sd.Status()
		},
	}
}

func createWaitCommand(sd *command) *cobra.Command {
	f := &WaitFlags{}
	cmd := &cobra.Command{
		Use:   "wait",
		Short: "Block until the service's supervisor accepts requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return sd.Wait(cmd.Context(), f.Timeout)
		},
	}
	cmd.Flags().DurationVar(&f.Timeout, "timeout", 10*time.Second, "give up after this long (0 waits forever)")
	return cmd
}

// createExecChildCommand creates the helper the supervisor runs to apply
// privilege and resource settings before executing a service command.
func createExecChildCommand() *cobra.Command {
	return &cobra.Command{
		Use:                supervisor.ExecChildCommand,
		Hidden:             true,
		DisableFlagParsing: true,
		PersistentPreRunE:  func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			return execChild()
		},
	}
}

func (sd *command) logger() *slog.Logger {
	if sd.log == nil {
		sd.log = logger.NewConsole(logger.ConsoleOptions{
			Applet:  sd.inv.Applet,
			Verbose: sd.flags.Verbose,
			Quiet:   sd.flags.Quiet,
			Color:   !sd.flags.NoColor,
			Writer:  sd.errOut,
		})
	}
	return sd.log
}
