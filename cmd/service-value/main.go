// Command service-value reads and writes per-service values from service
// scripts. It is installed under several names; the name it is invoked as
// selects the operation.
package main

import (
	"errors"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/loykin/rcvisor/internal/config"
	"github.com/loykin/rcvisor/internal/logger"
)

func main() {
	applet := filepath.Base(os.Args[0])
	os.Exit(run(config.FromEnv(applet, nil), os.Args[1:], os.Stdout, os.Stderr))
}

// Command is the operation selected by the invocation identity.
type Command int

const (
	CmdUnknown Command = iota
	CmdGet
	CmdSet
	CmdExport
)

func (c Command) String() string {
	switch c {
	case CmdGet:
		return "get"
	case CmdSet:
		return "set"
	case CmdExport:
		return "export"
	}
	return "unknown"
}

// ResolveCommand maps an applet name to its operation.
func ResolveCommand(applet string) Command {
	switch applet {
	case "service_get_value", "get_options", "get":
		return CmdGet
	case "service_set_value", "save_options", "set":
		return CmdSet
	case "service_set_environment", "export":
		return CmdExport
	}
	return CmdUnknown
}

// errNotSet ends a get of a missing value with status 1 and no diagnostic.
var errNotSet = errors.New("value not set")

// Flags holds the root command's flags.
type Flags struct {
	ConfigPath string
	As         string
}

func run(inv config.Invocation, args []string, stdout, stderr io.Writer) int {
	flags := &Flags{}
	sv := &command{inv: inv, flags: flags, out: stdout}
	log := logger.NewConsole(logger.ConsoleOptions{
		Applet:  inv.Applet,
		Verbose: inv.Verbose,
		Quiet:   inv.Quiet,
		Color:   inv.Color,
		Writer:  stderr,
	})
	sv.log = log

	root := buildRoot(sv)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.Execute(); err != nil {
		if !errors.Is(err, errNotSet) {
			log.Error(err.Error())
		}
		return 1
	}
	return 0
}

func buildRoot(sv *command) *cobra.Command {
	root := &cobra.Command{
		Use:   sv.inv.Applet + " [--as applet] <option> [value]",
		Short: "Get, set or export per-service values",
		Long: `Reads and writes values of the service named by RC_SVCNAME. The
operation follows the name the program is invoked as:

  service_get_value, get_options        print a value
  service_set_value, save_options       store a value, or remove it when none is given
  service_set_environment               export VAR[=value] to the service environment

--as or the get, set and export subcommands select the operation explicitly.`,
		SilenceErrors: true,
		SilenceUsage:  true,
		// identity invocations receive raw option names, never subcommands
		Args: cobra.ArbitraryArgs,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return sv.setup()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			applet := sv.inv.Applet
			if sv.flags.As != "" {
				applet = sv.flags.As
			}
			c := ResolveCommand(applet)
			if c == CmdUnknown {
				return errors.New("unknown applet")
			}
			return sv.Run(cmd.Context(), c, args)
		},
	}
	root.PersistentFlags().StringVar(&sv.flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.Flags().StringVar(&sv.flags.As, "as", "", "run as the named applet")

	root.Flags().SetInterspersed(false)

	// under an applet name every argument is data, so no subcommands exist
	if ResolveCommand(sv.inv.Applet) == CmdUnknown {
		for _, c := range []Command{CmdGet, CmdSet, CmdExport} {
			root.AddCommand(createSubcommand(sv, c))
		}
	}
	return root
}

func createSubcommand(sv *command, c Command) *cobra.Command {
	short := map[Command]string{
		CmdGet:    "Print a value of the service",
		CmdSet:    "Store or remove a value of the service",
		CmdExport: "Export VAR[=value] to the service environment",
	}
	return &cobra.Command{
		Use:   c.String() + " <option> [value]",
		Short: short[c],
		RunE: func(cmd *cobra.Command, args []string) error {
			return sv.Run(cmd.Context(), c, args)
		},
	}
}
