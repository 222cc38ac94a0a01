package detector

import (
	"context"
	"errors"
	"os/exec"
	"strings"
)

// CommandDetector runs a command that exits zero while the service is healthy.
type CommandDetector struct {
	Command string
	// Env is the command environment; nil inherits the caller's.
	Env []string
}

// HealthCheck builds the detector for a service from a command template.
// "{script}" is replaced by the service script path and "{service}" by the
// service name.
func HealthCheck(template, script, service string) CommandDetector {
	r := strings.NewReplacer("{script}", script, "{service}", service)
	return CommandDetector{Command: r.Replace(template)}
}

// buildShellAwareCommand avoids a shell unless shell metacharacters are present.
func buildShellAwareCommand(ctx context.Context, cmdStr string) *exec.Cmd {
	cmdStr = strings.TrimSpace(cmdStr)
	if cmdStr == "" {
		return exec.CommandContext(ctx, "true")
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		return exec.CommandContext(ctx, "/bin/sh", "-c", cmdStr)
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204
	return exec.CommandContext(ctx, parts[0], parts[1:]...)
}

func (d CommandDetector) Alive(ctx context.Context) (bool, error) {
	cmd := buildShellAwareCommand(ctx, d.Command)
	cmd.Env = d.Env
	err := cmd.Run()
	if err == nil {
		return true, nil
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		// non-zero exit or killed by ctx: unhealthy
		return false, nil
	}
	return false, err
}

func (d CommandDetector) Describe() string { return "cmd:" + d.Command }
