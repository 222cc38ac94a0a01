package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/loykin/rcvisor/internal/detector"
)

// daemonize re-executes the current command line without --daemonize in a
// new session and returns once the background copy has started. The copy
// writes the pid file and the log file itself.
func daemonize(pidFile, logFile string) error {
	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	// #nosec G204
	cmd := exec.Command(executable, daemonArgs(os.Args[1:])...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Stdin, cmd.Stdout, cmd.Stderr = nil, nil, nil
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start daemon process: %w", err)
	}
	pid := cmd.Process.Pid
	_ = cmd.Process.Release()

	fmt.Printf("Daemon started with PID %d\n", pid)
	if pidFile != "" {
		fmt.Printf("PID file: %s\n", pidFile)
	}
	if logFile != "" {
		fmt.Printf("Log file: %s\n", logFile)
	}
	return nil
}

// daemonArgs drops every form of the --daemonize flag from args.
func daemonArgs(args []string) []string {
	out := make([]string, 0, len(args))
	for i, arg := range args {
		if arg == "--" {
			return append(out, args[i:]...)
		}
		if arg == "--daemonize" || strings.HasPrefix(arg, "--daemonize=") {
			continue
		}
		out = append(out, arg)
	}
	return out
}

// writePidFile records the current process in pidFile.
func writePidFile(pidFile string) error {
	if cur, err := detector.ReadPIDFile(pidFile); err == nil && cur.PID != os.Getpid() {
		if alive, _ := (detector.PIDFileDetector{PIDFile: pidFile}).Alive(context.Background()); alive {
			return fmt.Errorf("already running with pid %d (%s)", cur.PID, pidFile)
		}
	}
	return detector.WritePIDFile(pidFile, os.Getpid(), "supervise-daemon")
}

// removePidFile removes the PID file
func removePidFile(pidFile string) error {
	if pidFile == "" {
		return nil
	}
	err := os.Remove(pidFile)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
