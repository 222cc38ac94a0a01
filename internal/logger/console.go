package logger

import (
	"io"
	"log/slog"
	"os"
)

// ConsoleOptions controls the diagnostic logger used by the command line tools.
type ConsoleOptions struct {
	Applet  string
	Verbose bool // debug records are emitted
	Quiet   bool // info records are suppressed, warnings and errors remain
	Color   bool
	Writer  io.Writer // defaults to os.Stderr
}

// NewConsole builds an applet-prefixed slog.Logger writing to stderr.
func NewConsole(o ConsoleOptions) *slog.Logger {
	w := o.Writer
	if w == nil {
		w = os.Stderr
	}
	level := slog.LevelInfo
	switch {
	case o.Verbose:
		level = slog.LevelDebug
	case o.Quiet:
		level = slog.LevelWarn
	}
	return slog.New(NewColorTextHandler(w, level, o.Color, o.Applet))
}

// NewDaemon builds the structured logger used by long running supervisors.
func NewDaemon(w io.Writer, debug bool) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
