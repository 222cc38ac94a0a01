package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
)

// ColorTextHandler renders records as einfo-style console lines:
//
//	 * rc-update: service sshd added to runlevel default
//
// The level marker is colored when color is enabled. Extra attributes are
// appended as key=value pairs.
type ColorTextHandler struct {
	mu     *sync.Mutex
	w      io.Writer
	level  slog.Leveler
	color  bool
	applet string
	attrs  []slog.Attr
}

// NewColorTextHandler creates a new ColorTextHandler
func NewColorTextHandler(w io.Writer, level slog.Leveler, color bool, applet string) *ColorTextHandler {
	if level == nil {
		level = slog.LevelInfo
	}
	return &ColorTextHandler{mu: &sync.Mutex{}, w: w, level: level, color: color, applet: applet}
}

// Enabled implements slog.Handler
func (h *ColorTextHandler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= h.level.Level()
}

// Handle implements slog.Handler
func (h *ColorTextHandler) Handle(_ context.Context, r slog.Record) error {
	var colorCode string
	switch {
	case r.Level >= slog.LevelError:
		colorCode = "\033[31;01m" // Red
	case r.Level >= slog.LevelWarn:
		colorCode = "\033[33;01m" // Yellow
	case r.Level >= slog.LevelInfo:
		colorCode = "\033[32;01m" // Green
	default:
		colorCode = "\033[36m" // Cyan
	}

	var b strings.Builder
	if h.color {
		b.WriteString(" " + colorCode + "*\033[0m ")
	} else {
		b.WriteString(" * ")
	}
	if h.applet != "" {
		b.WriteString(h.applet)
		b.WriteString(": ")
	}
	b.WriteString(r.Message)
	for _, a := range h.attrs {
		writeAttr(&b, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&b, a)
		return true
	})
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

// WithAttrs implements slog.Handler
func (h *ColorTextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := *h
	nh.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &nh
}

// WithGroup implements slog.Handler. Groups are flattened.
func (h *ColorTextHandler) WithGroup(string) slog.Handler { return h }

func writeAttr(b *strings.Builder, a slog.Attr) {
	if a.Equal(slog.Attr{}) {
		return
	}
	fmt.Fprintf(b, " %s=%v", a.Key, a.Value.Any())
}
