package logger

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// helper to close non-nil closers and ignore errors
func closeIf(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}

func TestWriters_WithExplicitPaths(t *testing.T) {
	dir := t.TempDir()
	sp := filepath.Join(dir, "logs", "s.out.log")
	ep := filepath.Join(dir, "logs", "s.err.log")
	cfg := Config{StdoutPath: sp, StderrPath: ep}
	outW, errW, err := cfg.Writers()
	require.NoError(t, err)
	require.NotNil(t, outW)
	require.NotNil(t, errW)
	_, _ = outW.Write([]byte("x"))
	_, _ = errW.Write([]byte("y"))
	closeIf(outW)
	closeIf(errW)
	if _, err := os.Stat(sp); err != nil {
		t.Fatalf("stdout log not created at %s: %v", sp, err)
	}
	if _, err := os.Stat(ep); err != nil {
		t.Fatalf("stderr log not created at %s: %v", ep, err)
	}
}

func TestWriters_SharedPath(t *testing.T) {
	p := filepath.Join(t.TempDir(), "both.log")
	outW, errW, err := Config{StdoutPath: p, StderrPath: p}.Writers()
	require.NoError(t, err)
	_, _ = outW.Write([]byte("out\n"))
	_, _ = errW.Write([]byte("err\n"))
	closeIf(errW)
	closeIf(outW)
	b, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "out\nerr\n", string(b))
}

func TestWriters_None(t *testing.T) {
	outW, errW, err := Config{}.Writers()
	require.NoError(t, err)
	assert.Nil(t, outW)
	assert.Nil(t, errW)
}

func TestConsolePrefixAndLevels(t *testing.T) {
	var buf bytes.Buffer
	log := NewConsole(ConsoleOptions{Applet: "rc-update", Writer: &buf})
	log.Info("service sshd added to runlevel default")
	log.Debug("hidden")
	log.Error("boom", "code", 2)
	out := buf.String()
	assert.Contains(t, out, " * rc-update: service sshd added to runlevel default\n")
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "rc-update: boom code=2")
	assert.NotContains(t, out, "\033[")
}

func TestConsoleQuietAndColor(t *testing.T) {
	var buf bytes.Buffer
	log := NewConsole(ConsoleOptions{Applet: "x", Quiet: true, Color: true, Writer: &buf})
	log.Info("info")
	log.Warn("warn")
	out := buf.String()
	assert.False(t, strings.Contains(out, "info"))
	assert.Contains(t, out, "\033[33;01m*")
	assert.Contains(t, out, "x: warn")
}
