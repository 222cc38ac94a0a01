package runlevel

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// newTree builds an init dir with a few scripts and a runlevel dir holding
// the protected runlevels plus "default" and "extra".
func newTree(t *testing.T) FS {
	t.Helper()
	root := t.TempDir()
	f := FS{
		InitDir:     filepath.Join(root, "init.d"),
		RunlevelDir: filepath.Join(root, "runlevels"),
		SvcDir:      filepath.Join(root, "svc"),
	}
	require.NoError(t, os.MkdirAll(f.InitDir, 0o755))
	require.NoError(t, os.MkdirAll(f.SvcDir, 0o755))
	for _, rl := range []string{Default, Boot, Sysinit, Single, Shutdown, "extra"} {
		require.NoError(t, os.MkdirAll(filepath.Join(f.RunlevelDir, rl), 0o755))
	}
	for _, svc := range []string{"sshd", "cron", "net.lo", "zebra"} {
		writeScript(t, f, svc, 0o755)
	}
	writeScript(t, f, "noexec", 0o644)
	return f
}

func writeScript(t *testing.T, f FS, name string, mode os.FileMode) {
	t.Helper()
	p := filepath.Join(f.InitDir, name)
	require.NoError(t, os.WriteFile(p, []byte("#!/bin/sh\n"), mode))
	require.NoError(t, os.Chmod(p, mode))
}
