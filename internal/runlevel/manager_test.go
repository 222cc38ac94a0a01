package runlevel

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/rcvisor/internal/logger"
)

func newManager(t *testing.T) (*Manager, FS, *bytes.Buffer) {
	t.Helper()
	f := newTree(t)
	var buf bytes.Buffer
	log := logger.NewConsole(logger.ConsoleOptions{Applet: "rc-update", Writer: &buf})
	return NewManager(f, f, log), f, &buf
}

func TestAddIsIdempotent(t *testing.T) {
	m, _, buf := newManager(t)

	n, err := m.Add("default", "sshd")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = m.Add("default", "sshd")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Contains(t, buf.String(), "sshd already installed in runlevel 'default'; skipping")
}

func TestAddRejectsMissingOrNonExecutable(t *testing.T) {
	m, _, buf := newManager(t)

	n, err := m.Add("default", "missing")
	assert.Equal(t, -1, n)
	assert.ErrorIs(t, err, ErrServiceNotFound)
	assert.Equal(t, KindValidation, KindOf(err))

	n, err = m.Add("default", "noexec")
	assert.Equal(t, -1, n)
	assert.ErrorIs(t, err, ErrNotExecutable)
	assert.Contains(t, buf.String(), "rc-update: service 'noexec' is not executable")
}

func TestAddSystemError(t *testing.T) {
	m, f, _ := newManager(t)
	// runlevel directory vanished: symlink creation fails
	require.NoError(t, os.RemoveAll(filepath.Join(f.RunlevelDir, "extra")))
	n, err := m.Add("extra", "sshd")
	assert.Equal(t, -1, n)
	assert.Equal(t, KindSystem, KindOf(err))
}

func TestDeleteNotFoundIsDistinct(t *testing.T) {
	m, _, _ := newManager(t)

	n, err := m.Delete("default", "sshd")
	assert.Equal(t, -1, n)
	assert.True(t, IsNotFound(err))
	assert.NotEqual(t, KindSystem, KindOf(err))
	assert.Contains(t, err.Error(), "service 'sshd' is not in the runlevel 'default'")
}

func TestAddStackProtected(t *testing.T) {
	for _, p := range []string{Sysinit, Boot, Single, Shutdown} {
		t.Run(p, func(t *testing.T) {
			m, _, _ := newManager(t)
			n, err := m.AddStack(p, "extra")
			assert.Equal(t, -1, n)
			assert.Equal(t, KindValidation, KindOf(err))
			assert.Contains(t, err.Error(), "cannot stack the "+p+" runlevel")

			n, err = m.AddStack("extra", p)
			assert.Equal(t, -1, n)
			assert.Equal(t, KindValidation, KindOf(err))
		})
	}
}

func TestAddStackValidationOrder(t *testing.T) {
	m, _, _ := newManager(t)

	_, err := m.AddStack("nope", "extra")
	assert.EqualError(t, err, "runlevel 'nope' does not exist")
	_, err = m.AddStack("default", "nope")
	assert.EqualError(t, err, "runlevel 'nope' does not exist")
	_, err = m.AddStack("default", "default")
	assert.EqualError(t, err, "cannot stack 'default' onto itself")
	_, err = m.AddStack("boot", "default")
	assert.EqualError(t, err, "cannot stack the boot runlevel")
}

func TestAddStackRejectsCycle(t *testing.T) {
	m, f, _ := newManager(t)
	require.NoError(t, os.MkdirAll(filepath.Join(f.RunlevelDir, "office"), 0o755))

	n, err := m.AddStack("default", "extra")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = m.AddStack("extra", "office")
	require.NoError(t, err)

	n, err = m.AddStack("office", "default")
	assert.Equal(t, -1, n)
	assert.Equal(t, KindValidation, KindOf(err))
	assert.Contains(t, err.Error(), "would create a cycle")
}

func TestDelStack(t *testing.T) {
	m, _, _ := newManager(t)
	_, err := m.AddStack("default", "extra")
	require.NoError(t, err)

	n, err := m.DelStack("default", "extra")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = m.DelStack("default", "extra")
	assert.Equal(t, -1, n)
	assert.True(t, IsNotFound(err))
}

func TestApplyAccumulatesAndFlagsFailure(t *testing.T) {
	m, _, _ := newManager(t)
	_, err := m.Add("boot", "sshd")
	require.NoError(t, err)

	n, err := m.Apply(OpAdd, "sshd", []string{"default", "boot", "extra"}, false)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// sshd is not in "single": one failure, two successes
	n, err = m.Apply(OpDelete, "sshd", []string{"default", "single", "boot"}, false)
	require.Error(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, IsNotFound(err))
}

func TestApplyDefaults(t *testing.T) {
	m, f, _ := newManager(t)
	require.NoError(t, os.WriteFile(filepath.Join(f.SvcDir, "softlevel"), []byte("default"), 0o644))

	n, err := m.Apply(OpAdd, "cron", nil, false)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, f.InRunlevel("cron", "default"))

	_, err = m.Apply(OpAdd, "cron", nil, true)
	assert.EqualError(t, err, "the -a option is invalid with add")

	_, err = m.Add("extra", "cron")
	require.NoError(t, err)
	n, err = m.Apply(OpDelete, "cron", nil, true)
	// four runlevels do not contain cron
	assert.Error(t, err)
	assert.Equal(t, 2, n)
}

func TestApplyNoRunlevels(t *testing.T) {
	f := FS{InitDir: t.TempDir(), RunlevelDir: filepath.Join(t.TempDir(), "none"), SvcDir: t.TempDir()}
	m := NewManager(f, f, nil)
	_, err := m.Apply(OpDelete, "x", nil, true)
	assert.EqualError(t, err, "no runlevels found")
}

func TestValidateRunlevels(t *testing.T) {
	m, _, _ := newManager(t)
	assert.NoError(t, m.ValidateRunlevels([]string{"default", "boot"}))
	err := m.ValidateRunlevels([]string{"default", "bogus"})
	assert.EqualError(t, err, "'bogus' is not a valid runlevel")
}

// Scenario from the runlevel management contract.
func TestScenarioDefaultBootExtra(t *testing.T) {
	m, _, _ := newManager(t)

	n, err := m.Add("default", "sshd")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = m.Add("default", "sshd")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	n, err = m.Delete("default", "sshd")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = m.Delete("default", "sshd")
	assert.True(t, IsNotFound(err))

	n, err = m.AddStack("default", "extra")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = m.AddStack("boot", "extra")
	var rerr *Error
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, KindValidation, rerr.Kind)
	_, err = m.AddStack("boot", "no-such-runlevel")
	assert.Error(t, err)
}
