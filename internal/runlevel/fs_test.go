package runlevel

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFSCatalog(t *testing.T) {
	f := newTree(t)

	assert.NoError(t, f.ServiceExists("sshd"))
	assert.ErrorIs(t, f.ServiceExists("noexec"), ErrNotExecutable)
	assert.ErrorIs(t, f.ServiceExists("missing"), ErrServiceNotFound)
	assert.ErrorIs(t, f.ServiceExists("../etc"), ErrServiceNotFound)

	assert.True(t, f.RunlevelExists("default"))
	assert.False(t, f.RunlevelExists("nope"))
	assert.False(t, f.RunlevelExists(".."))

	rls, err := f.Runlevels()
	require.NoError(t, err)
	assert.Equal(t, []string{"boot", "default", "extra", "shutdown", "single", "sysinit"}, rls)

	svcs, err := f.Services()
	require.NoError(t, err)
	assert.Equal(t, []string{"cron", "net.lo", "noexec", "sshd", "zebra"}, svcs)
}

func TestFSCurrent(t *testing.T) {
	f := newTree(t)
	cur, err := f.Current()
	require.NoError(t, err)
	assert.Equal(t, Sysinit, cur)

	require.NoError(t, os.WriteFile(filepath.Join(f.SvcDir, "softlevel"), []byte("default\n"), 0o644))
	cur, err = f.Current()
	require.NoError(t, err)
	assert.Equal(t, "default", cur)
}

func TestFSMembershipAndStacks(t *testing.T) {
	f := newTree(t)

	require.NoError(t, f.AddService("default", "sshd"))
	assert.True(t, f.InRunlevel("sshd", "default"))
	assert.False(t, f.InRunlevel("sshd", "boot"))

	require.NoError(t, f.Stack("default", "extra"))
	assert.False(t, f.InRunlevel("extra", "default"), "a stack edge is not a service membership")
	stacks, err := f.Stacks("default")
	require.NoError(t, err)
	assert.Equal(t, []string{"extra"}, stacks)

	err = f.DeleteService("default", "extra")
	assert.True(t, errors.Is(err, fs.ErrNotExist))
	err = f.Unstack("default", "sshd")
	assert.True(t, errors.Is(err, fs.ErrNotExist))

	require.NoError(t, f.Unstack("default", "extra"))
	require.NoError(t, f.DeleteService("default", "sshd"))
	assert.True(t, errors.Is(f.DeleteService("default", "sshd"), fs.ErrNotExist))
	assert.True(t, errors.Is(f.Unstack("default", "extra"), fs.ErrNotExist))
}

func TestFSRejectsTraversalNames(t *testing.T) {
	f := newTree(t)
	victim := filepath.Join(filepath.Dir(f.RunlevelDir), "victim")
	require.NoError(t, os.Symlink(f.InitDir, victim))

	assert.ErrorIs(t, f.Unstack("default", "../../victim"), fs.ErrNotExist)
	assert.ErrorIs(t, f.Unstack("../..", "victim"), fs.ErrNotExist)
	_, err := os.Lstat(victim)
	assert.NoError(t, err, "link outside the runlevel tree must survive")

	assert.ErrorIs(t, f.Stack("default", "../x"), fs.ErrInvalid)
	assert.ErrorIs(t, f.AddService("default", "../sshd"), fs.ErrInvalid)
	_, err = os.Lstat(filepath.Join(f.RunlevelDir, "x"))
	assert.True(t, errors.Is(err, fs.ErrNotExist))
}
