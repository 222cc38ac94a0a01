// Package attrtest holds behaviour checks shared by every attr.Store backend.
package attrtest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/rcvisor/internal/attr"
)

// Run exercises s against the attr.Store contract.
func Run(t *testing.T, s attr.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("missing", func(t *testing.T) {
		v, ok, err := s.Get(ctx, "nosuch", "argc")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Empty(t, v)
	})

	t.Run("overwrite", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, "sshd", "pidfile", "/run/a.pid"))
		require.NoError(t, s.Set(ctx, "sshd", "pidfile", "/run/b.pid"))
		v, ok, err := s.Get(ctx, "sshd", "pidfile")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "/run/b.pid", v)
	})

	t.Run("multiline value", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, "sshd", "argv", "a\nb\nc\n"))
		v, ok, err := s.Get(ctx, "sshd", "argv")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "a\nb\nc\n", v)

		require.NoError(t, s.Set(ctx, "sshd", "argv", "a\nb\nc"))
		v, ok, err = s.Get(ctx, "sshd", "argv")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "a\nb\nc", v)
	})

	t.Run("empty value is distinct from missing", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, "sshd", "chroot", ""))
		v, ok, err := s.Get(ctx, "sshd", "chroot")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Empty(t, v)
	})

	t.Run("services are isolated", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, "cron", "pidfile", "/run/cron.pid"))
		recs, err := s.List(ctx, "cron")
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"pidfile": "/run/cron.pid"}, recs)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, "ntpd", "user", "ntp"))
		require.NoError(t, s.Delete(ctx, "ntpd", "user"))
		require.NoError(t, s.Delete(ctx, "ntpd", "user"))
		_, ok, err := s.Get(ctx, "ntpd", "user")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("invalid names", func(t *testing.T) {
		assert.ErrorIs(t, s.Set(ctx, "", "k", "v"), attr.ErrInvalidName)
		assert.ErrorIs(t, s.Set(ctx, "svc", "../k", "v"), attr.ErrInvalidName)
		_, _, err := s.Get(ctx, "a/b", "k")
		assert.ErrorIs(t, err, attr.ErrInvalidName)
	})

	t.Run("environ", func(t *testing.T) {
		val := "C"
		ok, err := attr.Export(ctx, s, "", "LANG", &val, nil)
		require.NoError(t, err)
		assert.True(t, ok)
		lookup := func(k string) (string, bool) {
			if k == "TZ" {
				return "UTC", true
			}
			return "", false
		}
		ok, err = attr.Export(ctx, s, "web", "TZ", nil, lookup)
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = attr.Export(ctx, s, "web", "UNSET", nil, lookup)
		require.NoError(t, err)
		assert.False(t, ok)
		require.NoError(t, s.Set(ctx, "web", "pidfile", "/run/web.pid"))

		env, err := attr.Environ(ctx, s, "web")
		require.NoError(t, err)
		assert.Equal(t, []string{"LANG=C", "TZ=UTC"}, env)
	})
}
