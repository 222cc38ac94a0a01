package sqlite

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/rcvisor/internal/attr/attrtest"
)

func TestSQLiteStore(t *testing.T) {
	s, err := New(":memory:")
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	attrtest.Run(t, s)
}

func TestSQLitePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "attr.db")
	s, err := New(path)
	require.NoError(t, err)
	require.NoError(t, s.Set(t.Context(), "sshd", "argv", "a\nb\n"))
	require.NoError(t, s.Close())

	s, err = New(path)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	v, ok, err := s.Get(t.Context(), "sshd", "argv")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "a\nb\n", v)
}

func TestNewEmptyPath(t *testing.T) {
	_, err := New("  ")
	assert.Error(t, err)
}
