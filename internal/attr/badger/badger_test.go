package badger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/rcvisor/internal/attr/attrtest"
)

func TestBadgerStoreInMemory(t *testing.T) {
	s, err := New("")
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	attrtest.Run(t, s)
}

func TestBadgerStoreOnDisk(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, s.Set(t.Context(), "sshd", "argc", "3"))
	require.NoError(t, s.Close())

	s, err = New(dir)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	v, ok, err := s.Get(t.Context(), "sshd", "argc")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "3", v)
}

func TestPrefixDoesNotLeak(t *testing.T) {
	s, err := New("")
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	require.NoError(t, s.Set(t.Context(), "net", "a", "1"))
	require.NoError(t, s.Set(t.Context(), "net.lo", "b", "2"))
	recs, err := s.List(t.Context(), "net")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "1"}, recs)
}
