package shm

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openFDs counts this process's descriptors; tests using it must not run in parallel
func openFDs(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		t.Skip("descriptor accounting needs /proc/self/fd")
	}
	return len(entries)
}

func mappingsOf(t *testing.T, path string) int {
	t.Helper()
	data, err := os.ReadFile("/proc/self/maps")
	if err != nil {
		t.Skip("mapping accounting needs /proc/self/maps")
	}
	return strings.Count(string(data), path)
}

func TestMapperConnectMissingRegion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.raw")
	m := NewMapper(path, RegionSize(4, 4, false), ReadOnly)

	openFDs(t) // warm up the poller before counting
	before := openFDs(t)

	for i := 0; i < 10; i++ {
		err := m.Connect()
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrNotFound))
		assert.False(t, m.Connected())
		assert.Nil(t, m.Bytes())
	}

	assert.Equal(t, before, openFDs(t))
	assert.Zero(t, mappingsOf(t, path))
}

func TestMapperShortRegionLeaksNothing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "short.raw")
	require.NoError(t, os.WriteFile(path, make([]byte, HeaderSize), 0o644))

	m := NewMapper(path, RegionSize(4, 4, false), ReadOnly)

	openFDs(t)
	before := openFDs(t)

	err := m.Connect()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMapFailed))
	assert.False(t, m.Connected())

	assert.Equal(t, before, openFDs(t))
	assert.Zero(t, mappingsOf(t, path))
}

func TestMapperLifecycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "region.raw")
	size := RegionSize(4, 4, false)

	openFDs(t)
	before := openFDs(t)

	producer := NewMapper(path, size, ReadWrite)
	require.NoError(t, producer.Connect())
	require.NoError(t, producer.Connect(), "connect is idempotent")
	assert.Len(t, producer.Bytes(), size)

	copy(producer.Bytes(), "hello")
	require.NoError(t, producer.Flush())

	consumer := NewMapper(path, size, ReadOnly)
	require.NoError(t, consumer.Connect())
	assert.Equal(t, "hello", string(consumer.Bytes()[:5]))
	assert.Equal(t, before+2, openFDs(t))
	assert.NotZero(t, mappingsOf(t, path))

	require.NoError(t, consumer.Disconnect())
	require.NoError(t, consumer.Disconnect(), "disconnect is idempotent")
	require.NoError(t, producer.Close())

	assert.Equal(t, before, openFDs(t))
	assert.Zero(t, mappingsOf(t, path))
}

func TestMapperStale(t *testing.T) {
	path := filepath.Join(t.TempDir(), "region.raw")
	size := RegionSize(2, 2, false)
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))

	m := NewMapper(path, size, ReadOnly)
	assert.False(t, m.Stale(), "disconnected mapper is never stale")

	require.NoError(t, m.Connect())
	defer m.Close()
	assert.False(t, m.Stale())

	// producer recreates the region
	require.NoError(t, os.Remove(path))
	assert.True(t, m.Stale())

	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
	assert.True(t, m.Stale())
}

func TestMapperStaleOnShrink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "region.raw")
	size := RegionSize(2, 2, false)
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))

	m := NewMapper(path, size, ReadOnly)
	require.NoError(t, m.Connect())
	defer m.Close()

	require.NoError(t, os.Truncate(path, HeaderSize))
	assert.True(t, m.Stale())
}
