package record

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClockMonotonic(t *testing.T) {
	c := NewClock()

	prev := c.Now()
	for i := 0; i < 10000; i++ {
		ts := c.Now()
		require.Greater(t, ts, prev)
		prev = ts
	}
}

func TestClockAdvance(t *testing.T) {
	c := NewClock()

	far := c.Now() + 1_000_000
	c.Advance(far)
	require.Greater(t, c.Now(), far)

	// advancing backwards is a no-op
	c.Advance(far - 500_000)
	require.Greater(t, c.Now(), far)
}

func TestSupersedes(t *testing.T) {
	older := NewPut("k", "old", 100)
	newer := NewTombstone("k", 200)

	require.True(t, newer.Supersedes(older))
	require.False(t, older.Supersedes(newer))
	require.False(t, older.Supersedes(older))
}

func TestTombstoneHasNoValue(t *testing.T) {
	ts := NewTombstone("k", 5)
	require.True(t, ts.Tombstone)
	require.Equal(t, "", ts.Value)
}
