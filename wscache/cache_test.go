package wscache_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/latticedb/str/wscache"
)

func fill(c *wscache.Cache, first, last int64) {
	for s := first; s <= last; s++ {
		c.Append(s, []byte{byte(s)})
	}
}

func TestAppendAndRange(t *testing.T) {
	c := wscache.New(100)
	fill(c, 1, 10)

	require.Equal(t, int64(1), c.LowWater())
	require.Equal(t, int64(10), c.HighWater())

	it, err := c.Range(3, 5)
	require.NoError(t, err)

	var seqnos []int64
	for it.Next() {
		seqnos = append(seqnos, it.Seqno())
	}
	require.NoError(t, it.Error())
	require.Equal(t, []int64{3, 4, 5}, seqnos)
}

func TestSeqnoLockPreventsTrim(t *testing.T) {
	c := wscache.New(5)
	fill(c, 1, 5)

	unlock, err := c.SeqnoLock(2)
	require.NoError(t, err)

	// Appending past capacity would normally trim seqno 1 and 2, but
	// 2 is locked so it must survive.
	fill(c, 6, 10)

	require.LessOrEqual(t, c.LowWater(), int64(2))

	unlock()

	fill(c, 11, 11)
	require.Greater(t, c.LowWater(), int64(2))
}

func TestSeqnoLockNotFoundWhenEvicted(t *testing.T) {
	c := wscache.New(3)
	fill(c, 1, 10)

	_, err := c.SeqnoLock(1)
	require.ErrorIs(t, err, wscache.ErrNotFound)
}

func TestSeqnoLockAlreadyLocked(t *testing.T) {
	c := wscache.New(10)
	fill(c, 1, 5)

	unlock, err := c.SeqnoLock(2)
	require.NoError(t, err)
	defer unlock()

	_, err = c.SeqnoLock(3)
	require.ErrorIs(t, err, wscache.ErrAlreadyLocked)
}

func TestSeqnoLockDoubleUnlockIsSafe(t *testing.T) {
	c := wscache.New(10)
	fill(c, 1, 5)

	unlock, err := c.SeqnoLock(2)
	require.NoError(t, err)

	unlock()
	unlock()

	_, err = c.SeqnoLock(3)
	require.NoError(t, err)
}

func TestSeqnoReset(t *testing.T) {
	c := wscache.New(10)
	fill(c, 1, 5)

	c.SeqnoReset(uuid.New(), 100)
	require.Equal(t, int64(100), c.LowWater())
	require.Equal(t, int64(100), c.HighWater())

	_, err := c.Range(1, 5)
	require.Error(t, err)
}

func TestRangeOutOfBounds(t *testing.T) {
	c := wscache.New(10)
	fill(c, 5, 10)

	_, err := c.Range(1, 5)
	require.ErrorIs(t, err, wscache.ErrNotFound)

	_, err = c.Range(5, 20)
	require.ErrorIs(t, err, wscache.ErrNotFound)
}
