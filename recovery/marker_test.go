package recovery_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/latticedb/str/recovery"
)

func openTestStore(t *testing.T) *recovery.Store {
	t.Helper()

	dir := filepath.Join(t.TempDir(), "marker")
	store, err := recovery.Open(dir)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})

	return store
}

func TestMissingFileIsUndefined(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "does-not-exist-yet")
	store, err := recovery.Open(dir)
	require.NoError(t, err)
	defer store.Close()

	m, err := store.Get()
	require.NoError(t, err)
	require.Equal(t, int64(-1), m.Seqno)
	require.True(t, m.Safe)

	_, statErr := os.Stat(dir)
	require.NoError(t, statErr)
}

func TestSetGetRoundTrip(t *testing.T) {
	store := openTestStore(t)
	id := uuid.New()

	require.NoError(t, store.Set(id, 42, true))

	m, err := store.Get()
	require.NoError(t, err)
	require.Equal(t, id, m.UUID)
	require.Equal(t, int64(42), m.Seqno)
	require.True(t, m.SafeToBootstrap)
}

func TestMarkUnsafeThenSafe(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.Set(uuid.New(), 1, false))

	require.NoError(t, store.MarkUnsafe())
	m, err := store.Get()
	require.NoError(t, err)
	require.False(t, m.Safe)

	require.NoError(t, store.MarkSafe())
	m, err = store.Get()
	require.NoError(t, err)
	require.True(t, m.Safe)
}

func TestMarkCorrupt(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.Set(uuid.New(), 1, false))
	require.NoError(t, store.MarkCorrupt())

	m, err := store.Get()
	require.NoError(t, err)
	require.True(t, m.Corrupt)
	require.False(t, m.Safe)
}

func TestSetClearsCorrupt(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.Set(uuid.New(), 1, false))
	require.NoError(t, store.MarkCorrupt())
	require.NoError(t, store.Set(uuid.New(), 2, false))

	m, err := store.Get()
	require.NoError(t, err)
	require.False(t, m.Corrupt)
}
