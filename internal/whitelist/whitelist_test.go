package whitelist

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/privd/internal/storage"
)

func newMemory(t *testing.T) *Whitelist {
	t.Helper()
	w, err := Open(storage.MemoryDSN)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func TestAddContainsRemove(t *testing.T) {
	w := newMemory(t)
	ctx := t.Context()

	require.False(t, w.Contains("com.client"))

	added, err := w.Add(ctx, "com.client")
	require.NoError(t, err)
	require.True(t, added)
	require.True(t, w.Contains("com.client"))

	added, err = w.Add(ctx, "com.client")
	require.NoError(t, err)
	require.False(t, added, "set semantics")
	require.Equal(t, 1, w.Len())

	removed, err := w.Remove(ctx, "com.client")
	require.NoError(t, err)
	require.True(t, removed)
	require.False(t, w.Contains("com.client"))

	removed, err = w.Remove(ctx, "com.client")
	require.NoError(t, err)
	require.False(t, removed)
}

func TestContainsIsExactAndCaseSensitive(t *testing.T) {
	w := newMemory(t)
	_, err := w.Add(t.Context(), "com.Client")
	require.NoError(t, err)

	require.True(t, w.Contains("com.Client"))
	require.False(t, w.Contains("com.client"))
	require.False(t, w.Contains("com.Client "))
	require.False(t, w.Contains("com"))
	require.False(t, w.Contains(""))
}

func TestAddRejectsEmpty(t *testing.T) {
	w := newMemory(t)
	_, err := w.Add(t.Context(), "")
	require.Error(t, err)
}

func TestPersistenceAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "privd.db")

	w, err := Open(path)
	require.NoError(t, err)
	n, err := w.Seed(t.Context(), []string{"a", "b", "a"})
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.NoError(t, w.Close())

	w, err = Open(path)
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	entries := w.List()
	require.Len(t, entries, 2)
	require.Equal(t, "a", entries[0].Identity)
	require.False(t, entries[0].AddedAt.IsZero())
}

func TestConcurrentLookups(t *testing.T) {
	w := newMemory(t)
	_, err := w.Add(t.Context(), "com.client")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = w.Contains("com.client")
			}
		}()
	}
	wg.Wait()
}
