package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ratevault-backend/models"
)

func TestJSONStoreChainSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	store, err := NewJSONStore(dir)
	require.NoError(t, err)

	var prev []byte
	for i := 0; i < 3; i++ {
		b, err := models.NewBlock(context.Background(), uint64(i), int64(i+1), "tx", []byte("data"), prev, 0)
		require.NoError(t, err)
		require.NoError(t, store.SaveBlock("ledger", b))
		prev = b.Hash
	}

	reopened, err := NewJSONStore(dir)
	require.NoError(t, err)
	blocks, err := reopened.LoadChain("ledger")
	require.NoError(t, err)
	require.Len(t, blocks, 3)
	assert.NoError(t, models.ValidateChain(blocks))

	empty, err := reopened.LoadChain("missing")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestKVImplementations(t *testing.T) {
	jsonStore, err := NewJSONStore(t.TempDir())
	require.NoError(t, err)

	for name, kv := range map[string]KV{"json": jsonStore, "memory": NewMemoryKV()} {
		t.Run(name, func(t *testing.T) {
			_, ok, err := kv.Get("a.1")
			require.NoError(t, err)
			assert.False(t, ok)

			value := []byte(`{"k": 1}`)
			require.NoError(t, kv.Put("a.1", value))
			require.NoError(t, kv.Put("a.2", []byte("raw")))
			require.NoError(t, kv.Put("b.1", []byte("x")))

			got, ok, err := kv.Get("a.1")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, value, got)

			keys, err := kv.Keys("a.")
			require.NoError(t, err)
			assert.Equal(t, []string{"a.1", "a.2"}, keys)

			require.NoError(t, kv.Delete("a.1"))
			require.NoError(t, kv.Delete("a.1"))
			keys, err = kv.Keys("")
			require.NoError(t, err)
			assert.Equal(t, []string{"a.2", "b.1"}, keys)
		})
	}
}

func TestJSONStoreKVBytesStableAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	store, err := NewJSONStore(dir)
	require.NoError(t, err)
	value := []byte("{\n  \"spaced\":   true }")
	require.NoError(t, store.Put("grant", value))

	reopened, err := NewJSONStore(dir)
	require.NoError(t, err)
	got, ok, err := reopened.Get("grant")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, value, got)
}

func TestSnapshotStoreRotates(t *testing.T) {
	dir := t.TempDir()
	store, err := NewSnapshotStore(dir, 2)
	require.NoError(t, err)
	fixed := time.Unix(1700000000, 0)
	store.now = func() time.Time { return fixed }

	var got map[string]int
	ok, err := store.LoadLatest("registry", &got)
	require.NoError(t, err)
	assert.False(t, ok)

	for i := 1; i <= 4; i++ {
		require.NoError(t, store.Save("registry", map[string]int{"n": i}))
	}
	require.NoError(t, store.Save("executor", map[string]int{"n": 99}))

	ok, err = store.LoadLatest("registry", &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 4, got["n"])

	files, err := filepath.Glob(filepath.Join(dir, "registry_snapshot_*.json"))
	require.NoError(t, err)
	assert.Len(t, files, 2)
}
