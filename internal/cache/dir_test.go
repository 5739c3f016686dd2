package cache_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrdadan/formfuzz/internal/cache"
)

func TestKey(t *testing.T) {
	// sha256("abc")
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", cache.Key("abc"))
	assert.Len(t, cache.Key(""), 64)
	assert.Equal(t, cache.Key("same prompt"), cache.Key("same prompt"))
}

func TestDirStore_MissThenHit(t *testing.T) {
	ctx := context.Background()
	root := filepath.Join(t.TempDir(), "nested", "cache")
	store := cache.NewDirStore(root)
	key := cache.Key("prompt")

	got, err := store.Lookup(ctx, key)
	require.NoError(t, err)
	assert.False(t, got.Hit)

	require.NoError(t, store.Put(ctx, key, `[[{"name":"a","value":"b"}]]`))

	got, err = store.Lookup(ctx, key)
	require.NoError(t, err)
	assert.True(t, got.Hit)
	assert.Equal(t, `[[{"name":"a","value":"b"}]]`, got.Value)

	data, err := os.ReadFile(filepath.Join(root, key))
	require.NoError(t, err)
	assert.Equal(t, got.Value, string(data))
}

func TestDirStore_PutIsIdempotentOnDirectory(t *testing.T) {
	ctx := context.Background()
	store := cache.NewDirStore(t.TempDir())

	require.NoError(t, store.Put(ctx, cache.Key("a"), "1"))
	require.NoError(t, store.Put(ctx, cache.Key("b"), "2"))

	entries, err := os.ReadDir(store.Root())
	require.NoError(t, err)
	assert.Len(t, entries, 2, "temp files must not be left behind")
}

func TestDirStore_EmptyValueIsHit(t *testing.T) {
	ctx := context.Background()
	store := cache.NewDirStore(t.TempDir())
	key := cache.Key("empty")

	require.NoError(t, store.Put(ctx, key, ""))
	got, err := store.Lookup(ctx, key)
	require.NoError(t, err)
	assert.True(t, got.Hit)
	assert.Equal(t, "", got.Value)
}

func TestDirStore_InvalidKey(t *testing.T) {
	ctx := context.Background()
	store := cache.NewDirStore(t.TempDir())

	_, err := store.Lookup(ctx, "../escape")
	assert.ErrorIs(t, err, cache.ErrInvalidKey)
	assert.ErrorIs(t, store.Put(ctx, "", "x"), cache.ErrInvalidKey)
}

func TestDirStore_ReadErrorPropagates(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	store := cache.NewDirStore(root)
	key := cache.Key("dir")

	// a directory in place of the entry is a storage error, not a miss
	require.NoError(t, os.Mkdir(filepath.Join(root, key), 0o755))

	_, err := store.Lookup(ctx, key)
	assert.Error(t, err)
}
