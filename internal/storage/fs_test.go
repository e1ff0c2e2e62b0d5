package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFSPutGetDelete(t *testing.T) {
	ctx := context.Background()
	store, err := NewFS(t.TempDir())
	require.NoError(t, err)

	key := "certificates/PRD-001/1700000000.png"
	require.NoError(t, store.Put(ctx, key, []byte("doc-v1")))

	data, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("doc-v1"), data)

	// Overwrite replaces the content.
	require.NoError(t, store.Put(ctx, key, []byte("doc-v2")))
	data, err = store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("doc-v2"), data)

	require.NoError(t, store.Delete(ctx, key))
	_, err = store.Get(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting again is a no-op.
	assert.NoError(t, store.Delete(ctx, key))
}

func TestFSRejectsEscapingKeys(t *testing.T) {
	ctx := context.Background()
	store, err := NewFS(t.TempDir())
	require.NoError(t, err)

	for _, key := range []string{"../outside.png", "/abs.png", "."} {
		assert.Error(t, store.Put(ctx, key, []byte("x")), "key %q", key)
	}
}
