package objectstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContentKey(t *testing.T) {
	a := ContentKey([]byte("instance"))
	assert.Len(t, a, 64)
	assert.Equal(t, a, ContentKey([]byte("instance")))
	assert.NotEqual(t, a, ContentKey([]byte("instance2")))
	// blake3("") test vector
	assert.Equal(t, "af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262", ContentKey(nil))
}

func TestFS_PutGet(t *testing.T) {
	root := t.TempDir()
	store, err := NewFS(root, "images")
	require.NoError(t, err)
	assert.Equal(t, "images", store.Bucket())
	assert.Equal(t, ProviderLocal, store.Provider())

	data := []byte("DICM payload")
	key := ContentKey(data) + ".dcm"
	require.NoError(t, store.Put(context.Background(), key, data))

	got, err := store.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	_, err = os.Stat(filepath.Join(root, "images", key[:2], key))
	require.NoError(t, err, "object should live in its fan-out directory")

	entries, err := os.ReadDir(filepath.Join(root, "images", key[:2]))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temporary files should remain")
}

func TestFS_Errors(t *testing.T) {
	store, err := NewFS(t.TempDir(), "")
	require.NoError(t, err)
	assert.Equal(t, "dicom", store.Bucket())

	_, err = store.Get(context.Background(), "abcdef")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Error(t, store.Put(context.Background(), "../escape", []byte("x")))
	assert.Error(t, store.Put(context.Background(), "ab", []byte("x")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, store.Put(ctx, "abcdef", []byte("x")), context.Canceled)
}
