package cache

import (
	"bytes"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/snapwright/engine/pkg/types"
)

func newTestStore(t *testing.T, compression string) *PayloadStore {
	t.Helper()
	return NewPayloadStore(t.TempDir(), compression, zap.NewNop())
}

func TestPayloadStore_WriteRead(t *testing.T) {
	store := newTestStore(t, types.CompressionSnappy)
	content := bytes.Repeat([]byte("screenshot bytes "), 200)

	relPath, diskSize, err := store.Write("2026/08/30/abc123.png", content)
	require.NoError(t, err)
	assert.Equal(t, "2026/08/30/abc123.png"+types.ExtSnappy, relPath)
	assert.Greater(t, diskSize, int64(0))
	assert.True(t, store.Exists(relPath))

	read, err := store.Read(relPath)
	require.NoError(t, err)
	assert.Equal(t, content, read)
}

func TestPayloadStore_ReadMissing(t *testing.T) {
	store := newTestStore(t, types.CompressionNone)

	_, err := store.Read("2026/08/30/missing.png")
	assert.Error(t, err)
}

func TestPayloadStore_Delete(t *testing.T) {
	store := newTestStore(t, types.CompressionNone)

	relPath, _, err := store.Write("a/b.png", []byte("content"))
	require.NoError(t, err)

	require.NoError(t, store.Delete(relPath))
	assert.False(t, store.Exists(relPath))

	// Deleting again is a no-op
	require.NoError(t, store.Delete(relPath))
}

func TestPayloadStore_PathTraversalRejected(t *testing.T) {
	store := newTestStore(t, types.CompressionNone)

	_, _, err := store.Write("../escape.png", []byte("content"))
	assert.Error(t, err)

	_, err = store.Read("../../etc/passwd")
	assert.Error(t, err)
}

func TestPayloadStore_Walk(t *testing.T) {
	store := newTestStore(t, types.CompressionNone)

	_, _, err := store.Write("2026/08/29/one.png", []byte("one"))
	require.NoError(t, err)
	_, _, err = store.Write("2026/08/30/two.png", []byte("two"))
	require.NoError(t, err)

	var seen []string
	require.NoError(t, store.Walk(func(relPath string, info fs.FileInfo) error {
		seen = append(seen, relPath)
		assert.Greater(t, info.Size(), int64(0))
		return nil
	}))
	assert.Len(t, seen, 2)
}

func TestPayloadStore_WalkEmptyBase(t *testing.T) {
	store := NewPayloadStore(t.TempDir()+"/never-created", types.CompressionNone, zap.NewNop())

	calls := 0
	require.NoError(t, store.Walk(func(string, fs.FileInfo) error {
		calls++
		return nil
	}))
	assert.Zero(t, calls)
}
