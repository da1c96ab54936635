package artifact

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreAndLoadRoundtrip(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	content := []byte("Niteangel Vista 80 listed at $89")
	blobID, err := store.StoreBytes(content, "tool_output", map[string]string{"tool": "web.search"})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(blobID, BlobPrefix))
	assert.True(t, IsBlobID(blobID))
	assert.True(t, store.Exists(blobID))

	loaded, err := store.Load(blobID)
	require.NoError(t, err)
	assert.Equal(t, content, loaded)

	size, err := store.Stat(blobID)
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), size)
}

func TestStoreDeduplicatesIdenticalContent(t *testing.T) {
	base := t.TempDir()
	store, err := NewStore(base)
	require.NoError(t, err)

	first, err := store.StoreBytes([]byte("same bytes"), "a", nil)
	require.NoError(t, err)
	second, err := store.StoreBytes([]byte("same bytes"), "b", nil)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// One file on disk, one index line.
	var files int
	err = filepath.Walk(filepath.Join(base, "blobs"), func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			files++
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, files)

	index, err := os.ReadFile(filepath.Join(base, "index.jsonl"))
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(index), "\n"))
}

func TestLoadMissingBlob(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Load(BlobPrefix + strings.Repeat("ab", 32))
	require.Error(t, err)
}

func TestIsBlobID(t *testing.T) {
	valid := BlobPrefix + strings.Repeat("0", 64)
	assert.True(t, IsBlobID(valid))

	assert.False(t, IsBlobID(strings.Repeat("0", 64)), "missing prefix")
	assert.False(t, IsBlobID(BlobPrefix+"short"))
	assert.False(t, IsBlobID(BlobPrefix+strings.Repeat("z", 64)), "non-hex")
}
