package nix

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBinaryCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	local := newTestStore(t)
	path := addTestObject(t, local, "cached-1.0", "cache me")

	blobs, err := NewDirBlobStore(filepath.Join(t.TempDir(), "cache"))
	require.Nil(t, err)
	cache, err := NewBinaryCacheStore(local.StoreDir(), blobs)
	require.Nil(t, err)

	ok, err := cache.IsValidPath(ctx, path)
	require.Nil(t, err)
	assert.False(t, ok)

	require.Nil(t, CopyPath(ctx, local, cache, path))

	ok, err = cache.IsValidPath(ctx, path)
	require.Nil(t, err)
	assert.True(t, ok)

	info, err := cache.QueryPathInfo(ctx, path)
	require.Nil(t, err)
	assert.Equal(t, path, info.Path)
	assert.NotZero(t, info.NarSize)

	// A fresh cache instance over the same blobs parses the narinfo back.
	cache2, err := NewBinaryCacheStore(local.StoreDir(), blobs)
	require.Nil(t, err)
	info2, err := cache2.QueryPathInfo(ctx, path)
	require.Nil(t, err)
	assert.Equal(t, info.NarHash, info2.NarHash)

	// And the NAR decompresses to the original object.
	other := newTestStore(t)
	require.Nil(t, CopyPath(ctx, cache2, other, path))
	ok, err = other.IsValidPath(ctx, path)
	require.Nil(t, err)
	assert.True(t, ok)
}

func TestNarInfoRendering(t *testing.T) {
	path := testPath("render-1.0")
	ref := testPath("ref-1.0")
	info := &PathInfo{
		Path:       path,
		References: []StorePath{ref},
		Deriver:    testPath("render-1.0.drv"),
		NarHash:    HashString("nar"),
		NarSize:    100,
	}
	text := renderNarInfo(info, "nar/abc.nar.zst", "zstd", HashString("file"), 50)

	parsed, err := parseNarInfoFull(DefaultStoreDir, text)
	require.Nil(t, err)
	assert.Equal(t, path, parsed.Path)
	assert.Equal(t, []StorePath{ref}, parsed.References)
	assert.Equal(t, info.Deriver, parsed.Deriver)
	assert.Equal(t, info.NarHash, parsed.NarHash)
	assert.Equal(t, uint64(100), parsed.NarSize)
	assert.Equal(t, "nar/abc.nar.zst", parsed.url)
	assert.Equal(t, "zstd", parsed.compression)
}
