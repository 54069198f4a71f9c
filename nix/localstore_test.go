package nix

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, substituters ...Store) *LocalStore {
	dir := t.TempDir()
	s, err := OpenLocalStore(filepath.Join(dir, "store"), filepath.Join(dir, "state"), substituters...)
	require.Nil(t, err)
	return s
}

// addTestObject creates a directory with one file and imports it under name.
func addTestObject(t *testing.T, s *LocalStore, name, contents string, references ...StorePath) StorePath {
	src := filepath.Join(t.TempDir(), "src")
	require.Nil(t, os.MkdirAll(src, 0755))
	require.Nil(t, os.WriteFile(filepath.Join(src, "data"), []byte(contents), 0644))

	hashPart := EncodeBase32(CompressHash(HashString(name+contents), 20))
	path := StorePath(s.StoreDir() + "/" + hashPart + "-" + name)
	require.Nil(t, s.ImportFromDirectory(context.Background(), path, src, references))
	return path
}

func TestLocalStoreValidity(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	path := addTestObject(t, s, "hello-2.12", "hi")
	ok, err := s.IsValidPath(ctx, path)
	require.Nil(t, err)
	assert.True(t, ok)

	valid, err := s.QueryValidPaths(ctx, []StorePath{path, testPath("missing-1.0")})
	require.Nil(t, err)
	assert.Equal(t, []StorePath{path}, valid)

	info, err := s.QueryPathInfo(ctx, path)
	require.Nil(t, err)
	assert.NotZero(t, info.NarSize)

	_, err = s.QueryPathInfo(ctx, testPath("missing-1.0"))
	require.NotNil(t, err)
}

func TestLocalStoreReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := OpenLocalStore(filepath.Join(dir, "store"), filepath.Join(dir, "state"))
	require.Nil(t, err)
	path := addTestObject(t, s, "persist-1.0", "x")

	reopened, err := OpenLocalStore(filepath.Join(dir, "store"), filepath.Join(dir, "state"))
	require.Nil(t, err)
	ok, err := reopened.IsValidPath(ctx, path)
	require.Nil(t, err)
	assert.True(t, ok)
}

func TestCopyClosure(t *testing.T) {
	ctx := context.Background()
	src := newTestStore(t)
	dst := newTestStore(t)

	dep := addTestObject(t, src, "dep-1.0", "dep")
	top := addTestObject(t, src, "top-1.0", "top", dep)

	require.Nil(t, CopyClosure(ctx, src, dst, []StorePath{top}))

	for _, p := range []StorePath{dep, top} {
		ok, err := dst.IsValidPath(ctx, p)
		require.Nil(t, err)
		assert.True(t, ok, "%s must have been copied", p)
	}
}

func TestEnsurePathSubstitutes(t *testing.T) {
	ctx := context.Background()
	cache := newTestStore(t)
	path := addTestObject(t, cache, "sub-1.0", "sub")

	s := newTestStore(t, cache)

	ok, err := s.QuerySubstitutablePath(ctx, path)
	require.Nil(t, err)
	assert.True(t, ok)

	require.Nil(t, s.EnsurePath(ctx, path))
	ok, err = s.IsValidPath(ctx, path)
	require.Nil(t, err)
	assert.True(t, ok)

	// A path nobody has fails.
	err = s.EnsurePath(ctx, testPath("nowhere-1.0"))
	require.NotNil(t, err)
}

func TestWriteAndReadDerivation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	out := StorePath(s.StoreDir() + "/" + EncodeBase32(CompressHash(HashString("hello"), 20)) + "-hello-2.12")
	drv := &Derivation{
		Name:     "hello-2.12",
		Outputs:  map[string]DerivationOutput{"out": {Path: out}},
		Platform: "x86_64-linux",
		Builder:  "/bin/sh",
		Env:      map[string]string{"out": string(out)},
	}

	drvPath, err := s.WriteDerivation(ctx, drv)
	require.Nil(t, err)
	assert.True(t, drvPath.IsDerivation())

	read, err := s.ReadDerivation(ctx, drvPath)
	require.Nil(t, err)
	assert.Equal(t, drv.Unparse(), read.Unparse())

	// Writing the same derivation again is idempotent.
	again, err := s.WriteDerivation(ctx, drv)
	require.Nil(t, err)
	assert.Equal(t, drvPath, again)
}

func TestAddPermRoot(t *testing.T) {
	s := newTestStore(t)
	path := addTestObject(t, s, "rooted-1.0", "r")

	root := filepath.Join(t.TempDir(), "roots", "my-root")
	require.Nil(t, s.AddPermRoot(path, root))
	target, err := os.Readlink(root)
	require.Nil(t, err)
	assert.Equal(t, string(path), target)

	// Idempotent.
	require.Nil(t, s.AddPermRoot(path, root))
}
