package nar

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// makeTree builds a small output-like tree with the artifact files a build
// would declare.
func makeTree(t *testing.T) string {
	root := filepath.Join(t.TempDir(), "out")
	require.Nil(t, os.MkdirAll(filepath.Join(root, "nix-support"), 0755))
	require.Nil(t, os.MkdirAll(filepath.Join(root, "bin"), 0755))
	require.Nil(t, os.WriteFile(filepath.Join(root, "bin", "hello"), []byte("#!/bin/sh\necho hello\n"), 0755))
	require.Nil(t, os.WriteFile(filepath.Join(root, "nix-support", "hydra-release-name"), []byte("hello-2.12\n"), 0644))
	require.Nil(t, os.WriteFile(filepath.Join(root, "nix-support", "hydra-metrics"), []byte("size 42 KiB\n"), 0644))
	require.Nil(t, os.Symlink("bin/hello", filepath.Join(root, "default")))
	return root
}

func TestDumpRestoreRoundTrip(t *testing.T) {
	root := makeTree(t)

	var buf bytes.Buffer
	require.Nil(t, DumpPath(&buf, root))

	restored := filepath.Join(t.TempDir(), "restored")
	restore := &Restore{Root: restored}
	require.Nil(t, Parse(bytes.NewReader(buf.Bytes()), restore))
	require.Nil(t, restore.Close())

	data, err := os.ReadFile(filepath.Join(restored, "bin", "hello"))
	require.Nil(t, err)
	assert.Equal(t, "#!/bin/sh\necho hello\n", string(data))

	info, err := os.Lstat(filepath.Join(restored, "bin", "hello"))
	require.Nil(t, err)
	assert.NotZero(t, info.Mode()&0111, "executable bit must survive")

	target, err := os.Readlink(filepath.Join(restored, "default"))
	require.Nil(t, err)
	assert.Equal(t, "bin/hello", target)

	// Dumping the restored tree must produce the identical NAR.
	var buf2 bytes.Buffer
	require.Nil(t, DumpPath(&buf2, restored))
	assert.Equal(t, buf.Bytes(), buf2.Bytes())
}

func TestExtract(t *testing.T) {
	root := makeTree(t)

	var buf bytes.Buffer
	require.Nil(t, DumpPath(&buf, root))

	members := make(Members)
	require.Nil(t, Extract(bytes.NewReader(buf.Bytes()), "/prefix", members))

	assert.Equal(t, TypeDirectory, members["/prefix"].Type)
	assert.Equal(t, TypeSymlink, members["/prefix/default"].Type)

	hello := members["/prefix/bin/hello"]
	require.NotNil(t, hello)
	assert.Equal(t, TypeRegular, hello.Type)
	assert.Equal(t, uint64(len("#!/bin/sh\necho hello\n")), hello.FileSize)
	wantHash := sha256.Sum256([]byte("#!/bin/sh\necho hello\n"))
	assert.Equal(t, hex.EncodeToString(wantHash[:]), hex.EncodeToString(hello.SHA256))
	// Not an artifact file, so contents are not retained.
	assert.Empty(t, hello.Contents)

	release := members["/prefix/nix-support/hydra-release-name"]
	require.NotNil(t, release)
	assert.Equal(t, "hello-2.12\n", release.Contents)

	metrics := members["/prefix/nix-support/hydra-metrics"]
	require.NotNil(t, metrics)
	assert.Equal(t, "size 42 KiB\n", metrics.Contents)
}

func TestParseRejectsBadMagic(t *testing.T) {
	var buf bytes.Buffer
	wr := &writer{w: &buf}
	wr.writeString("not-an-archive")
	err := Parse(bytes.NewReader(buf.Bytes()), &Restore{Root: t.TempDir()})
	require.NotNil(t, err)
}

func TestParseRejectsDotDotEntries(t *testing.T) {
	// Hand-craft a NAR whose directory entry tries to escape.
	var buf bytes.Buffer
	wr := &writer{w: &buf}
	for _, tok := range []string{"nix-archive-1", "(", "type", "directory", "entry", "(", "name", "..", "node"} {
		wr.writeString(tok)
	}
	err := Parse(bytes.NewReader(buf.Bytes()), &Restore{Root: t.TempDir()})
	require.NotNil(t, err)
}
