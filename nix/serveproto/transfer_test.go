package serveproto

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hydrogen-ci/hydrogen/nix"
)

func TestFraming(t *testing.T) {
	var buf bytes.Buffer
	wr := NewWriter(&buf)
	require.Nil(t, wr.WriteUint64(42))
	require.Nil(t, wr.WriteString("hello"))
	require.Nil(t, wr.WriteStrings([]string{"a", "bc", ""}))
	require.Nil(t, wr.WriteBool(true))

	rd := NewReader(bytes.NewReader(buf.Bytes()))
	n, err := rd.ReadUint64()
	require.Nil(t, err)
	assert.Equal(t, uint64(42), n)
	s, err := rd.ReadString()
	require.Nil(t, err)
	assert.Equal(t, "hello", s)
	list, err := rd.ReadStrings()
	require.Nil(t, err)
	assert.Equal(t, []string{"a", "bc", ""}, list)
	b, err := rd.ReadUint64()
	require.Nil(t, err)
	assert.Equal(t, uint64(1), b)

	assert.Equal(t, wr.BytesWritten(), rd.BytesRead())
}

func newStore(t *testing.T) *nix.LocalStore {
	dir := t.TempDir()
	s, err := nix.OpenLocalStore(filepath.Join(dir, "store"), filepath.Join(dir, "state"))
	require.Nil(t, err)
	return s
}

func addObject(t *testing.T, s *nix.LocalStore, name, contents string, references ...nix.StorePath) nix.StorePath {
	src := filepath.Join(t.TempDir(), "src")
	require.Nil(t, os.MkdirAll(src, 0755))
	require.Nil(t, os.WriteFile(filepath.Join(src, "data"), []byte(contents), 0644))
	hashPart := nix.EncodeBase32(nix.CompressHash(nix.HashString(name+contents), 20))
	path := nix.StorePath(s.StoreDir() + "/" + hashPart + "-" + name)
	require.Nil(t, s.ImportFromDirectory(context.Background(), path, src, references))
	return path
}

func TestExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := newStore(t)
	dep := addObject(t, src, "dep-1.0", "dep contents")
	top := addObject(t, src, "top-1.0", "top contents", dep)

	var buf bytes.Buffer
	wr := NewWriter(&buf)
	require.Nil(t, ExportPaths(ctx, wr, src, []nix.StorePath{dep, top}))

	dst := newStore(t)
	rd := NewReader(bytes.NewReader(buf.Bytes()))
	var imported []nix.StorePath
	err := ImportPaths(ctx, rd, dst, src.StoreDir(), func(path nix.StorePath, narData []byte) error {
		imported = append(imported, path)
		assert.NotEmpty(t, narData)
		return nil
	})
	require.Nil(t, err)
	assert.Equal(t, []nix.StorePath{dep, top}, imported)

	info, err := dst.QueryPathInfo(ctx, top)
	require.Nil(t, err)
	assert.Equal(t, []nix.StorePath{dep}, info.References)
}

func TestImportRejectsBadStream(t *testing.T) {
	ctx := context.Background()
	dst := newStore(t)

	var buf bytes.Buffer
	wr := NewWriter(&buf)
	require.Nil(t, wr.WriteUint64(7)) // not a valid marker

	err := ImportPaths(ctx, NewReader(bytes.NewReader(buf.Bytes())), dst, dst.StoreDir(), nil)
	require.NotNil(t, err)
}

func TestWriteDerivationFrames(t *testing.T) {
	out := nix.StorePath("/nix/store/" + nix.EncodeBase32(nix.CompressHash(nix.HashString("x"), 20)) + "-x-1.0")
	drv := &nix.Derivation{
		Name:      "x-1.0",
		Outputs:   map[string]nix.DerivationOutput{"out": {Path: out}},
		InputSrcs: []nix.StorePath{},
		Platform:  "x86_64-linux",
		Builder:   "/bin/sh",
		Args:      []string{"-c", "true"},
		Env:       map[string]string{"out": string(out)},
	}

	var buf bytes.Buffer
	wr := NewWriter(&buf)
	require.Nil(t, WriteDerivation(wr, drv))

	rd := NewReader(bytes.NewReader(buf.Bytes()))
	nOutputs, err := rd.ReadUint64()
	require.Nil(t, err)
	assert.Equal(t, uint64(1), nOutputs)
	name, err := rd.ReadString()
	require.Nil(t, err)
	assert.Equal(t, "out", name)
	pathStr, err := rd.ReadString()
	require.Nil(t, err)
	assert.Equal(t, string(out), pathStr)
}
