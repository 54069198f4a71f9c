package queuerunner

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hydrogen-ci/hydrogen/common/logger"
	"github.com/hydrogen-ci/hydrogen/nix"
	"github.com/hydrogen-ci/hydrogen/nix/nar"
)

// newStoreWithOutput creates a local store holding one output directory and
// returns the state, the derivation describing it and the extracted NAR
// members, mimicking what the importing worker hands to getBuildOutput.
func newStoreWithOutput(t *testing.T, files map[string]string) (*State, *nix.Derivation, nar.Members) {
	dir := t.TempDir()
	localStore, err := nix.OpenLocalStore(filepath.Join(dir, "store"), filepath.Join(dir, "state"))
	require.Nil(t, err)

	src := filepath.Join(dir, "src")
	require.Nil(t, os.MkdirAll(src, 0755))
	for name, contents := range files {
		full := filepath.Join(src, filepath.FromSlash(name))
		require.Nil(t, os.MkdirAll(filepath.Dir(full), 0755))
		require.Nil(t, os.WriteFile(full, []byte(contents), 0644))
	}

	hashPart := nix.EncodeBase32(nix.CompressHash(nix.HashString("result-1.0"), 20))
	outPath := nix.StorePath(localStore.StoreDir() + "/" + hashPart + "-result-1.0")
	require.Nil(t, localStore.ImportFromDirectory(context.Background(), outPath, src, nil))

	drv := &nix.Derivation{
		Name:     "result-1.0",
		Outputs:  map[string]nix.DerivationOutput{"out": {Path: outPath}},
		Platform: "x86_64-linux",
		Builder:  "/bin/sh",
		Env:      map[string]string{"out": string(outPath)},
	}

	var narBuf bytes.Buffer
	require.Nil(t, localStore.NarFromPath(context.Background(), outPath, &narBuf))
	members := make(nar.Members)
	require.Nil(t, nar.Extract(bytes.NewReader(narBuf.Bytes()), string(outPath), members))

	state := NewState(Config{}, nil, localStore, localStore, clock.NewMock(), logger.MakeNopLogFactory())
	return state, drv, members
}

func TestGetBuildOutputProducts(t *testing.T) {
	ctx := context.Background()
	state, drv, members := newStoreWithOutput(t, map[string]string{
		"manual.pdf": "pdf bytes",
		"nix-support/hydra-build-products": "", // patched below
	})
	outPath := drv.Outputs["out"].Path

	// Rebuild the products file content now that the path is known, the way
	// a build would have written it.
	productsPath := string(outPath) + "/nix-support/hydra-build-products"
	members[productsPath].Contents = "doc manual \"" + string(outPath) + "/manual.pdf\" manual.pdf\n" +
		"bogus line without enough fields and $weird chars\n" +
		"file readme /outside/the/store\n"

	res, err := state.getBuildOutput(ctx, drv, members)
	require.Nil(t, err)

	require.Len(t, res.Products, 1)
	product := res.Products[0]
	assert.Equal(t, "doc", product.Type)
	assert.Equal(t, "manual", product.SubType)
	assert.Equal(t, string(outPath)+"/manual.pdf", product.Path)
	assert.Equal(t, "manual.pdf", product.Name)
	assert.Equal(t, "manual.pdf", product.DefaultPath)
	assert.True(t, product.IsRegular)
	assert.Equal(t, uint64(len("pdf bytes")), product.FileSize)
	assert.NotEmpty(t, product.SHA256Hash)

	assert.False(t, res.Failed)
	assert.NotZero(t, res.Size)
	assert.Equal(t, res.Size, res.ClosureSize)
}

func TestGetBuildOutputImplicitProduct(t *testing.T) {
	ctx := context.Background()
	state, drv, members := newStoreWithOutput(t, map[string]string{
		"bin/tool": "binary",
	})
	outPath := drv.Outputs["out"].Path

	res, err := state.getBuildOutput(ctx, drv, members)
	require.Nil(t, err)

	require.Len(t, res.Products, 1)
	assert.Equal(t, "nix-build", res.Products[0].Type)
	assert.Equal(t, "", res.Products[0].SubType)
	assert.Equal(t, string(outPath), res.Products[0].Path)
}

func TestGetBuildOutputFailedMarkerAndReleaseName(t *testing.T) {
	ctx := context.Background()
	state, drv, members := newStoreWithOutput(t, map[string]string{
		"nix-support/failed":             "",
		"nix-support/hydra-release-name": " release-1.2 \n",
	})

	res, err := state.getBuildOutput(ctx, drv, members)
	require.Nil(t, err)
	assert.True(t, res.Failed)
	assert.Equal(t, "release-1.2", res.ReleaseName)
}

func TestGetBuildOutputRejectsBadReleaseName(t *testing.T) {
	ctx := context.Background()
	state, drv, members := newStoreWithOutput(t, map[string]string{
		"nix-support/hydra-release-name": "release with spaces",
	})

	res, err := state.getBuildOutput(ctx, drv, members)
	require.Nil(t, err)
	assert.Equal(t, "", res.ReleaseName)
}

func TestGetBuildOutputMetrics(t *testing.T) {
	ctx := context.Background()
	state, drv, members := newStoreWithOutput(t, map[string]string{
		"nix-support/hydra-metrics": "buildTime 123.5 s\n" +
			"coverage 87\n" +
			"bad$name 1\n" +
			"nonNumeric oops\n" +
			"badunit 3 un|it\n",
	})

	res, err := state.getBuildOutput(ctx, drv, members)
	require.Nil(t, err)

	require.Len(t, res.Metrics, 3)
	assert.Equal(t, 123.5, res.Metrics["buildTime"].Value)
	assert.Equal(t, "s", res.Metrics["buildTime"].Unit)
	assert.Equal(t, 87.0, res.Metrics["coverage"].Value)
	assert.Equal(t, "", res.Metrics["coverage"].Unit)
	// A malformed unit is dropped, the metric kept.
	assert.Equal(t, 3.0, res.Metrics["badunit"].Value)
	assert.Equal(t, "", res.Metrics["badunit"].Unit)
}

func TestGetBuildOutputFetchesMissingNar(t *testing.T) {
	// Without pre-extracted members, the store is consulted.
	ctx := context.Background()
	state, drv, _ := newStoreWithOutput(t, map[string]string{
		"nix-support/hydra-release-name": "fetched-1.0",
	})

	res, err := state.getBuildOutput(ctx, drv, nil)
	require.Nil(t, err)
	assert.Equal(t, "fetched-1.0", res.ReleaseName)
}

func TestParseProductLineQuoting(t *testing.T) {
	product, ok := parseProductLine(`doc manual "/nix/store/abc-x/with space.pdf" entry`)
	require.True(t, ok)
	assert.Equal(t, "/nix/store/abc-x/with space.pdf", product.Path)
	assert.Equal(t, "entry", product.DefaultPath)

	_, ok = parseProductLine("only two")
	assert.False(t, ok)
}
