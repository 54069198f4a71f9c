package evaluator_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hydrogen-ci/hydrogen/evaluator"
	"github.com/hydrogen-ci/hydrogen/nix"
)

func newAggStore(t *testing.T) *nix.LocalStore {
	dir := t.TempDir()
	s, err := nix.OpenLocalStore(filepath.Join(dir, "store"), filepath.Join(dir, "state"))
	require.Nil(t, err)
	return s
}

func writeTestDrv(t *testing.T, s *nix.LocalStore, name string) (nix.StorePath, *nix.Derivation) {
	hashPart := nix.EncodeBase32(nix.CompressHash(nix.HashString(name), 20))
	out := nix.StorePath(s.StoreDir() + "/" + hashPart + "-" + name)
	drv := &nix.Derivation{
		Name:     name,
		Outputs:  map[string]nix.DerivationOutput{"out": {Path: out}},
		Platform: "x86_64-linux",
		Builder:  "/bin/sh",
		Env:      map[string]string{"out": string(out)},
	}
	drvPath, err := s.WriteDerivation(context.Background(), drv)
	require.Nil(t, err)
	return drvPath, drv
}

func TestResolveAggregatesDryRun(t *testing.T) {
	jobs := map[string]map[string]interface{}{
		"a": {
			"drvPath": "/nix/store/aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa-a.drv",
		},
		"agg": {
			"drvPath":           "/nix/store/bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb-agg.drv",
			"namedConstituents": []interface{}{"a"},
		},
	}

	require.Nil(t, evaluator.ResolveAggregates(context.Background(), nil, jobs, true))

	agg := jobs["agg"]
	assert.Equal(t, []interface{}{"/nix/store/aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa-a.drv"}, agg["constituents"])
	_, hasNamed := agg["namedConstituents"]
	assert.False(t, hasNamed)
	// Dry-run must not rewrite the derivation path.
	assert.Equal(t, "/nix/store/bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb-agg.drv", agg["drvPath"])
}

func TestResolveAggregatesMissingJob(t *testing.T) {
	jobs := map[string]map[string]interface{}{
		"agg": {
			"drvPath":           "/nix/store/bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb-agg.drv",
			"namedConstituents": []interface{}{"ghost"},
		},
	}
	err := evaluator.ResolveAggregates(context.Background(), nil, jobs, true)
	require.NotNil(t, err)
	assert.Contains(t, err.Error(), "ghost")
}

func TestResolveAggregatesRewrites(t *testing.T) {
	ctx := context.Background()
	s := newAggStore(t)

	aDrvPath, _ := writeTestDrv(t, s, "member-1.0")
	aggDrvPath, _ := writeTestDrv(t, s, "everything-1.0")

	jobs := map[string]map[string]interface{}{
		"member": {
			"drvPath": string(aDrvPath),
		},
		"everything": {
			"drvPath":           string(aggDrvPath),
			"outputs":           map[string]interface{}{},
			"namedConstituents": []interface{}{"member"},
		},
	}

	require.Nil(t, evaluator.ResolveAggregates(ctx, s, jobs, false))

	agg := jobs["everything"]
	assert.Equal(t, []interface{}{string(aDrvPath)}, agg["constituents"])

	newDrvPathStr, _ := agg["drvPath"].(string)
	require.NotEmpty(t, newDrvPathStr)
	assert.NotEqual(t, string(aggDrvPath), newDrvPathStr, "the aggregate derivation must be republished")

	newDrvPath, err := nix.ParseStorePath(s.StoreDir(), newDrvPathStr)
	require.Nil(t, err)
	rewritten, err := s.ReadDerivation(ctx, newDrvPath)
	require.Nil(t, err)
	assert.Contains(t, rewritten.InputDrvs, aDrvPath)

	// The recomputed output path is materialized in the job and the env.
	outputs, _ := agg["outputs"].(map[string]interface{})
	require.NotNil(t, outputs)
	newOut, _ := outputs["out"].(string)
	require.NotEmpty(t, newOut)
	assert.Equal(t, newOut, rewritten.Env["out"])
	assert.Equal(t, newOut, string(rewritten.Outputs["out"].Path))
}
