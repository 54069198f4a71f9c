package nix

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashDerivationModulo(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	depOut := StorePath(s.StoreDir() + "/" + EncodeBase32(CompressHash(HashString("dep"), 20)) + "-dep-1.0")
	dep := &Derivation{
		Name:     "dep-1.0",
		Outputs:  map[string]DerivationOutput{"out": {Path: depOut}},
		Platform: "x86_64-linux",
		Builder:  "/bin/sh",
		Env:      map[string]string{"out": string(depOut)},
	}
	depDrvPath, err := s.WriteDerivation(ctx, dep)
	require.Nil(t, err)

	top := &Derivation{
		Name:      "top-1.0",
		Outputs:   map[string]DerivationOutput{"out": {}},
		InputDrvs: map[StorePath][]string{depDrvPath: {"out"}},
		Platform:  "x86_64-linux",
		Builder:   "/bin/sh",
		Env:       map[string]string{"out": ""},
	}

	h1, err := HashDerivationModulo(ctx, s, top)
	require.Nil(t, err)
	h2, err := HashDerivationModulo(ctx, s, top)
	require.Nil(t, err)
	assert.Equal(t, h1, h2)

	// The hash masks output paths, so it must not change when an output
	// path is filled in.
	filled := *top
	filled.Outputs = map[string]DerivationOutput{"out": {Path: MakeOutputPath(s.StoreDir(), "out", h1, "top-1.0")}}
	filled.Env = map[string]string{"out": string(filled.Outputs["out"].Path)}
	h3, err := HashDerivationModulo(ctx, s, &filled)
	require.Nil(t, err)
	assert.Equal(t, h1, h3)

	// But it is sensitive to everything else.
	changed := *top
	changed.Env = map[string]string{"out": "", "extra": "1"}
	h4, err := HashDerivationModulo(ctx, s, &changed)
	require.Nil(t, err)
	assert.NotEqual(t, h1, h4)

	// Fixed-output derivations hash from their declared output hash and path only.
	fixed := &Derivation{
		Name:     "src.tar.gz",
		Outputs:  map[string]DerivationOutput{"out": {Path: depOut, HashAlgo: "sha256", Hash: "abc"}},
		Platform: "builtin",
		Builder:  "fetchurl",
	}
	h5, err := HashDerivationModulo(ctx, s, fixed)
	require.Nil(t, err)
	assert.NotEqual(t, h1, h5)
}
