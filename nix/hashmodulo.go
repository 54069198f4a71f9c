package nix

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// HashDerivationModulo computes the hash of a derivation with its output
// specifications masked out and its input derivations replaced by their own
// hash-modulo. Output paths derived from this hash are therefore stable under
// renaming of input derivation files.
func HashDerivationModulo(ctx context.Context, store Store, drv *Derivation) (Hash, error) {
	memo := make(map[StorePath]Hash)
	return hashDerivationModulo(ctx, store, drv, memo)
}

func hashDerivationModulo(ctx context.Context, store Store, drv *Derivation, memo map[StorePath]Hash) (Hash, error) {
	// Fixed-output derivations hash to a fingerprint of their one output.
	if len(drv.Outputs) == 1 {
		if out, ok := drv.Outputs["out"]; ok && out.Hash != "" {
			s := fmt.Sprintf("fixed:out:%s:%s:%s", out.HashAlgo, out.Hash, out.Path)
			return HashString(s), nil
		}
	}

	masked := &Derivation{
		Name:      drv.Name,
		Outputs:   make(map[string]DerivationOutput, len(drv.Outputs)),
		InputDrvs: make(map[StorePath][]string),
		InputSrcs: drv.InputSrcs,
		Platform:  drv.Platform,
		Builder:   drv.Builder,
		Args:      drv.Args,
		Env:       make(map[string]string, len(drv.Env)),
	}
	for name := range drv.Outputs {
		masked.Outputs[name] = DerivationOutput{}
	}
	for k, v := range drv.Env {
		masked.Env[k] = v
	}
	for name := range drv.Outputs {
		masked.Env[name] = ""
	}

	// Replace input derivation paths by their hash-modulo.
	type input struct {
		hash    string
		outputs []string
	}
	inputs := make([]input, 0, len(drv.InputDrvs))
	for drvPath, outputs := range drv.InputDrvs {
		h, ok := memo[drvPath]
		if !ok {
			inputDrv, err := store.ReadDerivation(ctx, drvPath)
			if err != nil {
				return Hash{}, fmt.Errorf("hashing %q: %w", drv.Name, err)
			}
			h, err = hashDerivationModulo(ctx, store, inputDrv, memo)
			if err != nil {
				return Hash{}, err
			}
			memo[drvPath] = h
		}
		inputs = append(inputs, input{hash: h.Base16(), outputs: outputs})
	}
	sort.Slice(inputs, func(i, j int) bool { return inputs[i].hash < inputs[j].hash })

	var b strings.Builder
	b.WriteString(masked.Unparse())
	for _, in := range inputs {
		outputs := append([]string(nil), in.outputs...)
		sort.Strings(outputs)
		fmt.Fprintf(&b, "|%s|%s", in.hash, strings.Join(outputs, ","))
	}
	return HashString(b.String()), nil
}
