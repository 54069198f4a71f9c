package evaluator

import (
	"context"
	"fmt"

	"github.com/hydrogen-ci/hydrogen/nix"
)

// ResolveAggregates is the post-pass over the job set: jobs carrying
// namedConstituents get their named peers resolved to derivation paths. In
// dry-run mode the references are recorded only; otherwise the aggregate
// derivation itself is rewritten: the constituents become input derivations,
// the output path is recomputed from the new derivation hash, and the
// rewritten derivation is republished in the store.
func ResolveAggregates(ctx context.Context, store *nix.LocalStore, jobs map[string]map[string]interface{}, dryRun bool) error {
	for jobName, job := range jobs {
		named, ok := job[jobFieldNamedConstituents].([]interface{})
		if !ok {
			namedStr, ok := job[jobFieldNamedConstituents].([]string)
			if !ok {
				continue
			}
			for _, s := range namedStr {
				named = append(named, s)
			}
		}

		if dryRun {
			for _, n := range named {
				jobName2, _ := n.(string)
				job2, ok := jobs[jobName2]
				if !ok {
					return fmt.Errorf("aggregate job '%s' references non-existent job '%s'", jobName, jobName2)
				}
				drvPath2, _ := job2[jobFieldDrvPath].(string)
				job[jobFieldConstituents] = appendAny(job[jobFieldConstituents], drvPath2)
			}
		} else {
			if err := rewriteAggregate(ctx, store, jobs, jobName, job, named); err != nil {
				return err
			}
		}

		delete(job, jobFieldNamedConstituents)
	}
	return nil
}

func rewriteAggregate(
	ctx context.Context,
	store *nix.LocalStore,
	jobs map[string]map[string]interface{},
	jobName string,
	job map[string]interface{},
	named []interface{},
) error {
	drvPathStr, _ := job[jobFieldDrvPath].(string)
	drvPath, err := nix.ParseStorePath(store.StoreDir(), drvPathStr)
	if err != nil {
		return err
	}
	drv, err := store.ReadDerivation(ctx, drvPath)
	if err != nil {
		return err
	}

	for _, n := range named {
		jobName2, _ := n.(string)
		job2, ok := jobs[jobName2]
		if !ok {
			return fmt.Errorf("aggregate job '%s' references non-existent job '%s'", jobName, jobName2)
		}
		drvPath2Str, _ := job2[jobFieldDrvPath].(string)
		drvPath2, err := nix.ParseStorePath(store.StoreDir(), drvPath2Str)
		if err != nil {
			return err
		}
		drv2, err := store.ReadDerivation(ctx, drvPath2)
		if err != nil {
			return err
		}
		job[jobFieldConstituents] = appendAny(job[jobFieldConstituents], string(drvPath2))
		outputNames := drv2.OutputNames()
		if len(outputNames) > 0 {
			drv.InputDrvs[drvPath2] = []string{outputNames[0]}
		}
	}

	// Recompute the output path from the extended derivation and republish.
	drvName := drvPath.DrvName()
	h, err := nix.HashDerivationModulo(ctx, store, drv)
	if err != nil {
		return err
	}
	outPath := nix.MakeOutputPath(store.StoreDir(), "out", h, drvName)
	drv.Env["out"] = string(outPath)
	drv.Outputs["out"] = nix.DerivationOutput{Path: outPath}
	newDrvPath, err := store.WriteDerivation(ctx, drv)
	if err != nil {
		return err
	}

	job[jobFieldDrvPath] = string(newDrvPath)
	outputs, _ := job[jobFieldOutputs].(map[string]interface{})
	if outputs == nil {
		outputs = map[string]interface{}{}
		job[jobFieldOutputs] = outputs
	}
	outputs["out"] = string(outPath)
	return nil
}

func appendAny(list interface{}, item string) []interface{} {
	existing, _ := list.([]interface{})
	return append(existing, item)
}
