package queuerunner

import (
	"context"
	"encoding/hex"
	"io"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/hydrogen-ci/hydrogen/common/models"
	"github.com/hydrogen-ci/hydrogen/nix"
	"github.com/hydrogen-ci/hydrogen/nix/nar"
)

var (
	// TYPE SUBTYPE PATH [DEFAULT-PATH]; the path may be quoted.
	productLineRegexp = regexp.MustCompile(`^([a-zA-Z0-9_-]+)\s+([a-zA-Z0-9_-]+)\s+("[^"]+"|\S+)(\s+(\S+))?\s*$`)

	productNameRegexp = regexp.MustCompile(`^[a-zA-Z0-9.@:_ -]*$`)
	releaseNameRegexp = regexp.MustCompile(`^[a-zA-Z0-9.@:_-]+$`)
	metricNameRegexp  = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)
	metricUnitRegexp  = regexp.MustCompile(`^[a-zA-Z0-9._%-]+$`)
)

// getBuildOutput digests a successful build: sizes, the failed marker,
// declared products, the release name and metrics. narMembers holds the data
// extracted while the output NARs were imported; missing outputs are
// re-fetched from the destination store.
func (s *State) getBuildOutput(ctx context.Context, drv *nix.Derivation, narMembers nar.Members) (*models.BuildOutput, error) {
	if narMembers == nil {
		narMembers = make(nar.Members)
	}
	res := &models.BuildOutput{
		Metrics: make(map[string]models.BuildMetric),
		Outputs: drv.OutputPaths(),
	}

	// Compute the output and closure sizes.
	outputs := make([]nix.StorePath, 0, len(res.Outputs))
	for _, p := range res.Outputs {
		outputs = append(outputs, p)
	}
	closure, err := nix.ComputeFSClosure(ctx, s.destStore, outputs...)
	if err != nil {
		return nil, err
	}
	outputSet := make(map[nix.StorePath]bool, len(outputs))
	for _, p := range outputs {
		outputSet[p] = true
	}
	for _, p := range closure {
		info, err := s.destStore.QueryPathInfo(ctx, p)
		if err != nil {
			return nil, err
		}
		res.ClosureSize += info.NarSize
		if outputSet[p] {
			res.Size += info.NarSize
		}
	}

	// Fetch data the importing worker didn't already extract (cached builds
	// never touched a worker).
	for _, output := range outputs {
		if _, ok := narMembers[string(output)]; ok {
			continue
		}
		s.log.Infof("fetching NAR contents of %q...", output)
		pr, pw := io.Pipe()
		go func(p nix.StorePath) {
			pw.CloseWithError(s.destStore.NarFromPath(ctx, p, pw))
		}(output)
		if err := nar.Extract(pr, string(output), narMembers); err != nil {
			return nil, err
		}
	}

	// Get the declared build products.
	explicitProducts := false
	for _, output := range outputs {
		if _, ok := narMembers[string(output)+"/nix-support/failed"]; ok {
			res.Failed = true
		}

		productsFile, ok := narMembers[string(output)+"/nix-support/hydra-build-products"]
		if !ok || productsFile.Type != nar.TypeRegular {
			continue
		}
		explicitProducts = true

		for _, line := range strings.Split(productsFile.Contents, "\n") {
			product, ok := parseProductLine(line)
			if !ok {
				continue
			}

			// The path must point into the store and actually exist in one
			// of the outputs.
			if product.Path == "" || product.Path[0] != '/' {
				continue
			}
			product.Path = path.Clean(product.Path)
			if !strings.HasPrefix(product.Path, s.destStore.StoreDir()+"/") {
				continue
			}
			file, ok := narMembers[product.Path]
			if !ok {
				continue
			}

			if product.Path == string(output) {
				product.Name = ""
			} else {
				product.Name = path.Base(product.Path)
				if !productNameRegexp.MatchString(product.Name) {
					product.Name = ""
				}
			}

			if file.Type == nar.TypeRegular {
				product.IsRegular = true
				product.FileSize = file.FileSize
				product.SHA256Hash = hex.EncodeToString(file.SHA256)
			}

			res.Products = append(res.Products, *product)
		}
	}

	// If no build products were declared, add each output directory as a
	// product of type "nix-build".
	if !explicitProducts {
		for name, output := range res.Outputs {
			member, ok := narMembers[string(output)]
			if !ok || member.Type != nar.TypeDirectory {
				continue
			}
			subType := name
			if name == "out" {
				subType = ""
			}
			res.Products = append(res.Products, models.BuildProduct{
				Path:    string(output),
				Type:    "nix-build",
				SubType: subType,
				Name:    output.Name(),
			})
		}
	}

	// Get the release name.
	for _, output := range outputs {
		file, ok := narMembers[string(output)+"/nix-support/hydra-release-name"]
		if !ok || file.Type != nar.TypeRegular {
			continue
		}
		contents := strings.TrimSpace(file.Contents)
		if releaseNameRegexp.MatchString(contents) {
			res.ReleaseName = contents
		}
	}

	// Get the metrics.
	for _, output := range outputs {
		file, ok := narMembers[string(output)+"/nix-support/hydra-metrics"]
		if !ok || file.Type != nar.TypeRegular {
			continue
		}
		for _, line := range strings.Split(file.Contents, "\n") {
			fields := strings.Fields(line)
			if len(fields) < 2 {
				continue
			}
			if !metricNameRegexp.MatchString(fields[0]) {
				continue
			}
			value, err := strconv.ParseFloat(fields[1], 64)
			if err != nil {
				continue // skip this metric
			}
			metric := models.BuildMetric{Name: fields[0], Value: value}
			if len(fields) >= 3 && metricUnitRegexp.MatchString(fields[2]) {
				metric.Unit = fields[2]
			}
			res.Metrics[metric.Name] = metric
		}
	}

	return res, nil
}

func parseProductLine(line string) (*models.BuildProduct, bool) {
	match := productLineRegexp.FindStringSubmatch(line)
	if match == nil {
		return nil, false
	}
	productPath := match[3]
	if strings.HasPrefix(productPath, `"`) && strings.HasSuffix(productPath, `"`) {
		productPath = productPath[1 : len(productPath)-1]
	}
	return &models.BuildProduct{
		Type:        match[1],
		SubType:     match[2],
		Path:        productPath,
		DefaultPath: match[5],
	}, true
}
