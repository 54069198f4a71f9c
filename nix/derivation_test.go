package nix

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleDerivation() *Derivation {
	out := testPath("hello-2.12")
	inputDrv := testPath("dep-1.0.drv")
	src := testPath("hello-2.12.tar.gz")
	return &Derivation{
		Name: "hello-2.12",
		Outputs: map[string]DerivationOutput{
			"out": {Path: out},
		},
		InputDrvs: map[StorePath][]string{
			inputDrv: {"out"},
		},
		InputSrcs: []StorePath{src},
		Platform:  "x86_64-linux",
		Builder:   "/bin/sh",
		Args:      []string{"-c", "echo \"quoted\" > $out\n"},
		Env: map[string]string{
			"out":     string(out),
			"builder": "/bin/sh",
			"tricky":  "tab\there \"and\" backslash\\",
		},
	}
}

func TestDerivationRoundTrip(t *testing.T) {
	drv := sampleDerivation()
	text := drv.Unparse()

	parsed, err := ParseDerivation(DefaultStoreDir, drv.Name, text)
	require.Nil(t, err)

	assert.Equal(t, drv.Outputs, parsed.Outputs)
	assert.Equal(t, drv.InputDrvs, parsed.InputDrvs)
	assert.Equal(t, drv.InputSrcs, parsed.InputSrcs)
	assert.Equal(t, drv.Platform, parsed.Platform)
	assert.Equal(t, drv.Builder, parsed.Builder)
	assert.Equal(t, drv.Args, parsed.Args)
	assert.Equal(t, drv.Env, parsed.Env)

	// Unparsing the parse must reproduce the canonical form.
	assert.Equal(t, text, parsed.Unparse())
}

func TestParseDerivationRejectsGarbage(t *testing.T) {
	_, err := ParseDerivation(DefaultStoreDir, "x", "NotADerivation()")
	require.NotNil(t, err)

	_, err = ParseDerivation(DefaultStoreDir, "x", `Derive([("out","/etc/evil","","")],[],[],"x","/bin/sh",[],[])`)
	require.NotNil(t, err)
}

func TestOutputPaths(t *testing.T) {
	drv := sampleDerivation()
	drv.Outputs["doc"] = DerivationOutput{} // floating output, no path yet
	paths := drv.OutputPaths()
	require.Len(t, paths, 1)
	assert.Contains(t, paths, "out")
	assert.Equal(t, []string{"doc", "out"}, drv.OutputNames())
}
