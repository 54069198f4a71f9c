package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/hydrogen-ci/hydrogen/nix"
)

func testStep(platform string, features ...string) *Step {
	step := NewStep(nix.StorePath("/nix/store/aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa-x.drv"))
	step.Drv = &nix.Derivation{Platform: platform}
	step.RequiredSystemFeatures = map[string]bool{}
	for _, f := range features {
		step.RequiredSystemFeatures[f] = true
	}
	return step
}

func TestSupportsStep(t *testing.T) {
	machine := &Machine{
		SystemTypes:       map[string]bool{"x86_64-linux": true},
		SupportedFeatures: map[string]bool{"kvm": true, "big-parallel": true},
		MandatoryFeatures: map[string]bool{},
		State:             NewMachineState(),
	}

	assert.True(t, machine.SupportsStep(testStep("x86_64-linux"), "x86_64-linux"))
	assert.False(t, machine.SupportsStep(testStep("aarch64-linux"), "x86_64-linux"))

	// "builtin" steps run on the local system type.
	assert.True(t, machine.SupportsStep(testStep("builtin"), "x86_64-linux"))

	// Step features must all be supported.
	assert.True(t, machine.SupportsStep(testStep("x86_64-linux", "kvm"), "x86_64-linux"))
	assert.False(t, machine.SupportsStep(testStep("x86_64-linux", "benchmark"), "x86_64-linux"))

	// A machine with a mandatory feature only takes steps that require it.
	bench := &Machine{
		SystemTypes:       map[string]bool{"x86_64-linux": true},
		SupportedFeatures: map[string]bool{"benchmark": true},
		MandatoryFeatures: map[string]bool{"benchmark": true},
		State:             NewMachineState(),
	}
	assert.False(t, bench.SupportsStep(testStep("x86_64-linux"), "x86_64-linux"))
	assert.True(t, bench.SupportsStep(testStep("x86_64-linux", "benchmark"), "x86_64-linux"))

	// The "local" mandatory feature matches preferLocalBuild steps.
	local := &Machine{
		SystemTypes:       map[string]bool{"x86_64-linux": true},
		SupportedFeatures: map[string]bool{"local": true},
		MandatoryFeatures: map[string]bool{"local": true},
		State:             NewMachineState(),
	}
	prefer := testStep("x86_64-linux")
	prefer.PreferLocalBuild = true
	assert.True(t, local.SupportsStep(prefer, "x86_64-linux"))
	assert.False(t, local.SupportsStep(testStep("x86_64-linux"), "x86_64-linux"))
}

func TestSendLock(t *testing.T) {
	state := NewMachineState()
	assert.True(t, state.AcquireSendLock(time.Second))
	// A second acquisition times out while the lock is held.
	assert.False(t, state.AcquireSendLock(10*time.Millisecond))
	state.ReleaseSendLock()
	assert.True(t, state.AcquireSendLock(time.Second))
	state.ReleaseSendLock()
}
