package queuerunner

import (
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hydrogen-ci/hydrogen/common/logger"
)

func newTestState(t *testing.T) *State {
	return NewState(Config{}, nil, nil, nil, clock.NewMock(), logger.MakeNopLogFactory())
}

func TestParseMachinesLine(t *testing.T) {
	machine, err := parseMachinesLine("builder1 x86_64-linux,aarch64-linux /etc/keys/id 4 2.5 kvm,big-parallel benchmark -")
	require.Nil(t, err)
	require.NotNil(t, machine)
	assert.Equal(t, "builder1", machine.SSHName)
	assert.True(t, machine.SystemTypes["x86_64-linux"])
	assert.True(t, machine.SystemTypes["aarch64-linux"])
	assert.Equal(t, "/etc/keys/id", machine.SSHKey)
	assert.Equal(t, 4, machine.MaxJobs)
	assert.Equal(t, 2.5, machine.SpeedFactor)
	assert.True(t, machine.SupportedFeatures["kvm"])
	// Mandatory features are automatically supported.
	assert.True(t, machine.SupportedFeatures["benchmark"])
	assert.True(t, machine.MandatoryFeatures["benchmark"])
	assert.Empty(t, machine.SSHPublicHostKey)
}

func TestParseMachinesLineDefaults(t *testing.T) {
	machine, err := parseMachinesLine("host x86_64-linux -")
	require.Nil(t, err)
	require.NotNil(t, machine)
	assert.Equal(t, "", machine.SSHKey)
	assert.Equal(t, 1, machine.MaxJobs)
	assert.Equal(t, 1.0, machine.SpeedFactor)
	assert.Empty(t, machine.SupportedFeatures)
	assert.Empty(t, machine.MandatoryFeatures)
}

func TestParseMachinesLineIgnoresCommentsAndShortLines(t *testing.T) {
	for _, line := range []string{
		"",
		"# a comment",
		"host",
		"host x86_64-linux",
		"host x86_64-linux # - 4", // comment cuts the line down to two tokens
	} {
		machine, err := parseMachinesLine(line)
		require.Nil(t, err)
		assert.Nil(t, machine, "line %q must be ignored", line)
	}

	machine, err := parseMachinesLine("host x86_64-linux - 2 # trailing comment")
	require.Nil(t, err)
	require.NotNil(t, machine)
	assert.Equal(t, 2, machine.MaxJobs)
}

func TestParseMachinesLineHostKey(t *testing.T) {
	machine, err := parseMachinesLine("host x86_64-linux - 1 1 - - c3NoLWtleQ==")
	require.Nil(t, err)
	require.NotNil(t, machine)
	assert.Equal(t, "ssh-key", machine.SSHPublicHostKey)

	_, err = parseMachinesLine("host x86_64-linux - 1 1 - - !!!notbase64!!!")
	require.NotNil(t, err)
}

func TestParseMachinesCarriesStateAcrossReloads(t *testing.T) {
	s := newTestState(t)

	require.Nil(t, s.parseMachines("builder1 x86_64-linux - 4 1 - - -\nbuilder2 x86_64-linux - 2 1 - - -"))
	machines := s.getMachines()
	require.Len(t, machines, 2)

	s.machinesMu.RLock()
	builder1 := s.machines["builder1"]
	s.machinesMu.RUnlock()
	builder1.State.CurrentJobs.Add(3)

	// Reload with builder1 changed and builder2 gone.
	require.Nil(t, s.parseMachines("builder1 x86_64-linux,aarch64-linux - 8 1 - - -"))

	s.machinesMu.RLock()
	defer s.machinesMu.RUnlock()
	require.Len(t, s.machines, 2)
	assert.Equal(t, 8, s.machines["builder1"].MaxJobs)
	assert.Equal(t, int64(3), s.machines["builder1"].State.CurrentJobs.Load(),
		"per-machine state must survive a reload")
	assert.False(t, s.machines["builder2"].Enabled, "a removed machine stays as a disabled entry")
}

func TestStepKeyOf(t *testing.T) {
	assert.Equal(t, "x86_64-linux", stepKeyOf("x86_64-linux", nil, false))
	assert.Equal(t, "x86_64-linux:kvm", stepKeyOf("x86_64-linux", map[string]bool{"kvm": true}, false))
	assert.Equal(t, "x86_64-linux:kvm,local", stepKeyOf("x86_64-linux", map[string]bool{"kvm": true}, true))
}
