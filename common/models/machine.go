package models

import (
	"sync"
	"sync/atomic"
	"time"
)

// Machine is a remote builder. The Machine value itself is immutable and
// replaced wholesale when the machines file is reloaded; State carries over
// between reloads by machine name.
type Machine struct {
	Enabled bool

	SSHName           string
	SSHKey            string
	SystemTypes       map[string]bool
	SupportedFeatures map[string]bool
	MandatoryFeatures map[string]bool
	MaxJobs           int
	SpeedFactor       float64
	SSHPublicHostKey  string

	State *MachineState
}

// MachineState is the mutable, reload-surviving state of a machine.
type MachineState struct {
	CurrentJobs        atomic.Int64
	NrStepsDone        atomic.Int64
	TotalStepTime      atomic.Int64 // seconds, includes closure copying
	TotalStepBuildTime atomic.Int64 // seconds
	IdleSince          atomic.Int64

	mu                  sync.Mutex
	lastFailure         time.Time
	disabledUntil       time.Time
	consecutiveFailures int

	// sendLock serialises closure streaming to the machine; concurrent
	// senders would interleave badly on the single SSH channel.
	sendLock chan struct{}
}

func NewMachineState() *MachineState {
	return &MachineState{sendLock: make(chan struct{}, 1)}
}

// AcquireSendLock blocks until the send lock is free or timeout elapses.
// Returns false on timeout: the caller may proceed without the lock rather
// than stall behind a pathological head-of-line transfer.
func (s *MachineState) AcquireSendLock(timeout time.Duration) bool {
	select {
	case s.sendLock <- struct{}{}:
		return true
	case <-time.After(timeout):
		return false
	}
}

// ReleaseSendLock must only be called after AcquireSendLock returned true.
func (s *MachineState) ReleaseSendLock() {
	<-s.sendLock
}

// ConnectInfo returns the failure back-off state.
func (s *MachineState) ConnectInfo() (lastFailure, disabledUntil time.Time, consecutiveFailures int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastFailure, s.disabledUntil, s.consecutiveFailures
}

func (s *MachineState) SetConnectInfo(lastFailure, disabledUntil time.Time, consecutiveFailures int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastFailure = lastFailure
	s.disabledUntil = disabledUntil
	s.consecutiveFailures = consecutiveFailures
}

func (s *MachineState) ClearConsecutiveFailures() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutiveFailures = 0
}

// SupportsStep reports whether the machine can execute the step: it must
// build for the step's platform, the step must exercise every mandatory
// feature of the machine, and the machine must support every feature the
// step requires. A machine whose mandatory features include "benchmark" will
// only run steps that require "benchmark"; the preferLocalBuild bit maps to
// the "local" feature.
func (m *Machine) SupportsStep(step *Step, localSystem string) bool {
	platform := step.Drv.Platform
	if platform == "builtin" {
		platform = localSystem
	}
	if !m.SystemTypes[platform] {
		return false
	}
	for f := range m.MandatoryFeatures {
		if !step.RequiredSystemFeatures[f] && !(f == "local" && step.PreferLocalBuild) {
			return false
		}
	}
	for f := range step.RequiredSystemFeatures {
		if !m.SupportedFeatures[f] {
			return false
		}
	}
	return true
}
