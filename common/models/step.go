package models

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hydrogen-ci/hydrogen/nix"
)

// Step is a single derivation to be built. Steps are shared: any number of
// builds and referring steps may point at the same step. Downward deps edges
// are the strong edges of the graph; rdeps and builds point upward and may
// reference builds that have since finished.
type Step struct {
	DrvPath                nix.StorePath
	Drv                    *nix.Derivation
	RequiredSystemFeatures map[string]bool
	PreferLocalBuild       bool
	IsDeterministic        bool

	// SystemType is the platform plus the required feature set; machines
	// advertise the system types they can build.
	SystemType string

	// finished is set when a terminal status for the step has been committed
	// and the step has been unlinked from the step table. An entry observed
	// with finished set is stale and must be re-created.
	finished atomic.Bool

	mu    sync.Mutex
	state StepState
}

// StepState is the mutable portion of a step, guarded by the step's mutex.
type StepState struct {
	// Created is set once the step's inputs have been fully inspected.
	// A step is runnable only when Created is true and Deps is empty.
	Created bool

	// Deps are the steps this step still waits for.
	Deps map[*Step]bool

	// Rdeps are the steps waiting for this step.
	Rdeps []*Step

	// Builds that have this step as their top-level derivation.
	Builds []*Build

	// Jobsets this step's wall time is accounted to.
	Jobsets map[*Jobset]bool

	// Tries and After implement retry back-off.
	Tries int
	After time.Time

	// Dispatch keys propagated down from referring builds.
	HighestGlobalPriority int
	HighestLocalPriority  int
	LowestBuildID         int64

	// RunnableSince is when the step entered the runnable set.
	RunnableSince time.Time
}

func NewStep(drvPath nix.StorePath) *Step {
	return &Step{
		DrvPath: drvPath,
		state: StepState{
			Deps:          make(map[*Step]bool),
			Jobsets:       make(map[*Jobset]bool),
			LowestBuildID: math.MaxInt64,
		},
	}
}

// WithState runs fn with the step state locked. fn must not block on I/O or
// acquire other step locks.
func (s *Step) WithState(fn func(st *StepState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.state)
}

func (s *Step) Finished() bool {
	return s.finished.Load()
}

func (s *Step) SetFinished() {
	s.finished.Store(true)
}

// GetDependents collects the unfinished builds and the steps that depend on
// step, including step itself, by walking the rdeps edges upward.
func GetDependents(step *Step) (builds []*Build, steps []*Step) {
	seen := make(map[*Step]bool)
	var visit func(s *Step)
	visit = func(s *Step) {
		if seen[s] {
			return
		}
		seen[s] = true
		steps = append(steps, s)

		var rdeps []*Step
		s.WithState(func(st *StepState) {
			for _, b := range st.Builds {
				if !b.FinishedInDB() {
					builds = append(builds, b)
				}
			}
			// Copy rdeps so the lock isn't held during recursion.
			rdeps = append(rdeps, st.Rdeps...)
		})
		for _, rdep := range rdeps {
			visit(rdep)
		}
	}
	visit(step)
	return builds, steps
}

// VisitDependencies calls visitor for start and every step it transitively
// depends on. Shared subgraphs are visited once.
func VisitDependencies(visitor func(*Step), start *Step) {
	queued := map[*Step]bool{start: true}
	todo := []*Step{start}
	for len(todo) > 0 {
		step := todo[0]
		todo = todo[1:]

		visitor(step)

		step.WithState(func(st *StepState) {
			for dep := range st.Deps {
				if !queued[dep] {
					queued[dep] = true
					todo = append(todo, dep)
				}
			}
		})
	}
}
