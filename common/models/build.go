package models

import (
	"fmt"
	"sync/atomic"

	"github.com/hydrogen-ci/hydrogen/nix"
)

// Build is a user-visible build request loaded from the queue. It holds a
// strong reference to its top-level step only; everything below hangs off
// the step dependency edges.
type Build struct {
	ID            int64
	DrvPath       nix.StorePath
	JobsetID      int64
	ProjectName   string
	JobsetName    string
	JobName       string
	Timestamp     int64
	MaxSilentTime int
	BuildTimeout  int
	LocalPriority int

	// GlobalPriority may be bumped by the queue monitor while the build is
	// in flight.
	globalPriority atomic.Int64

	Toplevel *Step
	Jobset   *Jobset

	// finishedInDB is set once a finishing transaction for this build has
	// committed; the build is then dead weight awaiting removal.
	finishedInDB atomic.Bool
}

func (b *Build) FullJobName() string {
	return fmt.Sprintf("%s:%s:%s", b.ProjectName, b.JobsetName, b.JobName)
}

func (b *Build) GlobalPriority() int {
	return int(b.globalPriority.Load())
}

func (b *Build) SetGlobalPriority(p int) {
	b.globalPriority.Store(int64(p))
}

func (b *Build) FinishedInDB() bool {
	return b.finishedInDB.Load()
}

func (b *Build) SetFinishedInDB() {
	b.finishedInDB.Store(true)
}

// PropagatePriorities pushes this build's priorities and ID down its step
// subgraph. The dispatcher starts steps in order of ascending lowest build
// ID; the priority fields are not used in that order. Priority fields are
// monotone under max, so races with concurrent propagation are harmless.
func (b *Build) PropagatePriorities() {
	if b.Toplevel == nil {
		return
	}
	VisitDependencies(func(step *Step) {
		step.WithState(func(st *StepState) {
			if p := b.GlobalPriority(); p > st.HighestGlobalPriority {
				st.HighestGlobalPriority = p
			}
			if b.LocalPriority > st.HighestLocalPriority {
				st.HighestLocalPriority = b.LocalPriority
			}
			if b.ID < st.LowestBuildID {
				st.LowestBuildID = b.ID
			}
			if b.Jobset != nil {
				st.Jobsets[b.Jobset] = true
			}
		})
	}, b.Toplevel)
}
