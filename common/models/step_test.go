package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hydrogen-ci/hydrogen/nix"
)

// diamond builds the graph top -> {mid1, mid2} -> bottom.
func diamond() (top, mid1, mid2, bottom *Step) {
	top = NewStep(nix.StorePath("/nix/store/aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa-top.drv"))
	mid1 = NewStep(nix.StorePath("/nix/store/bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb-mid1.drv"))
	mid2 = NewStep(nix.StorePath("/nix/store/cccccccccccccccccccccccccccccccc-mid2.drv"))
	bottom = NewStep(nix.StorePath("/nix/store/dddddddddddddddddddddddddddddddd-bottom.drv"))

	link := func(parent, child *Step) {
		parent.WithState(func(st *StepState) { st.Deps[child] = true })
		child.WithState(func(st *StepState) { st.Rdeps = append(st.Rdeps, parent) })
	}
	link(top, mid1)
	link(top, mid2)
	link(mid1, bottom)
	link(mid2, bottom)
	return top, mid1, mid2, bottom
}

func TestVisitDependenciesVisitsSharedSubgraphsOnce(t *testing.T) {
	top, _, _, _ := diamond()

	var visited []*Step
	VisitDependencies(func(s *Step) { visited = append(visited, s) }, top)

	assert.Len(t, visited, 4, "the shared bottom step must be visited exactly once")
	seen := make(map[*Step]int)
	for _, s := range visited {
		seen[s]++
	}
	for s, n := range seen {
		assert.Equal(t, 1, n, "step %s visited more than once", s.DrvPath)
	}
}

func TestGetDependents(t *testing.T) {
	top, _, _, bottom := diamond()

	build := &Build{ID: 7, DrvPath: top.DrvPath, Toplevel: top}
	top.WithState(func(st *StepState) { st.Builds = append(st.Builds, build) })

	builds, steps := GetDependents(bottom)
	require.Len(t, builds, 1)
	assert.Equal(t, int64(7), builds[0].ID)
	assert.Len(t, steps, 4)

	// A finished build no longer counts as a dependent.
	build.SetFinishedInDB()
	builds, _ = GetDependents(bottom)
	assert.Empty(t, builds)
}

func TestPropagatePriorities(t *testing.T) {
	top, mid1, mid2, bottom := diamond()

	jobset := NewJobset(1, "proj", "main")
	build := &Build{ID: 42, DrvPath: top.DrvPath, Toplevel: top, LocalPriority: 5, Jobset: jobset}
	build.SetGlobalPriority(10)
	top.WithState(func(st *StepState) { st.Builds = append(st.Builds, build) })

	build.PropagatePriorities()

	for _, step := range []*Step{top, mid1, mid2, bottom} {
		step.WithState(func(st *StepState) {
			assert.Equal(t, 10, st.HighestGlobalPriority)
			assert.Equal(t, 5, st.HighestLocalPriority)
			assert.Equal(t, int64(42), st.LowestBuildID)
			assert.True(t, st.Jobsets[jobset])
		})
	}

	// Priorities are monotone: a lower-priority build does not lower them,
	// but a lower build ID wins.
	build2 := &Build{ID: 17, DrvPath: top.DrvPath, Toplevel: top, LocalPriority: 1}
	build2.SetGlobalPriority(3)
	top.WithState(func(st *StepState) { st.Builds = append(st.Builds, build2) })
	build2.PropagatePriorities()

	top.WithState(func(st *StepState) {
		assert.Equal(t, 10, st.HighestGlobalPriority)
		assert.Equal(t, 5, st.HighestLocalPriority)
		assert.Equal(t, int64(17), st.LowestBuildID)
	})
}
