package queuerunner

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hydrogen-ci/hydrogen/common/logger"
	"github.com/hydrogen-ci/hydrogen/common/models"
	"github.com/hydrogen-ci/hydrogen/nix"
	"github.com/hydrogen-ci/hydrogen/server/store"
	"github.com/hydrogen-ci/hydrogen/server/store/migrations"
)

type monitorFixture struct {
	state      *State
	db         *store.DB
	localStore *nix.LocalStore
	destStore  *nix.LocalStore
	jobsetID   int64
	rootsDir   string
}

func newMonitorFixture(t *testing.T) *monitorFixture {
	ctx := context.Background()
	dir := t.TempDir()
	logFactory := logger.MakeNopLogFactory()

	db, cleanup, err := store.NewDatabase(ctx, store.DatabaseConfig{
		Driver:             store.Sqlite,
		ConnectionString:   store.DatabaseConnectionString(filepath.Join(dir, "test.db")),
		MaxIdleConnections: 1,
		MaxOpenConnections: 2,
	}, migrations.NewQueueRunnerMigrateRunner(logFactory))
	require.Nil(t, err)
	t.Cleanup(cleanup)

	localStore, err := nix.OpenLocalStore(filepath.Join(dir, "store"), filepath.Join(dir, "state"))
	require.Nil(t, err)
	destStore, err := nix.OpenLocalStore(filepath.Join(dir, "dest-store"), filepath.Join(dir, "dest-state"))
	require.Nil(t, err)

	rootsDir := filepath.Join(dir, "roots")
	state := NewState(Config{
		RootsDir:       rootsDir,
		LogDir:         filepath.Join(dir, "logs"),
		DataDir:        dir,
		UseSubstitutes: false,
	}, db, localStore, destStore, clock.NewMock(), logFactory)

	jobsetID, err := state.jobsetStore.Create(ctx, nil, "patchelf", "master", 100)
	require.Nil(t, err)

	return &monitorFixture{
		state:      state,
		db:         db,
		localStore: localStore,
		destStore:  destStore,
		jobsetID:   jobsetID,
		rootsDir:   rootsDir,
	}
}

// writeDerivation creates a derivation with the given input derivations in
// the local store, returning it and its path.
func (f *monitorFixture) writeDerivation(t *testing.T, name string, inputs map[nix.StorePath][]string) (*nix.Derivation, nix.StorePath) {
	hashPart := nix.EncodeBase32(nix.CompressHash(nix.HashString(name), 20))
	outPath := nix.StorePath(f.localStore.StoreDir() + "/" + hashPart + "-" + name)
	drv := &nix.Derivation{
		Name:      name,
		Outputs:   map[string]nix.DerivationOutput{"out": {Path: outPath}},
		InputDrvs: inputs,
		Platform:  "x86_64-linux",
		Builder:   "/bin/sh",
		Env:       map[string]string{"out": string(outPath)},
	}
	drvPath, err := f.localStore.WriteDerivation(context.Background(), drv)
	require.Nil(t, err)
	return drv, drvPath
}

// materializeOutput makes the derivation's output valid in the given store.
func (f *monitorFixture) materializeOutput(t *testing.T, s *nix.LocalStore, drv *nix.Derivation) nix.StorePath {
	src := filepath.Join(t.TempDir(), "out")
	require.Nil(t, os.MkdirAll(src, 0755))
	require.Nil(t, os.WriteFile(filepath.Join(src, "result"), []byte(drv.Name), 0644))
	outPath := drv.Outputs["out"].Path
	require.Nil(t, s.ImportFromDirectory(context.Background(), outPath, src, nil))
	return outPath
}

func (f *monitorFixture) queueBuild(t *testing.T, job string, drvPath nix.StorePath, globalPriority int) int64 {
	id, err := f.state.buildStore.CreateQueued(context.Background(), nil, f.jobsetID, job, string(drvPath), globalPriority, 100)
	require.Nil(t, err)
	return id
}

func (f *monitorFixture) buildRow(t *testing.T, id int64) (finished, status, isCached int) {
	type row struct {
		Finished    int `db:"finished"`
		BuildStatus int `db:"buildstatus"`
		IsCached    int `db:"iscachedbuild"`
	}
	var r row
	err := f.db.Read(nil, func(rd store.Reader) error {
		ok, err := rd.ScanStructContext(context.Background(), &r,
			"select finished, coalesce(buildstatus, -1) as buildstatus, coalesce(iscachedbuild, 0) as iscachedbuild from builds where id = $1", id)
		require.True(t, ok)
		return err
	})
	require.Nil(t, err)
	return r.Finished, r.BuildStatus, r.IsCached
}

// A derivation whose outputs exist nowhere becomes a runnable step.
func TestMonitorCreatesRunnableStep(t *testing.T) {
	f := newMonitorFixture(t)
	ctx := context.Background()

	_, drvPath := f.writeDerivation(t, "plain-1.0", nil)
	buildID := f.queueBuild(t, "plain", drvPath, 0)

	done, err := f.state.getQueuedBuilds(ctx)
	require.Nil(t, err)
	assert.True(t, done)

	f.state.buildsMu.Lock()
	build := f.state.builds[buildID]
	f.state.buildsMu.Unlock()
	require.NotNil(t, build)
	require.NotNil(t, build.Toplevel)
	assert.Equal(t, drvPath, build.Toplevel.DrvPath)

	f.state.runnableMu.Lock()
	defer f.state.runnableMu.Unlock()
	require.Len(t, f.state.runnable, 1)
	f.state.runnable[0].WithState(func(st *models.StepState) {
		assert.True(t, st.Created)
		assert.Empty(t, st.Deps)
	})
}

// Scenario: the build's derivation output is present only in the local store; the
// monitor copies it to the destination store, records a substitution step
// and finishes the build as cached without dispatching anything.
func TestMonitorSubstitutesMissingOutputs(t *testing.T) {
	f := newMonitorFixture(t)
	ctx := context.Background()

	drv, drvPath := f.writeDerivation(t, "subst-1.0", nil)
	outPath := f.materializeOutput(t, f.localStore, drv)
	buildID := f.queueBuild(t, "subst", drvPath, 0)

	_, err := f.state.getQueuedBuilds(ctx)
	require.Nil(t, err)

	// The output was copied into the destination store.
	ok, err := f.destStore.IsValidPath(ctx, outPath)
	require.Nil(t, err)
	assert.True(t, ok)

	// One substitution step was recorded.
	type stepRow struct {
		Type   int `db:"type"`
		Status int `db:"status"`
	}
	var steps []*stepRow
	err = f.db.Read(nil, func(rd store.Reader) error {
		return rd.ScanStructsContext(ctx, &steps,
			"select type, status from buildsteps where build = $1", buildID)
	})
	require.Nil(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, models.StepTypeSubstitution, steps[0].Type)
	assert.Equal(t, int(models.BuildStatusSuccess), steps[0].Status)

	// The build finished successfully, cached, without a worker.
	finished, status, isCached := f.buildRow(t, buildID)
	assert.Equal(t, 1, finished)
	assert.Equal(t, int(models.BuildStatusSuccess), status)
	assert.Equal(t, 1, isCached)

	// A GC root was planted for the output.
	_, err = os.Lstat(filepath.Join(f.rootsDir, outPath.Base()))
	assert.Nil(t, err)

	// Nothing is left to dispatch.
	f.state.runnableMu.Lock()
	defer f.state.runnableMu.Unlock()
	assert.Empty(t, f.state.runnable)
}

// Scenario: an output recorded in FailedPaths finishes the build as a cached
// failure without contacting any machine.
func TestMonitorCachedFailure(t *testing.T) {
	f := newMonitorFixture(t)
	ctx := context.Background()

	drv, drvPath := f.writeDerivation(t, "doomed-1.0", nil)
	require.Nil(t, f.state.failedPathStore.Insert(ctx, nil, []nix.StorePath{drv.Outputs["out"].Path}))
	buildID := f.queueBuild(t, "doomed", drvPath, 0)

	_, err := f.state.getQueuedBuilds(ctx)
	require.Nil(t, err)

	finished, status, isCached := f.buildRow(t, buildID)
	assert.Equal(t, 1, finished)
	assert.Equal(t, int(models.BuildStatusFailed), status)
	assert.Equal(t, 1, isCached)

	// No worker ran: the only step row is the cached-failure marker.
	var busyCount int
	err = f.db.Read(nil, func(rd store.Reader) error {
		_, err := rd.ScanValContext(ctx, &busyCount,
			"select count(*) from buildsteps where build = $1 and busy != 0", buildID)
		return err
	})
	require.Nil(t, err)
	assert.Zero(t, busyCount)

	f.state.runnableMu.Lock()
	defer f.state.runnableMu.Unlock()
	assert.Empty(t, f.state.runnable)
}

// Inserting an already-failed path again is a no-op.
func TestFailedPathsIdempotence(t *testing.T) {
	f := newMonitorFixture(t)
	ctx := context.Background()

	path := nix.StorePath(f.localStore.StoreDir() + "/" + nix.EncodeBase32(nix.CompressHash(nix.HashString("fp"), 20)) + "-fp-1.0")
	require.Nil(t, f.state.failedPathStore.Insert(ctx, nil, []nix.StorePath{path}))
	require.Nil(t, f.state.failedPathStore.Insert(ctx, nil, []nix.StorePath{path}))

	found, err := f.state.failedPathStore.ContainsAny(ctx, nil, []nix.StorePath{path})
	require.Nil(t, err)
	assert.True(t, found)
}

// Scenario: a priority bump in the database propagates to every step of the
// build's subgraph within one queue-change pass.
func TestMonitorPriorityBump(t *testing.T) {
	f := newMonitorFixture(t)
	ctx := context.Background()

	_, depDrvPath := f.writeDerivation(t, "dep-1.0", nil)
	_, topDrvPath := f.writeDerivation(t, "top-1.0", map[nix.StorePath][]string{depDrvPath: {"out"}})
	buildID := f.queueBuild(t, "bumped", topDrvPath, 0)

	_, err := f.state.getQueuedBuilds(ctx)
	require.Nil(t, err)

	f.state.stepsMu.Lock()
	topStep := f.state.steps[topDrvPath]
	depStep := f.state.steps[depDrvPath]
	f.state.stepsMu.Unlock()
	require.NotNil(t, topStep)
	require.NotNil(t, depStep)

	for _, step := range []*models.Step{topStep, depStep} {
		step.WithState(func(st *models.StepState) {
			assert.Equal(t, 0, st.HighestGlobalPriority)
		})
	}

	// Bump the priority in the database and process the change.
	err = f.db.Write(nil, func(w store.Writer) error {
		_, err := w.ExecContext(ctx, "update builds set globalpriority = 100 where id = $1", buildID)
		return err
	})
	require.Nil(t, err)
	require.Nil(t, f.state.processQueueChange(ctx))

	for _, step := range []*models.Step{topStep, depStep} {
		step.WithState(func(st *models.StepState) {
			assert.Equal(t, 100, st.HighestGlobalPriority)
		})
	}
}

// A build cancelled in the database disappears from the in-memory map, and
// abandoned steps are pruned from the runnable set.
func TestMonitorCancellation(t *testing.T) {
	f := newMonitorFixture(t)
	ctx := context.Background()

	_, drvPath := f.writeDerivation(t, "gone-1.0", nil)
	buildID := f.queueBuild(t, "gone", drvPath, 0)

	_, err := f.state.getQueuedBuilds(ctx)
	require.Nil(t, err)

	err = f.db.Write(nil, func(w store.Writer) error {
		_, err := w.ExecContext(ctx, "update builds set finished = 1, buildstatus = 4 where id = $1", buildID)
		return err
	})
	require.Nil(t, err)
	require.Nil(t, f.state.processQueueChange(ctx))

	f.state.buildsMu.Lock()
	_, stillThere := f.state.builds[buildID]
	f.state.buildsMu.Unlock()
	assert.False(t, stillThere)

	// The next dispatch pass prunes the abandoned step.
	f.state.runnableMu.Lock()
	step := f.state.runnable[0]
	f.state.runnableMu.Unlock()
	assert.True(t, stepAbandoned(step))
}
