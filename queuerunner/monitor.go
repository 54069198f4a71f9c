package queuerunner

import (
	"context"
	"fmt"
	"time"

	"github.com/hydrogen-ci/hydrogen/common/logger"
	"github.com/hydrogen-ci/hydrogen/common/models"
	"github.com/hydrogen-ci/hydrogen/nix"
	"github.com/hydrogen-ci/hydrogen/server/store"
)

// previousFailureError aborts createStep when a step's outputs are recorded
// in FailedPaths. The signalling is local to one queue scan.
type previousFailureError struct {
	step *models.Step
}

func (e *previousFailureError) Error() string {
	return fmt.Sprintf("previous failure of %q", e.step.DrvPath)
}

// queueMonitor runs the monitor loop forever, reconnecting with a delay on
// database problems.
func (s *State) queueMonitor(ctx context.Context) {
	log := s.logFactory("QueueMonitor")
	for ctx.Err() == nil {
		err := s.queueMonitorLoop(ctx, log)
		if err != nil && ctx.Err() == nil {
			log.Errorf("queue monitor: %s", err)
			log.Error("queue monitor: retrying in 10s")
			s.clock.Sleep(10 * time.Second)
		}
	}
}

func (s *State) queueMonitorLoop(ctx context.Context, log logger.Log) error {
	listener, err := s.db.NewListener(s.logFactory,
		store.ChannelBuildsAdded,
		store.ChannelBuildsRestarted,
		store.ChannelBuildsCancelled,
		store.ChannelBuildsDeleted,
		store.ChannelBuildsBumped,
		store.ChannelJobsetSharesChanged,
	)
	if err != nil {
		return err
	}
	defer listener.Close()

	for ctx.Err() == nil {
		done, err := s.getQueuedBuilds(ctx)
		if err != nil {
			return err
		}

		if s.cfg.BuildOne != 0 && s.buildOneDone.Load() {
			return nil
		}

		// Sleep until the database notifies us, unless the last scan was cut
		// short; then only drain pending notifications.
		var notifications []store.Notification
		if done {
			select {
			case <-ctx.Done():
				return nil
			case n, ok := <-listener.Notifications():
				if !ok {
					return fmt.Errorf("database listener closed")
				}
				notifications = append(notifications, n)
				s.nrQueueWakeups.Add(1)
			}
		}
		for {
			select {
			case n, ok := <-listener.Notifications():
				if !ok {
					return fmt.Errorf("database listener closed")
				}
				notifications = append(notifications, n)
				continue
			default:
			}
			break
		}

		queueChanged, sharesChanged := false, false
		for _, n := range notifications {
			switch n.Channel {
			case store.ChannelBuildsAdded:
				log.Debugf("got notification: new builds added to the queue")
			case store.ChannelBuildsRestarted:
				log.Debugf("got notification: builds restarted")
			case store.ChannelBuildsCancelled, store.ChannelBuildsDeleted, store.ChannelBuildsBumped:
				log.Debugf("got notification: builds cancelled or bumped")
				queueChanged = true
			case store.ChannelJobsetSharesChanged:
				log.Debugf("got notification: jobset shares changed")
				sharesChanged = true
			}
		}
		if queueChanged {
			if err := s.processQueueChange(ctx); err != nil {
				return err
			}
		}
		if sharesChanged {
			if err := s.processJobsetSharesChange(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

// getQueuedBuilds checks the queue for new builds and instantiates their
// step graphs. Returns true once the full backlog has been processed; false
// means the scan yielded early so priority bumps can take effect.
func (s *State) getQueuedBuilds(ctx context.Context) (bool, error) {
	s.metrics.QueueChecksStarted.Inc()
	s.log.Infof("checking the queue for builds...")

	// Grab the queued builds from the database, but don't process them yet
	// (we don't want a long-running transaction).
	rows, err := s.buildStore.GetQueuedBuilds(ctx, nil)
	if err != nil {
		return false, err
	}

	var newIDs []int64
	newBuildsByID := make(map[int64]*models.Build)
	newBuildsByPath := make(map[nix.StorePath][]int64)

	s.buildsMu.Lock()
	for _, row := range rows {
		if s.cfg.BuildOne != 0 && row.ID != s.cfg.BuildOne {
			continue
		}
		if _, ok := s.builds[row.ID]; ok {
			continue
		}
		drvPath, err := nix.ParseStorePath(s.localStore.StoreDir(), row.DrvPath)
		if err != nil {
			s.buildsMu.Unlock()
			return false, fmt.Errorf("build %d has a bad derivation path: %w", row.ID, err)
		}
		build := &models.Build{
			ID:            row.ID,
			DrvPath:       drvPath,
			JobsetID:      row.JobsetID,
			ProjectName:   row.Project,
			JobsetName:    row.Jobset,
			JobName:       row.Job,
			Timestamp:     row.Timestamp,
			MaxSilentTime: row.MaxSilent,
			BuildTimeout:  row.Timeout,
			LocalPriority: row.Priority,
		}
		build.SetGlobalPriority(row.GlobalPriority)
		newIDs = append(newIDs, row.ID)
		newBuildsByID[row.ID] = build
		newBuildsByPath[drvPath] = append(newBuildsByPath[drvPath], row.ID)
	}
	s.buildsMu.Unlock()

	finishedDrvs := make(map[nix.StorePath]bool)
	var newRunnable map[*models.Step]bool
	var nrAdded int

	var createBuild func(build *models.Build) error
	createBuild = func(build *models.Build) error {
		s.metrics.QueueBuildLoads.Inc()
		s.log.Debugf("loading build %d (%s)", build.ID, build.FullJobName())
		nrAdded++
		delete(newBuildsByID, build.ID)

		jobset, err := s.createJobset(ctx, build.JobsetID, build.ProjectName, build.JobsetName)
		if err != nil {
			return err
		}
		build.Jobset = jobset

		valid, err := s.localStore.IsValidPath(ctx, build.DrvPath)
		if err != nil {
			return err
		}
		if !valid {
			// Derivation has been GC'ed prematurely.
			s.log.Errorf("aborting GC'ed build %d", build.ID)
			if !build.FinishedInDB() {
				now := s.clock.Now().Unix()
				err := s.withDBUpdate(ctx, func(tx *store.Tx) error {
					return s.buildStore.MarkFinished(ctx, tx, build.ID, models.BuildStatusAborted, now, now, false)
				})
				if err != nil {
					return err
				}
				build.SetFinishedInDB()
				s.nrBuildsDone.Add(1)
			}
			return nil
		}

		newSteps := make(map[*models.Step]bool)
		step, err := s.createStep(ctx, build, build.DrvPath, build, nil, finishedDrvs, newSteps, newRunnable)
		if err != nil {
			if prev, ok := err.(*previousFailureError); ok {
				// Some step previously failed, so mark the build as failed
				// right away.
				return s.markBuildCachedFailure(ctx, build, prev.step)
			}
			return err
		}

		// Some of the new steps may be the top level of builds we haven't
		// processed yet; do them now so step wall time is accounted to the
		// build that owns the step.
		for newStep := range newSteps {
			for _, id := range newBuildsByPath[newStep.DrvPath] {
				if b, ok := newBuildsByID[id]; ok {
					if err := createBuild(b); err != nil {
						return err
					}
				}
			}
		}

		// If we didn't get a step, the step's outputs are all valid, so this
		// is a finished, cached build.
		if step == nil {
			return s.markBuildCachedSuccess(ctx, build)
		}

		s.buildsMu.Lock()
		if !build.FinishedInDB() {
			s.builds[build.ID] = build
		}
		build.Toplevel = step
		s.buildsMu.Unlock()

		build.PropagatePriorities()

		s.log.Debugf("added build %d (top-level step %q, %d new steps)", build.ID, step.DrvPath, len(newSteps))
		return nil
	}

	start := s.clock.Now()
	for _, id := range newIDs {
		build, ok := newBuildsByID[id]
		if !ok {
			continue
		}

		loadStart := s.clock.Now()
		newRunnable = make(map[*models.Step]bool)
		nrAdded = 0
		if err := createBuild(build); err != nil {
			return false, fmt.Errorf("while loading build %d: %w", build.ID, err)
		}
		s.buildReadTimeMs.Add(s.clock.Since(loadStart).Milliseconds())

		// Add the new runnable build steps and wake up the dispatcher.
		s.log.Debugf("got %d new runnable steps from %d new builds", len(newRunnable), nrAdded)
		for step := range newRunnable {
			s.makeRunnable(step)
		}

		if s.cfg.BuildOne != 0 && len(newRunnable) == 0 {
			s.buildOneDone.Store(true)
		}

		s.nrBuildsRead.Add(int64(nrAdded))

		// Stop after a while to allow priority bumps to be processed.
		if s.clock.Since(start) > 60*time.Second {
			s.metrics.QueueChecksEarlyExits.Inc()
			return false, nil
		}
	}

	s.metrics.QueueChecksFinished.Inc()
	return true, nil
}

// markBuildCachedFailure finishes a build whose step (or dependency) has a
// recorded failed path, without building anything.
func (s *State) markBuildCachedFailure(ctx context.Context, build *models.Build, failedStep *models.Step) error {
	if s.cfg.BuildOne == build.ID {
		s.buildOneDone.Store(true)
	}
	s.log.Errorf("marking build %d as cached failure due to %q", build.ID, failedStep.DrvPath)
	if build.FinishedInDB() {
		return nil
	}

	err := s.withDBUpdate(ctx, func(tx *store.Tx) error {
		// Find the build step record that caused the failure, first by
		// derivation path, then by output path.
		propagatedFrom, err := s.stepStore.FindPreviousFailure(ctx, tx, failedStep.DrvPath, failedStep.Drv.OutputPaths())
		if err != nil {
			return err
		}

		_, err = s.stepStore.Create(ctx, tx, 0, build.ID, failedStep, "", models.BuildStatusCachedFailure, "", propagatedFrom)
		if err != nil {
			return err
		}

		status := models.BuildStatusFailed
		if failedStep.DrvPath != build.DrvPath {
			status = models.BuildStatusDepFailed
		}
		now := s.clock.Now().Unix()
		if err := s.buildStore.MarkFinished(ctx, tx, build.ID, status, now, now, true); err != nil {
			return err
		}
		return s.db.Notify(tx, store.ChannelBuildFinished, store.BuildFinishedPayload(build.ID, nil))
	})
	if err != nil {
		return err
	}
	build.SetFinishedInDB()
	s.nrBuildsDone.Add(1)
	return nil
}

// markBuildCachedSuccess finishes a build whose outputs were already valid in
// the destination store at monitor time.
func (s *State) markBuildCachedSuccess(ctx context.Context, build *models.Build) error {
	res, err := s.getBuildOutputCached(ctx, build.DrvPath)
	if err != nil {
		return err
	}

	drv, err := s.localStore.ReadDerivation(ctx, build.DrvPath)
	if err != nil {
		return err
	}
	for _, outPath := range drv.OutputPaths() {
		if err := s.addRoot(outPath); err != nil {
			return err
		}
	}

	if s.cfg.BuildOne == build.ID {
		s.buildOneDone.Store(true)
	}
	s.log.Infof("marking build %d as succeeded (cached)", build.ID)
	now := s.clock.Now().Unix()
	err = s.withDBUpdate(ctx, func(tx *store.Tx) error {
		if err := s.buildStore.MarkSucceeded(ctx, tx, build, res, true, now, now); err != nil {
			return err
		}
		return s.db.Notify(tx, store.ChannelBuildFinished, store.BuildFinishedPayload(build.ID, nil))
	})
	if err != nil {
		return err
	}
	build.SetFinishedInDB()
	s.nrBuildsDone.Add(1)
	return nil
}

// createStep creates a step for drvPath (and, recursively, for its input
// derivations), making it reachable from referringBuild or referringStep.
// Returns nil (and no error) when the derivation needs no work because all
// its outputs are already valid or substitutable.
func (s *State) createStep(
	ctx context.Context,
	build *models.Build,
	drvPath nix.StorePath,
	referringBuild *models.Build,
	referringStep *models.Step,
	finishedDrvs map[nix.StorePath]bool,
	newSteps map[*models.Step]bool,
	newRunnable map[*models.Step]bool,
) (*models.Step, error) {
	if finishedDrvs[drvPath] {
		return nil, nil
	}

	// Check if the requested step already exists and attach the referrer
	// atomically, so the step cannot become reachable from a new build after
	// a finishing worker has removed it from the step table.
	var step *models.Step
	isNew := false
	s.stepsMu.Lock()
	if prev, ok := s.steps[drvPath]; ok {
		if prev.Finished() {
			delete(s.steps, drvPath) // stale entry
		} else {
			step = prev
		}
	}
	if step == nil {
		step = models.NewStep(drvPath)
		isNew = true
	}
	step.WithState(func(st *models.StepState) {
		if referringBuild != nil {
			st.Builds = append(st.Builds, referringBuild)
		}
		if referringStep != nil {
			st.Rdeps = append(st.Rdeps, referringStep)
		}
	})
	s.steps[drvPath] = step
	s.stepsMu.Unlock()

	if !isNew {
		return step, nil
	}

	s.metrics.QueueStepsCreated.Inc()
	s.log.Debugf("considering derivation %q", drvPath)

	// Initialise the step. The step may be visible in the step table before
	// this point, but it is not runnable until Created is set.
	drv, err := s.localStore.ReadDerivation(ctx, drvPath)
	if err != nil {
		return nil, err
	}
	step.Drv = drv
	step.RequiredSystemFeatures = splitSet(drv.Env["requiredSystemFeatures"])
	step.PreferLocalBuild = drv.Env["preferLocalBuild"] == "1"
	step.IsDeterministic = drv.Env["isDetermistic"] == "1"
	step.SystemType = stepKeyOf(drv.Platform, step.RequiredSystemFeatures, step.PreferLocalBuild)

	// If this derivation failed previously, give up.
	if cached, err := s.checkCachedFailure(ctx, step); err != nil {
		return nil, err
	} else if cached {
		return nil, &previousFailureError{step: step}
	}

	// Are all outputs valid?
	outputs := drv.OutputPaths()
	var missing []nix.StorePath
	for _, outPath := range outputs {
		valid, err := s.destStore.IsValidPath(ctx, outPath)
		if err != nil {
			return nil, err
		}
		if !valid {
			missing = append(missing, outPath)
		}
	}
	valid := len(missing) == 0

	// Try to copy the missing paths from the local store or from
	// substitutes.
	if len(missing) > 0 {
		avail := 0
		for _, path := range missing {
			if ok, _ := s.localStore.IsValidPath(ctx, path); ok {
				avail++
			} else if s.cfg.UseSubstitutes {
				if ok, _ := s.localStore.QuerySubstitutablePath(ctx, path); ok {
					avail++
				}
			}
		}

		if avail == len(missing) {
			valid = true
			for _, path := range missing {
				startTime := s.clock.Now().Unix()

				if ok, _ := s.localStore.IsValidPath(ctx, path); ok {
					s.log.Infof("copying output %q of %q from local store", path, drvPath)
				} else {
					s.log.Infof("substituting output %q of %q", path, drvPath)
					if err := s.localStore.EnsurePath(ctx, path); err != nil {
						s.log.Errorf("while substituting output %q of %q: %s", path, drvPath, err)
						valid = false
						break
					}
				}

				if err := nix.CopyClosure(ctx, s.localStore, s.destStore, []nix.StorePath{path}); err != nil {
					s.log.Errorf("while copying output %q of %q: %s", path, drvPath, err)
					valid = false
					break
				}

				stopTime := s.clock.Now().Unix()
				outputName := outputNameOf(drv, path)
				err := s.withDBUpdate(ctx, func(tx *store.Tx) error {
					_, err := s.stepStore.CreateSubstitution(ctx, tx, startTime, stopTime, build.ID, drvPath, outputName, path)
					return err
				})
				if err != nil {
					return nil, err
				}
			}
		}
	}

	if valid {
		finishedDrvs[drvPath] = true
		return nil, nil
	}

	// No, we need to build.
	s.log.Debugf("creating build step %q", drvPath)

	// Create steps for the dependencies.
	for inputDrv := range drv.InputDrvs {
		dep, err := s.createStep(ctx, build, inputDrv, nil, step, finishedDrvs, newSteps, newRunnable)
		if err != nil {
			return nil, err
		}
		if dep != nil {
			step.WithState(func(st *models.StepState) {
				st.Deps[dep] = true
			})
		}
	}

	// If the step has no (remaining) dependencies, it is runnable.
	step.WithState(func(st *models.StepState) {
		st.Created = true
		if len(st.Deps) == 0 {
			newRunnable[step] = true
		}
	})

	newSteps[step] = true
	return step, nil
}

func outputNameOf(drv *nix.Derivation, path nix.StorePath) string {
	for name, out := range drv.Outputs {
		if out.Path == path {
			return name
		}
	}
	return "out"
}

// checkCachedFailure reports whether any of the step's outputs is in
// FailedPaths.
func (s *State) checkCachedFailure(ctx context.Context, step *models.Step) (bool, error) {
	var paths []nix.StorePath
	for _, p := range step.Drv.OutputPaths() {
		paths = append(paths, p)
	}
	return s.failedPathStore.ContainsAny(ctx, nil, paths)
}

// createJobset returns the in-memory jobset for (project, name), creating it
// from the database (including its recent step history) on first use.
func (s *State) createJobset(ctx context.Context, jobsetID int64, project, name string) (*models.Jobset, error) {
	key := jobsetKey{project, name}
	s.jobsetsMu.Lock()
	if jobset, ok := s.jobsets[key]; ok {
		s.jobsetsMu.Unlock()
		return jobset, nil
	}
	s.jobsetsMu.Unlock()

	shares, err := s.jobsetStore.GetSchedulingShares(ctx, nil, jobsetID)
	if err != nil {
		return nil, err
	}
	jobset := models.NewJobset(jobsetID, project, name)
	jobset.SetShares(shares)

	// Load the build steps of the last scheduling window.
	since := s.clock.Now().Add(-models.SchedulingWindow).Unix()
	history, err := s.stepStore.GetStepHistory(ctx, nil, jobsetID, since)
	if err != nil {
		return nil, err
	}
	for _, pair := range history {
		jobset.AddStep(pair[0], pair[1]-pair[0])
	}

	s.jobsetsMu.Lock()
	defer s.jobsetsMu.Unlock()
	if existing, ok := s.jobsets[key]; ok {
		return existing, nil
	}
	s.jobsets[key] = jobset
	return jobset, nil
}

// processQueueChange handles cancellation, deletion and priority bumps by
// comparing the database's queue against the in-memory build map.
func (s *State) processQueueChange(ctx context.Context) error {
	currentIDs, err := s.buildStore.GetQueuedIDs(ctx, nil)
	if err != nil {
		return err
	}

	s.buildsMu.Lock()
	for id, build := range s.builds {
		newPriority, stillQueued := currentIDs[id]
		if !stillQueued {
			s.log.Infof("discarding cancelled build %d", id)
			// The build is finished (or gone) in the database; marking it so
			// drops it from GetDependents, which abandons its steps.
			build.SetFinishedInDB()
			delete(s.builds, id)
			continue
		}
		if build.GlobalPriority() < newPriority {
			s.log.Infof("priority of build %d increased", id)
			build.SetGlobalPriority(newPriority)
			build.PropagatePriorities()
		}
	}
	s.buildsMu.Unlock()

	// Cancel any active steps that no longer have dependent builds.
	s.activeStepsMu.Lock()
	active := make([]*ActiveStep, 0, len(s.activeSteps))
	for a := range s.activeSteps {
		active = append(active, a)
	}
	s.activeStepsMu.Unlock()

	for _, activeStep := range active {
		dependents, _ := models.GetDependents(activeStep.Step)
		if len(dependents) > 0 {
			continue
		}
		if activeStep.Cancel() {
			s.log.Infof("cancelling builder process of build step %q", activeStep.Step.DrvPath)
		}
	}
	return nil
}

// processJobsetSharesChange refreshes the share allocation of every known
// jobset from the database.
func (s *State) processJobsetSharesChange(ctx context.Context) error {
	rows, err := s.jobsetStore.GetAllShares(ctx, nil)
	if err != nil {
		return err
	}
	s.jobsetsMu.Lock()
	defer s.jobsetsMu.Unlock()
	for _, row := range rows {
		if jobset, ok := s.jobsets[jobsetKey{row.Project, row.Name}]; ok {
			jobset.SetShares(row.Shares)
		}
	}
	return nil
}

// getBuildOutputCached computes the BuildOutput of an already-valid
// derivation, reusing the database record of a previous build of the same
// outputs when available.
func (s *State) getBuildOutputCached(ctx context.Context, drvPath nix.StorePath) (*models.BuildOutput, error) {
	drv, err := s.localStore.ReadDerivation(ctx, drvPath)
	if err != nil {
		return nil, err
	}
	for _, output := range drv.OutputPaths() {
		res, found, err := s.buildStore.GetFinishedBuildOutput(ctx, nil, string(output))
		if err != nil {
			return nil, err
		}
		if found {
			res.Outputs = drv.OutputPaths()
			return res, nil
		}
	}
	return s.getBuildOutput(ctx, drv, nil)
}

// withDBUpdate wraps a database transaction, tracking the number of
// concurrent updates for the status dump.
func (s *State) withDBUpdate(ctx context.Context, fn func(tx *store.Tx) error) error {
	s.nrActiveDbUpdates.Add(1)
	defer s.nrActiveDbUpdates.Add(-1)
	return s.db.WithTx(ctx, nil, fn)
}
