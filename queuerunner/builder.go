package queuerunner

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"os"
	"time"

	"github.com/hydrogen-ci/hydrogen/common/models"
	"github.com/hydrogen-ci/hydrogen/nix"
	"github.com/hydrogen-ci/hydrogen/nix/nar"
	"github.com/hydrogen-ci/hydrogen/server/store"
)

type stepResult int

const (
	sDone stepResult = iota
	sRetry
	sMaybeCancelled
)

// builder drives one step on one machine. The machine's job slot was
// reserved by the dispatcher; it is released here no matter what.
func (s *State) builder(ctx context.Context, step *models.Step, machine *models.Machine) {
	s.nrStepsStarted.Add(1)
	s.metrics.StepsStarted.Inc()

	activeStep := &ActiveStep{Step: step}
	s.activeStepsMu.Lock()
	s.activeSteps[activeStep] = true
	s.activeStepsMu.Unlock()

	res := sRetry
	func() {
		defer func() {
			s.activeStepsMu.Lock()
			delete(s.activeSteps, activeStep)
			s.activeStepsMu.Unlock()
		}()
		var err error
		res, err = s.doBuildStep(ctx, step, machine, activeStep)
		if err != nil {
			s.log.Errorf("uncaught error building %q on %q: %s", step.DrvPath, machine.SSHName, err)
		}
	}()

	// Release the machine and wake up the dispatcher.
	if machine.State.CurrentJobs.Add(-1) == 0 {
		machine.State.IdleSince.Store(s.clock.Now().Unix())
	}
	s.wakeDispatcher()

	// If there was a temporary failure, retry the step after an
	// exponentially increasing interval.
	if res != sDone {
		if res == sRetry {
			s.metrics.StepsRetried.Inc()
			step.WithState(func(st *models.StepState) {
				st.Tries++
				s.nrRetries.Add(1)
				if int64(st.Tries) > s.maxNrRetries.Load() {
					s.maxNrRetries.Store(int64(st.Tries))
				}
				delta := s.retryDelay(st.Tries, 10)
				s.log.Infof("will retry %q after %s", step.DrvPath, delta)
				st.After = s.clock.Now().Add(delta)
			})
		}
		s.makeRunnable(step)
	}
}

// retryDelay computes retryInterval * backoff^(tries-1) plus up to
// jitterSeconds of jitter.
func (s *State) retryDelay(tries int, jitterSeconds int) time.Duration {
	delta := s.cfg.RetryInterval.Seconds() * math.Pow(s.cfg.RetryBackoff, float64(tries-1))
	return time.Duration(delta)*time.Second + time.Duration(rand.Intn(jitterSeconds))*time.Second
}

func (s *State) doBuildStep(ctx context.Context, step *models.Step, machine *models.Machine, activeStep *ActiveStep) (stepResult, error) {
	// There can be any number of builds in the database that depend on this
	// derivation. Pick one (preferring a build of which this is the
	// top-level derivation) for the purpose of creating build step records;
	// creating one per dependent build would be much too expensive.
	dependents, _ := models.GetDependents(step)
	if len(dependents) == 0 {
		// All builds that depend on this derivation are gone (e.g.
		// cancelled). A new build may still be in the middle of creating a
		// reference to this step, so put it back in the runnable queue; if
		// nothing references it, the next dispatcher pass prunes it.
		s.log.Infof("maybe cancelling build step %q", step.DrvPath)
		return sMaybeCancelled, nil
	}

	options := buildOptions{
		MaxLogSize:         s.cfg.MaxLogSize,
		EnforceDeterminism: step.IsDeterministic,
	}
	if step.IsDeterministic {
		options.Repeats = 1
	}

	var build *models.Build
	for _, b := range dependents {
		if b.DrvPath == step.DrvPath {
			build = b
			err := s.withDBUpdate(ctx, func(tx *store.Tx) error {
				return s.db.Notify(tx, store.ChannelBuildStarted, fmt.Sprintf("%d", b.ID))
			})
			if err != nil {
				return sDone, err
			}
		}
		if repeats := s.cfg.RepeatsFor(b.ProjectName, b.JobsetName); repeats > options.Repeats {
			options.Repeats = repeats
		}
	}
	if build == nil {
		build = dependents[0]
	}
	buildID := build.ID
	options.MaxSilentTime = build.MaxSilentTime
	options.BuildTimeout = build.BuildTimeout

	s.log.Infof("performing step %q %d times on %q (needed by build %d and %d others)",
		step.DrvPath, options.Repeats+1, machine.SSHName, buildID, len(dependents)-1)

	if s.cfg.BuildOne != 0 && buildID == s.cfg.BuildOne && step.DrvPath == build.DrvPath {
		defer s.buildOneDone.Store(true)
	}

	result := &models.RemoteResult{StepStatus: models.BuildStatusAborted}
	var buildOutput *models.BuildOutput
	stepNr := 0
	stepFinished := false

	defer func() {
		if stepNr != 0 && !stepFinished {
			s.log.Errorf("marking step %d of build %d as orphaned", stepNr, buildID)
			s.orphanedMu.Lock()
			s.orphanedSteps[orphanKey{buildID, stepNr}] = true
			s.orphanedMu.Unlock()
		}
		if stepNr != 0 {
			s.maybeUploadLog(ctx, step, result)
		}
	}()

	stepStart := s.clock.Now()
	result.StartTime = stepStart

	// If any of the outputs have previously failed, don't build again.
	cached, err := s.checkCachedFailure(ctx, step)
	if err != nil {
		return sDone, err
	}
	if cached {
		result.StepStatus = models.BuildStatusCachedFailure
	} else {
		// Create a build step record indicating that we started building.
		err := s.withDBUpdate(ctx, func(tx *store.Tx) error {
			nr, err := s.stepStore.Create(ctx, tx, result.StartTime.Unix(), buildID, step, machine.SSHName, models.BuildStatusBusy, "", 0)
			stepNr = nr
			return err
		})
		if err != nil {
			return sDone, err
		}

		updatePhase := func(phase models.StepPhase) {
			err := s.db.WithTx(ctx, nil, func(tx *store.Tx) error {
				return s.stepStore.UpdatePhase(ctx, tx, buildID, stepNr, phase)
			})
			if err != nil {
				s.log.Errorf("updating phase of step %d of build %d: %s", stepNr, buildID, err)
			}
		}

		// Do the build.
		narMembers := make(nar.Members)
		err = s.buildRemote(ctx, machine, step, options, result, activeStep, updatePhase, narMembers)
		if err != nil {
			if activeStep.Cancelled() {
				s.log.Infof("marking step %d of build %d as cancelled", stepNr, buildID)
				result.StepStatus = models.BuildStatusCancelled
				result.CanRetry = false
			} else {
				result.StepStatus = models.BuildStatusAborted
				result.ErrorMsg = err.Error()
				result.CanRetry = true
			}
		}

		if result.StepStatus == models.BuildStatusSuccess {
			updatePhase(models.PhasePostProcessing)
			buildOutput, err = s.getBuildOutput(ctx, step.Drv, narMembers)
			if err != nil {
				return sDone, err
			}
		}
	}

	stepStop := s.clock.Now()
	if result.StopTime.IsZero() {
		result.StopTime = stepStop
	}

	// For standard failures the error message carries no information.
	if result.StepStatus != models.BuildStatusAborted {
		result.ErrorMsg = ""
	}

	// Account the time we spent building this step by dividing it among the
	// jobsets that depend on it.
	step.WithState(func(st *models.StepState) {
		if len(st.Jobsets) > 0 {
			charge := int64(result.StopTime.Sub(result.StartTime).Seconds()) / int64(len(st.Jobsets))
			for jobset := range st.Jobsets {
				jobset.AddStep(result.StartTime.Unix(), charge)
			}
		}
	})

	// Finish the step in the database.
	if stepNr != 0 {
		err := s.db.WithTx(ctx, nil, func(tx *store.Tx) error {
			return s.stepStore.Finish(ctx, tx, result, buildID, stepNr, machine.SSHName)
		})
		if err != nil {
			return sDone, err
		}
	}

	// The step had a hopefully temporary failure; retry a number of times.
	if result.CanRetry {
		s.log.Errorf("possibly transient failure building %q on %q: %s", step.DrvPath, machine.SSHName, result.ErrorMsg)
		var retry bool
		step.WithState(func(st *models.StepState) {
			retry = st.Tries+1 < s.cfg.MaxTries
		})
		if retry {
			stepFinished = true
			s.accountStepDone(machine, stepStart, stepStop, result)
			return sRetry, nil
		}
	}

	if result.StepStatus == models.BuildStatusSuccess {
		if err := s.finishSuccessfulStep(ctx, step, build, buildID, result, buildOutput); err != nil {
			return sDone, err
		}
		stepFinished = true
	} else {
		if err := s.failStep(ctx, step, buildID, result, machine, stepFinished); err != nil {
			return sDone, err
		}
		stepFinished = true
	}

	s.accountStepDone(machine, stepStart, stepStop, result)
	return sDone, nil
}

func (s *State) accountStepDone(machine *models.Machine, stepStart, stepStop time.Time, result *models.RemoteResult) {
	s.nrStepsDone.Add(1)
	s.metrics.StepsDone.Inc()
	stepSecs := int64(stepStop.Sub(stepStart).Seconds())
	buildSecs := int64(result.StopTime.Sub(result.StartTime).Seconds())
	s.totalStepTime.Add(stepSecs)
	s.totalStepBuildTime.Add(buildSecs)
	machine.State.NrStepsDone.Add(1)
	machine.State.TotalStepTime.Add(stepSecs)
	machine.State.TotalStepBuildTime.Add(buildSecs)
}

// finishSuccessfulStep plants GC roots for the outputs, then marks every
// build that has this step as its top level as succeeded. The queue monitor
// may be creating new referring builds concurrently, so this loops until no
// unmarked builds remain; only then is the step deleted from the step table.
func (s *State) finishSuccessfulStep(ctx context.Context, step *models.Step, build *models.Build, buildID int64, result *models.RemoteResult, res *models.BuildOutput) error {
	for _, outPath := range step.Drv.OutputPaths() {
		if err := s.addRoot(outPath); err != nil {
			return err
		}
	}

	var finishedBuildIDs []int64
	for {
		var direct []*models.Build

		s.stepsMu.Lock()
		step.WithState(func(st *models.StepState) {
			for _, b := range st.Builds {
				if !b.FinishedInDB() {
					direct = append(direct, b)
				}
			}
			if len(direct) == 0 {
				// No builds left to update; delete the step. Since the step
				// table lock is held, no new referrers can be added
				// concurrently or afterwards.
				s.log.Debugf("finishing build step %q", step.DrvPath)
				step.SetFinished()
				delete(s.steps, step.DrvPath)
			}
		})
		s.stepsMu.Unlock()

		err := s.withDBUpdate(ctx, func(tx *store.Tx) error {
			for _, b := range direct {
				s.log.Infof("marking build %d as succeeded", b.ID)
				isCached := buildID != b.ID || result.IsCached
				if err := s.buildStore.MarkSucceeded(ctx, tx, b, res, isCached, result.StartTime.Unix(), result.StopTime.Unix()); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}

		if len(direct) == 0 {
			break
		}

		// Remove the direct dependencies from the build map, destroying
		// them.
		s.buildsMu.Lock()
		for _, b := range direct {
			b.SetFinishedInDB()
			delete(s.builds, b.ID)
			finishedBuildIDs = append(finishedBuildIDs, b.ID)
			s.nrBuildsDone.Add(1)
			s.metrics.BuildsFinished.Inc()
		}
		s.buildsMu.Unlock()
	}

	// Send notifications about the builds that have this step as top-level.
	err := s.db.WithTx(ctx, nil, func(tx *store.Tx) error {
		for _, id := range finishedBuildIDs {
			if err := s.db.Notify(tx, store.ChannelBuildFinished, store.BuildFinishedPayload(id, nil)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	// Wake up any dependent steps that have no other dependencies.
	var runnable []*models.Step
	step.WithState(func(st *models.StepState) {
		for _, rdep := range st.Rdeps {
			ready := false
			rdep.WithState(func(rst *models.StepState) {
				delete(rst.Deps, step)
				// If the rdep has not finished initialisation yet, it will
				// be made runnable in createStep if appropriate.
				if len(rst.Deps) == 0 && rst.Created {
					ready = true
				}
			})
			if ready {
				runnable = append(runnable, rdep)
			}
		}
	})
	for _, rdep := range runnable {
		s.makeRunnable(rdep)
	}
	return nil
}

// failStep registers failure for every build that directly or indirectly
// depends on step. Like the success path it loops to catch builds that
// appear concurrently, then records failed output paths when the failure is
// cacheable.
func (s *State) failStep(
	ctx context.Context,
	step *models.Step,
	buildID int64,
	result *models.RemoteResult,
	machine *models.Machine,
	stepFinished bool,
) error {
	var dependentIDs []int64

	for {
		s.stepsMu.Lock()
		indirect, indirectSteps := models.GetDependents(step)
		if len(indirect) == 0 {
			// No builds left; delete all involved steps from the table.
			for _, st := range indirectSteps {
				s.log.Debugf("finishing build step %q", st.DrvPath)
				st.SetFinished()
				delete(s.steps, st.DrvPath)
			}
		}
		s.stepsMu.Unlock()

		if len(indirect) == 0 && stepFinished {
			break
		}

		machineName := ""
		if machine != nil {
			machineName = machine.SSHName
		}

		err := s.withDBUpdate(ctx, func(tx *store.Tx) error {
			// Create failed build steps for every build that depends on
			// this, except when this step is cached and is the top-level of
			// that build (it is then redundant with the build's
			// isCachedBuild field).
			for _, b := range indirect {
				if (result.StepStatus == models.BuildStatusCachedFailure && b.DrvPath == step.DrvPath) ||
					(result.StepStatus != models.BuildStatusCachedFailure && result.StepStatus != models.BuildStatusUnsupported && buildID == b.ID) ||
					b.FinishedInDB() {
					continue
				}
				propagatedFrom := buildID
				if buildID == b.ID {
					propagatedFrom = 0
				}
				_, err := s.stepStore.Create(ctx, tx, 0, b.ID, step, machineName, result.StepStatus, result.ErrorMsg, propagatedFrom)
				if err != nil {
					return err
				}
			}

			// Mark all builds that depend on this derivation as failed.
			for _, b := range indirect {
				if b.FinishedInDB() {
					continue
				}
				s.log.Errorf("marking build %d as failed", b.ID)
				status := result.BuildStatus()
				if b.DrvPath != step.DrvPath && status == models.BuildStatusFailed {
					status = models.BuildStatusDepFailed
				}
				isCached := result.StepStatus == models.BuildStatusCachedFailure
				if err := s.buildStore.MarkFinished(ctx, tx, b.ID, status, result.StartTime.Unix(), result.StopTime.Unix(), isCached); err != nil {
					return err
				}
				s.nrBuildsDone.Add(1)
			}

			// Remember failed paths in the database so they won't be built
			// again.
			if result.StepStatus != models.BuildStatusCachedFailure && result.CanCache {
				var paths []nix.StorePath
				for _, p := range step.Drv.OutputPaths() {
					paths = append(paths, p)
				}
				if err := s.failedPathStore.Insert(ctx, tx, paths); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}

		stepFinished = true

		// Remove the indirect dependents from the build map, destroying
		// them.
		s.buildsMu.Lock()
		for _, b := range indirect {
			b.SetFinishedInDB()
			delete(s.builds, b.ID)
			dependentIDs = append(dependentIDs, b.ID)
			if s.cfg.BuildOne == b.ID {
				s.buildOneDone.Store(true)
			}
		}
		s.buildsMu.Unlock()
	}

	// Send a notification about this build and its dependents.
	return s.db.WithTx(ctx, nil, func(tx *store.Tx) error {
		return s.db.Notify(tx, store.ChannelBuildFinished, store.BuildFinishedPayload(buildID, dependentIDs))
	})
}

// addRoot plants a GC root for a store path under the configured roots
// directory.
func (s *State) addRoot(path nix.StorePath) error {
	if s.cfg.RootsDir == "" {
		return nil
	}
	if err := os.MkdirAll(s.cfg.RootsDir, 0755); err != nil {
		return err
	}
	root := s.cfg.RootsDir + "/" + path.Base()
	if _, err := os.Lstat(root); err == nil {
		return nil
	}
	return os.WriteFile(root, nil, 0644)
}

// maybeUploadLog pushes the step's log into the destination binary cache
// when configured to do so.
func (s *State) maybeUploadLog(ctx context.Context, step *models.Step, result *models.RemoteResult) {
	if !s.cfg.UploadLogsToBinaryCache || result.LogFile == "" {
		return
	}
	cache, ok := s.destStore.(*nix.BinaryCacheStore)
	if !ok {
		return
	}
	data, err := os.ReadFile(result.LogFile)
	if err != nil {
		return
	}
	err = cache.UpsertFile(ctx, "log/"+step.DrvPath.Base(), "text/plain; charset=utf-8", data)
	if err != nil {
		s.log.Errorf("uploading log of %q: %s", step.DrvPath, err)
		return
	}
	os.Remove(result.LogFile)
}
