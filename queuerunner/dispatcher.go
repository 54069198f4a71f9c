package queuerunner

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/hydrogen-ci/hydrogen/common/models"
)

// dispatcher matches runnable steps to idle, compatible machines until told
// to stop. It sleeps until a wakeup arrives (a new runnable step, a finished
// worker, a machines reload) or the earliest deadline it derived from retry
// and back-off timestamps.
func (s *State) dispatcher(ctx context.Context) {
	log := s.logFactory("Dispatcher")
	for ctx.Err() == nil {
		log.Debug("dispatcher woken up")
		start := s.clock.Now()

		sleepUntil := s.doDispatch(ctx)

		s.dispatchTimeMs.Add(s.clock.Since(start).Milliseconds())
		s.lastDispatcherCheck.Store(s.clock.Now().Unix())

		var timerC <-chan time.Time
		var timer *clock.Timer
		if !sleepUntil.IsZero() {
			d := sleepUntil.Sub(s.clock.Now())
			if d < 0 {
				d = 0
			}
			log.Debugf("dispatcher sleeping for %s", d)
			timer = s.clock.Timer(d)
			timerC = timer.C
		}
		select {
		case <-ctx.Done():
		case <-s.dispatcherWakeup:
		case <-timerC:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// doDispatch starts as many steps as it can. It returns the next deadline at
// which something may become possible again (a machine re-enabled, a step
// retryable), or the zero time when there is none.
func (s *State) doDispatch(ctx context.Context) time.Time {
	var sleepUntil time.Time
	earlier := func(t time.Time) {
		if !t.IsZero() && (sleepUntil.IsZero() || t.Before(sleepUntil)) {
			sleepUntil = t
		}
	}

	for {
		now := s.clock.Now()

		// Snapshot the machines, filtering out those that are temporarily
		// disabled, and pinning currentJobs so the sort comparator is a
		// strict weak ordering.
		type machineInfo struct {
			machine     *models.Machine
			currentJobs int64
		}
		var machinesSorted []machineInfo
		for _, m := range s.getMachines() {
			if !m.Enabled {
				continue
			}
			_, disabledUntil, consecutiveFailures := m.State.ConnectInfo()
			if consecutiveFailures > 0 && disabledUntil.After(now) {
				earlier(disabledUntil)
				continue
			}
			machinesSorted = append(machinesSorted, machineInfo{m, m.State.CurrentJobs.Load()})
		}

		// Prefer fast machines over slow machines with similar load: first
		// by load over speed factor rounded to the nearest integer, then by
		// speed factor, then by load.
		sort.Slice(machinesSorted, func(i, j int) bool {
			a, b := machinesSorted[i], machinesSorted[j]
			ta := math.Round(float64(a.currentJobs) / a.machine.SpeedFactor)
			tb := math.Round(float64(b.currentJobs) / b.machine.SpeedFactor)
			if ta != tb {
				return ta < tb
			}
			if a.machine.SpeedFactor != b.machine.SpeedFactor {
				return a.machine.SpeedFactor > b.machine.SpeedFactor
			}
			return a.currentJobs > b.currentJobs
		})

		// Snapshot the runnable steps, pruning steps that no build
		// references anymore and skipping steps still backing off.
		var runnableSorted []*models.Step
		s.runnableMu.Lock()
		kept := s.runnable[:0]
		for _, step := range s.runnable {
			if step.Finished() || stepAbandoned(step) {
				continue // prune dead entries
			}
			kept = append(kept, step)
		}
		s.runnable = kept
		candidates := append([]*models.Step(nil), s.runnable...)
		s.runnableMu.Unlock()

		for _, step := range candidates {
			var after time.Time
			var tries int
			step.WithState(func(st *models.StepState) {
				after = st.After
				tries = st.Tries
			})
			if tries > 0 && after.After(now) {
				earlier(after)
				continue
			}
			runnableSorted = append(runnableSorted, step)
		}

		sort.SliceStable(runnableSorted, func(i, j int) bool {
			return lowestBuildID(runnableSorted[i]) < lowestBuildID(runnableSorted[j])
		})

		// Fail steps that no machine has supported for too long.
		if s.cfg.MaxUnsupportedTime > 0 {
			runnableSorted = s.abortUnsupported(ctx, runnableSorted, now)
		}

		// Find a machine with a free slot and the first step it can run.
		// After a match the machine sort keys have changed, so restart.
		keepGoing := false
		for _, mi := range machinesSorted {
			if mi.machine.State.CurrentJobs.Load() >= int64(mi.machine.MaxJobs) {
				continue
			}
			for _, step := range runnableSorted {
				if !mi.machine.SupportsStep(step, s.cfg.LocalSystem) {
					continue
				}

				s.removeRunnable(step)

				// Reserve the slot; the builder releases it on exit.
				mi.machine.State.CurrentJobs.Add(1)
				mi.machine.State.IdleSince.Store(0)

				go s.builder(ctx, step, mi.machine)

				keepGoing = true
				break
			}
			if keepGoing {
				break
			}
		}

		if !keepGoing {
			return sleepUntil
		}
	}
}

// abortUnsupported fails runnable steps that have waited longer than
// max_unsupported_time without any machine supporting them, returning the
// remaining steps.
func (s *State) abortUnsupported(ctx context.Context, runnable []*models.Step, now time.Time) []*models.Step {
	machines := s.getMachines()
	var kept []*models.Step
	for _, step := range runnable {
		supported := false
		for _, m := range machines {
			if m.Enabled && m.SupportsStep(step, s.cfg.LocalSystem) {
				supported = true
				break
			}
		}
		if supported {
			kept = append(kept, step)
			continue
		}
		var runnableSince time.Time
		step.WithState(func(st *models.StepState) {
			runnableSince = st.RunnableSince
		})
		if now.Sub(runnableSince) < s.cfg.MaxUnsupportedTime {
			kept = append(kept, step)
			continue
		}

		s.log.Errorf("aborting unsupported build step %q (type %q)", step.DrvPath, step.SystemType)
		s.nrUnsupportedSteps.Add(1)
		s.removeRunnable(step)

		result := &models.RemoteResult{
			StepStatus: models.BuildStatusUnsupported,
			ErrorMsg:   "unsupported system type '" + step.SystemType + "'",
			StartTime:  now,
			StopTime:   now,
		}
		buildID := lowestBuildID(step)
		if err := s.failStep(ctx, step, buildID, result, nil, false); err != nil {
			s.log.Errorf("failing unsupported step %q: %s", step.DrvPath, err)
		}
	}
	return kept
}

func (s *State) removeRunnable(step *models.Step) {
	s.runnableMu.Lock()
	defer s.runnableMu.Unlock()
	for i, other := range s.runnable {
		if other == step {
			s.runnable = append(s.runnable[:i], s.runnable[i+1:]...)
			return
		}
	}
}

func lowestBuildID(step *models.Step) int64 {
	var id int64
	step.WithState(func(st *models.StepState) {
		id = st.LowestBuildID
	})
	return id
}

// stepAbandoned reports whether no unfinished build references the step.
func stepAbandoned(step *models.Step) bool {
	builds, _ := models.GetDependents(step)
	return len(builds) == 0
}
