package queuerunner

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/hydrogen-ci/hydrogen/common/models"
	"github.com/hydrogen-ci/hydrogen/server/store"
)

const statusWhat = "queue-runner"

// statusJSON renders the queue runner's self report.
func (s *State) statusJSON() string {
	now := s.clock.Now()

	s.buildsMu.Lock()
	nrQueuedBuilds := len(s.builds)
	s.buildsMu.Unlock()

	s.activeStepsMu.Lock()
	nrActiveSteps := len(s.activeSteps)
	s.activeStepsMu.Unlock()

	status := map[string]interface{}{
		"status": "up",
		"time":   now.Unix(),
		"uptime": int64(now.Sub(s.startedAt).Seconds()),
		"pid":    os.Getpid(),

		"nrQueuedBuilds":      nrQueuedBuilds,
		"nrActiveSteps":       nrActiveSteps,
		"nrStepsBuilding":     s.nrStepsBuilding.Load(),
		"nrStepsCopyingTo":    s.nrStepsCopyingTo.Load(),
		"nrStepsCopyingFrom":  s.nrStepsCopyingFrom.Load(),
		"nrStepsWaiting":      s.nrStepsWaiting.Load(),
		"nrUnsupportedSteps":  s.nrUnsupportedSteps.Load(),
		"bytesSent":           s.bytesSent.Load(),
		"bytesReceived":       s.bytesReceived.Load(),
		"nrBuildsRead":        s.nrBuildsRead.Load(),
		"buildReadTimeMs":     s.buildReadTimeMs.Load(),
		"nrBuildsDone":        s.nrBuildsDone.Load(),
		"nrStepsStarted":      s.nrStepsStarted.Load(),
		"nrStepsDone":         s.nrStepsDone.Load(),
		"nrRetries":           s.nrRetries.Load(),
		"maxNrRetries":        s.maxNrRetries.Load(),
		"nrQueueWakeups":      s.nrQueueWakeups.Load(),
		"nrDispatcherWakeups": s.nrDispatcherWakeups.Load(),
		"dispatchTimeMs":      s.dispatchTimeMs.Load(),
		"nrActiveDbUpdates":   s.nrActiveDbUpdates.Load(),
		"memoryTokensInUse":   s.memoryTokens.InUse(),
		"memoryTokensMax":     s.memoryTokens.MaxTokens(),
	}
	if n := s.nrBuildsRead.Load(); n > 0 {
		status["buildReadTimeAvgMs"] = float64(s.buildReadTimeMs.Load()) / float64(n)
	}
	if n := s.nrDispatcherWakeups.Load(); n > 0 {
		status["dispatchTimeAvgMs"] = float64(s.dispatchTimeMs.Load()) / float64(n)
	}
	if n := s.nrStepsDone.Load(); n > 0 {
		status["totalStepTime"] = s.totalStepTime.Load()
		status["totalStepBuildTime"] = s.totalStepBuildTime.Load()
		status["avgStepTime"] = float64(s.totalStepTime.Load()) / float64(n)
		status["avgStepBuildTime"] = float64(s.totalStepBuildTime.Load()) / float64(n)
	}

	// Prune stale steps while counting them.
	s.stepsMu.Lock()
	for drvPath, step := range s.steps {
		if step.Finished() {
			delete(s.steps, drvPath)
		}
	}
	status["nrUnfinishedSteps"] = len(s.steps)
	s.stepsMu.Unlock()

	s.runnableMu.Lock()
	kept := s.runnable[:0]
	for _, step := range s.runnable {
		if !step.Finished() {
			kept = append(kept, step)
		}
	}
	s.runnable = kept
	status["nrRunnableSteps"] = len(s.runnable)
	runnableSnapshot := append([]*models.Step(nil), s.runnable...)
	s.runnableMu.Unlock()

	machines := make(map[string]interface{})
	for _, m := range s.getMachines() {
		lastFailure, disabledUntil, consecutiveFailures := m.State.ConnectInfo()
		machine := map[string]interface{}{
			"enabled":             m.Enabled,
			"systemTypes":         setKeys(m.SystemTypes),
			"supportedFeatures":   setKeys(m.SupportedFeatures),
			"mandatoryFeatures":   setKeys(m.MandatoryFeatures),
			"currentJobs":         m.State.CurrentJobs.Load(),
			"nrStepsDone":         m.State.NrStepsDone.Load(),
			"disabledUntil":       disabledUntil.Unix(),
			"lastFailure":         lastFailure.Unix(),
			"consecutiveFailures": consecutiveFailures,
		}
		if m.State.CurrentJobs.Load() == 0 {
			machine["idleSince"] = m.State.IdleSince.Load()
		}
		if n := m.State.NrStepsDone.Load(); n > 0 {
			machine["totalStepTime"] = m.State.TotalStepTime.Load()
			machine["totalStepBuildTime"] = m.State.TotalStepBuildTime.Load()
			machine["avgStepTime"] = float64(m.State.TotalStepTime.Load()) / float64(n)
			machine["avgStepBuildTime"] = float64(m.State.TotalStepBuildTime.Load()) / float64(n)
		}
		machines[m.SSHName] = machine
	}
	status["machines"] = machines

	jobsetsJSON := make(map[string]interface{})
	s.jobsetsMu.Lock()
	for key, jobset := range s.jobsets {
		jobsetsJSON[key.project+":"+key.name] = map[string]interface{}{
			"shareUsed": jobset.ShareUsed(),
			"seconds":   jobset.Seconds(),
		}
	}
	s.jobsetsMu.Unlock()
	status["jobsets"] = jobsetsJSON

	// Per machine-type queue statistics, for the auto-scaler.
	machineTypes := make(map[string]map[string]interface{})
	for _, step := range runnableSnapshot {
		entry, ok := machineTypes[step.SystemType]
		if !ok {
			entry = map[string]interface{}{"runnable": 0, "running": 0}
			machineTypes[step.SystemType] = entry
		}
		entry["runnable"] = entry["runnable"].(int) + 1
	}
	s.activeStepsMu.Lock()
	for active := range s.activeSteps {
		entry, ok := machineTypes[active.Step.SystemType]
		if !ok {
			entry = map[string]interface{}{"runnable": 0, "running": 0}
			machineTypes[active.Step.SystemType] = entry
		}
		entry["running"] = entry["running"].(int) + 1
	}
	s.activeStepsMu.Unlock()
	status["machineTypes"] = machineTypes

	data, err := json.Marshal(status)
	if err != nil {
		return `{"status":"error"}`
	}
	return string(data)
}

func setKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	return keys
}

// dumpStatus writes the status JSON to the SystemStatus table and notifies
// status_dumped.
func (s *State) dumpStatus(ctx context.Context) error {
	statusJSON := s.statusJSON()
	return s.withDBUpdate(ctx, func(tx *store.Tx) error {
		if err := s.statusStore.Upsert(ctx, tx, statusWhat, statusJSON); err != nil {
			return err
		}
		return s.db.Notify(tx, store.ChannelStatusDumped, "")
	})
}

// statusMonitor re-dumps the status whenever another process asks for it on
// the dump_status channel, and periodically as a heartbeat.
func (s *State) statusMonitor(ctx context.Context) {
	log := s.logFactory("StatusMonitor")
	for ctx.Err() == nil {
		err := func() error {
			listener, err := s.db.NewListener(s.logFactory, store.ChannelDumpStatus)
			if err != nil {
				return err
			}
			defer listener.Close()

			ticker := s.clock.Ticker(5 * time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case _, ok := <-listener.Notifications():
					if !ok {
						return nil
					}
				case <-ticker.C:
				}
				if err := s.dumpStatus(ctx); err != nil {
					return err
				}
			}
		}()
		if err != nil && ctx.Err() == nil {
			log.Errorf("status monitor: %s", err)
			s.clock.Sleep(10 * time.Second)
		}
	}
}
