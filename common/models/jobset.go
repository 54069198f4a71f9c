package models

import (
	"sync"
	"sync/atomic"
	"time"
)

// SchedulingWindow is how much step history a jobset is accounted for.
const SchedulingWindow = 24 * time.Hour

// Jobset is a scheduling scope (project, name). It accumulates the wall time
// of build steps over a rolling window; the dispatcher uses seconds/shares to
// balance jobsets against each other. A Jobset outlives the builds that
// reference it.
type Jobset struct {
	ID      int64
	Project string
	Name    string

	seconds atomic.Int64
	shares  atomic.Int64

	mu sync.Mutex
	// Step start time -> duration of the most recent build steps.
	steps map[int64]int64
}

func NewJobset(id int64, project, name string) *Jobset {
	j := &Jobset{
		ID:      id,
		Project: project,
		Name:    name,
		steps:   make(map[int64]int64),
	}
	j.shares.Store(1)
	return j
}

// ShareUsed is the jobset's consumed fraction: seconds of build time in the
// window divided by its scheduling shares.
func (j *Jobset) ShareUsed() float64 {
	return float64(j.seconds.Load()) / float64(j.shares.Load())
}

func (j *Jobset) SetShares(shares int) {
	if shares <= 0 {
		shares = 1
	}
	j.shares.Store(int64(shares))
}

func (j *Jobset) Shares() int {
	return int(j.shares.Load())
}

func (j *Jobset) Seconds() int64 {
	return j.seconds.Load()
}

// AddStep accounts a step that started at startTime (unix seconds) and ran
// for duration seconds.
func (j *Jobset) AddStep(startTime int64, duration int64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.steps[startTime] += duration
	j.seconds.Add(duration)
}

// PruneSteps drops accounting records that have fallen out of the window.
func (j *Jobset) PruneSteps(now time.Time) {
	windowStart := now.Add(-SchedulingWindow).Unix()
	j.mu.Lock()
	defer j.mu.Unlock()
	for start, duration := range j.steps {
		if start < windowStart {
			delete(j.steps, start)
			j.seconds.Add(-duration)
		}
	}
}
