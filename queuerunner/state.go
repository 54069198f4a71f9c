// Package queuerunner implements the long-running process that owns the
// in-memory model of pending builds, their step DAGs and the builder fleet,
// and drives steps to completion on remote machines.
package queuerunner

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/hydrogen-ci/hydrogen/common/logger"
	"github.com/hydrogen-ci/hydrogen/common/models"
	"github.com/hydrogen-ci/hydrogen/nix"
	"github.com/hydrogen-ci/hydrogen/server/store"
	"github.com/hydrogen-ci/hydrogen/server/store/builds"
	"github.com/hydrogen-ci/hydrogen/server/store/buildsteps"
	"github.com/hydrogen-ci/hydrogen/server/store/failedpaths"
	"github.com/hydrogen-ci/hydrogen/server/store/jobsets"
	"github.com/hydrogen-ci/hydrogen/server/store/systemstatus"
)

const (
	defaultMaxTries      = 5
	defaultRetryInterval = 60 * time.Second
	defaultRetryBackoff  = 3.0

	// sendLockTimeout bounds how long a worker waits for exclusive access to
	// a machine's transfer channel before going ahead anyway.
	sendLockTimeout = 600 * time.Second

	// compressionOverhead is headroom reserved on top of a NAR's size for
	// the compressor while importing outputs.
	compressionOverhead = 150 * 1024 * 1024
)

// Config carries the queue runner's tunables; zero values are filled with
// defaults by Normalize.
type Config struct {
	MaxTries      int
	RetryInterval time.Duration
	RetryBackoff  float64

	MaxOutputSize uint64
	MaxLogSize    uint64

	// MemoryTokens caps the total bytes of NAR data held in memory by
	// importing workers.
	MemoryTokens int64

	// MaxUnsupportedTime fails runnable steps that no machine has supported
	// for this long. Zero keeps them waiting forever.
	MaxUnsupportedTime time.Duration

	UploadLogsToBinaryCache bool

	RootsDir string
	LogDir   string
	DataDir  string

	// LocalSystem is the system type of the machine the queue runner itself
	// runs on, used for "builtin" steps and the default machine entry.
	LocalSystem string

	UseSubstitutes bool

	// JobsetRepeats forces determinism checking for specific jobsets:
	// "project:jobset" -> number of repeats.
	JobsetRepeats map[string]int

	MachinesFiles []string

	// BuildOne restricts the runner to a single build then exits (testing).
	BuildOne int64
}

func (c *Config) Normalize() {
	if c.MaxTries == 0 {
		c.MaxTries = defaultMaxTries
	}
	if c.RetryInterval == 0 {
		c.RetryInterval = defaultRetryInterval
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = defaultRetryBackoff
	}
	if c.MaxOutputSize == 0 {
		c.MaxOutputSize = 2 << 30
	}
	if c.MaxLogSize == 0 {
		c.MaxLogSize = 64 << 20
	}
	if c.MemoryTokens == 0 {
		c.MemoryTokens = 4 << 30
	}
	if c.LocalSystem == "" {
		c.LocalSystem = "x86_64-linux"
	}
}

// RepeatsFor returns the forced repeat count for a jobset, zero if none.
func (c *Config) RepeatsFor(project, jobset string) int {
	return c.JobsetRepeats[project+":"+jobset]
}

type jobsetKey struct {
	project string
	name    string
}

type orphanKey struct {
	buildID int64
	stepNr  int
}

// ActiveStep tracks one step currently being worked on, so queue changes can
// cancel it cooperatively.
type ActiveStep struct {
	Step *models.Step

	mu        sync.Mutex
	cancelled bool
	// cancel interrupts the in-flight remote build, if any.
	cancel func()
}

// Cancel marks the step cancelled and interrupts its remote build. Returns
// false if the step was already cancelled.
func (a *ActiveStep) Cancel() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancelled {
		return false
	}
	a.cancelled = true
	if a.cancel != nil {
		a.cancel()
	}
	return true
}

func (a *ActiveStep) Cancelled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cancelled
}

func (a *ActiveStep) setCancelFunc(fn func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cancel = fn
}

// State is the shared state of the queue runner, threaded explicitly through
// the monitor, the dispatcher and the builder workers.
type State struct {
	cfg        Config
	clock      clock.Clock
	log        logger.Log
	logFactory logger.LogFactory

	db              *store.DB
	buildStore      *builds.BuildStore
	stepStore       *buildsteps.BuildStepStore
	jobsetStore     *jobsets.JobsetStore
	failedPathStore *failedpaths.FailedPathStore
	statusStore     *systemstatus.SystemStatusStore

	localStore *nix.LocalStore
	destStore  nix.Store

	buildsMu sync.Mutex
	builds   map[int64]*models.Build

	// steps is the weak root of the step graph, keyed by derivation path.
	// Entries whose step has finished are stale and pruned on access.
	stepsMu sync.Mutex
	steps   map[nix.StorePath]*models.Step

	runnableMu sync.Mutex
	runnable   []*models.Step

	dispatcherWakeup chan struct{}

	machinesMu sync.RWMutex
	machines   map[string]*models.Machine

	jobsetsMu sync.Mutex
	jobsets   map[jobsetKey]*models.Jobset

	activeStepsMu sync.Mutex
	activeSteps   map[*ActiveStep]bool

	// orphanedSteps are (build, stepnr) pairs left busy in the database by a
	// failed update; a sweeper retries aborting them.
	orphanedMu    sync.Mutex
	orphanedSteps map[orphanKey]bool

	memoryTokens *TokenServer

	startedAt time.Time
	buildOneDone atomic.Bool
	lastDispatcherCheck atomic.Int64

	metrics *Metrics

	// Counters surfaced in the status dump.
	nrBuildsRead        atomic.Int64
	buildReadTimeMs     atomic.Int64
	nrBuildsDone        atomic.Int64
	nrStepsStarted      atomic.Int64
	nrStepsDone         atomic.Int64
	nrStepsBuilding     atomic.Int64
	nrStepsCopyingTo    atomic.Int64
	nrStepsCopyingFrom  atomic.Int64
	nrStepsWaiting      atomic.Int64
	nrUnsupportedSteps  atomic.Int64
	nrRetries           atomic.Int64
	maxNrRetries        atomic.Int64
	totalStepTime       atomic.Int64
	totalStepBuildTime  atomic.Int64
	nrQueueWakeups      atomic.Int64
	nrDispatcherWakeups atomic.Int64
	dispatchTimeMs      atomic.Int64
	bytesSent           atomic.Int64
	bytesReceived       atomic.Int64
	nrActiveDbUpdates   atomic.Int64
}

func NewState(
	cfg Config,
	db *store.DB,
	localStore *nix.LocalStore,
	destStore nix.Store,
	clk clock.Clock,
	logFactory logger.LogFactory,
) *State {
	cfg.Normalize()
	if destStore == nil {
		destStore = localStore
	}
	return &State{
		cfg:              cfg,
		clock:            clk,
		log:              logFactory("QueueRunner"),
		logFactory:       logFactory,
		db:               db,
		buildStore:       builds.NewStore(db, logFactory),
		stepStore:        buildsteps.NewStore(db, logFactory),
		jobsetStore:      jobsets.NewStore(db, logFactory),
		failedPathStore:  failedpaths.NewStore(db, logFactory),
		statusStore:      systemstatus.NewStore(db, logFactory),
		localStore:       localStore,
		destStore:        destStore,
		builds:           make(map[int64]*models.Build),
		steps:            make(map[nix.StorePath]*models.Step),
		dispatcherWakeup: make(chan struct{}, 1),
		machines:         make(map[string]*models.Machine),
		jobsets:          make(map[jobsetKey]*models.Jobset),
		activeSteps:      make(map[*ActiveStep]bool),
		orphanedSteps:    make(map[orphanKey]bool),
		memoryTokens:     NewTokenServer(cfg.MemoryTokens),
		metrics:          NewMetrics(),
	}
}

// wakeDispatcher nudges the dispatcher; a wakeup already pending is enough.
func (s *State) wakeDispatcher() {
	select {
	case s.dispatcherWakeup <- struct{}{}:
	default:
	}
	s.nrDispatcherWakeups.Add(1)
	s.metrics.DispatcherWakeups.Inc()
}

// makeRunnable appends a step to the runnable set and wakes the dispatcher.
func (s *State) makeRunnable(step *models.Step) {
	s.log.Debugf("step %q is now runnable", step.DrvPath)

	step.WithState(func(st *models.StepState) {
		if !st.Created || len(st.Deps) != 0 {
			panic("attempt to make a step with unresolved dependencies runnable")
		}
		st.RunnableSince = s.clock.Now()
	})

	s.runnableMu.Lock()
	s.runnable = append(s.runnable, step)
	s.runnableMu.Unlock()

	s.wakeDispatcher()
}

// getMachines snapshots the machine map.
func (s *State) getMachines() []*models.Machine {
	s.machinesMu.RLock()
	defer s.machinesMu.RUnlock()
	out := make([]*models.Machine, 0, len(s.machines))
	for _, m := range s.machines {
		out = append(out, m)
	}
	return out
}

// lookupJobset returns the cached jobset for (project, name), or nil.
func (s *State) lookupJobset(project, name string) *models.Jobset {
	s.jobsetsMu.Lock()
	defer s.jobsetsMu.Unlock()
	return s.jobsets[jobsetKey{project, name}]
}

// stepKeyOf derives the systemType string of a step: the platform plus the
// sorted feature set.
func stepKeyOf(platform string, features map[string]bool, preferLocal bool) string {
	all := make([]string, 0, len(features)+1)
	for f := range features {
		all = append(all, f)
	}
	if preferLocal {
		all = append(all, "local")
	}
	if len(all) == 0 {
		return platform
	}
	sort.Strings(all)
	return platform + ":" + strings.Join(all, ",")
}
