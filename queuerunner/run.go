package queuerunner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"github.com/hydrogen-ci/hydrogen/server/store"
)

const orphanSweepInterval = 180 * time.Second

// globalLock is an advisory file lock ensuring a single queue runner per
// data directory.
type globalLock struct {
	file *os.File
}

// acquireGlobalLock returns nil if another process holds the lock.
func acquireGlobalLock(dataDir string) (*globalLock, error) {
	lockPath := filepath.Join(dataDir, "queue-runner", "lock")
	if err := os.MkdirAll(filepath.Dir(lockPath), 0755); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, err
	}
	err = syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
	if err == syscall.EWOULDBLOCK {
		file.Close()
		return nil, nil
	}
	if err != nil {
		file.Close()
		return nil, errors.Wrapf(err, "locking %q", lockPath)
	}
	return &globalLock{file: file}, nil
}

func (l *globalLock) release() {
	syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	l.file.Close()
}

// Run starts all the queue runner's threads and blocks until ctx is
// cancelled. metricsAddr may be empty to disable the HTTP listener.
func (s *State) Run(ctx context.Context, metricsAddr string) error {
	s.startedAt = s.clock.Now()

	lock, err := acquireGlobalLock(s.cfg.DataDir)
	if err != nil {
		return err
	}
	if lock == nil {
		return fmt.Errorf("queue runner is already running")
	}
	defer lock.release()

	// Steps left busy by a previous crash are aborted wholesale.
	if err := s.stepStore.ClearBusy(ctx, nil, 0); err != nil {
		return err
	}
	if err := s.dumpStatus(ctx); err != nil {
		return err
	}

	if metricsAddr != "" {
		go s.serveMetrics(ctx, metricsAddr)
	}

	// Wait for the first machines file parse so the dispatcher does not spin
	// on an empty fleet.
	machinesReady := make(chan struct{})
	go s.monitorMachinesFile(ctx, machinesReady)
	select {
	case <-machinesReady:
	case <-ctx.Done():
		return nil
	}

	go s.queueMonitor(ctx)
	go s.dispatcher(ctx)
	go s.orphanSweeper(ctx)
	go s.jobsetPruner(ctx)

	s.statusMonitor(ctx)
	return nil
}

// orphanSweeper periodically aborts steps left busy in the database by
// failed updates.
func (s *State) orphanSweeper(ctx context.Context) {
	log := s.logFactory("OrphanSweeper")
	ticker := s.clock.Ticker(orphanSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		s.orphanedMu.Lock()
		if len(s.orphanedSteps) == 0 {
			s.orphanedMu.Unlock()
			continue
		}
		steps := make([]orphanKey, 0, len(s.orphanedSteps))
		for key := range s.orphanedSteps {
			steps = append(steps, key)
		}
		s.orphanedSteps = make(map[orphanKey]bool)
		s.orphanedMu.Unlock()

		failed := false
		for _, key := range steps {
			log.Errorf("cleaning orphaned step %d of build %d", key.stepNr, key.buildID)
			if err := s.stepStore.AbortOrphaned(ctx, nil, key.buildID, key.stepNr); err != nil {
				log.Errorf("cleanup: %s", err)
				failed = true
			}
		}
		if failed {
			// Put everything back and try again on the next sweep.
			s.orphanedMu.Lock()
			for _, key := range steps {
				s.orphanedSteps[key] = true
			}
			s.orphanedMu.Unlock()
		}
	}
}

// jobsetPruner drops jobset accounting records that have fallen out of the
// scheduling window.
func (s *State) jobsetPruner(ctx context.Context) {
	ticker := s.clock.Ticker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		now := s.clock.Now()
		s.jobsetsMu.Lock()
		for _, jobset := range s.jobsets {
			jobset.PruneSteps(now)
		}
		s.jobsetsMu.Unlock()
	}
}

// ShowStatus prints the queue runner's last status dump, asking a live
// runner to refresh it first.
func (s *State) ShowStatus(ctx context.Context) (string, error) {
	listener, err := s.db.NewListener(s.logFactory, store.ChannelStatusDumped)
	if err != nil {
		return "", err
	}
	defer listener.Close()

	status, err := s.statusStore.Get(ctx, nil, statusWhat)
	if err != nil {
		return "", err
	}

	stale := false
	if status != "" {
		// The runner appears to be up; ask it to refresh the dump and wait
		// for the acknowledgement.
		err := s.db.WithTx(ctx, nil, func(tx *store.Tx) error {
			return s.db.Notify(tx, store.ChannelDumpStatus, "")
		})
		if err != nil {
			return "", err
		}

		timer := s.clock.Timer(5 * time.Second)
		select {
		case <-timer.C:
			stale = true
		case <-listener.Notifications():
			timer.Stop()
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		}

		status, err = s.statusStore.Get(ctx, nil, statusWhat)
		if err != nil {
			return "", err
		}
	}

	if status == "" {
		status = `{"status":"down"}`
	}
	if stale {
		return status, fmt.Errorf("queue runner did not respond; status information may be wrong")
	}
	return status, nil
}

// Unlock clears busy steps and the status row after an unclean shutdown.
// Fails if a queue runner currently holds the global lock.
func (s *State) Unlock(ctx context.Context) error {
	lock, err := acquireGlobalLock(s.cfg.DataDir)
	if err != nil {
		return err
	}
	if lock == nil {
		return fmt.Errorf("queue runner is currently running")
	}
	defer lock.release()

	if err := s.stepStore.ClearBusy(ctx, nil, 0); err != nil {
		return err
	}
	return s.statusStore.Delete(ctx, nil, statusWhat)
}
