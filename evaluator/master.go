package evaluator

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hydrogen-ci/hydrogen/common/logger"
)

// WorkerProc is one evaluator worker subprocess as seen from the master: a
// line-oriented bidirectional pipe.
type WorkerProc interface {
	Send(line string) error
	Recv() (string, error)
	// Close terminates the process and reaps it.
	Close() error
}

// WorkerFactory starts a fresh worker process.
type WorkerFactory func(ctx context.Context) (WorkerProc, error)

// MasterConfig sizes the evaluator pool.
type MasterConfig struct {
	// NrWorkers is the number of concurrent worker processes (default 1).
	NrWorkers int
	// DryRun is not read by the Master; the aggregate post-pass takes its own
	// dry-run argument (see ResolveAggregates).
	DryRun bool
}

// Master distributes attribute paths to a pool of worker processes and
// assembles the resulting job set.
type Master struct {
	cfg     MasterConfig
	factory WorkerFactory
	log     logger.Log

	mu     sync.Mutex
	cond   *sync.Cond
	todo   map[string]bool
	active map[string]bool
	jobs   map[string]map[string]interface{}
	exc    error
}

func NewMaster(cfg MasterConfig, factory WorkerFactory, logFactory logger.LogFactory) *Master {
	if cfg.NrWorkers <= 0 {
		cfg.NrWorkers = 1
	}
	m := &Master{
		cfg:     cfg,
		factory: factory,
		log:     logFactory("EvalMaster"),
		todo:    map[string]bool{"": true},
		active:  map[string]bool{},
		jobs:    map[string]map[string]interface{}{},
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Run walks the whole expression tree and returns the job set keyed by
// attribute path.
func (m *Master) Run(ctx context.Context) (map[string]map[string]interface{}, error) {
	group, ctx := errgroup.WithContext(ctx)
	for i := 0; i < m.cfg.NrWorkers; i++ {
		group.Go(func() error {
			err := m.handler(ctx)
			if err != nil {
				m.mu.Lock()
				if m.exc == nil {
					m.exc = err
				}
				m.mu.Unlock()
				m.cond.Broadcast()
			}
			return err
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.exc != nil {
		return nil, m.exc
	}
	return m.jobs, nil
}

// handler owns one worker process at a time, restarting it whenever the
// worker bows out for memory reasons.
func (m *Master) handler(ctx context.Context) error {
	var proc WorkerProc
	defer func() {
		if proc != nil {
			proc.Close()
		}
	}()

	for {
		// Start a new worker process if necessary.
		if proc == nil {
			p, err := m.factory(ctx)
			if err != nil {
				return err
			}
			proc = p
			m.log.Debugf("created worker process")
		}

		// Check what the worker has to say.
		line, err := proc.Recv()
		if err != nil {
			return fmt.Errorf("worker pipe: %w", err)
		}
		if line == msgRestart {
			proc.Close()
			proc = nil
			continue
		}
		if line != msgNext {
			// A terminal worker error, transmitted as JSON.
			var errObj struct {
				Error string `json:"error"`
			}
			if err := json.Unmarshal([]byte(line), &errObj); err != nil {
				return fmt.Errorf("unexpected worker message %q", line)
			}
			return fmt.Errorf("worker error: %s", errObj.Error)
		}

		// Wait for a job name to become available.
		attrPath, done, err := m.nextPath(ctx)
		if err != nil {
			return err
		}
		if done {
			proc.Send(msgExit)
			proc.Close()
			proc = nil
			return nil
		}

		// Tell the worker to evaluate it.
		if err := proc.Send(msgDo + attrPath); err != nil {
			return err
		}

		// Wait for the response.
		replyLine, err := proc.Recv()
		if err != nil {
			return fmt.Errorf("worker pipe: %w", err)
		}
		var reply Reply
		if err := json.Unmarshal([]byte(replyLine), &reply); err != nil {
			return fmt.Errorf("bad worker reply %q: %w", replyLine, err)
		}

		// Handle the response.
		m.mu.Lock()
		if reply.Job != nil {
			m.jobs[attrPath] = reply.Job
		}
		if reply.Error != "" {
			if m.jobs[attrPath] == nil {
				m.jobs[attrPath] = map[string]interface{}{}
			}
			m.jobs[attrPath][jobFieldError] = reply.Error
		}
		for _, name := range reply.Attrs {
			childPath := name
			if attrPath != "" {
				childPath = attrPath + "." + name
			}
			m.todo[childPath] = true
		}
		delete(m.active, attrPath)
		m.mu.Unlock()
		m.cond.Broadcast()
	}
}

// nextPath blocks until work is available, returning done=true when the
// whole tree has been walked (or an error is pending) and the handler
// should wind down its worker.
func (m *Master) nextPath(ctx context.Context) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		if err := ctx.Err(); err != nil {
			return "", true, nil
		}
		if m.exc != nil {
			return "", true, nil
		}
		if len(m.todo) == 0 && len(m.active) == 0 {
			return "", true, nil
		}
		if len(m.todo) > 0 {
			var attrPath string
			for p := range m.todo {
				attrPath = p
				break
			}
			delete(m.todo, attrPath)
			m.active[attrPath] = true
			return attrPath, false, nil
		}
		m.cond.Wait()
	}
}

// execWorker is the production WorkerProc: a subprocess speaking the
// protocol on its stdio.
type execWorker struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	scanner *bufio.Scanner
}

// NewExecWorkerFactory spawns workers by running the given command line
// (normally this executable with a hidden worker subcommand).
func NewExecWorkerFactory(argv []string) WorkerFactory {
	return func(ctx context.Context) (WorkerProc, error) {
		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, err
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, err
		}
		cmd.Stderr = os.Stderr
		if err := cmd.Start(); err != nil {
			return nil, err
		}
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 1<<20), 1<<24)
		return &execWorker{cmd: cmd, stdin: stdin, scanner: scanner}, nil
	}
}

func (w *execWorker) Send(line string) error {
	_, err := io.WriteString(w.stdin, line+"\n")
	return err
}

func (w *execWorker) Recv() (string, error) {
	if !w.scanner.Scan() {
		if err := w.scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return strings.TrimRight(w.scanner.Text(), "\r"), nil
}

func (w *execWorker) Close() error {
	w.stdin.Close()
	return w.cmd.Wait()
}
