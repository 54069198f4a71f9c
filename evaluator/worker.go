package evaluator

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/hydrogen-ci/hydrogen/common/logger"
	"github.com/hydrogen-ci/hydrogen/evaluator/eval"
	"github.com/hydrogen-ci/hydrogen/nix"
)

// WorkerConfig configures one evaluator worker child process.
type WorkerConfig struct {
	// GCRootsDir is where derivations get GC roots planted; empty disables
	// root planting (dry runs).
	GCRootsDir string

	// MaxMemoryMiB bounds the worker's resident set; past it the worker
	// finishes its current reply, announces a restart and exits.
	MaxMemoryMiB int64
}

// Worker evaluates one attribute path at a time as instructed on its input
// pipe, returning JSON replies on its output pipe.
type Worker struct {
	cfg        WorkerConfig
	engine     eval.Engine
	localStore *nix.LocalStore
	log        logger.Log
}

func NewWorker(cfg WorkerConfig, engine eval.Engine, localStore *nix.LocalStore, logFactory logger.LogFactory) *Worker {
	return &Worker{
		cfg:        cfg,
		engine:     engine,
		localStore: localStore,
		log:        logFactory("EvalWorker"),
	}
}

// Run speaks the worker side of the protocol on (in, out) until told to exit
// or the memory bound is hit.
func (w *Worker) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	reader := bufio.NewScanner(in)
	reader.Buffer(make([]byte, 0, 1<<20), 1<<24)
	writer := bufio.NewWriter(out)

	writeLine := func(line string) error {
		if _, err := writer.WriteString(line + "\n"); err != nil {
			return err
		}
		return writer.Flush()
	}

	for {
		// Ask the master for a job name.
		if err := writeLine(msgNext); err != nil {
			return err
		}
		if !reader.Scan() {
			return reader.Err()
		}
		line := reader.Text()
		if line == msgExit {
			return nil
		}
		if !strings.HasPrefix(line, msgDo) {
			return fmt.Errorf("unexpected command %q", line)
		}
		attrPath := line[len(msgDo):]
		w.log.Debugf("evaluating %q", attrPath)

		reply := w.evalOne(ctx, attrPath)
		data, err := json.Marshal(reply)
		if err != nil {
			return err
		}
		if err := writeLine(string(data)); err != nil {
			return err
		}

		// If our RSS exceeds the maximum, exit; the master will start a new
		// process.
		if w.cfg.MaxMemoryMiB > 0 && maxRSSKiB() > w.cfg.MaxMemoryMiB*1024 {
			break
		}
	}

	return writeLine(msgRestart)
}

// evalOne evaluates a single attribute path and classifies the result.
func (w *Worker) evalOne(ctx context.Context, attrPath string) *Reply {
	reply := &Reply{}

	value, err := w.engine.Eval(ctx, attrPath)
	if err != nil {
		if evalErr, ok := err.(*eval.Error); ok {
			// Transmit the error in the reply; it surfaces per job rather
			// than aborting the evaluation.
			reply.Error = evalErr.Msg
			w.log.Errorf("error: %s", evalErr.Msg)
			return reply
		}
		reply.Error = err.Error()
		w.log.Errorf("error: %s", err)
		return reply
	}

	switch v := value.(type) {
	case nil:

	case map[string]interface{}:
		if v["type"] == "derivation" {
			job, err := w.loadJob(v)
			if err != nil {
				reply.Error = err.Error()
				w.log.Errorf("error: %s", err)
				return reply
			}
			reply.Job = job
		} else {
			names := make([]string, 0, len(v))
			for name := range v {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				if strings.ContainsAny(name, ". ") {
					w.log.Errorf("skipping job with illegal name '%s'", name)
					continue
				}
				reply.Attrs = append(reply.Attrs, name)
			}
			if reply.Attrs == nil {
				reply.Attrs = []string{}
			}
		}

	default:
		reply.Error = fmt.Sprintf("attribute '%s' is of an unsupported type", attrPath)
		w.log.Errorf("error: %s", reply.Error)
	}

	return reply
}

// loadJob extracts the job descriptor of a derivation attribute set.
func (w *Worker) loadJob(v map[string]interface{}) (map[string]interface{}, error) {
	system := stringAttr(v, "system")
	if system == "" || system == "unknown" {
		return nil, fmt.Errorf("derivation must have a 'system' attribute")
	}
	drvPath := stringAttr(v, "drvPath")
	if drvPath == "" {
		return nil, fmt.Errorf("derivation must have a 'drvPath' attribute")
	}

	meta, _ := v["meta"].(map[string]interface{})

	job := map[string]interface{}{
		"nixName":            stringAttr(v, "name"),
		"system":             system,
		jobFieldDrvPath:      drvPath,
		"description":        metaString(meta, "description"),
		"license":            metaStrings(meta, "license", "shortName"),
		"homepage":           metaString(meta, "homepage"),
		"maintainers":        metaStrings(meta, "maintainers", "email"),
		"schedulingPriority": metaInt(meta, "schedulingPriority", 100),
		"timeout":            metaInt(meta, "timeout", 36000),
		"maxSilent":          metaInt(meta, "maxSilent", 7200),
		"isChannel":          metaBool(v, "isHydraChannel"),
	}

	// If this is an aggregate, get its constituents.
	if metaBool(v, "_hydraAggregate") {
		raw, ok := v["constituents"].([]interface{})
		if !ok {
			return nil, fmt.Errorf("derivation must have a 'constituents' attribute")
		}
		var constituents, named []interface{}
		for _, c := range raw {
			s, ok := c.(string)
			if !ok {
				continue
			}
			// Elements carrying derivation context resolve to derivation
			// paths directly; plain strings name sibling jobs to be
			// resolved in the master's post-pass.
			if strings.HasSuffix(s, nix.DrvExtension) && strings.HasPrefix(s, "/") {
				constituents = append(constituents, s)
			} else {
				named = append(named, s)
			}
		}
		if constituents != nil {
			job[jobFieldConstituents] = constituents
		}
		if named != nil {
			job[jobFieldNamedConstituents] = named
		}
	}

	// Register the derivation as a GC root. This may register roots for
	// jobs that have already been built.
	if w.cfg.GCRootsDir != "" && w.localStore != nil {
		root := filepath.Join(w.cfg.GCRootsDir, filepath.Base(drvPath))
		path, err := nix.ParseStorePath(w.localStore.StoreDir(), drvPath)
		if err != nil {
			return nil, err
		}
		if err := w.localStore.AddPermRoot(path, root); err != nil {
			return nil, err
		}
	}

	outputs := make(map[string]interface{})
	if outs, ok := v["outputs"].(map[string]interface{}); ok {
		for name, p := range outs {
			outputs[name] = p
		}
	}
	job[jobFieldOutputs] = outputs

	return job, nil
}

func stringAttr(v map[string]interface{}, name string) string {
	s, _ := v[name].(string)
	return s
}

func metaString(meta map[string]interface{}, name string) string {
	if meta == nil {
		return ""
	}
	s, _ := meta[name].(string)
	return s
}

// metaStrings flattens a meta attribute that may be a string, a list, or
// attribute sets carrying subAttribute, joining the results with commas.
func metaStrings(meta map[string]interface{}, name, subAttribute string) string {
	if meta == nil {
		return ""
	}
	var res []string
	var rec func(v interface{})
	rec = func(v interface{}) {
		switch x := v.(type) {
		case string:
			res = append(res, x)
		case []interface{}:
			for _, item := range x {
				rec(item)
			}
		case map[string]interface{}:
			if sub, ok := x[subAttribute].(string); ok {
				res = append(res, sub)
			}
		}
	}
	rec(meta[name])
	return strings.Join(res, ", ")
}

func metaInt(meta map[string]interface{}, name string, def int) int {
	if meta == nil {
		return def
	}
	if f, ok := meta[name].(float64); ok {
		return int(f)
	}
	return def
}

func metaBool(v map[string]interface{}, name string) bool {
	b, _ := v[name].(bool)
	return b
}

// maxRSSKiB returns the process's peak resident set size in KiB.
func maxRSSKiB() int64 {
	var usage syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &usage); err != nil {
		return 0
	}
	return usage.Maxrss
}
