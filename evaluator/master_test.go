package evaluator_test

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hydrogen-ci/hydrogen/common/logger"
	"github.com/hydrogen-ci/hydrogen/evaluator"
	"github.com/hydrogen-ci/hydrogen/evaluator/eval"
)

// pipeWorker runs a real Worker in a goroutine connected by in-process
// pipes, standing in for the worker subprocess.
type pipeWorker struct {
	toWorker io.WriteCloser
	scanner  *bufio.Scanner
	done     chan struct{}
}

func newPipeWorkerFactory(t *testing.T, engine eval.Engine) evaluator.WorkerFactory {
	return func(ctx context.Context) (evaluator.WorkerProc, error) {
		r1, w1 := io.Pipe() // master -> worker
		r2, w2 := io.Pipe() // worker -> master

		worker := evaluator.NewWorker(evaluator.WorkerConfig{}, engine, nil, logger.MakeNopLogFactory())
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = worker.Run(ctx, r1, w2)
			w2.Close()
		}()

		return &pipeWorker{
			toWorker: w1,
			scanner:  bufio.NewScanner(r2),
			done:     done,
		}, nil
	}
}

func (w *pipeWorker) Send(line string) error {
	_, err := io.WriteString(w.toWorker, line+"\n")
	return err
}

func (w *pipeWorker) Recv() (string, error) {
	if !w.scanner.Scan() {
		if err := w.scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return w.scanner.Text(), nil
}

func (w *pipeWorker) Close() error {
	w.toWorker.Close()
	<-w.done
	return nil
}

func writeManifest(t *testing.T, manifest string) string {
	path := filepath.Join(t.TempDir(), "jobs.json")
	require.Nil(t, os.WriteFile(path, []byte(manifest), 0644))
	return path
}

const testManifest = `{
  "hello": {
    "type": "derivation",
    "name": "hello-2.12",
    "system": "x86_64-linux",
    "drvPath": "/nix/store/aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa-hello-2.12.drv",
    "outputs": {"out": "/nix/store/aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa-hello-2.12"},
    "meta": {
      "description": "A program that produces a familiar, friendly greeting",
      "schedulingPriority": 50,
      "license": [{"shortName": "gpl3Plus"}],
      "maintainers": [{"email": "someone@example.org"}]
    }
  },
  "nested": {
    "inner": {
      "type": "derivation",
      "name": "inner-1.0",
      "system": "x86_64-linux",
      "drvPath": "/nix/store/bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb-inner-1.0.drv",
      "outputs": {}
    },
    "bad name": {"ignored": {}}
  },
  "nothing": null,
  "needsArg": {
    "__functionArgs": {"missing": false},
    "__body": {}
  }
}`

func TestMasterWalksTree(t *testing.T) {
	engine, err := eval.NewManifestEngine(writeManifest(t, testManifest), nil)
	require.Nil(t, err)

	master := evaluator.NewMaster(evaluator.MasterConfig{NrWorkers: 2},
		newPipeWorkerFactory(t, engine), logger.MakeNopLogFactory())

	jobs, err := master.Run(context.Background())
	require.Nil(t, err)

	hello := jobs["hello"]
	require.NotNil(t, hello)
	assert.Equal(t, "hello-2.12", hello["nixName"])
	assert.Equal(t, "x86_64-linux", hello["system"])
	assert.Equal(t, "gpl3Plus", hello["license"])
	assert.Equal(t, "someone@example.org", hello["maintainers"])
	assert.Equal(t, float64(50), toFloat(hello["schedulingPriority"]))
	assert.Equal(t, float64(36000), toFloat(hello["timeout"]))
	assert.Equal(t, float64(7200), toFloat(hello["maxSilent"]))

	require.NotNil(t, jobs["nested.inner"])

	// The illegally named attribute was skipped entirely.
	for path := range jobs {
		assert.NotContains(t, path, "bad name")
	}

	// Nulls yield nothing; missing function arguments yield a per-job error.
	_, hasNothing := jobs["nothing"]
	assert.False(t, hasNothing)
	needsArg := jobs["needsArg"]
	require.NotNil(t, needsArg)
	assert.Contains(t, needsArg["error"], "missing")
}

func TestMasterSuppliesAutoArgs(t *testing.T) {
	engine, err := eval.NewManifestEngine(writeManifest(t, testManifest),
		map[string]string{"missing": "supplied"})
	require.Nil(t, err)

	master := evaluator.NewMaster(evaluator.MasterConfig{NrWorkers: 1},
		newPipeWorkerFactory(t, engine), logger.MakeNopLogFactory())

	jobs, err := master.Run(context.Background())
	require.Nil(t, err)

	// The function body (an empty attrset) evaluates without error now.
	_, hasError := jobs["needsArg"]
	assert.False(t, hasError)
}

// toFloat tolerates both float64 (from JSON) and int (from in-process maps).
func toFloat(v interface{}) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case int:
		return float64(x)
	}
	return -1
}

func TestReplyMarshalling(t *testing.T) {
	data, err := json.Marshal(&evaluator.Reply{Attrs: []string{"a", "b"}})
	require.Nil(t, err)
	assert.JSONEq(t, `{"attrs":["a","b"]}`, string(data))

	var reply evaluator.Reply
	require.Nil(t, json.Unmarshal([]byte(`{"job":{"system":"x"},"error":"boom"}`), &reply))
	assert.Equal(t, "boom", reply.Error)
	assert.Equal(t, "x", reply.Job["system"])
}
