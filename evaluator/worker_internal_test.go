package evaluator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hydrogen-ci/hydrogen/common/logger"
	"github.com/hydrogen-ci/hydrogen/evaluator/eval"
)

type stubEngine struct {
	value interface{}
	err   error
}

func (e *stubEngine) Eval(ctx context.Context, attrPath string) (interface{}, error) {
	return e.value, e.err
}

func newStubWorker(value interface{}, err error) *Worker {
	return NewWorker(WorkerConfig{}, &stubEngine{value: value, err: err}, nil, logger.MakeNopLogFactory())
}

func TestEvalOneAggregate(t *testing.T) {
	w := newStubWorker(map[string]interface{}{
		"type":            "derivation",
		"name":            "everything",
		"system":          "x86_64-linux",
		"drvPath":         "/nix/store/aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa-everything.drv",
		"_hydraAggregate": true,
		"constituents": []interface{}{
			"/nix/store/bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb-member.drv",
			"other.job",
		},
		"outputs": map[string]interface{}{},
	}, nil)

	reply := w.evalOne(context.Background(), "everything")
	require.Empty(t, reply.Error)
	require.NotNil(t, reply.Job)
	assert.Equal(t, []interface{}{"/nix/store/bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb-member.drv"},
		reply.Job[jobFieldConstituents])
	assert.Equal(t, []interface{}{"other.job"}, reply.Job[jobFieldNamedConstituents])
}

func TestEvalOneAggregateWithoutConstituents(t *testing.T) {
	w := newStubWorker(map[string]interface{}{
		"type":            "derivation",
		"name":            "broken",
		"system":          "x86_64-linux",
		"drvPath":         "/nix/store/aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa-broken.drv",
		"_hydraAggregate": true,
	}, nil)

	reply := w.evalOne(context.Background(), "broken")
	assert.Contains(t, reply.Error, "constituents")
}

func TestEvalOneRequiresSystem(t *testing.T) {
	w := newStubWorker(map[string]interface{}{
		"type":    "derivation",
		"name":    "nosystem",
		"drvPath": "/nix/store/aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa-nosystem.drv",
	}, nil)

	reply := w.evalOne(context.Background(), "nosystem")
	assert.Contains(t, reply.Error, "system")
}

func TestEvalOneUnsupportedType(t *testing.T) {
	w := newStubWorker([]interface{}{"a", "list"}, nil)
	reply := w.evalOne(context.Background(), "weird")
	assert.Contains(t, reply.Error, "unsupported")
}

func TestEvalOneNull(t *testing.T) {
	w := newStubWorker(nil, nil)
	reply := w.evalOne(context.Background(), "nothing")
	assert.Empty(t, reply.Error)
	assert.Nil(t, reply.Job)
	assert.Nil(t, reply.Attrs)
}

func TestEvalOneError(t *testing.T) {
	w := newStubWorker(nil, eval.NewError("assertion failed at %s", "release.nix:10"))
	reply := w.evalOne(context.Background(), "failing")
	assert.Contains(t, reply.Error, "assertion failed")
}
