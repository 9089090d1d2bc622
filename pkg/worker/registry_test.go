package worker_test

import (
	"context"
	"errors"
	"testing"

	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func doneFactory(kind worker.Kind) worker.Factory {
	return func(worker.Deps) (worker.Worker, error) {
		return worker.Func{K: kind, Fn: func(context.Context) (worker.Result, error) {
			return worker.Done(), nil
		}}, nil
	}
}

func TestRegistry(t *testing.T) {
	reg := worker.NewRegistry()

	require.NoError(t, reg.Register(worker.KindCommand, doneFactory(worker.KindCommand)))
	assert.Error(t, reg.Register(worker.KindCommand, doneFactory(worker.KindCommand)), "duplicate")
	assert.Error(t, reg.Register("made_up", doneFactory("made_up")), "kinds are a closed set")
	assert.Error(t, reg.Register(worker.KindReadme, nil))

	w, err := reg.Resolve(worker.KindCommand, worker.Deps{})
	require.NoError(t, err)
	assert.Equal(t, worker.KindCommand, w.Kind())
	res, err := w.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Is(worker.ResultDone))

	_, err = reg.Resolve(worker.KindBugFix, worker.Deps{})
	assert.ErrorIs(t, err, worker.ErrUnknownKind)

	boom := errors.New("boom")
	require.NoError(t, reg.Replace(worker.KindCommand, func(worker.Deps) (worker.Worker, error) { return nil, boom }))
	_, err = reg.Resolve(worker.KindCommand, worker.Deps{})
	assert.ErrorIs(t, err, boom)

	assert.Equal(t, []worker.Kind{worker.KindCommand}, reg.Kinds())
	assert.True(t, reg.Has(worker.KindCommand))
}

func TestMustRegister_Panics(t *testing.T) {
	reg := worker.NewRegistry()
	reg.MustRegister(worker.KindReadme, doneFactory(worker.KindReadme))
	assert.Panics(t, func() { reg.MustRegister(worker.KindReadme, doneFactory(worker.KindReadme)) })
}

func TestResult(t *testing.T) {
	r := worker.InputRequired("fix these", worker.Location{File: "a.go", Line: 3}).From(worker.KindCodeReview)
	assert.Equal(t, worker.KindCodeReview, r.Worker)
	assert.Equal(t, "input_required: fix these", r.String())
	assert.Equal(t, "error: exit 2", worker.Errorf("exit %d", 2).String())
	assert.True(t, worker.ResultDescribeFiles.Valid())
	assert.False(t, worker.ResultType("bogus").Valid())
	assert.Len(t, worker.Kinds(), 25)
}

func TestResult_FromAttributesCopy(t *testing.T) {
	orig := worker.Error("boom", map[string]any{"exit_code": 1})
	attributed := orig.From(worker.KindCommand)

	assert.Empty(t, orig.Worker, "From leaves the receiver alone")
	assert.Equal(t, worker.KindCommand, attributed.Worker)
	assert.Equal(t, orig.Message, attributed.Message)
	assert.Equal(t, orig.Details, attributed.Details)
	assert.Equal(t, worker.KindRecovery, attributed.From(worker.KindRecovery).Worker, "a later attribution replaces the kind")
}
