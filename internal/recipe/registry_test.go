package recipe

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/laborch/internal/model"
)

func noopExperiment(exp *model.Experiment, params map[string]any) ([]*model.Action, error) {
	return nil, nil
}

func otherExperiment(exp *model.Experiment, params map[string]any) ([]*model.Action, error) {
	return nil, nil
}

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterExperiment("CV", noopExperiment, map[string]any{"scan_rate": 0.1}))

	_, info, err := r.Experiment("CV")
	require.NoError(t, err)
	assert.Equal(t, "experiment", info.Kind)
	assert.Len(t, info.CodeHash, 64)

	_, _, err = r.Experiment("missing")
	assert.True(t, errors.Is(err, ErrUnknownRecipe))
	_, _, err = r.Sequence("CV")
	assert.True(t, errors.Is(err, ErrUnknownRecipe), "kinds have separate namespaces")

	err = r.RegisterExperiment("CV", noopExperiment, nil)
	assert.True(t, errors.Is(err, ErrDuplicateRecipe))
}

func TestCodeHashTracksFunctionAndDefaults(t *testing.T) {
	base := CodeHash(noopExperiment, map[string]any{"a": 1})
	assert.Equal(t, base, CodeHash(noopExperiment, map[string]any{"a": 1}))
	assert.NotEqual(t, base, CodeHash(otherExperiment, map[string]any{"a": 1}))
	assert.NotEqual(t, base, CodeHash(noopExperiment, map[string]any{"a": 2}))
}

func TestResolvePassesOnlyDeclaredKeys(t *testing.T) {
	info := Info{Defaults: map[string]any{"scan_rate": 0.1, "cycles": 1}}
	got := info.Resolve(map[string]any{"cycles": 3, "undeclared": true})
	assert.Equal(t, map[string]any{"scan_rate": 0.1, "cycles": 3}, got)

	open := Info{}
	assert.Equal(t, map[string]any{"x": 1}, open.Resolve(map[string]any{"x": 1}))
}

func TestBind(t *testing.T) {
	var p WaitParams
	require.NoError(t, Bind(map[string]any{"waittime": 2.5, "ignored": "x"}, &p))
	assert.Equal(t, 2.5, p.WaitTime)

	assert.Error(t, Bind(map[string]any{"waittime": "soon"}, &p))
}

func TestBuiltins(t *testing.T) {
	orch := model.Server{Name: "ORCH", Host: "127.0.0.1", Port: 8010}
	r := NewRegistry()
	require.NoError(t, RegisterBuiltins(r, orch))

	waitFn, info, err := r.Experiment(OrchWaitExperiment)
	require.NoError(t, err)
	exp := model.NewExperiment(nil, OrchWaitExperiment, nil)
	exp.OrchName = "ORCH"
	acts, err := waitFn(exp, info.Resolve(map[string]any{"waittime": 1.5}))
	require.NoError(t, err)
	require.Len(t, acts, 1)
	assert.Equal(t, WaitEndpoint, acts[0].Endpoint)
	assert.Equal(t, orch, acts[0].Server)
	assert.Equal(t, exp.ExperimentUUID, acts[0].ExperimentUUID)
	assert.Equal(t, 1.5, acts[0].Params["waittime"])

	_, err = waitFn(exp, map[string]any{"waittime": -1.0})
	assert.Error(t, err)

	listFn, _, err := r.Sequence(ExperimentListSequence)
	require.NoError(t, err)
	exps, err := listFn(map[string]any{"experiments": []any{
		map[string]any{"experiment_name": "orch_wait", "experiment_params": map[string]any{"waittime": 0.1}},
		map[string]any{"experiment_name": "CV"},
	}})
	require.NoError(t, err)
	require.Len(t, exps, 2)
	assert.Equal(t, "CV", exps[1].Name)

	_, err = listFn(map[string]any{})
	assert.Error(t, err)

	names := []string{}
	for _, i := range r.List() {
		names = append(names, i.Kind+"/"+i.Name)
	}
	assert.Equal(t, []string{"experiment/orch_wait", "sequence/experiment_list"}, names)
}
