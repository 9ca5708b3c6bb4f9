package recipe

import (
	"errors"
	"fmt"

	"github.com/mattjoyce/laborch/internal/model"
)

// Names of the recipes every orchestrator registers.
const (
	OrchWaitExperiment     = "orch_wait"
	ExperimentListSequence = "experiment_list"

	// WaitEndpoint is the orchestrator's own timed-wait endpoint.
	WaitEndpoint = "wait"
)

// WaitParams binds the orch_wait experiment.
type WaitParams struct {
	WaitTime float64 `json:"waittime"`
}

// ExperimentSpec is one entry in an experiment_list sequence.
type ExperimentSpec struct {
	Name   string         `json:"experiment_name"`
	Params map[string]any `json:"experiment_params"`
}

// ExperimentListParams binds the experiment_list sequence.
type ExperimentListParams struct {
	Experiments []ExperimentSpec `json:"experiments"`
}

// RegisterBuiltins adds orch_wait and experiment_list. orch is the
// orchestrator's own server identity, which wait actions target.
func RegisterBuiltins(r *Registry, orch model.Server) error {
	wait := func(exp *model.Experiment, params map[string]any) ([]*model.Action, error) {
		var p WaitParams
		if err := Bind(params, &p); err != nil {
			return nil, err
		}
		if p.WaitTime < 0 {
			return nil, fmt.Errorf("waittime must not be negative, got %v", p.WaitTime)
		}
		a := model.NewAction(exp, orch, WaitEndpoint, map[string]any{"waittime": p.WaitTime}, model.WaitForAll)
		return []*model.Action{a}, nil
	}
	if err := r.RegisterExperiment(OrchWaitExperiment, wait, map[string]any{"waittime": 10.0}); err != nil {
		return err
	}

	list := func(params map[string]any) ([]*model.Experiment, error) {
		var p ExperimentListParams
		if err := Bind(params, &p); err != nil {
			return nil, err
		}
		if len(p.Experiments) == 0 {
			return nil, errors.New("experiment_list needs at least one experiment")
		}
		out := make([]*model.Experiment, 0, len(p.Experiments))
		for i, spec := range p.Experiments {
			if spec.Name == "" {
				return nil, fmt.Errorf("experiment %d has no name", i)
			}
			out = append(out, model.NewExperiment(nil, spec.Name, spec.Params))
		}
		return out, nil
	}
	return r.RegisterSequence(ExperimentListSequence, list, map[string]any{"experiments": []any{}})
}
