package model

import (
	"maps"
	"time"

	"github.com/google/uuid"
)

// Experiment is an ordered group of actions produced by one recipe call. It
// refers to its sequence by id only.
type Experiment struct {
	ExperimentUUID string         `json:"experiment_uuid"`
	SequenceUUID   string         `json:"sequence_uuid,omitempty"`
	DataRequestID  string         `json:"data_request_id,omitempty"`
	OrchName       string         `json:"orch_name,omitempty"`
	Name           string         `json:"experiment_name"`
	Params         map[string]any `json:"experiment_params,omitempty"`
	Status         StatusList     `json:"experiment_status,omitempty"`

	PlannedActions    []*Action       `json:"planned_actions,omitempty"`
	DispatchedActions []*Action       `json:"dispatched_actions,omitempty"`
	CompletedActions  []ActionSummary `json:"completed_actions,omitempty"`

	// ProcessGroups maps a process index to the order indices of the actions
	// contributing to it.
	ProcessGroups map[int][]int `json:"process_order_groups,omitempty"`
	// GlobalParams holds values published by this experiment's actions.
	GlobalParams map[string]any `json:"global_params,omitempty"`

	FromGlobalParams map[string]string `json:"from_global_params,omitempty"`
	ToGlobalParams   map[string]string `json:"to_global_params,omitempty"`

	CodeHash   string     `json:"experiment_codehash,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// NewExperiment creates an experiment owned by seq (which may be nil for a
// stand-alone experiment appended directly to the queue).
func NewExperiment(seq *Sequence, name string, params map[string]any) *Experiment {
	e := &Experiment{
		ExperimentUUID: uuid.NewString(),
		Name:           name,
		Params:         cloneParams(params),
		CreatedAt:      time.Now().UTC(),
	}
	if seq != nil {
		e.SequenceUUID = seq.SequenceUUID
		e.DataRequestID = seq.DataRequestID
		e.OrchName = seq.OrchName
	}
	return e
}

// ID returns the experiment identifier.
func (e *Experiment) ID() string { return e.ExperimentUUID }

// Clone copies the experiment and its planned actions.
func (e *Experiment) Clone() *Experiment {
	if e == nil {
		return nil
	}
	c := *e
	c.Params = cloneParams(e.Params)
	c.Status = append(StatusList(nil), e.Status...)
	c.PlannedActions = cloneActions(e.PlannedActions)
	c.DispatchedActions = cloneActions(e.DispatchedActions)
	c.CompletedActions = append([]ActionSummary(nil), e.CompletedActions...)
	c.GlobalParams = maps.Clone(e.GlobalParams)
	c.FromGlobalParams = maps.Clone(e.FromGlobalParams)
	c.ToGlobalParams = maps.Clone(e.ToGlobalParams)
	if e.ProcessGroups != nil {
		c.ProcessGroups = make(map[int][]int, len(e.ProcessGroups))
		for k, v := range e.ProcessGroups {
			c.ProcessGroups[k] = append([]int(nil), v...)
		}
	}
	return &c
}

// Summary returns the compact record kept on the parent sequence.
func (e *Experiment) Summary() ExperimentSummary {
	return ExperimentSummary{
		ExperimentUUID: e.ExperimentUUID,
		Name:           e.Name,
		Status:         append(StatusList(nil), e.Status...),
		ActionCount:    len(e.CompletedActions),
	}
}

// ExperimentSummary is a completed experiment as recorded on its sequence.
type ExperimentSummary struct {
	ExperimentUUID string     `json:"experiment_uuid"`
	Name           string     `json:"experiment_name"`
	Status         StatusList `json:"experiment_status"`
	ActionCount    int        `json:"action_count"`
}

func cloneActions(in []*Action) []*Action {
	if in == nil {
		return nil
	}
	out := make([]*Action, len(in))
	for i, a := range in {
		out[i] = a.Clone()
	}
	return out
}
