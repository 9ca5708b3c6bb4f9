package model

import (
	"errors"
	"maps"
	"time"

	"github.com/google/uuid"
)

// Action is the smallest dispatchable unit of work, sent to one endpoint of
// one remote server.
type Action struct {
	ActionUUID     string `json:"action_uuid"`
	ExperimentUUID string `json:"experiment_uuid,omitempty"`
	SequenceUUID   string `json:"sequence_uuid,omitempty"`
	DataRequestID  string `json:"data_request_id,omitempty"`
	OrchName       string `json:"orch_name,omitempty"`

	Server         Server         `json:"action_server"`
	Endpoint       string         `json:"action_name"`
	Params         map[string]any `json:"action_params,omitempty"`
	StartCondition StartCondition `json:"start_condition"`
	Status         StatusList     `json:"action_status,omitempty"`

	OrderIndex      int       `json:"action_order"`
	OrchSubmitOrder int       `json:"orch_submit_order"`
	NonBlocking     bool      `json:"nonblocking,omitempty"`
	ExecID          string    `json:"exec_id,omitempty"`
	RetryCount      int       `json:"retry_count,omitempty"`
	ErrorCode       ErrorCode `json:"error_code,omitempty"`

	// FromGlobalParams maps a global parameter key to the action param it fills.
	FromGlobalParams map[string]string `json:"from_global_params,omitempty"`
	// ToGlobalParams maps an action param key to the global key it publishes.
	ToGlobalParams map[string]string `json:"to_global_params,omitempty"`

	ProcessFinish  bool     `json:"process_finish,omitempty"`
	ProcessContrib []string `json:"process_contrib,omitempty"`

	CreatedAt    time.Time  `json:"created_at"`
	DispatchedAt *time.Time `json:"dispatched_at,omitempty"`
}

// NewAction creates an action owned by exp. Parent identity is copied down at
// creation time.
func NewAction(exp *Experiment, server Server, endpoint string, params map[string]any, cond StartCondition) *Action {
	a := &Action{
		ActionUUID:     uuid.NewString(),
		Server:         server,
		Endpoint:       endpoint,
		Params:         cloneParams(params),
		StartCondition: cond.Normalize(),
		ErrorCode:      ErrorNone,
		CreatedAt:      time.Now().UTC(),
	}
	if exp != nil {
		a.ExperimentUUID = exp.ExperimentUUID
		a.SequenceUUID = exp.SequenceUUID
		a.DataRequestID = exp.DataRequestID
		a.OrchName = exp.OrchName
	}
	return a
}

// ID returns the action identifier.
func (a *Action) ID() string { return a.ActionUUID }

// Active reports whether the action has not reached a terminal tag.
func (a *Action) Active() bool { return !a.Status.Terminal() }

// Clone returns a deep copy of the mutable maps and slices.
func (a *Action) Clone() *Action {
	if a == nil {
		return nil
	}
	c := *a
	c.Params = cloneParams(a.Params)
	c.Status = append(StatusList(nil), a.Status...)
	c.FromGlobalParams = maps.Clone(a.FromGlobalParams)
	c.ToGlobalParams = maps.Clone(a.ToGlobalParams)
	c.ProcessContrib = append([]string(nil), a.ProcessContrib...)
	if a.DispatchedAt != nil {
		t := *a.DispatchedAt
		c.DispatchedAt = &t
	}
	return &c
}

// Validate checks the fields a remote server must echo back.
func (a *Action) Validate() error {
	if a == nil {
		return errors.New("action is nil")
	}
	if a.ActionUUID == "" {
		return errors.New("action_uuid is empty")
	}
	if _, err := uuid.Parse(a.ActionUUID); err != nil {
		return errors.New("action_uuid is not a uuid")
	}
	if a.Endpoint == "" {
		return errors.New("action_name is empty")
	}
	return nil
}

// Summary returns the compact record kept on the parent experiment.
func (a *Action) Summary() ActionSummary {
	return ActionSummary{
		ActionUUID:      a.ActionUUID,
		Server:          a.Server.Name,
		Endpoint:        a.Endpoint,
		Status:          append(StatusList(nil), a.Status...),
		OrderIndex:      a.OrderIndex,
		OrchSubmitOrder: a.OrchSubmitOrder,
		ErrorCode:       a.ErrorCode,
		ProcessFinish:   a.ProcessFinish,
	}
}

// ActionSummary is a completed action as recorded on its experiment.
type ActionSummary struct {
	ActionUUID      string     `json:"action_uuid"`
	Server          string     `json:"server_name"`
	Endpoint        string     `json:"action_name"`
	Status          StatusList `json:"action_status"`
	OrderIndex      int        `json:"action_order"`
	OrchSubmitOrder int        `json:"orch_submit_order"`
	ErrorCode       ErrorCode  `json:"error_code,omitempty"`
	ProcessFinish   bool       `json:"process_finish,omitempty"`
}

func cloneParams(p map[string]any) map[string]any {
	if p == nil {
		return map[string]any{}
	}
	return maps.Clone(p)
}
