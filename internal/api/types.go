package api

import (
	"github.com/mattjoyce/laborch/internal/model"
	"github.com/mattjoyce/laborch/internal/orchestrator"
)

// MessageRequest carries the operator's reason for stop and estop.
type MessageRequest struct {
	Message string `json:"message,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// SequenceRequest is the body of append_sequence.
type SequenceRequest struct {
	Sequence *model.Sequence `json:"sequence"`
}

// ExperimentRequest is the body of append_experiment and insert_experiment.
// Index is only read by insert_experiment.
type ExperimentRequest struct {
	Experiment *model.Experiment `json:"experiment"`
	Index      int               `json:"index"`
}

// ActionRequest is the body of insert_action.
type ActionRequest struct {
	Action *model.Action `json:"action"`
	Index  int           `json:"index"`
}

// RemoveActionsRequest lists queue positions to drop.
type RemoveActionsRequest struct {
	Indexes []int `json:"indexes"`
}

// RemoveActionRequest names one queued action to drop.
type RemoveActionRequest struct {
	ActionUUID string `json:"action_uuid"`
}

// ClearQueueRequest names the queue to clear; empty means all.
type ClearQueueRequest struct {
	Queue string `json:"queue"`
}

// CancelWaitRequest names the wait action; empty cancels every wait.
type CancelWaitRequest struct {
	ActionUUID string `json:"action_uuid"`
}

// StepThroughRequest sets the step-through flags. Nil fields are left alone.
type StepThroughRequest struct {
	Actions     *bool `json:"actions,omitempty"`
	Experiments *bool `json:"experiments,omitempty"`
	Sequences   *bool `json:"sequences,omitempty"`
}

// LoopResponse reports the loop after a command.
type LoopResponse struct {
	LoopState   orchestrator.LoopState   `json:"loop_state"`
	Intent      orchestrator.Intent      `json:"loop_intent"`
	StopMessage string                   `json:"stop_message,omitempty"`
	StepThrough orchestrator.StepThrough `json:"step_through"`
}

// CountResponse reports how many items an operation touched.
type CountResponse struct {
	Count int      `json:"count"`
	IDs   []string `json:"ids,omitempty"`
}

// UpdateStatusResponse acknowledges a status push.
type UpdateStatusResponse struct {
	OK          bool `json:"ok"`
	Transitions int  `json:"transitions"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string                 `json:"status"`
	OrchName      string                 `json:"orch_name"`
	UptimeSeconds int64                  `json:"uptime_seconds"`
	LoopState     orchestrator.LoopState `json:"loop_state"`
	QueueDepth    int                    `json:"queue_depth"`
}
