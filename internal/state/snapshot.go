package state

import (
	"time"

	"github.com/mattjoyce/laborch/internal/model"
	"github.com/mattjoyce/laborch/internal/queue"
	"github.com/mattjoyce/laborch/internal/status"
)

// LastActionsKept bounds Snapshot.LastActions.
const LastActionsKept = 50

// Snapshot is everything needed to resume an orchestrator after a restart.
// It is written on export and periodically; it is never used for
// inter-process communication.
type Snapshot struct {
	OrchName   string    `json:"orch_name"`
	SavedAt    time.Time `json:"saved_at"`
	ConfigHash string    `json:"config_hash,omitempty"`

	LoopState   string `json:"loop_state"`
	StopMessage string `json:"stop_message,omitempty"`

	Sequences   []*model.Sequence   `json:"sequence_queue"`
	Experiments []*model.Experiment `json:"experiment_queue"`
	Actions     []*model.Action     `json:"action_queue"`

	ActiveSequence   *model.Sequence   `json:"active_sequence,omitempty"`
	LastSequence     *model.Sequence   `json:"last_sequence,omitempty"`
	ActiveExperiment *model.Experiment `json:"active_experiment,omitempty"`
	LastExperiment   *model.Experiment `json:"last_experiment,omitempty"`

	LastDispatched string   `json:"last_dispatched_action,omitempty"`
	LastActions    []string `json:"last_50_action_uuids,omitempty"`
	SubmitCounter  int      `json:"orch_submit_counter"`

	GlobalParams map[string]any           `json:"global_params,omitempty"`
	NonBlocking  []queue.NonBlockingEntry `json:"nonblocking,omitempty"`
	Status       status.Snapshot          `json:"status_model"`
}

// PushLastAction appends id to ring, keeping the newest LastActionsKept.
func PushLastAction(ring []string, id string) []string {
	ring = append(ring, id)
	if len(ring) > LastActionsKept {
		ring = append([]string(nil), ring[len(ring)-LastActionsKept:]...)
	}
	return ring
}
