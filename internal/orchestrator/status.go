package orchestrator

import (
	"maps"
	"sort"
	"time"

	"github.com/mattjoyce/laborch/internal/events"
	"github.com/mattjoyce/laborch/internal/model"
	"github.com/mattjoyce/laborch/internal/queue"
)

// ServerHealth is the last heartbeat result for one server.
type ServerHealth struct {
	Server    string    `json:"server_name"`
	Available bool      `json:"available"`
	Reason    string    `json:"reason,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
	// Since is when Available last flipped.
	Since time.Time `json:"since"`
}

// GlobalStatus is the orchestrator's externally visible state.
type GlobalStatus struct {
	OrchName    string      `json:"orch_name"`
	LoopState   LoopState   `json:"loop_state"`
	Intent      Intent      `json:"loop_intent"`
	StopMessage string      `json:"stop_message,omitempty"`
	StepThrough StepThrough `json:"step_through"`
	ConfigHash  string      `json:"config_hash,omitempty"`

	SequenceQueue   int `json:"sequence_queue"`
	ExperimentQueue int `json:"experiment_queue"`
	ActionQueue     int `json:"action_queue"`

	ActiveSequence   *model.Sequence   `json:"active_sequence,omitempty"`
	ActiveExperiment *model.Experiment `json:"active_experiment,omitempty"`
	LastDispatched   string            `json:"last_dispatched_action,omitempty"`

	Counts         map[string]int           `json:"counts"`
	ActiveActions  []*model.Action          `json:"active_actions"`
	Errored        []*model.Action          `json:"errored_actions,omitempty"`
	Estopped       []*model.Action          `json:"estopped_actions,omitempty"`
	NonBlocking    []queue.NonBlockingEntry `json:"nonblocking,omitempty"`
	GlobalParams   map[string]any           `json:"global_params,omitempty"`
	Servers        []ServerHealth           `json:"servers,omitempty"`
	Waits          []WaitInfo               `json:"waits,omitempty"`
	ServersTracked []string                 `json:"servers_tracked,omitempty"`
}

// GlobalStatus assembles the current view.
func (e *Engine) GlobalStatus() GlobalStatus {
	e.mu.Lock()
	gs := GlobalStatus{
		OrchName:         e.cfg.Server.Name,
		LoopState:        e.loopState,
		Intent:           e.intent,
		StopMessage:      e.stopMessage,
		StepThrough:      e.step,
		ConfigHash:       e.cfg.ConfigHash,
		ActiveSequence:   e.activeSeq.Clone(),
		ActiveExperiment: e.activeExp.Clone(),
		LastDispatched:   e.lastDispatched,
		GlobalParams:     maps.Clone(e.globalParams),
	}
	health := make([]ServerHealth, 0, len(e.health))
	for _, h := range e.health {
		health = append(health, h)
	}
	e.mu.Unlock()

	sort.Slice(health, func(i, j int) bool { return health[i].Server < health[j].Server })
	gs.Servers = health
	gs.SequenceQueue = e.sequences.Len()
	gs.ExperimentQueue = e.experiments.Len()
	gs.ActionQueue = e.actions.Len()
	gs.Counts = e.status.Counts()
	gs.ActiveActions = e.status.ActiveActions()
	gs.Errored = e.status.FindByTerminalCategory(model.StatusErrored)
	gs.Estopped = e.status.FindByTerminalCategory(model.StatusEstopped)
	gs.NonBlocking = e.nonblocking.Items()
	gs.Waits = e.Waits()
	gs.ServersTracked = e.status.ServerNames()
	return gs
}

// RecordHealth stores a heartbeat result. It reports whether the server just
// came back after being unavailable, which callers use to re-attach.
func (e *Engine) RecordHealth(server string, available bool, reason string) (recovered bool) {
	now := time.Now().UTC()
	e.mu.Lock()
	prev, seen := e.health[server]
	h := ServerHealth{Server: server, Available: available, Reason: reason, CheckedAt: now, Since: now}
	if seen && prev.Available == available {
		h.Since = prev.Since
	}
	e.health[server] = h
	e.mu.Unlock()

	changed := !seen || prev.Available != available
	if changed {
		if available {
			e.logger.Info("server available", "server", server)
		} else {
			e.logger.Warn("server unavailable", "server", server, "reason", reason)
		}
		e.publish(events.ServerHealth, h)
	}
	return seen && !prev.Available && available
}

// Health returns the last heartbeat result for server.
func (e *Engine) Health(server string) (ServerHealth, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.health[server]
	return h, ok
}
