package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/mattjoyce/laborch/internal/events"
	"github.com/mattjoyce/laborch/internal/model"
	"github.com/mattjoyce/laborch/internal/state"
)

// buildSnapshot copies the engine state. Queue contents are cloned so the
// snapshot can be serialised without holding any lock.
func (e *Engine) buildSnapshot() *state.Snapshot {
	e.mu.Lock()
	snap := &state.Snapshot{
		OrchName:         e.cfg.Server.Name,
		SavedAt:          time.Now().UTC(),
		ConfigHash:       e.cfg.ConfigHash,
		LoopState:        string(e.loopState),
		StopMessage:      e.stopMessage,
		ActiveSequence:   e.activeSeq.Clone(),
		LastSequence:     e.lastSeq.Clone(),
		ActiveExperiment: e.activeExp.Clone(),
		LastExperiment:   e.lastExp.Clone(),
		LastDispatched:   e.lastDispatched,
		LastActions:      slices.Clone(e.lastActions),
		SubmitCounter:    e.submitCounter,
		GlobalParams:     maps.Clone(e.globalParams),
	}
	seqs := e.sequences.Items()
	exps := e.experiments.Items()
	acts := e.actions.Items()
	e.mu.Unlock()

	snap.Sequences = make([]*model.Sequence, len(seqs))
	for i, s := range seqs {
		snap.Sequences[i] = s.Clone()
	}
	snap.Experiments = make([]*model.Experiment, len(exps))
	for i, x := range exps {
		snap.Experiments[i] = x.Clone()
	}
	snap.Actions = make([]*model.Action, len(acts))
	for i, a := range acts {
		snap.Actions[i] = a.Clone()
	}
	snap.NonBlocking = e.nonblocking.Items()
	snap.Status = e.status.Snapshot()
	return snap
}

// ExportQueues snapshots the engine and persists it when a store is
// configured. The snapshot is returned either way.
func (e *Engine) ExportQueues(ctx context.Context, reason string) (*state.Snapshot, error) {
	snap := e.buildSnapshot()
	if e.deps.Snapshots == nil {
		return snap, nil
	}
	if err := e.deps.Snapshots.Save(ctx, snap, reason); err != nil {
		return snap, fmt.Errorf("export queues: %w", err)
	}
	e.logger.Debug("queues exported", "reason", reason, "actions", len(snap.Actions),
		"experiments", len(snap.Experiments), "sequences", len(snap.Sequences))
	return snap, nil
}

func (e *Engine) saveSnapshot(ctx context.Context, reason string) {
	if e.deps.Snapshots == nil {
		return
	}
	if _, err := e.ExportQueues(ctx, reason); err != nil {
		e.logger.Warn("snapshot save failed", "reason", reason, "error", err)
	}
}

// ImportQueues replaces the engine state with snap. A nil snap loads the
// stored snapshot. The loop must be stopped.
func (e *Engine) ImportQueues(ctx context.Context, snap *state.Snapshot) error {
	if e.LoopState() == LoopStarted {
		return ErrLoopRunning
	}
	if snap == nil {
		if e.deps.Snapshots == nil {
			return fmt.Errorf("no snapshot store configured: %w", state.ErrNoSnapshot)
		}
		loaded, err := e.deps.Snapshots.Load(ctx, e.cfg.Server.Name)
		if err != nil {
			return err
		}
		snap = loaded
	}
	if snap.OrchName != "" && snap.OrchName != e.cfg.Server.Name {
		return fmt.Errorf("snapshot belongs to %q, not %q: %w", snap.OrchName, e.cfg.Server.Name, ErrInvalid)
	}
	if snap.ConfigHash != "" && e.cfg.ConfigHash != "" && snap.ConfigHash != e.cfg.ConfigHash {
		e.logger.Warn("snapshot was taken under a different config", "snapshot_hash", snap.ConfigHash, "config_hash", e.cfg.ConfigHash)
	}

	e.mu.Lock()
	// A snapshot taken mid-run resumes stopped; an estop latch survives.
	if LoopState(snap.LoopState) == LoopEstopped {
		e.loopState = LoopEstopped
		e.intent = IntentEstop
	} else {
		e.loopState = LoopStopped
		e.intent = IntentNone
	}
	e.stopMessage = snap.StopMessage
	e.activeSeq = snap.ActiveSequence
	e.lastSeq = snap.LastSequence
	e.activeExp = snap.ActiveExperiment
	e.lastExp = snap.LastExperiment
	e.lastDispatched = snap.LastDispatched
	e.lastActions = slices.Clone(snap.LastActions)
	e.submitCounter = snap.SubmitCounter
	e.globalParams = maps.Clone(snap.GlobalParams)
	if e.globalParams == nil {
		e.globalParams = map[string]any{}
	}
	e.sequences.Reset(snap.Sequences)
	e.experiments.Reset(snap.Experiments)
	e.actions.Reset(snap.Actions)
	e.mu.Unlock()

	e.nonblocking.Reset(snap.NonBlocking)
	e.status.Restore(snap.Status)

	e.logger.Info("queues imported", "saved_at", snap.SavedAt, "actions", len(snap.Actions),
		"experiments", len(snap.Experiments), "sequences", len(snap.Sequences), "loop_state", e.LoopState())
	e.publish(events.QueueChanged, map[string]any{"queue": QueueAll, "op": "import"})
	return nil
}

// Restore loads the stored snapshot at startup. A missing snapshot is not an
// error.
func (e *Engine) Restore(ctx context.Context) error {
	if e.deps.Snapshots == nil {
		return nil
	}
	err := e.ImportQueues(ctx, nil)
	if errors.Is(err, state.ErrNoSnapshot) {
		e.logger.Info("no snapshot to restore")
		return nil
	}
	return err
}
