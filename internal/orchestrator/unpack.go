package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/mattjoyce/laborch/internal/events"
	"github.com/mattjoyce/laborch/internal/log"
	"github.com/mattjoyce/laborch/internal/model"
)

// startNextSequence pops a sequence, verifies its plate and unpacks it into
// the experiment queue. On failure the sequence goes back to the front and
// the loop stops.
func (e *Engine) startNextSequence(ctx context.Context) {
	seq, ok := e.sequences.PopLeft()
	if !ok {
		return
	}
	logger := log.WithSequence(seq.SequenceUUID).With("component", "orchestrator", "sequence", seq.Name)

	if plateID, has := seq.PlateID(); has {
		if err := e.checkPlate(ctx, plateID); err != nil {
			e.sequences.AppendLeft(seq)
			e.requestStop(fmt.Sprintf("sequence %s: %v", seq.Name, err))
			return
		}
	}

	exps, err := e.unpackSequence(seq)
	if err != nil {
		e.sequences.AppendLeft(seq)
		logger.Error("cannot unpack sequence", "error", err)
		e.requestStop(fmt.Sprintf("cannot unpack sequence %s: %v", seq.Name, err))
		return
	}

	now := time.Now().UTC()
	seq.Status = seq.Status.With(model.StatusActive)
	seq.StartedAt = &now
	if seq.OrchName == "" {
		seq.OrchName = e.cfg.Server.Name
	}
	for _, exp := range exps {
		exp.SequenceUUID = seq.SequenceUUID
		exp.DataRequestID = seq.DataRequestID
		exp.OrchName = seq.OrchName
	}
	seq.PlannedExperiments = exps

	e.mu.Lock()
	e.activeSeq = seq
	e.globalParams = map[string]any{}
	e.mu.Unlock()

	queued := make([]*model.Experiment, len(exps))
	for i, exp := range exps {
		queued[i] = exp.Clone()
	}
	e.experiments.Append(queued...)

	logger.Info("sequence started", "experiments", len(exps))
	e.publish(events.SequenceStart, map[string]any{
		"sequence_uuid": seq.SequenceUUID,
		"sequence_name": seq.Name,
		"experiments":   len(exps),
	})
}

func (e *Engine) unpackSequence(seq *model.Sequence) ([]*model.Experiment, error) {
	if len(seq.PlannedExperiments) > 0 {
		out := make([]*model.Experiment, len(seq.PlannedExperiments))
		for i, exp := range seq.PlannedExperiments {
			out[i] = exp.Clone()
		}
		return out, nil
	}
	fn, info, err := e.deps.Recipes.Sequence(seq.Name)
	if err != nil {
		return nil, err
	}
	exps, err := fn(info.Resolve(seq.Params))
	if err != nil {
		return nil, fmt.Errorf("recipe %s: %w", seq.Name, err)
	}
	if len(exps) == 0 {
		return nil, fmt.Errorf("recipe %s produced no experiments: %w", seq.Name, ErrInvalid)
	}
	for i, exp := range exps {
		if exp == nil || exp.Name == "" {
			return nil, fmt.Errorf("recipe %s experiment %d has no name: %w", seq.Name, i, ErrInvalid)
		}
	}
	seq.CodeHash = info.CodeHash
	return exps, nil
}

// checkPlate verifies a referenced plate exists. Without a plate lookup, or
// without access to its database, the check is skipped with a warning.
func (e *Engine) checkPlate(ctx context.Context, plateID int) error {
	if e.deps.Plates == nil {
		e.logger.Warn("no plate lookup configured, plate not verified", "plate_id", plateID)
		return nil
	}
	if !e.deps.Plates.HasAccess() {
		e.logger.Warn("plate database unreachable, plate not verified", "plate_id", plateID)
		return nil
	}
	rows, err := e.deps.Plates.GetPlatemap(ctx, plateID)
	if err != nil {
		return fmt.Errorf("plate %d: %w", plateID, err)
	}
	if len(rows) == 0 {
		return fmt.Errorf("plate %d has an empty platemap", plateID)
	}
	return nil
}

// startNextExperiment pops an experiment and unpacks it into the action
// queue. The submit counter restarts for every experiment.
func (e *Engine) startNextExperiment(ctx context.Context) {
	exp, ok := e.experiments.PopLeft()
	if !ok {
		return
	}
	logger := log.WithExperiment(exp.ExperimentUUID).With("component", "orchestrator", "experiment", exp.Name)

	acts, err := e.unpackExperiment(exp)
	if err != nil {
		e.experiments.AppendLeft(exp)
		logger.Error("cannot unpack experiment", "error", err)
		e.requestStop(fmt.Sprintf("cannot unpack experiment %s: %v", exp.Name, err))
		return
	}

	now := time.Now().UTC()
	exp.Status = exp.Status.With(model.StatusActive)
	exp.StartedAt = &now
	if exp.OrchName == "" {
		exp.OrchName = e.cfg.Server.Name
	}
	for i, a := range acts {
		a.ExperimentUUID = exp.ExperimentUUID
		a.SequenceUUID = exp.SequenceUUID
		a.DataRequestID = exp.DataRequestID
		a.OrchName = exp.OrchName
		a.OrderIndex = i
		a.StartCondition = a.StartCondition.Normalize()
	}
	exp.PlannedActions = acts

	e.mu.Lock()
	e.activeExp = exp
	e.submitCounter = 0
	e.mu.Unlock()

	queued := make([]*model.Action, len(acts))
	for i, a := range acts {
		queued[i] = a.Clone()
	}
	e.actions.Append(queued...)

	logger.Info("experiment started", "actions", len(acts))
	e.publish(events.ExperimentStart, map[string]any{
		"experiment_uuid": exp.ExperimentUUID,
		"experiment_name": exp.Name,
		"sequence_uuid":   exp.SequenceUUID,
		"actions":         len(acts),
	})
}

func (e *Engine) unpackExperiment(exp *model.Experiment) ([]*model.Action, error) {
	if len(exp.PlannedActions) > 0 {
		out := make([]*model.Action, len(exp.PlannedActions))
		for i, a := range exp.PlannedActions {
			if err := validateQueuedAction(a); err != nil {
				return nil, fmt.Errorf("planned action %d: %w", i, err)
			}
			out[i] = a.Clone()
		}
		return out, nil
	}

	fn, info, err := e.deps.Recipes.Experiment(exp.Name)
	if err != nil {
		return nil, err
	}
	params := info.Resolve(exp.Params)
	e.mu.Lock()
	for globalKey, paramKey := range exp.FromGlobalParams {
		if v, ok := e.globalParams[globalKey]; ok {
			params[paramKey] = v
		}
	}
	e.mu.Unlock()

	acts, err := fn(exp, params)
	if err != nil {
		return nil, fmt.Errorf("recipe %s: %w", exp.Name, err)
	}
	for i, a := range acts {
		if err := validateQueuedAction(a); err != nil {
			return nil, fmt.Errorf("recipe %s action %d: %w", exp.Name, i, err)
		}
	}
	exp.CodeHash = info.CodeHash
	return acts, nil
}

func validateQueuedAction(a *model.Action) error {
	switch {
	case a == nil:
		return fmt.Errorf("nil action: %w", ErrInvalid)
	case a.ActionUUID == "":
		return fmt.Errorf("action has no id: %w", ErrInvalid)
	case a.Server.Name == "":
		return fmt.Errorf("action %s has no server: %w", a.ActionUUID, ErrInvalid)
	case a.Endpoint == "":
		return fmt.Errorf("action %s has no endpoint: %w", a.ActionUUID, ErrInvalid)
	}
	return nil
}

// finishActiveExperiment closes the active experiment: it is tagged
// finished, summarised onto its sequence, archived and uploaded.
func (e *Engine) finishActiveExperiment(ctx context.Context) {
	e.ingress.Lock()
	e.mu.Lock()
	exp := e.activeExp
	if exp == nil {
		e.mu.Unlock()
		e.ingress.Unlock()
		return
	}
	e.activeExp = nil
	now := time.Now().UTC()
	exp.Status = exp.Status.With(model.StatusFinished)
	exp.FinishedAt = &now
	for expKey, globalKey := range exp.ToGlobalParams {
		if v, ok := exp.GlobalParams[expKey]; ok {
			e.globalParams[globalKey] = v
		}
	}
	if e.activeSeq != nil && e.activeSeq.SequenceUUID == exp.SequenceUUID {
		e.activeSeq.CompletedExperiments = append(e.activeSeq.CompletedExperiments, exp.Summary())
	}
	e.lastExp = exp
	step := e.step.Experiments
	record := exp.Clone()
	e.mu.Unlock()
	e.ingress.Unlock()

	if e.deps.Archive != nil {
		if err := e.deps.Archive.RecordExperiment(ctx, record); err != nil {
			e.logger.Warn("archive experiment failed", "experiment_uuid", exp.ExperimentUUID, "error", err)
		}
	}
	if e.deps.Uploader != nil {
		if err := e.deps.Uploader.UploadExperiment(ctx, record); err != nil {
			e.logger.Warn("upload experiment failed", "experiment_uuid", exp.ExperimentUUID, "error", err)
		}
	}

	e.logger.Info("experiment finished", "experiment_uuid", record.ExperimentUUID, "experiment", record.Name,
		"completed_actions", len(record.CompletedActions))
	e.publish(events.ExperimentDone, record.Summary())

	if step && e.experiments.Len()+e.sequences.Len() > 0 {
		e.requestStop(fmt.Sprintf("step-through: experiment %s finished", record.Name))
	}
}

// finishActiveSequence closes the active sequence and drops the global
// params it accumulated.
func (e *Engine) finishActiveSequence(ctx context.Context) {
	e.mu.Lock()
	seq := e.activeSeq
	if seq == nil {
		e.mu.Unlock()
		return
	}
	e.activeSeq = nil
	now := time.Now().UTC()
	seq.Status = seq.Status.With(model.StatusFinished)
	seq.FinishedAt = &now
	e.lastSeq = seq
	e.globalParams = map[string]any{}
	step := e.step.Sequences
	record := seq.Clone()
	e.mu.Unlock()

	if e.deps.Archive != nil {
		if err := e.deps.Archive.RecordSequence(ctx, record); err != nil {
			e.logger.Warn("archive sequence failed", "sequence_uuid", seq.SequenceUUID, "error", err)
		}
	}
	if e.deps.Uploader != nil {
		if err := e.deps.Uploader.UploadSequence(ctx, record); err != nil {
			e.logger.Warn("upload sequence failed", "sequence_uuid", seq.SequenceUUID, "error", err)
		}
	}

	e.logger.Info("sequence finished", "sequence_uuid", record.SequenceUUID, "sequence", record.Name,
		"experiments", len(record.CompletedExperiments))
	e.publish(events.SequenceDone, map[string]any{
		"sequence_uuid": record.SequenceUUID,
		"sequence_name": record.Name,
		"status":        record.Status,
	})

	if step && e.sequences.Len() > 0 {
		e.requestStop(fmt.Sprintf("step-through: sequence %s finished", record.Name))
	}
}

