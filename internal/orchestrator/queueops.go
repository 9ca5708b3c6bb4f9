package orchestrator

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/laborch/internal/events"
	"github.com/mattjoyce/laborch/internal/interrupt"
	"github.com/mattjoyce/laborch/internal/model"
)

// Queue names accepted by ClearQueue.
const (
	QueueSequences   = "sequences"
	QueueExperiments = "experiments"
	QueueActions     = "actions"
	QueueAll         = "all"
)

// AppendSequence enqueues a sequence at the back.
func (e *Engine) AppendSequence(seq *model.Sequence) (*model.Sequence, error) {
	if seq == nil || seq.Name == "" {
		return nil, fmt.Errorf("sequence needs a name: %w", ErrInvalid)
	}
	if seq.SequenceUUID == "" {
		seq.SequenceUUID = uuid.NewString()
	}
	if seq.CreatedAt.IsZero() {
		seq.CreatedAt = time.Now().UTC()
	}
	seq.OrchName = e.cfg.Server.Name
	e.sequences.Append(seq)
	e.queueChanged(QueueSequences, "append", seq.SequenceUUID)
	return seq, nil
}

// AppendExperiment enqueues a stand-alone experiment at the back.
func (e *Engine) AppendExperiment(exp *model.Experiment) (*model.Experiment, error) {
	if err := e.prepareExperiment(exp); err != nil {
		return nil, err
	}
	e.experiments.Append(exp)
	e.queueChanged(QueueExperiments, "append", exp.ExperimentUUID)
	return exp, nil
}

// InsertExperiment places an experiment before index i.
func (e *Engine) InsertExperiment(i int, exp *model.Experiment) (*model.Experiment, error) {
	if err := e.prepareExperiment(exp); err != nil {
		return nil, err
	}
	if err := e.experiments.Insert(i, exp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	e.queueChanged(QueueExperiments, "insert", exp.ExperimentUUID)
	return exp, nil
}

func (e *Engine) prepareExperiment(exp *model.Experiment) error {
	if exp == nil || exp.Name == "" {
		return fmt.Errorf("experiment needs a name: %w", ErrInvalid)
	}
	if exp.ExperimentUUID == "" {
		exp.ExperimentUUID = uuid.NewString()
	}
	if exp.CreatedAt.IsZero() {
		exp.CreatedAt = time.Now().UTC()
	}
	exp.OrchName = e.cfg.Server.Name
	return nil
}

// InsertAction places an action before index i of the action queue. It joins
// the active experiment when it names none.
func (e *Engine) InsertAction(i int, a *model.Action) (*model.Action, error) {
	if a != nil && a.ActionUUID == "" {
		a.ActionUUID = uuid.NewString()
	}
	if err := validateQueuedAction(a); err != nil {
		return nil, err
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	a.StartCondition = a.StartCondition.Normalize()
	a.OrchName = e.cfg.Server.Name

	e.mu.Lock()
	if a.ExperimentUUID == "" && e.activeExp != nil {
		a.ExperimentUUID = e.activeExp.ExperimentUUID
		a.SequenceUUID = e.activeExp.SequenceUUID
		a.DataRequestID = e.activeExp.DataRequestID
	}
	e.mu.Unlock()

	if err := e.actions.Insert(i, a); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	e.queueChanged(QueueActions, "insert", a.ActionUUID)
	return a, nil
}

// RemoveActions drops queued actions by position and returns their ids.
func (e *Engine) RemoveActions(indexes []int) []string {
	removed := e.actions.RemoveIndexes(indexes)
	ids := make([]string, len(removed))
	for i, a := range removed {
		ids[i] = a.ActionUUID
	}
	if len(ids) > 0 {
		e.queueChanged(QueueActions, "remove", ids...)
	}
	return ids
}

// RemoveAction drops one queued action by id.
func (e *Engine) RemoveAction(id string) (*model.Action, error) {
	a, err := e.actions.RemoveByID(id)
	if err != nil {
		return nil, fmt.Errorf("%w: queued action %s", ErrNotFound, id)
	}
	e.queueChanged(QueueActions, "remove", a.ActionUUID)
	return a, nil
}

// ClearQueue empties one queue, or all of them, and returns how many items
// were dropped.
func (e *Engine) ClearQueue(which string) (int, error) {
	n := 0
	switch which {
	case QueueSequences:
		n = len(e.sequences.Clear())
	case QueueExperiments:
		n = len(e.experiments.Clear())
	case QueueActions:
		n = len(e.actions.Clear())
	case QueueAll, "":
		e.mu.Lock()
		n = len(e.sequences.Clear()) + len(e.experiments.Clear()) + len(e.actions.Clear())
		e.mu.Unlock()
		which = QueueAll
	default:
		return 0, fmt.Errorf("unknown queue %q: %w", which, ErrInvalid)
	}
	e.queueChanged(which, "clear")
	return n, nil
}

// ListSequences returns the queued sequences.
func (e *Engine) ListSequences() []*model.Sequence { return e.sequences.Items() }

// ListExperiments returns the queued experiments.
func (e *Engine) ListExperiments() []*model.Experiment { return e.experiments.Items() }

// ListActions returns the queued actions.
func (e *Engine) ListActions() []*model.Action { return e.actions.Items() }

func (e *Engine) queueChanged(which, op string, ids ...string) {
	e.logger.Debug("queue changed", "queue", which, "op", op, "ids", ids)
	e.publish(events.QueueChanged, map[string]any{"queue": which, "op": op, "ids": ids})
	e.interrupts.Push(interrupt.Interrupt{Kind: interrupt.KindWake, Reason: "queue " + op})
}
