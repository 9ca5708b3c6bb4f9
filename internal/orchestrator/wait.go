package orchestrator

import (
	"context"
	"sort"
	"time"

	"github.com/mattjoyce/laborch/internal/events"
	"github.com/mattjoyce/laborch/internal/model"
	"github.com/mattjoyce/laborch/internal/recipe"
)

// waitTask is a running orchestrator-side wait action.
type waitTask struct {
	action   *model.Action
	duration time.Duration
	started  time.Time
	cancel   context.CancelFunc
	// outcome is the tag applied when the timer is cut short.
	outcome model.HloStatus
}

// WaitInfo describes a running wait for global_status.
type WaitInfo struct {
	ActionUUID string    `json:"action_uuid"`
	Seconds    float64   `json:"waittime"`
	StartedAt  time.Time `json:"started_at"`
	Remaining  float64   `json:"remaining"`
}

// startWait runs a wait action locally. The action is marked active in the
// status model right away and reported finished through UpdateStatus when the
// timer fires or the wait is cancelled.
func (e *Engine) startWait(a *model.Action) *model.Action {
	var p recipe.WaitParams
	if err := recipe.Bind(a.Params, &p); err != nil {
		e.logger.Warn("bad wait params, waiting 0s", "action_uuid", a.ActionUUID, "error", err)
	}
	if p.WaitTime < 0 {
		p.WaitTime = 0
	}

	running := a.Clone()
	running.Server = e.cfg.Server
	running.OrchName = e.cfg.Server.Name
	running.Status = model.StatusList{model.StatusActive}
	running.ErrorCode = model.ErrorNone

	ctx, cancel := context.WithCancel(context.Background())
	task := &waitTask{
		action:   running,
		duration: time.Duration(p.WaitTime * float64(time.Second)),
		started:  time.Now().UTC(),
		cancel:   cancel,
		outcome:  model.StatusFinished,
	}

	e.mu.Lock()
	e.waits[running.ActionUUID] = task
	e.mu.Unlock()

	e.status.Apply(model.ActionStatusPush(running))
	e.logger.Info("wait started", "action_uuid", running.ActionUUID, "waittime", p.WaitTime)
	e.publish(events.WaitStarted, map[string]any{"action_uuid": running.ActionUUID, "waittime": p.WaitTime})

	go e.runWait(ctx, task)
	return running.Clone()
}

func (e *Engine) runWait(ctx context.Context, task *waitTask) {
	timer := time.NewTimer(task.duration)
	defer timer.Stop()

	outcome := model.StatusFinished
	select {
	case <-timer.C:
	case <-ctx.Done():
		e.mu.Lock()
		outcome = task.outcome
		e.mu.Unlock()
	}
	task.cancel()

	e.mu.Lock()
	delete(e.waits, task.action.ActionUUID)
	e.mu.Unlock()

	done := task.action.Clone()
	done.Status = done.Status.With(outcome)
	elapsed := time.Since(task.started)
	e.logger.Info("wait finished", "action_uuid", done.ActionUUID, "outcome", outcome, "elapsed", elapsed.Round(time.Millisecond).String())
	e.publish(events.WaitFinished, map[string]any{"action_uuid": done.ActionUUID, "outcome": outcome})
	e.UpdateStatus(context.Background(), model.ActionStatusPush(done))
}

// CancelWait ends a running wait early; the wait action still finishes
// normally. An empty id cancels every running wait.
func (e *Engine) CancelWait(actionUUID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if actionUUID == "" {
		if len(e.waits) == 0 {
			return ErrNotFound
		}
		for _, t := range e.waits {
			t.cancel()
		}
		return nil
	}
	t, ok := e.waits[actionUUID]
	if !ok {
		return ErrNotFound
	}
	t.cancel()
	return nil
}

// abortWaitsLocked cuts every running wait short with outcome. Caller holds
// e.mu.
func (e *Engine) abortWaitsLocked(outcome model.HloStatus) {
	for _, t := range e.waits {
		t.outcome = outcome
		t.cancel()
	}
}

// Waits lists the running waits.
func (e *Engine) Waits() []WaitInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := time.Now()
	out := make([]WaitInfo, 0, len(e.waits))
	for id, t := range e.waits {
		remaining := t.duration - now.Sub(t.started)
		if remaining < 0 {
			remaining = 0
		}
		out = append(out, WaitInfo{
			ActionUUID: id,
			Seconds:    t.duration.Seconds(),
			StartedAt:  t.started,
			Remaining:  remaining.Seconds(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}
