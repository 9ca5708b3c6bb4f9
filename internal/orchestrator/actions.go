package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/mattjoyce/laborch/internal/dispatch"
	"github.com/mattjoyce/laborch/internal/events"
	"github.com/mattjoyce/laborch/internal/interrupt"
	"github.com/mattjoyce/laborch/internal/log"
	"github.com/mattjoyce/laborch/internal/model"
	"github.com/mattjoyce/laborch/internal/queue"
	"github.com/mattjoyce/laborch/internal/recipe"
	"github.com/mattjoyce/laborch/internal/state"
	"github.com/mattjoyce/laborch/internal/status"
)

// conditionMet reports whether a's start condition currently holds.
func (e *Engine) conditionMet(a *model.Action) bool {
	switch a.StartCondition.Normalize() {
	case model.NoWait:
		return true
	case model.WaitForEndpoint:
		return e.status.EndpointFree(a.Server.Name, a.Endpoint)
	case model.WaitForServer:
		return e.status.ServerFree(a.Server.Name)
	case model.WaitForOrch:
		return e.status.EndpointFree(e.cfg.Server.Name, recipe.WaitEndpoint)
	case model.WaitForPrevious:
		e.mu.Lock()
		last := e.lastDispatched
		e.mu.Unlock()
		return last == "" || !e.status.IsActive(last)
	default:
		return e.status.OrchestratorIdle()
	}
}

func (e *Engine) isLocalWait(a *model.Action) bool {
	return a.Server.Name == e.cfg.Server.Name && a.Endpoint == recipe.WaitEndpoint
}

// dispatchNextAction pops the head of the action queue, waits for its start
// condition and dispatches it.
func (e *Engine) dispatchNextAction(ctx context.Context) {
	a, ok := e.actions.PopLeft()
	if !ok {
		return
	}
	logger := log.WithAction(a.ActionUUID).With("component", "orchestrator", "server", a.Server.Name, "endpoint", a.Endpoint)

	if !e.await(ctx, string(a.StartCondition.Normalize()), func() bool { return e.conditionMet(a) }) {
		e.releasePopped(a, logger)
		return
	}

	// The queued original stays untouched so a failed dispatch can be
	// requeued verbatim.
	out := a.Clone()
	if out.OrchName == "" {
		out.OrchName = e.cfg.Server.Name
	}
	e.mu.Lock()
	for globalKey, paramKey := range out.FromGlobalParams {
		if v, ok := e.globalParams[globalKey]; ok {
			out.Params[paramKey] = v
		}
	}
	e.mu.Unlock()

	local := e.isLocalWait(out)
	if e.cfg.CheckAvailability && !local {
		if srv, ok := e.cfg.Servers[out.Server.Name]; ok {
			url := dispatch.ActionURL(srv, out.Endpoint)
			if ok, bad := e.deps.Dispatcher.CheckEndpointsAvailable(ctx, []string{url}); !ok {
				reason := "unavailable"
				if len(bad) > 0 {
					reason = string(bad[0].Reason)
				}
				e.requeueFailed(a, model.ErrorNotAvailable, fmt.Sprintf("%s is %s", url, reason))
				return
			}
		}
		// The reachability check is an RPC; an intent may have landed
		// meanwhile.
		if e.heldByIntent(a, logger) {
			return
		}
	}

	now := time.Now().UTC()
	e.mu.Lock()
	if e.intent != IntentNone {
		e.mu.Unlock()
		e.releasePopped(a, logger)
		return
	}
	e.submitCounter++
	out.OrchSubmitOrder = e.submitCounter
	e.mu.Unlock()
	out.DispatchedAt = &now

	var (
		result *model.Action
		code   model.ErrorCode
	)
	if local {
		result = e.startWait(out)
		code = model.ErrorNone
	} else {
		logger.Debug("dispatching action", "start_condition", out.StartCondition, "submit_order", out.OrchSubmitOrder)
		result, code = e.deps.Dispatcher.DispatchAction(ctx, e.cfg.Servers, out)
	}
	if !code.IsNone() || result == nil {
		e.requeueFailed(a, code, "")
		return
	}
	e.recordDispatched(ctx, out, result)
}

// releasePopped returns a popped but undispatched action according to the
// pending intent: estop and skip drop it, anything else puts it back at the
// queue front.
func (e *Engine) releasePopped(a *model.Action, logger *slog.Logger) {
	switch e.currentIntent() {
	case IntentEstop:
		logger.Info("dropping action on estop")
	case IntentSkip:
		logger.Info("dropping action on skip")
	default:
		e.actions.AppendLeft(a)
	}
}

// heldByIntent reports whether a pending intent took a over.
func (e *Engine) heldByIntent(a *model.Action, logger *slog.Logger) bool {
	if e.currentIntent() == IntentNone {
		return false
	}
	e.releasePopped(a, logger)
	return true
}

// requeueFailed puts the original action back at the queue front with its
// retry count bumped and stops the loop.
func (e *Engine) requeueFailed(a *model.Action, code model.ErrorCode, detail string) {
	msg := fmt.Sprintf("dispatch of %s to %s/%s failed: %s", a.ActionUUID, a.Server.Name, a.Endpoint, code)
	if detail != "" {
		msg += " (" + detail + ")"
	}
	if e.currentIntent() == IntentEstop {
		e.logger.Warn("dispatch failed during estop, action dropped", "action_uuid", a.ActionUUID, "error_code", code)
		return
	}
	retry := a.Clone()
	retry.RetryCount++
	e.actions.AppendLeft(retry)

	e.logger.Error("dispatch failed, action requeued", "action_uuid", a.ActionUUID, "server", a.Server.Name,
		"endpoint", a.Endpoint, "error_code", code, "retry_count", retry.RetryCount)
	e.publish(events.DispatchFailed, map[string]any{
		"action_uuid": a.ActionUUID,
		"server_name": a.Server.Name,
		"action_name": a.Endpoint,
		"error_code":  code,
		"retry_count": retry.RetryCount,
		"message":     msg,
	})
	e.requestStop(msg)
}

// recordDispatched books a successful dispatch. sent is what went out, result
// is what the server answered.
func (e *Engine) recordDispatched(ctx context.Context, sent, result *model.Action) {
	fillIdentity(result, sent)
	if result.OrchName == "" {
		result.OrchName = e.cfg.Server.Name
	}

	e.mu.Lock()
	e.lastDispatched = result.ActionUUID
	e.lastActions = state.PushLastAction(e.lastActions, result.ActionUUID)
	if e.activeExp != nil && e.activeExp.ExperimentUUID == result.ExperimentUUID {
		e.activeExp.DispatchedActions = append(e.activeExp.DispatchedActions, result.Clone())
	}
	e.storeOutputsLocked(result)
	step := e.step.Actions
	e.mu.Unlock()

	if result.NonBlocking {
		srv := result.Server
		if cfgSrv, ok := e.cfg.Servers[srv.Name]; ok {
			srv = cfgSrv
		}
		e.nonblocking.Add(queue.NonBlockingEntry{
			ActionUUID: result.ActionUUID,
			Server:     srv.Name,
			ExecID:     result.ExecID,
			Host:       srv.Host,
			Port:       srv.Port,
		})
	}

	e.logger.Info("action dispatched", "action_uuid", result.ActionUUID, "server", result.Server.Name,
		"endpoint", result.Endpoint, "submit_order", result.OrchSubmitOrder, "nonblocking", result.NonBlocking)
	e.publish(events.ActionDispatch, result.Summary())

	if e.LoopState() == LoopEstopped {
		// The estop broadcast may have reached the server before the action
		// did. Tell it again and keep the action out of the active view.
		e.logger.Warn("action landed after estop, re-sending estop", "action_uuid", result.ActionUUID, "server", result.Server.Name)
		e.estopServer(ctx, result.Server.Name)
		return
	}

	switch {
	case result.Status.Terminal():
		e.UpdateStatus(ctx, model.ActionStatusPush(result))
	case result.NonBlocking || !e.status.AddSpeculative(result):
		e.claimEarlyFinish(ctx, result)
	}

	if !result.ErrorCode.IsNone() && e.LoopState() != LoopEstopped {
		e.Estop(ctx, fmt.Sprintf("action %s returned error code %s", result.ActionUUID, result.ErrorCode))
		return
	}
	if step {
		e.requestStop(fmt.Sprintf("step-through: action %s dispatched", result.ActionUUID))
	}
}

// fillIdentity copies parent identity and addressing the server left out of
// its reply.
func fillIdentity(result, sent *model.Action) {
	if result.ExperimentUUID == "" {
		result.ExperimentUUID = sent.ExperimentUUID
	}
	if result.SequenceUUID == "" {
		result.SequenceUUID = sent.SequenceUUID
	}
	if result.DataRequestID == "" {
		result.DataRequestID = sent.DataRequestID
	}
	if result.OrchName == "" {
		result.OrchName = sent.OrchName
	}
	if result.Server.Name == "" {
		result.Server = sent.Server
	}
	if result.OrchSubmitOrder == 0 {
		result.OrchSubmitOrder = sent.OrchSubmitOrder
	}
	if result.OrderIndex == 0 {
		result.OrderIndex = sent.OrderIndex
	}
	if result.ToGlobalParams == nil {
		result.ToGlobalParams = maps.Clone(sent.ToGlobalParams)
	}
	if result.DispatchedAt == nil {
		result.DispatchedAt = sent.DispatchedAt
	}
}

// storeOutputsLocked publishes a's declared outputs into the global params
// and onto its experiment. Caller holds e.mu.
func (e *Engine) storeOutputsLocked(a *model.Action) {
	for paramKey, globalKey := range a.ToGlobalParams {
		v, ok := a.Params[paramKey]
		if !ok {
			continue
		}
		e.globalParams[globalKey] = v
		if exp := e.experimentLocked(a.ExperimentUUID); exp != nil {
			if exp.GlobalParams == nil {
				exp.GlobalParams = map[string]any{}
			}
			exp.GlobalParams[globalKey] = v
		}
	}
}

func (e *Engine) experimentLocked(id string) *model.Experiment {
	if id == "" {
		return nil
	}
	if e.activeExp != nil && e.activeExp.ExperimentUUID == id {
		return e.activeExp
	}
	if e.lastExp != nil && e.lastExp.ExperimentUUID == id {
		return e.lastExp
	}
	return nil
}

// UpdateStatus is status ingress: it applies a server push to the status
// model, books every orchestrator-owned action that just finished, and wakes
// the loop. A finished action carrying an error code estops the orchestrator.
func (e *Engine) UpdateStatus(ctx context.Context, push model.ServerStatus) []status.Transition {
	e.ingress.Lock()
	transitions, moved := e.status.Apply(push)
	var estop string
	for _, a := range moved {
		if reason := e.actionDone(ctx, a); reason != "" && estop == "" {
			estop = reason
		}
	}
	e.ingress.Unlock()

	if estop != "" && e.LoopState() != LoopEstopped {
		e.Estop(ctx, estop)
	}
	e.interrupts.Push(interrupt.Interrupt{Kind: interrupt.KindStatus, Server: push.Server.Name})
	return transitions
}

// claimEarlyFinish books an action whose finish was pushed, without
// orch_name, before the dispatch reply was recorded.
func (e *Engine) claimEarlyFinish(ctx context.Context, result *model.Action) {
	e.ingress.Lock()
	a, ok := e.status.ClaimFinished(result)
	var reason string
	if ok {
		reason = e.actionDone(ctx, a)
	}
	e.ingress.Unlock()
	if reason != "" && e.LoopState() != LoopEstopped {
		e.Estop(ctx, reason)
	}
	if ok {
		e.interrupts.Push(interrupt.Interrupt{Kind: interrupt.KindStatus, Server: a.Server.Name})
	}
}

// actionDone books one finished action and returns an estop reason when it
// finished with an error code.
func (e *Engine) actionDone(ctx context.Context, a *model.Action) string {
	e.nonblocking.Remove(a.ActionUUID)

	e.mu.Lock()
	if exp := e.experimentLocked(a.ExperimentUUID); exp != nil && !hasSummary(exp.CompletedActions, a.ActionUUID) {
		exp.CompletedActions = append(exp.CompletedActions, a.Summary())
	}
	e.storeOutputsLocked(a)
	e.mu.Unlock()

	if e.deps.Archive != nil {
		if err := e.deps.Archive.RecordAction(ctx, a); err != nil {
			e.logger.Warn("archive action failed", "action_uuid", a.ActionUUID, "error", err)
		}
	}
	e.logger.Info("action finished", "action_uuid", a.ActionUUID, "server", a.Server.Name,
		"endpoint", a.Endpoint, "category", a.Status.Category(), "error_code", a.ErrorCode)
	e.publish(events.ActionFinished, a.Summary())

	if a.ErrorCode.IsNone() {
		return ""
	}
	return fmt.Sprintf("action %s on %s/%s finished with error code %s",
		a.ActionUUID, a.Server.Name, a.Endpoint, a.ErrorCode)
}

func hasSummary(list []model.ActionSummary, id string) bool {
	for _, s := range list {
		if s.ActionUUID == id {
			return true
		}
	}
	return false
}
