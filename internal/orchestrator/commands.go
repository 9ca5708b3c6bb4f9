package orchestrator

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/laborch/internal/events"
	"github.com/mattjoyce/laborch/internal/interrupt"
	"github.com/mattjoyce/laborch/internal/model"
	"github.com/mattjoyce/laborch/internal/protocol"
)

// Management endpoints on remote servers.
const (
	EndpointEstop        = "estop"
	EndpointStopExecutor = "stop_executor"
	EndpointAttachClient = "attach_client"
	EndpointGetStatus    = "get_status"
)

// Start launches the dispatch loop. It fails while estopped or when the loop
// is already running.
func (e *Engine) Start() error {
	e.mu.Lock()
	switch e.loopState {
	case LoopEstopped:
		e.mu.Unlock()
		return ErrEstopped
	case LoopStarted:
		e.mu.Unlock()
		return ErrAlreadyRunning
	}
	e.loopState = LoopStarted
	e.intent = IntentNone
	e.stopMessage = ""
	e.loopDone = make(chan struct{})
	e.mu.Unlock()

	select {
	case e.startCh <- struct{}{}:
	default:
	}
	e.logger.Info("start requested")
	return nil
}

// Stop asks the loop to finish in-flight work and exit, and tells every
// outstanding non-blocking executor to stop.
func (e *Engine) Stop(ctx context.Context, message string) {
	if message == "" {
		message = "stopped by operator"
	}
	if e.LoopState() == LoopStarted {
		e.requestStop(message)
	}
	e.stopNonBlocking(ctx)
}

func (e *Engine) stopNonBlocking(ctx context.Context) {
	entries := e.nonblocking.Items()
	if len(entries) == 0 {
		return
	}
	// A stop must reach every executor even if the caller has gone away.
	base := context.WithoutCancel(ctx)
	var g errgroup.Group
	for _, entry := range entries {
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(base, e.cfg.BroadcastTimeout)
			defer cancel()
			req := protocol.ManagementRequest{OrchName: e.cfg.Server.Name, ExecID: entry.ExecID}
			if _, code := e.deps.Dispatcher.DispatchPrivate(callCtx, entry.Server, entry.Host, entry.Port, EndpointStopExecutor, req); !code.IsNone() {
				e.logger.Warn("stop_executor failed", "server", entry.Server, "exec_id", entry.ExecID, "error_code", code)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Estop performs an emergency stop synchronously: queues are cleared, every
// configured server is told to estop and the loop is latched in estopped
// until ClearEstop.
func (e *Engine) Estop(ctx context.Context, reason string) {
	if reason == "" {
		reason = "estop requested"
	}

	e.mu.Lock()
	e.actions.Clear()
	e.experiments.Clear()
	e.sequences.Clear()
	e.loopState = LoopEstopped
	e.intent = IntentEstop
	e.stopMessage = reason
	if e.activeExp != nil {
		e.activeExp.Status = e.activeExp.Status.With(model.StatusEstopped)
	}
	if e.activeSeq != nil {
		e.activeSeq.Status = e.activeSeq.Status.With(model.StatusEstopped)
	}
	e.abortWaitsLocked(model.StatusEstopped)
	e.mu.Unlock()

	e.logger.Error("estop", "reason", reason)
	e.interrupts.Push(interrupt.Interrupt{Kind: interrupt.KindIntent, Reason: string(IntentEstop)})
	e.broadcastSwitch(ctx, EndpointEstop, true)
	e.publish(events.Estopped, map[string]string{"reason": reason})
	e.saveSnapshot(context.WithoutCancel(ctx), "estop")
}

// ClearEstop releases the estop latch and clears the estopped category.
func (e *Engine) ClearEstop(ctx context.Context) int {
	e.mu.Lock()
	if e.loopState == LoopEstopped {
		e.loopState = LoopStopped
	}
	e.intent = IntentNone
	e.stopMessage = ""
	e.mu.Unlock()

	n := e.status.ClearCategory(model.StatusEstopped)
	e.broadcastSwitch(ctx, EndpointEstop, false)
	e.logger.Info("estop cleared", "cleared_actions", n)
	e.publish(events.LoopState, map[string]string{"loop_state": string(LoopStopped)})
	return n
}

// ClearError drops the errored category from the status model.
func (e *Engine) ClearError() int {
	n := e.status.ClearCategory(model.StatusErrored)
	e.logger.Info("errors cleared", "cleared_actions", n)
	return n
}

// Skip drops the remaining actions of the active experiment. While the loop
// runs the skip happens at its next safe point.
func (e *Engine) Skip(ctx context.Context) {
	e.mu.Lock()
	running := e.loopState == LoopStarted
	if running && e.intent == IntentNone {
		e.intent = IntentSkip
	}
	e.mu.Unlock()

	if running {
		e.interrupts.Push(interrupt.Interrupt{Kind: interrupt.KindIntent, Reason: string(IntentSkip)})
		e.publish(events.Intent, map[string]string{"intent": string(IntentSkip)})
		return
	}
	e.skipActiveExperiment(ctx)
}

func (e *Engine) skipActiveExperiment(_ context.Context) {
	dropped := e.actions.Clear()

	e.mu.Lock()
	var expID string
	if e.activeExp != nil {
		e.activeExp.Status = e.activeExp.Status.With(model.StatusSkipped)
		expID = e.activeExp.ExperimentUUID
	}
	if e.intent == IntentSkip {
		e.intent = IntentNone
	}
	e.mu.Unlock()

	e.logger.Info("experiment skipped", "experiment_uuid", expID, "dropped_actions", len(dropped))
	e.publish(events.QueueChanged, map[string]any{"queue": "actions", "reason": "skip", "dropped": len(dropped)})
}

// SetStepThrough replaces the step-through flags.
func (e *Engine) SetStepThrough(st StepThrough) {
	e.mu.Lock()
	e.step = st
	e.mu.Unlock()
	e.logger.Info("step-through updated", "actions", st.Actions, "experiments", st.Experiments, "sequences", st.Sequences)
}

// StepThrough returns the current step-through flags.
func (e *Engine) StepThrough() StepThrough {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.step
}

// broadcastSwitch calls endpoint on every configured server except this
// orchestrator, concurrently. Failures are logged. Each call is bounded by
// BroadcastTimeout only: cancelling ctx (an HTTP client hanging up on
// /estop or /update_status) must not cut the broadcast short.
func (e *Engine) broadcastSwitch(ctx context.Context, endpoint string, on bool) {
	base := context.WithoutCancel(ctx)
	var g errgroup.Group
	for name, srv := range e.cfg.Servers {
		if name == e.cfg.Server.Name {
			continue
		}
		g.Go(func() error {
			e.switchServer(base, name, srv, endpoint, on)
			return nil
		})
	}
	_ = g.Wait()
}

// estopServer sends a single server the estop switch.
func (e *Engine) estopServer(ctx context.Context, name string) {
	srv, ok := e.cfg.Servers[name]
	if !ok || name == e.cfg.Server.Name {
		return
	}
	e.switchServer(context.WithoutCancel(ctx), name, srv, EndpointEstop, true)
}

func (e *Engine) switchServer(ctx context.Context, name string, srv model.Server, endpoint string, on bool) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.BroadcastTimeout)
	defer cancel()
	req := protocol.ManagementRequest{
		OrchName: e.cfg.Server.Name,
		Host:     e.cfg.Server.Host,
		Port:     e.cfg.Server.Port,
		Params:   map[string]any{"switch": on},
	}
	if _, code := e.deps.Dispatcher.DispatchPrivate(callCtx, name, srv.Host, srv.Port, endpoint, req); !code.IsNone() {
		e.logger.Warn(fmt.Sprintf("%s broadcast failed", endpoint), "server", name, "switch", on, "error_code", code)
	}
}
