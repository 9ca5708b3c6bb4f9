// Package orchestrator is the dispatch engine: three work queues, the loop
// that drains them, start-condition resolution against the status model, and
// the stop/skip/estop intents operators use to steer it.
//
// Loop states are stopped, started and estopped. Operator commands never
// change the loop state directly (except estop, which is synchronous); they
// set an intent that the loop consumes at its next safe point:
//
//   - stop: in-flight actions are allowed to finish, then the loop exits.
//     A popped but undispatched action is pushed back to the queue front.
//   - skip: the remaining actions of the active experiment are dropped.
//   - estop: queues are cleared by the caller, every server is told to
//     estop, and the loop exits without draining.
//
// The loop only ever blocks on the interrupt channel or on an RPC. Status
// pushes are applied to the status model at ingress (UpdateStatus) and then
// wake the loop.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/laborch/internal/events"
	"github.com/mattjoyce/laborch/internal/interrupt"
	"github.com/mattjoyce/laborch/internal/log"
	"github.com/mattjoyce/laborch/internal/model"
	"github.com/mattjoyce/laborch/internal/queue"
	"github.com/mattjoyce/laborch/internal/recipe"
	"github.com/mattjoyce/laborch/internal/status"
)

// LoopState is what the dispatch loop is actually doing.
type LoopState string

const (
	LoopStopped  LoopState = "stopped"
	LoopStarted  LoopState = "started"
	LoopEstopped LoopState = "estopped"
)

// Intent is what the operator asked for, consumed by the loop.
type Intent string

const (
	IntentNone  Intent = "none"
	IntentStop  Intent = "stop"
	IntentSkip  Intent = "skip"
	IntentEstop Intent = "estop"
)

// StepThrough pauses the loop after each unit of the selected kinds.
type StepThrough struct {
	Actions     bool `json:"actions"`
	Experiments bool `json:"experiments"`
	Sequences   bool `json:"sequences"`
}

// Config is the engine's static configuration.
type Config struct {
	// Server is the orchestrator's own identity. Actions addressed to it with
	// endpoint "wait" run as local timers.
	Server model.Server
	// Servers is the world config used to resolve action targets.
	Servers map[string]model.Server
	// CheckAvailability probes the target endpoint before each dispatch.
	CheckAvailability bool
	// BroadcastTimeout bounds each estop / stop_executor call.
	BroadcastTimeout time.Duration
	StepThrough      StepThrough
	ConfigHash       string
}

// Deps are the engine's collaborators. Only Dispatcher and Recipes are
// required; leave the rest nil to disable them.
type Deps struct {
	Dispatcher Dispatcher
	Recipes    *recipe.Registry
	Plates     PlateLookup
	Archive    Archiver
	Uploader   Uploader
	Snapshots  SnapshotStore
	Hub        *events.Hub
}

// Engine is one orchestrator instance.
type Engine struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	status      *status.Model
	interrupts  *interrupt.Channel
	sequences   *queue.Deque[*model.Sequence]
	experiments *queue.Deque[*model.Experiment]
	actions     *queue.Deque[*model.Action]
	nonblocking *queue.NonBlockingRegistry

	startCh chan struct{}

	// ingress serialises status bookkeeping with experiment finishing so a
	// just-finished action is always summarised onto its experiment. It is
	// taken before mu.
	ingress sync.Mutex

	// mu guards everything below. It is never held across an RPC.
	mu             sync.Mutex
	loopState      LoopState
	intent         Intent
	stopMessage    string
	step           StepThrough
	loopDone       chan struct{}
	activeSeq      *model.Sequence
	lastSeq        *model.Sequence
	activeExp      *model.Experiment
	lastExp        *model.Experiment
	lastDispatched string
	lastActions    []string
	submitCounter  int
	globalParams   map[string]any
	waits          map[string]*waitTask
	health         map[string]ServerHealth
}

// New builds an engine. It does not start the loop; call Run.
func New(cfg Config, deps Deps) *Engine {
	if cfg.BroadcastTimeout <= 0 {
		cfg.BroadcastTimeout = 5 * time.Second
	}
	if cfg.Servers == nil {
		cfg.Servers = map[string]model.Server{}
	}
	if deps.Recipes == nil {
		deps.Recipes = recipe.NewRegistry()
	}
	done := make(chan struct{})
	close(done)
	return &Engine{
		cfg:          cfg,
		deps:         deps,
		logger:       log.WithComponent("orchestrator").With("orch_name", cfg.Server.Name),
		status:       status.New(cfg.Server.Name),
		interrupts:   interrupt.New(),
		sequences:    queue.NewDeque[*model.Sequence](),
		experiments:  queue.NewDeque[*model.Experiment](),
		actions:      queue.NewDeque[*model.Action](),
		nonblocking:  queue.NewNonBlockingRegistry(),
		startCh:      make(chan struct{}, 1),
		loopState:    LoopStopped,
		intent:       IntentNone,
		step:         cfg.StepThrough,
		loopDone:     done,
		globalParams: map[string]any{},
		waits:        map[string]*waitTask{},
		health:       map[string]ServerHealth{},
	}
}

// Name returns the orchestrator's server name.
func (e *Engine) Name() string { return e.cfg.Server.Name }

// Servers returns the world config.
func (e *Engine) Servers() map[string]model.Server { return e.cfg.Servers }

// Status exposes the status model for read-only queries.
func (e *Engine) Status() *status.Model { return e.status }

// Run owns the dispatch loop goroutine. Each Start runs the loop once until it
// stops; Run returns when ctx ends.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("orchestrator ready")
	defer e.logger.Info("orchestrator shut down")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.startCh:
			e.dispatchLoop(ctx)
		}
	}
}

// Done returns a channel closed when the current (or last) loop run exits.
func (e *Engine) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loopDone
}

// LoopState returns the current loop state.
func (e *Engine) LoopState() LoopState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loopState
}

// StopMessage returns the message recorded by the last stop.
func (e *Engine) StopMessage() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopMessage
}

func (e *Engine) currentIntent() Intent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.intent
}

// requestStop sets the stop intent unless a stronger one is pending.
func (e *Engine) requestStop(msg string) {
	e.mu.Lock()
	if e.intent != IntentEstop {
		e.intent = IntentStop
	}
	if e.loopState != LoopEstopped {
		e.stopMessage = msg
	}
	e.mu.Unlock()
	e.interrupts.Push(interrupt.Interrupt{Kind: interrupt.KindIntent, Reason: string(IntentStop)})
	e.publish(events.Intent, map[string]string{"intent": string(IntentStop), "message": msg})
}

// dispatchLoop drains the queues until they are empty or an intent ends it.
func (e *Engine) dispatchLoop(ctx context.Context) {
	e.logger.Info("dispatch loop started")
	e.publish(events.LoopState, map[string]string{"loop_state": string(LoopStarted)})
	defer e.exitLoop(ctx)

	for {
		if ctx.Err() != nil {
			return
		}
		e.interrupts.Drain()

		switch e.currentIntent() {
		case IntentEstop:
			e.logger.Warn("dispatch loop aborted by estop")
			return
		case IntentStop:
			e.drainInFlight(ctx)
			return
		case IntentSkip:
			e.skipActiveExperiment(ctx)
			continue
		}

		switch {
		case e.actions.Len() > 0:
			e.dispatchNextAction(ctx)
		case e.experiments.Len() > 0:
			if !e.awaitIdle(ctx) {
				continue
			}
			e.finishActiveExperiment(ctx)
			if e.currentIntent() != IntentNone {
				continue
			}
			e.startNextExperiment(ctx)
		case e.sequences.Len() > 0:
			if !e.awaitIdle(ctx) {
				continue
			}
			e.finishActiveExperiment(ctx)
			e.finishActiveSequence(ctx)
			if e.currentIntent() != IntentNone {
				continue
			}
			e.startNextSequence(ctx)
		default:
			if !e.awaitIdle(ctx) {
				continue
			}
			e.finishActiveExperiment(ctx)
			e.finishActiveSequence(ctx)
			e.logger.Info("all queues empty")
			return
		}
	}
}

func (e *Engine) exitLoop(ctx context.Context) {
	e.mu.Lock()
	if e.loopState != LoopEstopped {
		e.loopState = LoopStopped
		e.intent = IntentNone
	}
	final := e.loopState
	msg := e.stopMessage
	done := e.loopDone
	e.mu.Unlock()

	e.logger.Info("dispatch loop stopped", "loop_state", final, "stop_message", msg)
	e.publish(events.LoopState, map[string]string{"loop_state": string(final), "stop_message": msg})
	e.saveSnapshot(context.WithoutCancel(ctx), "loop_exit")
	close(done)
}

// awaitIdle blocks until no orchestrator-owned blocking action is active. It
// returns false if an intent or ctx interrupts the wait.
func (e *Engine) awaitIdle(ctx context.Context) bool {
	return e.await(ctx, "idle", e.status.OrchestratorIdle)
}

// drainInFlight waits for in-flight actions after a stop. Only estop or ctx
// cut it short.
func (e *Engine) drainInFlight(ctx context.Context) {
	if e.status.OrchestratorIdle() {
		return
	}
	e.logger.Info("stop requested, draining in-flight actions", "active", len(e.status.ActiveActions()))
	for !e.status.OrchestratorIdle() {
		if e.currentIntent() == IntentEstop {
			return
		}
		if _, err := e.interrupts.Wait(ctx); err != nil {
			return
		}
	}
}

// await blocks on the interrupt channel until cond holds. Any pending intent
// aborts the wait.
func (e *Engine) await(ctx context.Context, what string, cond func() bool) bool {
	logged := false
	for {
		if e.currentIntent() != IntentNone {
			return false
		}
		if cond() {
			return true
		}
		if !logged {
			e.logger.Debug("waiting", "for", what)
			logged = true
		}
		if _, err := e.interrupts.Wait(ctx); err != nil {
			return false
		}
	}
}

func (e *Engine) publish(eventType string, data any) {
	if e.deps.Hub != nil {
		e.deps.Hub.Publish(eventType, data)
	}
}

// Recipes lists the registered sequence and experiment recipes.
func (e *Engine) Recipes() []recipe.Info { return e.deps.Recipes.List() }
