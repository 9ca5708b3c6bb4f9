package api

import "net/http"

// Scopes understood by the API. rw implies ro.
const (
	ScopeOrchRO   = "orch:ro"
	ScopeOrchRW   = "orch:rw"
	ScopeQueueRO  = "queue:ro"
	ScopeQueueRW  = "queue:rw"
	ScopeEventsRO = "events:ro"
	// ScopeStatusPush is granted to action servers so they can only push.
	ScopeStatusPush = "status:push"
)

type route struct {
	method  string
	path    string
	scopes  []string
	summary string
	handler http.HandlerFunc
}

// routes is the authenticated surface. It drives both the router and the
// OpenAPI document.
func (s *Server) routes() []route {
	return []route{
		{http.MethodPost, "/start", []string{ScopeOrchRW}, "Start the dispatch loop", s.handleStart},
		{http.MethodPost, "/stop", []string{ScopeOrchRW}, "Stop after in-flight actions finish", s.handleStop},
		{http.MethodPost, "/estop", []string{ScopeOrchRW}, "Emergency stop every server", s.handleEstop},
		{http.MethodPost, "/clear_estop", []string{ScopeOrchRW}, "Clear the estop latch", s.handleClearEstop},
		{http.MethodPost, "/clear_error", []string{ScopeOrchRW}, "Forget errored actions", s.handleClearError},
		{http.MethodPost, "/skip_experiment", []string{ScopeOrchRW}, "Drop the active experiment's remaining actions", s.handleSkip},
		{http.MethodPost, "/cancel_wait", []string{ScopeOrchRW}, "End a running wait early", s.handleCancelWait},
		{http.MethodPost, "/step_through", []string{ScopeOrchRW}, "Set step-through flags", s.handleStepThrough},

		{http.MethodPost, "/append_sequence", []string{ScopeQueueRW}, "Queue a sequence", s.handleAppendSequence},
		{http.MethodPost, "/append_experiment", []string{ScopeQueueRW}, "Queue an experiment", s.handleAppendExperiment},
		{http.MethodPost, "/insert_experiment", []string{ScopeQueueRW}, "Insert an experiment at an index", s.handleInsertExperiment},
		{http.MethodPost, "/insert_action", []string{ScopeQueueRW}, "Insert an action at an index", s.handleInsertAction},
		{http.MethodPost, "/remove_actions", []string{ScopeQueueRW}, "Remove queued actions by index", s.handleRemoveActions},
		{http.MethodPost, "/remove_action", []string{ScopeQueueRW}, "Remove one queued action by id", s.handleRemoveAction},
		{http.MethodPost, "/clear_queue", []string{ScopeQueueRW}, "Clear one queue or all", s.handleClearQueue},
		{http.MethodGet, "/list_sequences", []string{ScopeQueueRO}, "List queued sequences", s.handleListSequences},
		{http.MethodGet, "/list_experiments", []string{ScopeQueueRO}, "List queued experiments", s.handleListExperiments},
		{http.MethodGet, "/list_actions", []string{ScopeQueueRO}, "List queued actions", s.handleListActions},
		{http.MethodGet, "/recipes", []string{ScopeQueueRO}, "List registered recipes", s.handleListRecipes},

		{http.MethodPost, "/update_status", []string{ScopeStatusPush, ScopeOrchRW}, "Status push from an action server", s.handleUpdateStatus},
		{http.MethodGet, "/global_status", []string{ScopeOrchRO}, "Orchestrator status", s.handleGlobalStatus},
		{http.MethodPost, "/export_queues", []string{ScopeOrchRW}, "Snapshot queues and state", s.handleExportQueues},
		{http.MethodPost, "/import_queues", []string{ScopeOrchRW}, "Replace queues and state from a snapshot", s.handleImportQueues},
		{http.MethodGet, "/events", []string{ScopeEventsRO}, "Server-sent event stream", s.handleEvents},
	}
}
