package scheduler

import (
	"context"
	"encoding/json"

	"github.com/mattjoyce/laborch/internal/dispatch"
	"github.com/mattjoyce/laborch/internal/model"
	"github.com/mattjoyce/laborch/internal/state"
	"github.com/mattjoyce/laborch/internal/status"
)

//go:generate mockgen -destination=mocks/mock_scheduler.go -package=mocks github.com/mattjoyce/laborch/internal/scheduler Orchestrator,Client

// Orchestrator is the slice of the engine the background tasks drive.
type Orchestrator interface {
	Name() string
	Servers() map[string]model.Server
	RecordHealth(server string, available bool, reason string) bool
	UpdateStatus(ctx context.Context, push model.ServerStatus) []status.Transition
	ExportQueues(ctx context.Context, reason string) (*state.Snapshot, error)
}

// Client makes the management calls.
type Client interface {
	DispatchPrivate(ctx context.Context, server, host string, port int, endpoint string, params any) (json.RawMessage, model.ErrorCode)
	CheckEndpointsAvailable(ctx context.Context, urls []string) (bool, []dispatch.Unavailable)
}
