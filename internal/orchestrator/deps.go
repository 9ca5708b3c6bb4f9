package orchestrator

import (
	"context"
	"encoding/json"

	"github.com/mattjoyce/laborch/internal/dispatch"
	"github.com/mattjoyce/laborch/internal/model"
	"github.com/mattjoyce/laborch/internal/platemap"
	"github.com/mattjoyce/laborch/internal/state"
)

// Dispatcher is the RPC client used to reach action servers.
type Dispatcher interface {
	DispatchAction(ctx context.Context, servers map[string]model.Server, a *model.Action) (*model.Action, model.ErrorCode)
	DispatchPrivate(ctx context.Context, server, host string, port int, endpoint string, params any) (json.RawMessage, model.ErrorCode)
	CheckEndpointsAvailable(ctx context.Context, urls []string) (bool, []dispatch.Unavailable)
}

// PlateLookup verifies physical plates referenced by sequences.
type PlateLookup interface {
	HasAccess() bool
	GetPlatemap(ctx context.Context, plateID int) ([]platemap.Row, error)
}

// Archiver records finished work items.
type Archiver interface {
	RecordAction(ctx context.Context, a *model.Action) error
	RecordExperiment(ctx context.Context, exp *model.Experiment) error
	RecordSequence(ctx context.Context, seq *model.Sequence) error
}

// Uploader ships finished experiments and sequences to object storage.
type Uploader interface {
	UploadExperiment(ctx context.Context, exp *model.Experiment) error
	UploadSequence(ctx context.Context, seq *model.Sequence) error
}

// SnapshotStore persists crash-recovery snapshots.
type SnapshotStore interface {
	Save(ctx context.Context, snap *state.Snapshot, reason string) error
	Load(ctx context.Context, orchName string) (*state.Snapshot, error)
}
