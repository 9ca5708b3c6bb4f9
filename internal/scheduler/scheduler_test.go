package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/laborch/internal/dispatch"
	"github.com/mattjoyce/laborch/internal/events"
	"github.com/mattjoyce/laborch/internal/model"
	"github.com/mattjoyce/laborch/internal/orchestrator"
	"github.com/mattjoyce/laborch/internal/protocol"
	"github.com/mattjoyce/laborch/internal/scheduler/mocks"
	"github.com/mattjoyce/laborch/internal/state"
	"github.com/mattjoyce/laborch/internal/status"
)

// TestLogBuffer is a bytes.Buffer that can be used to capture log output.
type TestLogBuffer struct {
	bytes.Buffer
}

// NewTestSlogger creates a new *slog.Logger that writes to a TestLogBuffer.
func NewTestSlogger() (*slog.Logger, *TestLogBuffer) {
	var buf TestLogBuffer
	handler := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(handler), &buf
}

var (
	pstat = model.Server{Name: "PSTAT", Host: "10.0.0.5", Port: 8003}
	motor = model.Server{Name: "MOTOR", Host: "10.0.0.6", Port: 8004}
	self  = model.Server{Name: "ORCH", Host: "10.0.0.1", Port: 8001}
)

func newScheduler(t *testing.T) (*Scheduler, *mocks.MockOrchestrator, *mocks.MockClient, *TestLogBuffer) {
	t.Helper()
	ctrl := gomock.NewController(t)
	orch := mocks.NewMockOrchestrator(ctrl)
	client := mocks.NewMockClient(ctrl)
	slogger, buf := NewTestSlogger()
	s := New(Config{Self: self}, orch, client, events.NewHub(32), slogger)
	orch.EXPECT().Name().Return("ORCH").AnyTimes()
	return s, orch, client, buf
}

func okReply(t *testing.T, data any) json.RawMessage {
	t.Helper()
	resp := protocol.ManagementResponse{OK: true}
	if data != nil {
		raw, err := json.Marshal(data)
		require.NoError(t, err)
		resp.Data = raw
	}
	raw, err := json.Marshal(resp)
	require.NoError(t, err)
	return raw
}

func TestHeartbeatURL(t *testing.T) {
	assert.Equal(t, "http://10.0.0.5:8003/get_status", HeartbeatURL(pstat))
}

func TestHeartbeatAttachesReachableServersAndResyncs(t *testing.T) {
	s, orch, client, _ := newScheduler(t)
	ctx := context.Background()

	running := &model.Action{
		ActionUUID: "a-1",
		Server:     pstat,
		Endpoint:   "run_cv",
		OrchName:   "ORCH",
		Status:     model.StatusList{model.StatusActive},
	}
	snapshot := model.ActionStatusPush(running)

	orch.EXPECT().Servers().Return(map[string]model.Server{"PSTAT": pstat, "MOTOR": motor})
	client.EXPECT().CheckEndpointsAvailable(gomock.Any(), []string{HeartbeatURL(motor), HeartbeatURL(pstat)}).
		Return(false, []dispatch.Unavailable{{URL: HeartbeatURL(motor), Reason: dispatch.Unreachable}})

	orch.EXPECT().RecordHealth("MOTOR", false, "unreachable").Return(false)
	orch.EXPECT().RecordHealth("PSTAT", true, "").Return(false)

	attach := client.EXPECT().DispatchPrivate(gomock.Any(), "PSTAT", "10.0.0.5", 8003, orchestrator.EndpointAttachClient, gomock.Any()).
		DoAndReturn(func(_ context.Context, _, _ string, _ int, _ string, params any) (json.RawMessage, model.ErrorCode) {
			req, ok := params.(protocol.ManagementRequest)
			require.True(t, ok)
			assert.Equal(t, "ORCH", req.OrchName)
			assert.Equal(t, "10.0.0.1", req.Host)
			assert.Equal(t, 8001, req.Port)
			return okReply(t, nil), model.ErrorNone
		})
	client.EXPECT().DispatchPrivate(gomock.Any(), "PSTAT", "10.0.0.5", 8003, orchestrator.EndpointGetStatus, gomock.Any()).
		Return(okReply(t, snapshot), model.ErrorNone).After(attach)
	orch.EXPECT().UpdateStatus(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, push model.ServerStatus) []status.Transition {
		assert.Equal(t, "PSTAT", push.Server.Name)
		require.Contains(t, push.Endpoints, "run_cv")
		assert.Contains(t, push.Endpoints["run_cv"].ActiveDict, "a-1")
		return nil
	})

	s.Heartbeat(ctx)

	assert.True(t, s.Attached("PSTAT"))
	assert.False(t, s.Attached("MOTOR"))
}

func TestHeartbeatReattachesOnlyOnRecovery(t *testing.T) {
	s, orch, client, buf := newScheduler(t)
	ctx := context.Background()
	s.setAttached("PSTAT", true)

	orch.EXPECT().Servers().Return(map[string]model.Server{"PSTAT": pstat}).Times(2)
	client.EXPECT().CheckEndpointsAvailable(gomock.Any(), gomock.Any()).Return(true, nil).Times(2)

	// Still attached and healthy: no management traffic.
	orch.EXPECT().RecordHealth("PSTAT", true, "").Return(false)
	s.Heartbeat(ctx)

	// Recovery forces a re-attach even though the flag is set.
	orch.EXPECT().RecordHealth("PSTAT", true, "").Return(true)
	client.EXPECT().DispatchPrivate(gomock.Any(), "PSTAT", "10.0.0.5", 8003, orchestrator.EndpointAttachClient, gomock.Any()).
		Return(okReply(t, nil), model.ErrorNone)
	client.EXPECT().DispatchPrivate(gomock.Any(), "PSTAT", "10.0.0.5", 8003, orchestrator.EndpointGetStatus, gomock.Any()).
		Return(okReply(t, nil), model.ErrorNone)
	s.Heartbeat(ctx)

	assert.Contains(t, buf.String(), "server recovered, re-attaching")
}

func TestAttachFailureLeavesServerDetached(t *testing.T) {
	s, _, client, _ := newScheduler(t)

	client.EXPECT().DispatchPrivate(gomock.Any(), "PSTAT", "10.0.0.5", 8003, orchestrator.EndpointAttachClient, gomock.Any()).
		Return(nil, model.ErrorHTTP)

	err := s.Attach(context.Background(), pstat)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http")
	assert.False(t, s.Attached("PSTAT"))
}

func TestResyncIgnoresUndecodableStatus(t *testing.T) {
	s, _, client, buf := newScheduler(t)

	client.EXPECT().DispatchPrivate(gomock.Any(), "PSTAT", "10.0.0.5", 8003, orchestrator.EndpointAttachClient, gomock.Any()).
		Return(okReply(t, nil), model.ErrorNone)
	client.EXPECT().DispatchPrivate(gomock.Any(), "PSTAT", "10.0.0.5", 8003, orchestrator.EndpointGetStatus, gomock.Any()).
		Return(json.RawMessage(`{"ok":true,"data":"not a status"}`), model.ErrorNone)

	require.NoError(t, s.Attach(context.Background(), pstat))
	assert.True(t, s.Attached("PSTAT"))
	assert.Contains(t, buf.String(), "status re-sync failed")
}

func TestExportLogsFailure(t *testing.T) {
	s, orch, _, buf := newScheduler(t)

	orch.EXPECT().ExportQueues(gomock.Any(), "periodic").Return(&state.Snapshot{}, nil)
	s.Export(context.Background())
	assert.NotContains(t, buf.String(), "Periodic export failed")

	orch.EXPECT().ExportQueues(gomock.Any(), "periodic").Return(nil, errors.New("disk full"))
	s.Export(context.Background())
	assert.Contains(t, buf.String(), "Periodic export failed")
}

func TestStartRunsPeriodicExport(t *testing.T) {
	ctrl := gomock.NewController(t)
	orch := mocks.NewMockOrchestrator(ctrl)
	client := mocks.NewMockClient(ctrl)
	slogger, _ := NewTestSlogger()
	s := New(Config{ExportInterval: 10 * time.Millisecond, Self: self}, orch, client, nil, slogger)

	exported := make(chan struct{}, 8)
	orch.EXPECT().Servers().Return(map[string]model.Server{})
	orch.EXPECT().ExportQueues(gomock.Any(), "periodic").DoAndReturn(func(context.Context, string) (*state.Snapshot, error) {
		select {
		case exported <- struct{}{}:
		default:
		}
		return &state.Snapshot{}, nil
	}).MinTimes(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))

	select {
	case <-exported:
	case <-time.After(2 * time.Second):
		t.Fatal("periodic export never ran")
	}
	s.Stop()
}
