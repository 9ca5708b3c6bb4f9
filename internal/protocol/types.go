package protocol

import (
	"encoding/json"

	"github.com/mattjoyce/laborch/internal/model"
)

// ActionRequest is the body POSTed to /<server>/<endpoint>.
type ActionRequest struct {
	Action *model.Action `json:"action"`
}

// StatusPush is the body remote servers POST to the orchestrator's
// update_status endpoint. Servers either send a full endpoint map or a
// single action that changed.
type StatusPush struct {
	Status *model.ServerStatus `json:"server_status,omitempty"`
	Action *model.Action       `json:"action,omitempty"`
}

// ManagementRequest is the body for orchestrator-private calls such as
// attach_client, get_status, stop_executor and estop.
type ManagementRequest struct {
	OrchName string         `json:"orch_name,omitempty"`
	Host     string         `json:"client_host,omitempty"`
	Port     int            `json:"client_port,omitempty"`
	ExecID   string         `json:"exec_id,omitempty"`
	Params   map[string]any `json:"params,omitempty"`
}

// ManagementResponse is the loose reply shape for management calls.
type ManagementResponse struct {
	OK      bool            `json:"ok"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}
