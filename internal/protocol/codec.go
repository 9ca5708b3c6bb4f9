package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/mattjoyce/laborch/internal/model"
)

var (
	// ErrEmptyBody is returned when a response carries no bytes.
	ErrEmptyBody = errors.New("empty response body")
	// ErrNotJSON is returned when a response body is not valid JSON.
	ErrNotJSON = errors.New("response is not valid JSON")
	// ErrInvalidAction is returned when a body is JSON but not a usable Action.
	ErrInvalidAction = errors.New("response is not a valid action")
)

// EncodeActionRequest writes {"action": a} to w.
func EncodeActionRequest(w io.Writer, a *model.Action) error {
	if a == nil {
		return errors.New("action is nil")
	}
	if err := a.Validate(); err != nil {
		return fmt.Errorf("refusing to encode action: %w", err)
	}
	if err := json.NewEncoder(w).Encode(ActionRequest{Action: a}); err != nil {
		return fmt.Errorf("failed to encode action request: %w", err)
	}
	return nil
}

// DecodeActionResponse reads the updated action returned by a remote server.
// Servers reply either with the bare action or wrapped as {"action": ...}.
func DecodeActionResponse(r io.Reader) (*model.Action, error) {
	a, _, err := DecodeActionResponseLenient(r)
	return a, err
}

// DecodeActionResponseLenient is like DecodeActionResponse but also returns
// the raw bytes so callers can log what the server actually sent.
func DecodeActionResponseLenient(r io.Reader) (*model.Action, []byte, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read response: %w", err)
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, data, ErrEmptyBody
	}
	if !json.Valid(data) {
		return nil, data, ErrNotJSON
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, data, fmt.Errorf("%w: %v", ErrInvalidAction, err)
	}
	body := data
	if inner, ok := probe["action"]; ok {
		if _, bare := probe["action_uuid"]; !bare {
			body = inner
		}
	}

	var a model.Action
	if err := json.Unmarshal(body, &a); err != nil {
		return nil, data, fmt.Errorf("%w: %v", ErrInvalidAction, err)
	}
	if err := a.Validate(); err != nil {
		return nil, data, fmt.Errorf("%w: %v", ErrInvalidAction, err)
	}
	return &a, data, nil
}

// DecodeStatusPush parses a status push body into a ServerStatus. A single
// action push is expanded into a one-endpoint status.
func DecodeStatusPush(r io.Reader) (model.ServerStatus, error) {
	var push StatusPush
	dec := json.NewDecoder(r)
	if err := dec.Decode(&push); err != nil {
		return model.ServerStatus{}, fmt.Errorf("failed to decode status push: %w", err)
	}
	switch {
	case push.Status != nil:
		if push.Status.Server.Name == "" {
			return model.ServerStatus{}, errors.New("status push missing action_server.server_name")
		}
		if push.Status.Endpoints == nil {
			push.Status.Endpoints = map[string]*model.EndpointStatus{}
		}
		return *push.Status, nil
	case push.Action != nil:
		if err := push.Action.Validate(); err != nil {
			return model.ServerStatus{}, fmt.Errorf("status push action: %w", err)
		}
		if push.Action.Server.Name == "" {
			return model.ServerStatus{}, errors.New("status push action missing server name")
		}
		return model.ActionStatusPush(push.Action), nil
	default:
		return model.ServerStatus{}, errors.New("status push has neither server_status nor action")
	}
}

// EncodeStatusPush writes a single-action status push, the shape remote
// servers and the orchestrator's own wait executor send.
func EncodeStatusPush(w io.Writer, a *model.Action) error {
	if err := json.NewEncoder(w).Encode(StatusPush{Action: a}); err != nil {
		return fmt.Errorf("failed to encode status push: %w", err)
	}
	return nil
}
