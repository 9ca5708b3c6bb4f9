package model

import "time"

// EndpointStatus is one endpoint's view of its actions as reported by the
// remote server.
type EndpointStatus struct {
	Name          string                           `json:"endpoint_name"`
	ActiveDict    map[string]*Action               `json:"active_dict"`
	NonActiveDict map[HloStatus]map[string]*Action `json:"nonactive_dict"`
}

// NewEndpointStatus returns an empty endpoint record.
func NewEndpointStatus(name string) *EndpointStatus {
	return &EndpointStatus{
		Name:          name,
		ActiveDict:    map[string]*Action{},
		NonActiveDict: map[HloStatus]map[string]*Action{},
	}
}

// ServerStatus is a status push from one remote server: its endpoint map at
// the time of sending.
type ServerStatus struct {
	Server    Server                     `json:"action_server"`
	OrchName  string                     `json:"orch_name,omitempty"`
	Endpoints map[string]*EndpointStatus `json:"endpoints"`
	SentAt    time.Time                  `json:"sent_at"`
}

// ActionStatusPush builds a single-action push, the common shape sent by
// servers when one action changes state.
func ActionStatusPush(a *Action) ServerStatus {
	ep := NewEndpointStatus(a.Endpoint)
	if cat := a.Status.Category(); cat != "" {
		ep.NonActiveDict[cat] = map[string]*Action{a.ActionUUID: a}
	} else {
		ep.ActiveDict[a.ActionUUID] = a
	}
	return ServerStatus{
		Server:    a.Server,
		OrchName:  a.OrchName,
		Endpoints: map[string]*EndpointStatus{a.Endpoint: ep},
		SentAt:    time.Now().UTC(),
	}
}
