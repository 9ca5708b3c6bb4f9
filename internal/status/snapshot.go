package status

import (
	"time"

	"github.com/mattjoyce/laborch/internal/model"
)

// ServerSnapshot is the exported form of one server's aggregate.
type ServerSnapshot struct {
	Server     model.Server                     `json:"action_server"`
	Endpoints  map[string]*model.EndpointStatus `json:"endpoints"`
	LastUpdate time.Time                        `json:"last_update"`
}

// Snapshot is a serialisable copy of the whole model.
type Snapshot struct {
	OrchName      string                                       `json:"orch_name"`
	Servers       map[string]ServerSnapshot                    `json:"servers"`
	OrchActive    map[string]*model.Action                     `json:"orch_active"`
	OrchNonActive map[model.HloStatus]map[string]*model.Action `json:"orch_nonactive"`
	Retired       map[string]model.HloStatus                   `json:"retired"`
}

// Snapshot copies the model for export.
func (m *Model) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Snapshot{
		OrchName:      m.orchName,
		Servers:       make(map[string]ServerSnapshot, len(m.servers)),
		OrchActive:    cloneActionMap(m.orchActive),
		OrchNonActive: make(map[model.HloStatus]map[string]*model.Action, len(m.orchNonActive)),
		Retired:       make(map[string]model.HloStatus, len(m.retired)),
	}
	for name, ss := range m.servers {
		eps := make(map[string]*model.EndpointStatus, len(ss.endpoints))
		for epName, es := range ss.endpoints {
			ep := model.NewEndpointStatus(epName)
			ep.ActiveDict = cloneActionMap(es.active)
			for cat, acts := range es.nonActive {
				ep.NonActiveDict[cat] = cloneActionMap(acts)
			}
			eps[epName] = ep
		}
		s.Servers[name] = ServerSnapshot{Server: ss.server, Endpoints: eps, LastUpdate: ss.lastUpdate}
	}
	for cat, acts := range m.orchNonActive {
		s.OrchNonActive[cat] = cloneActionMap(acts)
	}
	for id, cat := range m.retired {
		s.Retired[id] = cat
	}
	return s
}

// Restore replaces the model contents with s. The orchestrator name is kept.
func (m *Model) Restore(s Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.servers = make(map[string]*serverState, len(s.Servers))
	for name, snap := range s.Servers {
		ss := &serverState{server: snap.Server, endpoints: map[string]*endpointState{}, lastUpdate: snap.LastUpdate}
		for epName, ep := range snap.Endpoints {
			if ep == nil {
				continue
			}
			es := newEndpointState()
			es.active = cloneActionMap(ep.ActiveDict)
			for cat, acts := range ep.NonActiveDict {
				es.nonActive[cat] = cloneActionMap(acts)
			}
			ss.endpoints[epName] = es
		}
		m.servers[name] = ss
	}

	m.orchActive = cloneActionMap(s.OrchActive)
	m.orchNonActive = map[model.HloStatus]map[string]*model.Action{}
	for cat, acts := range s.OrchNonActive {
		m.orchNonActive[cat] = cloneActionMap(acts)
	}
	m.retired = map[string]model.HloStatus{}
	m.retiredOrder = m.retiredOrder[:0]
	for id, cat := range s.Retired {
		m.retire(id, cat)
	}
	m.seen, m.filed = nil, nil
	m.unbooked = map[string]*model.Action{}
	m.unbookedOrder = nil
}

func cloneActionMap(in map[string]*model.Action) map[string]*model.Action {
	out := make(map[string]*model.Action, len(in))
	for id, a := range in {
		if a != nil {
			out[id] = a.Clone()
		}
	}
	return out
}
