// Package status aggregates the endpoint/action state pushed by remote action
// servers into one view the dispatch loop can reason over.
//
// Every server reports, per endpoint, a map of active actions and a map of
// terminal category to finished actions. The Model merges those pushes and
// reconciles them: once an action carries a terminal tag it is moved out of the
// active map for good. On top of the full aggregate the Model keeps an
// orchestrator-local view holding only the actions this orchestrator dispatched,
// which is what the free checks consult.
//
// All mutations happen under one mutex so reconciliation is atomic with respect
// to concurrent pushes. The package performs no I/O.
package status

import (
	"sort"
	"sync"
	"time"

	"github.com/mattjoyce/laborch/internal/model"
)

// Transition records an action that just moved from active to a terminal
// category.
type Transition struct {
	ActionUUID string          `json:"action_uuid"`
	Category   model.HloStatus `json:"category"`
	Server     string          `json:"server_name"`
	Endpoint   string          `json:"action_name"`
}

type endpointState struct {
	active    map[string]*model.Action
	nonActive map[model.HloStatus]map[string]*model.Action
}

func newEndpointState() *endpointState {
	return &endpointState{
		active:    map[string]*model.Action{},
		nonActive: map[model.HloStatus]map[string]*model.Action{},
	}
}

// file moves an action id into its terminal category and the generic
// finished category.
func (e *endpointState) file(id string, a *model.Action, cat model.HloStatus) {
	delete(e.active, id)
	for _, c := range categoriesFor(cat) {
		if e.nonActive[c] == nil {
			e.nonActive[c] = map[string]*model.Action{}
		}
		e.nonActive[c][id] = a
	}
}

type serverState struct {
	server     model.Server
	endpoints  map[string]*endpointState
	lastUpdate time.Time
}

func (s *serverState) endpoint(name string) *endpointState {
	es, ok := s.endpoints[name]
	if !ok {
		es = newEndpointState()
		s.endpoints[name] = es
	}
	return es
}

const (
	defaultRetiredLimit  = 50000
	defaultUnbookedLimit = 1024
)

// Model is the global status model for one orchestrator instance.
type Model struct {
	mu       sync.Mutex
	orchName string

	servers map[string]*serverState
	// retired holds ids that reached a terminal category, oldest evicted past
	// retiredLimit. It survives ClearCategory so a cleared id can never become
	// active again.
	retired      map[string]model.HloStatus
	retiredOrder []string
	retiredLimit int

	// seen and filed are what the last pushes changed; sortLocked drains them.
	seen  []*model.Action
	filed []*model.Action

	// unbooked holds finished ids that carried no orch_name and were not yet
	// speculative, so a dispatch reply landing late can still claim them.
	unbooked      map[string]*model.Action
	unbookedOrder []string
	unbookedLimit int

	orchActive    map[string]*model.Action
	orchNonActive map[model.HloStatus]map[string]*model.Action
}

// New returns an empty model scoped to orchName.
func New(orchName string) *Model {
	return &Model{
		orchName:      orchName,
		servers:       map[string]*serverState{},
		retired:       map[string]model.HloStatus{},
		retiredLimit:  defaultRetiredLimit,
		unbooked:      map[string]*model.Action{},
		unbookedLimit: defaultUnbookedLimit,
		orchActive:    map[string]*model.Action{},
		orchNonActive: map[model.HloStatus]map[string]*model.Action{},
	}
}

// OrchName returns the orchestrator this model is scoped to.
func (m *Model) OrchName() string { return m.orchName }

// Update merges one server push into the aggregate and returns the ids that
// just became terminal. The orchestrator view catches up on the next sort.
func (m *Model) Update(push model.ServerStatus) []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateLocked(push)
}

// Apply merges a push and refreshes the orchestrator view in the same critical
// section. It returns the aggregate transitions and the orchestrator-owned
// actions that just left the active set.
func (m *Model) Apply(push model.ServerStatus) ([]Transition, []*model.Action) {
	m.mu.Lock()
	defer m.mu.Unlock()
	transitions := m.updateLocked(push)
	return transitions, m.sortLocked()
}

func (m *Model) updateLocked(push model.ServerStatus) []Transition {
	ss, ok := m.servers[push.Server.Name]
	if !ok {
		ss = &serverState{server: push.Server, endpoints: map[string]*endpointState{}}
		m.servers[push.Server.Name] = ss
	}
	if push.Server.Host != "" {
		ss.server = push.Server
	}
	ss.lastUpdate = time.Now().UTC()

	var out []Transition
	for epName, ep := range push.Endpoints {
		if ep == nil {
			continue
		}
		es := ss.endpoint(epName)
		touched := map[string]struct{}{}
		for id, a := range ep.ActiveDict {
			if a == nil || m.isRetired(id) || es.filed(id) {
				continue
			}
			es.active[id] = m.normalize(a, ss.server, epName)
			touched[id] = struct{}{}
		}
		for cat, acts := range ep.NonActiveDict {
			for id, a := range acts {
				if a == nil || m.isRetired(id) || es.filed(id) {
					continue
				}
				na := m.normalize(a, ss.server, epName)
				if cat.IsTerminal() {
					na.Status = na.Status.With(cat)
				}
				es.active[id] = na
				touched[id] = struct{}{}
			}
		}

		for id := range touched {
			a := es.active[id]
			cat := a.Status.Category()
			if cat == "" {
				m.seen = append(m.seen, a)
				continue
			}
			es.file(id, a, cat)
			m.retire(id, cat)
			m.filed = append(m.filed, a)
			out = append(out, Transition{
				ActionUUID: id,
				Category:   cat,
				Server:     ss.server.Name,
				Endpoint:   epName,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ActionUUID < out[j].ActionUUID })
	return out
}

func (m *Model) retire(id string, cat model.HloStatus) {
	m.retired[id] = cat
	m.retiredOrder = append(m.retiredOrder, id)
	for len(m.retiredOrder) > m.retiredLimit {
		delete(m.retired, m.retiredOrder[0])
		m.retiredOrder = m.retiredOrder[1:]
	}
}

// filed reports whether id is still in the terminal index of this endpoint.
// It keeps ids evicted from retired from coming back while they are indexed.
func (e *endpointState) filed(id string) bool {
	_, ok := e.nonActive[model.StatusFinished][id]
	return ok
}

func (m *Model) normalize(a *model.Action, server model.Server, endpoint string) *model.Action {
	na := a.Clone()
	if na.Server.Name == "" {
		na.Server = server
	}
	if na.Endpoint == "" {
		na.Endpoint = endpoint
	}
	return na
}

func (m *Model) isRetired(id string) bool {
	_, ok := m.retired[id]
	return ok
}

// SortIntoOrchestratorView pulls this orchestrator's actions from the aggregate
// into the local view and returns those that just moved out of the active set.
func (m *Model) SortIntoOrchestratorView() []*model.Action {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortLocked()
}

// sortLocked only looks at what the pushes since the last call changed, so a
// push costs the same however much history the model holds.
func (m *Model) sortLocked() []*model.Action {
	for _, a := range m.seen {
		if !m.owns(a) || a.NonBlocking || m.isRetired(a.ActionUUID) {
			continue
		}
		m.orchActive[a.ActionUUID] = a
	}
	m.seen = nil

	var moved []*model.Action
	for _, a := range m.filed {
		id := a.ActionUUID
		// Servers that do not echo orch_name still retire our speculative
		// entries.
		_, speculative := m.orchActive[id]
		if !m.owns(a) && !speculative {
			if a.OrchName == "" {
				m.holdUnbooked(a)
			}
			continue
		}
		moved = append(moved, m.bookLocked(a))
	}
	m.filed = nil
	sortActions(moved)
	return moved
}

// bookLocked moves a into the local terminal index and returns a copy.
func (m *Model) bookLocked(a *model.Action) *model.Action {
	id := a.ActionUUID
	delete(m.orchActive, id)
	cat := m.retired[id]
	if cat == "" {
		cat = a.Status.Category()
	}
	for _, c := range categoriesFor(cat) {
		if m.orchNonActive[c] == nil {
			m.orchNonActive[c] = map[string]*model.Action{}
		}
		m.orchNonActive[c][id] = a
	}
	return a.Clone()
}

func (m *Model) holdUnbooked(a *model.Action) {
	m.unbooked[a.ActionUUID] = a
	m.unbookedOrder = append(m.unbookedOrder, a.ActionUUID)
	for len(m.unbookedOrder) > m.unbookedLimit {
		delete(m.unbooked, m.unbookedOrder[0])
		m.unbookedOrder = m.unbookedOrder[1:]
	}
}

func (m *Model) owns(a *model.Action) bool {
	return a.OrchName == m.orchName
}

// AddSpeculative inserts a just-dispatched action into the local active view
// before its first status push arrives. It returns false if the id is already
// terminal.
func (m *Model) AddSpeculative(a *model.Action) bool {
	if a == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.isRetired(a.ActionUUID) {
		return false
	}
	c := a.Clone()
	c.Status = c.Status.With(model.StatusActive)
	m.orchActive[a.ActionUUID] = c
	return true
}

// ClaimFinished books an action that finished, without orch_name, before
// its dispatch reply was recorded. sent fills the identity the push left out.
// It returns false if no such finish is held.
func (m *Model) ClaimFinished(sent *model.Action) (*model.Action, bool) {
	if sent == nil {
		return nil, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.unbooked[sent.ActionUUID]
	if !ok {
		return nil, false
	}
	delete(m.unbooked, sent.ActionUUID)
	a.OrchName = m.orchName
	if a.ExperimentUUID == "" {
		a.ExperimentUUID = sent.ExperimentUUID
	}
	if a.SequenceUUID == "" {
		a.SequenceUUID = sent.SequenceUUID
	}
	if a.OrchSubmitOrder == 0 {
		a.OrchSubmitOrder = sent.OrchSubmitOrder
	}
	return m.bookLocked(a), true
}

// EndpointFree reports whether no local active action targets endpoint on
// server.
func (m *Model) EndpointFree(server, endpoint string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.orchActive {
		if a.Server.Name == server && a.Endpoint == endpoint {
			return false
		}
	}
	return true
}

// ServerFree reports whether no local active action targets server.
func (m *Model) ServerFree(server string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.orchActive {
		if a.Server.Name == server {
			return false
		}
	}
	return true
}

// OrchestratorIdle reports whether the local active set is empty.
func (m *Model) OrchestratorIdle() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.orchActive) == 0
}

// IsActive reports whether id is in the local active set.
func (m *Model) IsActive(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.orchActive[id]
	return ok
}

// ActiveActions returns the local active set ordered by submission.
func (m *Model) ActiveActions() []*model.Action {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.Action, 0, len(m.orchActive))
	for _, a := range m.orchActive {
		out = append(out, a.Clone())
	}
	sortActions(out)
	return out
}

// FindByTerminalCategory returns the local actions filed under cat.
func (m *Model) FindByTerminalCategory(cat model.HloStatus) []*model.Action {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.Action, 0, len(m.orchNonActive[cat]))
	for _, a := range m.orchNonActive[cat] {
		out = append(out, a.Clone())
	}
	sortActions(out)
	return out
}

// ClearCategory drops cat from the terminal index of both the aggregate and
// the local view and returns how many local entries were removed. Cleared ids
// stay retired.
func (m *Model) ClearCategory(cat model.HloStatus) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.orchNonActive[cat])
	delete(m.orchNonActive, cat)
	for _, ss := range m.servers {
		for _, es := range ss.endpoints {
			delete(es.nonActive, cat)
		}
	}
	return n
}

// Lookup returns the most recent record of id, searching the local view first.
func (m *Model) Lookup(id string) (*model.Action, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.orchActive[id]; ok {
		return a.Clone(), true
	}
	for _, cat := range []model.HloStatus{model.StatusFinished, model.StatusEstopped, model.StatusErrored, model.StatusSkipped} {
		if a, ok := m.orchNonActive[cat][id]; ok {
			return a.Clone(), true
		}
	}
	for _, ss := range m.servers {
		for _, es := range ss.endpoints {
			if a, ok := es.active[id]; ok {
				return a.Clone(), true
			}
			for _, acts := range es.nonActive {
				if a, ok := acts[id]; ok {
					return a.Clone(), true
				}
			}
		}
	}
	return nil, false
}

// Category returns the terminal category recorded for id, or "" if id never
// reached one.
func (m *Model) Category(id string) model.HloStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retired[id]
}

// Counts summarises the local view.
func (m *Model) Counts() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]int{string(model.StatusActive): len(m.orchActive)}
	for cat, acts := range m.orchNonActive {
		out[string(cat)] = len(acts)
	}
	return out
}

// ServerNames lists every server that has pushed status.
func (m *Model) ServerNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.servers))
	for name := range m.servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func categoriesFor(cat model.HloStatus) []model.HloStatus {
	if cat == model.StatusFinished || cat == "" {
		return []model.HloStatus{model.StatusFinished}
	}
	return []model.HloStatus{cat, model.StatusFinished}
}

func sortActions(acts []*model.Action) {
	sort.SliceStable(acts, func(i, j int) bool {
		if acts[i].OrchSubmitOrder != acts[j].OrchSubmitOrder {
			return acts[i].OrchSubmitOrder < acts[j].OrchSubmitOrder
		}
		return acts[i].ActionUUID < acts[j].ActionUUID
	})
}
