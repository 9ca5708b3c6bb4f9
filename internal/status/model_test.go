package status

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/laborch/internal/model"
)

const orch = "ORCH"

func newAction(server, endpoint string, tags ...model.HloStatus) *model.Action {
	a := model.NewAction(nil, model.Server{Name: server, Host: "127.0.0.1", Port: 8001}, endpoint, nil, model.NoWait)
	a.OrchName = orch
	a.Status = append(model.StatusList{model.StatusActive}, tags...)
	return a
}

func withTags(a *model.Action, tags ...model.HloStatus) *model.Action {
	c := a.Clone()
	for _, t := range tags {
		c.Status = c.Status.With(t)
	}
	return c
}

// locations counts where id appears: active maps vs terminal categories other
// than the generic finished index.
func locations(m *Model, id string) (active int, specific int, finished int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ss := range m.servers {
		for _, es := range ss.endpoints {
			if _, ok := es.active[id]; ok {
				active++
			}
			for cat, acts := range es.nonActive {
				if _, ok := acts[id]; !ok {
					continue
				}
				if cat == model.StatusFinished {
					finished++
				} else {
					specific++
				}
			}
		}
	}
	return active, specific, finished
}

func TestUpdateMovesTerminalActionOutOfActive(t *testing.T) {
	m := New(orch)
	a := newAction("PSTAT", "run_CA")

	transitions, moved := m.Apply(model.ActionStatusPush(a))
	assert.Empty(t, transitions)
	assert.Empty(t, moved)
	assert.True(t, m.IsActive(a.ActionUUID))
	assert.False(t, m.EndpointFree("PSTAT", "run_CA"))

	transitions, moved = m.Apply(model.ActionStatusPush(withTags(a, model.StatusFinished)))
	require.Len(t, transitions, 1)
	assert.Equal(t, model.StatusFinished, transitions[0].Category)
	require.Len(t, moved, 1)
	assert.Equal(t, a.ActionUUID, moved[0].ActionUUID)
	assert.True(t, m.EndpointFree("PSTAT", "run_CA"))
	assert.True(t, m.OrchestratorIdle())
}

// Terminal actions are dual-indexed: filed under their specific category and
// under the generic finished category. This mirrors the long-standing
// behaviour consumers rely on; it is asserted here so a change is deliberate.
func TestUpdateDualIndexesSpecificAndFinished(t *testing.T) {
	m := New(orch)
	a := newAction("PSTAT", "run_CA")
	m.Apply(model.ActionStatusPush(a))
	m.Apply(model.ActionStatusPush(withTags(a, model.StatusErrored)))

	active, specific, finished := locations(m, a.ActionUUID)
	assert.Equal(t, 0, active)
	assert.Equal(t, 1, specific)
	assert.Equal(t, 1, finished)

	assert.Len(t, m.FindByTerminalCategory(model.StatusErrored), 1)
	assert.Len(t, m.FindByTerminalCategory(model.StatusFinished), 1)
	assert.Equal(t, model.StatusErrored, m.Category(a.ActionUUID))
}

func TestUpdateIsIdempotentAndNeverResurrects(t *testing.T) {
	m := New(orch)
	a := newAction("MOTOR", "move")
	done := withTags(a, model.StatusFinished)

	m.Apply(model.ActionStatusPush(done))
	transitions, moved := m.Apply(model.ActionStatusPush(done))
	assert.Empty(t, transitions, "re-applying a terminal push is a no-op")
	assert.Empty(t, moved)

	// A stale active push arriving after the terminal one.
	m.Apply(model.ActionStatusPush(a))
	assert.False(t, m.IsActive(a.ActionUUID))
	active, _, _ := locations(m, a.ActionUUID)
	assert.Equal(t, 0, active)

	assert.False(t, m.AddSpeculative(a), "speculative insert of a terminal id is refused")
	assert.True(t, m.OrchestratorIdle())
}

func TestRandomPushesKeepActiveAndTerminalDisjoint(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	m := New(orch)
	var acts []*model.Action
	for i := 0; i < 20; i++ {
		acts = append(acts, newAction([]string{"A", "B"}[i%2], []string{"x", "y", "z"}[i%3]))
	}
	terminals := []model.HloStatus{model.StatusFinished, model.StatusErrored, model.StatusEstopped, model.StatusSkipped}

	for step := 0; step < 500; step++ {
		a := acts[r.Intn(len(acts))]
		if r.Intn(3) == 0 {
			m.Apply(model.ActionStatusPush(withTags(a, terminals[r.Intn(len(terminals))])))
		} else {
			m.Apply(model.ActionStatusPush(a))
		}
		for _, a := range acts {
			active, specific, finished := locations(m, a.ActionUUID)
			if active > 0 {
				require.Zero(t, specific+finished, "id %s both active and terminal", a.ActionUUID)
				require.Equal(t, 1, active)
			}
			require.LessOrEqual(t, specific, 1)
			if m.Category(a.ActionUUID) != "" {
				require.Zero(t, active, "terminal id resurrected")
				require.False(t, m.IsActive(a.ActionUUID))
			}
		}
	}
}

func TestFreeChecksIgnoreOtherOrchestrators(t *testing.T) {
	m := New(orch)
	foreign := newAction("PSTAT", "run_CA")
	foreign.OrchName = "OTHER"
	m.Apply(model.ActionStatusPush(foreign))

	assert.True(t, m.EndpointFree("PSTAT", "run_CA"))
	assert.True(t, m.ServerFree("PSTAT"))
	assert.True(t, m.OrchestratorIdle())

	mine := newAction("PSTAT", "run_OCV")
	m.Apply(model.ActionStatusPush(mine))
	assert.True(t, m.EndpointFree("PSTAT", "run_CA"))
	assert.False(t, m.EndpointFree("PSTAT", "run_OCV"))
	assert.False(t, m.ServerFree("PSTAT"))
	assert.True(t, m.ServerFree("MOTOR"))
}

func TestNonBlockingActionsDoNotOccupyLocalActiveSet(t *testing.T) {
	m := New(orch)
	a := newAction("CAM", "acquire")
	a.NonBlocking = true
	m.Apply(model.ActionStatusPush(a))
	assert.True(t, m.OrchestratorIdle())

	_, moved := m.Apply(model.ActionStatusPush(withTags(a, model.StatusFinished)))
	require.Len(t, moved, 1, "terminal non-blocking actions are still reported")
	assert.True(t, moved[0].NonBlocking)
}

func TestSpeculativeEntryRetiredWithoutOrchName(t *testing.T) {
	m := New(orch)
	a := newAction("PSTAT", "run_CA")
	require.True(t, m.AddSpeculative(a))
	assert.False(t, m.EndpointFree("PSTAT", "run_CA"))

	echoed := withTags(a, model.StatusFinished)
	echoed.OrchName = ""
	_, moved := m.Apply(model.ActionStatusPush(echoed))
	require.Len(t, moved, 1)
	assert.True(t, m.EndpointFree("PSTAT", "run_CA"))
}

func TestClearCategoryKeepsFinishedIndexAndRetirement(t *testing.T) {
	m := New(orch)
	a := newAction("PSTAT", "run_CA")
	m.Apply(model.ActionStatusPush(withTags(a, model.StatusEstopped)))

	assert.Equal(t, 1, m.ClearCategory(model.StatusEstopped))
	assert.Empty(t, m.FindByTerminalCategory(model.StatusEstopped))
	assert.Len(t, m.FindByTerminalCategory(model.StatusFinished), 1)

	m.Apply(model.ActionStatusPush(a))
	assert.False(t, m.IsActive(a.ActionUUID))
}

func TestFreeChecksUnderConcurrentPushes(t *testing.T) {
	m := New(orch)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				a := newAction("PSTAT", "run_CA")
				m.Apply(model.ActionStatusPush(a))
				_ = m.EndpointFree("PSTAT", "run_CA")
				m.Apply(model.ActionStatusPush(withTags(a, model.StatusFinished)))
			}
		}(i)
	}
	wg.Wait()

	assert.True(t, m.EndpointFree("PSTAT", "run_CA"))
	assert.True(t, m.ServerFree("PSTAT"))
	assert.Len(t, m.FindByTerminalCategory(model.StatusFinished), 400)
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	m := New(orch)
	active := newAction("PSTAT", "run_CA")
	done := newAction("MOTOR", "move")
	m.Apply(model.ActionStatusPush(active))
	m.Apply(model.ActionStatusPush(withTags(done, model.StatusFinished)))

	restored := New(orch)
	restored.Restore(m.Snapshot())

	assert.True(t, restored.IsActive(active.ActionUUID))
	assert.Equal(t, model.StatusFinished, restored.Category(done.ActionUUID))
	assert.Equal(t, []string{"MOTOR", "PSTAT"}, restored.ServerNames())

	_, moved := restored.Apply(model.ActionStatusPush(withTags(done, model.StatusFinished)))
	assert.Empty(t, moved, "already reported ids are not reported again after restore")
}

func TestRetiredIDsAreBoundedAndDrainedPerPush(t *testing.T) {
	m := New(orch)
	m.retiredLimit = 3

	var acts []*model.Action
	for i := 0; i < 5; i++ {
		a := newAction("PSTAT", "run_CA")
		acts = append(acts, a)
		_, moved := m.Apply(model.ActionStatusPush(withTags(a, model.StatusFinished)))
		require.Len(t, moved, 1, "each push reports only its own finish")
		assert.Empty(t, m.seen)
		assert.Empty(t, m.filed)
	}

	assert.Len(t, m.retired, 3)
	assert.Len(t, m.retiredOrder, 3)
	assert.Equal(t, model.StatusFinished, m.Category(acts[4].ActionUUID))
	assert.Equal(t, model.HloStatus(""), m.Category(acts[0].ActionUUID), "oldest id evicted")

	// Evicted but still indexed ids stay terminal.
	m.Apply(model.ActionStatusPush(acts[0]))
	assert.False(t, m.IsActive(acts[0].ActionUUID))
	active, _, finished := locations(m, acts[0].ActionUUID)
	assert.Equal(t, 0, active)
	assert.Equal(t, 1, finished)
}

func TestFinishWithoutOrchNameBeforeDispatchIsClaimed(t *testing.T) {
	m := New(orch)
	sent := newAction("PSTAT", "run_CA")
	sent.ExperimentUUID = "exp-1"
	sent.OrchSubmitOrder = 4

	early := withTags(sent, model.StatusFinished)
	early.OrchName = ""
	early.ExperimentUUID = ""
	_, moved := m.Apply(model.ActionStatusPush(early))
	assert.Empty(t, moved, "owner is unknown until the dispatch is recorded")

	assert.False(t, m.AddSpeculative(sent))
	claimed, ok := m.ClaimFinished(sent)
	require.True(t, ok)
	assert.Equal(t, orch, claimed.OrchName)
	assert.Equal(t, "exp-1", claimed.ExperimentUUID)
	assert.Equal(t, 4, claimed.OrchSubmitOrder)
	assert.Len(t, m.FindByTerminalCategory(model.StatusFinished), 1)
	assert.True(t, m.OrchestratorIdle())

	_, ok = m.ClaimFinished(sent)
	assert.False(t, ok, "a finish is claimed once")
}

func TestForeignFinishIsNeverClaimed(t *testing.T) {
	m := New(orch)
	foreign := newAction("PSTAT", "run_CA", model.StatusFinished)
	foreign.OrchName = "OTHER"
	m.Apply(model.ActionStatusPush(foreign))

	_, ok := m.ClaimFinished(foreign)
	assert.False(t, ok)
	assert.Empty(t, m.FindByTerminalCategory(model.StatusFinished))
}
