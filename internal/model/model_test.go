package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusListCategoryPrefersMostSpecific(t *testing.T) {
	tests := []struct {
		name string
		list StatusList
		want HloStatus
	}{
		{"active only", StatusList{StatusActive}, ""},
		{"finished", StatusList{StatusActive, StatusFinished}, StatusFinished},
		{"errored and finished", StatusList{StatusFinished, StatusErrored}, StatusErrored},
		{"estopped beats errored", StatusList{StatusErrored, StatusEstopped, StatusFinished}, StatusEstopped},
		{"domain tags ignored", StatusList{StatusBusy, StatusSplit}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.list.Category())
			assert.Equal(t, tt.want != "", tt.list.Terminal())
		})
	}
}

func TestStatusListWithDoesNotDuplicate(t *testing.T) {
	l := StatusList{StatusActive}
	l = l.With(StatusFinished).With(StatusFinished)
	assert.Equal(t, StatusList{StatusActive, StatusFinished}, l)
}

func TestStartConditionNormalizeFallsBackToWaitForAll(t *testing.T) {
	assert.Equal(t, WaitForAll, StartCondition("").Normalize())
	assert.Equal(t, WaitForAll, StartCondition("bogus").Normalize())
	assert.Equal(t, WaitForPrevious, WaitForPrevious.Normalize())
}

func TestNewActionCopiesParentIdentity(t *testing.T) {
	seq := NewSequence("seq", "label", map[string]any{"plate_id": 4534})
	seq.DataRequestID = "req-1"
	seq.OrchName = "ORCH"
	exp := NewExperiment(seq, "exp", nil)
	act := NewAction(exp, Server{Name: "PSTAT", Host: "127.0.0.1", Port: 8003}, "run_CA", map[string]any{"v": 1.0}, "")

	assert.NotEmpty(t, act.ActionUUID)
	assert.Equal(t, exp.ExperimentUUID, act.ExperimentUUID)
	assert.Equal(t, seq.SequenceUUID, act.SequenceUUID)
	assert.Equal(t, "req-1", act.DataRequestID)
	assert.Equal(t, "ORCH", act.OrchName)
	assert.Equal(t, WaitForAll, act.StartCondition)
	assert.Equal(t, ErrorNone, act.ErrorCode)
}

func TestActionCloneIsIndependent(t *testing.T) {
	a := NewAction(nil, Server{Name: "MOTOR"}, "move", map[string]any{"x": 1}, NoWait)
	c := a.Clone()
	c.Params["x"] = 2
	c.Status = c.Status.With(StatusFinished)

	assert.Equal(t, 1, a.Params["x"])
	assert.Empty(t, a.Status)
	assert.Equal(t, a.ActionUUID, c.ActionUUID)
}

func TestActionValidate(t *testing.T) {
	a := NewAction(nil, Server{Name: "MOTOR"}, "move", nil, NoWait)
	require.NoError(t, a.Validate())

	a.ActionUUID = "not-a-uuid"
	assert.Error(t, a.Validate())

	var nilAction *Action
	assert.Error(t, nilAction.Validate())
}

func TestSequencePlateID(t *testing.T) {
	var params map[string]any
	require.NoError(t, json.Unmarshal([]byte(`{"plate_id": 4534}`), &params))
	seq := NewSequence("s", "", params)
	id, ok := seq.PlateID()
	assert.True(t, ok)
	assert.Equal(t, 4534, id)

	_, ok = NewSequence("s", "", nil).PlateID()
	assert.False(t, ok)
}

func TestActionStatusPushFilesTerminalActionUnderCategory(t *testing.T) {
	a := NewAction(nil, Server{Name: "PSTAT"}, "run", nil, NoWait)
	a.Status = StatusList{StatusActive, StatusErrored}
	push := ActionStatusPush(a)

	ep := push.Endpoints["run"]
	require.NotNil(t, ep)
	assert.Empty(t, ep.ActiveDict)
	assert.Contains(t, ep.NonActiveDict[StatusErrored], a.ActionUUID)
}
