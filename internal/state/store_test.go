package state

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/mattjoyce/laborch/internal/model"
	"github.com/mattjoyce/laborch/internal/queue"
	"github.com/mattjoyce/laborch/internal/status"
	"github.com/mattjoyce/laborch/internal/storage"
)

func openTestDB(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "laborch.db")
	db, err := storage.OpenSQLite(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db)
}

func TestStoreLoadMissingReturnsErrNoSnapshot(t *testing.T) {
	t.Parallel()

	s := openTestDB(t)
	_, err := s.Load(context.Background(), "ORCH")
	if !errors.Is(err, ErrNoSnapshot) {
		t.Fatalf("expected ErrNoSnapshot, got %v", err)
	}
}

func TestStoreSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	s := openTestDB(t)
	ctx := context.Background()

	seq := model.NewSequence("experiment_list", "plate 42", map[string]any{"plate_id": 42})
	exp := model.NewExperiment(seq, "CV", nil)
	act := model.NewAction(exp, model.Server{Name: "PSTAT"}, "run_CV", map[string]any{"Vinit": 0.1}, model.WaitForPrevious)
	act.RetryCount = 1

	sm := status.New("ORCH")
	running := model.NewAction(exp, model.Server{Name: "MOTOR"}, "move", nil, model.NoWait)
	running.OrchName = "ORCH"
	running.Status = model.StatusList{model.StatusActive}
	sm.Apply(model.ActionStatusPush(running))

	snap := &Snapshot{
		OrchName:       "ORCH",
		LoopState:      "stopped",
		StopMessage:    "dispatch failed",
		Sequences:      []*model.Sequence{seq},
		Experiments:    []*model.Experiment{exp},
		Actions:        []*model.Action{act},
		LastDispatched: running.ActionUUID,
		LastActions:    []string{running.ActionUUID},
		SubmitCounter:  3,
		GlobalParams:   map[string]any{"mass": 1.5},
		NonBlocking:    []queue.NonBlockingEntry{{ActionUUID: "nb-1", Server: "CAM", ExecID: "e1"}},
		Status:         sm.Snapshot(),
	}
	if err := s.Save(ctx, snap, "export"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// A second save replaces the row.
	snap.SubmitCounter = 4
	if err := s.Save(ctx, snap, "periodic"); err != nil {
		t.Fatalf("Save again: %v", err)
	}

	got, err := s.Load(ctx, "ORCH")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.SubmitCounter != 4 {
		t.Fatalf("SubmitCounter = %d, want 4", got.SubmitCounter)
	}
	if len(got.Actions) != 1 || got.Actions[0].ActionUUID != act.ActionUUID || got.Actions[0].RetryCount != 1 {
		t.Fatalf("action queue not restored: %#v", got.Actions)
	}
	if got.Actions[0].StartCondition != model.WaitForPrevious {
		t.Fatalf("start condition lost: %q", got.Actions[0].StartCondition)
	}
	if got.GlobalParams["mass"] != 1.5 {
		t.Fatalf("global params lost: %#v", got.GlobalParams)
	}

	restored := status.New("ORCH")
	restored.Restore(got.Status)
	if !restored.IsActive(running.ActionUUID) {
		t.Fatal("status model not restored")
	}

	if err := s.Delete(ctx, "ORCH"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Load(ctx, "ORCH"); !errors.Is(err, ErrNoSnapshot) {
		t.Fatalf("expected ErrNoSnapshot after delete, got %v", err)
	}
}

func TestStoreSaveRejectsOversizedSnapshot(t *testing.T) {
	t.Parallel()

	s := openTestDB(t)
	s.maxBytes = 16
	err := s.Save(context.Background(), &Snapshot{OrchName: "ORCH"}, "export")
	if err == nil {
		t.Fatal("expected size error")
	}
}

func TestPushLastActionKeepsNewest(t *testing.T) {
	var ring []string
	for i := 0; i < LastActionsKept+5; i++ {
		ring = PushLastAction(ring, strconv.Itoa(i))
	}
	if len(ring) != LastActionsKept {
		t.Fatalf("len = %d", len(ring))
	}
	if ring[0] != "5" {
		t.Fatalf("oldest kept = %s", ring[0])
	}
}
