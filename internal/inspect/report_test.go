package inspect

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/laborch/internal/model"
	"github.com/mattjoyce/laborch/internal/state"
	"github.com/mattjoyce/laborch/internal/storage"
)

type seeded struct {
	seq    *model.Sequence
	expA   *model.Experiment
	expB   *model.Experiment
	failed *model.Action
}

func openArchive(t *testing.T) (*sql.DB, seeded) {
	t.Helper()

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	archive := state.NewArchive(db)
	seq := model.NewSequence("cv_scan", "plate 4534", nil)
	seq.OrchName = "ORCH"
	seq.Status = model.StatusList{model.StatusFinished}

	expA := model.NewExperiment(seq, "prepare", nil)
	expA.OrchName = "ORCH"
	expA.Status = model.StatusList{model.StatusFinished}
	expB := model.NewExperiment(seq, "measure", nil)
	expB.OrchName = "ORCH"
	expB.Status = model.StatusList{model.StatusErrored}

	move := model.NewAction(expA, model.Server{Name: "MOTOR", Host: "127.0.0.1", Port: 8003}, "move", map[string]any{"x_mm": 12.5}, model.WaitForAll)
	move.Status = model.StatusList{model.StatusFinished}
	cv := model.NewAction(expB, model.Server{Name: "PSTAT", Host: "127.0.0.1", Port: 8004}, "run_cv", nil, model.WaitForAll)
	cv.Status = model.StatusList{model.StatusErrored}
	cv.ErrorCode = model.ErrorHTTP

	require.NoError(t, archive.RecordAction(ctx, move))
	require.NoError(t, archive.RecordAction(ctx, cv))
	require.NoError(t, archive.RecordExperiment(ctx, expA))
	require.NoError(t, archive.RecordExperiment(ctx, expB))
	require.NoError(t, archive.RecordSequence(ctx, seq))

	return db, seeded{seq: seq, expA: expA, expB: expB, failed: cv}
}

func TestBuildReportForSequence(t *testing.T) {
	t.Parallel()
	db, s := openArchive(t)

	out, err := BuildReport(context.Background(), db, s.seq.SequenceUUID)
	require.NoError(t, err)

	for _, needle := range []string{
		"Archive Report",
		"Kind        : sequence",
		"cv_scan",
		"plate 4534",
		"Experiments : 2",
		"prepare (finished)",
		"measure (errored)",
		"MOTOR/move finished",
		`"x_mm":12.5`,
		s.failed.ActionUUID + " PSTAT/run_cv errored error=http",
	} {
		assert.Contains(t, out, needle)
	}
}

func TestBuildJSONReportForExperiment(t *testing.T) {
	t.Parallel()
	db, s := openArchive(t)

	out, err := BuildJSONReport(context.Background(), db, s.expB.ExperimentUUID)
	require.NoError(t, err)

	var report Report
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, "experiment", report.Kind)
	assert.Equal(t, "measure", report.Name)
	require.Len(t, report.Experiments, 1)
	require.Len(t, report.Experiments[0].Actions, 1)
	act := report.Experiments[0].Actions[0]
	assert.Equal(t, s.failed.ActionUUID, act.ActionUUID)
	assert.Equal(t, "errored", act.Category)
	assert.Equal(t, "http", act.ErrorCode)
}

func TestBuildReportUnknownID(t *testing.T) {
	t.Parallel()
	db, _ := openArchive(t)

	_, err := BuildReport(context.Background(), db, "not-a-real-id")
	assert.ErrorIs(t, err, ErrNotArchived)

	_, err = BuildJSONReport(context.Background(), db, "  ")
	assert.Error(t, err)
}
