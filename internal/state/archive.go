package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mattjoyce/laborch/internal/model"
)

// timeLayout sorts lexically, unlike RFC3339Nano which trims zeros.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// ArchivedAction is one row of the finished-action log.
type ArchivedAction struct {
	ActionUUID     string          `json:"action_uuid"`
	ExperimentUUID string          `json:"experiment_uuid,omitempty"`
	Server         string          `json:"server_name"`
	Endpoint       string          `json:"action_name"`
	Category       model.HloStatus `json:"category"`
	ErrorCode      string          `json:"error_code,omitempty"`
	FinishedAt     time.Time       `json:"finished_at"`
	Body           json.RawMessage `json:"body"`
}

// Archive records finished actions, experiments and sequences. Writes are
// upserts so a re-delivered status push does not fail.
type Archive struct {
	db  *sql.DB
	now func() time.Time
}

func NewArchive(db *sql.DB) *Archive {
	return &Archive{db: db, now: time.Now}
}

// RecordAction stores a terminal action under its category.
func (a *Archive) RecordAction(ctx context.Context, act *model.Action) error {
	body, err := json.Marshal(act)
	if err != nil {
		return fmt.Errorf("marshal action: %w", err)
	}
	cat := act.Status.Category()
	if cat == "" {
		cat = model.StatusFinished
	}
	_, err = a.db.ExecContext(ctx, `
INSERT INTO action_log(action_uuid, experiment_uuid, sequence_uuid, orch_name, server_name, action_name, category, error_code, body, finished_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(action_uuid) DO UPDATE SET
  category = excluded.category,
  error_code = excluded.error_code,
  body = excluded.body,
  finished_at = excluded.finished_at;
`, act.ActionUUID, act.ExperimentUUID, act.SequenceUUID, act.OrchName, act.Server.Name, act.Endpoint,
		string(cat), string(act.ErrorCode), string(body), a.stamp())
	if err != nil {
		return fmt.Errorf("archive action %s: %w", act.ActionUUID, err)
	}
	return nil
}

// RecordExperiment stores a finished experiment.
func (a *Archive) RecordExperiment(ctx context.Context, exp *model.Experiment) error {
	body, err := json.Marshal(exp)
	if err != nil {
		return fmt.Errorf("marshal experiment: %w", err)
	}
	_, err = a.db.ExecContext(ctx, `
INSERT INTO experiment_log(experiment_uuid, sequence_uuid, orch_name, experiment_name, status, body, finished_at)
VALUES(?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(experiment_uuid) DO UPDATE SET
  status = excluded.status,
  body = excluded.body,
  finished_at = excluded.finished_at;
`, exp.ExperimentUUID, exp.SequenceUUID, exp.OrchName, exp.Name, statusString(exp.Status), string(body), a.stamp())
	if err != nil {
		return fmt.Errorf("archive experiment %s: %w", exp.ExperimentUUID, err)
	}
	return nil
}

// RecordSequence stores a finished sequence.
func (a *Archive) RecordSequence(ctx context.Context, seq *model.Sequence) error {
	body, err := json.Marshal(seq)
	if err != nil {
		return fmt.Errorf("marshal sequence: %w", err)
	}
	_, err = a.db.ExecContext(ctx, `
INSERT INTO sequence_log(sequence_uuid, orch_name, sequence_name, sequence_label, status, body, finished_at)
VALUES(?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(sequence_uuid) DO UPDATE SET
  status = excluded.status,
  body = excluded.body,
  finished_at = excluded.finished_at;
`, seq.SequenceUUID, seq.OrchName, seq.Name, seq.Label, statusString(seq.Status), string(body), a.stamp())
	if err != nil {
		return fmt.Errorf("archive sequence %s: %w", seq.SequenceUUID, err)
	}
	return nil
}

// ActionsForExperiment lists archived actions of one experiment, oldest first.
func (a *Archive) ActionsForExperiment(ctx context.Context, experimentUUID string) ([]ArchivedAction, error) {
	return a.queryActions(ctx, `
SELECT action_uuid, experiment_uuid, server_name, action_name, category, error_code, body, finished_at
FROM action_log WHERE experiment_uuid = ? ORDER BY finished_at ASC;`, experimentUUID)
}

// RecentActions lists the newest archived actions in cat (all when empty).
func (a *Archive) RecentActions(ctx context.Context, cat model.HloStatus, limit int) ([]ArchivedAction, error) {
	if limit <= 0 {
		limit = 50
	}
	if cat == "" {
		return a.queryActions(ctx, `
SELECT action_uuid, experiment_uuid, server_name, action_name, category, error_code, body, finished_at
FROM action_log ORDER BY finished_at DESC LIMIT ?;`, limit)
	}
	return a.queryActions(ctx, `
SELECT action_uuid, experiment_uuid, server_name, action_name, category, error_code, body, finished_at
FROM action_log WHERE category = ? ORDER BY finished_at DESC LIMIT ?;`, string(cat), limit)
}

func (a *Archive) queryActions(ctx context.Context, q string, args ...any) ([]ArchivedAction, error) {
	rows, err := a.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query action log: %w", err)
	}
	defer rows.Close()

	var out []ArchivedAction
	for rows.Next() {
		var (
			r        ArchivedAction
			expUUID  sql.NullString
			errCode  sql.NullString
			body     string
			finished string
			category string
		)
		if err := rows.Scan(&r.ActionUUID, &expUUID, &r.Server, &r.Endpoint, &category, &errCode, &body, &finished); err != nil {
			return nil, fmt.Errorf("scan action log: %w", err)
		}
		r.ExperimentUUID = expUUID.String
		r.ErrorCode = errCode.String
		r.Category = model.HloStatus(category)
		r.Body = json.RawMessage(body)
		if t, err := time.Parse(timeLayout, finished); err == nil {
			r.FinishedAt = t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (a *Archive) stamp() string {
	return a.now().UTC().Format(timeLayout)
}

func statusString(l model.StatusList) string {
	if cat := l.Category(); cat != "" {
		return string(cat)
	}
	if len(l) == 0 {
		return ""
	}
	return string(l[len(l)-1])
}
