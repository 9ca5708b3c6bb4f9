// Package inspect renders the archived history of a finished sequence or
// experiment: what ran, on which server, and how each action ended.
package inspect

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/laborch/internal/state"
)

// ErrNotArchived means the id matches no archived sequence or experiment.
var ErrNotArchived = errors.New("not found in archive")

// Report is the structured JSON representation of an archive report.
type Report struct {
	Kind        string       `json:"kind"`
	UUID        string       `json:"uuid"`
	Name        string       `json:"name"`
	Label       string       `json:"label,omitempty"`
	Status      string       `json:"status"`
	FinishedAt  string       `json:"finished_at"`
	Experiments []Experiment `json:"experiments"`
}

// Experiment is one archived experiment and its actions.
type Experiment struct {
	ExperimentUUID string   `json:"experiment_uuid"`
	Name           string   `json:"experiment_name"`
	Status         string   `json:"status"`
	FinishedAt     string   `json:"finished_at"`
	Actions        []Action `json:"actions"`
}

// Action is one archived action.
type Action struct {
	ActionUUID string          `json:"action_uuid"`
	Server     string          `json:"server_name"`
	Endpoint   string          `json:"action_name"`
	Category   string          `json:"category"`
	ErrorCode  string          `json:"error_code,omitempty"`
	FinishedAt time.Time       `json:"finished_at"`
	Params     json.RawMessage `json:"action_params,omitempty"`
}

// BuildReport renders a terminal-friendly report for a sequence or
// experiment id.
func BuildReport(ctx context.Context, db *sql.DB, id string) (string, error) {
	report, err := gatherReportData(ctx, db, id)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Archive Report\n")
	fmt.Fprintf(&out, "Kind        : %s\n", report.Kind)
	fmt.Fprintf(&out, "UUID        : %s\n", report.UUID)
	fmt.Fprintf(&out, "Name        : %s\n", report.Name)
	if report.Label != "" {
		fmt.Fprintf(&out, "Label       : %s\n", report.Label)
	}
	fmt.Fprintf(&out, "Status      : %s\n", report.Status)
	fmt.Fprintf(&out, "Finished    : %s\n", report.FinishedAt)
	fmt.Fprintf(&out, "Experiments : %d\n", len(report.Experiments))
	fmt.Fprintf(&out, "\n")

	for i, exp := range report.Experiments {
		fmt.Fprintf(&out, "[%d] %s (%s)\n", i+1, exp.Name, exp.Status)
		fmt.Fprintf(&out, "    experiment_uuid : %s\n", exp.ExperimentUUID)
		if len(exp.Actions) == 0 {
			fmt.Fprintf(&out, "    actions         : <none>\n\n")
			continue
		}
		fmt.Fprintf(&out, "    actions         :\n")
		for _, a := range exp.Actions {
			line := fmt.Sprintf("      - %s %s/%s %s", a.ActionUUID, a.Server, a.Endpoint, a.Category)
			if a.ErrorCode != "" && a.ErrorCode != "none" {
				line += " error=" + a.ErrorCode
			}
			fmt.Fprintf(&out, "%s\n", line)
			if len(a.Params) > 0 && string(a.Params) != "null" {
				fmt.Fprintf(&out, "        params: %s\n", a.Params)
			}
		}
		fmt.Fprintf(&out, "\n")
	}

	return strings.TrimRight(out.String(), "\n") + "\n", nil
}

// BuildJSONReport returns the machine-readable report.
func BuildJSONReport(ctx context.Context, db *sql.DB, id string) (string, error) {
	report, err := gatherReportData(ctx, db, id)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

func gatherReportData(ctx context.Context, db *sql.DB, id string) (*Report, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("a sequence or experiment uuid is required")
	}
	archive := state.NewArchive(db)

	report, err := lookupSequence(ctx, db, id)
	if err != nil {
		return nil, err
	}
	var exps []Experiment
	if report != nil {
		exps, err = lookupExperiments(ctx, db, `
SELECT experiment_uuid, experiment_name, status, finished_at FROM experiment_log
WHERE sequence_uuid = ? ORDER BY finished_at ASC;`, id)
	} else {
		exps, err = lookupExperiments(ctx, db, `
SELECT experiment_uuid, experiment_name, status, finished_at FROM experiment_log
WHERE experiment_uuid = ?;`, id)
		if err == nil && len(exps) == 1 {
			report = &Report{
				Kind:       "experiment",
				UUID:       exps[0].ExperimentUUID,
				Name:       exps[0].Name,
				Status:     exps[0].Status,
				FinishedAt: exps[0].FinishedAt,
			}
		}
	}
	if err != nil {
		return nil, err
	}
	if report == nil {
		return nil, fmt.Errorf("%q: %w", id, ErrNotArchived)
	}

	for i := range exps {
		rows, err := archive.ActionsForExperiment(ctx, exps[i].ExperimentUUID)
		if err != nil {
			return nil, err
		}
		exps[i].Actions = make([]Action, 0, len(rows))
		for _, r := range rows {
			exps[i].Actions = append(exps[i].Actions, Action{
				ActionUUID: r.ActionUUID,
				Server:     r.Server,
				Endpoint:   r.Endpoint,
				Category:   string(r.Category),
				ErrorCode:  r.ErrorCode,
				FinishedAt: r.FinishedAt,
				Params:     actionParams(r.Body),
			})
		}
	}
	report.Experiments = exps
	if report.Experiments == nil {
		report.Experiments = make([]Experiment, 0)
	}
	return report, nil
}

func lookupSequence(ctx context.Context, db *sql.DB, id string) (*Report, error) {
	var (
		r     Report
		label sql.NullString
	)
	row := db.QueryRowContext(ctx, `
SELECT sequence_uuid, sequence_name, sequence_label, status, finished_at
FROM sequence_log WHERE sequence_uuid = ?;`, id)
	if err := row.Scan(&r.UUID, &r.Name, &label, &r.Status, &r.FinishedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query sequence %q: %w", id, err)
	}
	r.Kind = "sequence"
	r.Label = label.String
	return &r, nil
}

func lookupExperiments(ctx context.Context, db *sql.DB, q string, id string) ([]Experiment, error) {
	rows, err := db.QueryContext(ctx, q, id)
	if err != nil {
		return nil, fmt.Errorf("query experiments for %q: %w", id, err)
	}
	defer rows.Close()

	var out []Experiment
	for rows.Next() {
		var e Experiment
		if err := rows.Scan(&e.ExperimentUUID, &e.Name, &e.Status, &e.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan experiment: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// actionParams pulls action_params out of an archived action body.
func actionParams(body json.RawMessage) json.RawMessage {
	var a struct {
		Params json.RawMessage `json:"action_params"`
	}
	if err := json.Unmarshal(body, &a); err != nil {
		return nil
	}
	return a.Params
}
