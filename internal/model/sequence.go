package model

import (
	"encoding/json"
	"maps"
	"time"

	"github.com/google/uuid"
)

// Sequence is the top-level work plan enqueued by operators.
type Sequence struct {
	SequenceUUID  string         `json:"sequence_uuid"`
	DataRequestID string         `json:"data_request_id,omitempty"`
	OrchName      string         `json:"orch_name,omitempty"`
	Name          string         `json:"sequence_name"`
	Label         string         `json:"sequence_label,omitempty"`
	Params        map[string]any `json:"sequence_params,omitempty"`
	Status        StatusList     `json:"sequence_status,omitempty"`

	PlannedExperiments   []*Experiment       `json:"planned_experiments,omitempty"`
	CompletedExperiments []ExperimentSummary `json:"completed_experiments,omitempty"`

	FromGlobalParams map[string]string `json:"from_global_params,omitempty"`
	ToGlobalParams   map[string]string `json:"to_global_params,omitempty"`

	OutputDir  string     `json:"output_dir,omitempty"`
	CodeHash   string     `json:"sequence_codehash,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// NewSequence creates a sequence with a fresh identifier.
func NewSequence(name, label string, params map[string]any) *Sequence {
	return &Sequence{
		SequenceUUID: uuid.NewString(),
		Name:         name,
		Label:        label,
		Params:       cloneParams(params),
		CreatedAt:    time.Now().UTC(),
	}
}

// ID returns the sequence identifier.
func (s *Sequence) ID() string { return s.SequenceUUID }

// PlateID returns the physical plate referenced by the sequence, if any.
func (s *Sequence) PlateID() (int, bool) {
	v, ok := s.Params["plate_id"]
	if !ok || v == nil {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), n == float64(int(n))
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	default:
		return 0, false
	}
}

// Clone copies the sequence and its planned experiments.
func (s *Sequence) Clone() *Sequence {
	if s == nil {
		return nil
	}
	c := *s
	c.Params = cloneParams(s.Params)
	c.Status = append(StatusList(nil), s.Status...)
	c.CompletedExperiments = append([]ExperimentSummary(nil), s.CompletedExperiments...)
	c.FromGlobalParams = maps.Clone(s.FromGlobalParams)
	c.ToGlobalParams = maps.Clone(s.ToGlobalParams)
	if s.PlannedExperiments != nil {
		c.PlannedExperiments = make([]*Experiment, len(s.PlannedExperiments))
		for i, e := range s.PlannedExperiments {
			c.PlannedExperiments[i] = e.Clone()
		}
	}
	return &c
}
