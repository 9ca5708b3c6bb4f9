// Package platemap looks up physical sample plates so a sequence referencing
// a plate that does not exist fails before any hardware moves.
package platemap

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrPlateNotFound is returned when a plate id has no record.
var ErrPlateNotFound = errors.New("plate not found")

// Row is one sample position on a plate.
type Row struct {
	SampleNo    int                `json:"sample_no"`
	X           float64            `json:"x_mm"`
	Y           float64            `json:"y_mm"`
	Composition map[string]float64 `json:"composition,omitempty"`
}

// Store reads and writes plates in the orchestrator database. A nil db means
// no lookup source is configured.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// HasAccess reports whether the lookup source is reachable.
func (s *Store) HasAccess() bool {
	if s == nil || s.db == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.db.PingContext(ctx) == nil
}

// GetPlatemap returns the rows of plateID ordered by sample number.
func (s *Store) GetPlatemap(ctx context.Context, plateID int) ([]Row, error) {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM plate WHERE plate_id = ?;", plateID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("plate %d: %w", plateID, ErrPlateNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup plate %d: %w", plateID, err)
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT sample_no, x_mm, y_mm, composition FROM platemap
WHERE plate_id = ? ORDER BY sample_no ASC;`, plateID)
	if err != nil {
		return nil, fmt.Errorf("query platemap %d: %w", plateID, err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var (
			r    Row
			comp string
		)
		if err := rows.Scan(&r.SampleNo, &r.X, &r.Y, &comp); err != nil {
			return nil, fmt.Errorf("scan platemap: %w", err)
		}
		if comp != "" {
			if err := json.Unmarshal([]byte(comp), &r.Composition); err != nil {
				return nil, fmt.Errorf("decode composition for sample %d: %w", r.SampleNo, err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// PutPlate replaces plate plateID and its rows.
func (s *Store) PutPlate(ctx context.Context, plateID int, label string, rows []Row) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := tx.ExecContext(ctx, `
INSERT INTO plate(plate_id, label, created_at) VALUES(?, ?, ?)
ON CONFLICT(plate_id) DO UPDATE SET label = excluded.label;`, plateID, label, now); err != nil {
		return fmt.Errorf("upsert plate %d: %w", plateID, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM platemap WHERE plate_id = ?;", plateID); err != nil {
		return fmt.Errorf("clear platemap %d: %w", plateID, err)
	}
	for _, r := range rows {
		comp, err := json.Marshal(r.Composition)
		if err != nil {
			return fmt.Errorf("encode composition: %w", err)
		}
		if r.Composition == nil {
			comp = []byte("{}")
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO platemap(plate_id, sample_no, x_mm, y_mm, composition) VALUES(?, ?, ?, ?, ?);`,
			plateID, r.SampleNo, r.X, r.Y, string(comp)); err != nil {
			return fmt.Errorf("insert sample %d: %w", r.SampleNo, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
