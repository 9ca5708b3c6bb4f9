package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// DefaultMaxSnapshotBytes caps a stored snapshot.
const DefaultMaxSnapshotBytes = 64 << 20

// ErrNoSnapshot is returned by Load when nothing was saved for the name.
var ErrNoSnapshot = errors.New("no snapshot saved")

// Store persists one snapshot row per orchestrator name.
type Store struct {
	db       *sql.DB
	maxBytes int
	now      func() time.Time
}

func NewStore(db *sql.DB) *Store {
	return &Store{
		db:       db,
		maxBytes: DefaultMaxSnapshotBytes,
		now:      time.Now,
	}
}

// Save upserts snap under snap.OrchName. reason records what triggered it
// (export, periodic, shutdown).
func (s *Store) Save(ctx context.Context, snap *Snapshot, reason string) error {
	if snap == nil || snap.OrchName == "" {
		return fmt.Errorf("snapshot has no orchestrator name")
	}
	if snap.SavedAt.IsZero() {
		snap.SavedAt = s.now().UTC()
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if len(raw) > s.maxBytes {
		return fmt.Errorf("snapshot exceeds max size (%d bytes)", s.maxBytes)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO orch_snapshot(orch_name, snapshot, reason, saved_at)
VALUES(?, ?, ?, ?)
ON CONFLICT(orch_name) DO UPDATE SET
  snapshot = excluded.snapshot,
  reason = excluded.reason,
  saved_at = excluded.saved_at;
`, snap.OrchName, string(raw), reason, snap.SavedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}
	return nil
}

// Load returns the snapshot saved for orchName.
func (s *Store) Load(ctx context.Context, orchName string) (*Snapshot, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, "SELECT snapshot FROM orch_snapshot WHERE orch_name = ?;", orchName).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("orchestrator %q: %w", orchName, ErrNoSnapshot)
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return nil, fmt.Errorf("decode stored snapshot for %q: %w", orchName, err)
	}
	return &snap, nil
}

// Delete removes the snapshot for orchName.
func (s *Store) Delete(ctx context.Context, orchName string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM orch_snapshot WHERE orch_name = ?;", orchName); err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}
