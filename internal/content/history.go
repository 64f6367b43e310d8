package content

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"vantagesec.com/mirage/internal/threat"
)

// ExecutionRecord is one entry in a persona's history ledger: a single
// command attempt with its terminal outcome.
type ExecutionRecord struct {
	ID        string    `json:"id"`
	Persona   string    `json:"persona"`
	Scene     string    `json:"scene"`
	Command   string    `json:"command"`
	Status    string    `json:"status"`
	Attempt   int       `json:"attempt"`
	Output    string    `json:"output,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// AppendHistory writes a record to the ledger, assigning an ID when the
// record has none.
func (s *Store) AppendHistory(ctx context.Context, rec *ExecutionRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO history (id, persona, scene, command, status, attempt, output, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.Persona, rec.Scene, rec.Command, rec.Status, rec.Attempt, rec.Output, rec.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	return nil
}

// RecentHistory returns the persona's most recent records, newest first.
func (s *Store) RecentHistory(ctx context.Context, persona string, limit int) ([]ExecutionRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, persona, scene, command, status, attempt, output, executed_at
		FROM history WHERE persona = ?
		ORDER BY executed_at DESC, id DESC LIMIT ?
	`, persona, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var records []ExecutionRecord
	for rows.Next() {
		var rec ExecutionRecord
		if err := rows.Scan(&rec.ID, &rec.Persona, &rec.Scene, &rec.Command,
			&rec.Status, &rec.Attempt, &rec.Output, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// RecentCommands returns the persona's most recent command strings,
// oldest first, for collaborator context.
func (s *Store) RecentCommands(ctx context.Context, persona string, limit int) ([]string, error) {
	records, err := s.RecentHistory(ctx, persona, limit)
	if err != nil {
		return nil, err
	}

	commands := make([]string, 0, len(records))
	for i := len(records) - 1; i >= 0; i-- {
		commands = append(commands, records[i].Command)
	}
	return commands, nil
}

// ============================================================
// Persisted threat state
// ============================================================

// SaveThreatState persists the accumulator and detection log.
func (s *Store) SaveThreatState(ctx context.Context, score int, detections []threat.Detection) error {
	payload, err := json.Marshal(detections)
	if err != nil {
		return fmt.Errorf("failed to encode detections: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO threat_state (id, score, detections_json, updated_at)
		VALUES (1, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			score = excluded.score,
			detections_json = excluded.detections_json,
			updated_at = CURRENT_TIMESTAMP
	`, score, string(payload))
	if err != nil {
		return fmt.Errorf("failed to save threat state: %w", err)
	}
	return nil
}

// LoadThreatState restores the persisted accumulator, if present.
func (s *Store) LoadThreatState(ctx context.Context) (int, []threat.Detection, error) {
	var score int
	var payload string
	err := s.db.QueryRowContext(ctx,
		"SELECT score, detections_json FROM threat_state WHERE id = 1").Scan(&score, &payload)
	if err == sql.ErrNoRows {
		// Absent state is not an error; the detector starts empty.
		return 0, nil, nil
	}
	if err != nil {
		return 0, nil, fmt.Errorf("failed to load threat state: %w", err)
	}

	var detections []threat.Detection
	if err := json.Unmarshal([]byte(payload), &detections); err != nil {
		s.logger.Warn().Err(err).Msg("Corrupt persisted detections, keeping score only")
		return score, nil, nil
	}
	return score, detections, nil
}

// ============================================================
// Cross-persona trigger events
// ============================================================

// FireEvent records an active trigger event. Firing an already-active
// event is a no-op.
func (s *Store) FireEvent(ctx context.Context, name, source string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO events (name, source) VALUES (?, ?)", name, source)
	if err != nil {
		return fmt.Errorf("failed to fire event %q: %w", name, err)
	}
	return nil
}

// ConsumeEvent removes an active event, reporting whether it was active.
func (s *Store) ConsumeEvent(ctx context.Context, name string) (bool, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM events WHERE name = ?", name)
	if err != nil {
		return false, fmt.Errorf("failed to consume event %q: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ActiveEvents lists the currently active event names.
func (s *Store) ActiveEvents(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM events ORDER BY fired_at")
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
