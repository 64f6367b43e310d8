package content

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"vantagesec.com/mirage/pkg/dsl"
)

// PushForecastBatch appends scenes to the persona's FIFO forecast queue
// in order. Pushes beyond the capacity bound are dropped with a warning
// rather than an error. Returns the number of scenes accepted.
func (s *Store) PushForecastBatch(ctx context.Context, persona string, scenes []dsl.Scene) (int, error) {
	if len(scenes) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var depth int
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM forecast_queue WHERE persona = ?", persona).Scan(&depth); err != nil {
		return 0, fmt.Errorf("failed to count forecast queue: %w", err)
	}

	room := s.cfg.ForecastCapacity - depth
	if room < 0 {
		room = 0
	}

	accepted := 0
	for _, scene := range scenes {
		if accepted >= room {
			break
		}
		payload, err := json.Marshal(scene)
		if err != nil {
			return accepted, fmt.Errorf("failed to encode scene: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO forecast_queue (persona, scene_json) VALUES (?, ?)",
			persona, string(payload)); err != nil {
			return accepted, fmt.Errorf("failed to enqueue scene: %w", err)
		}
		accepted++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit forecast batch: %w", err)
	}

	if dropped := len(scenes) - accepted; dropped > 0 {
		s.logger.Warn().
			Str("persona", persona).
			Int("dropped", dropped).
			Int("capacity", s.cfg.ForecastCapacity).
			Msg("Forecast queue at capacity, dropping overflow")
	}

	return accepted, nil
}

// PopForecast dequeues the oldest scene for the persona. Returns
// ErrEmptyQueue when the queue is empty.
func (s *Store) PopForecast(ctx context.Context, persona string) (*dsl.Scene, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var id int64
	var payload string
	err = tx.QueryRowContext(ctx,
		"SELECT id, scene_json FROM forecast_queue WHERE persona = ? ORDER BY id LIMIT 1",
		persona).Scan(&id, &payload)
	if err == sql.ErrNoRows {
		return nil, ErrEmptyQueue
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read forecast queue: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM forecast_queue WHERE id = ?", id); err != nil {
		return nil, fmt.Errorf("failed to dequeue scene: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit dequeue: %w", err)
	}

	var scene dsl.Scene
	if err := json.Unmarshal([]byte(payload), &scene); err != nil {
		return nil, fmt.Errorf("corrupt forecast entry %d: %w", id, err)
	}
	return &scene, nil
}

// ForecastDepth returns the current queue length for the persona.
func (s *Store) ForecastDepth(ctx context.Context, persona string) (int, error) {
	var depth int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM forecast_queue WHERE persona = ?", persona).Scan(&depth)
	if err != nil {
		return 0, fmt.Errorf("failed to count forecast queue: %w", err)
	}
	return depth, nil
}
