package content

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"vantagesec.com/mirage/pkg/dsl"
)

// Asset pool categories.
const (
	AssetHoneytoken = "honeytoken"
	AssetVuln       = "vuln"
	AssetBreadcrumb = "breadcrumb"
)

// ReplaceAssets swaps the named pool's contents for a fresh batch.
func (s *Store) ReplaceAssets(ctx context.Context, category string, bodies []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM assets WHERE category = ?", category); err != nil {
		return fmt.Errorf("failed to clear %s pool: %w", category, err)
	}
	for _, body := range bodies {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO assets (category, body) VALUES (?, ?)", category, body); err != nil {
			return fmt.Errorf("failed to insert %s asset: %w", category, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit asset refresh: %w", err)
	}

	s.logger.Info().Str("category", category).Int("count", len(bodies)).Msg("Asset pool refreshed")
	return nil
}

// AddAssets appends entries to the named pool.
func (s *Store) AddAssets(ctx context.Context, category string, bodies []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, body := range bodies {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO assets (category, body) VALUES (?, ?)", category, body); err != nil {
			return fmt.Errorf("failed to insert %s asset: %w", category, err)
		}
	}
	return tx.Commit()
}

// RandomAsset draws uniformly from the named pool. Returns ErrEmptyPool
// when the pool has no entries.
func (s *Store) RandomAsset(ctx context.Context, category string) (string, error) {
	count, err := s.assetCount(ctx, category)
	if err != nil {
		return "", err
	}
	if count == 0 {
		return "", fmt.Errorf("pool %q: %w", category, ErrEmptyPool)
	}

	var body string
	err = s.db.QueryRowContext(ctx,
		"SELECT body FROM assets WHERE category = ? ORDER BY id LIMIT 1 OFFSET ?",
		category, s.rng.Intn(count)).Scan(&body)
	if err != nil {
		return "", fmt.Errorf("failed to draw %s asset: %w", category, err)
	}
	return body, nil
}

// PopAsset draws uniformly and removes the drawn entry, for pools whose
// entries are consumed on use (breadcrumbs).
func (s *Store) PopAsset(ctx context.Context, category string) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM assets WHERE category = ?", category).Scan(&count); err != nil {
		return "", fmt.Errorf("failed to count %s pool: %w", category, err)
	}
	if count == 0 {
		return "", fmt.Errorf("pool %q: %w", category, ErrEmptyPool)
	}

	var id int64
	var body string
	err = tx.QueryRowContext(ctx,
		"SELECT id, body FROM assets WHERE category = ? ORDER BY id LIMIT 1 OFFSET ?",
		category, s.rng.Intn(count)).Scan(&id, &body)
	if err != nil {
		return "", fmt.Errorf("failed to draw %s asset: %w", category, err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM assets WHERE id = ?", id); err != nil {
		return "", fmt.Errorf("failed to consume %s asset: %w", category, err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit asset pop: %w", err)
	}
	return body, nil
}

// AssetCount returns the number of entries in the named pool.
func (s *Store) AssetCount(ctx context.Context, category string) (int, error) {
	return s.assetCount(ctx, category)
}

func (s *Store) assetCount(ctx context.Context, category string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM assets WHERE category = ?", category).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s pool: %w", category, err)
	}
	return count, nil
}

// ============================================================
// Honeytoken emission ledger
// ============================================================

// RecordHoneytoken remembers an emitted token literal.
func (s *Store) RecordHoneytoken(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO honeytokens (token) VALUES (?)", token)
	if err != nil {
		return fmt.Errorf("failed to record honeytoken: %w", err)
	}
	return nil
}

// HoneytokenSeen reports whether a token literal was emitted before.
func (s *Store) HoneytokenSeen(ctx context.Context, token string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		"SELECT 1 FROM honeytokens WHERE token = ?", token).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check honeytoken ledger: %w", err)
	}
	return true, nil
}

// ============================================================
// Project state
// ============================================================

// RecordFileTouch updates the virtual project's file index.
func (s *Store) RecordFileTouch(ctx context.Context, path, description string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO project_files (path, description, last_modified)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(path) DO UPDATE SET
			description = excluded.description,
			last_modified = CURRENT_TIMESTAMP
	`, path, description)
	if err != nil {
		return fmt.Errorf("failed to record file touch: %w", err)
	}
	return nil
}

// ProjectFileCount returns the size of the virtual file index.
func (s *Store) ProjectFileCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM project_files").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count project files: %w", err)
	}
	return count, nil
}

// GetProjectValue reads a scalar project-state entry; empty when unset.
func (s *Store) GetProjectValue(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM project_state WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read project state %q: %w", key, err)
	}
	return value, nil
}

// SetProjectValue writes a scalar project-state entry.
func (s *Store) SetProjectValue(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO project_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to write project state %q: %w", key, err)
	}
	return nil
}

// ============================================================
// Persona evolution
// ============================================================

// TryEvolvePersona rolls for a persona evolution. It succeeds only when
// the cooldown since the last evolution has elapsed and the probability
// draw fires; otherwise it is a no-op. On success the bookkeeping is
// committed before true is returned — the caller then applies the
// attribute mutation.
func (s *Store) TryEvolvePersona(ctx context.Context, p *dsl.Persona, now time.Time) (bool, error) {
	var last time.Time
	err := s.db.QueryRowContext(ctx,
		"SELECT last_evolution FROM persona_evolution WHERE persona = ?", p.Name).Scan(&last)
	if err != nil && err != sql.ErrNoRows {
		return false, fmt.Errorf("failed to read evolution record: %w", err)
	}
	if last.IsZero() {
		last = p.LastEvolution
	}

	if !last.IsZero() && now.Sub(last) < s.cfg.EvolutionCooldown {
		return false, nil
	}
	if s.rng.Float64() >= s.cfg.EvolutionChance {
		return false, nil
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO persona_evolution (persona, last_evolution, generation)
		VALUES (?, ?, 1)
		ON CONFLICT(persona) DO UPDATE SET
			last_evolution = excluded.last_evolution,
			generation = generation + 1
	`, p.Name, now)
	if err != nil {
		return false, fmt.Errorf("failed to record evolution: %w", err)
	}

	p.LastEvolution = now
	s.logger.Info().Str("persona", p.Name).Msg("Persona evolution triggered")
	return true, nil
}
