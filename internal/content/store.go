// Package content is the sole owner of persisted deception state: the
// forecast queues, asset pools, project state, evolution bookkeeping,
// history ledger, and the narrative plan document.
package content

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"math/rand"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"vantagesec.com/mirage/migrations"
)

// ErrEmptyQueue is returned when a forecast queue has no scenes.
var ErrEmptyQueue = errors.New("forecast queue is empty")

// ErrEmptyPool is returned when an asset pool has no entries and no
// default. Callers always recover via strategy fallback.
var ErrEmptyPool = errors.New("asset pool is empty")

// Store wraps the SQLite database holding all mutable deception state.
// Every mutation commits in its own transaction before being considered
// durable; a crash loses at most the in-flight tick.
type Store struct {
	db     *sql.DB
	cfg    Config
	rng    *rand.Rand
	logger zerolog.Logger
}

// Config holds store configuration.
type Config struct {
	// Path to the SQLite database file
	Path string `yaml:"path"`

	// ForecastCapacity bounds each persona's forecast queue;
	// over-capacity pushes are dropped with a warning.
	ForecastCapacity int `yaml:"forecast_capacity" validate:"min=1"`

	// EvolutionCooldown is the minimum interval between persona
	// evolutions.
	EvolutionCooldown time.Duration `yaml:"evolution_cooldown"`

	// EvolutionChance is the per-attempt probability of evolving an
	// eligible persona.
	EvolutionChance float64 `yaml:"evolution_chance" validate:"min=0,max=1"`

	// Maximum number of open connections
	MaxOpenConns int `yaml:"max_open_conns"`

	// Maximum number of idle connections
	MaxIdleConns int `yaml:"max_idle_conns"`

	// Enable Write-Ahead Logging
	EnableWAL bool `yaml:"enable_wal"`
}

// DefaultConfig returns sensible defaults for the store.
func DefaultConfig() Config {
	return Config{
		Path:              "mirage.db",
		ForecastCapacity:  50,
		EvolutionCooldown: 180 * 24 * time.Hour,
		EvolutionChance:   0.10,
		MaxOpenConns:      4,
		MaxIdleConns:      2,
		EnableWAL:         true,
	}
}

// New opens the store, runs migrations, and verifies the connection.
// The random source drives asset draws and evolution rolls; inject a
// seeded source for reproducible tests.
func New(ctx context.Context, cfg Config, rng *rand.Rand, logger zerolog.Logger) (*Store, error) {
	logger = logger.With().Str("component", "content").Logger()

	dsn := cfg.Path
	if cfg.EnableWAL {
		dsn += "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	} else {
		dsn += "?_busy_timeout=5000"
	}

	logger.Info().Str("path", cfg.Path).Bool("wal", cfg.EnableWAL).Msg("Opening content store")

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open content store: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping content store: %w", err)
	}

	store := &Store{
		db:     db,
		cfg:    cfg,
		rng:    rng,
		logger: logger,
	}

	if err := store.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Info().Msg("Content store initialized")
	return store, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.logger.Info().Msg("Closing content store")
	return s.db.Close()
}

// Health verifies the store can be queried.
func (s *Store) Health(ctx context.Context) error {
	var count int
	return s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_version").Scan(&count)
}

// ============================================================
// Migrations
// ============================================================

type migration struct {
	version  int
	filename string
	content  string
}

func (s *Store) migrate(ctx context.Context) error {
	list, err := loadMigrations()
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	if len(list) == 0 {
		s.logger.Warn().Msg("No migration files found")
		return nil
	}

	applied, err := s.appliedMigrations(ctx)
	if err != nil {
		return fmt.Errorf("failed to get applied migrations: %w", err)
	}

	for _, m := range list {
		checksum := sha256Checksum(m.content)

		if existing, ok := applied[m.version]; ok {
			if existing != checksum {
				return fmt.Errorf("migration %d (%s) has been modified after being applied", m.version, m.filename)
			}
			continue
		}

		s.logger.Info().Int("version", m.version).Str("filename", m.filename).Msg("Applying migration")
		if err := s.applyMigration(ctx, m, checksum); err != nil {
			return fmt.Errorf("failed to apply migration %d (%s): %w", m.version, m.filename, err)
		}
	}

	return nil
}

func loadMigrations() ([]migration, error) {
	var list []migration

	err := fs.WalkDir(migrations.FS, ".", func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			return nil
		}

		var version int
		if _, err := fmt.Sscanf(entry.Name(), "%d_", &version); err != nil {
			return fmt.Errorf("invalid migration filename: %s", entry.Name())
		}

		content, err := migrations.FS.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read migration: %w", err)
		}

		list = append(list, migration{version: version, filename: entry.Name(), content: string(content)})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(list, func(i, j int) bool { return list[i].version < list[j].version })
	return list, nil
}

func (s *Store) appliedMigrations(ctx context.Context) (map[int]string, error) {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			filename TEXT NOT NULL,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, "SELECT version, checksum FROM schema_version")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]string)
	for rows.Next() {
		var version int
		var checksum string
		if err := rows.Scan(&version, &checksum); err != nil {
			return nil, err
		}
		applied[version] = checksum
	}
	return applied, rows.Err()
}

func (s *Store) applyMigration(ctx context.Context, m migration, checksum string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.content); err != nil {
		return fmt.Errorf("migration SQL failed: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO schema_version (version, filename, checksum) VALUES (?, ?, ?)",
		m.version, m.filename, checksum)
	if err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	return tx.Commit()
}

func sha256Checksum(content string) string {
	hash := sha256.Sum256([]byte(content))
	return hex.EncodeToString(hash[:])
}
