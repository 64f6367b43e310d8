package content

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"vantagesec.com/mirage/pkg/dsl"
)

// ErrNarrativeStale signals that the persisted arc is absent or past
// its month boundary and must be regenerated by the caller.
var ErrNarrativeStale = errors.New("narrative arc absent or stale")

// NarrativeStore persists the month-scale narrative plan as a single
// JSON document, regenerated wholesale at month boundaries.
type NarrativeStore struct {
	path   string
	logger zerolog.Logger
}

// NewNarrativeStore creates a narrative store rooted at path.
func NewNarrativeStore(path string, logger zerolog.Logger) *NarrativeStore {
	return &NarrativeStore{
		path:   path,
		logger: logger.With().Str("component", "narrative").Logger(),
	}
}

// Load reads the persisted arc. A missing file returns ErrNarrativeStale;
// a corrupt file is preserved under a .corrupt suffix rather than
// overwritten, and also returns ErrNarrativeStale.
func (n *NarrativeStore) Load() (*dsl.NarrativeArc, error) {
	data, err := os.ReadFile(n.path)
	if os.IsNotExist(err) {
		return nil, ErrNarrativeStale
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read narrative plan: %w", err)
	}

	var arc dsl.NarrativeArc
	if err := json.Unmarshal(data, &arc); err != nil {
		n.preserveCorrupt(err)
		return nil, ErrNarrativeStale
	}
	return &arc, nil
}

// Save persists the arc atomically (temp file plus rename).
func (n *NarrativeStore) Save(arc *dsl.NarrativeArc) error {
	data, err := json.MarshalIndent(arc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode narrative plan: %w", err)
	}

	tmp := n.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write narrative plan: %w", err)
	}
	if err := os.Rename(tmp, n.path); err != nil {
		return fmt.Errorf("failed to replace narrative plan: %w", err)
	}
	return nil
}

// GetOrCreate returns the current arc, invoking regenerate when the
// persisted arc is absent, corrupt, or past its month boundary. The
// regenerated arc is persisted before being returned.
func (n *NarrativeStore) GetOrCreate(ctx context.Context, now time.Time,
	regenerate func(ctx context.Context, month string) (*dsl.NarrativeArc, error)) (*dsl.NarrativeArc, error) {

	arc, err := n.Load()
	if err != nil && !errors.Is(err, ErrNarrativeStale) {
		return nil, err
	}
	if arc.Current(now) {
		return arc, nil
	}

	month := dsl.MonthKey(now)
	n.logger.Info().Str("month", month).Msg("Regenerating narrative arc")

	fresh, err := regenerate(ctx, month)
	if err != nil {
		return nil, fmt.Errorf("failed to regenerate narrative arc: %w", err)
	}
	fresh.Month = month
	if fresh.GeneratedAt.IsZero() {
		fresh.GeneratedAt = now
	}

	if err := n.Save(fresh); err != nil {
		return nil, err
	}

	n.logger.Info().Str("goal", fresh.Goal).Msg("Narrative arc regenerated")
	return fresh, nil
}

// EnsureWeek lazily fills in the weekly plan covering day, generating
// it on first use and persisting the updated arc.
func (n *NarrativeStore) EnsureWeek(ctx context.Context, arc *dsl.NarrativeArc, day int,
	generate func(ctx context.Context, arc *dsl.NarrativeArc, week int) (*dsl.WeekPlan, error)) error {

	week := (day-1)/7 + 1
	if arc.Week(week) != nil {
		return nil
	}

	plan, err := generate(ctx, arc, week)
	if err != nil {
		return fmt.Errorf("failed to generate week %d plan: %w", week, err)
	}
	plan.Week = week
	arc.Weeks = append(arc.Weeks, *plan)

	return n.Save(arc)
}

// preserveCorrupt renames the unreadable plan aside so it can be
// inspected, instead of being overwritten by the regenerated one.
func (n *NarrativeStore) preserveCorrupt(cause error) {
	preserved := fmt.Sprintf("%s.corrupt-%d", n.path, time.Now().Unix())
	if err := os.Rename(n.path, preserved); err != nil {
		n.logger.Error().Err(err).Msg("Failed to preserve corrupt narrative plan")
		return
	}
	n.logger.Warn().
		Err(cause).
		Str("preserved", preserved).
		Msg("Corrupt narrative plan preserved, will regenerate")
}
