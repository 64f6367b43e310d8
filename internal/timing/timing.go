// Package timing decides when personas act and synthesizes realistic
// inter-event timestamps. Both operations are pure given the persona
// configuration and an injected random source.
package timing

import (
	"math/rand"
	"time"

	"vantagesec.com/mirage/pkg/dsl"
)

// Config holds the timing distribution parameters.
type Config struct {
	// MeanGap is the center of the inter-event gap distribution
	// during work hours.
	MeanGap time.Duration `yaml:"mean_gap"`

	// GapStdDev is the spread of the gap distribution.
	GapStdDev time.Duration `yaml:"gap_std_dev"`

	// OffHoursRate is the small probability of activity outside the
	// persona's work window (off-hours anomalies).
	OffHoursRate float64 `yaml:"off_hours_rate" validate:"min=0,max=1"`

	// MaxRedraws bounds how many times an out-of-window gap is redrawn
	// before the timestamp is snapped to the next window start.
	MaxRedraws int `yaml:"max_redraws"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MeanGap:      45 * time.Second,
		GapStdDev:    30 * time.Second,
		OffHoursRate: 0.05,
		MaxRedraws:   8,
	}
}

// Model draws activity decisions and timestamps from an injected random
// source. It keeps no other state and performs no side effects.
type Model struct {
	cfg Config
	rng *rand.Rand
}

// New creates a timing model. The random source is required so tests
// can seed it for reproducibility.
func New(cfg Config, rng *rand.Rand) *Model {
	if cfg.MaxRedraws <= 0 {
		cfg.MaxRedraws = DefaultConfig().MaxRedraws
	}
	return &Model{cfg: cfg, rng: rng}
}

// IsActive reports whether the persona acts this tick. Inside the work
// window the decision is a weighted draw against the persona's activity
// probability; outside it, the configured off-hours rate applies.
func (m *Model) IsActive(p *dsl.Persona, now time.Time) bool {
	if p.WorkHours.Contains(now) {
		return m.rng.Float64() < p.Probability
	}
	return m.rng.Float64() < m.cfg.OffHoursRate
}

// NextTimestamp draws an inter-event gap centered on the configured
// mean and returns previous plus that gap. Gaps landing outside the
// persona's work window are redrawn unless the off-hours anomaly rate
// fires; if redraws are exhausted the timestamp snaps to the next
// window opening.
func (m *Model) NextTimestamp(previous time.Time, p *dsl.Persona) time.Time {
	for i := 0; i < m.cfg.MaxRedraws; i++ {
		candidate := previous.Add(m.drawGap())
		if p.WorkHours.Contains(candidate) {
			return candidate
		}
		// Rarely let an off-hours timestamp through as an anomaly.
		if m.rng.Float64() < m.cfg.OffHoursRate {
			return candidate
		}
	}
	return nextWindowStart(previous, p.WorkHours, m.rng)
}

// drawGap samples a positive gap from a normal distribution around the
// configured mean.
func (m *Model) drawGap() time.Duration {
	gap := time.Duration(float64(m.cfg.MeanGap) + m.rng.NormFloat64()*float64(m.cfg.GapStdDev))
	if gap < time.Second {
		gap = time.Second
	}
	return gap
}

// nextWindowStart advances t to the next opening of the work window,
// with a small random offset into the first half hour.
func nextWindowStart(t time.Time, w dsl.WorkHours, rng *rand.Rand) time.Time {
	next := time.Date(t.Year(), t.Month(), t.Day(), w.Start, rng.Intn(30), rng.Intn(60), 0, t.Location())
	if !next.After(t) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
