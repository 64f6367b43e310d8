// Package threat detects honeypot-fingerprinting behavior in observed
// commands and accumulates it into a discrete threat level.
package threat

import (
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Level is the discretized threat level. Levels are ordered; the
// accumulator is monotonic for the process lifetime unless Reset is
// invoked administratively.
type Level int

const (
	LevelNone Level = iota
	LevelLow
	LevelMedium
	LevelHigh
)

// String returns the lowercase level name.
func (l Level) String() string {
	switch l {
	case LevelLow:
		return "low"
	case LevelMedium:
		return "medium"
	case LevelHigh:
		return "high"
	default:
		return "none"
	}
}

// Pattern is one entry in the fixed, ordered detection catalog.
type Pattern struct {
	Expr      string
	Label     string
	Increment int

	re *regexp.Regexp
}

// Detection records a single catalog match.
type Detection struct {
	Command   string    `json:"command"`
	Label     string    `json:"label"`
	Increment int       `json:"increment"`
	Timestamp time.Time `json:"timestamp"`
}

// Config holds the scoring thresholds. Thresholds must be strictly
// ordered: 0 < Low < Medium < High <= MaxScore.
type Config struct {
	LowThreshold    int `yaml:"low_threshold"`
	MediumThreshold int `yaml:"medium_threshold"`
	HighThreshold   int `yaml:"high_threshold"`

	// MaxScore bounds the accumulator
	MaxScore int `yaml:"max_score"`
}

// DefaultConfig returns the default threshold set.
func DefaultConfig() Config {
	return Config{
		LowThreshold:    1,
		MediumThreshold: 5,
		HighThreshold:   10,
		MaxScore:        100,
	}
}

// Validate checks threshold ordering.
func (c Config) Validate() error {
	if c.LowThreshold <= 0 {
		return fmt.Errorf("low threshold must be positive, got %d", c.LowThreshold)
	}
	if c.MediumThreshold <= c.LowThreshold {
		return fmt.Errorf("medium threshold (%d) must exceed low (%d)", c.MediumThreshold, c.LowThreshold)
	}
	if c.HighThreshold <= c.MediumThreshold {
		return fmt.Errorf("high threshold (%d) must exceed medium (%d)", c.HighThreshold, c.MediumThreshold)
	}
	if c.MaxScore < c.HighThreshold {
		return fmt.Errorf("max score (%d) must be at least the high threshold (%d)", c.MaxScore, c.HighThreshold)
	}
	return nil
}

// DefaultCatalog is the fixed fingerprinting pattern catalog. Ordering
// matters: the first matching entry wins and a command increments the
// score at most once.
func DefaultCatalog() []Pattern {
	return []Pattern{
		{Expr: `busybox.*dd.*if=.*\$SHELL`, Label: "cowrie_detection", Increment: 5},
		{Expr: `dd.*if=/proc/self/exe`, Label: "binary_inspection", Increment: 5},
		{Expr: `cat /proc/self/exe`, Label: "binary_inspection", Increment: 5},
		{Expr: `cat /proc/mounts`, Label: "vm_detection", Increment: 3},
		{Expr: `cat /proc/cmdline`, Label: "vm_detection", Increment: 3},
		{Expr: `dmesg.*uml`, Label: "uml_detection", Increment: 5},
		{Expr: `ls /honeypot`, Label: "honeypot_search", Increment: 10},
		{Expr: `find.*cowrie`, Label: "cowrie_search", Increment: 10},
		{Expr: `which cowrie`, Label: "cowrie_search", Increment: 10},
		{Expr: `env\s*$`, Label: "env_dump", Increment: 1},
		{Expr: `printenv`, Label: "env_dump", Increment: 1},
		{Expr: `cat /etc/passwd`, Label: "user_enum", Increment: 1},
		{Expr: `netstat.*-tulpn`, Label: "network_enum", Increment: 3},
		{Expr: `ss.*-tulpn`, Label: "network_enum", Increment: 3},
		{Expr: `ps aux`, Label: "process_enum", Increment: 1},
	}
}

// honeyportIncrement is the score added for each honeyport connection.
const honeyportIncrement = 3

// Detector matches commands against the catalog and owns the shared
// accumulator. Accumulation is the single mutual-exclusion point between
// the sequential tick loop and the concurrent honeyport listeners.
type Detector struct {
	catalog []Pattern
	cfg     Config
	logger  zerolog.Logger

	mu    sync.Mutex
	score int
	log   []Detection
}

// Summary is a point-in-time snapshot of the detector state.
type Summary struct {
	Score      int         `json:"score"`
	Level      string      `json:"level"`
	Detections int         `json:"detections"`
	Recent     []Detection `json:"recent"`
}

// New creates a detector with the default catalog.
func New(cfg Config, logger zerolog.Logger) (*Detector, error) {
	return NewWithCatalog(cfg, DefaultCatalog(), logger)
}

// NewWithCatalog creates a detector with a custom catalog. The catalog
// order is preserved; patterns are compiled case-insensitively.
func NewWithCatalog(cfg Config, catalog []Pattern, logger zerolog.Logger) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid threat config: %w", err)
	}

	compiled := make([]Pattern, len(catalog))
	for i, p := range catalog {
		re, err := regexp.Compile("(?i)" + p.Expr)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", p.Expr, err)
		}
		p.re = re
		compiled[i] = p
	}

	return &Detector{
		catalog: compiled,
		cfg:     cfg,
		logger:  logger.With().Str("component", "threat").Logger(),
	}, nil
}

// Analyze returns the first catalog entry matching the command, or nil.
// Analyze never mutates state; detection never fails and unmatched
// input is inert.
func (d *Detector) Analyze(command string) *Detection {
	for _, p := range d.catalog {
		if p.re.MatchString(command) {
			return &Detection{
				Command:   command,
				Label:     p.Label,
				Increment: p.Increment,
				Timestamp: time.Now(),
			}
		}
	}
	return nil
}

// Accumulate adds increment to the bounded score.
func (d *Detector) Accumulate(increment int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.accumulateLocked(increment)
}

func (d *Detector) accumulateLocked(increment int) {
	if increment <= 0 {
		return
	}
	d.score += increment
	if d.score > d.cfg.MaxScore {
		d.score = d.cfg.MaxScore
	}
}

// Observe analyzes a command and, on a match, records the detection and
// accumulates its increment. Returns the detection, or nil.
func (d *Detector) Observe(command string) *Detection {
	det := d.Analyze(command)
	if det == nil {
		return nil
	}

	d.mu.Lock()
	d.accumulateLocked(det.Increment)
	d.log = append(d.log, *det)
	score := d.score
	d.mu.Unlock()

	d.logger.Warn().
		Str("label", det.Label).
		Str("command", det.Command).
		Int("score", score).
		Msg("Fingerprinting attempt detected")
	return det
}

// ReportConnection accumulates threat signal for a honeyport hit. Safe
// to call concurrently with the tick loop.
func (d *Detector) ReportConnection(port int, remote string) {
	det := Detection{
		Command:   fmt.Sprintf("honeyport:%d", port),
		Label:     "honeyport_connection",
		Increment: honeyportIncrement,
		Timestamp: time.Now(),
	}

	d.mu.Lock()
	d.accumulateLocked(det.Increment)
	d.log = append(d.log, det)
	score := d.score
	d.mu.Unlock()

	d.logger.Warn().
		Int("port", port).
		Str("remote", remote).
		Int("score", score).
		Msg("Honeyport connection")
}

// Score returns the current accumulator value.
func (d *Detector) Score() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.score
}

// Level discretizes the score through the configured thresholds.
func (d *Detector) Level() Level {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.levelLocked()
}

func (d *Detector) levelLocked() Level {
	switch {
	case d.score >= d.cfg.HighThreshold:
		return LevelHigh
	case d.score >= d.cfg.MediumThreshold:
		return LevelMedium
	case d.score >= d.cfg.LowThreshold:
		return LevelLow
	default:
		return LevelNone
	}
}

// Restore seeds the accumulator and detection log from persisted state.
// Intended for startup only.
func (d *Detector) Restore(score int, detections []Detection) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if score < 0 {
		score = 0
	}
	if score > d.cfg.MaxScore {
		score = d.cfg.MaxScore
	}
	d.score = score
	d.log = append([]Detection(nil), detections...)
}

// Reset clears the accumulator and detection log. This is the only
// sanctioned way for the level to decrease.
func (d *Detector) Reset() {
	d.mu.Lock()
	d.score = 0
	d.log = nil
	d.mu.Unlock()
	d.logger.Info().Msg("Threat state reset")
}

// Snapshot returns the score and a copy of the full detection log.
func (d *Detector) Snapshot() (int, []Detection) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.score, append([]Detection(nil), d.log...)
}

// GetSummary returns a snapshot with the most recent detections.
func (d *Detector) GetSummary() Summary {
	d.mu.Lock()
	defer d.mu.Unlock()

	recent := d.log
	if len(recent) > 10 {
		recent = recent[len(recent)-10:]
	}

	return Summary{
		Score:      d.score,
		Level:      d.levelLocked().String(),
		Detections: len(d.log),
		Recent:     append([]Detection(nil), recent...),
	}
}
