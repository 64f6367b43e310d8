package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"vantagesec.com/mirage/internal/content"
	"vantagesec.com/mirage/internal/metrics"
	"vantagesec.com/mirage/internal/strategy"
	"vantagesec.com/mirage/internal/threat"
	"vantagesec.com/mirage/internal/timing"
	"vantagesec.com/mirage/pkg/dsl"
)

// Planner is the slice of the collaborator client the loop needs for
// narrative work and persona drift.
type Planner interface {
	GenerateNarrative(ctx context.Context, month string, personas []string) (*dsl.NarrativeArc, error)
	GenerateWeeklyPlan(ctx context.Context, arc *dsl.NarrativeArc, week int) (*dsl.WeekPlan, error)
	EvolvePersona(ctx context.Context, p *dsl.Persona) ([]string, error)
}

// Config holds loop tuning.
type Config struct {
	// MinSleep and MaxSleep bound the jittered inter-tick pause.
	MinSleep time.Duration `yaml:"min_sleep" validate:"min=1s"`
	MaxSleep time.Duration `yaml:"max_sleep" validate:"min=1s"`

	// HistoryWindow is how many recent commands feed generation context.
	HistoryWindow int `yaml:"history_window" validate:"min=1,max=100"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MinSleep:      30 * time.Second,
		MaxSleep:      5 * time.Minute,
		HistoryWindow: 10,
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.MaxSleep < c.MinSleep {
		return fmt.Errorf("max_sleep %s is below min_sleep %s", c.MaxSleep, c.MinSleep)
	}
	return nil
}

// Engine is the orchestration loop.
type Engine struct {
	cfg       Config
	personas  []*dsl.Persona
	triggers  []dsl.Trigger
	model     *timing.Model
	selector  *strategy.Selector
	injector  *strategy.Injector
	executor  *Executor
	store     *content.Store
	narrative *content.NarrativeStore
	planner   Planner
	detector  *threat.Detector
	metrics   *metrics.Metrics
	rng       *rand.Rand
	now       func() time.Time
	logger    zerolog.Logger
}

// New creates the engine. Personas are kept in stable name order so a
// tick visits them deterministically.
func New(cfg Config, personas []*dsl.Persona, triggers []dsl.Trigger,
	model *timing.Model, selector *strategy.Selector, injector *strategy.Injector,
	executor *Executor, store *content.Store, narrative *content.NarrativeStore,
	planner Planner, detector *threat.Detector, m *metrics.Metrics,
	rng *rand.Rand, logger zerolog.Logger) *Engine {

	sorted := make([]*dsl.Persona, len(personas))
	copy(sorted, personas)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	return &Engine{
		cfg:       cfg,
		personas:  sorted,
		triggers:  triggers,
		model:     model,
		selector:  selector,
		injector:  injector,
		executor:  executor,
		store:     store,
		narrative: narrative,
		planner:   planner,
		detector:  detector,
		metrics:   m,
		rng:       rng,
		now:       time.Now,
		logger:    logger.With().Str("component", "engine").Logger(),
	}
}

// Run drives ticks until the context is cancelled. The persona being
// processed when cancellation arrives completes its scene; the loop
// then persists state and returns.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info().Int("personas", len(e.personas)).Msg("Starting deception loop")

	if err := e.restoreThreatState(ctx); err != nil {
		return err
	}

	for {
		e.Tick(ctx)

		if ctx.Err() != nil {
			e.logger.Info().Msg("Deception loop stopping")
			e.persistThreatState()
			return nil
		}

		sleep := e.cfg.MinSleep + time.Duration(e.rng.Int63n(int64(e.cfg.MaxSleep-e.cfg.MinSleep)+1))
		e.logger.Debug().Dur("sleep", sleep).Msg("Tick complete")

		select {
		case <-ctx.Done():
			e.logger.Info().Msg("Deception loop stopping")
			e.persistThreatState()
			return nil
		case <-time.After(sleep):
		}
	}
}

// RunOnce performs a single tick, for the -once mode.
func (e *Engine) RunOnce(ctx context.Context) error {
	if err := e.restoreThreatState(ctx); err != nil {
		return err
	}
	e.Tick(ctx)
	e.persistThreatState()
	return nil
}

// Tick visits every persona once. Per-persona failures are logged and
// never abort the tick; only cancellation stops the walk.
func (e *Engine) Tick(ctx context.Context) {
	now := e.now()
	e.metrics.TickStarted()

	for _, p := range e.personas {
		if ctx.Err() != nil {
			return
		}
		if err := e.tickPersona(ctx, p, now); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			e.logger.Error().Err(err).Str("persona", p.Name).Msg("Persona tick failed")
		}
	}

	for _, p := range e.personas {
		if depth, err := e.store.ForecastDepth(ctx, p.Name); err == nil {
			e.metrics.SetForecastDepth(p.Name, depth)
		}
	}

	e.metrics.SetThreat(e.detector.Score(), int(e.detector.Level()))
	e.persistThreatState()
}

func (e *Engine) tickPersona(ctx context.Context, p *dsl.Persona, now time.Time) error {
	forcedKeyword, triggered, err := e.consumeTrigger(ctx, p)
	if err != nil {
		return err
	}

	// Triggered personas bypass the schedule gate: the event demands a
	// response regardless of work hours.
	if !triggered && !e.model.IsActive(p, now) {
		return nil
	}

	nctx, err := e.buildContext(ctx, p, now)
	if err != nil {
		e.metrics.CollaboratorError()
		e.logger.Warn().Err(err).Str("persona", p.Name).Msg("Narrative context degraded")
	}

	var scene *dsl.Scene
	var kind strategy.Kind
	if triggered {
		nctx.DayTask = "Respond to ongoing incident: " + forcedKeyword
		scene, kind, err = e.selector.ComposeKind(ctx, strategy.KindLiveGenerate, p, nctx)
		if err == nil {
			scene.Category = dsl.CategoryResponsive
		}
	} else {
		scene, kind, err = e.selector.Compose(ctx, p, nctx)
	}
	if err != nil {
		return fmt.Errorf("failed to compose scene: %w", err)
	}

	scene.Commands = e.injector.Apply(scene.Commands)
	e.metrics.SceneComposed(string(kind), p.Name)

	result, err := e.executor.ExecuteScene(ctx, p, scene)
	if err != nil {
		return err
	}
	e.metrics.CommandsFinished(p.Name, result.Succeeded, result.Failed)

	repairs := 0
	for _, out := range result.Outcomes {
		repairs += out.Attempts - 1
	}
	if repairs > 0 {
		e.metrics.RepairsAttempted(repairs)
	}

	e.fireTriggers(ctx, p, scene)

	if err := e.maybeEvolve(ctx, p, now); err != nil {
		e.logger.Warn().Err(err).Str("persona", p.Name).Msg("Evolution attempt failed")
	}

	return nil
}

// buildContext resolves the narrative day focus and threat posture for
// scene generation. Narrative failures degrade to an empty context.
func (e *Engine) buildContext(ctx context.Context, p *dsl.Persona, now time.Time) (strategy.NarrativeContext, error) {
	nctx := strategy.NarrativeContext{
		ThreatLevel:         e.detector.Level().String(),
		FingerprintDetected: e.detector.Level() >= threat.LevelMedium,
	}

	recent, err := e.store.RecentCommands(ctx, p.Name, e.cfg.HistoryWindow)
	if err == nil {
		nctx.RecentCommands = recent
	}

	names := make([]string, len(e.personas))
	for i, per := range e.personas {
		names[i] = per.Name
	}

	arc, err := e.narrative.GetOrCreate(ctx, now, func(ctx context.Context, month string) (*dsl.NarrativeArc, error) {
		return e.planner.GenerateNarrative(ctx, month, names)
	})
	if err != nil {
		return nctx, err
	}

	day := now.Day()
	if err := e.narrative.EnsureWeek(ctx, arc, day, e.planner.GenerateWeeklyPlan); err != nil {
		e.logger.Warn().Err(err).Msg("Weekly plan unavailable, using coarse tasks")
	}
	if err := e.adaptiveCheck(ctx, arc, day); err != nil {
		e.logger.Warn().Err(err).Msg("Adaptive re-plan failed")
	}

	nctx.Goal = arc.Goal
	nctx.DayTask = arc.DayFocus(day)
	return nctx, nil
}

// adaptiveCheck re-plans the current week every fifth simulated day, so
// the storyline reacts to how the month has actually gone.
func (e *Engine) adaptiveCheck(ctx context.Context, arc *dsl.NarrativeArc, day int) error {
	if day%5 != 0 {
		return nil
	}

	marker := strconv.Itoa(day)
	last, err := e.store.GetProjectValue(ctx, "adaptive_check_day")
	if err != nil || last == marker {
		return err
	}

	week := (day-1)/7 + 1
	plan, err := e.planner.GenerateWeeklyPlan(ctx, arc, week)
	if err != nil {
		return err
	}
	plan.Week = week

	replaced := false
	for i := range arc.Weeks {
		if arc.Weeks[i].Week == week {
			arc.Weeks[i] = *plan
			replaced = true
			break
		}
	}
	if !replaced {
		arc.Weeks = append(arc.Weeks, *plan)
	}

	if err := e.narrative.Save(arc); err != nil {
		return err
	}
	if err := e.store.SetProjectValue(ctx, "adaptive_check_day", marker); err != nil {
		return err
	}

	e.logger.Info().Int("day", day).Int("week", week).Msg("Adaptive re-plan applied")
	return nil
}

// consumeTrigger checks whether any trigger targeting this persona has
// a fired event waiting. Consuming removes the event for everyone.
func (e *Engine) consumeTrigger(ctx context.Context, p *dsl.Persona) (string, bool, error) {
	for _, tr := range e.triggers {
		if tr.Target != p.Name && tr.Target != "any" {
			continue
		}
		consumed, err := e.store.ConsumeEvent(ctx, tr.Event)
		if err != nil {
			return "", false, err
		}
		if consumed {
			e.logger.Info().
				Str("persona", p.Name).
				Str("event", tr.Event).
				Str("keyword", tr.SceneKeyword).
				Msg("Trigger consumed, forcing responsive scene")
			return tr.SceneKeyword, true, nil
		}
	}
	return "", false, nil
}

// fireTriggers matches the executed commands against source triggers
// and enqueues their events.
func (e *Engine) fireTriggers(ctx context.Context, p *dsl.Persona, scene *dsl.Scene) {
	for _, tr := range e.triggers {
		if !tr.MatchesSource(p.Name) {
			continue
		}
		for _, cmd := range scene.Commands {
			if !tr.MatchesCommand(cmd) {
				continue
			}
			if err := e.store.FireEvent(ctx, tr.Event, p.Name); err != nil {
				e.logger.Warn().Err(err).Str("event", tr.Event).Msg("Failed to fire trigger event")
			} else {
				e.logger.Info().
					Str("source", p.Name).
					Str("event", tr.Event).
					Str("target", tr.Target).
					Msg("Trigger event fired")
			}
			break
		}
	}
}

// maybeEvolve rolls the persona's evolution and, when it fires, applies
// collaborator-suggested drift to skills and tools.
func (e *Engine) maybeEvolve(ctx context.Context, p *dsl.Persona, now time.Time) error {
	evolved, err := e.store.TryEvolvePersona(ctx, p, now)
	if err != nil || !evolved {
		return err
	}

	additions, err := e.planner.EvolvePersona(ctx, p)
	if err != nil {
		return err
	}

	p.Skills = append(p.Skills, additions...)
	e.logger.Info().
		Str("persona", p.Name).
		Strs("additions", additions).
		Msg("Persona evolved")
	return nil
}

func (e *Engine) restoreThreatState(ctx context.Context) error {
	score, detections, err := e.store.LoadThreatState(ctx)
	if err != nil {
		return fmt.Errorf("failed to restore threat state: %w", err)
	}
	e.detector.Restore(score, detections)
	return nil
}

func (e *Engine) persistThreatState() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	score, detections := e.detector.Snapshot()
	if err := e.store.SaveThreatState(ctx, score, detections); err != nil {
		e.logger.Error().Err(err).Msg("Failed to persist threat state")
	}
}
