// Package strategy decides how each tick's scene is produced: generated
// live, drawn from the forecast queue, randomized from templates, replayed
// from recent history, or synthesized as bait content.
package strategy

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"vantagesec.com/mirage/internal/content"
	"vantagesec.com/mirage/pkg/dsl"
	"vantagesec.com/mirage/pkg/protocol"
)

// Kind identifies a scene production strategy.
type Kind string

const (
	KindLiveGenerate  Kind = "live_generate"
	KindForecast      Kind = "forecast"
	KindTemplate      Kind = "template"
	KindCache         Kind = "cache"
	KindHoneytoken    Kind = "honeytoken"
	KindVulnerability Kind = "vulnerability"
	KindRefresh       Kind = "refresh"
)

// Kinds lists every strategy in dispatch order.
var Kinds = []Kind{
	KindLiveGenerate,
	KindForecast,
	KindTemplate,
	KindCache,
	KindHoneytoken,
	KindVulnerability,
	KindRefresh,
}

// fallbacks maps each strategy to the one tried when it cannot produce
// a scene. Template is the terminal fallback: it always produces.
var fallbacks = map[Kind]Kind{
	KindLiveGenerate:  KindTemplate,
	KindForecast:      KindTemplate,
	KindCache:         KindTemplate,
	KindHoneytoken:    KindTemplate,
	KindVulnerability: KindTemplate,
}

// Generator is the slice of the collaborator client the selector needs.
type Generator interface {
	GenerateScene(ctx context.Context, req protocol.SceneRequest) (*dsl.Scene, error)
	GenerateForecast(ctx context.Context, req protocol.SceneRequest, count int) ([]dsl.Scene, error)
	GenerateAssets(ctx context.Context, category string, count int, zone string) ([]string, error)
}

// NarrativeContext carries the per-tick context that shapes generation.
type NarrativeContext struct {
	Goal                string
	DayTask             string
	ThreatLevel         string
	FingerprintDetected bool
	RecentCommands      []string
}

// Config holds strategy weights and tuning.
type Config struct {
	// Weights drives the random strategy draw. Zero-weight strategies
	// are never selected directly (fallback may still reach Template).
	Weights map[Kind]float64 `yaml:"weights"`

	// ForecastBatch is how many scenes a forecast generation produces.
	ForecastBatch int `yaml:"forecast_batch" validate:"min=1,max=50"`

	// RefreshBatch is how many pool entries a refresh replenishes.
	RefreshBatch int `yaml:"refresh_batch" validate:"min=1,max=50"`

	// CacheWindow is how far back the cache strategy looks.
	CacheWindow int `yaml:"cache_window" validate:"min=1,max=200"`
}

// DefaultConfig returns the standard weight profile.
func DefaultConfig() Config {
	return Config{
		Weights: map[Kind]float64{
			KindLiveGenerate:  0.25,
			KindForecast:      0.25,
			KindTemplate:      0.20,
			KindCache:         0.10,
			KindHoneytoken:    0.07,
			KindVulnerability: 0.08,
			KindRefresh:       0.05,
		},
		ForecastBatch: 5,
		RefreshBatch:  5,
		CacheWindow:   30,
	}
}

// Validate checks and normalizes the weight table. Unknown strategy
// names and negative weights are rejected; a positive sum is rescaled
// to 1.
func (c *Config) Validate() error {
	if len(c.Weights) == 0 {
		return fmt.Errorf("no strategy weights configured")
	}

	sum := 0.0
	for kind, w := range c.Weights {
		known := false
		for _, k := range Kinds {
			if kind == k {
				known = true
				break
			}
		}
		if !known {
			return fmt.Errorf("unknown strategy %q in weights", kind)
		}
		if w < 0 {
			return fmt.Errorf("strategy %q has negative weight %f", kind, w)
		}
		sum += w
	}
	if sum <= 0 {
		return fmt.Errorf("strategy weights sum to %f, need a positive total", sum)
	}

	if math.Abs(sum-1.0) > 1e-9 {
		for kind := range c.Weights {
			c.Weights[kind] /= sum
		}
	}
	return nil
}

// Selector owns strategy selection and scene production for a tick.
type Selector struct {
	cfg    Config
	store  *content.Store
	gen    Generator
	tokens *TokenMinter
	rng    *rand.Rand
	logger zerolog.Logger
}

// New creates a selector. The config must have been validated.
func New(cfg Config, store *content.Store, gen Generator, tokens *TokenMinter,
	rng *rand.Rand, logger zerolog.Logger) *Selector {

	return &Selector{
		cfg:    cfg,
		store:  store,
		gen:    gen,
		tokens: tokens,
		rng:    rng,
		logger: logger.With().Str("component", "strategy").Logger(),
	}
}

// Pick draws a strategy from the weight table.
func (s *Selector) Pick() Kind {
	r := s.rng.Float64()
	acc := 0.0
	for _, kind := range Kinds {
		acc += s.cfg.Weights[kind]
		if r < acc {
			return kind
		}
	}
	// Rounding slack: the draw landed past the accumulated total.
	return KindTemplate
}

// Compose picks a strategy and produces the tick's scene, following the
// fallback table when the picked strategy cannot produce. The returned
// Kind is the strategy that actually produced the scene.
func (s *Selector) Compose(ctx context.Context, p *dsl.Persona, nctx NarrativeContext) (*dsl.Scene, Kind, error) {
	kind := s.Pick()

	for {
		scene, err := s.produce(ctx, kind, p, nctx)
		if err == nil {
			s.stamp(scene, p)
			return scene, kind, nil
		}

		next, ok := fallbacks[kind]
		if !ok {
			return nil, kind, fmt.Errorf("strategy %s failed with no fallback: %w", kind, err)
		}

		s.logger.Warn().
			Err(err).
			Str("strategy", string(kind)).
			Str("fallback", string(next)).
			Str("persona", p.Name).
			Msg("Strategy failed, falling back")
		kind = next
	}
}

// ComposeKind produces a scene with a caller-forced strategy, used by
// the -strategy flag and trigger-forced scenes.
func (s *Selector) ComposeKind(ctx context.Context, kind Kind, p *dsl.Persona, nctx NarrativeContext) (*dsl.Scene, Kind, error) {
	scene, err := s.produce(ctx, kind, p, nctx)
	if err != nil {
		if next, ok := fallbacks[kind]; ok {
			s.logger.Warn().
				Err(err).
				Str("strategy", string(kind)).
				Str("fallback", string(next)).
				Msg("Forced strategy failed, falling back")
			scene, err = s.produce(ctx, next, p, nctx)
			if err != nil {
				return nil, next, err
			}
			s.stamp(scene, p)
			return scene, next, nil
		}
		return nil, kind, err
	}
	s.stamp(scene, p)
	return scene, kind, nil
}

// stamp attributes a produced scene to its persona and assigns its
// identifier. Scenes popped from the forecast queue keep the identity
// they were generated with.
func (s *Selector) stamp(scene *dsl.Scene, p *dsl.Persona) {
	scene.Persona = p.Name
	if scene.ID == "" {
		scene.ID = uuid.New().String()
	}
}

func (s *Selector) produce(ctx context.Context, kind Kind, p *dsl.Persona, nctx NarrativeContext) (*dsl.Scene, error) {
	switch kind {
	case KindLiveGenerate:
		return s.liveGenerate(ctx, p, nctx)
	case KindForecast:
		return s.forecast(ctx, p)
	case KindTemplate:
		return s.template(p)
	case KindCache:
		return s.cacheReplay(ctx, p)
	case KindHoneytoken:
		return s.honeytoken(ctx, p)
	case KindVulnerability:
		return s.vulnerability(ctx, p)
	case KindRefresh:
		return s.refresh(ctx, p, nctx)
	default:
		return nil, fmt.Errorf("unknown strategy %q", kind)
	}
}

func (s *Selector) sceneRequest(p *dsl.Persona, nctx NarrativeContext) protocol.SceneRequest {
	return protocol.SceneRequest{
		Persona:             p.Name,
		Role:                p.Role,
		Skills:              p.Skills,
		Tools:               p.Tools,
		Zone:                defaultZone(p),
		NarrativeGoal:       nctx.Goal,
		DayTask:             nctx.DayTask,
		ThreatLevel:         nctx.ThreatLevel,
		RecentCommands:      nctx.RecentCommands,
		FingerprintDetected: nctx.FingerprintDetected,
	}
}

// liveGenerate asks the collaborator for a scene on the spot.
func (s *Selector) liveGenerate(ctx context.Context, p *dsl.Persona, nctx NarrativeContext) (*dsl.Scene, error) {
	return s.gen.GenerateScene(ctx, s.sceneRequest(p, nctx))
}

// forecast pops from the persona's pre-generated queue. An empty queue
// is a production failure, sending the tick to the template fallback;
// the refresh strategy is what refills the queue.
func (s *Selector) forecast(ctx context.Context, p *dsl.Persona) (*dsl.Scene, error) {
	return s.store.PopForecast(ctx, p.Name)
}

// cacheReplay rebuilds a routine scene out of the persona's recent
// successful commands. Repetition is the point: real engineers rerun
// the same status checks all day.
func (s *Selector) cacheReplay(ctx context.Context, p *dsl.Persona) (*dsl.Scene, error) {
	records, err := s.store.RecentHistory(ctx, p.Name, s.cfg.CacheWindow)
	if err != nil {
		return nil, err
	}

	var pool []string
	seen := map[string]bool{}
	for _, rec := range records {
		if rec.Status != "succeeded" || seen[rec.Command] {
			continue
		}
		seen[rec.Command] = true
		pool = append(pool, rec.Command)
	}
	if len(pool) == 0 {
		return nil, fmt.Errorf("no replayable history for %s", p.Name)
	}

	count := 2 + s.rng.Intn(3)
	if count > len(pool) {
		count = len(pool)
	}
	commands := make([]string, 0, count)
	for _, i := range s.rng.Perm(len(pool))[:count] {
		commands = append(commands, pool[i])
	}

	return &dsl.Scene{
		Name:     "Routine revisit",
		Category: dsl.CategoryRoutine,
		Zone:     defaultZone(p),
		Commands: commands,
	}, nil
}

// refresh performs store maintenance: it tops up the persona's forecast
// queue when it runs low, replenishes the breadcrumb pool, and yields an
// empty scene. The tick is recorded but nothing executes. Every failure
// here degrades to a no-op with a warning.
func (s *Selector) refresh(ctx context.Context, p *dsl.Persona, nctx NarrativeContext) (*dsl.Scene, error) {
	zone := defaultZone(p)

	depth, err := s.store.ForecastDepth(ctx, p.Name)
	if err != nil {
		s.logger.Warn().Err(err).Str("persona", p.Name).Msg("Cannot read forecast depth")
	} else if depth < s.cfg.ForecastBatch {
		scenes, err := s.gen.GenerateForecast(ctx, s.sceneRequest(p, nctx), s.cfg.ForecastBatch-depth)
		if err != nil {
			s.logger.Warn().Err(err).Str("persona", p.Name).Msg("Forecast refill failed")
		} else if accepted, err := s.store.PushForecastBatch(ctx, p.Name, scenes); err != nil {
			s.logger.Warn().Err(err).Str("persona", p.Name).Msg("Failed to queue forecast refill")
		} else {
			s.logger.Debug().Int("accepted", accepted).Str("persona", p.Name).Msg("Forecast queue refilled")
		}
	}

	bodies, err := s.gen.GenerateAssets(ctx, content.AssetBreadcrumb, s.cfg.RefreshBatch, zone)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Breadcrumb replenishment failed, refresh is a no-op")
	} else if err := s.store.AddAssets(ctx, content.AssetBreadcrumb, bodies); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to store replenished breadcrumbs")
	}

	return &dsl.Scene{
		Name:     "Content refresh",
		Category: dsl.CategoryMaintenance,
		Zone:     zone,
	}, nil
}

// defaultZone is where a persona works when no scene names one.
func defaultZone(p *dsl.Persona) string {
	return p.HomeDir + "/project"
}
