package engine

import (
	"context"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"vantagesec.com/mirage/internal/content"
	"vantagesec.com/mirage/internal/metrics"
	"vantagesec.com/mirage/internal/strategy"
	"vantagesec.com/mirage/internal/timing"
	"vantagesec.com/mirage/pkg/dsl"
	"vantagesec.com/mirage/pkg/protocol"
)

// fakePlanner returns canned narrative structures.
type fakePlanner struct {
	evolveCalls int
}

func (f *fakePlanner) GenerateNarrative(ctx context.Context, month string, personas []string) (*dsl.NarrativeArc, error) {
	return &dsl.NarrativeArc{Goal: "Ship the reporting dashboard"}, nil
}

func (f *fakePlanner) GenerateWeeklyPlan(ctx context.Context, arc *dsl.NarrativeArc, week int) (*dsl.WeekPlan, error) {
	return &dsl.WeekPlan{Theme: "Backend wiring"}, nil
}

func (f *fakePlanner) EvolvePersona(ctx context.Context, p *dsl.Persona) ([]string, error) {
	f.evolveCalls++
	return []string{"profiling"}, nil
}

func setupEngine(t *testing.T, personas []*dsl.Persona, triggers []dsl.Trigger) (*Engine, *content.Store) {
	t.Helper()

	dir := t.TempDir()
	rng := rand.New(rand.NewSource(11))

	storeCfg := content.DefaultConfig()
	storeCfg.Path = filepath.Join(dir, "content.db")
	storeCfg.EnableWAL = false
	storeCfg.EvolutionChance = 0 // evolution off unless a test opts in
	store, err := content.New(context.Background(), storeCfg, rng, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	narrative := content.NewNarrativeStore(filepath.Join(dir, "narrative.json"), zerolog.Nop())
	detector := setupDetector(t)

	// Template-only strategy keeps ticks collaborator-free.
	selCfg := strategy.DefaultConfig()
	selCfg.Weights = map[strategy.Kind]float64{strategy.KindTemplate: 1.0}
	if err := selCfg.Validate(); err != nil {
		t.Fatal(err)
	}
	tokens, err := strategy.NewTokenMinter(store, rng)
	if err != nil {
		t.Fatal(err)
	}
	selector := strategy.New(selCfg, store, sceneOnlyGenerator{}, tokens, rng, zerolog.Nop())

	injector := strategy.NewInjector(strategy.NoiseConfig{}, rng)

	// No off-hours anomalies: inactive test personas must stay silent.
	timingCfg := timing.DefaultConfig()
	timingCfg.OffHoursRate = 0
	model := timing.New(timingCfg, rng)

	executor := NewExecutor(DefaultExecutorConfig(), NewNoopRunner(), nil, store, detector, model, true, zerolog.Nop())

	eng := New(DefaultConfig(), personas, triggers, model, selector, injector,
		executor, store, narrative, &fakePlanner{}, detector, metrics.New(), rng, zerolog.Nop())
	eng.now = func() time.Time {
		return time.Date(2026, time.August, 25, 10, 0, 0, 0, time.UTC)
	}
	return eng, store
}

// sceneOnlyGenerator satisfies strategy.Generator for forced live
// generation during trigger responses.
type sceneOnlyGenerator struct{}

func (sceneOnlyGenerator) GenerateScene(ctx context.Context, req protocol.SceneRequest) (*dsl.Scene, error) {
	return &dsl.Scene{
		Name:     "Investigate incident",
		Category: dsl.CategoryRoutine,
		Zone:     "/tmp/incident",
		Commands: []string{"tail -100 server.log", "systemctl status app"},
	}, nil
}

func (sceneOnlyGenerator) GenerateForecast(ctx context.Context, req protocol.SceneRequest, count int) ([]dsl.Scene, error) {
	return nil, context.Canceled
}

func (sceneOnlyGenerator) GenerateAssets(ctx context.Context, category string, count int, zone string) ([]string, error) {
	return nil, context.Canceled
}

func inactivePersona(name string) *dsl.Persona {
	return &dsl.Persona{
		Name:        name,
		HomeDir:     "/home/" + name,
		WorkHours:   dsl.WorkHours{Start: 0, End: 0}, // never in-window
		Probability: 0,
	}
}

func TestTick_InactivePersonaDoesNothing(t *testing.T) {
	p := inactivePersona("dev_alice")
	eng, store := setupEngine(t, []*dsl.Persona{p}, nil)

	eng.Tick(context.Background())

	records, err := store.RecentHistory(context.Background(), "dev_alice", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 0 {
		t.Errorf("Inactive persona executed %d commands", len(records))
	}
}

func TestTick_TriggeredPersonaBypassesGate(t *testing.T) {
	p := inactivePersona("sys_bob")
	triggers := []dsl.Trigger{{
		Source:       "dev_alice",
		Pattern:      "git push",
		Event:        "deploy_started",
		Target:       "sys_bob",
		SceneKeyword: "check deployment",
	}}
	eng, store := setupEngine(t, []*dsl.Persona{p}, triggers)
	ctx := context.Background()

	if err := store.FireEvent(ctx, "deploy_started", "dev_alice"); err != nil {
		t.Fatal(err)
	}

	eng.Tick(ctx)

	records, err := store.RecentHistory(ctx, "sys_bob", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) == 0 {
		t.Fatal("Triggered persona did not execute a responsive scene")
	}

	// The event is consumed: a second tick stays quiet.
	eng.Tick(ctx)
	after, err := store.RecentHistory(ctx, "sys_bob", 20)
	if err != nil {
		t.Fatal(err)
	}
	if len(after) != len(records) {
		t.Errorf("Event consumed more than once: %d then %d records", len(records), len(after))
	}
}

func TestTick_SourceCommandFiresTriggerEvent(t *testing.T) {
	p := &dsl.Persona{
		Name:        "dev_alice",
		HomeDir:     "/home/dev_alice",
		WorkHours:   dsl.WorkHours{Start: 0, End: 23},
		Probability: 1.0,
		Scenes: []dsl.Scene{{
			Name:     "Push release",
			Category: dsl.CategoryRoutine,
			Commands: []string{"git push origin main"},
		}},
	}
	triggers := []dsl.Trigger{{
		Source:       "dev_alice",
		Pattern:      "git push",
		Event:        "deploy_started",
		Target:       "sys_bob",
		SceneKeyword: "check deployment",
	}}
	eng, store := setupEngine(t, []*dsl.Persona{p}, triggers)
	ctx := context.Background()

	eng.Tick(ctx)

	active, err := store.ActiveEvents(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 || active[0] != "deploy_started" {
		t.Errorf("Expected deploy_started fired, got %v", active)
	}
}

func TestTick_PersistsThreatState(t *testing.T) {
	p := &dsl.Persona{
		Name:        "dev_alice",
		HomeDir:     "/home/dev_alice",
		WorkHours:   dsl.WorkHours{Start: 0, End: 23},
		Probability: 1.0,
		Scenes: []dsl.Scene{{
			Name:     "Poke around",
			Category: dsl.CategoryAnomaly,
			Commands: []string{"cat /proc/self/exe"},
		}},
	}
	eng, store := setupEngine(t, []*dsl.Persona{p}, nil)
	ctx := context.Background()

	eng.Tick(ctx)

	score, _, err := store.LoadThreatState(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if score == 0 {
		t.Error("Threat state was not persisted after the tick")
	}
}

func TestRunOnce_StopsAfterSingleTick(t *testing.T) {
	p := inactivePersona("dev_alice")
	eng, _ := setupEngine(t, []*dsl.Persona{p}, nil)

	done := make(chan error, 1)
	go func() { done <- eng.RunOnce(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("RunOnce failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("RunOnce did not return")
	}
}
