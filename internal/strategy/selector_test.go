package strategy

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"vantagesec.com/mirage/internal/content"
	"vantagesec.com/mirage/pkg/dsl"
	"vantagesec.com/mirage/pkg/protocol"
)

// fakeGenerator is a canned collaborator for selector tests.
type fakeGenerator struct {
	scene       *dsl.Scene
	forecast    []dsl.Scene
	assets      []string
	sceneErr    error
	forecastErr error
	assetErr    error
	calls       map[string]int
}

func (f *fakeGenerator) record(op string) {
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[op]++
}

func (f *fakeGenerator) GenerateScene(ctx context.Context, req protocol.SceneRequest) (*dsl.Scene, error) {
	f.record("scene")
	if f.sceneErr != nil {
		return nil, f.sceneErr
	}
	return f.scene, nil
}

func (f *fakeGenerator) GenerateForecast(ctx context.Context, req protocol.SceneRequest, count int) ([]dsl.Scene, error) {
	f.record("forecast")
	if f.forecastErr != nil {
		return nil, f.forecastErr
	}
	return f.forecast, nil
}

func (f *fakeGenerator) GenerateAssets(ctx context.Context, category string, count int, zone string) ([]string, error) {
	f.record("assets")
	if f.assetErr != nil {
		return nil, f.assetErr
	}
	return f.assets, nil
}

func setupSelector(t *testing.T, cfg Config, gen Generator) (*Selector, *content.Store) {
	t.Helper()

	storeCfg := content.DefaultConfig()
	storeCfg.Path = filepath.Join(t.TempDir(), "content.db")
	storeCfg.EnableWAL = false

	rng := rand.New(rand.NewSource(7))
	store, err := content.New(context.Background(), storeCfg, rng, zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Config validation failed: %v", err)
	}

	tokens, err := NewTokenMinter(store, rng)
	if err != nil {
		t.Fatal(err)
	}

	return New(cfg, store, gen, tokens, rng, zerolog.Nop()), store
}

func testPersona() *dsl.Persona {
	return &dsl.Persona{
		Name:        "dev_alice",
		HomeDir:     "/home/dev_alice",
		Role:        "backend engineer",
		Probability: 0.5,
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		weights map[Kind]float64
		wantErr bool
	}{
		{"defaults", DefaultConfig().Weights, false},
		{"empty", map[Kind]float64{}, true},
		{"negative", map[Kind]float64{KindTemplate: -0.5, KindCache: 1.5}, true},
		{"zero sum", map[Kind]float64{KindTemplate: 0, KindCache: 0}, true},
		{"unknown strategy", map[Kind]float64{"teleport": 1.0}, true},
		{"unnormalized", map[Kind]float64{KindTemplate: 2.0, KindCache: 2.0}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Weights = tt.weights
			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Error("Expected validation error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
		})
	}
}

func TestConfigValidate_Normalizes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Weights = map[Kind]float64{KindTemplate: 3.0, KindCache: 1.0}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if got := cfg.Weights[KindTemplate]; got < 0.74 || got > 0.76 {
		t.Errorf("Expected normalized weight 0.75, got %f", got)
	}
}

func TestPick_RespectsWeights(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Weights = map[Kind]float64{
		KindTemplate: 0.8,
		KindCache:    0.2,
	}
	sel, _ := setupSelector(t, cfg, &fakeGenerator{})

	counts := map[Kind]int{}
	for i := 0; i < 10000; i++ {
		counts[sel.Pick()]++
	}

	if counts[KindLiveGenerate] != 0 || counts[KindHoneytoken] != 0 {
		t.Errorf("Zero-weight strategies were picked: %v", counts)
	}
	ratio := float64(counts[KindTemplate]) / 10000
	if ratio < 0.77 || ratio > 0.83 {
		t.Errorf("Template pick ratio %f outside expected band", ratio)
	}
}

func TestCompose_LiveGenerate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Weights = map[Kind]float64{KindLiveGenerate: 1.0}
	gen := &fakeGenerator{scene: &dsl.Scene{
		Name: "Fix flaky test", Category: dsl.CategoryRoutine,
		Zone: "/home/dev_alice/project", Commands: []string{"go test ./..."},
	}}
	sel, _ := setupSelector(t, cfg, gen)

	scene, kind, err := sel.Compose(context.Background(), testPersona(), NarrativeContext{ThreatLevel: "none"})
	if err != nil {
		t.Fatalf("Compose failed: %v", err)
	}
	if kind != KindLiveGenerate {
		t.Errorf("Expected live_generate, got %s", kind)
	}
	if scene.Persona != "dev_alice" {
		t.Errorf("Persona not stamped onto scene: %q", scene.Persona)
	}
}

func TestCompose_FallsBackToTemplate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Weights = map[Kind]float64{KindLiveGenerate: 1.0}
	gen := &fakeGenerator{sceneErr: fmt.Errorf("collaborator down")}
	sel, _ := setupSelector(t, cfg, gen)

	scene, kind, err := sel.Compose(context.Background(), testPersona(), NarrativeContext{})
	if err != nil {
		t.Fatalf("Expected template fallback, got error: %v", err)
	}
	if kind != KindTemplate {
		t.Errorf("Expected template fallback, got %s", kind)
	}
	if scene.Empty() {
		t.Error("Fallback scene has no commands")
	}
}

func TestCompose_ForecastPopsQueuedScene(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Weights = map[Kind]float64{KindForecast: 1.0}
	gen := &fakeGenerator{}
	sel, store := setupSelector(t, cfg, gen)
	ctx := context.Background()

	queued := dsl.Scene{Name: "queued", Category: dsl.CategoryRoutine, Zone: "/tmp/z", Commands: []string{"make"}}
	if _, err := store.PushForecastBatch(ctx, "dev_alice", []dsl.Scene{queued}); err != nil {
		t.Fatal(err)
	}

	scene, kind, err := sel.Compose(ctx, testPersona(), NarrativeContext{})
	if err != nil {
		t.Fatal(err)
	}
	if kind != KindForecast {
		t.Errorf("Expected forecast, got %s", kind)
	}
	if scene.Name != "queued" {
		t.Errorf("Expected queued scene, got %s", scene.Name)
	}
	if gen.calls["forecast"] != 0 {
		t.Errorf("Collaborator called while queue was non-empty")
	}
}

func TestCompose_ForecastFallsBackToTemplateOnEmptyQueue(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Weights = map[Kind]float64{KindForecast: 1.0}
	gen := &fakeGenerator{forecast: []dsl.Scene{
		{Name: "live-generated", Category: dsl.CategoryRoutine, Zone: "/tmp/z", Commands: []string{"ls"}},
	}}
	sel, _ := setupSelector(t, cfg, gen)

	// An empty queue never triggers inline generation, even with a
	// healthy collaborator: the tick degrades to a template scene and
	// refilling stays the refresh strategy's job.
	scene, kind, err := sel.Compose(context.Background(), testPersona(), NarrativeContext{})
	if err != nil {
		t.Fatal(err)
	}
	if kind != KindTemplate {
		t.Errorf("Expected template fallback on empty queue, got %s", kind)
	}
	if scene.Empty() {
		t.Error("Fallback scene has no commands")
	}
	if gen.calls["forecast"] != 0 {
		t.Errorf("Collaborator called on the forecast path: %v", gen.calls)
	}
}

func TestCompose_HoneytokenMintsUnique(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Weights = map[Kind]float64{KindHoneytoken: 1.0}
	sel, store := setupSelector(t, cfg, &fakeGenerator{})
	ctx := context.Background()

	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		scene, kind, err := sel.Compose(ctx, testPersona(), NarrativeContext{})
		if err != nil {
			t.Fatalf("Compose %d failed: %v", i, err)
		}
		if kind != KindHoneytoken {
			t.Fatalf("Expected honeytoken, got %s", kind)
		}

		token := extractToken(t, scene.Commands)
		if seen[token] {
			t.Fatalf("Token %s emitted twice", token)
		}
		seen[token] = true

		recorded, err := store.HoneytokenSeen(ctx, token)
		if err != nil {
			t.Fatal(err)
		}
		if !recorded {
			t.Errorf("Token %s not recorded in ledger", token)
		}
	}
}

// extractToken pulls the credential literal out of a planted command.
func extractToken(t *testing.T, commands []string) string {
	t.Helper()
	prefixes := []string{"AIzaSy", "ghp_", "sk_live_", "AKIA"}
	for _, cmd := range commands {
		for _, field := range strings.FieldsFunc(cmd, func(r rune) bool {
			return r == '=' || r == ' ' || r == '\'' || r == '\\'
		}) {
			for _, p := range prefixes {
				if strings.HasPrefix(field, p) {
					return field
				}
			}
		}
	}
	t.Fatalf("No token found in %v", commands)
	return ""
}

func TestCompose_VulnerabilityStaysInZone(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Weights = map[Kind]float64{KindVulnerability: 1.0}
	sel, store := setupSelector(t, cfg, &fakeGenerator{})
	ctx := context.Background()

	// Poisoned pool entry must be rejected in favor of an error, which
	// falls back to template.
	if err := store.ReplaceAssets(ctx, content.AssetVuln, []string{"rm -rf / --no-preserve-root"}); err != nil {
		t.Fatal(err)
	}
	_, kind, err := sel.Compose(ctx, testPersona(), NarrativeContext{})
	if err != nil {
		t.Fatal(err)
	}
	if kind != KindTemplate {
		t.Errorf("Expected fallback to template for poisoned pool, got %s", kind)
	}

	// A sane pool entry is planted as-is.
	if err := store.ReplaceAssets(ctx, content.AssetVuln, []string{"chmod 777 {{zone}}/uploads"}); err != nil {
		t.Fatal(err)
	}
	scene, kind, err := sel.Compose(ctx, testPersona(), NarrativeContext{})
	if err != nil {
		t.Fatal(err)
	}
	if kind != KindVulnerability {
		t.Fatalf("Expected vulnerability, got %s", kind)
	}
	found := false
	for _, cmd := range scene.Commands {
		if strings.Contains(cmd, "chmod 777 /home/dev_alice/project/uploads") {
			found = true
		}
	}
	if !found {
		t.Errorf("Zone placeholder not substituted: %v", scene.Commands)
	}
}

func TestCompose_RefreshYieldsEmptyScene(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Weights = map[Kind]float64{KindRefresh: 1.0}
	gen := &fakeGenerator{
		assets: []string{"note-1", "note-2"},
		forecast: []dsl.Scene{
			{Name: "plan-1", Category: dsl.CategoryRoutine, Zone: "/tmp/z", Commands: []string{"ls"}},
			{Name: "plan-2", Category: dsl.CategoryRoutine, Zone: "/tmp/z", Commands: []string{"pwd"}},
		},
	}
	sel, store := setupSelector(t, cfg, gen)
	ctx := context.Background()

	scene, kind, err := sel.Compose(ctx, testPersona(), NarrativeContext{})
	if err != nil {
		t.Fatal(err)
	}
	if kind != KindRefresh {
		t.Fatalf("Expected refresh, got %s", kind)
	}
	if !scene.Empty() {
		t.Errorf("Refresh scene must carry no commands, got %v", scene.Commands)
	}

	n, err := store.AssetCount(ctx, content.AssetBreadcrumb)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("Expected breadcrumb pool replenished to 2, got %d", n)
	}

	// Maintenance also tops up the forecast queue.
	depth, err := store.ForecastDepth(ctx, "dev_alice")
	if err != nil {
		t.Fatal(err)
	}
	if depth != 2 {
		t.Errorf("Expected forecast queue refilled to 2, got %d", depth)
	}
	if gen.calls["forecast"] != 1 {
		t.Errorf("Expected one refill generation, got %v", gen.calls)
	}
}

func TestCompose_RefreshSkipsRefillWhenQueueIsWarm(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Weights = map[Kind]float64{KindRefresh: 1.0}
	cfg.ForecastBatch = 1
	gen := &fakeGenerator{assets: []string{"note-1"}}
	sel, store := setupSelector(t, cfg, gen)
	ctx := context.Background()

	queued := dsl.Scene{Name: "queued", Category: dsl.CategoryRoutine, Zone: "/tmp/z", Commands: []string{"make"}}
	if _, err := store.PushForecastBatch(ctx, "dev_alice", []dsl.Scene{queued}); err != nil {
		t.Fatal(err)
	}

	if _, _, err := sel.Compose(ctx, testPersona(), NarrativeContext{}); err != nil {
		t.Fatal(err)
	}
	if gen.calls["forecast"] != 0 {
		t.Errorf("Refill ran against a warm queue: %v", gen.calls)
	}
}

func TestCompose_AssignsSceneID(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Weights = map[Kind]float64{KindTemplate: 1.0}
	sel, _ := setupSelector(t, cfg, &fakeGenerator{})

	scene, _, err := sel.Compose(context.Background(), testPersona(), NarrativeContext{})
	if err != nil {
		t.Fatal(err)
	}
	if scene.ID == "" {
		t.Error("Composed scene has no ID")
	}

	other, _, err := sel.Compose(context.Background(), testPersona(), NarrativeContext{})
	if err != nil {
		t.Fatal(err)
	}
	if other.ID == scene.ID {
		t.Errorf("Scene IDs must be unique, got %s twice", scene.ID)
	}
}

func TestCompose_CacheReplaysHistory(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Weights = map[Kind]float64{KindCache: 1.0}
	sel, store := setupSelector(t, cfg, &fakeGenerator{})
	ctx := context.Background()

	// No history yet: cache falls back to template.
	_, kind, err := sel.Compose(ctx, testPersona(), NarrativeContext{})
	if err != nil {
		t.Fatal(err)
	}
	if kind != KindTemplate {
		t.Errorf("Expected template fallback with empty history, got %s", kind)
	}

	for i := 0; i < 5; i++ {
		err := store.AppendHistory(ctx, &content.ExecutionRecord{
			Persona: "dev_alice", Scene: "seed", Status: "succeeded", Attempt: 1,
			Command: fmt.Sprintf("git log --oneline -%d", i+1),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	scene, kind, err := sel.Compose(ctx, testPersona(), NarrativeContext{})
	if err != nil {
		t.Fatal(err)
	}
	if kind != KindCache {
		t.Fatalf("Expected cache, got %s", kind)
	}
	for _, cmd := range scene.Commands {
		if !strings.HasPrefix(cmd, "git log --oneline") {
			t.Errorf("Replayed command not from history: %s", cmd)
		}
	}
}
