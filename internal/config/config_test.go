package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"vantagesec.com/mirage/internal/strategy"
	"vantagesec.com/mirage/pkg/dsl"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mirage.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	return path
}

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default config failed validation: %v", err)
	}
	if len(cfg.Personas) != 3 {
		t.Errorf("Expected 3 default personas, got %d", len(cfg.Personas))
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/mirage.yaml")
	if err == nil {
		t.Fatal("Expected error for missing file")
	}
	var cerr *ConfigurationError
	if !errors.As(err, &cerr) {
		t.Errorf("Expected ConfigurationError, got %T", err)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
database:
  path: /var/lib/mirage/state.db
server:
  port: 9090
loop:
  min_sleep: 10s
  max_sleep: 20s
threat:
  low_threshold: 2
  medium_threshold: 6
  high_threshold: 12
  max_score: 50
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Database.Path != "/var/lib/mirage/state.db" {
		t.Errorf("Database path not applied: %s", cfg.Database.Path)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Server port not applied: %d", cfg.Server.Port)
	}
	if cfg.Threat.MediumThreshold != 6 {
		t.Errorf("Threat threshold not applied: %d", cfg.Threat.MediumThreshold)
	}
	// Untouched sections keep their defaults.
	if cfg.Collaborator.Model == "" {
		t.Error("Collaborator defaults lost")
	}
}

func TestLoadRejectsBadThresholds(t *testing.T) {
	path := writeConfigFile(t, `
threat:
  low_threshold: 5
  medium_threshold: 3
  high_threshold: 10
  max_score: 100
`)
	if _, err := Load(path); err == nil {
		t.Fatal("Expected validation error for inverted thresholds")
	}
}

func TestLoadRejectsInvertedSleep(t *testing.T) {
	path := writeConfigFile(t, `
loop:
  min_sleep: 5m
  max_sleep: 30s
`)
	if _, err := Load(path); err == nil {
		t.Fatal("Expected validation error for max_sleep < min_sleep")
	}
}

func TestValidateRejectsDuplicatePersonas(t *testing.T) {
	cfg := Default()
	cfg.Personas = append(cfg.Personas, cfg.Personas[0])
	if err := cfg.Validate(); err == nil {
		t.Fatal("Expected error for duplicate persona name")
	}
}

func TestValidateRejectsDanglingTrigger(t *testing.T) {
	cfg := Default()
	cfg.Triggers = append(cfg.Triggers, dsl.Trigger{
		Source:       "ghost",
		Pattern:      "rm",
		Event:        "x",
		Target:       "dev_alice",
		SceneKeyword: "investigate",
	})
	if err := cfg.Validate(); err == nil {
		t.Fatal("Expected error for unknown trigger source")
	}
}

func TestValidateAllowsAnyTrigger(t *testing.T) {
	cfg := Default()
	cfg.Triggers = []dsl.Trigger{{
		Source:       "any",
		Pattern:      "git push",
		Event:        "push_seen",
		Target:       "any",
		SceneKeyword: "review recent changes",
	}}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Trigger with any source/target should validate: %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MIRAGE_DB_PATH", "/tmp/env.db")
	t.Setenv("MIRAGE_API_PORT", "7070")
	t.Setenv("MIRAGE_COLLABORATOR_URL", "http://collab:9000")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Database.Path != "/tmp/env.db" {
		t.Errorf("MIRAGE_DB_PATH not applied: %s", cfg.Database.Path)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("MIRAGE_API_PORT not applied: %d", cfg.Server.Port)
	}
	if cfg.Collaborator.BaseURL != "http://collab:9000" {
		t.Errorf("MIRAGE_COLLABORATOR_URL not applied: %s", cfg.Collaborator.BaseURL)
	}
}

func TestApplyProfile(t *testing.T) {
	cfg := Default()

	if err := cfg.ApplyProfile("quiet"); err != nil {
		t.Fatalf("ApplyProfile failed: %v", err)
	}
	if cfg.Strategy.Weights[strategy.KindLiveGenerate] != 0 {
		t.Error("Quiet profile should not include live generation")
	}
	if cfg.Strategy.Weights[strategy.KindTemplate] == 0 {
		t.Error("Quiet profile should weight templates")
	}

	if err := cfg.ApplyProfile("nonsense"); err == nil {
		t.Fatal("Expected error for unknown profile")
	}
}

func TestPersonaScenesNeedNoZone(t *testing.T) {
	// Template scenes carry a zone placeholder filled at selection
	// time, so config validation must not require one.
	cfg := Default()
	cfg.Personas[0].Scenes = []dsl.Scene{{
		Name:     "Custom",
		Category: dsl.CategoryRoutine,
		Commands: []string{"ls"},
	}}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Persona scene without zone should validate: %v", err)
	}
}
