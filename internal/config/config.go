// Package config loads, defaults, and validates the engine's complete
// configuration: YAML file, environment overrides, then a single
// validation pass that refuses to start on any inconsistency.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"vantagesec.com/mirage/internal/api"
	"vantagesec.com/mirage/internal/content"
	"vantagesec.com/mirage/internal/engine"
	"vantagesec.com/mirage/internal/honeyport"
	"vantagesec.com/mirage/internal/llm"
	"vantagesec.com/mirage/internal/strategy"
	"vantagesec.com/mirage/internal/threat"
	"vantagesec.com/mirage/internal/timing"
	"vantagesec.com/mirage/pkg/dsl"
)

// ConfigurationError is a fatal startup problem: the process must not
// enter the loop with a configuration it could not validate.
type ConfigurationError struct {
	Field string
	Cause error
}

func (e *ConfigurationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid configuration (%s): %v", e.Field, e.Cause)
	}
	return fmt.Sprintf("invalid configuration: %v", e.Cause)
}

func (e *ConfigurationError) Unwrap() error { return e.Cause }

// Logging holds log output settings.
type Logging struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=trace debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=json console"`
}

// Config is the complete engine configuration.
type Config struct {
	Logging      Logging               `yaml:"logging"`
	Server       api.Config            `yaml:"server"`
	Database     content.Config        `yaml:"database"`
	Collaborator llm.Config            `yaml:"collaborator"`
	Loop         engine.Config         `yaml:"loop"`
	Executor     engine.ExecutorConfig `yaml:"executor"`
	Timing       timing.Config         `yaml:"timing"`
	Threat       threat.Config         `yaml:"threat"`
	Strategy     strategy.Config       `yaml:"strategy"`
	Noise        strategy.NoiseConfig  `yaml:"noise"`
	Honeyport    honeyport.Config      `yaml:"honeyport"`

	// NarrativePath is where the narrative arc document lives.
	NarrativePath string `yaml:"narrative_path" validate:"required"`

	// Personas and Triggers define the simulated population. Empty
	// lists fall back to the built-in defaults.
	Personas []dsl.Persona `yaml:"personas" validate:"dive"`
	Triggers []dsl.Trigger `yaml:"triggers" validate:"dive"`
}

// Default returns a configuration with every subsystem at its defaults
// and the built-in persona population.
func Default() Config {
	return Config{
		Logging:       Logging{Level: "info", Format: "json"},
		Server:        api.DefaultConfig(),
		Database:      content.DefaultConfig(),
		Collaborator:  llm.DefaultConfig(),
		Loop:          engine.DefaultConfig(),
		Executor:      engine.DefaultExecutorConfig(),
		Timing:        timing.DefaultConfig(),
		Threat:        threat.DefaultConfig(),
		Strategy:      strategy.DefaultConfig(),
		Noise:         strategy.DefaultNoiseConfig(),
		Honeyport:     honeyport.DefaultConfig(),
		NarrativePath: "narrative.json",
		Personas:      DefaultPersonas(),
		Triggers:      DefaultTriggers(),
	}
}

// Load builds the configuration: defaults, then the optional YAML file,
// then environment overrides, then validation. Any failure is a
// ConfigurationError.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &ConfigurationError{Field: "file", Cause: err}
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, &ConfigurationError{Field: "file", Cause: err}
		}
	}

	applyEnvOverrides(&cfg)

	if len(cfg.Personas) == 0 {
		cfg.Personas = DefaultPersonas()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate runs struct-tag validation plus the cross-field checks the
// tags cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return &ConfigurationError{Cause: err}
	}
	if err := c.Threat.Validate(); err != nil {
		return &ConfigurationError{Field: "threat", Cause: err}
	}
	if err := c.Strategy.Validate(); err != nil {
		return &ConfigurationError{Field: "strategy", Cause: err}
	}
	if err := c.Loop.Validate(); err != nil {
		return &ConfigurationError{Field: "loop", Cause: err}
	}

	names := map[string]bool{}
	for _, p := range c.Personas {
		if names[p.Name] {
			return &ConfigurationError{Field: "personas", Cause: fmt.Errorf("duplicate persona %q", p.Name)}
		}
		names[p.Name] = true
	}
	for _, tr := range c.Triggers {
		if tr.Source != "any" && !names[tr.Source] {
			return &ConfigurationError{Field: "triggers", Cause: fmt.Errorf("trigger source %q is not a persona", tr.Source)}
		}
		if tr.Target != "any" && !names[tr.Target] {
			return &ConfigurationError{Field: "triggers", Cause: fmt.Errorf("trigger target %q is not a persona", tr.Target)}
		}
	}

	return nil
}

// ApplyProfile replaces the strategy weights with a named profile.
func (c *Config) ApplyProfile(name string) error {
	profile, ok := Profiles[name]
	if !ok {
		return &ConfigurationError{Field: "strategy", Cause: fmt.Errorf("unknown strategy profile %q", name)}
	}

	weights := make(map[strategy.Kind]float64, len(profile))
	for kind, w := range profile {
		weights[kind] = w
	}
	c.Strategy.Weights = weights
	return c.Strategy.Validate()
}

// Profiles are the named strategy weight presets selectable with the
// -strategy flag.
var Profiles = map[string]map[strategy.Kind]float64{
	"balanced": strategy.DefaultConfig().Weights,
	"quiet": {
		strategy.KindTemplate: 0.50,
		strategy.KindCache:    0.35,
		strategy.KindRefresh:  0.15,
	},
	"aggressive": {
		strategy.KindLiveGenerate:  0.35,
		strategy.KindForecast:      0.20,
		strategy.KindHoneytoken:    0.20,
		strategy.KindVulnerability: 0.20,
		strategy.KindRefresh:       0.05,
	},
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MIRAGE_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("MIRAGE_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("MIRAGE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("MIRAGE_COLLABORATOR_URL"); v != "" {
		cfg.Collaborator.BaseURL = v
	}
	if v := os.Getenv("MIRAGE_COLLABORATOR_KEY"); v != "" {
		cfg.Collaborator.APIKey = v
	}
	if v := os.Getenv("MIRAGE_NARRATIVE_PATH"); v != "" {
		cfg.NarrativePath = v
	}
}

// DefaultPersonas is the built-in population used when no personas are
// configured: two humans on offset schedules and one service account.
func DefaultPersonas() []dsl.Persona {
	return []dsl.Persona{
		{
			Name:        "dev_alice",
			HomeDir:     "/home/dev_alice",
			Role:        "backend engineer",
			WorkHours:   dsl.WorkHours{Start: 9, End: 18},
			Probability: 0.6,
			Skills:      []string{"go", "python", "postgres"},
			Tools:       []string{"git", "make", "docker", "vim"},
			Scenes: []dsl.Scene{
				{
					Name:     "Morning review",
					Category: dsl.CategoryRoutine,
					Commands: []string{"git pull --rebase", "git log --oneline -15", "make test"},
				},
				{
					Name:     "Debug session",
					Category: dsl.CategoryVariant,
					Commands: []string{"grep -rn ERROR logs/", "tail -100 logs/app.log", "git diff"},
				},
			},
		},
		{
			Name:        "sys_bob",
			HomeDir:     "/home/sys_bob",
			Role:        "sysadmin",
			WorkHours:   dsl.WorkHours{Start: 7, End: 16},
			Probability: 0.4,
			Skills:      []string{"bash", "ansible", "nginx"},
			Tools:       []string{"systemctl", "journalctl", "htop"},
			Scenes: []dsl.Scene{
				{
					Name:     "Service sweep",
					Category: dsl.CategoryMaintenance,
					Commands: []string{"df -h", "free -m", "uptime"},
				},
				{
					Name:     "Log rotation check",
					Category: dsl.CategoryMaintenance,
					Commands: []string{"ls -la /var/log", "du -sh /var/log", "tail -20 /var/log/syslog"},
				},
			},
		},
		{
			Name:        "svc_ci",
			HomeDir:     "/home/svc_ci",
			Role:        "ci runner",
			WorkHours:   dsl.WorkHours{Start: 22, End: 6},
			Probability: 0.8,
			Skills:      []string{"ci"},
			Tools:       []string{"git", "make"},
			Scenes: []dsl.Scene{
				{
					Name:     "Nightly build",
					Category: dsl.CategoryRoutine,
					Commands: []string{"git fetch --all", "git checkout main", "make clean build", "make test"},
				},
			},
		},
	}
}

// DefaultTriggers wires the built-in population's cause and effect.
func DefaultTriggers() []dsl.Trigger {
	return []dsl.Trigger{
		{
			Source:       "dev_alice",
			Pattern:      "git push",
			Event:        "deploy_started",
			Target:       "sys_bob",
			SceneKeyword: "verify the deployment and service health",
		},
		{
			Source:       "svc_ci",
			Pattern:      "make test",
			Event:        "nightly_finished",
			Target:       "dev_alice",
			SceneKeyword: "review the nightly build results",
		},
	}
}
