package strategy

import (
	"math/rand"
	"strings"
)

// NoiseConfig tunes the human-imperfection layer applied to scenes
// before execution.
type NoiseConfig struct {
	// NavChance is the probability of a navigation prelude.
	NavChance float64 `yaml:"nav_chance" validate:"min=0,max=1"`

	// StatusChance is the per-gap probability of a status check.
	StatusChance float64 `yaml:"status_chance" validate:"min=0,max=1"`

	// TypoChance is the probability of one mistyped command.
	TypoChance float64 `yaml:"typo_chance" validate:"min=0,max=1"`
}

// DefaultNoiseConfig returns the standard imperfection rates.
func DefaultNoiseConfig() NoiseConfig {
	return NoiseConfig{
		NavChance:    0.5,
		StatusChance: 0.15,
		TypoChance:   0.2,
	}
}

// navPrelude commands a person runs when settling into a directory.
var navPrelude = []string{
	"pwd",
	"ls",
	"ls -la",
	"git status",
}

// statusChecks are the anxious mid-work glances at state.
var statusChecks = []string{
	"git status",
	"ls",
	"date",
	"git diff --stat",
}

// Injector layers human imperfection over a scene's command list.
type Injector struct {
	cfg NoiseConfig
	rng *rand.Rand
}

// NewInjector creates an injector.
func NewInjector(cfg NoiseConfig, rng *rand.Rand) *Injector {
	return &Injector{cfg: cfg, rng: rng}
}

// Apply returns a new command list with noise layered in. The original
// commands always survive, in order: noise only ever inserts, and a
// mistyped command is always followed by its corrected form.
func (inj *Injector) Apply(commands []string) []string {
	if len(commands) == 0 {
		return commands
	}

	out := make([]string, 0, len(commands)+4)

	if inj.rng.Float64() < inj.cfg.NavChance {
		out = append(out, navPrelude[inj.rng.Intn(len(navPrelude))])
	}

	// At most one typo per scene.
	typoAt := -1
	if inj.rng.Float64() < inj.cfg.TypoChance {
		typoAt = inj.rng.Intn(len(commands))
	}

	for i, cmd := range commands {
		if i > 0 && inj.rng.Float64() < inj.cfg.StatusChance {
			out = append(out, statusChecks[inj.rng.Intn(len(statusChecks))])
		}
		if i == typoAt {
			if typo := inj.mistype(cmd); typo != cmd {
				out = append(out, typo)
			}
		}
		out = append(out, cmd)
	}

	return out
}

// mistype corrupts a command the way fingers do: a swapped adjacent
// pair or a dropped character, in the first word only.
func (inj *Injector) mistype(cmd string) string {
	fields := strings.SplitN(cmd, " ", 2)
	word := fields[0]
	if len(word) < 3 {
		return cmd
	}

	chars := []byte(word)
	if inj.rng.Intn(2) == 0 {
		i := inj.rng.Intn(len(chars) - 1)
		chars[i], chars[i+1] = chars[i+1], chars[i]
	} else {
		i := inj.rng.Intn(len(chars))
		chars = append(chars[:i], chars[i+1:]...)
	}

	mistyped := string(chars)
	if len(fields) == 2 {
		mistyped += " " + fields[1]
	}
	return mistyped
}
