// Package dsl defines the domain types shared across the Mirage deception engine:
// personas, scenes, triggers, and the narrative plan.
package dsl

import (
	"strings"
	"time"
)

// Category classifies a scene by its narrative role.
type Category string

const (
	CategoryRoutine     Category = "routine"
	CategoryVariant     Category = "variant"
	CategoryAnomaly     Category = "anomaly"
	CategoryResponsive  Category = "responsive"
	CategoryMaintenance Category = "maintenance"
)

// Categories lists every valid scene category.
var Categories = []Category{
	CategoryRoutine,
	CategoryVariant,
	CategoryAnomaly,
	CategoryResponsive,
	CategoryMaintenance,
}

// IsValidCategory reports whether c is a known category.
func IsValidCategory(c Category) bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// Scene is one unit of simulated activity: an ordered command sequence
// attributed to a single persona and executed inside a single zone
// (target directory). Scenes are consumed exactly once.
type Scene struct {
	// Unique identifier, assigned when the selector composes the scene
	ID string `json:"id,omitempty" yaml:"id,omitempty"`

	// Human-readable name
	Name string `json:"name" yaml:"name" validate:"required,min=1,max=255"`

	// Narrative category
	Category Category `json:"category" yaml:"category" validate:"required,oneof=routine variant anomaly responsive maintenance"`

	// Zone is the directory the commands run in, created on demand
	Zone string `json:"zone" yaml:"zone" validate:"required,min=1"`

	// Persona the scene is attributed to (may be filled in by the caller)
	Persona string `json:"persona,omitempty" yaml:"persona,omitempty"`

	// Ordered shell commands
	Commands []string `json:"commands" yaml:"commands" validate:"omitempty,max=50,dive,min=1"`
}

// Empty reports whether the scene carries no commands. Refresh-style
// maintenance yields empty scenes that are recorded but never executed.
func (s *Scene) Empty() bool {
	return s == nil || len(s.Commands) == 0
}

// WorkHours is a persona's daily activity window. Start == End means the
// persona is never in-window; Start > End wraps past midnight.
type WorkHours struct {
	Start int `json:"start" yaml:"start" validate:"min=0,max=23"`
	End   int `json:"end" yaml:"end" validate:"min=0,max=23"`
}

// Contains reports whether the hour of t falls inside the window.
func (w WorkHours) Contains(t time.Time) bool {
	h := t.Hour()
	if w.Start > w.End {
		return h >= w.Start || h < w.End
	}
	return h >= w.Start && h < w.End
}

// Persona is a simulated user identity. Personas are created at
// configuration load and mutated only by the evolution logic.
type Persona struct {
	Name        string    `json:"name" yaml:"name" validate:"required,min=1,max=64"`
	HomeDir     string    `json:"home_dir" yaml:"home_dir" validate:"required"`
	Role        string    `json:"role" yaml:"role"`
	WorkHours   WorkHours `json:"work_hours" yaml:"work_hours"`
	Probability float64   `json:"probability" yaml:"probability" validate:"min=0,max=1"`
	Skills      []string  `json:"skills" yaml:"skills"`
	Tools       []string  `json:"tools" yaml:"tools"`

	// Static scene templates available for template randomization
	Scenes []Scene `json:"scenes,omitempty" yaml:"scenes,omitempty"`

	// LastEvolution is the evolution-cooldown anchor; zero means never.
	LastEvolution time.Time `json:"last_evolution,omitempty" yaml:"last_evolution,omitempty"`
}

// Trigger is a cross-persona rule: when the source persona executes a
// command matching Pattern, Event is fired; the target persona consumes
// the event on a later tick and is forced into a scene matching
// SceneKeyword, bypassing its schedule.
type Trigger struct {
	Source       string `json:"source" yaml:"source" validate:"required"`
	Pattern      string `json:"pattern" yaml:"pattern" validate:"required,min=1"`
	Event        string `json:"event" yaml:"event" validate:"required,min=1"`
	Target       string `json:"target" yaml:"target" validate:"required"`
	SceneKeyword string `json:"scene_keyword" yaml:"scene_keyword" validate:"required,min=1"`
}

// MatchesSource reports whether the trigger watches commands from the
// named persona. A source of "any" watches everyone.
func (t Trigger) MatchesSource(persona string) bool {
	return t.Source == "any" || t.Source == persona
}

// MatchesCommand reports whether the command fires this trigger.
func (t Trigger) MatchesCommand(command string) bool {
	return strings.Contains(command, t.Pattern)
}
