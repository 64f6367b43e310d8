package strategy

import (
	"fmt"
	"strings"

	"vantagesec.com/mirage/pkg/dsl"
)

// builtinTemplates cover personas configured without scene templates.
// Zone placeholders are substituted at selection time.
var builtinTemplates = []dsl.Scene{
	{
		Name:     "Morning catch-up",
		Category: dsl.CategoryRoutine,
		Commands: []string{
			"git status",
			"git pull --rebase",
			"git log --oneline -10",
			"ls -la",
		},
	},
	{
		Name:     "Build and test",
		Category: dsl.CategoryRoutine,
		Commands: []string{
			"make build",
			"make test",
			"tail -20 test.log",
		},
	},
	{
		Name:     "Log review",
		Category: dsl.CategoryMaintenance,
		Commands: []string{
			"df -h",
			"du -sh {{zone}}",
			"grep -c ERROR app.log",
			"tail -50 app.log",
		},
	},
	{
		Name:     "Dependency check",
		Category: dsl.CategoryMaintenance,
		Commands: []string{
			"cat README.md",
			"grep -rn TODO . | head -20",
			"wc -l *.py *.go *.js 2>/dev/null",
		},
	},
	{
		Name:     "Branch housekeeping",
		Category: dsl.CategoryVariant,
		Commands: []string{
			"git branch -a",
			"git stash list",
			"git diff --stat",
		},
	},
}

// template randomizes a scene from the persona's configured templates,
// falling back to the builtin set. Randomization trims a random tail so
// repeated template draws do not produce identical ledger runs.
func (s *Selector) template(p *dsl.Persona) (*dsl.Scene, error) {
	pool := p.Scenes
	if len(pool) == 0 {
		pool = builtinTemplates
	}

	src := pool[s.rng.Intn(len(pool))]
	zone := src.Zone
	if zone == "" {
		zone = defaultZone(p)
	}

	commands := make([]string, len(src.Commands))
	for i, cmd := range src.Commands {
		commands[i] = strings.ReplaceAll(cmd, "{{zone}}", zone)
	}

	// Keep at least two commands; occasionally drop the tail.
	if len(commands) > 2 && s.rng.Float64() < 0.4 {
		keep := 2 + s.rng.Intn(len(commands)-1)
		if keep < len(commands) {
			commands = commands[:keep]
		}
	}

	if len(commands) == 0 {
		return nil, fmt.Errorf("template %q has no commands", src.Name)
	}

	return &dsl.Scene{
		Name:     src.Name,
		Category: src.Category,
		Zone:     zone,
		Commands: commands,
	}, nil
}
