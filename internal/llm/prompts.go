package llm

import (
	"fmt"
	"strings"

	"vantagesec.com/mirage/pkg/dsl"
	"vantagesec.com/mirage/pkg/protocol"
)

// scenarioSystemPrompt defines the scene schema and constraints for the
// content collaborator.
const scenarioSystemPrompt = `You are simulating the shell activity of a real software engineer working
inside a Linux development environment. You generate "scenes": short, coherent
sequences of shell commands that a specific person would plausibly run while
working on their project.

## Output Format

Output ONLY valid JSON, no additional text. Either a single scene object or an
array of scene objects:

{
  "name": "<short descriptive name>",
  "category": "routine" | "variant" | "anomaly" | "responsive" | "maintenance",
  "zone": "<absolute directory path the commands run in>",
  "commands": ["<shell command>", "..."]
}

## Constraints

- Commands must be ordinary developer activity: editing, building, testing,
  git, grepping, reading logs. Never destructive operations (rm -rf outside
  the zone, mkfs, shutdown), never network attacks, never anything that
  would damage the host.
- 3 to 12 commands per scene. Commands run sequentially in the zone.
- Stay consistent with the persona's role, skills, and tools.
- Reference realistic file names that fit the ongoing project narrative.
- When the threat level is elevated, keep activity mundane and unremarkable.`

// narrativeSystemPrompt drives month-scale and week-scale planning.
const narrativeSystemPrompt = `You are planning the month-long storyline of a software project worked on by
simulated engineers. The storyline gives day-to-day shell activity a coherent
direction: features get designed, built, tested, and shipped over the month.

Output ONLY valid JSON, no additional text.

For a monthly arc:
{
  "goal": "<one-sentence project goal for the month>",
  "daily_tasks": {"1": "<coarse task>", "2": "<coarse task>", ...}
}

For a weekly plan:
{
  "theme": "<what the week is about>",
  "days": [{"day": <day-of-month>, "focus": "<specific task>"}, ...]
}

Tasks must be concrete, incremental, and plausible for the stated goal.`

// assetSystemPrompt drives pool replenishment (vulnerability command
// templates, breadcrumb bodies, honeytoken carriers).
const assetSystemPrompt = `You generate batches of content for a simulated development environment.
Output ONLY a JSON array of strings, no additional text. Each string is one
self-contained entry of the requested kind. Entries must be realistic but
inert: they must not perform destructive operations or real network attacks.`

// evolutionSystemPrompt drives incremental persona drift.
const evolutionSystemPrompt = `You evolve a simulated engineer's profile over time. Given their current
role, skills, and tools, output ONLY a JSON array of 1 to 3 strings: new
skills or tools this person would plausibly have picked up. Stay adjacent to
what they already know; no career changes.`

// repairSystemPrompt drives the failed-command repair flow.
const repairSystemPrompt = `A shell command run by a simulated engineer failed. Produce a corrected
command that accomplishes the same intent. Output ONLY a JSON object:

{"type": "command", "content": "<corrected shell command>"}

The correction must be a single safe command. If the failure suggests a
missing file, create or reference a plausible one. Never escalate
privileges and never perform destructive operations.`

// buildScenePrompt constructs the user prompt for live or forecast
// scene generation.
func buildScenePrompt(req protocol.SceneRequest, count int) string {
	var b strings.Builder

	fmt.Fprintf(&b, "## Persona\n\nName: %s\n", req.Persona)
	if req.Role != "" {
		fmt.Fprintf(&b, "Role: %s\n", req.Role)
	}
	if len(req.Skills) > 0 {
		fmt.Fprintf(&b, "Skills: %s\n", strings.Join(req.Skills, ", "))
	}
	if len(req.Tools) > 0 {
		fmt.Fprintf(&b, "Tools: %s\n", strings.Join(req.Tools, ", "))
	}
	fmt.Fprintf(&b, "Working directory: %s\n", req.Zone)

	b.WriteString("\n## Context\n\n")
	if req.NarrativeGoal != "" {
		fmt.Fprintf(&b, "Project goal this month: %s\n", req.NarrativeGoal)
	}
	if req.DayTask != "" {
		fmt.Fprintf(&b, "Today's focus: %s\n", req.DayTask)
	}
	fmt.Fprintf(&b, "Threat level: %s\n", req.ThreatLevel)
	if req.FingerprintDetected {
		b.WriteString("Note: keep activity especially mundane and unremarkable.\n")
	}

	if len(req.RecentCommands) > 0 {
		b.WriteString("\nRecent commands (oldest first), continue naturally from these:\n")
		for _, cmd := range req.RecentCommands {
			fmt.Fprintf(&b, "  %s\n", cmd)
		}
	}

	b.WriteString("\n## Task\n\n")
	if count <= 1 {
		b.WriteString("Generate ONE scene as a single JSON object.")
	} else {
		fmt.Fprintf(&b, "Generate %d distinct scenes as a JSON array, ordered as a plausible sequence of work sessions.", count)
	}

	return b.String()
}

// buildNarrativePrompt constructs the monthly arc prompt.
func buildNarrativePrompt(month string, personas []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Plan the project storyline for %s.\n", month)
	if len(personas) > 0 {
		fmt.Fprintf(&b, "Engineers on the project: %s.\n", strings.Join(personas, ", "))
	}
	b.WriteString("Generate the monthly arc JSON with a goal and coarse daily tasks for each day of the month.")
	return b.String()
}

// buildWeeklyPrompt constructs the week-expansion prompt.
func buildWeeklyPrompt(arc *dsl.NarrativeArc, week int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Project goal for %s: %s\n", arc.Month, arc.Goal)
	for _, prev := range arc.Weeks {
		fmt.Fprintf(&b, "Week %d theme (already planned): %s\n", prev.Week, prev.Theme)
	}
	fmt.Fprintf(&b, "\nGenerate the weekly plan JSON for week %d, continuing the storyline.", week)
	return b.String()
}

// buildAssetPrompt constructs a pool replenishment prompt.
func buildAssetPrompt(category string, count int, zone string) string {
	var b strings.Builder
	switch category {
	case "vuln":
		fmt.Fprintf(&b, "Generate %d shell commands that introduce realistic but harmless security "+
			"weaknesses into a project under %s: overly permissive chmod, weak key generation, "+
			"hardcoded test credentials written to config files, debug endpoints left enabled.", count, zone)
	case "breadcrumb":
		fmt.Fprintf(&b, "Generate %d short file bodies (notes, TODO lists, config fragments) that a "+
			"developer might leave around %s, each hinting at other interesting-sounding but "+
			"fictional systems or paths.", count, zone)
	default:
		fmt.Fprintf(&b, "Generate %d entries of kind %q for the project under %s.", count, category, zone)
	}
	b.WriteString("\nOutput a JSON array of strings.")
	return b.String()
}

// buildEvolutionPrompt constructs the persona drift prompt.
func buildEvolutionPrompt(p *dsl.Persona) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Persona: %s\n", p.Name)
	if p.Role != "" {
		fmt.Fprintf(&b, "Role: %s\n", p.Role)
	}
	fmt.Fprintf(&b, "Current skills: %s\n", strings.Join(p.Skills, ", "))
	fmt.Fprintf(&b, "Current tools: %s\n", strings.Join(p.Tools, ", "))
	b.WriteString("\nOutput a JSON array of 1 to 3 new skills or tools they have picked up.")
	return b.String()
}

// buildRepairPrompt constructs the repair prompt.
func buildRepairPrompt(req protocol.RepairRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Failed command:\n  %s\n\nError output:\n  %s\n", req.Command, req.ErrorText)
	if req.FileContext != "" {
		fmt.Fprintf(&b, "\nFiles present in the working directory:\n%s\n", req.FileContext)
	}
	b.WriteString("\nOutput the repair JSON object.")
	return b.String()
}
