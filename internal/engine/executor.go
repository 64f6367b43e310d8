// Package engine drives the deception loop: it schedules personas,
// composes their scenes, executes commands with bounded repair retries,
// and feeds every observation back into the threat and content state.
package engine

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"vantagesec.com/mirage/internal/content"
	"vantagesec.com/mirage/internal/threat"
	"vantagesec.com/mirage/pkg/dsl"
)

// Status is a command attempt's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// maxAttempts bounds a command's execution attempts: the original run
// plus repaired retries. The final failure is the single terminal one.
const maxAttempts = 3

// CommandRunner executes one shell command inside a zone directory.
type CommandRunner interface {
	Run(ctx context.Context, command, dir string) (output string, err error)
}

// Repairer produces a replacement for a failed command.
type Repairer interface {
	Repair(ctx context.Context, command, errText, fileContext string) (string, error)
}

// TimestampSource synthesizes believable inter-event timestamps for the
// history ledger and shell history, so recorded activity follows the
// persona's simulated cadence rather than the loop's wall-clock bursts.
type TimestampSource interface {
	NextTimestamp(previous time.Time, p *dsl.Persona) time.Time
}

// NewShellRunner returns the live runner: /bin/sh -c with a per-command
// timeout, working directory set to the zone.
func NewShellRunner(timeout time.Duration) CommandRunner {
	return &shellRunner{timeout: timeout}
}

type shellRunner struct {
	timeout time.Duration
}

func (r *shellRunner) Run(ctx context.Context, command, dir string) (string, error) {
	runCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", command)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// NewNoopRunner returns the dry-run runner: every command succeeds with
// empty output and no side effects on the host.
func NewNoopRunner() CommandRunner {
	return noopRunner{}
}

type noopRunner struct{}

func (noopRunner) Run(ctx context.Context, command, dir string) (string, error) {
	return "", nil
}

// ExecutorConfig holds execution tuning.
type ExecutorConfig struct {
	// CommandTimeout bounds each individual command.
	CommandTimeout time.Duration `yaml:"command_timeout" validate:"min=1s"`

	// WriteBashHistory mirrors executed commands into the persona's
	// .bash_history with epoch timestamp lines.
	WriteBashHistory bool `yaml:"write_bash_history"`

	// MaxOutputBytes truncates stored command output.
	MaxOutputBytes int `yaml:"max_output_bytes" validate:"min=256"`
}

// DefaultExecutorConfig returns sensible defaults.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		CommandTimeout:   2 * time.Minute,
		WriteBashHistory: true,
		MaxOutputBytes:   8192,
	}
}

// Executor runs scenes command by command. Regardless of the runner in
// use, every attempt lands in the history ledger and the threat
// detector: the deception record is identical in dry-run and live mode.
type Executor struct {
	cfg       ExecutorConfig
	runner    CommandRunner
	repairer  Repairer
	store     *content.Store
	detector  *threat.Detector
	clock     TimestampSource
	lastStamp map[string]time.Time
	dryRun    bool
	logger    zerolog.Logger
}

// NewExecutor creates an executor. A nil repairer disables repair:
// failures go terminal on the first attempt's error. A nil clock stamps
// records with wall-clock time.
func NewExecutor(cfg ExecutorConfig, runner CommandRunner, repairer Repairer,
	store *content.Store, detector *threat.Detector, clock TimestampSource,
	dryRun bool, logger zerolog.Logger) *Executor {

	return &Executor{
		cfg:       cfg,
		runner:    runner,
		repairer:  repairer,
		store:     store,
		detector:  detector,
		clock:     clock,
		lastStamp: make(map[string]time.Time),
		dryRun:    dryRun,
		logger:    logger.With().Str("component", "executor").Logger(),
	}
}

// CommandOutcome summarizes one command's terminal state.
type CommandOutcome struct {
	Command  string
	Status   Status
	Attempts int
}

// SceneResult summarizes a scene execution.
type SceneResult struct {
	Scene     string
	Persona   string
	Outcomes  []CommandOutcome
	Succeeded int
	Failed    int
}

// ExecuteScene runs a scene's commands sequentially. A command that
// fails all its attempts is recorded as terminally failed and the scene
// moves on to the next command; only context cancellation aborts early.
func (e *Executor) ExecuteScene(ctx context.Context, p *dsl.Persona, scene *dsl.Scene) (*SceneResult, error) {
	result := &SceneResult{Scene: scene.Name, Persona: p.Name}

	if scene.Empty() {
		e.logger.Debug().
			Str("persona", p.Name).
			Str("scene", scene.Name).
			Msg("Scene carries no commands, nothing to execute")
		return result, nil
	}

	if !e.dryRun {
		if err := os.MkdirAll(scene.Zone, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create zone %s: %w", scene.Zone, err)
		}
	}

	e.logger.Info().
		Str("persona", p.Name).
		Str("scene", scene.Name).
		Str("zone", scene.Zone).
		Int("commands", len(scene.Commands)).
		Bool("dry_run", e.dryRun).
		Msg("Executing scene")

	for _, command := range scene.Commands {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		outcome := e.runWithRepair(ctx, p, scene, command)
		result.Outcomes = append(result.Outcomes, outcome)
		if outcome.Status == StatusSucceeded {
			result.Succeeded++
		} else {
			result.Failed++
		}
	}

	return result, nil
}

// runWithRepair drives one command through its attempt budget. Every
// attempt, successful or not, is observed by the threat detector and
// appended to the ledger.
func (e *Executor) runWithRepair(ctx context.Context, p *dsl.Persona, scene *dsl.Scene, command string) CommandOutcome {
	current := command

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		stamp := e.nextStamp(p)
		e.detector.Observe(current)
		e.appendBashHistory(p, current, stamp)

		output, runErr := e.runner.Run(ctx, current, scene.Zone)
		if len(output) > e.cfg.MaxOutputBytes {
			output = output[:e.cfg.MaxOutputBytes]
		}

		status := StatusSucceeded
		if runErr != nil {
			status = StatusFailed
		}

		rec := &content.ExecutionRecord{
			Persona:   p.Name,
			Scene:     scene.Name,
			Command:   current,
			Status:    string(status),
			Attempt:   attempt,
			Output:    output,
			Timestamp: stamp,
		}
		if err := e.store.AppendHistory(ctx, rec); err != nil {
			e.logger.Error().Err(err).Msg("Failed to append history record")
		}

		if runErr == nil {
			e.recordProjectTouch(ctx, current)
			return CommandOutcome{Command: current, Status: StatusSucceeded, Attempts: attempt}
		}

		e.logger.Warn().
			Str("persona", p.Name).
			Str("command", current).
			Int("attempt", attempt).
			Err(runErr).
			Msg("Command failed")

		if attempt == maxAttempts || e.repairer == nil || ctx.Err() != nil {
			return CommandOutcome{Command: current, Status: StatusFailed, Attempts: attempt}
		}

		repaired, err := e.repairer.Repair(ctx, current, runErr.Error()+"\n"+output, e.zoneListing(scene.Zone))
		if err != nil {
			e.logger.Warn().Err(err).Msg("Repair failed, giving up on command")
			return CommandOutcome{Command: current, Status: StatusFailed, Attempts: attempt}
		}
		current = repaired
	}

	return CommandOutcome{Command: current, Status: StatusFailed, Attempts: maxAttempts}
}

// nextStamp advances the persona's simulated clock by one synthesized
// gap. The first stamp anchors on wall-clock time; everything after
// follows the timing model's cadence.
func (e *Executor) nextStamp(p *dsl.Persona) time.Time {
	if e.clock == nil {
		return time.Now()
	}

	prev, ok := e.lastStamp[p.Name]
	if !ok {
		prev = time.Now()
	}
	next := e.clock.NextTimestamp(prev, p)
	e.lastStamp[p.Name] = next
	return next
}

// appendBashHistory mirrors a command into the persona's shell history
// with the epoch line bash itself writes under HISTTIMEFORMAT.
func (e *Executor) appendBashHistory(p *dsl.Persona, command string, stamp time.Time) {
	if e.dryRun || !e.cfg.WriteBashHistory {
		return
	}

	path := filepath.Join(p.HomeDir, ".bash_history")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		e.logger.Debug().Err(err).Str("path", path).Msg("Cannot append bash history")
		return
	}
	defer f.Close()

	fmt.Fprintf(f, "#%d\n%s\n", stamp.Unix(), command)
}

// recordProjectTouch keeps the virtual project index roughly in sync by
// recognizing the common file-creating command shapes.
func (e *Executor) recordProjectTouch(ctx context.Context, command string) {
	var path string
	switch {
	case strings.HasPrefix(command, "touch "):
		path = firstField(strings.TrimPrefix(command, "touch "))
	case strings.HasPrefix(command, "mkdir "):
		path = firstField(strings.TrimPrefix(strings.TrimPrefix(command, "mkdir "), "-p "))
	case strings.Contains(command, ">"):
		idx := strings.LastIndex(command, ">")
		path = firstField(command[idx+1:])
	}
	if path == "" {
		return
	}

	if err := e.store.RecordFileTouch(ctx, path, command); err != nil {
		e.logger.Debug().Err(err).Str("path", path).Msg("Failed to record file touch")
	}
}

// zoneListing produces the repair collaborator's file context. Dry runs
// have no zone on disk, so the listing is empty there.
func (e *Executor) zoneListing(zone string) string {
	if e.dryRun {
		return ""
	}
	entries, err := os.ReadDir(zone)
	if err != nil {
		return ""
	}

	var b strings.Builder
	for i, entry := range entries {
		if i >= 50 {
			break
		}
		fmt.Fprintf(&b, "  %s\n", entry.Name())
	}
	return b.String()
}

func firstField(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return strings.Trim(fields[0], "'\"")
}
