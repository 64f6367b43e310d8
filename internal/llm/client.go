// Package llm provides the HTTP client for the content-generation and
// repair collaborators, plus the parsing layer that turns their free-form
// text output into validated scenes, plans, and commands.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"vantagesec.com/mirage/pkg/dsl"
	"vantagesec.com/mirage/pkg/protocol"
)

// Config holds collaborator client configuration.
type Config struct {
	BaseURL        string        `yaml:"base_url" validate:"required,url"`
	APIKey         string        `yaml:"api_key"`
	Model          string        `yaml:"model" validate:"required"`
	MaxTokens      int           `yaml:"max_tokens" validate:"min=1"`
	Temperature    float64       `yaml:"temperature" validate:"min=0,max=2"`
	RequestTimeout time.Duration `yaml:"request_timeout" validate:"min=1s"`
	MaxAttempts    int           `yaml:"max_attempts" validate:"min=1,max=10"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL:        "http://localhost:8081",
		Model:          "claude-sonnet-4-20250514",
		MaxTokens:      4096,
		Temperature:    0.7,
		RequestTimeout: 60 * time.Second,
		MaxAttempts:    3,
	}
}

// CollaboratorError is a terminal collaborator failure: all transport
// attempts exhausted, or a response the parser rejected. Callers fall
// back to degraded strategies rather than fabricating content.
type CollaboratorError struct {
	Op    string
	Cause error
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("collaborator %s failed: %v", e.Op, e.Cause)
}

func (e *CollaboratorError) Unwrap() error { return e.Cause }

// Client talks to the generation collaborator over HTTP.
type Client struct {
	cfg        Config
	httpClient *http.Client
	parser     *Parser
	rng        *rand.Rand
	logger     zerolog.Logger
}

// New creates a collaborator client.
func New(cfg Config, rng *rand.Rand, logger zerolog.Logger) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		parser: NewParser(),
		rng:    rng,
		logger: logger.With().Str("component", "llm").Logger(),
	}
}

// Generate sends a prompt and returns the raw text response. Transient
// failures are retried with exponential backoff up to MaxAttempts.
func (c *Client) Generate(ctx context.Context, system, prompt string) (string, error) {
	req := protocol.GenerateRequest{
		Model:       c.cfg.Model,
		System:      system,
		Prompt:      prompt,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			backoff := time.Duration(1<<uint(attempt-2)) * time.Second
			backoff += time.Duration(c.rng.Intn(500)) * time.Millisecond
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
		}

		text, err := c.generateOnce(ctx, req)
		if err == nil {
			return text, nil
		}
		lastErr = err
		c.logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Msg("Generation attempt failed")

		if ctx.Err() != nil {
			return "", ctx.Err()
		}
	}

	return "", &CollaboratorError{Op: "generate", Cause: lastErr}
}

func (c *Client) generateOnce(ctx context.Context, genReq protocol.GenerateRequest) (string, error) {
	jsonData, err := json.Marshal(genReq)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.cfg.BaseURL+"/v1/generate", bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("collaborator returned %d: %s", resp.StatusCode, string(body))
	}

	var genResp protocol.GenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&genResp); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if strings.TrimSpace(genResp.Text) == "" {
		return "", fmt.Errorf("collaborator returned empty text")
	}

	return genResp.Text, nil
}

// ============================================================
// Content generation
// ============================================================

// GenerateScene produces a single scene for the persona's current
// context. The parse fails closed: malformed output is an error, never
// a partially-trusted scene.
func (c *Client) GenerateScene(ctx context.Context, req protocol.SceneRequest) (*dsl.Scene, error) {
	text, err := c.Generate(ctx, scenarioSystemPrompt, buildScenePrompt(req, 1))
	if err != nil {
		return nil, err
	}

	scenes, err := c.parser.ParseScenes(text)
	if err != nil {
		return nil, &CollaboratorError{Op: "scene parse", Cause: err}
	}

	scene := &scenes[0]
	scene.Persona = req.Persona
	if scene.Zone == "" {
		scene.Zone = req.Zone
	}
	return scene, nil
}

// GenerateForecast produces a batch of scenes for the persona's queue.
func (c *Client) GenerateForecast(ctx context.Context, req protocol.SceneRequest, count int) ([]dsl.Scene, error) {
	if count < 1 {
		count = 1
	}

	text, err := c.Generate(ctx, scenarioSystemPrompt, buildScenePrompt(req, count))
	if err != nil {
		return nil, err
	}

	scenes, err := c.parser.ParseScenes(text)
	if err != nil {
		return nil, &CollaboratorError{Op: "forecast parse", Cause: err}
	}

	for i := range scenes {
		scenes[i].Persona = req.Persona
		if scenes[i].Zone == "" {
			scenes[i].Zone = req.Zone
		}
	}
	return scenes, nil
}

// GenerateNarrative produces a fresh month-scale arc.
func (c *Client) GenerateNarrative(ctx context.Context, month string, personas []string) (*dsl.NarrativeArc, error) {
	text, err := c.Generate(ctx, narrativeSystemPrompt, buildNarrativePrompt(month, personas))
	if err != nil {
		return nil, err
	}

	arc, err := c.parser.ParseNarrative(text)
	if err != nil {
		return nil, &CollaboratorError{Op: "narrative parse", Cause: err}
	}
	arc.Month = month
	return arc, nil
}

// GenerateWeeklyPlan expands one week of an existing arc.
func (c *Client) GenerateWeeklyPlan(ctx context.Context, arc *dsl.NarrativeArc, week int) (*dsl.WeekPlan, error) {
	text, err := c.Generate(ctx, narrativeSystemPrompt, buildWeeklyPrompt(arc, week))
	if err != nil {
		return nil, err
	}

	plan, err := c.parser.ParseWeekPlan(text)
	if err != nil {
		return nil, &CollaboratorError{Op: "weekly plan parse", Cause: err}
	}
	plan.Week = week
	return plan, nil
}

// GenerateAssets produces a batch of pool entries for the named
// category (vulnerability command templates, breadcrumb file bodies).
func (c *Client) GenerateAssets(ctx context.Context, category string, count int, zone string) ([]string, error) {
	text, err := c.Generate(ctx, assetSystemPrompt, buildAssetPrompt(category, count, zone))
	if err != nil {
		return nil, err
	}

	items, err := c.parser.ParseStringList(text)
	if err != nil {
		return nil, &CollaboratorError{Op: "asset parse", Cause: err}
	}
	return items, nil
}

// EvolvePersona asks the collaborator for an incremental skill or tool
// addition for a persona that has drifted past its evolution cooldown.
func (c *Client) EvolvePersona(ctx context.Context, p *dsl.Persona) ([]string, error) {
	text, err := c.Generate(ctx, evolutionSystemPrompt, buildEvolutionPrompt(p))
	if err != nil {
		return nil, err
	}

	additions, err := c.parser.ParseStringList(text)
	if err != nil {
		return nil, &CollaboratorError{Op: "evolution parse", Cause: err}
	}
	return additions, nil
}

// Repair asks the repair collaborator for a replacement command after a
// failed execution. Returns the corrected command string.
func (c *Client) Repair(ctx context.Context, command, errText, fileContext string) (string, error) {
	req := protocol.RepairRequest{
		Command:     command,
		ErrorText:   errText,
		FileContext: fileContext,
	}
	text, err := c.Generate(ctx, repairSystemPrompt, buildRepairPrompt(req))
	if err != nil {
		return "", err
	}

	repaired, err := c.parser.ParseRepair(text)
	if err != nil {
		return "", &CollaboratorError{Op: "repair parse", Cause: err}
	}
	return repaired, nil
}
