package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"vantagesec.com/mirage/pkg/dsl"
)

// Parser turns free-form collaborator text into validated structures.
// Every parse fails closed: content that does not match the expected
// schema is rejected wholesale.
type Parser struct {
	validate *validator.Validate
}

// NewParser creates a parser with struct validation enabled.
func NewParser() *Parser {
	return &Parser{validate: validator.New()}
}

// ParseScenes extracts one or more scenes from the response. Accepts
// either a single JSON object or a JSON array of objects.
func (p *Parser) ParseScenes(response string) ([]dsl.Scene, error) {
	cleaned := stripFences(response)

	// A lone scene object contains a commands array, so dispatch on
	// whichever bracket opens first rather than probing array-first.
	objAt := strings.IndexRune(cleaned, '{')
	arrAt := strings.IndexRune(cleaned, '[')

	var scenes []dsl.Scene
	switch {
	case arrAt != -1 && (objAt == -1 || arrAt < objAt):
		jsonStr := extractJSONArray(cleaned)
		if jsonStr == "" {
			return nil, fmt.Errorf("unbalanced JSON array in response")
		}
		if err := json.Unmarshal([]byte(jsonStr), &scenes); err != nil {
			return nil, fmt.Errorf("failed to parse scene array: %w", err)
		}
	case objAt != -1:
		jsonStr := extractJSONObject(cleaned)
		if jsonStr == "" {
			return nil, fmt.Errorf("unbalanced JSON object in response")
		}
		var scene dsl.Scene
		if err := json.Unmarshal([]byte(jsonStr), &scene); err != nil {
			return nil, fmt.Errorf("failed to parse scene: %w", err)
		}
		scenes = []dsl.Scene{scene}
	default:
		return nil, fmt.Errorf("no JSON found in response")
	}

	if len(scenes) == 0 {
		return nil, fmt.Errorf("response contained no scenes")
	}

	for i := range scenes {
		if scenes[i].Category == "" {
			scenes[i].Category = dsl.CategoryRoutine
		}
		if err := p.validate.Struct(&scenes[i]); err != nil {
			return nil, fmt.Errorf("scene %d failed validation: %w", i, err)
		}
		if len(scenes[i].Commands) == 0 {
			return nil, fmt.Errorf("scene %d has no commands", i)
		}
	}

	return scenes, nil
}

// ParseNarrative extracts a month-scale arc from the response.
func (p *Parser) ParseNarrative(response string) (*dsl.NarrativeArc, error) {
	jsonStr := extractJSONObject(stripFences(response))
	if jsonStr == "" {
		return nil, fmt.Errorf("no JSON found in response")
	}

	var arc dsl.NarrativeArc
	if err := json.Unmarshal([]byte(jsonStr), &arc); err != nil {
		return nil, fmt.Errorf("failed to parse narrative arc: %w", err)
	}
	if strings.TrimSpace(arc.Goal) == "" {
		return nil, fmt.Errorf("narrative arc has no goal")
	}

	return &arc, nil
}

// ParseWeekPlan extracts a weekly plan from the response.
func (p *Parser) ParseWeekPlan(response string) (*dsl.WeekPlan, error) {
	jsonStr := extractJSONObject(stripFences(response))
	if jsonStr == "" {
		return nil, fmt.Errorf("no JSON found in response")
	}

	var plan dsl.WeekPlan
	if err := json.Unmarshal([]byte(jsonStr), &plan); err != nil {
		return nil, fmt.Errorf("failed to parse weekly plan: %w", err)
	}
	if len(plan.Days) == 0 {
		return nil, fmt.Errorf("weekly plan has no days")
	}

	return &plan, nil
}

// ParseStringList extracts a flat JSON array of strings.
func (p *Parser) ParseStringList(response string) ([]string, error) {
	jsonStr := extractJSONArray(stripFences(response))
	if jsonStr == "" {
		return nil, fmt.Errorf("no JSON array found in response")
	}

	var items []string
	if err := json.Unmarshal([]byte(jsonStr), &items); err != nil {
		return nil, fmt.Errorf("failed to parse string list: %w", err)
	}

	cleaned := make([]string, 0, len(items))
	for _, item := range items {
		if s := strings.TrimSpace(item); s != "" {
			cleaned = append(cleaned, s)
		}
	}
	if len(cleaned) == 0 {
		return nil, fmt.Errorf("response contained no usable entries")
	}
	return cleaned, nil
}

// ParseRepair extracts a corrected command from a repair response. The
// payload must be a {"type":"command","content":...} object; anything
// else is rejected.
func (p *Parser) ParseRepair(response string) (string, error) {
	jsonStr := extractJSONObject(stripFences(response))
	if jsonStr == "" {
		return "", fmt.Errorf("no JSON found in response")
	}

	var repair struct {
		Type    string `json:"type"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal([]byte(jsonStr), &repair); err != nil {
		return "", fmt.Errorf("failed to parse repair payload: %w", err)
	}
	if repair.Type != "command" {
		return "", fmt.Errorf("unexpected repair payload type %q", repair.Type)
	}
	if strings.TrimSpace(repair.Content) == "" {
		return "", fmt.Errorf("repair payload has no command")
	}

	return strings.TrimSpace(repair.Content), nil
}

// stripFences removes markdown code fencing the collaborator sometimes
// wraps around its JSON.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}

	lines := strings.Split(s, "\n")
	var kept []string
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

// extractJSONObject finds the first balanced top-level JSON object.
func extractJSONObject(s string) string {
	return extractBalanced(s, '{', '}')
}

// extractJSONArray finds the first balanced top-level JSON array.
func extractJSONArray(s string) string {
	return extractBalanced(s, '[', ']')
}

func extractBalanced(s string, open, closing rune) string {
	start := -1
	depth := 0
	inString := false
	escaped := false

	for i, c := range s {
		if escaped {
			escaped = false
			continue
		}
		switch {
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == open:
			if start == -1 {
				start = i
			}
			depth++
		case c == closing:
			depth--
			if depth == 0 && start != -1 {
				return s[start : i+1]
			}
		}
	}

	return ""
}
