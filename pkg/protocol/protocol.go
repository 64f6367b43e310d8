// Package protocol defines the request and response types exchanged with
// the external content-generation and repair collaborators.
package protocol

// GenerateRequest is the narrow wire contract for a single text
// generation call.
type GenerateRequest struct {
	Model       string  `json:"model"`
	System      string  `json:"system,omitempty"`
	Prompt      string  `json:"prompt"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// GenerateResponse carries the collaborator's textual payload. The
// payload may be wrapped in prose or markdown fencing; parsing is the
// caller's responsibility and fails closed on malformed content.
type GenerateResponse struct {
	Text string `json:"text"`
}

// SceneRequest describes the context handed to the content collaborator
// when a scene is generated live.
type SceneRequest struct {
	Persona             string   `json:"persona"`
	Role                string   `json:"role,omitempty"`
	Skills              []string `json:"skills,omitempty"`
	Tools               []string `json:"tools,omitempty"`
	Zone                string   `json:"zone"`
	NarrativeGoal       string   `json:"narrative_goal,omitempty"`
	DayTask             string   `json:"day_task,omitempty"`
	ThreatLevel         string   `json:"threat_level"`
	RecentCommands      []string `json:"recent_commands,omitempty"`
	FingerprintDetected bool     `json:"fingerprint_detected"`
}

// RepairRequest asks the repair collaborator for a replacement command.
type RepairRequest struct {
	Command     string `json:"command"`
	ErrorText   string `json:"error"`
	FileContext string `json:"file_context,omitempty"`
}

// RepairResponse is the structured form of a repair payload. Type is
// "command"; any other value is treated as a parse failure.
type RepairResponse struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}
