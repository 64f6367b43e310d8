// Package handlers provides HTTP request handlers for the operator API.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"vantagesec.com/mirage/internal/content"
	"vantagesec.com/mirage/internal/threat"
	"vantagesec.com/mirage/pkg/dsl"
)

// Handlers contains all operator API handlers.
type Handlers struct {
	store     *content.Store
	detector  *threat.Detector
	personas  []*dsl.Persona
	version   string
	startTime time.Time
	logger    zerolog.Logger
}

// New creates a Handlers instance.
func New(store *content.Store, detector *threat.Detector, personas []*dsl.Persona,
	version string, startTime time.Time, logger zerolog.Logger) *Handlers {

	return &Handlers{
		store:     store,
		detector:  detector,
		personas:  personas,
		version:   version,
		startTime: startTime,
		logger:    logger.With().Str("component", "handlers").Logger(),
	}
}

// HealthCheck handles GET /healthz
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Health(r.Context()); err != nil {
		h.writeError(w, r, http.StatusServiceUnavailable, "store_unavailable", "Content store is not reachable")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// StatusResponse is the engine's operator-visible state.
type StatusResponse struct {
	Version       string         `json:"version"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Personas      int            `json:"personas"`
	ThreatScore   int            `json:"threat_score"`
	ThreatLevel   string         `json:"threat_level"`
	ForecastDepth map[string]int `json:"forecast_depth"`
}

// GetStatus handles GET /api/status
func (h *Handlers) GetStatus(w http.ResponseWriter, r *http.Request) {
	depths := make(map[string]int, len(h.personas))
	for _, p := range h.personas {
		depth, err := h.store.ForecastDepth(r.Context(), p.Name)
		if err != nil {
			h.logger.Warn().Err(err).Str("persona", p.Name).Msg("Failed to read forecast depth")
			continue
		}
		depths[p.Name] = depth
	}

	h.writeJSON(w, http.StatusOK, StatusResponse{
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Personas:      len(h.personas),
		ThreatScore:   h.detector.Score(),
		ThreatLevel:   h.detector.Level().String(),
		ForecastDepth: depths,
	})
}

// PersonaResponse is the operator view of a persona.
type PersonaResponse struct {
	Name          string    `json:"name"`
	Role          string    `json:"role,omitempty"`
	HomeDir       string    `json:"home_dir"`
	WorkHours     string    `json:"work_hours"`
	Probability   float64   `json:"probability"`
	Skills        []string  `json:"skills,omitempty"`
	Tools         []string  `json:"tools,omitempty"`
	LastEvolution time.Time `json:"last_evolution,omitempty"`
}

// ListPersonas handles GET /api/personas
func (h *Handlers) ListPersonas(w http.ResponseWriter, r *http.Request) {
	out := make([]PersonaResponse, 0, len(h.personas))
	for _, p := range h.personas {
		out = append(out, PersonaResponse{
			Name:          p.Name,
			Role:          p.Role,
			HomeDir:       p.HomeDir,
			WorkHours:     strconv.Itoa(p.WorkHours.Start) + "-" + strconv.Itoa(p.WorkHours.End),
			Probability:   p.Probability,
			Skills:        p.Skills,
			Tools:         p.Tools,
			LastEvolution: p.LastEvolution,
		})
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"personas": out})
}

// GetHistory handles GET /api/history?persona=X&limit=N
func (h *Handlers) GetHistory(w http.ResponseWriter, r *http.Request) {
	persona := r.URL.Query().Get("persona")
	if persona == "" {
		h.writeError(w, r, http.StatusBadRequest, "validation_failed", "persona query parameter is required")
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 500 {
			h.writeError(w, r, http.StatusBadRequest, "validation_failed", "limit must be an integer between 1 and 500")
			return
		}
		limit = parsed
	}

	records, err := h.store.RecentHistory(r.Context(), persona, limit)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to query history")
		h.writeError(w, r, http.StatusInternalServerError, "internal_error", "Failed to query history")
		return
	}
	if records == nil {
		records = []content.ExecutionRecord{}
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"persona": persona,
		"records": records,
	})
}

// GetThreat handles GET /api/threat
func (h *Handlers) GetThreat(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.detector.GetSummary())
}

// ResetThreat handles POST /api/threat/reset
func (h *Handlers) ResetThreat(w http.ResponseWriter, r *http.Request) {
	h.detector.Reset()
	if err := h.store.SaveThreatState(r.Context(), 0, nil); err != nil {
		h.logger.Error().Err(err).Msg("Failed to persist threat reset")
		h.writeError(w, r, http.StatusInternalServerError, "internal_error", "Reset applied in memory but not persisted")
		return
	}

	h.logger.Info().Msg("Threat state reset by operator")
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// ============================================================
// Helpers
// ============================================================

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error().Err(err).Msg("Failed to encode response")
	}
}

// ErrorResponse is the API error envelope.
type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	h.writeJSON(w, status, ErrorResponse{
		Error:     code,
		Message:   message,
		RequestID: middleware.GetReqID(r.Context()),
	})
}
