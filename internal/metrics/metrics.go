// Package metrics exposes the engine's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every instrument the engine records into. All methods
// are safe for concurrent use.
type Metrics struct {
	registry *prometheus.Registry

	ticks            prometheus.Counter
	scenes           *prometheus.CounterVec
	commands         *prometheus.CounterVec
	repairs          prometheus.Counter
	honeyportConns   *prometheus.CounterVec
	threatScore      prometheus.Gauge
	threatLevel      prometheus.Gauge
	forecastDepth    *prometheus.GaugeVec
	collaboratorErrs prometheus.Counter
}

// New creates a metrics bundle with its own registry, so tests can hold
// independent instances.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mirage_ticks_total",
			Help: "Number of completed engine ticks.",
		}),
		scenes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mirage_scenes_total",
			Help: "Scenes composed, by producing strategy and persona.",
		}, []string{"strategy", "persona"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mirage_commands_total",
			Help: "Terminal command outcomes, by persona and status.",
		}, []string{"persona", "status"}),
		repairs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mirage_repairs_total",
			Help: "Repair collaborator invocations.",
		}),
		honeyportConns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mirage_honeyport_connections_total",
			Help: "Connections received on honeyport listeners, by port.",
		}, []string{"port"}),
		threatScore: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mirage_threat_score",
			Help: "Current accumulated threat score.",
		}),
		threatLevel: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mirage_threat_level",
			Help: "Current threat level (0 none, 1 low, 2 medium, 3 high).",
		}),
		forecastDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mirage_forecast_depth",
			Help: "Forecast queue depth, by persona.",
		}, []string{"persona"}),
		collaboratorErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mirage_collaborator_errors_total",
			Help: "Terminal collaborator failures.",
		}),
	}

	registry.MustRegister(
		m.ticks, m.scenes, m.commands, m.repairs, m.honeyportConns,
		m.threatScore, m.threatLevel, m.forecastDepth, m.collaboratorErrs,
	)
	return m
}

// Handler serves the /metrics endpoint for this bundle's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// TickStarted counts an engine tick.
func (m *Metrics) TickStarted() {
	m.ticks.Inc()
}

// SceneComposed counts a composed scene.
func (m *Metrics) SceneComposed(strategy, persona string) {
	m.scenes.WithLabelValues(strategy, persona).Inc()
}

// CommandsFinished records a scene's terminal command outcomes.
func (m *Metrics) CommandsFinished(persona string, succeeded, failed int) {
	m.commands.WithLabelValues(persona, "succeeded").Add(float64(succeeded))
	m.commands.WithLabelValues(persona, "failed").Add(float64(failed))
}

// RepairsAttempted counts repair invocations.
func (m *Metrics) RepairsAttempted(n int) {
	m.repairs.Add(float64(n))
}

// HoneyportConnection counts a honeyport hit.
func (m *Metrics) HoneyportConnection(port string) {
	m.honeyportConns.WithLabelValues(port).Inc()
}

// SetThreat publishes the current threat posture.
func (m *Metrics) SetThreat(score, level int) {
	m.threatScore.Set(float64(score))
	m.threatLevel.Set(float64(level))
}

// SetForecastDepth publishes a persona's queue depth.
func (m *Metrics) SetForecastDepth(persona string, depth int) {
	m.forecastDepth.WithLabelValues(persona).Set(float64(depth))
}

// CollaboratorError counts a terminal collaborator failure.
func (m *Metrics) CollaboratorError() {
	m.collaboratorErrs.Inc()
}
