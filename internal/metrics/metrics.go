// Package metrics holds the Prometheus collectors for conversation turns.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Result labels for turns and commands.
const (
	ResultOK      = "ok"
	ResultError   = "error"
	ResultSkipped = "skipped"
	ResultDenied  = "denied"
)

// Metrics groups the RelayPipe collectors. A nil *Metrics records nothing.
type Metrics struct {
	turns        *prometheus.CounterVec
	effects      *prometheus.CounterVec
	commands     *prometheus.CounterVec
	turnDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		turns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaypipe_turns_total",
				Help: "Inbound events handled, by event kind and result.",
			},
			[]string{"kind", "result"},
		),
		effects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaypipe_effects_total",
				Help: "Script effects applied, by effect type.",
			},
			[]string{"type"},
		),
		commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaypipe_hashtag_commands_total",
				Help: "Hashtag commands matched, by command and result.",
			},
			[]string{"command", "result"},
		),
		turnDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relaypipe_turn_duration_seconds",
				Help:    "Time spent handling one inbound event.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
	}
	reg.MustRegister(m.turns, m.effects, m.commands, m.turnDuration)
	return m
}

// ObserveTurn records one handled event.
func (m *Metrics) ObserveTurn(kind, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.turns.WithLabelValues(kind, result).Inc()
	m.turnDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

// Effect records one applied effect.
func (m *Metrics) Effect(kind string) {
	if m == nil {
		return
	}
	m.effects.WithLabelValues(kind).Inc()
}

// Command records one matched hashtag command.
func (m *Metrics) Command(command, result string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(command, result).Inc()
}
