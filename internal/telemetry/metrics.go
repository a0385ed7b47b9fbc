// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package telemetry

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chatcore"

// Turn outcomes.
const (
	OutcomeCompleted   = "completed"
	OutcomeForcedFinal = "forced_final"
	OutcomeCancelled   = "cancelled"
	OutcomeInterrupted = "interrupted"
	OutcomeFailed      = "failed"
)

// =============================================================================
// METRICS
// =============================================================================

// Metrics holds the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	turns         *prometheus.CounterVec
	turnDuration  *prometheus.HistogramVec
	modelCalls    *prometheus.CounterVec
	toolCalls     *prometheus.CounterVec
	malformed     prometheus.Counter
	repairs       *prometheus.CounterVec
	conversations prometheus.Gauge
}

// MustNewMetrics creates the collectors and registers them with reg. A nil
// reg uses the default registerer. Collectors already registered under the
// same name are reused; any other registration error panics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Chat turns by outcome.",
		}, []string{"outcome"}),
		turnDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Wall time of a chat turn including tool rounds.",
			Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"outcome"}),
		modelCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_calls_total",
			Help:      "Chat-completion requests by outcome.",
		}, []string{"outcome"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool invocations by tool and status.",
		}, []string{"tool", "status"}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_malformed_lines_total",
			Help:      "Stream data lines that could not be decoded and were skipped.",
		}),
		repairs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "image_repairs_total",
			Help:      "Image artifacts re-associated by history repair, by strategy.",
		}, []string{"strategy"}),
		conversations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "conversations_stored",
			Help:      "Conversations in the store at the last listing.",
		}),
	}

	m.turns = register(reg, m.turns)
	m.turnDuration = register(reg, m.turnDuration)
	m.modelCalls = register(reg, m.modelCalls)
	m.toolCalls = register(reg, m.toolCalls)
	m.malformed = register(reg, m.malformed)
	m.repairs = register(reg, m.repairs)
	m.conversations = register(reg, m.conversations)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// Handler serves the metrics gathered by g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// =============================================================================
// RECORDING
// =============================================================================

// ObserveTurn counts a finished turn and records its duration.
func (m *Metrics) ObserveTurn(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.turns.WithLabelValues(outcome).Inc()
	m.turnDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// IncModelCall counts one chat-completion request.
func (m *Metrics) IncModelCall(outcome string) {
	if m == nil {
		return
	}
	m.modelCalls.WithLabelValues(outcome).Inc()
}

// IncToolCall counts one tool invocation. Status is "ok" or an error type.
func (m *Metrics) IncToolCall(tool, status string) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(tool, status).Inc()
}

// IncMalformed counts one skipped stream line.
func (m *Metrics) IncMalformed() {
	if m == nil {
		return
	}
	m.malformed.Inc()
}

// IncRepair counts one image re-association.
func (m *Metrics) IncRepair(strategy string) {
	if m == nil {
		return
	}
	m.repairs.WithLabelValues(strategy).Inc()
}

// SetConversations records the number of stored conversations.
func (m *Metrics) SetConversations(n int) {
	if m == nil {
		return
	}
	m.conversations.Set(float64(n))
}
