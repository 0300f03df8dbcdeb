// SPDX-License-Identifier: AGPL-3.0
// Copyright 2026 The SAFi Authors
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package observability exposes Prometheus metrics for the turn pipeline.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics instruments turns, audits, and provider failures.
type Metrics struct {
	registry *prometheus.Registry

	turns          *prometheus.CounterVec
	audits         *prometheus.CounterVec
	providerErrors *prometheus.CounterVec
	turnDuration   prometheus.Histogram
}

// New builds the metric set on its own registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		turns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "safi_turns_total",
			Help: "Completed synchronous turns by Will decision.",
		}, []string{"decision"}),
		audits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "safi_audits_total",
			Help: "Background audit outcomes.",
		}, []string{"status"}),
		providerErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "safi_provider_errors_total",
			Help: "LLM provider failures by route.",
		}, []string{"route"}),
		turnDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "safi_turn_duration_seconds",
			Help:    "Synchronous turn latency (Intellect through Will).",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		}),
	}
}

// Registry exposes the underlying registry for an exporter handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveTurn records a completed synchronous turn.
func (m *Metrics) ObserveTurn(decision string, elapsed time.Duration) {
	m.turns.WithLabelValues(decision).Inc()
	m.turnDuration.Observe(elapsed.Seconds())
}

// ObserveAudit records a background audit outcome: "completed", "failed", or
// "dropped".
func (m *Metrics) ObserveAudit(status string) {
	m.audits.WithLabelValues(status).Inc()
}

// ObserveProviderError records one provider failure on a route.
func (m *Metrics) ObserveProviderError(route string) {
	m.providerErrors.WithLabelValues(route).Inc()
}
