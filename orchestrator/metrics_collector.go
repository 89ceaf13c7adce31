// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package orchestrator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Generation outcomes used as metric labels.
const (
	outcomeSuccess      = "success"
	outcomeAdapterError = "adapter_error"
	outcomeConfigError  = "config_error"
	outcomeBusy         = "busy"
	outcomeLockError    = "lock_error"
	outcomeCanceled     = "canceled"
)

// Metrics holds the orchestrator's prometheus collectors. A nil *Metrics
// records nothing.
type Metrics struct {
	generations *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	busy        prometheus.Counter
	partials    *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		generations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "genstream_generations_total",
				Help: "Total number of generations by adapter and outcome",
			},
			[]string{"adapter", "outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "genstream_generation_duration_seconds",
				Help:    "Generation duration in seconds, including streaming",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300},
			},
			[]string{"adapter"},
		),
		busy: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "genstream_lock_busy_total",
				Help: "Total number of requests refused because a generation was already running",
			},
		),
		partials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "genstream_stream_partials_total",
				Help: "Total number of partial events streamed by adapter",
			},
			[]string{"adapter"},
		),
	}

	if reg != nil {
		reg.MustRegister(m.generations, m.duration, m.busy, m.partials)
	}
	return m
}

func (m *Metrics) generation(adapter, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.generations.WithLabelValues(adapter, outcome).Inc()
	if elapsed > 0 {
		m.duration.WithLabelValues(adapter).Observe(elapsed.Seconds())
	}
}

func (m *Metrics) lockBusy() {
	if m == nil {
		return
	}
	m.busy.Inc()
}

func (m *Metrics) partial(adapter string) {
	if m == nil {
		return
	}
	m.partials.WithLabelValues(adapter).Inc()
}
