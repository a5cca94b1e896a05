/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package controller

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/alexandremahdhaoui/stratus/internal/types"
	"github.com/alexandremahdhaoui/stratus/pkg/constants"
)

// Metrics are the command metrics exported by a Dispatcher.
type Metrics struct {
	commands *prometheus.CounterVec
	duration *prometheus.HistogramVec
	inFlight prometheus.Gauge
}

// NewMetrics returns Metrics registered in reg. A nil reg leaves them
// unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: constants.MetricsNamespace,
			Name:      "commands_total",
			Help:      "Number of processed commands by command and outcome.",
		}, []string{"command", "status", "kind"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: constants.MetricsNamespace,
			Name:      "command_duration_seconds",
			Help:      "Duration of processed commands.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"command"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: constants.MetricsNamespace,
			Name:      "commands_waiting",
			Help:      "Number of commands waiting for or holding the orchestrator.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.commands, m.duration, m.inFlight)
	}

	return m
}

func (m *Metrics) observe(command string, err error, elapsed time.Duration) {
	status, kind := types.ExecutionSuccess, ""
	if err != nil {
		status, kind = types.ExecutionError, string(types.KindOf(err))
	}

	m.commands.WithLabelValues(command, string(status), kind).Inc()
	m.duration.WithLabelValues(command).Observe(elapsed.Seconds())
}
