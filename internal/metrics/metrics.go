// Copyright 2025 Tom Barlow
//
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

// Package metrics holds the daemon's Prometheus instruments.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the daemon's instrument set.
type Metrics struct {
	registry *prometheus.Registry

	ExecutionsStarted   prometheus.Counter
	ExecutionsCompleted prometheus.Counter
	ExecutionsFailed    prometheus.Counter
	CronFires           prometheus.Counter
	EventsPublished     prometheus.Counter
	EmailsProcessed     prometheus.Counter
	PollErrors          prometheus.Counter
	GatewayClients      prometheus.Gauge
	DroppedBroadcasts   prometheus.Counter
}

// New creates a metric set on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		ExecutionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "loveme_executions_started_total",
			Help: "Workflow executions started.",
		}),
		ExecutionsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "loveme_executions_completed_total",
			Help: "Workflow executions that finished successfully.",
		}),
		ExecutionsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "loveme_executions_failed_total",
			Help: "Workflow executions that finished in failure.",
		}),
		CronFires: factory.NewCounter(prometheus.CounterOpts{
			Name: "loveme_cron_fires_total",
			Help: "Cron ticker fires.",
		}),
		EventsPublished: factory.NewCounter(prometheus.CounterOpts{
			Name: "loveme_bus_events_published_total",
			Help: "Events published on the internal bus.",
		}),
		EmailsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "loveme_emails_processed_total",
			Help: "Emails handled by the poller.",
		}),
		PollErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "loveme_email_poll_errors_total",
			Help: "Failed email poll cycles.",
		}),
		GatewayClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "loveme_gateway_clients",
			Help: "Connected WebSocket clients.",
		}),
		DroppedBroadcasts: factory.NewCounter(prometheus.CounterOpts{
			Name: "loveme_gateway_dropped_broadcasts_total",
			Help: "Broadcasts dropped because a client send queue was full.",
		}),
	}
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
