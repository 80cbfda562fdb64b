// Package metrics exposes Prometheus instrumentation for the coordinator.
// Counters are fed by the workflow event broker and an HTTP middleware, so
// neither the engine nor the handlers depend on this package.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zjrosen/neuroflow/internal/pubsub"
	"github.com/zjrosen/neuroflow/internal/workflow"
)

// Metrics holds the coordinator's Prometheus collectors on a private registry
// so tests can run several instances without collisions.
type Metrics struct {
	registry *prometheus.Registry

	SessionsCreated  prometheus.Counter
	SessionsDeleted  prometheus.Counter
	StageTransitions *prometheus.CounterVec
	RequestsTotal    *prometheus.CounterVec
}

// New creates a Metrics with all collectors registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "neuroflow_sessions_created_total",
			Help: "Number of conversion sessions created.",
		}),
		SessionsDeleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "neuroflow_sessions_deleted_total",
			Help: "Number of conversion sessions deleted.",
		}),
		StageTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "neuroflow_stage_transitions_total",
			Help: "Number of workflow stage transitions, labeled by target stage.",
		}, []string{"stage"}),
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "neuroflow_http_requests_total",
			Help: "Number of HTTP requests handled, labeled by method and status code.",
		}, []string{"method", "code"}),
	}
}

// Handler serves the /metrics scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps an http.Handler with request counting.
func (m *Metrics) InstrumentHandler(next http.Handler) http.Handler {
	return promhttp.InstrumentHandlerCounter(m.RequestsTotal, next)
}

// Watch consumes session events from the broker until ctx is cancelled.
// Run it in its own goroutine.
func (m *Metrics) Watch(ctx context.Context, broker *pubsub.Broker[workflow.SessionEvent]) {
	events := broker.Subscribe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			switch event.Type {
			case pubsub.CreatedEvent:
				m.SessionsCreated.Inc()
			case pubsub.DeletedEvent:
				m.SessionsDeleted.Inc()
			case pubsub.UpdatedEvent:
				m.StageTransitions.WithLabelValues(event.Payload.Stage.String()).Inc()
			}
		}
	}
}
