// Package metrics exports conductor events as Prometheus collectors.
package metrics

import (
	"context"
	"strconv"

	"github.com/hanpama/conductor/eventbus"
	"github.com/hanpama/conductor/events"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the collectors fed from the event bus.
type Metrics struct {
	Requests       *prometheus.CounterVec
	RequestLatency *prometheus.HistogramVec
	StageDuration  *prometheus.HistogramVec
	DataObjects    *prometheus.CounterVec
	ClientCalls    *prometheus.CounterVec
	Shards         *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Requests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_requests_total",
				Help: "Requests served, by final conductor and status",
			},
			[]string{"conductor", "status"},
		),
		RequestLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conductor_request_duration_seconds",
				Help:    "Duration of pipeline runs",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
			},
			[]string{"conductor"},
		),
		StageDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conductor_stage_duration_seconds",
				Help:    "Duration of stage executions",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
			},
			[]string{"conductor", "outcome"},
		),
		DataObjects: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_data_objects_total",
				Help: "Data objects resolved, by name and result",
			},
			[]string{"data", "result"},
		),
		ClientCalls: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_client_calls_total",
				Help: "Outbound calls, by target and response code",
			},
			[]string{"target", "code"},
		),
		Shards: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_shards_total",
				Help: "Conductor reassignments during a request",
			},
			[]string{"from", "to"},
		),
	}
}

// Attach subscribes the collectors to bus and returns a function removing
// them.
func (m *Metrics) Attach(bus *eventbus.Bus) (detach func()) {
	unsubs := []func(){
		eventbus.Subscribe(bus, func(_ context.Context, e events.HTTPFinish) {
			status := "ok"
			if e.Err != nil {
				status = "error"
			}
			m.Requests.WithLabelValues(e.Conductor, status).Inc()
			m.RequestLatency.WithLabelValues(e.Conductor).Observe(e.Duration.Seconds())
		}),
		eventbus.Subscribe(bus, func(_ context.Context, e events.StageFinish) {
			m.StageDuration.WithLabelValues(e.Conductor, e.Outcome).Observe(e.Duration.Seconds())
		}),
		eventbus.Subscribe(bus, func(_ context.Context, e events.DataFinish) {
			m.DataObjects.WithLabelValues(e.Name, dataResult(e)).Inc()
		}),
		eventbus.Subscribe(bus, func(_ context.Context, e events.ClientFinish) {
			code := "none"
			if e.Status > 0 {
				code = strconv.Itoa(e.Status)
			}
			m.ClientCalls.WithLabelValues(e.Target, code).Inc()
		}),
		eventbus.Subscribe(bus, func(_ context.Context, e events.Shard) {
			m.Shards.WithLabelValues(e.From, e.To).Inc()
		}),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func dataResult(e events.DataFinish) string {
	switch {
	case e.Err != nil:
		return "failed"
	case e.Fallback:
		return "fallback"
	}
	return "resolved"
}
