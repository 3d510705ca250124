// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package pbd

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/asch/pbd/internal/pbd/forward"
)

// Metrics of the virtual device. All metrics use the pbd_ prefix. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	// Forwarded requests by op and status.
	RequestsTotal *prometheus.CounterVec

	// Latency from admission to completion.
	RequestDuration *prometheus.HistogramVec

	// Admitted requests which did not complete yet.
	Outstanding prometheus.Gauge

	// Forwarded requests waiting for a worker, sampled at submission.
	Queued prometheus.Gauge

	// Requests refused by the admission gate.
	Rejected prometheus.Counter

	// Current State of the device.
	State prometheus.Gauge
}

// NewMetrics creates metrics and registers them with reg. Panics if
// registration fails.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pbd_requests_total",
				Help: "Total forwarded requests by op and status",
			},
			[]string{"op", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pbd_request_duration_seconds",
				Help:    "Forwarded request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"op"},
		),
		Outstanding: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pbd_outstanding_requests",
				Help: "Requests admitted to the device and not completed yet",
			},
		),
		Queued: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pbd_queued_requests",
				Help: "Forwarded requests waiting in the queue for a worker",
			},
		),
		Rejected: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pbd_rejected_requests_total",
				Help: "Requests rejected because the device was not active",
			},
		),
		State: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pbd_device_state",
				Help: "Lifecycle state: 0 uninitialized, 1 active, 2 draining, 3 closed",
			},
		),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.Outstanding,
		m.Queued,
		m.Rejected,
		m.State,
	)

	return m
}

func (m *Metrics) admitted() {
	if m == nil {
		return
	}
	m.Outstanding.Inc()
}

func (m *Metrics) queued(n int) {
	if m == nil {
		return
	}
	m.Queued.Set(float64(n))
}

func (m *Metrics) rejected() {
	if m == nil {
		return
	}
	m.Rejected.Inc()
}

func (m *Metrics) completed(op forward.Op, start time.Time, err error) {
	if m == nil {
		return
	}

	status := "ok"
	if err != nil {
		status = "error"
	}

	m.Outstanding.Dec()
	m.RequestsTotal.WithLabelValues(op.String(), status).Inc()
	m.RequestDuration.WithLabelValues(op.String()).Observe(time.Since(start).Seconds())
}

func (m *Metrics) state(s State) {
	if m == nil {
		return
	}
	m.State.Set(float64(s))
}
