// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for the LWM2M engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Direction labels.
const (
	Inbound  = "in"
	Outbound = "out"
)

// Metrics holds all Prometheus metrics of the engine and its transport.
// A nil *Metrics records nothing.
type Metrics struct {
	// Message metrics
	Messages     *prometheus.CounterVec
	DecodeErrors prometheus.Counter
	Duplicates   prometheus.Counter

	// Table sizes
	Transactions prometheus.Gauge
	DedupEntries prometheus.Gauge
	Blocks       prometheus.Gauge
	Watchers     prometheus.Gauge
	Clients      prometheus.Gauge

	// Exchange metrics
	TransactionTimeouts prometheus.Counter
	BlockErrors         *prometheus.CounterVec
	RequestDuration     *prometheus.HistogramVec

	// Registration metrics
	StatusChanges      *prometheus.CounterVec
	RegistrationEvents *prometheus.CounterVec

	// Transport metrics
	Sessions            prometheus.Gauge
	RateLimitedPackets  prometheus.Counter
	TransportSendErrors prometheus.Counter
}

// New creates the metrics and registers them with reg, or with the default
// registerer when reg is nil.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "lwm2m"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		Messages: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "coap_messages_total",
				Help:      "Total number of CoAP messages",
			},
			[]string{"direction", "type", "code"},
		),
		DecodeErrors: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "decode_errors_total",
				Help:      "Total number of datagrams that failed to decode",
			},
		),
		Duplicates: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "duplicate_messages_total",
				Help:      "Total number of duplicate messages answered from the dedup table",
			},
		),
		Transactions: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "transactions_active",
				Help:      "Number of outstanding transactions",
			},
		),
		DedupEntries: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "dedup_entries",
				Help:      "Number of remembered message IDs",
			},
		),
		Blocks: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "block_transfers_active",
				Help:      "Number of block transfers being reassembled",
			},
		),
		Watchers: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "observations_active",
				Help:      "Number of active observations",
			},
		),
		Clients: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "clients_registered",
				Help:      "Number of registered clients",
			},
		),
		TransactionTimeouts: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transaction_timeouts_total",
				Help:      "Total number of transactions that exhausted their retransmissions",
			},
		),
		BlockErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "block_errors_total",
				Help:      "Total number of aborted block transfers",
			},
			[]string{"kind"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Duration of engine initiated requests",
				Buckets:   []float64{.01, .05, .1, .5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"operation", "status"},
		),
		StatusChanges: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "registration_status_changes_total",
				Help:      "Total number of client registration status changes",
			},
			[]string{"to"},
		),
		RegistrationEvents: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "registration_events_total",
				Help:      "Total number of registry events in server mode",
			},
			[]string{"event"},
		),
		Sessions: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sessions_active",
				Help:      "Number of peers known to the transport",
			},
		),
		RateLimitedPackets: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_packets_total",
				Help:      "Total number of datagrams dropped by the rate limiter",
			},
		),
		TransportSendErrors: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transport_send_errors_total",
				Help:      "Total number of datagrams the transport failed to send",
			},
		),
	}
}

// Message counts one CoAP message.
func (m *Metrics) Message(direction, typ, code string) {
	if m == nil {
		return
	}
	m.Messages.WithLabelValues(direction, typ, code).Inc()
}

// DecodeError counts a datagram that could not be decoded.
func (m *Metrics) DecodeError() {
	if m == nil {
		return
	}
	m.DecodeErrors.Inc()
}

// Duplicate counts a message answered from the dedup table.
func (m *Metrics) Duplicate() {
	if m == nil {
		return
	}
	m.Duplicates.Inc()
}

// Tables records the current table sizes.
func (m *Metrics) Tables(transactions, dedup, blocks, watchers, clients int) {
	if m == nil {
		return
	}
	m.Transactions.Set(float64(transactions))
	m.DedupEntries.Set(float64(dedup))
	m.Blocks.Set(float64(blocks))
	m.Watchers.Set(float64(watchers))
	m.Clients.Set(float64(clients))
}

// Timeout counts a transaction that ended without a response.
func (m *Metrics) Timeout() {
	if m == nil {
		return
	}
	m.TransactionTimeouts.Inc()
}

// BlockError counts an aborted block transfer.
func (m *Metrics) BlockError(kind string) {
	if m == nil {
		return
	}
	m.BlockErrors.WithLabelValues(kind).Inc()
}

// ObserveRequest records the duration of an engine initiated request.
func (m *Metrics) ObserveRequest(operation, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.WithLabelValues(operation, status).Observe(d.Seconds())
}

// StatusChange counts a client registration status change.
func (m *Metrics) StatusChange(to string) {
	if m == nil {
		return
	}
	m.StatusChanges.WithLabelValues(to).Inc()
}

// RegistrationEvent counts a server-mode registry event.
func (m *Metrics) RegistrationEvent(event string) {
	if m == nil {
		return
	}
	m.RegistrationEvents.WithLabelValues(event).Inc()
}

// SetSessions records the number of transport sessions.
func (m *Metrics) SetSessions(n int) {
	if m == nil {
		return
	}
	m.Sessions.Set(float64(n))
}

// RateLimited counts a dropped datagram.
func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.RateLimitedPackets.Inc()
}

// SendError counts a failed datagram send.
func (m *Metrics) SendError() {
	if m == nil {
		return
	}
	m.TransportSendErrors.Inc()
}
