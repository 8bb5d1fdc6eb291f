// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package hub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricNamePrefix = "polly_live_"

// hubMetrics methods are safe to call on a nil receiver, which is what the
// hub uses when no registerer is configured.
type hubMetrics struct {
	connections  prometheus.Gauge
	rooms        prometheus.Gauge
	participants prometheus.Gauge
	messages     *prometheus.CounterVec
	drops        *prometheus.CounterVec
	finalizes    *prometheus.CounterVec
	panics       prometheus.Counter
	evictions    prometheus.Counter
}

func newHubMetrics(reg prometheus.Registerer) *hubMetrics {
	if reg == nil {
		return nil
	}
	f := promauto.With(reg)
	return &hubMetrics{
		connections: f.NewGauge(prometheus.GaugeOpts{
			Name: metricNamePrefix + "connections",
			Help: "number of open live connections",
		}),
		rooms: f.NewGauge(prometheus.GaugeOpts{
			Name: metricNamePrefix + "rooms",
			Help: "number of rooms in the directory",
		}),
		participants: f.NewGauge(prometheus.GaugeOpts{
			Name: metricNamePrefix + "participants",
			Help: "number of participants across all rooms",
		}),
		messages: f.NewCounterVec(prometheus.CounterOpts{
			Name: metricNamePrefix + "messages_total",
			Help: "client messages accepted, by type",
		}, []string{"type"}),
		drops: f.NewCounterVec(prometheus.CounterOpts{
			Name: metricNamePrefix + "dropped_messages_total",
			Help: "messages dropped, by reason",
		}, []string{"reason"}),
		finalizes: f.NewCounterVec(prometheus.CounterOpts{
			Name: metricNamePrefix + "finalize_total",
			Help: "finalize requests, by result",
		}, []string{"result"}),
		panics: f.NewCounter(prometheus.CounterOpts{
			Name: metricNamePrefix + "room_panics_total",
			Help: "rooms torn down after a panic",
		}),
		evictions: f.NewCounter(prometheus.CounterOpts{
			Name: metricNamePrefix + "evictions_total",
			Help: "idle rooms removed after the grace period",
		}),
	}
}

func (m *hubMetrics) connectionOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *hubMetrics) connectionClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *hubMetrics) setRooms(n int) {
	if m != nil {
		m.rooms.Set(float64(n))
	}
}

func (m *hubMetrics) participantsDelta(d int) {
	if m != nil {
		m.participants.Add(float64(d))
	}
}

func (m *hubMetrics) message(typ string) {
	if m != nil {
		m.messages.WithLabelValues(typ).Inc()
	}
}

func (m *hubMetrics) dropped(reason string) {
	if m != nil {
		m.drops.WithLabelValues(reason).Inc()
	}
}

func (m *hubMetrics) finalized(result string) {
	if m != nil {
		m.finalizes.WithLabelValues(result).Inc()
	}
}

func (m *hubMetrics) panicked() {
	if m != nil {
		m.panics.Inc()
	}
}

func (m *hubMetrics) evicted() {
	if m != nil {
		m.evictions.Inc()
	}
}
