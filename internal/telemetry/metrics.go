/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package telemetry exposes Prometheus metrics for the engine.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	FramesProduced   *prometheus.CounterVec
	Listeners        *prometheus.GaugeVec
	ListenerDrops    *prometheus.CounterVec
	ListenerDeaths   *prometheus.CounterVec
	DecodeFailures   prometheus.Counter
	ChannelsActive   prometheus.Gauge
	ThemeTransitions *prometheus.CounterVec
	SessionsActive   prometheus.Gauge
}

// New creates and registers the engine metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())

	m := &Metrics{
		registry: reg,
		FramesProduced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sonorium_frames_produced_total",
			Help: "PCM frames produced per channel.",
		}, []string{"channel_id"}),
		Listeners: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sonorium_listeners",
			Help: "Currently attached listeners per channel.",
		}, []string{"channel_id"}),
		ListenerDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sonorium_listener_drops_total",
			Help: "PCM batches dropped due to listener backpressure.",
		}, []string{"channel_id"}),
		ListenerDeaths: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sonorium_listener_deaths_total",
			Help: "Listeners torn down after sustained backpressure.",
		}, []string{"channel_id"}),
		DecodeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sonorium_decode_failures_total",
			Help: "Source files that failed to decode and were silenced.",
		}),
		ChannelsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sonorium_channels_active",
			Help: "Channels currently in playing or transitioning state.",
		}),
		ThemeTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sonorium_theme_transitions_total",
			Help: "Theme loads per channel, including crossfade transitions.",
		}, []string{"channel_id"}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sonorium_sessions_active",
			Help: "Sessions currently bound to a channel.",
		}),
	}

	reg.MustRegister(
		m.FramesProduced,
		m.Listeners,
		m.ListenerDrops,
		m.ListenerDeaths,
		m.DecodeFailures,
		m.ChannelsActive,
		m.ThemeTransitions,
		m.SessionsActive,
	)

	return m
}

// Handler returns the HTTP handler serving the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
