// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PacketsParsedTotal counts decoded packets by type (k1/k2).
	PacketsParsedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vrl_client_packets_parsed_total",
			Help: "Total number of decoder packets parsed and persisted",
		},
		[]string{"type"},
	)

	// ParseDropsTotal counts unparseable decoder lines.
	ParseDropsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vrl_client_parse_drops_total",
			Help: "Total number of decoder lines that failed to parse",
		},
	)

	// DecoderReconnectsTotal counts TCP reconnect attempts to the decoder.
	DecoderReconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vrl_client_decoder_reconnects_total",
			Help: "Total number of decoder TCP reconnects",
		},
	)

	// TracksCorrelatedTotal counts K1/K2 pairs bound into flight tracks.
	TracksCorrelatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vrl_client_tracks_correlated_total",
			Help: "Total number of flight tracks created",
		},
	)

	// PacketsStaleTotal counts packets aged out as unmatched.
	PacketsStaleTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vrl_client_packets_stale_total",
			Help: "Total number of packets marked failed as unmatched",
		},
		[]string{"type"},
	)

	// TracksSentTotal counts track delivery outcomes.
	TracksSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vrl_client_tracks_sent_total",
			Help: "Total number of flight tracks by delivery outcome",
		},
		[]string{"outcome"},
	)

	// SenderRetriesTotal counts sender cycles that ended in a retryable error.
	SenderRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vrl_client_sender_retries_total",
			Help: "Total number of retryable sender failures",
		},
	)

	// TCPConnected reflects the decoder stream connection state.
	TCPConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vrl_client_tcp_connected",
			Help: "Whether the decoder TCP stream is connected (1/0)",
		},
	)

	// PendingTracks tracks the unsent track backlog.
	PendingTracks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vrl_client_pending_tracks",
			Help: "Number of flight tracks awaiting delivery",
		},
	)
)
