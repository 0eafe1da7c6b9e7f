// Package metrics registers prometheus collectors per connection (§6.1),
// grounded on stats/target_stats.go's registration-by-name pattern.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Connection bundles the per-connection collectors named in
// SPEC_FULL.md §6.1.
type Connection struct {
	PacketsSent       prometheus.Counter
	PacketsLost       prometheus.Counter
	RTTEstimate       prometheus.Gauge
	HeartbeatMisses   prometheus.Counter
	WaitlistDepth     prometheus.Gauge
	RedirectsActive   prometheus.Gauge
	OverflowSkips     *prometheus.CounterVec
	BytesPerSecond    prometheus.Gauge // only updated when BandwidthMeasureDuration is set
}

// NewConnection creates and registers a fresh collector set labeled by
// connID so a process hosting many connections doesn't collide on
// metric identity.
func NewConnection(registry prometheus.Registerer, connID string) *Connection {
	c := &Connection{
		PacketsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "entitysync_packets_sent_total",
			Help:        "Total packets sent on this connection.",
			ConstLabels: prometheus.Labels{"conn": connID},
		}),
		PacketsLost: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "entitysync_packets_lost_total",
			Help:        "Total packets detected lost (aged out of the ack window unacknowledged).",
			ConstLabels: prometheus.Labels{"conn": connID},
		}),
		RTTEstimate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "entitysync_rtt_estimate_seconds",
			Help:        "Current EWMA round-trip-time estimate.",
			ConstLabels: prometheus.Labels{"conn": connID},
		}),
		HeartbeatMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "entitysync_heartbeat_misses_total",
			Help:        "Heartbeat intervals elapsed with no data packet sent.",
			ConstLabels: prometheus.Labels{"conn": connID},
		}),
		WaitlistDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "entitysync_waitlist_depth",
			Help:        "Number of items currently deferred in the entity waitlist.",
			ConstLabels: prometheus.Labels{"conn": connID},
		}),
		RedirectsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "entitysync_redirects_active",
			Help:        "Number of unexpired entries in the migration redirect table.",
			ConstLabels: prometheus.Labels{"conn": connID},
		}),
		OverflowSkips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "entitysync_overflow_skips_total",
			Help:        "Items skipped by the writer because they could not fit this packet.",
			ConstLabels: prometheus.Labels{"conn": connID},
		}, []string{"kind"}),
		BytesPerSecond: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "entitysync_bytes_per_second",
			Help:        "Measured outbound bandwidth, only updated when BandwidthMeasureDuration is configured.",
			ConstLabels: prometheus.Labels{"conn": connID},
		}),
	}
	if registry != nil {
		registry.MustRegister(
			c.PacketsSent, c.PacketsLost, c.RTTEstimate, c.HeartbeatMisses,
			c.WaitlistDepth, c.RedirectsActive, c.OverflowSkips, c.BytesPerSecond,
		)
	}
	return c
}
