// Package metrics holds the Prometheus collectors shared by the relay pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Listeners is the number of connected stream clients per playlist.
	Listeners = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ytradio_listeners",
			Help: "Number of active listeners per playlist stream",
		},
		[]string{"playlist"},
	)

	// BytesSent counts bytes written to HTTP listeners.
	BytesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ytradio_bytes_sent_total",
			Help: "Total number of bytes sent to listeners",
		},
		[]string{"playlist"},
	)

	// BytesProduced counts transcoded bytes pushed into a relay buffer.
	BytesProduced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ytradio_bytes_produced_total",
			Help: "Total number of transcoded bytes enqueued into relay buffers",
		},
		[]string{"playlist"},
	)

	// Items counts item outcomes: started, done, locate_failed, transcode_failed, skipped.
	Items = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ytradio_items_total",
			Help: "Playlist items by outcome",
		},
		[]string{"playlist", "outcome"},
	)

	// Resolutions counts how Playlist Store requests were served.
	Resolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ytradio_playlist_resolutions_total",
			Help: "Playlist id list lookups by outcome (fresh, live, cache, backup, empty)",
		},
		[]string{"playlist", "outcome"},
	)

	// QueueDepth is the number of chunks retained in a relay buffer.
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ytradio_queue_depth",
			Help: "Chunks currently retained in the relay buffer",
		},
		[]string{"playlist"},
	)

	// Evictions counts listeners dropped for lagging behind the producer.
	Evictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ytradio_listener_evictions_total",
			Help: "Listeners evicted because they kept the relay buffer full",
		},
		[]string{"playlist"},
	)
)
