package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_connections",
		Help: "Live WebSocket connections registered with the hub",
	})

	roomsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_rooms",
		Help: "Rooms with at least one member",
	})

	eventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_events_total",
			Help: "Relay events by direction (in, out) and name",
		},
		[]string{"direction", "event"},
	)

	evictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_evictions_total",
			Help: "Connections removed by the hub, by reason",
		},
		[]string{"reason"},
	)

	transfersInflight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_transfers_inflight",
		Help: "Chunked file transfers currently being reassembled",
	})

	transfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_transfers_total",
			Help: "Finished or rejected transfers by result",
		},
		[]string{"result"},
	)

	transferBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_transfer_bytes_total",
		Help: "Decoded chunk bytes accepted by the reassembler",
	})

	throttledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_throttled_total",
			Help: "Requests or frames dropped by rate limiting",
		},
		[]string{"kind"},
	)
)
