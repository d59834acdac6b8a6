// Package metrics implements Prometheus metrics for the message stream.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FramesDispatchedTotal counts recognized inbound frames by group
	FramesDispatchedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msgstream_frames_dispatched_total",
			Help: "Total number of inbound frames dispatched to a group handler",
		},
		[]string{"group"},
	)

	// FramesUnroutedTotal counts inbound frames whose group had no handler
	FramesUnroutedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msgstream_frames_unrouted_total",
			Help: "Total number of inbound frames with no registered handler",
		},
		[]string{"group"},
	)

	// BytesDiscardedTotal counts bytes dropped after an unrecognized group
	BytesDiscardedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "msgstream_bytes_discarded_total",
			Help: "Total number of inbound bytes discarded after an unrecognized group",
		},
	)

	// FramesSentTotal counts outbound frames by group
	FramesSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msgstream_frames_sent_total",
			Help: "Total number of frames written to seekers",
		},
		[]string{"group"},
	)

	// SendFailuresTotal counts dropped sends by reason
	SendFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msgstream_send_failures_total",
			Help: "Total number of sends dropped",
		},
		[]string{"reason"},
	)

	// InstancesConnected tracks connected seeker instances per accessory
	InstancesConnected = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "msgstream_instances_connected",
			Help: "Number of connection instances in the Connected state",
		},
		[]string{"device"},
	)

	// ConnectionsRejectedTotal counts refused incoming connections by reason
	ConnectionsRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msgstream_connections_rejected_total",
			Help: "Total number of incoming connections refused",
		},
		[]string{"reason"},
	)

	// HandoverStepsTotal counts handover steps
	HandoverStepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msgstream_handover_steps_total",
			Help: "Total number of handover steps executed",
		},
		[]string{"step"},
	)
)

var (
	// LinkBytesTotal counts raw transport bytes by direction
	LinkBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msgstream_link_bytes_total",
			Help: "Total number of bytes moved over seeker links",
		},
		[]string{"direction"},
	)

	// LinksActive tracks open transport links
	LinksActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "msgstream_links_active",
			Help: "Number of open seeker links",
		},
	)
)
