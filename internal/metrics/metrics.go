// Package metrics holds the prometheus collectors of the cluster and the
// balancing controller.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Reasons used with MessagesDropped.
const (
	DropForeign   = "foreign"
	DropGarbage   = "garbage"
	DropUnhandled = "unhandled"
	DropStale     = "stale_sender"
)

// Outcomes used with VolumeCommands.
const (
	VolumeIssued    = "issued"
	VolumeStashed   = "stashed"
	VolumeConfirmed = "confirmed"
	VolumeExternal  = "external"
	VolumeFailed    = "failed"
)

var (
	// MessagesReceived counts dispatched envelopes by kind.
	MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realstereo_messages_received_total",
		Help: "Total number of cluster messages received",
	}, []string{"kind"})

	// MessagesSent counts envelopes handed to the network by kind.
	MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realstereo_messages_sent_total",
		Help: "Total number of cluster messages sent",
	}, []string{"kind"})

	// MessagesDropped counts inbound messages that were discarded.
	MessagesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realstereo_messages_dropped_total",
		Help: "Total number of inbound cluster messages discarded",
	}, []string{"reason"})

	// SendErrors counts failed sends by kind.
	SendErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realstereo_send_errors_total",
		Help: "Total number of cluster messages that could not be sent",
	}, []string{"kind"})

	// NodesOnline is the number of nodes the registry considers online.
	NodesOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "realstereo_nodes_online",
		Help: "Number of online nodes",
	})

	// NodesAcquired is the number of nodes currently acquired by the master.
	NodesAcquired = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "realstereo_nodes_acquired",
		Help: "Number of acquired nodes",
	})

	// VolumeCommands counts balancing volume commands by outcome.
	VolumeCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realstereo_volume_commands_total",
		Help: "Total number of balancing volume commands by outcome",
	}, []string{"outcome"})

	// BalancingRooms is the number of rooms being balanced.
	BalancingRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "realstereo_balancing_rooms",
		Help: "Number of rooms with active volume balancing",
	})
)
