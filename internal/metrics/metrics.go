package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FramesRead = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "softswitch_frames_read_total",
		Help: "Frames parsed off ESL sockets, by content type.",
	}, []string{"content_type"})

	EventsDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "softswitch_events_dispatched_total",
		Help: "Events delivered to the ordered listener worker.",
	})

	CommandsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "softswitch_commands_sent_total",
		Help: "Command frames written to ESL sockets.",
	})

	BackgroundJobsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "softswitch_background_jobs_completed_total",
		Help: "BACKGROUND_JOB events matched to a pending bgapi call.",
	})

	IdleProbes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "softswitch_idle_probes_total",
		Help: "Keepalive probes written after a reader idle window.",
	})

	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "softswitch_active_connections",
		Help: "ESL connections currently open.",
	})

	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "softswitch_reconnects_total",
		Help: "Inbound sessions re-established after an unexpected disconnect.",
	})
)
