package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "belated"

var (
	once sync.Once

	// CheckpointsTotal counts fired checkpoints by result (evaluated, stale, error).
	CheckpointsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "checkpoints_total",
		Help:      "Total number of fired checkpoints, labeled by result.",
	}, []string{"result"})

	// CheckpointsArmed is the number of checkpoint timers currently pending.
	CheckpointsArmed = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "checkpoints_armed",
		Help:      "Current number of armed checkpoint timers.",
	})

	MeetingsScheduledTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "meetings_scheduled_total",
		Help:      "Total number of schedule calls, labeled by whether the meeting still occurs in the future.",
	}, []string{"occurs_in_future"})

	SweepsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "sweeps_total",
		Help:      "Total number of periodic sweeps, labeled by result.",
	}, []string{"result"})

	// SweepLastSuccessSeconds is a unix timestamp (seconds) of the last successful sweep.
	SweepLastSuccessSeconds = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "sweep_last_success_timestamp_seconds",
		Help:      "Unix timestamp (seconds) of the last successful sweep.",
	})

	NotificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "email",
		Name:      "notifications_total",
		Help:      "Total number of notification emails, labeled by kind and result.",
	}, []string{"kind", "result"})

	GeocodeRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "geocoder",
		Name:      "requests_total",
		Help:      "Total number of geocoding requests, labeled by result.",
	}, []string{"result"})

	// InvitesProcessedTotal counts invite deliveries by outcome.
	InvitesProcessedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "invites",
		Name:      "processed_total",
		Help:      "Total number of invite deliveries processed by the subscriber, labeled by result.",
	}, []string{"result"})

	InviteProcessingDurationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "invites",
		Name:      "processing_duration_seconds",
		Help:      "End-to-end time to process an invite delivery (callback + ack/nack).",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"result"})

	RabbitMQConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "invites",
		Name:      "rabbitmq_connected",
		Help:      "Whether the invite subscriber is currently connected (best-effort).",
	})

	WorkerInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "invites",
		Name:      "worker_in_flight",
		Help:      "Current number of invite deliveries being processed by worker goroutines.",
	})

	PositionsRecordedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "positions",
		Name:      "recorded_total",
		Help:      "Total number of position reports, labeled by result.",
	}, []string{"result"})
)

// Register registers the service metrics with the default Prometheus registry.
// Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			CheckpointsTotal,
			CheckpointsArmed,
			MeetingsScheduledTotal,
			SweepsTotal,
			SweepLastSuccessSeconds,
			NotificationsTotal,
			GeocodeRequestsTotal,
			InvitesProcessedTotal,
			InviteProcessingDurationSeconds,
			RabbitMQConnected,
			WorkerInFlight,
			PositionsRecordedTotal,
		)
	})
}

func NowUnixSeconds() float64 {
	return float64(time.Now().Unix())
}
