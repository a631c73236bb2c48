package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/V4T54L/zpool-watch/internal/domain"
)

const namespace = "zpool_watch"

var loopStates = []domain.LoopState{
	domain.StateStarting,
	domain.StateRunning,
	domain.StateRetrying,
	domain.StateStopped,
}

// MonitorMetrics holds all Prometheus metrics for the event monitor.
type MonitorMetrics struct {
	EventsTotal          *prometheus.CounterVec
	NotificationsTotal   *prometheus.CounterVec
	NotifyDuration       prometheus.Histogram
	SourceFailuresTotal  prometheus.Counter
	LastNotificationTime prometheus.Gauge
	LoopState            *prometheus.GaugeVec
}

// NewMonitorMetrics initializes the metrics and registers them with reg.
func NewMonitorMetrics(reg prometheus.Registerer) *MonitorMetrics {
	factory := promauto.With(reg)
	return &MonitorMetrics{
		EventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "total",
			Help:      "Total number of events received by outcome.",
		}, []string{"outcome"}), // outcome: ignored, malformed, suppressed, allowed
		NotificationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifier",
			Name:      "invocations_total",
			Help:      "Total number of notifier invocations by status.",
		}, []string{"status"}), // status: sent, failed, timeout
		NotifyDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "notifier",
			Name:      "duration_seconds",
			Help:      "Wall-clock duration of notifier invocations.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		SourceFailuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "failures_total",
			Help:      "Total number of event source open or read failures.",
		}),
		LastNotificationTime: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "notifier",
			Name:      "last_sent_timestamp_seconds",
			Help:      "Unix time of the last successfully delivered notification.",
		}),
		LoopState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "loop",
			Name:      "state",
			Help:      "Current state of the event loop (1 for the active state).",
		}, []string{"state"}),
	}
}

func (m *MonitorMetrics) ObserveEvent(outcome string) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(outcome).Inc()
}

func (m *MonitorMetrics) ObserveNotification(status string, took time.Duration, at time.Time) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(status).Inc()
	m.NotifyDuration.Observe(took.Seconds())
	if status == "sent" {
		m.LastNotificationTime.Set(float64(at.Unix()))
	}
}

func (m *MonitorMetrics) ObserveSourceFailure() {
	if m == nil {
		return
	}
	m.SourceFailuresTotal.Inc()
}

// SetState marks state as the active loop state.
func (m *MonitorMetrics) SetState(state domain.LoopState) {
	if m == nil {
		return
	}
	for _, s := range loopStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.LoopState.WithLabelValues(string(s)).Set(v)
	}
}
