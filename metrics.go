package orchestrator

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus counters, gauges and histograms for the
// daemon. All methods are safe on a nil receiver so components can run
// unmetered in tests.
type Metrics struct {
	registry             *prometheus.Registry
	taskSubmittedTotal   *prometheus.CounterVec
	taskDispatchedTotal  prometheus.Counter
	taskRetriesTotal     prometheus.Counter
	taskFinishedTotal    *prometheus.CounterVec
	taskDurationSeconds  *prometheus.HistogramVec
	queueDepth           *prometheus.GaugeVec
	activeExecutions     prometheus.Gauge
	devicesByStatus      *prometheus.GaugeVec
	profilesByStatus     *prometheus.GaugeVec
	serversByState       *prometheus.GaugeVec
	serverRestartsTotal  prometheus.Counter
	bindingSyncTotal     *prometheus.CounterVec
	discoveryScansTotal  prometheus.Counter
	discoveryScanSeconds prometheus.Histogram
}

// NewMetrics constructs a metrics registry and registers all collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	taskSubmittedTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orchestrator",
			Subsystem: "task",
			Name:      "submitted_total",
			Help:      "Total tasks accepted into the queue.",
		},
		[]string{"priority"},
	)
	taskDispatchedTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "orchestrator",
			Subsystem: "task",
			Name:      "dispatched_total",
			Help:      "Total task-to-device dispatches, retries included.",
		},
	)
	taskRetriesTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "orchestrator",
			Subsystem: "task",
			Name:      "retries_total",
			Help:      "Total failed attempts that were requeued.",
		},
	)
	taskFinishedTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orchestrator",
			Subsystem: "task",
			Name:      "finished_total",
			Help:      "Total tasks that reached a terminal status.",
		},
		[]string{"status"},
	)
	taskDurationSeconds := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "orchestrator",
			Subsystem: "task",
			Name:      "duration_seconds",
			Help:      "Wall time of the final execution attempt.",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200, 1800, 3600},
		},
		[]string{"status"},
	)
	queueDepth := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "orchestrator",
			Subsystem: "task",
			Name:      "queue_depth",
			Help:      "Pending tasks per priority bucket.",
		},
		[]string{"priority"},
	)
	activeExecutions := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "orchestrator",
			Subsystem: "task",
			Name:      "active_executions",
			Help:      "Executions currently holding a device.",
		},
	)
	devicesByStatus := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "orchestrator",
			Subsystem: "device",
			Name:      "count",
			Help:      "Known devices per registry status.",
		},
		[]string{"status"},
	)
	profilesByStatus := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "orchestrator",
			Subsystem: "profile",
			Name:      "count",
			Help:      "Identity profiles per pool status.",
		},
		[]string{"status"},
	)
	serversByState := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "orchestrator",
			Subsystem: "server",
			Name:      "count",
			Help:      "Automation servers per lifecycle state.",
		},
		[]string{"state"},
	)
	serverRestartsTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "orchestrator",
			Subsystem: "server",
			Name:      "restarts_total",
			Help:      "Total automation server restarts after a crash or failed probe.",
		},
	)
	bindingSyncTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orchestrator",
			Subsystem: "binding",
			Name:      "sync_total",
			Help:      "Total identity sync attempts by outcome.",
		},
		[]string{"result"},
	)
	discoveryScansTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "orchestrator",
			Subsystem: "discovery",
			Name:      "scans_total",
			Help:      "Total device discovery scans.",
		},
	)
	discoveryScanSeconds := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "orchestrator",
			Subsystem: "discovery",
			Name:      "scan_duration_seconds",
			Help:      "Time spent listing and inspecting devices per scan.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30},
		},
	)

	registry.MustRegister(
		taskSubmittedTotal,
		taskDispatchedTotal,
		taskRetriesTotal,
		taskFinishedTotal,
		taskDurationSeconds,
		queueDepth,
		activeExecutions,
		devicesByStatus,
		profilesByStatus,
		serversByState,
		serverRestartsTotal,
		bindingSyncTotal,
		discoveryScansTotal,
		discoveryScanSeconds,
	)

	return &Metrics{
		registry:             registry,
		taskSubmittedTotal:   taskSubmittedTotal,
		taskDispatchedTotal:  taskDispatchedTotal,
		taskRetriesTotal:     taskRetriesTotal,
		taskFinishedTotal:    taskFinishedTotal,
		taskDurationSeconds:  taskDurationSeconds,
		queueDepth:           queueDepth,
		activeExecutions:     activeExecutions,
		devicesByStatus:      devicesByStatus,
		profilesByStatus:     profilesByStatus,
		serversByState:       serversByState,
		serverRestartsTotal:  serverRestartsTotal,
		bindingSyncTotal:     bindingSyncTotal,
		discoveryScansTotal:  discoveryScansTotal,
		discoveryScanSeconds: discoveryScanSeconds,
	}
}

// Handler returns an HTTP handler that serves the metrics registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) TaskSubmitted(priority TaskPriority) {
	if m == nil {
		return
	}
	m.taskSubmittedTotal.WithLabelValues(string(priority)).Inc()
}

func (m *Metrics) TaskDispatched() {
	if m == nil {
		return
	}
	m.taskDispatchedTotal.Inc()
}

func (m *Metrics) TaskRetried() {
	if m == nil {
		return
	}
	m.taskRetriesTotal.Inc()
}

func (m *Metrics) TaskFinished(status TaskStatus) {
	if m == nil {
		return
	}
	m.taskFinishedTotal.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) ObserveExecution(status TaskStatus, duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		return
	}
	m.taskDurationSeconds.WithLabelValues(string(status)).Observe(seconds)
}

func (m *Metrics) SetQueueDepths(counts map[TaskPriority]int) {
	if m == nil {
		return
	}
	for priority, n := range counts {
		m.queueDepth.WithLabelValues(string(priority)).Set(float64(n))
	}
}

func (m *Metrics) SetActive(n int) {
	if m == nil {
		return
	}
	m.activeExecutions.Set(float64(n))
}

func (m *Metrics) SetDeviceCounts(counts map[DeviceStatus]int) {
	if m == nil {
		return
	}
	m.devicesByStatus.Reset()
	for status, n := range counts {
		m.devicesByStatus.WithLabelValues(string(status)).Set(float64(n))
	}
}

func (m *Metrics) SetProfileCounts(counts map[ProfileStatus]int) {
	if m == nil {
		return
	}
	m.profilesByStatus.Reset()
	for status, n := range counts {
		m.profilesByStatus.WithLabelValues(string(status)).Set(float64(n))
	}
}

func (m *Metrics) SetServerStates(counts map[ServerState]int) {
	if m == nil {
		return
	}
	m.serversByState.Reset()
	for state, n := range counts {
		m.serversByState.WithLabelValues(string(state)).Set(float64(n))
	}
}

func (m *Metrics) ServerRestarted() {
	if m == nil {
		return
	}
	m.serverRestartsTotal.Inc()
}

func (m *Metrics) BindingSynced(result SyncStatus) {
	if m == nil {
		return
	}
	m.bindingSyncTotal.WithLabelValues(string(result)).Inc()
}

func (m *Metrics) ScanCompleted(duration time.Duration) {
	if m == nil {
		return
	}
	m.discoveryScansTotal.Inc()
	seconds := duration.Seconds()
	if seconds < 0 {
		return
	}
	m.discoveryScanSeconds.Observe(seconds)
}
