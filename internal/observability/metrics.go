package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	QueueRunning       prometheus.Gauge
	QueueQueued        prometheus.Gauge
	QueueMaxConcurrent prometheus.Gauge
	TaskEvents         *prometheus.CounterVec
	ApprovalOutcomes   *prometheus.CounterVec
	ApprovalWait       prometheus.Histogram
	CachedExecutors    *prometheus.GaugeVec
	ExecutorEvictions  *prometheus.CounterVec
	BusDropped         *prometheus.CounterVec
	WSMessages         *prometheus.CounterVec
	AdapterErrors      *prometheus.CounterVec

	stages   *stageWindow
	gatherer prometheus.Gatherer
}

// NewMetrics registers instruments on reg, or on the default registry when
// reg is nil.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	gatherer := prometheus.DefaultGatherer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	factory := promauto.With(reg)

	return &Metrics{
		QueueRunning: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_running_tasks",
			Help:      "Tasks currently holding a concurrency slot.",
		}),
		QueueQueued: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_waiting_tasks",
			Help:      "Tasks waiting for a concurrency slot.",
		}),
		QueueMaxConcurrent: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_max_concurrent_tasks",
			Help:      "Configured concurrency cap.",
		}),
		TaskEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_events_total",
			Help:      "Task lifecycle events by type.",
		}, []string{"event"}),
		ApprovalOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approval_outcomes_total",
			Help:      "Resolved approvals by outcome.",
		}, []string{"outcome"}),
		ApprovalWait: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "approval_wait_seconds",
			Help:      "Time from approval request to resolution.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		CachedExecutors: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cached_executors",
			Help:      "Executors held in the cache by status.",
		}, []string{"status"}),
		ExecutorEvictions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executor_evictions_total",
			Help:      "Executor cache evictions by reason.",
		}, []string{"reason"}),
		BusDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_bus_dropped_total",
			Help:      "Events dropped because a subscriber buffer was full.",
		}, []string{"topic"}),
		WSMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		AdapterErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "adapter_errors_total",
			Help:      "Agent adapter errors by adapter and code.",
		}, []string{"adapter", "code"}),
		stages:   newStageWindow(256),
		gatherer: gatherer,
	}
}

func (m *Metrics) ObserveTaskEvent(event string) {
	if m == nil {
		return
	}
	m.TaskEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveQueue(running, queued, maxConcurrent int) {
	if m == nil {
		return
	}
	m.QueueRunning.Set(float64(running))
	m.QueueQueued.Set(float64(queued))
	m.QueueMaxConcurrent.Set(float64(maxConcurrent))
}

func (m *Metrics) ObserveApproval(outcome string, wait time.Duration) {
	if m == nil {
		return
	}
	m.ApprovalOutcomes.WithLabelValues(outcome).Inc()
	m.ApprovalWait.Observe(wait.Seconds())
	m.stages.Observe(StageApprovalWait, float64(wait.Milliseconds()))
}

func (m *Metrics) ObserveExecutorCache(active, completed int) {
	if m == nil {
		return
	}
	m.CachedExecutors.WithLabelValues("active").Set(float64(active))
	m.CachedExecutors.WithLabelValues("completed").Set(float64(completed))
}

func (m *Metrics) ObserveEviction(reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ExecutorEvictions.WithLabelValues(reason).Add(float64(n))
}

func (m *Metrics) ObserveBusDrop(topic string) {
	if m == nil {
		return
	}
	m.BusDropped.WithLabelValues(topic).Inc()
}

func (m *Metrics) ObserveWSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

func (m *Metrics) ObserveAdapterError(adapter, code string) {
	if m == nil {
		return
	}
	m.AdapterErrors.WithLabelValues(adapter, code).Inc()
}

// ObserveStage records a latency sample for one of the task lifecycle stages.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stages.Observe(stage, float64(d.Milliseconds()))
}

func (m *Metrics) StageSnapshot() StageSnapshot {
	if m == nil {
		return StageSnapshot{GeneratedAt: time.Now().UTC()}
	}
	return m.stages.Snapshot()
}

// Handler serves the registry the instruments were registered on.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == prometheus.DefaultGatherer {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
