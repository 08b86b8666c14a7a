package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "orbit"

type moduleMetrics struct {
	queueSize    *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	dequeueTotal *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	turnsTotal   *prometheus.CounterVec
	turnDuration prometheus.Histogram

	llmRequestsTotal *prometheus.CounterVec
	llmRetriesTotal  *prometheus.CounterVec
	llmDuration      *prometheus.HistogramVec

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec
	toolErrorsTotal       *prometheus.CounterVec

	cachedSessions      prometheus.Gauge
	sessionCacheTotal   *prometheus.CounterVec
	sessionLoadDuration prometheus.Histogram
	sessionSaveDuration prometheus.Histogram
	compressionsTotal   prometheus.Counter
	forksTotal          prometheus.Counter

	executionStopsTotal *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "queue_size",
					Help:      "Current queue size by lane.",
				},
				[]string{"lane"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "enqueue_total",
					Help:      "Total enqueue operations by lane.",
				},
				[]string{"lane"},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "dequeue_total",
					Help:      "Total dequeue/completion operations by lane and status.",
				},
				[]string{"lane", "status"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "task_duration_seconds",
					Help:      "Task execution duration in seconds by lane.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"lane"},
			),
			turnsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "turns_total",
					Help:      "Total turns by terminal state.",
				},
				[]string{"state"},
			),
			turnDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "turn_duration_seconds",
					Help:      "Turn duration in seconds.",
					Buckets:   prometheus.DefBuckets,
				},
			),
			llmRequestsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "llm_requests_total",
					Help:      "Total model requests by provider and error code.",
				},
				[]string{"provider", "code"},
			),
			llmRetriesTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "llm_retries_total",
					Help:      "Total model request retries by provider.",
				},
				[]string{"provider"},
			),
			llmDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "llm_request_duration_seconds",
					Help:      "Model request duration in seconds by provider.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "tool_execution_total",
					Help:      "Total tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "tool_execution_duration_seconds",
					Help:      "Tool execution duration in seconds by tool.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			toolErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "tool_errors_total",
					Help:      "Total tool errors by tool.",
				},
				[]string{"tool"},
			),
			cachedSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "cached_sessions",
					Help:      "Sessions currently held in the conversation cache.",
				},
			),
			sessionCacheTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "session_cache_total",
					Help:      "Session cache lookups by result.",
				},
				[]string{"result"},
			),
			sessionLoadDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "session_load_duration_seconds",
					Help:      "Session load duration in seconds.",
					Buckets:   prometheus.DefBuckets,
				},
			),
			sessionSaveDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "session_save_duration_seconds",
					Help:      "Session save duration in seconds.",
					Buckets:   prometheus.DefBuckets,
				},
			),
			compressionsTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "session_compressions_total",
					Help:      "Total history compressions applied on save.",
				},
			),
			forksTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "session_forks_total",
					Help:      "Total session forks.",
				},
			),
			executionStopsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "execution_stops_total",
					Help:      "Agent runs finished, by stop reason.",
				},
				[]string{"reason"},
			),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.enqueueTotal,
			m.dequeueTotal,
			m.taskDuration,
			m.turnsTotal,
			m.turnDuration,
			m.llmRequestsTotal,
			m.llmRetriesTotal,
			m.llmDuration,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.toolErrorsTotal,
			m.cachedSessions,
			m.sessionCacheTotal,
			m.sessionLoadDuration,
			m.sessionSaveDuration,
			m.compressionsTotal,
			m.forksTotal,
			m.executionStopsTotal,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func RecordQueueEnqueue(lane string, queueSize int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(lane).Inc()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func SetQueueSize(lane string, queueSize int) {
	m := getMetrics()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func RecordQueueCompletion(lane string, duration time.Duration, success bool, queueSize int) {
	m := getMetrics()
	m.dequeueTotal.WithLabelValues(lane, statusLabel(success)).Inc()
	m.taskDuration.WithLabelValues(lane).Observe(duration.Seconds())
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

// RecordTurn counts a turn reaching a terminal state
func RecordTurn(state string, duration time.Duration) {
	m := getMetrics()
	m.turnsTotal.WithLabelValues(state).Inc()
	m.turnDuration.Observe(duration.Seconds())
}

// RecordLLMRequest records one model request. code is empty on success.
func RecordLLMRequest(provider, code string, duration time.Duration) {
	m := getMetrics()
	if code == "" {
		code = "ok"
	}
	m.llmRequestsTotal.WithLabelValues(provider, code).Inc()
	m.llmDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func RecordLLMRetry(provider string) {
	getMetrics().llmRetriesTotal.WithLabelValues(provider).Inc()
}

func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	m.toolExecutionTotal.WithLabelValues(tool, statusLabel(success)).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
	if !success {
		m.toolErrorsTotal.WithLabelValues(tool).Inc()
	}
}

func SetCachedSessions(count int) {
	getMetrics().cachedSessions.Set(float64(count))
}

// RecordSessionCache counts a cache lookup as a hit or a miss
func RecordSessionCache(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	getMetrics().sessionCacheTotal.WithLabelValues(result).Inc()
}

func RecordSessionLoad(duration time.Duration) {
	getMetrics().sessionLoadDuration.Observe(duration.Seconds())
}

func RecordSessionSave(duration time.Duration) {
	getMetrics().sessionSaveDuration.Observe(duration.Seconds())
}

func RecordCompression() {
	getMetrics().compressionsTotal.Inc()
}

func RecordFork() {
	getMetrics().forksTotal.Inc()
}

// RecordExecutionStop counts finished runs by stop reason
func RecordExecutionStop(reason string) {
	getMetrics().executionStopsTotal.WithLabelValues(reason).Inc()
}
