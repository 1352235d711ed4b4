package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "deskchat"

type moduleMetrics struct {
	inflightChats  prometheus.Gauge
	chatBusyTotal  prometheus.Counter
	workerLockWait *prometheus.HistogramVec

	sendTotal    *prometheus.CounterVec
	sendDuration *prometheus.HistogramVec
	loopSteps    prometheus.Histogram

	backendCallTotal    *prometheus.CounterVec
	backendCallDuration *prometheus.HistogramVec
	backendRetryTotal   *prometheus.CounterVec

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec

	storeLoadDuration *prometheus.HistogramVec
	storeSaveDuration *prometheus.HistogramVec

	streamEventsTotal   prometheus.Counter
	streamPersistsTotal *prometheus.CounterVec

	backgroundTasks prometheus.Gauge
	gatewayClients  prometheus.Gauge
	gatewayRPCTotal *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			inflightChats: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "inflight_chats",
				Help:      "Chats with a generation currently in flight.",
			}),
			chatBusyTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "chat_busy_total",
				Help:      "Sends rejected because the chat already had a generation in flight.",
			}),
			workerLockWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "worker_lock_wait_seconds",
				Help:      "Time spent waiting for a worker lock.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"worker"}),
			sendTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "send_total",
				Help:      "Completed sends by mode and status.",
			}, []string{"mode", "status"}),
			sendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "send_duration_seconds",
				Help:      "Send duration by mode.",
				Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			}, []string{"mode"}),
			loopSteps: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tool_loop_steps",
				Help:      "Backend dispatches per send.",
				Buckets:   []float64{1, 2, 3, 4, 5, 6},
			}),
			backendCallTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_call_total",
				Help:      "Backend calls by backend and status.",
			}, []string{"backend", "status"}),
			backendCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "backend_call_duration_seconds",
				Help:      "Backend call duration by backend.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"backend"}),
			backendRetryTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_retries_total",
				Help:      "Backend retries after a retryable failure.",
			}, []string{"backend"}),
			toolExecutionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tool_execution_total",
				Help:      "Tool executions by tool and status.",
			}, []string{"tool", "status"}),
			toolExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tool_execution_duration_seconds",
				Help:      "Tool execution duration by tool.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"tool"}),
			storeLoadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "store_load_duration_seconds",
				Help:      "Thread store load duration by document kind.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"doc"}),
			storeSaveDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "store_save_duration_seconds",
				Help:      "Thread store save duration by document kind.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"doc"}),
			streamEventsTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stream_events_total",
				Help:      "Streaming events published.",
			}),
			streamPersistsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stream_persists_total",
				Help:      "Placeholder persists during streaming by kind (throttled, forced).",
			}, []string{"kind"}),
			backgroundTasks: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "background_tasks",
				Help:      "Background sends currently running.",
			}),
			gatewayClients: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "gateway_clients",
				Help:      "Connected WebSocket clients.",
			}),
			gatewayRPCTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gateway_rpc_total",
				Help:      "Gateway RPC calls by method and status.",
			}, []string{"method", "status"}),
		}

		prometheus.MustRegister(
			m.inflightChats,
			m.chatBusyTotal,
			m.workerLockWait,
			m.sendTotal,
			m.sendDuration,
			m.loopSteps,
			m.backendCallTotal,
			m.backendCallDuration,
			m.backendRetryTotal,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.storeLoadDuration,
			m.storeSaveDuration,
			m.streamEventsTotal,
			m.streamPersistsTotal,
			m.backgroundTasks,
			m.gatewayClients,
			m.gatewayRPCTotal,
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

func SetInflightChats(count int) {
	getMetrics().inflightChats.Set(float64(count))
}

func RecordChatBusy() {
	getMetrics().chatBusyTotal.Inc()
}

func RecordWorkerLockWait(worker string, wait time.Duration) {
	getMetrics().workerLockWait.WithLabelValues(worker).Observe(wait.Seconds())
}

func RecordSend(mode string, duration time.Duration, steps int, success bool) {
	m := getMetrics()
	m.sendTotal.WithLabelValues(mode, statusLabel(success)).Inc()
	m.sendDuration.WithLabelValues(mode).Observe(duration.Seconds())
	if steps > 0 {
		m.loopSteps.Observe(float64(steps))
	}
}

func RecordBackendCall(backend string, duration time.Duration, success bool) {
	m := getMetrics()
	m.backendCallTotal.WithLabelValues(backend, statusLabel(success)).Inc()
	m.backendCallDuration.WithLabelValues(backend).Observe(duration.Seconds())
}

func RecordBackendRetry(backend string) {
	getMetrics().backendRetryTotal.WithLabelValues(backend).Inc()
}

func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	m.toolExecutionTotal.WithLabelValues(tool, statusLabel(success)).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func RecordStoreLoad(doc string, duration time.Duration) {
	getMetrics().storeLoadDuration.WithLabelValues(doc).Observe(duration.Seconds())
}

func RecordStoreSave(doc string, duration time.Duration) {
	getMetrics().storeSaveDuration.WithLabelValues(doc).Observe(duration.Seconds())
}

func RecordStreamEvent() {
	getMetrics().streamEventsTotal.Inc()
}

func RecordStreamPersist(forced bool) {
	kind := "throttled"
	if forced {
		kind = "forced"
	}
	getMetrics().streamPersistsTotal.WithLabelValues(kind).Inc()
}

func SetBackgroundTasks(count int) {
	getMetrics().backgroundTasks.Set(float64(count))
}

func SetGatewayClients(count int) {
	getMetrics().gatewayClients.Set(float64(count))
}

func RecordGatewayRPC(method string, success bool) {
	getMetrics().gatewayRPCTotal.WithLabelValues(method, statusLabel(success)).Inc()
}
