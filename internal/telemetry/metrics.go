package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Метрики регистрируются в глобальном registry при импорте пакета.
var (
	// TaskTransitions — переходы tasks по целевому состоянию.
	TaskTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_task_transitions_total",
		Help: "Task state transitions by target state",
	}, []string{"state"})

	// AdmissionDenials — отказы в старте из-за лимита группы.
	AdmissionDenials = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_admission_denied_total",
		Help: "Task starts rejected by group concurrency limit",
	})

	// WorkerTicks — тики фоновых воркеров.
	WorkerTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_worker_ticks_total",
		Help: "Background worker ticks by worker and result",
	}, []string{"worker", "result"})

	// WorkerTickDuration — длительность тика.
	WorkerTickDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "orchestrator_worker_tick_duration_seconds",
		Help:    "Background worker tick duration",
		Buckets: prometheus.DefBuckets,
	}, []string{"worker"})

	// SupervisorOperations — операции fleet supervisor.
	SupervisorOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_supervisor_operations_total",
		Help: "Fleet supervisor operations by type and result",
	}, []string{"operation", "result"})

	// NodesByState — число nodes по состоянию (обновляется supervisor'ом).
	NodesByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fleet_nodes",
		Help: "Fleet nodes by state",
	}, []string{"state"})

	// RunnerTasks — tasks, выполненные runner'ом, по результату
	// (succeeded, failed, aborted).
	RunnerTasks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "runner_tasks_total",
		Help: "Tasks executed by the runner by result",
	}, []string{"result"})

	// HTTPRequests — запросы к API.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_http_requests_total",
		Help: "HTTP API requests by method and status",
	}, []string{"method", "status"})
)

// ObserveTick записывает результат тика воркера.
// Сигнатура совпадает с loop.Observer.
func ObserveTick(worker string, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	WorkerTicks.WithLabelValues(worker, result).Inc()
	WorkerTickDuration.WithLabelValues(worker).Observe(d.Seconds())
}

// MetricsHandler возвращает handler для /metrics.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
