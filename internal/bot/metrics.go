package bot

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"autotrader/internal/models"
)

// ============================================================
// Prometheus метрики движка сессий
// ============================================================

// ============ Метрики состояния ============

// SessionsActive - сессии в реестре по состояниям
var SessionsActive = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "autotrader",
		Subsystem: "engine",
		Name:      "sessions_active",
		Help:      "Sessions owned by this engine instance by state",
	},
	[]string{"state"},
)

// SessionTransitions - переходы состояний
var SessionTransitions = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "autotrader",
		Subsystem: "engine",
		Name:      "session_transitions_total",
		Help:      "Session state transitions",
	},
	[]string{"from", "to"},
)

// ============ Цикл сессии ============

// LoopIterationDuration - длительность одной итерации цикла
var LoopIterationDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "autotrader",
		Subsystem: "engine",
		Name:      "loop_iteration_seconds",
		Help:      "Duration of one session loop iteration",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	},
	[]string{"result"}, // signal, no_signal, paused, target_reached, error
)

// HeartbeatFailures - неудачные записи heartbeat
var HeartbeatFailures = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "autotrader",
		Subsystem: "engine",
		Name:      "heartbeat_failures_total",
		Help:      "Failed heartbeat writes",
	},
	[]string{"store"}, // db, redis
)

// ============ Конвейер ордеров ============

// PipelineOutcomes - исход заявок
var PipelineOutcomes = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "autotrader",
		Subsystem: "pipeline",
		Name:      "orders_total",
		Help:      "Order pipeline outcomes by reason code",
	},
	[]string{"outcome", "reason"}, // accepted|rejected|failed
)

// ============ Восстановление и алерты ============

// RecoveredSessions - итог восстановления сессий
var RecoveredSessions = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "autotrader",
		Subsystem: "engine",
		Name:      "recovered_sessions_total",
		Help:      "Stale sessions handled on recovery",
	},
	[]string{"result"}, // restarted, failed, finalized, skipped
)

// StopTimeouts - остановки, не дождавшиеся завершения задачи
var StopTimeouts = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "autotrader",
		Subsystem: "engine",
		Name:      "stop_timeouts_total",
		Help:      "Stops that detached a task after the timeout",
	},
)

// OwnershipLost - циклы, снятые после потери владения сессией
var OwnershipLost = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "autotrader",
		Subsystem: "engine",
		Name:      "ownership_lost_total",
		Help:      "Session loops dropped because another instance stopped or claimed the session",
	},
)

// OrdersReconciled - записи журнала, обновлённые по данным биржи
var OrdersReconciled = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "autotrader",
		Subsystem: "pipeline",
		Name:      "orders_reconciled_total",
		Help:      "Journal orders updated from exchange state",
	},
	[]string{"status"},
)

// BufferOverflows - переполнение внутренних буферов
var BufferOverflows = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "autotrader",
		Subsystem: "engine",
		Name:      "buffer_overflows_total",
		Help:      "Events dropped because a buffer was full",
	},
	[]string{"buffer"},
)

// ============ Хелперы ============

// RecordTransition учитывает переход
func RecordTransition(from, to string) {
	SessionTransitions.WithLabelValues(from, to).Inc()
}

// RecordPipelineOutcome исход одной заявки
func RecordPipelineOutcome(outcome, reason string) {
	PipelineOutcomes.WithLabelValues(outcome, reason).Inc()
}

// RecordBufferOverflow переполнение буфера
func RecordBufferOverflow(bufferName string) {
	BufferOverflows.WithLabelValues(bufferName).Inc()
}

// setActiveGauge выставляет число сессий по состояниям
func setActiveGauge(counts map[string]int) {
	for _, st := range []string{models.SessionInitializing, models.SessionRunning, models.SessionPaused, models.SessionStopping} {
		SessionsActive.WithLabelValues(st).Set(float64(counts[st]))
	}
}
