package handlers

import (
	"context"
	"net/http"
	"runtime"
	"time"
)

// ServiceName имя сервиса в ответе /health
const ServiceName = "autotrader"

// dbPingTimeout ожидание ответа БД в /healthz
const dbPingTimeout = 2 * time.Second

// EngineStatus состояние планировщика для /healthz
type EngineStatus interface {
	IsEngineRunning() bool
	ActiveCount() int
}

// Pinger проверка доступности БД (*sqlx.DB, *sql.DB)
type Pinger interface {
	PingContext(ctx context.Context) error
}

// HealthHandler liveness и readiness
type HealthHandler struct {
	engine EngineStatus
	db     Pinger
}

// NewHealthHandler db может быть nil: тогда database = "not_configured"
func NewHealthHandler(engine EngineStatus, db Pinger) *HealthHandler {
	return &HealthHandler{engine: engine, db: db}
}

// LivenessResponse ответ /health
type LivenessResponse struct {
	Status    string `json:"status"`
	Service   string `json:"service"`
	GoVersion string `json:"goVersion"`
}

// ReadinessResponse ответ /healthz
type ReadinessResponse struct {
	Status         string    `json:"status"` // healthy, degraded
	Timestamp      time.Time `json:"timestamp"`
	EngineRunning  bool      `json:"engineRunning"`
	ActiveSessions int       `json:"activeSessions"`
	Database       string    `json:"database"` // ok, error, not_configured
}

// Liveness GET /health - процесс жив
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, LivenessResponse{
		Status:    "ok",
		Service:   ServiceName,
		GoVersion: runtime.Version(),
	})
}

// Readiness GET /healthz
//
// healthy (200): движок работает и БД отвечает.
// degraded (503): что-то из этого не так, тело всё равно заполнено.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	resp := ReadinessResponse{
		Timestamp: time.Now().UTC(),
		Database:  "not_configured",
	}
	if h.engine != nil {
		resp.EngineRunning = h.engine.IsEngineRunning()
		resp.ActiveSessions = h.engine.ActiveCount()
	}

	dbOK := true
	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), dbPingTimeout)
		defer cancel()
		if err := h.db.PingContext(ctx); err != nil {
			resp.Database = "error"
			dbOK = false
		} else {
			resp.Database = "ok"
		}
	}

	status := http.StatusOK
	resp.Status = "healthy"
	if !resp.EngineRunning || !dbOK {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	respondWithJSON(w, status, resp)
}
