package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"autotrader/internal/api/handlers"
	"autotrader/internal/api/middleware"
	"autotrader/internal/service"
	"autotrader/internal/websocket"
)

// Engine операции движка, нужные API (сессии и состояние для /healthz)
type Engine interface {
	handlers.SessionEngine
	handlers.EngineStatus
}

// Dependencies содержит все зависимости для API handlers
type Dependencies struct {
	Engine              Engine
	CredentialService   service.CredentialServiceInterface
	NotificationService service.NotificationServiceInterface
	Hub                 *websocket.Hub
	DB                  handlers.Pinger
	SessionHistory      handlers.SessionHistory
	OrderHistory        handlers.OrderHistory

	AllowedOrigins []string
	APITokenHash   string // bcrypt, пусто - без авторизации
	Logger         *zap.Logger
}

// SetupRoutes настраивает все HTTP маршруты приложения
//
// Структура маршрутов:
//
// /api/v1/ (bearer токен если задан API_TOKEN_HASH)
//
//	├── /sessions/
//	│   ├── POST / - запустить сессию
//	│   ├── GET /active - активные сессии экземпляра
//	│   ├── POST /{id}/stop - остановить
//	│   ├── POST /{id}/pause - приостановить
//	│   ├── POST /{id}/resume - возобновить
//	│   ├── GET /{id}/orders - журнал ордеров
//	│   └── GET /{id}/notifications - алерты сессии
//	├── /users/{userId}/
//	│   ├── GET /session - активная сессия пользователя
//	│   ├── GET /sessions - история сессий
//	│   └── PUT|GET|DELETE /credentials/{exchange} - API ключи
//	└── /notifications/
//	    └── GET / - последние алерты
//
// /ws/stream - WebSocket: смены состояния сессий и алерты (?user_id=)
// /health, /healthz, /metrics - без авторизации
//
// Middleware применяется в следующем порядке:
// 1. Recovery (для всех маршрутов)
// 2. Logging (для всех маршрутов)
// 3. CORS (для всех маршрутов)
// 4. BearerAuth (/api/v1 и /ws)
func SetupRoutes(deps *Dependencies) *mux.Router {
	if deps == nil {
		deps = &Dependencies{}
	}

	router := mux.NewRouter()

	// Глобальные middleware (применяются ко всем маршрутам)
	router.Use(middleware.Recovery(deps.Logger))
	router.Use(middleware.Logging(deps.Logger))
	cors := middleware.CORS(deps.AllowedOrigins)
	router.Use(cors)

	// mux не применяет middleware к 404/405, а preflight OPTIONS
	// попадает именно в 405: CORS оборачивает их явно
	router.NotFoundHandler = cors(http.NotFoundHandler())
	router.MethodNotAllowedHandler = cors(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusMethodNotAllowed)
	}))

	auth := middleware.BearerAuth(deps.APITokenHash)

	// API v1 routes
	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(auth)

	// Session routes
	if deps.Engine != nil {
		sessionHandler := handlers.NewSessionHandler(deps.Engine)
		api.HandleFunc("/sessions", sessionHandler.StartSession).Methods("POST")
		api.HandleFunc("/sessions/active", sessionHandler.GetActiveSessions).Methods("GET")
		api.HandleFunc("/sessions/{id}/stop", sessionHandler.StopSession).Methods("POST")
		api.HandleFunc("/sessions/{id}/pause", sessionHandler.PauseSession).Methods("POST")
		api.HandleFunc("/sessions/{id}/resume", sessionHandler.ResumeSession).Methods("POST")
		api.HandleFunc("/users/{userId}/session", sessionHandler.GetUserSession).Methods("GET")
	}

	// Credential routes
	if deps.CredentialService != nil {
		credentialHandler := handlers.NewCredentialHandler(deps.CredentialService)
		api.HandleFunc("/users/{userId}/credentials/{exchange}", credentialHandler.SaveCredentials).Methods("PUT")
		api.HandleFunc("/users/{userId}/credentials/{exchange}", credentialHandler.GetCredentials).Methods("GET")
		api.HandleFunc("/users/{userId}/credentials/{exchange}", credentialHandler.DeleteCredentials).Methods("DELETE")
	}

	// History routes
	if deps.SessionHistory != nil && deps.OrderHistory != nil {
		historyHandler := handlers.NewHistoryHandler(deps.SessionHistory, deps.OrderHistory)
		api.HandleFunc("/users/{userId}/sessions", historyHandler.GetUserSessions).Methods("GET")
		api.HandleFunc("/sessions/{id}/orders", historyHandler.GetSessionOrders).Methods("GET")
	}

	// Notification routes
	if deps.NotificationService != nil {
		notificationHandler := handlers.NewNotificationHandler(deps.NotificationService)
		api.HandleFunc("/notifications", notificationHandler.GetNotifications).Methods("GET")
		api.HandleFunc("/sessions/{id}/notifications", notificationHandler.GetNotifications).Methods("GET")
	}

	// WebSocket route
	if deps.Hub != nil {
		hub := deps.Hub
		router.Handle("/ws/stream", auth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			websocket.ServeWS(hub, w, r)
		}))).Methods("GET")
	}

	// Health check endpoints
	var engineStatus handlers.EngineStatus
	if deps.Engine != nil {
		engineStatus = deps.Engine
	}
	healthHandler := handlers.NewHealthHandler(engineStatus, deps.DB)
	router.HandleFunc("/health", healthHandler.Liveness).Methods("GET")
	router.HandleFunc("/healthz", healthHandler.Readiness).Methods("GET")

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	return router
}
