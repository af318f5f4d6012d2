package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"autotrader/internal/bot"
	"autotrader/internal/models"
)

// SessionEngine операции движка, доступные через API
type SessionEngine interface {
	Start(ctx context.Context, userID, exchangeName string, cfg models.SessionConfig) (*models.Session, error)
	Stop(ctx context.Context, sessionID string) error
	Pause(ctx context.Context, sessionID string) error
	Resume(ctx context.Context, sessionID string) error
	GetStatus(ctx context.Context, userID string) (*models.Session, error)
	GetActiveSessionsStatus() []*models.Session
}

var _ SessionEngine = (*bot.Engine)(nil)

// SessionHandler управляет торговыми сессиями
//
// Endpoints:
// - POST /api/v1/sessions                - запуск сессии
// - POST /api/v1/sessions/{id}/stop      - остановка
// - POST /api/v1/sessions/{id}/pause     - пауза
// - POST /api/v1/sessions/{id}/resume    - возобновление
// - GET  /api/v1/sessions/active         - сессии этого экземпляра
// - GET  /api/v1/users/{userId}/session  - активная сессия пользователя
//
// Ошибки движка возвращаются как {error, code}, где code - код причины
// (ALREADY_RUNNING, ILLEGAL_TRANSITION, INVALID_CREDENTIALS, ...).
type SessionHandler struct {
	engine SessionEngine
}

// NewSessionHandler создает новый SessionHandler
func NewSessionHandler(engine SessionEngine) *SessionHandler {
	return &SessionHandler{engine: engine}
}

// StartSessionRequest тело запроса запуска
type StartSessionRequest struct {
	UserID   string               `json:"userId"`
	Exchange string               `json:"exchange"`
	Config   models.SessionConfig `json:"config"`
}

// ActiveSessionsResponse список активных сессий
type ActiveSessionsResponse struct {
	Sessions []*models.Session `json:"sessions"`
	Total    int               `json:"total"`
}

// StartSession запускает сессию
//
// POST /api/v1/sessions
//
// HTTP коды:
// - 201 Created: сессия в RUNNING
// - 400 Bad Request: некорректный конфиг
// - 409 Conflict: у пользователя уже есть активная сессия на бирже
// - 422 Unprocessable Entity: ключи не найдены или отклонены биржей
// - 503 Service Unavailable: биржа недоступна
func (h *SessionHandler) StartSession(w http.ResponseWriter, r *http.Request) {
	var req StartSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithCode(w, http.StatusBadRequest, CodeBadRequest, "invalid request body: "+err.Error())
		return
	}

	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		respondWithCode(w, http.StatusBadRequest, bot.ReasonValidation, "userId is required")
		return
	}

	session, err := h.engine.Start(r.Context(), req.UserID, req.Exchange, req.Config)
	if err != nil {
		respondWithError(w, err)
		return
	}

	respondWithJSON(w, http.StatusCreated, session)
}

// StopSession POST /api/v1/sessions/{id}/stop
//
// Повторная остановка уже остановленной сессии - тоже 204.
func (h *SessionHandler) StopSession(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.engine.Stop)
}

// PauseSession POST /api/v1/sessions/{id}/pause
func (h *SessionHandler) PauseSession(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.engine.Pause)
}

// ResumeSession POST /api/v1/sessions/{id}/resume
func (h *SessionHandler) ResumeSession(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.engine.Resume)
}

func (h *SessionHandler) transition(w http.ResponseWriter, r *http.Request, op func(context.Context, string) error) {
	id := mux.Vars(r)["id"]
	if id == "" {
		respondWithCode(w, http.StatusBadRequest, bot.ReasonValidation, "session id is required")
		return
	}
	if err := op(r.Context(), id); err != nil {
		respondWithError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetUserSession GET /api/v1/users/{userId}/session
//
// 404 SESSION_NOT_FOUND если у пользователя нет сессии.
func (h *SessionHandler) GetUserSession(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]

	session, err := h.engine.GetStatus(r.Context(), userID)
	if err != nil {
		respondWithError(w, err)
		return
	}
	if session == nil {
		respondWithCode(w, http.StatusNotFound, bot.ReasonSessionNotFound, "no session for user")
		return
	}

	respondWithJSON(w, http.StatusOK, session)
}

// GetActiveSessions GET /api/v1/sessions/active
func (h *SessionHandler) GetActiveSessions(w http.ResponseWriter, r *http.Request) {
	sessions := h.engine.GetActiveSessionsStatus()
	if sessions == nil {
		sessions = []*models.Session{}
	}
	respondWithJSON(w, http.StatusOK, ActiveSessionsResponse{Sessions: sessions, Total: len(sessions)})
}
