package handlers

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"autotrader/internal/models"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 500
)

// SessionHistory история сессий пользователя (repository.SessionRepository)
type SessionHistory interface {
	ListByUser(ctx context.Context, userID string, limit int) ([]*models.Session, error)
}

// OrderHistory журнал ордеров сессии (repository.OrderRepository)
type OrderHistory interface {
	ListBySession(ctx context.Context, sessionID string, limit int) ([]*models.PersistedOrder, error)
}

// HistoryHandler только чтение: прошлые сессии и ордера
//
// Endpoints:
// - GET /api/v1/users/{userId}/sessions?limit=100
// - GET /api/v1/sessions/{id}/orders?limit=100
type HistoryHandler struct {
	sessions SessionHistory
	orders   OrderHistory
}

func NewHistoryHandler(sessions SessionHistory, orders OrderHistory) *HistoryHandler {
	return &HistoryHandler{sessions: sessions, orders: orders}
}

// SessionHistoryResponse ответ со списком сессий
type SessionHistoryResponse struct {
	Sessions []*models.Session `json:"sessions"`
	Total    int               `json:"total"`
}

// OrderHistoryResponse ответ со списком ордеров
type OrderHistoryResponse struct {
	Orders []*models.PersistedOrder `json:"orders"`
	Total  int                      `json:"total"`
}

// GetUserSessions сессии пользователя, новые первыми
func (h *HistoryHandler) GetUserSessions(w http.ResponseWriter, r *http.Request) {
	limit, ok := historyLimit(w, r)
	if !ok {
		return
	}

	list, err := h.sessions.ListByUser(r.Context(), mux.Vars(r)["userId"], limit)
	if err != nil {
		respondWithError(w, err)
		return
	}
	if list == nil {
		list = []*models.Session{}
	}
	respondWithJSON(w, http.StatusOK, SessionHistoryResponse{Sessions: list, Total: len(list)})
}

// GetSessionOrders ордера сессии, включая отклонённые
func (h *HistoryHandler) GetSessionOrders(w http.ResponseWriter, r *http.Request) {
	limit, ok := historyLimit(w, r)
	if !ok {
		return
	}

	list, err := h.orders.ListBySession(r.Context(), mux.Vars(r)["id"], limit)
	if err != nil {
		respondWithError(w, err)
		return
	}
	if list == nil {
		list = []*models.PersistedOrder{}
	}
	respondWithJSON(w, http.StatusOK, OrderHistoryResponse{Orders: list, Total: len(list)})
}

func historyLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	limit, ok := queryLimit(w, r)
	if !ok {
		return 0, false
	}
	if limit == 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	return limit, true
}
