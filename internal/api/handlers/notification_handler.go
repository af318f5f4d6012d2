package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"autotrader/internal/models"
	"autotrader/internal/service"
)

// NotificationHandler отдаёт журнал алертов
//
// Endpoints:
// - GET /api/v1/notifications?limit=50               - последние алерты
// - GET /api/v1/sessions/{id}/notifications?limit=50 - алерты сессии
//
// По умолчанию 100 записей, максимум 500 (ограничивает сервис).
type NotificationHandler struct {
	notificationService service.NotificationServiceInterface
}

// NewNotificationHandler создает новый NotificationHandler с внедрением зависимости
func NewNotificationHandler(notificationService service.NotificationServiceInterface) *NotificationHandler {
	return &NotificationHandler{
		notificationService: notificationService,
	}
}

// GetNotificationsResponse представляет ответ списка уведомлений
type GetNotificationsResponse struct {
	Notifications []*models.Notification `json:"notifications"`
	Total         int                    `json:"total"`
}

// GetNotifications возвращает последние алерты, опционально по сессии
//
// HTTP коды:
// - 200 OK
// - 400 Bad Request: limit не число
// - 500 Internal Server Error: ошибка чтения журнала
func (h *NotificationHandler) GetNotifications(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}

	items, err := h.notificationService.GetRecent(r.Context(), mux.Vars(r)["id"], limit)
	if err != nil {
		respondWithError(w, err)
		return
	}
	if items == nil {
		items = []*models.Notification{}
	}

	respondWithJSON(w, http.StatusOK, GetNotificationsResponse{
		Notifications: items,
		Total:         len(items),
	})
}
