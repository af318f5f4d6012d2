package websocket

import (
	"time"

	"autotrader/internal/models"
)

// MessageType определяет тип WebSocket сообщения
type MessageType string

// Типы WebSocket сообщений
const (
	// MessageTypeSessionUpdate - смена состояния или показателей сессии.
	// Отправляется при каждом переходе и восстановлении.
	MessageTypeSessionUpdate MessageType = "sessionUpdate"

	// MessageTypeNotification - алерт движка
	MessageTypeNotification MessageType = "notification"
)

// BaseMessage - базовая структура для всех WebSocket сообщений
type BaseMessage struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
}

// SessionUpdateMessage - сообщение об обновлении сессии
type SessionUpdateMessage struct {
	BaseMessage
	Data *SessionUpdateData `json:"data"`
}

// SessionUpdateData - данные обновления сессии
type SessionUpdateData struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Exchange  string `json:"exchange"`

	// INITIALIZING, RUNNING, PAUSED, STOPPING, STOPPED, FAILED
	State string `json:"state"`

	// Код причины для FAILED
	FailureReason string `json:"failure_reason,omitempty"`

	StartedAt       *time.Time `json:"started_at,omitempty"`
	LastHeartbeatAt *time.Time `json:"last_heartbeat_at,omitempty"`

	// Показатели на момент отправки (если есть)
	Equity      float64 `json:"equity,omitempty"`
	RealizedPnl float64 `json:"realized_pnl,omitempty"`
	MaxDrawdown float64 `json:"max_drawdown,omitempty"`
	Sharpe      float64 `json:"sharpe,omitempty"`
	TradeCount  int     `json:"trade_count,omitempty"`
}

// NotificationMessage - сообщение с алертом
type NotificationMessage struct {
	BaseMessage
	Data *NotificationData `json:"data"`
}

// NotificationData - данные алерта
type NotificationData struct {
	ID        int64                  `json:"id,omitempty"`
	Kind      string                 `json:"kind"`
	Severity  string                 `json:"severity"`
	UserID    string                 `json:"user_id,omitempty"`
	SessionID string                 `json:"session_id,omitempty"`
	Message   string                 `json:"message"`
	Meta      map[string]interface{} `json:"meta,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// ============ Фабричные функции для создания сообщений ============

// NewSessionUpdateMessage создает сообщение обновления сессии
func NewSessionUpdateMessage(s *models.Session) *SessionUpdateMessage {
	data := &SessionUpdateData{
		SessionID:       s.ID,
		UserID:          s.UserID,
		Exchange:        s.Exchange,
		State:           s.State,
		FailureReason:   s.FailureReason,
		StartedAt:       s.StartedAt,
		LastHeartbeatAt: s.LastHeartbeatAt,
	}
	if p := s.Performance; p != nil {
		data.Equity = p.Equity
		data.RealizedPnl = p.RealizedPnl
		data.MaxDrawdown = p.MaxDrawdown
		data.Sharpe = p.Sharpe
		data.TradeCount = p.TradeCount
	}

	return &SessionUpdateMessage{
		BaseMessage: BaseMessage{
			Type:      MessageTypeSessionUpdate,
			Timestamp: time.Now().UTC(),
		},
		Data: data,
	}
}

// NewNotificationMessage создает сообщение алерта
func NewNotificationMessage(n *models.Notification) *NotificationMessage {
	return &NotificationMessage{
		BaseMessage: BaseMessage{
			Type:      MessageTypeNotification,
			Timestamp: time.Now().UTC(),
		},
		Data: &NotificationData{
			ID:        n.ID,
			Kind:      n.Kind,
			Severity:  n.Severity,
			UserID:    n.UserID,
			SessionID: n.SessionID,
			Message:   n.Message,
			Meta:      n.Meta,
			Timestamp: n.Timestamp,
		},
	}
}
