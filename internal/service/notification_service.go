package service

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"autotrader/internal/models"
	"autotrader/pkg/utils"
)

// Лимиты выборки алертов
const (
	DefaultNotificationLimit = 100
	MaxNotificationLimit     = 500
)

// AlertsDropped алерты, потерянные из-за переполнения буфера
var AlertsDropped = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "autotrader",
	Subsystem: "alerts",
	Name:      "dropped_total",
	Help:      "Alerts dropped because the alert buffer was full",
})

// WebSocketBroadcaster - интерфейс для отправки WebSocket сообщений
//
// Позволяет избежать циклических зависимостей между пакетами
// и упрощает тестирование (можно подставить mock)
type WebSocketBroadcaster interface {
	BroadcastNotification(notif *models.Notification)
}

// NotificationService доставляет алерты движка.
//
// Notify не блокирует вызывающего: алерт кладётся в буферизованный канал,
// воркер (Run) пишет его в БД и рассылает через WebSocket. При полном
// буфере алерт отбрасывается и учитывается в AlertsDropped.
//
// Виды алертов:
// - RISK_REJECTED: заявка отклонена risk gate
// - EXCHANGE_REJECTED: заявка отклонена биржей
// - SESSION_FAILED: сессия перешла в FAILED
// - SESSION_RECOVERED: сессия поднята после падения экземпляра
// - STOP_TIMEOUT: задача сессии не завершилась за отведённое время
type NotificationService struct {
	notificationRepo NotificationRepositoryInterface
	wsHub            WebSocketBroadcaster

	queue   chan *models.Notification
	dropped atomic.Int64
	log     *zap.Logger
}

// NewNotificationService создает новый экземпляр NotificationService.
func NewNotificationService(notificationRepo NotificationRepositoryInterface, buffer int, log *zap.Logger) *NotificationService {
	if buffer < 1 {
		buffer = 256
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &NotificationService{
		notificationRepo: notificationRepo,
		queue:            make(chan *models.Notification, buffer),
		log:              log.With(utils.Component("alerts")),
	}
}

// SetWebSocketHub устанавливает WebSocket hub для broadcast алертов.
//
// Вызывается после инициализации Hub в main.go:
//
//	notifService := service.NewNotificationService(notifRepo, cfg.Engine.AlertBuffer, log)
//	notifService.SetWebSocketHub(wsHub)
func (s *NotificationService) SetWebSocketHub(hub WebSocketBroadcaster) {
	s.wsHub = hub
}

// Notify ставит алерт в очередь без блокировки
func (s *NotificationService) Notify(n *models.Notification) {
	if n == nil {
		return
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}
	if n.Severity == "" {
		n.Severity = models.SeverityFor(n.Kind)
	}

	select {
	case s.queue <- n:
	default:
		s.dropped.Add(1)
		AlertsDropped.Inc()
		s.log.Warn("alert buffer full, alert dropped",
			zap.String("kind", n.Kind), utils.SessionID(n.SessionID))
	}
}

// Dropped число отброшенных алертов
func (s *NotificationService) Dropped() int64 {
	return s.dropped.Load()
}

// Run обрабатывает очередь до отмены ctx, затем дописывает то,
// что уже в буфере.
func (s *NotificationService) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.drain()
			return
		case n := <-s.queue:
			s.deliver(ctx, n)
		}
	}
}

func (s *NotificationService) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case n := <-s.queue:
			s.deliver(ctx, n)
		default:
			return
		}
	}
}

// deliver сохранение и рассылка одного алерта. Ошибка БД не мешает рассылке.
func (s *NotificationService) deliver(ctx context.Context, n *models.Notification) {
	if err := s.notificationRepo.Create(ctx, n); err != nil {
		s.log.Error("failed to persist alert",
			zap.String("kind", n.Kind), utils.SessionID(n.SessionID), zap.Error(err))
	}
	if s.wsHub != nil {
		s.wsHub.BroadcastNotification(n)
	}

	fields := []zap.Field{zap.String("kind", n.Kind), utils.SessionID(n.SessionID), utils.UserID(n.UserID)}
	switch n.Severity {
	case models.SeverityError:
		s.log.Error(n.Message, fields...)
	case models.SeverityWarn:
		s.log.Warn(n.Message, fields...)
	default:
		s.log.Info(n.Message, fields...)
	}
}

// GetRecent последние алерты сессии (все, если sessionID пуст)
func (s *NotificationService) GetRecent(ctx context.Context, sessionID string, limit int) ([]*models.Notification, error) {
	if limit <= 0 {
		limit = DefaultNotificationLimit
	}
	if limit > MaxNotificationLimit {
		limit = MaxNotificationLimit
	}
	return s.notificationRepo.GetRecent(ctx, sessionID, limit)
}

// Cleanup удаляет алерты старше retention
func (s *NotificationService) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	n, err := s.notificationRepo.DeleteOlderThan(ctx, time.Now().UTC().Add(-retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Info("old alerts removed", zap.Int64("count", n))
	}
	return n, nil
}
