package bot

import (
	"context"
	"time"

	"autotrader/internal/exchange"
	"autotrader/internal/models"
	"autotrader/internal/strategy"
)

// Зависимости движка. Реализуются repository, service, websocket и cache;
// в тестах подменяются фейками.

// SessionStore хранилище сессий с оптимистичной сменой состояния
type SessionStore interface {
	Create(ctx context.Context, s *models.Session) error
	GetByID(ctx context.Context, id string) (*models.Session, error)
	GetActive(ctx context.Context, userID, exchange string) (*models.Session, error)
	GetLatestByUser(ctx context.Context, userID string) (*models.Session, error)
	ListByStates(ctx context.Context, states ...string) ([]*models.Session, error)
	UpdateState(ctx context.Context, id, expected, next, reason string) error
	Claim(ctx context.Context, id, state, owner string, staleBefore time.Time) (bool, error)
	Release(ctx context.Context, id, owner string) error
	TouchHeartbeat(ctx context.Context, hb models.Heartbeat) error
}

// OrderStore журнал ордеров конвейера
type OrderStore interface {
	Create(ctx context.Context, o *models.PersistedOrder) error
	GetByClientRequestID(ctx context.Context, clientRequestID string) (*models.PersistedOrder, error)
	ListOpenBySession(ctx context.Context, sessionID string) ([]*models.PersistedOrder, error)
	UpdateStatus(ctx context.Context, id int64, status string, filledQty, avgPrice, pnl float64) error
}

// SnapshotStore снимки показателей
type SnapshotStore interface {
	Save(ctx context.Context, p *models.PerformanceSnapshot) error
	Latest(ctx context.Context, sessionID string) (*models.PerformanceSnapshot, error)
}

// HeartbeatMirror быстрая копия heartbeat и блокировка восстановления (Redis)
type HeartbeatMirror interface {
	MirrorHeartbeat(ctx context.Context, hb models.Heartbeat, ttl time.Duration) error
	LastHeartbeat(ctx context.Context, sessionID string) (time.Time, bool, error)
	AcquireRecoveryLock(ctx context.Context, sessionID, owner string, ttl time.Duration) (bool, error)
	ReleaseRecoveryLock(ctx context.Context, sessionID, owner string) error
}

// Notifier алерты, fire-and-forget
type Notifier interface {
	Notify(n *models.Notification)
}

// StatusBroadcaster рассылка изменений состояния сессий
type StatusBroadcaster interface {
	BroadcastSessionUpdate(s *models.Session)
}

// CredentialProvider ключи пользователя для биржи
type CredentialProvider interface {
	GetCredentials(ctx context.Context, userID, exchangeName string) (exchange.Credentials, error)
}

// ExchangeFactory клиент биржи, запрашивающий ключи через creds
type ExchangeFactory func(name string, creds exchange.CredentialSource) (exchange.Exchange, error)

// RulesSource справочник контрактов (exchange.Catalog)
type RulesSource interface {
	Lookup(symbol string) (exchange.SymbolRules, bool)
}

// StrategySource реестр стратегий
type StrategySource interface {
	Get(name string) (strategy.Evaluator, error)
}

// noopNotifier и noopBroadcaster для необязательных зависимостей
type noopNotifier struct{}

func (noopNotifier) Notify(*models.Notification) {}

type noopBroadcaster struct{}

func (noopBroadcaster) BroadcastSessionUpdate(*models.Session) {}
