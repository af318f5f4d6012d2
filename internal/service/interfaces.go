package service

import (
	"context"
	"time"

	"autotrader/internal/models"
	"autotrader/internal/repository"
)

// CredentialRepositoryInterface определяет интерфейс хранилища ключей бирж
type CredentialRepositoryInterface interface {
	Upsert(ctx context.Context, a *models.ExchangeAccount) error
	Get(ctx context.Context, userID, exchange string) (*models.ExchangeAccount, error)
	SetStatus(ctx context.Context, userID, exchange string, connected bool, lastError string) error
	Delete(ctx context.Context, userID, exchange string) error
}

// NotificationRepositoryInterface определяет интерфейс репозитория алертов
type NotificationRepositoryInterface interface {
	Create(ctx context.Context, n *models.Notification) error
	GetRecent(ctx context.Context, sessionID string, limit int) ([]*models.Notification, error)
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// Проверяем, что реальные репозитории реализуют интерфейсы
var _ CredentialRepositoryInterface = (*repository.ExchangeRepository)(nil)
var _ NotificationRepositoryInterface = (*repository.NotificationRepository)(nil)

// ============ Интерфейсы сервисов для Dependency Injection ============

// CredentialServiceInterface определяет интерфейс сервиса ключей
type CredentialServiceInterface interface {
	SaveCredentials(ctx context.Context, userID, exchangeName, apiKey, secret string) error
	DeleteCredentials(ctx context.Context, userID, exchangeName string) error
	GetAccount(ctx context.Context, userID, exchangeName string) (*models.ExchangeAccount, error)
}

// NotificationServiceInterface определяет интерфейс сервиса алертов
type NotificationServiceInterface interface {
	Notify(n *models.Notification)
	GetRecent(ctx context.Context, sessionID string, limit int) ([]*models.Notification, error)
}

// Проверяем, что реальные сервисы реализуют интерфейсы
var _ CredentialServiceInterface = (*CredentialService)(nil)
var _ NotificationServiceInterface = (*NotificationService)(nil)
