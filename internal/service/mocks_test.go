package service

import (
	"context"
	"sync"
	"time"

	"autotrader/internal/models"
	"autotrader/internal/repository"
)

// ============ Mock CredentialRepository ============

type MockCredentialRepository struct {
	mu        sync.Mutex
	accounts  map[string]*models.ExchangeAccount
	upsertErr error
	getErr    error
	nextID    int64
}

func NewMockCredentialRepository() *MockCredentialRepository {
	return &MockCredentialRepository{accounts: make(map[string]*models.ExchangeAccount)}
}

func credKey(userID, exchange string) string { return userID + "/" + exchange }

func (m *MockCredentialRepository) Upsert(_ context.Context, a *models.ExchangeAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertErr != nil {
		return m.upsertErr
	}
	k := credKey(a.UserID, a.Exchange)
	if existing, ok := m.accounts[k]; ok {
		a.ID = existing.ID
		a.CreatedAt = existing.CreatedAt
	} else {
		m.nextID++
		a.ID = m.nextID
		a.CreatedAt = time.Now()
	}
	a.UpdatedAt = time.Now()
	c := *a
	m.accounts[k] = &c
	return nil
}

func (m *MockCredentialRepository) Get(_ context.Context, userID, exchange string) (*models.ExchangeAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	a, ok := m.accounts[credKey(userID, exchange)]
	if !ok {
		return nil, repository.ErrAccountNotFound
	}
	c := *a
	return &c, nil
}

func (m *MockCredentialRepository) SetStatus(_ context.Context, userID, exchange string, connected bool, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[credKey(userID, exchange)]
	if !ok {
		return repository.ErrAccountNotFound
	}
	a.Connected = connected
	a.LastError = lastError
	return nil
}

func (m *MockCredentialRepository) Delete(_ context.Context, userID, exchange string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := credKey(userID, exchange)
	if _, ok := m.accounts[k]; !ok {
		return repository.ErrAccountNotFound
	}
	delete(m.accounts, k)
	return nil
}

// raw строка как лежит в БД
func (m *MockCredentialRepository) raw(userID, exchange string) *models.ExchangeAccount {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accounts[credKey(userID, exchange)]
}

// ============ Mock NotificationRepository ============

type MockNotificationRepository struct {
	mu        sync.Mutex
	items     []*models.Notification
	createErr error
	lastLimit int
	// block держит Create до закрытия
	block chan struct{}
}

func NewMockNotificationRepository() *MockNotificationRepository {
	return &MockNotificationRepository{}
}

func (m *MockNotificationRepository) Create(_ context.Context, n *models.Notification) error {
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	n.ID = int64(len(m.items) + 1)
	m.items = append(m.items, n)
	return nil
}

func (m *MockNotificationRepository) GetRecent(_ context.Context, sessionID string, limit int) ([]*models.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastLimit = limit
	var out []*models.Notification
	for i := len(m.items) - 1; i >= 0 && len(out) < limit; i-- {
		if sessionID == "" || m.items[i].SessionID == sessionID {
			out = append(out, m.items[i])
		}
	}
	return out, nil
}

func (m *MockNotificationRepository) DeleteOlderThan(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.items[:0]
	var removed int64
	for _, n := range m.items {
		if n.Timestamp.Before(before) {
			removed++
			continue
		}
		kept = append(kept, n)
	}
	m.items = kept
	return removed, nil
}

func (m *MockNotificationRepository) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// ============ Mock WebSocket hub ============

type MockBroadcaster struct {
	mu    sync.Mutex
	notes []*models.Notification
}

func (m *MockBroadcaster) BroadcastNotification(n *models.Notification) {
	m.mu.Lock()
	m.notes = append(m.notes, n)
	m.mu.Unlock()
}

func (m *MockBroadcaster) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.notes)
}
