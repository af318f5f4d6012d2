package handlers

import (
	"context"
	"errors"
	"sync"
	"time"

	"autotrader/internal/bot"
	"autotrader/internal/models"
	"autotrader/internal/service"
)

// ============ MockEngine ============

type MockEngine struct {
	mu       sync.Mutex
	sessions map[string]*models.Session

	startErr error
	running  bool
}

func NewMockEngine() *MockEngine {
	return &MockEngine{sessions: make(map[string]*models.Session), running: true}
}

func (m *MockEngine) Start(_ context.Context, userID, exchangeName string, cfg models.SessionConfig) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return nil, m.startErr
	}
	for _, s := range m.sessions {
		if s.UserID == userID && models.IsActiveState(s.State) {
			return nil, bot.ErrAlreadyRunning
		}
	}
	now := time.Now().UTC()
	s := &models.Session{
		ID:        "s-" + userID,
		UserID:    userID,
		Exchange:  exchangeName,
		State:     models.SessionRunning,
		Config:    cfg,
		StartedAt: &now,
	}
	m.sessions[s.ID] = s
	return s, nil
}

func (m *MockEngine) apply(id, from, to string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return bot.ErrSessionNotFound
	}
	if from != "" && s.State != from {
		return &bot.IllegalTransitionError{SessionID: id, From: s.State, To: to}
	}
	s.State = to
	return nil
}

func (m *MockEngine) Stop(_ context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if ok && models.IsTerminalState(s.State) {
		return nil
	}
	return m.apply(id, "", models.SessionStopped)
}

func (m *MockEngine) Pause(_ context.Context, id string) error {
	return m.apply(id, models.SessionRunning, models.SessionPaused)
}

func (m *MockEngine) Resume(_ context.Context, id string) error {
	return m.apply(id, models.SessionPaused, models.SessionRunning)
}

func (m *MockEngine) GetStatus(_ context.Context, userID string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.UserID == userID {
			cp := *s
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MockEngine) GetActiveSessionsStatus() []*models.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Session
	for _, s := range m.sessions {
		if models.IsActiveState(s.State) {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out
}

func (m *MockEngine) IsEngineRunning() bool { return m.running }

func (m *MockEngine) ActiveCount() int { return len(m.GetActiveSessionsStatus()) }

// ============ MockCredentialService ============

type MockCredentialService struct {
	mu       sync.Mutex
	accounts map[string]*models.ExchangeAccount
	saveErr  error
}

func NewMockCredentialService() *MockCredentialService {
	return &MockCredentialService{accounts: make(map[string]*models.ExchangeAccount)}
}

func (m *MockCredentialService) SaveCredentials(_ context.Context, userID, exchangeName, apiKey, secret string) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	if apiKey == "" || secret == "" {
		return service.ErrEmptyCredentials
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[userID+"/"+exchangeName] = &models.ExchangeAccount{
		UserID: userID, Exchange: exchangeName, Connected: true, UpdatedAt: time.Now(),
	}
	return nil
}

func (m *MockCredentialService) DeleteCredentials(_ context.Context, userID, exchangeName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := userID + "/" + exchangeName
	if _, ok := m.accounts[key]; !ok {
		return service.ErrCredentialsNotFound
	}
	delete(m.accounts, key)
	return nil
}

func (m *MockCredentialService) GetAccount(_ context.Context, userID, exchangeName string) (*models.ExchangeAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[userID+"/"+exchangeName]
	if !ok {
		return nil, service.ErrCredentialsNotFound
	}
	cp := *a
	return &cp, nil
}

// ============ MockNotificationService ============

type MockNotificationService struct {
	items     []*models.Notification
	lastLimit int
	lastID    string
	err       error
}

func (m *MockNotificationService) Notify(n *models.Notification) {
	m.items = append(m.items, n)
}

func (m *MockNotificationService) GetRecent(_ context.Context, sessionID string, limit int) ([]*models.Notification, error) {
	m.lastLimit, m.lastID = limit, sessionID
	if m.err != nil {
		return nil, m.err
	}
	var out []*models.Notification
	for _, n := range m.items {
		if sessionID == "" || n.SessionID == sessionID {
			out = append(out, n)
		}
	}
	return out, nil
}

// ============ MockPinger ============

type MockPinger struct{ err error }

func (p MockPinger) PingContext(context.Context) error { return p.err }

var errDBDown = errors.New("connection refused")

// ============ MockHistory ============

type MockHistory struct {
	sessions  []*models.Session
	orders    []*models.PersistedOrder
	lastKey   string
	lastLimit int
	err       error
}

func (m *MockHistory) ListByUser(_ context.Context, userID string, limit int) ([]*models.Session, error) {
	m.lastKey, m.lastLimit = userID, limit
	return m.sessions, m.err
}

func (m *MockHistory) ListBySession(_ context.Context, sessionID string, limit int) ([]*models.PersistedOrder, error) {
	m.lastKey, m.lastLimit = sessionID, limit
	return m.orders, m.err
}
