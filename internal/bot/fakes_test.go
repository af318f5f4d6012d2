package bot

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"autotrader/internal/config"
	"autotrader/internal/exchange"
	"autotrader/internal/models"
	"autotrader/internal/repository"
	"autotrader/internal/strategy"
)

const testSymbol = "BTC_USDT_PERP"

// ============ Хранилище сессий ============

type fakeSessionStore struct {
	mu       sync.Mutex
	sessions map[string]*models.Session
	claims   int
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{sessions: make(map[string]*models.Session)}
}

func (f *fakeSessionStore) put(s *models.Session) {
	f.mu.Lock()
	f.sessions[s.ID] = s.Clone()
	f.mu.Unlock()
}

func (f *fakeSessionStore) get(id string) *models.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[id].Clone()
}

func (f *fakeSessionStore) Create(_ context.Context, s *models.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, other := range f.sessions {
		if other.UserID == s.UserID && other.Exchange == s.Exchange && models.IsActiveState(other.State) {
			return repository.ErrActiveSessionExists
		}
	}
	f.sessions[s.ID] = s.Clone()
	return nil
}

func (f *fakeSessionStore) GetByID(_ context.Context, id string) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, repository.ErrSessionNotFound
	}
	return s.Clone(), nil
}

func (f *fakeSessionStore) GetActive(_ context.Context, userID, exchangeName string) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		if s.UserID == userID && s.Exchange == exchangeName && models.IsActiveState(s.State) {
			return s.Clone(), nil
		}
	}
	return nil, repository.ErrSessionNotFound
}

func (f *fakeSessionStore) GetLatestByUser(_ context.Context, userID string) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *models.Session
	for _, s := range f.sessions {
		if s.UserID == userID && (latest == nil || s.CreatedAt.After(latest.CreatedAt)) {
			latest = s
		}
	}
	if latest == nil {
		return nil, repository.ErrSessionNotFound
	}
	return latest.Clone(), nil
}

func (f *fakeSessionStore) ListByStates(_ context.Context, states ...string) ([]*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Session
	for _, s := range f.sessions {
		for _, st := range states {
			if s.State == st {
				out = append(out, s.Clone())
			}
		}
	}
	return out, nil
}

func (f *fakeSessionStore) UpdateState(_ context.Context, id, expected, next, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok || s.State != expected {
		return repository.ErrStateConflict
	}
	now := time.Now().UTC()
	s.State = next
	if reason != "" {
		s.FailureReason = reason
	}
	if next == models.SessionRunning && s.StartedAt == nil {
		s.StartedAt = &now
	}
	if models.IsTerminalState(next) {
		s.StoppedAt = &now
	}
	return nil
}

func (f *fakeSessionStore) Claim(_ context.Context, id, state, owner string, staleBefore time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok || s.State != state {
		return false, nil
	}
	last := s.CreatedAt
	if s.StartedAt != nil {
		last = *s.StartedAt
	}
	if s.LastHeartbeatAt != nil {
		last = *s.LastHeartbeatAt
	}
	if s.OwnerID != "" && !last.Before(staleBefore) {
		return false, nil
	}
	now := time.Now().UTC()
	s.OwnerID = owner
	s.LastHeartbeatAt = &now
	f.claims++
	return true, nil
}

func (f *fakeSessionStore) Release(_ context.Context, id, owner string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[id]; ok && s.OwnerID == owner {
		s.OwnerID = ""
	}
	return nil
}

func (f *fakeSessionStore) TouchHeartbeat(_ context.Context, hb models.Heartbeat) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[hb.SessionID]
	if !ok || s.OwnerID != hb.OwnerID || !models.IsActiveState(s.State) {
		return repository.ErrOwnershipLost
	}
	ts := hb.Timestamp
	s.LastHeartbeatAt = &ts
	return nil
}

// ============ Ордера и снимки ============

type fakeOrderStore struct {
	mu     sync.Mutex
	orders []*models.PersistedOrder
	nextID int64
}

func newFakeOrderStore() *fakeOrderStore {
	return &fakeOrderStore{}
}

// Create повторяет частичный уникальный индекс: ключ занят только незавершённым ордером
func (f *fakeOrderStore) Create(ctx context.Context, o *models.PersistedOrder) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, other := range f.orders {
		if other.ClientRequestID == o.ClientRequestID && !models.IsTerminalOrderStatus(other.Status) &&
			!models.IsTerminalOrderStatus(o.Status) {
			return repository.ErrDuplicateOrder
		}
	}
	f.nextID++
	o.ID = f.nextID
	c := *o
	f.orders = append(f.orders, &c)
	return nil
}

func (f *fakeOrderStore) GetByClientRequestID(_ context.Context, id string) (*models.PersistedOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var found *models.PersistedOrder
	for _, o := range f.orders {
		if o.ClientRequestID != id {
			continue
		}
		if !models.IsTerminalOrderStatus(o.Status) {
			found = o
			break
		}
		found = o
	}
	if found == nil {
		return nil, repository.ErrOrderNotFound
	}
	c := *found
	return &c, nil
}

func (f *fakeOrderStore) ListOpenBySession(_ context.Context, sessionID string) ([]*models.PersistedOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.PersistedOrder
	for _, o := range f.orders {
		if o.SessionID == sessionID && !models.IsTerminalOrderStatus(o.Status) {
			c := *o
			out = append(out, &c)
		}
	}
	return out, nil
}

func (f *fakeOrderStore) UpdateStatus(_ context.Context, id int64, status string, filledQty, avgPrice, pnl float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range f.orders {
		if o.ID == id {
			o.Status = status
			o.FilledQty = filledQty
			o.AvgFillPrice = avgPrice
			o.Pnl = pnl
			return nil
		}
	}
	return repository.ErrOrderNotFound
}

func (f *fakeOrderStore) byStatus(status string) []*models.PersistedOrder {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.PersistedOrder
	for _, o := range f.orders {
		if o.Status == status {
			c := *o
			out = append(out, &c)
		}
	}
	return out
}

func (f *fakeOrderStore) byExchangeID(id string) *models.PersistedOrder {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range f.orders {
		if o.ExchangeOrderID == id {
			c := *o
			return &c
		}
	}
	return nil
}

type fakeSnapshotStore struct {
	mu    sync.Mutex
	saved []*models.PerformanceSnapshot
}

func (f *fakeSnapshotStore) Save(_ context.Context, p *models.PerformanceSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, p)
	return nil
}

func (f *fakeSnapshotStore) Latest(_ context.Context, sessionID string) (*models.PerformanceSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.saved) - 1; i >= 0; i-- {
		if f.saved[i].SessionID == sessionID {
			return f.saved[i], nil
		}
	}
	return nil, repository.ErrSnapshotNotFound
}

func (f *fakeSnapshotStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saved)
}

// ============ Алерты и ключи ============

type fakeNotifier struct {
	mu    sync.Mutex
	notes []*models.Notification
}

func (f *fakeNotifier) Notify(n *models.Notification) {
	f.mu.Lock()
	f.notes = append(f.notes, n)
	f.mu.Unlock()
}

func (f *fakeNotifier) kinds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.notes))
	for _, n := range f.notes {
		out = append(out, n.Kind)
	}
	return out
}

type fakeCreds struct {
	mu      sync.Mutex
	missing map[string]bool
}

func (f *fakeCreds) remove(userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.missing == nil {
		f.missing = make(map[string]bool)
	}
	f.missing[userID] = true
}

func (f *fakeCreds) GetCredentials(_ context.Context, userID, exchangeName string) (exchange.Credentials, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.missing[userID] {
		return exchange.Credentials{}, fmt.Errorf("credentials not found: %w", exchange.ErrMissingSecret)
	}
	return exchange.Credentials{APIKey: "key-" + userID, Secret: "secret"}, nil
}

// ============ Биржа ============

type fakeExchange struct {
	mu         sync.Mutex
	account    exchange.Account
	positions  []*exchange.Position
	price      float64
	accountErr error
	placeErr   error
	onPlace    func() // вызывается до ответа на PlaceOrder

	// open - ордера в стакане, history - завершённые
	open    []*exchange.Order
	history map[string]*exchange.Order

	placeCalls  atomic.Int32
	cancelCalls atomic.Int32
	placed      []*exchange.OrderParams
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{
		account: exchange.Account{Equity: 10000, Available: 10000},
		price:   100,
		history: make(map[string]*exchange.Order),
	}
}

// setOpen ордера, которые биржа вернёт как открытые
func (f *fakeExchange) setOpen(orders ...*exchange.Order) {
	f.mu.Lock()
	f.open = orders
	f.mu.Unlock()
}

// finish ордер попадает в историю
func (f *fakeExchange) finish(o *exchange.Order) {
	f.mu.Lock()
	f.history[o.ID] = o
	f.mu.Unlock()
}

func (f *fakeExchange) setAccountErr(err error) {
	f.mu.Lock()
	f.accountErr = err
	f.mu.Unlock()
}

func (f *fakeExchange) GetName() string                { return "poloniex" }
func (f *fakeExchange) Ping(ctx context.Context) error { return nil }

func (f *fakeExchange) GetAccount(ctx context.Context) (*exchange.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.accountErr != nil {
		return nil, f.accountErr
	}
	a := f.account
	return &a, nil
}

func (f *fakeExchange) GetPositions(ctx context.Context) ([]*exchange.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*exchange.Position(nil), f.positions...), nil
}

func (f *fakeExchange) GetTicker(ctx context.Context, symbol string) (*exchange.Ticker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &exchange.Ticker{Symbol: symbol, MarkPrice: f.price, LastPrice: f.price}, nil
}

func (f *fakeExchange) PlaceOrder(ctx context.Context, p *exchange.OrderParams) (*exchange.Order, error) {
	f.placeCalls.Add(1)
	if f.onPlace != nil {
		f.onPlace()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.placeErr != nil {
		return nil, f.placeErr
	}
	f.placed = append(f.placed, p)
	return &exchange.Order{
		ID:            fmt.Sprintf("ex-%d", len(f.placed)),
		ClientOrderID: p.ClientOrderID,
		Symbol:        p.Symbol,
		Side:          p.Side,
		Quantity:      p.Quantity,
		Status:        exchange.OrderStatusNew,
	}, nil
}

func (f *fakeExchange) CancelOrder(ctx context.Context, symbol, orderID string) error { return nil }

// CancelAllOrders переносит открытые ордера символа в историю как отменённые
func (f *fakeExchange) CancelAllOrders(ctx context.Context, symbol string) error {
	f.cancelCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	var rest []*exchange.Order
	for _, o := range f.open {
		if o.Symbol != symbol {
			rest = append(rest, o)
			continue
		}
		c := *o
		c.Status = exchange.OrderStatusCancelled
		f.history[c.ID] = &c
	}
	f.open = rest
	return nil
}

func (f *fakeExchange) GetOpenOrders(ctx context.Context, symbol string) ([]*exchange.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*exchange.Order
	for _, o := range f.open {
		if o.Symbol == symbol {
			c := *o
			out = append(out, &c)
		}
	}
	return out, nil
}

func (f *fakeExchange) GetOrder(ctx context.Context, symbol, orderID string) (*exchange.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.history[orderID]
	if !ok {
		return nil, exchange.ErrOrderNotFound
	}
	c := *o
	return &c, nil
}

func (f *fakeExchange) GetInstruments(ctx context.Context) ([]exchange.Instrument, error) {
	return []exchange.Instrument{testInstrument()}, nil
}

func (f *fakeExchange) GetRiskLimits(ctx context.Context) (map[string][]exchange.RiskTier, error) {
	return nil, nil
}

// ============ Справочник и стратегия ============

type rulesMap map[string]exchange.SymbolRules

func (r rulesMap) Lookup(symbol string) (exchange.SymbolRules, bool) {
	rules, ok := r[symbol]
	return rules, ok
}

func testInstrument() exchange.Instrument {
	return exchange.Instrument{
		Symbol:      testSymbol,
		Status:      exchange.InstrumentTrading,
		TickSize:    0.01,
		LotSize:     0.001,
		MinQty:      0.001,
		MaxQty:      1000,
		MinNotional: 1,
		MaxLeverage: 75,
	}
}

func testRules() rulesMap {
	return rulesMap{testSymbol: {Instrument: testInstrument()}}
}

// scriptedStrategy покупает quantity при каждом вызове
type scriptedStrategy struct {
	mu       sync.Mutex
	quantity float64
	calls    int
	block    chan struct{} // Evaluate ждёт закрытия, контекст игнорируется
}

func (s *scriptedStrategy) Name() string { return "scripted" }

func (s *scriptedStrategy) Evaluate(_ context.Context, snap *strategy.MarketSnapshot, cfg models.SessionConfig) (*models.OrderRequest, error) {
	s.mu.Lock()
	s.calls++
	block := s.block
	s.mu.Unlock()

	if block != nil {
		<-block
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.quantity <= 0 {
		return nil, nil
	}
	return &models.OrderRequest{
		Symbol:   cfg.Symbols[0],
		Side:     models.SideBuy,
		Type:     models.OrderTypeMarket,
		Quantity: s.quantity,
	}, nil
}

func (s *scriptedStrategy) blockOn(ch chan struct{}) {
	s.mu.Lock()
	s.block = ch
	s.mu.Unlock()
}

func (s *scriptedStrategy) set(quantity float64) {
	s.mu.Lock()
	s.quantity = quantity
	s.mu.Unlock()
}

func (s *scriptedStrategy) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// ============ Сборка движка ============

type testEnv struct {
	engine    *Engine
	sessions  *fakeSessionStore
	orders    *fakeOrderStore
	snapshots *fakeSnapshotStore
	notifier  *fakeNotifier
	creds     *fakeCreds
	ex        *fakeExchange
	strat     *scriptedStrategy
}

func testEngineConfig() config.EngineConfig {
	return config.EngineConfig{
		LoopInterval:      time.Hour,
		HeartbeatInterval: time.Hour,
		StaleThreshold:    2 * time.Minute,
		StopTimeout:       2 * time.Second,
		SnapshotInterval:  time.Hour,
		AlertBuffer:       64,
	}
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvWithConfig(t, testEngineConfig())
}

func newTestEnvWithConfig(t *testing.T, cfg config.EngineConfig) *testEnv {
	t.Helper()

	env := &testEnv{
		sessions:  newFakeSessionStore(),
		orders:    newFakeOrderStore(),
		snapshots: &fakeSnapshotStore{},
		notifier:  &fakeNotifier{},
		creds:     &fakeCreds{},
		ex:        newFakeExchange(),
		strat:     &scriptedStrategy{},
	}
	env.engine = env.newEngineWithConfig(cfg)

	t.Cleanup(func() {
		for _, s := range env.engine.GetActiveSessionsStatus() {
			_ = env.engine.Stop(context.Background(), s.ID)
		}
	})
	return env
}

// newEngine ещё один экземпляр движка над теми же хранилищами
func (env *testEnv) newEngine() *Engine {
	return env.newEngineWithConfig(testEngineConfig())
}

func (env *testEnv) newEngineWithConfig(cfg config.EngineConfig) *Engine {
	reg := strategy.NewRegistry()
	reg.RegisterAs("scripted", env.strat)

	return NewEngine(cfg, Deps{
		Sessions:    env.sessions,
		Orders:      env.orders,
		Snapshots:   env.snapshots,
		Credentials: env.creds,
		NewExchange: func(name string, creds exchange.CredentialSource) (exchange.Exchange, error) {
			return env.ex, nil
		},
		Strategies: reg,
		Rules:      testRules(),
		Notifier:   env.notifier,
	}, nil)
}

func testSessionConfig() models.SessionConfig {
	return models.SessionConfig{
		Strategy:        "scripted",
		Symbols:         []string{testSymbol},
		MaxRiskPerTrade: 0.02,
		MaxDrawdown:     0.5,
		InitialCapital:  10000,
	}
}

func (env *testEnv) start(t *testing.T, userID string) *models.Session {
	t.Helper()
	s, err := env.engine.Start(context.Background(), userID, "poloniex", testSessionConfig())
	require.NoError(t, err)
	require.NotNil(t, s)
	return s
}
