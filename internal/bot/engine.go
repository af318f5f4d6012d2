package bot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"autotrader/internal/cache"
	"autotrader/internal/config"
	"autotrader/internal/exchange"
	"autotrader/internal/models"
	"autotrader/internal/repository"
	"autotrader/internal/strategy"
	"autotrader/pkg/utils"
)

// Engine планировщик торговых сессий.
//
// Каждая сессия - отдельная горутина со своим циклом, heartbeat и
// конвейером ордеров. Сессии разных пользователей не делят изменяемое
// состояние.
//
// Реестр sessionID → handle читается без блокировок через atomic.Pointer
// (copy-on-write), изменяется под regMu. Start/Stop одного пользователя
// дополнительно сериализуются пользовательским мьютексом, чтобы проверка
// "активной сессии нет" и создание были атомарны.
type Engine struct {
	cfg        config.EngineConfig
	instanceID string

	sessions    SessionStore
	orders      OrderStore
	snapshots   SnapshotStore
	mirror      HeartbeatMirror
	creds       CredentialProvider
	newExchange ExchangeFactory
	strategies  StrategySource
	rules       RulesSource
	notifier    Notifier
	broadcaster StatusBroadcaster

	refreshCatalog  func(ctx context.Context) error
	catalogInterval time.Duration

	registry  atomic.Pointer[map[string]*sessionHandle]
	regMu     sync.Mutex
	userLocks sync.Map // userID → *sync.Mutex

	running atomic.Bool
	closed  atomic.Bool
	updates chan *models.Session

	log *zap.Logger
	now func() time.Time
}

// Deps зависимости движка. Без Mirror используется cache.NoopStore.
type Deps struct {
	Sessions    SessionStore
	Orders      OrderStore
	Snapshots   SnapshotStore
	Mirror      HeartbeatMirror
	Credentials CredentialProvider
	NewExchange ExchangeFactory
	Strategies  StrategySource
	Rules       RulesSource
	Notifier    Notifier          // необязателен
	Broadcaster StatusBroadcaster // необязателен

	// RefreshCatalog обновляет справочник контрактов при старте и раз в CatalogInterval
	RefreshCatalog  func(ctx context.Context) error
	CatalogInterval time.Duration
}

// NewEngine создаёт движок. Сессии запускаются через Start или Recover.
func NewEngine(cfg config.EngineConfig, deps Deps, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	if deps.Notifier == nil {
		deps.Notifier = noopNotifier{}
	}
	if deps.Broadcaster == nil {
		deps.Broadcaster = noopBroadcaster{}
	}
	if deps.Mirror == nil {
		deps.Mirror = cache.NoopStore{}
	}
	buffer := cfg.AlertBuffer
	if buffer < 1 {
		buffer = 64
	}

	e := &Engine{
		cfg:             cfg,
		instanceID:      uuid.NewString(),
		sessions:        deps.Sessions,
		orders:          deps.Orders,
		snapshots:       deps.Snapshots,
		mirror:          deps.Mirror,
		creds:           deps.Credentials,
		newExchange:     deps.NewExchange,
		strategies:      deps.Strategies,
		rules:           deps.Rules,
		notifier:        deps.Notifier,
		broadcaster:     deps.Broadcaster,
		refreshCatalog:  deps.RefreshCatalog,
		catalogInterval: deps.CatalogInterval,
		updates:         make(chan *models.Session, buffer),
		now:             func() time.Time { return time.Now().UTC() },
	}
	e.log = log.With(utils.Component("engine"), zap.String("instance", e.instanceID))

	empty := make(map[string]*sessionHandle)
	e.registry.Store(&empty)
	return e
}

// InstanceID идентификатор экземпляра движка (owner_id сессий)
func (e *Engine) InstanceID() string {
	return e.instanceID
}

// ============ Операции сессий ============

// Start создаёт и запускает сессию пользователя на бирже.
// ALREADY_RUNNING, если активная сессия уже есть; INVALID_CREDENTIALS,
// если ключей нет или биржа их отвергла.
func (e *Engine) Start(ctx context.Context, userID, exchangeName string, cfg models.SessionConfig) (*models.Session, error) {
	if e.closed.Load() {
		return nil, ErrEngineStopped
	}

	userID = strings.TrimSpace(userID)
	exchangeName = utils.NormalizeExchange(exchangeName)
	if userID == "" {
		return nil, &ValidationError{Err: errors.New("user id is required")}
	}
	if err := utils.ValidateExchange(exchangeName); err != nil {
		return nil, &ValidationError{Err: err}
	}

	cfg = cfg.Clone()
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, &ValidationError{Err: err}
	}
	evaluator, err := e.strategies.Get(cfg.Strategy)
	if err != nil {
		return nil, &ValidationError{Err: err}
	}

	unlock := e.lockUser(userID)
	defer unlock()

	if e.findActive(userID, exchangeName) != nil {
		return nil, ErrAlreadyRunning
	}
	if _, err := e.sessions.GetActive(ctx, userID, exchangeName); err == nil {
		return nil, ErrAlreadyRunning
	} else if !errors.Is(err, repository.ErrSessionNotFound) {
		return nil, &PersistenceError{Op: "lookup active session", Err: err}
	}

	if _, err := e.creds.GetCredentials(ctx, userID, exchangeName); err != nil {
		if errors.Is(err, exchange.ErrMissingSecret) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
		}
		return nil, &PersistenceError{Op: "load credentials", Err: err}
	}

	now := e.now()
	s := &models.Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Exchange:  exchangeName,
		State:     models.SessionInitializing,
		Config:    cfg,
		OwnerID:   e.instanceID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.sessions.Create(ctx, s); err != nil {
		if errors.Is(err, repository.ErrActiveSessionExists) {
			return nil, ErrAlreadyRunning
		}
		return nil, &PersistenceError{Op: "create session", Err: err}
	}
	log := e.log.With(utils.SessionID(s.ID), utils.UserID(userID), utils.Exchange(exchangeName))
	e.publish(s)

	ex, err := e.newExchange(exchangeName, e.credentialSource(userID, exchangeName))
	if err != nil {
		e.abortStart(ctx, s, ReasonInternal, err)
		return nil, err
	}
	// проверка ключей и доступности биржи до перехода в RUNNING
	if _, err := ex.GetAccount(ctx); err != nil {
		reason := ReasonOf(err)
		e.abortStart(ctx, s, reason, err)
		if isFatalForSession(err) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
		}
		return nil, err
	}

	h := e.newHandle(s, ex, evaluator)
	if err := e.transition(ctx, h, models.SessionRunning, ""); err != nil {
		e.abortStart(ctx, s, ReasonPersistence, err)
		return nil, err
	}
	e.register(h)
	e.launch(h)

	log.Info("session started",
		zap.String("strategy", cfg.Strategy),
		zap.Strings("symbols", cfg.Symbols),
	)
	return h.status(e.now()), nil
}

// abortStart INITIALIZING → FAILED для неудавшегося старта
func (e *Engine) abortStart(ctx context.Context, s *models.Session, reason string, cause error) {
	pctx, cancel := e.persistContext(ctx)
	defer cancel()

	if err := e.persistTransition(pctx, s.ID, models.SessionInitializing, models.SessionFailed, reason); err != nil {
		e.log.Error("failed to mark session FAILED", utils.SessionID(s.ID), zap.Error(err))
		return
	}
	failed := s.Clone()
	failed.State = models.SessionFailed
	failed.FailureReason = reason
	e.publish(failed)
	e.log.Warn("session start aborted", utils.SessionID(s.ID), utils.Reason(reason), zap.Error(cause))
	e.alert(models.AlertSessionFailed, s.UserID, s.ID, reason+": "+errString(cause), nil)
}

// Pause RUNNING → PAUSED. Heartbeat продолжается.
func (e *Engine) Pause(ctx context.Context, sessionID string) error {
	return e.setTrading(ctx, sessionID, models.SessionPaused)
}

// Resume PAUSED → RUNNING
func (e *Engine) Resume(ctx context.Context, sessionID string) error {
	return e.setTrading(ctx, sessionID, models.SessionRunning)
}

func (e *Engine) setTrading(ctx context.Context, sessionID, to string) error {
	h := e.lookup(sessionID)
	if h == nil {
		s, err := e.sessions.GetByID(ctx, sessionID)
		if err != nil {
			if errors.Is(err, repository.ErrSessionNotFound) {
				return ErrSessionNotFound
			}
			return &PersistenceError{Op: "get session", Err: err}
		}
		if err := checkTransition(sessionID, s.State, to); err != nil {
			return err
		}
		// сессия активна, но её цикл принадлежит другому экземпляру
		return fmt.Errorf("%w: not owned by this engine instance", ErrSessionNotFound)
	}
	return e.transition(ctx, h, to, "")
}

// Stop останавливает сессию: отмена цикла, отмена открытых ордеров,
// финальный снимок, STOPPED. Остановка уже остановленной сессии - успех.
func (e *Engine) Stop(ctx context.Context, sessionID string) error {
	h := e.lookup(sessionID)
	if h == nil {
		return e.stopDetached(ctx, sessionID)
	}

	unlock := e.lockUser(h.userID())
	defer unlock()

	if models.IsTerminalState(h.state()) {
		e.unregister(h.id())
		return nil
	}
	if h.state() != models.SessionStopping {
		if err := e.transition(ctx, h, models.SessionStopping, ""); err != nil {
			if models.IsTerminalState(h.state()) {
				e.unregister(h.id())
				return nil
			}
			return err
		}
	}

	h.cancel()
	select {
	case <-h.done:
	case <-time.After(e.cfg.StopTimeout):
		StopTimeouts.Inc()
		h.log.Error("session task did not exit in time, detaching", zap.Duration("timeout", e.cfg.StopTimeout))
		e.alert(models.AlertStopTimeout, h.userID(), h.id(), "session task detached after stop timeout", nil)
	}

	// цикл мог сам перевести сессию в FAILED
	if models.IsTerminalState(h.state()) {
		e.unregister(h.id())
		return nil
	}

	fctx, cancel := e.persistContext(ctx)
	defer cancel()

	e.cancelOpenOrders(fctx, h.ex, h.id(), h.cfg.Symbols, h.log)
	e.saveSnapshot(fctx, h)

	err := e.transition(fctx, h, models.SessionStopped, "")
	e.unregister(h.id())
	if err != nil {
		return err
	}
	h.log.Info("session stopped")
	return nil
}

// stopDetached остановка сессии без задачи в этом экземпляре
func (e *Engine) stopDetached(ctx context.Context, sessionID string) error {
	s, err := e.sessions.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return ErrSessionNotFound
		}
		return &PersistenceError{Op: "get session", Err: err}
	}
	if models.IsTerminalState(s.State) {
		return nil
	}

	unlock := e.lockUser(s.UserID)
	defer unlock()

	if s.State != models.SessionStopping {
		if err := e.persistTransition(ctx, s.ID, s.State, models.SessionStopping, ""); err != nil {
			return err
		}
	}

	if ex, err := e.newExchange(s.Exchange, e.credentialSource(s.UserID, s.Exchange)); err == nil {
		e.cancelOpenOrders(ctx, ex, s.ID, s.Config.Symbols, e.log.With(utils.SessionID(s.ID)))
	}

	if err := e.persistTransition(ctx, s.ID, models.SessionStopping, models.SessionStopped, ""); err != nil {
		return err
	}
	stopped := s.Clone()
	stopped.State = models.SessionStopped
	e.publish(stopped)
	return nil
}

// cancelOpenOrders best-effort отмена ордеров по всем символам сессии.
// Сначала в журнал попадают исполнения по данным биржи, затем
// незавершённый остаток отменённых символов помечается cancelled.
func (e *Engine) cancelOpenOrders(ctx context.Context, ex exchange.Exchange, sessionID string, symbols []string, log *zap.Logger) {
	cancelled := make(map[string]bool, len(symbols))
	for _, sym := range symbols {
		if err := ex.CancelAllOrders(ctx, sym); err != nil {
			log.Warn("cancel open orders failed", utils.Symbol(sym), zap.Error(err))
			continue
		}
		cancelled[utils.NormalizeSymbol(sym)] = true
	}

	e.reconcileOrders(ctx, ex, sessionID, log)
	if len(cancelled) == 0 {
		return
	}

	open, err := e.orders.ListOpenBySession(ctx, sessionID)
	if err != nil {
		log.Warn("list open orders failed", zap.Error(err))
		return
	}
	for _, o := range open {
		if !cancelled[utils.NormalizeSymbol(o.Symbol)] {
			continue
		}
		if err := e.orders.UpdateStatus(ctx, o.ID, models.OrderStatusCancelled, o.FilledQty, o.AvgFillPrice, o.Pnl); err != nil {
			log.Warn("mark order cancelled failed", utils.ClientRequestID(o.ClientRequestID), zap.Error(err))
		}
	}
}

// ============ Чтение состояния ============

// GetStatus текущая или последняя сессия пользователя. nil, если сессий не было.
func (e *Engine) GetStatus(ctx context.Context, userID string) (*models.Session, error) {
	now := e.now()
	var found *sessionHandle
	for _, h := range e.snapshot() {
		if h.userID() != userID {
			continue
		}
		if found == nil || h.session.CreatedAt.After(found.session.CreatedAt) {
			found = h
		}
	}
	if found != nil {
		return found.status(now), nil
	}

	s, err := e.sessions.GetLatestByUser(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return nil, nil
		}
		return nil, &PersistenceError{Op: "get latest session", Err: err}
	}
	if p, err := e.snapshots.Latest(ctx, s.ID); err == nil {
		s.Performance = p
	}
	return s, nil
}

// GetActiveSessionsStatus сессии этого экземпляра, без блокировок реестра
func (e *Engine) GetActiveSessionsStatus() []*models.Session {
	now := e.now()
	reg := e.snapshot()
	out := make([]*models.Session, 0, len(reg))
	for _, h := range reg {
		out = append(out, h.status(now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// IsEngineRunning движок запущен через Run и не остановлен
func (e *Engine) IsEngineRunning() bool {
	return e.running.Load()
}

// ActiveCount число сессий в реестре
func (e *Engine) ActiveCount() int {
	return len(e.snapshot())
}

// ============ Жизненный цикл движка ============

// Run запускает фоновые задачи и восстановление, блокируется до отмены ctx.
// При выходе циклы сессий останавливаются, владение сессиями снимается,
// сессии остаются RUNNING/PAUSED для следующего экземпляра.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return errors.New("engine already running")
	}
	defer e.running.Store(false)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.dispatchUpdates(ctx)
	}()

	if e.refreshCatalog != nil {
		if err := e.refreshCatalog(ctx); err != nil {
			e.log.Warn("initial catalog refresh failed", zap.Error(err))
		}
		if e.catalogInterval > 0 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				e.catalogLoop(ctx)
			}()
		}
	}

	if e.cfg.RecoverOnStart {
		report, err := e.Recover(ctx)
		if err != nil {
			e.log.Error("session recovery failed", zap.Error(err))
		} else {
			e.log.Info("session recovery finished",
				zap.Int("restarted", report.Restarted),
				zap.Int("failed", report.Failed),
				zap.Int("finalized", report.Finalized),
				zap.Int("skipped", report.Skipped),
			)
		}
	}

	e.log.Info("engine running")
	<-ctx.Done()

	e.shutdown()
	wg.Wait()
	e.log.Info("engine stopped")
	return nil
}

// shutdown отсоединяет все сессии без смены их состояния
func (e *Engine) shutdown() {
	e.closed.Store(true)

	for _, h := range e.snapshot() {
		h.cancel()
		select {
		case <-h.done:
		case <-time.After(e.cfg.StopTimeout):
			StopTimeouts.Inc()
			h.log.Error("session task did not exit on shutdown")
		}

		ctx, cancel := e.persistContext(context.Background())
		e.saveSnapshot(ctx, h)
		if err := e.sessions.Release(ctx, h.id(), e.instanceID); err != nil {
			h.log.Warn("failed to release session ownership", zap.Error(err))
		}
		cancel()
		e.unregister(h.id())
	}
}

func (e *Engine) catalogLoop(ctx context.Context) {
	ticker := time.NewTicker(e.catalogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.refreshCatalog(ctx); err != nil && ctx.Err() == nil {
				e.log.Warn("catalog refresh failed", zap.Error(err))
			}
		}
	}
}

func (e *Engine) dispatchUpdates(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-e.updates:
			e.broadcaster.BroadcastSessionUpdate(s)
		}
	}
}

// ============ Переходы состояния ============

// transition меняет состояние сессии с задачей: проверка графа,
// CAS в БД, затем память. При ошибке состояние в памяти не меняется.
func (e *Engine) transition(ctx context.Context, h *sessionHandle, to, reason string) error {
	h.transMu.Lock()
	defer h.transMu.Unlock()

	from := h.state()
	if err := e.persistTransition(ctx, h.id(), from, to, reason); err != nil {
		return err
	}
	h.setState(to, reason, e.now())
	h.log.Info("session state changed", utils.Transition(from, to), utils.Reason(reason))

	e.publish(h.status(e.now()))
	e.refreshGauge()
	return nil
}

// persistTransition проверка графа и оптимистичное обновление строки
func (e *Engine) persistTransition(ctx context.Context, sessionID, from, to, reason string) error {
	if err := checkTransition(sessionID, from, to); err != nil {
		return err
	}
	if err := e.sessions.UpdateState(ctx, sessionID, from, to, reason); err != nil {
		return &PersistenceError{Op: "transition " + from + "->" + to, Err: err}
	}
	RecordTransition(from, to)
	return nil
}

func (e *Engine) publish(s *models.Session) {
	tryEnqueueUpdate(e.updates, s.Clone())
}

func (e *Engine) alert(kind, userID, sessionID, message string, meta models.Meta) {
	e.notifier.Notify(&models.Notification{
		Timestamp: e.now(),
		Kind:      kind,
		Severity:  models.SeverityFor(kind),
		UserID:    userID,
		SessionID: sessionID,
		Message:   message,
		Meta:      meta,
	})
}

// ============ Реестр ============

func (e *Engine) newHandle(s *models.Session, ex exchange.Exchange, evaluator strategy.Evaluator) *sessionHandle {
	tracker := NewPerformanceTracker(s.ID, s.Config.LoopInterval(e.cfg.LoopInterval))
	log := e.log.With(utils.SessionID(s.ID), utils.UserID(s.UserID), utils.Exchange(s.Exchange))
	return &sessionHandle{
		session:   s.Clone(),
		cfg:       s.Config.Clone(),
		ex:        ex,
		evaluator: evaluator,
		tracker:   tracker,
		pipeline:  NewOrderPipeline(s, ex, e.orders, e.rules, e.notifier, tracker, e.log),
		cancel:    func() {},
		done:      make(chan struct{}),
		log:       log,
	}
}

func (e *Engine) launch(h *sessionHandle) {
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go e.runSession(ctx, h)
}

func (e *Engine) snapshot() map[string]*sessionHandle {
	return *e.registry.Load()
}

func (e *Engine) lookup(sessionID string) *sessionHandle {
	return e.snapshot()[sessionID]
}

func (e *Engine) findActive(userID, exchangeName string) *sessionHandle {
	for _, h := range e.snapshot() {
		if h.userID() == userID && h.exchangeName() == exchangeName && models.IsActiveState(h.state()) {
			return h
		}
	}
	return nil
}

func (e *Engine) register(h *sessionHandle) {
	e.regMu.Lock()
	old := e.snapshot()
	next := make(map[string]*sessionHandle, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[h.id()] = h
	e.registry.Store(&next)
	e.regMu.Unlock()
	e.refreshGauge()
}

func (e *Engine) unregister(sessionID string) {
	e.regMu.Lock()
	old := e.snapshot()
	if _, ok := old[sessionID]; !ok {
		e.regMu.Unlock()
		return
	}
	next := make(map[string]*sessionHandle, len(old))
	for k, v := range old {
		if k != sessionID {
			next[k] = v
		}
	}
	e.registry.Store(&next)
	e.regMu.Unlock()
	e.refreshGauge()
}

func (e *Engine) refreshGauge() {
	counts := make(map[string]int)
	for _, h := range e.snapshot() {
		counts[h.state()]++
	}
	setActiveGauge(counts)
}

func (e *Engine) lockUser(userID string) func() {
	v, _ := e.userLocks.LoadOrStore(userID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// credentialSource ключи запрашиваются на каждый подписанный вызов
func (e *Engine) credentialSource(userID, exchangeName string) exchange.CredentialSource {
	return func(ctx context.Context) (exchange.Credentials, error) {
		return e.creds.GetCredentials(ctx, userID, exchangeName)
	}
}

// persistContext контекст для финальных записей, переживающий отмену родителя
func (e *Engine) persistContext(parent context.Context) (context.Context, context.CancelFunc) {
	timeout := e.cfg.StopTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return context.WithTimeout(context.WithoutCancel(parent), timeout)
}
