package bot

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"autotrader/internal/exchange"
	"autotrader/internal/models"
	"autotrader/internal/repository"
	"autotrader/internal/strategy"
	"autotrader/pkg/utils"
)

// sessionHandle задача одной сессии в реестре движка
type sessionHandle struct {
	mu      sync.RWMutex
	session *models.Session

	// сериализует переходы состояния
	transMu sync.Mutex

	cfg       models.SessionConfig // неизменяем после старта
	ex        exchange.Exchange
	evaluator strategy.Evaluator
	tracker   *PerformanceTracker
	pipeline  *OrderPipeline

	cancel context.CancelFunc
	done   chan struct{}

	log *zap.Logger
}

func (h *sessionHandle) id() string { return h.session.ID }

func (h *sessionHandle) userID() string { return h.session.UserID }

func (h *sessionHandle) exchangeName() string { return h.session.Exchange }

func (h *sessionHandle) state() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.session.State
}

func (h *sessionHandle) setState(state, reason string, now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.session.State = state
	if reason != "" {
		h.session.FailureReason = reason
	}
	if state == models.SessionRunning && h.session.StartedAt == nil {
		h.session.StartedAt = &now
	}
	if models.IsTerminalState(state) {
		h.session.StoppedAt = &now
	}
	h.session.UpdatedAt = now
}

func (h *sessionHandle) touch(now time.Time) {
	h.mu.Lock()
	h.session.LastHeartbeatAt = &now
	h.mu.Unlock()
}

// status копия сессии с текущими показателями
func (h *sessionHandle) status(now time.Time) *models.Session {
	h.mu.RLock()
	s := h.session.Clone()
	h.mu.RUnlock()
	s.Performance = h.tracker.Snapshot(now)
	return s
}

// runSession цикл сессии: итерации стратегии, heartbeat, сверка ордеров и
// снимки показателей. Завершается по отмене контекста, фатальной ошибке или
// потере владения сессией.
func (e *Engine) runSession(ctx context.Context, h *sessionHandle) {
	defer close(h.done)

	loop := time.NewTicker(h.cfg.LoopInterval(e.cfg.LoopInterval))
	heartbeat := time.NewTicker(e.cfg.HeartbeatInterval)
	snapshot := time.NewTicker(e.cfg.SnapshotInterval)
	defer loop.Stop()
	defer heartbeat.Stop()
	defer snapshot.Stop()

	h.log.Info("session loop started", utils.State(h.state()))
	if err := e.heartbeat(ctx, h); errors.Is(err, repository.ErrOwnershipLost) {
		e.dropLostSession(h)
		return
	}

	for {
		select {
		case <-ctx.Done():
			h.log.Info("session loop stopped")
			return
		case <-heartbeat.C:
			if err := e.heartbeat(ctx, h); errors.Is(err, repository.ErrOwnershipLost) {
				e.dropLostSession(h)
				return
			}
		case <-snapshot.C:
			e.reconcileOrders(ctx, h.ex, h.id(), h.log)
			e.saveSnapshot(ctx, h)
		case <-loop.C:
			err := e.iterate(ctx, h)
			if err == nil || ctx.Err() != nil {
				continue
			}
			if errors.Is(err, repository.ErrOwnershipLost) {
				e.dropLostSession(h)
				return
			}
			if isFatalForSession(err) {
				e.failSession(h, ReasonOf(err), err)
				return
			}
			h.log.Debug("iteration finished with error", utils.Reason(ReasonOf(err)), zap.Error(err))
		}
	}
}

// iterate одна итерация цикла. PAUSED и достигнутая дневная цель
// пропускают стратегию и конвейер.
func (e *Engine) iterate(ctx context.Context, h *sessionHandle) (err error) {
	start := e.now()
	result := "no_signal"
	defer func() {
		if err != nil {
			result = "error"
		}
		LoopIterationDuration.WithLabelValues(result).Observe(time.Since(start).Seconds())
	}()

	if !IsTrading(h.state()) {
		result = "paused"
		return nil
	}

	acct, err := h.ex.GetAccount(ctx)
	if err != nil {
		h.log.Warn("account snapshot failed", utils.Reason(ReasonOf(err)), zap.Error(err))
		return err
	}
	now := e.now()
	h.tracker.ObserveAccount(acct, now)

	if h.tracker.TargetReached(h.cfg.TargetDailyReturn, h.cfg.InitialCapital, now) {
		result = "target_reached"
		return nil
	}

	snap, err := e.marketSnapshot(ctx, h, acct, now)
	if err != nil {
		h.log.Warn("market snapshot failed", utils.Reason(ReasonOf(err)), zap.Error(err))
		return err
	}

	req, err := h.evaluator.Evaluate(ctx, snap, h.cfg)
	if err != nil {
		h.log.Warn("strategy evaluation failed", zap.String("strategy", h.evaluator.Name()), zap.Error(err))
		return err
	}
	if req == nil {
		return nil
	}
	result = "signal"

	// пауза могла наступить во время сетевых вызовов
	if !IsTrading(h.state()) {
		result = "paused"
		return nil
	}
	// сессию могли остановить через другой экземпляр: без владения не торгуем
	if err := e.heartbeat(ctx, h); err != nil {
		return err
	}

	if req.ClientRequestID == "" {
		req.ClientRequestID = uuid.NewString()
	}
	symbol := utils.NormalizeSymbol(req.Symbol)
	_, err = h.pipeline.Submit(ctx, *req, accountSnapshotFor(snap, h.tracker, symbol), snap.Price(symbol))
	return err
}

// marketSnapshot позиции и тикеры символов сессии
func (e *Engine) marketSnapshot(ctx context.Context, h *sessionHandle, acct *exchange.Account, now time.Time) (*strategy.MarketSnapshot, error) {
	positions, err := h.ex.GetPositions(ctx)
	if err != nil {
		return nil, err
	}

	tickers := make(map[string]*exchange.Ticker, len(h.cfg.Symbols))
	for _, sym := range h.cfg.Symbols {
		t, err := h.ex.GetTicker(ctx, sym)
		if err != nil {
			return nil, err
		}
		tickers[sym] = t
	}

	return &strategy.MarketSnapshot{
		Tickers:   tickers,
		Account:   acct,
		Positions: positions,
		Time:      now,
	}, nil
}

// accountSnapshotFor вход risk gate из снимка рынка
func accountSnapshotFor(snap *strategy.MarketSnapshot, tracker *PerformanceTracker, symbol string) AccountSnapshot {
	out := AccountSnapshot{}
	if snap.Account != nil {
		out.Equity = snap.Account.Equity
		out.Exposure = snap.Account.Exposure
	}
	_, out.PeakEquity = tracker.Equity()

	var total float64
	for _, p := range snap.Positions {
		if p == nil {
			continue
		}
		total += p.Notional()
		if p.Symbol == symbol {
			out.SymbolExposure += p.Notional()
		}
	}
	if out.Exposure == 0 {
		out.Exposure = total
	}
	return out
}

// heartbeat пишет отметку в БД и зеркалит в Redis. Возвращает только
// repository.ErrOwnershipLost: прочие сбои записи не останавливают сессию.
func (e *Engine) heartbeat(ctx context.Context, h *sessionHandle) error {
	now := e.now().UTC()
	hb := models.Heartbeat{SessionID: h.id(), OwnerID: e.instanceID, Timestamp: now}

	err := e.sessions.TouchHeartbeat(ctx, hb)
	switch {
	case err == nil:
		h.touch(now)
	case errors.Is(err, repository.ErrOwnershipLost):
		return err
	case ctx.Err() == nil:
		HeartbeatFailures.WithLabelValues("db").Inc()
		h.log.Warn("heartbeat write failed", zap.Error(err))
	}

	if err := e.mirror.MirrorHeartbeat(ctx, hb, e.cfg.StaleThreshold); err != nil && ctx.Err() == nil {
		HeartbeatFailures.WithLabelValues("redis").Inc()
		h.log.Debug("heartbeat mirror failed", zap.Error(err))
	}
	return nil
}

// dropLostSession снимает цикл сессии, которую остановили или забрали через
// другой экземпляр. Состояние в БД принадлежит новому владельцу и не меняется.
func (e *Engine) dropLostSession(h *sessionHandle) {
	OwnershipLost.Inc()
	h.log.Warn("session ownership lost, dropping local loop", utils.State(h.state()))
	e.unregister(h.id())
}

// saveSnapshot сохраняет показатели, если был хотя бы один снимок счёта
func (e *Engine) saveSnapshot(ctx context.Context, h *sessionHandle) {
	snap := h.tracker.Snapshot(e.now().UTC())
	if snap.Equity == 0 && snap.PeakEquity == 0 {
		return
	}
	if err := e.snapshots.Save(ctx, snap); err != nil && ctx.Err() == nil {
		h.log.Warn("performance snapshot not saved", zap.Error(err))
	}
}

// failSession переводит сессию в FAILED из её собственного цикла
func (e *Engine) failSession(h *sessionHandle, reason string, cause error) {
	ctx, cancel := e.persistContext(context.Background())
	defer cancel()

	h.log.Error("session failed", utils.Reason(reason), zap.Error(cause))
	e.saveSnapshot(ctx, h)

	if err := e.transition(ctx, h, models.SessionFailed, reason); err != nil {
		var illegal *IllegalTransitionError
		if !errors.As(err, &illegal) {
			h.log.Error("failed to persist FAILED state", zap.Error(err))
		}
	}
	if models.IsTerminalState(h.state()) {
		e.unregister(h.id())
	}
	e.alert(models.AlertSessionFailed, h.userID(), h.id(), reason+": "+errString(cause), nil)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
