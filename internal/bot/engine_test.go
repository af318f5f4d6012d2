package bot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autotrader/internal/exchange"
	"autotrader/internal/models"
)

func TestEngine_StartRunsSession(t *testing.T) {
	env := newTestEnv(t)

	s := env.start(t, "u1")
	assert.Equal(t, models.SessionRunning, s.State)
	assert.NotNil(t, s.StartedAt)

	stored := env.sessions.get(s.ID)
	assert.Equal(t, models.SessionRunning, stored.State)
	assert.Equal(t, env.engine.InstanceID(), stored.OwnerID)

	active := env.engine.GetActiveSessionsStatus()
	require.Len(t, active, 1)
	assert.Equal(t, s.ID, active[0].ID)
}

func TestEngine_ConcurrentStartIsMutuallyExclusive(t *testing.T) {
	env := newTestEnv(t)

	const callers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ok      int
		already int
	)
	gate := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-gate
			_, err := env.engine.Start(context.Background(), "u1", "poloniex", testSessionConfig())
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrAlreadyRunning):
				already++
			default:
				t.Errorf("неожиданная ошибка: %v", err)
			}
		}()
	}
	close(gate)
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, callers-1, already)

	running, err := env.sessions.ListByStates(context.Background(), models.SessionRunning)
	require.NoError(t, err)
	assert.Len(t, running, 1)
}

func TestEngine_StartValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	cfg := testSessionConfig()
	cfg.Strategy = "missing"
	_, err := env.engine.Start(ctx, "u1", "poloniex", cfg)
	assert.Equal(t, ReasonValidation, ReasonOf(err))

	cfg = testSessionConfig()
	cfg.MaxRiskPerTrade = 0
	_, err = env.engine.Start(ctx, "u1", "poloniex", cfg)
	assert.Equal(t, ReasonValidation, ReasonOf(err))

	_, err = env.engine.Start(ctx, "u1", "binance", testSessionConfig())
	assert.Equal(t, ReasonValidation, ReasonOf(err))

	assert.Empty(t, env.engine.GetActiveSessionsStatus())
}

func TestEngine_StartInvalidCredentials(t *testing.T) {
	t.Run("missing", func(t *testing.T) {
		env := newTestEnv(t)
		env.creds.remove("u1")

		_, err := env.engine.Start(context.Background(), "u1", "poloniex", testSessionConfig())
		assert.ErrorIs(t, err, ErrInvalidCredentials)
		assert.Equal(t, ReasonInvalidCredentials, ReasonOf(err))

		_, err = env.sessions.GetLatestByUser(context.Background(), "u1")
		assert.Error(t, err, "сессия не должна создаваться")
	})

	t.Run("rejected by exchange", func(t *testing.T) {
		env := newTestEnv(t)
		env.ex.setAccountErr(&exchange.AuthenticationError{Exchange: "poloniex", Status: 401, Message: "invalid key"})

		_, err := env.engine.Start(context.Background(), "u1", "poloniex", testSessionConfig())
		assert.ErrorIs(t, err, ErrInvalidCredentials)

		latest, err := env.sessions.GetLatestByUser(context.Background(), "u1")
		require.NoError(t, err)
		assert.Equal(t, models.SessionFailed, latest.State)
		assert.Equal(t, ReasonInvalidCredentials, latest.FailureReason)
		assert.Empty(t, env.engine.GetActiveSessionsStatus())
		assert.Contains(t, env.notifier.kinds(), models.AlertSessionFailed)

		// после FAILED можно стартовать заново
		env.ex.setAccountErr(nil)
		env.start(t, "u1")
	})
}

func TestEngine_StopIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s := env.start(t, "u1")

	require.NoError(t, env.engine.Stop(ctx, s.ID))
	assert.Equal(t, models.SessionStopped, env.sessions.get(s.ID).State)

	require.NoError(t, env.engine.Stop(ctx, s.ID))
	assert.Equal(t, models.SessionStopped, env.sessions.get(s.ID).State)

	assert.Empty(t, env.engine.GetActiveSessionsStatus())
	assert.Equal(t, int32(1), env.ex.cancelCalls.Load(), "отмена ордеров при первой остановке")

	assert.ErrorIs(t, env.engine.Stop(ctx, "nope"), ErrSessionNotFound)
}

func TestEngine_StopCancelsJournalOrders(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s := env.start(t, "u1")
	h := env.engine.lookup(s.ID)
	require.NotNil(t, h)

	env.strat.set(1)
	require.NoError(t, env.engine.iterate(ctx, h))
	require.Len(t, env.orders.byStatus(models.OrderStatusOpen), 1)

	require.NoError(t, env.engine.Stop(ctx, s.ID))
	assert.Empty(t, env.orders.byStatus(models.OrderStatusOpen))
	assert.Len(t, env.orders.byStatus(models.OrderStatusCancelled), 1)
}

func TestEngine_ReconcileRecordsFills(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s := env.start(t, "u1")
	h := env.engine.lookup(s.ID)
	require.NotNil(t, h)

	env.strat.set(1)
	require.NoError(t, env.engine.iterate(ctx, h))
	require.NoError(t, env.engine.iterate(ctx, h))
	require.Len(t, env.orders.byStatus(models.OrderStatusOpen), 2)

	// ex-1 частично исполнен и стоит в стакане, ex-2 исполнен полностью
	env.ex.setOpen(&exchange.Order{
		ID: "ex-1", Symbol: testSymbol, Quantity: 1,
		FilledQty: 0.4, AvgFillPrice: 100.5, Status: exchange.OrderStatusPartial,
	})
	env.ex.finish(&exchange.Order{
		ID: "ex-2", Symbol: testSymbol, Quantity: 1,
		FilledQty: 1, AvgFillPrice: 99.8, Pnl: 1.5, Status: exchange.OrderStatusFilled,
	})

	env.engine.reconcileOrders(ctx, h.ex, s.ID, h.log)

	partial := env.orders.byExchangeID("ex-1")
	require.NotNil(t, partial)
	assert.Equal(t, models.OrderStatusOpen, partial.Status)
	assert.InDelta(t, 0.4, partial.FilledQty, 1e-9)
	assert.InDelta(t, 100.5, partial.AvgFillPrice, 1e-9)

	filled := env.orders.byExchangeID("ex-2")
	require.NotNil(t, filled)
	assert.Equal(t, models.OrderStatusFilled, filled.Status)
	assert.InDelta(t, 1, filled.FilledQty, 1e-9)
	assert.InDelta(t, 99.8, filled.AvgFillPrice, 1e-9)
	assert.InDelta(t, 1.5, filled.Pnl, 1e-9)

	// при остановке остаток ex-1 отменяется, исполненная часть остаётся в журнале
	require.NoError(t, env.engine.Stop(ctx, s.ID))

	cancelled := env.orders.byExchangeID("ex-1")
	assert.Equal(t, models.OrderStatusCancelled, cancelled.Status)
	assert.InDelta(t, 0.4, cancelled.FilledQty, 1e-9)
	assert.InDelta(t, 100.5, cancelled.AvgFillPrice, 1e-9)
	assert.Equal(t, models.OrderStatusFilled, env.orders.byExchangeID("ex-2").Status)
}

func TestEngine_StopFromOtherInstanceDropsOwnerLoop(t *testing.T) {
	cfg := testEngineConfig()
	cfg.HeartbeatInterval = 20 * time.Millisecond
	env := newTestEnvWithConfig(t, cfg)
	ctx := context.Background()

	sc := testSessionConfig()
	sc.LoopIntervalMs = 100
	s, err := env.engine.Start(ctx, "u1", "poloniex", sc)
	require.NoError(t, err)
	h := env.engine.lookup(s.ID)
	require.NotNil(t, h)

	// второй экземпляр не ведёт сессию и останавливает её через БД
	other := env.newEngine()
	require.NoError(t, other.Stop(ctx, s.ID))
	require.Equal(t, models.SessionStopped, env.sessions.get(s.ID).State)

	// сигналы появляются только после остановки
	env.strat.set(1)

	require.Eventually(t, func() bool {
		return env.engine.lookup(s.ID) == nil
	}, 2*time.Second, 10*time.Millisecond)
	select {
	case <-h.done:
	case <-time.After(time.Second):
		t.Fatal("цикл владельца не завершился")
	}

	assert.Zero(t, env.ex.placeCalls.Load(), "после чужой остановки ордера не выставляются")
	stored := env.sessions.get(s.ID)
	assert.Equal(t, models.SessionStopped, stored.State)
	assert.Empty(t, stored.FailureReason)
	assert.NotContains(t, env.notifier.kinds(), models.AlertSessionFailed)

	next, err := env.engine.Start(ctx, "u1", "poloniex", testSessionConfig())
	require.NoError(t, err)
	assert.NotEqual(t, s.ID, next.ID)
}

func TestEngine_StopTimeoutDetachesStuckLoop(t *testing.T) {
	cfg := testEngineConfig()
	cfg.StopTimeout = 200 * time.Millisecond
	env := newTestEnvWithConfig(t, cfg)
	ctx := context.Background()

	release := make(chan struct{})
	env.strat.blockOn(release)
	env.strat.set(1)

	sc := testSessionConfig()
	sc.LoopIntervalMs = 100
	s, err := env.engine.Start(ctx, "u1", "poloniex", sc)
	require.NoError(t, err)
	h := env.engine.lookup(s.ID)
	require.NotNil(t, h)

	// цикл завис внутри стратегии
	require.Eventually(t, func() bool {
		return env.strat.callCount() >= 1
	}, 2*time.Second, 10*time.Millisecond)

	started := time.Now()
	require.NoError(t, env.engine.Stop(ctx, s.ID))
	assert.GreaterOrEqual(t, time.Since(started), cfg.StopTimeout)

	assert.Equal(t, models.SessionStopped, env.sessions.get(s.ID).State)
	assert.Contains(t, env.notifier.kinds(), models.AlertStopTimeout)
	assert.Nil(t, env.engine.lookup(s.ID))

	// отпущенная задача видит STOPPED и не торгует
	close(release)
	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatal("задача не завершилась после освобождения")
	}
	assert.Zero(t, env.ex.placeCalls.Load())
}

func TestEngine_StopDetachedSession(t *testing.T) {
	env := newTestEnv(t)
	now := time.Now().UTC()
	env.sessions.put(&models.Session{
		ID: "orphan", UserID: "u2", Exchange: "poloniex", State: models.SessionPaused,
		Config: testSessionConfig(), OwnerID: "other", CreatedAt: now,
	})

	require.NoError(t, env.engine.Stop(context.Background(), "orphan"))
	assert.Equal(t, models.SessionStopped, env.sessions.get("orphan").State)
}

func TestEngine_PauseSuppressesTrading(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.strat.set(1)
	s := env.start(t, "u1")
	h := env.engine.lookup(s.ID)
	require.NotNil(t, h)

	require.NoError(t, env.engine.Pause(ctx, s.ID))
	assert.Equal(t, models.SessionPaused, env.sessions.get(s.ID).State)

	for i := 0; i < 10; i++ {
		require.NoError(t, env.engine.iterate(ctx, h))
	}
	assert.Zero(t, env.strat.callCount(), "стратегия не вызывается на паузе")
	assert.Zero(t, env.ex.placeCalls.Load())

	var ite *IllegalTransitionError
	assert.ErrorAs(t, env.engine.Pause(ctx, s.ID), &ite)
	assert.Equal(t, models.SessionPaused, env.sessions.get(s.ID).State)

	require.NoError(t, env.engine.Resume(ctx, s.ID))
	require.NoError(t, env.engine.iterate(ctx, h))
	assert.Equal(t, 1, env.strat.callCount())
	assert.Equal(t, int32(1), env.ex.placeCalls.Load())

	assert.ErrorAs(t, env.engine.Resume(ctx, s.ID), &ite)
	assert.ErrorIs(t, env.engine.Pause(ctx, "nope"), ErrSessionNotFound)
}

func TestEngine_RiskScenario(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s := env.start(t, "u1")
	h := env.engine.lookup(s.ID)
	require.NotNil(t, h)

	// цена 100: 1.5 → 150, принят
	env.strat.set(1.5)
	require.NoError(t, env.engine.iterate(ctx, h))
	accepted := env.orders.byStatus(models.OrderStatusOpen)
	require.Len(t, accepted, 1)
	assert.Equal(t, s.ID, accepted[0].SessionID)
	assert.NotEmpty(t, accepted[0].ClientRequestID)

	// 2.5 → 250, отказ до биржи
	env.strat.set(2.5)
	err := env.engine.iterate(ctx, h)
	var rr *RiskRejectedError
	require.ErrorAs(t, err, &rr)
	assert.Equal(t, ReasonRiskLimit, rr.Code)
	assert.Equal(t, int32(1), env.ex.placeCalls.Load())
	assert.Contains(t, env.notifier.kinds(), models.AlertRiskRejected)

	// сессия продолжает работать
	assert.Equal(t, models.SessionRunning, h.state())
}

func TestEngine_TargetDailyReturnStopsSignals(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.strat.set(1)

	cfg := testSessionConfig()
	cfg.TargetDailyReturn = 0.01
	s, err := env.engine.Start(ctx, "u1", "poloniex", cfg)
	require.NoError(t, err)
	h := env.engine.lookup(s.ID)

	require.NoError(t, env.engine.iterate(ctx, h))
	assert.Equal(t, 1, env.strat.callCount())

	env.ex.mu.Lock()
	env.ex.account.Equity = 10150
	env.ex.mu.Unlock()

	require.NoError(t, env.engine.iterate(ctx, h))
	assert.Equal(t, 1, env.strat.callCount(), "цель достигнута, сигналы не считаются")
}

func TestEngine_LoopFailsSessionOnAuthError(t *testing.T) {
	env := newTestEnv(t)
	cfg := testSessionConfig()
	cfg.LoopIntervalMs = 100

	s, err := env.engine.Start(context.Background(), "u1", "poloniex", cfg)
	require.NoError(t, err)
	env.ex.setAccountErr(&exchange.AuthenticationError{Exchange: "poloniex", Status: 401, Message: "revoked"})

	require.Eventually(t, func() bool {
		return env.sessions.get(s.ID).State == models.SessionFailed
	}, 3*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		return env.engine.lookup(s.ID) == nil
	}, time.Second, 10*time.Millisecond)
	assert.Contains(t, env.notifier.kinds(), models.AlertSessionFailed)
}

func TestEngine_LoopWritesHeartbeatAndTrades(t *testing.T) {
	env := newTestEnv(t)
	env.strat.set(0.1)
	cfg := testSessionConfig()
	cfg.LoopIntervalMs = 100

	s, err := env.engine.Start(context.Background(), "u1", "poloniex", cfg)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return env.sessions.get(s.ID).LastHeartbeatAt != nil
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return env.ex.placeCalls.Load() >= 2
	}, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, env.engine.Stop(context.Background(), s.ID))
	assert.GreaterOrEqual(t, env.snapshots.count(), 1, "финальный снимок при остановке")
}

func TestEngine_GetStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	st, err := env.engine.GetStatus(ctx, "nobody")
	require.NoError(t, err)
	assert.Nil(t, st)

	s := env.start(t, "u1")
	st, err = env.engine.GetStatus(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, s.ID, st.ID)
	assert.NotNil(t, st.Performance)

	require.NoError(t, env.engine.Stop(ctx, s.ID))
	st, err = env.engine.GetStatus(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionStopped, st.State)
}

func TestEngine_RunShutdownReleasesOwnership(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- env.engine.Run(ctx) }()
	require.Eventually(t, env.engine.IsEngineRunning, time.Second, 5*time.Millisecond)

	s := env.start(t, "u1")
	cancel()
	require.NoError(t, <-done)

	assert.False(t, env.engine.IsEngineRunning())
	stored := env.sessions.get(s.ID)
	assert.Equal(t, models.SessionRunning, stored.State, "сессия остаётся для следующего экземпляра")
	assert.Empty(t, stored.OwnerID)

	_, err := env.engine.Start(context.Background(), "u3", "poloniex", testSessionConfig())
	assert.ErrorIs(t, err, ErrEngineStopped)
}
