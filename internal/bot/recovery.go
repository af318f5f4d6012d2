package bot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"autotrader/internal/exchange"
	"autotrader/internal/models"
	"autotrader/pkg/utils"
)

// ============================================================
// Восстановление брошенных сессий после падения экземпляра
// ============================================================
//
// Сессия считается брошенной, если её heartbeat старше StaleThreshold
// (и в БД, и в Redis) либо владелец снял владение при штатной остановке.
//
// Гарантия "не больше одного восстановления":
//  1. блокировка recovery:<id> в Redis (SETNX с TTL), если Redis есть
//  2. Claim в БД: UPDATE ... WHERE state = $s AND (owner_id = '' OR heartbeat < порога)
//
// Второй шаг авторитетен: строку получает ровно один экземпляр.
//
// Что делается с сессией:
//   - RUNNING, PAUSED: перезапуск с новой задачей, если ключи есть и биржа
//     отвечает; иначе FAILED
//   - INITIALIZING: старт прерван, FAILED
//   - STOPPING: остановка прервана, STOPPED

// RecoveryReport итог восстановления
type RecoveryReport struct {
	Restarted int
	Failed    int
	Finalized int
	Skipped   int
}

// Recover находит и обрабатывает брошенные сессии
func (e *Engine) Recover(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport

	candidates, err := e.sessions.ListByStates(ctx,
		models.SessionInitializing, models.SessionRunning, models.SessionPaused, models.SessionStopping)
	if err != nil {
		return report, &PersistenceError{Op: "list sessions for recovery", Err: err}
	}

	now := e.now()
	staleBefore := now.Add(-e.cfg.StaleThreshold)

	for _, s := range candidates {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		if e.lookup(s.ID) != nil {
			continue
		}
		if !e.isAbandoned(ctx, s) {
			report.Skipped++
			RecoveredSessions.WithLabelValues("skipped").Inc()
			continue
		}

		result := e.recoverOne(ctx, s, staleBefore)
		RecoveredSessions.WithLabelValues(result).Inc()
		switch result {
		case "restarted":
			report.Restarted++
		case "failed":
			report.Failed++
		case "finalized":
			report.Finalized++
		default:
			report.Skipped++
		}
	}
	return report, nil
}

// isAbandoned владелец снял владение, либо heartbeat устарел и в БД, и в зеркале
func (e *Engine) isAbandoned(ctx context.Context, s *models.Session) bool {
	if s.OwnerID == "" {
		return true
	}
	now := e.now()
	if s.HeartbeatAge(now) <= e.cfg.StaleThreshold {
		return false
	}
	// БД могла отстать от Redis при сбое записи heartbeat
	if last, ok, err := e.mirror.LastHeartbeat(ctx, s.ID); err == nil && ok && now.Sub(last) <= e.cfg.StaleThreshold {
		return false
	}
	return true
}

// recoverOne возвращает restarted, failed, finalized или skipped
func (e *Engine) recoverOne(ctx context.Context, s *models.Session, staleBefore time.Time) string {
	log := e.log.With(utils.SessionID(s.ID), utils.UserID(s.UserID), utils.State(s.State))

	locked, err := e.mirror.AcquireRecoveryLock(ctx, s.ID, e.instanceID, e.cfg.StaleThreshold)
	if err != nil {
		// без Redis решает CAS в БД
		log.Warn("recovery lock unavailable, relying on database claim", zap.Error(err))
	} else if !locked {
		log.Debug("session is being recovered by another instance")
		return "skipped"
	} else {
		defer func() {
			if err := e.mirror.ReleaseRecoveryLock(context.WithoutCancel(ctx), s.ID, e.instanceID); err != nil {
				log.Debug("release recovery lock failed", zap.Error(err))
			}
		}()
	}

	claimed, err := e.sessions.Claim(ctx, s.ID, s.State, e.instanceID, staleBefore)
	if err != nil {
		log.Error("claim failed", zap.Error(err))
		return "skipped"
	}
	if !claimed {
		log.Debug("session claimed by another instance or no longer stale")
		return "skipped"
	}

	switch s.State {
	case models.SessionInitializing:
		return e.failRecovered(ctx, s, ReasonInternal, errors.New("start interrupted"), log)

	case models.SessionStopping:
		if err := e.persistTransition(ctx, s.ID, models.SessionStopping, models.SessionStopped, ""); err != nil {
			log.Error("failed to finalize stopping session", zap.Error(err))
			return "skipped"
		}
		stopped := s.Clone()
		stopped.State = models.SessionStopped
		e.publish(stopped)
		log.Info("interrupted stop finalized")
		return "finalized"
	}

	return e.restart(ctx, s, log)
}

// restart новая задача для RUNNING/PAUSED сессии, состояние сохраняется
func (e *Engine) restart(ctx context.Context, s *models.Session, log *zap.Logger) string {
	unlock := e.lockUser(s.UserID)
	defer unlock()

	evaluator, err := e.strategies.Get(s.Config.Strategy)
	if err != nil {
		return e.failRecovered(ctx, s, ReasonValidation, err, log)
	}
	if _, err := e.creds.GetCredentials(ctx, s.UserID, s.Exchange); err != nil {
		reason := ReasonPersistence
		if errors.Is(err, exchange.ErrMissingSecret) {
			reason = ReasonInvalidCredentials
		}
		return e.failRecovered(ctx, s, reason, err, log)
	}
	ex, err := e.newExchange(s.Exchange, e.credentialSource(s.UserID, s.Exchange))
	if err != nil {
		return e.failRecovered(ctx, s, ReasonInternal, err, log)
	}
	if _, err := ex.GetAccount(ctx); err != nil {
		return e.failRecovered(ctx, s, ReasonOf(err), err, log)
	}

	s = s.Clone()
	s.OwnerID = e.instanceID
	h := e.newHandle(s, ex, evaluator)
	if p, err := e.snapshots.Latest(ctx, s.ID); err == nil {
		h.tracker.Restore(p)
	}
	e.register(h)
	e.launch(h)
	e.publish(h.status(e.now()))

	log.Info("session recovered")
	e.alert(models.AlertSessionRecovered, s.UserID, s.ID,
		fmt.Sprintf("session recovered in state %s", s.State), models.Meta{"state": s.State})
	return "restarted"
}

func (e *Engine) failRecovered(ctx context.Context, s *models.Session, reason string, cause error, log *zap.Logger) string {
	if err := e.persistTransition(ctx, s.ID, s.State, models.SessionFailed, reason); err != nil {
		log.Error("failed to mark recovered session FAILED", zap.Error(err))
		return "skipped"
	}
	failed := s.Clone()
	failed.State = models.SessionFailed
	failed.FailureReason = reason
	e.publish(failed)

	log.Warn("recovery preconditions not met", utils.Reason(reason), zap.Error(cause))
	e.alert(models.AlertSessionFailed, s.UserID, s.ID, "recovery failed: "+reason+": "+errString(cause), nil)
	return "failed"
}
