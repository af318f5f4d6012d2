package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"autotrader/internal/models"
)

const sessionColumns = `id, user_id, exchange, state, config, started_at, stopped_at,
	last_heartbeat_at, failure_reason, owner_id, created_at, updated_at`

// SessionRepository - работа с таблицей sessions.
// Переходы состояний выполняются только через UpdateState с ожидаемым текущим состоянием.
type SessionRepository struct {
	db *sqlx.DB
}

// NewSessionRepository создает новый экземпляр репозитория
func NewSessionRepository(db *sqlx.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// Create сохраняет новую сессию. Частичный уникальный индекс sessions_one_active
// не даёт создать вторую активную сессию для той же пары пользователь+биржа.
func (r *SessionRepository) Create(ctx context.Context, s *models.Session) error {
	query := `
		INSERT INTO sessions (id, user_id, exchange, state, config, started_at, owner_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	now := time.Now().UTC()
	s.CreatedAt = now
	s.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, query,
		s.ID,
		s.UserID,
		s.Exchange,
		s.State,
		s.Config,
		s.StartedAt,
		s.OwnerID,
		s.CreatedAt,
		s.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, "sessions_one_active") {
			return ErrActiveSessionExists
		}
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// GetByID возвращает сессию по ID
func (r *SessionRepository) GetByID(ctx context.Context, id string) (*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`

	var s models.Session
	if err := r.db.GetContext(ctx, &s, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return &s, nil
}

// GetActive активная сессия пользователя на бирже
func (r *SessionRepository) GetActive(ctx context.Context, userID, exchange string) (*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions
		WHERE user_id = $1 AND exchange = $2 AND state NOT IN ('STOPPED', 'FAILED')
		LIMIT 1`

	var s models.Session
	if err := r.db.GetContext(ctx, &s, query, userID, exchange); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return &s, nil
}

// GetLatestByUser последняя сессия пользователя (любая биржа, любое состояние)
func (r *SessionRepository) GetLatestByUser(ctx context.Context, userID string) (*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT 1`

	var s models.Session
	if err := r.db.GetContext(ctx, &s, query, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return &s, nil
}

// ListByStates сессии в указанных состояниях
func (r *SessionRepository) ListByStates(ctx context.Context, states ...string) ([]*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions
		WHERE state = ANY($1)
		ORDER BY created_at`

	var out []*models.Session
	if err := r.db.SelectContext(ctx, &out, query, pq.Array(states)); err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateState переводит сессию из expected в next. Если состояние в БД уже
// другое, возвращает ErrStateConflict и ничего не меняет.
func (r *SessionRepository) UpdateState(ctx context.Context, id, expected, next, reason string) error {
	query := `
		UPDATE sessions
		SET state = $1,
		    failure_reason = CASE WHEN $2 <> '' THEN $2 ELSE failure_reason END,
		    started_at = CASE WHEN $1 = 'RUNNING' AND started_at IS NULL THEN $3 ELSE started_at END,
		    stopped_at = CASE WHEN $1 IN ('STOPPED', 'FAILED') THEN $3 ELSE stopped_at END,
		    updated_at = $3
		WHERE id = $4 AND state = $5`

	res, err := r.db.ExecContext(ctx, query, next, reason, time.Now().UTC(), id, expected)
	if err != nil {
		return fmt.Errorf("update session state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStateConflict
	}
	return nil
}

// Claim передаёт сессию новому владельцу, если она всё ещё в state и её
// heartbeat старше staleBefore либо владелец её отпустил.
// Ровно один конкурент получает true.
func (r *SessionRepository) Claim(ctx context.Context, id, state, owner string, staleBefore time.Time) (bool, error) {
	query := `
		UPDATE sessions
		SET owner_id = $1, last_heartbeat_at = $2, updated_at = $2
		WHERE id = $3 AND state = $4
		  AND (owner_id = '' OR COALESCE(last_heartbeat_at, started_at, created_at) < $5)`

	res, err := r.db.ExecContext(ctx, query, owner, time.Now().UTC(), id, state, staleBefore)
	if err != nil {
		return false, fmt.Errorf("claim session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Release снимает владельца при штатной остановке процесса, чтобы
// следующий экземпляр забрал сессию без ожидания порога устаревания
func (r *SessionRepository) Release(ctx context.Context, id, owner string) error {
	query := `UPDATE sessions SET owner_id = '', updated_at = $1 WHERE id = $2 AND owner_id = $3`

	if _, err := r.db.ExecContext(ctx, query, time.Now().UTC(), id, owner); err != nil {
		return fmt.Errorf("release session: %w", err)
	}
	return nil
}

// TouchHeartbeat записывает heartbeat сессии от её владельца.
// ErrOwnershipLost, если сессия уже завершена, её остановили или забрал
// другой экземпляр.
func (r *SessionRepository) TouchHeartbeat(ctx context.Context, hb models.Heartbeat) error {
	query := `
		UPDATE sessions SET last_heartbeat_at = $1
		WHERE id = $2 AND owner_id = $3
		  AND state IN ('INITIALIZING', 'RUNNING', 'PAUSED', 'STOPPING')`

	res, err := r.db.ExecContext(ctx, query, hb.Timestamp, hb.SessionID, hb.OwnerID)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrOwnershipLost
	}
	return nil
}

// ListByUser история сессий пользователя
func (r *SessionRepository) ListByUser(ctx context.Context, userID string, limit int) ([]*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	var out []*models.Session
	if err := r.db.SelectContext(ctx, &out, query, userID, limit); err != nil {
		return nil, err
	}
	return out, nil
}
