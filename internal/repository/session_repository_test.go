package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"autotrader/internal/models"
)

// newMockDB sqlmock, обёрнутый в sqlx с плейсхолдерами postgres
func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return sqlx.NewDb(db, "postgres"), mock
}

var sessionCols = []string{
	"id", "user_id", "exchange", "state", "config", "started_at", "stopped_at",
	"last_heartbeat_at", "failure_reason", "owner_id", "created_at", "updated_at",
}

const configJSON = `{"strategy":"threshold","symbols":["BTC_USDT_PERP"],"max_risk_per_trade":0.02,"max_drawdown":0.2,"initial_capital":10000}`

func sessionRow(rows *sqlmock.Rows, id, state string) *sqlmock.Rows {
	now := time.Now()
	return rows.AddRow(id, "user-1", "poloniex", state, []byte(configJSON), now, nil, now, "", "node-a", now, now)
}

func TestSessionRepositoryCreate(t *testing.T) {
	tests := []struct {
		name      string
		mockSetup func(mock sqlmock.Sqlmock)
		wantErr   error
		anyErr    bool
	}{
		{
			name: "success",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec(`INSERT INTO sessions`).
					WithArgs("s1", "user-1", "poloniex", models.SessionInitializing, sqlmock.AnyArg(), nil, "node-a", sqlmock.AnyArg(), sqlmock.AnyArg()).
					WillReturnResult(sqlmock.NewResult(0, 1))
			},
		},
		{
			name: "active session exists",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec(`INSERT INTO sessions`).
					WillReturnError(&pq.Error{Code: "23505", Constraint: "sessions_one_active"})
			},
			wantErr: ErrActiveSessionExists,
		},
		{
			name: "other unique violation",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec(`INSERT INTO sessions`).
					WillReturnError(&pq.Error{Code: "23505", Constraint: "sessions_pkey"})
			},
			anyErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := newMockDB(t)
			tt.mockSetup(mock)

			repo := NewSessionRepository(db)
			s := &models.Session{
				ID:       "s1",
				UserID:   "user-1",
				Exchange: "poloniex",
				State:    models.SessionInitializing,
				OwnerID:  "node-a",
			}
			err := repo.Create(context.Background(), s)

			switch {
			case tt.wantErr != nil:
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("ожидалась %v, got %v", tt.wantErr, err)
				}
			case tt.anyErr:
				if err == nil || errors.Is(err, ErrActiveSessionExists) {
					t.Errorf("ожидалась обычная ошибка, got %v", err)
				}
			default:
				if err != nil {
					t.Fatalf("неожиданная ошибка: %v", err)
				}
				if s.CreatedAt.IsZero() {
					t.Error("CreatedAt не заполнен")
				}
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unfulfilled expectations: %v", err)
			}
		})
	}
}

func TestSessionRepositoryGetByID(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewSessionRepository(db)

	mock.ExpectQuery(`SELECT .+ FROM sessions WHERE id`).
		WithArgs("s1").
		WillReturnRows(sessionRow(sqlmock.NewRows(sessionCols), "s1", models.SessionRunning))

	s, err := repo.GetByID(context.Background(), "s1")
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if s.State != models.SessionRunning || s.OwnerID != "node-a" {
		t.Errorf("session = %+v", s)
	}
	if s.Config.Strategy != "threshold" || s.Config.MaxDrawdown != 0.2 {
		t.Errorf("config не прочитан из JSONB: %+v", s.Config)
	}

	mock.ExpectQuery(`SELECT .+ FROM sessions WHERE id`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(sessionCols))

	if _, err := repo.GetByID(context.Background(), "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("ожидалась ErrSessionNotFound, got %v", err)
	}
}

func TestSessionRepositoryGetActive(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewSessionRepository(db)

	mock.ExpectQuery(`SELECT .+ FROM sessions\s+WHERE user_id = \$1 AND exchange = \$2`).
		WithArgs("user-1", "poloniex").
		WillReturnRows(sqlmock.NewRows(sessionCols))

	if _, err := repo.GetActive(context.Background(), "user-1", "poloniex"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("ожидалась ErrSessionNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestSessionRepositoryListByStates(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewSessionRepository(db)

	rows := sqlmock.NewRows(sessionCols)
	sessionRow(rows, "s1", models.SessionRunning)
	sessionRow(rows, "s2", models.SessionPaused)

	mock.ExpectQuery(`SELECT .+ FROM sessions\s+WHERE state = ANY`).
		WillReturnRows(rows)

	list, err := repo.ListByStates(context.Background(), models.SessionRunning, models.SessionPaused)
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if len(list) != 2 || list[1].ID != "s2" {
		t.Errorf("list = %v", list)
	}
}

func TestSessionRepositoryListByUser(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewSessionRepository(db)

	rows := sqlmock.NewRows(sessionCols)
	sessionRow(rows, "s2", models.SessionStopped)
	sessionRow(rows, "s1", models.SessionFailed)

	mock.ExpectQuery(`SELECT .+ FROM sessions\s+WHERE user_id = \$1\s+ORDER BY created_at DESC`).
		WithArgs("u1", 10).
		WillReturnRows(rows)

	list, err := repo.ListByUser(context.Background(), "u1", 10)
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if len(list) != 2 || list[0].ID != "s2" {
		t.Errorf("list = %v", list)
	}
}

func TestSessionRepositoryUpdateState(t *testing.T) {
	tests := []struct {
		name    string
		rows    int64
		dbErr   error
		wantErr error
	}{
		{name: "success", rows: 1},
		{name: "state changed concurrently", rows: 0, wantErr: ErrStateConflict},
		{name: "database error", dbErr: errors.New("connection lost")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := newMockDB(t)
			repo := NewSessionRepository(db)

			exp := mock.ExpectExec(`UPDATE sessions\s+SET state`).
				WithArgs(models.SessionStopped, "", sqlmock.AnyArg(), "s1", models.SessionStopping)
			if tt.dbErr != nil {
				exp.WillReturnError(tt.dbErr)
			} else {
				exp.WillReturnResult(sqlmock.NewResult(0, tt.rows))
			}

			err := repo.UpdateState(context.Background(), "s1", models.SessionStopping, models.SessionStopped, "")
			switch {
			case tt.dbErr != nil:
				if !errors.Is(err, tt.dbErr) {
					t.Errorf("ошибка БД должна оборачиваться, got %v", err)
				}
			case tt.wantErr != nil:
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("ожидалась %v, got %v", tt.wantErr, err)
				}
			default:
				if err != nil {
					t.Errorf("неожиданная ошибка: %v", err)
				}
			}
		})
	}
}

func TestSessionRepositoryClaim(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewSessionRepository(db)
	stale := time.Now().Add(-time.Minute)

	mock.ExpectExec(`UPDATE sessions\s+SET owner_id`).
		WithArgs("node-b", sqlmock.AnyArg(), "s1", models.SessionRunning, stale).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE sessions\s+SET owner_id`).
		WithArgs("node-c", sqlmock.AnyArg(), "s1", models.SessionRunning, stale).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := repo.Claim(context.Background(), "s1", models.SessionRunning, "node-b", stale)
	if err != nil || !ok {
		t.Errorf("первый захват должен пройти: %v, %v", ok, err)
	}
	ok, err = repo.Claim(context.Background(), "s1", models.SessionRunning, "node-c", stale)
	if err != nil || ok {
		t.Errorf("второй захват должен проиграть: %v, %v", ok, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestSessionRepositoryTouchHeartbeat(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewSessionRepository(db)
	now := time.Now()

	heartbeatSQL := `UPDATE sessions SET last_heartbeat_at = \$1\s+WHERE id = \$2 AND owner_id = \$3\s+AND state IN \('INITIALIZING', 'RUNNING', 'PAUSED', 'STOPPING'\)`
	mock.ExpectExec(heartbeatSQL).
		WithArgs(now, "s1", "node-a").
		WillReturnResult(sqlmock.NewResult(0, 1))
	// сессию остановили через другой экземпляр: строка не совпала
	mock.ExpectExec(heartbeatSQL).
		WithArgs(now, "s2", "node-a").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := repo.TouchHeartbeat(context.Background(), models.Heartbeat{SessionID: "s1", OwnerID: "node-a", Timestamp: now}); err != nil {
		t.Errorf("неожиданная ошибка: %v", err)
	}
	err := repo.TouchHeartbeat(context.Background(), models.Heartbeat{SessionID: "s2", OwnerID: "node-a", Timestamp: now})
	if !errors.Is(err, ErrOwnershipLost) {
		t.Errorf("ожидалась ErrOwnershipLost, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestSessionRepositoryRelease(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewSessionRepository(db)

	mock.ExpectExec(`UPDATE sessions SET owner_id = ''`).
		WithArgs(sqlmock.AnyArg(), "s1", "node-a").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.Release(context.Background(), "s1", "node-a"); err != nil {
		t.Errorf("неожиданная ошибка: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}
