package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"autotrader/internal/config"
)

// Ошибки репозиториев
var (
	ErrSessionNotFound     = errors.New("session not found")
	ErrStateConflict       = errors.New("session state changed concurrently")
	ErrOwnershipLost       = errors.New("session is no longer active or owned by this instance")
	ErrActiveSessionExists = errors.New("active session already exists for user and exchange")
	ErrOrderNotFound       = errors.New("order not found")
	ErrDuplicateOrder      = errors.New("order with this client request id already exists")
	ErrAccountNotFound     = errors.New("exchange account not found")
	ErrSnapshotNotFound    = errors.New("performance snapshot not found")
)

// pgUniqueViolation код ошибки PostgreSQL unique_violation
const pgUniqueViolation = "23505"

// Open создаёт пул соединений и проверяет доступность БД
func Open(ctx context.Context, cfg config.DatabaseConfig) (*sqlx.DB, error) {
	db, err := sqlx.Open(cfg.Driver, cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Настройка пула соединений
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// isUniqueViolation нарушение уникального индекса (с опциональным именем)
func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != pgUniqueViolation {
		return false
	}
	return constraint == "" || pqErr.Constraint == constraint
}
