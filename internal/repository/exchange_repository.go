package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"autotrader/internal/models"
)

// ExchangeRepository - зашифрованные ключи пользователей на биржах
type ExchangeRepository struct {
	db *sqlx.DB
}

// NewExchangeRepository создает новый экземпляр репозитория
func NewExchangeRepository(db *sqlx.DB) *ExchangeRepository {
	return &ExchangeRepository{db: db}
}

// Upsert создаёт или заменяет ключи пользователя. Ключи уже зашифрованы.
func (r *ExchangeRepository) Upsert(ctx context.Context, a *models.ExchangeAccount) error {
	query := `
		INSERT INTO exchange_accounts (user_id, exchange, api_key, secret_key, connected, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, '', $6, $6)
		ON CONFLICT (user_id, exchange) DO UPDATE
		SET api_key = EXCLUDED.api_key,
		    secret_key = EXCLUDED.secret_key,
		    connected = EXCLUDED.connected,
		    last_error = '',
		    updated_at = EXCLUDED.updated_at
		RETURNING id, created_at`

	now := time.Now().UTC()
	a.UpdatedAt = now

	err := r.db.QueryRowxContext(ctx, query,
		a.UserID,
		a.Exchange,
		a.APIKey,
		a.SecretKey,
		a.Connected,
		now,
	).Scan(&a.ID, &a.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert exchange account: %w", err)
	}
	return nil
}

// Get ключи пользователя на бирже
func (r *ExchangeRepository) Get(ctx context.Context, userID, exchange string) (*models.ExchangeAccount, error) {
	query := `
		SELECT id, user_id, exchange, api_key, secret_key, connected, last_error, updated_at, created_at
		FROM exchange_accounts
		WHERE user_id = $1 AND exchange = $2`

	var a models.ExchangeAccount
	if err := r.db.GetContext(ctx, &a, query, userID, exchange); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &a, nil
}

// SetStatus отмечает результат последней проверки ключей
func (r *ExchangeRepository) SetStatus(ctx context.Context, userID, exchange string, connected bool, lastError string) error {
	query := `
		UPDATE exchange_accounts
		SET connected = $1, last_error = $2, updated_at = $3
		WHERE user_id = $4 AND exchange = $5`

	res, err := r.db.ExecContext(ctx, query, connected, lastError, time.Now().UTC(), userID, exchange)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// Delete удаляет ключи пользователя
func (r *ExchangeRepository) Delete(ctx context.Context, userID, exchange string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM exchange_accounts WHERE user_id = $1 AND exchange = $2`, userID, exchange)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAccountNotFound
	}
	return nil
}
