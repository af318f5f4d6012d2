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

const orderColumns = `id, session_id, user_id, exchange, client_request_id, exchange_order_id,
	symbol, side, type, quantity, price, leverage, filled_qty, avg_fill_price, status, pnl,
	reject_reason, created_at, updated_at, filled_at`

// OrderRepository - работа с таблицей orders
type OrderRepository struct {
	db *sqlx.DB
}

// NewOrderRepository создает новый экземпляр репозитория
func NewOrderRepository(db *sqlx.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

// Create сохраняет ордер вместе с исполнением, известным на момент ответа биржи.
// Второй незавершённый ордер с тем же client_request_id даёт ErrDuplicateOrder
// (частичный индекс orders_open_client_request).
func (r *OrderRepository) Create(ctx context.Context, o *models.PersistedOrder) error {
	query := `
		INSERT INTO orders (session_id, user_id, exchange, client_request_id, exchange_order_id,
			symbol, side, type, quantity, price, leverage, filled_qty, avg_fill_price, status, pnl,
			reject_reason, created_at, updated_at, filled_at)
		VALUES (:session_id, :user_id, :exchange, :client_request_id, :exchange_order_id,
			:symbol, :side, :type, :quantity, :price, :leverage, :filled_qty, :avg_fill_price, :status, :pnl,
			:reject_reason, :created_at, :updated_at, :filled_at)
		RETURNING id`

	now := time.Now().UTC()
	o.CreatedAt = now
	o.UpdatedAt = now

	rows, err := r.db.NamedQueryContext(ctx, query, o)
	if err != nil {
		if isUniqueViolation(err, "") {
			return ErrDuplicateOrder
		}
		return fmt.Errorf("create order: %w", err)
	}
	defer rows.Close()

	if rows.Next() {
		if err := rows.Scan(&o.ID); err != nil {
			return err
		}
	}
	return rows.Err()
}

// GetByClientRequestID ордер по ключу идемпотентности. Если по ключу есть
// незавершённый ордер, возвращается он, иначе самый свежий.
func (r *OrderRepository) GetByClientRequestID(ctx context.Context, clientRequestID string) (*models.PersistedOrder, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE client_request_id = $1
		ORDER BY (status IN ('pending', 'open')) DESC, created_at DESC
		LIMIT 1`

	var o models.PersistedOrder
	if err := r.db.GetContext(ctx, &o, query, clientRequestID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return &o, nil
}

// UpdateStatus обновляет статус и данные исполнения: объём, среднюю цену, PnL.
// filled_at ставится при первом переходе в filled.
func (r *OrderRepository) UpdateStatus(ctx context.Context, id int64, status string, filledQty, avgPrice, pnl float64) error {
	query := `
		UPDATE orders
		SET status = $1, filled_qty = $2, avg_fill_price = $3, pnl = $4, updated_at = $5,
		    filled_at = CASE WHEN $1 = 'filled' AND filled_at IS NULL THEN $5 ELSE filled_at END
		WHERE id = $6`

	res, err := r.db.ExecContext(ctx, query, status, filledQty, avgPrice, pnl, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// ListBySession ордера сессии, новые первыми
func (r *OrderRepository) ListBySession(ctx context.Context, sessionID string, limit int) ([]*models.PersistedOrder, error) {
	query := `SELECT ` + orderColumns + ` FROM orders
		WHERE session_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	var out []*models.PersistedOrder
	if err := r.db.SelectContext(ctx, &out, query, sessionID, limit); err != nil {
		return nil, err
	}
	return out, nil
}

// ListOpenBySession нетерминальные ордера сессии
func (r *OrderRepository) ListOpenBySession(ctx context.Context, sessionID string) ([]*models.PersistedOrder, error) {
	query := `SELECT ` + orderColumns + ` FROM orders
		WHERE session_id = $1 AND status IN ('pending', 'open')
		ORDER BY created_at`

	var out []*models.PersistedOrder
	if err := r.db.SelectContext(ctx, &out, query, sessionID); err != nil {
		return nil, err
	}
	return out, nil
}

