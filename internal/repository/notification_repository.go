package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"autotrader/internal/models"
)

// NotificationRepository - журнал алертов
type NotificationRepository struct {
	db *sqlx.DB
}

// NewNotificationRepository создает новый экземпляр репозитория
func NewNotificationRepository(db *sqlx.DB) *NotificationRepository {
	return &NotificationRepository{db: db}
}

// Create сохраняет алерт
func (r *NotificationRepository) Create(ctx context.Context, n *models.Notification) error {
	query := `
		INSERT INTO notifications (timestamp, kind, severity, user_id, session_id, message, meta)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`

	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}
	if n.Severity == "" {
		n.Severity = models.SeverityFor(n.Kind)
	}

	err := r.db.QueryRowxContext(ctx, query,
		n.Timestamp,
		n.Kind,
		n.Severity,
		n.UserID,
		n.SessionID,
		n.Message,
		n.Meta,
	).Scan(&n.ID)
	if err != nil {
		return fmt.Errorf("create notification: %w", err)
	}
	return nil
}

// GetRecent последние алерты, при непустом sessionID только этой сессии
func (r *NotificationRepository) GetRecent(ctx context.Context, sessionID string, limit int) ([]*models.Notification, error) {
	query := `
		SELECT id, timestamp, kind, severity, user_id, session_id, message, meta
		FROM notifications
		WHERE ($1 = '' OR session_id = $1)
		ORDER BY timestamp DESC
		LIMIT $2`

	var out []*models.Notification
	if err := r.db.SelectContext(ctx, &out, query, sessionID, limit); err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteOlderThan удаляет алерты старше указанного времени
func (r *NotificationRepository) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM notifications WHERE timestamp < $1`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
