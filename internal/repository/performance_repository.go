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

// PerformanceRepository - снимки показателей сессий
type PerformanceRepository struct {
	db *sqlx.DB
}

// NewPerformanceRepository создает новый экземпляр репозитория
func NewPerformanceRepository(db *sqlx.DB) *PerformanceRepository {
	return &PerformanceRepository{db: db}
}

// Save записывает снимок вместе с рядом доходностей
func (r *PerformanceRepository) Save(ctx context.Context, p *models.PerformanceSnapshot) error {
	query := `
		INSERT INTO performance_snapshots (session_id, equity, peak_equity, realized_pnl, daily_pnl,
			sharpe, max_drawdown, trade_count, taken_at, returns)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`

	if p.TakenAt.IsZero() {
		p.TakenAt = time.Now().UTC()
	}

	err := r.db.QueryRowxContext(ctx, query,
		p.SessionID,
		p.Equity,
		p.PeakEquity,
		p.RealizedPnl,
		p.DailyPnl,
		p.Sharpe,
		p.MaxDrawdown,
		p.TradeCount,
		p.TakenAt,
		p.Returns,
	).Scan(&p.ID)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// Latest последний снимок сессии
func (r *PerformanceRepository) Latest(ctx context.Context, sessionID string) (*models.PerformanceSnapshot, error) {
	query := `
		SELECT id, session_id, equity, peak_equity, realized_pnl, daily_pnl, sharpe, max_drawdown, trade_count, taken_at, returns
		FROM performance_snapshots
		WHERE session_id = $1
		ORDER BY taken_at DESC
		LIMIT 1`

	var p models.PerformanceSnapshot
	if err := r.db.GetContext(ctx, &p, query, sessionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSnapshotNotFound
		}
		return nil, err
	}
	return &p, nil
}
