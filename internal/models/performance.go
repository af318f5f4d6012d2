package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Heartbeat отметка жизни работающей сессии
type Heartbeat struct {
	SessionID string    `json:"session_id" db:"session_id"`
	OwnerID   string    `json:"owner_id" db:"owner_id"` // экземпляр движка, ведущий сессию
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
}

// PerformanceSnapshot снимок показателей сессии
type PerformanceSnapshot struct {
	ID          int64     `json:"id" db:"id"`
	SessionID   string    `json:"session_id" db:"session_id"`
	Equity      float64   `json:"equity" db:"equity"`
	PeakEquity  float64   `json:"peak_equity" db:"peak_equity"`
	RealizedPnl float64   `json:"realized_pnl" db:"realized_pnl"`
	DailyPnl    float64   `json:"daily_pnl" db:"daily_pnl"`
	Sharpe      float64   `json:"sharpe" db:"sharpe"`
	MaxDrawdown float64   `json:"max_drawdown" db:"max_drawdown"`
	TradeCount  int       `json:"trade_count" db:"trade_count"`
	TakenAt     time.Time `json:"taken_at" db:"taken_at"`

	// доходности по итерациям, нужны для Sharpe после рестарта
	Returns Returns `json:"returns,omitempty" db:"returns"`
}

// Returns ряд доходностей, в БД хранится как JSONB-массив
type Returns []float64

// Value запись в JSONB
func (r Returns) Value() (driver.Value, error) {
	if r == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]float64(r))
}

// Scan чтение из JSONB
func (r *Returns) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*r = nil
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("returns: unsupported type %T", src)
	}
	var out []float64
	if err := json.Unmarshal(raw, &out); err != nil {
		return err
	}
	*r = out
	return nil
}

// CurrentDrawdown просадка текущего equity от пика
func (p *PerformanceSnapshot) CurrentDrawdown() float64 {
	if p.PeakEquity <= 0 || p.Equity >= p.PeakEquity {
		return 0
	}
	return (p.PeakEquity - p.Equity) / p.PeakEquity
}
