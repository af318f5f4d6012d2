package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Notification алерт движка: отказ риска, отказ биржи, сбой сессии
type Notification struct {
	ID        int64     `json:"id" db:"id"`
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
	Kind      string    `json:"kind" db:"kind"`
	Severity  string    `json:"severity" db:"severity"` // info, warn, error
	UserID    string    `json:"user_id,omitempty" db:"user_id"`
	SessionID string    `json:"session_id,omitempty" db:"session_id"`
	Message   string    `json:"message" db:"message"`
	Meta      Meta      `json:"meta,omitempty" db:"meta"` // JSONB
}

// Виды алертов
const (
	AlertRiskRejected     = "RISK_REJECTED"
	AlertExchangeRejected = "EXCHANGE_REJECTED"
	AlertSessionFailed    = "SESSION_FAILED"
	AlertSessionRecovered = "SESSION_RECOVERED"
	AlertStopTimeout      = "STOP_TIMEOUT"
)

// Уровни важности
const (
	SeverityInfo  = "info"
	SeverityWarn  = "warn"
	SeverityError = "error"
)

// SeverityFor уровень по умолчанию для вида алерта
func SeverityFor(kind string) string {
	switch kind {
	case AlertSessionFailed, AlertStopTimeout:
		return SeverityError
	case AlertRiskRejected, AlertExchangeRejected:
		return SeverityWarn
	}
	return SeverityInfo
}

// Meta дополнительные поля алерта
type Meta map[string]interface{}

// Value хранение в JSONB
func (m Meta) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// Scan чтение из JSONB
func (m *Meta) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*m = nil
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("meta: unsupported type %T", src)
	}
	out := make(Meta)
	if err := json.Unmarshal(raw, &out); err != nil {
		return err
	}
	*m = out
	return nil
}
