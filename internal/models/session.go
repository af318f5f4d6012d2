package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"autotrader/pkg/utils"
)

// Session торговая сессия пользователя на одной бирже
type Session struct {
	ID              string        `json:"id" db:"id"`
	UserID          string        `json:"user_id" db:"user_id"`
	Exchange        string        `json:"exchange" db:"exchange"`
	State           string        `json:"state" db:"state"` // INITIALIZING, RUNNING, PAUSED, STOPPING, STOPPED, FAILED
	Config          SessionConfig `json:"config" db:"config"`
	StartedAt       *time.Time    `json:"started_at,omitempty" db:"started_at"`
	StoppedAt       *time.Time    `json:"stopped_at,omitempty" db:"stopped_at"`
	LastHeartbeatAt *time.Time    `json:"last_heartbeat_at,omitempty" db:"last_heartbeat_at"`
	FailureReason   string        `json:"failure_reason,omitempty" db:"failure_reason"`
	OwnerID         string        `json:"-" db:"owner_id"` // экземпляр движка, владеющий задачей
	CreatedAt       time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at" db:"updated_at"`

	Performance *PerformanceSnapshot `json:"performance,omitempty" db:"-"`
}

// Состояния сессии
const (
	SessionInitializing = "INITIALIZING"
	SessionRunning      = "RUNNING"
	SessionPaused       = "PAUSED"
	SessionStopping     = "STOPPING"
	SessionStopped      = "STOPPED"
	SessionFailed       = "FAILED"
)

// IsTerminalState STOPPED и FAILED: из них переходов нет
func IsTerminalState(state string) bool {
	return state == SessionStopped || state == SessionFailed
}

// IsActiveState сессия занимает слот пользователя на бирже
func IsActiveState(state string) bool {
	return state != "" && !IsTerminalState(state)
}

// HeartbeatAge возраст последнего heartbeat. Без heartbeat считается от старта.
func (s *Session) HeartbeatAge(now time.Time) time.Duration {
	switch {
	case s.LastHeartbeatAt != nil:
		return now.Sub(*s.LastHeartbeatAt)
	case s.StartedAt != nil:
		return now.Sub(*s.StartedAt)
	}
	return now.Sub(s.CreatedAt)
}

// Clone копия без общих указателей
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.StartedAt = copyTime(s.StartedAt)
	c.StoppedAt = copyTime(s.StoppedAt)
	c.LastHeartbeatAt = copyTime(s.LastHeartbeatAt)
	c.Config = s.Config.Clone()
	if s.Performance != nil {
		p := *s.Performance
		p.Returns = append([]float64(nil), s.Performance.Returns...)
		c.Performance = &p
	}
	return &c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// SessionConfig параметры сессии, неизменяемые после старта
type SessionConfig struct {
	Strategy       string             `json:"strategy"`
	StrategyParams map[string]float64 `json:"strategy_params,omitempty"`
	Symbols        []string           `json:"symbols"`

	MaxRiskPerTrade   float64 `json:"max_risk_per_trade"`  // доля equity на один ордер, (0,1]
	MaxDrawdown       float64 `json:"max_drawdown"`        // допустимая просадка от пика, (0,1]
	InitialCapital    float64 `json:"initial_capital"`     // USDT
	TargetDailyReturn float64 `json:"target_daily_return"` // 0 = без цели

	LoopIntervalMs int64 `json:"loop_interval_ms,omitempty"` // 0 = интервал движка
	Leverage       int   `json:"leverage,omitempty"`         // плечо по умолчанию для ордеров стратегии
}

// Ошибки конфигурации
var (
	ErrNoSymbols       = errors.New("at least one symbol is required")
	ErrNoStrategy      = errors.New("strategy is required")
	ErrInvalidInterval = errors.New("loop interval must be at least 100ms")
)

// Validate проверяет конфигурацию до старта сессии
func (c *SessionConfig) Validate() error {
	var errs utils.ValidationErrors

	if c.Strategy == "" {
		errs.AddError("strategy", ErrNoStrategy)
	}
	if len(c.Symbols) == 0 {
		errs.AddError("symbols", ErrNoSymbols)
	}
	seen := make(map[string]struct{}, len(c.Symbols))
	for i, s := range c.Symbols {
		if err := utils.ValidateSymbol(s); err != nil {
			errs.AddError(fmt.Sprintf("symbols[%d]", i), err)
			continue
		}
		norm := utils.NormalizeSymbol(s)
		if _, dup := seen[norm]; dup {
			errs.Add(fmt.Sprintf("symbols[%d]", i), "duplicate symbol "+norm)
		}
		seen[norm] = struct{}{}
	}

	if err := utils.ValidateFraction(c.MaxRiskPerTrade); err != nil {
		errs.AddError("max_risk_per_trade", err)
	}
	if err := utils.ValidateFraction(c.MaxDrawdown); err != nil {
		errs.AddError("max_drawdown", err)
	}
	if err := utils.ValidatePositive(c.InitialCapital); err != nil {
		errs.AddError("initial_capital", err)
	}
	if c.TargetDailyReturn < 0 || math.IsNaN(c.TargetDailyReturn) || math.IsInf(c.TargetDailyReturn, 0) {
		errs.Add("target_daily_return", "must be zero or positive")
	}
	if c.LoopIntervalMs != 0 && c.LoopIntervalMs < 100 {
		errs.AddError("loop_interval_ms", ErrInvalidInterval)
	}
	if err := utils.ValidateLeverage(c.Leverage); err != nil {
		errs.AddError("leverage", err)
	}

	return errs.Err()
}

// Normalize приводит символы к каноническому виду
func (c *SessionConfig) Normalize() {
	for i, s := range c.Symbols {
		c.Symbols[i] = utils.NormalizeSymbol(s)
	}
}

// LoopInterval интервал цикла сессии, fallback если не задан
func (c *SessionConfig) LoopInterval(fallback time.Duration) time.Duration {
	if c.LoopIntervalMs > 0 {
		return time.Duration(c.LoopIntervalMs) * time.Millisecond
	}
	return fallback
}

// Param числовой параметр стратегии
func (c *SessionConfig) Param(name string, def float64) float64 {
	if v, ok := c.StrategyParams[name]; ok {
		return v
	}
	return def
}

// Clone глубокая копия
func (c SessionConfig) Clone() SessionConfig {
	out := c
	out.Symbols = append([]string(nil), c.Symbols...)
	if c.StrategyParams != nil {
		out.StrategyParams = make(map[string]float64, len(c.StrategyParams))
		for k, v := range c.StrategyParams {
			out.StrategyParams[k] = v
		}
	}
	return out
}

// Value хранение в JSONB
func (c SessionConfig) Value() (driver.Value, error) {
	return json.Marshal(c)
}

// Scan чтение из JSONB
func (c *SessionConfig) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*c = SessionConfig{}
		return nil
	case []byte:
		return json.Unmarshal(v, c)
	case string:
		return json.Unmarshal([]byte(v), c)
	}
	return fmt.Errorf("session config: unsupported type %T", src)
}
