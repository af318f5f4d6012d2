package bot

import (
	"errors"
	"fmt"

	"autotrader/internal/exchange"
)

// Коды причин для вызывающих слоёв (API, алерты, метрики)
const (
	ReasonValidation         = "VALIDATION_FAILED"
	ReasonRiskLimit          = "RISK_LIMIT_EXCEEDED"
	ReasonDrawdown           = "DRAWDOWN_EXCEEDED"
	ReasonLeverage           = "LEVERAGE_EXCEEDED"
	ReasonPrecision          = "PRECISION_VIOLATION"
	ReasonExchangeDown       = "EXCHANGE_UNAVAILABLE"
	ReasonExchangeRejected   = "EXCHANGE_REJECTED"
	ReasonInvalidCredentials = "INVALID_CREDENTIALS"
	ReasonIllegalTransition  = "ILLEGAL_TRANSITION"
	ReasonPersistence        = "PERSISTENCE_FAILED"
	ReasonAlreadyRunning     = "ALREADY_RUNNING"
	ReasonDuplicateRequest   = "DUPLICATE_REQUEST"
	ReasonSessionNotFound    = "SESSION_NOT_FOUND"
	ReasonInternal           = "INTERNAL"
)

// Ошибки движка
var (
	ErrAlreadyRunning     = errors.New("active session already exists for user and exchange")
	ErrInvalidCredentials = errors.New("invalid exchange credentials")
	ErrSessionNotFound    = errors.New("session not found")
	ErrDuplicateRequest   = errors.New("order with this client request id already submitted")
	ErrEngineStopped      = errors.New("engine is not running")
)

// ValidationError некорректная заявка или конфиг сессии
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string { return "validation failed: " + e.Err.Error() }
func (e *ValidationError) Unwrap() error { return e.Err }
func (e *ValidationError) ReasonCode() string { return ReasonValidation }

// RiskRejectedError заявка остановлена risk gate до отправки на биржу
type RiskRejectedError struct {
	Code     string // RISK_LIMIT_EXCEEDED, DRAWDOWN_EXCEEDED, LEVERAGE_EXCEEDED, PRECISION_VIOLATION
	Reason   string
	Notional float64
}

func (e *RiskRejectedError) Error() string {
	return fmt.Sprintf("risk rejected (%s): %s", e.Code, e.Reason)
}

func (e *RiskRejectedError) ReasonCode() string { return e.Code }

// IllegalTransitionError недопустимый переход, состояние не изменено
type IllegalTransitionError struct {
	SessionID string
	From      string
	To        string
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("session %s: illegal transition %s -> %s", e.SessionID, e.From, e.To)
}

func (e *IllegalTransitionError) ReasonCode() string { return ReasonIllegalTransition }

// PersistenceError сбой хранилища
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return "persistence: " + e.Op + ": " + e.Err.Error() }
func (e *PersistenceError) Unwrap() error { return e.Err }
func (e *PersistenceError) ReasonCode() string { return ReasonPersistence }

type reasonCoder interface {
	ReasonCode() string
}

// ReasonOf машиночитаемый код причины для любой ошибки движка
func ReasonOf(err error) string {
	if err == nil {
		return ""
	}

	var rc reasonCoder
	if errors.As(err, &rc) {
		return rc.ReasonCode()
	}

	switch {
	case errors.Is(err, ErrAlreadyRunning):
		return ReasonAlreadyRunning
	case errors.Is(err, ErrInvalidCredentials), exchange.IsAuthError(err), errors.Is(err, exchange.ErrMissingSecret):
		return ReasonInvalidCredentials
	case errors.Is(err, ErrSessionNotFound):
		return ReasonSessionNotFound
	case errors.Is(err, ErrDuplicateRequest):
		return ReasonDuplicateRequest
	// недоступность проверяется до отказа: ExchangeUnavailableError
	// раскрывает ошибки всех кандидатов
	case exchange.IsUnavailable(err), exchange.IsTransient(err):
		return ReasonExchangeDown
	case exchange.IsRejected(err):
		return ReasonExchangeRejected
	}
	return ReasonInternal
}

// isFatalForSession ошибки, после которых сессия переходит в FAILED
func isFatalForSession(err error) bool {
	return errors.Is(err, ErrInvalidCredentials) || exchange.IsAuthError(err) || errors.Is(err, exchange.ErrMissingSecret)
}
