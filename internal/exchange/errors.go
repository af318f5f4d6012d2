package exchange

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMissingSecret - подпись невозможна без секрета
	ErrMissingSecret = errors.New("exchange: missing api secret")
	// ErrNoCandidates - запросу не передан ни один хост
	ErrNoCandidates = errors.New("exchange: no endpoint candidates configured")
	// ErrOrderNotFound - биржа не знает ордер с таким id
	ErrOrderNotFound = errors.New("exchange: order not found")
)

// TransientKind причина временной ошибки
type TransientKind string

const (
	TransientRateLimited TransientKind = "rate_limited"       // HTTP 429
	TransientUnavailable TransientKind = "service_unavailable" // HTTP 503
	TransientConnReset   TransientKind = "connection_reset"
	TransientDNS         TransientKind = "dns_failure"
	TransientTimeout     TransientKind = "timeout"
)

// TransientError ошибка, которую имеет смысл повторить на том же хосте
type TransientError struct {
	Kind   TransientKind
	Status int
	Err    error
}

func (e *TransientError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("transient %s (HTTP %d)", e.Kind, e.Status)
	}
	if e.Err != nil {
		return fmt.Sprintf("transient %s: %v", e.Kind, e.Err)
	}
	return "transient " + string(e.Kind)
}

func (e *TransientError) Unwrap() error { return e.Err }

// UnreachableError хост недоступен (connection refused, TLS, 5xx кроме 503).
// Повтор на этом хосте бессмысленен, но следующий кандидат может ответить.
type UnreachableError struct {
	Status int
	Err    error
}

func (e *UnreachableError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("endpoint unhealthy (HTTP %d)", e.Status)
	}
	return fmt.Sprintf("endpoint unreachable: %v", e.Err)
}

func (e *UnreachableError) Unwrap() error { return e.Err }

// AuthenticationError 401/403 - ключ отозван или подпись не принята
type AuthenticationError struct {
	Exchange string
	Status   int
	Message  string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("%s: authentication failed (HTTP %d): %s", e.Exchange, e.Status, e.Message)
}

// ExchangeError отказ биржи по существу запроса (4xx, ненулевой code в ответе):
// недостаточно маржи, неверный символ и т.п. Не повторяется.
type ExchangeError struct {
	Exchange string
	Status   int
	Code     string
	Message  string
}

func (e *ExchangeError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: rejected [%s]: %s", e.Exchange, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: rejected (HTTP %d): %s", e.Exchange, e.Status, e.Message)
}

// MalformedResponseError ответ не разбирается
type MalformedResponseError struct {
	Status  int
	Preview string
	Err     error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed response (HTTP %d): %v :: %s", e.Status, e.Err, e.Preview)
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }

// CandidateFailure последняя ошибка по одному хосту
type CandidateFailure struct {
	URL      string
	Attempts int
	Err      error
}

// ExchangeUnavailableError все кандидаты исчерпаны
type ExchangeUnavailableError struct {
	Path     string
	Failures []CandidateFailure
}

func (e *ExchangeUnavailableError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s (%d attempts) :: %v", f.URL, f.Attempts, f.Err))
	}
	return "all candidates failed for " + e.Path + " :: " + strings.Join(parts, " | ")
}

// Unwrap отдаёт ошибки всех кандидатов для errors.Is/As
func (e *ExchangeUnavailableError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

// IsTransient ошибка из набора повторяемых
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// IsAuthError 401/403
func IsAuthError(err error) bool {
	var a *AuthenticationError
	return errors.As(err, &a)
}

// IsRejected отказ биржи по существу
func IsRejected(err error) bool {
	var r *ExchangeError
	return errors.As(err, &r)
}

// IsUnavailable все кандидаты недоступны
func IsUnavailable(err error) bool {
	var u *ExchangeUnavailableError
	return errors.As(err, &u)
}
