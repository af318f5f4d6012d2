package utils

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
)

// validator.go - валидация входных данных
//
// Ошибки возвращаются как sentinel (errors.Is) и собираются
// в ValidationErrors для ответа со списком полей.

var (
	ErrInvalidSymbol   = errors.New("invalid symbol")
	ErrInvalidExchange = errors.New("unsupported exchange")
	ErrNotPositive     = errors.New("must be positive")
	ErrNotFinite       = errors.New("must be a finite number")
	ErrOutOfRange      = errors.New("out of range")
	ErrInvalidAPIKey   = errors.New("invalid api key")
	ErrInvalidSecret   = errors.New("invalid api secret")
)

// символ: буквы, цифры, разделители - _ /, 2..30 символов
var symbolRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_/\-]{1,29}$`)

var supportedExchanges = []string{"poloniex"}

// MaxLeverage абсолютный потолок плеча до проверки по risk tier
const MaxLeverage = 125

// ValidateSymbol проверяет формат торгового символа
func ValidateSymbol(symbol string) error {
	if !symbolRe.MatchString(symbol) {
		return fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
	}
	return nil
}

// IsValidSymbol bool-вариант ValidateSymbol
func IsValidSymbol(symbol string) bool {
	return ValidateSymbol(symbol) == nil
}

// NormalizeSymbol приводит символ к каноничному виду каталога:
// верхний регистр, без "-" и "/". Подчёркивания сохраняются (BTC_USDT_PERP).
func NormalizeSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	s = strings.ReplaceAll(s, "-", "")
	return strings.ReplaceAll(s, "/", "")
}

// NormalizeExchange имя биржи в нижнем регистре
func NormalizeExchange(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// ValidateExchange проверяет что биржа поддерживается
func ValidateExchange(name string) error {
	n := NormalizeExchange(name)
	for _, e := range supportedExchanges {
		if e == n {
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrInvalidExchange, name)
}

// ValidatePositive число конечно и > 0
func ValidatePositive(v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return ErrNotFinite
	}
	if v <= 0 {
		return ErrNotPositive
	}
	return nil
}

// ValidateFraction доля в (0, 1]
func ValidateFraction(v float64) error {
	if err := ValidatePositive(v); err != nil {
		return err
	}
	if v > 1 {
		return fmt.Errorf("%w: %v not in (0, 1]", ErrOutOfRange, v)
	}
	return nil
}

// ValidateLeverage 1..MaxLeverage; 0 означает "не задано"
func ValidateLeverage(leverage int) error {
	if leverage < 0 || leverage > MaxLeverage {
		return fmt.Errorf("%w: leverage %d not in [1, %d]", ErrOutOfRange, leverage, MaxLeverage)
	}
	return nil
}

// ValidateAPIKey базовая проверка формата ключа
func ValidateAPIKey(key string) error {
	if len(key) < 8 || len(key) > 256 || strings.ContainsAny(key, " \t\r\n") {
		return ErrInvalidAPIKey
	}
	return nil
}

// ValidateAPISecret базовая проверка формата секрета
func ValidateAPISecret(secret string) error {
	if len(secret) < 8 || len(secret) > 512 || strings.ContainsAny(secret, " \t\r\n") {
		return ErrInvalidSecret
	}
	return nil
}

// FieldError ошибка конкретного поля
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors набор ошибок полей
type ValidationErrors []FieldError

// Add добавляет ошибку поля
func (v *ValidationErrors) Add(field, message string) {
	*v = append(*v, FieldError{Field: field, Message: message})
}

// AddError добавляет err если он не nil
func (v *ValidationErrors) AddError(field string, err error) {
	if err != nil {
		v.Add(field, err.Error())
	}
}

// HasErrors есть ли ошибки
func (v ValidationErrors) HasErrors() bool {
	return len(v) > 0
}

func (v ValidationErrors) Error() string {
	parts := make([]string, 0, len(v))
	for _, e := range v {
		parts = append(parts, e.Field+": "+e.Message)
	}
	return strings.Join(parts, "; ")
}

// Err возвращает nil для пустого набора
func (v ValidationErrors) Err() error {
	if len(v) == 0 {
		return nil
	}
	return v
}
