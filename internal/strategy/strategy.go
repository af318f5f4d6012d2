// Package strategy - генерация торговых сигналов.
//
// Стратегия получает снимок рынка и конфиг сессии и возвращает заявку
// или nil (нет сигнала). Стратегии не делают сетевых вызовов и не хранят
// состояние между итерациями: всё нужное приходит в MarketSnapshot.
package strategy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"autotrader/internal/exchange"
	"autotrader/internal/models"
)

// MarketSnapshot данные одной итерации цикла сессии
type MarketSnapshot struct {
	Tickers   map[string]*exchange.Ticker // по нормализованному символу
	Account   *exchange.Account
	Positions []*exchange.Position
	Time      time.Time
}

// Price референсная цена символа, 0 если тикера нет
func (m *MarketSnapshot) Price(symbol string) float64 {
	if m == nil || m.Tickers == nil {
		return 0
	}
	t, ok := m.Tickers[symbol]
	if !ok || t == nil {
		return 0
	}
	return t.ReferencePrice()
}

// Position открытая позиция по символу
func (m *MarketSnapshot) Position(symbol string) *exchange.Position {
	if m == nil {
		return nil
	}
	for _, p := range m.Positions {
		if p != nil && p.Symbol == symbol {
			return p
		}
	}
	return nil
}

// Evaluator стратегия. nil-заявка означает отсутствие сигнала.
// ClientRequestID заполняет цикл сессии, если стратегия его не задала.
type Evaluator interface {
	Name() string
	Evaluate(ctx context.Context, snap *MarketSnapshot, cfg models.SessionConfig) (*models.OrderRequest, error)
}

// EvaluatorFunc адаптер функции к Evaluator
type EvaluatorFunc func(ctx context.Context, snap *MarketSnapshot, cfg models.SessionConfig) (*models.OrderRequest, error)

func (f EvaluatorFunc) Name() string { return "func" }

func (f EvaluatorFunc) Evaluate(ctx context.Context, snap *MarketSnapshot, cfg models.SessionConfig) (*models.OrderRequest, error) {
	return f(ctx, snap, cfg)
}

// Registry стратегии по имени
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Evaluator
}

// NewRegistry реестр со встроенными стратегиями noop и threshold
func NewRegistry() *Registry {
	r := &Registry{strategies: make(map[string]Evaluator)}
	r.Register(Noop{})
	r.Register(Threshold{})
	return r
}

// Register добавляет или заменяет стратегию
func (r *Registry) Register(e Evaluator) {
	r.mu.Lock()
	r.strategies[strings.ToLower(e.Name())] = e
	r.mu.Unlock()
}

// RegisterAs регистрирует стратегию под другим именем
func (r *Registry) RegisterAs(name string, e Evaluator) {
	r.mu.Lock()
	r.strategies[strings.ToLower(name)] = e
	r.mu.Unlock()
}

// Get стратегия по имени
func (r *Registry) Get(name string) (Evaluator, error) {
	r.mu.RLock()
	e, ok := r.strategies[strings.ToLower(strings.TrimSpace(name))]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q", name)
	}
	return e, nil
}

// Names зарегистрированные имена по алфавиту
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.strategies))
	for n := range r.strategies {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
