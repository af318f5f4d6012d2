package exchange

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"autotrader/pkg/utils"
)

// SymbolRules ограничения контракта вместе с таблицей risk tier
type SymbolRules struct {
	Instrument Instrument `json:"instrument"`
	Tiers      []RiskTier `json:"tiers"` // по возрастанию MaxPosition
}

// TierFor наименьшая ступень, вмещающая notional. Если ни одна не вмещает - последняя.
func (r SymbolRules) TierFor(notional float64) (RiskTier, bool) {
	if len(r.Tiers) == 0 {
		return RiskTier{}, false
	}
	for _, t := range r.Tiers {
		if t.MaxPosition <= 0 || notional <= t.MaxPosition {
			return t, true
		}
	}
	return r.Tiers[len(r.Tiers)-1], true
}

// MaxLeverageFor максимальное плечо для позиции размером notional
func (r SymbolRules) MaxLeverageFor(notional float64) int {
	limit := r.Instrument.MaxLeverage
	if limit <= 0 {
		limit = utils.MaxLeverage
	}
	t, ok := r.TierFor(notional)
	if !ok {
		return limit
	}
	if lev := tierLeverage(t); lev > 0 && lev < limit {
		return lev
	}
	return limit
}

// tierLeverage: явный maxLever ступени, иначе floor(1 / initialMarginRate)
func tierLeverage(t RiskTier) int {
	if t.MaxLeverage > 0 {
		return t.MaxLeverage
	}
	if t.InitialMarginRate > 0 {
		return int(math.Floor(1/t.InitialMarginRate + 1e-9))
	}
	return 0
}

// Catalog справочник контрактов биржи: instruments + risk limits.
// Обновляется планировщиком, читается конвейером ордеров.
type Catalog struct {
	mu         sync.RWMutex
	rules      map[string]SymbolRules
	version    int
	lastSynced time.Time

	log *zap.Logger
}

// NewCatalog создаёт пустой каталог
func NewCatalog(log *zap.Logger) *Catalog {
	if log == nil {
		log = zap.NewNop()
	}
	return &Catalog{
		rules: make(map[string]SymbolRules),
		log:   log.With(utils.Component("catalog")),
	}
}

// Refresh загружает instruments и risk limits. Без instruments каталог
// не меняется; недоступные risk limits не мешают обновлению.
func (c *Catalog) Refresh(ctx context.Context, ex Exchange) error {
	instruments, err := ex.GetInstruments(ctx)
	if err != nil {
		return fmt.Errorf("catalog: instruments: %w", err)
	}
	if len(instruments) == 0 {
		c.log.Warn("no instruments returned, catalog left unchanged")
		return nil
	}

	risk, err := ex.GetRiskLimits(ctx)
	if err != nil {
		c.log.Warn("risk limits unavailable, using instrument max leverage", zap.Error(err))
		risk = nil
	}

	c.Replace(instruments, risk)
	c.log.Info("catalog refreshed",
		zap.Int("markets", len(instruments)),
		zap.Int("risk_entries", len(risk)),
		zap.Int("version", c.Version()),
	)
	return nil
}

// Replace подменяет содержимое. Версия растёт при изменении числа рынков.
func (c *Catalog) Replace(instruments []Instrument, risk map[string][]RiskTier) {
	merged := MergeRules(instruments, risk)

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(merged) != len(c.rules) || c.version == 0 {
		c.version++
	}
	c.rules = merged
	c.lastSynced = time.Now().UTC()
}

// Lookup правила для символа
func (c *Catalog) Lookup(symbol string) (SymbolRules, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.rules[utils.NormalizeSymbol(symbol)]
	return r, ok
}

// Len количество рынков
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.rules)
}

// Version номер версии каталога
func (c *Catalog) Version() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// LastSynced время последнего обновления
func (c *Catalog) LastSynced() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSynced
}

// MergeRules объединяет instruments с risk tier по нормализованному символу
func MergeRules(instruments []Instrument, risk map[string][]RiskTier) map[string]SymbolRules {
	out := make(map[string]SymbolRules, len(instruments))
	for _, inst := range instruments {
		sym := utils.NormalizeSymbol(inst.Symbol)
		if sym == "" {
			continue
		}
		inst.Symbol = sym
		tiers := append([]RiskTier(nil), risk[sym]...)
		sort.SliceStable(tiers, func(i, j int) bool {
			a, b := tiers[i].MaxPosition, tiers[j].MaxPosition
			if a <= 0 {
				return false
			}
			if b <= 0 {
				return true
			}
			return a < b
		})
		out[sym] = SymbolRules{Instrument: inst, Tiers: tiers}
	}
	return out
}

// NormalizeStatus приводит статус рынка биржи к trading/paused/delisted
func NormalizeStatus(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case strings.Contains(s, "trade") || s == "online" || s == "open":
		return InstrumentTrading
	case strings.Contains(s, "pause"):
		return InstrumentPaused
	case strings.Contains(s, "delist"):
		return InstrumentDelisted
	}
	return InstrumentTrading
}

// inferPrecision число знаков после запятой у шага (0.001 -> 3)
func inferPrecision(step float64) int {
	if step <= 0 {
		return 0
	}
	s := strconv.FormatFloat(step, 'f', -1, 64)
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return len(s) - i - 1
	}
	return 0
}
