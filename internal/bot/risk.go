package bot

import (
	"fmt"
	"math"

	"autotrader/internal/exchange"
	"autotrader/internal/models"
	"autotrader/pkg/utils"
)

// Risk gate - чистая функция без I/O.
//
// Проверки выполняются в фиксированном порядке, возвращается первая
// сработавшая:
//  1. notional > maxRiskPerTrade × equity (равенство допускается)
//  2. прогнозная просадка при полной потере notional > maxDrawdown
//  3. плечо выше максимума risk tier символа
//  4. количество/цена не соответствуют шагам и лимитам контракта

// limitEpsilon допуск сравнения с лимитом: 0.02 × 10000 в float64
// не должно отклонять notional ровно 200
const limitEpsilon = 1e-9

// AccountSnapshot состояние счёта, на котором принимается решение
type AccountSnapshot struct {
	Equity         float64
	PeakEquity     float64
	Exposure       float64 // суммарный notional открытых позиций
	SymbolExposure float64 // notional текущей позиции по символу заявки
}

// RiskLimits лимиты сессии
type RiskLimits struct {
	MaxRiskPerTrade float64
	MaxDrawdown     float64
	Leverage        int // плечо сессии, если заявка его не задаёт
}

// RiskLimitsFrom лимиты из конфига сессии
func RiskLimitsFrom(cfg models.SessionConfig) RiskLimits {
	return RiskLimits{
		MaxRiskPerTrade: cfg.MaxRiskPerTrade,
		MaxDrawdown:     cfg.MaxDrawdown,
		Leverage:        cfg.Leverage,
	}
}

// RiskInput всё, что нужно для решения
type RiskInput struct {
	Request        models.OrderRequest
	ReferencePrice float64
	Account        AccountSnapshot
	Limits         RiskLimits
	Rules          exchange.SymbolRules
	HasRules       bool // символ найден в каталоге
}

// RiskDecision результат проверки. Не сохраняется, только логируется.
type RiskDecision struct {
	Allowed  bool
	Code     string
	Reason   string
	Notional float64
}

// Err RiskRejectedError для отказа, nil для разрешения
func (d RiskDecision) Err() error {
	if d.Allowed {
		return nil
	}
	return &RiskRejectedError{Code: d.Code, Reason: d.Reason, Notional: d.Notional}
}

// OrderPrice цена для оценки notional: лимитная цена заявки, иначе референсная
func OrderPrice(req models.OrderRequest, reference float64) float64 {
	if req.Type == models.OrderTypeLimit && req.Price > 0 {
		return req.Price
	}
	if reference > 0 {
		return reference
	}
	return req.Price
}

// EvaluateRisk проверяет заявку
func EvaluateRisk(in RiskInput) RiskDecision {
	price := OrderPrice(in.Request, in.ReferencePrice)
	notional := in.Request.Quantity * price

	reject := func(code, format string, args ...interface{}) RiskDecision {
		return RiskDecision{Code: code, Reason: fmt.Sprintf(format, args...), Notional: notional}
	}

	if price <= 0 || math.IsNaN(notional) || math.IsInf(notional, 0) {
		return reject(ReasonPrecision, "no reference price for %s", in.Request.Symbol)
	}

	// 1. риск на сделку
	equity := in.Account.Equity
	if equity <= 0 {
		return reject(ReasonRiskLimit, "non-positive equity %.2f", equity)
	}
	limit := in.Limits.MaxRiskPerTrade * equity
	if notional-limit > limitEpsilon*math.Max(1, limit) {
		return reject(ReasonRiskLimit, "notional %.2f exceeds %.2f (%.4f of equity %.2f)",
			notional, limit, in.Limits.MaxRiskPerTrade, equity)
	}

	// 2. прогнозная просадка
	if in.Limits.MaxDrawdown > 0 {
		if dd := ProjectedDrawdown(equity, in.Account.PeakEquity, notional); dd > in.Limits.MaxDrawdown+limitEpsilon {
			return reject(ReasonDrawdown, "projected drawdown %.4f exceeds %.4f", dd, in.Limits.MaxDrawdown)
		}
	}

	// 3. плечо по risk tier
	leverage := in.Request.Leverage
	if leverage == 0 {
		leverage = in.Limits.Leverage
	}
	if leverage > 0 && in.HasRules {
		if max := in.Rules.MaxLeverageFor(in.Account.SymbolExposure + notional); leverage > max {
			return reject(ReasonLeverage, "leverage %dx exceeds tier maximum %dx", leverage, max)
		}
	}

	// 4. точность и лимиты контракта
	if !in.HasRules {
		return reject(ReasonPrecision, "unknown symbol %s", in.Request.Symbol)
	}
	if reason := checkPrecision(in.Request, in.Rules.Instrument, notional); reason != "" {
		return reject(ReasonPrecision, "%s", reason)
	}

	return RiskDecision{Allowed: true, Notional: notional}
}

// ProjectedDrawdown просадка от пика, если весь notional будет потерян
func ProjectedDrawdown(equity, peak, notional float64) float64 {
	if peak < equity {
		peak = equity
	}
	if peak <= 0 {
		return 1
	}
	dd := (peak - (equity - notional)) / peak
	return utils.Clamp(dd, 0, math.Inf(1))
}

func checkPrecision(req models.OrderRequest, inst exchange.Instrument, notional float64) string {
	if inst.Status != "" && inst.Status != exchange.InstrumentTrading {
		return fmt.Sprintf("symbol %s is %s", inst.Symbol, inst.Status)
	}
	if !utils.IsMultipleOfStep(req.Quantity, inst.LotSize) {
		return fmt.Sprintf("quantity %g is not a multiple of lot size %g", req.Quantity, inst.LotSize)
	}
	if inst.MinQty > 0 && req.Quantity < inst.MinQty {
		return fmt.Sprintf("quantity %g below minimum %g", req.Quantity, inst.MinQty)
	}
	if inst.MaxQty > 0 && req.Quantity > inst.MaxQty {
		return fmt.Sprintf("quantity %g above maximum %g", req.Quantity, inst.MaxQty)
	}
	if req.Type == models.OrderTypeLimit && !utils.IsMultipleOfStep(req.Price, inst.TickSize) {
		return fmt.Sprintf("price %g is not a multiple of tick size %g", req.Price, inst.TickSize)
	}
	if inst.MinNotional > 0 && notional < inst.MinNotional {
		return fmt.Sprintf("notional %.4f below minimum %g", notional, inst.MinNotional)
	}
	return ""
}
