package strategy

import (
	"context"

	"autotrader/internal/exchange"
	"autotrader/internal/models"
)

// Noop никогда не сигналит. Сессия с ней только пишет heartbeat и снимки.
type Noop struct{}

func (Noop) Name() string { return "noop" }

func (Noop) Evaluate(context.Context, *MarketSnapshot, models.SessionConfig) (*models.OrderRequest, error) {
	return nil, nil
}

// Параметры threshold
const (
	ParamBuyBelow  = "buy_below"
	ParamSellAbove = "sell_above"
	ParamQuantity  = "quantity"
	ParamLimit     = "limit" // 1 = лимитный ордер по текущей цене
)

// Threshold покупает ниже buy_below и продаёт выше sell_above.
// Символы проверяются в порядке конфига, первый сработавший даёт заявку.
// Пока по символу открыта позиция в ту же сторону, повторный сигнал не выдаётся.
type Threshold struct{}

func (Threshold) Name() string { return "threshold" }

func (Threshold) Evaluate(_ context.Context, snap *MarketSnapshot, cfg models.SessionConfig) (*models.OrderRequest, error) {
	qty := cfg.Param(ParamQuantity, 0)
	if qty <= 0 {
		return nil, nil
	}
	buyBelow := cfg.Param(ParamBuyBelow, 0)
	sellAbove := cfg.Param(ParamSellAbove, 0)

	for _, symbol := range cfg.Symbols {
		price := snap.Price(symbol)
		if price <= 0 {
			continue
		}

		var side string
		switch {
		case buyBelow > 0 && price < buyBelow:
			side = models.SideBuy
		case sellAbove > 0 && price > sellAbove:
			side = models.SideSell
		default:
			continue
		}

		if pos := snap.Position(symbol); pos != nil && pos.Size > 0 && sameDirection(pos.Side, side) {
			continue
		}

		req := &models.OrderRequest{
			Symbol:   symbol,
			Side:     side,
			Type:     models.OrderTypeMarket,
			Quantity: qty,
			Price:    price,
			Leverage: cfg.Leverage,
		}
		if cfg.Param(ParamLimit, 0) == 1 {
			req.Type = models.OrderTypeLimit
		}
		return req, nil
	}
	return nil, nil
}

func sameDirection(positionSide, orderSide string) bool {
	return (positionSide == exchange.SideLong && orderSide == models.SideBuy) ||
		(positionSide == exchange.SideShort && orderSide == models.SideSell)
}
