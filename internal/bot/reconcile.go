package bot

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"autotrader/internal/exchange"
	"autotrader/internal/models"
	"autotrader/pkg/utils"
)

// reconcileOrders сверяет незавершённые записи журнала с биржей.
// Ордер из стакана даёт частичное исполнение, ордер из истории даёт итог:
// статус, объём, среднюю цену и PnL. Записи без ответа биржи не меняются.
func (e *Engine) reconcileOrders(ctx context.Context, ex exchange.Exchange, sessionID string, log *zap.Logger) {
	journal, err := e.orders.ListOpenBySession(ctx, sessionID)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn("list open orders failed", zap.Error(err))
		}
		return
	}

	bySymbol := make(map[string][]*models.PersistedOrder)
	for _, o := range journal {
		// pending: биржа не вернула id, сверять не с чем
		if o.ExchangeOrderID == "" {
			continue
		}
		bySymbol[o.Symbol] = append(bySymbol[o.Symbol], o)
	}

	for symbol, rows := range bySymbol {
		live, err := ex.GetOpenOrders(ctx, symbol)
		if err != nil {
			if ctx.Err() == nil {
				log.Warn("fetch open orders failed", utils.Symbol(symbol), zap.Error(err))
			}
			continue
		}
		byID := make(map[string]*exchange.Order, len(live))
		for _, o := range live {
			byID[o.ID] = o
		}

		for _, row := range rows {
			remote, ok := byID[row.ExchangeOrderID]
			if !ok {
				remote, err = ex.GetOrder(ctx, symbol, row.ExchangeOrderID)
				if err != nil {
					if !errors.Is(err, exchange.ErrOrderNotFound) && ctx.Err() == nil {
						log.Debug("order lookup failed", utils.OrderID(row.ExchangeOrderID), zap.Error(err))
					}
					continue
				}
			}
			e.applyExchangeState(ctx, row, remote, log)
		}
	}
}

// applyExchangeState переносит состояние ордера биржи в запись журнала
func (e *Engine) applyExchangeState(ctx context.Context, row *models.PersistedOrder, remote *exchange.Order, log *zap.Logger) {
	status := persistedStatus(remote.Status)
	if status == row.Status && remote.FilledQty == row.FilledQty &&
		remote.AvgFillPrice == row.AvgFillPrice && remote.Pnl == row.Pnl {
		return
	}

	if err := e.orders.UpdateStatus(ctx, row.ID, status, remote.FilledQty, remote.AvgFillPrice, remote.Pnl); err != nil {
		log.Warn("order reconciliation not persisted", utils.ClientRequestID(row.ClientRequestID), zap.Error(err))
		return
	}
	row.Status = status
	row.FilledQty = remote.FilledQty
	row.AvgFillPrice = remote.AvgFillPrice
	row.Pnl = remote.Pnl

	OrdersReconciled.WithLabelValues(status).Inc()
	log.Info("order reconciled",
		utils.ClientRequestID(row.ClientRequestID),
		utils.OrderID(row.ExchangeOrderID),
		zap.String("status", status),
		zap.Float64("filled_qty", remote.FilledQty),
		zap.Float64("avg_fill_price", remote.AvgFillPrice),
	)
}
