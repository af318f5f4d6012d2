package models

import (
	"math"
	"strings"
	"time"

	"autotrader/pkg/utils"
)

// OrderRequest заявка стратегии на ордер. После отправки не меняется.
type OrderRequest struct {
	Symbol          string  `json:"symbol"`
	Side            string  `json:"side"` // buy, sell
	Type            string  `json:"type"` // market, limit
	Quantity        float64 `json:"quantity"`
	Price           float64 `json:"price,omitempty"`    // обязательна для limit
	Leverage        int     `json:"leverage,omitempty"` // 0 = плечо аккаунта
	ClientRequestID string  `json:"client_request_id"`  // ключ идемпотентности
	ReduceOnly      bool    `json:"reduce_only,omitempty"`
}

// Стороны и типы заявок
const (
	SideBuy  = "buy"
	SideSell = "sell"

	OrderTypeMarket = "market"
	OrderTypeLimit  = "limit"
)

// Validate структурная проверка полей. Ограничения биржи проверяет risk gate.
func (r *OrderRequest) Validate() error {
	var errs utils.ValidationErrors

	if err := utils.ValidateSymbol(r.Symbol); err != nil {
		errs.AddError("symbol", err)
	}
	switch strings.ToLower(r.Side) {
	case SideBuy, SideSell:
	default:
		errs.Add("side", "must be buy or sell")
	}
	switch strings.ToLower(r.Type) {
	case OrderTypeMarket:
		if r.Price < 0 || math.IsNaN(r.Price) || math.IsInf(r.Price, 0) {
			errs.Add("price", "must be zero or positive")
		}
	case OrderTypeLimit:
		if err := utils.ValidatePositive(r.Price); err != nil {
			errs.AddError("price", err)
		}
	default:
		errs.Add("type", "must be market or limit")
	}
	if err := utils.ValidatePositive(r.Quantity); err != nil {
		errs.AddError("quantity", err)
	}
	if err := utils.ValidateLeverage(r.Leverage); err != nil {
		errs.AddError("leverage", err)
	}
	if strings.TrimSpace(r.ClientRequestID) == "" {
		errs.Add("client_request_id", "is required")
	} else if len(r.ClientRequestID) > 64 {
		errs.Add("client_request_id", "must be at most 64 characters")
	}

	return errs.Err()
}

// Normalize канонический символ и нижний регистр side/type
func (r *OrderRequest) Normalize() {
	r.Symbol = utils.NormalizeSymbol(r.Symbol)
	r.Side = strings.ToLower(strings.TrimSpace(r.Side))
	r.Type = strings.ToLower(strings.TrimSpace(r.Type))
}

// PersistedOrder ордер, принятый конвейером
type PersistedOrder struct {
	ID              int64      `json:"id" db:"id"`
	SessionID       string     `json:"session_id" db:"session_id"`
	UserID          string     `json:"user_id" db:"user_id"`
	Exchange        string     `json:"exchange" db:"exchange"`
	ClientRequestID string     `json:"client_request_id" db:"client_request_id"`
	ExchangeOrderID string     `json:"exchange_order_id,omitempty" db:"exchange_order_id"`
	Symbol          string     `json:"symbol" db:"symbol"`
	Side            string     `json:"side" db:"side"`
	Type            string     `json:"type" db:"type"`
	Quantity        float64    `json:"quantity" db:"quantity"`
	Price           float64    `json:"price" db:"price"`
	Leverage        int        `json:"leverage" db:"leverage"`
	FilledQty       float64    `json:"filled_qty" db:"filled_qty"`
	AvgFillPrice    float64    `json:"avg_fill_price" db:"avg_fill_price"`
	Status          string     `json:"status" db:"status"` // pending, open, filled, rejected, cancelled
	Pnl             float64    `json:"pnl" db:"pnl"`
	RejectReason    string     `json:"reject_reason,omitempty" db:"reject_reason"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at" db:"updated_at"`
	FilledAt        *time.Time `json:"filled_at,omitempty" db:"filled_at"`
}

// Статусы ордера
const (
	OrderStatusPending   = "pending"
	OrderStatusOpen      = "open"
	OrderStatusFilled    = "filled"
	OrderStatusRejected  = "rejected"
	OrderStatusCancelled = "cancelled"
)

// IsTerminalOrderStatus ордер больше не изменится
func IsTerminalOrderStatus(status string) bool {
	switch status {
	case OrderStatusFilled, OrderStatusRejected, OrderStatusCancelled:
		return true
	}
	return false
}

// Notional стоимость ордера по цене исполнения, иначе по заявленной
func (o *PersistedOrder) Notional() float64 {
	price := o.AvgFillPrice
	if price <= 0 {
		price = o.Price
	}
	qty := o.FilledQty
	if qty <= 0 {
		qty = o.Quantity
	}
	return qty * price
}
