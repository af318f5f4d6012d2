package exchange

import (
	"context"
	"strconv"
	"strings"
	"time"
)

// Exchange клиент одной биржи, привязанный к одному аккаунту.
// Учётные данные запрашиваются у CredentialSource на каждый подписанный вызов.
type Exchange interface {
	// GetName возвращает имя биржи
	GetName() string

	// Ping публичный запрос для проверки доступности API
	Ping(ctx context.Context) error

	// GetAccount equity, доступная маржа и суммарная экспозиция
	GetAccount(ctx context.Context) (*Account, error)

	// GetPositions открытые позиции
	GetPositions(ctx context.Context) ([]*Position, error)

	// GetTicker текущие цены символа
	GetTicker(ctx context.Context, symbol string) (*Ticker, error)

	// PlaceOrder размещает ордер. ClientOrderID передаётся бирже как clOrdId.
	PlaceOrder(ctx context.Context, params *OrderParams) (*Order, error)

	// CancelOrder отменяет ордер
	CancelOrder(ctx context.Context, symbol, orderID string) error

	// CancelAllOrders отменяет все открытые ордера по символу
	CancelAllOrders(ctx context.Context, symbol string) error

	// GetOpenOrders открытые ордера по символу
	GetOpenOrders(ctx context.Context, symbol string) ([]*Order, error)

	// GetOrder ордер из истории, в том числе завершённый. ErrOrderNotFound,
	// если биржа его не знает.
	GetOrder(ctx context.Context, symbol, orderID string) (*Order, error)

	// GetInstruments параметры всех контрактов
	GetInstruments(ctx context.Context) ([]Instrument, error)

	// GetRiskLimits таблицы risk tier по символам
	GetRiskLimits(ctx context.Context) (map[string][]RiskTier, error)
}

// CredentialSource выдаёт ключи аккаунта на время одного вызова
type CredentialSource func(ctx context.Context) (Credentials, error)

// Ticker содержит информацию о текущей цене
type Ticker struct {
	Symbol    string    `json:"symbol"`
	BidPrice  float64   `json:"bid_price"`
	AskPrice  float64   `json:"ask_price"`
	LastPrice float64   `json:"last_price"`
	MarkPrice float64   `json:"mark_price"`
	Timestamp time.Time `json:"timestamp"`
}

// ReferencePrice цена для оценки notional: mark, иначе last, иначе mid
func (t *Ticker) ReferencePrice() float64 {
	switch {
	case t.MarkPrice > 0:
		return t.MarkPrice
	case t.LastPrice > 0:
		return t.LastPrice
	case t.BidPrice > 0 && t.AskPrice > 0:
		return (t.BidPrice + t.AskPrice) / 2
	}
	return 0
}

// OrderParams параметры нового ордера
type OrderParams struct {
	Symbol        string
	Side          string  // buy / sell
	Type          string  // market / limit
	Quantity      float64 // в единицах размера ордера биржи
	Price         float64 // для limit
	Leverage      int     // 0 = не менять
	ClientOrderID string
	ReduceOnly    bool
}

// Order представляет ордер
type Order struct {
	ID            string    `json:"id"`
	ClientOrderID string    `json:"client_order_id"`
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	Type          string    `json:"type"`
	Quantity      float64   `json:"quantity"`
	Price         float64   `json:"price"`
	FilledQty     float64   `json:"filled_qty"`
	AvgFillPrice  float64   `json:"avg_fill_price"`
	Pnl           float64   `json:"pnl"` // реализованный PnL исполнения
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Position открытая позиция
type Position struct {
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"` // long / short
	Size          float64   `json:"size"`
	EntryPrice    float64   `json:"entry_price"`
	MarkPrice     float64   `json:"mark_price"`
	Leverage      int       `json:"leverage"`
	UnrealizedPnl float64   `json:"unrealized_pnl"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Notional стоимость позиции по mark-цене
func (p *Position) Notional() float64 {
	price := p.MarkPrice
	if price <= 0 {
		price = p.EntryPrice
	}
	return p.Size * price
}

// Account снимок счёта
type Account struct {
	Equity        float64   `json:"equity"`
	Available     float64   `json:"available"`
	UnrealizedPnl float64   `json:"unrealized_pnl"`
	Exposure      float64   `json:"exposure"` // сумма notional открытых позиций
	UpdatedAt     time.Time `json:"updated_at"`
}

// Instrument торговые ограничения контракта
type Instrument struct {
	Symbol            string  `json:"symbol"`
	Base              string  `json:"base"`
	Quote             string  `json:"quote"`
	ContractType      string  `json:"contract_type"`
	Status            string  `json:"status"` // trading / paused / delisted
	TickSize          float64 `json:"tick_size"`
	LotSize           float64 `json:"lot_size"`
	MinQty            float64 `json:"min_qty"`
	MaxQty            float64 `json:"max_qty"`
	MinNotional       float64 `json:"min_notional"`
	MaxLeverage       int     `json:"max_leverage"`
	PricePrecision    int     `json:"price_precision"`
	QuantityPrecision int     `json:"quantity_precision"`
}

// RiskTier ступень risk limit: до MaxPosition notional действует InitialMarginRate
type RiskTier struct {
	Tier                  int     `json:"tier"`
	MaxPosition           float64 `json:"max_position"`
	InitialMarginRate     float64 `json:"initial_margin_rate"`
	MaintenanceMarginRate float64 `json:"maintenance_margin_rate"`
	MaxLeverage           int     `json:"max_leverage"`
}

// Side constants for orders
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// Side constants for positions
const (
	SideLong  = "long"
	SideShort = "short"
)

// Order types
const (
	OrderTypeMarket = "market"
	OrderTypeLimit  = "limit"
)

// Order status constants (как их видит биржа)
const (
	OrderStatusNew       = "new"
	OrderStatusPartial   = "partial"
	OrderStatusFilled    = "filled"
	OrderStatusCancelled = "cancelled"
	OrderStatusRejected  = "rejected"
)

// Instrument status constants
const (
	InstrumentTrading  = "trading"
	InstrumentPaused   = "paused"
	InstrumentDelisted = "delisted"
)

// flexFloat число, которое биржа может прислать строкой
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*f = flexFloat(v)
	return nil
}
