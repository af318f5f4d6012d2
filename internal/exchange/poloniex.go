package exchange

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"autotrader/pkg/utils"
)

const (
	poloniexName    = "poloniex"
	poloniexBaseURL = "https://api.poloniex.com"
	poloniexPrefix  = "/v3"

	// мгновенные ответы API, код успеха
	poloniexCodeOK = 200
)

// DefaultPoloniexCandidates хосты Poloniex Futures v3 по приоритету
func DefaultPoloniexCandidates() []Candidate {
	return []Candidate{{BaseURL: poloniexBaseURL, Prefix: poloniexPrefix}}
}

// envelope общий формат ответа {code, msg, data}
type envelope struct {
	Code int                 `json:"code"`
	Msg  string              `json:"msg"`
	Data jsoniter.RawMessage `json:"data"`
}

// PoloniexErrorParser достаёт код ошибки из envelope
func PoloniexErrorParser(status int, body []byte) error {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil
	}
	if env.Code == 0 || env.Code == poloniexCodeOK {
		if status >= 400 && env.Msg != "" {
			return &ExchangeError{Exchange: poloniexName, Status: status, Message: env.Msg}
		}
		return nil
	}
	return &ExchangeError{
		Exchange: poloniexName,
		Status:   status,
		Code:     strconv.Itoa(env.Code),
		Message:  env.Msg,
	}
}

// Poloniex реализует Exchange для Poloniex Futures v3
type Poloniex struct {
	req   *Requester
	creds CredentialSource
}

// NewPoloniex создаёт клиент поверх общего Requester для одного аккаунта
func NewPoloniex(req *Requester, creds CredentialSource) *Poloniex {
	return &Poloniex{req: req, creds: creds}
}

func (p *Poloniex) GetName() string {
	return poloniexName
}

// do выполняет вызов и декодирует data в out
func (p *Poloniex) do(ctx context.Context, method, path string, query map[string]string, body interface{}, signed bool, out interface{}) error {
	call := Call{Method: method, Path: path, Query: query, Signed: signed}

	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("poloniex %s: encode body: %w", path, err)
		}
		call.Body = raw
	}

	if signed {
		if p.creds == nil {
			return ErrMissingSecret
		}
		creds, err := p.creds(ctx)
		if err != nil {
			return err
		}
		call.Credentials = creds
	}

	raw, err := p.req.Do(ctx, call)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return &MalformedResponseError{Status: http.StatusOK, Preview: preview(raw), Err: err}
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return &MalformedResponseError{Status: http.StatusOK, Preview: preview(env.Data), Err: err}
	}
	return nil
}

// Ping запрашивает серверное время
func (p *Poloniex) Ping(ctx context.Context) error {
	return p.do(ctx, http.MethodGet, "/market/timestamp", nil, nil, false, nil)
}

func (p *Poloniex) GetAccount(ctx context.Context) (*Account, error) {
	var bal struct {
		Eq      flexFloat `json:"eq"`
		AvailMg flexFloat `json:"availMgn"`
		Upl     flexFloat `json:"upl"`
	}
	if err := p.do(ctx, http.MethodGet, "/account/balance", nil, nil, true, &bal); err != nil {
		return nil, err
	}

	positions, err := p.GetPositions(ctx)
	if err != nil {
		return nil, err
	}
	var exposure float64
	for _, pos := range positions {
		exposure += pos.Notional()
	}

	return &Account{
		Equity:        float64(bal.Eq),
		Available:     float64(bal.AvailMg),
		UnrealizedPnl: float64(bal.Upl),
		Exposure:      exposure,
		UpdatedAt:     time.Now(),
	}, nil
}

func (p *Poloniex) GetPositions(ctx context.Context) ([]*Position, error) {
	var raw []struct {
		Symbol    string    `json:"symbol"`
		Side      string    `json:"side"`
		PosSide   string    `json:"posSide"`
		Qty       flexFloat `json:"qty"`
		OpenAvgPx flexFloat `json:"openAvgPx"`
		MarkPx    flexFloat `json:"markPx"`
		Lever     flexFloat `json:"lever"`
		Upl       flexFloat `json:"upl"`
		UTime     int64     `json:"uTime"`
	}
	if err := p.do(ctx, http.MethodGet, "/trade/position/opens", nil, nil, true, &raw); err != nil {
		return nil, err
	}

	out := make([]*Position, 0, len(raw))
	for _, r := range raw {
		qty := float64(r.Qty)
		side := SideLong
		if strings.EqualFold(r.Side, "SELL") || strings.EqualFold(r.PosSide, "SHORT") || qty < 0 {
			side = SideShort
		}
		out = append(out, &Position{
			Symbol:        utils.NormalizeSymbol(r.Symbol),
			Side:          side,
			Size:          utils.Abs(qty),
			EntryPrice:    float64(r.OpenAvgPx),
			MarkPrice:     float64(r.MarkPx),
			Leverage:      int(r.Lever),
			UnrealizedPnl: float64(r.Upl),
			UpdatedAt:     utils.FromUnixMillis(r.UTime),
		})
	}
	return out, nil
}

func (p *Poloniex) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	var raw []struct {
		Symbol string    `json:"s"`
		Last   flexFloat `json:"c"`
		Bid    flexFloat `json:"bPx"`
		Ask    flexFloat `json:"aPx"`
		Mark   flexFloat `json:"mPx"`
		Time   int64     `json:"ts"`
	}
	q := map[string]string{"symbol": symbol}
	if err := p.do(ctx, http.MethodGet, "/market/tickers", q, nil, false, &raw); err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, &ExchangeError{Exchange: poloniexName, Message: "ticker not found for " + symbol}
	}

	t := raw[0]
	ts := time.Now()
	if t.Time > 0 {
		ts = utils.FromUnixMillis(t.Time)
	}
	return &Ticker{
		Symbol:    utils.NormalizeSymbol(t.Symbol),
		BidPrice:  float64(t.Bid),
		AskPrice:  float64(t.Ask),
		LastPrice: float64(t.Last),
		MarkPrice: float64(t.Mark),
		Timestamp: ts,
	}, nil
}

// setLeverage POST /position/leverage
func (p *Poloniex) setLeverage(ctx context.Context, symbol string, leverage int) error {
	body := map[string]string{
		"symbol":  symbol,
		"lever":   strconv.Itoa(leverage),
		"mgnMode": "CROSS",
	}
	return p.do(ctx, http.MethodPost, "/position/leverage", nil, body, true, nil)
}

func (p *Poloniex) PlaceOrder(ctx context.Context, params *OrderParams) (*Order, error) {
	if params.Leverage > 0 {
		if err := p.setLeverage(ctx, params.Symbol, params.Leverage); err != nil {
			return nil, err
		}
	}

	body := map[string]interface{}{
		"symbol":  params.Symbol,
		"side":    strings.ToUpper(params.Side),
		"mgnMode": "CROSS",
		"posSide": "BOTH",
		"type":    strings.ToUpper(params.Type),
		"sz":      strconv.FormatFloat(params.Quantity, 'f', -1, 64),
	}
	if params.Type == OrderTypeLimit {
		body["px"] = strconv.FormatFloat(params.Price, 'f', -1, 64)
		body["timeInForce"] = "GTC"
	}
	if params.ClientOrderID != "" {
		body["clOrdId"] = params.ClientOrderID
	}
	if params.ReduceOnly {
		body["reduceOnly"] = true
	}

	var resp struct {
		OrdID   string `json:"ordId"`
		ClOrdID string `json:"clOrdId"`
	}
	if err := p.do(ctx, http.MethodPost, "/trade/order", nil, body, true, &resp); err != nil {
		return nil, err
	}

	now := time.Now()
	return &Order{
		ID:            resp.OrdID,
		ClientOrderID: params.ClientOrderID,
		Symbol:        params.Symbol,
		Side:          params.Side,
		Type:          params.Type,
		Quantity:      params.Quantity,
		Price:         params.Price,
		Status:        OrderStatusNew,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

func (p *Poloniex) CancelOrder(ctx context.Context, symbol, orderID string) error {
	body := map[string]string{"symbol": symbol, "ordId": orderID}
	return p.do(ctx, http.MethodDelete, "/trade/order", nil, body, true, nil)
}

func (p *Poloniex) CancelAllOrders(ctx context.Context, symbol string) error {
	body := map[string]string{"symbol": symbol}
	return p.do(ctx, http.MethodDelete, "/trade/allOrders", nil, body, true, nil)
}

func (p *Poloniex) GetOpenOrders(ctx context.Context, symbol string) ([]*Order, error) {
	q := map[string]string{}
	if symbol != "" {
		q["symbol"] = symbol
	}
	var raw []rawOrder
	if err := p.do(ctx, http.MethodGet, "/trade/order/opens", q, nil, true, &raw); err != nil {
		return nil, err
	}

	out := make([]*Order, 0, len(raw))
	for _, r := range raw {
		out = append(out, r.normalize())
	}
	return out, nil
}

// GetOrder ищет ордер в истории: туда попадают исполненные и отменённые
func (p *Poloniex) GetOrder(ctx context.Context, symbol, orderID string) (*Order, error) {
	q := map[string]string{
		"symbol": symbol,
		"ordId":  orderID,
		"limit":  "1",
	}
	var raw []rawOrder
	if err := p.do(ctx, http.MethodGet, "/trade/order/history", q, nil, true, &raw); err != nil {
		return nil, err
	}
	for _, r := range raw {
		if r.OrdID == orderID {
			return r.normalize(), nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
}

// rawOrder ордер в ответах /trade/order/opens и /trade/order/history
type rawOrder struct {
	OrdID   string    `json:"ordId"`
	ClOrdID string    `json:"clOrdId"`
	Symbol  string    `json:"symbol"`
	Side    string    `json:"side"`
	Type    string    `json:"type"`
	Sz      flexFloat `json:"sz"`
	Px      flexFloat `json:"px"`
	ExecQty flexFloat `json:"execQty"`
	AvgPx   flexFloat `json:"avgPx"`
	Pnl     flexFloat `json:"pnl"`
	State   string    `json:"state"`
	CTime   int64     `json:"cTime"`
	UTime   int64     `json:"uTime"`
}

func (r rawOrder) normalize() *Order {
	return &Order{
		ID:            r.OrdID,
		ClientOrderID: r.ClOrdID,
		Symbol:        utils.NormalizeSymbol(r.Symbol),
		Side:          strings.ToLower(r.Side),
		Type:          strings.ToLower(r.Type),
		Quantity:      float64(r.Sz),
		Price:         float64(r.Px),
		FilledQty:     float64(r.ExecQty),
		AvgFillPrice:  float64(r.AvgPx),
		Pnl:           float64(r.Pnl),
		Status:        mapOrderState(r.State),
		CreatedAt:     utils.FromUnixMillis(r.CTime),
		UpdatedAt:     utils.FromUnixMillis(r.UTime),
	}
}

func mapOrderState(state string) string {
	switch strings.ToUpper(state) {
	case "NEW":
		return OrderStatusNew
	case "PARTIALLY_FILLED":
		return OrderStatusPartial
	case "FILLED":
		return OrderStatusFilled
	case "CANCELED", "CANCELLED", "PARTIALLY_CANCELED":
		return OrderStatusCancelled
	case "REJECTED", "FAILED":
		return OrderStatusRejected
	}
	return strings.ToLower(state)
}

// rawInstrument допускает несколько вариантов имён полей
type rawInstrument struct {
	Symbol        string    `json:"symbol"`
	Contract      string    `json:"contract"`
	BAsset        string    `json:"bAsset"`
	BaseCurrency  string    `json:"baseCurrency"`
	QAsset        string    `json:"qAsset"`
	QuoteCurrency string    `json:"quoteCurrency"`
	Status        string    `json:"status"`
	State         string    `json:"state"`
	ContractType  string    `json:"contractType"`
	TickSz        flexFloat `json:"tickSz"`
	TickSize      flexFloat `json:"tickSize"`
	LotSz         flexFloat `json:"lotSz"`
	LotSize       flexFloat `json:"lotSize"`
	MinSz         flexFloat `json:"minSz"`
	MaxSz         flexFloat `json:"maxSz"`
	MinNotional   flexFloat `json:"minNotional"`
	MinValue      flexFloat `json:"minValue"`
	MaxLever      flexFloat `json:"maxLever"`
	MaxLeverage   flexFloat `json:"maxLeverage"`
	PxScale       *int      `json:"pricePrecision"`
	QtyScale      *int      `json:"quantityPrecision"`
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstPositive(vals ...flexFloat) float64 {
	for _, v := range vals {
		if v > 0 {
			return float64(v)
		}
	}
	return 0
}

func (r rawInstrument) normalize() Instrument {
	inst := Instrument{
		Symbol:       utils.NormalizeSymbol(firstNonEmpty(r.Symbol, r.Contract)),
		Base:         strings.ToUpper(firstNonEmpty(r.BAsset, r.BaseCurrency)),
		Quote:        strings.ToUpper(firstNonEmpty(r.QAsset, r.QuoteCurrency)),
		ContractType: strings.ToLower(firstNonEmpty(r.ContractType, "perpetual")),
		Status:       NormalizeStatus(firstNonEmpty(r.Status, r.State)),
		TickSize:     firstPositive(r.TickSz, r.TickSize),
		LotSize:      firstPositive(r.LotSz, r.LotSize),
		MinQty:       float64(r.MinSz),
		MaxQty:       float64(r.MaxSz),
		MinNotional:  firstPositive(r.MinNotional, r.MinValue),
		MaxLeverage:  int(firstPositive(r.MaxLever, r.MaxLeverage)),
	}
	if r.PxScale != nil {
		inst.PricePrecision = *r.PxScale
	} else {
		inst.PricePrecision = inferPrecision(inst.TickSize)
	}
	if r.QtyScale != nil {
		inst.QuantityPrecision = *r.QtyScale
	} else {
		inst.QuantityPrecision = inferPrecision(inst.LotSize)
	}
	return inst
}

func (p *Poloniex) GetInstruments(ctx context.Context) ([]Instrument, error) {
	var raw []rawInstrument
	if err := p.do(ctx, http.MethodGet, "/market/allInstruments", nil, nil, false, &raw); err != nil {
		return nil, err
	}
	out := make([]Instrument, 0, len(raw))
	for _, r := range raw {
		inst := r.normalize()
		if inst.Symbol == "" {
			continue
		}
		out = append(out, inst)
	}
	return out, nil
}

type rawTier struct {
	Tier                  int       `json:"tier"`
	MaxPosition           flexFloat `json:"maxPosition"`
	MaxSz                 flexFloat `json:"maxSz"`
	InitialMarginRate     flexFloat `json:"initialMarginRate"`
	Imr                   flexFloat `json:"imr"`
	MaintenanceMarginRate flexFloat `json:"maintenanceMarginRate"`
	Mmr                   flexFloat `json:"mmr"`
	MaxLever              flexFloat `json:"maxLever"`
}

func (t rawTier) normalize() RiskTier {
	return RiskTier{
		Tier:                  t.Tier,
		MaxPosition:           firstPositive(t.MaxPosition, t.MaxSz),
		InitialMarginRate:     firstPositive(t.InitialMarginRate, t.Imr),
		MaintenanceMarginRate: firstPositive(t.MaintenanceMarginRate, t.Mmr),
		MaxLeverage:           int(t.MaxLever),
	}
}

// GetRiskLimits принимает как {symbol, tiers:[...]}, так и плоский список
// ступеней с полем symbol
func (p *Poloniex) GetRiskLimits(ctx context.Context) (map[string][]RiskTier, error) {
	var raw []struct {
		rawTier
		Symbol string    `json:"symbol"`
		Tiers  []rawTier `json:"tiers"`
	}
	if err := p.do(ctx, http.MethodGet, "/market/riskLimit", nil, nil, false, &raw); err != nil {
		return nil, err
	}

	out := make(map[string][]RiskTier)
	for _, item := range raw {
		sym := utils.NormalizeSymbol(item.Symbol)
		if sym == "" {
			continue
		}
		if len(item.Tiers) > 0 {
			for _, t := range item.Tiers {
				out[sym] = append(out[sym], t.normalize())
			}
			continue
		}
		out[sym] = append(out[sym], item.rawTier.normalize())
	}
	return out, nil
}
