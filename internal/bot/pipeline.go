package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"autotrader/internal/exchange"
	"autotrader/internal/models"
	"autotrader/internal/repository"
	"autotrader/pkg/utils"
)

// orderPersistTimeout запись журнала после ответа биржи
const orderPersistTimeout = 10 * time.Second

// OrderPipeline путь заявки одной сессии:
// валидация → идемпотентность → risk gate → биржа → журнал.
//
// Заявки одной сессии сериализуются: в полёте не больше одной.
type OrderPipeline struct {
	mu sync.Mutex

	sessionID string
	userID    string
	exchange  string
	limits    RiskLimits

	ex       exchange.Exchange
	orders   OrderStore
	rules    RulesSource
	notifier Notifier
	tracker  *PerformanceTracker

	log *zap.Logger
	now func() time.Time
}

// NewOrderPipeline конвейер для сессии s
func NewOrderPipeline(s *models.Session, ex exchange.Exchange, orders OrderStore, rules RulesSource,
	notifier Notifier, tracker *PerformanceTracker, log *zap.Logger) *OrderPipeline {
	if notifier == nil {
		notifier = noopNotifier{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &OrderPipeline{
		sessionID: s.ID,
		userID:    s.UserID,
		exchange:  s.Exchange,
		limits:    RiskLimitsFrom(s.Config),
		ex:        ex,
		orders:    orders,
		rules:     rules,
		notifier:  notifier,
		tracker:   tracker,
		log:       log.With(utils.Component("pipeline"), utils.SessionID(s.ID)),
		now:       time.Now,
	}
}

// Submit проводит заявку через конвейер. acct - снимок счёта, по которому
// принимается решение риска; refPrice - текущая референсная цена символа.
func (p *OrderPipeline) Submit(ctx context.Context, req models.OrderRequest, acct AccountSnapshot, refPrice float64) (*models.PersistedOrder, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		RecordPipelineOutcome("rejected", ReasonValidation)
		return nil, &ValidationError{Err: err}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	log := p.log.With(utils.ClientRequestID(req.ClientRequestID), utils.Symbol(req.Symbol))

	// идемпотентность: повтор разрешён, только если прежний ордер по ключу завершён
	existing, err := p.orders.GetByClientRequestID(ctx, req.ClientRequestID)
	switch {
	case err == nil && !models.IsTerminalOrderStatus(existing.Status):
		log.Warn("duplicate client request id", zap.String("status", existing.Status))
		RecordPipelineOutcome("rejected", ReasonDuplicateRequest)
		return nil, ErrDuplicateRequest
	case err == nil:
		log.Info("resubmitting finished client request id", zap.String("status", existing.Status))
	case !errors.Is(err, repository.ErrOrderNotFound):
		RecordPipelineOutcome("failed", ReasonPersistence)
		return nil, &PersistenceError{Op: "lookup order", Err: err}
	}

	// risk gate
	rules, ok := p.rules.Lookup(req.Symbol)
	decision := EvaluateRisk(RiskInput{
		Request:        req,
		ReferencePrice: refPrice,
		Account:        acct,
		Limits:         p.limits,
		Rules:          rules,
		HasRules:       ok,
	})
	if !decision.Allowed {
		log.Warn("order rejected by risk gate",
			utils.Reason(decision.Code),
			utils.Notional(decision.Notional),
			zap.String("detail", decision.Reason),
		)
		p.recordRejection(ctx, req, refPrice, decision.Code+": "+decision.Reason)
		p.alert(models.AlertRiskRejected, req, decision.Code, decision.Reason, decision.Notional)
		RecordPipelineOutcome("rejected", decision.Code)
		return nil, decision.Err()
	}

	// биржа
	placed, err := p.ex.PlaceOrder(ctx, &exchange.OrderParams{
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Quantity:      req.Quantity,
		Price:         req.Price,
		Leverage:      req.Leverage,
		ClientOrderID: req.ClientRequestID,
		ReduceOnly:    req.ReduceOnly,
	})
	if err != nil {
		reason := ReasonOf(err)
		if reason == ReasonExchangeRejected {
			log.Warn("order rejected by exchange", zap.Error(err))
			p.recordRejection(ctx, req, refPrice, ReasonExchangeRejected+": "+err.Error())
			p.alert(models.AlertExchangeRejected, req, reason, err.Error(), decision.Notional)
			RecordPipelineOutcome("rejected", reason)
			return nil, err
		}
		log.Error("order submission failed", utils.Reason(reason), zap.Error(err))
		RecordPipelineOutcome("failed", reason)
		return nil, err
	}

	order := p.newOrder(req, refPrice)
	order.ExchangeOrderID = placed.ID
	order.Status = persistedStatus(placed.Status)
	order.FilledQty = placed.FilledQty
	order.AvgFillPrice = placed.AvgFillPrice
	order.Pnl = placed.Pnl
	if order.Status == models.OrderStatusFilled {
		now := p.now()
		order.FilledAt = &now
	}

	// ордер уже на бирже: запись не должна сорваться из-за отмены цикла
	pctx, cancel := orderPersistContext(ctx)
	defer cancel()

	if err := p.orders.Create(pctx, order); err != nil {
		// ордер уже на бирже, журнал разошёлся
		log.Error("order placed but not persisted",
			utils.OrderID(placed.ID),
			zap.Error(err),
		)
		RecordPipelineOutcome("failed", ReasonPersistence)
		return nil, &PersistenceError{Op: "create order", Err: err}
	}

	if p.tracker != nil {
		p.tracker.RecordTrade()
	}
	RecordPipelineOutcome("accepted", "")
	log.Info("order accepted",
		utils.OrderID(placed.ID),
		utils.Side(req.Side),
		utils.Quantity(req.Quantity),
		utils.Notional(decision.Notional),
		zap.String("status", order.Status),
	)
	return order, nil
}

func (p *OrderPipeline) newOrder(req models.OrderRequest, refPrice float64) *models.PersistedOrder {
	now := p.now()
	return &models.PersistedOrder{
		SessionID:       p.sessionID,
		UserID:          p.userID,
		Exchange:        p.exchange,
		ClientRequestID: req.ClientRequestID,
		Symbol:          req.Symbol,
		Side:            req.Side,
		Type:            req.Type,
		Quantity:        req.Quantity,
		Price:           OrderPrice(req, refPrice),
		Leverage:        req.Leverage,
		Status:          models.OrderStatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// recordRejection журнал отказа. Сбой записи не меняет исход заявки.
func (p *OrderPipeline) recordRejection(ctx context.Context, req models.OrderRequest, refPrice float64, reason string) {
	order := p.newOrder(req, refPrice)
	order.Status = models.OrderStatusRejected
	order.RejectReason = reason

	pctx, cancel := orderPersistContext(ctx)
	defer cancel()
	if err := p.orders.Create(pctx, order); err != nil {
		p.log.Warn("failed to persist rejected order",
			utils.ClientRequestID(req.ClientRequestID),
			zap.Error(err),
		)
	}
}

func (p *OrderPipeline) alert(kind string, req models.OrderRequest, code, detail string, notional float64) {
	p.notifier.Notify(&models.Notification{
		Timestamp: p.now(),
		Kind:      kind,
		Severity:  models.SeverityFor(kind),
		UserID:    p.userID,
		SessionID: p.sessionID,
		Message:   fmt.Sprintf("%s %s %g %s: %s", req.Side, req.Symbol, req.Quantity, code, detail),
		Meta: models.Meta{
			"reason":            code,
			"symbol":            req.Symbol,
			"notional":          notional,
			"client_request_id": req.ClientRequestID,
		},
	})
}

// orderPersistContext переживает отмену ctx, но ограничен orderPersistTimeout
func orderPersistContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), orderPersistTimeout)
}

// persistedStatus статус биржи → статус журнала
func persistedStatus(s string) string {
	switch s {
	case exchange.OrderStatusFilled:
		return models.OrderStatusFilled
	case exchange.OrderStatusCancelled:
		return models.OrderStatusCancelled
	case exchange.OrderStatusRejected:
		return models.OrderStatusRejected
	}
	return models.OrderStatusOpen
}
