package bot

import (
	"sync"
	"time"

	"autotrader/internal/exchange"
	"autotrader/internal/models"
	"autotrader/pkg/utils"
)

// maxReturns размер кольца доходностей по итерациям
const maxReturns = 1024

const secondsPerYear = 365 * 24 * 3600

// PerformanceTracker показатели одной сессии в памяти.
// Пишет только цикл своей сессии, читают API и снимки.
type PerformanceTracker struct {
	mu sync.Mutex

	sessionID      string
	periodsPerYear float64

	equity     float64
	peak       float64
	maxDD      float64
	returns    []float64
	hasEquity  bool
	tradeCount int

	// realized equity = equity - unrealized pnl
	realized     float64
	baseRealized float64

	dayStart         time.Time
	dayStartRealized float64
	dailyPnl         float64

	updatedAt time.Time
}

// NewPerformanceTracker трекер для цикла с интервалом loop
func NewPerformanceTracker(sessionID string, loop time.Duration) *PerformanceTracker {
	p := &PerformanceTracker{sessionID: sessionID}
	if loop > 0 {
		p.periodsPerYear = secondsPerYear / loop.Seconds()
	}
	return p
}

// Restore продолжает с сохранённого снимка после восстановления.
// Снимок того же UTC дня сохраняет дневной PnL, и дневная цель
// не сбрасывается рестартом.
func (p *PerformanceTracker) Restore(s *models.PerformanceSnapshot) {
	if s == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.equity = s.Equity
	p.peak = s.PeakEquity
	p.maxDD = s.MaxDrawdown
	p.tradeCount = s.TradeCount
	p.returns = append(p.returns[:0], s.Returns...)
	p.hasEquity = s.Equity > 0
	// baseRealized подбирается так, чтобы RealizedPnl продолжился с сохранённого
	p.realized = s.Equity
	p.baseRealized = s.Equity - s.RealizedPnl

	if !s.TakenAt.IsZero() {
		p.dayStart = utils.GetDayStartFrom(s.TakenAt)
		p.dayStartRealized = p.realized - s.DailyPnl
		p.dailyPnl = s.DailyPnl
		p.updatedAt = s.TakenAt
	}
}

// ObserveAccount учитывает свежий снимок счёта
func (p *PerformanceTracker) ObserveAccount(acct *exchange.Account, now time.Time) {
	if acct == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	equity := acct.Equity
	realized := acct.Equity - acct.UnrealizedPnl

	if p.hasEquity && p.equity > 0 {
		p.returns = append(p.returns, equity/p.equity-1)
		if len(p.returns) > maxReturns {
			p.returns = append(p.returns[:0], p.returns[len(p.returns)-maxReturns:]...)
		}
	}
	if !p.hasEquity && p.baseRealized == 0 {
		p.baseRealized = realized
	}
	p.hasEquity = true
	p.equity = equity
	p.realized = realized

	if equity > p.peak {
		p.peak = equity
	}
	if p.peak > 0 {
		if dd := (p.peak - equity) / p.peak; dd > p.maxDD {
			p.maxDD = utils.Clamp(dd, 0, 1)
		}
	}

	day := utils.GetDayStartFrom(now)
	if !day.Equal(p.dayStart) {
		p.dayStart = day
		p.dayStartRealized = realized
	}
	p.dailyPnl = realized - p.dayStartRealized
	p.updatedAt = now
}

// RecordTrade учитывает принятый биржей ордер
func (p *PerformanceTracker) RecordTrade() {
	p.mu.Lock()
	p.tradeCount++
	p.mu.Unlock()
}

// Equity последний equity и пик
func (p *PerformanceTracker) Equity() (equity, peak float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.equity, p.peak
}

// TargetReached дневная цель достигнута: realized PnL с начала UTC дня
// не меньше target × capital. target 0 - цели нет.
func (p *PerformanceTracker) TargetReached(target, capital float64, now time.Time) bool {
	if target <= 0 || capital <= 0 {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !utils.GetDayStartFrom(now).Equal(p.dayStart) {
		return false
	}
	return p.dailyPnl >= target*capital
}

// Snapshot текущие показатели
func (p *PerformanceTracker) Snapshot(now time.Time) *models.PerformanceSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	returns := append([]float64(nil), p.returns...)
	return &models.PerformanceSnapshot{
		SessionID:   p.sessionID,
		Equity:      p.equity,
		PeakEquity:  p.peak,
		RealizedPnl: p.realized - p.baseRealized,
		DailyPnl:    p.dailyPnl,
		Sharpe:      utils.SharpeRatio(returns, p.periodsPerYear),
		MaxDrawdown: p.maxDD,
		TradeCount:  p.tradeCount,
		TakenAt:     now,
		Returns:     returns,
	}
}
