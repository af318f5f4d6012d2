package bot

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autotrader/internal/exchange"
	"autotrader/internal/models"
)

func baseRiskInput() RiskInput {
	return RiskInput{
		Request: models.OrderRequest{
			Symbol:          testSymbol,
			Side:            models.SideBuy,
			Type:            models.OrderTypeMarket,
			Quantity:        2,
			ClientRequestID: "req-1",
		},
		ReferencePrice: 100,
		Account:        AccountSnapshot{Equity: 10000, PeakEquity: 10000},
		Limits:         RiskLimits{MaxRiskPerTrade: 0.02, MaxDrawdown: 0.5},
		Rules:          testRules()[testSymbol],
		HasRules:       true,
	}
}

func TestEvaluateRisk_NotionalBoundary(t *testing.T) {
	in := baseRiskInput()
	d := EvaluateRisk(in)
	require.True(t, d.Allowed, "notional ровно 200 должен проходить: %s", d.Reason)
	assert.InDelta(t, 200, d.Notional, 1e-9)
	assert.NoError(t, d.Err())

	in.ReferencePrice = 100.005 // 200.01
	d = EvaluateRisk(in)
	require.False(t, d.Allowed)
	assert.Equal(t, ReasonRiskLimit, d.Code)

	var rr *RiskRejectedError
	require.True(t, errors.As(d.Err(), &rr))
	assert.Equal(t, ReasonRiskLimit, ReasonOf(d.Err()))
}

func TestEvaluateRisk_Rejections(t *testing.T) {
	tieredRules := exchange.SymbolRules{
		Instrument: testInstrument(),
		Tiers: []exchange.RiskTier{
			{Tier: 1, MaxPosition: 100, MaxLeverage: 50},
			{Tier: 2, MaxPosition: 1000, InitialMarginRate: 0.1},
		},
	}

	tests := []struct {
		name   string
		mutate func(in *RiskInput)
		want   string
	}{
		{
			name:   "non-positive equity",
			mutate: func(in *RiskInput) { in.Account.Equity = 0 },
			want:   ReasonRiskLimit,
		},
		{
			name:   "no price",
			mutate: func(in *RiskInput) { in.ReferencePrice = 0 },
			want:   ReasonPrecision,
		},
		{
			name: "risk checked before precision",
			mutate: func(in *RiskInput) {
				in.Request.Quantity = 3.0005
			},
			want: ReasonRiskLimit,
		},
		{
			name: "projected drawdown",
			mutate: func(in *RiskInput) {
				in.Account = AccountSnapshot{Equity: 9000, PeakEquity: 10000}
				in.Limits.MaxDrawdown = 0.1
				in.Request.Quantity = 1 // (10000 - 8900) / 10000 = 0.11
			},
			want: ReasonDrawdown,
		},
		{
			name: "leverage above tier",
			mutate: func(in *RiskInput) {
				in.Rules = tieredRules
				in.Request.Leverage = 20 // 200 попадает во вторую ступень: 1/0.1 = 10x
			},
			want: ReasonLeverage,
		},
		{
			name: "session leverage above tier",
			mutate: func(in *RiskInput) {
				in.Rules = tieredRules
				in.Limits.Leverage = 11
			},
			want: ReasonLeverage,
		},
		{
			name:   "unknown symbol",
			mutate: func(in *RiskInput) { in.HasRules = false },
			want:   ReasonPrecision,
		},
		{
			name:   "quantity off lot size",
			mutate: func(in *RiskInput) { in.Request.Quantity = 1.0005 },
			want:   ReasonPrecision,
		},
		{
			name: "limit price off tick",
			mutate: func(in *RiskInput) {
				in.Request.Type = models.OrderTypeLimit
				in.Request.Quantity = 1
				in.Request.Price = 100.005
			},
			want: ReasonPrecision,
		},
		{
			name:   "below min notional",
			mutate: func(in *RiskInput) { in.Request.Quantity = 0.001 },
			want:   ReasonPrecision,
		},
		{
			name: "instrument paused",
			mutate: func(in *RiskInput) {
				in.Rules.Instrument.Status = exchange.InstrumentPaused
			},
			want: ReasonPrecision,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := baseRiskInput()
			tt.mutate(&in)
			d := EvaluateRisk(in)
			assert.False(t, d.Allowed)
			assert.Equal(t, tt.want, d.Code, d.Reason)
		})
	}
}

func TestEvaluateRisk_LeverageWithinTier(t *testing.T) {
	in := baseRiskInput()
	in.Rules.Tiers = []exchange.RiskTier{{Tier: 1, MaxPosition: 1000, InitialMarginRate: 0.1}}
	in.Request.Leverage = 10

	d := EvaluateRisk(in)
	assert.True(t, d.Allowed, d.Reason)
}

func TestEvaluateRisk_UnknownSymbolReason(t *testing.T) {
	in := baseRiskInput()
	in.HasRules = false
	d := EvaluateRisk(in)
	assert.Contains(t, d.Reason, "unknown symbol")
}

func TestProjectedDrawdown(t *testing.T) {
	assert.InDelta(t, 0.02, ProjectedDrawdown(10000, 10000, 200), 1e-12)
	// пик ниже equity - считается от equity
	assert.InDelta(t, 0.02, ProjectedDrawdown(10000, 0, 200), 1e-12)
	assert.InDelta(t, 0.11, ProjectedDrawdown(9000, 10000, 100), 1e-12)
	assert.Equal(t, 1.0, ProjectedDrawdown(0, 0, 10))
}

func TestOrderPrice(t *testing.T) {
	limit := models.OrderRequest{Type: models.OrderTypeLimit, Price: 99}
	assert.Equal(t, 99.0, OrderPrice(limit, 100))

	market := models.OrderRequest{Type: models.OrderTypeMarket, Price: 98}
	assert.Equal(t, 100.0, OrderPrice(market, 100))
	assert.Equal(t, 98.0, OrderPrice(market, 0))
}
