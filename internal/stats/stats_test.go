package stats_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"fenrir/internal/stats"
	"fenrir/internal/types"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestComputeEmptyCurveReturnsZeroStats(t *testing.T) {
	out := stats.Compute(nil, nil, decimal.Zero, decimal.Zero, 1440)
	assert.Equal(t, 0, out.TotalTrades)
	assert.True(t, out.TotalReturn.IsZero())
}

func TestComputeTotalReturn(t *testing.T) {
	curve := []types.EquityPoint{
		{Timestamp: 0, Equity: d("1000")},
		{Timestamp: 1, Equity: d("1100")},
	}
	out := stats.Compute(curve, nil, decimal.Zero, decimal.Zero, 1440)
	assert.True(t, out.TotalReturn.Equal(d("0.1")), out.TotalReturn.String())
}

func TestComputeMaxDrawdown(t *testing.T) {
	curve := []types.EquityPoint{
		{Timestamp: 0, Equity: d("1000")},
		{Timestamp: 1, Equity: d("1200")},
		{Timestamp: 2, Equity: d("900")},
		{Timestamp: 3, Equity: d("1300")},
	}
	out := stats.Compute(curve, nil, decimal.Zero, decimal.Zero, 1440)
	// peak 1200 -> trough 900: drawdown 25%.
	assert.True(t, out.MaxDrawdown.Equal(d("0.25")), out.MaxDrawdown.String())
}

func TestComputeTradeStatsWinRateAndProfitFactor(t *testing.T) {
	trades := []types.ClosedTrade{
		{NetPnl: d("100")},
		{NetPnl: d("-50")},
		{NetPnl: d("200")},
	}
	out := stats.Compute([]types.EquityPoint{{Equity: d("1000")}, {Equity: d("1250")}}, trades, decimal.Zero, decimal.Zero, 1440)
	assert.Equal(t, 3, out.TotalTrades)
	assert.Equal(t, 2, out.WinningTrades)
	assert.Equal(t, 1, out.LosingTrades)
	assert.InDelta(t, 2.0/3.0, out.WinRate, 0.0001)
	assert.InDelta(t, 6.0, out.ProfitFactor, 0.0001) // 300 gross win / 50 gross loss
}

func TestComputeConsecutiveStreaks(t *testing.T) {
	trades := []types.ClosedTrade{
		{NetPnl: d("10")},
		{NetPnl: d("10")},
		{NetPnl: d("-5")},
		{NetPnl: d("-5")},
		{NetPnl: d("-5")},
		{NetPnl: d("10")},
	}
	out := stats.Compute([]types.EquityPoint{{Equity: d("1000")}, {Equity: d("1000")}}, trades, decimal.Zero, decimal.Zero, 1440)
	assert.Equal(t, 2, out.MaxConsecutiveWins)
	assert.Equal(t, 3, out.MaxConsecutiveLosses)
}
