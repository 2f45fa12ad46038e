package account_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fenrir/internal/account"
	"fenrir/internal/types"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestManager() *account.Manager {
	return account.NewManager(types.Config{
		InitialBalance:        d("10000"),
		DefaultLeverage:       5,
		MaxLeverage:           20,
		MaintenanceMarginRate: d("0.05"),
		LiquidationFeeRate:    d("0.01"),
		EnableLiquidation:     true,
		EnableFunding:         true,
	})
}

func TestApplyFillOpensAPosition(t *testing.T) {
	m := newTestManager()
	closed := m.ApplyFill("x", "BTC", types.Buy, d("100"), d("1"), d("0.5"), false, 5, 1000)
	assert.Nil(t, closed)

	pos, ok := m.Position("x", "BTC")
	require.True(t, ok)
	assert.Equal(t, types.Long, pos.Side)
	assert.True(t, pos.Qty.Equal(d("1")))
	assert.True(t, pos.EntryPrice.Equal(d("100")))
	assert.True(t, m.Account().Balance.Equal(d("9999.5")))
}

func TestApplyFillIncreasesPositionWithWeightedAverageEntry(t *testing.T) {
	m := newTestManager()
	m.ApplyFill("x", "BTC", types.Buy, d("100"), d("1"), decimal.Zero, false, 5, 1000)
	m.ApplyFill("x", "BTC", types.Buy, d("110"), d("1"), decimal.Zero, false, 5, 2000)

	pos, ok := m.Position("x", "BTC")
	require.True(t, ok)
	assert.True(t, pos.Qty.Equal(d("2")))
	assert.True(t, pos.EntryPrice.Equal(d("105")), pos.EntryPrice.String())
}

func TestApplyFillClosesPositionRealizesPnl(t *testing.T) {
	m := newTestManager()
	m.ApplyFill("x", "BTC", types.Buy, d("100"), d("1"), decimal.Zero, false, 5, 1000)
	closed := m.ApplyFill("x", "BTC", types.Sell, d("110"), d("1"), decimal.Zero, false, 5, 2000)

	require.NotNil(t, closed)
	assert.True(t, closed.GrossPnl.Equal(d("10")), closed.GrossPnl.String())
	assert.Equal(t, int64(1000), closed.HoldingPeriodMs)

	_, ok := m.Position("x", "BTC")
	assert.False(t, ok)
	assert.True(t, m.Account().Balance.Equal(d("10010")))
}

func TestApplyFillFlipsPositionDirection(t *testing.T) {
	m := newTestManager()
	m.ApplyFill("x", "BTC", types.Buy, d("100"), d("1"), decimal.Zero, false, 5, 1000)
	closed := m.ApplyFill("x", "BTC", types.Sell, d("90"), d("3"), decimal.Zero, false, 5, 2000)

	require.NotNil(t, closed)
	assert.True(t, closed.Qty.Equal(d("1")))

	pos, ok := m.Position("x", "BTC")
	require.True(t, ok)
	assert.Equal(t, types.Short, pos.Side)
	assert.True(t, pos.Qty.Equal(d("2")))
	assert.True(t, pos.EntryPrice.Equal(d("90")))
}

func TestOpenOppositeQtyForReduceOnly(t *testing.T) {
	m := newTestManager()
	m.ApplyFill("x", "BTC", types.Sell, d("100"), d("1"), decimal.Zero, false, 5, 1000)

	opp := m.OpenOppositeQty("x", "BTC", types.Buy)
	assert.True(t, opp.Equal(d("1")))

	sameSide := m.OpenOppositeQty("x", "BTC", types.Sell)
	assert.True(t, sameSide.IsZero())
}

func TestPreviewMarginRejectsOversizedNewPosition(t *testing.T) {
	m := newTestManager()
	// 10000 balance, leverage 5 -> max notional 50000.
	assert.True(t, m.PreviewMargin("x", "BTC", types.Buy, d("100"), d("400"), 5))
	assert.False(t, m.PreviewMargin("x", "BTC", types.Buy, d("100"), d("600"), 5))
}

func TestOnMarkPriceUpdatesUnrealizedPnl(t *testing.T) {
	m := newTestManager()
	m.ApplyFill("x", "BTC", types.Buy, d("100"), d("1"), decimal.Zero, false, 5, 1000)
	m.OnMarkPrice("x", "BTC", d("110"), 2000)

	pos, ok := m.Position("x", "BTC")
	require.True(t, ok)
	assert.True(t, pos.UnrealizedPnl.Equal(d("10")))
	assert.True(t, m.Account().Equity.Equal(d("10010")))
}

func TestOnMarkPriceForceLiquidatesWhenEquityBreachesMaintenance(t *testing.T) {
	// A thinly capitalized account: 5x leverage long 1 BTC @ 100 (notional
	// 100, maintenance = 100*0.05 = 5) against a 50 balance. The position's
	// liquidation price is 100*(1-(0.2-0.05)) = 85, so a mark of 20 is far
	// through it (equity 50+(20-100) = -30).
	m := account.NewManager(types.Config{
		InitialBalance:        d("50"),
		DefaultLeverage:       5,
		MaxLeverage:           20,
		MaintenanceMarginRate: d("0.05"),
		LiquidationFeeRate:    d("0.01"),
		EnableLiquidation:     true,
	})
	m.ApplyFill("x", "BTC", types.Buy, d("100"), d("1"), decimal.Zero, false, 5, 1000)

	events := m.OnMarkPrice("x", "BTC", d("20"), 2000)
	require.Len(t, events, 1)
	assert.Equal(t, "BTC", events[0].Symbol)
	assert.Equal(t, types.Sell, events[0].Side)

	_, ok := m.Position("x", "BTC")
	assert.False(t, ok)
}

func TestOnFundingChargesLongsWhenRatePositive(t *testing.T) {
	m := newTestManager()
	m.ApplyFill("x", "BTC", types.Buy, d("100"), d("1"), decimal.Zero, false, 5, 1000)
	before := m.Account().Balance

	m.OnFunding("x", "BTC", d("0.001"), d("100"), 2000)

	after := m.Account().Balance
	assert.True(t, after.LessThan(before))
}
