package matching_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fenrir/internal/book"
	"fenrir/internal/matching"
	"fenrir/internal/types"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func pl(price, size string) types.PriceLevel {
	return types.PriceLevel{Price: d(price), Size: d(size)}
}

// fakeMargin is a MarginPreviewer stub for engine tests: it never blocks a
// submission unless configured to, and reports a configured opposite
// position quantity for reduceOnly checks.
type fakeMargin struct {
	opposite decimal.Decimal
	allow    bool
}

func newFakeMargin() *fakeMargin { return &fakeMargin{allow: true} }

func (f *fakeMargin) OpenOppositeQty(exchange, symbol string, side types.Side) decimal.Decimal {
	return f.opposite
}

func (f *fakeMargin) PreviewMargin(exchange, symbol string, side types.Side, price, qty decimal.Decimal, leverage int) bool {
	return f.allow
}

func newTestEngine() (*matching.Engine, *book.Manager) {
	m := book.NewManager(types.SlippageConfig{Kind: types.SlippageBookWalking, MaxSlippage: d("1")})
	e := matching.NewEngine(m, types.FeeConfig{MakerBps: d("2"), TakerBps: d("5")}, 5, 20)
	return e, m
}

func TestSubmitOrderRejectsInvalidQty(t *testing.T) {
	e, _ := newTestEngine()
	margin := newFakeMargin()
	order, fills := e.SubmitOrder(types.OrderRequest{Exchange: "x", Symbol: "BTC", Side: types.Buy, Type: types.Limit, Price: d("100"), Qty: d("0")}, "strat1", margin)
	assert.Equal(t, types.StatusRejected, order.Status)
	assert.Equal(t, types.RejectInvalidQty, order.RejectReason)
	assert.Empty(t, fills)
}

func TestSubmitOrderRejectsMissingPriceOnLimit(t *testing.T) {
	e, _ := newTestEngine()
	order, _ := e.SubmitOrder(types.OrderRequest{Exchange: "x", Symbol: "BTC", Side: types.Buy, Type: types.Limit, Qty: d("1")}, "strat1", newFakeMargin())
	assert.Equal(t, types.RejectInvalidPrice, order.RejectReason)
}

func TestSubmitOrderRejectsLeverageExceedsMax(t *testing.T) {
	e, _ := newTestEngine()
	order, _ := e.SubmitOrder(types.OrderRequest{Exchange: "x", Symbol: "BTC", Side: types.Buy, Type: types.Limit, Price: d("100"), Qty: d("1"), Leverage: 50}, "strat1", newFakeMargin())
	assert.Equal(t, types.RejectLeverageExceeds, order.RejectReason)
}

func TestSubmitOrderRejectsReduceOnlyWithNoOppositePosition(t *testing.T) {
	e, _ := newTestEngine()
	margin := newFakeMargin()
	margin.opposite = decimal.Zero
	order, _ := e.SubmitOrder(types.OrderRequest{Exchange: "x", Symbol: "BTC", Side: types.Buy, Type: types.Limit, Price: d("100"), Qty: d("1"), ReduceOnly: true}, "strat1", margin)
	assert.Equal(t, types.RejectReduceOnlyViolates, order.RejectReason)
}

func TestSubmitOrderReduceOnlyClampsQtyToOppositePosition(t *testing.T) {
	e, _ := newTestEngine()
	margin := newFakeMargin()
	margin.opposite = d("1")
	order, fills := e.SubmitOrder(types.OrderRequest{Exchange: "x", Symbol: "BTC", Side: types.Buy, Type: types.Market, Qty: d("2"), ReduceOnly: true}, "strat1", margin)
	assert.Equal(t, types.StatusFilled, order.Status)
	assert.True(t, order.Qty.Equal(d("1")), order.Qty.String())
	require.Len(t, fills, 1)
	assert.True(t, fills[0].Qty.Equal(d("1")))
}

func TestSubmitOrderRejectsPostOnlyThatWouldCross(t *testing.T) {
	e, m := newTestEngine()
	m.Update("x", "BTC", types.DepthData{
		Bids:       []types.PriceLevel{pl("99", "5")},
		Asks:       []types.PriceLevel{pl("100", "5")},
		IsSnapshot: true,
	})
	order, _ := e.SubmitOrder(types.OrderRequest{Exchange: "x", Symbol: "BTC", Side: types.Buy, Type: types.Limit, Price: d("100"), Qty: d("1"), PostOnly: true}, "strat1", newFakeMargin())
	assert.Equal(t, types.RejectPostOnlyWouldCross, order.RejectReason)
}

func TestSubmitMarketOrderFillsAgainstBookWalk(t *testing.T) {
	e, m := newTestEngine()
	m.Update("x", "BTC", types.DepthData{
		Asks:       []types.PriceLevel{pl("100", "1"), pl("101", "1")},
		IsSnapshot: true,
	})
	order, fills := e.SubmitOrder(types.OrderRequest{Exchange: "x", Symbol: "BTC", Side: types.Buy, Type: types.Market, Qty: d("2")}, "strat1", newFakeMargin())
	assert.Equal(t, types.StatusFilled, order.Status)
	require.Len(t, fills, 1)
	assert.True(t, fills[0].Price.Equal(d("100.5")), fills[0].Price.String())
	assert.False(t, fills[0].IsMaker)
}

func TestSubmitLimitOrderCrossingFillsTakerPortionAndRestsRemainder(t *testing.T) {
	e, m := newTestEngine()
	m.Update("x", "BTC", types.DepthData{
		Asks:       []types.PriceLevel{pl("100", "1")},
		IsSnapshot: true,
	})
	order, fills := e.SubmitOrder(types.OrderRequest{Exchange: "x", Symbol: "BTC", Side: types.Buy, Type: types.Limit, Price: d("100"), Qty: d("3"), TimeInForce: types.GTC}, "strat1", newFakeMargin())
	require.Len(t, fills, 1)
	assert.True(t, fills[0].Qty.Equal(d("1")))
	assert.Equal(t, types.StatusPartiallyFilled, order.Status)
	assert.True(t, order.RemainingQty().Equal(d("2")))

	open := e.OpenOrders("x", "BTC")
	require.Len(t, open, 1)
	assert.Equal(t, order.ID, open[0].ID)
}

func TestSubmitLimitOrderIOCCancelsUnfilledRemainder(t *testing.T) {
	e, m := newTestEngine()
	m.Update("x", "BTC", types.DepthData{
		Asks:       []types.PriceLevel{pl("100", "1")},
		IsSnapshot: true,
	})
	order, fills := e.SubmitOrder(types.OrderRequest{Exchange: "x", Symbol: "BTC", Side: types.Buy, Type: types.Limit, Price: d("100"), Qty: d("3"), TimeInForce: types.IOC}, "strat1", newFakeMargin())
	require.Len(t, fills, 1)
	assert.Equal(t, types.StatusPartiallyFilled, order.Status)
	assert.Empty(t, e.OpenOrders("x", "BTC"))
}

func TestSubmitLimitOrderFOKCancelsEntirelyWhenNotFullyFillable(t *testing.T) {
	e, m := newTestEngine()
	m.Update("x", "BTC", types.DepthData{
		Asks:       []types.PriceLevel{pl("100", "1")},
		IsSnapshot: true,
	})
	order, fills := e.SubmitOrder(types.OrderRequest{Exchange: "x", Symbol: "BTC", Side: types.Buy, Type: types.Limit, Price: d("100"), Qty: d("3"), TimeInForce: types.FOK}, "strat1", newFakeMargin())
	assert.Equal(t, types.StatusCanceled, order.Status)
	assert.Empty(t, fills)
	assert.True(t, order.FilledQty.IsZero())
}

func TestPriceTimePriorityFIFOWithinLevel(t *testing.T) {
	e, _ := newTestEngine()
	margin := newFakeMargin()
	first, _ := e.SubmitOrder(types.OrderRequest{Exchange: "x", Symbol: "BTC", Side: types.Buy, Type: types.Limit, Price: d("100"), Qty: d("1")}, "strat1", margin)
	second, _ := e.SubmitOrder(types.OrderRequest{Exchange: "x", Symbol: "BTC", Side: types.Buy, Type: types.Limit, Price: d("100"), Qty: d("1")}, "strat2", margin)

	fills := e.OnTrade("x", "BTC", d("100"), d("1"))
	require.Len(t, fills, 1)
	assert.Equal(t, first.ID, fills[0].Order.ID)
	assert.Equal(t, types.StatusFilled, first.Status)
	assert.Equal(t, types.StatusOpen, second.Status)
}

func TestOnTradeEmitsOneAggregatedFillPerOrderPerTick(t *testing.T) {
	e, _ := newTestEngine()
	margin := newFakeMargin()
	order, _ := e.SubmitOrder(types.OrderRequest{Exchange: "x", Symbol: "BTC", Side: types.Sell, Type: types.Limit, Price: d("100"), Qty: d("3")}, "strat1", margin)

	fills := e.OnTrade("x", "BTC", d("100"), d("3"))
	require.Len(t, fills, 1)
	assert.True(t, fills[0].Qty.Equal(d("3")))
	assert.Equal(t, order.ID, fills[0].Order.ID)
	assert.True(t, fills[0].IsMaker)
}

func TestSelfMatchCancelsIncomingOrder(t *testing.T) {
	e, _ := newTestEngine()
	margin := newFakeMargin()
	_, _ = e.SubmitOrder(types.OrderRequest{Exchange: "x", Symbol: "BTC", Side: types.Sell, Type: types.Limit, Price: d("100"), Qty: d("1")}, "strat1", margin)

	order, fills := e.SubmitOrder(types.OrderRequest{Exchange: "x", Symbol: "BTC", Side: types.Buy, Type: types.Limit, Price: d("101"), Qty: d("1")}, "strat1", margin)
	assert.Equal(t, types.RejectSelfMatchCanceled, order.RejectReason)
	assert.Equal(t, types.StatusRejected, order.Status)
	assert.Empty(t, fills)
}

func TestCancelOrderRemovesFromBook(t *testing.T) {
	e, _ := newTestEngine()
	margin := newFakeMargin()
	order, _ := e.SubmitOrder(types.OrderRequest{Exchange: "x", Symbol: "BTC", Side: types.Buy, Type: types.Limit, Price: d("100"), Qty: d("1")}, "strat1", margin)

	canceled, err := e.CancelOrder("x", "BTC", order.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCanceled, canceled.Status)
	assert.Empty(t, e.OpenOrders("x", "BTC"))
}

func TestCancelUnknownOrderReturnsError(t *testing.T) {
	e, _ := newTestEngine()
	_, err := e.CancelOrder("x", "BTC", "nonexistent")
	assert.ErrorIs(t, err, matching.ErrUnknownOrder)
}

func TestModifyOrderPreservesClientIDAndUpdatesPrice(t *testing.T) {
	e, _ := newTestEngine()
	margin := newFakeMargin()
	order, _ := e.SubmitOrder(types.OrderRequest{ClientID: "client-1", Exchange: "x", Symbol: "BTC", Side: types.Buy, Type: types.Limit, Price: d("100"), Qty: d("1")}, "strat1", margin)

	newPrice := d("99")
	modified, _, err := e.ModifyOrder("x", "BTC", types.ModifyRequest{OrderID: order.ID, Price: &newPrice}, margin)
	require.NoError(t, err)
	assert.Equal(t, "client-1", modified.ClientID)
	assert.True(t, modified.Price.Equal(d("99")))
	assert.NotEqual(t, order.ID, modified.ID)

	open := e.OpenOrders("x", "BTC")
	require.Len(t, open, 1)
	assert.Equal(t, modified.ID, open[0].ID)
}

func TestOrderLifecycleNeverLeavesTerminalStatus(t *testing.T) {
	e, _ := newTestEngine()
	margin := newFakeMargin()
	order, _ := e.SubmitOrder(types.OrderRequest{Exchange: "x", Symbol: "BTC", Side: types.Buy, Type: types.Limit, Price: d("100"), Qty: d("1")}, "strat1", margin)
	canceled, err := e.CancelOrder("x", "BTC", order.ID)
	require.NoError(t, err)
	require.True(t, canceled.Status.IsTerminal())

	again, err := e.CancelOrder("x", "BTC", order.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCanceled, again.Status)
}
