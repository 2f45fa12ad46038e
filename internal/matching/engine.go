// Package matching implements component C: the order lifecycle state
// machine and price-time-priority matching over the books maintained by
// package book (spec §4.C).
//
// Level storage and the crossing-walk loop are adapted from the teacher's
// internal/engine/orderbook.go Match()/handleLimit()/handleMarket(), which
// already used a tidwall/btree price-level map with FIFO order slices per
// level; this package generalizes that shape to full order lifecycle
// (partial fills, cancel/modify, reject reasons, fees) instead of the
// teacher's equities-only fire-and-forget fills.
package matching

import (
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"

	"fenrir/internal/book"
	"fenrir/internal/types"
)

var (
	// ErrUnknownOrder is returned by CancelOrder/ModifyOrder for an id the
	// engine has never seen or has already forgotten.
	ErrUnknownOrder = errors.New("matching: unknown order id")
)

// MarginPreviewer is implemented by the account manager and injected by
// the driver at submission time. The matching engine never imports the
// account package directly — per spec §9's design note against cyclic
// back-pointers between coupled subsystems, data flows through a narrow
// interface instead.
type MarginPreviewer interface {
	// OpenOppositeQty returns the quantity of the existing position on the
	// side opposite to side, for the reduceOnly admission check (spec
	// §4.C step 2).
	OpenOppositeQty(exchange, symbol string, side types.Side) decimal.Decimal
	// PreviewMargin reports whether submitting this order would fit
	// within available balance (spec §4.C step 4).
	PreviewMargin(exchange, symbol string, side types.Side, price, qty decimal.Decimal, leverage int) bool
}

// Fill is one aggregated execution produced by the engine, either at
// admission time or while scanning resting orders against new market
// data. The driver turns each admission-time Fill into an OrderFilled
// event; fills from market data are applied to the account manager
// directly.
type Fill struct {
	Order   *types.Order
	Price   decimal.Decimal
	Qty     decimal.Decimal
	Fee     decimal.Decimal
	IsMaker bool
}

// restingLevel is one price rung of the resting-order side, orders FIFO.
type restingLevel struct {
	price  decimal.Decimal
	orders []*types.Order
}

type levelTree = btree.BTreeG[*restingLevel]

// symbolBook indexes open orders for one (exchange, symbol) two ways: by
// id (cancel/modify) and by (side, price) FIFO buckets (matching).
type symbolBook struct {
	bids *levelTree
	asks *levelTree
	byID map[string]*types.Order
}

func newSymbolBook() *symbolBook {
	return &symbolBook{
		bids: btree.NewBTreeG(func(a, b *restingLevel) bool { return a.price.GreaterThan(b.price) }),
		asks: btree.NewBTreeG(func(a, b *restingLevel) bool { return a.price.LessThan(b.price) }),
		byID: make(map[string]*types.Order),
	}
}

func (sb *symbolBook) sideTree(side types.Side) *levelTree {
	if side == types.Buy {
		return sb.bids
	}
	return sb.asks
}

// Engine owns the open-order index for every (exchange, symbol) pair and
// applies the admission and triggering rules of spec §4.C.
type Engine struct {
	books           map[string]*symbolBook
	market          *book.Manager
	fee             types.FeeConfig
	defaultLeverage int
	maxLeverage     int
	now             int64
}

// NewEngine creates a matching engine over the given order-book manager
// (used for market-order simulation and postOnly/admission crossing
// checks), fee schedule and leverage bounds (spec §6.3 defaultLeverage /
// maxLeverage).
func NewEngine(market *book.Manager, fee types.FeeConfig, defaultLeverage, maxLeverage int) *Engine {
	return &Engine{
		books:           make(map[string]*symbolBook),
		market:          market,
		fee:             fee,
		defaultLeverage: defaultLeverage,
		maxLeverage:     maxLeverage,
	}
}

// SetClock advances the engine's notion of current time, used to stamp
// newly admitted orders (spec §5: the driver propagates currentTime to
// the matching engine on every popped event).
func (e *Engine) SetClock(ts int64) { e.now = ts }

func key(exchange, symbol string) string { return exchange + ":" + symbol }

func (e *Engine) symbolBook(exchange, symbol string) *symbolBook {
	k := key(exchange, symbol)
	sb, ok := e.books[k]
	if !ok {
		sb = newSymbolBook()
		e.books[k] = sb
	}
	return sb
}

// Order returns the current state of an order by id.
func (e *Engine) Order(exchange, symbol, id string) (*types.Order, bool) {
	sb := e.symbolBook(exchange, symbol)
	o, ok := sb.byID[id]
	return o, ok
}

// OpenOrders returns every non-terminal order resting for (exchange,
// symbol), in no particular order.
func (e *Engine) OpenOrders(exchange, symbol string) []*types.Order {
	sb := e.symbolBook(exchange, symbol)
	out := make([]*types.Order, 0, len(sb.byID))
	for _, o := range sb.byID {
		out = append(out, o)
	}
	return out
}

func (e *Engine) computeFee(qty, price decimal.Decimal, isMaker bool) decimal.Decimal {
	bps := e.feeSchedule(isMaker)
	return qty.Mul(price).Abs().Mul(bps).Div(decimal.NewFromInt(10000))
}

func (e *Engine) feeSchedule(isMaker bool) decimal.Decimal {
	if isMaker {
		return e.fee.MakerBps
	}
	return e.fee.TakerBps
}

func needsPrice(t types.OrderType) bool { return t != types.Market }

func reject(order *types.Order, reason types.RejectReason) *types.Order {
	order.Status = types.StatusRejected
	order.RejectReason = reason
	return order
}

// SubmitOrder runs the admission pipeline of spec §4.C: validation,
// reduceOnly clamp, postOnly crossing check, margin preview, then
// execution (market fill, or limit crossing-at-submission fill with the
// remainder resting as maker). The returned Order always carries a final
// Status; fills is non-empty only when some quantity executed immediately.
func (e *Engine) SubmitOrder(req types.OrderRequest, owner string, margin MarginPreviewer) (*types.Order, []Fill) {
	order := &types.Order{
		ID:          uuid.New().String(),
		ClientID:    req.ClientID,
		Exchange:    req.Exchange,
		Symbol:      req.Symbol,
		Owner:       owner,
		Side:        req.Side,
		Type:        req.Type,
		Price:       req.Price,
		Qty:         req.Qty,
		ReduceOnly:  req.ReduceOnly,
		PostOnly:    req.PostOnly,
		TimeInForce: req.TimeInForce,
		Leverage:    req.Leverage,
		Status:      types.StatusNew,
		CreatedAt:   e.now,
		UpdatedAt:   e.now,
	}
	if order.Leverage <= 0 {
		order.Leverage = e.defaultLeverage
	}

	// Step 1: field validation.
	if order.Symbol == "" {
		return reject(order, types.RejectInvalidSymbol), nil
	}
	if order.Qty.Sign() <= 0 {
		return reject(order, types.RejectInvalidQty), nil
	}
	if needsPrice(order.Type) && order.Price.Sign() <= 0 {
		return reject(order, types.RejectInvalidPrice), nil
	}
	if order.Leverage > e.maxLeverage {
		return reject(order, types.RejectLeverageExceeds), nil
	}

	// Step 2: reduceOnly admission. A reduceOnly order is rejected only if
	// there is no opposite position to reduce at all; otherwise its
	// effective quantity is clamped so it can never flip or open a
	// position (invariant: a reduceOnly order never increases the
	// absolute size of any position).
	if order.ReduceOnly {
		opposite := margin.OpenOppositeQty(order.Exchange, order.Symbol, order.Side)
		if opposite.Sign() <= 0 {
			return reject(order, types.RejectReduceOnlyViolates), nil
		}
		if order.Qty.GreaterThan(opposite) {
			order.Qty = opposite
		}
	}

	bestBid, hasBid := e.market.BestBid(order.Exchange, order.Symbol)
	bestAsk, hasAsk := e.market.BestAsk(order.Exchange, order.Symbol)
	crosses := false
	if order.Side == types.Buy && hasAsk && order.Price.GreaterThanOrEqual(bestAsk) {
		crosses = true
	}
	if order.Side == types.Sell && hasBid && order.Price.LessThanOrEqual(bestBid) {
		crosses = true
	}

	// Step 3: postOnly crossing check.
	if order.PostOnly && order.Type != types.Market && crosses {
		return reject(order, types.RejectPostOnlyWouldCross), nil
	}

	// Step 4: margin preview, against the price the order would actually
	// execute or rest at.
	previewPrice := order.Price
	if order.Type == types.Market {
		if ref, ok := e.referenceForPreview(order.Exchange, order.Symbol, order.Side, hasBid, bestBid, hasAsk, bestAsk); ok {
			previewPrice = ref
		}
	}
	if !margin.PreviewMargin(order.Exchange, order.Symbol, order.Side, previewPrice, order.Qty, order.Leverage) {
		return reject(order, types.RejectInsufficientMargin), nil
	}

	order.Status = types.StatusOpen

	// Steps 5-7: execution.
	switch order.Type {
	case types.Market:
		sim := e.market.SimulateFill(order.Exchange, order.Symbol, order.Side, order.Qty)
		fee := e.computeFee(order.Qty, sim.AvgPrice, false)
		order.FilledQty = order.Qty
		order.AvgFillPrice = sim.AvgPrice
		order.Status = types.StatusFilled
		order.UpdatedAt = e.now
		return order, []Fill{{Order: order, Price: sim.AvgPrice, Qty: order.Qty, Fee: fee, IsMaker: false}}
	default:
		var fills []Fill
		if crosses {
			sim := e.market.SimulateFillCapped(order.Exchange, order.Symbol, order.Side, order.Qty, order.Price)
			filledQty := sim.TotalQty()
			if filledQty.Sign() > 0 {
				fee := e.computeFee(filledQty, sim.AvgPrice, false)
				order.FilledQty = filledQty
				order.AvgFillPrice = sim.AvgPrice
				fills = append(fills, Fill{Order: order, Price: sim.AvgPrice, Qty: filledQty, Fee: fee, IsMaker: false})
			}
		}

		remaining := order.RemainingQty()
		if remaining.Sign() <= 0 {
			order.Status = types.StatusFilled
			order.UpdatedAt = e.now
			return order, fills
		}

		switch order.TimeInForce {
		case types.FOK:
			if order.FilledQty.Sign() > 0 {
				// Cannot satisfy fill-or-kill atomically once a partial
				// fill has already been simulated against the book; treat
				// as unfilled and cancel the whole order instead.
				order.FilledQty = decimal.Zero
				order.AvgFillPrice = decimal.Zero
				fills = nil
			}
			order.Status = types.StatusCanceled
			order.UpdatedAt = e.now
			return order, nil
		case types.IOC:
			if order.FilledQty.Sign() > 0 {
				order.Status = types.StatusPartiallyFilled
			} else {
				order.Status = types.StatusCanceled
			}
			order.UpdatedAt = e.now
			return order, fills
		default: // GTC: rest the remainder, subject to self-match protection.
			sb := e.symbolBook(order.Exchange, order.Symbol)
			if sb.selfMatches(order) {
				order.Status = types.StatusRejected
				order.RejectReason = types.RejectSelfMatchCanceled
				order.UpdatedAt = e.now
				return order, fills
			}
			if order.FilledQty.Sign() > 0 {
				order.Status = types.StatusPartiallyFilled
			}
			sb.insert(order)
			order.UpdatedAt = e.now
			return order, fills
		}
	}
}

// referenceForPreview picks the price used to size a margin preview for a
// market order: the opposing best quote, the same one SimulateFill would
// use as its reference.
func (e *Engine) referenceForPreview(exchange, symbol string, side types.Side, hasBid bool, bestBid decimal.Decimal, hasAsk bool, bestAsk decimal.Decimal) (decimal.Decimal, bool) {
	if side == types.Buy {
		return bestAsk, hasAsk
	}
	return bestBid, hasBid
}

// selfMatches reports whether resting order would cross an existing
// resting order owned by the same strategy identity on the opposite side
// (spec §4.C: opposing orders at crossing prices cancel the newer order).
func (sb *symbolBook) selfMatches(order *types.Order) bool {
	opposite := sb.sideTree(order.Side.Opposite())
	found := false
	opposite.Scan(func(lvl *restingLevel) bool {
		if order.Side == types.Buy && lvl.price.GreaterThan(order.Price) {
			return false
		}
		if order.Side == types.Sell && lvl.price.LessThan(order.Price) {
			return false
		}
		for _, o := range lvl.orders {
			if o.Owner == order.Owner {
				found = true
				return false
			}
		}
		return true
	})
	return found
}

// insert adds order to its side's FIFO bucket at its price, creating the
// level if needed.
func (sb *symbolBook) insert(order *types.Order) {
	tree := sb.sideTree(order.Side)
	lvl, ok := tree.GetMut(&restingLevel{price: order.Price})
	if !ok {
		lvl = &restingLevel{price: order.Price}
		tree.Set(lvl)
	}
	lvl.orders = append(lvl.orders, order)
	sb.byID[order.ID] = order
}

// remove deletes order from its resting level, pruning the level if it
// becomes empty.
func (sb *symbolBook) remove(order *types.Order) {
	tree := sb.sideTree(order.Side)
	lvl, ok := tree.GetMut(&restingLevel{price: order.Price})
	if !ok {
		delete(sb.byID, order.ID)
		return
	}
	for i, o := range lvl.orders {
		if o.ID == order.ID {
			lvl.orders = append(lvl.orders[:i], lvl.orders[i+1:]...)
			break
		}
	}
	if len(lvl.orders) == 0 {
		tree.Delete(lvl)
	}
	delete(sb.byID, order.ID)
}

// CancelOrder cancels a resting order. It is a no-op error if the order is
// already terminal or unknown.
func (e *Engine) CancelOrder(exchange, symbol, id string) (*types.Order, error) {
	sb := e.symbolBook(exchange, symbol)
	order, ok := sb.byID[id]
	if !ok {
		return nil, ErrUnknownOrder
	}
	if order.Status.IsTerminal() {
		return order, nil
	}
	sb.remove(order)
	order.Status = types.StatusCanceled
	order.UpdatedAt = e.now
	return order, nil
}

// ModifyOrder applies an atomic cancel+resubmit: the existing resting
// order is withdrawn and a fresh one is admitted in its place, preserving
// ClientID, but losing queue priority at its level (spec §4.C).
func (e *Engine) ModifyOrder(exchange, symbol string, req types.ModifyRequest, margin MarginPreviewer) (*types.Order, []Fill, error) {
	sb := e.symbolBook(exchange, symbol)
	existing, ok := sb.byID[req.OrderID]
	if !ok {
		return nil, nil, ErrUnknownOrder
	}
	if existing.Status.IsTerminal() {
		return existing, nil, nil
	}

	owner := existing.Owner
	newReq := types.OrderRequest{
		ClientID:    existing.ClientID,
		Exchange:    existing.Exchange,
		Symbol:      existing.Symbol,
		Side:        existing.Side,
		Type:        existing.Type,
		Price:       existing.Price,
		Qty:         existing.RemainingQty(),
		ReduceOnly:  existing.ReduceOnly,
		PostOnly:    existing.PostOnly,
		TimeInForce: existing.TimeInForce,
		Leverage:    existing.Leverage,
	}
	if req.Price != nil {
		newReq.Price = *req.Price
	}
	if req.Qty != nil {
		newReq.Qty = *req.Qty
	}

	sb.remove(existing)
	existing.Status = types.StatusCanceled
	existing.UpdatedAt = e.now

	order, fills := e.SubmitOrder(newReq, owner, margin)
	return order, fills, nil
}

// triggerSide matches resting orders on side against a fair price implied
// by incoming market data. available bounds how much quantity can cross
// in this call; each affected order accumulates at most one Fill (spec
// §4.C triggering: "at most one OrderFilled event per order per tick").
func (sb *symbolBook) triggerSide(side types.Side, fairPrice, available decimal.Decimal, now int64, feeFn func(qty, price decimal.Decimal) decimal.Decimal) []Fill {
	tree := sb.sideTree(side)
	acc := make(map[string]*Fill)
	var touched []string // preserves first-touched order for deterministic output

	var drained []*restingLevel
	tree.Scan(func(lvl *restingLevel) bool {
		if available.Sign() <= 0 {
			return false
		}
		if side == types.Buy && lvl.price.LessThan(fairPrice) {
			return false
		}
		if side == types.Sell && lvl.price.GreaterThan(fairPrice) {
			return false
		}

		remainingOrders := lvl.orders[:0:0]
		for _, o := range lvl.orders {
			take := decimal.Min(available, o.RemainingQty())
			if take.Sign() <= 0 {
				remainingOrders = append(remainingOrders, o)
				continue
			}
			available = available.Sub(take)
			o.FilledQty = o.FilledQty.Add(take)
			o.UpdatedAt = now
			if o.RemainingQty().Sign() <= 0 {
				o.Status = types.StatusFilled
				delete(sb.byID, o.ID)
			} else {
				o.Status = types.StatusPartiallyFilled
				remainingOrders = append(remainingOrders, o)
			}

			fee := feeFn(take, lvl.price)
			if f, ok := acc[o.ID]; ok {
				totalQty := f.Qty.Add(take)
				f.Price = f.Price.Mul(f.Qty).Add(lvl.price.Mul(take)).Div(totalQty)
				f.Qty = totalQty
				f.Fee = f.Fee.Add(fee)
			} else {
				acc[o.ID] = &Fill{Order: o, Price: lvl.price, Qty: take, Fee: fee, IsMaker: true}
				touched = append(touched, o.ID)
			}
		}
		lvl.orders = remainingOrders
		if len(lvl.orders) == 0 {
			drained = append(drained, lvl)
		}
		return true
	})

	for _, lvl := range drained {
		tree.Delete(lvl)
	}

	fills := make([]Fill, 0, len(touched))
	for _, id := range touched {
		fills = append(fills, *acc[id])
	}
	return fills
}

// OnTrade scans resting orders against a printed trade: qty bounds how
// much liquidity this single print can satisfy on each side.
func (e *Engine) OnTrade(exchange, symbol string, price, qty decimal.Decimal) []Fill {
	sb := e.symbolBook(exchange, symbol)
	feeFn := func(q, p decimal.Decimal) decimal.Decimal { return e.computeFee(q, p, true) }
	var fills []Fill
	fills = append(fills, sb.triggerSide(types.Buy, price, qty, e.now, feeFn)...)
	fills = append(fills, sb.triggerSide(types.Sell, price, qty, e.now, feeFn)...)
	return fills
}

// OnDepth scans resting orders against a fresh best bid/ask, treating the
// reported level size as the liquidity available to cross this tick.
func (e *Engine) OnDepth(exchange, symbol string, bestBid, bidSize, bestAsk, askSize decimal.Decimal, hasBid, hasAsk bool) []Fill {
	sb := e.symbolBook(exchange, symbol)
	feeFn := func(q, p decimal.Decimal) decimal.Decimal { return e.computeFee(q, p, true) }
	var fills []Fill
	if hasAsk {
		fills = append(fills, sb.triggerSide(types.Buy, bestAsk, askSize, e.now, feeFn)...)
	}
	if hasBid {
		fills = append(fills, sb.triggerSide(types.Sell, bestBid, bidSize, e.now, feeFn)...)
	}
	return fills
}
