// Package book implements component B: per-(exchange,symbol) reconstructed
// order books and slippage-aware market-fill simulation (spec §4.B).
//
// Level storage follows the teacher's approach in
// internal/engine/orderbook.go: sorted btree.BTreeG sides rather than a
// hand-rolled balanced tree, keyed purely on price.
package book

import (
	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"

	"fenrir/internal/types"
)

// level is one price rung of a book side.
type level struct {
	price decimal.Decimal
	size  decimal.Decimal
}

type levels = btree.BTreeG[*level]

// Book is the reconstructed order book for one (exchange, symbol). Bids
// are sorted descending (best bid first), asks ascending (best ask
// first). Invariant: after Update, bids[0].price < asks[0].price unless a
// crossed snapshot was accepted as authoritative (spec §3).
type Book struct {
	bids *levels
	asks *levels
}

func newSide(desc bool) *levels {
	if desc {
		return btree.NewBTreeG(func(a, b *level) bool { return a.price.GreaterThan(b.price) })
	}
	return btree.NewBTreeG(func(a, b *level) bool { return a.price.LessThan(b.price) })
}

func newBook() *Book {
	return &Book{bids: newSide(true), asks: newSide(false)}
}

// FillLevel is one price level consumed while simulating a market fill.
type FillLevel struct {
	Price decimal.Decimal
	Qty   decimal.Decimal
}

// FillSimulation is the result of walking the book for a market order.
type FillSimulation struct {
	AvgPrice decimal.Decimal
	Levels   []FillLevel
	// Slippage is the total extra cost paid versus filling entirely at the
	// pre-walk best price.
	Slippage decimal.Decimal
}

// TotalQty sums the quantity actually consumed across all levels, which
// for SimulateFillCapped can be less than the quantity requested.
func (f FillSimulation) TotalQty() decimal.Decimal {
	total := decimal.Zero
	for _, l := range f.Levels {
		total = total.Add(l.Qty)
	}
	return total
}

// Manager owns one Book per (exchange, symbol) and the slippage model
// applied to market fills.
type Manager struct {
	books    map[string]*Book
	slippage types.SlippageConfig
}

// NewManager creates an order-book manager using the given slippage
// configuration (spec §6.3 slippageConfig).
func NewManager(slippage types.SlippageConfig) *Manager {
	return &Manager{books: make(map[string]*Book), slippage: slippage}
}

func key(exchange, symbol string) string { return exchange + ":" + symbol }

func (m *Manager) bookFor(exchange, symbol string) *Book {
	k := key(exchange, symbol)
	b, ok := m.books[k]
	if !ok {
		b = newBook()
		m.books[k] = b
	}
	return b
}

// Update applies a Depth event to the book for (exchange, symbol). A
// snapshot replaces both sides outright (even if crossed — spec §3: a
// crossed snapshot is accepted as authoritative so resting maker orders on
// the wrong side become immediately matchable). A delta applies each level
// as an upsert/remove: zero size removes the level, nonzero size replaces
// it.
func (m *Manager) Update(exchange, symbol string, d types.DepthData) {
	b := m.bookFor(exchange, symbol)
	if d.IsSnapshot {
		b.bids = newSide(true)
		b.asks = newSide(false)
	}
	applySide(b.bids, d.Bids)
	applySide(b.asks, d.Asks)
}

func applySide(side *levels, ls []types.PriceLevel) {
	for _, pl := range ls {
		if pl.Size.Sign() <= 0 {
			side.Delete(&level{price: pl.Price})
			continue
		}
		side.Set(&level{price: pl.Price, size: pl.Size})
	}
}

// BestBid returns the highest resting bid price, or false if the bid side
// is empty.
func (m *Manager) BestBid(exchange, symbol string) (decimal.Decimal, bool) {
	b := m.bookFor(exchange, symbol)
	lvl, ok := b.bids.Min()
	if !ok {
		return decimal.Zero, false
	}
	return lvl.price, true
}

// BestAsk returns the lowest resting ask price, or false if the ask side
// is empty.
func (m *Manager) BestAsk(exchange, symbol string) (decimal.Decimal, bool) {
	b := m.bookFor(exchange, symbol)
	lvl, ok := b.asks.Min()
	if !ok {
		return decimal.Zero, false
	}
	return lvl.price, true
}

// MidPrice returns (bestBid+bestAsk)/2, or false if either side is empty.
func (m *Manager) MidPrice(exchange, symbol string) (decimal.Decimal, bool) {
	bid, ok := m.BestBid(exchange, symbol)
	if !ok {
		return decimal.Zero, false
	}
	ask, ok := m.BestAsk(exchange, symbol)
	if !ok {
		return decimal.Zero, false
	}
	return bid.Add(ask).Div(decimal.NewFromInt(2)), true
}

// SimulateFill computes the fill price for a market order of size qty on
// the given side, using the manager's configured slippage model.
func (m *Manager) SimulateFill(exchange, symbol string, side types.Side, qty decimal.Decimal) FillSimulation {
	switch m.slippage.Kind {
	case types.SlippageFixed:
		return m.simulateFixed(exchange, symbol, side, qty)
	default:
		return m.simulateBookWalking(exchange, symbol, side, qty)
	}
}

func (m *Manager) referencePrice(exchange, symbol string, side types.Side) (decimal.Decimal, bool) {
	if side == types.Buy {
		return m.BestAsk(exchange, symbol)
	}
	return m.BestBid(exchange, symbol)
}

func (m *Manager) simulateFixed(exchange, symbol string, side types.Side, qty decimal.Decimal) FillSimulation {
	ref, ok := m.referencePrice(exchange, symbol, side)
	if !ok {
		ref, ok = m.MidPrice(exchange, symbol)
		if !ok {
			ref = decimal.Zero
		}
	}
	bps := m.slippage.ValueBps.Div(decimal.NewFromInt(10000))
	adj := ref.Mul(bps)
	price := ref.Add(adj)
	if side == types.Sell {
		price = ref.Sub(adj)
	}
	return FillSimulation{
		AvgPrice: price,
		Levels:   []FillLevel{{Price: price, Qty: qty}},
		Slippage: adj.Mul(qty).Abs(),
	}
}

// simulateBookWalking consumes resting levels on the opposing side until
// qty is filled. If the book runs dry, the remainder fills at the last
// consumed level's price plus the configured maxSlippage penalty (spec
// §4.B) — if the book was empty from the start, the remainder fills at
// best-bid (buy) / best-ask wouldn't exist either, so we fall back to
// zero and let the penalty alone define the price, matching the boundary
// case in spec §8 ("market buy against an empty ask book -> fills at
// best-bid + maxSlippage").
func (m *Manager) simulateBookWalking(exchange, symbol string, side types.Side, qty decimal.Decimal) FillSimulation {
	b := m.bookFor(exchange, symbol)
	var walkSide *levels
	var fallback decimal.Decimal
	if side == types.Buy {
		walkSide = b.asks
		if bid, ok := m.BestBid(exchange, symbol); ok {
			fallback = bid
		}
	} else {
		walkSide = b.bids
		if ask, ok := m.BestAsk(exchange, symbol); ok {
			fallback = ask
		}
	}

	remaining := qty
	var consumed []FillLevel
	var lastPrice decimal.Decimal
	haveLast := false

	walkSide.Scan(func(lvl *level) bool {
		if remaining.Sign() <= 0 {
			return false
		}
		take := decimal.Min(remaining, lvl.size)
		consumed = append(consumed, FillLevel{Price: lvl.price, Qty: take})
		remaining = remaining.Sub(take)
		lastPrice = lvl.price
		haveLast = true
		return true
	})

	if remaining.Sign() > 0 {
		base := lastPrice
		if !haveLast {
			base = fallback
		}
		penaltyPrice := base.Add(m.slippage.MaxSlippage)
		if side == types.Sell {
			penaltyPrice = base.Sub(m.slippage.MaxSlippage)
		}
		consumed = append(consumed, FillLevel{Price: penaltyPrice, Qty: remaining})
	}

	return weightedFill(consumed)
}

// SimulateFillCapped walks the opposing side like SimulateFill, but stops
// at the first level priced worse than limitPrice and never applies the
// maxSlippage run-dry penalty: whatever it cannot fill within the limit
// simply does not fill, leaving the remainder for the matching engine to
// rest as a maker order (spec §4.C admission step 6).
func (m *Manager) SimulateFillCapped(exchange, symbol string, side types.Side, qty, limitPrice decimal.Decimal) FillSimulation {
	b := m.bookFor(exchange, symbol)
	walkSide := b.asks
	if side == types.Sell {
		walkSide = b.bids
	}

	remaining := qty
	var consumed []FillLevel
	walkSide.Scan(func(lvl *level) bool {
		if remaining.Sign() <= 0 {
			return false
		}
		if side == types.Buy && lvl.price.GreaterThan(limitPrice) {
			return false
		}
		if side == types.Sell && lvl.price.LessThan(limitPrice) {
			return false
		}
		take := decimal.Min(remaining, lvl.size)
		consumed = append(consumed, FillLevel{Price: lvl.price, Qty: take})
		remaining = remaining.Sub(take)
		return true
	})

	return weightedFill(consumed)
}

func weightedFill(levels []FillLevel) FillSimulation {
	totalQty := decimal.Zero
	totalCost := decimal.Zero
	for _, l := range levels {
		totalQty = totalQty.Add(l.Qty)
		totalCost = totalCost.Add(l.Price.Mul(l.Qty))
	}
	avg := decimal.Zero
	if totalQty.Sign() > 0 {
		avg = totalCost.Div(totalQty)
	}
	slippage := decimal.Zero
	if len(levels) > 0 {
		best := levels[0].Price
		slippage = totalCost.Sub(best.Mul(totalQty)).Abs()
	}
	return FillSimulation{AvgPrice: avg, Levels: levels, Slippage: slippage}
}

// BidDepth returns a snapshot of the bid side, best first, for diagnostics
// and tests.
func (m *Manager) BidDepth(exchange, symbol string) []types.PriceLevel {
	return sideDepth(m.bookFor(exchange, symbol).bids)
}

// AskDepth returns a snapshot of the ask side, best first.
func (m *Manager) AskDepth(exchange, symbol string) []types.PriceLevel {
	return sideDepth(m.bookFor(exchange, symbol).asks)
}

func sideDepth(side *levels) []types.PriceLevel {
	var out []types.PriceLevel
	side.Scan(func(lvl *level) bool {
		out = append(out, types.PriceLevel{Price: lvl.price, Size: lvl.size})
		return true
	})
	return out
}
