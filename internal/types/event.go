// Package types defines the data model shared by every subsystem of the
// backtesting core: events, orders, books, positions, accounts and the
// result surface. Monetary fields use decimal.Decimal (fixed-scale,
// arbitrary precision) everywhere except the event-queue key, which stays
// on primitive int64/uint64 per design.
package types

import "github.com/shopspring/decimal"

// EventKind tags the variant carried by an Event.
type EventKind int

const (
	// Inbound variants, produced by an external data loader.
	EventTrade EventKind = iota
	EventDepth
	EventFunding
	EventMarkPrice
	// Internally generated variants, produced by the matching/account
	// managers and re-injected into the queue by the driver.
	EventOrderFilled
	EventLiquidation
)

func (k EventKind) String() string {
	switch k {
	case EventTrade:
		return "trade"
	case EventDepth:
		return "depth"
	case EventFunding:
		return "funding"
	case EventMarkPrice:
		return "markPrice"
	case EventOrderFilled:
		return "orderFilled"
	case EventLiquidation:
		return "liquidation"
	default:
		return "unknown"
	}
}

// PriceLevel is a single (price, size) rung of a book side.
type PriceLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// TradeData carries a single executed trade print from the market.
type TradeData struct {
	Price     decimal.Decimal
	Qty       decimal.Decimal
	TakerSide Side
}

// DepthData carries either a full snapshot or an incremental delta. A zero
// Size level in a delta removes that price from the book.
type DepthData struct {
	Bids       []PriceLevel
	Asks       []PriceLevel
	IsSnapshot bool
}

// FundingData carries a funding-rate tick.
type FundingData struct {
	FundingRate decimal.Decimal
	MarkPrice   decimal.Decimal
}

// MarkPriceData carries a stand-alone mark-price update.
type MarkPriceData struct {
	MarkPrice decimal.Decimal
}

// OrderFilledData is emitted internally by the matching engine whenever an
// order accumulates a fill in a tick. Exchange/Symbol/Side/Leverage are
// carried alongside the fill itself so the driver can apply it to the
// account ledger without re-querying the matching engine for an order that
// may already have been removed from its resting index (spec §4.E step 4).
type OrderFilledData struct {
	OrderID   string
	Exchange  string
	Symbol    string
	Side      Side
	Leverage  int
	FillPrice decimal.Decimal
	FillQty   decimal.Decimal
	Fee       decimal.Decimal
	IsMaker   bool
}

// LiquidationData is emitted internally when the account manager forces a
// position closed.
type LiquidationData struct {
	Symbol string
	Side   Side
	Qty    decimal.Decimal
	Price  decimal.Decimal
	Loss   decimal.Decimal
}

// Event is the tagged variant replayed by the priority queue. Sequence is
// the monotonic per-source insertion counter used as the heap tie-breaker;
// the data loader numbers inbound events, and internally generated events
// pushed with Sequence left at zero are numbered by the queue on Push.
type Event struct {
	Kind      EventKind
	Timestamp int64 // unix milliseconds
	Sequence  uint64
	Exchange  string
	Symbol    string

	Trade       *TradeData
	Depth       *DepthData
	Funding     *FundingData
	MarkPrice   *MarkPriceData
	OrderFilled *OrderFilledData
	Liquidation *LiquidationData
}

// Before reports whether e sorts strictly ahead of other under the
// (timestamp, sequence) heap key.
func (e *Event) Before(other *Event) bool {
	if e.Timestamp != other.Timestamp {
		return e.Timestamp < other.Timestamp
	}
	return e.Sequence < other.Sequence
}
