package types

import "github.com/shopspring/decimal"

// PositionSide is the directional state of a position. Flat is a first
// class value (not merely qty=0) so callers can pattern-match on it.
type PositionSide int

const (
	Flat PositionSide = iota
	Long
	Short
)

func (s PositionSide) String() string {
	switch s {
	case Long:
		return "long"
	case Short:
		return "short"
	default:
		return "flat"
	}
}

// Sign returns +1 for long, -1 for short, 0 for flat — used throughout PnL
// and funding-payment formulas (spec §4.D).
func (s PositionSide) Sign() int64 {
	switch s {
	case Long:
		return 1
	case Short:
		return -1
	default:
		return 0
	}
}

// MarginMode selects how margin is reserved for a position. Only cross is
// exercised by the account manager (spec §1 scope); isolated is modeled in
// the data so the field round-trips, per spec §3.
type MarginMode int

const (
	Cross MarginMode = iota
	Isolated
)

// Position is the account's exposure in one (exchange, symbol). Invariant
// (spec §3): Side == Flat iff Qty.IsZero() iff EntryPrice.IsZero().
type Position struct {
	Exchange        string
	Symbol          string
	Side            PositionSide
	Qty             decimal.Decimal
	EntryPrice      decimal.Decimal
	UnrealizedPnl   decimal.Decimal
	RealizedPnl     decimal.Decimal
	Leverage        int
	MarginMode      MarginMode
	IsolatedMargin  decimal.Decimal
	LiquidationPrice decimal.Decimal
	FundingPaid     decimal.Decimal
	OpenedAt        int64
	UpdatedAt       int64
}

// Notional returns EntryPrice * Qty.
func (p *Position) Notional() decimal.Decimal {
	return p.EntryPrice.Mul(p.Qty)
}

// IsFlat reports whether the position holds no exposure.
func (p *Position) IsFlat() bool {
	return p.Side == Flat
}

// ClosedTrade is a completed round trip recorded at the moment a fill
// fully or partially closes a resting lot (spec §3).
type ClosedTrade struct {
	ID              string
	Symbol          string
	Side            Side
	EntryPrice      decimal.Decimal
	ExitPrice       decimal.Decimal
	Qty             decimal.Decimal
	EntryTime       int64
	ExitTime        int64
	GrossPnl        decimal.Decimal
	Fees            decimal.Decimal
	NetPnl          decimal.Decimal
	IsMaker         bool
	HoldingPeriodMs int64
}

// EquityPoint is one append-only sample of the equity curve (spec §3).
type EquityPoint struct {
	Timestamp        int64
	Equity           decimal.Decimal
	Balance          decimal.Decimal
	UnrealizedPnl    decimal.Decimal
	UsedMargin       decimal.Decimal
	Drawdown         decimal.Decimal
	CumulativeReturn decimal.Decimal
}
