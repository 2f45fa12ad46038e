package types

import "github.com/shopspring/decimal"

// Side is a buy or sell direction, shared by orders, positions and trades.
type Side int

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	if s == Sell {
		return "sell"
	}
	return "buy"
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderType distinguishes the admission and matching rules an order is
// subject to. PostOnly and ReduceOnly are modeled as flags on Order rather
// than as OrderType values, since they compose with both Limit and Market.
type OrderType int

const (
	Market OrderType = iota
	Limit
	Stop
	TakeProfit
)

func (t OrderType) String() string {
	switch t {
	case Market:
		return "market"
	case Limit:
		return "limit"
	case Stop:
		return "stop"
	case TakeProfit:
		return "takeProfit"
	default:
		return "unknown"
	}
}

// OrderStatus is the lifecycle state machine from spec §4.C:
//
//	new -> open -> partiallyFilled -> filled
//	              \-> canceled
//	          \-> rejected
//
// filled/canceled/rejected are terminal; no terminal state transitions out.
type OrderStatus int

const (
	StatusNew OrderStatus = iota
	StatusOpen
	StatusPartiallyFilled
	StatusFilled
	StatusCanceled
	StatusRejected
)

func (s OrderStatus) String() string {
	switch s {
	case StatusNew:
		return "new"
	case StatusOpen:
		return "open"
	case StatusPartiallyFilled:
		return "partiallyFilled"
	case StatusFilled:
		return "filled"
	case StatusCanceled:
		return "canceled"
	case StatusRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether the order can no longer transition.
func (s OrderStatus) IsTerminal() bool {
	return s == StatusFilled || s == StatusCanceled || s == StatusRejected
}

// TimeInForce controls how a limit order behaves against the resting book
// at submission time.
type TimeInForce int

const (
	GTC TimeInForce = iota
	IOC
	FOK
)

// RejectReason enumerates the recoverable order rejections from spec §7.
// A rejected order is surfaced via Order.Status=rejected plus this reason;
// it is never a Go error escaping the matching engine's hot path.
type RejectReason string

const (
	RejectNone                 RejectReason = ""
	RejectInsufficientMargin   RejectReason = "insufficientMargin"
	RejectPostOnlyWouldCross   RejectReason = "postOnlyWouldCross"
	RejectReduceOnlyViolates   RejectReason = "reduceOnlyViolates"
	RejectLeverageExceeds      RejectReason = "leverageExceeds"
	RejectInvalidSymbol        RejectReason = "invalidSymbol"
	RejectInvalidQty           RejectReason = "invalidQty"
	RejectInvalidPrice         RejectReason = "invalidPrice"
	RejectSelfMatchCanceled    RejectReason = "selfMatchCanceled"
)

// Order is mutated only by the matching engine after creation by a
// strategy. Strategies must not retain pointers across callbacks; they
// should re-read orders from the Context each invocation (spec §5).
type Order struct {
	ID           string
	ClientID     string
	Exchange     string
	Symbol       string
	Owner        string // strategy identity, used for self-match protection
	Side         Side
	Type         OrderType
	Price        decimal.Decimal // zero for market orders
	Qty          decimal.Decimal // requested quantity; clamped to the opposite position for reduceOnly
	FilledQty    decimal.Decimal
	AvgFillPrice decimal.Decimal
	Status       OrderStatus
	RejectReason RejectReason
	ReduceOnly   bool
	PostOnly     bool
	TimeInForce  TimeInForce
	Leverage     int
	CreatedAt    int64
	UpdatedAt    int64
}

// RemainingQty is the quantity still eligible to match.
func (o *Order) RemainingQty() decimal.Decimal {
	return o.Qty.Sub(o.FilledQty)
}

// OrderRequest is what a strategy submits; the matching engine turns it
// into an Order with a generated ID.
type OrderRequest struct {
	ClientID    string
	Exchange    string
	Symbol      string
	Side        Side
	Type        OrderType
	Price       decimal.Decimal
	Qty         decimal.Decimal
	ReduceOnly  bool
	PostOnly    bool
	TimeInForce TimeInForce
	Leverage    int
}

// ModifyRequest describes an atomic cancel+resubmit (spec §4.C).
type ModifyRequest struct {
	OrderID string
	Price   *decimal.Decimal
	Qty     *decimal.Decimal
}

// Action is what a strategy callback returns: zero or more new orders,
// cancels and modifications to apply, in the order given.
type Action struct {
	Orders        []OrderRequest
	CancelOrders  []string
	ModifyOrders  []ModifyRequest
}
