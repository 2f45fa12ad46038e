package backtest

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"fenrir/internal/types"
)

// Context is the read-only view a strategy callback receives (spec §6.2).
// It hands back snapshots rather than live references: strategies must not
// retain an Order or Position across callbacks, they re-read from the
// context each time they are invoked.
type Context struct {
	driver      *Driver
	currentTime int64
}

// CurrentTime returns the simulated timestamp of the event currently being
// dispatched, in unix milliseconds.
func (c *Context) CurrentTime() int64 { return c.currentTime }

// Account returns a snapshot of the cross-margin ledger.
func (c *Context) Account() types.Account { return c.driver.acct.Account() }

// Positions returns every currently open position, keyed by
// "exchange:symbol".
func (c *Context) Positions() map[string]types.Position { return c.driver.acct.Positions() }

// ActiveOrders returns a snapshot of every non-terminal order resting for
// (exchange, symbol).
func (c *Context) ActiveOrders(exchange, symbol string) []types.Order {
	open := c.driver.matching.OpenOrders(exchange, symbol)
	out := make([]types.Order, 0, len(open))
	for _, o := range open {
		out = append(out, *o)
	}
	return out
}

// BestBid returns the highest resting bid price for (exchange, symbol).
func (c *Context) BestBid(exchange, symbol string) (decimal.Decimal, bool) {
	return c.driver.book.BestBid(exchange, symbol)
}

// BestAsk returns the lowest resting ask price for (exchange, symbol).
func (c *Context) BestAsk(exchange, symbol string) (decimal.Decimal, bool) {
	return c.driver.book.BestAsk(exchange, symbol)
}

// MidPrice returns (bestBid+bestAsk)/2 for (exchange, symbol).
func (c *Context) MidPrice(exchange, symbol string) (decimal.Decimal, bool) {
	return c.driver.book.MidPrice(exchange, symbol)
}

// Log emits a structured log line tagged with the simulated currentTime, in
// the teacher's zerolog idiom (package-level log.XXX().Str(...).Msg(...)).
// level is one of "debug", "info", "warn", "error"; unrecognized levels log
// at info.
func (c *Context) Log(level, msg string, kvs map[string]string) {
	var ev *zerolog.Event
	switch level {
	case "debug":
		ev = log.Debug()
	case "warn":
		ev = log.Warn()
	case "error":
		ev = log.Error()
	default:
		ev = log.Info()
	}
	ev = ev.Int64("currentTime", c.currentTime)
	for k, v := range kvs {
		ev = ev.Str(k, v)
	}
	ev.Msg(msg)
}
