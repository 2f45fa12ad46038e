// Package strategy collects the reference strategies shipped alongside the
// core engine (spec §6.2's external Strategy contract). These exist so
// cmd/backtest is runnable standalone; real consumers implement their own
// backtest.Strategy and never import this package.
package strategy

import (
	"github.com/shopspring/decimal"

	"fenrir/internal/backtest"
	"fenrir/internal/types"
)

// BuyAndHold opens a single long position on the first trade it observes
// per (exchange, symbol) and never trades again.
type BuyAndHold struct {
	Qty      decimal.Decimal
	Leverage int

	opened map[string]bool
}

// NewBuyAndHold constructs a BuyAndHold sized at qty, margined at leverage.
func NewBuyAndHold(qty decimal.Decimal, leverage int) *BuyAndHold {
	return &BuyAndHold{Qty: qty, Leverage: leverage, opened: make(map[string]bool)}
}

func (s *BuyAndHold) Initialize(ctx *backtest.Context) {}

func (s *BuyAndHold) OnTrade(e types.Event, ctx *backtest.Context) types.Action {
	key := e.Exchange + ":" + e.Symbol
	if s.opened[key] {
		return types.Action{}
	}
	s.opened[key] = true
	return types.Action{
		Orders: []types.OrderRequest{
			{
				Exchange: e.Exchange,
				Symbol:   e.Symbol,
				Side:     types.Buy,
				Type:     types.Market,
				Qty:      s.Qty,
				Leverage: s.Leverage,
			},
		},
	}
}

func (s *BuyAndHold) OnDepth(types.Event, *backtest.Context) types.Action     { return types.Action{} }
func (s *BuyAndHold) OnFunding(types.Event, *backtest.Context) types.Action   { return types.Action{} }
func (s *BuyAndHold) OnMarkPrice(types.Event, *backtest.Context) types.Action { return types.Action{} }

// Name identifies the strategy on the CLI's --strategy flag.
func (s *BuyAndHold) Name() string { return "buyAndHold" }

// ByName returns a reference strategy registered under name, or nil.
func ByName(name string, qty decimal.Decimal, leverage int) backtest.Strategy {
	switch name {
	case "buyAndHold", "":
		return NewBuyAndHold(qty, leverage)
	default:
		return nil
	}
}
