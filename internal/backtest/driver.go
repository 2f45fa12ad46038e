// Package backtest implements component E: the single-threaded,
// synchronous event loop that owns the event queue, order book, matching
// engine and account ledger, and drives registered strategies through the
// run (spec §4.E, §5).
//
// The dispatch shape — pop an event, switch on its kind, append to the
// equity curve — follows
// RyanLisse-go-crypto-bot-clean/backend/internal/backtest/event_driven_engine.go's
// processEvent/updateEquity pattern; the causality rule for
// strategy-generated fills (re-enqueue at currentTime with a fresh
// sequence rather than apply inline) is this package's own generalization
// of that shape to spec §4.E's ordering guarantee.
package backtest

import (
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"fenrir/internal/account"
	"fenrir/internal/book"
	"fenrir/internal/eventqueue"
	"fenrir/internal/matching"
	"fenrir/internal/stats"
	"fenrir/internal/types"
)

// Strategy is the mandatory capability set every registered strategy
// implements (spec §6.2). The optional callbacks (OnOrderFilled,
// OnLiquidation, Cleanup) are detected via interface assertion at dispatch
// time rather than required here, since "variants are user-supplied types"
// and not every strategy cares about fills or liquidations directly.
type Strategy interface {
	Initialize(ctx *Context)
	OnTrade(event types.Event, ctx *Context) types.Action
	OnDepth(event types.Event, ctx *Context) types.Action
	OnFunding(event types.Event, ctx *Context) types.Action
	OnMarkPrice(event types.Event, ctx *Context) types.Action
}

// OrderFilledHandler is an optional strategy capability.
type OrderFilledHandler interface {
	OnOrderFilled(event types.Event, ctx *Context) types.Action
}

// LiquidationHandler is an optional strategy capability.
type LiquidationHandler interface {
	OnLiquidation(event types.Event, ctx *Context) types.Action
}

// Cleanuper is an optional strategy capability invoked once at the end of
// the run.
type Cleanuper interface {
	Cleanup(ctx *Context)
}

// ProgressReport is delivered to the optional progress callback every
// progressInterval popped events (spec §4.E "Progress").
type ProgressReport struct {
	Processed       uint64
	Remaining       int
	Percent         float64
	EventsPerSecond float64
	CurrentEquity   decimal.Decimal
	ETA             time.Duration
}

// Driver owns components A-D and every registered strategy.
type Driver struct {
	cfg types.Config

	queue    *eventqueue.Queue
	book     *book.Manager
	matching *matching.Engine
	acct     *account.Manager

	strategies     map[string]Strategy
	strategyOrder  []string
	orderLocations map[string]orderLocation
	stopped        bool

	progressCallback func(ProgressReport)
	metrics          *Metrics
	metricsProcessed uint64

	equityCurve []types.EquityPoint
	trades      []types.ClosedTrade

	currentTime          int64
	lastEquityMinute     int64
	haveLastEquityMinute bool
	liquidationCount     int

	started time.Time
}

// NewDriver wires components A-D from a validated run configuration.
func NewDriver(cfg types.Config) (*Driver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	bookMgr := book.NewManager(cfg.Slippage)
	return &Driver{
		cfg:            cfg,
		queue:          eventqueue.New(cfg.EventBufferSize),
		book:           bookMgr,
		matching:       matching.NewEngine(bookMgr, cfg.Fee, cfg.DefaultLeverage, cfg.MaxLeverage),
		acct:           account.NewManager(cfg),
		strategies:     make(map[string]Strategy),
		orderLocations: make(map[string]orderLocation),
	}, nil
}

// orderLocation remembers which (exchange, symbol) book an order id lives
// in, since Action.CancelOrders/ModifyOrders (spec §6.2) carry only the
// order id.
type orderLocation struct {
	Exchange string
	Symbol   string
}

// AddStrategy registers a strategy under a unique owner identity, used for
// self-match protection and for attributing orders in logs.
func (d *Driver) AddStrategy(name string, s Strategy) {
	if _, exists := d.strategies[name]; !exists {
		d.strategyOrder = append(d.strategyOrder, name)
	}
	d.strategies[name] = s
}

// SetProgressCallback installs the optional progress reporter.
func (d *Driver) SetProgressCallback(fn func(ProgressReport)) { d.progressCallback = fn }

// SetMetrics attaches a Metrics set the driver updates during the run.
// Registration against a prometheus.Registry is the caller's
// responsibility.
func (d *Driver) SetMetrics(m *Metrics) { d.metrics = m }

// Stop sets the cooperative stop flag checked between events (spec §5).
func (d *Driver) Stop() { d.stopped = true }

// LoadEvents admits externally-loaded events into the queue, dropping any
// event outside the configured symbol/exchange whitelist or time window
// (spec §6.3).
func (d *Driver) LoadEvents(events []*types.Event) {
	symbolSet := toSet(d.cfg.Symbols)
	exchangeSet := toSet(d.cfg.Exchanges)
	for _, e := range events {
		if len(symbolSet) > 0 && !symbolSet[e.Symbol] {
			continue
		}
		if len(exchangeSet) > 0 && !exchangeSet[e.Exchange] {
			continue
		}
		if d.cfg.StartTime != 0 && e.Timestamp < d.cfg.StartTime {
			continue
		}
		if d.cfg.EndTime != 0 && e.Timestamp > d.cfg.EndTime {
			continue
		}
		d.queue.Push(e)
	}
}

func toSet(xs []string) map[string]bool {
	if len(xs) == 0 {
		return nil
	}
	out := make(map[string]bool, len(xs))
	for _, x := range xs {
		out[x] = true
	}
	return out
}

// Run drains the queue to completion (or until Stop is called), dispatching
// every event to components A-D and to every registered strategy in
// registration order (spec §4.E).
func (d *Driver) Run() (types.BacktestResult, error) {
	d.started = time.Now()
	ctx := &Context{driver: d}

	for _, name := range d.strategyOrder {
		d.strategies[name].Initialize(ctx)
	}
	d.recordEquityPoint(d.cfg.StartTime)

	progressInterval := d.cfg.ProgressInterval
	if progressInterval <= 0 {
		progressInterval = 1000
	}

	for !d.stopped {
		e, ok := d.queue.Pop()
		if !ok {
			break
		}
		d.currentTime = e.Timestamp
		d.matching.SetClock(d.currentTime)
		ctx.currentTime = d.currentTime

		d.dispatch(e, ctx)

		processed := d.queue.TotalPopped()
		if processed%uint64(progressInterval) == 0 {
			d.reportProgress(processed)
		}
	}

	for _, name := range d.strategyOrder {
		if c, ok := d.strategies[name].(Cleanuper); ok {
			c.Cleanup(ctx)
		}
	}

	return d.buildResult(), nil
}

func (d *Driver) dispatch(e *types.Event, ctx *Context) {
	switch e.Kind {
	case types.EventTrade:
		fills := d.matching.OnTrade(e.Exchange, e.Symbol, e.Trade.Price, e.Trade.Qty)
		d.applyFillsInline(fills)

		liqs := d.acct.OnMarkPrice(e.Exchange, e.Symbol, e.Trade.Price, d.currentTime)
		for _, liq := range liqs {
			d.liquidationCount++
			if d.metrics != nil {
				d.metrics.Liquidations.Inc()
			}
			d.dispatchLiquidation(liq, e.Exchange, ctx)
		}

		d.dispatchToStrategies(*e, ctx, func(s Strategy, ev types.Event, c *Context) types.Action {
			return s.OnTrade(ev, c)
		})

	case types.EventDepth:
		d.book.Update(e.Exchange, e.Symbol, *e.Depth)
		bestBid, hasBid := d.book.BestBid(e.Exchange, e.Symbol)
		bestAsk, hasAsk := d.book.BestAsk(e.Exchange, e.Symbol)
		bidSize := topSize(d.book.BidDepth(e.Exchange, e.Symbol))
		askSize := topSize(d.book.AskDepth(e.Exchange, e.Symbol))
		fills := d.matching.OnDepth(e.Exchange, e.Symbol, bestBid, bidSize, bestAsk, askSize, hasBid, hasAsk)
		d.applyFillsInline(fills)
		d.dispatchToStrategies(*e, ctx, func(s Strategy, ev types.Event, c *Context) types.Action {
			return s.OnDepth(ev, c)
		})

	case types.EventFunding:
		d.acct.OnFunding(e.Exchange, e.Symbol, e.Funding.FundingRate, e.Funding.MarkPrice, d.currentTime)
		d.dispatchToStrategies(*e, ctx, func(s Strategy, ev types.Event, c *Context) types.Action {
			return s.OnFunding(ev, c)
		})
		d.recordEquityPoint(d.currentTime)

	case types.EventMarkPrice:
		liqs := d.acct.OnMarkPrice(e.Exchange, e.Symbol, e.MarkPrice.MarkPrice, d.currentTime)
		for _, liq := range liqs {
			d.liquidationCount++
			if d.metrics != nil {
				d.metrics.Liquidations.Inc()
			}
			d.dispatchLiquidation(liq, e.Exchange, ctx)
		}
		d.dispatchToStrategies(*e, ctx, func(s Strategy, ev types.Event, c *Context) types.Action {
			return s.OnMarkPrice(ev, c)
		})
		d.recordEquityPointThrottled(d.currentTime)

	case types.EventOrderFilled:
		d.applyOrderFilledEvent(*e, ctx)
	}
}

func topSize(levels []types.PriceLevel) decimal.Decimal {
	if len(levels) == 0 {
		return decimal.Zero
	}
	return levels[0].Size
}

// dispatchToStrategies invokes call against every registered strategy in
// registration order and submits the combined actions (spec §4.E step 3:
// fills produced by strategy-submitted orders are re-enqueued, never
// applied inline).
func (d *Driver) dispatchToStrategies(e types.Event, ctx *Context, call func(Strategy, types.Event, *Context) types.Action) {
	for _, name := range d.strategyOrder {
		action := call(d.strategies[name], e, ctx)
		d.applyAction(e.Exchange, name, action)
	}
}

func (d *Driver) dispatchLiquidation(liq types.LiquidationData, exchange string, ctx *Context) {
	ev := types.Event{
		Kind:        types.EventLiquidation,
		Timestamp:   d.currentTime,
		Exchange:    exchange,
		Symbol:      liq.Symbol,
		Liquidation: &liq,
	}
	for _, name := range d.strategyOrder {
		s := d.strategies[name]
		h, ok := s.(LiquidationHandler)
		if !ok {
			continue
		}
		action := h.OnLiquidation(ev, ctx)
		d.applyAction(exchange, name, action)
	}
}

// applyAction submits every order/cancel/modify a strategy callback
// returned, in the order given (spec §4.E step 3). Any resulting fill is
// pushed into the queue as an OrderFilled event at currentTime rather than
// processed here (the causality rule): the queue's auto-assigned sequence
// is guaranteed greater than every sequence already consumed, so it drains
// before any later-timestamped market event but after whatever of the
// current tick's events are still pending.
func (d *Driver) applyAction(exchange, owner string, action types.Action) {
	for _, req := range action.Orders {
		if req.Exchange == "" {
			req.Exchange = exchange
		}
		order, fills := d.matching.SubmitOrder(req, owner, d.acct)
		if !order.Status.IsTerminal() {
			d.orderLocations[order.ID] = orderLocation{Exchange: order.Exchange, Symbol: order.Symbol}
		}
		d.enqueueFills(fills)
	}
	for _, id := range action.CancelOrders {
		loc, ok := d.orderLocations[id]
		if !ok {
			continue
		}
		if _, err := d.matching.CancelOrder(loc.Exchange, loc.Symbol, id); err == nil {
			delete(d.orderLocations, id)
		}
	}
	for _, mod := range action.ModifyOrders {
		loc, ok := d.orderLocations[mod.OrderID]
		if !ok {
			continue
		}
		delete(d.orderLocations, mod.OrderID)
		order, fills, err := d.matching.ModifyOrder(loc.Exchange, loc.Symbol, mod, d.acct)
		if err != nil {
			continue
		}
		if !order.Status.IsTerminal() {
			d.orderLocations[order.ID] = orderLocation{Exchange: order.Exchange, Symbol: order.Symbol}
		}
		d.enqueueFills(fills)
	}
}

func (d *Driver) enqueueFills(fills []matching.Fill) {
	for _, f := range fills {
		ev := &types.Event{
			Kind:      types.EventOrderFilled,
			Timestamp: d.currentTime,
			Exchange:  f.Order.Exchange,
			Symbol:    f.Order.Symbol,
			OrderFilled: &types.OrderFilledData{
				OrderID:   f.Order.ID,
				Exchange:  f.Order.Exchange,
				Symbol:    f.Order.Symbol,
				Side:      f.Order.Side,
				Leverage:  f.Order.Leverage,
				FillPrice: f.Price,
				FillQty:   f.Qty,
				Fee:       f.Fee,
				IsMaker:   f.IsMaker,
			},
		}
		d.queue.Push(ev)
	}
}

// applyFillsInline is used for fills produced directly by incoming market
// data hitting resting orders (OnTrade/OnDepth): these are applied
// immediately per spec §4.E step 2, not re-enqueued, since they are not
// themselves the product of a strategy callback observing this same tick.
func (d *Driver) applyFillsInline(fills []matching.Fill) {
	for _, f := range fills {
		d.applyFill(f.Order.Exchange, f.Order.Symbol, f.Order.Side, f.Price, f.Qty, f.Fee, f.IsMaker, f.Order.Leverage)
		if f.Order.Status.IsTerminal() {
			delete(d.orderLocations, f.Order.ID)
		}
	}
}

func (d *Driver) applyOrderFilledEvent(e types.Event, ctx *Context) {
	fd := e.OrderFilled
	d.applyFill(fd.Exchange, fd.Symbol, fd.Side, fd.FillPrice, fd.FillQty, fd.Fee, fd.IsMaker, fd.Leverage)
	if o, ok := d.matching.Order(fd.Exchange, fd.Symbol, fd.OrderID); !ok || o.Status.IsTerminal() {
		delete(d.orderLocations, fd.OrderID)
	}

	for _, name := range d.strategyOrder {
		s := d.strategies[name]
		h, ok := s.(OrderFilledHandler)
		if !ok {
			continue
		}
		action := h.OnOrderFilled(e, ctx)
		d.applyAction(e.Exchange, name, action)
	}
}

func (d *Driver) applyFill(exchange, symbol string, side types.Side, price, qty, fee decimal.Decimal, isMaker bool, leverage int) {
	closed := d.acct.ApplyFill(exchange, symbol, side, price, qty, fee, isMaker, leverage, d.currentTime)
	if closed != nil {
		d.trades = append(d.trades, *closed)
	}
	d.recordEquityPoint(d.currentTime)
}

// recordEquityPoint unconditionally appends a fresh sample (used after
// funding and fills, where the spec does not impose a sampling cadence).
func (d *Driver) recordEquityPoint(now int64) {
	d.equityCurve = append(d.equityCurve, d.acct.EquityPoint(now))
	if d.metrics != nil {
		f, _ := d.acct.Account().Equity.Float64()
		d.metrics.Equity.Set(f)
	}
}

// recordEquityPointThrottled samples at most once per simulated minute
// (spec §4.E: "maybe record equity point (at most once per simulated
// minute)"), used after mark-price updates which can arrive far more
// frequently than that.
func (d *Driver) recordEquityPointThrottled(now int64) {
	minute := now / 60000
	if d.haveLastEquityMinute && minute == d.lastEquityMinute {
		return
	}
	d.lastEquityMinute = minute
	d.haveLastEquityMinute = true
	d.recordEquityPoint(now)
}

func (d *Driver) reportProgress(processed uint64) {
	remaining := d.queue.Size()
	elapsed := time.Since(d.started).Seconds()
	var eventsPerSecond float64
	if elapsed > 0 {
		eventsPerSecond = float64(processed) / elapsed
	}
	total := processed + uint64(remaining)
	var percent float64
	if total > 0 {
		percent = float64(processed) / float64(total) * 100
	}
	var eta time.Duration
	if eventsPerSecond > 0 {
		eta = time.Duration(float64(remaining)/eventsPerSecond) * time.Second
	}

	report := ProgressReport{
		Processed:       processed,
		Remaining:       remaining,
		Percent:         percent,
		EventsPerSecond: eventsPerSecond,
		CurrentEquity:   d.acct.Account().Equity,
		ETA:             eta,
	}
	if d.metrics != nil {
		d.metrics.EventsProcessed.Add(float64(processed - d.metricsProcessed))
		d.metricsProcessed = processed
		d.metrics.EventsPerSecond.Set(eventsPerSecond)
	}
	if d.progressCallback != nil {
		d.progressCallback(report)
	}
	log.Debug().Uint64("processed", processed).Int("remaining", remaining).
		Float64("percent", percent).Msg("backtest progress")
}

func (d *Driver) buildResult() types.BacktestResult {
	processingTimeMs := time.Since(d.started).Milliseconds()
	cadence := cadenceMinutes(d.equityCurve)

	runStats := stats.Compute(d.equityCurve, d.trades, d.acct.Account().TotalFees, d.acct.Account().TotalFunding, cadence)
	runStats.LiquidationCount = d.liquidationCount
	runStats.EventsProcessed = int64(d.queue.TotalPopped())
	runStats.ProcessingTimeMs = processingTimeMs
	if processingTimeMs > 0 {
		runStats.EventsPerSecond = float64(runStats.EventsProcessed) / (float64(processingTimeMs) / 1000)
	}

	finalPositions := make(map[string]types.Position)
	for k, p := range d.acct.Positions() {
		finalPositions[k] = p
	}

	return types.BacktestResult{
		Config:         d.cfg,
		Stats:          runStats,
		EquityCurve:    d.equityCurve,
		Trades:         d.trades,
		FinalPositions: finalPositions,
		FinalAccount:   d.acct.Account(),
	}
}

func cadenceMinutes(curve []types.EquityPoint) float64 {
	if len(curve) < 2 {
		return 1440
	}
	totalMs := curve[len(curve)-1].Timestamp - curve[0].Timestamp
	if totalMs <= 0 {
		return 1440
	}
	return float64(totalMs) / float64(len(curve)-1) / 60000
}
