// Package account implements component D: the single cross-margin ledger,
// position bookkeeping, mark-to-market, funding and forced liquidation
// (spec §4.D). It implements matching.MarginPreviewer so the matching
// engine can preview margin without importing this package (spec §9).
package account

import (
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"fenrir/internal/types"
)

func key(exchange, symbol string) string { return exchange + ":" + symbol }

func sideToPositionSide(side types.Side) types.PositionSide {
	if side == types.Buy {
		return types.Long
	}
	return types.Short
}

// Manager owns the account ledger and every open position, keyed by
// (exchange, symbol).
type Manager struct {
	account     types.Account
	positions   map[string]*types.Position
	markPrices  map[string]decimal.Decimal

	maintenanceMarginRate decimal.Decimal
	liquidationFeeRate    decimal.Decimal
	enableLiquidation     bool
	enableFunding         bool
}

// NewManager seeds the ledger from the run configuration (spec §6.3).
func NewManager(cfg types.Config) *Manager {
	return &Manager{
		account: types.Account{
			Balance:          cfg.InitialBalance,
			AvailableBalance: cfg.InitialBalance,
			Equity:           cfg.InitialBalance,
			DefaultLeverage:  cfg.DefaultLeverage,
			MaxLeverage:      cfg.MaxLeverage,
		},
		positions:             make(map[string]*types.Position),
		markPrices:            make(map[string]decimal.Decimal),
		maintenanceMarginRate: cfg.MaintenanceMarginRate,
		liquidationFeeRate:    cfg.LiquidationFeeRate,
		enableLiquidation:     cfg.EnableLiquidation,
		enableFunding:         cfg.EnableFunding,
	}
}

func (m *Manager) positionFor(exchange, symbol string) *types.Position {
	k := key(exchange, symbol)
	p, ok := m.positions[k]
	if !ok {
		p = &types.Position{Exchange: exchange, Symbol: symbol, Side: types.Flat}
		m.positions[k] = p
	}
	return p
}

// Account returns a snapshot of the current ledger.
func (m *Manager) Account() types.Account { return m.account }

// Position returns the current position for (exchange, symbol), if any
// exposure is held.
func (m *Manager) Position(exchange, symbol string) (types.Position, bool) {
	p, ok := m.positions[key(exchange, symbol)]
	if !ok || p.IsFlat() {
		return types.Position{}, false
	}
	return *p, true
}

// Positions returns every non-flat position, for result assembly.
func (m *Manager) Positions() map[string]types.Position {
	out := make(map[string]types.Position)
	for k, p := range m.positions {
		if !p.IsFlat() {
			out[k] = *p
		}
	}
	return out
}

// OpenOppositeQty implements matching.MarginPreviewer: the quantity of the
// existing position opposite to side, used for the reduceOnly admission
// check (spec §4.C step 2).
func (m *Manager) OpenOppositeQty(exchange, symbol string, side types.Side) decimal.Decimal {
	p, ok := m.Position(exchange, symbol)
	if !ok {
		return decimal.Zero
	}
	if p.Side == sideToPositionSide(side) {
		return decimal.Zero
	}
	return p.Qty
}

// PreviewMargin implements matching.MarginPreviewer: reports whether
// submitting an order of this size at this price would fit within
// available balance, accounting for the position it would open or add to
// (spec §4.C step 4). Required margin is this order's notional divided by
// leverage; when the order reduces an opposite position, only the flip
// remainder beyond that position's size counts. The result is compared
// against the current available balance.
func (m *Manager) PreviewMargin(exchange, symbol string, side types.Side, price, qty decimal.Decimal, leverage int) bool {
	if leverage <= 0 {
		leverage = m.account.DefaultLeverage
	}
	notional := price.Mul(qty)
	requiredMargin := notional.Div(decimal.NewFromInt(int64(leverage)))

	p, ok := m.Position(exchange, symbol)
	if ok && p.Side != types.Flat && p.Side != sideToPositionSide(side) {
		// Reducing or flipping: only the flip remainder needs fresh
		// margin, the rest frees margin that was already reserved.
		closing := decimal.Min(p.Qty, qty)
		remainder := qty.Sub(closing)
		requiredMargin = price.Mul(remainder).Div(decimal.NewFromInt(int64(leverage)))
	}

	return requiredMargin.LessThanOrEqual(m.account.AvailableBalance)
}

// ApplyFill updates the ledger and position for one executed fill and
// returns the ClosedTrade it realized, if any (spec §4.D).
func (m *Manager) ApplyFill(exchange, symbol string, side types.Side, price, qty, fee decimal.Decimal, isMaker bool, leverage int, now int64) *types.ClosedTrade {
	pos := m.positionFor(exchange, symbol)

	m.account.TotalFees = m.account.TotalFees.Add(fee)
	m.account.Balance = m.account.Balance.Sub(fee)

	fillDir := sideToPositionSide(side)
	var closed *types.ClosedTrade

	switch {
	case pos.IsFlat():
		pos.Side = fillDir
		pos.Qty = qty
		pos.EntryPrice = price
		pos.Leverage = leverage
		pos.OpenedAt = now

	case pos.Side == fillDir:
		totalQty := pos.Qty.Add(qty)
		pos.EntryPrice = pos.EntryPrice.Mul(pos.Qty).Add(price.Mul(qty)).Div(totalQty)
		pos.Qty = totalQty

	default:
		entryTime := pos.OpenedAt
		closingQty := decimal.Min(pos.Qty, qty)

		pnlPerUnit := price.Sub(pos.EntryPrice)
		if pos.Side == types.Short {
			pnlPerUnit = pos.EntryPrice.Sub(price)
		}
		grossPnl := pnlPerUnit.Mul(closingQty)

		pos.RealizedPnl = pos.RealizedPnl.Add(grossPnl)
		m.account.TotalRealizedPnl = m.account.TotalRealizedPnl.Add(grossPnl)
		m.account.Balance = m.account.Balance.Add(grossPnl)

		closed = &types.ClosedTrade{
			ID:              uuid.New().String(),
			Symbol:          symbol,
			Side:            side,
			EntryPrice:      pos.EntryPrice,
			ExitPrice:       price,
			Qty:             closingQty,
			EntryTime:       entryTime,
			ExitTime:        now,
			GrossPnl:        grossPnl,
			Fees:            fee,
			NetPnl:          grossPnl.Sub(fee),
			IsMaker:         isMaker,
			HoldingPeriodMs: now - entryTime,
		}

		remainder := qty.Sub(closingQty)
		pos.Qty = pos.Qty.Sub(closingQty)
		if pos.Qty.Sign() <= 0 {
			if remainder.Sign() > 0 {
				pos.Side = fillDir
				pos.Qty = remainder
				pos.EntryPrice = price
				pos.OpenedAt = now
			} else {
				pos.Side = types.Flat
				pos.Qty = decimal.Zero
				pos.EntryPrice = decimal.Zero
			}
		}
	}

	pos.Leverage = leverage
	pos.UpdatedAt = now
	m.recompute(now)
	return closed
}

// OnMarkPrice updates unrealized PnL and the per-position liquidation
// price for (exchange, symbol), recomputes account-wide aggregates, and
// force-liquidates any position whose mark price has reached its own
// liquidation price (spec §4.D).
func (m *Manager) OnMarkPrice(exchange, symbol string, mark decimal.Decimal, now int64) []types.LiquidationData {
	m.markPrices[key(exchange, symbol)] = mark

	p, ok := m.positions[key(exchange, symbol)]
	if ok && !p.IsFlat() {
		sign := decimal.NewFromInt(p.Side.Sign())
		p.UnrealizedPnl = mark.Sub(p.EntryPrice).Mul(p.Qty).Mul(sign)
		p.LiquidationPrice = m.liquidationPrice(p)
	}

	m.recompute(now)

	if !m.enableLiquidation {
		return nil
	}
	return m.checkLiquidations(now)
}

// liquidationPrice applies the standard isolated-style approximation used
// for cross margin here: the price at which unrealized loss consumes the
// position's allotted margin down to the maintenance requirement.
func (m *Manager) liquidationPrice(p *types.Position) decimal.Decimal {
	if p.IsFlat() || p.Leverage <= 0 {
		return decimal.Zero
	}
	inv := decimal.NewFromInt(1).Div(decimal.NewFromInt(int64(p.Leverage)))
	cushion := inv.Sub(m.maintenanceMarginRate)
	if p.Side == types.Long {
		return p.EntryPrice.Mul(decimal.NewFromInt(1).Sub(cushion))
	}
	return p.EntryPrice.Mul(decimal.NewFromInt(1).Add(cushion))
}

// checkLiquidations force-closes every position whose mark price has
// crossed its own liquidation price (mark <= liqPrice for longs, mark >=
// liqPrice for shorts; crossing exactly on the tick liquidates), directly
// at the position's liquidation price with no book walk (spec §4.D). The
// full initial margin plus the liquidation fee is wiped from balance,
// consuming the maintenance-margin buffer still nominally on hand.
func (m *Manager) checkLiquidations(now int64) []types.LiquidationData {
	var events []types.LiquidationData
	for k, p := range m.positions {
		if p.IsFlat() || p.LiquidationPrice.IsZero() {
			continue
		}
		mark, ok := m.markPrices[k]
		if !ok {
			continue
		}
		liqPrice := p.LiquidationPrice
		triggered := (p.Side == types.Long && mark.LessThanOrEqual(liqPrice)) ||
			(p.Side == types.Short && mark.GreaterThanOrEqual(liqPrice))
		if !triggered {
			continue
		}

		initialMargin := p.Notional().Abs().Div(decimal.NewFromInt(int64(p.Leverage)))
		fee := p.Notional().Abs().Mul(m.liquidationFeeRate)
		loss := initialMargin.Add(fee)

		log.Warn().Str("symbol", p.Symbol).Str("side", p.Side.String()).
			Str("qty", p.Qty.String()).Str("liqPrice", liqPrice.String()).
			Msg("forced liquidation")

		events = append(events, types.LiquidationData{
			Symbol: p.Symbol,
			Side:   oppositeSideOf(p.Side),
			Qty:    p.Qty,
			Price:  liqPrice,
			Loss:   loss,
		})

		m.account.Balance = m.account.Balance.Sub(loss)
		m.account.TotalFees = m.account.TotalFees.Add(fee)

		p.Side = types.Flat
		p.Qty = decimal.Zero
		p.EntryPrice = decimal.Zero
		p.UnrealizedPnl = decimal.Zero
		p.LiquidationPrice = decimal.Zero
		p.UpdatedAt = now
	}
	m.recompute(now)
	return events
}

func oppositeSideOf(s types.PositionSide) types.Side {
	if s == types.Long {
		return types.Sell
	}
	return types.Buy
}

// OnFunding applies a funding payment to every open position on the
// symbol: longs pay shorts when the rate is positive (spec §4.D).
func (m *Manager) OnFunding(exchange, symbol string, fundingRate, markPrice decimal.Decimal, now int64) {
	if !m.enableFunding {
		return
	}
	p, ok := m.positions[key(exchange, symbol)]
	if !ok || p.IsFlat() {
		return
	}
	sign := decimal.NewFromInt(p.Side.Sign())
	payment := markPrice.Mul(p.Qty).Mul(fundingRate).Mul(sign).Neg()

	p.FundingPaid = p.FundingPaid.Add(payment)
	m.account.Balance = m.account.Balance.Add(payment)
	m.account.TotalFunding = m.account.TotalFunding.Add(payment)
	p.UpdatedAt = now
	m.recompute(now)
}

func (m *Manager) recompute(now int64) {
	totalUnrealized := decimal.Zero
	usedMargin := decimal.Zero
	for _, p := range m.positions {
		if p.IsFlat() {
			continue
		}
		totalUnrealized = totalUnrealized.Add(p.UnrealizedPnl)
		if p.Leverage > 0 {
			usedMargin = usedMargin.Add(p.Notional().Abs().Div(decimal.NewFromInt(int64(p.Leverage))))
		}
	}
	m.account.TotalUnrealizedPnl = totalUnrealized
	m.account.UsedMargin = usedMargin
	m.account.Equity = m.account.Balance.Add(totalUnrealized)
	m.account.AvailableBalance = decimal.Max(decimal.Zero, m.account.Balance.Sub(usedMargin))
	if m.account.Equity.Sign() > 0 {
		m.account.MarginRatio = usedMargin.Div(m.account.Equity)
	} else {
		m.account.MarginRatio = decimal.Zero
	}
}

// EquityPoint samples the current ledger for the equity curve (spec §3).
func (m *Manager) EquityPoint(now int64) types.EquityPoint {
	return types.EquityPoint{
		Timestamp:     now,
		Equity:        m.account.Equity,
		Balance:       m.account.Balance,
		UnrealizedPnl: m.account.TotalUnrealizedPnl,
		UsedMargin:    m.account.UsedMargin,
	}
}
