package types

import "github.com/shopspring/decimal"

// Account is the single cross-margin ledger owned by the account manager.
// Derived invariants (spec §3):
//
//	equity            = balance + totalUnrealizedPnl
//	usedMargin        = sum(position.notional / position.leverage)
//	availableBalance   = max(0, balance - usedMargin)
//	marginRatio        = usedMargin / equity   (0 when equity <= 0)
type Account struct {
	Balance            decimal.Decimal
	AvailableBalance   decimal.Decimal
	UsedMargin         decimal.Decimal
	TotalUnrealizedPnl decimal.Decimal
	TotalRealizedPnl   decimal.Decimal
	TotalFees          decimal.Decimal
	TotalFunding       decimal.Decimal
	Equity             decimal.Decimal
	MarginRatio        decimal.Decimal
	DefaultLeverage    int
	MaxLeverage        int
}

// FeeConfig is the maker/taker schedule (spec §4.C).
type FeeConfig struct {
	MakerBps  decimal.Decimal
	TakerBps  decimal.Decimal
	FeeAsset  string
}

// SlippageKind selects the market-order fill model (spec §4.B).
type SlippageKind int

const (
	SlippageFixed SlippageKind = iota
	SlippageBookWalking
)

// SlippageConfig configures the order-book manager's fill simulation.
type SlippageConfig struct {
	Kind        SlippageKind
	ValueBps    decimal.Decimal // used by SlippageFixed
	MaxSlippage decimal.Decimal // penalty applied past the last consumed level
}

// Config is every recognized key from spec §6.3.
type Config struct {
	InitialBalance        decimal.Decimal
	DefaultLeverage        int
	MaxLeverage            int
	MaintenanceMarginRate  decimal.Decimal
	LiquidationFeeRate     decimal.Decimal
	EnableLiquidation      bool
	EnableFunding          bool
	Fee                    FeeConfig
	Slippage               SlippageConfig
	Symbols                []string
	Exchanges              []string
	StartTime              int64
	EndTime                int64
	EventBufferSize        int
	ProgressInterval       int
}

// Validate checks the fatal-configuration conditions from spec §7.
func (c *Config) Validate() error {
	if c.InitialBalance.Sign() <= 0 {
		return errInvalidConfig("initialBalance must be > 0")
	}
	if c.EndTime != 0 && c.StartTime != 0 && c.EndTime < c.StartTime {
		return errInvalidConfig("endTime must be >= startTime")
	}
	if c.DefaultLeverage <= 0 {
		return errInvalidConfig("defaultLeverage must be > 0")
	}
	if c.MaxLeverage < c.DefaultLeverage {
		return errInvalidConfig("maxLeverage must be >= defaultLeverage")
	}
	return nil
}

type configError string

func (e configError) Error() string { return string(e) }

func errInvalidConfig(msg string) error { return configError("invalid config: " + msg) }

// BacktestStats is the risk/return statistics surface (spec §6.4).
type BacktestStats struct {
	TotalReturn          decimal.Decimal
	AnnualizedReturn     float64
	MaxDrawdown          decimal.Decimal
	MaxDrawdownDuration  int64
	Volatility           float64
	SharpeRatio          float64
	SortinoRatio         float64
	CalmarRatio          float64
	TotalTrades          int
	WinningTrades        int
	LosingTrades         int
	WinRate              float64
	AvgWin               decimal.Decimal
	AvgLoss              decimal.Decimal
	ProfitFactor         float64
	AvgHoldingPeriodMs   int64
	MaxConsecutiveWins   int
	MaxConsecutiveLosses int
	TotalFees            decimal.Decimal
	TotalFunding         decimal.Decimal
	LiquidationCount     int
	EventsProcessed      int64
	ProcessingTimeMs     int64
	EventsPerSecond      float64
	// BarCadenceMinutes records the actual sampling cadence used to
	// annualize Sharpe/Sortino (spec §9 open question ii): downstream
	// comparisons must account for this rather than assume a fixed value.
	BarCadenceMinutes float64
}

// BacktestResult is the full output of a run (spec §6.4).
type BacktestResult struct {
	Config         Config
	Stats          BacktestStats
	EquityCurve    []EquityPoint
	Trades         []ClosedTrade
	FinalPositions map[string]Position
	FinalAccount   Account
}
