// Package config loads the backtest run configuration from a YAML file
// (default: configs/config.yaml) with FENRIR_* environment variable
// overrides, following the teacher's viper-based loader shape.
package config

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"fenrir/internal/types"
)

// raw mirrors the YAML file structure. Decimal fields are parsed as
// strings (mapstructure has no native decimal.Decimal hook) and converted
// in toConfig, the same way the teacher keeps duration/numeric fields
// separate from the domain types they feed.
type raw struct {
	InitialBalance        string   `mapstructure:"initial_balance"`
	DefaultLeverage       int      `mapstructure:"default_leverage"`
	MaxLeverage           int      `mapstructure:"max_leverage"`
	MaintenanceMarginRate string   `mapstructure:"maintenance_margin_rate"`
	LiquidationFeeRate    string   `mapstructure:"liquidation_fee_rate"`
	EnableLiquidation     bool     `mapstructure:"enable_liquidation"`
	EnableFunding         bool     `mapstructure:"enable_funding"`
	Symbols               []string `mapstructure:"symbols"`
	Exchanges             []string `mapstructure:"exchanges"`
	StartTime             int64    `mapstructure:"start_time"`
	EndTime               int64    `mapstructure:"end_time"`
	EventBufferSize       int      `mapstructure:"event_buffer_size"`
	ProgressInterval      int      `mapstructure:"progress_interval"`

	Fee struct {
		MakerBps string `mapstructure:"maker_bps"`
		TakerBps string `mapstructure:"taker_bps"`
		Asset    string `mapstructure:"asset"`
	} `mapstructure:"fee"`

	Slippage struct {
		Kind        string `mapstructure:"kind"`
		ValueBps    string `mapstructure:"value_bps"`
		MaxSlippage string `mapstructure:"max_slippage"`
	} `mapstructure:"slippage"`

	Logging struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"logging"`

	Data struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"data"`
}

// Load reads the YAML file at path, applies FENRIR_* environment
// overrides, and converts it into a types.Config.
func Load(path string) (*types.Config, error) {
	r, err := loadRaw(path)
	if err != nil {
		return nil, err
	}
	return r.toConfig()
}

// RunMeta holds the ambient settings that configure the process hosting a
// run (logging, input data path) rather than the simulation itself; these
// live alongside the domain config in the same YAML file but never flow
// into types.Config.
type RunMeta struct {
	LogLevel  string
	LogFormat string
	DataPath  string
}

// LoadMeta reads the same YAML file as Load and returns the ambient
// settings a CLI host needs before it can construct a Driver.
func LoadMeta(path string) (RunMeta, error) {
	r, err := loadRaw(path)
	if err != nil {
		return RunMeta{}, err
	}
	return RunMeta{
		LogLevel:  r.Logging.Level,
		LogFormat: r.Logging.Format,
		DataPath:  r.Data.Path,
	}, nil
}

func loadRaw(path string) (raw, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("FENRIR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return raw{}, fmt.Errorf("read config: %w", err)
	}

	var r raw
	if err := v.Unmarshal(&r); err != nil {
		return raw{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return r, nil
}

func (r raw) toConfig() (*types.Config, error) {
	initialBalance, err := parseDecimal(r.InitialBalance, "initial_balance")
	if err != nil {
		return nil, err
	}
	maintenanceRate, err := parseDecimal(r.MaintenanceMarginRate, "maintenance_margin_rate")
	if err != nil {
		return nil, err
	}
	liqFeeRate, err := parseDecimal(r.LiquidationFeeRate, "liquidation_fee_rate")
	if err != nil {
		return nil, err
	}
	makerBps, err := parseDecimal(r.Fee.MakerBps, "fee.maker_bps")
	if err != nil {
		return nil, err
	}
	takerBps, err := parseDecimal(r.Fee.TakerBps, "fee.taker_bps")
	if err != nil {
		return nil, err
	}
	valueBps, err := parseDecimalOrZero(r.Slippage.ValueBps)
	if err != nil {
		return nil, err
	}
	maxSlippage, err := parseDecimalOrZero(r.Slippage.MaxSlippage)
	if err != nil {
		return nil, err
	}

	cfg := &types.Config{
		InitialBalance:        initialBalance,
		DefaultLeverage:       r.DefaultLeverage,
		MaxLeverage:           r.MaxLeverage,
		MaintenanceMarginRate: maintenanceRate,
		LiquidationFeeRate:    liqFeeRate,
		EnableLiquidation:     r.EnableLiquidation,
		EnableFunding:         r.EnableFunding,
		Fee: types.FeeConfig{
			MakerBps: makerBps,
			TakerBps: takerBps,
			FeeAsset: r.Fee.Asset,
		},
		Slippage: types.SlippageConfig{
			Kind:        parseSlippageKind(r.Slippage.Kind),
			ValueBps:    valueBps,
			MaxSlippage: maxSlippage,
		},
		Symbols:          r.Symbols,
		Exchanges:        r.Exchanges,
		StartTime:        r.StartTime,
		EndTime:          r.EndTime,
		EventBufferSize:  r.EventBufferSize,
		ProgressInterval: r.ProgressInterval,
	}
	return cfg, nil
}

func parseSlippageKind(s string) types.SlippageKind {
	if strings.EqualFold(s, "bookWalking") {
		return types.SlippageBookWalking
	}
	return types.SlippageFixed
}

func parseDecimal(s, field string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Decimal{}, fmt.Errorf("%s is required", field)
	}
	return parseDecimalOrZero(s)
}

func parseDecimalOrZero(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("invalid decimal %q: %w", s, err)
	}
	return d, nil
}
