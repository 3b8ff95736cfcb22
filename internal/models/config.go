package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Config holds every tunable of the agent. Secrets never live in the JSON file; they are
// filled from the environment by config.LoadConfig.
type Config struct {
	Network       string                 `json:"network"`
	ChainID       int64                  `json:"chain_id"`
	RPCURL        string                 `json:"rpc_url"`
	WSURL         string                 `json:"ws_url,omitempty"`
	Contracts     ContractsConfig        `json:"contracts"`
	Tokens        map[string]TokenConfig `json:"tokens"`
	NativeSymbol  string                 `json:"native_symbol"`
	InitialPrices map[string]string      `json:"initial_prices"`

	Keeper KeeperConfig `json:"keeper"`
	Feeder FeederConfig `json:"feeder"`
	Gas    GasConfig    `json:"gas"`
	Paper  PaperConfig  `json:"paper"`

	DBPath      string      `json:"db_path"`      // badger directory for agent state
	JournalPath string      `json:"journal_path"` // sqlite file for the submission journal
	MetricsAddr string      `json:"metrics_addr,omitempty"`
	Alert       AlertConfig `json:"alert"`
	LogConfig   LogConfig   `json:"log"`

	// Filled from the environment.
	KeeperPrivateKey string `json:"-"`
	FeederPrivateKey string `json:"-"`
}

// ContractsConfig names the deployed contract proxies.
type ContractsConfig struct {
	Router        string `json:"router"`
	AccessControl string `json:"access_control,omitempty"`
}

// TokenConfig describes one ERC20 the agent tracks.
type TokenConfig struct {
	Address       string `json:"address"`
	Decimals      int32  `json:"decimals"`
	BinanceSymbol string `json:"binance_symbol,omitempty"`
}

// KeeperConfig tunes the order/position scanning loop.
type KeeperConfig struct {
	CycleIntervalMs         int          `json:"cycle_interval_ms"`
	PositionEveryNCycles    int          `json:"position_every_n_cycles"`
	PauseWaitMs             int          `json:"pause_wait_ms"`
	LiquidationThresholdPct int64        `json:"liquidation_threshold_pct"`
	ConfirmOnLedger         bool         `json:"confirm_on_ledger"`
	LegSelection            LegSelection `json:"leg_selection"`
	ReadRetryAttempts       int          `json:"read_retry_attempts"`
	SkipDiagnostics         bool         `json:"skip_diagnostics"`
}

// LegSelection picks which leg's price an order kind tracks: "auto", "token_in" or "token_out".
type LegSelection struct {
	Limit    string `json:"limit"`
	StopLoss string `json:"stop_loss"`
}

// FeederConfig tunes the price synthesis loop.
type FeederConfig struct {
	UpdateIntervalMs        int              `json:"update_interval_ms"`
	DisplayIntervalMs       int              `json:"display_interval_ms"`
	PauseCheckIntervalMs    int              `json:"pause_check_interval_ms"`
	IndividualUpdateDelayMs int              `json:"individual_update_delay_ms"`
	ShockDelayMs            int              `json:"shock_delay_ms"`
	HistoryMax              int              `json:"history_max"`
	ErrorLogMax             int              `json:"error_log_max"`
	ReportWindow            int              `json:"report_window"`
	Floor                   string           `json:"floor"`
	SeedSource              string           `json:"seed_source"` // "config" or "binance"
	Volatility              VolatilityConfig `json:"volatility"`
	Shocks                  []ShockConfig    `json:"shocks"`
}

// VolatilityConfig is the tier table of the random walk plus per-symbol overrides.
type VolatilityConfig struct {
	Overrides          map[string]float64 `json:"overrides"`
	HighPriceThreshold float64            `json:"high_price_threshold"`
	MidPriceThreshold  float64            `json:"mid_price_threshold"`
	LowPriceThreshold  float64            `json:"low_price_threshold"`
	High               float64            `json:"high"`
	Mid                float64            `json:"mid"`
	Low                float64            `json:"low"`
	Default            float64            `json:"default"`
}

// ShockConfig schedules one price shock after startup.
type ShockConfig struct {
	Symbol     string  `json:"symbol"`
	Multiplier float64 `json:"multiplier"`
	DelayMs    int     `json:"delay_ms"`
}

// GasConfig controls gas price adaptation and confirmation waits.
type GasConfig struct {
	Limit               uint64 `json:"limit"`
	OptimalMultiplier   int64  `json:"optimal_multiplier"`
	ErrorMultiplier     int64  `json:"error_multiplier"`
	MultiplierBase      int64  `json:"multiplier_base"`
	FallbackGasPriceWei string `json:"fallback_gas_price_wei"`
	ConfirmTimeoutMs    int    `json:"confirm_timeout_ms"`
}

// PaperConfig parameterises the in-memory ledger used by --mode paper.
type PaperConfig struct {
	MaxPriceChangePct float64 `json:"max_price_change_pct"`
}

// AlertConfig selects the operator escalation channel.
type AlertConfig struct {
	Type   string `json:"type"` // "PagerDuty" or empty for noop
	APIKey string `json:"api_key,omitempty"`
}

// LogConfig defines logging output.
type LogConfig struct {
	Level      string `json:"level"`       // "debug", "info", "warn", "error"
	Output     string `json:"output"`      // "console", "file", "both"
	File       string `json:"file"`        // log file path
	MaxSize    int    `json:"max_size"`    // MB per file
	MaxBackups int    `json:"max_backups"` // rotated files kept
	MaxAge     int    `json:"max_age"`     // days
	Compress   bool   `json:"compress"`
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func (k KeeperConfig) CycleInterval() time.Duration { return ms(k.CycleIntervalMs) }
func (k KeeperConfig) PauseWait() time.Duration     { return ms(k.PauseWaitMs) }

func (f FeederConfig) UpdateInterval() time.Duration        { return ms(f.UpdateIntervalMs) }
func (f FeederConfig) DisplayInterval() time.Duration       { return ms(f.DisplayIntervalMs) }
func (f FeederConfig) PauseCheckInterval() time.Duration    { return ms(f.PauseCheckIntervalMs) }
func (f FeederConfig) IndividualUpdateDelay() time.Duration { return ms(f.IndividualUpdateDelayMs) }
func (f FeederConfig) ShockDelay() time.Duration            { return ms(f.ShockDelayMs) }

// FloorPrice parses the configured floor, falling back to 0.01.
func (f FeederConfig) FloorPrice() decimal.Decimal {
	d, err := decimal.NewFromString(f.Floor)
	if err != nil || !d.IsPositive() {
		return decimal.RequireFromString("0.01")
	}
	return d
}

func (s ShockConfig) Delay() time.Duration { return ms(s.DelayMs) }

func (g GasConfig) ConfirmTimeout() time.Duration { return ms(g.ConfirmTimeoutMs) }

// DefaultVolatility is the tier table used when the config leaves it empty.
func DefaultVolatility() VolatilityConfig {
	return VolatilityConfig{
		HighPriceThreshold: 10000,
		MidPriceThreshold:  10,
		LowPriceThreshold:  2,
		High:               0.04,
		Mid:                0.05,
		Low:                0.001,
		Default:            0.03,
	}
}
