package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"dex-keeper-go/internal/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Environment variables read by ApplyEnv.
const (
	EnvKeeperKey    = "KEEPER_PRIVATE_KEY"
	EnvFeederKey    = "FEEDER_PRIVATE_KEY"
	EnvRPCURL       = "RPC_URL"
	EnvWSURL        = "WS_URL"
	EnvPagerDutyKey = "PAGERDUTY_SERVICE_KEY"
)

// Roles accepted by Validate.
const (
	RoleKeeper = "keeper"
	RoleFeeder = "feeder"
)

// DefaultPaths are tried in order by Locate when no explicit path is given.
var DefaultPaths = []string{
	"config/agent-config.json",
	"config/anvil-config.json",
	"config.json",
}

// Locate returns the first existing path.
func Locate(paths ...string) (string, error) {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("no config found in %s", strings.Join(paths, ", "))
}

// LoadConfig reads a JSON config file, fills defaults and overlays the environment.
func LoadConfig(path string) (*models.Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	cfg := &models.Config{}
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	ApplyDefaults(cfg)
	ApplyEnv(cfg)
	return cfg, nil
}

// ApplyDefaults fills every zero-valued tunable.
func ApplyDefaults(cfg *models.Config) {
	if cfg.NativeSymbol == "" {
		cfg.NativeSymbol = "ETH"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "data/state"
	}
	if cfg.JournalPath == "" {
		cfg.JournalPath = "data/journal.db"
	}

	k := &cfg.Keeper
	setInt(&k.CycleIntervalMs, 5000)
	setInt(&k.PositionEveryNCycles, 2)
	setInt(&k.PauseWaitMs, 10000)
	setInt(&k.ReadRetryAttempts, 3)
	if k.LiquidationThresholdPct == 0 {
		k.LiquidationThresholdPct = -90
	}
	if k.LegSelection.Limit == "" {
		k.LegSelection.Limit = "auto"
	}
	if k.LegSelection.StopLoss == "" {
		k.LegSelection.StopLoss = "auto"
	}

	f := &cfg.Feeder
	setInt(&f.UpdateIntervalMs, 300000)
	setInt(&f.DisplayIntervalMs, 50000)
	setInt(&f.PauseCheckIntervalMs, 3000)
	setInt(&f.IndividualUpdateDelayMs, 1000)
	setInt(&f.ShockDelayMs, 200)
	setInt(&f.HistoryMax, 100)
	setInt(&f.ErrorLogMax, 10)
	setInt(&f.ReportWindow, 24)
	if f.Floor == "" {
		f.Floor = "0.01"
	}
	if f.SeedSource == "" {
		f.SeedSource = "config"
	}
	applyVolatilityDefaults(&f.Volatility, cfg.NativeSymbol)
	if f.Shocks == nil {
		f.Shocks = defaultShocks(cfg)
	}

	g := &cfg.Gas
	if g.Limit == 0 {
		g.Limit = 300000
	}
	setInt64(&g.OptimalMultiplier, 120)
	setInt64(&g.ErrorMultiplier, 110)
	setInt64(&g.MultiplierBase, 100)
	if g.FallbackGasPriceWei == "" {
		g.FallbackGasPriceWei = "1000000000"
	}
	setInt(&g.ConfirmTimeoutMs, 120000)

	if cfg.Paper.MaxPriceChangePct == 0 {
		cfg.Paper.MaxPriceChangePct = 20
	}
	if cfg.LogConfig.Level == "" {
		cfg.LogConfig.Level = "info"
	}
	if cfg.LogConfig.Output == "" {
		cfg.LogConfig.Output = "console"
	}
}

func applyVolatilityDefaults(v *models.VolatilityConfig, native string) {
	def := models.DefaultVolatility()
	if v.HighPriceThreshold == 0 && v.MidPriceThreshold == 0 && v.LowPriceThreshold == 0 {
		v.HighPriceThreshold, v.MidPriceThreshold, v.LowPriceThreshold = def.HighPriceThreshold, def.MidPriceThreshold, def.LowPriceThreshold
	}
	setFloat(&v.High, def.High)
	setFloat(&v.Mid, def.Mid)
	setFloat(&v.Low, def.Low)
	setFloat(&v.Default, def.Default)
	if v.Overrides == nil {
		v.Overrides = map[string]float64{native: 0.01}
	}
}

// defaultShocks schedules the native asset at 30s (x2) and the first token at 60s (x1.5).
func defaultShocks(cfg *models.Config) []models.ShockConfig {
	shocks := []models.ShockConfig{{Symbol: cfg.NativeSymbol, Multiplier: 2, DelayMs: 30000}}
	if tokens := TokenSymbols(cfg); len(tokens) > 0 {
		shocks = append(shocks, models.ShockConfig{Symbol: tokens[0], Multiplier: 1.5, DelayMs: 60000})
	}
	return shocks
}

// ApplyEnv overlays secrets and endpoints from the process environment.
func ApplyEnv(cfg *models.Config) {
	cfg.KeeperPrivateKey = os.Getenv(EnvKeeperKey)
	cfg.FeederPrivateKey = os.Getenv(EnvFeederKey)
	if v := os.Getenv(EnvRPCURL); v != "" {
		cfg.RPCURL = v
	}
	if v := os.Getenv(EnvWSURL); v != "" {
		cfg.WSURL = v
	}
	if v := os.Getenv(EnvPagerDutyKey); v != "" {
		cfg.Alert.APIKey = v
		if cfg.Alert.Type == "" {
			cfg.Alert.Type = "PagerDuty"
		}
	}
}

// TokenSymbols returns the configured ERC20 symbols, sorted, without the native one.
func TokenSymbols(cfg *models.Config) []string {
	out := make([]string, 0, len(cfg.Tokens))
	for sym := range cfg.Tokens {
		if sym == cfg.NativeSymbol {
			continue
		}
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// AssetAddress maps a symbol to its ledger address; the native symbol maps to zero.
func AssetAddress(cfg *models.Config, symbol string) (common.Address, bool) {
	if symbol == cfg.NativeSymbol {
		return models.NativeAsset, true
	}
	t, ok := cfg.Tokens[symbol]
	if !ok || !common.IsHexAddress(t.Address) {
		return common.Address{}, false
	}
	return common.HexToAddress(t.Address), true
}

// TokenAddresses returns every configured ERC20 address keyed by symbol.
func TokenAddresses(cfg *models.Config) map[string]common.Address {
	out := make(map[string]common.Address, len(cfg.Tokens))
	for _, sym := range TokenSymbols(cfg) {
		if addr, ok := AssetAddress(cfg, sym); ok {
			out[sym] = addr
		}
	}
	return out
}

// Validate checks everything the given role needs before it touches the ledger.
// paper mode skips the signing key and endpoint checks.
func Validate(cfg *models.Config, role string, paper bool) error {
	var errs []error
	if !paper {
		if cfg.RPCURL == "" {
			errs = append(errs, errors.New("rpc_url (or RPC_URL) is required"))
		}
		if !common.IsHexAddress(cfg.Contracts.Router) {
			errs = append(errs, fmt.Errorf("contracts.router %q is not an address", cfg.Contracts.Router))
		}
		switch role {
		case RoleKeeper:
			if cfg.KeeperPrivateKey == "" {
				errs = append(errs, fmt.Errorf("%s is not set", EnvKeeperKey))
			}
		case RoleFeeder:
			if cfg.FeederPrivateKey == "" {
				errs = append(errs, fmt.Errorf("%s is not set", EnvFeederKey))
			}
		}
		if cfg.KeeperPrivateKey != "" && sameKey(cfg.KeeperPrivateKey, cfg.FeederPrivateKey) {
			errs = append(errs, errors.New("keeper and feeder must sign with different keys"))
		}
	}
	for sym, t := range cfg.Tokens {
		if !common.IsHexAddress(t.Address) {
			errs = append(errs, fmt.Errorf("token %s: address %q is invalid", sym, t.Address))
		}
	}
	if role == RoleFeeder {
		for sym, v := range cfg.InitialPrices {
			d, err := decimal.NewFromString(v)
			if err != nil || !d.IsPositive() {
				errs = append(errs, fmt.Errorf("initial price of %s must be a positive decimal, got %q", sym, v))
			}
		}
		if cfg.Feeder.SeedSource != "config" && cfg.Feeder.SeedSource != "binance" {
			errs = append(errs, fmt.Errorf("feeder.seed_source must be config or binance, got %q", cfg.Feeder.SeedSource))
		}
	}
	for _, leg := range []string{cfg.Keeper.LegSelection.Limit, cfg.Keeper.LegSelection.StopLoss} {
		if leg != "auto" && leg != "token_in" && leg != "token_out" {
			errs = append(errs, fmt.Errorf("leg selection %q must be auto, token_in or token_out", leg))
		}
	}
	if cfg.Keeper.LiquidationThresholdPct >= 0 {
		errs = append(errs, fmt.Errorf("keeper.liquidation_threshold_pct must be negative, got %d", cfg.Keeper.LiquidationThresholdPct))
	}
	return errors.Join(errs...)
}

func sameKey(a, b string) bool {
	norm := func(s string) string { return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "0x")) }
	return norm(a) == norm(b)
}

func setInt(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}

func setInt64(v *int64, def int64) {
	if *v <= 0 {
		*v = def
	}
}

func setFloat(v *float64, def float64) {
	if *v <= 0 {
		*v = def
	}
}
