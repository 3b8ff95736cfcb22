package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"dex-keeper-go/internal/alert"
	"dex-keeper-go/internal/clock"
	"dex-keeper-go/internal/config"
	"dex-keeper-go/internal/feeder"
	"dex-keeper-go/internal/gate"
	"dex-keeper-go/internal/keeper"
	"dex-keeper-go/internal/ledger"
	"dex-keeper-go/internal/logger"
	"dex-keeper-go/internal/metrics"
	"dex-keeper-go/internal/models"
	"dex-keeper-go/internal/persistence"
	"dex-keeper-go/internal/pricemodel"
	"dex-keeper-go/internal/priceseed"
	"dex-keeper-go/internal/reporter"
	"dex-keeper-go/internal/statemanager"
	"dex-keeper-go/internal/storage"
	"dex-keeper-go/internal/txctl"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// runtime holds everything one command opened; close releases it in reverse order.
type runtime struct {
	cfg     *models.Config
	role    string
	paper   bool
	ledger  ledger.Ledger
	journal *storage.Journal
	repo    persistence.StateRepository
	state   *statemanager.StateManager
	metrics *metrics.Metrics
	alert   alert.Alert
	runID   string
	closers []func()
}

func (r *runtime) close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

// loadConfig reads, validates and applies the logging section of the config.
func loadConfig(flags *globalFlags, role string) (*models.Config, error) {
	path := flags.configPath
	if path == "" {
		found, err := config.Locate(config.DefaultPaths...)
		if err != nil {
			return nil, err
		}
		path = found
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := config.Validate(cfg, role, flags.mode == modePaper); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	logger.InitLogger(cfg.LogConfig, zap.String("role", role), zap.String("network", cfg.Network))
	logger.S().Infof("Loaded config %s (mode %s)", path, flags.mode)
	return cfg, nil
}

// openRuntime opens the ledger, the local stores, metrics and alerting for role.
func openRuntime(ctx context.Context, flags *globalFlags, role string, withState bool) (*runtime, error) {
	cfg, err := loadConfig(flags, role)
	if err != nil {
		return nil, err
	}
	rt := &runtime{cfg: cfg, role: role, paper: flags.mode == modePaper}

	base, closeLedger, err := openLedger(ctx, cfg, role, rt.paper)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, closeLedger)
	rt.ledger = ledger.WithRetry(base, cfg.Keeper.ReadRetryAttempts, clock.Real())

	if err := os.MkdirAll(filepath.Dir(cfg.JournalPath), 0o755); err != nil {
		rt.close()
		return nil, fmt.Errorf("create journal directory: %w", err)
	}
	rt.journal, err = storage.Open(cfg.JournalPath)
	if err != nil {
		rt.close()
		return nil, err
	}
	rt.closers = append(rt.closers, func() { rt.journal.Close() })

	rt.metrics = metrics.New()
	if cfg.MetricsAddr != "" {
		go func() {
			if err := rt.metrics.Serve(ctx, cfg.MetricsAddr, logger.L()); err != nil {
				logger.L().Error("Metrics endpoint failed", zap.Error(err))
			}
		}()
	}

	rt.alert, err = alert.MakeAlert(cfg.Alert.Type, cfg.Alert.APIKey, logger.L())
	if err != nil {
		rt.close()
		return nil, err
	}

	if withState {
		if err := rt.openState(ctx); err != nil {
			rt.close()
			return nil, err
		}
	}
	return rt, nil
}

func (rt *runtime) openState(ctx context.Context) error {
	repo, err := persistence.NewBadgerRepository(filepath.Join(rt.cfg.DBPath, rt.role))
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	rt.repo = repo
	rt.closers = append(rt.closers, func() { repo.Close() })

	saved, err := repo.LoadState()
	if err != nil {
		logger.S().Warnf("Could not load saved state, starting fresh: %v", err)
	}
	initial := models.NewAgentState()
	if saved != nil {
		saved.RunID = initial.RunID
		if saved.Prices == nil {
			saved.Prices = make(map[string]models.PriceState)
		}
		if saved.Keeper.Failed == nil {
			saved.Keeper.Failed = make(map[string]uint64)
		}
		if saved.Feeder.Failed == nil {
			saved.Feeder.Failed = make(map[string]uint64)
		}
		initial = saved
	}
	rt.runID = initial.RunID

	if n, err := rt.journal.NextRunNumber(ctx); err == nil {
		logger.L().Info("Run started", zap.Int64("run", n), zap.String("run_id", rt.runID))
	}

	rt.state = statemanager.NewStateManager(initial, repo, rt.cfg.Feeder.ErrorLogMax, logger.L())
	rt.state.Start()
	rt.closers = append(rt.closers, rt.state.Stop)
	return nil
}

// openLedger returns the backend for role: the router over JSON-RPC, or the in-memory
// paper ledger seeded with the configured initial prices.
func openLedger(ctx context.Context, cfg *models.Config, role string, paper bool) (ledger.Ledger, func(), error) {
	key := cfg.FeederPrivateKey
	if role == config.RoleKeeper {
		key = cfg.KeeperPrivateKey
	}

	if paper {
		account := common.BytesToAddress([]byte(role))
		if k, err := crypto.HexToECDSA(trim0x(key)); err == nil {
			account = crypto.PubkeyToAddress(k.PublicKey)
		}
		p := ledger.NewPaperLedger(account, cfg.Paper.MaxPriceChangePct)
		for sym, raw := range cfg.InitialPrices {
			addr, ok := config.AssetAddress(cfg, sym)
			price, err := decimal.NewFromString(raw)
			if ok && err == nil {
				p.SetPrice(addr, price)
			}
		}
		logger.L().Info("Using paper ledger", zap.String("account", account.Hex()))
		return p, func() {}, nil
	}

	l, err := ledger.NewEVMLedger(ctx, ledger.EVMConfig{
		RPCURL:        cfg.RPCURL,
		Router:        cfg.Contracts.Router,
		AccessControl: cfg.Contracts.AccessControl,
		PrivateKey:    key,
		ChainID:       cfg.ChainID,
		PollInterval:  time.Second,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("connect ledger: %w", err)
	}
	logger.L().Info("Connected to ledger", zap.String("rpc", cfg.RPCURL), zap.String("account", l.Account().Hex()))
	return l, l.Close, nil
}

func trim0x(s string) string {
	if len(s) >= 2 && (s[:2] == "0x" || s[:2] == "0X") {
		return s[2:]
	}
	return s
}

func (rt *runtime) newGate(interval time.Duration) *gate.StatusGate {
	g := gate.New(rt.ledger, clock.Real(), interval, logger.L())
	g.OnChange = rt.metrics.Paused
	return g
}

func (rt *runtime) newController() *txctl.Controller {
	return txctl.NewController(rt.ledger, rt.cfg.Gas, logger.L().With(zap.String("loop", rt.role)))
}

func runKeeper(ctx context.Context, flags *globalFlags) error {
	rt, err := openRuntime(ctx, flags, config.RoleKeeper, true)
	if err != nil {
		return err
	}
	defer rt.close()

	k := keeper.New(rt.cfg.Keeper, keeper.Deps{
		Ledger:     rt.ledger,
		Controller: rt.newController(),
		Gate:       rt.newGate(rt.cfg.Keeper.PauseWait()),
		Clock:      clock.Real(),
		Metrics:    rt.metrics,
		Journal:    rt.journal,
		State:      rt.state,
		Alert:      rt.alert,
		Tokens:     config.TokenAddresses(rt.cfg),
		RunID:      rt.runID,
		Logger:     logger.L(),
	})
	return k.Run(ctx)
}

// buildFeeder seeds the model (restoring saved history when present) and wires a feeder.
func buildFeeder(ctx context.Context, rt *runtime, out io.Writer) (*feeder.Feeder, error) {
	cfg := rt.cfg
	symbols := pricemodel.OrderSymbols(cfg.NativeSymbol, append([]string{cfg.NativeSymbol}, config.TokenSymbols(cfg)...))

	seeds, err := priceseed.Resolve(ctx, cfg, symbols, priceseed.NewBinanceSource(), logger.L())
	if err != nil {
		return nil, err
	}
	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
	model, err := pricemodel.New(cfg.Feeder, symbols, seeds, rnd, time.Now)
	if err != nil {
		return nil, err
	}
	if rt.state != nil {
		if n := model.Restore(rt.state.GetStateSnapshot().Prices); n > 0 {
			logger.L().Info("Restored price history", zap.Int("symbols", n))
		}
	}

	assets := make(map[string]common.Address, len(symbols))
	for _, sym := range symbols {
		addr, ok := config.AssetAddress(cfg, sym)
		if !ok {
			return nil, fmt.Errorf("no address configured for %s", sym)
		}
		assets[sym] = addr
	}
	if p, ok := ledger.Base(rt.ledger).(*ledger.PaperLedger); ok {
		for sym, addr := range assets {
			if cur, ok := model.Current(sym); ok {
				p.SetPrice(addr, cur)
			}
		}
	}

	var heads feeder.HeadWaiter
	if cfg.WSURL != "" && !rt.paper {
		w := ledger.NewHeadWatcher(cfg.WSURL, logger.L())
		go w.Run(ctx)
		heads = w
	}

	return feeder.New(cfg.Feeder, feeder.Deps{
		Ledger:     rt.ledger,
		Controller: rt.newController(),
		Gate:       rt.newGate(cfg.Feeder.PauseCheckInterval()),
		Clock:      clock.Real(),
		Model:      model,
		Assets:     assets,
		Metrics:    rt.metrics,
		Journal:    rt.journal,
		State:      rt.state,
		Heads:      heads,
		Alert:      rt.alert,
		Out:        out,
		RunID:      rt.runID,
		Logger:     logger.L(),
	}), nil
}

func runFeeder(ctx context.Context, flags *globalFlags) error {
	rt, err := openRuntime(ctx, flags, config.RoleFeeder, true)
	if err != nil {
		return err
	}
	defer rt.close()

	f, err := buildFeeder(ctx, rt, os.Stdout)
	if err != nil {
		return err
	}
	return f.Run(ctx)
}

// runShock publishes one shocked price with the feeder account. It needs the feeder
// stopped: the account and its state store belong to one process at a time.
func runShock(ctx context.Context, flags *globalFlags, symbol string, multiplier float64) error {
	rt, err := openRuntime(ctx, flags, config.RoleFeeder, true)
	if err != nil {
		return explainShockErr(err)
	}
	defer rt.close()

	f, err := buildFeeder(ctx, rt, os.Stdout)
	if err != nil {
		return err
	}
	if err := f.Start(ctx); err != nil {
		return err
	}
	price, err := f.Shock(ctx, symbol, multiplier)
	if err != nil {
		return fmt.Errorf("shock %s: %w", symbol, err)
	}
	logger.S().Infof("Shocked %s to %s", symbol, price)
	return nil
}

func explainShockErr(err error) error {
	if errors.Is(err, persistence.ErrLocked) {
		return fmt.Errorf("feeder is running (%w); stop it first or schedule the shock under feeder.shocks", err)
	}
	return err
}

func runDiagnose(ctx context.Context, flags *globalFlags, role string, out io.Writer) error {
	rt, err := openRuntime(ctx, flags, role, false)
	if err != nil {
		return err
	}
	defer rt.close()
	cfg := rt.cfg

	if d, ok := ledger.Base(rt.ledger).(ledger.Diagnoser); ok {
		snap, err := d.Diagnose(ctx, config.TokenAddresses(cfg))
		if err != nil {
			return fmt.Errorf("diagnose account: %w", err)
		}
		reporter.Diagnostics(out, snap)
	}

	if fee, err := rt.ledger.FeeEstimate(ctx); err != nil {
		fmt.Fprintf(out, "Fee estimate failed: %v\n", err)
	} else {
		fmt.Fprintf(out, "Fee estimate: %s gwei\n", decimal.NewFromBigInt(fee, -9).StringFixed(3))
	}
	if paused, err := rt.ledger.IsPaused(ctx); err != nil {
		fmt.Fprintf(out, "Pause flag unreadable: %v\n", err)
	} else {
		fmt.Fprintf(out, "System paused: %t\n", paused)
	}

	symbols := pricemodel.OrderSymbols(cfg.NativeSymbol, append([]string{cfg.NativeSymbol}, config.TokenSymbols(cfg)...))
	prices := make(map[string]decimal.Decimal, len(symbols))
	simulated := make(map[string]string, len(symbols))
	sim, canSimulate := ledger.Base(rt.ledger).(ledger.Simulator)
	for _, sym := range symbols {
		addr, ok := config.AssetAddress(cfg, sym)
		if !ok {
			continue
		}
		p, err := rt.ledger.GetPrice(ctx, addr)
		if err != nil {
			simulated[sym] = "read failed: " + ledger.CodeOf(err).String()
			continue
		}
		prices[sym] = p
		if !canSimulate || !p.IsPositive() {
			continue
		}
		// a 0.1% nudge stays well inside any circuit breaker
		if err := sim.SimulateUpdatePrice(ctx, addr, p.Mul(decimal.RequireFromString("1.001"))); err != nil {
			simulated[sym] = ledger.CodeOf(err).String()
		} else {
			simulated[sym] = "ok"
		}
	}
	reporter.Prices(out, prices, symbols, simulated)

	entries, err := rt.journal.Recent(ctx, "", 10)
	if err != nil {
		return err
	}
	reporter.Journal(out, entries)
	return nil
}
