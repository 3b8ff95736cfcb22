package keeper

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"dex-keeper-go/internal/alert"
	"dex-keeper-go/internal/clock"
	"dex-keeper-go/internal/eligibility"
	"dex-keeper-go/internal/gate"
	"dex-keeper-go/internal/ledger"
	"dex-keeper-go/internal/metrics"
	"dex-keeper-go/internal/models"
	"dex-keeper-go/internal/statemanager"
	"dex-keeper-go/internal/storage"
	"dex-keeper-go/internal/txctl"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const idleNoticeEvery = 4

// State is a step of the keeper's cycle.
type State int

const (
	Idle State = iota
	CheckPause
	Wait
	ScanOrders
	ScanPositions
	Sleep
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case CheckPause:
		return "CHECK_PAUSE"
	case Wait:
		return "WAIT"
	case ScanOrders:
		return "SCAN_ORDERS"
	case ScanPositions:
		return "SCAN_POSITIONS"
	case Sleep:
		return "SLEEP"
	default:
		return fmt.Sprintf("STATE(%d)", int(s))
	}
}

// Journal receives one row per submission attempt.
type Journal interface {
	Record(ctx context.Context, e storage.Entry) error
}

// Deps are the collaborators of a Keeper. Metrics, Journal, State and Alert are optional.
type Deps struct {
	Ledger     ledger.Ledger
	Controller *txctl.Controller
	Gate       *gate.StatusGate
	Clock      clock.Clock
	Evaluator  *eligibility.Evaluator
	Metrics    *metrics.Metrics
	Journal    Journal
	State      *statemanager.StateManager
	Alert      alert.Alert
	Tokens     map[string]common.Address
	RunID      string
	Logger     *zap.Logger
}

// Summary counts what one cycle did.
type Summary struct {
	Cycle      uint64
	Paused     bool
	Orders     int
	Positions  int
	Eligible   int
	Executed   int
	Liquidated int
	Skipped    int
	Failed     int
}

// Keeper scans orders and positions and submits executions and liquidations.
type Keeper struct {
	deps Deps
	kc   models.KeeperConfig

	state      State
	cycle      uint64
	idleCycles int
	summary    Summary
	log        *zap.Logger

	// scans counts cycles that reached SCAN_ORDERS; the position cadence follows it
	// so paused cycles do not shift the schedule.
	scans  uint64
	halted bool
}

// New creates a keeper in the IDLE state.
func New(kc models.KeeperConfig, d Deps) *Keeper {
	if kc.PositionEveryNCycles <= 0 {
		kc.PositionEveryNCycles = 2
	}
	if d.Evaluator == nil {
		d.Evaluator = eligibility.New(kc.LegSelection)
	}
	if d.Alert == nil {
		d.Alert, _ = alert.MakeAlert("", "", d.Logger)
	}
	return &Keeper{deps: d, kc: kc, state: Idle, log: d.Logger.With(zap.String("loop", statemanager.LoopKeeper))}
}

// State returns the current state of the machine.
func (k *Keeper) State() State { return k.state }

// Start resolves the submitting account's sequence and logs a diagnostics snapshot.
func (k *Keeper) Start(ctx context.Context) error {
	if err := k.deps.Controller.Start(ctx); err != nil {
		return err
	}
	k.log.Info("Keeper started",
		zap.String("account", k.deps.Ledger.Account().Hex()),
		zap.Duration("cycle_interval", k.kc.CycleInterval()),
		zap.Int("position_every_n_cycles", k.kc.PositionEveryNCycles),
		zap.Int64("liquidation_threshold_pct", k.kc.LiquidationThresholdPct))
	k.diagnostics(ctx, "startup")
	return nil
}

// Run starts the keeper and cycles until ctx is cancelled.
func (k *Keeper) Run(ctx context.Context) error {
	if err := k.Start(ctx); err != nil {
		return err
	}
	for {
		if _, err := k.Cycle(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				k.log.Info("Keeper stopped", zap.Uint64("cycles", k.cycle))
				return nil
			}
			return err
		}
	}
}

// Cycle advances the machine until it is back in IDLE and returns that cycle's summary.
func (k *Keeper) Cycle(ctx context.Context) (Summary, error) {
	for {
		if err := k.step(ctx); err != nil {
			return k.summary, err
		}
		if k.state == Idle {
			return k.summary, nil
		}
	}
}

func (k *Keeper) step(ctx context.Context) error {
	switch k.state {
	case Idle:
		if err := ctx.Err(); err != nil {
			return err
		}
		k.cycle++
		k.summary = Summary{Cycle: k.cycle}
		k.state = CheckPause

	case CheckPause:
		paused, err := k.deps.Gate.Paused(ctx)
		if err != nil {
			k.log.Warn("Pause flag unreadable, treating as paused", zap.Error(err))
		}
		if paused {
			k.summary.Paused = true
			k.state = Wait
			return nil
		}
		k.state = ScanOrders

	case Wait:
		k.halted = false
		k.log.Info("System paused, skipping cycle", zap.Uint64("cycle", k.cycle), zap.Duration("wait", k.kc.PauseWait()))
		if err := k.deps.Clock.Sleep(ctx, k.kc.PauseWait()); err != nil {
			return err
		}
		k.state = Idle

	case ScanOrders:
		k.scans++
		k.scanOrders(ctx)
		if k.haltScan() {
			return nil
		}
		k.state = ScanPositions

	case ScanPositions:
		if (k.scans-1)%uint64(k.kc.PositionEveryNCycles) == 0 {
			k.scanPositions(ctx)
		}
		if k.haltScan() {
			return nil
		}
		k.state = Sleep

	case Sleep:
		k.finishCycle()
		if err := k.deps.Clock.Sleep(ctx, k.kc.CycleInterval()); err != nil {
			return err
		}
		k.state = Idle
	}
	return nil
}

// haltScan moves to WAIT when a pause was seen mid-scan.
func (k *Keeper) haltScan() bool {
	if !k.halted {
		return false
	}
	k.summary.Paused = true
	k.state = Wait
	k.log.Warn("System paused mid-scan, remaining items wait for the next cycle",
		zap.Uint64("cycle", k.cycle),
		zap.Int("executed", k.summary.Executed),
		zap.Int("liquidated", k.summary.Liquidated))
	return true
}

// writable re-reads the pause flag right before a write.
func (k *Keeper) writable(ctx context.Context) bool {
	paused, err := k.deps.Gate.Paused(ctx)
	if err != nil {
		k.log.Warn("Pause flag unreadable, treating as paused", zap.Error(err))
	}
	if paused {
		k.halted = true
	}
	return !paused
}

func (k *Keeper) finishCycle() {
	s := k.summary
	k.deps.Metrics.Cycle(statemanager.LoopKeeper)
	k.deps.State.RecordCounter(statemanager.LoopKeeper, statemanager.CounterCycle, "")
	k.log.Info("Cycle complete",
		zap.Uint64("cycle", s.Cycle),
		zap.Int("orders", s.Orders),
		zap.Int("positions", s.Positions),
		zap.Int("executed", s.Executed),
		zap.Int("liquidated", s.Liquidated),
		zap.Int("skipped", s.Skipped),
		zap.Int("failed", s.Failed))
}

func (k *Keeper) scanOrders(ctx context.Context) {
	next, err := k.deps.Ledger.NextOrderID(ctx)
	if err != nil {
		k.readFailure(ctx, "next_order_id", "", err)
		return
	}
	if next <= 1 {
		k.idleCycles++
		if k.idleCycles%idleNoticeEvery == 0 {
			k.log.Info("No orders on the ledger yet", zap.Int("idle_cycles", k.idleCycles))
		}
		return
	}
	k.idleCycles = 0

	for id := uint64(1); id < next; id++ {
		if ctx.Err() != nil || k.halted {
			return
		}
		k.processOrder(ctx, id)
	}
}

func (k *Keeper) processOrder(ctx context.Context, id uint64) {
	item := strconv.FormatUint(id, 10)
	o, err := k.deps.Ledger.GetOrder(ctx, id)
	if err != nil {
		k.readFailure(ctx, ledger.OpGetOrder, item, err)
		return
	}
	if o.Executed {
		return
	}
	k.summary.Orders++
	k.deps.Metrics.Scanned("order")

	priceIn, err := k.deps.Ledger.GetPrice(ctx, o.TokenIn)
	if err != nil {
		k.readFailure(ctx, ledger.OpGetPrice, item, err)
		return
	}
	priceOut, err := k.deps.Ledger.GetPrice(ctx, o.TokenOut)
	if err != nil {
		k.readFailure(ctx, ledger.OpGetPrice, item, err)
		return
	}

	eligible, reason := k.deps.Evaluator.Evaluate(*o, priceIn, priceOut)
	if !eligible {
		k.skip()
		k.log.Debug("Order not eligible", zap.Uint64("order_id", id), zap.String("reason", reason))
		return
	}
	if k.kc.ConfirmOnLedger {
		ok, err := k.deps.Ledger.ShouldExecuteOrder(ctx, id)
		if err != nil {
			k.readFailure(ctx, ledger.OpShouldExecute, item, err)
			return
		}
		if !ok {
			k.skip()
			k.log.Info("Ledger disagrees on eligibility, skipping", zap.Uint64("order_id", id), zap.String("reason", reason))
			return
		}
	}

	k.summary.Eligible++
	k.deps.Metrics.Eligible("order")
	if !k.writable(ctx) {
		return
	}
	k.log.Info("Executing order", zap.Uint64("order_id", id), zap.String("reason", reason))

	res, err := k.deps.Controller.Submit(ctx, fmt.Sprintf("%s #%d", ledger.OpExecuteOrder, id),
		func(ctx context.Context, opts ledger.TxOpts) (ledger.PendingTx, error) {
			return k.deps.Ledger.ExecuteOrder(ctx, id, opts)
		})
	if err != nil {
		k.submitFailure(ctx, ledger.OpExecuteOrder, item, res, err)
		return
	}
	k.summary.Executed++
	k.submitSuccess(ctx, ledger.OpExecuteOrder, item, res, statemanager.CounterExecuted, reason)
	k.diagnostics(ctx, "after_execute")
}

func (k *Keeper) scanPositions(ctx context.Context) {
	next, err := k.deps.Ledger.NextPositionID(ctx)
	if err != nil {
		k.readFailure(ctx, "next_position_id", "", err)
		return
	}
	for id := uint64(1); id < next; id++ {
		if ctx.Err() != nil || k.halted {
			return
		}
		k.processPosition(ctx, id)
	}
}

func (k *Keeper) processPosition(ctx context.Context, id uint64) {
	item := strconv.FormatUint(id, 10)
	p, err := k.deps.Ledger.GetPosition(ctx, id)
	if err != nil {
		k.readFailure(ctx, ledger.OpGetPosition, item, err)
		return
	}
	if !p.IsOpen {
		return
	}
	k.summary.Positions++
	k.deps.Metrics.Scanned("position")

	current, err := k.deps.Ledger.GetPrice(ctx, p.Token)
	if err != nil {
		k.readFailure(ctx, ledger.OpGetPrice, item, err)
		return
	}
	eligible, ratio := eligibility.EvaluateLiquidation(*p, current, k.kc.LiquidationThresholdPct)
	if !eligible {
		k.log.Debug("Position healthy",
			zap.Uint64("position_id", id), zap.Int64("pnl_pct", ratio), zap.String("price", current.String()))
		return
	}

	k.summary.Eligible++
	k.deps.Metrics.Eligible("position")
	reason := fmt.Sprintf("%s pnl %d%% <= %d%% (entry %s, price %s)", p.Kind, ratio, k.kc.LiquidationThresholdPct, p.EntryPrice, current)
	if !k.writable(ctx) {
		return
	}
	k.log.Warn("Liquidating position", zap.Uint64("position_id", id), zap.String("reason", reason))

	res, err := k.deps.Controller.Submit(ctx, fmt.Sprintf("%s #%d", ledger.OpLiquidate, id),
		func(ctx context.Context, opts ledger.TxOpts) (ledger.PendingTx, error) {
			return k.deps.Ledger.LiquidatePosition(ctx, id, opts)
		})
	if err != nil {
		k.submitFailure(ctx, ledger.OpLiquidate, item, res, err)
		return
	}
	k.summary.Liquidated++
	k.submitSuccess(ctx, ledger.OpLiquidate, item, res, statemanager.CounterLiquidated, reason)
}

func (k *Keeper) skip() {
	k.summary.Skipped++
	k.deps.State.RecordCounter(statemanager.LoopKeeper, statemanager.CounterSkipped, "")
}

// readFailure logs one line per failed read. Items that are gone are skipped quietly.
func (k *Keeper) readFailure(ctx context.Context, op, item string, err error) {
	if ctx.Err() != nil {
		return
	}
	code := ledger.CodeOf(err)
	if code == ledger.NotFound {
		k.skip()
		k.log.Debug("Item not found, skipping", zap.String("op", op), zap.String("item", item))
		return
	}
	k.summary.Failed++
	k.deps.State.RecordCounter(statemanager.LoopKeeper, statemanager.CounterFailed, code.String())
	k.deps.State.RecordError(op+" "+item, err.Error())
	k.log.Warn("Read failed",
		zap.String("op", op),
		zap.String("item", item),
		zap.String("classification", code.String()),
		zap.String("action", "skipped for this cycle"),
		zap.Error(err))
}

func (k *Keeper) submitSuccess(ctx context.Context, op, item string, res *txctl.Result, counter, reason string) {
	k.deps.Metrics.Submission(statemanager.LoopKeeper, op, "ok")
	k.deps.Metrics.GasPrice(statemanager.LoopKeeper, res.GasPrice)
	k.deps.Metrics.NextSequence(statemanager.LoopKeeper, k.deps.Controller.Snapshot().NextSequence)
	k.deps.State.RecordCounter(statemanager.LoopKeeper, counter, "")
	k.record(ctx, op, item, res, "ok", counter, reason)
	k.log.Info("Submission confirmed",
		zap.String("op", op),
		zap.String("item", item),
		zap.String("tx", res.Hash),
		zap.Uint64("nonce", res.Nonce),
		zap.Int("attempts", res.Attempts))
}

// submitFailure classifies a failed write. Nothing is retried here: the controller has
// already spent its single nonce-conflict retry and the item is re-evaluated next cycle.
func (k *Keeper) submitFailure(ctx context.Context, op, item string, res *txctl.Result, err error) {
	code := ledger.CodeOf(err)
	if code == ledger.SystemPaused {
		k.halted = true
		k.summary.Skipped++
		k.deps.Metrics.Submission(statemanager.LoopKeeper, op, code.String())
		k.record(ctx, op, item, res, code.String(), "scan halted until unpause", err.Error())
		k.log.Warn("Submission rejected by emergency pause",
			zap.String("op", op),
			zap.String("item", item),
			zap.String("classification", code.String()),
			zap.String("action", "scan halted until unpause"))
		return
	}
	action := "skipped, re-evaluated next cycle"
	switch code {
	case ledger.NotFound:
		action = "skipped, already settled"
	case ledger.InsufficientFunds:
		action = "skipped, operator alerted"
		if aerr := k.deps.Alert.Trigger(fmt.Sprintf("keeper %s %s: insufficient funds", op, item), map[string]string{
			"account": k.deps.Ledger.Account().Hex(),
			"error":   err.Error(),
		}); aerr != nil {
			k.log.Error("Alert failed", zap.Error(aerr))
		}
	case ledger.NonceConflict:
		action = "skipped after one resync and retry"
	}
	if res != nil && res.Resynced && code != ledger.NonceConflict {
		action = "retried once after resync, " + action
	}

	k.summary.Failed++
	k.deps.Metrics.Submission(statemanager.LoopKeeper, op, code.String())
	k.deps.State.RecordCounter(statemanager.LoopKeeper, statemanager.CounterFailed, code.String())
	k.deps.State.RecordError(op+" "+item, err.Error())
	k.record(ctx, op, item, res, code.String(), action, err.Error())
	k.log.Warn("Submission failed",
		zap.String("op", op),
		zap.String("item", item),
		zap.String("classification", code.String()),
		zap.String("action", action),
		zap.Error(err))
}

func (k *Keeper) record(ctx context.Context, op, item string, res *txctl.Result, outcome, action, reason string) {
	if k.deps.Journal == nil {
		return
	}
	e := storage.Entry{RunID: k.deps.RunID, Loop: statemanager.LoopKeeper, Op: op, Item: item, Outcome: outcome, Action: action, Reason: reason}
	if res != nil {
		e.Nonce, e.TxHash = res.Nonce, res.Hash
		if res.GasPrice != nil {
			e.GasPrice = res.GasPrice.String()
		}
	}
	if err := k.deps.Journal.Record(context.WithoutCancel(ctx), e); err != nil {
		k.log.Warn("Journal write failed", zap.Error(err))
	}
}

// diagnostics logs the submitting account's balances when the ledger can describe them.
func (k *Keeper) diagnostics(ctx context.Context, when string) {
	if k.kc.SkipDiagnostics || ctx.Err() != nil {
		return
	}
	d, ok := ledger.Base(k.deps.Ledger).(ledger.Diagnoser)
	if !ok {
		return
	}
	snap, err := d.Diagnose(ctx, k.deps.Tokens)
	if err != nil {
		k.log.Warn("Diagnostics failed", zap.String("when", when), zap.Error(err))
		return
	}
	fields := []zap.Field{
		zap.String("when", when),
		zap.String("account", snap.Account.Hex()),
		zap.String("native_balance", snap.NativeBalance.String()),
		zap.String("pool_balance", snap.PoolBalance.String()),
		zap.Uint64("nonce", snap.Nonce),
		zap.String("router_version", snap.RouterVersion),
	}
	for _, sym := range snap.Symbols() {
		fields = append(fields, zap.String("balance_"+sym, snap.TokenBalances[sym].String()))
	}
	k.log.Info("Account diagnostics", fields...)
	if snap.NativeBalance.LessThan(lowBalance) {
		k.log.Warn("Native balance is low", zap.String("balance", snap.NativeBalance.String()))
	}
}

var lowBalance = decimal.RequireFromString("0.1")
