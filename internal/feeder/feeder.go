package feeder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"dex-keeper-go/internal/alert"
	"dex-keeper-go/internal/clock"
	"dex-keeper-go/internal/gate"
	"dex-keeper-go/internal/ledger"
	"dex-keeper-go/internal/metrics"
	"dex-keeper-go/internal/models"
	"dex-keeper-go/internal/pricemodel"
	"dex-keeper-go/internal/reporter"
	"dex-keeper-go/internal/statemanager"
	"dex-keeper-go/internal/storage"
	"dex-keeper-go/internal/txctl"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const headWaitTimeout = 30 * time.Second

// Journal receives one row per submission attempt.
type Journal interface {
	Record(ctx context.Context, e storage.Entry) error
}

// HeadWaiter follows the chain head; *ledger.HeadWatcher implements it.
type HeadWaiter interface {
	Latest() uint64
	WaitForNewer(ctx context.Context, than uint64) (uint64, error)
}

// Deps are the collaborators of a Feeder. Metrics, Journal, State, Heads, Alert and Out
// are optional.
type Deps struct {
	Ledger     ledger.Ledger
	Controller *txctl.Controller
	Gate       *gate.StatusGate
	Clock      clock.Clock
	Model      *pricemodel.Model
	Assets     map[string]common.Address
	Metrics    *metrics.Metrics
	Journal    Journal
	State      *statemanager.StateManager
	Heads      HeadWaiter
	Alert      alert.Alert
	Out        io.Writer
	RunID      string
	Logger     *zap.Logger
}

// BatchResult describes one published batch.
type BatchResult struct {
	Batch     uint64
	Symbols   int
	Published int
	Failed    int
	// Deferrals counts how often the batch was interrupted by a pause and restarted.
	Deferrals int
}

// Feeder publishes the price model's output into the ledger's oracle.
type Feeder struct {
	deps Deps
	fc   models.FeederConfig
	log  *zap.Logger

	batches uint64
	paused  atomic.Bool
	wg      sync.WaitGroup
}

// New creates a feeder.
func New(fc models.FeederConfig, d Deps) *Feeder {
	if d.Out == nil {
		d.Out = io.Discard
	}
	if d.Alert == nil {
		d.Alert, _ = alert.MakeAlert("", "", d.Logger)
	}
	return &Feeder{deps: d, fc: fc, log: d.Logger.With(zap.String("loop", statemanager.LoopFeeder))}
}

// Start resolves the submitting account's sequence.
func (f *Feeder) Start(ctx context.Context) error {
	if err := f.deps.Controller.Start(ctx); err != nil {
		return err
	}
	f.log.Info("Feeder started",
		zap.String("account", f.deps.Ledger.Account().Hex()),
		zap.Strings("symbols", f.deps.Model.Symbols()),
		zap.Duration("update_interval", f.fc.UpdateInterval()),
		zap.Duration("individual_update_delay", f.fc.IndividualUpdateDelay()))
	return nil
}

// Run publishes a batch every update interval until ctx is cancelled. The display task
// and the scheduled shocks run alongside; a non-positive display interval disables the board.
func (f *Feeder) Run(ctx context.Context) error {
	if err := f.Start(ctx); err != nil {
		return err
	}
	if f.fc.DisplayInterval() > 0 {
		f.wg.Add(1)
		go f.displayLoop(ctx)
	}
	for _, s := range f.fc.Shocks {
		f.wg.Add(1)
		go f.scheduledShock(ctx, s)
	}
	defer f.wg.Wait()

	for {
		if _, err := f.RunBatch(ctx); err != nil {
			if isCancel(err) {
				f.log.Info("Feeder stopped", zap.Uint64("batches", f.batches))
				return nil
			}
			return err
		}
		if err := f.deps.Clock.Sleep(ctx, f.fc.UpdateInterval()); err != nil {
			f.log.Info("Feeder stopped", zap.Uint64("batches", f.batches))
			return nil
		}
	}
}

// RunBatch steps every symbol and publishes the batch.
func (f *Feeder) RunBatch(ctx context.Context) (BatchResult, error) {
	if err := ctx.Err(); err != nil {
		return BatchResult{}, err
	}
	f.batches++
	updates := f.deps.Model.StepAll()
	res, err := f.Publish(ctx, updates)
	res.Batch = f.batches

	f.deps.Metrics.Cycle(statemanager.LoopFeeder)
	f.deps.State.RecordCounter(statemanager.LoopFeeder, statemanager.CounterCycle, "")
	f.deps.State.RecordPrices(f.deps.Model.Snapshot())
	f.log.Info("Batch complete",
		zap.Uint64("batch", res.Batch),
		zap.Int("symbols", res.Symbols),
		zap.Int("published", res.Published),
		zap.Int("failed", res.Failed),
		zap.Int("deferrals", res.Deferrals))
	return res, err
}

// Publish submits updates one at a time. A pause seen before any submission defers the
// rest of the batch; once the ledger is operational again the whole batch is submitted
// from its first symbol, so a batch is never left partially applied.
func (f *Feeder) Publish(ctx context.Context, updates []pricemodel.Update) (BatchResult, error) {
	res := BatchResult{Symbols: len(updates)}
	for {
		res.Published, res.Failed = 0, 0
		deferred, err := f.publishRound(ctx, updates, &res)
		if err != nil {
			return res, err
		}
		if !deferred {
			return res, nil
		}
		res.Deferrals++
		f.paused.Store(true)
		if err := f.deps.Gate.WaitUntilOperational(ctx); err != nil {
			return res, err
		}
		f.paused.Store(false)
		f.log.Info("Resubmitting deferred batch", zap.Int("symbols", len(updates)))
	}
}

func (f *Feeder) publishRound(ctx context.Context, updates []pricemodel.Update, res *BatchResult) (bool, error) {
	for i, u := range updates {
		if i > 0 {
			if err := f.deps.Clock.Sleep(ctx, f.fc.IndividualUpdateDelay()); err != nil {
				return false, err
			}
		}
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if f.isPaused(ctx) {
			f.log.Warn("System paused, deferring batch",
				zap.String("next_symbol", u.Symbol), zap.Int("remaining", len(updates)-i))
			return true, nil
		}
		err := f.submit(ctx, u)
		switch {
		case err == nil:
			res.Published++
		case ledger.IsCode(err, ledger.SystemPaused):
			return true, nil
		default:
			res.Failed++
		}
	}
	return false, nil
}

func (f *Feeder) isPaused(ctx context.Context) bool {
	paused, err := f.deps.Gate.Paused(ctx)
	if err != nil {
		f.log.Warn("Pause flag unreadable, treating as paused", zap.Error(err))
	}
	f.paused.Store(paused)
	return paused
}

// submit publishes one price and classifies the outcome. Failures are logged and left to
// the next batch; only the pause class is reported back so the caller can defer.
func (f *Feeder) submit(ctx context.Context, u pricemodel.Update) error {
	asset, ok := f.deps.Assets[u.Symbol]
	if !ok {
		err := fmt.Errorf("no asset address for %s", u.Symbol)
		f.log.Error("Cannot publish price", zap.String("symbol", u.Symbol), zap.Error(err))
		return err
	}

	var head uint64
	if f.deps.Heads != nil {
		head = f.deps.Heads.Latest()
	}
	res, err := f.deps.Controller.Submit(ctx, fmt.Sprintf("%s %s", ledger.OpUpdatePrice, u.Symbol),
		func(ctx context.Context, opts ledger.TxOpts) (ledger.PendingTx, error) {
			return f.deps.Ledger.UpdatePrice(ctx, asset, u.Price, opts)
		})
	if err != nil {
		f.failure(ctx, u, res, err)
		return err
	}

	f.deps.Metrics.Submission(statemanager.LoopFeeder, ledger.OpUpdatePrice, "ok")
	f.deps.Metrics.PublishedPrice(u.Symbol, u.Price.InexactFloat64())
	f.deps.Metrics.GasPrice(statemanager.LoopFeeder, res.GasPrice)
	f.deps.Metrics.NextSequence(statemanager.LoopFeeder, f.deps.Controller.Snapshot().NextSequence)
	f.deps.State.RecordCounter(statemanager.LoopFeeder, statemanager.CounterPublished, "")
	f.record(ctx, u, res, "ok", "published", "")
	f.log.Info("Price published",
		zap.String("symbol", u.Symbol),
		zap.String("price", u.Price.String()),
		zap.String("tx", res.Hash),
		zap.Uint64("nonce", res.Nonce))

	if f.deps.Heads != nil {
		f.waitForHead(ctx, head)
	}
	return nil
}

func (f *Feeder) waitForHead(ctx context.Context, after uint64) {
	waitCtx, cancel := context.WithTimeout(ctx, headWaitTimeout)
	defer cancel()
	if _, err := f.deps.Heads.WaitForNewer(waitCtx, after); err != nil && ctx.Err() == nil {
		f.log.Debug("No new head before timeout", zap.Uint64("after", after))
	}
}

func (f *Feeder) failure(ctx context.Context, u pricemodel.Update, res *txctl.Result, err error) {
	code := ledger.CodeOf(err)
	action := "skipped, next batch publishes a fresh price"
	switch code {
	case ledger.CircuitBreakerRejected:
		action = "skipped, rejected by the oracle circuit breaker"
	case ledger.SystemPaused:
		action = "deferred until unpause"
	case ledger.NonceConflict:
		action = "skipped after one resync and retry"
	case ledger.InsufficientFunds:
		action = "skipped, operator alerted"
		if aerr := f.deps.Alert.Trigger(fmt.Sprintf("feeder %s %s: insufficient funds", ledger.OpUpdatePrice, u.Symbol), map[string]string{
			"account": f.deps.Ledger.Account().Hex(),
			"price":   u.Price.String(),
			"error":   err.Error(),
		}); aerr != nil {
			f.log.Error("Alert failed", zap.Error(aerr))
		}
	}

	f.deps.Metrics.Submission(statemanager.LoopFeeder, ledger.OpUpdatePrice, code.String())
	f.deps.State.RecordCounter(statemanager.LoopFeeder, statemanager.CounterFailed, code.String())
	f.deps.State.RecordError(ledger.OpUpdatePrice+" "+u.Symbol, err.Error())
	f.record(ctx, u, res, code.String(), action, err.Error())
	f.log.Warn("Price update failed",
		zap.String("symbol", u.Symbol),
		zap.String("price", u.Price.String()),
		zap.String("classification", code.String()),
		zap.String("action", action),
		zap.Error(err))
}

func (f *Feeder) record(ctx context.Context, u pricemodel.Update, res *txctl.Result, outcome, action, reason string) {
	if f.deps.Journal == nil {
		return
	}
	e := storage.Entry{
		RunID:   f.deps.RunID,
		Loop:    statemanager.LoopFeeder,
		Op:      ledger.OpUpdatePrice,
		Item:    u.Symbol + "=" + u.Price.String(),
		Outcome: outcome,
		Action:  action,
		Reason:  reason,
	}
	if res != nil {
		e.Nonce, e.TxHash = res.Nonce, res.Hash
		if res.GasPrice != nil {
			e.GasPrice = res.GasPrice.String()
		}
	}
	if err := f.deps.Journal.Record(context.WithoutCancel(ctx), e); err != nil {
		f.log.Warn("Journal write failed", zap.Error(err))
	}
}

// Shock moves symbol by ±10%·multiplier and publishes it at once. While the ledger is
// paused the shocked price is only recorded locally.
func (f *Feeder) Shock(ctx context.Context, symbol string, multiplier float64) (decimal.Decimal, error) {
	price, direction, err := f.deps.Model.Shock(symbol, multiplier)
	if err != nil {
		return decimal.Zero, err
	}
	f.log.Warn("Price shock",
		zap.String("symbol", symbol),
		zap.Float64("multiplier", multiplier),
		zap.Int("direction", direction),
		zap.String("price", price.String()))
	f.deps.State.RecordPrices(f.deps.Model.Snapshot())

	if f.isPaused(ctx) {
		f.log.Warn("System paused, shock not submitted", zap.String("symbol", symbol))
		return price, nil
	}
	if err := f.deps.Clock.Sleep(ctx, f.fc.ShockDelay()); err != nil {
		return price, err
	}
	return price, f.submit(ctx, pricemodel.Update{Symbol: symbol, Price: price})
}

func (f *Feeder) scheduledShock(ctx context.Context, s models.ShockConfig) {
	defer f.wg.Done()
	if err := f.deps.Clock.Sleep(ctx, s.Delay()); err != nil {
		return
	}
	if !f.deps.Model.Has(s.Symbol) {
		f.log.Warn("Scheduled shock for unknown symbol", zap.String("symbol", s.Symbol))
		return
	}
	if _, err := f.Shock(ctx, s.Symbol, s.Multiplier); err != nil && !isCancel(err) {
		f.log.Warn("Scheduled shock failed", zap.String("symbol", s.Symbol), zap.Error(err))
	}
}

func (f *Feeder) displayLoop(ctx context.Context) {
	defer f.wg.Done()
	for {
		if err := f.deps.Clock.Sleep(ctx, f.fc.DisplayInterval()); err != nil {
			return
		}
		f.Display()
	}
}

// Display renders the price board to the configured writer.
func (f *Feeder) Display() {
	board := reporter.Board{
		GasPrice: f.deps.Controller.Snapshot().GasPrice,
		Paused:   f.paused.Load(),
		Window:   f.fc.ReportWindow,
		Now:      f.deps.Clock.Now(),
	}
	for _, sym := range f.deps.Model.Symbols() {
		if s, ok := f.deps.Model.Stats(sym, f.fc.ReportWindow); ok {
			board.Stats = append(board.Stats, s)
		}
	}
	if f.deps.State != nil {
		snap := f.deps.State.GetStateSnapshot()
		board.Errors = snap.RecentErrors
		board.Counters = snap.Feeder
	}
	reporter.PriceBoard(f.deps.Out, board)
}

func isCancel(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
