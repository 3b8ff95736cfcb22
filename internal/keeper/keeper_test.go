package keeper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"dex-keeper-go/internal/clock"
	"dex-keeper-go/internal/gate"
	"dex-keeper-go/internal/ledger"
	"dex-keeper-go/internal/models"
	"dex-keeper-go/internal/storage"
	"dex-keeper-go/internal/txctl"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	keeperAccount = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	arb           = common.HexToAddress("0x9fE46736679d2D9a65F0992F2272dE9f3c7fa6e0")
)

type countingSource struct {
	txctl.SequenceSource
	mu    sync.Mutex
	reads int
}

func (c *countingSource) AccountSequence(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	c.reads++
	c.mu.Unlock()
	return c.SequenceSource.AccountSequence(ctx)
}

type memJournal struct {
	entries []storage.Entry
}

func (m *memJournal) Record(ctx context.Context, e storage.Entry) error {
	m.entries = append(m.entries, e)
	return nil
}

type recordingAlert struct {
	descriptions []string
}

func (r *recordingAlert) Trigger(description string, details interface{}) error {
	r.descriptions = append(r.descriptions, description)
	return nil
}

type fixture struct {
	paper   *ledger.PaperLedger
	clk     *clock.Fake
	source  *countingSource
	journal *memJournal
	alert   *recordingAlert
	keeper  *Keeper
}

func testKeeperConfig() models.KeeperConfig {
	return models.KeeperConfig{
		CycleIntervalMs:         5000,
		PositionEveryNCycles:    2,
		PauseWaitMs:             10000,
		LiquidationThresholdPct: -80,
		LegSelection:            models.LegSelection{Limit: "auto", StopLoss: "auto"},
	}
}

func newFixture(t *testing.T, kc models.KeeperConfig) *fixture {
	t.Helper()
	f := &fixture{
		paper:   ledger.NewPaperLedger(keeperAccount, 20),
		clk:     clock.NewFake(time.Unix(1_700_000_000, 0)),
		journal: &memJournal{},
		alert:   &recordingAlert{},
	}
	f.source = &countingSource{SequenceSource: f.paper}
	ctl := txctl.NewController(f.source, models.GasConfig{Limit: 300000}, zap.NewNop())
	f.keeper = New(kc, Deps{
		Ledger:     f.paper,
		Controller: ctl,
		Gate:       gate.New(f.paper, f.clk, 3*time.Second, zap.NewNop()),
		Clock:      f.clk,
		Journal:    f.journal,
		Alert:      f.alert,
		Tokens:     map[string]common.Address{"ARB": arb},
		RunID:      "test",
		Logger:     zap.NewNop(),
	})
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.keeper.Start(context.Background()))
}

func limitLong(target int64) models.Order {
	return models.Order{
		User:        common.HexToAddress("0xabc"),
		TokenIn:     arb,
		TokenOut:    models.NativeAsset,
		AmountIn:    decimal.NewFromInt(1),
		TargetPrice: decimal.NewFromInt(target),
		Kind:        models.Limit,
		Direction:   models.Long,
	}
}

func longPosition(entry int64) models.Position {
	return models.Position{
		User:       common.HexToAddress("0xdef"),
		Token:      arb,
		Kind:       models.Long,
		Collateral: decimal.NewFromInt(10),
		Leverage:   1,
		EntryPrice: decimal.NewFromInt(entry),
		IsOpen:     true,
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "SCAN_POSITIONS", ScanPositions.String())
	assert.Equal(t, "STATE(42)", State(42).String())
}

func TestCycle_ExecutesEligibleOrders(t *testing.T) {
	f := newFixture(t, testKeeperConfig())
	f.paper.SetPrice(arb, decimal.NewFromInt(99))
	eligible := f.paper.AddOrder(limitLong(100))
	notYet := f.paper.AddOrder(limitLong(90))
	done := limitLong(100)
	done.Executed = true
	f.paper.AddOrder(done)
	f.start(t)

	s, err := f.keeper.Cycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, uint64(1), s.Cycle)
	assert.Equal(t, 2, s.Orders, "executed orders are not pending")
	assert.Equal(t, 1, s.Executed)
	assert.Equal(t, 1, s.Skipped)
	assert.Equal(t, 0, s.Failed)
	assert.Equal(t, Idle, f.keeper.State())

	o, _ := f.paper.Order(eligible)
	assert.True(t, o.Executed)
	o, _ = f.paper.Order(notYet)
	assert.False(t, o.Executed)

	subs := f.paper.Submissions()
	require.Len(t, subs, 1)
	assert.Equal(t, uint64(0), subs[0].Nonce)
	assert.Equal(t, "1200000000", subs[0].GasPrice.String(), "fee estimate x120/100")

	require.Len(t, f.journal.entries, 1)
	assert.Equal(t, ledger.OpExecuteOrder, f.journal.entries[0].Op)
	assert.Equal(t, "ok", f.journal.entries[0].Outcome)
	assert.Equal(t, []time.Duration{5 * time.Second}, f.clk.Sleeps())
}

func TestCycle_EligibilityFlipsAtTarget(t *testing.T) {
	f := newFixture(t, testKeeperConfig())
	id := f.paper.AddOrder(limitLong(100))
	f.start(t)

	for _, price := range []int64{110, 105, 101} {
		f.paper.SetPrice(arb, decimal.NewFromInt(price))
		s, err := f.keeper.Cycle(context.Background())
		require.NoError(t, err)
		assert.Zero(t, s.Executed, "price %d", price)
	}
	f.paper.SetPrice(arb, decimal.NewFromInt(100))
	s, err := f.keeper.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, s.Executed)

	o, _ := f.paper.Order(id)
	assert.True(t, o.Executed)
}

func TestCycle_PausedSkipsScans(t *testing.T) {
	f := newFixture(t, testKeeperConfig())
	f.paper.SetPrice(arb, decimal.NewFromInt(99))
	f.paper.AddOrder(limitLong(100))
	f.start(t)
	f.paper.SetPaused(true)

	s, err := f.keeper.Cycle(context.Background())
	require.NoError(t, err)
	assert.True(t, s.Paused)
	assert.Zero(t, s.Orders)
	assert.Empty(t, f.paper.Submissions())
	assert.Equal(t, []time.Duration{10 * time.Second}, f.clk.Sleeps())

	f.paper.SetPaused(false)
	s, err = f.keeper.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, s.Executed)
}

func TestCycle_UnreadablePauseFlagCountsAsPaused(t *testing.T) {
	f := newFixture(t, testKeeperConfig())
	f.start(t)
	f.paper.FailNext(ledger.OpIsPaused, errors.New("connection refused"))

	s, err := f.keeper.Cycle(context.Background())
	require.NoError(t, err)
	assert.True(t, s.Paused)
}

func TestCycle_PositionsOnCoarserCadence(t *testing.T) {
	f := newFixture(t, testKeeperConfig())
	f.paper.SetPrice(arb, decimal.NewFromInt(150))
	first := f.paper.AddPosition(longPosition(1000))
	f.start(t)

	s, err := f.keeper.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, s.Liquidated)
	p, _ := f.paper.Position(first)
	assert.False(t, p.IsOpen)

	second := f.paper.AddPosition(longPosition(1000))
	s, err = f.keeper.Cycle(context.Background())
	require.NoError(t, err)
	assert.Zero(t, s.Positions, "positions are not scanned on cycle 2")
	p, _ = f.paper.Position(second)
	assert.True(t, p.IsOpen)

	s, err = f.keeper.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, s.Liquidated)
	p, _ = f.paper.Position(second)
	assert.False(t, p.IsOpen)
}

func TestCycle_LiquidationRespectsThreshold(t *testing.T) {
	kc := testKeeperConfig()
	kc.LiquidationThresholdPct = -90
	f := newFixture(t, kc)
	f.paper.SetPrice(arb, decimal.NewFromInt(150))
	id := f.paper.AddPosition(longPosition(1000))
	f.start(t)

	s, err := f.keeper.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, s.Positions)
	assert.Zero(t, s.Liquidated, "-85% is above a -90% threshold")
	p, _ := f.paper.Position(id)
	assert.True(t, p.IsOpen)
}

func TestCycle_NonceConflictResyncsAndRetriesOnce(t *testing.T) {
	f := newFixture(t, testKeeperConfig())
	f.paper.SetPrice(arb, decimal.NewFromInt(99))
	f.paper.AddOrder(limitLong(100))
	f.start(t)
	// another sender used the account after the controller started
	f.paper.SetNonce(5)

	s, err := f.keeper.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, s.Executed)

	subs := f.paper.Submissions()
	require.Len(t, subs, 1)
	assert.Equal(t, uint64(5), subs[0].Nonce)
	assert.Equal(t, 2, f.source.reads, "start + exactly one resync")
}

func TestCycle_PersistentNonceConflictMovesOn(t *testing.T) {
	f := newFixture(t, testKeeperConfig())
	f.paper.SetPrice(arb, decimal.NewFromInt(99))
	f.paper.AddOrder(limitLong(100))
	second := f.paper.AddOrder(limitLong(100))
	f.start(t)
	f.paper.FailNext(ledger.OpExecuteOrder, errors.New("nonce too low"))
	f.paper.FailNext(ledger.OpExecuteOrder, errors.New("nonce too low"))

	s, err := f.keeper.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 1, s.Executed)
	assert.Equal(t, 2, f.source.reads)

	subs := f.paper.Submissions()
	require.Len(t, subs, 1)
	assert.Equal(t, second, subs[0].ItemID)
	assert.Equal(t, uint64(0), subs[0].Nonce)

	require.Len(t, f.journal.entries, 2)
	assert.Equal(t, "nonce_conflict", f.journal.entries[0].Outcome)
}

func TestCycle_ReadFailureDoesNotAbortScan(t *testing.T) {
	f := newFixture(t, testKeeperConfig())
	f.paper.SetPrice(arb, decimal.NewFromInt(99))
	f.paper.AddOrder(limitLong(100))
	f.paper.AddOrder(limitLong(100))
	f.start(t)
	f.paper.FailNext(ledger.OpGetOrder, errors.New("connection reset by peer"))

	s, err := f.keeper.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 1, s.Executed)
}

func TestCycle_CancelledOrderIsSkipped(t *testing.T) {
	f := newFixture(t, testKeeperConfig())
	f.paper.SetPrice(arb, decimal.NewFromInt(99))
	gone := f.paper.AddOrder(limitLong(100))
	f.paper.AddOrder(limitLong(100))
	f.paper.CancelOrder(gone)
	f.start(t)

	s, err := f.keeper.Cycle(context.Background())
	require.NoError(t, err)
	assert.Zero(t, s.Failed)
	assert.Equal(t, 1, s.Executed)
}

func TestCycle_InsufficientFundsAlerts(t *testing.T) {
	f := newFixture(t, testKeeperConfig())
	f.paper.SetPrice(arb, decimal.NewFromInt(99))
	f.paper.AddOrder(limitLong(100))
	f.start(t)
	f.paper.FailNext(ledger.OpExecuteOrder, errors.New("insufficient funds for gas * price + value"))

	s, err := f.keeper.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, s.Failed)
	require.Len(t, f.alert.descriptions, 1)
	assert.Contains(t, f.alert.descriptions[0], "insufficient funds")
	assert.Equal(t, "insufficient_funds", f.journal.entries[0].Outcome)
}

func TestCycle_ConfirmOnLedger(t *testing.T) {
	kc := testKeeperConfig()
	kc.ConfirmOnLedger = true
	kc.LegSelection.Limit = "token_out"
	f := newFixture(t, kc)
	f.paper.SetPrice(arb, decimal.NewFromInt(150))
	f.paper.SetPrice(models.NativeAsset, decimal.NewFromInt(99))
	f.paper.AddOrder(limitLong(100))
	f.start(t)

	// token_out says eligible, the router tracks token_in and disagrees
	s, err := f.keeper.Cycle(context.Background())
	require.NoError(t, err)
	assert.Zero(t, s.Executed)
	assert.Equal(t, 1, s.Skipped)
	assert.Empty(t, f.paper.Submissions())
}

func TestRun_StopsOnCancel(t *testing.T) {
	f := newFixture(t, testKeeperConfig())
	f.paper.SetPrice(arb, decimal.NewFromInt(99))
	f.paper.AddOrder(limitLong(100))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.clk.OnSleep = func(n int, d time.Duration) {
		if n == 2 {
			cancel()
		}
	}

	require.NoError(t, f.keeper.Run(ctx))
	assert.Len(t, f.clk.Sleeps(), 2)
	assert.Len(t, f.paper.Submissions(), 1)
}

func TestRun_StartFailureIsFatal(t *testing.T) {
	f := newFixture(t, testKeeperConfig())
	f.paper.FailNext(ledger.OpAccountSequence, errors.New("dial tcp 127.0.0.1:8545: connection refused"))

	err := f.keeper.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "resolve initial sequence")
}

// pauseOnRead flips the pause flag when a given order is read, between two writes.
type pauseOnRead struct {
	*ledger.PaperLedger
	at uint64
}

func (p *pauseOnRead) GetOrder(ctx context.Context, id uint64) (*models.Order, error) {
	if id == p.at {
		p.SetPaused(true)
	}
	return p.PaperLedger.GetOrder(ctx, id)
}

func TestCycle_PauseMidScanStopsWrites(t *testing.T) {
	f := newFixture(t, testKeeperConfig())
	f.keeper.deps.Ledger = &pauseOnRead{PaperLedger: f.paper, at: 2}
	f.paper.SetPrice(arb, decimal.NewFromInt(99))
	first := f.paper.AddOrder(limitLong(100))
	f.paper.AddOrder(limitLong(100))
	f.paper.AddOrder(limitLong(100))
	f.paper.AddPosition(longPosition(1000))
	f.start(t)

	s, err := f.keeper.Cycle(context.Background())
	require.NoError(t, err)
	assert.True(t, s.Paused)
	assert.Equal(t, 1, s.Executed)
	assert.Zero(t, s.Failed)
	assert.Zero(t, s.Positions, "positions wait for an unpaused cycle")

	subs := f.paper.Submissions()
	require.Len(t, subs, 1)
	assert.Equal(t, first, subs[0].ItemID)
	assert.Equal(t, []time.Duration{10 * time.Second}, f.clk.Sleeps())
	assert.Equal(t, Idle, f.keeper.State())
}

func TestCycle_PausedRejectionHaltsScan(t *testing.T) {
	f := newFixture(t, testKeeperConfig())
	f.paper.SetPrice(arb, decimal.NewFromInt(99))
	f.paper.AddOrder(limitLong(100))
	f.paper.AddOrder(limitLong(100))
	f.start(t)
	// the flag read said operational but the write raced an emergency stop
	f.paper.FailNext(ledger.OpExecuteOrder, errors.New("execution reverted: System paused"))

	s, err := f.keeper.Cycle(context.Background())
	require.NoError(t, err)
	assert.True(t, s.Paused)
	assert.Zero(t, s.Failed)
	assert.Zero(t, s.Executed)
	assert.Empty(t, f.paper.Submissions())

	require.Len(t, f.journal.entries, 1)
	assert.Equal(t, "system_paused", f.journal.entries[0].Outcome)
	assert.Equal(t, []time.Duration{10 * time.Second}, f.clk.Sleeps())

	s, err = f.keeper.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, s.Executed)
}

func TestCycle_PausedCyclesKeepPositionCadence(t *testing.T) {
	f := newFixture(t, testKeeperConfig())
	f.paper.SetPrice(arb, decimal.NewFromInt(150))
	f.start(t)

	s, err := f.keeper.Cycle(context.Background())
	require.NoError(t, err)
	s, err = f.keeper.Cycle(context.Background())
	require.NoError(t, err)

	f.paper.SetPaused(true)
	s, err = f.keeper.Cycle(context.Background())
	require.NoError(t, err)
	require.True(t, s.Paused)
	f.paper.SetPaused(false)

	id := f.paper.AddPosition(longPosition(1000))
	s, err = f.keeper.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(4), s.Cycle)
	assert.Equal(t, 1, s.Liquidated, "third scanning cycle includes positions")
	p, _ := f.paper.Position(id)
	assert.False(t, p.IsOpen)
}

// cancelOnRead cancels the run while an order read is in flight.
type cancelOnRead struct {
	*ledger.PaperLedger
	cancel context.CancelFunc
}

func (c *cancelOnRead) GetOrder(ctx context.Context, id uint64) (*models.Order, error) {
	c.cancel()
	return nil, ctx.Err()
}

func TestCycle_ShutdownReadIsNotCountedAsFailure(t *testing.T) {
	f := newFixture(t, testKeeperConfig())
	f.paper.SetPrice(arb, decimal.NewFromInt(99))
	f.paper.AddOrder(limitLong(100))
	f.start(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.keeper.deps.Ledger = &cancelOnRead{PaperLedger: f.paper, cancel: cancel}

	s, err := f.keeper.Cycle(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, s.Failed)
	assert.Empty(t, f.paper.Submissions())
}
