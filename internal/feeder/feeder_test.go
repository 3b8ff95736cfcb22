package feeder

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"dex-keeper-go/internal/clock"
	"dex-keeper-go/internal/gate"
	"dex-keeper-go/internal/ledger"
	"dex-keeper-go/internal/models"
	"dex-keeper-go/internal/pricemodel"
	"dex-keeper-go/internal/storage"
	"dex-keeper-go/internal/txctl"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	feederAccount = common.HexToAddress("0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC")
	assets        = map[string]common.Address{
		"ETH":  models.NativeAsset,
		"ARB":  common.HexToAddress("0x9fE46736679d2D9a65F0992F2272dE9f3c7fa6e0"),
		"USDC": common.HexToAddress("0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512"),
	}
	seeds = map[string]decimal.Decimal{
		"ETH":  decimal.NewFromInt(3000),
		"ARB":  decimal.RequireFromString("1.2"),
		"USDC": decimal.NewFromInt(1),
	}
)

// constRand always draws v; 0.5 leaves the walk unchanged.
type constRand float64

func (c constRand) Float64() float64 { return float64(c) }

type memJournal struct {
	mu      sync.Mutex
	entries []storage.Entry
}

func (m *memJournal) Record(ctx context.Context, e storage.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

type fakeHeads struct {
	latest uint64
	waits  []uint64
}

func (h *fakeHeads) Latest() uint64 { return h.latest }

func (h *fakeHeads) WaitForNewer(ctx context.Context, than uint64) (uint64, error) {
	h.waits = append(h.waits, than)
	h.latest = than + 1
	return h.latest, nil
}

type fixture struct {
	paper   *ledger.PaperLedger
	clk     *clock.Fake
	model   *pricemodel.Model
	journal *memJournal
	out     *bytes.Buffer
	feeder  *Feeder
}

func testFeederConfig() models.FeederConfig {
	return models.FeederConfig{
		UpdateIntervalMs:        300000,
		PauseCheckIntervalMs:    3000,
		IndividualUpdateDelayMs: 1000,
		ShockDelayMs:            200,
		HistoryMax:              100,
		ReportWindow:            24,
		Floor:                   "0.01",
		Volatility:              models.DefaultVolatility(),
	}
}

func newFixture(t *testing.T, fc models.FeederConfig, rnd pricemodel.Rand) *fixture {
	t.Helper()
	f := &fixture{
		paper:   ledger.NewPaperLedger(feederAccount, 20),
		clk:     clock.NewFake(time.Unix(1_700_000_000, 0)),
		journal: &memJournal{},
		out:     &bytes.Buffer{},
	}
	for sym, p := range seeds {
		f.paper.SetPrice(assets[sym], p)
	}
	m, err := pricemodel.New(fc, pricemodel.OrderSymbols("ETH", []string{"USDC", "ETH", "ARB"}), seeds, rnd, f.clk.Now)
	require.NoError(t, err)
	f.model = m
	f.feeder = New(fc, Deps{
		Ledger:     f.paper,
		Controller: txctl.NewController(f.paper, models.GasConfig{Limit: 300000}, zap.NewNop()),
		Gate:       gate.New(f.paper, f.clk, fc.PauseCheckInterval(), zap.NewNop()),
		Clock:      f.clk,
		Model:      m,
		Assets:     assets,
		Journal:    f.journal,
		Out:        f.out,
		RunID:      "test",
		Logger:     zap.NewNop(),
	})
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.feeder.Start(context.Background()))
}

func symbolsOf(p *ledger.PaperLedger) []common.Address {
	var out []common.Address
	for _, s := range p.Submissions() {
		out = append(out, s.Asset)
	}
	return out
}

func TestRunBatch_PublishesSeriallyWithDelay(t *testing.T) {
	f := newFixture(t, testFeederConfig(), constRand(0.5))
	f.start(t)

	res, err := f.feeder.RunBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Batch: 1, Symbols: 3, Published: 3}, res)

	assert.Equal(t, []common.Address{assets["ETH"], assets["ARB"], assets["USDC"]}, symbolsOf(f.paper))
	for i, s := range f.paper.Submissions() {
		assert.Equal(t, uint64(i), s.Nonce)
	}
	assert.Equal(t, []time.Duration{time.Second, time.Second}, f.clk.Sleeps())
	assert.Len(t, f.journal.entries, 3)
	assert.Len(t, f.model.History("ETH"), 2)
}

func TestPublish_PauseMidBatchDefersWholeBatch(t *testing.T) {
	f := newFixture(t, testFeederConfig(), constRand(0.5))
	f.start(t)
	f.clk.OnSleep = func(n int, d time.Duration) {
		switch n {
		case 1:
			// set after the first symbol went out, before the second one
			f.paper.SetPaused(true)
		case 2:
			f.paper.SetPaused(false)
		}
	}

	res, err := f.feeder.RunBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deferrals)
	assert.Equal(t, 3, res.Published)

	assert.Equal(t, []common.Address{
		assets["ETH"],
		assets["ETH"], assets["ARB"], assets["USDC"],
	}, symbolsOf(f.paper))
	assert.Equal(t, []time.Duration{time.Second, 3 * time.Second, time.Second, time.Second}, f.clk.Sleeps())
}

func TestPublish_PausedBeforeBatch(t *testing.T) {
	f := newFixture(t, testFeederConfig(), constRand(0.5))
	f.start(t)
	f.paper.SetPaused(true)
	f.clk.OnSleep = func(n int, d time.Duration) {
		if n == 3 {
			f.paper.SetPaused(false)
		}
	}

	res, err := f.feeder.RunBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deferrals)
	assert.Len(t, f.paper.Submissions(), 3)
	assert.Equal(t, []time.Duration{3 * time.Second, 3 * time.Second, 3 * time.Second, time.Second, time.Second}, f.clk.Sleeps())
}

func TestPublish_FailureDoesNotAbortBatch(t *testing.T) {
	f := newFixture(t, testFeederConfig(), constRand(0.5))
	f.start(t)
	f.paper.FailNext(ledger.OpUpdatePrice, errors.New("execution reverted: Price change too large"))

	res, err := f.feeder.RunBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 2, res.Published)
	assert.Equal(t, []common.Address{assets["ARB"], assets["USDC"]}, symbolsOf(f.paper))

	require.Len(t, f.journal.entries, 3)
	assert.Equal(t, "circuit_breaker_rejected", f.journal.entries[0].Outcome)
}

func TestPublish_PauseRejectionAtSubmitDefers(t *testing.T) {
	f := newFixture(t, testFeederConfig(), constRand(0.5))
	f.start(t)
	// the flag read said operational but the write raced an emergency stop
	f.paper.FailNext(ledger.OpUpdatePrice, errors.New("execution reverted: System paused"))

	res, err := f.feeder.RunBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deferrals)
	assert.Equal(t, 3, res.Published)
	assert.Len(t, f.paper.Submissions(), 3)
}

func TestPublish_WaitsForNewHead(t *testing.T) {
	f := newFixture(t, testFeederConfig(), constRand(0.5))
	heads := &fakeHeads{latest: 10}
	f.feeder.deps.Heads = heads
	f.start(t)

	_, err := f.feeder.RunBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []uint64{10, 11, 12}, heads.waits)
}

func TestShock_SubmitsImmediately(t *testing.T) {
	f := newFixture(t, testFeederConfig(), constRand(0.75))
	f.start(t)

	price, err := f.feeder.Shock(context.Background(), "ETH", 2)
	require.NoError(t, err)
	assert.Equal(t, "3600", price.String())
	assert.True(t, f.paper.Price(assets["ETH"]).Equal(decimal.NewFromInt(3600)))
	assert.Equal(t, []time.Duration{200 * time.Millisecond}, f.clk.Sleeps())
}

func TestShock_BreakerRejectionIsReported(t *testing.T) {
	f := newFixture(t, testFeederConfig(), constRand(0.75))
	f.start(t)

	price, err := f.feeder.Shock(context.Background(), "ARB", 3)
	require.Error(t, err)
	assert.True(t, ledger.IsCode(err, ledger.CircuitBreakerRejected))
	assert.Equal(t, "1.56", price.String())

	current, _ := f.model.Current("ARB")
	assert.True(t, current.Equal(price), "the model keeps its intended price")
	assert.True(t, f.paper.Price(assets["ARB"]).Equal(decimal.RequireFromString("1.2")))
}

func TestShock_PausedIsNotSubmitted(t *testing.T) {
	f := newFixture(t, testFeederConfig(), constRand(0.25))
	f.start(t)
	f.paper.SetPaused(true)

	price, err := f.feeder.Shock(context.Background(), "USDC", 1.5)
	require.NoError(t, err)
	assert.Equal(t, "0.85", price.String())
	assert.Empty(t, f.paper.Submissions())
}

func TestShock_UnknownSymbol(t *testing.T) {
	f := newFixture(t, testFeederConfig(), constRand(0.5))
	f.start(t)
	_, err := f.feeder.Shock(context.Background(), "DOGE", 2)
	assert.Error(t, err)
}

func TestDisplay(t *testing.T) {
	f := newFixture(t, testFeederConfig(), constRand(0.75))
	f.start(t)
	_, err := f.feeder.RunBatch(context.Background())
	require.NoError(t, err)

	f.feeder.Display()
	out := f.out.String()
	assert.Contains(t, out, "ETH")
	assert.Contains(t, out, "ARB")
	assert.Contains(t, out, "USDC")
	assert.Contains(t, out, "1.200")
}

func TestRun_StopsOnCancel(t *testing.T) {
	f := newFixture(t, testFeederConfig(), constRand(0.5))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.clk.OnSleep = func(n int, d time.Duration) {
		if d == 5*time.Minute {
			cancel()
		}
	}

	require.NoError(t, f.feeder.Run(ctx))
	assert.Len(t, f.paper.Submissions(), 3)
}

type recordingAlert struct {
	descriptions []string
}

func (r *recordingAlert) Trigger(description string, details interface{}) error {
	r.descriptions = append(r.descriptions, description)
	return nil
}

func TestPublish_InsufficientFundsAlerts(t *testing.T) {
	f := newFixture(t, testFeederConfig(), constRand(0.5))
	alerts := &recordingAlert{}
	f.feeder.deps.Alert = alerts
	f.start(t)
	f.paper.FailNext(ledger.OpUpdatePrice, errors.New("insufficient funds for gas * price + value"))

	res, err := f.feeder.RunBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 2, res.Published)

	require.Len(t, alerts.descriptions, 1)
	assert.Contains(t, alerts.descriptions[0], "update_price ETH: insufficient funds")
	require.Len(t, f.journal.entries, 3)
	assert.Equal(t, "insufficient_funds", f.journal.entries[0].Outcome)
	assert.Equal(t, "skipped, operator alerted", f.journal.entries[0].Action)
}
