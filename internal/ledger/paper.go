package ledger

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"dex-keeper-go/internal/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

// Operation names used in classified errors and failure injection.
const (
	OpNextOrderID     = "get_next_order_id"
	OpNextPositionID  = "get_next_position_id"
	OpGetOrder        = "get_order"
	OpGetPosition     = "get_position"
	OpGetPrice        = "get_price"
	OpShouldExecute   = "should_execute_order"
	OpIsPaused        = "get_pause_flag"
	OpAccountSequence = "get_account_sequence"
	OpFeeEstimate     = "get_fee_estimate"
	OpExecuteOrder    = "execute_order"
	OpLiquidate       = "liquidate_position"
	OpUpdatePrice     = "update_price"
)

// Submission records one write accepted by the paper ledger.
type Submission struct {
	Op       string
	ItemID   uint64
	Asset    common.Address
	Price    decimal.Decimal
	Nonce    uint64
	GasPrice *big.Int
	Hash     string
	Reverted bool
}

// PaperLedger simulates the router, oracle and access control in memory. It enforces the
// same rules the contracts do where the agent can observe them: the pause flag, strict
// account nonces and the oracle circuit breaker.
type PaperLedger struct {
	mu sync.Mutex

	account      common.Address
	orders       map[uint64]*models.Order
	positions    map[uint64]*models.Position
	nextOrderID  uint64
	nextPosID    uint64
	prices       map[common.Address]decimal.Decimal
	paused       bool
	nonce        uint64
	gasPrice     *big.Int
	maxChangePct decimal.Decimal

	failNext    map[string][]error
	revertNext  map[string][]error
	submissions []Submission

	// OnSubmit, when set, runs after a write is accepted and before it is returned.
	OnSubmit func(s Submission)
}

// NewPaperLedger creates an empty simulated ledger. A non-positive maxChangePct disables
// the oracle circuit breaker.
func NewPaperLedger(account common.Address, maxChangePct float64) *PaperLedger {
	return &PaperLedger{
		account:      account,
		orders:       make(map[uint64]*models.Order),
		positions:    make(map[uint64]*models.Position),
		nextOrderID:  1,
		nextPosID:    1,
		prices:       make(map[common.Address]decimal.Decimal),
		gasPrice:     big.NewInt(1_000_000_000),
		maxChangePct: decimal.NewFromFloat(maxChangePct),
		failNext:     make(map[string][]error),
		revertNext:   make(map[string][]error),
	}
}

// --- simulation controls ---

// AddOrder stores o under the next dense id and returns that id.
func (p *PaperLedger) AddOrder(o models.Order) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	o.ID = p.nextOrderID
	p.nextOrderID++
	p.orders[o.ID] = &o
	return o.ID
}

// AddPosition stores pos under the next dense id and returns that id.
func (p *PaperLedger) AddPosition(pos models.Position) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos.ID = p.nextPosID
	p.nextPosID++
	p.positions[pos.ID] = &pos
	return pos.ID
}

// CancelOrder removes an order the way a user cancellation would.
func (p *PaperLedger) CancelOrder(id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.orders, id)
}

// SetPrice writes the oracle directly, bypassing the circuit breaker.
func (p *PaperLedger) SetPrice(asset common.Address, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[asset] = price
}

func (p *PaperLedger) SetPaused(paused bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = paused
}

// SetNonce simulates another sender moving the account sequence.
func (p *PaperLedger) SetNonce(n uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nonce = n
}

func (p *PaperLedger) SetGasPrice(v *big.Int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gasPrice = new(big.Int).Set(v)
}

// FailNext makes the next call of op fail with err before anything is applied.
func (p *PaperLedger) FailNext(op string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failNext[op] = append(p.failNext[op], err)
}

// RevertNext makes the next accepted write of op consume its nonce and then fail on Wait.
func (p *PaperLedger) RevertNext(op string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.revertNext[op] = append(p.revertNext[op], err)
}

// Submissions returns every accepted write in order.
func (p *PaperLedger) Submissions() []Submission {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Submission, len(p.submissions))
	copy(out, p.submissions)
	return out
}

// Order returns a copy of the stored order, if any.
func (p *PaperLedger) Order(id uint64) (models.Order, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[id]
	if !ok {
		return models.Order{}, false
	}
	return *o, true
}

// Position returns a copy of the stored position, if any.
func (p *PaperLedger) Position(id uint64) (models.Position, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, ok := p.positions[id]
	if !ok {
		return models.Position{}, false
	}
	return *pos, true
}

// Price returns the oracle value without going through the read interface.
func (p *PaperLedger) Price(asset common.Address) decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.prices[asset]
}

// popFailure must be called with the mutex held.
func (p *PaperLedger) popFailure(op string) error {
	q := p.failNext[op]
	if len(q) == 0 {
		return nil
	}
	p.failNext[op] = q[1:]
	return Classify(op, q[0], "")
}

func (p *PaperLedger) popRevert(op string) error {
	q := p.revertNext[op]
	if len(q) == 0 {
		return nil
	}
	p.revertNext[op] = q[1:]
	return Classify(op, q[0], "")
}

// --- Reader ---

func (p *PaperLedger) Account() common.Address { return p.account }

func (p *PaperLedger) NextOrderID(ctx context.Context) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.popFailure(OpNextOrderID); err != nil {
		return 0, err
	}
	return p.nextOrderID, nil
}

func (p *PaperLedger) NextPositionID(ctx context.Context) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.popFailure(OpNextPositionID); err != nil {
		return 0, err
	}
	return p.nextPosID, nil
}

func (p *PaperLedger) GetOrder(ctx context.Context, id uint64) (*models.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.popFailure(OpGetOrder); err != nil {
		return nil, err
	}
	o, ok := p.orders[id]
	if !ok {
		return nil, newError(OpGetOrder, NotFound, fmt.Sprintf("order %d not found", id))
	}
	c := *o
	return &c, nil
}

func (p *PaperLedger) GetPosition(ctx context.Context, id uint64) (*models.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.popFailure(OpGetPosition); err != nil {
		return nil, err
	}
	pos, ok := p.positions[id]
	if !ok {
		return nil, newError(OpGetPosition, NotFound, fmt.Sprintf("position %d not found", id))
	}
	c := *pos
	return &c, nil
}

func (p *PaperLedger) GetPrice(ctx context.Context, asset common.Address) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.popFailure(OpGetPrice); err != nil {
		return decimal.Zero, err
	}
	return p.prices[asset], nil
}

// ShouldExecuteOrder mirrors the router's view: native-relative leg for limits, the sold
// asset for stop-losses.
func (p *PaperLedger) ShouldExecuteOrder(ctx context.Context, id uint64) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.popFailure(OpShouldExecute); err != nil {
		return false, err
	}
	o, ok := p.orders[id]
	if !ok || o.Executed {
		return false, nil
	}
	tracked := p.prices[o.TokenIn]
	if o.Kind == models.Limit && models.IsNative(o.TokenIn) {
		tracked = p.prices[o.TokenOut]
	}
	if !tracked.IsPositive() {
		return false, nil
	}
	if o.Direction == models.Short {
		return tracked.GreaterThanOrEqual(o.TargetPrice), nil
	}
	return tracked.LessThanOrEqual(o.TargetPrice), nil
}

func (p *PaperLedger) IsPaused(ctx context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.popFailure(OpIsPaused); err != nil {
		return false, err
	}
	return p.paused, nil
}

func (p *PaperLedger) AccountSequence(ctx context.Context) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.popFailure(OpAccountSequence); err != nil {
		return 0, err
	}
	return p.nonce, nil
}

func (p *PaperLedger) FeeEstimate(ctx context.Context) (*big.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.popFailure(OpFeeEstimate); err != nil {
		return nil, err
	}
	return new(big.Int).Set(p.gasPrice), nil
}

// --- Writer ---

// admit runs the checks shared by every write; must be called with the mutex held.
func (p *PaperLedger) admit(op string, opts TxOpts) error {
	if err := p.popFailure(op); err != nil {
		return err
	}
	if opts.Nonce < p.nonce {
		return newError(op, NonceConflict, fmt.Sprintf("nonce too low: have %d, next %d", opts.Nonce, p.nonce))
	}
	if opts.Nonce > p.nonce {
		return newError(op, NonceConflict, fmt.Sprintf("nonce too high: have %d, next %d", opts.Nonce, p.nonce))
	}
	if p.paused {
		return newError(op, SystemPaused, "System paused")
	}
	return nil
}

func (p *PaperLedger) accept(s Submission) *paperTx {
	p.nonce++
	s.Hash = crypto.Keccak256Hash([]byte(fmt.Sprintf("%s/%d/%d/%d", s.Op, s.ItemID, s.Nonce, time.Now().UnixNano()))).Hex()
	rev := p.popRevert(s.Op)
	s.Reverted = rev != nil
	p.submissions = append(p.submissions, s)
	if p.OnSubmit != nil {
		p.OnSubmit(s)
	}
	return &paperTx{hash: s.Hash, err: rev}
}

func (p *PaperLedger) ExecuteOrder(ctx context.Context, id uint64, opts TxOpts) (PendingTx, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.admit(OpExecuteOrder, opts); err != nil {
		return nil, err
	}
	o, ok := p.orders[id]
	if !ok {
		return nil, newError(OpExecuteOrder, NotFound, fmt.Sprintf("order %d not found", id))
	}
	if o.Executed {
		return nil, newError(OpExecuteOrder, NotFound, "Order already executed")
	}
	tx := p.accept(Submission{Op: OpExecuteOrder, ItemID: id, Nonce: opts.Nonce, GasPrice: opts.GasPrice})
	if tx.err == nil {
		o.Executed = true
	}
	return tx, nil
}

func (p *PaperLedger) LiquidatePosition(ctx context.Context, id uint64, opts TxOpts) (PendingTx, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.admit(OpLiquidate, opts); err != nil {
		return nil, err
	}
	pos, ok := p.positions[id]
	if !ok || !pos.IsOpen {
		return nil, newError(OpLiquidate, NotFound, fmt.Sprintf("position %d not open", id))
	}
	tx := p.accept(Submission{Op: OpLiquidate, ItemID: id, Nonce: opts.Nonce, GasPrice: opts.GasPrice})
	if tx.err == nil {
		pos.IsOpen = false
	}
	return tx, nil
}

func (p *PaperLedger) UpdatePrice(ctx context.Context, asset common.Address, price decimal.Decimal, opts TxOpts) (PendingTx, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.admit(OpUpdatePrice, opts); err != nil {
		return nil, err
	}
	if err := p.checkBreaker(asset, price); err != nil {
		return nil, err
	}
	tx := p.accept(Submission{Op: OpUpdatePrice, Asset: asset, Price: price, Nonce: opts.Nonce, GasPrice: opts.GasPrice})
	if tx.err == nil {
		p.prices[asset] = price
	}
	return tx, nil
}

func (p *PaperLedger) checkBreaker(asset common.Address, price decimal.Decimal) error {
	if !price.IsPositive() {
		return newError(OpUpdatePrice, Unclassified, "Invalid price")
	}
	old, ok := p.prices[asset]
	if !ok || !old.IsPositive() || !p.maxChangePct.IsPositive() {
		return nil
	}
	change := price.Sub(old).Abs().Mul(decimal.NewFromInt(100)).Div(old)
	if change.GreaterThan(p.maxChangePct) {
		return newError(OpUpdatePrice, CircuitBreakerRejected,
			fmt.Sprintf("Price change too large: %s%%", change.StringFixed(2)))
	}
	return nil
}

// SimulateUpdatePrice runs the oracle checks without applying anything.
func (p *PaperLedger) SimulateUpdatePrice(ctx context.Context, asset common.Address, price decimal.Decimal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused {
		return newError(OpUpdatePrice, SystemPaused, "System paused")
	}
	return p.checkBreaker(asset, price)
}

// Diagnose reports the simulated account.
func (p *PaperLedger) Diagnose(ctx context.Context, tokens map[string]common.Address) (*models.Diagnostics, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d := &models.Diagnostics{
		Account:       p.account,
		NativeBalance: decimal.NewFromInt(100),
		PoolBalance:   decimal.Zero,
		Nonce:         p.nonce,
		RouterVersion: "paper",
		TokenBalances: make(map[string]decimal.Decimal, len(tokens)),
		Paused:        p.paused,
		TakenAt:       time.Now(),
	}
	for sym := range tokens {
		d.TokenBalances[sym] = decimal.Zero
	}
	return d, nil
}

type paperTx struct {
	hash string
	err  error
}

func (t *paperTx) Hash() string { return t.hash }

func (t *paperTx) Wait(ctx context.Context) error { return t.err }
