package txctl

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"dex-keeper-go/internal/ledger"
	"dex-keeper-go/internal/models"

	"go.uber.org/zap"
)

const defaultConfirmTimeout = 2 * time.Minute

// SequenceSource is the part of the ledger the controller reads.
type SequenceSource interface {
	AccountSequence(ctx context.Context) (uint64, error)
	FeeEstimate(ctx context.Context) (*big.Int, error)
}

// SendFunc broadcasts one write with the bound options.
type SendFunc func(ctx context.Context, opts ledger.TxOpts) (ledger.PendingTx, error)

// Result describes the final attempt of a Submit call.
type Result struct {
	Label    string
	Hash     string
	Nonce    uint64
	GasPrice *big.Int
	Attempts int
	Resynced bool
}

// Controller owns the account's next sequence number and the smoothed gas price.
// One controller per signing account; it must be the only writer for that account.
type Controller struct {
	source SequenceSource
	cfg    models.GasConfig
	logger *zap.Logger

	// submitMu serializes whole submissions; mu guards the state cell.
	submitMu sync.Mutex
	mu       sync.Mutex
	state    models.SubmissionState
	started  bool
	fallback *big.Int
}

// NewController creates an unstarted controller.
func NewController(source SequenceSource, cfg models.GasConfig, logger *zap.Logger) *Controller {
	fallback, ok := new(big.Int).SetString(cfg.FallbackGasPriceWei, 10)
	if !ok || fallback.Sign() <= 0 {
		fallback = big.NewInt(1_000_000_000)
	}
	if cfg.MultiplierBase <= 0 {
		cfg.MultiplierBase = 100
	}
	if cfg.OptimalMultiplier <= 0 {
		cfg.OptimalMultiplier = 120
	}
	if cfg.ErrorMultiplier <= 0 {
		cfg.ErrorMultiplier = 110
	}
	return &Controller{source: source, cfg: cfg, logger: logger, fallback: fallback}
}

// Start resolves the initial sequence from the ledger. Failing here is fatal for the loop.
func (c *Controller) Start(ctx context.Context) error {
	seq, err := c.source.AccountSequence(ctx)
	if err != nil {
		return fmt.Errorf("resolve initial sequence: %w", err)
	}
	c.mu.Lock()
	c.state.NextSequence = seq
	c.started = true
	c.mu.Unlock()
	c.logger.Info("Sequence controller started", zap.Uint64("next_sequence", seq))
	return nil
}

// NextSequence returns the next sequence number and reserves it.
func (c *Controller) NextSequence() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.state.NextSequence
	c.state.NextSequence++
	return n
}

// release hands back a reservation that never reached the ledger.
func (c *Controller) release(n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.NextSequence == n+1 {
		c.state.NextSequence = n
	}
}

// Resync replaces the local sequence with the ledger's view.
func (c *Controller) Resync(ctx context.Context) error {
	seq, err := c.source.AccountSequence(ctx)
	if err != nil {
		return fmt.Errorf("resync sequence: %w", err)
	}
	c.mu.Lock()
	prev := c.state.NextSequence
	c.state.NextSequence = seq
	c.mu.Unlock()
	c.logger.Info("Sequence resynced", zap.Uint64("previous", prev), zap.Uint64("current", seq))
	return nil
}

// EstimateGasPrice returns fee*optimal/base; when the estimate fails it falls back to
// last*error/base, and to the configured initial price when nothing was seen yet.
func (c *Controller) EstimateGasPrice(ctx context.Context) *big.Int {
	base := big.NewInt(c.cfg.MultiplierBase)
	fee, err := c.source.FeeEstimate(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil && fee != nil && fee.Sign() > 0 {
		p := new(big.Int).Mul(fee, big.NewInt(c.cfg.OptimalMultiplier))
		p.Quo(p, base)
		c.state.GasPrice = p
		return new(big.Int).Set(p)
	}

	if c.state.GasPrice != nil {
		p := new(big.Int).Mul(c.state.GasPrice, big.NewInt(c.cfg.ErrorMultiplier))
		p.Quo(p, base)
		c.logger.Warn("Fee estimate failed, bumping last gas price", zap.Error(err), zap.String("gas_price", p.String()))
		c.state.GasPrice = p
		return new(big.Int).Set(p)
	}
	c.logger.Warn("Fee estimate failed, using fallback gas price", zap.Error(err), zap.String("gas_price", c.fallback.String()))
	return new(big.Int).Set(c.fallback)
}

// Snapshot returns a copy of the owned state.
func (c *Controller) Snapshot() models.SubmissionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := models.SubmissionState{NextSequence: c.state.NextSequence}
	if c.state.GasPrice != nil {
		s.GasPrice = new(big.Int).Set(c.state.GasPrice)
	}
	return s
}

// Submit binds an explicit sequence and gas price, sends, and waits for the outcome.
// The wait runs on a context detached from ctx so a shutdown never abandons an in-flight
// transaction. A nonce conflict triggers exactly one resync and one retry.
func (c *Controller) Submit(ctx context.Context, label string, send SendFunc) (*Result, error) {
	c.submitMu.Lock()
	defer c.submitMu.Unlock()

	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		return nil, fmt.Errorf("submit %s: controller not started", label)
	}

	res := &Result{Label: label, GasPrice: c.EstimateGasPrice(ctx)}
	for {
		res.Attempts++
		res.Nonce = c.NextSequence()
		res.Hash = ""
		opts := ledger.TxOpts{Nonce: res.Nonce, GasPrice: res.GasPrice, GasLimit: c.cfg.Limit}

		err := c.attempt(ctx, res, opts, send)
		if err == nil {
			return res, nil
		}
		if ledger.IsCode(err, ledger.NonceConflict) && !res.Resynced {
			c.logger.Warn("Nonce conflict, resyncing once",
				zap.String("label", label), zap.Uint64("nonce", res.Nonce), zap.Error(err))
			res.Resynced = true
			if rerr := c.Resync(ctx); rerr != nil {
				return res, fmt.Errorf("%w (resync failed: %v)", err, rerr)
			}
			continue
		}
		return res, err
	}
}

func (c *Controller) attempt(ctx context.Context, res *Result, opts ledger.TxOpts, send SendFunc) error {
	pending, err := send(ctx, opts)
	if err != nil {
		c.release(opts.Nonce)
		return err
	}
	res.Hash = pending.Hash()

	timeout := c.cfg.ConfirmTimeout()
	if timeout <= 0 {
		timeout = defaultConfirmTimeout
	}
	waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := pending.Wait(waitCtx); err != nil {
		if ledger.IsCode(err, ledger.TransientConnectivity) {
			// outcome unknown; the next resync picks up whatever the node holds
			if rerr := c.Resync(context.WithoutCancel(ctx)); rerr != nil {
				c.logger.Warn("Resync after unconfirmed submission failed", zap.Error(rerr))
			}
		}
		return err
	}
	return nil
}
