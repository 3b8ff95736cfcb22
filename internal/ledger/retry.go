package ledger

import (
	"context"
	"math/big"
	"time"

	"dex-keeper-go/internal/clock"
	"dex-keeper-go/internal/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

const (
	backoffBase = 1 * time.Second
	backoffMax  = 60 * time.Second
)

// Backoff returns base * 2^attempt capped at the maximum.
func Backoff(attempt int) time.Duration {
	if attempt < 0 {
		return backoffBase
	}
	if attempt > 30 {
		return backoffMax
	}
	d := backoffBase * time.Duration(1<<attempt)
	if d > backoffMax {
		return backoffMax
	}
	return d
}

// retrying retries reads that fail with TransientConnectivity. Writes pass straight
// through: resubmitting a write is the GasNonceController's decision, not ours.
type retrying struct {
	Ledger
	attempts int
	clk      clock.Clock
}

// WithRetry wraps l so every read is attempted up to attempts times.
func WithRetry(l Ledger, attempts int, clk clock.Clock) Ledger {
	if attempts < 1 {
		attempts = 1
	}
	return &retrying{Ledger: l, attempts: attempts, clk: clk}
}

// Unwrap exposes the wrapped ledger for optional interfaces such as Diagnoser.
func (r *retrying) Unwrap() Ledger { return r.Ledger }

func retryRead[T any](ctx context.Context, r *retrying, fn func() (T, error)) (T, error) {
	var (
		v   T
		err error
	)
	for attempt := 0; attempt < r.attempts; attempt++ {
		v, err = fn()
		if err == nil || !IsCode(err, TransientConnectivity) {
			return v, err
		}
		if attempt == r.attempts-1 {
			break
		}
		if serr := r.clk.Sleep(ctx, Backoff(attempt)); serr != nil {
			return v, err
		}
	}
	return v, err
}

func (r *retrying) NextOrderID(ctx context.Context) (uint64, error) {
	return retryRead(ctx, r, func() (uint64, error) { return r.Ledger.NextOrderID(ctx) })
}

func (r *retrying) NextPositionID(ctx context.Context) (uint64, error) {
	return retryRead(ctx, r, func() (uint64, error) { return r.Ledger.NextPositionID(ctx) })
}

func (r *retrying) GetOrder(ctx context.Context, id uint64) (*models.Order, error) {
	return retryRead(ctx, r, func() (*models.Order, error) { return r.Ledger.GetOrder(ctx, id) })
}

func (r *retrying) GetPosition(ctx context.Context, id uint64) (*models.Position, error) {
	return retryRead(ctx, r, func() (*models.Position, error) { return r.Ledger.GetPosition(ctx, id) })
}

func (r *retrying) GetPrice(ctx context.Context, asset common.Address) (decimal.Decimal, error) {
	return retryRead(ctx, r, func() (decimal.Decimal, error) { return r.Ledger.GetPrice(ctx, asset) })
}

func (r *retrying) ShouldExecuteOrder(ctx context.Context, id uint64) (bool, error) {
	return retryRead(ctx, r, func() (bool, error) { return r.Ledger.ShouldExecuteOrder(ctx, id) })
}

func (r *retrying) IsPaused(ctx context.Context) (bool, error) {
	return retryRead(ctx, r, func() (bool, error) { return r.Ledger.IsPaused(ctx) })
}

func (r *retrying) AccountSequence(ctx context.Context) (uint64, error) {
	return retryRead(ctx, r, func() (uint64, error) { return r.Ledger.AccountSequence(ctx) })
}

func (r *retrying) FeeEstimate(ctx context.Context) (*big.Int, error) {
	return retryRead(ctx, r, func() (*big.Int, error) { return r.Ledger.FeeEstimate(ctx) })
}

// Base strips decorators and returns the innermost ledger.
func Base(l Ledger) Ledger {
	for {
		u, ok := l.(interface{ Unwrap() Ledger })
		if !ok {
			return l
		}
		l = u.Unwrap()
	}
}
