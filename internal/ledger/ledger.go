package ledger

import (
	"context"
	"math/big"

	"dex-keeper-go/internal/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// TxOpts binds the explicit sequence number and gas settings of one write. Writes never
// pick a nonce or gas price on their own.
type TxOpts struct {
	Nonce    uint64
	GasPrice *big.Int
	GasLimit uint64
}

// PendingTx is a broadcast transaction awaiting a terminal outcome.
type PendingTx interface {
	Hash() string
	// Wait blocks until the transaction is mined; a reverted transaction yields a
	// classified *Error.
	Wait(ctx context.Context) error
}

// Reader is the read surface the loops consume.
type Reader interface {
	NextOrderID(ctx context.Context) (uint64, error)
	NextPositionID(ctx context.Context) (uint64, error)
	GetOrder(ctx context.Context, id uint64) (*models.Order, error)
	GetPosition(ctx context.Context, id uint64) (*models.Position, error)
	GetPrice(ctx context.Context, asset common.Address) (decimal.Decimal, error)
	// ShouldExecuteOrder is the router's own eligibility view, used as an optional cross-check.
	ShouldExecuteOrder(ctx context.Context, id uint64) (bool, error)
	IsPaused(ctx context.Context) (bool, error)
	AccountSequence(ctx context.Context) (uint64, error)
	FeeEstimate(ctx context.Context) (*big.Int, error)
}

// Writer is the write surface. Each call either returns a PendingTx or an immediate
// classified rejection (pre-flight failure); callers treat both through CodeOf.
type Writer interface {
	ExecuteOrder(ctx context.Context, id uint64, opts TxOpts) (PendingTx, error)
	LiquidatePosition(ctx context.Context, id uint64, opts TxOpts) (PendingTx, error)
	UpdatePrice(ctx context.Context, asset common.Address, price decimal.Decimal, opts TxOpts) (PendingTx, error)
}

// Ledger defines everything the agent needs from the exchange contracts.
// Switching between the chain and the in-memory paper ledger only swaps this value.
type Ledger interface {
	Reader
	Writer
	// Account is the address whose sequence numbers this ledger signs with.
	Account() common.Address
}

// Diagnoser is implemented by ledgers able to describe the submitting account.
type Diagnoser interface {
	Diagnose(ctx context.Context, tokens map[string]common.Address) (*models.Diagnostics, error)
}

// Simulator is implemented by ledgers that can dry-run a price update.
type Simulator interface {
	SimulateUpdatePrice(ctx context.Context, asset common.Address, price decimal.Decimal) error
}

// FixedPointDecimals is the scale of every price and amount on the router.
const FixedPointDecimals = 18

// FromFixed converts an 18-decimal integer into a decimal.
func FromFixed(v *big.Int) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -FixedPointDecimals)
}

// ToFixed converts a decimal into an 18-decimal integer, truncating extra precision.
func ToFixed(d decimal.Decimal) *big.Int {
	return d.Shift(FixedPointDecimals).Truncate(0).BigInt()
}
