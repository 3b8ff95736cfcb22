package models

import (
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// OrderKind distinguishes the two conditional order flavours the router stores.
type OrderKind uint8

const (
	Limit    OrderKind = 0
	StopLoss OrderKind = 1
)

func (k OrderKind) String() string {
	switch k {
	case Limit:
		return "LIMIT"
	case StopLoss:
		return "STOP_LOSS"
	default:
		return fmt.Sprintf("KIND(%d)", uint8(k))
	}
}

// Direction is the side of an order or a margin position.
type Direction uint8

const (
	Long  Direction = 0
	Short Direction = 1
)

func (d Direction) String() string {
	if d == Short {
		return "SHORT"
	}
	return "LONG"
}

// NativeAsset is the zero address the router uses for the chain's native coin.
var NativeAsset = common.Address{}

// IsNative reports whether the address denotes the native coin.
func IsNative(a common.Address) bool {
	return a == NativeAsset
}

// Order is a snapshot of a conditional order as stored on the ledger.
type Order struct {
	ID           uint64          `json:"id"`
	User         common.Address  `json:"user"`
	TokenIn      common.Address  `json:"token_in"`
	TokenOut     common.Address  `json:"token_out"`
	AmountIn     decimal.Decimal `json:"amount_in"`
	TargetPrice  decimal.Decimal `json:"target_price"`
	MinAmountOut decimal.Decimal `json:"min_amount_out"`
	Kind         OrderKind       `json:"kind"`
	Direction    Direction       `json:"direction"`
	Executed     bool            `json:"executed"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Position is a snapshot of a leveraged position. EntryPrice never changes after creation.
type Position struct {
	ID         uint64          `json:"id"`
	User       common.Address  `json:"user"`
	Token      common.Address  `json:"token"`
	Kind       Direction       `json:"kind"`
	Collateral decimal.Decimal `json:"collateral"`
	Leverage   uint64          `json:"leverage"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	IsOpen     bool            `json:"is_open"`
}

// Diagnostics is an operator-facing snapshot of the submitting account.
type Diagnostics struct {
	Account       common.Address
	NativeBalance decimal.Decimal
	PoolBalance   decimal.Decimal
	Nonce         uint64
	RouterVersion string
	TokenBalances map[string]decimal.Decimal
	Paused        bool
	TakenAt       time.Time
}

// Symbols returns the token symbols in a stable order.
func (d *Diagnostics) Symbols() []string {
	out := make([]string, 0, len(d.TokenBalances))
	for s := range d.TokenBalances {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
