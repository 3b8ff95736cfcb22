package models

import (
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/jxskiss/base62"
	"github.com/shopspring/decimal"
)

// PricePoint is one entry of a symbol's synthesized price history.
type PricePoint struct {
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}

// PriceState is the feeder-owned view of one symbol. Current always equals the last
// history entry's price.
type PriceState struct {
	Symbol     string          `json:"symbol"`
	Current    decimal.Decimal `json:"current"`
	History    []PricePoint    `json:"history"`
	Volatility decimal.Decimal `json:"volatility"`
}

// Clone returns a deep copy safe to hand to another goroutine.
func (p PriceState) Clone() PriceState {
	c := p
	c.History = make([]PricePoint, len(p.History))
	copy(c.History, p.History)
	return c
}

// SubmissionState is the owned sequence cell of one submitting account.
type SubmissionState struct {
	NextSequence uint64   `json:"next_sequence"`
	GasPrice     *big.Int `json:"gas_price"`
}

// Counters accumulates per-loop outcome counts.
type Counters struct {
	Cycles     uint64            `json:"cycles"`
	Executed   uint64            `json:"executed"`
	Liquidated uint64            `json:"liquidated"`
	Published  uint64            `json:"published"`
	Skipped    uint64            `json:"skipped"`
	Failed     map[string]uint64 `json:"failed"`
}

// ErrorEntry is one line of the bounded recent-error log shown on the price board.
type ErrorEntry struct {
	Time    time.Time `json:"time"`
	Context string    `json:"context"`
	Message string    `json:"message"`
}

// AgentState is everything the agent persists between restarts.
type AgentState struct {
	RunID          string                `json:"run_id"`
	Version        int                   `json:"version"`
	Prices         map[string]PriceState `json:"prices"`
	Keeper         Counters              `json:"keeper"`
	Feeder         Counters              `json:"feeder"`
	RecentErrors   []ErrorEntry          `json:"recent_errors"`
	LastUpdateTime time.Time             `json:"last_update_time"`
}

// NewAgentState returns an empty state tagged with a fresh run id.
func NewAgentState() *AgentState {
	return &AgentState{
		RunID:   NewRunID(),
		Version: 1,
		Prices:  make(map[string]PriceState),
		Keeper:  Counters{Failed: make(map[string]uint64)},
		Feeder:  Counters{Failed: make(map[string]uint64)},
	}
}

// NewRunID returns a compact base62 form of a random UUID, short enough for log lines.
func NewRunID() string {
	id := uuid.New()
	return base62.EncodeToString(id[:])
}
