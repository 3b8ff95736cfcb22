package pricemodel

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"dex-keeper-go/internal/models"

	"github.com/shopspring/decimal"
)

const (
	pricePlaces    = 6
	shockStep      = 0.1
	defaultHistory = 100
)

var floorEpsilon = decimal.New(1, -pricePlaces)

// Rand is the random source of the walk; *rand.Rand satisfies it.
type Rand interface {
	Float64() float64
}

// Update is one generated price waiting to be published.
type Update struct {
	Symbol string
	Price  decimal.Decimal
}

// Stats summarises a symbol's recent history for the price board.
type Stats struct {
	Symbol    string
	Current   decimal.Decimal
	ChangePct decimal.Decimal
	Min       decimal.Decimal
	Max       decimal.Decimal
	Samples   int
}

// Model is a bounded random walk per symbol. It is safe for concurrent use.
type Model struct {
	mu      sync.Mutex
	states  map[string]*models.PriceState
	symbols []string
	vol     models.VolatilityConfig
	floor   decimal.Decimal
	cap     int
	rnd     Rand
	now     func() time.Time
}

// New seeds the model. symbols fixes the batch order; every symbol needs a seed.
func New(cfg models.FeederConfig, symbols []string, seeds map[string]decimal.Decimal, rnd Rand, now func() time.Time) (*Model, error) {
	m := &Model{
		states:  make(map[string]*models.PriceState, len(symbols)),
		symbols: append([]string(nil), symbols...),
		vol:     cfg.Volatility,
		floor:   cfg.FloorPrice(),
		cap:     cfg.HistoryMax,
		rnd:     rnd,
		now:     now,
	}
	if m.cap <= 0 {
		m.cap = defaultHistory
	}
	for _, sym := range symbols {
		seed, ok := seeds[sym]
		if !ok {
			return nil, fmt.Errorf("no initial price for %s", sym)
		}
		seed = m.clamp(seed.Round(pricePlaces))
		m.states[sym] = &models.PriceState{
			Symbol:     sym,
			Current:    seed,
			History:    []models.PricePoint{{Price: seed, Timestamp: now()}},
			Volatility: m.volatility(sym, seed),
		}
	}
	return m, nil
}

// Restore replaces the walk state of known symbols with previously saved state.
func (m *Model) Restore(saved map[string]models.PriceState) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for sym, st := range saved {
		cur, ok := m.states[sym]
		if !ok || len(st.History) == 0 {
			continue
		}
		restored := st.Clone()
		restored.Symbol = sym
		restored.Current = restored.History[len(restored.History)-1].Price
		restored.History = trim(restored.History, m.cap)
		restored.Volatility = m.volatility(sym, restored.Current)
		*cur = restored
		n++
	}
	return n
}

// Symbols returns the batch order.
func (m *Model) Symbols() []string {
	return append([]string(nil), m.symbols...)
}

// Has reports whether sym is tracked.
func (m *Model) Has(sym string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.states[sym]
	return ok
}

// Current returns the latest price of sym.
func (m *Model) Current(sym string) (decimal.Decimal, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[sym]
	if !ok {
		return decimal.Zero, false
	}
	return st.Current, true
}

// volatility returns the override for sym, else the tier of price.
func (m *Model) volatility(sym string, price decimal.Decimal) decimal.Decimal {
	if v, ok := m.vol.Overrides[sym]; ok && v > 0 {
		return decimal.NewFromFloat(v)
	}
	p, _ := price.Float64()
	switch {
	case p >= m.vol.HighPriceThreshold:
		return decimal.NewFromFloat(m.vol.High)
	case p >= m.vol.MidPriceThreshold:
		return decimal.NewFromFloat(m.vol.Mid)
	case p <= m.vol.LowPriceThreshold:
		return decimal.NewFromFloat(m.vol.Low)
	default:
		return decimal.NewFromFloat(m.vol.Default)
	}
}

// clamp keeps a price strictly above the floor.
func (m *Model) clamp(p decimal.Decimal) decimal.Decimal {
	if p.LessThanOrEqual(m.floor) {
		return m.floor.Add(floorEpsilon)
	}
	return p
}

// Step advances sym by one random-walk step and records it.
func (m *Model) Step(sym string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[sym]
	if !ok {
		return decimal.Zero, fmt.Errorf("unknown symbol %s", sym)
	}
	v := m.volatility(sym, st.Current)
	change := decimal.NewFromFloat(m.rnd.Float64()*2 - 1).Mul(v)
	next := m.clamp(st.Current.Mul(decimal.NewFromInt(1).Add(change)).Round(pricePlaces))
	st.Volatility = v
	m.record(st, next)
	return next, nil
}

// StepAll steps every symbol in batch order.
func (m *Model) StepAll() []Update {
	out := make([]Update, 0, len(m.symbols))
	for _, sym := range m.symbols {
		p, err := m.Step(sym)
		if err != nil {
			continue
		}
		out = append(out, Update{Symbol: sym, Price: p})
	}
	return out
}

// Shock moves sym by ±10%·multiplier in a random direction and records it.
func (m *Model) Shock(sym string, multiplier float64) (decimal.Decimal, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[sym]
	if !ok {
		return decimal.Zero, 0, fmt.Errorf("unknown symbol %s", sym)
	}
	direction := -1
	if m.rnd.Float64() > 0.5 {
		direction = 1
	}
	move := decimal.NewFromFloat(shockStep).Mul(decimal.NewFromFloat(multiplier)).Mul(decimal.NewFromInt(int64(direction)))
	next := m.clamp(st.Current.Mul(decimal.NewFromInt(1).Add(move)).Round(pricePlaces))
	m.record(st, next)
	return next, direction, nil
}

func (m *Model) record(st *models.PriceState, p decimal.Decimal) {
	st.Current = p
	st.History = trim(append(st.History, models.PricePoint{Price: p, Timestamp: m.now()}), m.cap)
}

// trim keeps the newest n entries in arrival order.
func trim(h []models.PricePoint, n int) []models.PricePoint {
	if len(h) <= n {
		return h
	}
	out := make([]models.PricePoint, n)
	copy(out, h[len(h)-n:])
	return out
}

// History returns a copy of sym's history, oldest first.
func (m *Model) History(sym string) []models.PricePoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[sym]
	if !ok {
		return nil
	}
	return append([]models.PricePoint(nil), st.History...)
}

// Stats reports change vs the previous sample and the min/max over the last window samples.
func (m *Model) Stats(sym string, window int) (Stats, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[sym]
	if !ok || len(st.History) == 0 {
		return Stats{}, false
	}
	h := st.History
	s := Stats{Symbol: sym, Current: st.Current, ChangePct: decimal.Zero}
	if len(h) >= 2 {
		prev := h[len(h)-2].Price
		if prev.IsPositive() {
			s.ChangePct = st.Current.Sub(prev).Mul(decimal.NewFromInt(100)).Div(prev).Round(2)
		}
	}
	if window <= 0 || window > len(h) {
		window = len(h)
	}
	recent := h[len(h)-window:]
	s.Min, s.Max = recent[0].Price, recent[0].Price
	for _, pt := range recent[1:] {
		s.Min = decimal.Min(s.Min, pt.Price)
		s.Max = decimal.Max(s.Max, pt.Price)
	}
	s.Samples = len(recent)
	return s, true
}

// Snapshot returns deep copies of every state, keyed by symbol.
func (m *Model) Snapshot() map[string]models.PriceState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]models.PriceState, len(m.states))
	for sym, st := range m.states {
		out[sym] = st.Clone()
	}
	return out
}

// OrderSymbols puts native first, then the rest alphabetically.
func OrderSymbols(native string, symbols []string) []string {
	rest := make([]string, 0, len(symbols))
	hasNative := false
	for _, s := range symbols {
		if s == native {
			hasNative = true
			continue
		}
		rest = append(rest, s)
	}
	sort.Strings(rest)
	if hasNative {
		return append([]string{native}, rest...)
	}
	return rest
}
