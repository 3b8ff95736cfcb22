package eligibility

import (
	"math/rand"
	"testing"

	"dex-keeper-go/internal/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

var (
	weth = common.HexToAddress("0x0000000000000000000000000000000000000001")
	usdc = common.HexToAddress("0x0000000000000000000000000000000000000002")
)

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func limit(dir models.Direction, target string) models.Order {
	return models.Order{ID: 1, Kind: models.Limit, Direction: dir, TokenIn: weth, TokenOut: usdc, TargetPrice: d(target)}
}

func TestLimitLongFlipsExactlyAtTarget(t *testing.T) {
	e := New(models.LegSelection{})
	o := limit(models.Long, "100")

	var flippedAt decimal.Decimal
	prev := false
	for p := 110; p >= 99; p-- {
		price := decimal.NewFromInt(int64(p))
		ok, reason := e.Evaluate(o, price, decimal.Zero)
		assert.NotEmpty(t, reason)
		if ok && !prev {
			flippedAt = price
		}
		if prev {
			assert.True(t, ok, "eligibility must not flip back at %s", price)
		}
		prev = ok
	}
	assert.True(t, flippedAt.Equal(d("100")))

	ok, _ := e.Evaluate(o, d("100.000001"), decimal.Zero)
	assert.False(t, ok)
}

func TestLimitDirectionProperty(t *testing.T) {
	e := New(models.LegSelection{})
	r := rand.New(rand.NewSource(7))
	for i := 0; i < 2000; i++ {
		target := decimal.NewFromFloat(0.01 + r.Float64()*5000).Round(6)
		tracked := decimal.NewFromFloat(0.01 + r.Float64()*5000).Round(6)
		if i%10 == 0 {
			tracked = target
		}

		ok, _ := e.Evaluate(limit(models.Long, target.String()), tracked, decimal.Zero)
		assert.Equal(t, tracked.LessThanOrEqual(target), ok, "LONG target=%s tracked=%s", target, tracked)

		ok, _ = e.Evaluate(limit(models.Short, target.String()), tracked, decimal.Zero)
		assert.Equal(t, tracked.GreaterThanOrEqual(target), ok, "SHORT target=%s tracked=%s", target, tracked)
	}
}

func TestStopLossTracksSoldAsset(t *testing.T) {
	e := New(models.LegSelection{})
	o := models.Order{Kind: models.StopLoss, Direction: models.Long, TokenIn: models.NativeAsset, TokenOut: usdc, TargetPrice: d("1800")}

	assert.Equal(t, LegTokenIn, e.TrackedLeg(o))
	ok, _ := e.Evaluate(o, d("1799"), d("1"))
	assert.True(t, ok)
	ok, _ = e.Evaluate(o, d("1900"), d("1"))
	assert.False(t, ok)

	o.Direction = models.Short
	ok, _ = e.Evaluate(o, d("1800"), d("1"))
	assert.True(t, ok)
}

func TestLegSelection(t *testing.T) {
	native := models.Order{Kind: models.Limit, TokenIn: models.NativeAsset, TokenOut: usdc}
	token := models.Order{Kind: models.Limit, TokenIn: weth, TokenOut: usdc}

	auto := New(models.LegSelection{})
	assert.Equal(t, LegTokenOut, auto.TrackedLeg(native))
	assert.Equal(t, LegTokenIn, auto.TrackedLeg(token))

	forced := New(models.LegSelection{Limit: LegTokenIn, StopLoss: LegTokenOut})
	assert.Equal(t, LegTokenIn, forced.TrackedLeg(native))
	assert.Equal(t, LegTokenOut, forced.TrackedLeg(models.Order{Kind: models.StopLoss}))
}

func TestNeverEligibleWhenExecutedOrUnpriced(t *testing.T) {
	e := New(models.LegSelection{})
	o := limit(models.Long, "100")

	ok, reason := e.Evaluate(o, decimal.Zero, d("1"))
	assert.False(t, ok)
	assert.Equal(t, "no price for tracked leg", reason)

	o.Executed = true
	ok, _ = e.Evaluate(o, d("50"), d("1"))
	assert.False(t, ok)
}

func TestEvaluateReasonQuantifiesGap(t *testing.T) {
	e := New(models.LegSelection{})
	_, reason := e.Evaluate(limit(models.Long, "100"), d("103"), decimal.Zero)
	assert.Contains(t, reason, "3.00% above target")
}

func TestLiquidationScenario(t *testing.T) {
	pos := models.Position{Kind: models.Long, EntryPrice: d("1000"), Leverage: 1, IsOpen: true}

	ok, ratio := EvaluateLiquidation(pos, d("150"), -80)
	assert.True(t, ok)
	assert.Equal(t, int64(-85), ratio)

	ok, ratio = EvaluateLiquidation(pos, d("150"), -90)
	assert.False(t, ok)
	assert.Equal(t, int64(-85), ratio)
}

func TestPnLRatioTruncatesTowardZero(t *testing.T) {
	long := models.Position{Kind: models.Long, EntryPrice: d("3"), IsOpen: true}
	assert.Equal(t, int64(-33), PnLRatio(long, d("2")))
	assert.Equal(t, int64(33), PnLRatio(long, d("4")))

	short := models.Position{Kind: models.Short, EntryPrice: d("1000"), IsOpen: true}
	assert.Equal(t, int64(-50), PnLRatio(short, d("1500")))
	assert.Equal(t, int64(10), PnLRatio(short, d("900")))
}

func TestLiquidationMonotonicInPrice(t *testing.T) {
	for _, kind := range []models.Direction{models.Long, models.Short} {
		pos := models.Position{Kind: kind, EntryPrice: d("1000"), IsOpen: true}
		for _, threshold := range []int64{-90, -80, -50} {
			wasEligible := false
			// walk the price in the direction that hurts the position
			for step := 0; step <= 450; step++ {
				price := decimal.NewFromInt(int64(1000 - step*2))
				if kind == models.Short {
					price = decimal.NewFromInt(int64(1000 + step*5))
				}
				ok, _ := EvaluateLiquidation(pos, price, threshold)
				if wasEligible {
					assert.True(t, ok, "%s threshold %d flipped back at %s", kind, threshold, price)
				}
				wasEligible = ok
			}
			assert.True(t, wasEligible, "%s never became eligible at threshold %d", kind, threshold)
		}
	}
}

func TestClosedPositionNeverEligible(t *testing.T) {
	pos := models.Position{Kind: models.Long, EntryPrice: d("1000"), IsOpen: false}
	ok, _ := EvaluateLiquidation(pos, d("1"), -10)
	assert.False(t, ok)

	pos = models.Position{Kind: models.Long, IsOpen: true}
	ok, _ = EvaluateLiquidation(pos, d("1"), -10)
	assert.False(t, ok)
}
