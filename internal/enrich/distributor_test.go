package enrich

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ccloud-cost/pkg/errors"
	"ccloud-cost/pkg/model"
)

var testDay = time.Date(2026, 8, 26, 0, 0, 0, 0, time.UTC)

func sumShares(shares []HourlyShare) decimal.Decimal {
	sum := decimal.Zero
	for _, s := range shares {
		sum = sum.Add(s.Amount)
	}
	return sum
}

func TestDistributeDailyEven(t *testing.T) {
	t.Run("100 dollars splits 16x4.17 + 8x4.16", func(t *testing.T) {
		shares, method, err := DistributeDaily(decimal.NewFromInt(100), testDay, nil)
		require.NoError(t, err)
		require.Len(t, shares, 24)
		assert.Equal(t, model.MethodProportional, method)

		for h := 0; h < 16; h++ {
			assert.True(t, shares[h].Amount.Equal(decimal.RequireFromString("4.17")),
				"hour %d got %s", h, shares[h].Amount)
		}
		for h := 16; h < 24; h++ {
			assert.True(t, shares[h].Amount.Equal(decimal.RequireFromString("4.16")),
				"hour %d got %s", h, shares[h].Amount)
		}
		assert.True(t, sumShares(shares).Equal(decimal.NewFromInt(100)))
	})

	t.Run("exactly divisible amount is uniform", func(t *testing.T) {
		shares, _, err := DistributeDaily(decimal.NewFromInt(24), testDay, nil)
		require.NoError(t, err)
		for h, s := range shares {
			assert.True(t, s.Amount.Equal(decimal.NewFromInt(1)), "hour %d got %s", h, s.Amount)
		}
	})

	t.Run("zero total yields 24 zero shares", func(t *testing.T) {
		shares, method, err := DistributeDaily(decimal.Zero, testDay, nil)
		require.NoError(t, err)
		assert.Equal(t, model.MethodProportional, method)
		for _, s := range shares {
			assert.True(t, s.Amount.IsZero())
		}
	})

	t.Run("credit splits on absolute value with sign reapplied", func(t *testing.T) {
		shares, _, err := DistributeDaily(decimal.NewFromInt(-100), testDay, nil)
		require.NoError(t, err)
		assert.True(t, shares[0].Amount.Equal(decimal.RequireFromString("-4.17")))
		assert.True(t, shares[23].Amount.Equal(decimal.RequireFromString("-4.16")))
		assert.True(t, sumShares(shares).Equal(decimal.NewFromInt(-100)))
	})

	t.Run("sub-cent amounts normalize to whole cents", func(t *testing.T) {
		shares, _, err := DistributeDaily(decimal.RequireFromString("0.005"), testDay, nil)
		require.NoError(t, err)
		// 0.005 rounds to one cent, assigned to the first hour.
		assert.True(t, shares[0].Amount.Equal(decimal.RequireFromString("0.01")))
		assert.True(t, sumShares(shares).Equal(decimal.RequireFromString("0.01")))
	})

	t.Run("hour timestamps cover the day", func(t *testing.T) {
		shares, _, err := DistributeDaily(decimal.NewFromInt(1), testDay, nil)
		require.NoError(t, err)
		for h, s := range shares {
			assert.Equal(t, testDay.Add(time.Duration(h)*time.Hour), s.Hour)
		}
	})
}

func TestDistributeDailyWeighted(t *testing.T) {
	uniform := make([]decimal.Decimal, 24)
	for i := range uniform {
		uniform[i] = decimal.NewFromInt(1)
	}

	t.Run("single busy hour takes the full amount", func(t *testing.T) {
		weights := make([]decimal.Decimal, 24)
		weights[5] = decimal.NewFromInt(42)
		shares, method, err := DistributeDaily(decimal.RequireFromString("12.34"), testDay, weights)
		require.NoError(t, err)
		assert.Equal(t, model.MethodUsageBased, method)
		assert.True(t, shares[5].Amount.Equal(decimal.RequireFromString("12.34")))
		for h, s := range shares {
			if h != 5 {
				assert.True(t, s.Amount.IsZero(), "hour %d got %s", h, s.Amount)
			}
		}
	})

	t.Run("uniform weights degenerate to even split", func(t *testing.T) {
		weighted, method, err := DistributeDaily(decimal.NewFromInt(100), testDay, uniform)
		require.NoError(t, err)
		assert.Equal(t, model.MethodUsageBased, method)

		even, _, err := DistributeDaily(decimal.NewFromInt(100), testDay, nil)
		require.NoError(t, err)
		for h := range weighted {
			assert.True(t, weighted[h].Amount.Equal(even[h].Amount), "hour %d", h)
		}
	})

	t.Run("shares track weight proportions within one cent", func(t *testing.T) {
		weights := make([]decimal.Decimal, 24)
		for i := range weights {
			weights[i] = decimal.NewFromInt(int64(i + 1))
		}
		total := decimal.RequireFromString("777.77")
		shares, _, err := DistributeDaily(total, testDay, weights)
		require.NoError(t, err)
		assert.True(t, sumShares(shares).Equal(total))

		sumW := decimal.NewFromInt(300)
		for h, s := range shares {
			exact := total.Mul(weights[h]).Div(sumW)
			diff := s.Amount.Sub(exact).Abs()
			assert.True(t, diff.LessThanOrEqual(decimal.RequireFromString("0.01")),
				"hour %d deviates by %s", h, diff)
		}
	})

	t.Run("all-zero weights fall back to even split", func(t *testing.T) {
		weights := make([]decimal.Decimal, 24)
		shares, method, err := DistributeDaily(decimal.NewFromInt(100), testDay, weights)
		require.NoError(t, err)
		assert.Equal(t, model.MethodProportional, method)
		assert.True(t, shares[0].Amount.Equal(decimal.RequireFromString("4.17")))
	})

	t.Run("weighted credit sums exactly", func(t *testing.T) {
		weights := make([]decimal.Decimal, 24)
		for i := range weights {
			weights[i] = decimal.NewFromInt(int64(i%7 + 1))
		}
		total := decimal.RequireFromString("-55.55")
		shares, _, err := DistributeDaily(total, testDay, weights)
		require.NoError(t, err)
		assert.True(t, sumShares(shares).Equal(total))
		for h, s := range shares {
			assert.True(t, s.Amount.Sign() <= 0, "hour %d got %s", h, s.Amount)
		}
	})
}

func TestDistributeDailyRejectsMalformedWeights(t *testing.T) {
	t.Run("wrong length", func(t *testing.T) {
		_, _, err := DistributeDaily(decimal.NewFromInt(10), testDay, make([]decimal.Decimal, 23))
		require.Error(t, err)
		assert.Equal(t, errors.ErrCodeDistribution, errors.CodeOf(err))
	})

	t.Run("negative entry", func(t *testing.T) {
		weights := make([]decimal.Decimal, 24)
		weights[3] = decimal.NewFromInt(-1)
		_, _, err := DistributeDaily(decimal.NewFromInt(10), testDay, weights)
		require.Error(t, err)
		assert.Equal(t, errors.ErrCodeDistribution, errors.CodeOf(err))
	})
}
