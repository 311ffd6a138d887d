// Package enrich implements the cost enrichment and allocation engine:
// hourly distribution of daily billing amounts, dimension resolution,
// confidence scoring, allocation-rule evaluation and the ingestion
// pipeline that ties them together.
package enrich

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"ccloud-cost/pkg/errors"
	"ccloud-cost/pkg/model"
)

const hoursPerDay = 24

// HourlyShare is one hour's portion of a daily amount.
type HourlyShare struct {
	Hour   time.Time
	Amount decimal.Decimal
}

// DistributeDaily splits a daily total into 24 hourly amounts that sum
// exactly to the total (normalized to whole cents). With no usable
// weights the split is even and the method is proportional; with a
// 24-entry non-negative weight vector the split follows the normalized
// weights and the method is usage_based. Rounding uses the
// largest-remainder method so no hour deviates from its exact
// proportional share by more than one cent. Negative totals (credits)
// are split on the absolute value and the sign reapplied, which keeps
// rounding independent of sign.
func DistributeDaily(total decimal.Decimal, day time.Time, weights []decimal.Decimal) ([]HourlyShare, model.AllocationMethod, error) {
	if weights != nil && len(weights) != hoursPerDay {
		return nil, "", errors.NewDistributionError(
			fmt.Sprintf("weight vector has %d entries, want %d", len(weights), hoursPerDay), "")
	}
	for i, w := range weights {
		if w.Sign() < 0 {
			return nil, "", errors.NewDistributionError(
				fmt.Sprintf("weight for hour %d is negative: %s", i, w), "")
		}
	}

	method := model.MethodProportional
	sumW := decimal.Zero
	for _, w := range weights {
		sumW = sumW.Add(w)
	}
	if sumW.Sign() > 0 {
		method = model.MethodUsageBased
	}

	sign := int64(1)
	abs := total
	if abs.Sign() < 0 {
		sign = -1
		abs = abs.Neg()
	}
	totalCents := abs.Round(2).Shift(2).IntPart()

	var cents [hoursPerDay]int64
	if method == model.MethodUsageBased {
		distributeWeighted(&cents, totalCents, weights, sumW)
	} else {
		distributeEven(&cents, totalCents)
	}

	midnight := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	shares := make([]HourlyShare, hoursPerDay)
	for h := 0; h < hoursPerDay; h++ {
		shares[h] = HourlyShare{
			Hour:   midnight.Add(time.Duration(h) * time.Hour),
			Amount: decimal.New(sign*cents[h], -2),
		}
	}
	return shares, method, nil
}

// distributeEven gives every hour floor(total/24) cents and hands the
// residual out one cent at a time to the first hours in chronological
// order.
func distributeEven(cents *[hoursPerDay]int64, totalCents int64) {
	base := totalCents / hoursPerDay
	residual := totalCents - base*hoursPerDay
	for h := 0; h < hoursPerDay; h++ {
		cents[h] = base
		if int64(h) < residual {
			cents[h]++
		}
	}
}

// distributeWeighted floors every hour's exact share and assigns the
// residual cents to the hours with the largest fractional remainders,
// earlier hours first on ties. For uniform weights this degenerates to
// the even-split rule.
func distributeWeighted(cents *[hoursPerDay]int64, totalCents int64, weights []decimal.Decimal, sumW decimal.Decimal) {
	total := decimal.New(totalCents, 0)
	type rem struct {
		hour int
		frac decimal.Decimal
	}
	rems := make([]rem, hoursPerDay)
	assigned := int64(0)
	for h := 0; h < hoursPerDay; h++ {
		exact := total.Mul(weights[h]).Div(sumW)
		floor := exact.Floor()
		cents[h] = floor.IntPart()
		assigned += cents[h]
		rems[h] = rem{hour: h, frac: exact.Sub(floor)}
	}

	residual := totalCents - assigned
	sort.SliceStable(rems, func(i, j int) bool {
		cmp := rems[i].frac.Cmp(rems[j].frac)
		if cmp != 0 {
			return cmp > 0
		}
		return rems[i].hour < rems[j].hour
	})
	for i := int64(0); i < residual; i++ {
		cents[rems[i].hour]++
	}
	// Finite division precision can in principle overshoot a floor by one
	// cent; reclaim from the smallest remainders so the sum stays exact.
	for i := len(rems) - 1; residual < 0 && i >= 0; i-- {
		if cents[rems[i].hour] > 0 {
			cents[rems[i].hour]--
			residual++
		}
	}
}
