package enrich

import (
	"sort"

	"github.com/shopspring/decimal"

	"ccloud-cost/pkg/model"
)

// RuleSet is an immutable snapshot of the active allocation rules, loaded
// once per ingestion run so every fact in a batch sees the same policy.
// Rules are ordered by ascending priority, ties broken by name, and the
// first match wins.
//
// Hourly distribution and business attribution are orthogonal: the
// distributor fixes the hourly shape of a daily amount, and a usage_based
// rule only controls how each hourly fact is split across business
// dimensions. A rule never re-weights hours.
type RuleSet struct {
	rules []model.AllocationRule
}

// NewRuleSet builds a snapshot from administrator-managed rules. Inactive
// rules are dropped; ordering is fixed here and never re-derived during a
// run.
func NewRuleSet(rules []model.AllocationRule) *RuleSet {
	active := make([]model.AllocationRule, 0, len(rules))
	for _, r := range rules {
		if r.Active {
			active = append(active, r)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		if active[i].Priority != active[j].Priority {
			return active[i].Priority < active[j].Priority
		}
		return active[i].Name < active[j].Name
	})
	return &RuleSet{rules: active}
}

// Len returns the number of rules in the snapshot.
func (rs *RuleSet) Len() int {
	return len(rs.rules)
}

// Match returns the first rule valid at the fact's timestamp whose every
// condition matches the fact, or nil.
func (rs *RuleSet) Match(fact *model.HourlyCostFact) *model.AllocationRule {
	for i := range rs.rules {
		r := &rs.rules[i]
		if !r.ValidAt(fact.Timestamp) {
			continue
		}
		if conditionsMatch(r.Conditions, fact) {
			return r
		}
	}
	return nil
}

// Apply attributes business metadata to the candidate fact. Fixed rules
// stamp their metadata onto the single fact. Split rules fan the fact out
// into one fact per business leg, each carrying its weight's fraction of
// the cost; fractions are rounded with the same largest-remainder
// discipline as the hourly distributor so the legs sum exactly to the
// input amount. With no matching rule the fact keeps unassigned metadata
// and its confidence is capped at medium: unattributed cost is never
// reported as high-confidence.
func (rs *RuleSet) Apply(fact model.HourlyCostFact) []model.HourlyCostFact {
	rule := rs.Match(&fact)
	if rule == nil {
		if fact.AllocationConfidence == model.ConfidenceHigh {
			fact.AllocationConfidence = model.ConfidenceMedium
		}
		return []model.HourlyCostFact{fact}
	}

	switch w := rule.Weights.(type) {
	case model.FixedWeights:
		applyFixed(&fact, w)
		return []model.HourlyCostFact{fact}
	case model.SplitWeights:
		return applySplits(fact, w.Splits)
	default:
		// Unknown payload shapes are rejected at load; treat like no match.
		if fact.AllocationConfidence == model.ConfidenceHigh {
			fact.AllocationConfidence = model.ConfidenceMedium
		}
		return []model.HourlyCostFact{fact}
	}
}

func conditionsMatch(conds []model.Condition, fact *model.HourlyCostFact) bool {
	for _, c := range conds {
		if factField(fact, c.Field) != c.Equals {
			return false
		}
	}
	return true
}

func factField(fact *model.HourlyCostFact, field model.ConditionField) string {
	switch field {
	case model.FieldOrgID:
		return fact.OrgID
	case model.FieldEnvID:
		return fact.EnvID
	case model.FieldClusterID:
		return fact.ClusterID
	case model.FieldPrincipalID:
		return fact.PrincipalID
	case model.FieldProduct:
		return fact.Product
	default:
		return ""
	}
}

func applyFixed(fact *model.HourlyCostFact, w model.FixedWeights) {
	if w.BusinessUnit != "" {
		fact.BusinessUnit = w.BusinessUnit
	}
	if w.Product != "" {
		fact.Product = w.Product
	}
	if w.CostCenter != "" {
		fact.CostCenter = w.CostCenter
	}
	if w.Team != "" {
		fact.Team = w.Team
	}
}

// applySplits fans one hourly fact into per-leg facts. Cost cents are
// floored per leg on the normalized weights; residual cents go to the
// largest fractional remainders, earlier legs first on ties. Credits are
// split on the absolute value with the sign reapplied.
func applySplits(fact model.HourlyCostFact, splits []model.BusinessSplit) []model.HourlyCostFact {
	if len(splits) == 1 {
		out := fact
		s := splits[0]
		applyFixed(&out, model.FixedWeights{
			BusinessUnit: s.BusinessUnit,
			Product:      s.Product,
			CostCenter:   s.CostCenter,
			Team:         s.Team,
		})
		return []model.HourlyCostFact{out}
	}

	sumW := decimal.Zero
	for _, s := range splits {
		sumW = sumW.Add(s.Weight)
	}

	sign := int64(1)
	abs := fact.CostUSD
	if abs.Sign() < 0 {
		sign = -1
		abs = abs.Neg()
	}
	totalCents := abs.Round(2).Shift(2).IntPart()
	total := decimal.New(totalCents, 0)

	type leg struct {
		idx   int
		cents int64
		frac  decimal.Decimal
	}
	legs := make([]leg, len(splits))
	assigned := int64(0)
	for i, s := range splits {
		exact := total.Mul(s.Weight).Div(sumW)
		floor := exact.Floor()
		legs[i] = leg{idx: i, cents: floor.IntPart(), frac: exact.Sub(floor)}
		assigned += legs[i].cents
	}
	residual := totalCents - assigned

	order := make([]int, len(legs))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		cmp := legs[order[a]].frac.Cmp(legs[order[b]].frac)
		if cmp != 0 {
			return cmp > 0
		}
		return legs[order[a]].idx < legs[order[b]].idx
	})
	for i := int64(0); i < residual && int(i) < len(order); i++ {
		legs[order[i]].cents++
	}

	out := make([]model.HourlyCostFact, len(splits))
	for i, s := range splits {
		f := fact
		f.CostUSD = decimal.New(sign*legs[i].cents, -2)
		applyFixed(&f, model.FixedWeights{
			BusinessUnit: s.BusinessUnit,
			Product:      s.Product,
			CostCenter:   s.CostCenter,
			Team:         s.Team,
		})
		out[i] = f
	}
	return out
}
