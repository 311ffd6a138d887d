package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// RuleType determines the shape of an allocation rule's weights payload.
type RuleType string

const (
	RuleProportional RuleType = "proportional"
	RuleFixed        RuleType = "fixed"
	RuleUsageBased   RuleType = "usage_based"
)

// ConditionField is the closed set of fact attributes a rule condition may
// test. Unknown keys are rejected when the rule is loaded.
type ConditionField string

const (
	FieldOrgID       ConditionField = "org_id"
	FieldEnvID       ConditionField = "env_id"
	FieldClusterID   ConditionField = "cluster_id"
	FieldPrincipalID ConditionField = "principal_id"
	FieldProduct     ConditionField = "product"
)

var conditionFields = map[ConditionField]bool{
	FieldOrgID:       true,
	FieldEnvID:       true,
	FieldClusterID:   true,
	FieldPrincipalID: true,
	FieldProduct:     true,
}

// Condition is an exact-match predicate on a single fact attribute.
// Attributes a rule does not name match any value.
type Condition struct {
	Field  ConditionField `json:"field"`
	Equals string         `json:"equals"`
}

// RuleWeights is the tagged union of per-rule-type allocation payloads.
type RuleWeights interface {
	ruleWeights()
}

// FixedWeights directly supplies business metadata values.
type FixedWeights struct {
	BusinessUnit string `json:"business_unit,omitempty"`
	Product      string `json:"product,omitempty"`
	CostCenter   string `json:"cost_center,omitempty"`
	Team         string `json:"team,omitempty"`
}

func (FixedWeights) ruleWeights() {}

// BusinessSplit is one leg of a fractional split across business
// dimensions.
type BusinessSplit struct {
	BusinessUnit string          `json:"business_unit"`
	Product      string          `json:"product,omitempty"`
	CostCenter   string          `json:"cost_center,omitempty"`
	Team         string          `json:"team,omitempty"`
	Weight       decimal.Decimal `json:"weight"`
}

// SplitWeights describes a fractional split for proportional and
// usage_based rules. Weights are normalized at evaluation time.
type SplitWeights struct {
	Splits []BusinessSplit `json:"splits"`
}

func (SplitWeights) ruleWeights() {}

// AllocationRule is an administrator-defined, prioritized, time-bounded
// attribution policy. Lower priority values are evaluated first; ties are
// broken by name.
type AllocationRule struct {
	ID         int64       `json:"id,omitempty"`
	Name       string      `json:"name"`
	Type       RuleType    `json:"rule_type"`
	Priority   int         `json:"priority"`
	Conditions []Condition `json:"conditions"`
	Weights    RuleWeights `json:"weights"`
	Active     bool        `json:"is_active"`
	ValidFrom  *time.Time  `json:"valid_from,omitempty"`
	ValidTo    *time.Time  `json:"valid_to,omitempty"`
	CreatedAt  time.Time   `json:"created_at,omitempty"`
	UpdatedAt  time.Time   `json:"updated_at,omitempty"`
}

// ValidAt reports whether the rule's validity window covers ts.
func (r *AllocationRule) ValidAt(ts time.Time) bool {
	if r.ValidFrom != nil && ts.Before(*r.ValidFrom) {
		return false
	}
	if r.ValidTo != nil && !ts.Before(*r.ValidTo) {
		return false
	}
	return true
}

// ParseConditions converts the flexible on-disk condition mapping
// (dimension field -> expected value) into typed predicates. Unknown keys
// are an error.
func ParseConditions(raw map[string]string) ([]Condition, error) {
	conds := make([]Condition, 0, len(raw))
	for key, val := range raw {
		field := ConditionField(key)
		if !conditionFields[field] {
			return nil, fmt.Errorf("unknown condition field %q", key)
		}
		conds = append(conds, Condition{Field: field, Equals: val})
	}
	return conds, nil
}

// ParseWeights decodes the allocation-weights JSON payload according to
// the rule type. Fixed rules must name at least one metadata value; split
// rules must carry at least one leg with a positive weight.
func ParseWeights(ruleType RuleType, raw json.RawMessage) (RuleWeights, error) {
	switch ruleType {
	case RuleFixed:
		var w FixedWeights
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, fmt.Errorf("decode fixed weights: %w", err)
		}
		if w.BusinessUnit == "" && w.Product == "" && w.CostCenter == "" && w.Team == "" {
			return nil, fmt.Errorf("fixed weights set no metadata values")
		}
		return w, nil
	case RuleProportional, RuleUsageBased:
		var w SplitWeights
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, fmt.Errorf("decode split weights: %w", err)
		}
		if len(w.Splits) == 0 {
			return nil, fmt.Errorf("split weights carry no legs")
		}
		for i, s := range w.Splits {
			if s.BusinessUnit == "" {
				return nil, fmt.Errorf("split %d has no business unit", i)
			}
			if s.Weight.Sign() <= 0 {
				return nil, fmt.Errorf("split %d has non-positive weight %s", i, s.Weight)
			}
		}
		return w, nil
	default:
		return nil, fmt.Errorf("unknown rule type %q", ruleType)
	}
}
