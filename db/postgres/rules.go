package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"ccloud-cost/pkg/errors"
	"ccloud-cost/pkg/model"
)

// ActiveRules loads every active allocation rule ordered by priority.
// Conditions and weights are parsed from their flexible JSON columns into
// typed form here, once, at the boundary; a malformed rule is logged,
// skipped, and never reaches the engine.
func (s *Store) ActiveRules(ctx context.Context) ([]model.AllocationRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, rule_name, rule_type, priority, conditions, allocation_weights,
			is_active, valid_from, valid_to, created_at, updated_at
		FROM allocation_rules
		WHERE is_active
		ORDER BY priority ASC, rule_name ASC`)
	if err != nil {
		return nil, fmt.Errorf("load allocation rules: %w", err)
	}
	defer rows.Close()

	var out []model.AllocationRule
	for rows.Next() {
		var (
			rule       model.AllocationRule
			ruleType   string
			conditions []byte
			weights    []byte
			validFrom  sql.NullTime
			validTo    sql.NullTime
		)
		if err := rows.Scan(&rule.ID, &rule.Name, &ruleType, &rule.Priority,
			&conditions, &weights, &rule.Active, &validFrom, &validTo,
			&rule.CreatedAt, &rule.UpdatedAt); err != nil {
			return nil, err
		}
		rule.Type = model.RuleType(ruleType)
		if validFrom.Valid {
			t := validFrom.Time
			rule.ValidFrom = &t
		}
		if validTo.Valid {
			t := validTo.Time
			rule.ValidTo = &t
		}

		if err := parseRulePayloads(&rule, conditions, weights); err != nil {
			s.logger.Warn("allocation rule skipped",
				"rule", rule.Name, "error", errors.NewRuleEvaluationError(rule.Name, err))
			continue
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

// RuleIssue reports one allocation rule whose payloads do not parse.
type RuleIssue struct {
	RuleName string `json:"rule_name"`
	Active   bool   `json:"is_active"`
	Error    string `json:"error"`
}

// CheckRules validates every stored rule, active or not, and returns the
// ones that would be skipped at load time.
func (s *Store) CheckRules(ctx context.Context) ([]RuleIssue, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT rule_name, rule_type, conditions, allocation_weights, is_active
		FROM allocation_rules
		ORDER BY priority ASC, rule_name ASC`)
	if err != nil {
		return nil, fmt.Errorf("load allocation rules: %w", err)
	}
	defer rows.Close()

	var issues []RuleIssue
	for rows.Next() {
		var (
			rule       model.AllocationRule
			ruleType   string
			conditions []byte
			weights    []byte
			active     bool
		)
		if err := rows.Scan(&rule.Name, &ruleType, &conditions, &weights, &active); err != nil {
			return nil, err
		}
		rule.Type = model.RuleType(ruleType)
		if err := parseRulePayloads(&rule, conditions, weights); err != nil {
			issues = append(issues, RuleIssue{RuleName: rule.Name, Active: active, Error: err.Error()})
		}
	}
	return issues, rows.Err()
}

func parseRulePayloads(rule *model.AllocationRule, conditions, weights []byte) error {
	var condMap map[string]string
	if err := json.Unmarshal(conditions, &condMap); err != nil {
		return fmt.Errorf("decode conditions: %w", err)
	}
	conds, err := model.ParseConditions(condMap)
	if err != nil {
		return err
	}
	rule.Conditions = conds

	parsed, err := model.ParseWeights(rule.Type, weights)
	if err != nil {
		return err
	}
	rule.Weights = parsed
	return nil
}
