package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"ccloud-cost/internal/enrich"
	"ccloud-cost/pkg/errors"
	"ccloud-cost/pkg/model"
)

// upsertFactQuery targets the identity index over the fact's uniqueness
// tuple. Optional dimensions are nullable, and Postgres treats NULLs as
// distinct in unique indexes, so the index (and the conflict target) use
// COALESCE to the empty string. (xmax = 0) discriminates a fresh insert
// from an overwrite of an existing row.
const upsertFactQuery = `
	INSERT INTO hourly_cost_facts (
		timestamp, org_id, env_id, cluster_id, principal_id,
		cost_usd, cost_source,
		business_unit, product, cost_center, team, tags,
		allocation_confidence, allocation_method,
		raw_source, source_api_version
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	ON CONFLICT (timestamp, org_id,
		COALESCE(env_id, ''), COALESCE(cluster_id, ''),
		COALESCE(principal_id, ''), COALESCE(business_unit, ''))
	DO UPDATE SET
		cost_usd = EXCLUDED.cost_usd,
		cost_source = EXCLUDED.cost_source,
		product = EXCLUDED.product,
		cost_center = EXCLUDED.cost_center,
		team = EXCLUDED.team,
		tags = EXCLUDED.tags,
		allocation_confidence = EXCLUDED.allocation_confidence,
		allocation_method = EXCLUDED.allocation_method,
		raw_source = EXCLUDED.raw_source,
		source_api_version = EXCLUDED.source_api_version,
		updated_at = now()
	RETURNING (xmax = 0) AS inserted
`

// UpsertFacts writes one chunk of enriched facts in a single transaction.
// Each row runs under a savepoint so a record-level constraint violation
// (for example a dangling dimension reference) fails that record only;
// anything else aborts the chunk and is reported as a systemic error.
func (s *Store) UpsertFacts(ctx context.Context, facts []*model.HourlyCostFact) (enrich.FactBatchResult, error) {
	var res enrich.FactBatchResult

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("begin fact chunk: %w", err)
	}
	defer tx.Rollback()

	for _, f := range facts {
		if _, err := tx.ExecContext(ctx, `SAVEPOINT fact_sp`); err != nil {
			return enrich.FactBatchResult{}, fmt.Errorf("savepoint: %w", err)
		}

		tags, err := marshalMeta(f.Tags)
		if err != nil {
			return enrich.FactBatchResult{}, fmt.Errorf("marshal fact tags: %w", err)
		}
		raw := f.RawSource
		if raw == nil {
			raw = json.RawMessage("null")
		}

		var inserted bool
		err = tx.QueryRowContext(ctx, upsertFactQuery,
			f.Timestamp.UTC(), f.OrgID,
			nullString(f.EnvID), nullString(f.ClusterID), nullString(f.PrincipalID),
			f.CostUSD, f.CostSource,
			nullString(f.BusinessUnit), nullString(f.Product), nullString(f.CostCenter), nullString(f.Team), tags,
			string(f.AllocationConfidence), string(f.AllocationMethod),
			[]byte(raw), nullString(f.SourceAPIVersion),
		).Scan(&inserted)

		if err != nil {
			if !isRecordLevel(err) {
				return enrich.FactBatchResult{}, fmt.Errorf("upsert fact: %w", err)
			}
			if _, rbErr := tx.ExecContext(ctx, `ROLLBACK TO SAVEPOINT fact_sp`); rbErr != nil {
				return enrich.FactBatchResult{}, fmt.Errorf("rollback to savepoint: %w", rbErr)
			}
			pe := errors.NewPersistenceError(err.Error(), f.ClusterID, err)
			s.logger.Warn("fact rejected",
				"timestamp", f.Timestamp, "org_id", f.OrgID, "cluster_id", f.ClusterID, "error", err)
			res.Errors = append(res.Errors, model.RecordError{
				ResourceID: f.ClusterID,
				Code:       pe.Code,
				Message:    pe.Message,
			})
			continue
		}

		if _, err := tx.ExecContext(ctx, `RELEASE SAVEPOINT fact_sp`); err != nil {
			return enrich.FactBatchResult{}, fmt.Errorf("release savepoint: %w", err)
		}
		if inserted {
			res.Inserted++
		} else {
			res.Updated++
		}
	}

	if err := tx.Commit(); err != nil {
		return enrich.FactBatchResult{}, fmt.Errorf("commit fact chunk: %w", err)
	}
	return res, nil
}

// CostQuery filters and groups aggregated cost reads.
type CostQuery struct {
	From    time.Time
	To      time.Time
	GroupBy []string
	Filters map[string]string
	Limit   int
	Offset  int
}

// CostRow is one aggregated query result.
type CostRow struct {
	Dimensions map[string]string `json:"dimensions,omitempty"`
	TotalCost  decimal.Decimal   `json:"total_cost_usd"`
}

// queryColumns is the closed set of fact columns the API may filter or
// group by.
var queryColumns = map[string]bool{
	"org_id":                true,
	"env_id":                true,
	"cluster_id":            true,
	"principal_id":          true,
	"business_unit":         true,
	"product":               true,
	"cost_center":           true,
	"team":                  true,
	"allocation_confidence": true,
	"cost_source":           true,
}

// QueryCosts aggregates facts over a time range, optionally grouped by
// dimension columns and filtered by exact matches.
func (s *Store) QueryCosts(ctx context.Context, q CostQuery) ([]CostRow, error) {
	for _, col := range q.GroupBy {
		if !queryColumns[col] {
			return nil, fmt.Errorf("cannot group by %q", col)
		}
	}
	if q.Limit <= 0 {
		q.Limit = 100
	}

	args := []any{q.From, q.To}
	where := []string{"timestamp >= $1", "timestamp < $2"}
	for col, val := range q.Filters {
		if !queryColumns[col] {
			return nil, fmt.Errorf("cannot filter by %q", col)
		}
		args = append(args, val)
		where = append(where, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	var query string
	if len(q.GroupBy) > 0 {
		cols := strings.Join(q.GroupBy, ", ")
		query = fmt.Sprintf(`
			SELECT %s, SUM(cost_usd) AS total_cost
			FROM hourly_cost_facts
			WHERE %s
			GROUP BY %s
			ORDER BY total_cost DESC
			LIMIT %d OFFSET %d`,
			coalesced(q.GroupBy), strings.Join(where, " AND "), cols, q.Limit, q.Offset)
	} else {
		query = fmt.Sprintf(`
			SELECT SUM(cost_usd) AS total_cost
			FROM hourly_cost_facts
			WHERE %s`, strings.Join(where, " AND "))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query costs: %w", err)
	}
	defer rows.Close()

	var out []CostRow
	for rows.Next() {
		row := CostRow{Dimensions: make(map[string]string, len(q.GroupBy))}
		dests := make([]any, 0, len(q.GroupBy)+1)
		groupVals := make([]string, len(q.GroupBy))
		for i := range q.GroupBy {
			dests = append(dests, &groupVals[i])
		}
		var total decimal.NullDecimal
		dests = append(dests, &total)
		if err := rows.Scan(dests...); err != nil {
			return nil, err
		}
		for i, col := range q.GroupBy {
			row.Dimensions[col] = groupVals[i]
		}
		if total.Valid {
			row.TotalCost = total.Decimal
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func coalesced(cols []string) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = fmt.Sprintf("COALESCE(%s, '')", c)
	}
	return strings.Join(parts, ", ")
}

// RecentFacts returns facts from the trailing window, newest first, for
// the Prometheus exporter.
func (s *Store) RecentFacts(ctx context.Context, lookback time.Duration) ([]model.HourlyCostFact, error) {
	cutoff := time.Now().UTC().Add(-lookback)
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp, org_id,
			COALESCE(env_id, ''), COALESCE(cluster_id, ''), COALESCE(principal_id, ''),
			cost_usd, cost_source,
			COALESCE(business_unit, ''), COALESCE(product, ''), COALESCE(cost_center, ''), COALESCE(team, ''),
			allocation_confidence, COALESCE(allocation_method, '')
		FROM hourly_cost_facts
		WHERE timestamp >= $1
		ORDER BY timestamp DESC`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query recent facts: %w", err)
	}
	defer rows.Close()

	var out []model.HourlyCostFact
	for rows.Next() {
		var f model.HourlyCostFact
		if err := rows.Scan(
			&f.Timestamp, &f.OrgID, &f.EnvID, &f.ClusterID, &f.PrincipalID,
			&f.CostUSD, &f.CostSource,
			&f.BusinessUnit, &f.Product, &f.CostCenter, &f.Team,
			&f.AllocationConfidence, &f.AllocationMethod,
		); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
