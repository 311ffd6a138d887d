package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"ccloud-cost/pkg/model"
)

// CreateRun inserts a new ingestion run row.
func (s *Store) CreateRun(ctx context.Context, r *model.IngestionRun) error {
	details, err := marshalErrorDetails(r.ErrorDetails)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO ingestion_runs (
			id, run_type, status, period_start, period_end,
			started_at, completed_at, duration_seconds,
			records_processed, records_inserted, records_updated, records_failed,
			error_message, error_details
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		r.ID, string(r.RunType), string(r.Status), r.PeriodStart.UTC(), r.PeriodEnd.UTC(),
		r.StartedAt, r.CompletedAt, r.DurationSeconds,
		r.RecordsProcessed, r.RecordsInserted, r.RecordsUpdated, r.RecordsFailed,
		nullString(r.ErrorMessage), details,
	)
	if err != nil {
		return fmt.Errorf("insert ingestion run: %w", err)
	}
	return nil
}

// UpdateRun persists the tracker's current state. Status transitions are
// guarded in the tracker; this is a plain write.
func (s *Store) UpdateRun(ctx context.Context, r *model.IngestionRun) error {
	details, err := marshalErrorDetails(r.ErrorDetails)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE ingestion_runs SET
			status = $2, started_at = $3, completed_at = $4, duration_seconds = $5,
			records_processed = $6, records_inserted = $7, records_updated = $8, records_failed = $9,
			error_message = $10, error_details = $11
		WHERE id = $1`,
		r.ID, string(r.Status), r.StartedAt, r.CompletedAt, r.DurationSeconds,
		r.RecordsProcessed, r.RecordsInserted, r.RecordsUpdated, r.RecordsFailed,
		nullString(r.ErrorMessage), details,
	)
	if err != nil {
		return fmt.Errorf("update ingestion run: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return fmt.Errorf("ingestion run %s not found", r.ID)
	}
	return nil
}

// GetRun fetches one ingestion run by ID, or nil when absent.
func (s *Store) GetRun(ctx context.Context, id uuid.UUID) (*model.IngestionRun, error) {
	runs, err := s.queryRuns(ctx, `WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, nil
	}
	return &runs[0], nil
}

// ListRuns returns recent runs, optionally filtered by status, newest
// first.
func (s *Store) ListRuns(ctx context.Context, status model.RunStatus, limit int) ([]model.IngestionRun, error) {
	if limit <= 0 {
		limit = 50
	}
	if status != "" {
		return s.queryRuns(ctx, fmt.Sprintf(`WHERE status = $1 ORDER BY created_at DESC LIMIT %d`, limit), string(status))
	}
	return s.queryRuns(ctx, fmt.Sprintf(`ORDER BY created_at DESC LIMIT %d`, limit))
}

func (s *Store) queryRuns(ctx context.Context, clause string, args ...any) ([]model.IngestionRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_type, status, period_start, period_end,
			started_at, completed_at, COALESCE(duration_seconds, 0),
			records_processed, records_inserted, records_updated, records_failed,
			COALESCE(error_message, ''), error_details, created_at
		FROM ingestion_runs `+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("query ingestion runs: %w", err)
	}
	defer rows.Close()

	var out []model.IngestionRun
	for rows.Next() {
		var (
			r         model.IngestionRun
			startedAt sql.NullTime
			doneAt    sql.NullTime
			details   []byte
		)
		if err := rows.Scan(&r.ID, &r.RunType, &r.Status, &r.PeriodStart, &r.PeriodEnd,
			&startedAt, &doneAt, &r.DurationSeconds,
			&r.RecordsProcessed, &r.RecordsInserted, &r.RecordsUpdated, &r.RecordsFailed,
			&r.ErrorMessage, &details, &r.CreatedAt); err != nil {
			return nil, err
		}
		if startedAt.Valid {
			t := startedAt.Time
			r.StartedAt = &t
		}
		if doneAt.Valid {
			t := doneAt.Time
			r.CompletedAt = &t
		}
		if len(details) > 0 {
			_ = json.Unmarshal(details, &r.ErrorDetails)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func marshalErrorDetails(details []model.RecordError) ([]byte, error) {
	if details == nil {
		details = []model.RecordError{}
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("marshal error details: %w", err)
	}
	return raw, nil
}
