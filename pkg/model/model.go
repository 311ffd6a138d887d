// Package model defines the shared data model for the cost portal:
// dimension entities, hourly cost facts, allocation rules and ingestion runs.
package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ConfidenceLevel indicates how directly an hourly cost was derived from
// authoritative billing data.
type ConfidenceLevel string

const (
	ConfidenceLow    ConfidenceLevel = "low"
	ConfidenceMedium ConfidenceLevel = "medium"
	ConfidenceHigh   ConfidenceLevel = "high"
)

// AllocationMethod labels how a daily amount was distributed across hours.
type AllocationMethod string

const (
	MethodProportional AllocationMethod = "proportional"
	MethodUsageBased   AllocationMethod = "usage_based"
)

// PrincipalType distinguishes service accounts from human users.
type PrincipalType string

const (
	PrincipalServiceAccount PrincipalType = "service_account"
	PrincipalUser           PrincipalType = "user"
)

// CostSource values for HourlyCostFact.CostSource.
const (
	CostSourceBillingAPI = "billing_api"
	CostSourceEstimated  = "estimated"
)

// Organization is the top-level dimension entity.
type Organization struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	DisplayName string            `json:"display_name,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Environment belongs to an Organization.
type Environment struct {
	ID          string            `json:"id"`
	OrgID       string            `json:"org_id"`
	Name        string            `json:"name"`
	DisplayName string            `json:"display_name,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Cluster belongs to an Organization and an Environment. The referenced
// Environment must belong to the same Organization.
type Cluster struct {
	ID            string            `json:"id"`
	OrgID         string            `json:"org_id"`
	EnvID         string            `json:"env_id"`
	Name          string            `json:"name"`
	ClusterType   string            `json:"cluster_type,omitempty"`
	CloudProvider string            `json:"cloud_provider,omitempty"`
	Region        string            `json:"region,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Principal is a service account or user within an Organization.
type Principal struct {
	ID            string            `json:"id"`
	OrgID         string            `json:"org_id"`
	PrincipalType PrincipalType     `json:"principal_type"`
	Name          string            `json:"name"`
	Email         string            `json:"email,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// HourlyCostFact is the atomic output row of the enrichment pipeline.
// The tuple (Timestamp, OrgID, EnvID, ClusterID, PrincipalID,
// BusinessUnit) is unique in the fact table; re-ingesting the same hour
// updates the existing row.
// Optional dimension references are empty strings when unresolved and are
// stored as NULL.
type HourlyCostFact struct {
	ID          int64     `json:"id,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	OrgID       string    `json:"org_id"`
	EnvID       string    `json:"env_id,omitempty"`
	ClusterID   string    `json:"cluster_id,omitempty"`
	PrincipalID string    `json:"principal_id,omitempty"`

	CostUSD    decimal.Decimal `json:"cost_usd"`
	CostSource string          `json:"cost_source"`

	BusinessUnit string            `json:"business_unit,omitempty"`
	Product      string            `json:"product,omitempty"`
	CostCenter   string            `json:"cost_center,omitempty"`
	Team         string            `json:"team,omitempty"`
	Tags         map[string]string `json:"tags,omitempty"`

	AllocationConfidence ConfidenceLevel  `json:"allocation_confidence"`
	AllocationMethod     AllocationMethod `json:"allocation_method"`

	RawSource        json.RawMessage `json:"raw_source,omitempty"`
	SourceAPIVersion string          `json:"source_api_version,omitempty"`

	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// IdentityKey returns the fact's uniqueness tuple in a stable form, for
// in-memory dedup and test fakes. The store enforces the same tuple with a
// unique index.
func (f *HourlyCostFact) IdentityKey() string {
	return f.Timestamp.UTC().Format(time.RFC3339) + "|" + f.OrgID + "|" + f.EnvID + "|" + f.ClusterID + "|" + f.PrincipalID + "|" + f.BusinessUnit
}

// RunType of an ingestion execution.
type RunType string

const (
	RunTypeHourly   RunType = "hourly"
	RunTypeDaily    RunType = "daily"
	RunTypeBackfill RunType = "backfill"
)

// RunStatus of an ingestion execution. Transitions are one-directional:
// pending -> running -> completed|failed.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Terminal reports whether the status is a terminal state.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed
}

// RecordError captures a record-level failure with enough context to
// support replay.
type RecordError struct {
	ResourceID string `json:"resource_id,omitempty"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

// IngestionRun is the audit record of one pipeline execution over a
// bounded billing window.
type IngestionRun struct {
	ID          uuid.UUID `json:"id"`
	RunType     RunType   `json:"run_type"`
	Status      RunStatus `json:"status"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`

	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	DurationSeconds int        `json:"duration_seconds,omitempty"`

	RecordsProcessed int `json:"records_processed"`
	RecordsInserted  int `json:"records_inserted"`
	RecordsUpdated   int `json:"records_updated"`
	RecordsFailed    int `json:"records_failed"`

	ErrorMessage string        `json:"error_message,omitempty"`
	ErrorDetails []RecordError `json:"error_details,omitempty"`

	CreatedAt time.Time `json:"created_at,omitempty"`
}
