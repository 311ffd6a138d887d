package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// RawBillingRecord is one daily billing line as handed over by the
// collector: the minimal contract the pipeline consumes. Identifiers are
// external Confluent Cloud IDs; only the organization is mandatory.
// Currency is assumed USD.
type RawBillingRecord struct {
	ResourceID     string            `json:"resource_id"`
	ResourceType   string            `json:"resource_type,omitempty"`
	Product        string            `json:"product,omitempty"`
	OrganizationID string            `json:"organization_id"`
	EnvironmentID  string            `json:"environment_id,omitempty"`
	PrincipalID    string            `json:"principal_id,omitempty"`
	AmountUSD      decimal.Decimal   `json:"amount_usd"`
	Currency       string            `json:"currency"`
	BillingDay     time.Time         `json:"billing_day"`
	CostSource     string            `json:"cost_source"`
	Tags           map[string]string `json:"tags,omitempty"`

	// UsageWeights, when present, holds 24 non-negative per-hour usage
	// values used to shape the hourly distribution.
	UsageWeights []decimal.Decimal `json:"usage_weights,omitempty"`

	// Raw retains the upstream payload for audit.
	Raw        json.RawMessage `json:"raw,omitempty"`
	APIVersion string          `json:"api_version,omitempty"`

	// Names observed on the record, used to freshen dimension rows.
	OrganizationName string `json:"organization_name,omitempty"`
	EnvironmentName  string `json:"environment_name,omitempty"`
	ResourceName     string `json:"resource_name,omitempty"`
}
