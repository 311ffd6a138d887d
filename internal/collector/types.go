// Package collector fetches raw billing records and core objects from
// the upstream Confluent Cloud APIs and normalizes their loosely-shaped
// payloads into the typed records the pipeline consumes. It performs no
// enrichment itself.
package collector

import "encoding/json"

// apiVersion marks which upstream API shape produced a record.
const apiVersion = "billing/v1"

// costLine mirrors the flexible shape of one billing API cost entry.
// Fields appear under different keys across API revisions; the
// normalizer applies the fallbacks.
type costLine struct {
	Date      string `json:"date"`
	StartDate string `json:"start_date"`

	OrganizationID string `json:"organization_id"`
	Organization   *struct {
		ID          string `json:"id"`
		DisplayName string `json:"display_name"`
	} `json:"organization"`

	EnvironmentID string `json:"environment_id"`
	Environment   *struct {
		ID string `json:"id"`
	} `json:"environment"`

	ResourceID string `json:"resource_id"`
	Resource   *struct {
		ID          string `json:"id"`
		DisplayName string `json:"display_name"`
		Environment *struct {
			ID string `json:"id"`
		} `json:"environment"`
	} `json:"resource"`

	ResourceType string `json:"resource_type"`
	Product      string `json:"product"`
	PrincipalID  string `json:"principal_id"`

	Amount   json.Number       `json:"amount"`
	Currency string            `json:"currency"`
	Tags     map[string]string `json:"tags"`

	// HourlyUsage, when present, carries 24 per-hour usage metric values.
	HourlyUsage []json.Number `json:"hourly_usage"`
}

// costsEnvelope is the billing API list response.
type costsEnvelope struct {
	Data []json.RawMessage `json:"data"`
	Meta struct {
		Next string `json:"next"`
	} `json:"metadata"`
}

// orgObject, envObject, clusterObject and principalObject mirror the org
// API payloads consumed by the dimension sync.
type orgObject struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
}

type envObject struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	DisplayName    string `json:"display_name"`
	OrganizationID string `json:"organization_id"`
	Organization   *struct {
		ID string `json:"id"`
	} `json:"organization"`
	ResourceName string `json:"resource_name"`
}

type clusterObject struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	DisplayName    string `json:"display_name"`
	OrganizationID string `json:"organization_id"`
	EnvironmentID  string `json:"environment_id"`
	Environment    *struct {
		ID string `json:"id"`
	} `json:"environment"`
	Spec *struct {
		DisplayName  string `json:"display_name"`
		Availability string `json:"availability"`
		Cloud        string `json:"cloud"`
		Region       string `json:"region"`
	} `json:"spec"`
}

type principalObject struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	DisplayName    string `json:"display_name"`
	Email          string `json:"email"`
	Description    string `json:"description"`
	OrganizationID string `json:"organization_id"`
	ResourceID     string `json:"resource_id"`
}

type listEnvelope[T any] struct {
	Data []T `json:"data"`
	Meta struct {
		Next string `json:"next"`
	} `json:"metadata"`
}
