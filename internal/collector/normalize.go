package collector

import (
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"ccloud-cost/pkg/model"
)

// NormalizeBillingData converts raw billing API entries into
// RawBillingRecords. Entries with no usable date are skipped with a
// warning rather than failing the batch.
func NormalizeBillingData(items []json.RawMessage, logger *slog.Logger) []model.RawBillingRecord {
	if logger == nil {
		logger = slog.Default()
	}

	out := make([]model.RawBillingRecord, 0, len(items))
	for _, raw := range items {
		var line costLine
		if err := json.Unmarshal(raw, &line); err != nil {
			logger.Error("failed to decode cost record", "error", err)
			continue
		}

		dateVal := line.Date
		if dateVal == "" {
			dateVal = line.StartDate
		}
		if dateVal == "" {
			logger.Warn("skipping cost record with missing date")
			continue
		}
		day, err := parseBillingDay(dateVal)
		if err != nil {
			logger.Warn("skipping cost record with unparseable date", "date", dateVal, "error", err)
			continue
		}

		rec := model.RawBillingRecord{
			BillingDay: day,
			CostSource: model.CostSourceBillingAPI,
			Currency:   line.Currency,
			Tags:       line.Tags,
			Raw:        raw,
			APIVersion: apiVersion,
		}
		if rec.Currency == "" {
			rec.Currency = "USD"
		}

		rec.OrganizationID = line.OrganizationID
		if rec.OrganizationID == "" && line.Organization != nil {
			rec.OrganizationID = line.Organization.ID
		}
		if line.Organization != nil {
			rec.OrganizationName = line.Organization.DisplayName
		}

		rec.EnvironmentID = line.EnvironmentID
		if rec.EnvironmentID == "" && line.Environment != nil {
			rec.EnvironmentID = line.Environment.ID
		}
		if rec.EnvironmentID == "" && line.Resource != nil && line.Resource.Environment != nil {
			rec.EnvironmentID = line.Resource.Environment.ID
		}

		rec.ResourceID = line.ResourceID
		if rec.ResourceID == "" && line.Resource != nil {
			rec.ResourceID = line.Resource.ID
		}
		if line.Resource != nil {
			rec.ResourceName = line.Resource.DisplayName
		}

		rec.ResourceType = line.ResourceType
		if rec.ResourceType == "" {
			rec.ResourceType = line.Product
		}
		rec.Product = line.Product
		rec.PrincipalID = line.PrincipalID

		amount, err := decimal.NewFromString(line.Amount.String())
		if err != nil {
			logger.Warn("skipping cost record with unparseable amount",
				"amount", line.Amount.String(), "resource_id", rec.ResourceID)
			continue
		}
		rec.AmountUSD = amount

		if len(line.HourlyUsage) > 0 {
			weights, ok := parseUsageWeights(line.HourlyUsage)
			if !ok {
				logger.Warn("ignoring malformed hourly usage vector",
					"resource_id", rec.ResourceID, "entries", len(line.HourlyUsage))
			} else {
				rec.UsageWeights = weights
			}
		}

		out = append(out, rec)
	}

	logger.Info("normalized billing records", "accepted", len(out), "received", len(items))
	return out
}

func parseBillingDay(val string) (time.Time, error) {
	val = strings.TrimSuffix(val, "Z")
	if t, err := time.Parse("2006-01-02", val); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02T15:04:05", val)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func parseUsageWeights(usage []json.Number) ([]decimal.Decimal, bool) {
	weights := make([]decimal.Decimal, 0, len(usage))
	for _, u := range usage {
		w, err := decimal.NewFromString(u.String())
		if err != nil {
			return nil, false
		}
		weights = append(weights, w)
	}
	return weights, true
}

// NormalizeOrganization maps an org API object to a dimension row.
func NormalizeOrganization(o orgObject) *model.Organization {
	name := o.Name
	if name == "" {
		name = o.DisplayName
	}
	return &model.Organization{
		ID:          o.ID,
		Name:        name,
		DisplayName: o.DisplayName,
	}
}

// NormalizeEnvironment maps an environment API object to a dimension
// row. The parent org ID may only be present inside the CRN-style
// resource_name.
func NormalizeEnvironment(e envObject) *model.Environment {
	orgID := e.OrganizationID
	if orgID == "" && e.Organization != nil {
		orgID = e.Organization.ID
	}
	if orgID == "" {
		orgID = orgIDFromCRN(e.ResourceName)
	}

	name := e.Name
	if name == "" {
		name = e.DisplayName
	}
	return &model.Environment{
		ID:          e.ID,
		OrgID:       orgID,
		Name:        name,
		DisplayName: e.DisplayName,
	}
}

// NormalizeCluster maps a cluster API object to a dimension row.
func NormalizeCluster(c clusterObject) *model.Cluster {
	envID := c.EnvironmentID
	if envID == "" && c.Environment != nil {
		envID = c.Environment.ID
	}

	out := &model.Cluster{
		ID:    c.ID,
		OrgID: c.OrganizationID,
		EnvID: envID,
		Name:  c.Name,
	}
	if out.Name == "" {
		out.Name = c.DisplayName
	}
	if c.Spec != nil {
		if out.Name == "" {
			out.Name = c.Spec.DisplayName
		}
		out.ClusterType = c.Spec.Availability
		out.CloudProvider = c.Spec.Cloud
		out.Region = c.Spec.Region
	}
	if out.Name == "" {
		out.Name = c.ID
	}
	return out
}

// NormalizePrincipal maps a service-account API object to a dimension
// row. Principal type is inferred from the ID prefix.
func NormalizePrincipal(p principalObject) *model.Principal {
	orgID := p.OrganizationID
	if orgID == "" && strings.HasPrefix(p.ResourceID, "org/") {
		orgID = strings.TrimPrefix(p.ResourceID, "org/")
	}

	ptype := model.PrincipalServiceAccount
	if strings.HasPrefix(p.ID, "u-") {
		ptype = model.PrincipalUser
	}

	name := p.Name
	if name == "" {
		name = p.DisplayName
	}
	out := &model.Principal{
		ID:            p.ID,
		OrgID:         orgID,
		PrincipalType: ptype,
		Name:          name,
		Email:         p.Email,
	}
	if p.Description != "" {
		out.Metadata = map[string]string{"description": p.Description}
	}
	return out
}

// orgIDFromCRN extracts the organization ID from a CRN like
// crn://confluent.cloud/organization=abc123/environment=env-1.
func orgIDFromCRN(crn string) string {
	for _, segment := range strings.Split(crn, "/") {
		if strings.HasPrefix(segment, "organization=") {
			return strings.TrimPrefix(segment, "organization=")
		}
	}
	return ""
}
