package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"ccloud-cost/pkg/model"
	"ccloud-cost/pkg/platform"
)

// Client talks to the Confluent Cloud billing and org APIs.
type Client struct {
	http    *platform.HTTPClient
	baseURL string
	logger  *slog.Logger
}

// NewClient builds a collector client. Credentials are an API key pair
// sent as basic auth.
func NewClient(baseURL, apiKey, apiSecret string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := platform.NewHTTPClient(3, 30*time.Second).WithBasicAuth(apiKey, apiSecret)
	httpClient.Logger = logger
	return &Client{
		http:    httpClient,
		baseURL: baseURL,
		logger:  logger,
	}
}

// FetchDailyCosts fetches and normalizes the billing records for one
// calendar day, following pagination.
func (c *Client) FetchDailyCosts(ctx context.Context, day time.Time) ([]model.RawBillingRecord, error) {
	start := day.UTC().Format("2006-01-02")
	end := day.UTC().AddDate(0, 0, 1).Format("2006-01-02")

	endpoint := fmt.Sprintf("%s/billing/v1/costs?start_date=%s&end_date=%s&page_size=500",
		c.baseURL, url.QueryEscape(start), url.QueryEscape(end))

	var items []json.RawMessage
	for endpoint != "" {
		var env costsEnvelope
		if err := c.http.GetJSON(ctx, endpoint, &env); err != nil {
			return nil, fmt.Errorf("fetch billing costs for %s: %w", start, err)
		}
		items = append(items, env.Data...)
		endpoint = env.Meta.Next
	}

	c.logger.Info("fetched billing costs", "day", start, "records", len(items))
	return NormalizeBillingData(items, c.logger), nil
}

// Dimensions is one normalized sweep of the org hierarchy.
type Dimensions struct {
	Organizations []model.Organization
	Environments  []model.Environment
	Clusters      []model.Cluster
	Principals    []model.Principal
}

// FetchCoreObjects sweeps the org hierarchy: organizations,
// environments, clusters and service accounts.
func (c *Client) FetchCoreObjects(ctx context.Context) (*Dimensions, error) {
	var (
		orgs       []orgObject
		envs       []envObject
		clusters   []clusterObject
		principals []principalObject
	)
	if err := fetchList(ctx, c, "/org/v2/organizations", &orgs); err != nil {
		return nil, err
	}
	if err := fetchList(ctx, c, "/org/v2/environments", &envs); err != nil {
		return nil, err
	}
	if err := fetchList(ctx, c, "/cmk/v2/clusters", &clusters); err != nil {
		return nil, err
	}
	if err := fetchList(ctx, c, "/iam/v2/service-accounts", &principals); err != nil {
		return nil, err
	}

	out := &Dimensions{}
	for _, o := range orgs {
		out.Organizations = append(out.Organizations, *NormalizeOrganization(o))
	}
	for _, e := range envs {
		out.Environments = append(out.Environments, *NormalizeEnvironment(e))
	}
	for _, cl := range clusters {
		out.Clusters = append(out.Clusters, *NormalizeCluster(cl))
	}
	for _, p := range principals {
		out.Principals = append(out.Principals, *NormalizePrincipal(p))
	}

	c.logger.Info("fetched core objects",
		"organizations", len(out.Organizations),
		"environments", len(out.Environments),
		"clusters", len(out.Clusters),
		"principals", len(out.Principals))
	return out, nil
}

func fetchList[T any](ctx context.Context, c *Client, path string, into *[]T) error {
	endpoint := c.baseURL + path + "?page_size=100"
	for endpoint != "" {
		var env listEnvelope[T]
		if err := c.http.GetJSON(ctx, endpoint, &env); err != nil {
			return fmt.Errorf("fetch %s: %w", path, err)
		}
		*into = append(*into, env.Data...)
		endpoint = env.Meta.Next
	}
	return nil
}
