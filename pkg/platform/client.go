package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// HTTPClient is a retrying JSON client for the upstream Confluent Cloud
// APIs. Server errors and transport failures are retried with exponential
// backoff; 4xx responses are returned to the caller as-is.
type HTTPClient struct {
	Client    *http.Client
	Retries   int
	Timeout   time.Duration
	APIKey    string
	APISecret string
	Logger    *slog.Logger
}

func NewHTTPClient(retries int, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		Client: &http.Client{
			Timeout: timeout,
		},
		Retries: retries,
		Timeout: timeout,
		Logger:  slog.Default(),
	}
}

// WithBasicAuth sets the API key pair sent as HTTP basic auth.
func (c *HTTPClient) WithBasicAuth(key, secret string) *HTTPClient {
	c.APIKey = key
	c.APISecret = secret
	return c
}

// GetJSON fetches url and decodes the response body into out.
func (c *HTTPClient) GetJSON(ctx context.Context, url string, out any) error {
	resp, err := c.do(ctx, http.MethodGet, url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("GET %s: status %d: %s", url, resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *HTTPClient) do(ctx context.Context, method, url string) (*http.Response, error) {
	var resp *http.Response
	var err error

	for i := 0; i <= c.Retries; i++ {
		req, rErr := http.NewRequestWithContext(ctx, method, url, nil)
		if rErr != nil {
			return nil, rErr
		}
		req.Header.Set("Accept", "application/json")
		if c.APIKey != "" {
			req.SetBasicAuth(c.APIKey, c.APISecret)
		}

		resp, err = c.Client.Do(req)
		if err == nil && resp.StatusCode < 500 {
			// Success or client error (do not retry 4xx usually, unless throttling)
			return resp, nil
		}
		if err == nil {
			resp.Body.Close()
		}

		if i < c.Retries {
			c.Logger.Warn("HTTP request failed, retrying", "url", url, "attempt", i+1, "error", err)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(1<<i) * 200 * time.Millisecond): // Exponential backoff
			}
		}
	}

	if err != nil {
		return nil, fmt.Errorf("request failed after %d retries: %w", c.Retries, err)
	}
	return resp, nil // return last response even if 500
}
