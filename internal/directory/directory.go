// Package directory implements the Directory Client (C9): stateless HTTP
// calls against the federated directory service that neurons register with
// and patients/providers are discovered through. Concurrent lookups for the
// same NPI are collapsed with singleflight so a burst of simultaneous
// handshakes for one popular provider costs one directory round trip.
package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/careagent/neuron/internal/metrics"
)

// DirectoryError is returned for any non-2xx directory response. 4xx errors
// are not retried by the client; retry policy for 5xx/network errors is the
// Registration Service's responsibility (heartbeat backoff).
type DirectoryError struct {
	StatusCode int
	Operation  string
	Body       string
}

func (e *DirectoryError) Error() string {
	return fmt.Sprintf("directory: %s: status %d: %s", e.Operation, e.StatusCode, e.Body)
}

// RegisterNeuronRequest is the payload for register_neuron.
type RegisterNeuronRequest struct {
	OrganizationNPI   string `json:"organization_npi"`
	OrganizationName  string `json:"organization_name"`
	OrganizationType  string `json:"organization_type"`
	NeuronEndpointURL string `json:"neuron_endpoint_url"`
}

// RegisterNeuronResult is register_neuron's response.
type RegisterNeuronResult struct {
	RegistrationID string `json:"registration_id"`
	BearerToken    string `json:"bearer_token"`
}

// UpdateEndpointRequest is the heartbeat payload.
type UpdateEndpointRequest struct {
	NeuronEndpointURL string `json:"neuron_endpoint_url"`
}

// ProviderRecord is a directory entry returned by lookup or search.
type ProviderRecord struct {
	ProviderNPI       string `json:"provider_npi"`
	OrganizationNPI   string `json:"organization_npi"`
	NeuronEndpointURL string `json:"neuron_endpoint_url"`
	DisplayName       string `json:"display_name,omitempty"`
}

// SearchQuery narrows a directory search call.
type SearchQuery struct {
	Name string
	Type string
}

// Client is a stateless HTTP client for the directory API. The Client keeps
// the bearer token issued by register_neuron in memory (the Registration
// Service persists it separately in its registration row); it is never
// logged and never returned from the broker's own status endpoints.
type Client struct {
	baseURL    string
	httpClient *http.Client

	mu    sync.RWMutex
	token string

	lookupGroup singleflight.Group
}

// New creates a Client against baseURL (e.g. "https://directory.example.org").
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{baseURL: baseURL, httpClient: httpClient}
}

// SetToken installs the bearer token to present on subsequent authenticated
// calls. Called once after a successful RegisterNeuron, and again on
// process restart after loading persisted registration state.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

func (c *Client) authToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// RegisterNeuron registers this organization with the directory. Unlike the
// other calls, it precedes token issuance and so is never authenticated.
func (c *Client) RegisterNeuron(ctx context.Context, req RegisterNeuronRequest) (RegisterNeuronResult, error) {
	var out RegisterNeuronResult
	err := c.do(ctx, "register_neuron", http.MethodPost, "/v1/neurons", req, &out, false)
	return out, err
}

// UpdateEndpoint refreshes this neuron's reachable endpoint with the
// directory — the heartbeat's main payload.
func (c *Client) UpdateEndpoint(ctx context.Context, registrationID string, req UpdateEndpointRequest) error {
	path := fmt.Sprintf("/v1/neurons/%s/endpoint", registrationID)
	return c.do(ctx, "update_endpoint", http.MethodPut, path, req, nil, true)
}

// RegisterProvider adds a provider NPI under this neuron's registration.
func (c *Client) RegisterProvider(ctx context.Context, registrationID, providerNPI string) error {
	path := fmt.Sprintf("/v1/neurons/%s/providers", registrationID)
	body := map[string]string{"provider_npi": providerNPI}
	return c.do(ctx, "register_provider", http.MethodPost, path, body, nil, true)
}

// RemoveProvider removes a provider NPI from this neuron's registration.
func (c *Client) RemoveProvider(ctx context.Context, registrationID, providerNPI string) error {
	path := fmt.Sprintf("/v1/neurons/%s/providers/%s", registrationID, providerNPI)
	return c.do(ctx, "remove_provider", http.MethodDelete, path, nil, nil, true)
}

// LookupByNPI resolves a single provider NPI to its directory record.
// Concurrent lookups for the same NPI are collapsed into one HTTP call.
func (c *Client) LookupByNPI(ctx context.Context, providerNPI string) (ProviderRecord, error) {
	v, err, _ := c.lookupGroup.Do(providerNPI, func() (any, error) {
		var out ProviderRecord
		path := fmt.Sprintf("/v1/registry/%s", providerNPI)
		if err := c.do(ctx, "lookup_by_npi", http.MethodGet, path, nil, &out, true); err != nil {
			return ProviderRecord{}, err
		}
		return out, nil
	})
	if err != nil {
		return ProviderRecord{}, err
	}
	return v.(ProviderRecord), nil
}

// Search queries the directory for providers matching q.
func (c *Client) Search(ctx context.Context, q SearchQuery) ([]ProviderRecord, error) {
	params := url.Values{}
	if q.Name != "" {
		params.Set("name", q.Name)
	}
	if q.Type != "" {
		params.Set("type", q.Type)
	}
	path := "/v1/registry/search?" + params.Encode()
	var out []ProviderRecord
	err := c.do(ctx, "search", http.MethodGet, path, nil, &out, true)
	return out, err
}

func (c *Client) do(ctx context.Context, operation, method, path string, body, out any, authenticated bool) error {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("directory: marshal %s request: %w", operation, err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("directory: build %s request: %w", operation, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if authenticated {
		if tok := c.authToken(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.DirectoryErrors.WithLabelValues(operation).Inc()
		return fmt.Errorf("directory: %s: %w", operation, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.DirectoryErrors.WithLabelValues(operation).Inc()
		return &DirectoryError{StatusCode: resp.StatusCode, Operation: operation, Body: string(respBody)}
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("directory: unmarshal %s response: %w", operation, err)
		}
	}
	return nil
}
