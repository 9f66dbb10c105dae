// Package client is the Go client for the fogwatch read API.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/brojonat/fogwatch/service/query"
)

// Type aliases so callers need not import the service packages.
type (
	Node         = query.NodeStatus
	Transaction  = query.Transaction
	FraudResult  = query.FraudResult
	FraudRate    = query.FraudRate
	VolumeBucket = query.VolumeBucket
	Summary      = query.Summary
)

// Client is the HTTP client for the fogwatch read API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new client. httpClient and logger may be nil.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}
}

// RecentFilter narrows the recent transaction and fraud result listings.
// Zero values mean the server defaults.
type RecentFilter struct {
	Limit  int
	NodeID string
}

func (f RecentFilter) values() url.Values {
	v := url.Values{}
	if f.Limit > 0 {
		v.Set("limit", strconv.Itoa(f.Limit))
	}
	if f.NodeID != "" {
		v.Set("node_id", f.NodeID)
	}
	return v
}

// Nodes lists every registered node with its current status.
func (c *Client) Nodes(ctx context.Context) ([]Node, error) {
	var resp struct {
		Nodes []Node `json:"nodes"`
	}
	if err := c.get(ctx, "/api/v1/nodes", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Nodes, nil
}

// Node returns a single node.
func (c *Client) Node(ctx context.Context, nodeID string) (*Node, error) {
	var node Node
	if err := c.get(ctx, "/api/v1/nodes/"+url.PathEscape(nodeID), nil, &node); err != nil {
		return nil, err
	}
	return &node, nil
}

// Transactions returns recent transactions, newest first.
func (c *Client) Transactions(ctx context.Context, filter RecentFilter) ([]Transaction, error) {
	var resp struct {
		Transactions []Transaction `json:"transactions"`
	}
	if err := c.get(ctx, "/api/v1/transactions", filter.values(), &resp); err != nil {
		return nil, err
	}
	return resp.Transactions, nil
}

// FraudResults returns recent classification results, newest first.
func (c *Client) FraudResults(ctx context.Context, filter RecentFilter) ([]FraudResult, error) {
	var resp struct {
		FraudResults []FraudResult `json:"fraud_results"`
	}
	if err := c.get(ctx, "/api/v1/fraud-results", filter.values(), &resp); err != nil {
		return nil, err
	}
	return resp.FraudResults, nil
}

// FraudRates returns the fraud fraction for every node with results.
func (c *Client) FraudRates(ctx context.Context) ([]FraudRate, error) {
	var resp struct {
		FraudRates []FraudRate `json:"fraud_rates"`
	}
	if err := c.get(ctx, "/api/v1/stats/fraud-rate", nil, &resp); err != nil {
		return nil, err
	}
	return resp.FraudRates, nil
}

// Volume returns transaction counts per bucket. A zero bucket uses the
// server default; a zero since covers all time.
func (c *Client) Volume(ctx context.Context, bucket, since time.Duration) ([]VolumeBucket, error) {
	v := url.Values{}
	if bucket > 0 {
		v.Set("bucket", bucket.String())
	}
	if since > 0 {
		v.Set("since", since.String())
	}
	var resp struct {
		Buckets []VolumeBucket `json:"buckets"`
	}
	if err := c.get(ctx, "/api/v1/stats/volume", v, &resp); err != nil {
		return nil, err
	}
	return resp.Buckets, nil
}

// Summary returns fleet-wide totals.
func (c *Client) Summary(ctx context.Context) (*Summary, error) {
	var sum Summary
	if err := c.get(ctx, "/api/v1/stats/summary", nil, &sum); err != nil {
		return nil, err
	}
	return &sum, nil
}

// Health checks that the server is up.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.parseErrorResponse(resp)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out any) error {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.parseErrorResponse(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	c.logger.Debug("request completed", "path", path)
	return nil
}

// parseErrorResponse attempts to parse an error response from the server.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	var errResp struct {
		Error string `json:"error"`
	}

	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
	}

	return fmt.Errorf("request failed: %s", errResp.Error)
}
