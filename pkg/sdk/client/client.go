// Package client is a Go client for the conduit gateway.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/bturcanu/OpenConduit/pkg/adapters"
	"github.com/bturcanu/OpenConduit/pkg/types"
)

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New creates a client. The HTTP timeout is generous because the gateway
// enforces its own per-dispatch deadline.
func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 5*time.Minute + 15*time.Second},
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// Dispatch submits an action. A dispatch that ran and failed is returned as
// a failure envelope with a nil error; err is set only when no envelope
// could be obtained (transport failure, authentication, unparseable reply).
func (c *Client) Dispatch(ctx context.Context, req types.ActionRequest) (*types.ActionResponse, error) {
	if req.TraceID == "" {
		req.TraceID = uuid.NewString()
	}
	if req.Parameters == nil {
		req.Parameters = json.RawMessage(`{}`)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/actions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, err
	}

	var out types.ActionResponse
	if err := json.Unmarshal(raw, &out); err == nil && out.Status != "" {
		return &out, nil
	}
	return nil, apiError(resp.StatusCode, raw)
}

// Services lists the adapters registered on the gateway.
func (c *Client) Services(ctx context.Context) ([]adapters.ServiceInfo, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/services", http.NoBody)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("X-API-Key", c.apiKey)
	var out struct {
		Services []adapters.ServiceInfo `json:"services"`
	}
	if err := c.doJSON(httpReq, &out); err != nil {
		return nil, err
	}
	return out.Services, nil
}

func (c *Client) doJSON(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return apiError(resp.StatusCode, raw)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func apiError(status int, raw []byte) error {
	var apiErr types.APIError
	if err := json.Unmarshal(raw, &apiErr); err == nil && apiErr.Message != "" {
		return fmt.Errorf("api error %s: %s", apiErr.Code, apiErr.Message)
	}
	return fmt.Errorf("http status %d", status)
}
