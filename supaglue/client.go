// Package supaglue is a client for the Supaglue passthrough API, which
// forwards arbitrary requests to a customer's connected CRM provider.
package supaglue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const passthroughPath = "/actions/v2/passthrough"

// PassthroughRequest describes the request the CRM provider should receive.
type PassthroughRequest struct {
	Path         string
	Method       string
	Query        map[string]string
	Body         any
	CustomerID   string
	ProviderName string
}

type passthroughPayload struct {
	Method string            `json:"method"`
	Path   string            `json:"path"`
	Query  map[string]string `json:"query,omitempty"`
	Body   any               `json:"body,omitempty"`
}

// PassthroughResponse is the provider's answer as relayed by Supaglue. Body
// is left raw for the caller to decode.
type PassthroughResponse struct {
	URL     string          `json:"url"`
	Status  int             `json:"status"`
	Headers map[string]any  `json:"headers"`
	Body    json.RawMessage `json:"body"`
}

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	return NewClientWithHTTPClient(baseURL, apiKey, &http.Client{Timeout: timeout})
}

func NewClientWithHTTPClient(baseURL, apiKey string, httpClient *http.Client) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: httpClient,
	}
}

func (c *Client) headers(customerID, providerName string) http.Header {
	h := http.Header{}
	h.Set("x-api-key", c.apiKey)
	h.Set("x-customer-id", customerID)
	h.Set("x-provider-name", providerName)
	h.Set("Content-Type", "application/json")
	return h
}

// Passthrough sends req through Supaglue. It returns a *TransportError when
// the call fails or either Supaglue or the provider answers with a non-2xx
// status, and a *DecodeError when the envelope cannot be parsed.
func (c *Client) Passthrough(ctx context.Context, req PassthroughRequest) (*PassthroughResponse, error) {
	payload, err := json.Marshal(passthroughPayload{
		Method: req.Method,
		Path:   req.Path,
		Query:  req.Query,
		Body:   req.Body,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode passthrough request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+passthroughPath, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create passthrough request: %w", err)
	}
	httpReq.Header = c.headers(req.CustomerID, req.ProviderName)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Path: req.Path, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Path: req.Path, StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &TransportError{Path: req.Path, StatusCode: resp.StatusCode, Err: fmt.Errorf("unexpected status: %s", truncate(body))}
	}

	var out PassthroughResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, &DecodeError{Path: req.Path, Err: err}
	}
	if out.Status != 0 && (out.Status < 200 || out.Status > 299) {
		return nil, &TransportError{Path: req.Path, StatusCode: out.Status, Err: fmt.Errorf("provider returned: %s", truncate(out.Body))}
	}
	return &out, nil
}

func truncate(b []byte) string {
	const limit = 256
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
