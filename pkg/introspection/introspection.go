// Package introspection implements an RFC 7662 OAuth 2.0 Token Introspection
// client. The admission gate asks the authorization server, per request,
// whether a bearer token is currently active; nothing is cached, so revoked
// tokens stop being honored immediately.
package introspection

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/tokengate/tokengate/pkg/networking"
)

// maxResponseSize bounds introspection response bodies (64 KiB).
const maxResponseSize = 64 * 1024

// Result is an RFC 7662 introspection verdict. Only the fields the gate
// propagates upstream are decoded; everything else in the response stays at
// the authorization server boundary.
type Result struct {
	Active   bool   `json:"active"`
	Subject  string `json:"sub,omitempty"`
	Username string `json:"username,omitempty"`
	Scope    string `json:"scope,omitempty"`
	Exp      int64  `json:"exp,omitempty"`
}

// String implements fmt.Stringer for Result. The verdict carries no secret
// material, so it prints as-is.
func (r Result) String() string {
	return fmt.Sprintf("Result{Active: %t, Subject: %s, Scope: %s, Exp: %d}", r.Active, r.Subject, r.Scope, r.Exp)
}

// Client introspects tokens against a single authorization server endpoint.
type Client struct {
	client       *http.Client
	clientID     string
	clientSecret string
	url          string
}

// NewClient creates an introspection client authenticating with the given
// client credentials. The HTTP client controls the per-request timeout; if
// nil, a default client with the package-wide timeout is used.
func NewClient(introspectURL, clientID, clientSecret string, httpClient *http.Client) (*Client, error) {
	if introspectURL == "" {
		return nil, fmt.Errorf("introspection URL is required")
	}
	if _, err := url.Parse(introspectURL); err != nil {
		return nil, fmt.Errorf("introspection URL is not a valid URL: %w", err)
	}

	if httpClient == nil {
		var err error
		httpClient, err = networking.NewHttpClientBuilder().Build()
		if err != nil {
			return nil, fmt.Errorf("failed to create HTTP client: %w", err)
		}
	}

	return &Client{
		client:       httpClient,
		clientID:     clientID,
		clientSecret: clientSecret,
		url:          introspectURL,
	}, nil
}

// Introspect asks the authorization server whether the token is active.
// Any transport failure, non-200 status, or unparseable body is an error;
// callers treat every error as an inactive token (fail closed).
func (c *Client) Introspect(ctx context.Context, token string) (*Result, error) {
	// Prepare form data for POST request
	formData := url.Values{}
	formData.Set("token", token)
	formData.Set("token_type_hint", "access_token")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, strings.NewReader(formData.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create introspection request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	// Add client authentication if configured
	if c.clientID != "" && c.clientSecret != "" {
		req.SetBasicAuth(c.clientID, c.clientSecret)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("introspection request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read introspection response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("introspection unauthorized")
		}
		return nil, fmt.Errorf("introspection failed with status %d", resp.StatusCode)
	}

	var result Result
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse introspection response: %w", err)
	}

	return &result, nil
}
