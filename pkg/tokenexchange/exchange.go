// Package tokenexchange provides the two delegated-grant clients used to mint
// a cross-domain token: OAuth 2.0 Token Exchange (RFC 8693) and the JWT
// bearer authorization grant (RFC 7523).
package tokenexchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/tokengate/tokengate/pkg/logger"
)

const (
	// grantTypeTokenExchange is the OAuth 2.0 Token Exchange grant type (RFC 8693)
	//nolint:gosec // G101: False positive - these are OAuth2 URN identifiers, not credentials
	grantTypeTokenExchange = "urn:ietf:params:oauth:grant-type:token-exchange"

	// grantTypeJWTBearer is the JWT bearer authorization grant type (RFC 7523)
	//nolint:gosec // G101: False positive - these are OAuth2 URN identifiers, not credentials
	grantTypeJWTBearer = "urn:ietf:params:oauth:grant-type:jwt-bearer"

	// tokenTypeAccessToken indicates an OAuth 2.0 access token
	//nolint:gosec // G101: False positive - these are OAuth2 URN identifiers, not credentials
	tokenTypeAccessToken = "urn:ietf:params:oauth:token-type:access_token"

	// defaultHTTPTimeout is the timeout for HTTP requests
	defaultHTTPTimeout = 30 * time.Second

	// maxResponseBodySize is the maximum size for reading response bodies (1 MB)
	maxResponseBodySize = 1 << 20

	// redactedPlaceholder is used to redact sensitive values in string representations
	redactedPlaceholder = "[REDACTED]"

	// emptyPlaceholder is used to indicate empty/missing values in string representations
	emptyPlaceholder = "<empty>"
)

// oAuthError represents an OAuth 2.0 error response as defined in RFC 6749 Section 5.2.
type oAuthError struct {
	Code             string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
	ErrorURI         string `json:"error_uri,omitempty"`
	StatusCode       int    `json:"-"`
}

func (e *oAuthError) Error() string {
	if e.ErrorURI != "" {
		return fmt.Sprintf("OAuth error %q (status %d): see %s", e.Code, e.StatusCode, e.ErrorURI)
	}
	return fmt.Sprintf("OAuth error %q (status %d)", e.Code, e.StatusCode)
}

// AuthorizationRejected reports whether err is an OAuth error response from
// the authorization server rejecting the grant, as opposed to a transport
// failure or 5xx. Both outcomes deny the caller, but operators alert on them
// differently.
func AuthorizationRejected(err error) bool {
	var oauthErr *oAuthError
	return errors.As(err, &oauthErr) && oauthErr.StatusCode < 500
}

// parseOAuthError attempts to parse an OAuth error response from the given response body.
func parseOAuthError(statusCode int, body []byte) *oAuthError {
	var oauthErr oAuthError
	if err := json.Unmarshal(body, &oauthErr); err != nil {
		return nil
	}
	if oauthErr.Code == "" {
		return nil
	}
	oauthErr.StatusCode = statusCode
	return &oauthErr
}

// defaultHTTPClient is the default HTTP client used for token grant requests.
var defaultHTTPClient = &http.Client{
	Timeout: defaultHTTPTimeout,
}

// exchangeRequest contains fields necessary to make an OAuth 2.0 token exchange.
// Based on RFC 8693: https://datatracker.ietf.org/doc/html/rfc8693
type exchangeRequest struct {
	// Required fields
	GrantType        string
	SubjectToken     string
	SubjectTokenType string

	// Optional fields
	Audience string
	Scope    []string
}

// String implements fmt.Stringer for exchangeRequest, redacting the subject token.
func (r exchangeRequest) String() string {
	subjectToken := redactedPlaceholder
	if r.SubjectToken == "" {
		subjectToken = emptyPlaceholder
	}

	return fmt.Sprintf("exchangeRequest{GrantType: %s, Audience: %s, Scope: %v, SubjectToken: %s}",
		r.GrantType, r.Audience, r.Scope, subjectToken)
}

// response is used to decode the remote server response during a token grant.
type response struct {
	AccessToken     string `json:"access_token"`
	IssuedTokenType string `json:"issued_token_type"`
	TokenType       string `json:"token_type"`
	ExpiresIn       int    `json:"expires_in"`
	Scope           string `json:"scope"`
	RefreshToken    string `json:"refresh_token"`
}

// String implements fmt.Stringer for response, redacting sensitive tokens.
func (r response) String() string {
	accessToken := redactedPlaceholder
	if r.AccessToken == "" {
		accessToken = emptyPlaceholder
	}

	refreshToken := redactedPlaceholder
	if r.RefreshToken == "" {
		refreshToken = emptyPlaceholder
	}

	return fmt.Sprintf("response{AccessToken: %s, TokenType: %s, ExpiresIn: %d, RefreshToken: %s}",
		accessToken, r.TokenType, r.ExpiresIn, refreshToken)
}

// clientAuthentication represents OAuth client credentials for a token grant.
type clientAuthentication struct {
	ClientID     string
	ClientSecret string

	// InBody sends the credentials as form fields (client_secret_post)
	// instead of the Authorization header (client_secret_basic).
	InBody bool
}

// String implements fmt.Stringer for clientAuthentication, redacting the client secret.
func (c clientAuthentication) String() string {
	clientSecret := redactedPlaceholder
	if c.ClientSecret == "" {
		clientSecret = emptyPlaceholder
	}

	return fmt.Sprintf("clientAuthentication{ClientID: %s, ClientSecret: %s, InBody: %t}",
		c.ClientID, clientSecret, c.InBody)
}

// ExchangeConfig holds the configuration for an RFC 8693 token exchange.
type ExchangeConfig struct {
	// TokenURL is the OAuth 2.0 token endpoint URL
	TokenURL string

	// ClientID is the OAuth 2.0 client identifier
	ClientID string

	// ClientSecret is the OAuth 2.0 client secret
	ClientSecret string

	// Audience is the target audience for the exchanged token (optional per RFC 8693)
	Audience string

	// Scopes is the list of scopes to request (optional per RFC 8693)
	Scopes []string

	// SubjectTokenProvider is a function that returns the subject token to exchange
	// we use a function to allow dynamic retrieval of the token (e.g. from request context)
	SubjectTokenProvider func() (string, error)

	// HTTPClient is the HTTP client to use for token exchange requests.
	// If nil, defaultHTTPClient will be used.
	HTTPClient *http.Client
}

// Validate checks if the ExchangeConfig contains all required fields.
func (c *ExchangeConfig) Validate() error {
	if c.TokenURL == "" {
		return fmt.Errorf("TokenURL is required")
	}

	if c.SubjectTokenProvider == nil {
		return fmt.Errorf("SubjectTokenProvider is required")
	}

	if c.ClientID == "" {
		return fmt.Errorf("ClientID is required")
	}

	// Validate URL format
	_, err := url.Parse(c.TokenURL)
	if err != nil {
		return fmt.Errorf("TokenURL is not a valid URL: %w", err)
	}

	return nil
}

// exchangeTokenSource implements oauth2.TokenSource for RFC 8693 token exchange.
type exchangeTokenSource struct {
	ctx  context.Context
	conf *ExchangeConfig
}

// Token implements oauth2.TokenSource interface.
// It performs the token exchange and returns an oauth2.Token.
func (ts *exchangeTokenSource) Token() (*oauth2.Token, error) {
	conf := ts.conf

	// Validate configuration
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	// Get the subject token from the provider
	subjectToken, err := conf.SubjectTokenProvider()
	if err != nil {
		return nil, fmt.Errorf("failed to get subject token: %w", err)
	}

	// Build the token exchange form
	request := &exchangeRequest{
		GrantType:        grantTypeTokenExchange,
		Audience:         conf.Audience,
		Scope:            conf.Scopes,
		SubjectToken:     subjectToken,
		SubjectTokenType: tokenTypeAccessToken,
	}

	data, err := buildTokenExchangeFormData(request)
	if err != nil {
		return nil, err
	}

	clientAuth := clientAuthentication{
		ClientID:     conf.ClientID,
		ClientSecret: conf.ClientSecret,
	}

	resp, err := requestToken(ts.ctx, conf.TokenURL, data, clientAuth, conf.HTTPClient)
	if err != nil {
		return nil, err
	}

	return tokenFromResponse(resp, "token exchange")
}

// TokenSource returns an oauth2.TokenSource that performs token exchange.
func (c *ExchangeConfig) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &exchangeTokenSource{
		ctx:  ctx,
		conf: c,
	}
}

// buildTokenExchangeFormData constructs the form data for a token exchange request according to RFC 8693.
func buildTokenExchangeFormData(request *exchangeRequest) (url.Values, error) {
	data := url.Values{}

	// Grant type is always token exchange
	if request.GrantType == "" {
		request.GrantType = grantTypeTokenExchange
	}
	data.Set("grant_type", request.GrantType)

	// Subject token is required
	if request.SubjectToken == "" {
		return nil, fmt.Errorf("subject_token is required")
	}
	data.Set("subject_token", request.SubjectToken)

	// Subject token type defaults to access_token if not specified
	if request.SubjectTokenType == "" {
		request.SubjectTokenType = tokenTypeAccessToken
	}
	data.Set("subject_token_type", request.SubjectTokenType)

	if request.Audience != "" {
		data.Set("audience", request.Audience)
	}
	if len(request.Scope) > 0 {
		data.Set("scope", strings.Join(request.Scope, " "))
	}

	return data, nil
}

// tokenFromResponse converts a decoded grant response into an oauth2.Token,
// failing if the server returned no access token.
func tokenFromResponse(resp *response, grantName string) (*oauth2.Token, error) {
	if resp.AccessToken == "" {
		return nil, fmt.Errorf("%s: server returned empty access_token", grantName)
	}

	tokenType := resp.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}

	token := &oauth2.Token{
		AccessToken: resp.AccessToken,
		TokenType:   tokenType,
	}

	// Set expiry if provided
	if resp.ExpiresIn > 0 {
		token.Expiry = time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	}

	if resp.RefreshToken != "" {
		token.RefreshToken = resp.RefreshToken
	}

	return token, nil
}

// requestToken performs one token grant POST and decodes the response.
func requestToken(
	ctx context.Context,
	endpoint string,
	data url.Values,
	auth clientAuthentication,
	client *http.Client,
) (*response, error) {
	req, err := createTokenRequest(ctx, endpoint, data, auth)
	if err != nil {
		return nil, err
	}

	if client == nil {
		client = defaultHTTPClient
	}

	body, err := executeTokenRequest(client, req)
	if err != nil {
		return nil, err
	}

	return parseTokenResponse(body)
}

// createTokenRequest creates an HTTP POST request for a token grant.
// Client credentials are sent via HTTP Basic Authentication as recommended by
// RFC 6749 Section 2.3.1, unless the clientAuthentication asks for them in the
// body, in which case nothing goes in the Authorization header.
func createTokenRequest(
	ctx context.Context,
	endpoint string,
	data url.Values,
	auth clientAuthentication,
) (*http.Request, error) {
	if auth.InBody && auth.ClientID != "" {
		data.Set("client_id", auth.ClientID)
		data.Set("client_secret", auth.ClientSecret)
	}

	encodedData := data.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(encodedData))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Content-Length", strconv.Itoa(len(encodedData)))

	// Per RFC 6749 and Go's SetBasicAuth documentation, credentials must be URL-encoded
	// before being passed to SetBasicAuth for OAuth2 compatibility
	if !auth.InBody && auth.ClientID != "" && auth.ClientSecret != "" {
		req.SetBasicAuth(url.QueryEscape(auth.ClientID), url.QueryEscape(auth.ClientSecret))
	}

	return req, nil
}

// executeTokenRequest sends the HTTP request and returns the response body.
func executeTokenRequest(client *http.Client, req *http.Request) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}

	if err := validateResponseStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}

	return body, nil
}

// validateResponseStatus checks the HTTP status code and returns an error if not successful.
func validateResponseStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode <= 299 {
		return nil
	}

	// Try to parse as OAuth error first
	if oauthErr := parseOAuthError(statusCode, body); oauthErr != nil {
		logger.Debugf("Token grant OAuth error: %s (description: %s)", oauthErr.Code, oauthErr.ErrorDescription)
		return oauthErr
	}

	logger.Debugf("Token grant failed with status %d: %s", statusCode, string(body))
	return fmt.Errorf("token grant failed with status %d", statusCode)
}

// parseTokenResponse parses the token grant response body.
func parseTokenResponse(body []byte) (*response, error) {
	var tokenResp response
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		logger.Debugf("Failed to parse token response: %v", err)
		return nil, errors.New("failed to parse token response")
	}

	return &tokenResp, nil
}
