package tokenexchange

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"golang.org/x/oauth2"
)

// Client authentication methods for the JWT bearer grant. The method is a
// per-authorization-server configuration choice, never negotiated at runtime.
const (
	// AuthMethodClientSecretBasic sends client credentials in the
	// Authorization header and nothing in the body.
	AuthMethodClientSecretBasic = "client_secret_basic"

	// AuthMethodClientSecretPost sends client credentials as form fields
	// and no Authorization header.
	AuthMethodClientSecretPost = "client_secret_post"
)

// JWTBearerConfig holds the configuration for an RFC 7523 JWT bearer grant:
// a signed assertion obtained elsewhere (here, the output of an RFC 8693
// exchange) is traded for an access token in the assertion's audience domain.
type JWTBearerConfig struct {
	// TokenURL is the OAuth 2.0 token endpoint URL
	TokenURL string

	// ClientID is the OAuth 2.0 client identifier
	ClientID string

	// ClientSecret is the OAuth 2.0 client secret
	ClientSecret string

	// AuthMethod selects how client credentials are presented:
	// AuthMethodClientSecretBasic (default) or AuthMethodClientSecretPost.
	AuthMethod string

	// AssertionProvider is a function that returns the JWT assertion to present
	AssertionProvider func() (string, error)

	// HTTPClient is the HTTP client to use for token requests.
	// If nil, defaultHTTPClient will be used.
	HTTPClient *http.Client
}

// Validate checks if the JWTBearerConfig contains all required fields.
func (c *JWTBearerConfig) Validate() error {
	if c.TokenURL == "" {
		return fmt.Errorf("TokenURL is required")
	}

	if c.AssertionProvider == nil {
		return fmt.Errorf("AssertionProvider is required")
	}

	if c.ClientID == "" {
		return fmt.Errorf("ClientID is required")
	}

	if c.AuthMethod != "" &&
		c.AuthMethod != AuthMethodClientSecretBasic &&
		c.AuthMethod != AuthMethodClientSecretPost {
		return fmt.Errorf("invalid AuthMethod %q (valid values: %q, %q)",
			c.AuthMethod, AuthMethodClientSecretBasic, AuthMethodClientSecretPost)
	}

	if _, err := url.Parse(c.TokenURL); err != nil {
		return fmt.Errorf("TokenURL is not a valid URL: %w", err)
	}

	return nil
}

// jwtBearerTokenSource implements oauth2.TokenSource for the JWT bearer grant.
type jwtBearerTokenSource struct {
	ctx  context.Context
	conf *JWTBearerConfig
}

// Token implements oauth2.TokenSource interface.
func (ts *jwtBearerTokenSource) Token() (*oauth2.Token, error) {
	conf := ts.conf

	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	assertion, err := conf.AssertionProvider()
	if err != nil {
		return nil, fmt.Errorf("failed to get assertion: %w", err)
	}
	if assertion == "" {
		return nil, fmt.Errorf("assertion is required")
	}

	data := url.Values{}
	data.Set("grant_type", grantTypeJWTBearer)
	data.Set("assertion", assertion)

	clientAuth := clientAuthentication{
		ClientID:     conf.ClientID,
		ClientSecret: conf.ClientSecret,
		InBody:       conf.AuthMethod == AuthMethodClientSecretPost,
	}

	resp, err := requestToken(ts.ctx, conf.TokenURL, data, clientAuth, conf.HTTPClient)
	if err != nil {
		return nil, err
	}

	return tokenFromResponse(resp, "jwt bearer grant")
}

// TokenSource returns an oauth2.TokenSource that performs the JWT bearer grant.
func (c *JWTBearerConfig) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &jwtBearerTokenSource{
		ctx:  ctx,
		conf: c,
	}
}
