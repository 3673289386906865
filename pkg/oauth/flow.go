// Package oauth implements the interactive OAuth 2.1 authorization-code flow
// with PKCE used to obtain a user-delegated access token.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/browser"
	"golang.org/x/oauth2"

	"github.com/tokengate/tokengate/pkg/logger"
	"github.com/tokengate/tokengate/pkg/networking"
)

const (
	// DefaultFlowTimeout bounds the wait for the authorization callback.
	DefaultFlowTimeout = 2 * time.Minute

	// progressInterval is how often the flow logs that it is still waiting.
	progressInterval = 10 * time.Second
)

// Config contains configuration for the authorization-code flow
type Config struct {
	// ClientID is the OAuth client ID
	ClientID string

	// ClientSecret is the OAuth client secret, sent via HTTP Basic on the
	// token request and never in the form body
	ClientSecret string

	// RedirectURL is the redirect URL for the OAuth flow
	RedirectURL string

	// AuthURL is the authorization endpoint URL
	AuthURL string

	// TokenURL is the token endpoint URL
	TokenURL string

	// Scopes are the OAuth scopes to request
	Scopes []string

	// CallbackPort is the port for the OAuth callback server (0 means auto-select)
	CallbackPort int

	// Timeout bounds the wait for the callback (DefaultFlowTimeout if zero)
	Timeout time.Duration

	// SkipBrowser prints the authorization URL instead of opening a browser
	SkipBrowser bool
}

// Flow drives one authorization-code flow attempt. A Flow is single-use:
// Start may be called once, and a new attempt requires a new Flow so that
// fresh PKCE and state values are generated.
type Flow struct {
	config       *Config
	oauth2Config *oauth2.Config
	server       *http.Server
	port         int

	pkce  *PKCEParams
	state string

	started atomic.Bool
	handled atomic.Bool

	tokenSource oauth2.TokenSource
}

// TokenResult contains the result of the OAuth flow
type TokenResult struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	Expiry       time.Time
	Scope        string
	Claims       jwt.MapClaims
	IDToken      string // The OIDC ID token (JWT), if present
}

// NewFlow creates a new OAuth flow
func NewFlow(config *Config) (*Flow, error) {
	if config == nil {
		return nil, errors.New("OAuth config cannot be nil")
	}

	if config.ClientID == "" {
		return nil, errors.New("client ID is required")
	}

	if config.AuthURL == "" {
		return nil, errors.New("authorization URL is required")
	}

	if config.TokenURL == "" {
		return nil, errors.New("token URL is required")
	}

	// Use specified callback port or find an available port for the local server
	port, err := networking.FindOrUsePort(config.CallbackPort)
	if err != nil {
		return nil, fmt.Errorf("failed to find available port: %w", err)
	}

	// Set default redirect URL if not provided
	redirectURL := config.RedirectURL
	if redirectURL == "" {
		redirectURL = fmt.Sprintf("http://localhost:%d/callback", port)
	}

	// AuthStyleInHeader keeps the client secret in the Authorization header
	// only; it must not additionally appear in the request body.
	oauth2Config := &oauth2.Config{
		ClientID:     config.ClientID,
		ClientSecret: config.ClientSecret,
		RedirectURL:  redirectURL,
		Scopes:       config.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   config.AuthURL,
			TokenURL:  config.TokenURL,
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}

	flow := &Flow{
		config:       config,
		oauth2Config: oauth2Config,
		port:         port,
	}

	// Fresh PKCE material per flow attempt
	flow.pkce, err = GeneratePKCE()
	if err != nil {
		return nil, fmt.Errorf("failed to generate PKCE parameters: %w", err)
	}

	flow.state, err = generateState()
	if err != nil {
		return nil, fmt.Errorf("failed to generate state parameter: %w", err)
	}

	return flow, nil
}

// AuthorizationURL returns the authorization URL for this flow attempt.
// Useful for headless drivers that dispatch the user agent themselves.
func (f *Flow) AuthorizationURL() string {
	opts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("code_challenge", f.pkce.Challenge),
		oauth2.SetAuthURLParam("code_challenge_method", f.pkce.Method),
	}

	return f.oauth2Config.AuthCodeURL(f.state, opts...)
}

// RedirectURL returns the redirect URL registered for this flow attempt.
func (f *Flow) RedirectURL() string {
	return f.oauth2Config.RedirectURL
}

// Start runs the flow: it binds the callback listener, dispatches the user
// agent, waits for exactly one callback, and exchanges the authorization code
// for tokens. The listener is confirmed live before the browser is opened so
// the redirect cannot race an unbound socket.
func (f *Flow) Start(ctx context.Context) (*TokenResult, error) {
	if !f.started.CompareAndSwap(false, true) {
		return nil, errors.New("flow already started: create a new flow for another attempt")
	}

	// Create channels for communication
	tokenChan := make(chan *oauth2.Token, 1)
	errorChan := make(chan error, 1)

	// Serve the callback on whatever path the registered redirect URI uses
	callbackPath := "/callback"
	if u, err := url.Parse(f.oauth2Config.RedirectURL); err == nil && u.Path != "" {
		callbackPath = u.Path
	}

	// Set up HTTP server for handling the callback
	mux := http.NewServeMux()
	mux.HandleFunc(callbackPath, f.handleCallback(ctx, tokenChan, errorChan))
	mux.HandleFunc("/", f.handleRoot())

	f.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind before anything can hit the redirect URI
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", f.port))
	if err != nil {
		return nil, fmt.Errorf("failed to bind callback listener: %w", err)
	}

	go func() {
		logger.Infof("Starting OAuth callback server on port %d", f.port)
		if err := f.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errorChan <- fmt.Errorf("callback server failed: %w", err)
		}
	}()

	// Ensure server cleanup
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := f.server.Shutdown(shutdownCtx); err != nil {
			logger.Warnf("Failed to shutdown OAuth callback server: %v", err)
		}
	}()

	// Build authorization URL
	authURL := f.AuthorizationURL()

	// Open browser or display URL
	if !f.config.SkipBrowser {
		logger.Infof("Opening browser to: %s", authURL)
		if err := browser.OpenURL(authURL); err != nil {
			logger.Warnf("Failed to open browser: %v", err)
			logger.Infof("Please manually open this URL in your browser: %s", authURL)
		}
	} else {
		logger.Infof("Please open this URL in your browser: %s", authURL)
	}

	logger.Info("Waiting for OAuth callback...")

	timeout := f.config.Timeout
	if timeout <= 0 {
		timeout = DefaultFlowTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	progress := time.NewTicker(progressInterval)
	defer progress.Stop()

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	start := time.Now()

	// Wait for token, error, timeout, or cancellation
	for {
		select {
		case token := <-tokenChan:
			logger.Info("OAuth flow completed successfully")
			return f.processToken(token), nil
		case err := <-errorChan:
			return nil, fmt.Errorf("OAuth flow failed: %w", err)
		case <-timer.C:
			return nil, fmt.Errorf("timed out waiting for authorization callback after %s", timeout)
		case <-ctx.Done():
			return nil, fmt.Errorf("OAuth flow cancelled: %w", ctx.Err())
		case sig := <-sigChan:
			return nil, fmt.Errorf("OAuth flow interrupted by signal: %v", sig)
		case <-progress.C:
			logger.Infof("Still waiting for authorization callback (%s elapsed)", time.Since(start).Round(time.Second))
		}
	}
}

// handleCallback handles the OAuth callback. The handler is single-use: the
// first request consumes the flow, and any further request is rejected so a
// second listener hit cannot replay or intercept a code.
func (f *Flow) handleCallback(ctx context.Context, tokenChan chan<- *oauth2.Token, errorChan chan<- error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		if !f.handled.CompareAndSwap(false, true) {
			http.Error(w, "Callback already handled", http.StatusConflict)
			return
		}

		// Parse query parameters
		query := r.URL.Query()

		// Check for error
		if errParam := query.Get("error"); errParam != "" {
			errDesc := query.Get("error_description")
			err := fmt.Errorf("OAuth error: %s - %s", errParam, errDesc)
			f.writeErrorPage(w, err)
			errorChan <- err
			return
		}

		// Validate state parameter before touching the code
		state := query.Get("state")
		if state != f.state {
			err := errors.New("invalid state parameter")
			f.writeErrorPage(w, err)
			errorChan <- err
			return
		}

		// Get authorization code
		code := query.Get("code")
		if code == "" {
			err := errors.New("missing authorization code")
			f.writeErrorPage(w, err)
			errorChan <- err
			return
		}

		logger.Debugf("Authorization code received, exchanging at token endpoint")

		// Exchange code for token. The code is consumed exactly once; the
		// single-use guard above means no second exchange can happen on this
		// flow instance.
		opts := []oauth2.AuthCodeOption{
			oauth2.SetAuthURLParam("code_verifier", f.pkce.Verifier),
		}

		token, err := f.oauth2Config.Exchange(ctx, code, opts...)
		if err != nil {
			err = fmt.Errorf("failed to exchange code for token: %w", err)
			f.writeErrorPage(w, err)
			errorChan <- err
			return
		}

		// Write success page
		f.writeSuccessPage(w)

		// Send token
		tokenChan <- token
	}
}

// processToken processes the received token and extracts claims
func (f *Flow) processToken(token *oauth2.Token) *TokenResult {
	result := &TokenResult{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
		Expiry:       token.Expiry,
	}

	if scope, ok := token.Extra("scope").(string); ok {
		result.Scope = scope
	}

	// Create a base token source using the original token
	base := f.oauth2Config.TokenSource(context.Background(), token)

	// ReuseTokenSource ensures that refresh happens only when needed
	f.tokenSource = oauth2.ReuseTokenSource(token, base)

	// Prefer extracting claims from the ID token if present (OIDC)
	if idToken, ok := token.Extra("id_token").(string); ok && idToken != "" {
		result.IDToken = idToken
		if claims, err := extractJWTClaims(idToken); err == nil {
			result.Claims = claims
			logger.Debugf("Successfully extracted JWT claims from ID token")
		} else {
			logger.Debugf("Could not extract JWT claims from ID token: %v", err)
		}
	} else {
		// Fallback: try to extract claims from the access token (e.g., Keycloak)
		if claims, err := extractJWTClaims(token.AccessToken); err == nil {
			result.Claims = claims
			logger.Debugf("Successfully extracted JWT claims from access token")
		} else {
			logger.Debugf("Could not extract JWT claims from access token (may be opaque token): %v", err)
		}
	}

	return result
}

// TokenSource returns the OAuth2 token source for refreshing tokens
func (f *Flow) TokenSource() oauth2.TokenSource {
	return f.tokenSource
}

// extractJWTClaims attempts to extract claims from a JWT token without validation
func extractJWTClaims(tokenString string) (jwt.MapClaims, error) {
	// Parse without verification to extract claims
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	token, _, err := parser.ParseUnverified(tokenString, jwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("failed to extract claims")
	}

	return claims, nil
}
