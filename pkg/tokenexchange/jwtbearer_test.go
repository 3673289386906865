package tokenexchange

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAssertion = "header.payload.signature"

// TestJWTBearerTokenSource_BasicAuth tests the grant with client_secret_basic:
// credentials go in the Authorization header and nothing in the body.
func TestJWTBearerTokenSource_BasicAuth(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))

		username, password, ok := r.BasicAuth()
		require.True(t, ok, "Basic Auth credentials should be present")
		assert.Equal(t, "domain-b-client", username)
		assert.Equal(t, "domain-b-secret", password)

		require.NoError(t, r.ParseForm())
		assert.Equal(t, "urn:ietf:params:oauth:grant-type:jwt-bearer", r.Form.Get("grant_type"))
		assert.Equal(t, testAssertion, r.Form.Get("assertion"))
		assert.Empty(t, r.Form.Get("client_id"), "client_id must not be in the body with basic auth")
		assert.Empty(t, r.Form.Get("client_secret"), "client_secret must not be in the body with basic auth")

		resp := response{AccessToken: "domain-b-token", TokenType: "Bearer", ExpiresIn: 300}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer server.Close()

	config := &JWTBearerConfig{
		TokenURL:     server.URL,
		ClientID:     "domain-b-client",
		ClientSecret: "domain-b-secret",
		AuthMethod:   AuthMethodClientSecretBasic,
		AssertionProvider: func() (string, error) {
			return testAssertion, nil
		},
	}

	token, err := config.TokenSource(context.Background()).Token()
	require.NoError(t, err)
	assert.Equal(t, "domain-b-token", token.AccessToken)
	assert.Equal(t, "Bearer", token.TokenType)
}

// TestJWTBearerTokenSource_PostAuth tests the grant with client_secret_post:
// credentials go in the form body and no Authorization header is sent.
func TestJWTBearerTokenSource_PostAuth(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"), "no Authorization header with client_secret_post")

		require.NoError(t, r.ParseForm())
		assert.Equal(t, "urn:ietf:params:oauth:grant-type:jwt-bearer", r.Form.Get("grant_type"))
		assert.Equal(t, testAssertion, r.Form.Get("assertion"))
		assert.Equal(t, "domain-b-client", r.Form.Get("client_id"))
		assert.Equal(t, "domain-b-secret", r.Form.Get("client_secret"))

		resp := response{AccessToken: "domain-b-token", TokenType: "Bearer"}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer server.Close()

	config := &JWTBearerConfig{
		TokenURL:     server.URL,
		ClientID:     "domain-b-client",
		ClientSecret: "domain-b-secret",
		AuthMethod:   AuthMethodClientSecretPost,
		AssertionProvider: func() (string, error) {
			return testAssertion, nil
		},
	}

	token, err := config.TokenSource(context.Background()).Token()
	require.NoError(t, err)
	assert.Equal(t, "domain-b-token", token.AccessToken)
}

// TestJWTBearerTokenSource_DefaultsToBasic verifies the default auth method.
func TestJWTBearerTokenSource_DefaultsToBasic(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _, ok := r.BasicAuth()
		assert.True(t, ok, "default auth method is client_secret_basic")

		resp := response{AccessToken: "domain-b-token"}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer server.Close()

	config := &JWTBearerConfig{
		TokenURL:     server.URL,
		ClientID:     "domain-b-client",
		ClientSecret: "domain-b-secret",
		AssertionProvider: func() (string, error) {
			return testAssertion, nil
		},
	}

	token, err := config.TokenSource(context.Background()).Token()
	require.NoError(t, err)
	assert.Equal(t, "Bearer", token.TokenType, "token_type defaults to Bearer when omitted")
}

// TestJWTBearerTokenSource_EmptyAssertion rejects an empty assertion without
// calling the server.
func TestJWTBearerTokenSource_EmptyAssertion(t *testing.T) {
	t.Parallel()

	called := false
	server := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		called = true
	}))
	defer server.Close()

	config := &JWTBearerConfig{
		TokenURL:     server.URL,
		ClientID:     "domain-b-client",
		ClientSecret: "domain-b-secret",
		AssertionProvider: func() (string, error) {
			return "", nil
		},
	}

	_, err := config.TokenSource(context.Background()).Token()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "assertion is required")
	assert.False(t, called, "no request should be made without an assertion")
}

// TestJWTBearerTokenSource_MissingAccessToken fails on a tokenless response.
func TestJWTBearerTokenSource_MissingAccessToken(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"token_type": "Bearer"}`))
	}))
	defer server.Close()

	config := &JWTBearerConfig{
		TokenURL:     server.URL,
		ClientID:     "domain-b-client",
		ClientSecret: "domain-b-secret",
		AssertionProvider: func() (string, error) {
			return testAssertion, nil
		},
	}

	_, err := config.TokenSource(context.Background()).Token()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty access_token")
}

func TestJWTBearerConfig_Validate(t *testing.T) {
	t.Parallel()

	provider := func() (string, error) { return testAssertion, nil }

	tests := []struct {
		name    string
		config  *JWTBearerConfig
		wantErr string
	}{
		{
			name:    "missing token URL",
			config:  &JWTBearerConfig{ClientID: "id", AssertionProvider: provider},
			wantErr: "TokenURL is required",
		},
		{
			name:    "missing assertion provider",
			config:  &JWTBearerConfig{TokenURL: "http://idp.example/token", ClientID: "id"},
			wantErr: "AssertionProvider is required",
		},
		{
			name:    "missing client ID",
			config:  &JWTBearerConfig{TokenURL: "http://idp.example/token", AssertionProvider: provider},
			wantErr: "ClientID is required",
		},
		{
			name: "bogus auth method",
			config: &JWTBearerConfig{
				TokenURL: "http://idp.example/token", ClientID: "id",
				AssertionProvider: provider, AuthMethod: "private_key_jwt",
			},
			wantErr: "invalid AuthMethod",
		},
		{
			name: "valid with explicit method",
			config: &JWTBearerConfig{
				TokenURL: "http://idp.example/token", ClientID: "id",
				AssertionProvider: provider, AuthMethod: AuthMethodClientSecretPost,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
}
