package extauthz

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokengate/tokengate/pkg/tokenexchange"
)

const (
	incomingToken     = "incoming-subject-token"
	intermediateToken = "intermediate-jwt-a"
	finalToken        = "final-token-b"
)

func newBroker(t *testing.T, config *BrokerConfig) http.Handler {
	t.Helper()
	broker, err := NewBroker(config)
	require.NoError(t, err)
	return NewRouter(broker)
}

func brokerConfigFor(domainA, domainB string) *BrokerConfig {
	return &BrokerConfig{
		DomainA: DomainConfig{
			TokenURL:     domainA,
			ClientID:     "broker-a",
			ClientSecret: "secret-a",
		},
		DomainB: DomainConfig{
			TokenURL:     domainB,
			ClientID:     "broker-b",
			ClientSecret: "secret-b",
		},
	}
}

func writeTokenResponse(t *testing.T, w http.ResponseWriter, accessToken string) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(map[string]any{
		"access_token": accessToken,
		"token_type":   "Bearer",
		"expires_in":   3600,
	}))
}

func TestBroker_TwoHopSuccess(t *testing.T) {
	t.Parallel()

	domainA := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "urn:ietf:params:oauth:grant-type:token-exchange", r.PostForm.Get("grant_type"))
		assert.Equal(t, incomingToken, r.PostForm.Get("subject_token"))
		assert.Equal(t, "urn:ietf:params:oauth:token-type:access_token", r.PostForm.Get("subject_token_type"))

		user, _, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "broker-a", user)

		writeTokenResponse(t, w, intermediateToken)
	}))
	defer domainA.Close()

	domainB := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "urn:ietf:params:oauth:grant-type:jwt-bearer", r.PostForm.Get("grant_type"))
		assert.Equal(t, intermediateToken, r.PostForm.Get("assertion"))

		user, _, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "broker-b", user)

		writeTokenResponse(t, w, finalToken)
	}))
	defer domainB.Close()

	handler := newBroker(t, brokerConfigFor(domainA.URL, domainB.URL))

	req := httptest.NewRequest(http.MethodGet, "/api/cross-domain", nil)
	req.Header.Set("Authorization", "Bearer "+incomingToken)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Bearer "+finalToken, rec.Header().Get("Authorization"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.NotContains(t, rec.Body.String(), intermediateToken)
	assert.NotContains(t, rec.Body.String(), incomingToken)
}

func TestBroker_PostAuthForDomainB(t *testing.T) {
	t.Parallel()

	domainA := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeTokenResponse(t, w, intermediateToken)
	}))
	defer domainA.Close()

	domainB := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Empty(t, r.Header.Get("Authorization"))
		assert.Equal(t, "broker-b", r.PostForm.Get("client_id"))
		assert.Equal(t, "secret-b", r.PostForm.Get("client_secret"))
		writeTokenResponse(t, w, finalToken)
	}))
	defer domainB.Close()

	config := brokerConfigFor(domainA.URL, domainB.URL)
	config.DomainBAuthMethod = tokenexchange.AuthMethodClientSecretPost
	handler := newBroker(t, config)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+incomingToken)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Bearer "+finalToken, rec.Header().Get("Authorization"))
}

func TestBroker_HopAFailureSkipsHopB(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "oauth error",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			},
		},
		{
			name: "missing access_token",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(`{"token_type":"Bearer","expires_in":3600}`))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			domainA := httptest.NewServer(tt.handler)
			defer domainA.Close()

			var domainBCalled atomic.Bool
			domainB := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				domainBCalled.Store(true)
				writeTokenResponse(t, w, finalToken)
			}))
			defer domainB.Close()

			handler := newBroker(t, brokerConfigFor(domainA.URL, domainB.URL))

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("Authorization", "Bearer "+incomingToken)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Empty(t, rec.Body.String())
			assert.Empty(t, rec.Header().Get("Authorization"))
			assert.False(t, domainBCalled.Load(), "second hop must not run after a first-hop failure")
		})
	}
}

func TestBroker_HopBFailureHidesIntermediateToken(t *testing.T) {
	t.Parallel()

	domainA := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeTokenResponse(t, w, intermediateToken)
	}))
	defer domainA.Close()

	domainB := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer domainB.Close()

	handler := newBroker(t, brokerConfigFor(domainA.URL, domainB.URL))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+incomingToken)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, rec.Body.String())
	assert.NotContains(t, rec.Header().Get("Authorization"), intermediateToken)
}

func TestBroker_DeniesMissingAuthorization(t *testing.T) {
	t.Parallel()

	var called atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called.Store(true)
		writeTokenResponse(t, w, finalToken)
	}))
	defer srv.Close()

	handler := newBroker(t, brokerConfigFor(srv.URL, srv.URL))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, rec.Body.String())
	assert.False(t, called.Load())
}

func TestBroker_Misconfigured(t *testing.T) {
	t.Parallel()

	handler := newBroker(t, &BrokerConfig{})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+incomingToken)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "misconfigured")
}

func TestBrokerConfig_Validate(t *testing.T) {
	t.Parallel()

	valid := brokerConfigFor("https://a.example.com/token", "https://b.example.com/token")

	tests := []struct {
		name    string
		mutate  func(*BrokerConfig)
		wantErr string
	}{
		{name: "valid", mutate: func(*BrokerConfig) {}},
		{
			name:    "missing domain A token URL",
			mutate:  func(c *BrokerConfig) { c.DomainA.TokenURL = "" },
			wantErr: "domain A token URL",
		},
		{
			name:    "missing domain B client secret",
			mutate:  func(c *BrokerConfig) { c.DomainB.ClientSecret = "" },
			wantErr: "domain B client secret",
		},
		{
			name:    "bad auth method",
			mutate:  func(c *BrokerConfig) { c.DomainBAuthMethod = "private_key_jwt" },
			wantErr: "invalid domain B auth method",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			config := *valid
			tt.mutate(&config)
			err := config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}
